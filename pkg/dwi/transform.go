package dwi

import (
	"context"
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"dwistudio/internal/models"
	"dwistudio/internal/parallel"
	"dwistudio/pkg/gradient"
	"dwistudio/pkg/imaging"
)

// FlipOp is one of the six spatial reorientations of the grid
type FlipOp int

const (
	FlipX FlipOp = iota
	FlipY
	FlipZ
	// SwapXY and the other swaps transpose two axes
	SwapXY
	SwapYZ
	SwapXZ
)

// swapAxes returns the pair of axes exchanged by a swap operation
func (op FlipOp) swapAxes() (models.Axis, models.Axis) {
	a := models.Axis(op - SwapXY)
	return a, (a + 1) % 3
}

func (op FlipOp) String() string {
	switch op {
	case FlipX, FlipY, FlipZ:
		return "flip " + models.Axis(op).String()
	case SwapXY, SwapYZ, SwapXZ:
		a, b := op.swapAxes()
		return "swap " + a.String() + b.String()
	}
	return fmt.Sprintf("FlipOp(%d)", int(op))
}

// Flip reorients the grid. The gradient table and the deviation field
// follow the images so that the acquisition stays physically consistent.
func (vs *VolumeSet) Flip(op FlipOp) error {
	switch {
	case op >= FlipX && op <= FlipZ:
		axis := models.Axis(op)
		geo := vs.Geometry
		vs.Table.FlipAxisSign(axis)
		for i := range vs.DWI {
			vs.DWI[i] = imaging.Flip(vs.DWI[i], geo, axis)
		}
		vs.Summary = imaging.Flip(vs.Summary, geo, axis)
		vs.Mask = imaging.Flip(vs.Mask, geo, axis)
		if d := vs.GradDev(); d != nil {
			d.MapVolumes(func(src []float32) []float32 { return imaging.Flip(src, geo, axis) })
		}
	case op >= SwapXY && op <= SwapXZ:
		a, b := op.swapAxes()
		geo := vs.Geometry
		vs.Table.SwapAxes(a, b)
		var dst models.Geometry
		for i := range vs.DWI {
			vs.DWI[i], dst = imaging.Swap(vs.DWI[i], geo, a, b)
		}
		vs.Summary, dst = imaging.Swap(vs.Summary, geo, a, b)
		vs.Mask, _ = imaging.Swap(vs.Mask, geo, a, b)
		if d := vs.GradDev(); d != nil {
			d.MapVolumes(func(src []float32) []float32 {
				out, _ := imaging.Swap(src, geo, a, b)
				return out
			})
		}
		vs.Geometry = dst
	default:
		return fmt.Errorf("unknown flip operation %d", int(op))
	}
	vs.invalidate()
	return nil
}

// PermuteAndFlip relabels the gradient table axes without moving the
// images. It is the correction applied when the table orientation is found
// to be wrong.
func (vs *VolumeSet) PermuteAndFlip(order [3]int, flip [3]bool) error {
	if err := vs.Table.PermuteAndFlip(order, flip); err != nil {
		return err
	}
	vs.invalidate()
	return nil
}

// Trim crops every volume to the bounding box of the mask
func (vs *VolumeSet) Trim() error {
	lo, hi, ok := imaging.BoundingBox(vs.Mask, vs.Geometry)
	if !ok {
		return errors.New("cannot trim: mask is empty")
	}
	geo := vs.Geometry
	var dst models.Geometry
	for i := range vs.DWI {
		vs.DWI[i], dst = imaging.Crop(vs.DWI[i], geo, lo, hi)
	}
	if d := vs.GradDev(); d != nil {
		d.MapVolumes(func(src []float32) []float32 {
			out, _ := imaging.Crop(src, geo, lo, hi)
			return out
		})
	}
	vs.Mask, dst = imaging.Crop(vs.Mask, geo, lo, hi)
	vs.Geometry = dst
	vs.CalculateSummary()
	vs.CalculateMask()
	vs.invalidate()
	return nil
}

// Rotate resamples every volume onto dst. affine is a 3x4 matrix mapping
// dst voxel coordinates to current voxel coordinates; the gradient vectors
// are rotated by the inverse of its linear part.
func (vs *VolumeSet) Rotate(ctx context.Context, dst models.Geometry, affine mat.Matrix, workers int) error {
	if r, c := affine.Dims(); r < 3 || c != 4 {
		return fmt.Errorf("affine must be 3x4, got %dx%d", r, c)
	}
	linear := mat.NewDense(3, 3, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			linear.Set(i, j, affine.At(i, j))
		}
	}
	var inv mat.Dense
	if err := inv.Inverse(linear); err != nil {
		return fmt.Errorf("affine is not invertible: %w", err)
	}

	table := vs.Table.Clone()
	if err := table.Rotate(&inv); err != nil {
		return err
	}
	return vs.resample(ctx, dst, affine, workers, table)
}

// Resample changes the voxel size, keeping the physical field of view
func (vs *VolumeSet) Resample(ctx context.Context, voxelSize [3]float64, workers int) error {
	dst := vs.Geometry
	for a := 0; a < 3; a++ {
		if voxelSize[a] <= 0 {
			return fmt.Errorf("invalid voxel size %v", voxelSize)
		}
		n := int(math.Round(float64(vs.Geometry.Dim[a]) * vs.Geometry.VoxelSize[a] / voxelSize[a]))
		if n < 1 {
			n = 1
		}
		dst.Dim[a] = n
	}
	dst.VoxelSize = voxelSize
	return vs.resample(ctx, dst, imaging.ScaleAffine(vs.Geometry.VoxelSize, voxelSize), workers, vs.Table.Clone())
}

// resample pulls every image and deviation component onto dst and installs
// table. The set is only modified once every worker has finished.
func (vs *VolumeSet) resample(ctx context.Context, dst models.Geometry, affine mat.Matrix, workers int, table *gradient.Table) error {
	geo := vs.Geometry
	images := make([][]uint16, len(vs.DWI))
	err := parallel.Each(ctx, len(vs.DWI), workers, func(ctx context.Context, i int) error {
		out, err := imaging.Resample(vs.DWI[i], geo, dst, affine)
		images[i] = out
		return err
	})
	if err != nil {
		return err
	}
	if d := table.Deviation; d != nil {
		var rerr error
		d.MapVolumes(func(src []float32) []float32 {
			out, err := imaging.Resample(src, geo, dst, affine)
			if err != nil {
				rerr = err
				return src
			}
			return out
		})
		if rerr != nil {
			return rerr
		}
	}

	vs.Geometry = dst
	vs.DWI = images
	vs.Table = table
	vs.CalculateSummary()
	vs.CalculateMask()
	vs.invalidate()
	return nil
}

// RemoveDirection drops image i and its table entry
func (vs *VolumeSet) RemoveDirection(i int) error {
	if err := vs.Table.Remove(i); err != nil {
		return err
	}
	vs.DWI = append(vs.DWI[:i], vs.DWI[i+1:]...)
	vs.CalculateSummary()
	vs.invalidate()
	return nil
}

// RemoveBackground zeroes every image outside the mask
func (vs *VolumeSet) RemoveBackground() {
	for _, img := range vs.DWI {
		for i, m := range vs.Mask {
			if m == 0 {
				img[i] = 0
			}
		}
	}
	vs.invalidate()
}
