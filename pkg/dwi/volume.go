// Package dwi models a diffusion-weighted acquisition: one image per
// gradient table entry plus the derived summary and foreground mask.
//
// Every geometric operation on a VolumeSet moves the images, the summary,
// the mask, the gradient table and the gradient deviation field together,
// so the set is never observed in a partially transformed state.
package dwi

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/floats"

	"dwistudio/internal/models"
	"dwistudio/pkg/gradient"
	"dwistudio/pkg/imaging"
)

// ErrShape is returned when an array does not match the geometry it
// belongs to
var ErrShape = errors.New("array shape does not match geometry")

// MaskOtsuRatio is the fraction of the summary Otsu threshold used for the
// foreground mask
const MaskOtsuRatio = 0.6

// VolumeSet is the set of diffusion-weighted images of one acquisition
type VolumeSet struct {
	Geometry models.Geometry
	Table    *gradient.Table

	// DWI holds one image per table entry
	DWI [][]uint16

	// Summary is the normalised sum of all images, in [0, 1]
	Summary []float32

	// Mask marks foreground voxels with 1
	Mask []uint8

	// Report is the free-text acquisition description
	Report string

	fibers *models.FiberField
}

// New validates the images against the geometry and table and derives the
// summary volume and mask
func New(geo models.Geometry, table *gradient.Table, images [][]uint16) (*VolumeSet, error) {
	if geo.Size() <= 0 {
		return nil, fmt.Errorf("invalid dimension %v: %w", geo.Dim, ErrShape)
	}
	if table == nil || table.Len() != len(images) {
		n := 0
		if table != nil {
			n = table.Len()
		}
		return nil, fmt.Errorf("%d images for %d table entries: %w", len(images), n, ErrShape)
	}
	for i, img := range images {
		if len(img) != geo.Size() {
			return nil, fmt.Errorf("image%d has %d voxels, expected %d: %w", i, len(img), geo.Size(), ErrShape)
		}
	}
	if table.Deviation != nil && table.Deviation.Size() != geo.Size() {
		return nil, fmt.Errorf("grad_dev has %d voxels, expected %d: %w", table.Deviation.Size(), geo.Size(), ErrShape)
	}

	vs := &VolumeSet{
		Geometry: geo,
		Table:    table,
		DWI:      images,
	}
	vs.CalculateSummary()
	vs.CalculateMask()
	vs.Report = gradient.Report(table.BValues(), geo.VoxelSize)
	return vs, nil
}

// GradDev returns the gradient deviation field, or nil
func (vs *VolumeSet) GradDev() *gradient.DeviationField {
	return vs.Table.Deviation
}

// Shells returns the shell structure of the table
func (vs *VolumeSet) Shells() gradient.ShellInfo {
	return gradient.NewShellInfo(vs.Table.BValues())
}

// Fibers returns the cached model fit for the current table, or nil
func (vs *VolumeSet) Fibers() *models.FiberField {
	return vs.fibers
}

// SetFibers caches a model fit computed for the current table
func (vs *VolumeSet) SetFibers(f *models.FiberField) {
	vs.fibers = f
}

func (vs *VolumeSet) invalidate() {
	vs.fibers = nil
}

// CalculateSummary rebuilds the summary volume: the sum of all images,
// offset by its smallest positive value, clipped at three times its Otsu
// threshold and scaled to a maximum of one
func (vs *VolumeSet) CalculateSummary() {
	size := vs.Geometry.Size()
	sum := make([]float64, size)
	for _, img := range vs.DWI {
		for i, v := range img {
			sum[i] += float64(v)
		}
	}

	if size > 0 {
		maxValue := floats.Max(sum)
		minValue := maxValue
		for _, v := range sum {
			if v > 0 && v < minValue {
				minValue = v
			}
		}
		floats.AddConst(-minValue, sum)
		for i := range sum {
			if sum[i] < 0 {
				sum[i] = 0
			}
		}
		t := imaging.Otsu(sum) * 3
		for i := range sum {
			if sum[i] > t {
				sum[i] = t
			}
		}
		if m := floats.Max(sum); m > 0 {
			floats.Scale(1/m, sum)
		}
	}

	vs.Summary = make([]float32, size)
	for i, v := range sum {
		vs.Summary[i] = float32(v)
	}
}

// CalculateMask thresholds the summary volume and removes isolated voxels
func (vs *VolumeSet) CalculateMask() {
	t := imaging.Otsu(vs.Summary) * MaskOtsuRatio
	vs.Mask = imaging.MajoritySmooth(imaging.Threshold(vs.Summary, t), vs.Geometry)
}

// Clone returns a deep copy of the set. The cached fit is not copied.
func (vs *VolumeSet) Clone() *VolumeSet {
	c := &VolumeSet{
		Geometry: vs.Geometry,
		Table:    vs.Table.Clone(),
		DWI:      make([][]uint16, len(vs.DWI)),
		Summary:  append([]float32(nil), vs.Summary...),
		Mask:     append([]uint8(nil), vs.Mask...),
		Report:   vs.Report,
	}
	for i, img := range vs.DWI {
		c.DWI[i] = append([]uint16(nil), img...)
	}
	return c
}

// IsHumanData reports whether the field of view is large enough to be an
// adult human brain
func (vs *VolumeSet) IsHumanData() bool {
	g := vs.Geometry
	return float64(g.Dim[0])*g.VoxelSize[0] > 100 &&
		float64(g.Dim[1])*g.VoxelSize[1] > 120 &&
		float64(g.Dim[2])*g.VoxelSize[2] > 40
}
