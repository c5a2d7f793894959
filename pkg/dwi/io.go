package dwi

import (
	"errors"
	"fmt"

	"dwistudio/internal/models"
	"dwistudio/pkg/gradient"
	"dwistudio/pkg/store"
)

// DefaultVoxelSize is assumed when a file carries no voxel_size array
var DefaultVoxelSize = [3]float64{2, 2, 2}

// ImageName returns the persisted name of image i
func ImageName(i int) string {
	return fmt.Sprintf("image%d", i)
}

// ReadGeometry reads the dimension and voxel_size arrays
func ReadGeometry(s store.ArrayStore) (models.Geometry, error) {
	dim, err := s.Int32s("dimension")
	if err != nil {
		return models.Geometry{}, fmt.Errorf("cannot find dimension matrix: %w", err)
	}
	if len(dim) != 3 || dim[0] <= 0 || dim[1] <= 0 || dim[2] <= 0 {
		return models.Geometry{}, fmt.Errorf("invalid dimension setting %v: %w", dim, ErrShape)
	}
	geo := models.NewGeometry(int(dim[0]), int(dim[1]), int(dim[2]), DefaultVoxelSize)

	if s.Has("voxel_size") {
		vs, err := s.Float32s("voxel_size")
		if err != nil {
			return models.Geometry{}, err
		}
		if len(vs) != 3 {
			return models.Geometry{}, fmt.Errorf("voxel_size has %d elements: %w", len(vs), ErrShape)
		}
		geo.VoxelSize = [3]float64{float64(vs[0]), float64(vs[1]), float64(vs[2])}
	}
	return geo, nil
}

// WriteGeometry writes the dimension and voxel_size arrays
func WriteGeometry(s store.ArrayStore, geo models.Geometry) error {
	dim := []int32{int32(geo.Dim[0]), int32(geo.Dim[1]), int32(geo.Dim[2])}
	if err := s.PutInt32s("dimension", dim); err != nil {
		return err
	}
	vs := []float32{float32(geo.VoxelSize[0]), float32(geo.VoxelSize[1]), float32(geo.VoxelSize[2])}
	return s.PutFloat32s("voxel_size", vs)
}

// Load reads an acquisition from a store. Every array is validated against
// the stored dimension.
func Load(s store.ArrayStore) (*VolumeSet, error) {
	geo, err := ReadGeometry(s)
	if err != nil {
		return nil, err
	}

	packed, err := s.Float32s("b_table")
	if err != nil {
		return nil, fmt.Errorf("cannot find b_table matrix: %w", err)
	}
	table, err := gradient.FromBTable(packed)
	if err != nil {
		return nil, fmt.Errorf("invalid b_table: %w", err)
	}

	images := make([][]uint16, table.Len())
	for i := range images {
		img, err := s.Uint16s(ImageName(i))
		if err != nil {
			return nil, fmt.Errorf("cannot find image matrix: %w", err)
		}
		images[i] = append([]uint16(nil), img...)
	}

	if s.Has("grad_dev") {
		g, err := s.Float32s("grad_dev")
		if err != nil {
			return nil, err
		}
		table.Deviation, err = gradient.NewDeviationField(g, geo.Size())
		if err != nil {
			return nil, fmt.Errorf("%v: %w", err, ErrShape)
		}
	}

	vs, err := New(geo, table, images)
	if err != nil {
		return nil, err
	}

	if s.Has("mask") {
		mask, err := s.Bytes("mask")
		if err != nil {
			return nil, err
		}
		if len(mask) != geo.Size() {
			return nil, fmt.Errorf("mask has %d voxels, expected %d: %w", len(mask), geo.Size(), ErrShape)
		}
		vs.Mask = append([]uint8(nil), mask...)
	}

	if report, err := store.String(s, "report"); err == nil {
		vs.Report = report
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	return vs, nil
}

// Save writes the acquisition to a store
func (vs *VolumeSet) Save(s store.ArrayStore) error {
	if err := WriteGeometry(s, vs.Geometry); err != nil {
		return err
	}
	if err := s.PutFloat32s("b_table", vs.Table.BTable()); err != nil {
		return err
	}
	for i, img := range vs.DWI {
		if err := s.PutUint16s(ImageName(i), img); err != nil {
			return err
		}
	}
	if err := s.PutBytes("mask", vs.Mask); err != nil {
		return err
	}
	if d := vs.GradDev(); d != nil {
		if err := s.PutFloat32s("grad_dev", d.Packed()); err != nil {
			return err
		}
	}
	return store.PutString(s, "report", vs.Report)
}
