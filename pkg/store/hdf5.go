package store

import (
	"errors"
	"fmt"

	"gonum.org/v1/hdf5"
)

// HDF5 is an ArrayStore backed by an HDF5 file. Every array is a one
// dimensional dataset at the root group.
type HDF5 struct {
	file     *hdf5.File
	readOnly bool
}

// OpenHDF5 opens an existing file for reading
func OpenHDF5(path string) (*HDF5, error) {
	f, err := hdf5.OpenFile(path, hdf5.F_ACC_RDONLY)
	if err != nil {
		return nil, fmt.Errorf("error opening %s: %w", path, err)
	}
	return &HDF5{file: f, readOnly: true}, nil
}

// CreateHDF5 creates (or truncates) a file for writing
func CreateHDF5(path string) (*HDF5, error) {
	f, err := hdf5.CreateFile(path, hdf5.F_ACC_TRUNC)
	if err != nil {
		return nil, fmt.Errorf("error creating %s: %w", path, err)
	}
	return &HDF5{file: f}, nil
}

func (h *HDF5) Has(name string) bool {
	dset, err := h.file.OpenDataset(name)
	if err != nil {
		return false
	}
	dset.Close()
	return true
}

func (h *HDF5) Float32s(name string) ([]float32, error) {
	var out []float32
	err := h.read(name, func(n int, dset *hdf5.Dataset) error {
		out = make([]float32, n)
		if n == 0 {
			return nil
		}
		return dset.Read(&out)
	})
	return out, err
}

func (h *HDF5) Int32s(name string) ([]int32, error) {
	var out []int32
	err := h.read(name, func(n int, dset *hdf5.Dataset) error {
		out = make([]int32, n)
		if n == 0 {
			return nil
		}
		return dset.Read(&out)
	})
	return out, err
}

func (h *HDF5) Uint16s(name string) ([]uint16, error) {
	var out []uint16
	err := h.read(name, func(n int, dset *hdf5.Dataset) error {
		out = make([]uint16, n)
		if n == 0 {
			return nil
		}
		return dset.Read(&out)
	})
	return out, err
}

func (h *HDF5) Bytes(name string) ([]byte, error) {
	var out []byte
	err := h.read(name, func(n int, dset *hdf5.Dataset) error {
		out = make([]byte, n)
		if n == 0 {
			return nil
		}
		return dset.Read(&out)
	})
	return out, err
}

func (h *HDF5) read(name string, fn func(n int, dset *hdf5.Dataset) error) error {
	dset, err := h.file.OpenDataset(name)
	if err != nil {
		return fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	defer dset.Close()

	n := dset.Space().SimpleExtentNPoints()
	if err := fn(n, dset); err != nil {
		return fmt.Errorf("error reading %s: %w", name, err)
	}
	return nil
}

func (h *HDF5) PutFloat32s(name string, v []float32) error {
	return h.write(name, float32(0), len(v), func(dset *hdf5.Dataset) error { return dset.Write(&v) })
}

func (h *HDF5) PutInt32s(name string, v []int32) error {
	return h.write(name, int32(0), len(v), func(dset *hdf5.Dataset) error { return dset.Write(&v) })
}

func (h *HDF5) PutUint16s(name string, v []uint16) error {
	return h.write(name, uint16(0), len(v), func(dset *hdf5.Dataset) error { return dset.Write(&v) })
}

func (h *HDF5) PutBytes(name string, v []byte) error {
	return h.write(name, uint8(0), len(v), func(dset *hdf5.Dataset) error { return dset.Write(&v) })
}

func (h *HDF5) write(name string, elem interface{}, n int, fn func(dset *hdf5.Dataset) error) error {
	if h.readOnly {
		return errors.New("store opened read-only")
	}
	// create the memory data type
	dtype, err := hdf5.NewDatatypeFromValue(elem)
	if err != nil {
		return err
	}
	space, err := hdf5.CreateSimpleDataspace([]uint{uint(n)}, nil)
	if err != nil {
		return err
	}
	defer space.Close()

	dset, err := h.file.CreateDataset(name, dtype, space)
	if err != nil {
		return fmt.Errorf("error creating dataset %s: %w", name, err)
	}
	defer dset.Close()

	if n == 0 {
		return nil
	}
	if err := fn(dset); err != nil {
		return fmt.Errorf("error writing %s: %w", name, err)
	}
	return nil
}

func (h *HDF5) Close() error {
	return h.file.Close()
}
