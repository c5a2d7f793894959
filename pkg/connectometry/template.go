// Package connectometry aggregates per-subject fiber measures sampled on a
// common template into a cohort database and maps the effects found by a
// statistical model back onto the template's fibers.
package connectometry

import (
	"errors"
	"fmt"

	"dwistudio/internal/models"
	"dwistudio/pkg/dwi"
	"dwistudio/pkg/store"
)

var (
	// ErrIncompatible is returned when two databases, or a database and a
	// persisted array, do not describe the same template
	ErrIncompatible = errors.New("incompatible connectometry data")

	// ErrInconsistent is returned when a subject was reconstructed with a
	// different orientation table, resolution or is missing required data
	ErrInconsistent = errors.New("inconsistent subject data")
)

// Template is the reference reconstruction every subject is sampled on
type Template struct {
	Geometry models.Geometry
	Fibers   *models.FiberField

	// PeakIndex is the orientation table vertex of every fiber, [fiber][voxel]
	PeakIndex [][]int32

	// Vertices is the orientation table. Opposite vertices are stored half a
	// table apart, so the first half covers every direction once.
	Vertices [][3]float32
}

// NumFibers returns the number of fiber slots per voxel
func (t *Template) NumFibers() int { return t.Fibers.NumFibers() }

// HalfODFSize is the number of ODF values stored per voxel
func (t *Template) HalfODFSize() int { return len(t.Vertices) / 2 }

// FA returns the anisotropy of fiber fib at voxel
func (t *Template) FA(fib, voxel int) float32 { return t.Fibers.Anisotropy[fib][voxel] }

func readVertices(s store.ArrayStore) ([][3]float32, error) {
	buf, err := s.Float32s("odf_vertices")
	if err != nil {
		return nil, fmt.Errorf("no odf_vertices matrix: %w", err)
	}
	if len(buf)%3 != 0 {
		return nil, fmt.Errorf("odf_vertices has %d values: %w", len(buf), dwi.ErrShape)
	}
	v := make([][3]float32, len(buf)/3)
	for i := range v {
		v[i] = [3]float32{buf[3*i], buf[3*i+1], buf[3*i+2]}
	}
	return v, nil
}

func packVertices(v [][3]float32) []float32 {
	out := make([]float32, 0, 3*len(v))
	for _, p := range v {
		out = append(out, p[0], p[1], p[2])
	}
	return out
}

// LoadTemplate reads the template arrays: dimension, voxel_size,
// odf_vertices, fa<i> and index<i>. Directions come from dir<i> when
// present, otherwise from the vertex each fiber peaks at.
func LoadTemplate(s store.ArrayStore) (*Template, error) {
	geo, err := dwi.ReadGeometry(s)
	if err != nil {
		return nil, err
	}
	t := &Template{Geometry: geo, Fibers: &models.FiberField{}}
	if t.Vertices, err = readVertices(s); err != nil {
		return nil, err
	}

	size := geo.Size()
	for i := 0; s.Has(fmt.Sprintf("fa%d", i)); i++ {
		fa, err := s.Float32s(fmt.Sprintf("fa%d", i))
		if err != nil {
			return nil, err
		}
		index, err := s.Int32s(fmt.Sprintf("index%d", i))
		if err != nil {
			return nil, fmt.Errorf("fiber %d has no peak index: %w", i, err)
		}
		if len(fa) != size || len(index) != size {
			return nil, fmt.Errorf("fiber %d does not match %d voxels: %w", i, size, dwi.ErrShape)
		}
		for v, p := range index {
			if fa[v] != 0 && (p < 0 || int(p) >= len(t.Vertices)) {
				return nil, fmt.Errorf("fiber %d peaks at vertex %d of %d: %w", i, p, len(t.Vertices), dwi.ErrShape)
			}
		}

		var dir []float32
		if name := fmt.Sprintf("dir%d", i); s.Has(name) {
			if dir, err = s.Float32s(name); err != nil {
				return nil, err
			}
			if len(dir) != 3*size {
				return nil, fmt.Errorf("%s has %d values: %w", name, len(dir), dwi.ErrShape)
			}
		} else {
			dir = make([]float32, 3*size)
			for v, p := range index {
				if fa[v] != 0 {
					copy(dir[3*v:3*v+3], t.Vertices[p][:])
				}
			}
		}
		t.Fibers.Anisotropy = append(t.Fibers.Anisotropy, fa)
		t.Fibers.Direction = append(t.Fibers.Direction, dir)
		t.PeakIndex = append(t.PeakIndex, index)
	}
	if t.NumFibers() == 0 {
		return nil, fmt.Errorf("no fa0 matrix: %w", store.ErrNotFound)
	}
	return t, nil
}

// Save writes the template arrays
func (t *Template) Save(s store.ArrayStore) error {
	if err := dwi.WriteGeometry(s, t.Geometry); err != nil {
		return err
	}
	if err := s.PutFloat32s("odf_vertices", packVertices(t.Vertices)); err != nil {
		return err
	}
	for i := 0; i < t.NumFibers(); i++ {
		if err := s.PutFloat32s(fmt.Sprintf("fa%d", i), t.Fibers.Anisotropy[i]); err != nil {
			return err
		}
		if err := s.PutFloat32s(fmt.Sprintf("dir%d", i), t.Fibers.Direction[i]); err != nil {
			return err
		}
		if err := s.PutInt32s(fmt.Sprintf("index%d", i), t.PeakIndex[i]); err != nil {
			return err
		}
	}
	return nil
}

// SameAs reports whether two templates share dimension and primary anisotropy
func (t *Template) SameAs(o *Template) bool {
	if !t.Geometry.SameGrid(o.Geometry) {
		return false
	}
	a, b := t.Fibers.Anisotropy[0], o.Fibers.Anisotropy[0]
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
