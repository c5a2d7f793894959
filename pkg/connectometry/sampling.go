package connectometry

import (
	"errors"
	"fmt"
	"math"

	"dwistudio/pkg/dwi"
	"dwistudio/pkg/store"
)

// checkConsistent verifies that a subject was reconstructed with the
// template's orientation table and resolution
func (db *Database) checkConsistent(src store.ArrayStore) error {
	vertices, err := readVertices(src)
	if err != nil {
		return fmt.Errorf("%v: %w", err, ErrInconsistent)
	}
	if len(vertices) != len(db.Template.Vertices) {
		return fmt.Errorf("inconsistent ODF dimension %d vs %d: %w", len(vertices), len(db.Template.Vertices), ErrInconsistent)
	}
	for i, v := range vertices {
		if v != db.Template.Vertices[i] {
			return fmt.Errorf("inconsistent ODF at vertex %d: %w", i, ErrInconsistent)
		}
	}
	vs, err := src.Float32s("voxel_size")
	if err != nil || len(vs) == 0 {
		return fmt.Errorf("no voxel_size matrix: %w", ErrInconsistent)
	}
	if want := db.Template.Geometry.VoxelSize[0]; float64(vs[0]) != want {
		return fmt.Errorf("image resolution %v mm differs from the template's %v mm: %w", vs[0], want, ErrInconsistent)
	}
	return nil
}

// odfs holds a subject's half ODFs. The reconstruction stores them in
// odf0, odf1, ... blocks, one run of half-table values per voxel with
// non-zero fa0, in voxel order.
type odfs struct {
	data   []float32
	offset []int
	half   int
}

func readODFs(src store.ArrayStore, size, half int) (*odfs, error) {
	fa, err := src.Float32s("fa0")
	if err != nil {
		return nil, fmt.Errorf("no fa0 matrix: %w", ErrInconsistent)
	}
	if len(fa) != size {
		return nil, fmt.Errorf("fa0 has %d voxels, expected %d: %w", len(fa), size, ErrInconsistent)
	}
	o := &odfs{offset: make([]int, size), half: half}
	for i := 0; src.Has(fmt.Sprintf("odf%d", i)); i++ {
		block, err := src.Float32s(fmt.Sprintf("odf%d", i))
		if err != nil {
			return nil, err
		}
		o.data = append(o.data, block...)
	}
	if len(o.data) == 0 {
		return nil, fmt.Errorf("the reconstruction contains no ODF information: %w", ErrInconsistent)
	}
	next := 0
	for v, a := range fa {
		if a == 0 {
			o.offset[v] = Absent
			continue
		}
		o.offset[v] = next
		next += half
	}
	if next != len(o.data) {
		return nil, fmt.Errorf("%d ODF values for %d voxels: %w", len(o.data), next/half, ErrInconsistent)
	}
	return o, nil
}

// at returns the half ODF of a voxel, nil when the subject has none there
func (o *odfs) at(v int) []float32 {
	if o.offset[v] == Absent {
		return nil
	}
	return o.data[o.offset[v] : o.offset[v]+o.half]
}

func minOf(v []float32) float32 {
	m := v[0]
	for _, x := range v[1:] {
		if x < m {
			m = x
		}
	}
	return m
}

// sampleODF fills data with the subject's ODF value at every template peak,
// measured above the ODF minimum
func (db *Database) sampleODF(src store.ArrayStore, data []float32) error {
	t := db.Template
	o, err := readODFs(src, t.Geometry.Size(), t.HalfODFSize())
	if err != nil {
		return err
	}
	db.eachSample(func(si, vi int) {
		odf := o.at(vi)
		if odf == nil {
			return
		}
		base := minOf(odf)
		db.eachFiber(si, vi, func(fib, pos int) {
			p := t.PeakIndex[fib][vi]
			if int(p) >= len(odf) {
				p -= int32(len(odf))
			}
			data[pos] = odf[p] - base
		})
	})
	return nil
}

// sampleIndex fills data with a named scalar map of the subject
func (db *Database) sampleIndex(src store.ArrayStore, name string, data []float32) error {
	index, err := src.Float32s(name)
	if err != nil {
		return fmt.Errorf("failed to sample %s: %w", name, err)
	}
	if len(index) != db.Template.Geometry.Size() {
		return fmt.Errorf("%s has %d voxels: %w", name, len(index), dwi.ErrShape)
	}
	db.eachSample(func(si, vi int) {
		db.eachFiber(si, vi, func(fib, pos int) {
			data[pos] = index[vi]
		})
	})
	return nil
}

func (db *Database) eachSample(fn func(si, vi int)) {
	for si, vi := range db.si2vi {
		fn(si, vi)
	}
}

// eachFiber visits the fiber slots present at a template voxel
func (db *Database) eachFiber(si, vi int, fn func(fib, pos int)) {
	t := db.Template
	for fib := 0; fib < t.NumFibers() && t.FA(fib, vi) != 0; fib++ {
		fn(fib, si+fib*len(db.si2vi))
	}
}

// sample reads one subject without touching the database
func (db *Database) sample(src store.ArrayStore, name string) (Subject, string, error) {
	data := make([]float32, db.VectorLen())
	if db.IndexName == DefaultIndexName || db.IndexName == "" {
		if err := db.checkConsistent(src); err != nil {
			return Subject{}, "", err
		}
		if err := db.sampleODF(src, data); err != nil {
			return Subject{}, "", err
		}
	} else if err := db.sampleIndex(src, db.IndexName, data); err != nil {
		return Subject{}, "", err
	}

	r2, err := store.Scalar(src, "R2")
	if err != nil || math.IsNaN(float64(r2)) {
		return Subject{}, "", fmt.Errorf("invalid R2 value: %w", ErrInconsistent)
	}
	report, err := store.String(src, "report")
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return Subject{}, "", err
	}
	return db.newSubject(name, r2, Owned(data)), report, nil
}

// ODFProfile samples a subject the way AddSubject does in ODF mode and
// returns the vector without adding it
func (db *Database) ODFProfile(src store.ArrayStore) ([]float32, error) {
	if err := db.checkConsistent(src); err != nil {
		return nil, err
	}
	data := make([]float32, db.VectorLen())
	if err := db.sampleODF(src, data); err != nil {
		return nil, err
	}
	if report, err := store.String(src, "report"); err == nil {
		db.SubjectReport = report
	}
	return data, nil
}

// QAProfile samples a subject's ODF at the template peaks over the whole
// grid, [fiber][voxel]
func (db *Database) QAProfile(src store.ArrayStore) ([][]float32, error) {
	if err := db.checkConsistent(src); err != nil {
		return nil, err
	}
	t := db.Template
	size := t.Geometry.Size()
	o, err := readODFs(src, size, t.HalfODFSize())
	if err != nil {
		return nil, err
	}
	out := make([][]float32, t.NumFibers())
	for fib := range out {
		out[fib] = make([]float32, size)
	}
	db.eachSample(func(si, vi int) {
		odf := o.at(vi)
		if odf == nil {
			return
		}
		base := minOf(odf)
		db.eachFiber(si, vi, func(fib, _ int) {
			p := t.PeakIndex[fib][vi]
			if int(p) >= len(odf) {
				p -= int32(len(odf))
			}
			out[fib][vi] = odf[p] - base
		})
	})
	if report, err := store.String(src, "report"); err == nil {
		db.SubjectReport = report
	}
	return out, nil
}
