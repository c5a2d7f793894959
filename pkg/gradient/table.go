// Package gradient holds the diffusion gradient table of an acquisition and
// the transforms that keep it consistent with the image grid.
package gradient

import (
	"errors"
	"fmt"
	"math"
	"strconv"

	"gonum.org/v1/gonum/mat"

	"dwistudio/internal/models"
)

// Entry is one acquired diffusion direction
type Entry struct {
	// BValue is the diffusion weighting in s/mm2
	BValue float64

	// Vector is the unit gradient direction; zero for b0 images
	Vector [3]float64
}

// Table is the ordered gradient table of an acquisition. Entry i describes
// image i of the owning volume set.
type Table struct {
	entries []Entry

	// Deviation is the optional gradient deviation tensor field. It is
	// transformed together with the vectors.
	Deviation *DeviationField
}

// NewTable builds a table from b-values and vectors, normalising every
// vector. A zero vector is accepted only together with a zero b-value.
func NewTable(bvalues []float64, vectors [][3]float64) (*Table, error) {
	if len(bvalues) != len(vectors) {
		return nil, fmt.Errorf("b-value count %d does not match vector count %d", len(bvalues), len(vectors))
	}
	t := &Table{entries: make([]Entry, len(bvalues))}
	for i := range bvalues {
		b := bvalues[i]
		if b < 0 || math.IsNaN(b) || math.IsInf(b, 0) {
			return nil, fmt.Errorf("entry %d: invalid b-value %v", i, b)
		}
		v, ok := normalize(vectors[i])
		if !ok && b != 0 {
			return nil, fmt.Errorf("entry %d: zero-length vector with b-value %v", i, b)
		}
		t.entries[i] = Entry{BValue: b, Vector: v}
	}
	return t, nil
}

// FromBTable unpacks the persisted layout of four values per entry
// (b-value, x, y, z)
func FromBTable(packed []float32) (*Table, error) {
	if len(packed)%4 != 0 {
		return nil, fmt.Errorf("b_table length %d is not a multiple of 4", len(packed))
	}
	n := len(packed) / 4
	bvalues := make([]float64, n)
	vectors := make([][3]float64, n)
	for i := 0; i < n; i++ {
		row := packed[i*4 : i*4+4]
		bvalues[i] = float64(row[0])
		vectors[i] = [3]float64{float64(row[1]), float64(row[2]), float64(row[3])}
	}
	return NewTable(bvalues, vectors)
}

// BTable packs the table into the persisted layout
func (t *Table) BTable() []float32 {
	out := make([]float32, 0, len(t.entries)*4)
	for _, e := range t.entries {
		out = append(out, float32(e.BValue), float32(e.Vector[0]), float32(e.Vector[1]), float32(e.Vector[2]))
	}
	return out
}

func normalize(v [3]float64) ([3]float64, bool) {
	l := math.Sqrt(v[0]*v[0] + v[1]*v[1] + v[2]*v[2])
	if l == 0 || math.IsNaN(l) || math.IsInf(l, 0) {
		return [3]float64{}, false
	}
	return [3]float64{v[0] / l, v[1] / l, v[2] / l}, true
}

// Len returns the number of entries
func (t *Table) Len() int { return len(t.entries) }

// Entry returns entry i
func (t *Table) Entry(i int) Entry { return t.entries[i] }

// Entries returns a copy of all entries
func (t *Table) Entries() []Entry {
	return append([]Entry(nil), t.entries...)
}

// BValues returns the b-values in acquisition order
func (t *Table) BValues() []float64 {
	out := make([]float64, len(t.entries))
	for i, e := range t.entries {
		out[i] = e.BValue
	}
	return out
}

// Vectors returns the gradient directions in acquisition order
func (t *Table) Vectors() [][3]float64 {
	out := make([][3]float64, len(t.entries))
	for i, e := range t.entries {
		out[i] = e.Vector
	}
	return out
}

// Clone returns a deep copy, including the deviation field
func (t *Table) Clone() *Table {
	c := &Table{entries: t.Entries()}
	if t.Deviation != nil {
		c.Deviation = t.Deviation.Clone()
	}
	return c
}

// Remove deletes entry i
func (t *Table) Remove(i int) error {
	if i < 0 || i >= len(t.entries) {
		return fmt.Errorf("entry %d out of range [0, %d)", i, len(t.entries))
	}
	t.entries = append(t.entries[:i], t.entries[i+1:]...)
	return nil
}

// Relabel is a signed permutation of the three axes. Component i of the
// relabeled vector is component Order[i] of the source, negated when
// Flip[i] is set.
type Relabel struct {
	Order [3]int
	Flip  [3]bool
}

// Identity leaves every vector unchanged
var Identity = Relabel{Order: [3]int{0, 1, 2}}

// Valid reports whether Order is a permutation of 0, 1, 2
func (r Relabel) Valid() bool {
	var seen [3]bool
	for _, o := range r.Order {
		if o < 0 || o > 2 || seen[o] {
			return false
		}
		seen[o] = true
	}
	return true
}

// Apply relabels a single vector
func (r Relabel) Apply(v [3]float64) [3]float64 {
	var out [3]float64
	for i := 0; i < 3; i++ {
		out[i] = v[r.Order[i]]
		if r.Flip[i] {
			out[i] = -out[i]
		}
	}
	return out
}

// Label returns the short symbolic name, e.g. ".021fy"
func (r Relabel) Label() string {
	s := "."
	for _, o := range r.Order {
		s += strconv.Itoa(o)
	}
	flips := ""
	for i, f := range r.Flip {
		if f {
			flips += models.Axis(i).String()
		}
	}
	if flips != "" {
		s += "f" + flips
	}
	return s
}

// ErrInvalidRelabel is returned when a permutation is not a valid ordering of the axes
var ErrInvalidRelabel = errors.New("order is not a permutation of the three axes")

// PermuteAndFlip relabels every vector and the deviation tensor with the
// given signed permutation
func (t *Table) PermuteAndFlip(order [3]int, flip [3]bool) error {
	r := Relabel{Order: order, Flip: flip}
	if !r.Valid() {
		return fmt.Errorf("%v: %w", order, ErrInvalidRelabel)
	}
	t.relabel(r)
	return nil
}

// FlipAxisSign negates one component of every vector
func (t *Table) FlipAxisSign(axis models.Axis) {
	r := Identity
	r.Flip[axis] = true
	t.relabel(r)
}

// SwapAxes exchanges two components of every vector
func (t *Table) SwapAxes(a, b models.Axis) {
	r := Identity
	r.Order[a], r.Order[b] = r.Order[b], r.Order[a]
	t.relabel(r)
}

func (t *Table) relabel(r Relabel) {
	for i := range t.entries {
		t.entries[i].Vector = r.Apply(t.entries[i].Vector)
	}
	if t.Deviation != nil {
		t.Deviation.Relabel(r)
	}
}

// Rotate applies the 3x3 matrix m to every vector and renormalises. The
// deviation tensor, when present, is conjugated by m.
func (t *Table) Rotate(m mat.Matrix) error {
	if r, c := m.Dims(); r != 3 || c != 3 {
		return fmt.Errorf("rotation must be 3x3, got %dx%d", r, c)
	}
	var rot [3][3]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			rot[i][j] = m.At(i, j)
		}
	}
	for i := range t.entries {
		e := &t.entries[i]
		var v [3]float64
		for r := 0; r < 3; r++ {
			v[r] = rot[r][0]*e.Vector[0] + rot[r][1]*e.Vector[1] + rot[r][2]*e.Vector[2]
		}
		if n, ok := normalize(v); ok {
			e.Vector = n
		}
	}
	if t.Deviation != nil {
		if err := t.Deviation.Conjugate(m); err != nil {
			return err
		}
	}
	return nil
}
