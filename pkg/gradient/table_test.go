package gradient

import (
	"errors"
	"math"
	"reflect"
	"strings"
	"testing"

	"gonum.org/v1/gonum/mat"

	"dwistudio/internal/models"
)

func sampleTable(t *testing.T) *Table {
	t.Helper()
	tbl, err := NewTable(
		[]float64{0, 1000, 1000, 1000, 2000},
		[][3]float64{{0, 0, 0}, {2, 0, 0}, {0, 3, 4}, {1, 1, 1}, {-1, 2, -3}},
	)
	if err != nil {
		t.Fatalf("NewTable failed: %v", err)
	}
	return tbl
}

func sampleDeviation(size int) *DeviationField {
	packed := make([]float32, 9*size)
	for k := 0; k < 9; k++ {
		for v := 0; v < size; v++ {
			packed[k*size+v] = float32(k+1) + float32(v)*0.25
		}
	}
	d, _ := NewDeviationField(packed, size)
	return d
}

// TestUnitLength verifies that every vector is normalised on ingestion
func TestUnitLength(t *testing.T) {
	tbl := sampleTable(t)
	for i, e := range tbl.Entries() {
		l := math.Sqrt(e.Vector[0]*e.Vector[0] + e.Vector[1]*e.Vector[1] + e.Vector[2]*e.Vector[2])
		if e.BValue == 0 {
			if l != 0 {
				t.Errorf("Entry %d: expected zero b0 vector, got length %v", i, l)
			}
			continue
		}
		if math.Abs(l-1) > 1e-5 {
			t.Errorf("Entry %d: expected unit length, got %v", i, l)
		}
	}
}

func TestNewTableErrors(t *testing.T) {
	tests := []struct {
		name    string
		bvalues []float64
		vectors [][3]float64
	}{
		{"length mismatch", []float64{0, 1000}, [][3]float64{{0, 0, 0}}},
		{"negative b-value", []float64{-1}, [][3]float64{{1, 0, 0}}},
		{"zero vector with weighting", []float64{1000}, [][3]float64{{0, 0, 0}}},
		{"nan vector", []float64{1000}, [][3]float64{{math.NaN(), 0, 0}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewTable(tc.bvalues, tc.vectors); err == nil {
				t.Errorf("Expected error")
			}
		})
	}
}

func TestBTableRoundTrip(t *testing.T) {
	tbl := sampleTable(t)
	back, err := FromBTable(tbl.BTable())
	if err != nil {
		t.Fatalf("FromBTable failed: %v", err)
	}
	if back.Len() != tbl.Len() {
		t.Fatalf("Expected %d entries, got %d", tbl.Len(), back.Len())
	}
	for i := 0; i < tbl.Len(); i++ {
		a, b := tbl.Entry(i), back.Entry(i)
		if a.BValue != b.BValue {
			t.Errorf("Entry %d: b-value %v != %v", i, a.BValue, b.BValue)
		}
		for c := 0; c < 3; c++ {
			if math.Abs(a.Vector[c]-b.Vector[c]) > 1e-6 {
				t.Errorf("Entry %d: vector %v != %v", i, a.Vector, b.Vector)
			}
		}
	}
	if _, err := FromBTable([]float32{1, 2, 3}); err == nil {
		t.Errorf("Expected error for truncated b_table")
	}
}

// TestTransformRoundTrips verifies that flips and swaps are involutions for
// both the vectors and the deviation tensor
func TestTransformRoundTrips(t *testing.T) {
	for axis := models.AxisX; axis <= models.AxisZ; axis++ {
		tbl := sampleTable(t)
		tbl.Deviation = sampleDeviation(4)
		want := tbl.Clone()

		tbl.FlipAxisSign(axis)
		if reflect.DeepEqual(tbl.Vectors(), want.Vectors()) {
			t.Errorf("Flip %v: expected vectors to change", axis)
		}
		tbl.FlipAxisSign(axis)
		if !reflect.DeepEqual(tbl.Vectors(), want.Vectors()) {
			t.Errorf("Flip %v twice: vectors not restored", axis)
		}
		if !reflect.DeepEqual(tbl.Deviation.Packed(), want.Deviation.Packed()) {
			t.Errorf("Flip %v twice: deviation not restored", axis)
		}
	}

	pairs := [][2]models.Axis{{models.AxisX, models.AxisY}, {models.AxisY, models.AxisZ}, {models.AxisX, models.AxisZ}}
	for _, p := range pairs {
		tbl := sampleTable(t)
		tbl.Deviation = sampleDeviation(3)
		want := tbl.Clone()

		tbl.SwapAxes(p[0], p[1])
		tbl.SwapAxes(p[0], p[1])
		if !reflect.DeepEqual(tbl.Vectors(), want.Vectors()) {
			t.Errorf("Swap %v twice: vectors not restored", p)
		}
		if !reflect.DeepEqual(tbl.Deviation.Packed(), want.Deviation.Packed()) {
			t.Errorf("Swap %v twice: deviation not restored", p)
		}
	}
}

// TestDeviationMatchesConjugation checks the index-table relabel against
// an explicit R·G·Rᵗ product
func TestDeviationMatchesConjugation(t *testing.T) {
	r := Relabel{Order: [3]int{2, 0, 1}, Flip: [3]bool{false, true, false}}
	d := sampleDeviation(2)
	orig := d.Clone()
	d.Relabel(r)

	R := mat.NewDense(3, 3, nil)
	for i := 0; i < 3; i++ {
		s := 1.0
		if r.Flip[i] {
			s = -1
		}
		R.Set(i, r.Order[i], s)
	}
	for v := 0; v < 2; v++ {
		g := orig.Tensor(v)
		G := mat.NewDense(3, 3, g[:])
		var tmp, want mat.Dense
		tmp.Mul(R, G)
		want.Mul(&tmp, R.T())

		got := d.Tensor(v)
		for k := 0; k < 9; k++ {
			if math.Abs(got[k]-want.At(k/3, k%3)) > 1e-6 {
				t.Errorf("Voxel %d component %d: expected %v, got %v", v, k, want.At(k/3, k%3), got[k])
			}
		}
	}
}

func TestPermuteAndFlip(t *testing.T) {
	tbl, _ := NewTable([]float64{1000}, [][3]float64{{0.6, 0.8, 0}})
	if err := tbl.PermuteAndFlip([3]int{1, 0, 2}, [3]bool{true, false, false}); err != nil {
		t.Fatalf("PermuteAndFlip failed: %v", err)
	}
	got := tbl.Entry(0).Vector
	want := [3]float64{-0.8, 0.6, 0}
	for c := 0; c < 3; c++ {
		if math.Abs(got[c]-want[c]) > 1e-12 {
			t.Fatalf("Expected %v, got %v", want, got)
		}
	}

	err := tbl.PermuteAndFlip([3]int{0, 0, 2}, [3]bool{})
	if !errors.Is(err, ErrInvalidRelabel) {
		t.Errorf("Expected ErrInvalidRelabel, got %v", err)
	}
}

func TestRelabelLabel(t *testing.T) {
	r := Relabel{Order: [3]int{0, 2, 1}, Flip: [3]bool{false, true, false}}
	if got := r.Label(); got != ".021fy" {
		t.Errorf("Expected .021fy, got %s", got)
	}
	if got := Identity.Label(); got != ".012" {
		t.Errorf("Expected .012, got %s", got)
	}
}

func TestRemoveAndRotate(t *testing.T) {
	tbl := sampleTable(t)
	if err := tbl.Remove(0); err != nil {
		t.Fatal(err)
	}
	if tbl.Len() != 4 || tbl.Entry(0).BValue != 1000 {
		t.Errorf("Remove did not drop the first entry")
	}
	if err := tbl.Remove(10); err == nil {
		t.Errorf("Expected out-of-range error")
	}

	// 90 degrees about z maps x onto y
	rot := mat.NewDense(3, 3, []float64{0, -1, 0, 1, 0, 0, 0, 0, 1})
	if err := tbl.Rotate(rot); err != nil {
		t.Fatal(err)
	}
	v := tbl.Entry(0).Vector
	if math.Abs(v[0]) > 1e-12 || math.Abs(v[1]-1) > 1e-12 {
		t.Errorf("Expected (0,1,0), got %v", v)
	}
	if err := tbl.Rotate(mat.NewDense(2, 2, nil)); err == nil {
		t.Errorf("Expected error for non 3x3 rotation")
	}
}

func TestDeviationIdentityOffset(t *testing.T) {
	packed := make([]float32, 9)
	d, err := NewDeviationField(packed, 1)
	if err != nil {
		t.Fatal(err)
	}
	g := d.Tensor(0)
	if g[0] != 1 || g[4] != 1 || g[8] != 1 || g[1] != 0 {
		t.Errorf("Expected identity tensor, got %v", g)
	}
	if _, err := NewDeviationField(packed, 2); err == nil {
		t.Errorf("Expected length error")
	}
}

func TestReport(t *testing.T) {
	b := []float64{0}
	for i := 0; i < 30; i++ {
		b = append(b, 1000)
	}
	r := Report(b, [3]float64{2, 2, 2.5})
	if !strings.Contains(r, "DTI") || !strings.Contains(r, "30 diffusion sampling directions") {
		t.Errorf("Unexpected single-shell report: %s", r)
	}

	for i := 0; i < 60; i++ {
		b = append(b, 3000)
	}
	r = Report(b, [3]float64{2, 2, 2})
	if !strings.Contains(r, "multishell") || !strings.Contains(r, "1000 and 3000") {
		t.Errorf("Unexpected multishell report: %s", r)
	}
	if !strings.Contains(r, "30 and 60, respectively") {
		t.Errorf("Unexpected direction counts: %s", r)
	}
}
