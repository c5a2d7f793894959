package calibration

import (
	"context"
	"errors"
	"math"
	"testing"

	"dwistudio/internal/models"
	"dwistudio/pkg/dwi"
	"dwistudio/pkg/gradient"
	"dwistudio/pkg/store"
)

// lineField is a single fiber running along x through (·, 4, 4)
func lineField(geo models.Geometry, dir [3]float64) *models.FiberField {
	f := models.NewFiberField(1, geo.Size())
	for x := 0; x < geo.Dim[0]; x++ {
		v := geo.Index(x, 4, 4)
		f.Anisotropy[0][v] = 1
		f.SetDir(0, v, dir)
	}
	return f
}

// tableFitter behaves like an equivariant model fit of a phantom whose true
// fiber runs along x. The true table starts with the x, y and z axes, so
// the current first entry is where the table maps the x axis.
type tableFitter struct {
	calls int
}

func (f *tableFitter) Fit(ctx context.Context, vs *dwi.VolumeSet) (*models.FiberField, error) {
	f.calls++
	return lineField(vs.Geometry, vs.Table.Entry(0).Vector), nil
}

func phantom(t *testing.T) *dwi.VolumeSet {
	t.Helper()
	geo := models.NewGeometry(8, 9, 9, [3]float64{2, 2, 2})
	table, err := gradient.NewTable(
		[]float64{1000, 1000, 1000},
		[][3]float64{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}},
	)
	if err != nil {
		t.Fatal(err)
	}
	images := make([][]uint16, 3)
	for i := range images {
		images[i] = make([]uint16, geo.Size())
		for v := range images[i] {
			images[i][v] = 100
		}
	}
	vs, err := dwi.New(geo, table, images)
	if err != nil {
		t.Fatal(err)
	}
	return vs
}

func TestEvaluateConnectivityLine(t *testing.T) {
	geo := models.NewGeometry(8, 9, 9, [3]float64{1, 1, 1})

	along := EvaluateConnectivity(geo, lineField(geo, [3]float64{1, 0, 0}), DefaultParams())
	if along.Connected != 14 || along.Unconnected != 0 {
		t.Errorf("Aligned line: expected 14/0, got %+v", along)
	}

	across := EvaluateConnectivity(geo, lineField(geo, [3]float64{0, 1, 0}), DefaultParams())
	if across.Connected != 0 || across.Unconnected != 8 {
		t.Errorf("Perpendicular line: expected 0/8, got %+v", across)
	}

	if got := EvaluateConnectivity(geo, &models.FiberField{}, DefaultParams()); got != (Connectivity{}) {
		t.Errorf("Expected empty field to score zero, got %+v", got)
	}
}

func TestCandidates(t *testing.T) {
	c := Candidates()
	if len(c) != 18 {
		t.Fatalf("Expected 18 candidates, got %d", len(c))
	}
	if c[0].Label() != ".012fx" || c[4].Label() != ".021fy" || c[17].Label() != ".201fz" {
		t.Errorf("Unexpected labels %s %s %s", c[0].Label(), c[4].Label(), c[17].Label())
	}
	seen := map[string]bool{}
	for _, r := range c {
		if seen[r.Label()] {
			t.Errorf("Duplicate candidate %s", r.Label())
		}
		seen[r.Label()] = true
	}
}

func TestRelabeledSharesAnisotropy(t *testing.T) {
	geo := models.NewGeometry(3, 9, 9, [3]float64{1, 1, 1})
	f := lineField(geo, [3]float64{1, 0, 0})
	r := gradient.Relabel{Order: [3]int{1, 0, 2}}
	out := Relabeled(f, r)
	if &out.Anisotropy[0][0] != &f.Anisotropy[0][0] {
		t.Errorf("Expected anisotropy to be shared")
	}
	if d := out.Dir(0, geo.Index(1, 4, 4)); d != [3]float64{0, 1, 0} {
		t.Errorf("Expected relabeled direction (0,1,0), got %v", d)
	}
	if d := f.Dir(0, geo.Index(1, 4, 4)); d != [3]float64{1, 0, 0} {
		t.Errorf("Source direction modified: %v", d)
	}
}

func TestCalibrateKeepsCorrectTable(t *testing.T) {
	vs := phantom(t)
	fitter := &tableFitter{}
	c := NewCalibrator(fitter)
	c.Workers = 4

	res, err := c.Calibrate(context.Background(), vs)
	if err != nil {
		t.Fatalf("Calibrate failed: %v", err)
	}
	if res.Applied || res.Label != "" {
		t.Errorf("Expected no change, got %+v", res)
	}
	if res.Scores[res.Best] > res.Original.Connected {
		t.Errorf("Best candidate %v beats the correct table %v", res.Scores[res.Best], res.Original.Connected)
	}
	if vs.Table.Entry(0).Vector != [3]float64{1, 0, 0} {
		t.Errorf("Table changed: %v", vs.Table.Entry(0).Vector)
	}

	// the fit is cached on the set
	if _, err := c.Calibrate(context.Background(), vs); err != nil {
		t.Fatal(err)
	}
	if fitter.calls != 1 {
		t.Errorf("Expected cached fit to be reused, fitter called %d times", fitter.calls)
	}
}

// TestCalibrateCorrectsSwappedTable verifies that a swapped table is fixed,
// that the chosen candidate never scores below the original, and that a
// second run is idempotent
func TestCalibrateCorrectsSwappedTable(t *testing.T) {
	vs := phantom(t)
	if err := vs.PermuteAndFlip([3]int{1, 0, 2}, [3]bool{}); err != nil {
		t.Fatal(err)
	}
	fitter := &tableFitter{}
	c := NewCalibrator(fitter)

	res, err := c.Calibrate(context.Background(), vs)
	if err != nil {
		t.Fatalf("Calibrate failed: %v", err)
	}
	if !res.Applied || res.Label != ".102fx" {
		t.Fatalf("Expected .102fx to be applied, got %+v", res)
	}
	if res.Scores[res.Best] <= res.Original.Connected {
		t.Errorf("Applied candidate %v does not beat original %v", res.Scores[res.Best], res.Original.Connected)
	}
	if v := vs.Table.Entry(0).Vector; math.Abs(math.Abs(v[0])-1) > 1e-12 {
		t.Errorf("Expected first entry back on the x axis, got %v", v)
	}
	if vs.Fibers() != nil {
		t.Errorf("Expected cached fit to be dropped after correction")
	}

	second, err := c.Calibrate(context.Background(), vs)
	if err != nil {
		t.Fatal(err)
	}
	if second.Applied {
		t.Errorf("Second run changed the table again: %+v", second)
	}
	if second.Original.Connected != res.Scores[res.Best] {
		t.Errorf("Corrected table scores %v, expected %v", second.Original.Connected, res.Scores[res.Best])
	}
	if fitter.calls != 2 {
		t.Errorf("Expected a refit after correction, fitter called %d times", fitter.calls)
	}
}

func TestCalibrateFitError(t *testing.T) {
	vs := phantom(t)
	boom := errors.New("fit failed")
	c := NewCalibrator(FitterFunc(func(ctx context.Context, vs *dwi.VolumeSet) (*models.FiberField, error) {
		return nil, boom
	}))
	if _, err := c.Calibrate(context.Background(), vs); !errors.Is(err, boom) {
		t.Errorf("Expected fit error, got %v", err)
	}
}

func TestStoredFitter(t *testing.T) {
	vs := phantom(t)
	size := vs.Geometry.Size()
	s := store.NewMemory()

	if _, err := (StoredFitter{Store: s}).Fit(context.Background(), vs); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	f := lineField(vs.Geometry, [3]float64{1, 0, 0})
	if err := s.PutFloat32s("fa0", f.Anisotropy[0]); err != nil {
		t.Fatal(err)
	}
	if err := s.PutFloat32s("dir0", f.Direction[0]); err != nil {
		t.Fatal(err)
	}
	got, err := StoredFitter{Store: s}.Fit(context.Background(), vs)
	if err != nil {
		t.Fatalf("Fit failed: %v", err)
	}
	if got.NumFibers() != 1 || len(got.Anisotropy[0]) != size {
		t.Errorf("Unexpected field shape")
	}

	if err := s.PutFloat32s("fa1", make([]float32, 3)); err != nil {
		t.Fatal(err)
	}
	if err := s.PutFloat32s("dir1", make([]float32, 9)); err != nil {
		t.Fatal(err)
	}
	if _, err := (StoredFitter{Store: s}).Fit(context.Background(), vs); !errors.Is(err, dwi.ErrShape) {
		t.Errorf("Expected ErrShape, got %v", err)
	}
}
