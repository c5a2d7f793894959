package preprocess

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"

	"dwistudio/internal/models"
	"dwistudio/pkg/calibration"
	"dwistudio/pkg/dwi"
	"dwistudio/pkg/gradient"
)

// lineFitter returns a single fiber along (·, 4, 4) pointing where the
// table currently maps the x axis
type lineFitter struct{}

func (lineFitter) Fit(ctx context.Context, vs *dwi.VolumeSet) (*models.FiberField, error) {
	geo := vs.Geometry
	f := models.NewFiberField(1, geo.Size())
	for x := 0; x < geo.Dim[0]; x++ {
		v := geo.Index(x, 4, 4)
		f.Anisotropy[0][v] = 1
		f.SetDir(0, v, vs.Table.Entry(0).Vector)
	}
	return f, nil
}

type countingReporter struct {
	started, increments, finished atomic.Int32
}

func (r *countingReporter) Start(string, int) { r.started.Add(1) }
func (r *countingReporter) Increment()        { r.increments.Add(1) }
func (r *countingReporter) Finish()           { r.finished.Add(1) }

// phantom is a 9x9x9 acquisition with a bright 5x5x5 cube at 2..6
func phantom(t *testing.T, background, cube uint16) *dwi.VolumeSet {
	t.Helper()
	geo := models.NewGeometry(9, 9, 9, [3]float64{2, 2, 2})
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
			x, y, z := geo.Coords(v)
			images[i][v] = background
			if x >= 2 && x <= 6 && y >= 2 && y <= 6 && z >= 2 && z <= 6 {
				images[i][v] = cube
			}
		}
	}
	vs, err := dwi.New(geo, table, images)
	if err != nil {
		t.Fatal(err)
	}
	return vs
}

func TestProcessAllSteps(t *testing.T) {
	vs := phantom(t, 10, 200)
	partner := vs.Clone()
	if err := vs.PermuteAndFlip([3]int{1, 0, 2}, [3]bool{}); err != nil {
		t.Fatal(err)
	}

	p := NewPipeline(&Params{
		Workers:           2,
		Partner:           partner,
		CorrectDistortion: true,
		Fitter:            lineFitter{},
		CheckBTable:       true,
		Trim:              true,
	})
	r := &countingReporter{}
	p.SetProgress(r)

	if err := p.Process(context.Background(), vs); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	m := p.GetMetrics()

	if m.Distortion == nil {
		t.Fatal("Expected a distortion map")
	}
	for i, d := range m.Distortion.Displacement {
		if d != 0 {
			t.Fatalf("Identical scans should give a zero map, got %v at %d", d, i)
		}
	}
	if m.Calibration == nil || !m.Calibration.Applied || m.Calibration.Label != ".102fx" {
		t.Fatalf("Expected the b-table to be corrected, got %+v", m.Calibration)
	}
	if vs.Geometry.Dim != [3]int{5, 5, 5} {
		t.Errorf("Expected the cube to be trimmed to 5x5x5, got %v", vs.Geometry.Dim)
	}
	if !strings.Contains(vs.Report, "corrected by .102fx") || !strings.Contains(vs.Report, "reversed phase-encoding") {
		t.Errorf("Report does not mention the corrections: %q", vs.Report)
	}
	if r.started.Load() != 1 || r.increments.Load() != 7 || r.finished.Load() != 1 {
		t.Errorf("Unexpected progress %d/%d/%d", r.started.Load(), r.increments.Load(), r.finished.Load())
	}
	if m.Duration <= 0 {
		t.Errorf("Expected a positive duration")
	}
}

func TestProcessDefaultsOnly(t *testing.T) {
	vs := phantom(t, 10, 200)
	before := vs.Geometry
	p := NewPipeline(&Params{Fitter: lineFitter{}})
	if err := p.Process(context.Background(), vs); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	m := p.GetMetrics()
	if m.Distortion != nil || m.Calibration != nil {
		t.Errorf("Disabled steps ran: %+v", m)
	}
	if vs.Geometry != before {
		t.Errorf("Geometry changed to %v", vs.Geometry)
	}
	if want := gradient.Report(vs.Table.BValues(), vs.Geometry.VoxelSize); vs.Report != want {
		t.Errorf("Report = %q, want %q", vs.Report, want)
	}
}

func TestProcessResample(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping resampling in short mode")
	}
	vs := phantom(t, 10, 200)
	p := NewPipeline(&Params{VoxelSize: [3]float64{3, 3, 3}})
	if err := p.Process(context.Background(), vs); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if vs.Geometry.Dim != [3]int{6, 6, 6} || vs.Geometry.VoxelSize != [3]float64{3, 3, 3} {
		t.Errorf("Unexpected geometry %+v", vs.Geometry)
	}
}

func TestProcessErrors(t *testing.T) {
	t.Run("fit", func(t *testing.T) {
		boom := errors.New("fit failed")
		p := NewPipeline(&Params{
			CheckBTable: true,
			Fitter: calibration.FitterFunc(func(ctx context.Context, vs *dwi.VolumeSet) (*models.FiberField, error) {
				return nil, boom
			}),
		})
		err := p.Process(context.Background(), phantom(t, 10, 200))
		if !errors.Is(err, boom) {
			t.Errorf("Expected the fit error, got %v", err)
		}
	})

	t.Run("empty mask", func(t *testing.T) {
		p := NewPipeline(&Params{Trim: true})
		err := p.Process(context.Background(), phantom(t, 0, 0))
		if err == nil || !strings.Contains(err.Error(), "Trimming") {
			t.Errorf("Expected a trim error, got %v", err)
		}
	})

	t.Run("distortion mismatch", func(t *testing.T) {
		p := NewPipeline(&Params{CorrectDistortion: true, Partner: phantom(t, 10, 200)})
		vs := phantom(t, 10, 200)
		if err := vs.RemoveDirection(2); err != nil {
			t.Fatal(err)
		}
		if err := p.Process(context.Background(), vs); err == nil {
			t.Error("Expected a dimension error")
		}
	})

	t.Run("cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := NewPipeline(&Params{}).Process(ctx, phantom(t, 10, 200))
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Expected cancellation, got %v", err)
		}
	})
}
