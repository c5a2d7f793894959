package calibration

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"dwistudio/internal/models"
	"dwistudio/internal/parallel"
	"dwistudio/pkg/dwi"
	"dwistudio/pkg/store"
)

// Fitter produces the per-voxel fiber anisotropy and direction fields of an
// acquisition for its current gradient table. The fit must be equivariant
// under relabeling of the table axes for the calibration to be meaningful.
type Fitter interface {
	Fit(ctx context.Context, vs *dwi.VolumeSet) (*models.FiberField, error)
}

// FitterFunc adapts a function to the Fitter interface
type FitterFunc func(ctx context.Context, vs *dwi.VolumeSet) (*models.FiberField, error)

func (f FitterFunc) Fit(ctx context.Context, vs *dwi.VolumeSet) (*models.FiberField, error) {
	return f(ctx, vs)
}

// StoredFitter returns a fit that was computed elsewhere and saved as
// fa0, fa1, ... and dir0, dir1, ... arrays
type StoredFitter struct {
	Store store.ArrayStore
}

// Fit reads every stored fiber slot and checks it against the geometry
func (s StoredFitter) Fit(ctx context.Context, vs *dwi.VolumeSet) (*models.FiberField, error) {
	size := vs.Geometry.Size()
	f := &models.FiberField{}
	for i := 0; s.Store.Has(fmt.Sprintf("fa%d", i)); i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		fa, err := s.Store.Float32s(fmt.Sprintf("fa%d", i))
		if err != nil {
			return nil, err
		}
		dir, err := s.Store.Float32s(fmt.Sprintf("dir%d", i))
		if err != nil {
			return nil, err
		}
		if len(fa) != size || len(dir) != 3*size {
			return nil, fmt.Errorf("fiber slot %d does not match %d voxels: %w", i, size, dwi.ErrShape)
		}
		f.Anisotropy = append(f.Anisotropy, fa)
		f.Direction = append(f.Direction, dir)
	}
	if f.NumFibers() == 0 {
		return nil, fmt.Errorf("no fa0 array: %w", store.ErrNotFound)
	}
	return f, nil
}

// Calibrator checks the gradient table orientation of an acquisition
type Calibrator struct {
	Fitter  Fitter
	Params  Params
	Workers int
	Log     *logrus.Entry
}

// NewCalibrator creates a calibrator with default thresholds
func NewCalibrator(fitter Fitter) *Calibrator {
	return &Calibrator{Fitter: fitter, Params: DefaultParams()}
}

// Result reports the outcome of a calibration
type Result struct {
	// Original is the connectivity of the table as loaded
	Original Connectivity

	// Scores holds the connected score of every candidate in
	// Candidates() order
	Scores []float64

	// Best is the index of the highest scoring candidate
	Best int

	// Applied is true when the table was changed
	Applied bool

	// Label names the applied relabeling, empty when unchanged
	Label string
}

func (c *Calibrator) log() *logrus.Entry {
	if c.Log != nil {
		return c.Log
	}
	return logrus.NewEntry(logrus.StandardLogger())
}

// Calibrate fits the acquisition once, scores every candidate relabeling of
// the fitted directions and applies the best one when it is strictly better
// than the table as loaded. Finding no improvement is not an error.
func (c *Calibrator) Calibrate(ctx context.Context, vs *dwi.VolumeSet) (Result, error) {
	log := c.log().WithField("stage", "b-table check")

	field := vs.Fibers()
	if field == nil {
		var err error
		field, err = c.Fitter.Fit(ctx, vs)
		if err != nil {
			return Result{}, fmt.Errorf("fitting failed: %w", err)
		}
		vs.SetFibers(field)
	}

	geo := vs.Geometry
	res := Result{Original: EvaluateConnectivity(geo, field, c.Params)}

	candidates := Candidates()
	res.Scores = make([]float64, len(candidates))
	err := parallel.Each(ctx, len(candidates), c.Workers, func(ctx context.Context, i int) error {
		res.Scores[i] = EvaluateConnectivity(geo, Relabeled(field, candidates[i]), c.Params).Connected
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	for i, s := range res.Scores {
		if s > res.Scores[res.Best] {
			res.Best = i
		}
	}
	log.WithFields(logrus.Fields{
		"original":    res.Original.Connected,
		"unconnected": res.Original.Unconnected,
		"best":        res.Scores[res.Best],
		"candidate":   candidates[res.Best].Label(),
	}).Debug("connectivity evaluated")

	if res.Scores[res.Best] <= res.Original.Connected {
		log.Info("b-table orientation unchanged")
		return res, nil
	}

	best := candidates[res.Best]
	if err := vs.PermuteAndFlip(best.Order, best.Flip); err != nil {
		return Result{}, err
	}
	res.Applied = true
	res.Label = best.Label()
	log.WithField("label", res.Label).Info("b-table corrected")
	return res, nil
}
