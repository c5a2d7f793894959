// Package preprocess runs the acquisition clean-up steps that precede model
// fitting: quality control, distortion correction against a reversed phase
// encoding scan, the b-table orientation check and cropping.
package preprocess

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"dwistudio/pkg/calibration"
	"dwistudio/pkg/distortion"
	"dwistudio/pkg/dwi"
	"dwistudio/pkg/gradient"
	"dwistudio/pkg/progress"
)

// Params holds the preprocessing configuration
type Params struct {
	// Workers bounds the parallelism of every step. 0 uses all cores.
	Workers int

	// Partner is the acquisition with reversed phase encoding. Distortion
	// correction is skipped when it is nil.
	Partner *dwi.VolumeSet

	// CorrectDistortion enables distortion correction against Partner
	CorrectDistortion bool

	// Fitter supplies the fiber field for the b-table check. The check is
	// skipped when it is nil.
	Fitter calibration.Fitter

	// CheckBTable enables the b-table orientation check
	CheckBTable bool

	// Calibration holds the connectivity thresholds of the b-table check
	Calibration calibration.Params

	// RemoveBackground zeroes every voxel outside the mask
	RemoveBackground bool

	// Trim crops the volumes to the bounding box of the mask
	Trim bool

	// VoxelSize resamples the acquisition when every component is positive
	VoxelSize [3]float64
}

// Metrics records what each step found
type Metrics struct {
	// NeighborCorrelation is the quality score before any correction
	NeighborCorrelation float64

	// Distortion is the estimated displacement map, nil when skipped
	Distortion *distortion.Map

	// Calibration is the b-table check outcome, nil when skipped
	Calibration *calibration.Result

	Duration time.Duration
}

// Pipeline applies the configured steps to one acquisition
type Pipeline struct {
	params   *Params
	log      *logrus.Entry
	progress progress.Reporter
	metrics  Metrics
}

// NewPipeline creates a pipeline instance with the provided parameters
func NewPipeline(params *Params) *Pipeline {
	return &Pipeline{
		params:   params,
		log:      logrus.NewEntry(logrus.StandardLogger()),
		progress: progress.Nop{},
	}
}

// SetLogger replaces the logger of the pipeline and its components
func (p *Pipeline) SetLogger(log *logrus.Entry) {
	if log != nil {
		p.log = log
	}
}

// SetProgress reports one unit per completed step to r
func (p *Pipeline) SetProgress(r progress.Reporter) {
	p.progress = progress.Or(r)
}

// GetMetrics returns the results of the last Process call
func (p *Pipeline) GetMetrics() Metrics {
	return p.metrics
}

type step struct {
	name    string
	enabled bool
	run     func(ctx context.Context, vs *dwi.VolumeSet) error
}

// Process runs every enabled step in order. On error the acquisition may
// have been changed by the steps that completed before it.
func (p *Pipeline) Process(ctx context.Context, vs *dwi.VolumeSet) error {
	start := time.Now()
	p.metrics = Metrics{}

	steps := []step{
		{"Checking image quality", true, p.qualityControl},
		{"Correcting distortion", p.params.CorrectDistortion && p.params.Partner != nil, p.correctDistortion},
		{"Checking b-table orientation", p.params.CheckBTable && p.params.Fitter != nil, p.checkBTable},
		{"Removing background", p.params.RemoveBackground, p.removeBackground},
		{"Trimming volumes", p.params.Trim, p.trim},
		{"Resampling", validVoxelSize(p.params.VoxelSize), p.resample},
		{"Writing acquisition report", true, p.report},
	}

	p.progress.Start("preprocess", len(steps))
	defer p.progress.Finish()
	for i, s := range steps {
		if !s.enabled {
			p.log.Debugf("Step %d: %s skipped", i+1, s.name)
			p.progress.Increment()
			continue
		}
		p.log.Infof("Step %d: %s...", i+1, s.name)
		if err := s.run(ctx, vs); err != nil {
			return fmt.Errorf("step %d (%s) failed: %w", i+1, s.name, err)
		}
		p.progress.Increment()
	}

	p.metrics.Duration = time.Since(start)
	p.log.WithField("elapsed", p.metrics.Duration).Info("preprocessing completed")
	return nil
}

func validVoxelSize(v [3]float64) bool {
	return v[0] > 0 && v[1] > 0 && v[2] > 0
}

func (p *Pipeline) qualityControl(ctx context.Context, vs *dwi.VolumeSet) error {
	r, err := vs.NeighborCorrelation(ctx, p.params.Workers)
	if err != nil {
		return err
	}
	p.metrics.NeighborCorrelation = r
	p.log.WithField("neighbor_correlation", r).Info("quality control")
	return nil
}

func (p *Pipeline) correctDistortion(ctx context.Context, vs *dwi.VolumeSet) error {
	c := &distortion.Corrector{Workers: p.params.Workers, Log: p.log.WithField("stage", "distortion")}
	m, err := c.Correct(ctx, vs, p.params.Partner)
	if err != nil {
		return err
	}
	p.metrics.Distortion = m
	return nil
}

func (p *Pipeline) checkBTable(ctx context.Context, vs *dwi.VolumeSet) error {
	c := calibration.NewCalibrator(p.params.Fitter)
	if p.params.Calibration != (calibration.Params{}) {
		c.Params = p.params.Calibration
	}
	c.Workers = p.params.Workers
	c.Log = p.log
	res, err := c.Calibrate(ctx, vs)
	if err != nil {
		return err
	}
	p.metrics.Calibration = &res
	return nil
}

func (p *Pipeline) removeBackground(_ context.Context, vs *dwi.VolumeSet) error {
	vs.RemoveBackground()
	return nil
}

func (p *Pipeline) trim(_ context.Context, vs *dwi.VolumeSet) error {
	before := vs.Geometry.Dim
	if err := vs.Trim(); err != nil {
		return err
	}
	p.log.WithFields(logrus.Fields{"from": before, "to": vs.Geometry.Dim}).Info("volumes trimmed")
	return nil
}

func (p *Pipeline) resample(ctx context.Context, vs *dwi.VolumeSet) error {
	return vs.Resample(ctx, p.params.VoxelSize, p.params.Workers)
}

// report regenerates the acquisition description and notes the corrections
// that were applied
func (p *Pipeline) report(_ context.Context, vs *dwi.VolumeSet) error {
	r := gradient.Report(vs.Table.BValues(), vs.Geometry.VoxelSize)
	if m := p.metrics.Distortion; m != nil {
		r += fmt.Sprintf(" The susceptibility artifact was corrected along the %s axis using a reversed phase-encoding acquisition.", m.Axis)
	}
	if c := p.metrics.Calibration; c != nil && c.Applied {
		r += fmt.Sprintf(" The b-table was checked by an automatic quality control routine and corrected by %s.", c.Label)
	}
	vs.Report = r
	return nil
}
