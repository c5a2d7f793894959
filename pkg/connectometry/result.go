package connectometry

import (
	"context"
	"fmt"

	"gonum.org/v1/gonum/stat"

	"dwistudio/internal/parallel"
	"dwistudio/pkg/imaging"
	"dwistudio/pkg/stats"
	"dwistudio/pkg/store"
)

// Normalization is applied to two anisotropy maps before they are compared
type Normalization int

const (
	NoNormalization Normalization = iota

	// PeakNormalization scales each map so its highest primary value is 1
	PeakNormalization

	// RegressionNormalization maps the second onto the first by a linear fit
	// of the primary anisotropy
	RegressionNormalization

	// VarianceNormalization scales each map to unit standard deviation
	VarianceNormalization
)

func (n Normalization) String() string {
	switch n {
	case NoNormalization:
		return "none"
	case PeakNormalization:
		return "peak"
	case RegressionNormalization:
		return "regression"
	case VarianceNormalization:
		return "variance"
	}
	return fmt.Sprintf("Normalization(%d)", int(n))
}

// IndividualThreshold is the fraction of the Otsu threshold of the
// template's primary anisotropy used for individual connectometry
const IndividualThreshold = 0.6

// TrackingIndex is a per-fiber map exposed to fiber tracking
type TrackingIndex struct {
	Name   string
	Fibers [][]float32
}

// Result holds the effect maps of one analysis, [fiber][voxel]. Greater
// holds positive effects, Lesser the magnitude of negative ones.
type Result struct {
	Greater [][]float32
	Lesser  [][]float32
	Report  string

	greaterName, lesserName string
}

// NewResult allocates zeroed maps for numFibers fibers over size voxels
func NewResult(numFibers, size int) *Result {
	r := &Result{Greater: make([][]float32, numFibers), Lesser: make([][]float32, numFibers)}
	for fib := 0; fib < numFibers; fib++ {
		r.Greater[fib] = make([]float32, size)
		r.Lesser[fib] = make([]float32, size)
	}
	return r
}

// TrackingIndices returns the maps under the names tracking refers to them by
func (r *Result) TrackingIndices() []TrackingIndex {
	g, l := r.greaterName, r.lesserName
	if g == "" {
		g, l = "greater", "lesser"
	}
	return []TrackingIndex{{Name: g, Fibers: r.Greater}, {Name: l, Fibers: r.Lesser}}
}

// Save writes every tracking index as <name><fiber> arrays plus the report
func (r *Result) Save(s store.ArrayStore) error {
	for _, idx := range r.TrackingIndices() {
		for fib, v := range idx.Fibers {
			if err := s.PutFloat32s(fmt.Sprintf("%s%d", idx.Name, fib), v); err != nil {
				return err
			}
		}
	}
	return store.PutString(s, "report", r.Report)
}

// MaxEffect returns the largest value of either map
func (r *Result) MaxEffect() (greater, lesser float32) {
	for fib := range r.Greater {
		for i := range r.Greater[fib] {
			greater = max(greater, r.Greater[fib][i])
			lesser = max(lesser, r.Lesser[fib][i])
		}
	}
	return greater, lesser
}

// ComputeMap evaluates model at every fiber slot whose template anisotropy
// exceeds thr. Slots where any subject measures exactly 0 are skipped.
// With normalize each subject's value is multiplied by its scale factor.
func ComputeMap(ctx context.Context, db *Database, model stats.Model, thr float32, normalize bool) (*Result, error) {
	t := db.Template
	n := db.SampleCount()
	r := NewResult(t.NumFibers(), t.Geometry.Size())
	err := parallel.ForBlock(ctx, n, db.Workers, func(start, end int) error {
		population := make([]float64, len(db.Subjects))
		for si := start; si < end; si++ {
			if si&63 == 0 {
				if err := ctx.Err(); err != nil {
					return err
				}
			}
			vi := db.si2vi[si]
			for fib := 0; fib < t.NumFibers() && t.FA(fib, vi) > thr; fib++ {
				pos := si + fib*n
				for i, s := range db.Subjects {
					population[i] = float64(s.Data.Data()[pos])
					if normalize {
						population[i] *= s.Scale
					}
				}
				if hasZero(population) {
					continue
				}
				switch v := model.Evaluate(population, pos); {
				case v > 0:
					r.Greater[fib][vi] = float32(v)
				case v < 0:
					r.Lesser[fib][vi] = float32(-v)
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

func hasZero(v []float64) bool {
	for _, x := range v {
		if x == 0 {
			return true
		}
	}
	return false
}

// IndividualVsDatabase compares one subject against the whole cohort at
// every fiber above 0.6 × the Otsu threshold of the template
func IndividualVsDatabase(ctx context.Context, db *Database, src store.ArrayStore, threshold stats.ThresholdType, s *stats.Sampler) (*Result, error) {
	if db.NumSubjects() == 0 {
		return nil, fmt.Errorf("the connectometry database has no subjects")
	}
	profile, err := db.ODFProfile(src)
	if err != nil {
		return nil, err
	}
	model := stats.NewIndividual(profile, 1, db.NumSubjects(), threshold, s)
	thr := float32(IndividualThreshold * imaging.Otsu(db.Template.Fibers.Anisotropy[0]))
	r, err := ComputeMap(ctx, db, model, thr, false)
	if err != nil {
		return nil, err
	}
	r.Report = " Individual connectometry was conducted by comparing individuals to a group of subjects."
	r.greaterName, r.lesserName = ">%", "<%"
	return r, nil
}

// IndividualVsTemplate compares one subject with the template anisotropy
func IndividualVsTemplate(db *Database, src store.ArrayStore, norm Normalization) (*Result, error) {
	profile, err := db.QAProfile(src)
	if err != nil {
		return nil, err
	}
	r, err := Compare(db.Template.Fibers.Anisotropy, profile, norm)
	if err != nil {
		return nil, err
	}
	r.Report = " Individual connectometry was conducted by comparing individuals to a group-averaged template." + r.Report
	return r, nil
}

// IndividualVsIndividual compares two scans sampled on the template
func IndividualVsIndividual(db *Database, src1, src2 store.ArrayStore, norm Normalization) (*Result, error) {
	p1, err := db.QAProfile(src1)
	if err != nil {
		return nil, err
	}
	p2, err := db.QAProfile(src2)
	if err != nil {
		return nil, err
	}
	r, err := Compare(p1, p2, norm)
	if err != nil {
		return nil, err
	}
	r.Report = " Individual connectometry was conducted by comparing individual scans." + r.Report
	return r, nil
}

func as64(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}

// Compare maps where fa2 exceeds fa1 into Greater and where it falls short
// into Lesser, at every slot where both are positive
func Compare(fa1, fa2 [][]float32, norm Normalization) (*Result, error) {
	if len(fa1) == 0 || len(fa1) != len(fa2) || len(fa1[0]) != len(fa2[0]) {
		return nil, fmt.Errorf("cannot compare %d and %d fiber maps: %w", len(fa1), len(fa2), ErrIncompatible)
	}
	size := len(fa1[0])
	r := NewResult(len(fa1), size)

	scale1, scale2, slope, intercept := 1.0, 1.0, 1.0, 0.0
	switch norm {
	case PeakNormalization:
		r.Report = " Normalization was conducted to make the highest anisotropy to one."
		if m := maxOf(fa1[0]); m != 0 {
			scale1 = 1 / m
		}
		if m := maxOf(fa2[0]); m != 0 {
			scale2 = 1 / m
		}
	case RegressionNormalization:
		r.Report = " Normalization was conducted by a linear regression between the comparison scans."
		intercept, slope = stat.LinearRegression(as64(fa2[0]), as64(fa1[0]), nil, false)
	case VarianceNormalization:
		r.Report = " Normalization was conducted by scaling the variance to one."
		if sd := stat.PopStdDev(as64(fa1[0]), nil); sd != 0 {
			scale1 = 1 / sd
		}
		if sd := stat.PopStdDev(as64(fa2[0]), nil); sd != 0 {
			scale2 = 1 / sd
		}
	}

	for fib := range fa1 {
		if len(fa1[fib]) != size || len(fa2[fib]) != size {
			return nil, fmt.Errorf("fiber %d differs in size: %w", fib, ErrIncompatible)
		}
		for i := 0; i < size; i++ {
			if fa1[fib][i] <= 0 || fa2[fib][i] <= 0 {
				continue
			}
			f1 := float64(fa1[fib][i]) * scale1
			f2 := (float64(fa2[fib][i])*slope + intercept) * scale2
			if f1 > f2 {
				r.Lesser[fib][i] = float32(f1 - f2)
			} else {
				r.Greater[fib][i] = float32(f2 - f1)
			}
		}
	}
	r.greaterName, r.lesserName = "inc", "dec"
	return r, nil
}

func maxOf(v []float32) float64 {
	m := float64(v[0])
	for _, x := range v[1:] {
		if float64(x) > m {
			m = float64(x)
		}
	}
	return m
}
