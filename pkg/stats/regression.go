package stats

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// MaxCondition is the largest design condition number accepted
const MaxCondition = 1e12

// Regression fits every voxel population against a design matrix and
// reports the effect of one study variable
type Regression struct {
	base

	// X holds one row of Features values per subject, row major. The first
	// column is normally the intercept.
	X        []float64
	Features int

	// Study is the column whose coefficient is reported
	Study int

	min, max, span []float64

	// pinv is (XᵗX)⁻¹Xᵗ and diag the diagonal of (XᵗX)⁻¹
	pinv *mat.Dense
	diag []float64
}

// NewRegression creates a regression over len(x)/features subjects. It
// fails when the design cannot be fitted.
func NewRegression(x []float64, features, study int, t ThresholdType, s *Sampler) (*Regression, error) {
	if features <= 0 || len(x)%features != 0 {
		return nil, fmt.Errorf("design of %d values is not a multiple of %d features: %w", len(x), features, ErrInvalidDesign)
	}
	if study < 0 || study >= features {
		return nil, fmt.Errorf("study variable %d of %d: %w", study, features, ErrOutOfRange)
	}
	r := &Regression{
		base:     newBase(len(x)/features, t, s),
		X:        append([]float64(nil), x...),
		Features: features,
		Study:    study,
	}
	if !r.Validate() {
		return nil, fmt.Errorf("singular or ill-conditioned design: %w", ErrInvalidDesign)
	}
	return r, nil
}

func (r *Regression) subjects() int { return len(r.X) / r.Features }

// Range returns the span of the study variable in the current draw
func (r *Regression) Range() float64 {
	if r.span == nil {
		return 0
	}
	return r.span[r.Study]
}

// Validate derives the variable ranges and the least squares operator. The
// design must have more subjects than variables and a bounded condition
// number.
func (r *Regression) Validate() bool {
	n, p := r.subjects(), r.Features
	r.pinv, r.diag = nil, nil
	if n <= p {
		return false
	}

	r.min = append([]float64(nil), r.X[:p]...)
	r.max = append([]float64(nil), r.X[:p]...)
	r.span = make([]float64, p)
	for i := 1; i < n; i++ {
		for j, v := range r.X[i*p : (i+1)*p] {
			r.min[j] = math.Min(r.min[j], v)
			r.max[j] = math.Max(r.max[j], v)
		}
	}
	for j := range r.span {
		r.span[j] = r.max[j] - r.min[j]
	}

	x := mat.NewDense(n, p, append([]float64(nil), r.X...))
	var qr mat.QR
	qr.Factorize(x)
	if c := qr.Cond(); math.IsInf(c, 0) || math.IsNaN(c) || c > MaxCondition {
		return false
	}

	var xtx, inv mat.Dense
	xtx.Mul(x.T(), x)
	if err := inv.Inverse(&xtx); err != nil {
		return false
	}
	r.pinv = mat.NewDense(p, n, nil)
	r.pinv.Mul(&inv, x.T())
	r.diag = make([]float64, p)
	for j := range r.diag {
		r.diag[j] = inv.At(j, j)
	}
	return true
}

func (r *Regression) Clone() Model {
	c := *r
	c.base = r.base.clone()
	c.X = append([]float64(nil), r.X...)
	c.min = append([]float64(nil), r.min...)
	c.max = append([]float64(nil), r.max...)
	c.span = append([]float64(nil), r.span...)
	c.diag = append([]float64(nil), r.diag...)
	if r.pinv != nil {
		c.pinv = mat.DenseCopyOf(r.pinv)
	}
	return &c
}

// draw resamples whole subject rows when bootstrapping
func (r *Regression) draw(src Model, rng *rand.Rand, bootstrap bool) {
	s := src.(*Regression)
	p := s.Features
	for i := range s.index {
		from := i
		if bootstrap {
			from = rng.Intn(len(s.index))
		}
		r.index[i] = s.index[from]
		copy(r.X[i*p:(i+1)*p], s.X[from*p:(from+1)*p])
	}
}

// Coefficients returns the least squares coefficients of a population in
// subject-index order
func (r *Regression) Coefficients(y []float64) []float64 {
	b := mat.NewVecDense(r.Features, nil)
	b.MulVec(r.pinv, mat.NewVecDense(len(y), y))
	return b.RawVector().Data
}

func (r *Regression) Evaluate(population []float64, pos int) float64 {
	if r.pinv == nil {
		return 0
	}
	y := r.selectPopulation(population)
	b := r.Coefficients(y)

	switch r.Threshold {
	case Beta:
		return b[r.Study]
	case Percentage:
		mean := stat.Mean(y, nil)
		if mean == 0 {
			return 0
		}
		return b[r.Study] * r.span[r.Study] / mean
	case TStatistic:
		n, p := len(y), r.Features
		sse := 0.0
		for i := 0; i < n; i++ {
			fit := 0.0
			for j, v := range r.X[i*p : (i+1)*p] {
				fit += v * b[j]
			}
			sse += (y[i] - fit) * (y[i] - fit)
		}
		se := math.Sqrt(sse / float64(n-p) * r.diag[r.Study])
		if se == 0 {
			return 0
		}
		return b[r.Study] / se
	}
	return 0
}

func (r *Regression) RemoveSubject(i int) error {
	if err := r.removeIndex(i); err != nil {
		return err
	}
	p := r.Features
	r.X = append(r.X[:i*p], r.X[(i+1)*p:]...)
	r.Validate()
	return nil
}

// RemoveMissing drops every subject with missing in any variable other than
// the first and returns how many were removed
func (r *Regression) RemoveMissing(missing float64) int {
	p := r.Features
	removed := 0
	for i := r.subjects() - 1; i >= 0; i-- {
		for _, v := range r.X[i*p+1 : (i+1)*p] {
			if v == missing {
				r.index = append(r.index[:i], r.index[i+1:]...)
				r.X = append(r.X[:i*p], r.X[(i+1)*p:]...)
				removed++
				break
			}
		}
	}
	r.Validate()
	return removed
}

// SelectVariables keeps the columns whose flag is set. The study column is
// remapped to its new position.
func (r *Regression) SelectVariables(keep []bool) error {
	if len(keep) != r.Features {
		return fmt.Errorf("%d flags for %d variables: %w", len(keep), r.Features, ErrOutOfRange)
	}
	if !keep[r.Study] {
		return fmt.Errorf("study variable %d deselected: %w", r.Study, ErrInvalidDesign)
	}
	var cols []int
	study := 0
	for j, k := range keep {
		if !k {
			continue
		}
		if j == r.Study {
			study = len(cols)
		}
		cols = append(cols, j)
	}
	n := r.subjects()
	x := make([]float64, 0, n*len(cols))
	for i := 0; i < n; i++ {
		for _, j := range cols {
			x = append(x, r.X[i*r.Features+j])
		}
	}
	r.X, r.Features, r.Study = x, len(cols), study
	r.Validate()
	return nil
}

func (r *Regression) String() string {
	return fmt.Sprintf("regression(%s, %d subjects, %d variables)", r.Threshold, r.subjects(), r.Features)
}
