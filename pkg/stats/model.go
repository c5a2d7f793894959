// Package stats implements the hypothesis tests run over a connectometry
// cohort: group comparison, multiple regression and single individual
// against cohort, each with permutation and bootstrap resampling.
package stats

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"

	"dwistudio/internal/parallel"
)

// MaxResampleAttempts bounds the number of draws tried before a design is
// declared invalid
const MaxResampleAttempts = 100

var (
	// ErrInvalidDesign is returned when no usable resample could be drawn
	ErrInvalidDesign = errors.New("invalid subject demographics")

	// ErrOutOfRange is returned for a subject or variable index outside the model
	ErrOutOfRange = errors.New("index out of range")
)

// ThresholdType selects the statistic reported by Evaluate
type ThresholdType int

const (
	TStatistic ThresholdType = iota
	MeanDifference
	Percentage
	Beta
	Percentile
)

func (t ThresholdType) String() string {
	switch t {
	case TStatistic:
		return "t"
	case MeanDifference:
		return "mean_dif"
	case Percentage:
		return "percentage"
	case Beta:
		return "beta"
	case Percentile:
		return "percentile"
	}
	return fmt.Sprintf("ThresholdType(%d)", int(t))
}

// ParseThresholdType is the inverse of String
func ParseThresholdType(s string) (ThresholdType, error) {
	for t := TStatistic; t <= Percentile; t++ {
		if t.String() == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown threshold type %q", s)
}

// Sampler is the random source shared by a model and all of its resamples.
// Every draw happens with the mutex held.
type Sampler struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewSampler creates a sampler with a fixed seed
func NewSampler(seed int64) *Sampler {
	return &Sampler{rng: rand.New(rand.NewSource(seed))}
}

// Model is one hypothesis test over a cohort. Population slices passed to
// Evaluate are indexed by subject in database order; the model selects and
// reorders them through its subject index.
type Model interface {
	// Evaluate returns the statistic for one voxel population. pos is the
	// vector address of the voxel, used by the individual test.
	Evaluate(population []float64, pos int) float64

	// Validate re-derives the per-draw quantities (group sizes, design
	// ranges) and reports whether the model can be evaluated
	Validate() bool

	// SubjectIndex is the current subject ordering
	SubjectIndex() []int

	// Clone returns a deep copy sharing the sampler
	Clone() Model

	// RemoveSubject drops the subject at position i
	RemoveSubject(i int) error

	sampler() *Sampler

	// draw resamples the receiver from src, which it was cloned from
	draw(src Model, rng *rand.Rand, bootstrap bool)
}

// base holds what every test variant carries
type base struct {
	Threshold ThresholdType
	index     []int
	rand      *Sampler
}

func newBase(n int, t ThresholdType, s *Sampler) base {
	if s == nil {
		s = NewSampler(0)
	}
	b := base{Threshold: t, index: make([]int, n), rand: s}
	for i := range b.index {
		b.index[i] = i
	}
	return b
}

func (b *base) SubjectIndex() []int { return b.index }

func (b *base) sampler() *Sampler { return b.rand }

func (b base) clone() base {
	b.index = append([]int(nil), b.index...)
	return b
}

// selectPopulation reorders a population through the subject index
func (b *base) selectPopulation(population []float64) []float64 {
	out := make([]float64, len(b.index))
	for i, s := range b.index {
		out[i] = population[s]
	}
	return out
}

func (b *base) removeIndex(i int) error {
	if i < 0 || i >= len(b.index) {
		return fmt.Errorf("subject %d of %d: %w", i, len(b.index), ErrOutOfRange)
	}
	b.index = append(b.index[:i], b.index[i+1:]...)
	return nil
}

// Resample draws a new model from src. The source's sampler is locked for
// the whole call so concurrent trials never advance the generator at the
// same time. With both null and bootstrap false the result reproduces src.
func Resample(src Model, null, bootstrap bool) (Model, error) {
	s := src.sampler()
	s.mu.Lock()
	defer s.mu.Unlock()

	for attempt := 0; attempt < MaxResampleAttempts; attempt++ {
		m := src.Clone()
		m.draw(src, s.rng, bootstrap)
		if null {
			idx := m.SubjectIndex()
			s.rng.Shuffle(len(idx), func(i, j int) { idx[i], idx[j] = idx[j], idx[i] })
		}
		if m.Validate() {
			return m, nil
		}
	}
	return nil, fmt.Errorf("no valid resample in %d attempts: %w", MaxResampleAttempts, ErrInvalidDesign)
}

// Permute runs trials resamples of src in parallel and hands each to fn.
// Trials are numbered from 0; fn must be safe for concurrent use.
func Permute(ctx context.Context, src Model, trials, workers int, null, bootstrap bool, fn func(trial int, m Model) error) error {
	return parallel.Each(ctx, trials, workers, func(ctx context.Context, i int) error {
		m, err := Resample(src, null, bootstrap)
		if err != nil {
			return err
		}
		return fn(i, m)
	})
}
