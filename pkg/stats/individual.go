package stats

import (
	"math/rand"

	"gonum.org/v1/gonum/stat"
)

// Individual compares one subject's vector against the cohort. Positive
// statistics mean the individual exceeds the cohort.
type Individual struct {
	base

	// Data is the individual's vector, addressed like a database subject
	Data []float32

	// SD rescales Data when it is not 1
	SD float64
}

// NewIndividual creates a comparison of data against a cohort of n subjects
func NewIndividual(data []float32, sd float64, n int, t ThresholdType, s *Sampler) *Individual {
	if sd == 0 {
		sd = 1
	}
	return &Individual{base: newBase(n, t, s), Data: data, SD: sd}
}

func (m *Individual) Validate() bool { return len(m.index) > 0 }

// Clone shares Data, which is never modified
func (m *Individual) Clone() Model {
	c := *m
	c.base = m.base.clone()
	return &c
}

func (m *Individual) draw(src Model, rng *rand.Rand, bootstrap bool) {
	s := src.(*Individual)
	for i := range s.index {
		from := i
		if bootstrap {
			from = rng.Intn(len(s.index))
		}
		m.index[i] = s.index[from]
	}
}

func (m *Individual) Evaluate(population []float64, pos int) float64 {
	value := float64(m.Data[pos])
	if m.SD != 1 {
		value *= m.SD
	}
	if value == 0 {
		return 0
	}
	p := m.selectPopulation(population)
	if len(p) == 0 {
		return 0
	}

	switch m.Threshold {
	case MeanDifference:
		return value - stat.Mean(p, nil)
	case Percentage:
		mean := stat.Mean(p, nil)
		if mean == 0 {
			return 0
		}
		return value/mean - 1
	case Percentile:
		rank := 0
		for _, v := range p {
			if value > v {
				rank++
			}
		}
		n := len(p)
		if rank > n/2 {
			return float64(rank) / float64(n)
		}
		return float64(rank-n) / float64(n)
	}
	return 0
}

func (m *Individual) RemoveSubject(i int) error {
	return m.removeIndex(i)
}
