package stats

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/stat"
)

// MinGroupSize is the smallest group a comparison accepts, exclusive
const MinGroupSize = 3

// Group compares subjects labelled 0 against subjects labelled 1. Positive
// statistics mean group 0 exceeds group 1.
type Group struct {
	base

	// Label is the group of each subject, any non-zero value meaning group 1
	Label []float64

	n0, n1 int
}

// NewGroup creates a group comparison over len(labels) subjects
func NewGroup(labels []float64, t ThresholdType, s *Sampler) *Group {
	g := &Group{base: newBase(len(labels), t, s), Label: append([]float64(nil), labels...)}
	g.Validate()
	return g
}

// Sizes returns the number of subjects in group 0 and group 1
func (g *Group) Sizes() (int, int) { return g.n0, g.n1 }

// Validate counts the groups and requires more than MinGroupSize subjects in each
func (g *Group) Validate() bool {
	g.n0, g.n1 = 0, 0
	for _, l := range g.Label {
		if l != 0 {
			g.n1++
		} else {
			g.n0++
		}
	}
	return g.n0 > MinGroupSize && g.n1 > MinGroupSize
}

func (g *Group) Clone() Model {
	c := *g
	c.base = g.base.clone()
	c.Label = append([]float64(nil), g.Label...)
	return &c
}

// draw keeps the group sizes: with bootstrap every slot is refilled from a
// random member of the same group
func (g *Group) draw(src Model, rng *rand.Rand, bootstrap bool) {
	s := src.(*Group)
	var group0, group1 []int
	for i, l := range s.Label {
		if l != 0 {
			group1 = append(group1, i)
		} else {
			group0 = append(group0, i)
		}
	}
	for i := range s.index {
		from := i
		if bootstrap {
			if s.Label[i] != 0 {
				from = group1[rng.Intn(len(group1))]
			} else {
				from = group0[rng.Intn(len(group0))]
			}
		}
		g.index[i] = s.index[from]
		g.Label[i] = s.Label[from]
	}
}

func (g *Group) Evaluate(population []float64, pos int) float64 {
	p := g.selectPopulation(population)
	g0 := make([]float64, 0, g.n0)
	g1 := make([]float64, 0, g.n1)
	for i, l := range g.Label {
		if l != 0 {
			g1 = append(g1, p[i])
		} else {
			g0 = append(g0, p[i])
		}
	}
	if len(g0) == 0 || len(g1) == 0 {
		return 0
	}

	switch g.Threshold {
	case TStatistic:
		return tStatistic(g0, g1)
	case MeanDifference:
		return stat.Mean(g0, nil) - stat.Mean(g1, nil)
	case Percentage:
		m0, m1 := stat.Mean(g0, nil), stat.Mean(g1, nil)
		m := (m0 + m1) / 2
		if m == 0 {
			return 0
		}
		return (m0 - m1) / m
	}
	return 0
}

// tStatistic is the two-sample t statistic without the equal variance
// assumption. It is 0 when both groups have zero variance.
func tStatistic(g0, g1 []float64) float64 {
	if len(g0) < 2 || len(g1) < 2 {
		return 0
	}
	m0, v0 := stat.MeanVariance(g0, nil)
	m1, v1 := stat.MeanVariance(g1, nil)
	se := v0/float64(len(g0)) + v1/float64(len(g1))
	if se == 0 {
		return 0
	}
	return (m0 - m1) / math.Sqrt(se)
}

func (g *Group) RemoveSubject(i int) error {
	if err := g.removeIndex(i); err != nil {
		return err
	}
	g.Label = append(g.Label[:i], g.Label[i+1:]...)
	g.Validate()
	return nil
}

// RemoveMissing drops every subject whose label equals missing and
// returns how many were removed
func (g *Group) RemoveMissing(missing float64) int {
	removed := 0
	for i := len(g.Label) - 1; i >= 0; i-- {
		if g.Label[i] == missing {
			g.index = append(g.index[:i], g.index[i+1:]...)
			g.Label = append(g.Label[:i], g.Label[i+1:]...)
			removed++
		}
	}
	g.Validate()
	return removed
}

func (g *Group) String() string {
	return fmt.Sprintf("group(%s, %d vs %d)", g.Threshold, g.n0, g.n1)
}
