package stats

import (
	"context"
	"math"
	"sort"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var eightLabels = []float64{0, 0, 0, 0, 1, 1, 1, 1}

func TestGroupEvaluate(t *testing.T) {
	flat := []float64{1, 1, 1, 1, 3, 3, 3, 3}
	spread := []float64{1, 2, 3, 4, 3, 4, 5, 6}

	tests := []struct {
		name       string
		threshold  ThresholdType
		population []float64
		want       float64
	}{
		{"mean difference is group0 minus group1", MeanDifference, flat, -2},
		{"percentage", Percentage, flat, -1},
		{"t with zero variance", TStatistic, flat, 0},
		{"t with spread", TStatistic, spread, -2.1908902300206643},
		{"beta is not a group statistic", Beta, flat, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewGroup(eightLabels, tt.threshold, NewSampler(1))
			assert.InDelta(t, tt.want, g.Evaluate(tt.population, 0), 1e-9)
		})
	}

	t.Run("zero means", func(t *testing.T) {
		g := NewGroup(eightLabels, Percentage, nil)
		assert.Equal(t, 0.0, g.Evaluate(make([]float64, 8), 0))
	})
}

func TestIdentityResample(t *testing.T) {
	g := NewGroup(eightLabels, MeanDifference, NewSampler(7))
	reg, err := NewRegression([]float64{1, 0, 1, 1, 1, 2, 1, 3, 1, 5}, 2, 1, Beta, NewSampler(7))
	require.NoError(t, err)
	ind := NewIndividual([]float32{1, 2}, 1, 6, MeanDifference, NewSampler(7))

	for _, src := range []Model{g, reg, ind} {
		m, err := Resample(src, false, false)
		require.NoError(t, err)
		assert.Equal(t, src.SubjectIndex(), m.SubjectIndex())
		assert.Equal(t, src, m)
		assert.NotSame(t, &src.SubjectIndex()[0], &m.SubjectIndex()[0])
	}
}

func TestGroupResample(t *testing.T) {
	labels := []float64{0, 1, 0, 1, 0, 1, 0, 1, 0, 1}
	src := NewGroup(labels, MeanDifference, NewSampler(3))

	t.Run("bootstrap stays within group", func(t *testing.T) {
		m, err := Resample(src, false, true)
		require.NoError(t, err)
		g := m.(*Group)
		assert.Equal(t, labels, g.Label)
		for i, s := range g.SubjectIndex() {
			assert.Equal(t, labels[i], labels[s], "slot %d drew subject %d from the other group", i, s)
		}
		n0, n1 := g.Sizes()
		assert.Equal(t, 5, n0)
		assert.Equal(t, 5, n1)
	})

	t.Run("null shuffles the subjects", func(t *testing.T) {
		m, err := Resample(src, true, false)
		require.NoError(t, err)
		idx := append([]int(nil), m.SubjectIndex()...)
		sort.Ints(idx)
		assert.Equal(t, src.SubjectIndex(), idx)
		assert.Equal(t, labels, m.(*Group).Label)
	})

	t.Run("source is not modified", func(t *testing.T) {
		assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, src.SubjectIndex())
	})
}

func TestResampleSeeded(t *testing.T) {
	a := NewGroup(eightLabels, MeanDifference, NewSampler(42))
	b := NewGroup(eightLabels, MeanDifference, NewSampler(42))
	for i := 0; i < 5; i++ {
		ma, err := Resample(a, true, true)
		require.NoError(t, err)
		mb, err := Resample(b, true, true)
		require.NoError(t, err)
		assert.Equal(t, ma.SubjectIndex(), mb.SubjectIndex())
	}
}

func TestResampleInvalidDesign(t *testing.T) {
	g := NewGroup([]float64{0, 0, 0, 1, 1, 1, 1, 1}, MeanDifference, nil)
	assert.False(t, g.Validate())
	_, err := Resample(g, false, false)
	assert.ErrorIs(t, err, ErrInvalidDesign)
}

func TestRegression(t *testing.T) {
	// y = 2 + 3x
	x := []float64{1, 0, 1, 1, 1, 2, 1, 3, 1, 4}
	y := []float64{2, 5, 8, 11, 14}

	r, err := NewRegression(x, 2, 1, Beta, nil)
	require.NoError(t, err)
	assert.InDelta(t, 3, r.Evaluate(y, 0), 1e-9)
	assert.InDelta(t, 4, r.Range(), 0)

	r.Threshold = Percentage
	assert.InDelta(t, 3*4/8.0, r.Evaluate(y, 0), 1e-9)

	noisy := []float64{2, 5.5, 7.5, 11.5, 13.5}
	b := r.Coefficients(noisy)
	assert.InDelta(t, 2.2, b[0], 1e-9)
	assert.InDelta(t, 2.9, b[1], 1e-9)

	// residual variance 0.9/3 and (XᵗX)⁻¹ slope entry 1/10
	r.Threshold = TStatistic
	assert.InDelta(t, 2.9/math.Sqrt(0.03), r.Evaluate(noisy, 0), 1e-6)
}

func TestRegressionInvalid(t *testing.T) {
	_, err := NewRegression([]float64{1, 2, 1, 2, 1, 2, 1, 2}, 2, 1, Beta, nil)
	assert.ErrorIs(t, err, ErrInvalidDesign, "collinear columns")

	_, err = NewRegression([]float64{1, 2, 3}, 2, 1, Beta, nil)
	assert.ErrorIs(t, err, ErrInvalidDesign)

	_, err = NewRegression([]float64{1, 2, 1, 3, 1, 4}, 2, 2, Beta, nil)
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestRegressionEditing(t *testing.T) {
	// intercept, age, score
	x := []float64{
		1, 20, 5,
		1, 30, -1,
		1, 40, 7,
		1, 50, 2,
		1, 60, 9,
		1, 25, 4,
	}
	r, err := NewRegression(x, 3, 2, Beta, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, r.RemoveMissing(-1))
	assert.Equal(t, []int{0, 2, 3, 4, 5}, r.SubjectIndex())

	require.NoError(t, r.SelectVariables([]bool{true, false, true}))
	assert.Equal(t, 2, r.Features)
	assert.Equal(t, 1, r.Study)
	assert.Equal(t, []float64{1, 5, 1, 7, 1, 2, 1, 9, 1, 4}, r.X)
	assert.True(t, r.Validate())

	assert.ErrorIs(t, r.SelectVariables([]bool{true, false}), ErrInvalidDesign)

	require.NoError(t, r.RemoveSubject(0))
	assert.Equal(t, []int{2, 3, 4, 5}, r.SubjectIndex())
	assert.ErrorIs(t, r.RemoveSubject(9), ErrOutOfRange)
}

func TestGroupEditing(t *testing.T) {
	g := NewGroup([]float64{0, 1, -1, 0, 1, 0, 1, 0, 1}, MeanDifference, nil)
	assert.Equal(t, 1, g.RemoveMissing(-1))
	assert.Equal(t, []int{0, 1, 3, 4, 5, 6, 7, 8}, g.SubjectIndex())
	assert.True(t, g.Validate())

	require.NoError(t, g.RemoveSubject(0))
	n0, n1 := g.Sizes()
	assert.Equal(t, 3, n0)
	assert.Equal(t, 4, n1)
	assert.False(t, g.Validate())
}

func TestIndividual(t *testing.T) {
	population := []float64{1, 2, 3, 4, 6}
	data := []float32{5, 2, 0, 8}

	tests := []struct {
		name      string
		threshold ThresholdType
		pos       int
		want      float64
	}{
		{"mean difference", MeanDifference, 0, 5 - 3.2},
		{"percentage", Percentage, 3, 8/3.2 - 1},
		{"upper percentile", Percentile, 0, 0.8},
		{"lower percentile", Percentile, 1, -0.8},
		{"zero value", MeanDifference, 2, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewIndividual(data, 1, len(population), tt.threshold, nil)
			assert.InDelta(t, tt.want, m.Evaluate(population, tt.pos), 1e-6)
		})
	}

	t.Run("scaled", func(t *testing.T) {
		m := NewIndividual(data, 2, len(population), MeanDifference, nil)
		assert.InDelta(t, 10-3.2, m.Evaluate(population, 0), 1e-6)
	})
}

func TestPermute(t *testing.T) {
	src := NewGroup(eightLabels, MeanDifference, NewSampler(5))
	population := []float64{1, 1, 1, 1, 3, 3, 3, 3}

	var trials atomic.Int32
	results := make([]float64, 50)
	err := Permute(context.Background(), src, len(results), 4, true, false, func(i int, m Model) error {
		trials.Add(1)
		results[i] = m.Evaluate(population, 0)
		return nil
	})
	require.NoError(t, err)
	assert.EqualValues(t, 50, trials.Load())
	for _, r := range results {
		assert.GreaterOrEqual(t, r, -2.0)
		assert.LessOrEqual(t, r, 2.0)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = Permute(ctx, src, 10, 2, true, false, func(int, Model) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestParseThresholdType(t *testing.T) {
	for tt := TStatistic; tt <= Percentile; tt++ {
		got, err := ParseThresholdType(tt.String())
		require.NoError(t, err)
		assert.Equal(t, tt, got)
	}
	_, err := ParseThresholdType("median")
	assert.Error(t, err)
}
