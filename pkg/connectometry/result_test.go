package connectometry

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dwistudio/pkg/stats"
	"dwistudio/pkg/store"
)

func TestComputeMapGroup(t *testing.T) {
	tmpl := testTemplate()
	db := NewDatabase(tmpl)
	db.IndexName = "qa"
	labels := make([]float64, 8)
	for i := 0; i < 8; i++ {
		scale := float32(1)
		if i >= 4 {
			scale = 2
			labels[i] = 1
		}
		qa := baseQA(24, scale)
		if i == 5 {
			qa[5] = 0
		}
		require.NoError(t, db.AddSubject(indexSubject(t, qa, 0.9), ""))
	}

	model := stats.NewGroup(labels, stats.MeanDifference, stats.NewSampler(1))
	r, err := ComputeMap(context.Background(), db, model, 0, false)
	require.NoError(t, err)

	base := baseQA(24, 1)
	for vi := 0; vi < 24; vi++ {
		for fib := 0; fib < 2; fib++ {
			assert.Zero(t, r.Greater[fib][vi])
			switch {
			case vi == 5, tmpl.FA(fib, vi) == 0:
				assert.Zero(t, r.Lesser[fib][vi], "voxel %d fiber %d", vi, fib)
			default:
				assert.InDelta(t, base[vi], r.Lesser[fib][vi], 1e-5, "voxel %d fiber %d", vi, fib)
			}
		}
	}

	names := r.TrackingIndices()
	assert.Equal(t, "greater", names[0].Name)
	assert.Equal(t, "lesser", names[1].Name)

	g, l := r.MaxEffect()
	assert.Zero(t, g)
	assert.InDelta(t, base[23], l, 1e-5)

	out := store.NewMemory()
	require.NoError(t, r.Save(out))
	saved, err := out.Float32s("lesser0")
	require.NoError(t, err)
	assert.Equal(t, r.Lesser[0], saved)
	assert.True(t, out.Has("greater1"))

	// the second fibers are all below 0.15
	r, err = ComputeMap(context.Background(), db, model, 0.15, false)
	require.NoError(t, err)
	for vi := range r.Lesser[1] {
		assert.Zero(t, r.Lesser[1][vi])
	}
	assert.NotZero(t, r.Lesser[0][1])

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = ComputeMap(ctx, db, model, 0, false)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestIndividualVsDatabase(t *testing.T) {
	tmpl := testTemplate()
	db := NewDatabase(tmpl)

	_, err := IndividualVsDatabase(context.Background(), db, odfSubject(t, tmpl, 2), stats.MeanDifference, nil)
	assert.Error(t, err)

	for _, level := range []float32{1, 1.1, 0.9, 1.05} {
		require.NoError(t, db.AddSubject(odfSubject(t, tmpl, level), ""))
	}
	r, err := IndividualVsDatabase(context.Background(), db, odfSubject(t, tmpl, 2), stats.MeanDifference, stats.NewSampler(1))
	require.NoError(t, err)

	found := false
	for fib := range r.Greater {
		for vi := range r.Greater[fib] {
			assert.Zero(t, r.Lesser[fib][vi])
			found = found || r.Greater[fib][vi] > 0
		}
	}
	assert.True(t, found)
	assert.Equal(t, ">%", r.TrackingIndices()[0].Name)
	assert.Equal(t, "<%", r.TrackingIndices()[1].Name)
	assert.Contains(t, r.Report, "comparing individuals to a group of subjects")

	bad := odfSubject(t, tmpl, 2)
	require.NoError(t, bad.PutFloat32s("voxel_size", []float32{3, 3, 3}))
	_, err = IndividualVsDatabase(context.Background(), db, bad, stats.MeanDifference, nil)
	assert.ErrorIs(t, err, ErrInconsistent)
}

func TestIndividualVsTemplate(t *testing.T) {
	tmpl := testTemplate()
	db := NewDatabase(tmpl)
	r, err := IndividualVsTemplate(db, odfSubject(t, tmpl, 1), NoNormalization)
	require.NoError(t, err)
	assert.Equal(t, "inc", r.TrackingIndices()[0].Name)
	assert.Contains(t, r.Report, "group-averaged template")

	// voxel 1 samples 2 - 0.5 against a template anisotropy of 0.25
	assert.InDelta(t, 1.25, r.Greater[0][1], 1e-6)
	assert.Zero(t, r.Greater[0][0])
}

func TestIndividualVsIndividual(t *testing.T) {
	tmpl := testTemplate()
	db := NewDatabase(tmpl)
	r, err := IndividualVsIndividual(db, odfSubject(t, tmpl, 1), odfSubject(t, tmpl, 2), NoNormalization)
	require.NoError(t, err)
	assert.InDelta(t, 1.5, r.Greater[0][1], 1e-6)

	r, err = IndividualVsIndividual(db, odfSubject(t, tmpl, 1), odfSubject(t, tmpl, 2), PeakNormalization)
	require.NoError(t, err)
	for vi := range r.Greater[0] {
		assert.InDelta(t, 0, r.Greater[0][vi], 1e-6)
		assert.InDelta(t, 0, r.Lesser[0][vi], 1e-6)
	}
	assert.Contains(t, r.Report, "highest anisotropy to one")

	_, err = IndividualVsIndividual(db, odfSubject(t, tmpl, 1), store.NewMemory(), NoNormalization)
	assert.ErrorIs(t, err, ErrInconsistent)
}

func TestCompare(t *testing.T) {
	tests := []struct {
		name            string
		fa1, fa2        []float32
		norm            Normalization
		greater, lesser []float32
	}{
		{
			name: "none",
			fa1:  []float32{0.5, 0.2, 0, 0.4}, fa2: []float32{0.4, 0.3, 0.1, 0.4},
			norm:    NoNormalization,
			greater: []float32{0, 0.1, 0, 0},
			lesser:  []float32{0.1, 0, 0, 0},
		},
		{
			name: "peak",
			fa1:  []float32{0.5, 0.2, 0, 0.4}, fa2: []float32{0.4, 0.3, 0.1, 0.4},
			norm:    PeakNormalization,
			greater: []float32{0, 0.35, 0, 0.2},
			lesser:  []float32{0, 0, 0, 0},
		},
		{
			name: "regression",
			fa1:  []float32{0.1, 0.2, 0.3, 0.4}, fa2: []float32{0.2, 0.4, 0.6, 0.8},
			norm:    RegressionNormalization,
			greater: []float32{0, 0, 0, 0},
			lesser:  []float32{0, 0, 0, 0},
		},
		{
			name: "variance",
			fa1:  []float32{0.1, 0.2, 0.3, 0.4}, fa2: []float32{0.2, 0.4, 0.6, 0.8},
			norm:    VarianceNormalization,
			greater: []float32{0, 0, 0, 0},
			lesser:  []float32{0, 0, 0, 0},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := Compare([][]float32{tt.fa1}, [][]float32{tt.fa2}, tt.norm)
			require.NoError(t, err)
			assert.InDeltaSlice(t, tt.greater, r.Greater[0], 1e-5)
			assert.InDeltaSlice(t, tt.lesser, r.Lesser[0], 1e-5)
		})
	}

	_, err := Compare([][]float32{{1}}, [][]float32{{1}, {1}}, NoNormalization)
	assert.ErrorIs(t, err, ErrIncompatible)
	assert.Equal(t, "regression", RegressionNormalization.String())
}

type countingReporter struct{ n atomic.Int32 }

func (*countingReporter) Start(string, int) {}
func (c *countingReporter) Increment()      { c.n.Add(1) }
func (*countingReporter) Finish()           {}

func TestPermutationTest(t *testing.T) {
	db := NewDatabase(testTemplate())
	db.IndexName = "qa"
	labels := make([]float64, 8)
	for i := range labels {
		scale := float32(1)
		if i >= 4 {
			scale, labels[i] = 2, 1
		}
		require.NoError(t, db.AddSubject(indexSubject(t, baseQA(24, scale), 0.9), ""))
	}
	model := stats.NewGroup(labels, stats.MeanDifference, stats.NewSampler(7))

	r := &countingReporter{}
	inf, err := PermutationTest(context.Background(), db, model, 0, false, 20, r)
	require.NoError(t, err)
	assert.Equal(t, int32(20), r.n.Load())
	assert.Equal(t, 20, inf.Trials)
	assert.Equal(t, 1.0, inf.PGreater, "no positive effect is observed")
	assert.Less(t, inf.PLesser, 0.5)
	assert.GreaterOrEqual(t, inf.PLesser, 1.0/21)
	assert.Contains(t, inf.Observed.Report, "20 randomized permutations")

	_, err = PermutationTest(context.Background(), db, model, 0, false, -1, nil)
	assert.Error(t, err)
}
