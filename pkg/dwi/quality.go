package dwi

import (
	"context"
	"math"

	"gonum.org/v1/gonum/stat"

	"dwistudio/internal/parallel"
)

// NeighborCorrelation is a quality-control score: the mean correlation,
// within the mask, between every diffusion-weighted image and the image
// acquired closest to it in q-space. Low values indicate motion or
// artifacts.
func (vs *VolumeSet) NeighborCorrelation(ctx context.Context, workers int) (float64, error) {
	type pair struct{ i, j int }
	var pairs []pair
	n := vs.Table.Len()
	for i := 0; i < n; i++ {
		ei := vs.Table.Entry(i)
		if ei.BValue == 0 {
			continue
		}
		minDis := math.MaxFloat64
		minJ := 0
		for j := i + 1; j < n; j++ {
			ej := vs.Table.Entry(j)
			si, sj := math.Sqrt(ei.BValue), math.Sqrt(ej.BValue)
			var d1, d2 float64
			for c := 0; c < 3; c++ {
				a, b := ei.Vector[c]*si, ej.Vector[c]*sj
				d1 += (a - b) * (a - b)
				d2 += (a + b) * (a + b)
			}
			// antipodal directions sample the same diffusion
			if dis := math.Sqrt(math.Min(d1, d2)); dis < minDis {
				minDis = dis
				minJ = j
			}
		}
		pairs = append(pairs, pair{i, minJ})
	}
	if len(pairs) == 0 {
		return 0, nil
	}

	corr := make([]float64, len(pairs))
	err := parallel.Each(ctx, len(pairs), workers, func(ctx context.Context, k int) error {
		var x, y []float64
		for v, m := range vs.Mask {
			if m != 0 {
				x = append(x, float64(vs.DWI[pairs[k].i][v]))
				y = append(y, float64(vs.DWI[pairs[k].j][v]))
			}
		}
		if len(x) > 1 {
			if c := stat.Correlation(x, y, nil); !math.IsNaN(c) {
				corr[k] = c
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return stat.Mean(corr, nil), nil
}
