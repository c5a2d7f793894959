package connectometry

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"dwistudio/pkg/progress"
	"dwistudio/pkg/stats"
)

// Inference is the outcome of a permutation test
type Inference struct {
	Observed *Result
	Trials   int

	// PGreater and PLesser are the family-wise p-values of the largest
	// positive and negative effect
	PGreater float64
	PLesser  float64
}

// PermutationTest maps the effect of model and compares its largest values
// with those of trials null resamples of the model
func PermutationTest(ctx context.Context, db *Database, model stats.Model, thr float32, normalize bool, trials int, r progress.Reporter) (*Inference, error) {
	if trials < 0 {
		return nil, fmt.Errorf("invalid number of permutations %d", trials)
	}
	obs, err := ComputeMap(ctx, db, model, thr, normalize)
	if err != nil {
		return nil, err
	}
	og, ol := obs.MaxEffect()

	r = progress.Or(r)
	r.Start("permutation", trials)
	defer r.Finish()

	var exceedG, exceedL atomic.Int32
	err = stats.Permute(ctx, model, trials, db.Workers, true, false, func(_ int, m stats.Model) error {
		null, err := ComputeMap(ctx, db, m, thr, normalize)
		if err != nil {
			return err
		}
		g, l := null.MaxEffect()
		if g >= og {
			exceedG.Add(1)
		}
		if l >= ol {
			exceedL.Add(1)
		}
		r.Increment()
		return nil
	})
	if err != nil {
		return nil, err
	}

	inf := &Inference{
		Observed: obs,
		Trials:   trials,
		PGreater: float64(exceedG.Load()+1) / float64(trials+1),
		PLesser:  float64(exceedL.Load()+1) / float64(trials+1),
	}
	obs.Report += fmt.Sprintf(" A total of %d randomized permutations were applied; the family-wise p-value was %.4g for the positive and %.4g for the negative effect.",
		trials, inf.PGreater, inf.PLesser)
	db.log().WithFields(logrus.Fields{"trials": trials, "p_greater": inf.PGreater, "p_lesser": inf.PLesser}).Info("permutation test completed")
	return inf, nil
}
