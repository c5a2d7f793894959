package connectometry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"

	"dwistudio/internal/parallel"
)

// ErrNoMatch is returned when a change is requested without matched scans
var ErrNoMatch = errors.New("no matched scans")

// ChangeType selects how a longitudinal change is expressed
type ChangeType int

const (
	// AbsoluteChange is study - baseline
	AbsoluteChange ChangeType = iota

	// PercentageChange is (study - baseline) / (study + baseline)
	PercentageChange
)

func (c ChangeType) String() string {
	if c == PercentageChange {
		return "percentage"
	}
	return "absolute"
}

// DifMatrix returns the n×n root mean square difference between every pair
// of subject vectors. The diagonal is 0.
func (db *Database) DifMatrix(ctx context.Context, mask []uint8, thr float32, normalize bool) ([]float64, error) {
	vectors, err := db.SubjectVectors(ctx, mask, thr, normalize)
	if err != nil {
		return nil, err
	}
	n := len(vectors)
	as64 := make([][]float64, n)
	for i, v := range vectors {
		as64[i] = make([]float64, len(v))
		for j, x := range v {
			as64[i][j] = float64(x)
		}
	}

	m := make([]float64, n*n)
	err = parallel.For(ctx, n, db.Workers, func(i int) {
		for j := i + 1; j < n; j++ {
			d := 0.0
			if l := len(as64[i]); l > 0 {
				d = floats.Distance(as64[i], as64[j], 2) / math.Sqrt(float64(l))
			}
			m[i*n+j] = d
			m[j*n+i] = d
		}
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// matchThreshold finds the largest gap between consecutive sorted
// dissimilarities in the lower half of their range and returns its
// midpoint. It returns 0 when there is no gap.
func matchThreshold(values []float64) float64 {
	v := append([]float64(nil), values...)
	sort.Float64s(v)
	if len(v) < 2 {
		return 0
	}
	mid := (v[0] + v[len(v)-1]) / 2
	gap, t := 0.0, 0.0
	for i := 1; i < len(v) && v[i-1] <= mid; i++ {
		if d := v[i] - v[i-1]; d > gap {
			gap = d
			t = (v[i] + v[i-1]) / 2
		}
	}
	return t
}

// AutoMatch pairs scans of the same individual. Every pair whose
// dissimilarity falls below the separating threshold is matched, the
// earlier subject taken as baseline. The threshold is returned.
func (db *Database) AutoMatch(ctx context.Context, mask []uint8, thr float32, normalize bool) (float64, error) {
	dif, err := db.DifMatrix(ctx, mask, thr, normalize)
	if err != nil {
		return 0, err
	}
	n := len(db.Subjects)
	var half []float64
	for i := 0; i < n; i++ {
		half = append(half, dif[i*n+i+1:(i+1)*n]...)
	}
	t := matchThreshold(half)

	db.Match = db.Match[:0]
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if dif[i*n+j] < t {
				db.Match = append(db.Match, [2]int{i, j})
			}
		}
	}
	db.log().WithFields(logrus.Fields{"threshold": t, "pairs": len(db.Match)}).Info("scans matched")
	return t, nil
}

// SetMatch replaces the matched pairs
func (db *Database) SetMatch(pairs [][2]int) error {
	for _, p := range pairs {
		if p[0] < 0 || p[1] < 0 || p[0] >= len(db.Subjects) || p[1] >= len(db.Subjects) || p[0] == p[1] {
			return fmt.Errorf("invalid pair %v for %d subjects", p, len(db.Subjects))
		}
	}
	db.Match = append([][2]int(nil), pairs...)
	return nil
}

// CalculateChange replaces the cohort with one subject per matched pair
// holding the change from baseline to study. With normalize the study scan
// is first brought to the baseline's variance.
func (db *Database) CalculateChange(kind ChangeType, normalize bool) error {
	if len(db.Match) == 0 {
		return ErrNoMatch
	}
	n := db.VectorLen()
	subjects := make([]Subject, len(db.Match))
	for k, m := range db.Match {
		first, second := db.Subjects[m[0]], db.Subjects[m[1]]
		baseline, study := first.Data.Data(), second.Data.Data()
		ratio := 1.0
		if normalize {
			ratio = 0
			if first.Scale != 0 {
				ratio = second.Scale / first.Scale
			}
		}

		change := make([]float32, n)
		scale := 1.0
		switch kind {
		case AbsoluteChange:
			scale = first.Scale
			for i := range change {
				change[i] = float32(float64(study[i])*ratio) - baseline[i]
			}
		case PercentageChange:
			for i := range change {
				s := float32(float64(study[i]) * ratio)
				if sum := s + baseline[i]; sum != 0 {
					change[i] = (s - baseline[i]) / sum
				}
			}
		}
		subjects[k] = Subject{
			Name:  second.Name + " - " + first.Name,
			R2:    float32(math.Min(float64(first.R2), float64(second.R2))),
			Data:  Owned(change),
			Scale: scale,
		}
	}

	what := "difference"
	if kind == PercentageChange {
		what = "percentage difference"
	}
	report := fmt.Sprintf(" The %s between longitudinal scans were calculated", what)
	if normalize {
		report += " after the data variance in each individual was normalized to one"
	}
	db.Report += fmt.Sprintf("%s (n=%d).", report, len(subjects))

	db.Subjects = subjects
	db.Match = nil
	db.Modified = true
	return nil
}
