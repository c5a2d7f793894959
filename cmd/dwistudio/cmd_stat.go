package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"dwistudio/pkg/connectometry"
	"dwistudio/pkg/stats"
	"dwistudio/pkg/store"
)

// design is the study design file. Group studies list one label per
// subject; regression studies list one row of covariates per subject, the
// intercept column included.
type design struct {
	Labels []float64   `yaml:"labels"`
	Rows   [][]float64 `yaml:"rows"`

	// Study is the column of Rows whose association is mapped
	Study int `yaml:"study"`
}

func loadDesign(path string) (*design, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading design file: %w", err)
	}
	d := &design{}
	if err := yaml.Unmarshal(data, d); err != nil {
		return nil, fmt.Errorf("error parsing design file: %w", err)
	}
	return d, nil
}

// matrix flattens Rows row-major and returns the number of columns
func (d *design) matrix(subjects int) ([]float64, int, error) {
	if subjects == 0 || len(d.Rows) != subjects {
		return nil, 0, fmt.Errorf("design has %d rows for %d subjects", len(d.Rows), subjects)
	}
	features := len(d.Rows[0])
	x := make([]float64, 0, subjects*features)
	for i, r := range d.Rows {
		if len(r) != features {
			return nil, 0, fmt.Errorf("row %d has %d values, expected %d", i, len(r), features)
		}
		x = append(x, r...)
	}
	return x, features, nil
}

func thresholdType() (stats.ThresholdType, error) {
	name := thresholdName
	if name == "" {
		name = cfg.Connectometry.ThresholdType
	}
	return stats.ParseThresholdType(name)
}

func numPermutations() int {
	if permutations >= 0 {
		return permutations
	}
	return cfg.Connectometry.Permutations
}

// runInference maps model over db, runs the permutation test and writes the
// maps to out
func runInference(ctx context.Context, db *connectometry.Database, model stats.Model, out string) error {
	inf, err := connectometry.PermutationTest(ctx, db, model, fiberThreshold(), normalized(), numPermutations(), newProgress())
	if err != nil {
		return err
	}
	if err := writeStore(out, inf.Observed.Save); err != nil {
		return fmt.Errorf("failed to save %s: %w", out, err)
	}
	g, l := inf.Observed.MaxEffect()
	fmt.Printf("Largest positive effect %.4g (p=%.4g), largest negative effect %.4g (p=%.4g)\n", g, inf.PGreater, l, inf.PLesser)
	fmt.Printf("Result saved to: %s\n", out)
	return nil
}

func runStatGroup(cmd *cobra.Command, args []string) error {
	db, err := openDatabase(args[0])
	if err != nil {
		return err
	}
	d, err := loadDesign(args[1])
	if err != nil {
		return err
	}
	if len(d.Labels) != db.NumSubjects() {
		return fmt.Errorf("design has %d labels for %d subjects", len(d.Labels), db.NumSubjects())
	}
	t, err := thresholdType()
	if err != nil {
		return err
	}
	g := stats.NewGroup(d.Labels, t, sampler())
	if !g.Validate() {
		n0, n1 := g.Sizes()
		return fmt.Errorf("groups of %d and %d subjects: %w", n0, n1, stats.ErrInvalidDesign)
	}
	fmt.Println(g)
	return runInference(cmd.Context(), db, g, args[2])
}

func runStatRegression(cmd *cobra.Command, args []string) error {
	db, err := openDatabase(args[0])
	if err != nil {
		return err
	}
	d, err := loadDesign(args[1])
	if err != nil {
		return err
	}
	x, features, err := d.matrix(db.NumSubjects())
	if err != nil {
		return err
	}
	t, err := thresholdType()
	if err != nil {
		return err
	}
	r, err := stats.NewRegression(x, features, d.Study, t, sampler())
	if err != nil {
		return err
	}
	fmt.Println(r)
	return runInference(cmd.Context(), db, r, args[2])
}

func runStatIndividual(cmd *cobra.Command, args []string) error {
	db, err := openDatabase(args[0])
	if err != nil {
		return err
	}
	t, err := thresholdType()
	if err != nil {
		return err
	}
	var r *connectometry.Result
	err = withStore(args[1], func(s store.ArrayStore) error {
		var err error
		r, err = connectometry.IndividualVsDatabase(cmd.Context(), db, s, t, sampler())
		return err
	})
	if err != nil {
		return err
	}
	if err := writeStore(args[2], r.Save); err != nil {
		return fmt.Errorf("failed to save %s: %w", args[2], err)
	}
	fmt.Printf("Result saved to: %s\n", args[2])
	return nil
}
