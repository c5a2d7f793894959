package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"dwistudio/pkg/connectometry"
	"dwistudio/pkg/dwi"
	"dwistudio/pkg/store"
)

func openDatabase(path string) (*connectometry.Database, error) {
	var db *connectometry.Database
	err := withStore(path, func(s store.ArrayStore) error {
		var err error
		db, err = connectometry.Open(s)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}
	db.Workers = cfg.Processing.NumCores
	db.Log = logrus.WithField("db", path)
	return db, nil
}

func saveDatabase(db *connectometry.Database, path string) error {
	if err := writeStore(path, db.Save); err != nil {
		return fmt.Errorf("failed to save database %s: %w", path, err)
	}
	fmt.Printf("Database with %d subjects saved to: %s\n", db.NumSubjects(), path)
	return nil
}

// addSubjects samples every subject file into db. The files stay open until
// every subject is sampled.
func addSubjects(ctx context.Context, db *connectometry.Database, paths []string) error {
	srcs := make([]store.ArrayStore, 0, len(paths))
	defer func() {
		for _, s := range srcs {
			s.Close()
		}
	}()
	names := make([]string, len(paths))
	for i, p := range paths {
		s, err := store.OpenHDF5(p)
		if err != nil {
			return err
		}
		srcs = append(srcs, s)
		names[i] = subjectName(p)
	}
	return db.AddSubjects(ctx, srcs, names)
}

func runDBCreate(cmd *cobra.Command, args []string) error {
	var t *connectometry.Template
	err := withStore(args[0], func(s store.ArrayStore) error {
		var err error
		t, err = connectometry.LoadTemplate(s)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to load template %s: %w", args[0], err)
	}
	db := connectometry.NewDatabase(t)
	db.IndexName = indexName
	db.Workers = cfg.Processing.NumCores
	db.Log = logrus.WithField("db", args[1])
	if err := addSubjects(cmd.Context(), db, args[2:]); err != nil {
		return err
	}
	return saveDatabase(db, args[1])
}

func runDBAdd(cmd *cobra.Command, args []string) error {
	db, err := openDatabase(args[0])
	if err != nil {
		return err
	}
	if err := addSubjects(cmd.Context(), db, args[2:]); err != nil {
		return err
	}
	return saveDatabase(db, args[1])
}

func runDBMerge(cmd *cobra.Command, args []string) error {
	db, err := openDatabase(args[0])
	if err != nil {
		return err
	}
	other, err := openDatabase(args[1])
	if err != nil {
		return err
	}
	if err := db.Merge(other); err != nil {
		return err
	}
	return saveDatabase(db, args[2])
}

// parsePairs reads "baseline:study" pairs separated by commas
func parsePairs(s string) ([][2]int, error) {
	var pairs [][2]int
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		a, b, ok := strings.Cut(item, ":")
		if !ok {
			return nil, fmt.Errorf("invalid pair %q, expected baseline:study", item)
		}
		i, err := strconv.Atoi(strings.TrimSpace(a))
		if err != nil {
			return nil, fmt.Errorf("invalid pair %q: %w", item, err)
		}
		j, err := strconv.Atoi(strings.TrimSpace(b))
		if err != nil {
			return nil, fmt.Errorf("invalid pair %q: %w", item, err)
		}
		pairs = append(pairs, [2]int{i, j})
	}
	if len(pairs) == 0 {
		return nil, fmt.Errorf("no pairs in %q", s)
	}
	return pairs, nil
}

func parseChangeType(s string) (connectometry.ChangeType, error) {
	switch s {
	case "absolute":
		return connectometry.AbsoluteChange, nil
	case "percentage":
		return connectometry.PercentageChange, nil
	}
	return 0, fmt.Errorf("unknown change type %q", s)
}

// loadMask reads the mask array of a store, nil when no path is given
func loadMask(path string, db *connectometry.Database) ([]uint8, error) {
	if path == "" {
		return nil, nil
	}
	var mask []uint8
	err := withStore(path, func(s store.ArrayStore) error {
		var err error
		mask, err = s.Bytes("mask")
		return err
	})
	if err != nil {
		return nil, err
	}
	if size := db.Template.Geometry.Size(); len(mask) != size {
		return nil, fmt.Errorf("mask has %d voxels, expected %d: %w", len(mask), size, dwi.ErrShape)
	}
	return mask, nil
}

func runDBChange(cmd *cobra.Command, args []string) error {
	db, err := openDatabase(args[0])
	if err != nil {
		return err
	}
	mask, err := loadMask(subjectMask, db)
	if err != nil {
		return err
	}

	if matchPairs == "" {
		t, err := db.AutoMatch(cmd.Context(), mask, fiberThreshold(), normalized())
		if err != nil {
			return err
		}
		fmt.Printf("Matched %d pairs below a dissimilarity of %.4g\n", len(db.Match), t)
		for _, m := range db.Match {
			fmt.Printf("  %s -> %s\n", db.Subjects[m[0]].Name, db.Subjects[m[1]].Name)
		}
	} else {
		pairs, err := parsePairs(matchPairs)
		if err != nil {
			return err
		}
		if err := db.SetMatch(pairs); err != nil {
			return err
		}
	}

	name := changeType
	if name == "" {
		name = cfg.Connectometry.ChangeType
	}
	kind, err := parseChangeType(name)
	if err != nil {
		return err
	}
	if err := db.CalculateChange(kind, normalized()); err != nil {
		return err
	}
	return saveDatabase(db, args[1])
}

func runDBInfo(cmd *cobra.Command, args []string) error {
	db, err := openDatabase(args[0])
	if err != nil {
		return err
	}
	g := db.Template.Geometry
	fmt.Printf("Template: %dx%dx%d voxels of %.2f mm\n", g.Dim[0], g.Dim[1], g.Dim[2], g.VoxelSize[0])
	fmt.Print(db.Summary())
	fmt.Println(db.FullReport())
	return nil
}

func runDBExport(cmd *cobra.Command, args []string) error {
	db, err := openDatabase(args[0])
	if err != nil {
		return err
	}
	mask, err := loadMask(subjectMask, db)
	if err != nil {
		return err
	}
	return writeStore(args[1], func(s store.ArrayStore) error {
		return db.ExportVectors(s, mask, fiberThreshold(), normalized())
	})
}
