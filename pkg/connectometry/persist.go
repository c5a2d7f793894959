package connectometry

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"dwistudio/pkg/store"
)

// SubjectName returns the persisted name of subject i
func SubjectName(i int) string { return fmt.Sprintf("subject%d", i) }

// Open reads a template and its database from one store
func Open(s store.ArrayStore) (*Database, error) {
	t, err := LoadTemplate(s)
	if err != nil {
		return nil, err
	}
	db := NewDatabase(t)
	if err := db.Load(s); err != nil {
		return nil, err
	}
	return db, nil
}

func optionalString(s store.ArrayStore, name string) (string, error) {
	v, err := store.String(s, name)
	if errors.Is(err, store.ErrNotFound) {
		return "", nil
	}
	return v, err
}

// Load replaces the cohort with the subjects persisted in s. The vectors
// are borrowed from the store. On error the database is unchanged.
func (db *Database) Load(s store.ArrayStore) error {
	var subjects []Subject
	for i := 0; s.Has(SubjectName(i)); i++ {
		data, err := s.Float32s(SubjectName(i))
		if err != nil {
			return err
		}
		if len(data) != db.VectorLen() {
			return fmt.Errorf("%s has %d values, expected %d: %w", SubjectName(i), len(data), db.VectorLen(), ErrIncompatible)
		}
		subjects = append(subjects, Subject{Data: Borrowed(data), Scale: db.scaleOf(data)})
	}
	if len(subjects) == 0 {
		db.Subjects = nil
		return nil
	}

	r2, err := s.Float32s("R2")
	if err != nil {
		return fmt.Errorf("cannot read R2: %w", err)
	}
	if len(r2) < len(subjects) {
		return fmt.Errorf("R2 has %d values for %d subjects: %w", len(r2), len(subjects), ErrIncompatible)
	}
	for i := range subjects {
		if math.IsNaN(float64(r2[i])) {
			return fmt.Errorf("invalid R2 value for %s: %w", SubjectName(i), ErrInconsistent)
		}
		subjects[i].R2 = r2[i]
	}

	names, err := store.Strings(s, "subject_names")
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	for i := range subjects {
		if i < len(names) {
			subjects[i].Name = names[i]
		}
	}

	indexName, err := optionalString(s, "index_name")
	if err != nil {
		return err
	}
	if indexName == "" {
		indexName = DefaultIndexName
	}
	report, err := optionalString(s, "change_report")
	if err != nil {
		return err
	}
	subjectReport, err := optionalString(s, "subject_report")
	if err != nil {
		return err
	}

	db.Subjects = subjects
	db.IndexName = indexName
	db.Report = report
	db.SubjectReport = subjectReport
	db.Match = nil
	db.Modified = false
	db.log().WithField("subjects", len(subjects)).Info("connectometry database loaded")
	return nil
}

// Save writes the template and every subject to s
func (db *Database) Save(s store.ArrayStore) error {
	if err := db.Template.Save(s); err != nil {
		return err
	}
	r2 := make([]float32, len(db.Subjects))
	for i, sub := range db.Subjects {
		if err := s.PutFloat32s(SubjectName(i), sub.Data.Data()); err != nil {
			return err
		}
		r2[i] = sub.R2
	}
	if err := store.PutStrings(s, "subject_names", db.Names()); err != nil {
		return err
	}
	if err := store.PutString(s, "index_name", db.IndexName); err != nil {
		return err
	}
	if err := s.PutFloat32s("R2", r2); err != nil {
		return err
	}
	if err := store.PutString(s, "subject_report", db.SubjectReport); err != nil {
		return err
	}
	if err := store.PutString(s, "change_report", db.Report); err != nil {
		return err
	}
	if err := store.PutString(s, "report", db.FullReport()); err != nil {
		return err
	}
	db.Modified = false
	return nil
}

// ExportVectors writes the reduced subject vectors used for the
// dissimilarity analysis together with the voxel and fiber direction of
// every entry
func (db *Database) ExportVectors(s store.ArrayStore, mask []uint8, thr float32, normalize bool) error {
	if err := store.PutStrings(s, "subject_names", db.Names()); err != nil {
		return err
	}
	for i := range db.Subjects {
		if err := s.PutFloat32s(SubjectName(i), db.SubjectVector(i, mask, thr, normalize)); err != nil {
			return err
		}
	}
	t := db.Template
	var location []int32
	var direction []float32
	db.slots(thr, mask, func(_, vi, fib, _ int) {
		location = append(location, int32(vi))
		d := t.Fibers.Dir(fib, vi)
		direction = append(direction, float32(d[0]), float32(d[1]), float32(d[2]))
	})
	dim := []int32{int32(t.Geometry.Dim[0]), int32(t.Geometry.Dim[1]), int32(t.Geometry.Dim[2])}
	if err := s.PutInt32s("dimension", dim); err != nil {
		return err
	}
	if err := s.PutInt32s("voxel_location", location); err != nil {
		return err
	}
	return s.PutFloat32s("fiber_direction", direction)
}

// Summary describes the database in one line per subject
func (db *Database) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d subjects, %d samples, %d fibers, index %s\n", len(db.Subjects), db.SampleCount(), db.Template.NumFibers(), db.IndexName)
	for i, s := range db.Subjects {
		fmt.Fprintf(&b, "%4d %-24s R2=%.3f scale=%.4g\n", i, s.Name, s.R2, s.Scale)
	}
	return b.String()
}
