package connectometry

import (
	"context"
	"fmt"
	"math"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"

	"dwistudio/internal/parallel"
	"dwistudio/pkg/store"
)

// Absent marks a voxel that has no sample index
const Absent = -1

// DefaultIndexName selects ODF sampling
const DefaultIndexName = "sdf"

// Subject is one cohort member
type Subject struct {
	Name string

	// R2 is the goodness of fit of the subject's registration to the template
	R2 float32

	Data Vector

	// Scale is 1/σ of the subject's valid slots, 1 when σ is 0
	Scale float64
}

// Database is a cohort of subject vectors sampled on one template
type Database struct {
	Template *Template

	// IndexName is the sampled measure, DefaultIndexName for ODF sampling
	IndexName string

	Report        string
	SubjectReport string

	Subjects []Subject

	// Match holds (baseline, study) subject pairs for longitudinal change
	Match [][2]int

	// Modified is set by every change not yet saved
	Modified bool

	Workers int
	Log     *logrus.Entry

	si2vi []int
	vi2si []int
}

// NewDatabase creates an empty database on a template. Every voxel with
// non-zero primary anisotropy gets a sample index, in voxel order.
func NewDatabase(t *Template) *Database {
	db := &Database{Template: t, IndexName: DefaultIndexName}
	fa := t.Fibers.Anisotropy[0]
	db.vi2si = make([]int, len(fa))
	for vi, v := range fa {
		if v != 0 {
			db.vi2si[vi] = len(db.si2vi)
			db.si2vi = append(db.si2vi, vi)
		} else {
			db.vi2si[vi] = Absent
		}
	}
	return db
}

func (db *Database) log() *logrus.Entry {
	if db.Log != nil {
		return db.Log
	}
	return logrus.NewEntry(logrus.StandardLogger())
}

// SampleCount is the number of voxels with a sample index
func (db *Database) SampleCount() int { return len(db.si2vi) }

// VectorLen is the length of every subject vector
func (db *Database) VectorLen() int { return db.Template.NumFibers() * len(db.si2vi) }

// SampleToVoxel returns the voxel of sample s
func (db *Database) SampleToVoxel(s int) int { return db.si2vi[s] }

// VoxelToSample returns the sample index of a voxel, or Absent
func (db *Database) VoxelToSample(vi int) int { return db.vi2si[vi] }

// NumSubjects returns the cohort size
func (db *Database) NumSubjects() int { return len(db.Subjects) }

// Names returns the subject names in order
func (db *Database) Names() []string {
	names := make([]string, len(db.Subjects))
	for i, s := range db.Subjects {
		names[i] = s.Name
	}
	return names
}

// slots calls fn for every fiber slot of every sample whose template
// anisotropy exceeds thr, stopping at the first slot of a voxel that does not
func (db *Database) slots(thr float32, mask []uint8, fn func(si, vi, fib, pos int)) {
	n := len(db.si2vi)
	t := db.Template
	for si, vi := range db.si2vi {
		if mask != nil && mask[vi] == 0 {
			continue
		}
		for fib := 0; fib < t.NumFibers() && t.FA(fib, vi) > thr; fib++ {
			fn(si, vi, fib, si+fib*n)
		}
	}
}

// scaleOf returns 1/σ over the valid slots of a vector, 1 when σ is 0
func (db *Database) scaleOf(data []float32) float64 {
	var values []float64
	db.slots(0, nil, func(_, _, _, pos int) {
		values = append(values, float64(data[pos]))
	})
	if len(values) == 0 {
		return 1
	}
	sd := stat.PopStdDev(values, nil)
	if sd == 0 || math.IsNaN(sd) {
		return 1
	}
	return 1 / sd
}

func (db *Database) newSubject(name string, r2 float32, v Vector) Subject {
	if name == "" {
		name = uuid.NewString()
	}
	return Subject{Name: name, R2: r2, Data: v, Scale: db.scaleOf(v.Data())}
}

// AddSubject samples a subject reconstruction into a new vector. The whole
// subject is validated before the database changes.
func (db *Database) AddSubject(src store.ArrayStore, name string) error {
	s, report, err := db.sample(src, name)
	if err != nil {
		return err
	}
	db.Subjects = append(db.Subjects, s)
	if db.SubjectReport == "" {
		db.SubjectReport = report
	}
	db.Modified = true
	db.log().WithFields(logrus.Fields{"subject": s.Name, "r2": s.R2}).Debug("subject added")
	return nil
}

// AddSubjects samples several reconstructions on the worker pool and adds
// them in order. Nothing is added when any of them fails.
func (db *Database) AddSubjects(ctx context.Context, srcs []store.ArrayStore, names []string) error {
	if len(names) != len(srcs) {
		return fmt.Errorf("%d names for %d subjects", len(names), len(srcs))
	}
	subjects := make([]Subject, len(srcs))
	reports := make([]string, len(srcs))
	err := parallel.Each(ctx, len(srcs), db.Workers, func(ctx context.Context, i int) error {
		var err error
		subjects[i], reports[i], err = db.sample(srcs[i], names[i])
		if err != nil {
			return fmt.Errorf("subject %d: %w", i, err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	db.Subjects = append(db.Subjects, subjects...)
	for _, r := range reports {
		if db.SubjectReport == "" {
			db.SubjectReport = r
		}
	}
	db.Modified = true
	db.log().WithField("subjects", len(subjects)).Info("subjects added")
	return nil
}

// RemoveSubject drops subject i
func (db *Database) RemoveSubject(i int) error {
	if i < 0 || i >= len(db.Subjects) {
		return fmt.Errorf("subject %d of %d does not exist", i, len(db.Subjects))
	}
	db.Subjects = append(db.Subjects[:i], db.Subjects[i+1:]...)
	db.Modified = true
	return nil
}

// MoveUp swaps subject i with the one before it
func (db *Database) MoveUp(i int) {
	if i <= 0 || i >= len(db.Subjects) {
		return
	}
	db.Subjects[i], db.Subjects[i-1] = db.Subjects[i-1], db.Subjects[i]
	db.Modified = true
}

// MoveDown swaps subject i with the one after it
func (db *Database) MoveDown(i int) {
	if i < 0 || i >= len(db.Subjects)-1 {
		return
	}
	db.Subjects[i], db.Subjects[i+1] = db.Subjects[i+1], db.Subjects[i]
	db.Modified = true
}

// Compatible checks that other was built on the same template
func (db *Database) Compatible(other *Database) error {
	if !db.Template.Geometry.SameGrid(other.Template.Geometry) || db.VectorLen() != other.VectorLen() {
		return fmt.Errorf("image dimension does not match: %w", ErrIncompatible)
	}
	if !db.Template.SameAs(other.Template) {
		return fmt.Errorf("the database was created using a different template: %w", ErrIncompatible)
	}
	return nil
}

// Merge appends copies of every subject of other
func (db *Database) Merge(other *Database) error {
	if err := db.Compatible(other); err != nil {
		return err
	}
	for _, s := range other.Subjects {
		s.Data = s.Data.Clone()
		db.Subjects = append(db.Subjects, s)
	}
	db.Modified = true
	return nil
}

// DataAt returns the value of fiber slot fib at a voxel for every subject,
// scaled by each subject's factor when normalize is set. It returns nil for
// voxels outside the template.
func (db *Database) DataAt(vi, fib int, normalize bool) []float64 {
	if vi < 0 || vi >= len(db.vi2si) || db.vi2si[vi] == Absent || fib < 0 || fib >= db.Template.NumFibers() {
		return nil
	}
	pos := db.vi2si[vi] + fib*len(db.si2vi)
	out := make([]float64, len(db.Subjects))
	for i, s := range db.Subjects {
		out[i] = float64(s.Data.Data()[pos])
		if normalize {
			out[i] *= s.Scale
		}
	}
	return out
}

// SubjectFA expands subject i back onto the template grid, [fiber][voxel]
func (db *Database) SubjectFA(i int) [][]float32 {
	size := db.Template.Geometry.Size()
	out := make([][]float32, db.Template.NumFibers())
	for fib := range out {
		out[fib] = make([]float32, size)
	}
	data := db.Subjects[i].Data.Data()
	db.slots(0, nil, func(_, vi, fib, pos int) {
		out[fib][vi] = data[pos]
	})
	return out
}

// SubjectVector extracts the slots of subject i inside mask (nil for every
// voxel) whose template anisotropy exceeds thr. With normalize the result is
// divided by its standard deviation.
func (db *Database) SubjectVector(i int, mask []uint8, thr float32, normalize bool) []float32 {
	data := db.Subjects[i].Data.Data()
	var out []float32
	db.slots(thr, mask, func(_, _, _, pos int) {
		out = append(out, data[pos])
	})
	if normalize && len(out) > 0 {
		values := make([]float64, len(out))
		for j, v := range out {
			values[j] = float64(v)
		}
		if sd := stat.PopStdDev(values, nil); sd > 0 {
			for j := range out {
				out[j] = float32(float64(out[j]) / sd)
			}
		}
	}
	return out
}

// SubjectVectors extracts every subject's vector on the worker pool
func (db *Database) SubjectVectors(ctx context.Context, mask []uint8, thr float32, normalize bool) ([][]float32, error) {
	out := make([][]float32, len(db.Subjects))
	err := parallel.Each(ctx, len(out), db.Workers, func(ctx context.Context, i int) error {
		out[i] = db.SubjectVector(i, mask, thr, normalize)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// FullReport composes the description written alongside the database.
// Report holds the text added by later processing such as longitudinal
// change and is appended last.
func (db *Database) FullReport() string {
	return fmt.Sprintf("A total of %d diffusion MRI scans were included in the connectometry database.%s The %s values were used in the connectometry analysis.%s",
		len(db.Subjects), db.SubjectReport, db.IndexName, db.Report)
}
