// Package distortion corrects susceptibility distortion using a pair of
// acquisitions with opposite phase-encoding polarity.
//
// Along every scanline of the distortion axis the two intensity profiles
// are treated as distributions. Matching their cumulative sums gives a
// monotonic displacement per voxel; resampling both scans half way along
// that displacement and averaging yields the corrected profile.
package distortion

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"

	"dwistudio/internal/models"
	"dwistudio/internal/parallel"
	"dwistudio/pkg/dwi"
	"dwistudio/pkg/imaging"
)

// ErrDimension is returned when the two acquisitions do not share a grid
var ErrDimension = errors.New("acquisitions differ in dimension")

// Map is a per-voxel displacement along the distortion axis. Geometry is
// the processing grid: when Axis is x the grid is stored with x and y
// swapped so that the displacement always runs along y.
type Map struct {
	Geometry     models.Geometry
	Axis         models.Axis
	Displacement []float32
}

// Corrector estimates and applies distortion maps
type Corrector struct {
	Workers int
	Log     *logrus.Entry
}

func (c *Corrector) log() *logrus.Entry {
	if c.Log != nil {
		return c.Log
	}
	return logrus.NewEntry(logrus.StandardLogger())
}

// ChooseAxis returns the in-plane axis along which the two volumes differ
// most. Summing along the distorted axis removes the distortion, so that
// projection correlates better across the pair.
func ChooseAxis(v1, v2 []float32, geo models.Geometry) models.Axis {
	cx := stat.Correlation(imaging.Project(v1, geo, models.AxisX), imaging.Project(v2, geo, models.AxisX), nil)
	cy := stat.Correlation(imaging.Project(v1, geo, models.AxisY), imaging.Project(v2, geo, models.AxisY), nil)
	if cx > cy {
		return models.AxisX
	}
	return models.AxisY
}

// toProcessing lays a volume out so the distortion axis is y
func toProcessing[T imaging.Voxel](v []T, geo models.Geometry, axis models.Axis) ([]T, models.Geometry) {
	if axis == models.AxisX {
		return imaging.Swap(v, geo, models.AxisX, models.AxisY)
	}
	return v, geo
}

// scanlines calls fn for every (x, z) column of the processing grid
func (c *Corrector) scanlines(ctx context.Context, geo models.Geometry, fn func(start, stride int)) error {
	w, h := geo.Dim[0], geo.Dim[1]
	return parallel.For(ctx, w*geo.Dim[2], c.Workers, func(i int) {
		x, z := i%w, i/w
		fn(x+z*w*h, w)
	})
}

// cumulative returns the inclusive running sum of a scanline
func cumulative[T imaging.Voxel](v []T, start, stride, h int) []float64 {
	cdf := make([]float64, h)
	sum := 0.0
	for y, pos := 0, start; y < h; y, pos = y+1, pos+stride {
		sum += float64(v[pos])
		cdf[y] = sum
	}
	return cdf
}

// crossing is the fractional position in [0, 1] where the line through
// (v1, v2) meets the line through (u1, u2)
func crossing(v1, v2, u1, u2 float64) float64 {
	w := u2 - u1 - v2 + v1
	if w == 0 {
		return 0
	}
	return math.Max(0, math.Min(1, (v1-u1)/w))
}

// EstimateMap computes the displacement between two summary volumes of
// opposite polarity
func (c *Corrector) EstimateMap(ctx context.Context, s1, s2 []float32, geo models.Geometry) (*Map, error) {
	if len(s1) != geo.Size() || len(s2) != geo.Size() {
		return nil, fmt.Errorf("volumes do not match %v: %w", geo.Dim, ErrDimension)
	}
	axis := ChooseAxis(s1, s2, geo)
	c.log().WithField("axis", axis.String()).Info("distortion axis selected")

	a, pgeo := toProcessing(s1, geo, axis)
	b, _ := toProcessing(s2, geo, axis)
	a = imaging.Gaussian(a, pgeo)
	b = imaging.Gaussian(b, pgeo)

	h := pgeo.Dim[1]
	m := &Map{Geometry: pgeo, Axis: axis, Displacement: make([]float32, pgeo.Size())}
	err := c.scanlines(ctx, pgeo, func(start, stride int) {
		cdf1 := cumulative(a, start, stride, h)
		cdf2 := cumulative(b, start, stride, h)
		if cdf1[h-1] == 0 || cdf2[h-1] == 0 {
			return
		}
		scale := cdf1[h-1] / cdf2[h-1]
		for y := range cdf2 {
			cdf2[y] *= scale
		}

		at := func(cdf []float64, y int) float64 {
			if y < 0 {
				return 0
			}
			if y >= h {
				return cdf[h-1]
			}
			return cdf[y]
		}

		for y, pos := 0, start; y < h; y, pos = y+1, pos+stride {
			if cdf1[y] == cdf2[y] {
				continue
			}
			v2, u2 := cdf1[y], cdf2[y]
			var v1, u1 float64
			d := 1
			if cdf1[y] > cdf2[y] {
				for ; d < h; d++ {
					v1, u1 = v2, u2
					v2, u2 = at(cdf1, y-d), at(cdf2, y+d)
					if v2 <= u2 {
						break
					}
				}
				m.Displacement[pos] = float32(crossing(v1, v2, u1, u2) + float64(d) - 1)
			} else {
				for ; d < h; d++ {
					v1, u1 = v2, u2
					v2, u2 = at(cdf1, y+d), at(cdf2, y-d)
					if v2 >= u2 {
						break
					}
				}
				m.Displacement[pos] = -float32(crossing(v1, v2, u1, u2) + float64(d) - 1)
			}
		}
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// interpolate reads a cumulative profile at a fractional position, with
// zero mass before the first sample and the total beyond the last
func interpolate(cdf []float64, p float64) float64 {
	h := len(cdf)
	at := func(i int) float64 {
		if i < 0 {
			return 0
		}
		if i >= h {
			return cdf[h-1]
		}
		return cdf[i]
	}
	f := math.Floor(p)
	i := int(f)
	t := p - f
	return at(i)*(1-t) + at(i+1)*t
}

// Apply corrects one pair of images with a map and returns the corrected
// image on the original grid
func (c *Corrector) Apply(ctx context.Context, m *Map, a, b []uint16) ([]uint16, error) {
	if len(a) != m.Geometry.Size() || len(b) != m.Geometry.Size() {
		return nil, fmt.Errorf("images do not match the map: %w", ErrDimension)
	}
	orig := m.Geometry
	if m.Axis == models.AxisX {
		orig = imaging.SwapGeometry(orig, models.AxisX, models.AxisY)
	}
	pa, pgeo := toProcessing(a, orig, m.Axis)
	pb, _ := toProcessing(b, orig, m.Axis)

	h := pgeo.Dim[1]
	out := make([]float32, pgeo.Size())
	err := c.scanlines(ctx, pgeo, func(start, stride int) {
		cdf1 := cumulative(pa, start, stride, h)
		cdf2 := cumulative(pb, start, stride, h)
		prev := 0.0
		for y, pos := 0, start; y < h; y, pos = y+1, pos+stride {
			d := float64(m.Displacement[pos])
			cur := 0.5 * (interpolate(cdf1, float64(y)-d) + interpolate(cdf2, float64(y)+d))
			out[pos] = float32(math.Max(0, cur-prev))
			prev = cur
		}
	})
	if err != nil {
		return nil, err
	}

	corrected := imaging.ToUint16(out)
	if m.Axis == models.AxisX {
		corrected, _ = imaging.Swap(corrected, pgeo, models.AxisX, models.AxisY)
	}
	return corrected, nil
}

// Correct estimates the map from the summary volumes of a and b, replaces
// every image of a with its corrected version and rebuilds a's summary and
// mask. a is left untouched when an error is returned.
func (c *Corrector) Correct(ctx context.Context, a, b *dwi.VolumeSet) (*Map, error) {
	if a.Geometry.Dim != b.Geometry.Dim {
		return nil, fmt.Errorf("%v vs %v: %w", a.Geometry.Dim, b.Geometry.Dim, ErrDimension)
	}
	if len(a.DWI) != len(b.DWI) {
		return nil, fmt.Errorf("%d vs %d images: %w", len(a.DWI), len(b.DWI), ErrDimension)
	}

	m, err := c.EstimateMap(ctx, a.Summary, b.Summary, a.Geometry)
	if err != nil {
		return nil, err
	}

	images := make([][]uint16, len(a.DWI))
	err = parallel.Each(ctx, len(images), c.Workers, func(ctx context.Context, i int) error {
		out, err := c.Apply(ctx, m, a.DWI[i], b.DWI[i])
		images[i] = out
		return err
	})
	if err != nil {
		return nil, err
	}

	a.DWI = images
	a.CalculateSummary()
	a.CalculateMask()
	a.SetFibers(nil)
	c.log().WithField("images", len(images)).Info("distortion corrected")
	return m, nil
}
