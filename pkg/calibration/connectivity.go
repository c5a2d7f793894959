// Package calibration detects and corrects a wrongly oriented gradient
// table by measuring how well fitted fiber directions line up with their
// spatial neighbours.
package calibration

import (
	"math"

	"dwistudio/internal/models"
	"dwistudio/pkg/gradient"
)

// Params controls the connectivity measure
type Params struct {
	// AnisotropyFraction is the fraction of the peak primary anisotropy
	// below which fibers are ignored
	AnisotropyFraction float64

	// ConnectivityCosine is the minimum |cos| between a fiber direction and
	// the offset to its neighbour (0.8665 is about 30 degrees)
	ConnectivityCosine float64
}

// DefaultParams returns the standard thresholds
func DefaultParams() Params {
	return Params{AnisotropyFraction: 0.1, ConnectivityCosine: 0.8665}
}

// halfNeighborhood holds the 13 offsets of one half of the 26-neighbourhood
var halfNeighborhood = [13][3]int{
	{1, 0, 0}, {0, 1, 0}, {0, 0, 1},
	{1, 1, 0}, {1, 0, 1}, {0, 1, 1},
	{1, -1, 0}, {1, 0, -1}, {0, 1, -1},
	{1, 1, 1}, {-1, 1, 1}, {1, -1, 1}, {1, 1, -1},
}

var unitOffsets [13][3]float64

func init() {
	for i, o := range halfNeighborhood {
		l := math.Sqrt(float64(o[0]*o[0] + o[1]*o[1] + o[2]*o[2]))
		unitOffsets[i] = [3]float64{float64(o[0]) / l, float64(o[1]) / l, float64(o[2]) / l}
	}
}

// Connectivity is the outcome of one evaluation
type Connectivity struct {
	// Connected is the summed anisotropy of neighbours reached by aligned
	// fiber pairs; higher is better
	Connected float64

	// Unconnected is the summed anisotropy of above-threshold fibers that
	// take part in no connection
	Unconnected float64
}

func dot(a, b [3]float64) float64 {
	return a[0]*b[0] + a[1]*b[1] + a[2]*b[2]
}

// EvaluateConnectivity scores a fiber field. A fiber at voxel A is connected
// to a fiber at neighbour B when both exceed the anisotropy threshold and
// both directions are aligned with the offset from A to B.
func EvaluateConnectivity(geo models.Geometry, f *models.FiberField, p Params) Connectivity {
	numFib := f.NumFibers()
	if numFib == 0 {
		return Connectivity{}
	}
	peak := 0.0
	for _, v := range f.Anisotropy[0] {
		if float64(v) > peak {
			peak = float64(v)
		}
	}
	thr := peak * p.AnisotropyFraction
	fa := func(fib, voxel int) float64 { return float64(f.Anisotropy[fib][voxel]) }

	connected := make([][]bool, numFib)
	for i := range connected {
		connected[i] = make([]bool, geo.Size())
	}

	var result Connectivity
	for index := 0; index < geo.Size(); index++ {
		if fa(0, index) <= thr {
			continue
		}
		x, y, z := geo.Coords(index)
		for fib1 := 0; fib1 < numFib; fib1++ {
			if fa(fib1, index) <= thr {
				break
			}
			dir1 := f.Dir(fib1, index)
			for _, sign := range [2]int{-1, 1} {
				for i, o := range halfNeighborhood {
					nx, ny, nz := x+sign*o[0], y+sign*o[1], z+sign*o[2]
					if !geo.Valid(nx, ny, nz) {
						continue
					}
					if math.Abs(dot(dir1, unitOffsets[i])) <= p.ConnectivityCosine {
						continue
					}
					other := geo.Index(nx, ny, nz)
					for fib2 := 0; fib2 < numFib; fib2++ {
						if fa(fib2, other) > thr && math.Abs(dot(f.Dir(fib2, other), unitOffsets[i])) > p.ConnectivityCosine {
							connected[fib1][index] = true
							connected[fib2][other] = true
							result.Connected += fa(fib2, other)
						}
					}
				}
			}
		}
	}

	for fib := 0; fib < numFib; fib++ {
		for index := 0; index < geo.Size(); index++ {
			if fa(fib, index) > thr && !connected[fib][index] {
				result.Unconnected += fa(fib, index)
			}
		}
	}
	return result
}

// Candidates returns the 18 relabelings that are tried, in evaluation
// order: each axis permutation combined with a sign flip of one axis
func Candidates() []gradient.Relabel {
	orders := [6][3]int{{0, 1, 2}, {0, 2, 1}, {1, 0, 2}, {1, 2, 0}, {2, 1, 0}, {2, 0, 1}}
	out := make([]gradient.Relabel, 0, 18)
	for _, o := range orders {
		for axis := 0; axis < 3; axis++ {
			r := gradient.Relabel{Order: o}
			r.Flip[axis] = true
			out = append(out, r)
		}
	}
	return out
}

// Relabeled returns a field sharing f's anisotropy with every direction
// relabeled by r
func Relabeled(f *models.FiberField, r gradient.Relabel) *models.FiberField {
	out := &models.FiberField{
		Anisotropy: f.Anisotropy,
		Direction:  make([][]float32, f.NumFibers()),
	}
	size := 0
	if f.NumFibers() > 0 {
		size = len(f.Anisotropy[0])
	}
	for fib := range out.Direction {
		out.Direction[fib] = make([]float32, len(f.Direction[fib]))
		for v := 0; v < size; v++ {
			out.SetDir(fib, v, r.Apply(f.Dir(fib, v)))
		}
	}
	return out
}
