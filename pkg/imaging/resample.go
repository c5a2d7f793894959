package imaging

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"dwistudio/internal/models"
)

// Trilinear samples src at a fractional voxel position. Positions outside
// the grid read as zero.
func Trilinear[T Voxel](src []T, geo models.Geometry, p [3]float64) float64 {
	var base [3]int
	var frac [3]float64
	for a := 0; a < 3; a++ {
		f := math.Floor(p[a])
		base[a] = int(f)
		frac[a] = p[a] - f
	}
	sum := 0.0
	for corner := 0; corner < 8; corner++ {
		w := 1.0
		var c [3]int
		for a := 0; a < 3; a++ {
			if corner&(1<<a) != 0 {
				c[a] = base[a] + 1
				w *= frac[a]
			} else {
				c[a] = base[a]
				w *= 1 - frac[a]
			}
		}
		if w == 0 || !geo.Valid(c[0], c[1], c[2]) {
			continue
		}
		sum += w * float64(src[geo.Index(c[0], c[1], c[2])])
	}
	return sum
}

// Resample builds a volume on dst by pulling every output voxel from src
// through affine, a 3x4 (or 4x4) matrix mapping output voxel coordinates
// to source voxel coordinates. Integer volumes are rounded and clamped at
// zero.
func Resample[T Voxel](src []T, geo, dst models.Geometry, affine mat.Matrix) ([]T, error) {
	r, c := affine.Dims()
	if (r != 3 && r != 4) || c != 4 {
		return nil, fmt.Errorf("affine must be 3x4 or 4x4, got %dx%d", r, c)
	}
	var m [3][4]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 4; j++ {
			m[i][j] = affine.At(i, j)
		}
	}

	half := 0.5
	isFloat := T(half) != 0

	out := make([]T, dst.Size())
	for i := range out {
		x, y, z := dst.Coords(i)
		var p [3]float64
		for a := 0; a < 3; a++ {
			p[a] = m[a][0]*float64(x) + m[a][1]*float64(y) + m[a][2]*float64(z) + m[a][3]
		}
		v := Trilinear(src, geo, p)
		if !isFloat {
			v = math.Max(0, math.Round(v))
		}
		out[i] = T(v)
	}
	return out, nil
}

// ScaleAffine maps output voxels of size dst onto source voxels of size src
func ScaleAffine(src, dst [3]float64) *mat.Dense {
	m := mat.NewDense(3, 4, nil)
	for a := 0; a < 3; a++ {
		m.Set(a, a, dst[a]/src[a])
	}
	return m
}
