package imaging

import (
	"gonum.org/v1/gonum/floats"

	"dwistudio/internal/models"
)

// Gaussian smooths a volume with the separable [1 2 1]/4 kernel along each
// axis. Samples outside the grid repeat the edge value.
func Gaussian(src []float32, geo models.Geometry) []float32 {
	cur := append([]float32(nil), src...)
	tmp := make([]float32, len(src))
	stride := [3]int{1, geo.Dim[0], geo.PlaneSize()}
	for axis := 0; axis < 3; axis++ {
		n := geo.Dim[axis]
		if n < 2 {
			continue
		}
		s := stride[axis]
		for i := range cur {
			x, y, z := geo.Coords(i)
			p := [3]int{x, y, z}[axis]
			prev, next := i, i
			if p > 0 {
				prev = i - s
			}
			if p < n-1 {
				next = i + s
			}
			tmp[i] = 0.25*cur[prev] + 0.5*cur[i] + 0.25*cur[next]
		}
		cur, tmp = tmp, cur
	}
	return cur
}

// Otsu returns the intensity threshold that maximises the between-class
// variance of a 256 bin histogram spanning the value range
func Otsu[T Voxel](src []T) float64 {
	if len(src) == 0 {
		return 0
	}
	values := make([]float64, len(src))
	for i, v := range src {
		values[i] = float64(v)
	}
	lo, hi := floats.Min(values), floats.Max(values)
	if hi <= lo {
		return lo
	}

	const bins = 256
	var hist [bins]float64
	width := (hi - lo) / bins
	for _, v := range values {
		b := int((v - lo) / width)
		if b >= bins {
			b = bins - 1
		}
		hist[b]++
	}

	total := float64(len(values))
	sumAll := 0.0
	for i, h := range hist {
		sumAll += float64(i) * h
	}
	var wB, sumB, best float64
	bestIdx := 0
	for i, h := range hist {
		wB += h
		if wB == 0 {
			continue
		}
		wF := total - wB
		if wF == 0 {
			break
		}
		sumB += float64(i) * h
		mB := sumB / wB
		mF := (sumAll - sumB) / wF
		between := wB * wF * (mB - mF) * (mB - mF)
		if between > best {
			best = between
			bestIdx = i
		}
	}
	return lo + float64(bestIdx+1)*width
}

// Project sums a volume along one axis. The result is the 2-D image over
// the two remaining axes, lower axis fastest.
func Project(src []float32, geo models.Geometry, axis models.Axis) []float64 {
	var keep [2]int
	k := 0
	for a := 0; a < 3; a++ {
		if a != int(axis) {
			keep[k] = a
			k++
		}
	}
	w := geo.Dim[keep[0]]
	out := make([]float64, w*geo.Dim[keep[1]])
	for i, v := range src {
		x, y, z := geo.Coords(i)
		p := [3]int{x, y, z}
		out[p[keep[0]]+w*p[keep[1]]] += float64(v)
	}
	return out
}

// MajoritySmooth keeps a mask voxel when more than half of its valid
// 3x3x3 neighbourhood (itself included) is set
func MajoritySmooth(mask []uint8, geo models.Geometry) []uint8 {
	out := make([]uint8, len(mask))
	for i := range mask {
		x, y, z := geo.Coords(i)
		set, total := 0, 0
		for dz := -1; dz <= 1; dz++ {
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					if !geo.Valid(x+dx, y+dy, z+dz) {
						continue
					}
					total++
					if mask[geo.Index(x+dx, y+dy, z+dz)] != 0 {
						set++
					}
				}
			}
		}
		if 2*set > total {
			out[i] = 1
		}
	}
	return out
}

// Threshold returns a mask of voxels strictly above t
func Threshold[T Voxel](src []T, t float64) []uint8 {
	out := make([]uint8, len(src))
	for i, v := range src {
		if float64(v) > t {
			out[i] = 1
		}
	}
	return out
}
