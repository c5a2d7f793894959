// Package imaging provides the voxel-grid kernels shared by the acquisition
// and correction code: spatial flips and swaps, cropping, smoothing,
// thresholding and resampling. All volumes are flat slices in x-fastest
// order described by a models.Geometry.
package imaging

import (
	"golang.org/x/exp/constraints"

	"dwistudio/internal/models"
)

// Voxel is any scalar type stored in a volume
type Voxel interface {
	constraints.Integer | constraints.Float
}

// Flip reverses a volume along one axis
func Flip[T Voxel](src []T, geo models.Geometry, axis models.Axis) []T {
	out := make([]T, len(src))
	d := geo.Dim
	for z := 0; z < d[2]; z++ {
		for y := 0; y < d[1]; y++ {
			for x := 0; x < d[0]; x++ {
				p := [3]int{x, y, z}
				p[axis] = d[axis] - 1 - p[axis]
				out[geo.Index(p[0], p[1], p[2])] = src[geo.Index(x, y, z)]
			}
		}
	}
	return out
}

// SwapGeometry returns the geometry after exchanging two axes
func SwapGeometry(geo models.Geometry, a, b models.Axis) models.Geometry {
	geo.Dim[a], geo.Dim[b] = geo.Dim[b], geo.Dim[a]
	geo.VoxelSize[a], geo.VoxelSize[b] = geo.VoxelSize[b], geo.VoxelSize[a]
	return geo
}

// Swap transposes a volume so that axes a and b exchange roles
func Swap[T Voxel](src []T, geo models.Geometry, a, b models.Axis) ([]T, models.Geometry) {
	dst := SwapGeometry(geo, a, b)
	out := make([]T, len(src))
	d := geo.Dim
	for z := 0; z < d[2]; z++ {
		for y := 0; y < d[1]; y++ {
			for x := 0; x < d[0]; x++ {
				p := [3]int{x, y, z}
				p[a], p[b] = p[b], p[a]
				out[dst.Index(p[0], p[1], p[2])] = src[geo.Index(x, y, z)]
			}
		}
	}
	return out, dst
}

// Crop extracts the box [lo, hi) from a volume
func Crop[T Voxel](src []T, geo models.Geometry, lo, hi [3]int) ([]T, models.Geometry) {
	dst := geo
	for i := 0; i < 3; i++ {
		dst.Dim[i] = hi[i] - lo[i]
	}
	out := make([]T, 0, dst.Size())
	for z := lo[2]; z < hi[2]; z++ {
		for y := lo[1]; y < hi[1]; y++ {
			start := geo.Index(lo[0], y, z)
			out = append(out, src[start:start+dst.Dim[0]]...)
		}
	}
	return out, dst
}

// BoundingBox returns the smallest box [lo, hi) containing every non-zero
// voxel. ok is false for an empty mask.
func BoundingBox[T Voxel](mask []T, geo models.Geometry) (lo, hi [3]int, ok bool) {
	lo = geo.Dim
	for i, v := range mask {
		if v == 0 {
			continue
		}
		x, y, z := geo.Coords(i)
		p := [3]int{x, y, z}
		for a := 0; a < 3; a++ {
			if p[a] < lo[a] {
				lo[a] = p[a]
			}
			if p[a]+1 > hi[a] {
				hi[a] = p[a] + 1
			}
		}
		ok = true
	}
	if !ok {
		return [3]int{}, [3]int{}, false
	}
	return lo, hi, true
}

// ToFloat32 converts a volume to float32
func ToFloat32[T Voxel](src []T) []float32 {
	out := make([]float32, len(src))
	for i, v := range src {
		out[i] = float32(v)
	}
	return out
}

// ToUint16 converts a float volume to uint16 with rounding and clamping
func ToUint16(src []float32) []uint16 {
	out := make([]uint16, len(src))
	for i, v := range src {
		switch {
		case v <= 0 || v != v:
		case v >= 65535:
			out[i] = 65535
		default:
			out[i] = uint16(v + 0.5)
		}
	}
	return out
}
