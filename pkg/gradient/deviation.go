package gradient

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// DeviationField is a per-voxel 3x3 gradient deviation tensor. Components
// are stored row-major, one volume per component, so Components[3*i+j]
// holds G(i,j) for every voxel.
type DeviationField struct {
	Components [9][]float32
}

// permutations lists the six axis orders; relabelIndex[p][k] is the source
// component feeding component k under permutation p
var (
	permutations = [6][3]int{{0, 1, 2}, {0, 2, 1}, {1, 0, 2}, {1, 2, 0}, {2, 1, 0}, {2, 0, 1}}
	relabelIndex [6][9]int
)

func init() {
	for p, order := range permutations {
		for i := 0; i < 3; i++ {
			for j := 0; j < 3; j++ {
				relabelIndex[p][3*i+j] = 3*order[i] + order[j]
			}
		}
	}
}

func permutationIndex(order [3]int) int {
	for p, o := range permutations {
		if o == order {
			return p
		}
	}
	return -1
}

// NewDeviationField unpacks nine consecutive volumes of size voxels each.
// Fields stored as pure deviations (small diagonal at the first voxel) get
// the identity added so the result is always a full tensor.
func NewDeviationField(packed []float32, size int) (*DeviationField, error) {
	if size <= 0 || len(packed) != 9*size {
		return nil, fmt.Errorf("grad_dev length %d does not match 9 x %d voxels", len(packed), size)
	}
	d := &DeviationField{}
	for k := 0; k < 9; k++ {
		d.Components[k] = append([]float32(nil), packed[k*size:(k+1)*size]...)
	}
	if math.Abs(float64(d.Components[0][0]))+math.Abs(float64(d.Components[4][0]))+math.Abs(float64(d.Components[8][0])) < 1 {
		for _, k := range []int{0, 4, 8} {
			for i := range d.Components[k] {
				d.Components[k][i]++
			}
		}
	}
	return d, nil
}

// Size returns the number of voxels per component
func (d *DeviationField) Size() int {
	return len(d.Components[0])
}

// Packed returns the nine components as one contiguous array
func (d *DeviationField) Packed() []float32 {
	out := make([]float32, 0, 9*d.Size())
	for k := 0; k < 9; k++ {
		out = append(out, d.Components[k]...)
	}
	return out
}

// Clone returns a deep copy
func (d *DeviationField) Clone() *DeviationField {
	c := &DeviationField{}
	for k := 0; k < 9; k++ {
		c.Components[k] = append([]float32(nil), d.Components[k]...)
	}
	return c
}

// Tensor returns the 3x3 tensor at voxel i
func (d *DeviationField) Tensor(i int) [9]float64 {
	var g [9]float64
	for k := 0; k < 9; k++ {
		g[k] = float64(d.Components[k][i])
	}
	return g
}

// Relabel transforms every tensor as R·G·Rᵗ for the signed permutation r.
// Only component volumes move; no per-voxel arithmetic beyond sign changes.
func (d *DeviationField) Relabel(r Relabel) {
	p := permutationIndex(r.Order)
	if p < 0 {
		return
	}
	var out [9][]float32
	for k := 0; k < 9; k++ {
		i, j := k/3, k%3
		src := d.Components[relabelIndex[p][k]]
		if r.Flip[i] == r.Flip[j] {
			out[k] = src
			continue
		}
		neg := make([]float32, len(src))
		for v, x := range src {
			neg[v] = -x
		}
		out[k] = neg
	}
	d.Components = out
}

// Conjugate transforms every tensor as m·G·m⁻¹ / |det m|, the form used
// when the image is rotated by the inverse of m
func (d *DeviationField) Conjugate(m mat.Matrix) error {
	var inv mat.Dense
	if err := inv.Inverse(m); err != nil {
		return fmt.Errorf("rotation is not invertible: %w", err)
	}
	det := math.Abs(mat.Det(m))
	if det == 0 {
		return fmt.Errorf("rotation is singular")
	}
	var a, b [3][3]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			a[i][j] = m.At(i, j)
			b[i][j] = inv.At(i, j)
		}
	}
	for v := 0; v < d.Size(); v++ {
		g := d.Tensor(v)
		var gb [3][3]float64
		for i := 0; i < 3; i++ {
			for j := 0; j < 3; j++ {
				gb[i][j] = g[3*i]*b[0][j] + g[3*i+1]*b[1][j] + g[3*i+2]*b[2][j]
			}
		}
		for i := 0; i < 3; i++ {
			for j := 0; j < 3; j++ {
				x := a[i][0]*gb[0][j] + a[i][1]*gb[1][j] + a[i][2]*gb[2][j]
				d.Components[3*i+j][v] = float32(x / det)
			}
		}
	}
	return nil
}

// MapVolumes replaces every component volume with fn(component). It is used
// to apply the spatial flips, crops and resamples of the owning image.
func (d *DeviationField) MapVolumes(fn func(src []float32) []float32) {
	for k := 0; k < 9; k++ {
		d.Components[k] = fn(d.Components[k])
	}
}
