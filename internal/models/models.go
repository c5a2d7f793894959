package models

// Geometry describes the voxel grid shared by every image of an acquisition
type Geometry struct {
	// Dim is the number of voxels along x, y and z
	Dim [3]int

	// VoxelSize is the physical size of each voxel in mm
	VoxelSize [3]float64
}

// NewGeometry creates a geometry with the given dimension and voxel size
func NewGeometry(dx, dy, dz int, vs [3]float64) Geometry {
	return Geometry{Dim: [3]int{dx, dy, dz}, VoxelSize: vs}
}

// Size returns the number of voxels in the grid
func (g Geometry) Size() int {
	return g.Dim[0] * g.Dim[1] * g.Dim[2]
}

// PlaneSize returns the number of voxels in one xy slice
func (g Geometry) PlaneSize() int {
	return g.Dim[0] * g.Dim[1]
}

// Index converts voxel coordinates into a linear index (x fastest)
func (g Geometry) Index(x, y, z int) int {
	return x + g.Dim[0]*(y+g.Dim[1]*z)
}

// Coords converts a linear index back into voxel coordinates
func (g Geometry) Coords(index int) (x, y, z int) {
	x = index % g.Dim[0]
	y = (index / g.Dim[0]) % g.Dim[1]
	z = index / g.PlaneSize()
	return x, y, z
}

// Valid reports whether the coordinates fall inside the grid
func (g Geometry) Valid(x, y, z int) bool {
	return x >= 0 && y >= 0 && z >= 0 && x < g.Dim[0] && y < g.Dim[1] && z < g.Dim[2]
}

// SameGrid reports whether two geometries have identical dimensions
func (g Geometry) SameGrid(o Geometry) bool {
	return g.Dim == o.Dim
}

// FiberField holds the per-voxel output of a diffusion model fit.
// Slots beyond the number of fibers found at a voxel are zero-filled.
type FiberField struct {
	// Anisotropy is indexed as [fiber][voxel]
	Anisotropy [][]float32

	// Direction is indexed as [fiber][voxel*3+component]
	Direction [][]float32
}

// NewFiberField allocates a zeroed field for numFibers fibers over size voxels
func NewFiberField(numFibers, size int) *FiberField {
	f := &FiberField{
		Anisotropy: make([][]float32, numFibers),
		Direction:  make([][]float32, numFibers),
	}
	for i := 0; i < numFibers; i++ {
		f.Anisotropy[i] = make([]float32, size)
		f.Direction[i] = make([]float32, size*3)
	}
	return f
}

// NumFibers returns the number of fiber slots per voxel
func (f *FiberField) NumFibers() int {
	return len(f.Anisotropy)
}

// Dir returns the direction of fiber fib at voxel as a 3-vector
func (f *FiberField) Dir(fib, voxel int) [3]float64 {
	d := f.Direction[fib][voxel*3 : voxel*3+3]
	return [3]float64{float64(d[0]), float64(d[1]), float64(d[2])}
}

// SetDir stores the direction of fiber fib at voxel
func (f *FiberField) SetDir(fib, voxel int, v [3]float64) {
	d := f.Direction[fib][voxel*3 : voxel*3+3]
	d[0], d[1], d[2] = float32(v[0]), float32(v[1]), float32(v[2])
}

// Axis identifies one of the three spatial axes
type Axis int

const (
	AxisX Axis = iota
	AxisY
	AxisZ
)

func (a Axis) String() string {
	switch a {
	case AxisX:
		return "x"
	case AxisY:
		return "y"
	case AxisZ:
		return "z"
	}
	return "?"
}
