package connectometry

// Vector is one subject's measures, numFibers × sampleCount values with
// fiber slot fib of sample s at s + fib*sampleCount.
//
// A vector either owns its buffer or borrows a view of data held by the
// store it was loaded from. Borrowed data is never written; Mutable copies
// it into an owned buffer first.
type Vector struct {
	data  []float32
	owned bool
}

// Owned wraps a buffer the database takes ownership of
func Owned(data []float32) Vector { return Vector{data: data, owned: true} }

// Borrowed wraps a view the database must not modify
func Borrowed(data []float32) Vector { return Vector{data: data} }

// Data returns the values for reading
func (v Vector) Data() []float32 { return v.data }

// Len returns the number of values
func (v Vector) Len() int { return len(v.data) }

// IsOwned reports whether the buffer belongs to the vector
func (v Vector) IsOwned() bool { return v.owned }

// Mutable returns a writable buffer, copying borrowed data first
func (v *Vector) Mutable() []float32 {
	if !v.owned {
		v.data = append([]float32(nil), v.data...)
		v.owned = true
	}
	return v.data
}

// Clone returns an owned deep copy
func (v Vector) Clone() Vector {
	return Owned(append([]float32(nil), v.data...))
}
