package gradient

import (
	"math"
	"sort"
)

// ShellGap is the largest b-value difference between neighbours of one shell
const ShellGap = 100

// Scheme is the acquisition class derived from the shell structure
type Scheme int

const (
	// SingleShell covers DTI and HARDI acquisitions
	SingleShell Scheme = iota
	MultiShell
	// DSI is a grid (diffusion spectrum) acquisition
	DSI
	// HalfSphereDSI is a DSI acquisition sampling only half of q-space
	HalfSphereDSI
)

func (s Scheme) String() string {
	switch s {
	case SingleShell:
		return "single-shell"
	case MultiShell:
		return "multi-shell"
	case DSI:
		return "DSI"
	case HalfSphereDSI:
		return "half-sphere DSI"
	}
	return "unknown"
}

// SortedBValues returns an ascending copy of the b-values
func SortedBValues(bvalues []float64) []float64 {
	sorted := append([]float64(nil), bvalues...)
	sort.Float64s(sorted)
	return sorted
}

// Shells returns the starting index of every shell in the sorted b-value
// sequence. The first shell starts at the first non-zero b-value; every
// jump of more than ShellGap starts a new one.
func Shells(bvalues []float64) []int {
	if len(bvalues) == 0 {
		return nil
	}
	sorted := SortedBValues(bvalues)

	first := 0
	if sorted[0] == 0 {
		for first < len(sorted) && sorted[first] == 0 {
			first++
		}
		if first == len(sorted) {
			// b0 only
			return []int{0}
		}
	}
	shells := []int{first}
	for i := first + 1; i < len(sorted); i++ {
		if math.Abs(sorted[i]-sorted[i-1]) > ShellGap {
			shells = append(shells, i)
		}
	}
	return shells
}

// ShellInfo summarises the shell structure of a table
type ShellInfo struct {
	// Starts are the shell start indices into the sorted b-values
	Starts []int

	// Total is the number of entries in the table
	Total int
}

// NewShellInfo derives the shell structure of the given b-values
func NewShellInfo(bvalues []float64) ShellInfo {
	return ShellInfo{Starts: Shells(bvalues), Total: len(bvalues)}
}

// Size returns the number of entries in shell i
func (s ShellInfo) Size(i int) int {
	end := s.Total
	if i+1 < len(s.Starts) {
		end = s.Starts[i+1]
	}
	return end - s.Starts[i]
}

// IsDSI reports a grid acquisition: many shells with very few directions in
// the innermost one
func (s ShellInfo) IsDSI() bool {
	return len(s.Starts) > 4 && s.Starts[1]-s.Starts[0] <= 6
}

// IsHalfSphere reports a DSI acquisition sampled on half of q-space
func (s ShellInfo) IsHalfSphere() bool {
	return s.IsDSI() && s.Starts[1]-s.Starts[0] <= 3
}

// IsMultiShell reports more than one shell in a non-DSI acquisition
func (s ShellInfo) IsMultiShell() bool {
	return len(s.Starts) > 1 && !s.IsDSI()
}

// Scheme classifies the acquisition
func (s ShellInfo) Scheme() Scheme {
	switch {
	case s.IsHalfSphere():
		return HalfSphereDSI
	case s.IsDSI():
		return DSI
	case s.IsMultiShell():
		return MultiShell
	}
	return SingleShell
}

// NeedSchemeBalance reports whether any shell is sampled too sparsely for
// direct reconstruction. DSI and acquisitions with more than six shells
// never need it.
func (s ShellInfo) NeedSchemeBalance() bool {
	if s.IsDSI() || len(s.Starts) > 6 {
		return false
	}
	for i := range s.Starts {
		if s.Size(i) < 128 {
			return true
		}
	}
	return false
}

// Classify is a shortcut for NewShellInfo(bvalues).Scheme()
func Classify(bvalues []float64) Scheme {
	return NewShellInfo(bvalues).Scheme()
}
