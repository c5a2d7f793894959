package gradient

import (
	"reflect"
	"testing"
)

func repeat(b float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = b
	}
	return out
}

func concat(parts ...[]float64) []float64 {
	var out []float64
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func TestShells(t *testing.T) {
	tests := []struct {
		name    string
		bvalues []float64
		want    []int
	}{
		{"empty", nil, nil},
		{"b0 only", []float64{0, 0}, []int{0}},
		{"single shell", concat(repeat(0, 2), repeat(1000, 5)), []int{2}},
		{"no b0", []float64{1000, 1010, 2000}, []int{0, 2}},
		{"unsorted", []float64{2000, 0, 1000, 995, 3000}, []int{1, 3, 4}},
		{"within gap", []float64{0, 1000, 1100, 1200}, []int{1}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := Shells(tc.bvalues)
			if !reflect.DeepEqual(got, tc.want) {
				t.Errorf("Expected %v, got %v", tc.want, got)
			}
			for i := range got {
				if got[i] < 0 || (len(tc.bvalues) > 0 && got[i] >= len(tc.bvalues)) {
					t.Errorf("Index %d out of range", got[i])
				}
				if i > 0 && got[i] <= got[i-1] {
					t.Errorf("Indices not strictly increasing: %v", got)
				}
			}
		})
	}
}

func TestSchemeClassification(t *testing.T) {
	// DSI grid: one b0, few directions per shell, many shells
	dsi := []float64{0}
	for s := 1; s <= 8; s++ {
		dsi = append(dsi, repeat(float64(s)*500, 6)...)
	}
	halfSphere := []float64{0}
	for s := 1; s <= 8; s++ {
		halfSphere = append(halfSphere, repeat(float64(s)*500, 3)...)
	}

	tests := []struct {
		name    string
		bvalues []float64
		want    Scheme
		balance bool
	}{
		{"dti", concat(repeat(0, 1), repeat(1000, 30)), SingleShell, true},
		{"hardi", concat(repeat(0, 1), repeat(3000, 128)), SingleShell, false},
		{"multishell", concat(repeat(0, 1), repeat(1000, 64), repeat(2000, 64)), MultiShell, true},
		{"dsi", dsi, DSI, false},
		{"half sphere", halfSphere, HalfSphereDSI, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			info := NewShellInfo(tc.bvalues)
			if got := info.Scheme(); got != tc.want {
				t.Errorf("Expected %v, got %v", tc.want, got)
			}
			if got := info.NeedSchemeBalance(); got != tc.balance {
				t.Errorf("NeedSchemeBalance: expected %v, got %v", tc.balance, got)
			}
		})
	}
}
