package gradient

import (
	"fmt"
	"math"
	"strings"
)

// Report describes the acquisition in methods-section prose
func Report(bvalues []float64, voxelSize [3]float64) string {
	sorted := SortedBValues(bvalues)
	info := NewShellInfo(bvalues)

	numDir := 0
	for _, b := range bvalues {
		if b > 50 {
			numDir++
		}
	}

	var out strings.Builder
	switch {
	case len(sorted) == 0:
	case info.IsDSI():
		fmt.Fprintf(&out, " A diffusion spectrum imaging scheme was used, and a total of %d diffusion sampling were acquired.", numDir)
		fmt.Fprintf(&out, " The maximum b-value was %d s/mm2.", int(math.Round(sorted[len(sorted)-1])))
	case info.IsMultiShell():
		n := len(info.Starts)
		out.WriteString(" A multishell diffusion scheme was used, and the b-values were ")
		for i := 0; i < n; i++ {
			if i > 0 {
				if i == n-1 {
					out.WriteString(" and ")
				} else {
					out.WriteString(" ,")
				}
			}
			// the middle entry of each shell represents it
			mid := (len(sorted) + info.Starts[i]) / 2
			if i < n-1 {
				mid = (info.Starts[i+1] + info.Starts[i]) / 2
			}
			fmt.Fprintf(&out, "%d", int(math.Round(sorted[mid])))
		}
		out.WriteString(" s/mm2.")

		out.WriteString(" The number of diffusion sampling directions were ")
		for i := 0; i < n-1; i++ {
			sep := ", "
			if n == 2 {
				sep = " "
			}
			fmt.Fprintf(&out, "%d%s", info.Size(i), sep)
		}
		fmt.Fprintf(&out, "and %d, respectively.", info.Size(n-1))
	case len(info.Starts) == 1:
		if numDir < 100 {
			out.WriteString(" A DTI diffusion scheme was used, and a total of ")
		} else {
			out.WriteString(" A HARDI scheme was used, and a total of ")
		}
		fmt.Fprintf(&out, "%d diffusion sampling directions were acquired.", numDir)
		fmt.Fprintf(&out, " The b-value was %g s/mm2.", sorted[len(sorted)-1])
	}

	fmt.Fprintf(&out, " The in-plane resolution was %g mm. The slice thickness was %g mm.", voxelSize[0], voxelSize[2])
	return out.String()
}
