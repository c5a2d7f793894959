// Package progress reports the advance of long-running bulk operations.
package progress

import (
	"io"
	"sync"

	"github.com/cheggaaa/pb/v3"
)

// Reporter receives progress updates from bulk loops. Implementations must
// be safe for concurrent use because workers report independently.
type Reporter interface {
	// Start begins a new stage with the given number of units
	Start(stage string, total int)
	// Increment marks one unit of the current stage as done
	Increment()
	// Finish ends the current stage
	Finish()
}

// Nop discards all progress updates
type Nop struct{}

func (Nop) Start(string, int) {}
func (Nop) Increment()        {}
func (Nop) Finish()           {}

// Or returns r, or Nop when r is nil
func Or(r Reporter) Reporter {
	if r == nil {
		return Nop{}
	}
	return r
}

// Bar renders stages as terminal progress bars
type Bar struct {
	mu  sync.Mutex
	out io.Writer
	bar *pb.ProgressBar
}

// NewBar creates a progress-bar reporter writing to out
func NewBar(out io.Writer) *Bar {
	return &Bar{out: out}
}

// Start finishes any running bar and starts a new one for the stage
func (b *Bar) Start(stage string, total int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.bar != nil {
		b.bar.Finish()
	}
	tmpl := `{{ string . "stage" }} {{ bar . }} {{ counters . }} {{ etime . }}`
	b.bar = pb.ProgressBarTemplate(tmpl).New(total)
	b.bar.Set("stage", stage)
	if b.out != nil {
		b.bar.SetWriter(b.out)
	}
	b.bar.Start()
}

// Increment advances the current bar by one
func (b *Bar) Increment() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.bar != nil {
		b.bar.Increment()
	}
}

// Finish completes the current bar
func (b *Bar) Finish() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.bar != nil {
		b.bar.Finish()
		b.bar = nil
	}
}
