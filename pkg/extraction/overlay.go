package extraction

import (
	"fmt"
	"io"
	"strings"
	"sync"
)

// Overlay visualizes the latest capture result. Clear must remove anything
// drawn for a previous frame.
type Overlay interface {
	Draw(r CaptureResult)
	Clear()
}

// NopOverlay draws nothing.
type NopOverlay struct{}

func (NopOverlay) Draw(CaptureResult) {}
func (NopOverlay) Clear()             {}

// TerminalOverlay renders a single status line, rewriting it in place.
type TerminalOverlay struct {
	w          io.Writer
	minQuality float64

	mu      sync.Mutex
	lastLen int
}

// NewTerminalOverlay writes status lines to w. minQuality is shown as the
// target the quality score must reach.
func NewTerminalOverlay(w io.Writer, minQuality float64) *TerminalOverlay {
	return &TerminalOverlay{w: w, minQuality: minQuality}
}

func (o *TerminalOverlay) Draw(r CaptureResult) {
	mark := "…"
	if r.QualityScore >= o.minQuality {
		mark = "✓"
	}
	line := fmt.Sprintf("face %s confidence %3.0f%% quality %3.0f%%/%.0f landmarks %d", mark, r.Confidence, r.QualityScore, o.minQuality, r.LandmarkCount)
	if r.FaceCount > 1 {
		line += fmt.Sprintf(" (%d faces)", r.FaceCount)
	}
	o.write(line)
}

func (o *TerminalOverlay) Clear() {
	o.write("no face detected")
}

func (o *TerminalOverlay) write(line string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	pad := ""
	if n := o.lastLen - len(line); n > 0 {
		pad = strings.Repeat(" ", n)
	}
	_, _ = fmt.Fprintf(o.w, "\r%s%s", line, pad)
	o.lastLen = len(line)
}

// Done ends the status line.
func (o *TerminalOverlay) Done() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.lastLen > 0 {
		_, _ = fmt.Fprintln(o.w)
		o.lastLen = 0
	}
}
