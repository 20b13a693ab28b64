package progress

import (
	"fmt"
	"io"
	"strings"
	"sync"
)

// Renderer redraws a single status line in place, for interactive runs.
// Writes after Done start a fresh line.
type Renderer struct {
	mu    sync.Mutex
	out   io.Writer
	width int
}

// NewRenderer writes status lines to out.
func NewRenderer(out io.Writer) *Renderer {
	return &Renderer{out: out}
}

// Line formats the standard one-line crawl summary.
func Line(crawlID string, snap Snapshot, rps float64) string {
	return fmt.Sprintf("[%s] discovered=%d saved=%d skipped=%d failed=%d rps=%.1f",
		crawlID, snap.Discovered, snap.Saved, snap.Skipped, snap.Failed, rps)
}

// Render replaces the current line with s, padding over leftovers from a
// longer previous line.
func (r *Renderer) Render(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pad := ""
	if n := r.width - len(s); n > 0 {
		pad = strings.Repeat(" ", n)
	}
	fmt.Fprintf(r.out, "\r%s%s", s, pad)
	r.width = len(s)
}

// Done terminates the status line with a newline.
func (r *Renderer) Done() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.width > 0 {
		fmt.Fprintln(r.out)
		r.width = 0
	}
}
