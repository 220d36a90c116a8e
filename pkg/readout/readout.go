// Package readout prints the musical position once per beat.
package readout

import (
	"fmt"
	"io"
	"os"
	"sync"

	"golang.org/x/term"

	"github.com/Bubobubobubobubo/topos/pkg/timing"
)

// Format renders a position as "bar:beat / bpm" with 1-based bar and beat.
func Format(pos timing.Position, bpm float64) string {
	return fmt.Sprintf("%d:%d / %.1f", pos.Bar+1, pos.Beat+1, bpm)
}

// Terminal writes the readout to w. On a terminal the line is rewritten in
// place on every beat; otherwise one line is written per bar.
type Terminal struct {
	mu    sync.Mutex
	w     io.Writer
	tty   bool
	width int
	last  string
}

// NewTerminal creates a readout for w. Interactive mode is enabled when w is
// an *os.File attached to a terminal.
func NewTerminal(w io.Writer) *Terminal {
	t := &Terminal{w: w}
	if f, ok := w.(*os.File); ok {
		t.tty = term.IsTerminal(int(f.Fd()))
	}
	return t
}

// NewLineTerminal creates a readout that never rewrites lines.
func NewLineTerminal(w io.Writer) *Terminal {
	return &Terminal{w: w}
}

// Interactive reports whether the readout rewrites its line in place.
func (t *Terminal) Interactive() bool {
	return t.tty
}

// Show implements clock.Display.
func (t *Terminal) Show(pos timing.Position, bpm float64) {
	line := Format(pos, bpm)

	t.mu.Lock()
	defer t.mu.Unlock()

	t.last = line
	if !t.tty {
		if pos.Beat == 0 {
			fmt.Fprintln(t.w, line)
		}
		return
	}

	pad := 0
	if t.width > len(line) {
		pad = t.width - len(line)
	}
	t.width = len(line)
	fmt.Fprintf(t.w, "\r%s%*s", line, pad, "")
}

// Last returns the most recent readout.
func (t *Terminal) Last() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}

// Finish ends an in-place line so later output starts on a fresh line.
func (t *Terminal) Finish() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.tty && t.width > 0 {
		fmt.Fprintln(t.w)
		t.width = 0
	}
}
