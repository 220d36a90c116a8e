// Package eval runs user scripts once per pulse with bounded time and
// last-known-good fallback.
package eval

import "sync"

// Buffer holds the text being edited (candidate), the last text that
// evaluated without error (committed) and an evaluation counter.
//
// Each accessor is atomic on its own, but a Buffer may be evaluated by
// several overlapping attempts: an older attempt can promote its candidate
// after a newer one already did. Scripts are expected not to depend on state
// carried between overlapping runs.
type Buffer struct {
	name        string
	candidate   string
	committed   string
	evaluations int
	mu          sync.Mutex
}

// NewBuffer creates a buffer with an initial candidate and nothing committed.
func NewBuffer(name, candidate string) *Buffer {
	return &Buffer{
		name:      name,
		candidate: candidate,
	}
}

// Name returns the buffer name.
func (b *Buffer) Name() string {
	return b.name
}

// SetCandidate replaces the text being edited.
func (b *Buffer) SetCandidate(text string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.candidate = text
}

// Candidate returns the text being edited.
func (b *Buffer) Candidate() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.candidate
}

// SetCommitted restores a previously committed text, e.g. from storage.
func (b *Buffer) SetCommitted(text string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.committed = text
}

// Committed returns the last text that evaluated without error.
func (b *Buffer) Committed() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.committed
}

// Evaluations returns the evaluation counter.
func (b *Buffer) Evaluations() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.evaluations
}

// BufferSnapshot is a consistent copy of a buffer.
type BufferSnapshot struct {
	Name        string
	Candidate   string
	Committed   string
	Evaluations int
}

// Snapshot returns a consistent copy of the buffer.
func (b *Buffer) Snapshot() BufferSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BufferSnapshot{
		Name:        b.name,
		Candidate:   b.candidate,
		Committed:   b.committed,
		Evaluations: b.evaluations,
	}
}

// begin increments the counter and returns it with the current candidate.
func (b *Buffer) begin() (int, string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.evaluations++
	return b.evaluations, b.candidate
}

// promote commits text. Only the gate calls this, after text evaluated cleanly.
func (b *Buffer) promote(text string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.committed = text
}

// countFallback increments the counter after a successful fallback run.
func (b *Buffer) countFallback() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.evaluations++
}
