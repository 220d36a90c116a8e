package sink

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"gitlab.com/gomidi/midi/v2/smf"

	"github.com/Bubobubobubobubo/topos/pkg/clock"
	"github.com/Bubobubobubobubo/topos/pkg/timing"
)

type countingMIDI struct {
	notes, ccs int
}

func (c *countingMIDI) Note(channel, key, velocity uint8, duration time.Duration) error {
	c.notes++
	return nil
}

func (c *countingMIDI) ControlChange(channel, controller, value uint8) error {
	c.ccs++
	return nil
}

func runningState(tick int64) clock.State {
	return clock.State{
		Status:    clock.Running,
		Tick:      tick,
		BPM:       120,
		PPQN:      48,
		Signature: timing.DefaultTimeSignature,
	}
}

func TestRecorderOnlyWhileRunning(t *testing.T) {
	inner := &countingMIDI{}
	r := NewRecorder(inner)

	r.Note(0, 36, 100, 100*time.Millisecond)
	if r.Events() != 0 {
		t.Errorf("recorded %d events before start", r.Events())
	}

	r.TransportStarted(runningState(0))
	r.Pulse(runningState(1))
	r.Note(9, 36, 100, 100*time.Millisecond)
	r.ControlChange(0, 7, 90)
	r.TransportStopped(runningState(1))
	r.Note(9, 38, 100, time.Second)

	if r.Events() != 3 {
		t.Errorf("expected note on, note off and cc, got %d events", r.Events())
	}
	if inner.notes != 3 || inner.ccs != 1 {
		t.Errorf("everything must be forwarded, got %d notes %d ccs", inner.notes, inner.ccs)
	}
}

func TestRecorderWritesSMF(t *testing.T) {
	r := NewRecorder(nil)
	r.TransportStarted(runningState(0))
	for tick := int64(1); tick <= 192; tick++ {
		r.Pulse(runningState(tick))
		if tick%48 == 1 {
			r.Note(9, 36, 100, 250*time.Millisecond)
		}
	}
	r.TransportStopped(runningState(192))

	var buf bytes.Buffer
	if _, err := r.WriteTo(&buf); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if buf.Len() == 0 || !bytes.HasPrefix(buf.Bytes(), []byte("MThd")) {
		t.Fatalf("expected a MIDI file, got %d bytes", buf.Len())
	}

	path := filepath.Join(t.TempDir(), "take.mid")
	if err := r.WriteFile(path); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sm, err := smf.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read back: %v", err)
	}
	if len(sm.Tracks) != 2 {
		t.Fatalf("expected 2 tracks, got %d", len(sm.Tracks))
	}
	noteOns := 0
	for _, ev := range sm.Tracks[1] {
		if len(ev.Message) > 0 && ev.Message[0]&0xF0 == 0x90 {
			noteOns++
		}
	}
	if noteOns != 4 {
		t.Errorf("expected 4 note ons, got %d", noteOns)
	}
}

func TestRecorderLimit(t *testing.T) {
	r := NewRecorder(nil)
	r.maxEvents = 3
	r.TransportStarted(runningState(0))
	r.Note(0, 60, 100, time.Second)
	r.Note(0, 62, 100, time.Second)
	if r.Events() != 3 || !r.Truncated() {
		t.Errorf("expected truncation at 3 events, got %d truncated=%v", r.Events(), r.Truncated())
	}
}
