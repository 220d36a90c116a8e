package sink

import (
	"fmt"
	"io"
	"math"
	"sort"
	"sync"
	"time"

	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/smf"

	"github.com/Bubobubobubobubo/topos/pkg/clock"
	"github.com/Bubobubobubobubo/topos/pkg/eval"
	"github.com/Bubobubobubobubo/topos/pkg/timing"
)

// DefaultMaxEvents bounds a recording.
const DefaultMaxEvents = 1 << 16

type recordedEvent struct {
	tick int64
	seq  int
	msg  midi.Message
}

// Recorder captures the MIDI a script plays while the transport runs and
// writes it as a Standard MIDI File. It forwards everything to an inner sink.
// Register it as a clock notifier so it knows the current tick.
type Recorder struct {
	inner eval.MIDISink

	mu        sync.Mutex
	recording bool
	tick      int64
	bpm       float64
	ppqn      int
	sig       timing.TimeSignature
	events    []recordedEvent
	seq       int
	maxEvents int
	truncated bool
}

var (
	_ clock.Notifier = (*Recorder)(nil)
	_ eval.MIDISink  = (*Recorder)(nil)
)

// NewRecorder creates a recorder in front of inner, which may be nil.
func NewRecorder(inner eval.MIDISink) *Recorder {
	return &Recorder{
		inner:     inner,
		bpm:       timing.DefaultBPM,
		ppqn:      timing.DefaultPPQN,
		sig:       timing.DefaultTimeSignature,
		maxEvents: DefaultMaxEvents,
	}
}

func (r *Recorder) TransportStarted(s clock.State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recording = true
	r.update(s)
}

func (r *Recorder) TransportStopped(s clock.State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recording = false
	r.update(s)
}

func (r *Recorder) Pulse(s clock.State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.update(s)
}

func (r *Recorder) update(s clock.State) {
	r.tick = s.Tick
	r.bpm = s.BPM
	r.ppqn = s.PPQN
	r.sig = s.Signature
}

// Note records the note and forwards it.
func (r *Recorder) Note(channel, key, velocity uint8, duration time.Duration) error {
	r.mu.Lock()
	if r.recording {
		length := int64(1)
		if pd := timing.PulseDuration(r.bpm, r.ppqn); pd > 0 {
			length = max(1, int64(math.Round(duration.Seconds()/pd)))
		}
		r.add(r.tick, midi.NoteOn(channel, key, velocity))
		r.add(r.tick+length, midi.NoteOff(channel, key))
	}
	r.mu.Unlock()

	if r.inner != nil {
		return r.inner.Note(channel, key, velocity, duration)
	}
	return nil
}

// ControlChange records the controller change and forwards it.
func (r *Recorder) ControlChange(channel, controller, value uint8) error {
	r.mu.Lock()
	if r.recording {
		r.add(r.tick, midi.ControlChange(channel, controller, value))
	}
	r.mu.Unlock()

	if r.inner != nil {
		return r.inner.ControlChange(channel, controller, value)
	}
	return nil
}

func (r *Recorder) add(tick int64, msg midi.Message) {
	if len(r.events) >= r.maxEvents {
		r.truncated = true
		return
	}
	r.seq++
	r.events = append(r.events, recordedEvent{tick: tick, seq: r.seq, msg: msg})
}

// Events returns the number of recorded messages.
func (r *Recorder) Events() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

// Truncated reports whether events were dropped at the size limit.
func (r *Recorder) Truncated() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.truncated
}

// SMF builds a two-track file: meter and tempo, then the recorded events.
// The time format uses the clock's PPQN so ticks map one to one.
func (r *Recorder) SMF() (*smf.SMF, error) {
	r.mu.Lock()
	events := append([]recordedEvent(nil), r.events...)
	bpm, ppqn, sig := r.bpm, r.ppqn, r.sig
	r.mu.Unlock()

	sort.Slice(events, func(i, j int) bool {
		if events[i].tick != events[j].tick {
			return events[i].tick < events[j].tick
		}
		return events[i].seq < events[j].seq
	})

	sm := smf.New()
	sm.TimeFormat = smf.MetricTicks(uint16(ppqn))

	var meta smf.Track
	meta.Add(0, smf.MetaMeter(uint8(sig.BeatsPerBar), uint8(sig.BeatUnit)))
	meta.Add(0, smf.MetaTempo(bpm))
	meta.Close(0)
	if err := sm.Add(meta); err != nil {
		return nil, fmt.Errorf("error adding tempo track: %w", err)
	}

	var notes smf.Track
	// absolute ticks, so bar lines in the file match the transport
	var last int64
	for _, ev := range events {
		notes.Add(uint32(ev.tick-last), ev.msg)
		last = ev.tick
	}
	notes.Close(0)
	if err := sm.Add(notes); err != nil {
		return nil, fmt.Errorf("error adding note track: %w", err)
	}
	return sm, nil
}

// WriteTo writes the recording as a Standard MIDI File.
func (r *Recorder) WriteTo(w io.Writer) (int64, error) {
	sm, err := r.SMF()
	if err != nil {
		return 0, err
	}
	return sm.WriteTo(w)
}

// WriteFile writes the recording to path.
func (r *Recorder) WriteFile(path string) error {
	sm, err := r.SMF()
	if err != nil {
		return err
	}
	if err := sm.WriteFile(path); err != nil {
		return fmt.Errorf("error writing MIDI file: %w", err)
	}
	return nil
}
