package sink

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"gitlab.com/gomidi/midi/v2"

	"github.com/Bubobubobubobubo/topos/pkg/clock"
	"github.com/Bubobubobubobubo/topos/pkg/logger"
)

// ClockResolution is the MIDI beat clock rate in pulses per quarter note.
const ClockResolution = 24

// SendFunc writes one MIDI message.
type SendFunc func(msg midi.Message) error

// MIDIOut sends notes and controllers to a MIDI port. Note releases are
// timed with time.AfterFunc on the control side, never on the audio goroutine.
type MIDIOut struct {
	name   string
	send   SendFunc
	closer func() error

	mu      sync.Mutex
	pending map[*time.Timer]midi.Message
	closed  bool

	log *slog.Logger
}

// MIDIOption configures MIDI sinks.
type MIDIOption func(*midiOptions)

type midiOptions struct {
	log *slog.Logger
}

// WithMIDILogger sets a custom logger.
func WithMIDILogger(log *slog.Logger) MIDIOption {
	return func(o *midiOptions) {
		o.log = log
	}
}

func applyMIDIOptions(opts []MIDIOption) midiOptions {
	o := midiOptions{log: logger.GetLogger()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// NewMIDIOut wraps a send function, e.g. one returned by midi.SendTo or
// Synth.Write.
func NewMIDIOut(name string, send SendFunc, opts ...MIDIOption) *MIDIOut {
	o := applyMIDIOptions(opts)
	return &MIDIOut{
		name:    name,
		send:    send,
		pending: make(map[*time.Timer]midi.Message),
		log:     o.log,
	}
}

// OpenMIDIOut opens the named output port of the registered MIDI driver.
func OpenMIDIOut(port string, opts ...MIDIOption) (*MIDIOut, error) {
	out, err := midi.FindOutPort(port)
	if err != nil {
		return nil, fmt.Errorf("MIDI output %q not found: %w", port, err)
	}
	send, err := midi.SendTo(out)
	if err != nil {
		return nil, fmt.Errorf("failed to open MIDI output %q: %w", port, err)
	}
	m := NewMIDIOut(out.String(), send, opts...)
	m.closer = out.Close
	return m, nil
}

// Name returns the port name.
func (m *MIDIOut) Name() string {
	return m.name
}

// Send writes one message.
func (m *MIDIOut) Send(msg midi.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("MIDI output %q is closed", m.name)
	}
	return m.send(msg)
}

// Note sends a note on now and the matching note off after duration.
func (m *MIDIOut) Note(channel, key, velocity uint8, duration time.Duration) error {
	if err := m.Send(midi.NoteOn(channel, key, velocity)); err != nil {
		return err
	}
	off := midi.NoteOff(channel, key)

	m.mu.Lock()
	defer m.mu.Unlock()
	var timer *time.Timer
	timer = time.AfterFunc(duration, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if _, ok := m.pending[timer]; !ok {
			return
		}
		delete(m.pending, timer)
		if err := m.send(off); err != nil {
			m.log.Debug("MIDI note off failed", "port", m.name, "error", err)
		}
	})
	m.pending[timer] = off
	return nil
}

// ControlChange sends a controller message.
func (m *MIDIOut) ControlChange(channel, controller, value uint8) error {
	return m.Send(midi.ControlChange(channel, controller, value))
}

// Pending returns the number of notes waiting for their note off.
func (m *MIDIOut) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Close releases every sounding note and closes the port.
func (m *MIDIOut) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	for timer, off := range m.pending {
		timer.Stop()
		if err := m.send(off); err != nil {
			m.log.Debug("MIDI note off failed", "port", m.name, "error", err)
		}
	}
	clear(m.pending)
	m.closed = true
	if m.closer != nil {
		return m.closer()
	}
	return nil
}

// ClockPulses returns how many pulses at resolution fall on tick when the
// clock runs at ppqn. Summed over ticks 1..n it equals floor(n*resolution/ppqn).
func ClockPulses(tick int64, ppqn, resolution int) int {
	if tick <= 0 || ppqn <= 0 || resolution <= 0 {
		return 0
	}
	r, p := int64(resolution), int64(ppqn)
	return int(tick*r/p - (tick-1)*r/p)
}

// MIDIClock sends MIDI beat clock: start/continue/stop on transport changes
// and 24 timing clocks per quarter note while running.
type MIDIClock struct {
	send  SendFunc
	sent  atomic.Int64
	fails atomic.Int64
	log   *slog.Logger
}

var _ clock.Notifier = (*MIDIClock)(nil)

// NewMIDIClock creates a clock sender.
func NewMIDIClock(send SendFunc, opts ...MIDIOption) *MIDIClock {
	o := applyMIDIOptions(opts)
	return &MIDIClock{send: send, log: o.log}
}

// TransportStarted sends Start from the origin and Continue otherwise.
func (c *MIDIClock) TransportStarted(s clock.State) {
	if s.Tick == 0 {
		c.write(midi.Start())
		return
	}
	c.write(midi.Continue())
}

// TransportStopped sends Stop.
func (c *MIDIClock) TransportStopped(s clock.State) {
	c.write(midi.Stop())
}

// Pulse sends the timing clocks due on this tick.
func (c *MIDIClock) Pulse(s clock.State) {
	for n := ClockPulses(s.Tick, s.PPQN, ClockResolution); n > 0; n-- {
		c.write(midi.TimingClock())
	}
}

// Sent returns the number of messages written.
func (c *MIDIClock) Sent() int64 {
	return c.sent.Load()
}

func (c *MIDIClock) write(msg midi.Message) {
	if err := c.send(msg); err != nil {
		if c.fails.Add(1) == 1 {
			c.log.Warn("MIDI clock send failed", "error", err)
		}
		return
	}
	c.sent.Add(1)
}
