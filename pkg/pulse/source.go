// Package pulse implements the pulse source and the audio hosts that drive it.
//
// The Source lives on the audio goroutine. Each time the audio hardware asks
// for a block of samples the host calls Source.Process with the current
// hardware time; the source turns that time into a pulse position and posts
// at most one pulse notification upward. The source never locks and never
// blocks: control messages are drained from its inbox without waiting and
// pulses are posted with a non-blocking send.
package pulse

import (
	"math"
	"sync/atomic"

	"github.com/Bubobubobubobubo/topos/pkg/timing"
	"github.com/Bubobubobubobubo/topos/pkg/transport"
)

// MaxNudge bounds the nudge, in percent of a beat, in both directions.
const MaxNudge = 100.0

// Source generates pulses from hardware time.
//
// All methods except Emitted, Dropped and Processed must be called from the
// single goroutine that owns the source (the audio callback).
type Source struct {
	inbox  <-chan transport.Message
	outbox chan<- transport.Message

	bpm   float64
	ppqn  int
	nudge float64 // percent of a beat

	running  bool
	reanchor bool
	lastPos  int64

	emitted   atomic.Uint64
	dropped   atomic.Uint64
	processed atomic.Uint64
}

// NewSource creates a stopped source bound to a link endpoint.
// Non-positive tempo or resolution fall back to the timing defaults.
func NewSource(ep transport.Endpoint, bpm float64, ppqn int) *Source {
	if bpm <= 0 {
		bpm = timing.DefaultBPM
	}
	if ppqn <= 0 {
		ppqn = timing.DefaultPPQN
	}
	return &Source{
		inbox:    ep.Inbox,
		outbox:   ep.Outbox,
		bpm:      bpm,
		ppqn:     ppqn,
		reanchor: true,
	}
}

// Process is invoked once per hardware audio callback with the hardware time
// in seconds. It reports whether a pulse boundary was crossed.
func (s *Source) Process(hardwareTime float64) bool {
	s.processed.Add(1)
	s.drain()

	if !s.running {
		return false
	}

	pos := s.pulsePosition(hardwareTime)
	if s.reanchor {
		s.lastPos = pos
		s.reanchor = false
		return false
	}
	if pos <= s.lastPos {
		return false
	}

	s.lastPos = pos
	select {
	case s.outbox <- transport.Pulse(hardwareTime):
		s.emitted.Add(1)
	default:
		s.dropped.Add(1)
	}
	return true
}

// drain applies every pending control message without blocking.
func (s *Source) drain() {
	for {
		select {
		case m := <-s.inbox:
			s.apply(m)
		default:
			return
		}
	}
}

func (s *Source) apply(m transport.Message) {
	switch m.Kind {
	case transport.KindStart:
		if !s.running {
			s.running = true
			s.reanchor = true
		}
	case transport.KindPause, transport.KindStop:
		s.running = false
	case transport.KindSetBpm:
		s.Configure(m.Value, s.ppqn)
	case transport.KindSetPpqn:
		s.Configure(s.bpm, m.PPQN)
	case transport.KindSetNudge:
		s.SetNudge(m.Value)
	}
}

// Configure updates tempo and resolution. The pulse accumulator is re-anchored
// at the next callback so a change never produces a burst or a gap.
// Non-positive values are ignored.
func (s *Source) Configure(bpm float64, ppqn int) {
	if bpm <= 0 || ppqn <= 0 {
		return
	}
	if bpm == s.bpm && ppqn == s.ppqn {
		return
	}
	s.bpm = bpm
	s.ppqn = ppqn
	s.reanchor = true
}

// SetNudge sets the timing offset in percent of a beat, clamped to ±MaxNudge.
func (s *Source) SetNudge(percent float64) {
	if math.IsNaN(percent) || math.IsInf(percent, 0) {
		return
	}
	s.nudge = math.Max(-MaxNudge, math.Min(MaxNudge, percent))
}

// pulsePosition computes ceil(beatNumber * ppqn) at the nudged time.
func (s *Source) pulsePosition(hardwareTime float64) int64 {
	beatLen := timing.BeatDuration(s.bpm)
	adjusted := hardwareTime + s.nudge/100*beatLen
	beatNumber := adjusted / beatLen
	return int64(math.Ceil(beatNumber * float64(s.ppqn)))
}

// Running reports whether the source is emitting.
func (s *Source) Running() bool { return s.running }

// BPM returns the tempo the source is using.
func (s *Source) BPM() float64 { return s.bpm }

// PPQN returns the resolution the source is using.
func (s *Source) PPQN() int { return s.ppqn }

// Nudge returns the current nudge in percent of a beat.
func (s *Source) Nudge() float64 { return s.nudge }

// Emitted returns the number of pulses delivered to the link.
// Safe to call from any goroutine.
func (s *Source) Emitted() uint64 { return s.emitted.Load() }

// Dropped returns the number of pulses lost because the uplink was full.
// Safe to call from any goroutine.
func (s *Source) Dropped() uint64 { return s.dropped.Load() }

// Processed returns the number of hardware callbacks seen.
// Safe to call from any goroutine.
func (s *Source) Processed() uint64 { return s.processed.Load() }
