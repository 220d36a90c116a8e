package clock

import (
	"fmt"

	"github.com/Bubobubobubobubo/topos/pkg/timing"
)

// Status is the transport state.
type Status int

const (
	Stopped Status = iota
	Running
	Paused
)

func (s Status) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Running:
		return "running"
	case Paused:
		return "paused"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// State is a consistent copy of the clock state. Times are in seconds of
// hardware time.
type State struct {
	Status    Status
	Tick      int64
	BPM       float64
	PPQN      int
	Nudge     float64
	Signature timing.TimeSignature
	Position  timing.Position

	LogicalTime       float64
	RealTime          float64
	LastPauseTime     float64
	LastPlayPressTime float64
	TotalPauseTime    float64

	Pulses        int64 // pulses turned into ticks
	IgnoredPulses int64 // pulses absorbed while not running
}

// Running reports whether the transport is advancing.
func (s State) Running() bool {
	return s.Status == Running
}

// Deviation is the absolute drift between logical and real time.
func (s State) Deviation() float64 {
	d := s.LogicalTime - s.RealTime
	if d < 0 {
		return -d
	}
	return d
}

// PulseDuration returns the length of one pulse in seconds.
func (s State) PulseDuration() float64 {
	return timing.PulseDuration(s.BPM, s.PPQN)
}

func (s State) String() string {
	return fmt.Sprintf("%s %s tick=%d bpm=%g ppqn=%d sig=%s",
		s.Status, s.Position, s.Tick, s.BPM, s.PPQN, s.Signature)
}
