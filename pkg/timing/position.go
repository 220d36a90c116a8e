// Package timing provides the musical time arithmetic shared by the clock,
// the pulse source and the evaluator: positions, time signatures and pulse
// durations. Every function here is pure.
package timing

import "fmt"

// DefaultBPM is the tempo used when no tempo has been configured.
const DefaultBPM = 120.0

// DefaultPPQN is the default number of pulses per quarter note.
const DefaultPPQN = 48

// TimeSignature describes how beats are grouped into bars.
type TimeSignature struct {
	BeatsPerBar int
	BeatUnit    int
}

// DefaultTimeSignature is 4/4.
var DefaultTimeSignature = TimeSignature{BeatsPerBar: 4, BeatUnit: 4}

// Valid reports whether both members are positive.
func (ts TimeSignature) Valid() bool {
	return ts.BeatsPerBar > 0 && ts.BeatUnit > 0
}

func (ts TimeSignature) String() string {
	return fmt.Sprintf("%d/%d", ts.BeatsPerBar, ts.BeatUnit)
}

// Position is a musical position since the origin of time.
// Beat is always < BeatsPerBar and Pulse is always < PPQN.
type Position struct {
	Bar   int
	Beat  int
	Pulse int
}

// String formats the position as bar:beat:pulse.
func (p Position) String() string {
	return fmt.Sprintf("%d:%d:%d", p.Bar, p.Beat, p.Pulse)
}

// PositionFromTick converts a tick count into a musical position.
//
// The position is always derived from scratch:
//
//	pulse      = tick mod ppqn
//	beatNumber = floor(tick / ppqn)
//	bar        = floor(beatNumber / beatsPerBar)
//	beatInBar  = beatNumber mod beatsPerBar
//
// A non-positive ppqn or an invalid signature yields the zero position, and a
// negative tick is treated as zero.
func PositionFromTick(tick int64, ppqn int, sig TimeSignature) Position {
	if ppqn <= 0 || sig.BeatsPerBar <= 0 || tick <= 0 {
		return Position{}
	}
	pulse := tick % int64(ppqn)
	beatNumber := tick / int64(ppqn)
	bar := beatNumber / int64(sig.BeatsPerBar)
	beatInBar := beatNumber % int64(sig.BeatsPerBar)
	return Position{
		Bar:   int(bar),
		Beat:  int(beatInBar),
		Pulse: int(pulse),
	}
}

// TickFromPosition is the inverse of PositionFromTick.
func TickFromPosition(p Position, ppqn int, sig TimeSignature) int64 {
	return int64(p.Bar)*int64(sig.BeatsPerBar)*int64(ppqn) +
		int64(p.Beat)*int64(ppqn) +
		int64(p.Pulse)
}

// PulseDuration returns the length of one pulse in seconds: 60 / bpm / ppqn.
// It returns 0 when either argument is not positive.
func PulseDuration(bpm float64, ppqn int) float64 {
	if bpm <= 0 || ppqn <= 0 {
		return 0
	}
	return 60.0 / bpm / float64(ppqn)
}

// BeatDuration returns the length of one beat in seconds.
func BeatDuration(bpm float64) float64 {
	if bpm <= 0 {
		return 0
	}
	return 60.0 / bpm
}

// TicksBeforeNextBeat returns how many pulses remain until the next beat boundary.
func TicksBeforeNextBeat(p Position, ppqn int) int {
	if ppqn <= 0 {
		return 0
	}
	return ppqn - p.Pulse
}

// TicksBeforeNextBar returns how many pulses remain until the next bar boundary.
func TicksBeforeNextBar(p Position, ppqn int, sig TimeSignature) int {
	if ppqn <= 0 || sig.BeatsPerBar <= 0 {
		return 0
	}
	return ppqn*sig.BeatsPerBar - (p.Beat*ppqn + p.Pulse)
}
