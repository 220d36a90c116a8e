// Package transport provides the message-passing bridge between the clock
// (control side) and the pulse source (audio side).
//
// The audio side must never block on the control side, so every exchange is
// an asynchronous, ordered, fire-and-forget message. Messages are plain values
// and can be copied across goroutines freely.
package transport

import "fmt"

// Kind identifies a transport message.
type Kind uint8

const (
	// KindStart asks the pulse source to begin emitting pulses.
	KindStart Kind = iota + 1
	// KindPause halts emission without any reset.
	KindPause
	// KindStop halts emission. The clock also resets its tick counter.
	KindStop
	// KindSetBpm carries a new tempo in Value.
	KindSetBpm
	// KindSetPpqn carries a new pulses-per-quarter-note value in PPQN.
	KindSetPpqn
	// KindSetNudge carries a timing offset, in percent of a beat, in Value.
	KindSetNudge
	// KindPulse is sent upward once per pulse boundary crossed.
	KindPulse
)

func (k Kind) String() string {
	switch k {
	case KindStart:
		return "start"
	case KindPause:
		return "pause"
	case KindStop:
		return "stop"
	case KindSetBpm:
		return "set-bpm"
	case KindSetPpqn:
		return "set-ppqn"
	case KindSetNudge:
		return "set-nudge"
	case KindPulse:
		return "pulse"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Message is the closed set of messages exchanged over a Link.
// Only the field matching Kind is meaningful.
type Message struct {
	Kind Kind

	// Value holds the tempo for KindSetBpm and the nudge for KindSetNudge.
	Value float64

	// PPQN holds the resolution for KindSetPpqn.
	PPQN int

	// Timestamp is the hardware time in seconds at which a pulse was generated.
	Timestamp float64
}

// Start builds a start command.
func Start() Message { return Message{Kind: KindStart} }

// Pause builds a pause command.
func Pause() Message { return Message{Kind: KindPause} }

// Stop builds a stop command.
func Stop() Message { return Message{Kind: KindStop} }

// SetBpm builds a tempo command.
func SetBpm(bpm float64) Message { return Message{Kind: KindSetBpm, Value: bpm} }

// SetPpqn builds a resolution command.
func SetPpqn(ppqn int) Message { return Message{Kind: KindSetPpqn, PPQN: ppqn} }

// SetNudge builds a nudge command.
func SetNudge(percent float64) Message { return Message{Kind: KindSetNudge, Value: percent} }

// Pulse builds a pulse notification stamped with the hardware time.
func Pulse(timestamp float64) Message { return Message{Kind: KindPulse, Timestamp: timestamp} }

// IsCommand reports whether m travels from the controller to the pulse source.
func (m Message) IsCommand() bool {
	return m.Kind >= KindStart && m.Kind <= KindSetNudge
}

func (m Message) String() string {
	switch m.Kind {
	case KindSetBpm, KindSetNudge:
		return fmt.Sprintf("%s(%g)", m.Kind, m.Value)
	case KindSetPpqn:
		return fmt.Sprintf("%s(%d)", m.Kind, m.PPQN)
	case KindPulse:
		return fmt.Sprintf("%s(@%.6f)", m.Kind, m.Timestamp)
	default:
		return m.Kind.String()
	}
}
