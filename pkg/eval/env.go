package eval

import (
	"context"
	"time"

	"github.com/Bubobubobubobubo/topos/pkg/timing"
)

// SoundSink consumes parameter maps describing a sound to play.
type SoundSink interface {
	Sound(name string, params map[string]any) error
}

// MIDISink emits MIDI channel messages.
type MIDISink interface {
	Note(channel, key, velocity uint8, duration time.Duration) error
	ControlChange(channel, controller, value uint8) error
}

// OSCSink emits OSC messages.
type OSCSink interface {
	Send(address string, args ...any) error
}

// Sinks groups the outputs a script may write to. Nil members are skipped.
type Sinks struct {
	Sound SoundSink
	MIDI  MIDISink
	OSC   OSCSink
}

// Env is what a script can read: the musical time computed for this pulse
// and the iteration counter of the buffer being evaluated.
type Env struct {
	Position  timing.Position
	Tick      int64
	BPM       float64
	PPQN      int
	Signature timing.TimeSignature
	Iteration int
	Sinks     Sinks
}

// PulseDuration returns the pulse length for the environment's tempo.
func (e Env) PulseDuration() time.Duration {
	return time.Duration(timing.PulseDuration(e.BPM, e.PPQN) * float64(time.Second))
}

// Evaluator runs script text against an environment. Implementations must
// honour ctx where they can; the gate abandons runs that exceed their
// deadline either way.
type Evaluator interface {
	Evaluate(ctx context.Context, name, code string, env Env) error
}

// EvaluatorFunc adapts a function to Evaluator.
type EvaluatorFunc func(ctx context.Context, name, code string, env Env) error

// Evaluate calls f.
func (f EvaluatorFunc) Evaluate(ctx context.Context, name, code string, env Env) error {
	return f(ctx, name, code, env)
}
