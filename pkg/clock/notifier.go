package clock

import (
	"github.com/Bubobubobubobubo/topos/pkg/eval"
	"github.com/Bubobubobubobubo/topos/pkg/timing"
)

// HardwareClock reads the audio hardware time in seconds.
type HardwareClock interface {
	CurrentTime() float64
}

// Resumer is implemented by hardware hosts that can be suspended.
type Resumer interface {
	Resume() error
}

// Commander forwards transport commands to the pulse source.
// transport.Link implements it.
type Commander interface {
	Start()
	Pause()
	Stop()
	SetBpm(v float64)
	SetPpqn(v int)
	SetNudge(v float64)
}

// Notifier receives transport side effects such as MIDI start/stop/clock.
// Calls are made outside the clock lock; implementations must not block.
type Notifier interface {
	TransportStarted(s State)
	TransportStopped(s State)
	Pulse(s State)
}

// Display renders the time readout. It is refreshed once per beat.
type Display interface {
	Show(pos timing.Position, bpm float64)
}

// Trigger starts an evaluation without waiting for it. eval.Gate implements it.
type Trigger interface {
	Trigger(buf *eval.Buffer, env eval.Env)
}

// NotifierFuncs adapts plain functions to Notifier. Nil members are skipped.
type NotifierFuncs struct {
	OnStart func(State)
	OnStop  func(State)
	OnPulse func(State)
}

func (n NotifierFuncs) TransportStarted(s State) {
	if n.OnStart != nil {
		n.OnStart(s)
	}
}

func (n NotifierFuncs) TransportStopped(s State) {
	if n.OnStop != nil {
		n.OnStop(s)
	}
}

func (n NotifierFuncs) Pulse(s State) {
	if n.OnPulse != nil {
		n.OnPulse(s)
	}
}
