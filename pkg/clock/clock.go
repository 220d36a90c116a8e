// Package clock is the musical-time authority: it turns pulses into ticks and
// bar/beat/pulse positions, owns start/pause/stop and triggers one evaluation
// per pulse.
package clock

import (
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/Bubobubobubobubo/topos/pkg/eval"
	"github.com/Bubobubobubobubo/topos/pkg/logger"
	"github.com/Bubobubobubobubo/topos/pkg/pulse"
	"github.com/Bubobubobubobubo/topos/pkg/timing"
	"github.com/Bubobubobubobubo/topos/pkg/transport"
)

// Clock owns the transport state. All methods are safe for concurrent use;
// side effects (link commands, notifiers, display, evaluation) are issued
// after the lock is released so none of them can stall pulse handling.
type Clock struct {
	mu sync.Mutex

	status    Status
	tick      int64
	bpm       float64
	ppqn      int
	nudge     float64
	sig       timing.TimeSignature
	position  timing.Position
	everRan   bool
	pulses    int64
	ignored   int64
	lastPulse time.Time

	logicalTime       float64
	lastPauseTime     float64
	lastPlayPressTime float64
	totalPauseTime    float64

	link      Commander
	hardware  HardwareClock
	notifiers []Notifier
	display   Display
	gate      Trigger
	sinks     eval.Sinks
	buffer    *eval.Buffer
	audition  *eval.Buffer

	now func() time.Time
	log *slog.Logger
}

// Option configures a Clock.
type Option func(*Clock)

// WithLogger sets a custom logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *Clock) {
		c.log = log
	}
}

// WithTempo sets the initial tempo and resolution. Invalid values keep the defaults.
func WithTempo(bpm float64, ppqn int) Option {
	return func(c *Clock) {
		if validBpm(bpm) {
			c.bpm = bpm
		}
		if ppqn > 0 {
			c.ppqn = ppqn
		}
	}
}

// WithTimeSignature sets the initial time signature.
func WithTimeSignature(sig timing.TimeSignature) Option {
	return func(c *Clock) {
		if sig.Valid() {
			c.sig = sig
		}
	}
}

// WithHardware sets the hardware clock.
func WithHardware(hw HardwareClock) Option {
	return func(c *Clock) {
		c.hardware = hw
	}
}

// WithGate sets the evaluation trigger.
func WithGate(g Trigger) Option {
	return func(c *Clock) {
		c.gate = g
	}
}

// WithSinks sets the outputs handed to evaluated scripts.
func WithSinks(s eval.Sinks) Option {
	return func(c *Clock) {
		c.sinks = s
	}
}

// WithDisplay sets the time readout.
func WithDisplay(d Display) Option {
	return func(c *Clock) {
		c.display = d
	}
}

// WithNotifier adds a transport notifier.
func WithNotifier(n Notifier) Option {
	return func(c *Clock) {
		c.notifiers = append(c.notifiers, n)
	}
}

// WithNow replaces the wall clock used for pulse health tracking.
func WithNow(now func() time.Time) Option {
	return func(c *Clock) {
		c.now = now
	}
}

// New creates a stopped clock at tick 0. The initial tempo is forwarded to
// link so the pulse source agrees with the clock once it attaches.
func New(link Commander, opts ...Option) *Clock {
	c := &Clock{
		status: Stopped,
		bpm:    timing.DefaultBPM,
		ppqn:   timing.DefaultPPQN,
		sig:    timing.DefaultTimeSignature,
		link:   link,
		now:    time.Now,
		log:    logger.GetLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.link != nil {
		c.link.SetBpm(c.bpm)
		c.link.SetPpqn(c.ppqn)
	}
	return c
}

// AttachHardware sets the hardware clock once the audio host is up.
func (c *Clock) AttachHardware(hw HardwareClock) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hardware = hw
}

// AddNotifier registers a transport notifier.
func (c *Clock) AddNotifier(n Notifier) {
	if n == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notifiers = append(c.notifiers, n)
}

// SetBuffer binds the global script buffer evaluated on every pulse.
func (c *Clock) SetBuffer(b *eval.Buffer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buffer = b
}

// Buffer returns the global script buffer.
func (c *Clock) Buffer() *eval.Buffer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buffer
}

// Audition evaluates b instead of the global buffer until StopAudition.
func (c *Clock) Audition(b *eval.Buffer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.audition = b
}

// StopAudition returns evaluation to the global buffer.
func (c *Clock) StopAudition() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.audition = nil
}

// Auditioning returns the auditioned buffer, or nil.
func (c *Clock) Auditioning() *eval.Buffer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.audition
}

// Start moves Stopped or Paused to Running. It resumes the hardware host if
// it was suspended. Starting a running clock does nothing.
func (c *Clock) Start() {
	c.mu.Lock()
	if c.status == Running {
		c.mu.Unlock()
		return
	}
	now := c.hardwareTime()
	if c.everRan {
		c.totalPauseTime += now - c.lastPauseTime
	}
	c.everRan = true
	c.lastPlayPressTime = now
	c.status = Running
	hw := c.hardware
	s := c.snapshot()
	notifiers := c.notifierList()
	c.mu.Unlock()

	if r, ok := hw.(Resumer); ok {
		if err := r.Resume(); err != nil {
			c.log.Warn("Failed to resume audio host", "error", err)
		}
	}
	if c.link != nil {
		c.link.Start()
	}
	c.log.Info("Transport started", "position", s.Position, "bpm", s.BPM)
	for _, n := range notifiers {
		n.TransportStarted(s)
	}
}

// Pause moves Running to Paused. Tick and position are kept.
func (c *Clock) Pause() {
	c.mu.Lock()
	if c.status != Running {
		c.mu.Unlock()
		return
	}
	c.status = Paused
	c.lastPauseTime = c.hardwareTime()
	c.logicalTime = c.realTime()
	s := c.snapshot()
	notifiers := c.notifierList()
	c.mu.Unlock()

	if c.link != nil {
		c.link.Pause()
	}
	c.log.Info("Transport paused", "position", s.Position, "tick", s.Tick)
	for _, n := range notifiers {
		n.TransportStopped(s)
	}
}

// Stop resets tick and position to zero from any state. A paused clock keeps
// the time it was paused at, so the whole idle interval is excluded from
// real time.
func (c *Clock) Stop() {
	c.mu.Lock()
	prev := c.status
	// Only a running clock records the stop time as its pause time. Stopping
	// from Paused keeps the earlier pause time; overwriting it would count the
	// paused interval as played time on the next Start.
	if prev == Running {
		c.lastPauseTime = c.hardwareTime()
	}
	c.status = Stopped
	c.tick = 0
	c.position = timing.Position{}
	c.logicalTime = c.realTime()
	s := c.snapshot()
	notifiers := c.notifierList()
	c.mu.Unlock()

	if c.link != nil {
		c.link.Stop()
	}
	if prev == Stopped {
		return
	}
	c.log.Info("Transport stopped")
	for _, n := range notifiers {
		n.TransportStopped(s)
	}
}

// HandlePulse advances the clock by one tick. Pulses are absorbed while the
// transport is not running. Non-pulse messages are ignored.
func (c *Clock) HandlePulse(msg transport.Message) {
	if msg.Kind != transport.KindPulse {
		return
	}

	c.mu.Lock()
	if c.status != Running {
		c.ignored++
		c.mu.Unlock()
		return
	}
	c.tick++
	c.position = timing.PositionFromTick(c.tick, c.ppqn, c.sig)
	c.logicalTime += timing.PulseDuration(c.bpm, c.ppqn)
	c.pulses++
	c.lastPulse = c.now()

	s := c.snapshot()
	notifiers := c.notifierList()
	display := c.display
	gate := c.gate
	buf := c.audition
	if buf == nil {
		buf = c.buffer
	}
	env := eval.Env{
		Position:  s.Position,
		Tick:      s.Tick,
		BPM:       s.BPM,
		PPQN:      s.PPQN,
		Signature: s.Signature,
		Sinks:     c.sinks,
	}
	c.mu.Unlock()

	for _, n := range notifiers {
		n.Pulse(s)
	}
	if display != nil && s.Position.Pulse == 0 {
		display.Show(s.Position, s.BPM)
	}
	if gate != nil && buf != nil {
		gate.Trigger(buf, env)
	}
}

// SetBpm changes the tempo. Non-positive, non-finite or unchanged values are ignored.
func (c *Clock) SetBpm(v float64) {
	c.mu.Lock()
	if !validBpm(v) || v == c.bpm {
		c.mu.Unlock()
		return
	}
	c.bpm = v
	c.logicalTime = c.realTime()
	c.mu.Unlock()

	if c.link != nil {
		c.link.SetBpm(v)
	}
	c.log.Debug("Tempo changed", "bpm", v)
}

// SetPpqn changes the resolution. Tick is not reset.
func (c *Clock) SetPpqn(v int) {
	c.mu.Lock()
	if v <= 0 || v == c.ppqn {
		c.mu.Unlock()
		return
	}
	c.ppqn = v
	c.position = timing.PositionFromTick(c.tick, c.ppqn, c.sig)
	c.logicalTime = c.realTime()
	c.mu.Unlock()

	if c.link != nil {
		c.link.SetPpqn(v)
	}
	c.log.Debug("Resolution changed", "ppqn", v)
}

// SetNudge sets the pulse offset in percent of a beat, clamped to ±pulse.MaxNudge.
func (c *Clock) SetNudge(v float64) {
	if math.IsNaN(v) {
		return
	}
	v = math.Max(-pulse.MaxNudge, math.Min(pulse.MaxNudge, v))

	c.mu.Lock()
	if v == c.nudge {
		c.mu.Unlock()
		return
	}
	c.nudge = v
	c.mu.Unlock()

	if c.link != nil {
		c.link.SetNudge(v)
	}
}

// SetTimeSignature changes the meter. Invalid signatures are ignored.
func (c *Clock) SetTimeSignature(sig timing.TimeSignature) {
	if !sig.Valid() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sig = sig
	c.position = timing.PositionFromTick(c.tick, c.ppqn, c.sig)
}

func (c *Clock) BPM() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bpm
}

func (c *Clock) PPQN() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ppqn
}

func (c *Clock) Nudge() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nudge
}

func (c *Clock) TimeSignature() timing.TimeSignature {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sig
}

func (c *Clock) Tick() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tick
}

func (c *Clock) Position() timing.Position {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.position
}

func (c *Clock) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Clock) Running() bool {
	return c.Status() == Running
}

// PulseDuration returns seconds per pulse at the current tempo.
func (c *Clock) PulseDuration() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return timing.PulseDuration(c.bpm, c.ppqn)
}

// PulseDurationAt returns seconds per pulse at bpm with the current resolution.
func (c *Clock) PulseDurationAt(bpm float64) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return timing.PulseDuration(bpm, c.ppqn)
}

func (c *Clock) TicksBeforeNextBar() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return timing.TicksBeforeNextBar(c.position, c.ppqn, c.sig)
}

func (c *Clock) TicksBeforeNextBeat() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return timing.TicksBeforeNextBeat(c.position, c.ppqn)
}

// RealTime is hardware time minus the accumulated pause time.
func (c *Clock) RealTime() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.realTime()
}

// LogicalTime is the clock's own accumulated time estimate.
func (c *Clock) LogicalTime() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.logicalTime
}

// Deviation is |LogicalTime - RealTime|. It is diagnostic only.
func (c *Clock) Deviation() float64 {
	return c.Snapshot().Deviation()
}

// LastPulseAt returns the wall time of the last handled pulse, zero if none.
// A running clock whose last pulse is stale has lost its pulse source.
func (c *Clock) LastPulseAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPulse
}

// Snapshot returns a consistent copy of the state.
func (c *Clock) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot()
}

func (c *Clock) snapshot() State {
	return State{
		Status:            c.status,
		Tick:              c.tick,
		BPM:               c.bpm,
		PPQN:              c.ppqn,
		Nudge:             c.nudge,
		Signature:         c.sig,
		Position:          c.position,
		LogicalTime:       c.logicalTime,
		RealTime:          c.realTime(),
		LastPauseTime:     c.lastPauseTime,
		LastPlayPressTime: c.lastPlayPressTime,
		TotalPauseTime:    c.totalPauseTime,
		Pulses:            c.pulses,
		IgnoredPulses:     c.ignored,
	}
}

func (c *Clock) notifierList() []Notifier {
	if len(c.notifiers) == 0 {
		return nil
	}
	return append([]Notifier(nil), c.notifiers...)
}

func (c *Clock) hardwareTime() float64 {
	if c.hardware == nil {
		return 0
	}
	return c.hardware.CurrentTime()
}

func (c *Clock) realTime() float64 {
	return c.hardwareTime() - c.totalPauseTime
}

func validBpm(v float64) bool {
	return v > 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}
