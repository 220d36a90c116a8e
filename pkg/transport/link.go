package transport

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/Bubobubobubobubo/topos/pkg/logger"
)

// DefaultChannelSize is the buffer size of both link directions.
const DefaultChannelSize = DefaultQueueSize

// Endpoint is the audio-side half of a Link.
// The pulse source drains Inbox without blocking and posts pulses to Outbox
// without blocking.
type Endpoint struct {
	Inbox  <-chan Message
	Outbox chan<- Message
}

// Stats is a snapshot of link counters.
type Stats struct {
	Attached        bool
	Pending         int
	DroppedCommands int64
	DroppedPending  int
	Delivered       int64
}

// Link relays commands from the controller down to the pulse source and
// pulses from the pulse source up to the controller.
//
// Commands issued before the source is attached are kept in a bounded queue
// and flushed, in order, on Attach. Sending never blocks the caller.
type Link struct {
	down    chan Message
	up      chan Message
	pending *Queue

	attached bool
	mu       sync.Mutex

	droppedCommands atomic.Int64
	delivered       atomic.Int64

	log *slog.Logger
}

// Option configures a Link.
type Option func(*Link)

// WithLogger sets a custom logger.
func WithLogger(log *slog.Logger) Option {
	return func(l *Link) {
		l.log = log
	}
}

// WithChannelSize sets the buffer size of both directions.
func WithChannelSize(size int) Option {
	return func(l *Link) {
		if size > 0 {
			l.down = make(chan Message, size)
			l.up = make(chan Message, size)
			l.pending = NewQueueWithSize(size)
		}
	}
}

// NewLink creates an unattached link.
func NewLink(opts ...Option) *Link {
	l := &Link{
		down:    make(chan Message, DefaultChannelSize),
		up:      make(chan Message, DefaultChannelSize),
		pending: NewQueueWithSize(DefaultChannelSize),
		log:     logger.GetLogger(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Attach connects the pulse source side and flushes queued commands.
// Calling Attach again returns the same endpoint.
func (l *Link) Attach() Endpoint {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.attached {
		l.attached = true
		queued := l.pending.Drain()
		for _, m := range queued {
			l.sendLocked(m)
		}
		l.log.Debug("Transport link attached", "flushed", len(queued))
	}
	return Endpoint{Inbox: l.down, Outbox: l.up}
}

// Attached reports whether a pulse source has been attached.
func (l *Link) Attached() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.attached
}

// Send forwards a command to the pulse source.
// Pulse messages are rejected; they only travel upward.
func (l *Link) Send(m Message) {
	if !m.IsCommand() {
		l.log.Warn("Ignoring non-command message on downlink", "message", m.String())
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.attached {
		l.pending.Push(m)
		return
	}
	l.sendLocked(m)
}

// sendLocked posts m without blocking. Must be called with l.mu held.
func (l *Link) sendLocked(m Message) {
	select {
	case l.down <- m:
	default:
		l.droppedCommands.Add(1)
		l.log.Warn("Transport downlink full, command dropped", "message", m.String())
	}
}

// Start forwards a start command.
func (l *Link) Start() { l.Send(Start()) }

// Pause forwards a pause command.
func (l *Link) Pause() { l.Send(Pause()) }

// Stop forwards a stop command.
func (l *Link) Stop() { l.Send(Stop()) }

// SetBpm forwards a tempo change.
func (l *Link) SetBpm(bpm float64) { l.Send(SetBpm(bpm)) }

// SetPpqn forwards a resolution change.
func (l *Link) SetPpqn(ppqn int) { l.Send(SetPpqn(ppqn)) }

// SetNudge forwards a nudge change.
func (l *Link) SetNudge(percent float64) { l.Send(SetNudge(percent)) }

// Run delivers upward messages to handler until ctx is done.
// Messages are handled one at a time in the order they were posted.
func (l *Link) Run(ctx context.Context, handler func(Message)) {
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-l.up:
			l.delivered.Add(1)
			handler(m)
		}
	}
}

// Stats returns a snapshot of the link counters.
func (l *Link) Stats() Stats {
	l.mu.Lock()
	attached := l.attached
	l.mu.Unlock()

	return Stats{
		Attached:        attached,
		Pending:         l.pending.Len(),
		DroppedCommands: l.droppedCommands.Load(),
		DroppedPending:  l.pending.Dropped(),
		Delivered:       l.delivered.Load(),
	}
}
