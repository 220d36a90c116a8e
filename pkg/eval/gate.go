package eval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Bubobubobubobubo/topos/pkg/logger"
)

// DefaultCandidateTimeout bounds the evaluation of edited text.
const DefaultCandidateTimeout = 5 * time.Second

// DefaultFallbackTimeout bounds the re-run of the last committed text.
const DefaultFallbackTimeout = time.Second

// ErrTimeout is reported when an evaluation loses the race against its deadline.
var ErrTimeout = errors.New("evaluation timed out")

// ErrPanic wraps a panic raised inside an evaluator.
var ErrPanic = errors.New("evaluation panicked")

// Outcome describes one evaluation attempt.
type Outcome struct {
	Iteration   int
	Promoted    bool
	FellBack    bool
	Err         error // candidate error, nil when promoted
	FallbackErr error // fallback error, nil when the fallback ran cleanly or was skipped
}

// Stats is a snapshot of gate counters.
type Stats struct {
	Attempts         int64
	Promotions       int64
	Failures         int64
	Fallbacks        int64
	FallbackFailures int64
	Timeouts         int64
	InFlight         int64
}

// Gate invokes user code once per pulse with strict isolation.
//
// A candidate that evaluates cleanly within its deadline is committed. A
// candidate that fails or times out is not committed; instead the last
// committed text runs with a shorter deadline. Errors never escape the gate.
type Gate struct {
	evaluator        Evaluator
	candidateTimeout time.Duration
	fallbackTimeout  time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex // guards closed and wg.Add against Close
	closed bool

	attempts         atomic.Int64
	promotions       atomic.Int64
	failures         atomic.Int64
	fallbacks        atomic.Int64
	fallbackFailures atomic.Int64
	timeouts         atomic.Int64
	inFlight         atomic.Int64

	log *slog.Logger
}

// Option configures a Gate.
type Option func(*Gate)

// WithLogger sets a custom logger.
func WithLogger(log *slog.Logger) Option {
	return func(g *Gate) {
		g.log = log
	}
}

// WithTimeouts sets the candidate and fallback deadlines. Non-positive
// values keep the defaults.
func WithTimeouts(candidate, fallback time.Duration) Option {
	return func(g *Gate) {
		if candidate > 0 {
			g.candidateTimeout = candidate
		}
		if fallback > 0 {
			g.fallbackTimeout = fallback
		}
	}
}

// NewGate creates a gate around an evaluator.
func NewGate(evaluator Evaluator, opts ...Option) *Gate {
	ctx, cancel := context.WithCancel(context.Background())
	g := &Gate{
		evaluator:        evaluator,
		candidateTimeout: DefaultCandidateTimeout,
		fallbackTimeout:  DefaultFallbackTimeout,
		ctx:              ctx,
		cancel:           cancel,
		log:              logger.GetLogger(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Trigger starts an evaluation attempt on its own goroutine and returns
// immediately. Attempts are never queued behind one another.
func (g *Gate) Trigger(buf *Buffer, env Env) {
	if buf == nil {
		return
	}
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.wg.Add(1)
	g.mu.Unlock()

	go func() {
		defer g.wg.Done()
		g.AttemptEvaluate(g.ctx, buf, env)
	}()
}

// AttemptEvaluate performs one evaluation attempt synchronously.
func (g *Gate) AttemptEvaluate(ctx context.Context, buf *Buffer, env Env) (out Outcome) {
	g.attempts.Add(1)
	g.inFlight.Add(1)
	defer g.inFlight.Add(-1)

	// Nothing below may take the caller down.
	defer func() {
		if r := recover(); r != nil {
			g.log.Error("Evaluation gate recovered from panic", "buffer", buf.Name(), "panic", r)
			out.Err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()

	iteration, candidate := buf.begin()
	env.Iteration = iteration
	out.Iteration = iteration

	err := g.run(ctx, buf.Name(), candidate, env, g.candidateTimeout)
	if err == nil {
		buf.promote(candidate)
		g.promotions.Add(1)
		out.Promoted = true
		return out
	}

	g.failures.Add(1)
	out.Err = err
	g.log.Warn("Candidate evaluation failed", "buffer", buf.Name(), "iteration", iteration, "error", err)

	committed := buf.Committed()
	if committed == "" {
		g.log.Debug("No committed text to fall back to", "buffer", buf.Name())
		return out
	}

	out.FellBack = true
	g.fallbacks.Add(1)
	if err := g.run(ctx, buf.Name(), committed, env, g.fallbackTimeout); err != nil {
		g.fallbackFailures.Add(1)
		out.FallbackErr = err
		g.log.Error("Fallback evaluation failed", "buffer", buf.Name(), "iteration", iteration, "error", err)
		return out
	}
	buf.countFallback()
	return out
}

// run races one evaluation against its deadline. When the deadline wins, the
// evaluation goroutine is left to finish on its own and its result is dropped.
func (g *Gate) run(ctx context.Context, name, code string, env Env, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("%w: %v", ErrPanic, r)
			}
		}()
		done <- g.evaluator.Evaluate(ctx, name, code, env)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			g.timeouts.Add(1)
			return fmt.Errorf("%w after %v", ErrTimeout, timeout)
		}
		return ctx.Err()
	}
}

// Wait blocks until every triggered attempt has returned.
func (g *Gate) Wait() {
	g.wg.Wait()
}

// Close cancels in-flight attempts and waits for them to return. Triggers
// after Close are ignored.
func (g *Gate) Close() {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()

	g.cancel()
	g.wg.Wait()
}

// Stats returns a snapshot of the gate counters.
func (g *Gate) Stats() Stats {
	return Stats{
		Attempts:         g.attempts.Load(),
		Promotions:       g.promotions.Load(),
		Failures:         g.failures.Load(),
		Fallbacks:        g.fallbacks.Load(),
		FallbackFailures: g.fallbackFailures.Load(),
		Timeouts:         g.timeouts.Load(),
		InFlight:         g.inFlight.Load(),
	}
}
