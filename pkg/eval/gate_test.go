package eval

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptedEvaluator fails on any text containing "broken", panics on "panic"
// and blocks on "hang" until released.
type scriptedEvaluator struct {
	mu      sync.Mutex
	ran     []string
	release chan struct{}
}

func newScriptedEvaluator() *scriptedEvaluator {
	return &scriptedEvaluator{release: make(chan struct{})}
}

func (s *scriptedEvaluator) Evaluate(ctx context.Context, name, code string, env Env) error {
	s.mu.Lock()
	s.ran = append(s.ran, code)
	s.mu.Unlock()

	switch {
	case strings.Contains(code, "broken"):
		return errors.New("syntax error")
	case strings.Contains(code, "panic"):
		panic("boom")
	case strings.Contains(code, "hang"):
		<-s.release
	}
	return nil
}

func (s *scriptedEvaluator) runs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ran...)
}

func TestGatePromotesCleanCandidate(t *testing.T) {
	ev := newScriptedEvaluator()
	g := NewGate(ev, WithLogger(quietLogger()))
	buf := NewBuffer("main", "kick()")

	out := g.AttemptEvaluate(context.Background(), buf, Env{})
	if !out.Promoted || out.Err != nil {
		t.Fatalf("expected promotion, got %+v", out)
	}
	if buf.Committed() != "kick()" {
		t.Errorf("expected committed 'kick()', got %q", buf.Committed())
	}
	if buf.Evaluations() != 1 || out.Iteration != 1 {
		t.Errorf("expected 1 evaluation, got %d (iteration %d)", buf.Evaluations(), out.Iteration)
	}
}

func TestGateFallsBackToCommitted(t *testing.T) {
	ev := newScriptedEvaluator()
	g := NewGate(ev, WithLogger(quietLogger()))
	buf := NewBuffer("main", "kick()")
	g.AttemptEvaluate(context.Background(), buf, Env{})

	buf.SetCandidate("broken((((")
	out := g.AttemptEvaluate(context.Background(), buf, Env{})

	if out.Promoted {
		t.Fatal("broken candidate must not be promoted")
	}
	if out.Err == nil || !out.FellBack || out.FallbackErr != nil {
		t.Errorf("expected clean fallback, got %+v", out)
	}
	if buf.Committed() != "kick()" {
		t.Errorf("committed changed to %q", buf.Committed())
	}
	if buf.Candidate() != "broken((((" {
		t.Errorf("candidate changed to %q", buf.Candidate())
	}
	// first run, failed candidate, successful fallback
	if buf.Evaluations() != 3 {
		t.Errorf("expected 3 evaluations, got %d", buf.Evaluations())
	}
	runs := ev.runs()
	if len(runs) != 3 || runs[2] != "kick()" {
		t.Errorf("unexpected run sequence %v", runs)
	}
}

func TestGateSkipsFallbackWithoutCommitted(t *testing.T) {
	ev := newScriptedEvaluator()
	g := NewGate(ev, WithLogger(quietLogger()))
	buf := NewBuffer("main", "broken")

	out := g.AttemptEvaluate(context.Background(), buf, Env{})
	if out.FellBack {
		t.Error("fallback must be skipped when nothing is committed")
	}
	if len(ev.runs()) != 1 {
		t.Errorf("expected a single run, got %v", ev.runs())
	}
	if g.Stats().Failures != 1 || g.Stats().Fallbacks != 0 {
		t.Errorf("unexpected stats %+v", g.Stats())
	}
}

func TestGateAlwaysFailingScriptNeverCommits(t *testing.T) {
	ev := newScriptedEvaluator()
	g := NewGate(ev, WithLogger(quietLogger()))
	buf := NewBuffer("main", "broken forever")

	for n := 0; n < 5; n++ {
		g.AttemptEvaluate(context.Background(), buf, Env{})
	}
	if buf.Committed() != "" {
		t.Errorf("expected nothing committed, got %q", buf.Committed())
	}
	if got := g.Stats().Failures; got != 5 {
		t.Errorf("expected 5 failures, got %d", got)
	}
}

func TestGateTimeout(t *testing.T) {
	ev := newScriptedEvaluator()
	defer close(ev.release)
	g := NewGate(ev, WithLogger(quietLogger()), WithTimeouts(20*time.Millisecond, 20*time.Millisecond))
	buf := NewBuffer("main", "kick()")
	g.AttemptEvaluate(context.Background(), buf, Env{})

	buf.SetCandidate("hang")
	start := time.Now()
	out := g.AttemptEvaluate(context.Background(), buf, Env{})
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("timeout took %v", elapsed)
	}
	if !errors.Is(out.Err, ErrTimeout) {
		t.Errorf("expected ErrTimeout, got %v", out.Err)
	}
	if !out.FellBack || out.FallbackErr != nil {
		t.Errorf("expected clean fallback after timeout, got %+v", out)
	}
	if buf.Committed() != "kick()" {
		t.Errorf("committed changed to %q", buf.Committed())
	}
	if g.Stats().Timeouts != 1 {
		t.Errorf("expected 1 timeout, got %d", g.Stats().Timeouts)
	}
}

func TestGateRecoversPanics(t *testing.T) {
	ev := newScriptedEvaluator()
	g := NewGate(ev, WithLogger(quietLogger()))
	buf := NewBuffer("main", "kick()")
	g.AttemptEvaluate(context.Background(), buf, Env{})

	buf.SetCandidate("panic()")
	out := g.AttemptEvaluate(context.Background(), buf, Env{})
	if !errors.Is(out.Err, ErrPanic) {
		t.Errorf("expected ErrPanic, got %v", out.Err)
	}
	if buf.Committed() != "kick()" {
		t.Errorf("committed changed to %q", buf.Committed())
	}
}

func TestGateFallbackFailure(t *testing.T) {
	ev := newScriptedEvaluator()
	g := NewGate(ev, WithLogger(quietLogger()))
	buf := NewBuffer("main", "broken")
	buf.SetCommitted("also broken")

	out := g.AttemptEvaluate(context.Background(), buf, Env{})
	if !out.FellBack || out.FallbackErr == nil {
		t.Errorf("expected failed fallback, got %+v", out)
	}
	if buf.Evaluations() != 1 {
		t.Errorf("failed fallback must not count, got %d evaluations", buf.Evaluations())
	}
}

func TestGateTriggerDoesNotBlock(t *testing.T) {
	ev := newScriptedEvaluator()
	g := NewGate(ev, WithLogger(quietLogger()), WithTimeouts(time.Second, time.Second))
	buf := NewBuffer("main", "hang")

	start := time.Now()
	for n := 0; n < 3; n++ {
		g.Trigger(buf, Env{})
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("Trigger blocked for %v", elapsed)
	}
	close(ev.release)
	g.Wait()

	if got := g.Stats().Attempts; got != 3 {
		t.Errorf("expected 3 attempts, got %d", got)
	}
	if buf.Committed() != "hang" {
		t.Errorf("expected committed 'hang', got %q", buf.Committed())
	}
	if g.Stats().InFlight != 0 {
		t.Errorf("expected nothing in flight, got %d", g.Stats().InFlight)
	}
}

func TestGateCloseDuringTriggers(t *testing.T) {
	quick := EvaluatorFunc(func(ctx context.Context, name, code string, env Env) error {
		return nil
	})
	g := NewGate(quick, WithLogger(quietLogger()))
	buf := NewBuffer("main", "x")

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for n := 0; n < 4; n++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					g.Trigger(buf, Env{})
				}
			}
		}()
	}

	time.Sleep(10 * time.Millisecond)
	g.Close()
	attempts := g.Stats().Attempts
	if in := g.Stats().InFlight; in != 0 {
		t.Errorf("expected nothing in flight after Close, got %d", in)
	}

	time.Sleep(10 * time.Millisecond)
	close(stop)
	wg.Wait()
	if got := g.Stats().Attempts; got != attempts {
		t.Errorf("triggers after Close must be ignored: %d attempts became %d", attempts, got)
	}
}

func TestGateCloseCancels(t *testing.T) {
	blocked := EvaluatorFunc(func(ctx context.Context, name, code string, env Env) error {
		<-ctx.Done()
		return ctx.Err()
	})
	g := NewGate(blocked, WithLogger(quietLogger()), WithTimeouts(time.Minute, time.Minute))
	buf := NewBuffer("main", "x")
	g.Trigger(buf, Env{})

	done := make(chan struct{})
	go func() {
		g.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return")
	}

	g.Trigger(buf, Env{})
	if got := g.Stats().Attempts; got != 1 {
		t.Errorf("trigger after close should be ignored, got %d attempts", got)
	}
}

func TestBufferSnapshot(t *testing.T) {
	buf := NewBuffer("drums", "a")
	buf.SetCommitted("b")
	snap := buf.Snapshot()
	want := BufferSnapshot{Name: "drums", Candidate: "a", Committed: "b"}
	if snap != want {
		t.Errorf("Snapshot() = %+v, want %+v", snap, want)
	}
}

// Committed text only ever holds a text that evaluated cleanly.
func TestGateCommittedProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("committed is always a clean candidate", prop.ForAll(
		func(broken []bool) bool {
			g := NewGate(newScriptedEvaluator(), WithLogger(quietLogger()))
			buf := NewBuffer("main", "")
			lastClean := ""
			for n, b := range broken {
				text := "ok" + strings.Repeat("!", n)
				if b {
					text = "broken" + strings.Repeat("!", n)
				} else {
					lastClean = text
				}
				buf.SetCandidate(text)
				g.AttemptEvaluate(context.Background(), buf, Env{})
				if strings.Contains(buf.Committed(), "broken") {
					return false
				}
			}
			return buf.Committed() == lastClean
		},
		gen.SliceOf(gen.Bool()),
	))

	properties.TestingRun(t)
}
