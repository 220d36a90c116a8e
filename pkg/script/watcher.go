package script

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Bubobubobubobubo/topos/pkg/logger"
)

// DefaultPollInterval is how often a watched script is re-read.
const DefaultPollInterval = 250 * time.Millisecond

// Watcher re-reads a script periodically and reports content changes. It is
// how an external editor feeds the candidate text.
type Watcher struct {
	loader   *Loader
	name     string
	interval time.Duration
	onChange func(*Script)

	mu      sync.Mutex
	last    string
	failing bool

	log *slog.Logger
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithInterval sets the poll interval.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithWatcherLogger sets a custom logger.
func WithWatcherLogger(log *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		w.log = log
	}
}

// NewWatcher watches name. initial is the content already known to the
// caller; only different content is reported.
func NewWatcher(loader *Loader, name, initial string, onChange func(*Script), opts ...WatcherOption) *Watcher {
	w := &Watcher{
		loader:   loader,
		name:     name,
		interval: DefaultPollInterval,
		onChange: onChange,
		last:     initial,
		log:      logger.GetLogger(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Poll reads the script once and calls onChange if it differs from the last
// content seen.
func (w *Watcher) Poll() (bool, error) {
	s, err := w.loader.Load(w.name)

	w.mu.Lock()
	if err != nil {
		first := !w.failing
		w.failing = true
		w.mu.Unlock()
		if first {
			w.log.Warn("Script unreadable", "script", w.name, "error", err)
		}
		return false, err
	}
	if w.failing {
		w.log.Info("Script readable again", "script", w.name)
	}
	w.failing = false
	if s.Content == w.last {
		w.mu.Unlock()
		return false, nil
	}
	w.last = s.Content
	w.mu.Unlock()

	w.log.Debug("Script changed", "script", w.name, "size", s.Size)
	if w.onChange != nil {
		w.onChange(s)
	}
	return true, nil
}

// Run polls until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			// Poll logs read failures itself; the loop keeps polling.
			_, _ = w.Poll()
		}
	}
}
