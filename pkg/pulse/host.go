package pulse

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hajimehoshi/ebiten/v2/audio"

	"github.com/Bubobubobubobubo/topos/pkg/logger"
)

// DefaultQuantum is the number of frames per callback used by HeadlessHost.
const DefaultQuantum = 128

// DefaultBufferSize is the player buffer requested from the audio driver.
const DefaultBufferSize = 20 * time.Millisecond

// Host runs a Stream on a hardware (or emulated) audio clock.
type Host interface {
	// Resume starts or resumes the audio callbacks.
	Resume() error
	// Suspend pauses the audio callbacks. Hardware time stops advancing.
	Suspend()
	// Close releases the host.
	Close() error
	// CurrentTime returns the hardware time in seconds.
	CurrentTime() float64
}

var (
	// Ebiten allows a single audio context per process.
	sharedContext *audio.Context
	contextMu     sync.Mutex
)

func audioContext() *audio.Context {
	contextMu.Lock()
	defer contextMu.Unlock()

	if sharedContext == nil {
		sharedContext = audio.NewContext(SampleRate)
	}
	return sharedContext
}

// EbitenHost plays a Stream through the Ebitengine audio context. The
// player's reader goroutine is the audio callback.
type EbitenHost struct {
	stream *Stream
	player *audio.Player
	mu     sync.Mutex
	log    *slog.Logger
}

// NewEbitenHost creates a suspended host for stream.
func NewEbitenHost(stream *Stream, log *slog.Logger) (host *EbitenHost, err error) {
	if log == nil {
		log = logger.GetLogger()
	}

	// Driver initialisation failures surface as panics in some backends.
	defer func() {
		if r := recover(); r != nil {
			host = nil
			err = fmt.Errorf("failed to initialise audio context: %v", r)
		}
	}()

	player, err := audioContext().NewPlayer(stream)
	if err != nil {
		return nil, fmt.Errorf("failed to create audio player: %w", err)
	}
	player.SetBufferSize(DefaultBufferSize)

	return &EbitenHost{
		stream: stream,
		player: player,
		log:    log,
	}, nil
}

// Resume starts playback; the audio driver begins pulling blocks.
func (h *EbitenHost) Resume() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.player == nil {
		return fmt.Errorf("audio host closed")
	}
	if !h.player.IsPlaying() {
		h.player.Play()
		h.log.Debug("Audio host resumed")
	}
	return nil
}

// Suspend pauses playback.
func (h *EbitenHost) Suspend() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.player != nil && h.player.IsPlaying() {
		h.player.Pause()
		h.log.Debug("Audio host suspended")
	}
}

// Close stops playback and releases the player.
func (h *EbitenHost) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.player == nil {
		return nil
	}
	err := h.player.Close()
	h.player = nil
	return err
}

// CurrentTime returns the stream's hardware time.
func (h *EbitenHost) CurrentTime() float64 {
	return h.stream.CurrentTime()
}

// HeadlessHost emulates an audio device with a goroutine that reads the
// stream in fixed quanta, keeping pace with the wall clock. Output is
// discarded.
type HeadlessHost struct {
	stream   *Stream
	quantum  int
	interval time.Duration
	buf      []byte
	now      func() time.Time

	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
	mu      sync.Mutex
}

// NewHeadlessHost creates a suspended headless host. A non-positive quantum
// selects DefaultQuantum.
func NewHeadlessHost(stream *Stream, quantum int) *HeadlessHost {
	if quantum <= 0 {
		quantum = DefaultQuantum
	}
	interval := time.Duration(float64(quantum) / SampleRate * float64(time.Second))
	return &HeadlessHost{
		stream:   stream,
		quantum:  quantum,
		interval: interval,
		buf:      make([]byte, quantum*bytesPerFrame),
		now:      time.Now,
	}
}

// Resume starts the callback goroutine. Resuming a running host does nothing.
func (h *HeadlessHost) Resume() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.running {
		return nil
	}

	h.running = true
	h.stopCh = make(chan struct{})
	h.doneCh = make(chan struct{})

	go h.run(h.stopCh, h.doneCh)
	return nil
}

// run reads as many quanta as the wall clock says are due on every tick,
// so a late tick catches up instead of drifting.
func (h *HeadlessHost) run(stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	startWall := h.now()
	startFrames := h.stream.Frames()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			due := startFrames + int64(h.now().Sub(startWall).Seconds()*SampleRate)
			for h.stream.Frames()+int64(h.quantum) <= due {
				h.stream.Read(h.buf)
			}
		}
	}
}

// Suspend stops the callback goroutine and waits for it to exit.
func (h *HeadlessHost) Suspend() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	h.running = false
	close(h.stopCh)
	doneCh := h.doneCh
	h.mu.Unlock()

	// Wait outside the lock; the goroutine never takes it.
	<-doneCh
}

// Close suspends the host.
func (h *HeadlessHost) Close() error {
	h.Suspend()
	return nil
}

// IsRunning reports whether callbacks are being issued.
func (h *HeadlessHost) IsRunning() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.running
}

// CurrentTime returns the stream's hardware time.
func (h *HeadlessHost) CurrentTime() float64 {
	return h.stream.CurrentTime()
}
