package pulse

import (
	"encoding/binary"
	"sync/atomic"
)

// SampleRate is the audio sample rate of every host.
const SampleRate = 44100

// bytesPerFrame is 16-bit little-endian stereo.
const bytesPerFrame = 4

// Renderer fills one block of stereo samples. It is called from the audio
// goroutine and must not block for long.
type Renderer interface {
	Render(left, right []float32)
}

// Stream is the audio callback. Each Read renders one block from the
// renderer, advances the hardware frame counter and lets the pulse source
// look at the new hardware time.
//
// Read must only be called by one goroutine at a time (the audio host).
type Stream struct {
	source     *Source
	renderer   Renderer
	sampleRate int

	frames atomic.Int64
	muted  atomic.Bool

	left  []float32
	right []float32
}

// NewStream creates a stream driving source. renderer may be nil for silence.
func NewStream(source *Source, renderer Renderer) *Stream {
	return &Stream{
		source:     source,
		renderer:   renderer,
		sampleRate: SampleRate,
	}
}

// Read implements io.Reader for audio players.
func (s *Stream) Read(p []byte) (int, error) {
	frames := len(p) / bytesPerFrame
	if frames == 0 {
		return 0, nil
	}

	if cap(s.left) < frames {
		s.left = make([]float32, frames)
		s.right = make([]float32, frames)
	}
	left := s.left[:frames]
	right := s.right[:frames]
	clear(left)
	clear(right)

	if s.renderer != nil {
		s.renderer.Render(left, right)
	}

	muted := s.muted.Load()
	for i := range frames {
		var l, r int16
		if !muted {
			l = int16(clamp(left[i], -1, 1) * 32767)
			r = int16(clamp(right[i], -1, 1) * 32767)
		}
		binary.LittleEndian.PutUint16(p[i*bytesPerFrame:], uint16(l))
		binary.LittleEndian.PutUint16(p[i*bytesPerFrame+2:], uint16(r))
	}

	s.frames.Add(int64(frames))
	if s.source != nil {
		s.source.Process(s.CurrentTime())
	}

	return frames * bytesPerFrame, nil
}

// CurrentTime returns the hardware time in seconds: frames rendered / sample rate.
// Safe to call from any goroutine.
func (s *Stream) CurrentTime() float64 {
	return float64(s.frames.Load()) / float64(s.sampleRate)
}

// Frames returns the number of frames rendered so far.
func (s *Stream) Frames() int64 {
	return s.frames.Load()
}

// SetMuted silences the output while keeping rendering and pulses running.
func (s *Stream) SetMuted(muted bool) {
	s.muted.Store(muted)
}

// IsMuted reports whether output is silenced.
func (s *Stream) IsMuted() bool {
	return s.muted.Load()
}

// clamp restricts a value to the range [min, max].
func clamp(v, min, max float32) float32 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
