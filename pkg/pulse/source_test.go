package pulse

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/Bubobubobubobubo/topos/pkg/transport"
)

// callback is the duration of one DefaultQuantum block.
const callback = float64(DefaultQuantum) / SampleRate

func newLinkedSource(t *testing.T, bpm float64, ppqn int) (*transport.Link, *Source, transport.Endpoint) {
	t.Helper()
	link := transport.NewLink(transport.WithChannelSize(4096))
	ep := link.Attach()
	return link, NewSource(ep, bpm, ppqn), ep
}

func TestSourceSilentUntilStarted(t *testing.T) {
	_, src, _ := newLinkedSource(t, 120, 48)

	for i := 1; i <= 100; i++ {
		if src.Process(float64(i) * callback) {
			t.Fatal("stopped source must not emit")
		}
	}
	if src.Emitted() != 0 {
		t.Errorf("Emitted() = %d, want 0", src.Emitted())
	}
	if src.Processed() != 100 {
		t.Errorf("Processed() = %d, want 100", src.Processed())
	}
}

func TestSourcePulseRate(t *testing.T) {
	link, src, _ := newLinkedSource(t, 120, 48)
	link.Start()

	// One second at 120 bpm and 48 ppqn is 96 pulses.
	callbacks := int(1.0 / callback)
	for i := 1; i <= callbacks; i++ {
		src.Process(float64(i) * callback)
	}

	got := src.Emitted()
	if got < 94 || got > 97 {
		t.Errorf("Emitted() = %d over one second, want ~96", got)
	}
}

func TestSourceAtMostOnePulsePerCallback(t *testing.T) {
	link, src, _ := newLinkedSource(t, 300, 960)
	link.Start()

	for i := 1; i <= 50; i++ {
		before := src.Emitted()
		src.Process(float64(i) * callback)
		if src.Emitted()-before > 1 {
			t.Fatalf("callback %d emitted more than one pulse", i)
		}
	}
}

func TestSourceConfigureDoesNotBurst(t *testing.T) {
	link, src, _ := newLinkedSource(t, 60, 24)
	link.Start()

	now := 0.0
	for i := 0; i < 200; i++ {
		now += callback
		src.Process(now)
	}

	link.SetBpm(240)
	now += callback
	if src.Process(now) {
		t.Error("the callback applying a tempo change must only re-anchor")
	}
	if src.BPM() != 240 {
		t.Errorf("BPM() = %v, want 240", src.BPM())
	}

	link.SetPpqn(0)
	link.SetBpm(-1)
	src.Process(now + callback)
	if src.BPM() != 240 || src.PPQN() != 24 {
		t.Errorf("invalid configuration was applied: bpm=%v ppqn=%d", src.BPM(), src.PPQN())
	}
}

func TestSourcePauseAndStopHaltEmission(t *testing.T) {
	for _, halt := range []transport.Message{transport.Pause(), transport.Stop()} {
		t.Run(halt.String(), func(t *testing.T) {
			link, src, _ := newLinkedSource(t, 120, 48)
			link.Start()
			now := 0.0
			for i := 0; i < 100; i++ {
				now += callback
				src.Process(now)
			}
			link.Send(halt)
			emitted := src.Emitted()
			for i := 0; i < 100; i++ {
				now += callback
				src.Process(now)
			}
			if src.Running() {
				t.Error("source should not be running")
			}
			if src.Emitted() != emitted {
				t.Errorf("emitted %d pulses after %s", src.Emitted()-emitted, halt)
			}
		})
	}
}

func TestSourceNudgeClamp(t *testing.T) {
	link, src, _ := newLinkedSource(t, 120, 48)
	link.SetNudge(500)
	src.Process(0)
	if src.Nudge() != MaxNudge {
		t.Errorf("Nudge() = %v, want %v", src.Nudge(), MaxNudge)
	}
	link.SetNudge(-12.5)
	src.Process(0)
	if src.Nudge() != -12.5 {
		t.Errorf("Nudge() = %v, want -12.5", src.Nudge())
	}
}

func TestSourceNudgeShiftsBoundary(t *testing.T) {
	// At 60 bpm and 4 ppqn a pulse lasts 250ms; a 10% nudge pulls the next
	// boundary 100ms earlier.
	plainLink, plain, _ := newLinkedSource(t, 60, 4)
	nudgedLink, nudged, _ := newLinkedSource(t, 60, 4)
	nudgedLink.SetNudge(10)
	plainLink.Start()
	nudgedLink.Start()

	plain.Process(0.001)
	nudged.Process(0.001)

	if plain.Process(0.2) {
		t.Error("un-nudged source crossed a boundary too early")
	}
	if !nudged.Process(0.2) {
		t.Error("nudged source should cross its boundary by 200ms")
	}
}

func TestSourceDropsWhenUplinkFull(t *testing.T) {
	link := transport.NewLink(transport.WithChannelSize(1))
	ep := link.Attach()
	src := NewSource(ep, 120, 48)
	link.Start()

	now := 0.0
	for i := 0; i < 400; i++ {
		now += callback
		src.Process(now)
	}
	if src.Emitted() != 1 {
		t.Errorf("Emitted() = %d, want 1", src.Emitted())
	}
	if src.Dropped() == 0 {
		t.Error("Dropped() should count pulses lost to a full uplink")
	}
}

func TestSourceMonotonicProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("pulse count matches boundaries crossed when callbacks are short", prop.ForAll(
		func(bpm float64, ppqn int, callbacks int) bool {
			link := transport.NewLink(transport.WithChannelSize(1 << 16))
			ep := link.Attach()
			src := NewSource(ep, bpm, ppqn)
			link.Start()

			// Callbacks shorter than a pulse: nothing is skipped.
			step := 60 / bpm / float64(ppqn) / 3
			now := 0.0
			src.Process(now)
			for i := 0; i < callbacks; i++ {
				now += step
				src.Process(now)
			}
			want := uint64(callbacks / 3)
			got := src.Emitted()
			return got+1 >= want && got <= want+1
		},
		gen.Float64Range(30, 300),
		gen.IntRange(1, 96),
		gen.IntRange(0, 3000),
	))

	properties.TestingRun(t)
}

func TestStreamDrivesSource(t *testing.T) {
	link, src, _ := newLinkedSource(t, 120, 48)
	stream := NewStream(src, nil)
	link.Start()

	buf := make([]byte, DefaultQuantum*bytesPerFrame)
	for i := 0; i < int(SampleRate/DefaultQuantum); i++ {
		n, err := stream.Read(buf)
		if err != nil || n != len(buf) {
			t.Fatalf("Read() = %d, %v", n, err)
		}
	}

	if got := stream.CurrentTime(); got < 0.99 || got > 1.0 {
		t.Errorf("CurrentTime() = %v, want ~1s", got)
	}
	if n := src.Emitted(); n < 94 {
		t.Errorf("emitted %d pulses, want ~96", n)
	}
}

type constRenderer float32

func (c constRenderer) Render(left, right []float32) {
	for i := range left {
		left[i] = float32(c)
		right[i] = float32(c)
	}
}

func TestStreamRenderAndMute(t *testing.T) {
	stream := NewStream(nil, constRenderer(2))
	buf := make([]byte, 8)
	stream.Read(buf)
	if buf[0] != 0xff || buf[1] != 0x7f {
		t.Errorf("clamped sample = %x %x, want ff 7f", buf[0], buf[1])
	}

	stream.SetMuted(true)
	stream.Read(buf)
	for i, b := range buf {
		if b != 0 {
			t.Fatalf("muted byte %d = %x", i, b)
		}
	}
	if stream.Frames() != 4 {
		t.Errorf("Frames() = %d, want 4", stream.Frames())
	}
	if n, _ := stream.Read(make([]byte, 3)); n != 0 {
		t.Errorf("partial frame read returned %d", n)
	}
}

func TestHeadlessHost(t *testing.T) {
	link, src, _ := newLinkedSource(t, 240, 24)
	stream := NewStream(src, nil)
	host := NewHeadlessHost(stream, 0)
	link.Start()

	if err := host.Resume(); err != nil {
		t.Fatalf("Resume() error: %v", err)
	}
	host.Resume()
	time.Sleep(150 * time.Millisecond)
	host.Suspend()
	host.Suspend()

	if host.IsRunning() {
		t.Error("host should be suspended")
	}
	if host.CurrentTime() < 0.05 {
		t.Errorf("CurrentTime() = %v, hardware time did not advance", host.CurrentTime())
	}
	if src.Emitted() == 0 {
		t.Error("no pulses emitted by headless host")
	}

	frozen := host.CurrentTime()
	time.Sleep(30 * time.Millisecond)
	if host.CurrentTime() != frozen {
		t.Error("hardware time advanced while suspended")
	}
	host.Close()
}
