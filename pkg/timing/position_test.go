package timing

import (
	"math"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestPositionFromTick(t *testing.T) {
	tests := []struct {
		name string
		tick int64
		ppqn int
		sig  TimeSignature
		want Position
	}{
		{"origin", 0, 48, DefaultTimeSignature, Position{}},
		{"mid beat", 100, 48, DefaultTimeSignature, Position{Bar: 0, Beat: 2, Pulse: 4}},
		{"first bar line", 192, 48, DefaultTimeSignature, Position{Bar: 1}},
		{"waltz", 24*3*5 + 24 + 1, 24, TimeSignature{3, 4}, Position{Bar: 5, Beat: 1, Pulse: 1}},
		{"negative tick", -7, 48, DefaultTimeSignature, Position{}},
		{"zero ppqn", 50, 0, DefaultTimeSignature, Position{}},
		{"bad signature", 50, 48, TimeSignature{0, 4}, Position{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := PositionFromTick(tt.tick, tt.ppqn, tt.sig)
			if got != tt.want {
				t.Errorf("PositionFromTick(%d) = %v, want %v", tt.tick, got, tt.want)
			}
		})
	}
}

func TestPulseDuration(t *testing.T) {
	got := PulseDuration(120, 48)
	if math.Abs(got-0.0104166) > 1e-6 {
		t.Errorf("PulseDuration(120, 48) = %f, want ~0.0104166", got)
	}
	if PulseDuration(0, 48) != 0 || PulseDuration(120, 0) != 0 {
		t.Error("PulseDuration should be 0 for non-positive input")
	}
	if BeatDuration(60) != 1 {
		t.Errorf("BeatDuration(60) = %f, want 1", BeatDuration(60))
	}
}

func TestTicksBefore(t *testing.T) {
	p := Position{Bar: 3, Beat: 2, Pulse: 4}
	if got := TicksBeforeNextBeat(p, 48); got != 44 {
		t.Errorf("TicksBeforeNextBeat = %d, want 44", got)
	}
	if got := TicksBeforeNextBar(p, 48, DefaultTimeSignature); got != 48+44 {
		t.Errorf("TicksBeforeNextBar = %d, want %d", got, 48+44)
	}
	if got := TicksBeforeNextBar(Position{}, 48, DefaultTimeSignature); got != 192 {
		t.Errorf("TicksBeforeNextBar at origin = %d, want 192", got)
	}
}

func TestPositionFromTickProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 500

	properties := gopter.NewProperties(parameters)

	properties.Property("position recomposes to tick and stays in range", prop.ForAll(
		func(tick int64, ppqn int, beatsPerBar int) bool {
			sig := TimeSignature{BeatsPerBar: beatsPerBar, BeatUnit: 4}
			p := PositionFromTick(tick, ppqn, sig)
			if p.Pulse != int(tick%int64(ppqn)) {
				return false
			}
			if p.Beat < 0 || p.Beat >= beatsPerBar || p.Pulse < 0 || p.Pulse >= ppqn || p.Bar < 0 {
				return false
			}
			return TickFromPosition(p, ppqn, sig) == tick
		},
		gen.Int64Range(0, 1<<40),
		gen.IntRange(1, 960),
		gen.IntRange(1, 16),
	))

	properties.TestingRun(t)
}
