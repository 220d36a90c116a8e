package app

import (
	"path/filepath"
	"testing"

	"github.com/Bubobubobubobubo/topos/pkg/cli"
	"github.com/Bubobubobubobubo/topos/pkg/clock"
	"github.com/Bubobubobubobubo/topos/pkg/eval"
	"github.com/Bubobubobubobubo/topos/pkg/logger"
	"github.com/Bubobubobubobubo/topos/pkg/store"
	"github.com/Bubobubobubobubo/topos/pkg/timing"
)

func TestApplySettings(t *testing.T) {
	saved := store.Settings{BPM: 90, PPQN: 24, BeatsPerBar: 3, BeatUnit: 4, Nudge: 10}

	tests := []struct {
		name     string
		args     []string
		wantBPM  float64
		wantPPQN int
		wantSig  timing.TimeSignature
	}{
		{"all restored", nil, 90, 24, timing.TimeSignature{BeatsPerBar: 3, BeatUnit: 4}},
		{"flags win", []string{"--bpm", "140", "--time-signature", "7/8"}, 140, 24, timing.TimeSignature{BeatsPerBar: 7, BeatUnit: 8}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config, err := cli.ParseArgs(tt.args)
			if err != nil {
				t.Fatal(err)
			}
			applySettings(config, saved)
			if config.BPM != tt.wantBPM || config.PPQN != tt.wantPPQN || config.Signature != tt.wantSig {
				t.Errorf("got bpm=%v ppqn=%v sig=%v", config.BPM, config.PPQN, config.Signature)
			}
			if config.Nudge != 10 {
				t.Errorf("nudge = %v", config.Nudge)
			}
		})
	}
}

func TestSessionRoundTrip(t *testing.T) {
	log := logger.GetLogger()
	path := filepath.Join(t.TempDir(), "state.db")

	sess, err := openSession(path, log)
	if err != nil {
		t.Fatalf("openSession: %v", err)
	}
	buf := eval.NewBuffer("song.lua", `sound("kick")`)
	buf.SetCommitted(`sound("kick")`)
	sess.startRun("song.lua")

	final := clock.State{
		Tick: 480, Pulses: 480, BPM: 128, PPQN: 48, Nudge: -5,
		Signature: timing.TimeSignature{BeatsPerBar: 5, BeatUnit: 4},
	}
	sess.save(final, buf, eval.Stats{Attempts: 480, Fallbacks: 3})
	sess.close()

	sess, err = openSession(path, log)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer sess.close()

	config, err := cli.ParseArgs(nil)
	if err != nil {
		t.Fatal(err)
	}
	sess.restoreSettings(config)
	if config.BPM != 128 || config.Nudge != -5 || config.Signature.BeatsPerBar != 5 {
		t.Errorf("settings not restored: %+v", config)
	}

	restored := eval.NewBuffer("song.lua", "broken(")
	sess.restoreBuffer(restored)
	if restored.Committed() != `sound("kick")` {
		t.Errorf("committed = %q", restored.Committed())
	}

	runs, err := sess.history()(5)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 || runs[0].FinalTick != 480 || runs[0].Fallbacks != 3 || runs[0].StoppedAt.IsZero() {
		t.Errorf("unexpected runs %+v", runs)
	}
}

func TestSessionWithoutDatabase(t *testing.T) {
	sess, err := openSession("", logger.GetLogger())
	if err != nil {
		t.Fatal(err)
	}
	config, _ := cli.ParseArgs(nil)
	sess.restoreSettings(config)
	sess.startRun("x.lua")
	sess.save(clock.State{}, eval.NewBuffer("x.lua", ""), eval.Stats{})
	if sess.history() != nil {
		t.Error("history must be unavailable without a database")
	}
	sess.close()
}
