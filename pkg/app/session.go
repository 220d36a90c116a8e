package app

import (
	"log/slog"

	"github.com/Bubobubobubobubo/topos/pkg/cli"
	"github.com/Bubobubobubobubo/topos/pkg/clock"
	"github.com/Bubobubobubobubo/topos/pkg/eval"
	"github.com/Bubobubobubobubo/topos/pkg/store"
	"github.com/Bubobubobubobubo/topos/pkg/timing"
)

// session ties one run of the transport to the state database. A nil store
// turns every method into a no-op.
type session struct {
	store *store.Store
	run   *store.Run
	log   *slog.Logger
}

func openSession(path string, log *slog.Logger) (*session, error) {
	if path == "" {
		return &session{log: log}, nil
	}
	st, err := store.New(path)
	if err != nil {
		return nil, err
	}
	log.Info("State database opened", "path", path)
	return &session{store: st, log: log}, nil
}

// restoreSettings fills in transport settings from the last session. Values
// given on the command line are kept.
func (s *session) restoreSettings(config *cli.Config) {
	if s.store == nil {
		return
	}
	saved, ok, err := s.store.LoadSettings()
	if err != nil {
		s.log.Warn("Failed to load saved settings", "error", err)
		return
	}
	if !ok {
		return
	}
	applySettings(config, saved)
	s.log.Info("Settings restored", "bpm", config.BPM, "ppqn", config.PPQN, "signature", config.Signature)
}

func applySettings(config *cli.Config, saved store.Settings) {
	if !config.IsSet("bpm") && saved.BPM > 0 {
		config.BPM = saved.BPM
	}
	if !config.IsSet("ppqn") && saved.PPQN > 0 {
		config.PPQN = saved.PPQN
	}
	if !config.IsSet("nudge") {
		config.Nudge = saved.Nudge
	}
	sig := timing.TimeSignature{BeatsPerBar: saved.BeatsPerBar, BeatUnit: saved.BeatUnit}
	if !config.IsSet("time-signature") && sig.Valid() {
		config.Signature = sig
	}
}

// restoreBuffer seeds the committed text of buf so that a broken script still
// has something to fall back to.
func (s *session) restoreBuffer(buf *eval.Buffer) {
	if s.store == nil {
		return
	}
	rec, ok, err := s.store.LoadBuffer(buf.Name())
	if err != nil {
		s.log.Warn("Failed to load saved buffer", "buffer", buf.Name(), "error", err)
		return
	}
	if ok && rec.Committed != "" {
		buf.SetCommitted(rec.Committed)
		s.log.Info("Committed code restored", "buffer", buf.Name(), "saved", rec.UpdatedAt)
	}
}

func (s *session) startRun(scriptName string) {
	if s.store == nil {
		return
	}
	run, err := s.store.StartRun(scriptName)
	if err != nil {
		s.log.Warn("Failed to record run", "error", err)
		return
	}
	s.run = run
	s.log.Info("Run started", "run", run.ID)
}

// save persists the final state of the clock, the buffer and the run.
func (s *session) save(snap clock.State, buf *eval.Buffer, stats eval.Stats) {
	if s.store == nil {
		return
	}
	err := s.store.SaveSettings(store.Settings{
		BPM:         snap.BPM,
		PPQN:        snap.PPQN,
		BeatsPerBar: snap.Signature.BeatsPerBar,
		BeatUnit:    snap.Signature.BeatUnit,
		Nudge:       snap.Nudge,
	})
	if err != nil {
		s.log.Warn("Failed to save settings", "error", err)
	}

	b := buf.Snapshot()
	if b.Committed != "" {
		if err := s.store.SaveBuffer(b.Name, b.Committed, b.Evaluations); err != nil {
			s.log.Warn("Failed to save buffer", "buffer", b.Name, "error", err)
		}
	}

	if s.run != nil {
		err := s.store.FinishRun(s.run.ID, store.RunStats{
			FinalTick: snap.Tick,
			Pulses:    snap.Pulses,
			Attempts:  stats.Attempts,
			Fallbacks: stats.Fallbacks,
		})
		if err != nil {
			s.log.Warn("Failed to finish run", "run", s.run.ID, "error", err)
		}
	}
}

func (s *session) history() func(int) ([]store.Run, error) {
	if s.store == nil {
		return nil
	}
	return s.store.Runs
}

func (s *session) close() {
	if s.store == nil {
		return
	}
	if err := s.store.Close(); err != nil {
		s.log.Warn("Failed to close state database", "error", err)
	}
}
