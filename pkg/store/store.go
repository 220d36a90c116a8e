// Package store persists transport settings, committed scripts and a
// history of runs in SQLite.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	_ "modernc.org/sqlite"
)

// Store wraps a SQLite database in WAL mode.
type Store struct {
	db *sql.DB
}

// Settings is the persisted transport configuration.
type Settings struct {
	BPM         float64
	PPQN        int
	BeatsPerBar int
	BeatUnit    int
	Nudge       float64
	UpdatedAt   time.Time
}

// BufferRecord is the persisted state of a script buffer.
type BufferRecord struct {
	Name        string
	Committed   string
	Evaluations int
	UpdatedAt   time.Time
}

// Run is one session of the transport.
type Run struct {
	ID        string
	Script    string
	StartedAt time.Time
	StoppedAt time.Time // zero while running
	FinalTick int64
	Pulses    int64
	Attempts  int64
	Fallbacks int64
}

// RunStats are the counters recorded when a run finishes.
type RunStats struct {
	FinalTick int64
	Pulses    int64
	Attempts  int64
	Fallbacks int64
}

// New opens (or creates) the database and applies the schema.
func New(path string) (*Store, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS settings (
		id            INTEGER PRIMARY KEY CHECK (id = 1),
		bpm           REAL NOT NULL,
		ppqn          INTEGER NOT NULL,
		beats_per_bar INTEGER NOT NULL,
		beat_unit     INTEGER NOT NULL,
		nudge         REAL NOT NULL DEFAULT 0,
		updated_at    TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS buffers (
		name        TEXT PRIMARY KEY,
		committed   TEXT NOT NULL,
		evaluations INTEGER NOT NULL DEFAULT 0,
		updated_at  TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS runs (
		id         TEXT PRIMARY KEY,
		script     TEXT NOT NULL,
		started_at TEXT NOT NULL,
		stopped_at TEXT,
		final_tick INTEGER NOT NULL DEFAULT 0,
		pulses     INTEGER NOT NULL DEFAULT 0,
		attempts   INTEGER NOT NULL DEFAULT 0,
		fallbacks  INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// timeFormat has a fixed width so stored times sort as text.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

func now() string {
	return time.Now().UTC().Format(timeFormat)
}

func parseTime(v string) time.Time {
	t, _ := time.Parse(timeFormat, v)
	return t
}

// SaveSettings stores the transport configuration.
func (s *Store) SaveSettings(st Settings) error {
	return retryOnContention(func() error {
		_, err := s.db.Exec(
			`INSERT INTO settings (id, bpm, ppqn, beats_per_bar, beat_unit, nudge, updated_at)
			 VALUES (1, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET
			   bpm = excluded.bpm, ppqn = excluded.ppqn,
			   beats_per_bar = excluded.beats_per_bar, beat_unit = excluded.beat_unit,
			   nudge = excluded.nudge, updated_at = excluded.updated_at`,
			st.BPM, st.PPQN, st.BeatsPerBar, st.BeatUnit, st.Nudge, now(),
		)
		return err
	})
}

// LoadSettings returns the stored configuration. ok is false when nothing
// was saved yet.
func (s *Store) LoadSettings() (st Settings, ok bool, err error) {
	var updated string
	err = s.db.QueryRow(
		`SELECT bpm, ppqn, beats_per_bar, beat_unit, nudge, updated_at FROM settings WHERE id = 1`,
	).Scan(&st.BPM, &st.PPQN, &st.BeatsPerBar, &st.BeatUnit, &st.Nudge, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Settings{}, false, nil
	}
	if err != nil {
		return Settings{}, false, fmt.Errorf("load settings: %w", err)
	}
	st.UpdatedAt = parseTime(updated)
	return st, true, nil
}

// SaveBuffer stores the committed text of a buffer.
func (s *Store) SaveBuffer(name, committed string, evaluations int) error {
	return retryOnContention(func() error {
		_, err := s.db.Exec(
			`INSERT INTO buffers (name, committed, evaluations, updated_at)
			 VALUES (?, ?, ?, ?)
			 ON CONFLICT(name) DO UPDATE SET
			   committed = excluded.committed, evaluations = excluded.evaluations,
			   updated_at = excluded.updated_at`,
			name, committed, evaluations, now(),
		)
		return err
	})
}

// LoadBuffer returns a stored buffer. ok is false when the name is unknown.
func (s *Store) LoadBuffer(name string) (rec BufferRecord, ok bool, err error) {
	var updated string
	err = s.db.QueryRow(
		`SELECT name, committed, evaluations, updated_at FROM buffers WHERE name = ?`, name,
	).Scan(&rec.Name, &rec.Committed, &rec.Evaluations, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return BufferRecord{}, false, nil
	}
	if err != nil {
		return BufferRecord{}, false, fmt.Errorf("load buffer %s: %w", name, err)
	}
	rec.UpdatedAt = parseTime(updated)
	return rec, true, nil
}

// StartRun records the beginning of a session and returns it with a fresh id.
func (s *Store) StartRun(script string) (*Run, error) {
	run := &Run{
		ID:        uuid.NewString(),
		Script:    script,
		StartedAt: time.Now().UTC(),
	}
	err := retryOnContention(func() error {
		_, err := s.db.Exec(
			`INSERT INTO runs (id, script, started_at) VALUES (?, ?, ?)`,
			run.ID, run.Script, run.StartedAt.Format(timeFormat),
		)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("start run: %w", err)
	}
	return run, nil
}

// FinishRun records the end of a session.
func (s *Store) FinishRun(id string, stats RunStats) error {
	var affected int64
	err := retryOnContention(func() error {
		res, err := s.db.Exec(
			`UPDATE runs SET stopped_at = ?, final_tick = ?, pulses = ?, attempts = ?, fallbacks = ?
			 WHERE id = ?`,
			now(), stats.FinalTick, stats.Pulses, stats.Attempts, stats.Fallbacks, id,
		)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("finish run: unknown run %s", id)
	}
	return nil
}

// Runs returns the most recent runs, newest first.
func (s *Store) Runs(limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(
		`SELECT id, script, started_at, stopped_at, final_tick, pulses, attempts, fallbacks
		 FROM runs ORDER BY started_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var started string
		var stopped sql.NullString
		if err := rows.Scan(&r.ID, &r.Script, &started, &stopped, &r.FinalTick, &r.Pulses, &r.Attempts, &r.Fallbacks); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.StartedAt = parseTime(started)
		if stopped.Valid {
			r.StoppedAt = parseTime(stopped.String)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
