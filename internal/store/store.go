// Package store keeps the history of reflow runs in a SQLite database.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/oblq/reflowctl/internal/report"
	"github.com/oblq/reflowctl/internal/telemetry"
)

// ErrRunNotFound is returned by Run for an unknown run ID.
var ErrRunNotFound = errors.New("run not found")

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	started_at INTEGER NOT NULL,
	ended_at INTEGER,
	result TEXT,
	error TEXT,
	peak_temp INTEGER NOT NULL DEFAULT 0,
	samples INTEGER NOT NULL DEFAULT 0,
	stage_durations TEXT
);
CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);

CREATE TABLE IF NOT EXISTS samples (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	seq INTEGER NOT NULL,
	time INTEGER NOT NULL,
	stage INTEGER NOT NULL,
	temperature INTEGER NOT NULL,
	setpoint INTEGER NOT NULL,
	heater INTEGER NOT NULL,
	fan INTEGER NOT NULL,
	elapsed INTEGER NOT NULL,
	started INTEGER NOT NULL,
	kp INTEGER NOT NULL,
	ki INTEGER NOT NULL,
	kd INTEGER NOT NULL,
	cycle_time INTEGER NOT NULL,
	p_term INTEGER NOT NULL,
	i_term INTEGER NOT NULL,
	d_term INTEGER NOT NULL,
	output INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_samples_run ON samples(run_id, seq);
`

// Store persists runs and their samples.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path. ":memory:" keeps it in memory.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// one connection: an in-memory database exists per connection
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// SaveRunStart records a new run.
func (s *Store) SaveRunStart(ctx context.Context, id string, startedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, started_at) VALUES (?, ?)`,
		id, startedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("save run %s: %w", id, err)
	}
	return nil
}

func (s *Store) SaveSample(ctx context.Context, sample telemetry.Sample) error {
	g, terms := sample.Gains, sample.Terms
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO samples (run_id, seq, time, stage, temperature, setpoint, heater, fan, elapsed,
			started, kp, ki, kd, cycle_time, p_term, i_term, d_term, output)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sample.RunID, sample.Seq, sample.Time.UnixMilli(), int(sample.Stage), int(sample.Temperature),
		int(sample.Setpoint), sample.Heater, sample.Fan, int64(sample.Elapsed/time.Second),
		sample.Started, int(g.Kp), int(g.Ki), int(g.Kd), int(g.CycleTime),
		int(terms.P), int(terms.I), int(terms.D), int(sample.Output))
	if err != nil {
		return fmt.Errorf("save sample %d of run %s: %w", sample.Seq, sample.RunID, err)
	}
	return nil
}

// FinishRun stores the final summary of a run.
func (s *Store) FinishRun(ctx context.Context, summary telemetry.RunSummary) error {
	durations, err := json.Marshal(summary.StageDurations)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET ended_at = ?, result = ?, error = ?, peak_temp = ?, samples = ?, stage_durations = ?
		WHERE id = ?`,
		summary.EndedAt.UnixMilli(), string(summary.Result), summary.Error, int(summary.PeakTemp),
		summary.Samples, string(durations), summary.ID)
	if err != nil {
		return fmt.Errorf("finish run %s: %w", summary.ID, err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("finish run %s: %w", summary.ID, ErrRunNotFound)
	}
	return nil
}

// Runs returns the most recent runs first.
func (s *Store) Runs(ctx context.Context, limit int) ([]telemetry.RunSummary, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, started_at, ended_at, result, error, peak_temp, samples, stage_durations
		FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []telemetry.RunSummary
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *Store) Run(ctx context.Context, id string) (telemetry.RunSummary, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, started_at, ended_at, result, error, peak_temp, samples, stage_durations
		FROM runs WHERE id = ?`, id)

	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return telemetry.RunSummary{}, fmt.Errorf("%s: %w", id, ErrRunNotFound)
	}
	return run, err
}

// Samples returns the stored samples of a run in order.
func (s *Store) Samples(ctx context.Context, runID string) ([]telemetry.Sample, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, time, stage, temperature, setpoint, heater, fan, elapsed,
			started, kp, ki, kd, cycle_time, p_term, i_term, d_term, output
		FROM samples WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("query samples: %w", err)
	}
	defer rows.Close()

	var samples []telemetry.Sample
	for rows.Next() {
		sample := telemetry.Sample{RunID: runID}
		var (
			millis, elapsed               int64
			stage, temp, setpoint, output int
			kp, ki, kd, cycle             int
			p, i, d                       int
		)
		err := rows.Scan(&sample.Seq, &millis, &stage, &temp, &setpoint, &sample.Heater, &sample.Fan, &elapsed,
			&sample.Started, &kp, &ki, &kd, &cycle, &p, &i, &d, &output)
		if err != nil {
			return nil, fmt.Errorf("scan sample: %w", err)
		}

		sample.Time = time.UnixMilli(millis)
		sample.Stage = report.Stage(stage)
		sample.StageName = sample.Stage.String()
		sample.Temperature = uint8(temp)
		sample.Setpoint = uint8(setpoint)
		sample.Elapsed = time.Duration(elapsed) * time.Second
		sample.Gains = report.PIDGains{Kp: uint8(kp), Ki: uint8(ki), Kd: uint8(kd), CycleTime: uint8(cycle)}
		sample.Terms = report.PIDTerms{P: uint8(p), I: uint8(i), D: uint8(d)}
		sample.Output = uint8(output)
		samples = append(samples, sample)
	}
	return samples, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (telemetry.RunSummary, error) {
	var (
		run       telemetry.RunSummary
		started   int64
		ended     sql.NullInt64
		result    sql.NullString
		errText   sql.NullString
		peak      int
		durations sql.NullString
	)

	if err := row.Scan(&run.ID, &started, &ended, &result, &errText, &peak, &run.Samples, &durations); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return run, err
		}
		return run, fmt.Errorf("scan run: %w", err)
	}

	run.StartedAt = time.UnixMilli(started)
	if ended.Valid {
		run.EndedAt = time.UnixMilli(ended.Int64)
	}
	run.Result = telemetry.Result(result.String)
	run.Error = errText.String
	run.PeakTemp = uint8(peak)

	if durations.Valid && durations.String != "" {
		if err := json.Unmarshal([]byte(durations.String), &run.StageDurations); err != nil {
			return run, fmt.Errorf("decode stage durations of %s: %w", run.ID, err)
		}
	}
	return run, nil
}
