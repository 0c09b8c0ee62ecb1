// Package history keeps a local SQLite log of runs and item outcomes.
// It is best-effort bookkeeping: write failures are logged and swallowed,
// never allowed to take down a run.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/aurelia-labs/shotprep/constants"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	dataset     TEXT NOT NULL,
	profile     TEXT NOT NULL,
	status      TEXT NOT NULL,
	started_at  TIMESTAMP NOT NULL,
	finished_at TIMESTAMP,
	processed   INTEGER NOT NULL DEFAULT 0,
	failed      INTEGER NOT NULL DEFAULT 0,
	reviewed    INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS items (
	run_id     TEXT NOT NULL,
	item_id    TEXT NOT NULL,
	verdict    TEXT NOT NULL,
	backend    TEXT NOT NULL,
	note       TEXT,
	created_at TIMESTAMP NOT NULL,
	PRIMARY KEY (run_id, item_id)
);
`

// Run is one row of the runs table.
type Run struct {
	ID         string              `json:"id"`
	Dataset    string              `json:"dataset"`
	Profile    string              `json:"profile"`
	Status     constants.RunStatus `json:"status"`
	StartedAt  time.Time           `json:"started_at"`
	FinishedAt *time.Time          `json:"finished_at,omitempty"`
	Processed  int                 `json:"processed"`
	Failed     int                 `json:"failed"`
	Reviewed   int                 `json:"reviewed"`
}

type Store struct {
	db  *sql.DB
	log *slog.Logger
}

func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir history dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply history schema: %w", err)
	}
	return &Store{db: db, log: logger}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) StartRun(ctx context.Context, id, dataset, profile string) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, dataset, profile, status, started_at) VALUES (?, ?, ?, ?, ?)`,
		id, dataset, profile, string(constants.RunStatusRunning), time.Now().UTC())
	if err != nil {
		s.log.Warn("history.run.start_failed", "run_id", id, "error", err)
	}
}

func (s *Store) FinishRun(ctx context.Context, id string, status constants.RunStatus, processed, failed, reviewed int) {
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, finished_at = ?, processed = ?, failed = ?, reviewed = ? WHERE id = ?`,
		string(status), time.Now().UTC(), processed, failed, reviewed, id)
	if err != nil {
		s.log.Warn("history.run.finish_failed", "run_id", id, "error", err)
	}
}

func (s *Store) RecordItem(ctx context.Context, runID, itemID string, verdict constants.Verdict, backendID constants.BackendID, note string) {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO items (run_id, item_id, verdict, backend, note, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		runID, itemID, string(verdict), string(backendID), note, time.Now().UTC())
	if err != nil {
		s.log.Warn("history.item.record_failed", "run_id", runID, "item_id", itemID, "error", err)
	}
}

// Runs lists the most recent runs, newest first.
func (s *Store) Runs(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, dataset, profile, status, started_at, finished_at, processed, failed, reviewed
		 FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var out []Run
	for rows.Next() {
		var r Run
		var finished sql.NullTime
		if err := rows.Scan(&r.ID, &r.Dataset, &r.Profile, &r.Status, &r.StartedAt, &finished,
			&r.Processed, &r.Failed, &r.Reviewed); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		if finished.Valid {
			t := finished.Time
			r.FinishedAt = &t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
