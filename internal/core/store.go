package core

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/3cpo-dev/jetrun/internal/workflow"
	"github.com/3cpo-dev/jetrun/pkg/api"
)

// Store is a SQLite-backed ledger of runs and task transitions.
type Store struct{ db *sql.DB }

//go:embed migrations/*.sql
var migrationFS embed.FS

type RunRecord struct {
	ID         string
	Workflow   string
	Backend    string
	Status     api.RunStatus
	Total      int
	Complete   int
	Failed     int
	Canceled   int
	StartedAt  time.Time
	FinishedAt time.Time
}

type TaskEvent struct {
	RunID      string
	TaskID     string
	Status     workflow.Status
	ExternalID string
	Message    string
	At         time.Time
}

func NewStore(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("mkdir store dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection serializes writers and keeps :memory: databases shared.
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema, err := migrationFS.ReadFile("migrations/0001_init.sql")
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(string(schema)); err != nil {
		return fmt.Errorf("apply migration: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return errors.New("db not initialized")
	}
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error { return s.db.Close() }

// StartRun records a run as running. Restarting a known run id (a resumed
// snapshot) reopens it.
func (s *Store) StartRun(ctx context.Context, r RunRecord) error {
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO runs (id, workflow, backend, status, total, started_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
    backend = excluded.backend,
    status = excluded.status,
    total = excluded.total,
    finished_at = NULL`,
		r.ID, r.Workflow, r.Backend, string(api.RunRunning), r.Total, r.StartedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("start run %s: %w", r.ID, err)
	}
	return nil
}

// FinishRun stores the final status and task counts of a run.
func (s *Store) FinishRun(ctx context.Context, id string, status api.RunStatus, counts map[workflow.Status]int) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE runs SET status = ?, complete = ?, failed = ?, canceled = ?, finished_at = ?
WHERE id = ?`,
		string(status), counts[workflow.StatusComplete], counts[workflow.StatusFailed],
		counts[workflow.StatusCanceled], time.Now().UnixNano(), id)
	if err != nil {
		return fmt.Errorf("finish run %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("finish run %s: %w", id, sql.ErrNoRows)
	}
	return nil
}

func (s *Store) RecordTaskEvent(ctx context.Context, e TaskEvent) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO task_events (run_id, task_id, status, external_id, message, at)
VALUES (?, ?, ?, ?, ?, ?)`,
		e.RunID, e.TaskID, string(e.Status), e.ExternalID, e.Message, e.At.UnixNano())
	if err != nil {
		return fmt.Errorf("record event for %s: %w", e.TaskID, err)
	}
	return nil
}

// ListRuns returns the most recently started runs first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, workflow, backend, status, total, complete, failed, canceled, started_at, finished_at
FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()
	var out []RunRecord
	for rows.Next() {
		var (
			r        RunRecord
			status   string
			started  int64
			finished sql.NullInt64
		)
		if err := rows.Scan(&r.ID, &r.Workflow, &r.Backend, &status, &r.Total, &r.Complete, &r.Failed, &r.Canceled, &started, &finished); err != nil {
			return nil, err
		}
		r.Status = api.RunStatus(status)
		r.StartedAt = time.Unix(0, started)
		if finished.Valid {
			r.FinishedAt = time.Unix(0, finished.Int64)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// TaskEvents returns the transitions of a run in the order they were recorded.
func (s *Store) TaskEvents(ctx context.Context, runID string) ([]TaskEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT run_id, task_id, status, COALESCE(external_id, ''), COALESCE(message, ''), at
FROM task_events WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("task events: %w", err)
	}
	defer rows.Close()
	var out []TaskEvent
	for rows.Next() {
		var (
			e      TaskEvent
			status string
			at     int64
		)
		if err := rows.Scan(&e.RunID, &e.TaskID, &status, &e.ExternalID, &e.Message, &at); err != nil {
			return nil, err
		}
		e.Status = workflow.Status(status)
		e.At = time.Unix(0, at)
		out = append(out, e)
	}
	return out, rows.Err()
}
