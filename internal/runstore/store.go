// Package runstore persists finished runs and their trace records in SQLite.
package runstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/fyrsmithlabs/mofsci/internal/orchestrator"
)

// ErrNotFound is returned when no finished run has the requested ID.
var ErrNotFound = errors.New("run not found")

// Summary is the list view of a stored run.
type Summary struct {
	RunID         string               `json:"run_id"`
	Outcome       orchestrator.Outcome `json:"outcome"`
	Request       string               `json:"request"`
	Plan          []string             `json:"plan"`
	RevisionCount int                  `json:"revision_count"`
	FailedStep    string               `json:"failed_step,omitempty"`
	StartedAt     time.Time            `json:"started_at"`
	FinishedAt    time.Time            `json:"finished_at"`
}

// ListOptions filters List.
type ListOptions struct {
	Outcome orchestrator.Outcome
	// Limit defaults to 50.
	Limit int
}

// Store is a SQLite-backed run record store. It implements
// orchestrator.TraceSink.
type Store struct {
	db *sql.DB
}

var _ orchestrator.TraceSink = (*Store)(nil)

// Open opens or creates the database at path. The parent directory is
// created if needed; ":memory:" opens a private in-memory database.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("store path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating store directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}
	// a single connection keeps ":memory:" databases coherent and
	// serializes writers
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, err
	}
	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		outcome TEXT NOT NULL,
		request TEXT NOT NULL,
		structure_path TEXT,
		plan TEXT,
		revision_count INTEGER,
		failed_step TEXT,
		detail TEXT,
		report TEXT,
		snapshot TEXT NOT NULL,
		started_at TIMESTAMP,
		finished_at TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_runs_finished ON runs(finished_at);
	CREATE TABLE IF NOT EXISTS trace_records (
		run_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		stage TEXT NOT NULL,
		next TEXT NOT NULL,
		outcome TEXT NOT NULL,
		detail TEXT,
		elapsed_ns INTEGER,
		recorded_at TIMESTAMP,
		PRIMARY KEY(run_id, seq)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// RecordTrace appends one trace record. Replaying a sequence number is a
// no-op.
func (s *Store) RecordTrace(ctx context.Context, runID string, rec orchestrator.TraceRecord) error {
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO trace_records (run_id, seq, stage, next, outcome, detail, elapsed_ns, recorded_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(run_id, seq) DO NOTHING`,
		runID, rec.Seq, string(rec.Stage), string(rec.Next), rec.Outcome, rec.Detail,
		int64(rec.Elapsed), rec.Timestamp.UTC())
	if err != nil {
		return fmt.Errorf("recording trace %s/%d: %w", runID, rec.Seq, err)
	}
	return nil
}

// RunFinished upserts the final snapshot of a run.
func (s *Store) RunFinished(ctx context.Context, snap orchestrator.Snapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}
	plan, err := json.Marshal(snap.Plan)
	if err != nil {
		return fmt.Errorf("encoding plan: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
	INSERT INTO runs (
		run_id, outcome, request, structure_path, plan, revision_count,
		failed_step, detail, report, snapshot, started_at, finished_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(run_id) DO UPDATE SET
		outcome=excluded.outcome,
		request=excluded.request,
		structure_path=excluded.structure_path,
		plan=excluded.plan,
		revision_count=excluded.revision_count,
		failed_step=excluded.failed_step,
		detail=excluded.detail,
		report=excluded.report,
		snapshot=excluded.snapshot,
		started_at=excluded.started_at,
		finished_at=excluded.finished_at`,
		snap.RunID, string(snap.Outcome), snap.Request.Text, snap.Request.StructurePath,
		string(plan), snap.RevisionCount, snap.FailedStep, snap.Detail, snap.Report,
		string(raw), snap.StartedAt.UTC(), snap.FinishedAt.UTC())
	if err != nil {
		return fmt.Errorf("saving run %s: %w", snap.RunID, err)
	}
	return nil
}

// Get returns the final snapshot of a finished run.
func (s *Store) Get(ctx context.Context, runID string) (*orchestrator.Snapshot, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT snapshot FROM runs WHERE run_id = ?`, runID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("loading run %s: %w", runID, err)
	}
	var snap orchestrator.Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return nil, fmt.Errorf("decoding run %s: %w", runID, err)
	}
	return &snap, nil
}

// Trace returns the trace records stored for a run, finished or not, in
// sequence order.
func (s *Store) Trace(ctx context.Context, runID string) ([]orchestrator.TraceRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT seq, stage, next, outcome, detail, elapsed_ns, recorded_at
	FROM trace_records WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("querying trace %s: %w", runID, err)
	}
	defer rows.Close()

	var out []orchestrator.TraceRecord
	for rows.Next() {
		var (
			rec         orchestrator.TraceRecord
			stage, next string
			detail      sql.NullString
			elapsed     int64
		)
		if err := rows.Scan(&rec.Seq, &stage, &next, &rec.Outcome, &detail, &elapsed, &rec.Timestamp); err != nil {
			return nil, fmt.Errorf("scanning trace %s: %w", runID, err)
		}
		rec.Stage = orchestrator.Stage(stage)
		rec.Next = orchestrator.Stage(next)
		rec.Detail = detail.String
		rec.Elapsed = time.Duration(elapsed)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// List returns finished runs, most recent first.
func (s *Store) List(ctx context.Context, opts ListOptions) ([]Summary, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}

	var (
		where []string
		args  []any
	)
	if opts.Outcome != "" {
		where = append(where, "outcome = ?")
		args = append(args, string(opts.Outcome))
	}
	query := `SELECT run_id, outcome, request, plan, revision_count, failed_step, started_at, finished_at FROM runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY finished_at DESC, run_id LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var (
			sum        Summary
			outcome    string
			plan       sql.NullString
			failedStep sql.NullString
		)
		if err := rows.Scan(&sum.RunID, &outcome, &sum.Request, &plan, &sum.RevisionCount, &failedStep, &sum.StartedAt, &sum.FinishedAt); err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		sum.Outcome = orchestrator.Outcome(outcome)
		sum.FailedStep = failedStep.String
		if plan.Valid && plan.String != "" {
			if err := json.Unmarshal([]byte(plan.String), &sum.Plan); err != nil {
				return nil, fmt.Errorf("decoding plan of %s: %w", sum.RunID, err)
			}
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}
