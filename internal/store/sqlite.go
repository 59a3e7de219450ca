package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/psantana5/render-experiments/internal/experiment"
	"github.com/psantana5/render-experiments/internal/report"
)

// Run is one batch as recorded in the history
type Run struct {
	ID         string     `json:"id" yaml:"id"`
	Labels     []string   `json:"labels" yaml:"labels"`
	StartedAt  time.Time  `json:"started_at" yaml:"started_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty" yaml:"ended_at,omitempty"`
	Iterations int        `json:"iterations" yaml:"iterations"`
	FailedJobs int        `json:"failed_jobs" yaml:"failed_jobs"`
	Canceled   bool       `json:"canceled" yaml:"canceled"`
}

// SQLiteStore keeps run history in a local SQLite file
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex
}

// NewSQLiteStore opens (creating if needed) the history database at dbPath
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// WAL plus a busy timeout lets `rexp history` read while a batch writes
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=10000&_synchronous=NORMAL&_txlock=immediate", dbPath)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer avoids SQLITE_BUSY from overlapping iterations
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		labels TEXT NOT NULL,
		started_at DATETIME NOT NULL,
		ended_at DATETIME,
		iterations INTEGER NOT NULL DEFAULT 0,
		failed_jobs INTEGER NOT NULL DEFAULT 0,
		canceled BOOLEAN NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL REFERENCES runs(id),
		iteration TEXT NOT NULL,
		role TEXT NOT NULL,
		name TEXT NOT NULL,
		pid INTEGER,
		exit_code INTEGER NOT NULL,
		reason TEXT NOT NULL,
		failed BOOLEAN NOT NULL,
		error TEXT,
		started_at DATETIME NOT NULL,
		ended_at DATETIME NOT NULL,
		duration_ns INTEGER NOT NULL,
		diagnostic TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_run ON jobs(run_id, iteration);
	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// BeginRun inserts a run with no end time
func (s *SQLiteStore) BeginRun(ctx context.Context, runID string, labels []string, started time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	encoded, err := json.Marshal(labels)
	if err != nil {
		return fmt.Errorf("failed to marshal labels: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, labels, started_at) VALUES (?, ?, ?)`,
		runID, string(encoded), started.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

// RecordIteration stores every job of an iteration in one transaction
func (s *SQLiteStore) RecordIteration(ctx context.Context, runID string, it *experiment.IterationResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO jobs
		(id, run_id, iteration, role, name, pid, exit_code, reason, failed, error,
		 started_at, ended_at, duration_ns, diagnostic)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range it.Results {
		_, err := stmt.ExecContext(ctx,
			r.JobID, runID, r.Iteration, string(r.Role), r.Name, r.PID, r.ExitCode,
			string(r.Reason), r.Failed, r.Error, r.StartTime.UTC(), r.EndTime.UTC(),
			int64(r.Duration), string(r.Diagnostic))
		if err != nil {
			return fmt.Errorf("failed to insert job %s: %w", r.JobID, err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE runs SET iterations = iterations + 1, failed_jobs = failed_jobs + ? WHERE id = ?
	`, it.Failed(), runID)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}

	return tx.Commit()
}

// FinishRun stamps the end of a run
func (s *SQLiteStore) FinishRun(ctx context.Context, runID string, ended time.Time, failed int, canceled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET ended_at = ?, failed_jobs = ?, canceled = ? WHERE id = ?`,
		ended.UTC(), failed, canceled, runID)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run not found: %s", runID)
	}
	return nil
}

// ListRuns returns the most recent runs first
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, labels, started_at, ended_at, iterations, failed_jobs, canceled
		FROM runs ORDER BY started_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		var r Run
		var labels string
		var ended sql.NullTime
		if err := rows.Scan(&r.ID, &labels, &r.StartedAt, &ended, &r.Iterations, &r.FailedJobs, &r.Canceled); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		if err := json.Unmarshal([]byte(labels), &r.Labels); err != nil {
			return nil, fmt.Errorf("failed to unmarshal labels: %w", err)
		}
		if ended.Valid {
			t := ended.Time
			r.EndedAt = &t
		}
		runs = append(runs, &r)
	}
	return runs, rows.Err()
}

// GetRun finds a run by ID or unique ID prefix
func (s *SQLiteStore) GetRun(ctx context.Context, idOrPrefix string) (*Run, error) {
	runs, err := s.ListRuns(ctx, 1<<20)
	if err != nil {
		return nil, err
	}

	var match *Run
	for _, r := range runs {
		if r.ID == idOrPrefix {
			return r, nil
		}
		if strings.HasPrefix(r.ID, idOrPrefix) {
			if match != nil {
				return nil, fmt.Errorf("run prefix %q is ambiguous", idOrPrefix)
			}
			match = r
		}
	}
	if match == nil {
		return nil, fmt.Errorf("run not found: %s", idOrPrefix)
	}
	return match, nil
}

// ListJobs returns a run's jobs ordered by iteration and start time
func (s *SQLiteStore) ListJobs(ctx context.Context, runID string) (report.Results, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, iteration, role, name, pid, exit_code, reason, failed, error,
		       started_at, ended_at, duration_ns, diagnostic
		FROM jobs WHERE run_id = ? ORDER BY iteration, started_at, role
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	var results report.Results
	for rows.Next() {
		var r report.Result
		var role, reason string
		var errText, diagnostic sql.NullString
		var pid sql.NullInt64
		var duration int64
		if err := rows.Scan(&r.JobID, &r.Iteration, &role, &r.Name, &pid, &r.ExitCode, &reason,
			&r.Failed, &errText, &r.StartTime, &r.EndTime, &duration, &diagnostic); err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		r.Role = report.Role(role)
		r.Reason = report.Reason(reason)
		r.PID = int(pid.Int64)
		r.Error = errText.String
		r.Duration = time.Duration(duration)
		if diagnostic.String != "" {
			r.Diagnostic = json.RawMessage(diagnostic.String)
		}
		results = append(results, &r)
	}
	return results, rows.Err()
}

// Prune deletes finished runs that started before cutoff, with their jobs,
// and returns how many runs went
func (s *SQLiteStore) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// runs without ended_at may still be writing
	const stale = `SELECT id FROM runs WHERE started_at < ? AND ended_at IS NOT NULL`
	if _, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE run_id IN (`+stale+`)`, cutoff.UTC()); err != nil {
		return 0, fmt.Errorf("failed to delete jobs: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE id IN (`+stale+`)`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete runs: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}

	n, _ := res.RowsAffected()
	return int(n), nil
}

// Vacuum reclaims space after a prune
func (s *SQLiteStore) Vacuum(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
		return fmt.Errorf("failed to vacuum: %w", err)
	}
	return nil
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
