// Package journal records seed runs and per-statement outcomes in a local
// SQLite file so a partial run can be inspected after the fact.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/joestump/d1seed/internal/batch"
)

// DB wraps a sql.DB connection to the journal database.
type DB struct {
	conn *sql.DB
}

// Run is one invocation of the seeder.
type Run struct {
	ID         string
	SourceFile string
	Target     string // D1 database name or local SQLite path
	Executor   string // "remote" or "sqlite"
	Total      int
	Succeeded  int
	Failed     int
	ForeignKey int // failures skipped for referential integrity
	StartedAt  string
	FinishedAt *string
}

// StatementResult is the stored form of a batch.Attempt.
type StatementResult struct {
	RunID      string
	Index      int
	Statement  string
	Outcome    string
	ExitCode   int
	Detail     *string
	DurationMs int64
	RecordedAt string
}

// Open creates a new DB connection and applies pending migrations.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	conn.SetMaxOpenConns(1)

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	d := &DB{conn: conn}
	if err := d.migrate(context.Background()); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return d, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.conn.Close()
}

// Conn returns the underlying *sql.DB.
func (d *DB) Conn() *sql.DB {
	return d.conn
}

func (d *DB) migrate(ctx context.Context) error {
	fsys, err := fs.Sub(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("migrations fs: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, d.conn, fsys)
	if err != nil {
		return fmt.Errorf("goose provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("goose up: %w", err)
	}
	return nil
}

// --- Runs ---

// StartRun inserts a new run and returns its generated ID.
func (d *DB) StartRun(sourceFile, target, executor string, total int) (string, error) {
	id := uuid.NewString()
	_, err := d.conn.Exec(
		`INSERT INTO runs (id, source_file, target, executor, total, started_at) VALUES (?, ?, ?, ?, ?, ?)`,
		id, sourceFile, target, executor, total, now(),
	)
	if err != nil {
		return "", fmt.Errorf("insert run: %w", err)
	}
	return id, nil
}

// FinishRun stores the final tally of a run.
func (d *DB) FinishRun(id string, sum batch.Summary) error {
	res, err := d.conn.Exec(
		`UPDATE runs SET succeeded = ?, failed = ?, foreign_key = ?, finished_at = ? WHERE id = ?`,
		sum.Succeeded, sum.Failed, sum.ForeignKey, now(), id,
	)
	if err != nil {
		return fmt.Errorf("finish run %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("finish run %s: not found", id)
	}
	return nil
}

// GetRun returns a run by ID, or nil if it does not exist.
func (d *DB) GetRun(id string) (*Run, error) {
	row := d.conn.QueryRow(
		`SELECT id, source_file, target, executor, total, succeeded, failed, foreign_key, started_at, finished_at
		FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", id, err)
	}
	return r, nil
}

// ListRuns returns the most recent runs, newest first.
func (d *DB) ListRuns(limit int) ([]Run, error) {
	rows, err := d.conn.Query(
		`SELECT id, source_file, target, executor, total, succeeded, failed, foreign_key, started_at, finished_at
		FROM runs ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (*Run, error) {
	var r Run
	err := s.Scan(&r.ID, &r.SourceFile, &r.Target, &r.Executor, &r.Total,
		&r.Succeeded, &r.Failed, &r.ForeignKey, &r.StartedAt, &r.FinishedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// --- Statement results ---

// InsertResult stores one attempt of a run.
func (d *DB) InsertResult(runID string, a batch.Attempt) error {
	var detail *string
	if a.Detail != "" {
		detail = &a.Detail
	}
	_, err := d.conn.Exec(
		`INSERT INTO statement_results (run_id, idx, statement, outcome, exit_code, detail, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		runID, a.Index, a.Statement, string(a.Outcome), a.ExitCode, detail, a.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("insert result %d for run %s: %w", a.Index, runID, err)
	}
	return nil
}

// ListResults returns the stored attempts of a run in statement order. When
// failedOnly is set, successful statements are left out.
func (d *DB) ListResults(runID string, failedOnly bool) ([]StatementResult, error) {
	query := `SELECT run_id, idx, statement, outcome, exit_code, detail, duration_ms, recorded_at
		FROM statement_results WHERE run_id = ?`
	if failedOnly {
		query += ` AND outcome != 'ok'`
	}
	query += ` ORDER BY idx`

	rows, err := d.conn.Query(query, runID)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var results []StatementResult
	for rows.Next() {
		var r StatementResult
		if err := rows.Scan(&r.RunID, &r.Index, &r.Statement, &r.Outcome, &r.ExitCode,
			&r.Detail, &r.DurationMs, &r.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// Recorder returns a batch.Recorder that appends attempts to runID.
func (d *DB) Recorder(runID string) batch.Recorder {
	return &runRecorder{db: d, runID: runID}
}

type runRecorder struct {
	db    *DB
	runID string
}

func (r *runRecorder) Record(_ context.Context, a batch.Attempt) error {
	return r.db.InsertResult(r.runID, a)
}

// timeLayout is fixed width so timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000Z07:00"

func now() string {
	return time.Now().UTC().Format(timeLayout)
}
