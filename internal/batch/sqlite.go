package batch

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteExecutor applies statements to a local SQLite file in-process. D1 is
// SQLite underneath, so this is a faithful rehearsal target for a seed file.
// Foreign keys are enforced so referential failures look the same as on D1.
type SQLiteExecutor struct {
	conn *sql.DB
}

// OpenSQLite opens (creating if needed) the SQLite database at path.
func OpenSQLite(path string) (*SQLiteExecutor, error) {
	conn, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	conn.SetMaxOpenConns(1)

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return &SQLiteExecutor{conn: conn}, nil
}

// Close closes the database connection.
func (e *SQLiteExecutor) Close() error {
	return e.conn.Close()
}

// Conn returns the underlying *sql.DB.
func (e *SQLiteExecutor) Conn() *sql.DB {
	return e.conn
}

// Execute runs statement. A database error becomes exit code 1 with the
// driver message on Stderr, mirroring what the remote client reports.
func (e *SQLiteExecutor) Execute(ctx context.Context, statement string) (Result, error) {
	if _, err := e.conn.ExecContext(ctx, statement); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Result{}, ctxErr
		}
		return Result{ExitCode: 1, Stderr: err.Error()}, nil
	}
	return Result{}, nil
}
