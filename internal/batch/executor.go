// Package batch applies extracted seed statements to a database one at a
// time and tallies the outcomes.
package batch

import (
	"context"
	"errors"
)

// ErrTimeout is returned by an Executor when a statement exceeded its
// per-call deadline.
var ErrTimeout = errors.New("statement timed out")

// Result is what a single executor call produced. A non-zero ExitCode means
// the database rejected the statement; Stderr carries the reason.
type Result struct {
	ExitCode int
	Stderr   string
}

// Executor applies one statement to the target database. It returns an error
// only when the statement could not be submitted at all (missing client
// binary, deadline exceeded); a statement the database rejects is reported
// through Result.ExitCode.
type Executor interface {
	Execute(ctx context.Context, statement string) (Result, error)
}
