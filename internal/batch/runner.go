package batch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"time"
)

const (
	// DefaultTimeout bounds a single statement call.
	DefaultTimeout = 30 * time.Second
	// DefaultDelay is the pause between consecutive statements.
	DefaultDelay = 500 * time.Millisecond

	// foreignKeyMarker identifies a referential-integrity failure in the
	// client's error output.
	foreignKeyMarker = "FOREIGN KEY"

	// detailLimit is how many characters of error output a diagnostic line
	// shows.
	detailLimit = 100
)

// Outcome describes how a single statement attempt ended.
type Outcome string

const (
	OutcomeOK         Outcome = "ok"
	OutcomeForeignKey Outcome = "foreign_key"
	OutcomeError      Outcome = "error"
	OutcomeTimeout    Outcome = "timeout"
	OutcomeException  Outcome = "exception"
)

// Succeeded reports whether the outcome counts towards the success tally.
func (o Outcome) Succeeded() bool {
	return o == OutcomeOK
}

// Attempt is the record of one statement execution.
type Attempt struct {
	Index     int // 1-based position in the statement list
	Statement string
	Outcome   Outcome
	ExitCode  int
	Detail    string // redacted error output or error message
	Duration  time.Duration
}

// Recorder receives every attempt as it completes. Recording failures are
// logged and never interrupt the run.
type Recorder interface {
	Record(ctx context.Context, a Attempt) error
}

// Summary is the end-of-run tally. ForeignKey is the subset of Failed that
// were referential-integrity skips.
type Summary struct {
	Succeeded  int
	Failed     int
	ForeignKey int
}

// Attempted is the number of statements actually executed.
func (s Summary) Attempted() int {
	return s.Succeeded + s.Failed
}

// Options configures a Runner. Zero Timeout and Delay fall back to
// DefaultTimeout and DefaultDelay; set NoDelay to run statements back to back.
type Options struct {
	Timeout  time.Duration
	Delay    time.Duration
	NoDelay  bool
	Out      io.Writer
	Redactor *RedactionFilter
	Recorder Recorder
}

// Runner executes statements strictly one after another.
type Runner struct {
	exec     Executor
	timeout  time.Duration
	delay    time.Duration
	out      io.Writer
	redactor *RedactionFilter
	recorder Recorder

	sleep func(ctx context.Context, d time.Duration)
}

// NewRunner creates a Runner that sends statements to exec.
func NewRunner(exec Executor, opts Options) *Runner {
	r := &Runner{
		exec:     exec,
		timeout:  opts.Timeout,
		delay:    opts.Delay,
		out:      opts.Out,
		redactor: opts.Redactor,
		recorder: opts.Recorder,
		sleep:    sleepContext,
	}
	if r.timeout <= 0 {
		r.timeout = DefaultTimeout
	}
	switch {
	case opts.NoDelay:
		r.delay = 0
	case r.delay <= 0:
		r.delay = DefaultDelay
	}
	if r.out == nil {
		r.out = io.Discard
	}
	return r
}

// Run executes every non-empty statement once, in order, and prints a
// summary. Failures of individual statements never stop the loop; only
// cancellation of ctx does, before the next statement starts.
func (r *Runner) Run(ctx context.Context, statements []string) Summary {
	var sum Summary
	total := len(statements)

	for i, stmt := range statements {
		if stmt == "" {
			continue
		}
		if ctx.Err() != nil {
			break
		}

		fmt.Fprintf(r.out, "\rApplying %d/%d...", i+1, total)

		a := r.attempt(ctx, i+1, stmt)
		if a.Outcome.Succeeded() {
			sum.Succeeded++
		} else {
			sum.Failed++
			if a.Outcome == OutcomeForeignKey {
				sum.ForeignKey++
			}
		}
		r.report(a)

		if r.recorder != nil {
			if err := r.recorder.Record(ctx, a); err != nil {
				log.Printf("record statement %d: %v", a.Index, err)
			}
		}

		if i < total-1 && r.delay > 0 {
			r.sleep(ctx, r.delay)
		}
	}

	fmt.Fprintf(r.out, "\n\nSuccess: %d\n", sum.Succeeded)
	fmt.Fprintf(r.out, "Failed: %d\n", sum.Failed)
	fmt.Fprintf(r.out, "Total: %d\n", sum.Attempted())

	return sum
}

// attempt runs one statement under its own deadline and classifies it.
func (r *Runner) attempt(ctx context.Context, index int, stmt string) Attempt {
	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	res, err := r.exec.Execute(callCtx, stmt)
	a := Attempt{
		Index:     index,
		Statement: stmt,
		ExitCode:  res.ExitCode,
		Duration:  time.Since(start),
	}

	switch {
	case err != nil && (errors.Is(err, ErrTimeout) || errors.Is(callCtx.Err(), context.DeadlineExceeded)):
		a.Outcome = OutcomeTimeout
		a.Detail = fmt.Sprintf("timed out after %s", r.timeout)
	case err != nil && errors.Is(err, context.Canceled):
		a.Outcome = OutcomeException
		a.Detail = "interrupted"
	case err != nil:
		a.Outcome = OutcomeException
		a.Detail = r.redactor.Redact(err.Error())
	case res.ExitCode == 0:
		a.Outcome = OutcomeOK
	case strings.Contains(res.Stderr, foreignKeyMarker):
		a.Outcome = OutcomeForeignKey
		a.Detail = r.redactor.Redact(res.Stderr)
	default:
		a.Outcome = OutcomeError
		a.Detail = r.redactor.Redact(res.Stderr)
	}
	return a
}

func (r *Runner) report(a Attempt) {
	switch a.Outcome {
	case OutcomeForeignKey:
		fmt.Fprintf(r.out, "\n  Skipping statement %d (foreign key issue)\n", a.Index)
	case OutcomeError, OutcomeTimeout:
		fmt.Fprintf(r.out, "\n  Error in statement %d: %s\n", a.Index, truncate(a.Detail, detailLimit))
	case OutcomeException:
		fmt.Fprintf(r.out, "\n  Exception in statement %d: %s\n", a.Index, a.Detail)
	}
}

// truncate returns the first n characters of s.
func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

func sleepContext(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
