// Package extract splits a SQL seed file into individual upsert statements.
package extract

import (
	"fmt"
	"os"
	"strings"
)

const (
	// DefaultInsertMarker starts every statement the extractor emits.
	DefaultInsertMarker = "INSERT OR REPLACE"
	// DefaultCommentMarker starts a line that is ignored entirely.
	DefaultCommentMarker = "--"
)

// Options controls which line prefixes the extractor recognizes.
// Zero values fall back to the defaults above.
type Options struct {
	InsertMarker  string
	CommentMarker string
}

func (o Options) withDefaults() Options {
	if o.InsertMarker == "" {
		o.InsertMarker = DefaultInsertMarker
	}
	if o.CommentMarker == "" {
		o.CommentMarker = DefaultCommentMarker
	}
	return o
}

// Result is the output of a single extraction pass.
type Result struct {
	// Statements in source order. Every entry is trimmed, non-empty and
	// starts with the insert marker.
	Statements []string
	// Orphaned counts non-blank, non-comment lines that appeared before the
	// first insert marker and so belong to no statement.
	Orphaned int
}

// Extract scans content line by line and groups lines into statements.
// A line starting with the insert marker opens a new statement; following
// lines are joined onto it with a single space until the next marker or the
// end of input. Blank and comment lines are dropped.
func Extract(content string, opts Options) Result {
	opts = opts.withDefaults()

	var (
		res     Result
		current []string
	)

	flush := func() {
		if len(current) == 0 {
			return
		}
		stmt := strings.TrimSpace(strings.Join(current, " "))
		current = nil
		if stmt == "" {
			return
		}
		res.Statements = append(res.Statements, stmt)
	}

	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case trimmed == "", strings.HasPrefix(trimmed, opts.CommentMarker):
			continue
		case strings.HasPrefix(trimmed, opts.InsertMarker):
			flush()
			current = append(current, trimmed)
		case current == nil:
			res.Orphaned++
		default:
			current = append(current, trimmed)
		}
	}
	flush()

	return res
}

// ReadFile reads the seed file at path and extracts its statements.
func ReadFile(path string, opts Options) (Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Result{}, fmt.Errorf("read seed file %s: %w", path, err)
	}
	return Extract(string(data), opts), nil
}
