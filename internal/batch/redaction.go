package batch

import (
	"fmt"
	"io"
	"net/url"
	"strings"
)

// RedactionFilter scrubs the D1 API token out of client error output before
// a failure line is printed or a statement result lands in the journal.
// The token is replaced verbatim and query-escaped, since a client that
// prints a request URL would show the escaped form.
type RedactionFilter struct {
	replacements map[string]string
}

// NewRedactionFilter takes the token keyed by the variable it is exported as;
// the name becomes the placeholder. A token under 4 characters is almost
// certainly a placeholder itself and would mangle unrelated text, so it is
// reported on warn.
func NewRedactionFilter(secrets map[string]string, warn io.Writer) *RedactionFilter {
	rf := &RedactionFilter{replacements: make(map[string]string)}
	for name, value := range secrets {
		if value == "" {
			continue
		}
		if len(value) < 4 && warn != nil {
			fmt.Fprintf(warn, "warning: %s is only %d characters; redacting it may hide unrelated output\n", name, len(value))
		}
		rf.replacements[value] = "[REDACTED:" + name + "]"
		if encoded := url.QueryEscape(value); encoded != value {
			rf.replacements[encoded] = "[REDACTED:" + name + ":urlencoded]"
		}
	}
	return rf
}

// Redact returns input with every token occurrence replaced. Without a
// token (local runs, or a client that is already logged in) it changes
// nothing.
func (rf *RedactionFilter) Redact(input string) string {
	if rf == nil || len(rf.replacements) == 0 {
		return input
	}
	result := input
	for value, placeholder := range rf.replacements {
		result = strings.ReplaceAll(result, value, placeholder)
	}
	return result
}
