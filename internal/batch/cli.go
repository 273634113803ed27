package batch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"syscall"
	"time"
)

// CLIExecutor implements Executor by spawning the D1 command-line client,
// one process per statement:
//
//	<Command...> <Database> [--remote] --command <statement>
type CLIExecutor struct {
	// Command is the client binary followed by its fixed leading arguments,
	// e.g. ["npx", "wrangler", "d1", "execute"].
	Command  []string
	Database string
	Remote   bool

	// TokenEnv names the variable the client reads its API token from.
	// When Token is empty the child inherits the parent environment as is.
	TokenEnv string
	Token    string

	// Environ returns the parent environment. Nil means os.Environ.
	Environ func() []string
}

// Args returns the full argument vector (without the binary) used to run
// statement.
func (e *CLIExecutor) Args(statement string) []string {
	var args []string
	if len(e.Command) > 1 {
		args = append(args, e.Command[1:]...)
	}
	args = append(args, e.Database)
	if e.Remote {
		args = append(args, "--remote")
	}
	return append(args, "--command", statement)
}

// Env returns the child environment: the parent environment with the token
// variable laid over it.
func (e *CLIExecutor) Env() []string {
	environ := e.Environ
	if environ == nil {
		environ = os.Environ
	}
	extra := map[string]string{}
	if e.Token != "" && e.TokenEnv != "" {
		extra[e.TokenEnv] = e.Token
	}
	return MergeEnv(environ(), extra)
}

// Execute runs the client once for statement and waits for it to exit or for
// ctx to expire. On expiry the whole process group is killed, since npx
// forks node children that would otherwise outlive the call.
func (e *CLIExecutor) Execute(ctx context.Context, statement string) (Result, error) {
	if len(e.Command) == 0 {
		return Result{}, errors.New("no client command configured")
	}

	cmd := exec.CommandContext(ctx, e.Command[0], e.Args(statement)...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 2 * time.Second
	cmd.Env = e.Env()

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{Stderr: stderr.String()}

	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return res, ErrTimeout
		}
		return res, ctxErr
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return res, fmt.Errorf("run %s: %w", e.Command[0], err)
	}
	return res, nil
}

// MergeEnv lays extra over parent and returns the result as sorted KEY=VALUE
// pairs. For duplicate keys in parent the last one wins, as with exec.
func MergeEnv(parent []string, extra map[string]string) []string {
	env := make(map[string]string, len(parent)+len(extra))
	for _, kv := range parent {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		env[k] = v
	}
	for k, v := range extra {
		env[k] = v
	}

	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
