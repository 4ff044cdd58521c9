package harness

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"time"
)

// SessionRunner runs one bounded agent session in a working directory and
// returns its combined output. The loop treats any error as a failed
// iteration; it never inspects the output beyond logging it.
type SessionRunner interface {
	Run(ctx context.Context, dir, prompt string) (string, error)
}

// ClaudeRunner runs sessions through the Claude Code CLI.
type ClaudeRunner struct {
	// Binary is the CLI executable, "claude" by default.
	Binary string
	// Timeout bounds one session. Sessions are long by design; the default
	// is generous and the loop survives a timeout like any other failure.
	Timeout time.Duration
	// Logw receives the live session output in addition to the returned
	// buffer. Nil means discard.
	Logw io.Writer
}

// NewClaudeRunner returns a runner with the defaults the worker uses.
func NewClaudeRunner(logw io.Writer) *ClaudeRunner {
	return &ClaudeRunner{Binary: "claude", Timeout: 45 * time.Minute, Logw: logw}
}

// Run executes one session. The prompt travels on stdin, keeping arbitrary
// task text out of the argument vector and the process table.
func (r *ClaudeRunner) Run(ctx context.Context, dir, prompt string) (string, error) {
	binary := r.Binary
	if binary == "" {
		binary = "claude"
	}
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, binary,
		"-p",
		"--dangerously-skip-permissions",
		"--verbose",
		"--output-format", "text",
	)
	cmd.Dir = dir
	cmd.Stdin = bytes.NewBufferString(prompt)
	cmd.Env = os.Environ()

	var buf bytes.Buffer
	out := io.Writer(&buf)
	if r.Logw != nil {
		out = io.MultiWriter(&buf, r.Logw)
	}
	cmd.Stdout = out
	cmd.Stderr = out

	slog.Info("session starting", "dir", dir, "binary", binary)
	start := time.Now()
	err := cmd.Run()
	slog.Info("session finished", "duration", time.Since(start).Round(time.Second), "err", err)

	if ctx.Err() == context.DeadlineExceeded {
		return buf.String(), fmt.Errorf("session timed out after %s", r.Timeout)
	}
	if err != nil {
		return buf.String(), fmt.Errorf("session failed: %w", err)
	}
	return buf.String(), nil
}
