package harness_test

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/agency/quickdeploy/internal/harness"
)

func TestClaudeRunner_CapturesOutput(t *testing.T) {
	var logw bytes.Buffer
	r := harness.NewClaudeRunner(&logw)
	r.Binary = "echo" // stand-in binary; prints its arguments and exits 0

	out, err := r.Run(context.Background(), t.TempDir(), "ignored prompt")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(out, "--output-format") {
		t.Fatalf("expected command arguments in output, got %q", out)
	}
	if logw.String() != out {
		t.Fatal("live log writer should receive the same output")
	}
}

func TestClaudeRunner_FailureIsAnError(t *testing.T) {
	r := harness.NewClaudeRunner(nil)
	r.Binary = "false"

	if _, err := r.Run(context.Background(), t.TempDir(), "prompt"); err == nil {
		t.Fatal("expected error for failing session binary")
	}
}

func TestClaudeRunner_Timeout(t *testing.T) {
	r := harness.NewClaudeRunner(nil)
	r.Binary = "sleep"
	r.Timeout = 50 * time.Millisecond

	// sleep rejects the flag arguments and exits immediately on some
	// systems; either way the call must come back quickly and not hang.
	done := make(chan struct{})
	go func() {
		_, _ = r.Run(context.Background(), t.TempDir(), "prompt")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("session did not terminate")
	}
}
