package harness_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/agency/quickdeploy/internal/harness"
	"github.com/agency/quickdeploy/internal/store"
)

func newTestSyncer(t *testing.T) (*harness.Syncer, *store.Local, string) {
	t.Helper()
	projectDir := t.TempDir()
	st := store.NewLocal(t.TempDir())
	if err := st.EnsureBucket(context.Background()); err != nil {
		t.Fatalf("EnsureBucket: %v", err)
	}
	logPath := filepath.Join(t.TempDir(), "agent.log")
	return harness.NewSyncer(st, "agent-test", projectDir, logPath), st, projectDir
}

func TestSyncer_WriteStatus(t *testing.T) {
	sy, st, _ := newTestSyncer(t)
	if err := sy.WriteStatus(context.Background(), "starting"); err != nil {
		t.Fatalf("WriteStatus: %v", err)
	}
	data, ok, err := st.Get(context.Background(), store.StatusKey("agent-test"))
	if err != nil || !ok {
		t.Fatalf("status missing (ok=%v err=%v)", ok, err)
	}
	if string(data) != "starting" {
		t.Fatalf("expected starting, got %q", data)
	}
}

func TestSyncer_SyncOnceUploadsPresentFiles(t *testing.T) {
	sy, st, projectDir := newTestSyncer(t)
	ctx := context.Background()

	// Nothing exists yet; sync must be a clean no-op.
	if err := sy.SyncOnce(ctx); err != nil {
		t.Fatalf("empty sync: %v", err)
	}
	if _, ok, _ := st.Get(ctx, store.TaskListKey("agent-test")); ok {
		t.Fatal("no task list should be uploaded before one exists")
	}

	doc := `{"features":[{"id":1,"description":"a","status":"pending"}]}`
	if err := os.WriteFile(filepath.Join(projectDir, harness.TaskListFile), []byte(doc), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(filepath.Join(projectDir, harness.ProgressFile), []byte("note"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(sy.LogPath, []byte("log line\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	if err := sy.SyncOnce(ctx); err != nil {
		t.Fatalf("SyncOnce: %v", err)
	}
	for _, key := range []string{
		store.TaskListKey("agent-test"),
		store.ProgressKey("agent-test"),
		store.AgentLogKey("agent-test"),
	} {
		if _, ok, err := st.Get(ctx, key); err != nil || !ok {
			t.Errorf("expected %s in store (ok=%v err=%v)", key, ok, err)
		}
	}
}

func TestSyncer_LogUploadIsTailBounded(t *testing.T) {
	sy, st, _ := newTestSyncer(t)
	ctx := context.Background()

	big := strings.Repeat("x", 300*1024) + "END"
	if err := os.WriteFile(sy.LogPath, []byte(big), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := sy.SyncOnce(ctx); err != nil {
		t.Fatalf("SyncOnce: %v", err)
	}
	data, ok, err := st.Get(ctx, store.AgentLogKey("agent-test"))
	if err != nil || !ok {
		t.Fatalf("log missing (ok=%v err=%v)", ok, err)
	}
	if len(data) > 256*1024 {
		t.Fatalf("uploaded log too large: %d bytes", len(data))
	}
	if !strings.HasSuffix(string(data), "END") {
		t.Fatal("upload should keep the tail of the log")
	}
}
