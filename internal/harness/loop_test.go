package harness_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/agency/quickdeploy/internal/harness"
	"github.com/agency/quickdeploy/internal/store"
)

// scriptedRunner replays a sequence of canned session behaviours. Each step
// may write files into the project directory, mimicking what a real session
// leaves behind.
type scriptedRunner struct {
	steps   []func(dir string) error
	prompts []string
}

func (r *scriptedRunner) Run(_ context.Context, dir, prompt string) (string, error) {
	r.prompts = append(r.prompts, prompt)
	i := len(r.prompts) - 1
	if i >= len(r.steps) {
		return "", nil
	}
	return "", r.steps[i](dir)
}

func writeTaskList(t *testing.T, dir, doc string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, harness.TaskListFile), []byte(doc), 0o644); err != nil {
		t.Fatalf("write task list: %v", err)
	}
}

func newTestLoop(t *testing.T, maxIterations int, runner harness.SessionRunner) (*harness.Loop, *store.Local, string) {
	t.Helper()
	projectDir := t.TempDir()
	st := store.NewLocal(t.TempDir())
	if err := st.EnsureBucket(context.Background()); err != nil {
		t.Fatalf("EnsureBucket: %v", err)
	}
	syncer := harness.NewSyncer(st, "agent-test", projectDir, "")
	return harness.NewLoop("agent-test", projectDir, maxIterations, runner, syncer), st, projectDir
}

func storedStatus(t *testing.T, st *store.Local) string {
	t.Helper()
	data, ok, err := st.Get(context.Background(), store.StatusKey("agent-test"))
	if err != nil || !ok {
		t.Fatalf("status object missing (ok=%v err=%v)", ok, err)
	}
	return string(data)
}

func TestRetryDelay(t *testing.T) {
	cases := []struct {
		failures int
		want     time.Duration
	}{
		{1, 5 * time.Second},
		{2, 5 * time.Second},
		{4, 5 * time.Second},
		{5, 480 * time.Second},
		{6, 480 * time.Second},
		{50, 480 * time.Second},
	}
	for _, tc := range cases {
		if got := harness.RetryDelay(tc.failures); got != tc.want {
			t.Errorf("RetryDelay(%d): expected %v, got %v", tc.failures, tc.want, got)
		}
	}
}

func TestLoop_DecomposesThenImplementsThenCompletes(t *testing.T) {
	runner := &scriptedRunner{steps: []func(string) error{
		func(dir string) error {
			writeTaskList(t, dir, `{"features":[
				{"id":1,"description":"a","status":"pending"},
				{"id":2,"description":"b","status":"pending"}
			]}`)
			return nil
		},
		func(dir string) error {
			writeTaskList(t, dir, `{"features":[
				{"id":1,"description":"a","status":"completed"},
				{"id":2,"description":"b","status":"pending"}
			]}`)
			return nil
		},
		func(dir string) error {
			writeTaskList(t, dir, `{"features":[
				{"id":1,"description":"a","status":"completed"},
				{"id":2,"description":"b","status":"completed"}
			]}`)
			return nil
		},
	}}
	loop, st, _ := newTestLoop(t, 0, runner)

	if err := loop.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(runner.prompts) != 3 {
		t.Fatalf("expected 3 sessions, got %d", len(runner.prompts))
	}
	if !strings.Contains(runner.prompts[0], "feature_list.json") || strings.Contains(runner.prompts[0], "Previous progress") {
		t.Error("first session should get the decomposition prompt")
	}
	if !strings.Contains(runner.prompts[1], "Previous progress") {
		t.Error("second session should get the implementation prompt")
	}
	if !strings.Contains(runner.prompts[1], "0/2 features completed") {
		t.Errorf("expected progress summary in prompt, got %q", runner.prompts[1])
	}
	if got := storedStatus(t, st); got != "completed" {
		t.Fatalf("expected terminal status completed, got %q", got)
	}

	// The final sync must have flushed the task list to the store.
	data, ok, err := st.Get(context.Background(), store.TaskListKey("agent-test"))
	if err != nil || !ok {
		t.Fatalf("task list not synced (ok=%v err=%v)", ok, err)
	}
	if !strings.Contains(string(data), `"completed"`) {
		t.Fatal("synced task list does not reflect completion")
	}
}

func TestLoop_BudgetBeatsPendingWork(t *testing.T) {
	// Sessions succeed but never finish anything; the budget must end the
	// loop anyway.
	runner := &scriptedRunner{steps: []func(string) error{
		func(dir string) error {
			writeTaskList(t, dir, `{"features":[{"id":1,"description":"a","status":"pending"}]}`)
			return nil
		},
	}}
	loop, st, _ := newTestLoop(t, 3, runner)

	if err := loop.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(runner.prompts) != 3 {
		t.Fatalf("expected exactly 3 sessions, got %d", len(runner.prompts))
	}
	if got := storedStatus(t, st); got != "completed" {
		t.Fatalf("expected terminal status after budget, got %q", got)
	}
}

func TestLoop_EmptyListRetriggersDecomposition(t *testing.T) {
	runner := &scriptedRunner{steps: []func(string) error{
		func(dir string) error {
			// A half-booted worker left an empty skeleton behind.
			writeTaskList(t, dir, `{"features":[]}`)
			return nil
		},
		func(dir string) error {
			writeTaskList(t, dir, `{"features":[{"id":1,"description":"a","status":"completed"}]}`)
			return nil
		},
	}}
	loop, _, projectDir := newTestLoop(t, 0, runner)
	writeTaskList(t, projectDir, `{"features":[]}`)

	if err := loop.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	for i := 0; i < 2; i++ {
		if strings.Contains(runner.prompts[i], "Previous progress") {
			t.Errorf("session %d should be a decomposition session", i)
		}
	}
}

func TestLoop_ResumesFromExistingState(t *testing.T) {
	runner := &scriptedRunner{steps: []func(string) error{
		func(dir string) error {
			writeTaskList(t, dir, `{"features":[{"id":1,"description":"a","status":"completed"}]}`)
			return nil
		},
	}}
	loop, _, projectDir := newTestLoop(t, 0, runner)

	// A previous worker already decomposed and left notes.
	writeTaskList(t, projectDir, `{"features":[{"id":1,"description":"a","status":"pending"}]}`)
	if err := os.WriteFile(filepath.Join(projectDir, harness.ProgressFile), []byte("session 1: started feature a"), 0o644); err != nil {
		t.Fatalf("write progress: %v", err)
	}

	if err := loop.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(runner.prompts) != 1 {
		t.Fatalf("expected 1 session, got %d", len(runner.prompts))
	}
	if !strings.Contains(runner.prompts[0], "session 1: started feature a") {
		t.Error("expected previous progress notes in the resumed prompt")
	}
}

func TestLoop_AlreadyCompleteRunsNoSessions(t *testing.T) {
	runner := &scriptedRunner{}
	loop, st, projectDir := newTestLoop(t, 0, runner)
	writeTaskList(t, projectDir, `{"features":[{"id":1,"description":"a","status":"completed"}]}`)

	if err := loop.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(runner.prompts) != 0 {
		t.Fatalf("expected no sessions, got %d", len(runner.prompts))
	}
	if got := storedStatus(t, st); got != "completed" {
		t.Fatalf("expected completed, got %q", got)
	}
}

func TestLoop_FiveFailuresReachCappedBackoffThenResume(t *testing.T) {
	boom := errors.New("session crashed")
	failStep := func(string) error { return boom }
	runner := &scriptedRunner{steps: []func(string) error{
		func(dir string) error {
			writeTaskList(t, dir, `{"features":[{"id":1,"description":"a","status":"pending"}]}`)
			return nil
		},
		failStep, failStep, failStep, failStep, failStep,
		func(dir string) error {
			writeTaskList(t, dir, `{"features":[{"id":1,"description":"a","status":"completed"}]}`)
			return nil
		},
	}}
	loop, st, _ := newTestLoop(t, 0, runner)

	var delays []time.Duration
	loop.Delay = func(n int) time.Duration {
		delays = append(delays, harness.RetryDelay(n))
		return 0
	}

	if err := loop.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(runner.prompts) != 7 {
		t.Fatalf("expected 7 sessions, got %d", len(runner.prompts))
	}
	want := []time.Duration{
		5 * time.Second, 5 * time.Second, 5 * time.Second, 5 * time.Second,
		480 * time.Second,
	}
	if len(delays) != len(want) {
		t.Fatalf("expected %d retry waits, got %v", len(want), delays)
	}
	for i, d := range want {
		if delays[i] != d {
			t.Errorf("wait %d: expected %v, got %v", i, d, delays[i])
		}
	}
	if got := storedStatus(t, st); got != "completed" {
		t.Fatalf("expected terminal status after recovery, got %q", got)
	}
}

func TestLoop_SuccessResetsFailureCount(t *testing.T) {
	boom := errors.New("session crashed")
	runner := &scriptedRunner{steps: []func(string) error{
		func(dir string) error {
			writeTaskList(t, dir, `{"features":[
				{"id":1,"description":"a","status":"pending"},
				{"id":2,"description":"b","status":"pending"}
			]}`)
			return nil
		},
		func(string) error { return boom },
		func(string) error { return boom },
		func(dir string) error {
			writeTaskList(t, dir, `{"features":[
				{"id":1,"description":"a","status":"completed"},
				{"id":2,"description":"b","status":"pending"}
			]}`)
			return nil
		},
		func(string) error { return boom },
		func(dir string) error {
			writeTaskList(t, dir, `{"features":[
				{"id":1,"description":"a","status":"completed"},
				{"id":2,"description":"b","status":"completed"}
			]}`)
			return nil
		},
	}}
	loop, st, _ := newTestLoop(t, 0, runner)

	var failSeq []int
	loop.Delay = func(n int) time.Duration {
		failSeq = append(failSeq, n)
		return 0
	}

	if err := loop.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	// The successful session between the failure runs must reset the counter.
	want := []int{1, 2, 1}
	if len(failSeq) != len(want) {
		t.Fatalf("expected failure counts %v, got %v", want, failSeq)
	}
	for i := range want {
		if failSeq[i] != want[i] {
			t.Fatalf("expected failure counts %v, got %v", want, failSeq)
		}
	}
	if got := storedStatus(t, st); got != "completed" {
		t.Fatalf("expected completed, got %q", got)
	}
}

func TestLoop_CancellationSurfacesAsError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	loop, _, _ := newTestLoop(t, 0, &scriptedRunner{})
	if err := loop.Run(ctx); err == nil {
		t.Fatal("expected error for canceled context")
	}
}
