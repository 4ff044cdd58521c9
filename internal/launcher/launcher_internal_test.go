package launcher

import (
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/agency/quickdeploy/internal/config"
	"github.com/agency/quickdeploy/internal/credentials"
	"github.com/agency/quickdeploy/internal/provider"
	"github.com/agency/quickdeploy/internal/store"
)

// fakeProvider records calls and replays canned answers.
type fakeProvider struct {
	status      provider.StatusInfo
	statusCalls int
	list        []provider.Summary
	launched    []provider.LaunchSpec
}

func (f *fakeProvider) Name() provider.Name { return provider.Docker }

func (f *fakeProvider) Launch(_ context.Context, spec provider.LaunchSpec, _ *credentials.Credentials) provider.DeploymentResult {
	f.launched = append(f.launched, spec)
	return provider.DeploymentResult{
		AgentID:  spec.AgentID,
		Provider: provider.Docker,
		Status:   provider.StatusLaunching,
	}
}

func (f *fakeProvider) Status(context.Context, string) provider.StatusInfo {
	f.statusCalls++
	return f.status
}

func (f *fakeProvider) Logs(context.Context, string) (string, bool) { return "", false }
func (f *fakeProvider) Stop(context.Context, string) bool           { return true }

func (f *fakeProvider) List(context.Context) ([]provider.Summary, error) {
	return f.list, nil
}

func newFakeLauncher(t *testing.T, f *fakeProvider) *Launcher {
	t.Helper()
	st := store.NewLocal(t.TempDir())
	if err := st.EnsureBucket(context.Background()); err != nil {
		t.Fatalf("EnsureBucket: %v", err)
	}
	return &Launcher{
		cfg:      &config.Config{Provider: "docker", AuthType: "api_key", MaxIterations: 10},
		provider: f,
		store:    st,
		log:      slog.With("component", "launcher"),
	}
}

func TestLaunch_GeneratedIDSkipsNameGuard(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-api03-test-key")
	// Even a backend that answers "running" for every id must not block a
	// generated id; they are unique by construction.
	fake := &fakeProvider{status: provider.StatusInfo{Status: provider.StatusRunning}}
	l := newFakeLauncher(t, fake)

	res, err := l.Launch(context.Background(), LaunchOptions{Prompt: "build it"})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if res.Status != provider.StatusLaunching {
		t.Fatalf("expected launching, got %s", res.Status)
	}
	if len(fake.launched) != 1 {
		t.Fatalf("expected one launch, got %d", len(fake.launched))
	}
	if fake.statusCalls != 0 {
		t.Fatalf("expected no status lookup for a generated id, got %d", fake.statusCalls)
	}
}

func TestLaunch_NamedCollisionIsAnError(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-api03-test-key")
	fake := &fakeProvider{status: provider.StatusInfo{Status: provider.StatusRunning}}
	l := newFakeLauncher(t, fake)

	_, err := l.Launch(context.Background(), LaunchOptions{AgentID: "agent-busy", Prompt: "build it"})
	if err == nil {
		t.Fatal("expected error for a name held by a live unit")
	}
	if len(fake.launched) != 0 {
		t.Fatal("no unit must be created on a name collision")
	}
}

func TestLaunch_UnknownStatusDoesNotBlockNamedLaunch(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-api03-test-key")
	// A backend hiccup during the name check must not turn into a hard
	// "already exists" error.
	fake := &fakeProvider{status: provider.StatusInfo{
		Status: provider.StatusUnknown,
		Err:    "dial tcp: connection refused",
	}}
	l := newFakeLauncher(t, fake)

	res, err := l.Launch(context.Background(), LaunchOptions{AgentID: "agent-named", Prompt: "build it"})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if res.Status != provider.StatusLaunching {
		t.Fatalf("expected launching, got %s", res.Status)
	}
	if len(fake.launched) != 1 {
		t.Fatalf("expected one launch, got %d", len(fake.launched))
	}
}

func TestLaunch_StoppedNameIsReusable(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-api03-test-key")
	fake := &fakeProvider{status: provider.StatusInfo{Status: provider.StatusStopped}}
	l := newFakeLauncher(t, fake)

	if _, err := l.Launch(context.Background(), LaunchOptions{AgentID: "agent-done", Prompt: "build it"}); err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if len(fake.launched) != 1 {
		t.Fatalf("expected one launch, got %d", len(fake.launched))
	}
}

func TestLaunch_NoCredentialsCreatesNoUnit(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	fake := &fakeProvider{status: provider.StatusInfo{Status: provider.StatusNotFound}}
	l := newFakeLauncher(t, fake)

	res, err := l.Launch(context.Background(), LaunchOptions{Prompt: "build it"})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if res.Status != provider.StatusFailed {
		t.Fatalf("expected failed result, got %s", res.Status)
	}
	if !strings.Contains(res.Error, "ANTHROPIC_API_KEY") || !strings.Contains(res.Error, SecretAPIKey) {
		t.Errorf("result error should name both credential channels, got %q", res.Error)
	}
	if len(fake.launched) != 0 {
		t.Fatal("no unit must be created without credentials")
	}
}

func TestList_IncludesStoreOnlyAgents(t *testing.T) {
	ctx := context.Background()
	fake := &fakeProvider{list: []provider.Summary{{Name: "agent-live", Status: "running"}}}
	l := newFakeLauncher(t, fake)

	// agent-live has a unit; agent-done finished and its unit is gone;
	// agent-notes only left progress behind; the stray log prefix is noise.
	seed := map[string]string{
		store.StatusKey("agent-live"):    "running",
		store.StatusKey("agent-done"):    "completed",
		store.ProgressKey("agent-notes"): "session 1: made a start",
		store.AgentLogKey("agent-stray"): "boot output",
	}
	for key, value := range seed {
		if err := l.store.Put(ctx, key, []byte(value)); err != nil {
			t.Fatalf("Put %s: %v", key, err)
		}
	}

	summaries, err := l.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	byName := make(map[string]string, len(summaries))
	for _, s := range summaries {
		byName[s.Name] = s.Status
	}
	if len(summaries) != 3 {
		t.Fatalf("expected 3 summaries, got %+v", summaries)
	}
	if byName["agent-live"] != "running" {
		t.Errorf("expected the backend row for agent-live, got %q", byName["agent-live"])
	}
	if byName["agent-done"] != "completed" {
		t.Errorf("expected stored status for agent-done, got %q", byName["agent-done"])
	}
	if byName["agent-notes"] != "not_found" {
		t.Errorf("expected not_found for agent with only notes, got %q", byName["agent-notes"])
	}
	if _, ok := byName["agent-stray"]; ok {
		t.Error("a lone log object must not produce a summary")
	}
}
