// Command agent-runner is the in-unit worker. The bootstrap payload (or the
// container entrypoint) starts it with the agent contract in the
// environment; from there it owns the whole lifecycle: state store setup,
// credential resolution, repository checkout, and the continuous session
// loop, with periodic state sync back to the store.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/agency/quickdeploy/common/environment"
	"github.com/agency/quickdeploy/common/retry"
	"github.com/agency/quickdeploy/common/version"
	"github.com/agency/quickdeploy/internal/credentials"
	"github.com/agency/quickdeploy/internal/harness"
	"github.com/agency/quickdeploy/internal/observability"
	"github.com/agency/quickdeploy/internal/secrets"
	"github.com/agency/quickdeploy/internal/store"
)

func main() {
	observability.Setup(
		environment.StringOr("QUICKDEPLOY_LOG_LEVEL", "info"),
		environment.StringOr("QUICKDEPLOY_LOG_FORMAT", "text"),
	)
	slog.Info("agent-runner starting", "version", version.Info())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		// Worker logs end up in the shared store; scrub anything token-shaped
		// an error path may have captured.
		slog.Error("agent-runner failed", "error", observability.RedactSecrets(err.Error(),
			os.Getenv("ANTHROPIC_API_KEY"),
			os.Getenv("CLAUDE_CODE_OAUTH_TOKEN"),
			os.Getenv("GITHUB_TOKEN")))
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	agentID, err := environment.RequiredString("AGENT_ID")
	if err != nil {
		return err
	}

	st, err := buildStore(ctx)
	if err != nil {
		return fmt.Errorf("state store: %w", err)
	}
	// Bucket setup races unit networking on first boot; retry before giving up.
	if err := retry.Do(ctx, retry.DefaultConfig, func() error {
		return st.EnsureBucket(ctx)
	}); err != nil {
		return fmt.Errorf("state store: %w", err)
	}

	workspace := environment.StringOr("WORKSPACE", "/workspace/"+agentID)
	projectDir := filepath.Join(workspace, "project")
	if err := os.MkdirAll(projectDir, 0o755); err != nil {
		return fmt.Errorf("create project dir: %w", err)
	}

	logPath := environment.StringOr("AGENT_LOG", filepath.Join(workspace, "agent.log"))
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer logFile.Close()

	syncer := harness.NewSyncer(st, agentID, projectDir, logPath)
	syncer.Interval = environment.DurationOr("SYNC_INTERVAL", syncer.Interval)

	if err := syncer.WriteStatus(ctx, "starting"); err != nil {
		return fmt.Errorf("report starting status: %w", err)
	}

	markFailed := func(cause error) error {
		if werr := syncer.WriteStatus(context.Background(), "failed"); werr != nil {
			slog.Warn("could not report failed status", "error", werr)
		}
		return cause
	}

	if err := setupCredentials(ctx); err != nil {
		return markFailed(fmt.Errorf("credentials: %w", err))
	}
	// Checkout before spec materialization: git refuses to clone into a
	// non-empty directory.
	if err := checkoutRepo(ctx, projectDir, logFile); err != nil {
		return markFailed(err)
	}
	if err := materializeSpec(workspace, projectDir); err != nil {
		return markFailed(err)
	}

	syncCtx, cancelSync := context.WithCancel(context.Background())
	syncDone := make(chan struct{})
	go func() {
		defer close(syncDone)
		syncer.Run(syncCtx)
	}()

	loop := harness.NewLoop(agentID, projectDir,
		environment.IntOr("MAX_ITERATIONS", 0),
		harness.NewClaudeRunner(logFile),
		syncer)
	loopErr := loop.Run(ctx)

	cancelSync()
	<-syncDone

	if loopErr != nil {
		return markFailed(loopErr)
	}
	holdOpen(ctx)
	slog.Info("agent-runner finished", "agent", agentID)
	return nil
}

// holdOpen idles until ctx ends when KEEP_ALIVE is set. Container backends
// reap the unit the moment this process returns, so the worker holds the
// unit open itself; the VM bootstrap gates its shutdown on the same flag.
// The terminal status is already in the store by the time this runs.
func holdOpen(ctx context.Context) {
	if !environment.BoolOr("KEEP_ALIVE", false) {
		return
	}
	slog.Info("keep-alive set, idling until stopped")
	<-ctx.Done()
}

// buildStore selects the state store from STORE_BACKEND.
func buildStore(ctx context.Context) (store.Store, error) {
	backend := environment.StringOr("STORE_BACKEND", "local")
	switch backend {
	case "gcs":
		project, err := environment.RequiredString("GCP_PROJECT")
		if err != nil {
			return nil, err
		}
		bucket, err := environment.RequiredString("STORE_BUCKET")
		if err != nil {
			return nil, err
		}
		return store.NewGCS(ctx, project, bucket, environment.StringOr("GCP_LOCATION", "US"))
	case "s3":
		region, err := environment.RequiredString("AWS_REGION")
		if err != nil {
			return nil, err
		}
		bucket, err := environment.RequiredString("STORE_BUCKET")
		if err != nil {
			return nil, err
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
		if err != nil {
			return nil, fmt.Errorf("aws config: %w", err)
		}
		return store.NewS3(s3.NewFromConfig(awsCfg), bucket, region), nil
	case "local":
		return store.NewLocal(environment.StringOr("STORE_ROOT", "/data")), nil
	}
	return nil, fmt.Errorf("unknown STORE_BACKEND %q: must be gcs, s3, or local", backend)
}

// setupCredentials makes sure the session CLI can authenticate. Direct
// environment injection (Docker, Railway, GCE metadata via the bootstrap
// script) needs no work here; the secret-store channel resolves the named
// secret and materializes it.
func setupCredentials(ctx context.Context) error {
	if k := os.Getenv("ANTHROPIC_API_KEY"); k != "" {
		return nil
	}
	if t := os.Getenv("CLAUDE_CODE_OAUTH_TOKEN"); t != "" {
		return writeOAuthFile(credentials.FromOAuth(credentials.OAuth{AccessToken: t}))
	}

	name := os.Getenv("CREDENTIAL_SECRET")
	if name == "" {
		return fmt.Errorf("no credentials in environment and CREDENTIAL_SECRET is not set")
	}

	var sec secrets.Store
	switch backend := environment.StringOr("SECRET_BACKEND", "ssm"); backend {
	case "ssm":
		region, err := environment.RequiredString("AWS_REGION")
		if err != nil {
			return err
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
		if err != nil {
			return fmt.Errorf("aws config: %w", err)
		}
		sec = secrets.NewSSMParameterStore(ssm.NewFromConfig(awsCfg))
	case "google":
		project, err := environment.RequiredString("GCP_PROJECT")
		if err != nil {
			return err
		}
		sm, err := secrets.NewGoogleSecretManager(ctx, project)
		if err != nil {
			return err
		}
		sec = sm
	default:
		return fmt.Errorf("unknown SECRET_BACKEND %q: must be ssm or google", backend)
	}

	value, ok, err := sec.Get(ctx, name)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("credential secret %q not found", name)
	}
	creds, err := credentials.DecodeSecret(value)
	if err != nil {
		return err
	}

	switch creds.AuthType {
	case credentials.AuthAPIKey:
		return os.Setenv("ANTHROPIC_API_KEY", creds.APIKey)
	case credentials.AuthOAuth:
		if err := os.Setenv("CLAUDE_CODE_OAUTH_TOKEN", creds.OAuth.AccessToken); err != nil {
			return err
		}
		return writeOAuthFile(creds)
	}
	return fmt.Errorf("unsupported auth type %q", creds.AuthType)
}

// writeOAuthFile materializes ~/.claude/.credentials.json, which the session
// CLI reads for OAuth logins.
func writeOAuthFile(creds *credentials.Credentials) error {
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("home dir: %w", err)
	}
	dir := filepath.Join(home, ".claude")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	doc := fmt.Sprintf(`{"claudeAiOauth":{"accessToken":%q}}`, creds.OAuth.AccessToken)
	path := filepath.Join(dir, ".credentials.json")
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// materializeSpec makes sure app_spec.txt exists in the project directory.
// On VM backends the bootstrap script already wrote it to the workspace; on
// container backends the prompt arrives in AGENT_PROMPT.
func materializeSpec(workspace, projectDir string) error {
	target := filepath.Join(projectDir, harness.AppSpecFile)
	if _, err := os.Stat(target); err == nil {
		return nil
	}

	if data, err := os.ReadFile(filepath.Join(workspace, harness.AppSpecFile)); err == nil {
		return os.WriteFile(target, data, 0o644)
	}
	if prompt := os.Getenv("AGENT_PROMPT"); prompt != "" {
		return os.WriteFile(target, []byte(prompt), 0o644)
	}
	return fmt.Errorf("no task specification: neither %s nor AGENT_PROMPT is present", harness.AppSpecFile)
}

// checkoutRepo clones REPO_URL into the project directory when one is set
// and the directory is still empty, so a restarted worker resumes the
// existing checkout instead of re-cloning over it.
func checkoutRepo(ctx context.Context, projectDir string, logw io.Writer) error {
	repo := os.Getenv("REPO_URL")
	if repo == "" {
		return nil
	}
	if _, err := os.Stat(filepath.Join(projectDir, ".git")); err == nil {
		slog.Info("repository already checked out", "dir", projectDir)
		return nil
	}

	args := []string{"clone", repo, "."}
	if branch := os.Getenv("REPO_BRANCH"); branch != "" {
		args = []string{"clone", "--branch", branch, repo, "."}
	}
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = projectDir
	cmd.Stdout = logw
	cmd.Stderr = logw
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("clone repository: %w", err)
	}
	return nil
}
