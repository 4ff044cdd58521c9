// Package launcher is the orchestrator core: it resolves credentials, picks
// the configured backend, and drives the five lifecycle verbs against it.
// The launcher holds no agent state of its own; everything it reports comes
// from the backend and the state store.
package launcher

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsec2 "github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/google/uuid"

	"github.com/agency/quickdeploy/common/environment"
	"github.com/agency/quickdeploy/internal/config"
	"github.com/agency/quickdeploy/internal/credentials"
	"github.com/agency/quickdeploy/internal/payload"
	"github.com/agency/quickdeploy/internal/provider"
	"github.com/agency/quickdeploy/internal/provider/dockerlocal"
	"github.com/agency/quickdeploy/internal/provider/ec2"
	"github.com/agency/quickdeploy/internal/provider/gcpvm"
	"github.com/agency/quickdeploy/internal/provider/railway"
	"github.com/agency/quickdeploy/internal/secrets"
	"github.com/agency/quickdeploy/internal/store"
)

// Secret store entries the launcher falls back to when credentials are not
// in the environment.
const (
	SecretAPIKey = "anthropic-api-key"
	SecretOAuth  = "claude-oauth-credentials"
)

// Launcher wires one backend, its state store, and the credential resolver.
type Launcher struct {
	cfg      *config.Config
	provider provider.Provider
	store    store.Store
	// secretStore is the credential fallback; nil when the configuration
	// offers none, in which case only the environment is consulted.
	secretStore secrets.Store
	log         *slog.Logger
}

// New builds a launcher for the backend named in cfg. The configuration must
// already be validated.
func New(ctx context.Context, cfg *config.Config) (*Launcher, error) {
	l := &Launcher{cfg: cfg, log: slog.With("component", "launcher")}

	name, ok := provider.ParseName(cfg.Provider)
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}

	switch name {
	case provider.Docker:
		a, err := dockerlocal.New(cfg.Docker.Image, cfg.Docker.DataDir)
		if err != nil {
			return nil, fmt.Errorf("docker backend: %w", err)
		}
		l.provider = a
		l.store = a.Store()

	case provider.GCP:
		st, err := store.NewGCS(ctx, cfg.GCP.Project, cfg.GCP.Bucket, cfg.GCP.Region())
		if err != nil {
			return nil, fmt.Errorf("gcs store: %w", err)
		}
		a, err := gcpvm.New(ctx, st, cfg.GCP.Project, cfg.GCP.Zone, cfg.GCP.MachineType, cfg.GCP.Bucket, cfg.RunnerURL)
		if err != nil {
			return nil, fmt.Errorf("gcp backend: %w", err)
		}
		l.provider = a
		l.store = st

	case provider.AWS:
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
		if err != nil {
			return nil, fmt.Errorf("aws config: %w", err)
		}
		st := store.NewS3(s3.NewFromConfig(awsCfg), cfg.AWS.Bucket, cfg.AWS.Region)
		sec := secrets.NewSSMParameterStore(ssm.NewFromConfig(awsCfg))
		l.provider = ec2.New(awsec2.NewFromConfig(awsCfg), st, sec, ec2.Options{
			Region:           cfg.AWS.Region,
			InstanceType:     cfg.AWS.InstanceType,
			Bucket:           cfg.AWS.Bucket,
			CredentialSecret: cfg.AWS.CredentialSecret,
			InstanceProfile:  environment.StringOr("AWS_INSTANCE_PROFILE", ""),
			RunnerURL:        cfg.RunnerURL,
		})
		l.store = st

	case provider.Railway:
		// Railway workers sync to GCS when a project is configured and to
		// nothing otherwise; a store is still required for status reads.
		if cfg.GCP.Project == "" {
			return nil, fmt.Errorf("railway provider needs gcp.project for the state store (set GCP_PROJECT_ID)")
		}
		st, err := store.NewGCS(ctx, cfg.GCP.Project, cfg.GCP.Bucket, cfg.GCP.Region())
		if err != nil {
			return nil, fmt.Errorf("gcs store: %w", err)
		}
		l.provider = railway.New(st, railway.Options{
			Token:         cfg.Railway.Token,
			ProjectID:     cfg.Railway.ProjectID,
			EnvironmentID: cfg.Railway.EnvironmentID,
			Image:         cfg.Railway.Image,
			StoreEnv: map[string]string{
				"STORE_BACKEND": "gcs",
				"STORE_BUCKET":  cfg.GCP.Bucket,
				"GCP_PROJECT":   cfg.GCP.Project,
			},
		})
		l.store = st
	}

	// The Google secret store backs the credential fallback on every
	// provider when a project is available.
	if cfg.GCP.Project != "" {
		sm, err := secrets.NewGoogleSecretManager(ctx, cfg.GCP.Project)
		if err != nil {
			l.log.Warn("secret manager unavailable, credential fallback disabled", "error", err)
		} else {
			l.secretStore = sm
		}
	}

	return l, nil
}

// Provider exposes the wired backend.
func (l *Launcher) Provider() provider.Provider { return l.provider }

// GenerateAgentID returns a fresh unique agent id, e.g.
// agent-20260823-142501-3f9a1c2e. The timestamp keeps ids sortable; the
// uuid fragment keeps two launches in the same second distinct.
func GenerateAgentID() string {
	return fmt.Sprintf("agent-%s-%s",
		time.Now().UTC().Format("20060102-150405"),
		uuid.NewString()[:8])
}

// LaunchOptions are the operator-facing knobs of one launch.
type LaunchOptions struct {
	// AgentID is optional; empty means generate one.
	AgentID       string
	Prompt        string
	Repo          string
	Branch        string
	Spot          bool
	MaxIterations int
	KeepAlive     bool
}

// Launch resolves credentials and creates one agent unit. Credential and
// backend failures come back inside the DeploymentResult, never as a panic;
// only programmer errors (empty prompt) are returned as errors.
func (l *Launcher) Launch(ctx context.Context, opts LaunchOptions) (provider.DeploymentResult, error) {
	if opts.Prompt == "" {
		return provider.DeploymentResult{}, fmt.Errorf("a task prompt is required")
	}
	agentID := opts.AgentID
	if agentID == "" {
		agentID = GenerateAgentID()
	}
	if opts.MaxIterations == 0 {
		opts.MaxIterations = l.cfg.MaxIterations
	}

	// An operator-chosen name must not collide with an existing unit.
	// Generated ids are unique by construction so they skip the check, and
	// an unknown answer (a transient backend error) never blocks: the
	// launch itself surfaces any real trouble in its result.
	if opts.AgentID != "" {
		existing := l.provider.Status(ctx, agentID)
		switch existing.Status {
		case provider.StatusStarting, provider.StatusLaunching, provider.StatusRunning,
			provider.StatusCompleted, provider.StatusFailed:
			return provider.DeploymentResult{}, fmt.Errorf(
				"agent %q already exists with status %s; stop it first or pick another name",
				agentID, existing.Status)
		}
	}

	creds, err := l.ResolveCredentials(ctx)
	if err == nil {
		// Optional push access for the worker; absent is fine.
		creds.GitHubToken = environment.StringOr("GITHUB_TOKEN", "")
	}
	if err != nil {
		return provider.DeploymentResult{
			AgentID:  agentID,
			Provider: l.provider.Name(),
			Status:   provider.StatusFailed,
			Error:    err.Error(),
		}, nil
	}

	l.log.Info("launching agent", "agent", agentID,
		"provider", l.provider.Name(), "spot", opts.Spot,
		"max_iterations", opts.MaxIterations)

	return l.provider.Launch(ctx, provider.LaunchSpec{
		AgentID:       agentID,
		Prompt:        opts.Prompt,
		Repo:          opts.Repo,
		Branch:        opts.Branch,
		Spot:          opts.Spot,
		MaxIterations: opts.MaxIterations,
		KeepAlive:     opts.KeepAlive,
	}, creds), nil
}

// ResolveCredentials finds worker credentials for the configured auth type:
// the environment first, then the secret store. The error message always
// names both places so the operator knows exactly what to set.
func (l *Launcher) ResolveCredentials(ctx context.Context) (*credentials.Credentials, error) {
	authType, err := credentials.ParseAuthType(l.cfg.AuthType)
	if err != nil {
		return nil, err
	}

	switch authType {
	case credentials.AuthAPIKey:
		if key, ok := environment.String("ANTHROPIC_API_KEY"); ok && key != "" {
			if !credentials.ValidAPIKeyFormat(key) {
				return nil, fmt.Errorf(
					"ANTHROPIC_API_KEY is set but does not look like an Anthropic API key (expected an sk-ant- prefix)")
			}
			return credentials.FromAPIKey(key), nil
		}
		if l.secretStore != nil {
			value, ok, err := l.secretStore.Get(ctx, SecretAPIKey)
			if err != nil {
				return nil, fmt.Errorf("read secret %q: %w", SecretAPIKey, err)
			}
			if ok {
				if !credentials.ValidAPIKeyFormat(value) {
					return nil, fmt.Errorf(
						"secret %q does not look like an Anthropic API key (expected an sk-ant- prefix)", SecretAPIKey)
				}
				return credentials.FromAPIKey(value), nil
			}
		}
		return nil, fmt.Errorf(
			"no API key found: set ANTHROPIC_API_KEY or store secret %q", SecretAPIKey)

	case credentials.AuthOAuth:
		if tok, ok := environment.String("CLAUDE_CODE_OAUTH_TOKEN"); ok && tok != "" {
			if !credentials.ValidOAuthTokenFormat(tok) {
				return nil, fmt.Errorf(
					"CLAUDE_CODE_OAUTH_TOKEN is set but does not look like a Claude OAuth token (expected an sk-ant-oat prefix)")
			}
			return credentials.FromOAuth(credentials.OAuth{AccessToken: tok}), nil
		}
		if l.secretStore != nil {
			value, ok, err := l.secretStore.Get(ctx, SecretOAuth)
			if err != nil {
				return nil, fmt.Errorf("read secret %q: %w", SecretOAuth, err)
			}
			if ok {
				return credentials.ParseOAuthJSON(value)
			}
		}
		return nil, fmt.Errorf(
			"no OAuth credentials found: set CLAUDE_CODE_OAUTH_TOKEN or store secret %q", SecretOAuth)
	}
	return nil, fmt.Errorf("unsupported auth type %q", authType)
}

// Status reports the merged backend and worker view for one agent.
func (l *Launcher) Status(ctx context.Context, agentID string) provider.StatusInfo {
	return l.provider.Status(ctx, agentID)
}

// Logs returns worker log content for one agent.
func (l *Launcher) Logs(ctx context.Context, agentID string) (string, bool) {
	return l.provider.Logs(ctx, agentID)
}

// Stop tears the agent's unit down. The store record is left intact; state
// outlives the unit on purpose.
func (l *Launcher) Stop(ctx context.Context, agentID string) bool {
	return l.provider.Stop(ctx, agentID)
}

// List enumerates this backend's agents, merged with store records of agents
// whose units are already gone. State outlives the unit, so completed work
// stays visible after teardown.
func (l *Launcher) List(ctx context.Context) ([]provider.Summary, error) {
	summaries, err := l.provider.List(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(summaries))
	for _, s := range summaries {
		seen[s.Name] = true
	}

	ids, err := store.ListAgentIDs(ctx, l.store)
	if err != nil {
		l.log.Warn("store listing failed", "error", err)
		return summaries, nil
	}
	for _, id := range ids {
		if seen[id] {
			continue
		}
		state, err := store.ReadAgentState(ctx, l.store, id)
		if err != nil {
			continue
		}
		// A prefix with no status, no task list, and no progress notes is a
		// stray (a lone log object, say), not an agent worth a row.
		if state.Status == "" && state.FeatureCount == 0 && !state.HasProgress {
			continue
		}
		status := state.Status
		if status == "" {
			status = string(provider.StatusNotFound)
		}
		summaries = append(summaries, provider.Summary{Name: id, Status: status})
	}
	return summaries, nil
}

// RunnerURLOrDefault returns the configured worker binary URL.
func (l *Launcher) RunnerURLOrDefault() string {
	if l.cfg.RunnerURL != "" {
		return l.cfg.RunnerURL
	}
	return payload.DefaultRunnerURL
}
