// Package dockerlocal hosts agent workers in containers on the local Docker
// Engine. It is the zero-cloud backend: state lives in a directory-backed
// store bind-mounted into the container, so nothing leaves the machine.
package dockerlocal

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/agency/quickdeploy/internal/credentials"
	"github.com/agency/quickdeploy/internal/payload"
	"github.com/agency/quickdeploy/internal/provider"
	"github.com/agency/quickdeploy/internal/store"
)

const (
	// stopTimeout is how long to wait for graceful container stop before SIGKILL.
	stopTimeout = 10 * time.Second
	// logTail is how many log lines a Logs call fetches from the engine.
	logTail = "500"
	// storeMount is where the state-store directory appears inside the container.
	storeMount = "/data"
)

// stateTable maps Docker container states into the shared vocabulary. The
// exited state is handled separately because it needs the exit code.
var stateTable = map[string]provider.Status{
	"running":    provider.StatusRunning,
	"created":    provider.StatusLaunching,
	"restarting": provider.StatusLaunching,
	"paused":     provider.StatusStopped,
	"removing":   provider.StatusStopped,
	"dead":       provider.StatusFailed,
}

// engineAPI is the slice of the Docker Engine client this adapter uses.
// Conformance tests substitute an in-memory fake engine.
type engineAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig,
		networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerList(ctx context.Context, options container.ListOptions) ([]types.Container, error)
}

var _ engineAPI = (*dockerclient.Client)(nil)

// Adapter implements provider.Provider on the Docker Engine API.
type Adapter struct {
	client engineAPI
	image  string
	local  *store.Local
	log    *slog.Logger
}

// New creates the Docker backend. The client honours DOCKER_HOST and
// negotiates the API version, so it works against whatever engine the
// operator runs. dataDir is the root of the directory-backed state store.
func New(image, dataDir string) (*Adapter, error) {
	cli, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &Adapter{
		client: cli,
		image:  image,
		local:  store.NewLocal(dataDir),
		log:    slog.With("provider", "docker"),
	}, nil
}

// Store exposes the backing state store for callers that read agent state.
func (a *Adapter) Store() store.Store { return a.local }

func (a *Adapter) Name() provider.Name { return provider.Docker }

// Launch creates and starts one agent container named after the agent id.
// The task prompt and credentials travel in the container environment via
// the create API; neither appears in any generated script text.
func (a *Adapter) Launch(ctx context.Context, spec provider.LaunchSpec, creds *credentials.Credentials) provider.DeploymentResult {
	fail := func(format string, args ...any) provider.DeploymentResult {
		return provider.DeploymentResult{
			AgentID:  spec.AgentID,
			Provider: provider.Docker,
			Status:   provider.StatusFailed,
			Error:    fmt.Sprintf(format, args...),
		}
	}

	if err := a.local.EnsureBucket(ctx); err != nil {
		return fail("prepare state store: %v", err)
	}

	env := payload.WorkerEnv(payload.Params{
		AgentID:       spec.AgentID,
		Prompt:        spec.Prompt,
		Repo:          spec.Repo,
		Branch:        spec.Branch,
		MaxIterations: spec.MaxIterations,
		KeepAlive:     spec.KeepAlive,
	})
	env["STORE_BACKEND"] = "local"
	env["STORE_ROOT"] = storeMount
	for k, v := range creds.EnvVars() {
		env[k] = v
	}
	envList := make([]string, 0, len(env))
	for k, v := range env {
		envList = append(envList, k+"="+v)
	}
	sort.Strings(envList)

	containerCfg := &container.Config{
		Image: a.image,
		Env:   envList,
		Labels: map[string]string{
			provider.LabelManaged: provider.ManagedValue,
			provider.LabelAgentID: spec.AgentID,
		},
	}
	hostCfg := &container.HostConfig{
		Binds: []string{a.local.Root() + ":" + storeMount},
	}

	resp, err := a.client.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, spec.AgentID)
	if err != nil {
		return fail("create container: %v", err)
	}
	if err := a.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// Best-effort cleanup so a retry with the same name can succeed.
		_ = a.client.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return fail("start container: %v", err)
	}

	a.log.Info("container started", "agent", spec.AgentID, "container", resp.ID[:12])
	return provider.DeploymentResult{
		AgentID:  spec.AgentID,
		Provider: provider.Docker,
		Status:   provider.StatusLaunching,
	}
}

// Status inspects the container and merges in the worker's self-reported
// status from the state store.
func (a *Adapter) Status(ctx context.Context, agentID string) provider.StatusInfo {
	info := provider.StatusInfo{AgentID: agentID}

	inspect, err := a.client.ContainerInspect(ctx, agentID)
	if err != nil {
		if dockerclient.IsErrNotFound(err) {
			info.Status = provider.StatusNotFound
		} else {
			info.Status = provider.StatusUnknown
			info.Err = err.Error()
			return info
		}
	} else {
		info.UnitState = inspect.State.Status
		if inspect.State.Status == "exited" {
			if inspect.State.ExitCode == 0 {
				info.Status = provider.StatusCompleted
			} else {
				info.Status = provider.StatusFailed
			}
		} else {
			info.Status = provider.MapNative(stateTable, inspect.State.Status)
		}
	}

	state, err := store.ReadAgentState(ctx, a.local, agentID)
	if err != nil {
		info.Err = err.Error()
		return info
	}
	info.Status = provider.MergeWorkerStatus(info.Status, state.Status)
	info.Progress = state.Progress()
	return info
}

// Logs returns the container log tail, falling back to the log object the
// worker synced to the store when the container is already gone.
func (a *Adapter) Logs(ctx context.Context, agentID string) (string, bool) {
	rc, err := a.client.ContainerLogs(ctx, agentID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       logTail,
	})
	if err == nil {
		defer rc.Close()
		var buf bytes.Buffer
		// Engine log streams are multiplexed unless the container runs with
		// a TTY; StdCopy handles both halves.
		if _, err := stdcopy.StdCopy(&buf, &buf, rc); err == nil {
			return buf.String(), true
		}
	}
	data, ok, err := a.local.Get(ctx, store.AgentLogKey(agentID))
	if err != nil || !ok {
		return "", false
	}
	return string(data), true
}

// Stop removes the container. A container that no longer exists counts as
// stopped.
func (a *Adapter) Stop(ctx context.Context, agentID string) bool {
	timeout := int(stopTimeout.Seconds())
	err := a.client.ContainerStop(ctx, agentID, container.StopOptions{Timeout: &timeout})
	if err != nil && !dockerclient.IsErrNotFound(err) {
		a.log.Warn("container stop failed", "agent", agentID, "error", err)
	}
	err = a.client.ContainerRemove(ctx, agentID, container.RemoveOptions{Force: true})
	if err != nil && !dockerclient.IsErrNotFound(err) {
		a.log.Warn("container remove failed", "agent", agentID, "error", err)
		return false
	}
	return true
}

// List enumerates quickdeploy-labeled containers. Containers missing the
// agent-id label are skipped.
func (a *Adapter) List(ctx context.Context) ([]provider.Summary, error) {
	containers, err := a.client.ContainerList(ctx, container.ListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", provider.LabelManaged+"="+provider.ManagedValue),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}

	summaries := make([]provider.Summary, 0, len(containers))
	for _, c := range containers {
		agentID := c.Labels[provider.LabelAgentID]
		if agentID == "" {
			continue
		}
		summaries = append(summaries, provider.Summary{
			Name:   agentID,
			Status: strings.ToLower(c.State),
		})
	}
	return summaries, nil
}
