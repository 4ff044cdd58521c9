// Package railway hosts agent workers as Railway services created through
// the public GraphQL API. Each agent becomes one service running the worker
// image; credentials are injected as service variables at create time, so
// the API payload carries configuration but no generated script text at all.
package railway

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/machinebox/graphql"

	"github.com/agency/quickdeploy/internal/credentials"
	"github.com/agency/quickdeploy/internal/payload"
	"github.com/agency/quickdeploy/internal/provider"
	"github.com/agency/quickdeploy/internal/store"
)

// Endpoint is the Railway public API.
const Endpoint = "https://backboard.railway.app/graphql/v2"

// stateTable maps Railway deployment statuses into the shared vocabulary.
// SUCCESS means the deployment is live, which for a worker means running.
var stateTable = map[string]provider.Status{
	"SUCCESS":      provider.StatusRunning,
	"QUEUED":       provider.StatusLaunching,
	"WAITING":      provider.StatusLaunching,
	"INITIALIZING": provider.StatusLaunching,
	"BUILDING":     provider.StatusLaunching,
	"DEPLOYING":    provider.StatusLaunching,
	"CRASHED":      provider.StatusFailed,
	"FAILED":       provider.StatusFailed,
	"REMOVED":      provider.StatusStopped,
	"SLEEPING":     provider.StatusStopped,
}

// apiClient is the slice of the GraphQL client this adapter uses.
// Conformance tests substitute an in-memory fake backboard.
type apiClient interface {
	Run(ctx context.Context, req *graphql.Request, resp any) error
}

var _ apiClient = (*graphql.Client)(nil)

// Adapter implements provider.Provider on the Railway GraphQL API.
type Adapter struct {
	client    apiClient
	store     store.Store
	token     string
	projectID string
	envID     string
	image     string
	// storeEnv is the worker's state-store configuration, injected as
	// service variables alongside the agent contract.
	storeEnv map[string]string
	log      *slog.Logger

	mu sync.Mutex
	// serviceIDs caches agent id to service id lookups; Railway addresses
	// services by id, quickdeploy by agent name.
	serviceIDs map[string]string
}

// Options bundles the Railway backend settings.
type Options struct {
	Token         string
	ProjectID     string
	EnvironmentID string
	Image         string
	// StoreEnv configures the worker's state store (STORE_BACKEND and
	// friends); it is merged into the service variables.
	StoreEnv map[string]string
}

// New creates the Railway backend. The store must be the same one StoreEnv
// points workers at, so status reads see what workers write.
func New(st store.Store, opts Options) *Adapter {
	return &Adapter{
		client:     graphql.NewClient(Endpoint),
		store:      st,
		token:      opts.Token,
		projectID:  opts.ProjectID,
		envID:      opts.EnvironmentID,
		image:      opts.Image,
		storeEnv:   opts.StoreEnv,
		log:        slog.With("provider", "railway"),
		serviceIDs: make(map[string]string),
	}
}

func (a *Adapter) Name() provider.Name { return provider.Railway }

// run executes one authenticated GraphQL request.
func (a *Adapter) run(ctx context.Context, req *graphql.Request, resp any) error {
	req.Header.Set("Authorization", "Bearer "+a.token)
	return a.client.Run(ctx, req, resp)
}

// Launch creates one service running the worker image. The agent contract
// and credentials travel as service variables through the create mutation.
func (a *Adapter) Launch(ctx context.Context, spec provider.LaunchSpec, creds *credentials.Credentials) provider.DeploymentResult {
	fail := func(format string, args ...any) provider.DeploymentResult {
		return provider.DeploymentResult{
			AgentID:  spec.AgentID,
			Provider: provider.Railway,
			Status:   provider.StatusFailed,
			Error:    fmt.Sprintf(format, args...),
		}
	}

	if err := a.store.EnsureBucket(ctx); err != nil {
		return fail("prepare state store: %v", err)
	}

	variables := payload.WorkerEnv(payload.Params{
		AgentID:       spec.AgentID,
		Prompt:        spec.Prompt,
		Repo:          spec.Repo,
		Branch:        spec.Branch,
		MaxIterations: spec.MaxIterations,
		KeepAlive:     spec.KeepAlive,
	})
	for k, v := range a.storeEnv {
		variables[k] = v
	}
	for k, v := range creds.EnvVars() {
		variables[k] = v
	}

	input := map[string]any{
		"projectId": a.projectID,
		"name":      spec.AgentID,
		"source":    map[string]any{"image": a.image},
		"variables": variables,
	}
	if a.envID != "" {
		input["environmentId"] = a.envID
	}

	req := graphql.NewRequest(`
		mutation serviceCreate($input: ServiceCreateInput!) {
			serviceCreate(input: $input) { id name }
		}`)
	req.Var("input", input)

	var resp struct {
		ServiceCreate struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"serviceCreate"`
	}
	if err := a.run(ctx, req, &resp); err != nil {
		return fail("create service: %v", err)
	}

	a.mu.Lock()
	a.serviceIDs[spec.AgentID] = resp.ServiceCreate.ID
	a.mu.Unlock()

	a.log.Info("service created", "agent", spec.AgentID, "service", resp.ServiceCreate.ID)
	return provider.DeploymentResult{
		AgentID:  spec.AgentID,
		Provider: provider.Railway,
		Status:   provider.StatusLaunching,
	}
}

// serviceID resolves an agent id to a Railway service id, consulting the
// cache first and the project service list on a miss.
func (a *Adapter) serviceID(ctx context.Context, agentID string) (string, error) {
	a.mu.Lock()
	id, ok := a.serviceIDs[agentID]
	a.mu.Unlock()
	if ok {
		return id, nil
	}

	services, err := a.listServices(ctx)
	if err != nil {
		return "", err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for name, sid := range services {
		a.serviceIDs[name] = sid
	}
	return a.serviceIDs[agentID], nil
}

// listServices returns service name to id for the project.
func (a *Adapter) listServices(ctx context.Context) (map[string]string, error) {
	req := graphql.NewRequest(`
		query project($id: String!) {
			project(id: $id) {
				services { edges { node { id name } } }
			}
		}`)
	req.Var("id", a.projectID)

	var resp struct {
		Project struct {
			Services struct {
				Edges []struct {
					Node struct {
						ID   string `json:"id"`
						Name string `json:"name"`
					} `json:"node"`
				} `json:"edges"`
			} `json:"services"`
		} `json:"project"`
	}
	if err := a.run(ctx, req, &resp); err != nil {
		return nil, fmt.Errorf("list services: %w", err)
	}

	out := make(map[string]string, len(resp.Project.Services.Edges))
	for _, e := range resp.Project.Services.Edges {
		out[e.Node.Name] = e.Node.ID
	}
	return out, nil
}

// latestDeployment returns the newest deployment status and URL for a
// service; empty status means no deployment exists yet.
func (a *Adapter) latestDeployment(ctx context.Context, serviceID string) (status, url string, err error) {
	req := graphql.NewRequest(`
		query deployments($input: DeploymentListInput!) {
			deployments(input: $input, first: 1) {
				edges { node { status staticUrl } }
			}
		}`)
	req.Var("input", map[string]any{
		"projectId": a.projectID,
		"serviceId": serviceID,
	})

	var resp struct {
		Deployments struct {
			Edges []struct {
				Node struct {
					Status    string `json:"status"`
					StaticURL string `json:"staticUrl"`
				} `json:"node"`
			} `json:"edges"`
		} `json:"deployments"`
	}
	if err := a.run(ctx, req, &resp); err != nil {
		return "", "", fmt.Errorf("list deployments: %w", err)
	}
	if len(resp.Deployments.Edges) == 0 {
		return "", "", nil
	}
	node := resp.Deployments.Edges[0].Node
	return node.Status, node.StaticURL, nil
}

// Status resolves the service's latest deployment state and merges the
// worker's self-reported status from the store.
func (a *Adapter) Status(ctx context.Context, agentID string) provider.StatusInfo {
	info := provider.StatusInfo{AgentID: agentID}

	sid, err := a.serviceID(ctx, agentID)
	switch {
	case err != nil:
		info.Status = provider.StatusUnknown
		info.Err = err.Error()
		return info
	case sid == "":
		info.Status = provider.StatusNotFound
	default:
		native, _, derr := a.latestDeployment(ctx, sid)
		if derr != nil {
			info.Status = provider.StatusUnknown
			info.Err = derr.Error()
			return info
		}
		info.UnitState = native
		if native == "" {
			info.Status = provider.StatusLaunching
		} else {
			info.Status = provider.MapNative(stateTable, native)
		}
	}

	state, err := store.ReadAgentState(ctx, a.store, agentID)
	if err != nil {
		info.Err = err.Error()
		return info
	}
	info.Status = provider.MergeWorkerStatus(info.Status, state.Status)
	info.Progress = state.Progress()
	return info
}

// Logs returns the log object the worker synced to the store. Railway
// deployment logs are not fetched here; the store copy is the worker's own
// view and survives service deletion.
func (a *Adapter) Logs(ctx context.Context, agentID string) (string, bool) {
	data, ok, err := a.store.Get(ctx, store.AgentLogKey(agentID))
	if err != nil || !ok {
		return "", false
	}
	return string(data), true
}

// Stop deletes the service. An absent service counts as stopped.
func (a *Adapter) Stop(ctx context.Context, agentID string) bool {
	sid, err := a.serviceID(ctx, agentID)
	if err != nil {
		a.log.Warn("service lookup failed", "agent", agentID, "error", err)
		return false
	}
	if sid == "" {
		return true
	}

	req := graphql.NewRequest(`
		mutation serviceDelete($id: String!) {
			serviceDelete(id: $id)
		}`)
	req.Var("id", sid)

	var resp struct{}
	if err := a.run(ctx, req, &resp); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "not found") {
			return true
		}
		a.log.Warn("service delete failed", "agent", agentID, "error", err)
		return false
	}

	a.mu.Lock()
	delete(a.serviceIDs, agentID)
	a.mu.Unlock()
	return true
}

// List enumerates the project's services with their latest deployment
// status. Services whose deployments cannot be read are listed as unknown
// rather than dropped.
func (a *Adapter) List(ctx context.Context) ([]provider.Summary, error) {
	services, err := a.listServices(ctx)
	if err != nil {
		return nil, err
	}

	summaries := make([]provider.Summary, 0, len(services))
	for name, sid := range services {
		if !strings.HasPrefix(name, "agent-") {
			continue
		}
		native, url, err := a.latestDeployment(ctx, sid)
		if err != nil || native == "" {
			native = string(provider.StatusUnknown)
		}
		summaries = append(summaries, provider.Summary{
			Name:       name,
			Status:     strings.ToLower(native),
			ExternalIP: url,
		})
	}
	return summaries, nil
}
