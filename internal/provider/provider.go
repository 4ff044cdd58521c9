// Package provider defines the Provider interface for agent deployment backends.
package provider

import (
	"context"

	"github.com/agency/quickdeploy/internal/credentials"
)

// Name identifies a deployment backend.
type Name string

const (
	GCP     Name = "gcp"
	AWS     Name = "aws"
	Docker  Name = "docker"
	Railway Name = "railway"
)

// ParseName validates a backend name string.
func ParseName(s string) (Name, bool) {
	switch Name(s) {
	case GCP, AWS, Docker, Railway:
		return Name(s), true
	}
	return "", false
}

// Labels applied to every unit created by quickdeploy. Backends translate
// these into their native tagging mechanism (GCE labels, EC2 tags, Docker
// labels). List implementations filter on LabelManaged and must skip units
// that carry it but are missing LabelAgentID.
const (
	LabelManaged = "agency-quickdeploy"
	LabelAgentID = "agent-id"
	ManagedValue = "true"
)

// Provider abstracts a compute backend capable of hosting agent workers.
//
// Launch is not required to be idempotent. Transient backend failures are
// captured into DeploymentResult.Error rather than raised; callers can rely
// on Launch never panicking on network trouble. Stop is idempotent: a unit
// that no longer exists counts as stopped.
type Provider interface {
	// Name returns the backend identifier.
	Name() Name

	// Launch materializes one unit running the bootstrap payload for spec.
	// Credentials are threaded explicitly; adapters never read tokens from
	// ambient process state.
	Launch(ctx context.Context, spec LaunchSpec, creds *credentials.Credentials) DeploymentResult

	// Status merges the backend's live unit state with whatever the worker
	// last wrote to the state store. It never blocks on worker readiness;
	// a unit that exists but has not reported yet is "launching".
	Status(ctx context.Context, agentID string) StatusInfo

	// Logs returns worker log content. The second return is false when no
	// logs are available yet, which is not an error.
	Logs(ctx context.Context, agentID string) (string, bool)

	// Stop destroys the unit. Returns true on success, including the case
	// where the unit was already gone.
	Stop(ctx context.Context, agentID string) bool

	// List enumerates units tagged by quickdeploy on this backend.
	// Malformed or foreign entries are skipped, never fatal.
	List(ctx context.Context) ([]Summary, error)
}

// LaunchSpec carries everything a backend needs to create one unit.
// Credentials travel out of band (see credentials.Credentials); they are
// intentionally not part of the payload text.
type LaunchSpec struct {
	AgentID       string
	Prompt        string
	Repo          string
	Branch        string
	Spot          bool
	MaxIterations int
	KeepAlive     bool
}

// DeploymentResult is the immutable outcome of one launch attempt.
type DeploymentResult struct {
	AgentID     string
	Provider    Name
	Status      Status
	ExternalURL string
	Error       string
}

// StatusInfo is the merged view of a unit's backend state and the worker's
// last self-reported status.
type StatusInfo struct {
	AgentID string
	// Status is the shared-vocabulary status.
	Status Status
	// UnitState is the backend-native state string, when a unit exists.
	UnitState string
	// ExternalIP is set when the backend exposes an address.
	ExternalIP string
	// Progress is a short human summary like "3/7 features completed".
	Progress string
	// Err carries a transient backend error; the call itself still succeeds.
	Err string
}

// Summary is one row of a List call.
type Summary struct {
	Name       string
	Status     string
	ExternalIP string
}
