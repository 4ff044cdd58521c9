// Package secrets defines the narrow get/set interface the orchestrator and
// workers use to reach a secret store, plus the Google Secret Manager
// implementation used by the GCP and EC2 paths.
package secrets

import "context"

// Store is the minimal secret-store surface quickdeploy depends on.
// Backends beyond Secret Manager can be plugged in without touching the
// launcher or the harness.
type Store interface {
	// Get returns the latest value of the named secret. The boolean is
	// false when the secret does not exist, which is not an error.
	Get(ctx context.Context, name string) (string, bool, error)

	// Set writes a new version of the named secret, creating it if needed.
	Set(ctx context.Context, name, value string) error
}
