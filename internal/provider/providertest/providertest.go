// Package providertest is a conformance suite for Provider implementations.
// Adapter packages run it against in-memory fakes of their backend client,
// so the backend-independent half of the contract is asserted once and holds
// for every backend.
package providertest

import (
	"context"
	"testing"

	"github.com/agency/quickdeploy/internal/credentials"
	"github.com/agency/quickdeploy/internal/provider"
)

// Fixture is one backend wired to fakes. Each conformance check builds a
// fresh fixture so checks cannot leak units into each other.
type Fixture struct {
	Provider provider.Provider

	// Creds are launch credentials the fake backend accepts.
	Creds *credentials.Credentials

	// SeedForeign creates one unit on the fake backend that quickdeploy
	// does not manage. List must never report it.
	SeedForeign func()
}

// Run asserts the backend-independent parts of the Provider contract.
func Run(t *testing.T, newFixture func(t *testing.T) Fixture) {
	t.Run("StopAbsentUnitSucceeds", func(t *testing.T) {
		f := newFixture(t)
		if !f.Provider.Stop(context.Background(), "agent-never-launched") {
			t.Fatal("expected Stop on an absent unit to report success")
		}
	})

	t.Run("StatusAbsentUnitIsNotFound", func(t *testing.T) {
		f := newFixture(t)
		info := f.Provider.Status(context.Background(), "agent-never-launched")
		if info.Status != provider.StatusNotFound {
			t.Fatalf("expected not_found, got %s", info.Status)
		}
	})

	t.Run("FreshLaunchIsNotRunning", func(t *testing.T) {
		f := newFixture(t)
		res := f.Provider.Launch(context.Background(), provider.LaunchSpec{
			AgentID:       "agent-fresh",
			Prompt:        "build the thing",
			MaxIterations: 3,
		}, f.Creds)
		if res.Error != "" {
			t.Fatalf("launch failed: %s", res.Error)
		}
		if res.Status != provider.StatusLaunching && res.Status != provider.StatusStarting {
			t.Fatalf("expected launching or starting result, got %s", res.Status)
		}
		// The worker has not written a StatusRecord yet, so whatever the
		// backend thinks of the unit, the agent is not running.
		info := f.Provider.Status(context.Background(), "agent-fresh")
		if info.Status != provider.StatusLaunching && info.Status != provider.StatusStarting {
			t.Fatalf("status before the first worker report: expected launching or starting, got %s", info.Status)
		}
	})

	t.Run("ListSkipsForeignUnits", func(t *testing.T) {
		f := newFixture(t)
		res := f.Provider.Launch(context.Background(), provider.LaunchSpec{
			AgentID:       "agent-managed",
			Prompt:        "build the thing",
			MaxIterations: 3,
		}, f.Creds)
		if res.Error != "" {
			t.Fatalf("launch failed: %s", res.Error)
		}
		f.SeedForeign()

		summaries, err := f.Provider.List(context.Background())
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if len(summaries) != 1 || summaries[0].Name != "agent-managed" {
			t.Fatalf("expected exactly the managed unit, got %+v", summaries)
		}
	})
}
