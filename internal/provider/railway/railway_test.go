package railway

import (
	"testing"

	"github.com/agency/quickdeploy/internal/provider"
)

func TestStateTable(t *testing.T) {
	cases := map[string]provider.Status{
		"SUCCESS":      provider.StatusRunning,
		"QUEUED":       provider.StatusLaunching,
		"BUILDING":     provider.StatusLaunching,
		"DEPLOYING":    provider.StatusLaunching,
		"CRASHED":      provider.StatusFailed,
		"FAILED":       provider.StatusFailed,
		"REMOVED":      provider.StatusStopped,
		"SLEEPING":     provider.StatusStopped,
		"INITIALIZING": provider.StatusLaunching,
		"WAITING":      provider.StatusLaunching,
	}
	for native, want := range cases {
		if got := provider.MapNative(stateTable, native); got != want {
			t.Errorf("%s: expected %s, got %s", native, want, got)
		}
	}
	if got := provider.MapNative(stateTable, "SKIPPED"); got != provider.StatusUnknown {
		t.Errorf("unmapped state: expected unknown, got %s", got)
	}
}
