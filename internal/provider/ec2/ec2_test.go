package ec2

import (
	"testing"

	"github.com/agency/quickdeploy/internal/provider"
)

func TestStateTable(t *testing.T) {
	cases := map[string]provider.Status{
		"pending":       provider.StatusStarting,
		"running":       provider.StatusRunning,
		"shutting-down": provider.StatusStopped,
		"terminated":    provider.StatusStopped,
		"stopping":      provider.StatusStopped,
		"stopped":       provider.StatusStopped,
	}
	for native, want := range cases {
		if got := provider.MapNative(stateTable, native); got != want {
			t.Errorf("%s: expected %s, got %s", native, want, got)
		}
	}
	if got := provider.MapNative(stateTable, "rebooting"); got != provider.StatusUnknown {
		t.Errorf("unmapped state: expected unknown, got %s", got)
	}
}

func TestKnownAMIPerRegion(t *testing.T) {
	for _, region := range []string{"us-east-1", "us-west-2", "eu-west-1"} {
		if ubuntuAMIs[region] == "" {
			t.Errorf("missing AMI for %s", region)
		}
	}
}
