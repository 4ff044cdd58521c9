package gcpvm

import (
	"testing"

	"cloud.google.com/go/compute/apiv1/computepb"
	"google.golang.org/protobuf/proto"

	"github.com/agency/quickdeploy/internal/provider"
)

func TestStateTable(t *testing.T) {
	cases := map[string]provider.Status{
		"PROVISIONING": provider.StatusStarting,
		"STAGING":      provider.StatusStarting,
		"RUNNING":      provider.StatusRunning,
		"STOPPING":     provider.StatusStopped,
		"SUSPENDED":    provider.StatusStopped,
		"TERMINATED":   provider.StatusStopped,
	}
	for native, want := range cases {
		if got := provider.MapNative(stateTable, native); got != want {
			t.Errorf("%s: expected %s, got %s", native, want, got)
		}
	}
	if got := provider.MapNative(stateTable, "REPAIRING"); got != provider.StatusUnknown {
		t.Errorf("unmapped state: expected unknown, got %s", got)
	}
}

func TestExternalIP(t *testing.T) {
	inst := &computepb.Instance{
		NetworkInterfaces: []*computepb.NetworkInterface{{
			AccessConfigs: []*computepb.AccessConfig{
				{NatIP: proto.String("")},
				{NatIP: proto.String("34.1.2.3")},
			},
		}},
	}
	if got := externalIP(inst); got != "34.1.2.3" {
		t.Fatalf("expected first non-empty NAT IP, got %q", got)
	}
	if got := externalIP(&computepb.Instance{}); got != "" {
		t.Fatalf("expected empty for no interfaces, got %q", got)
	}
}
