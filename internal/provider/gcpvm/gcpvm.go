// Package gcpvm hosts agent workers on Compute Engine VMs. Each agent is one
// instance booted from a generated startup script; credentials ride in
// instance metadata, never in the script text, because startup scripts are
// visible in the console and the instances API.
package gcpvm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	compute "cloud.google.com/go/compute/apiv1"
	"cloud.google.com/go/compute/apiv1/computepb"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/protobuf/proto"

	"github.com/agency/quickdeploy/internal/credentials"
	"github.com/agency/quickdeploy/internal/payload"
	"github.com/agency/quickdeploy/internal/provider"
	"github.com/agency/quickdeploy/internal/store"
)

const (
	sourceImage = "projects/debian-cloud/global/images/family/debian-12"
	bootDiskGB  = 50
)

// stateTable maps GCE instance states into the shared vocabulary.
var stateTable = map[string]provider.Status{
	"PROVISIONING": provider.StatusStarting,
	"STAGING":      provider.StatusStarting,
	"RUNNING":      provider.StatusRunning,
	"STOPPING":     provider.StatusStopped,
	"SUSPENDED":    provider.StatusStopped,
	"TERMINATED":   provider.StatusStopped,
}

// Adapter implements provider.Provider on the Compute Engine API.
type Adapter struct {
	instances   *compute.InstancesClient
	store       store.Store
	project     string
	zone        string
	machineType string
	bucket      string
	runnerURL   string
	log         *slog.Logger
}

// New creates the GCE backend using application default credentials. The
// store must be the GCS store workers in this project sync to.
func New(ctx context.Context, st store.Store, project, zone, machineType, bucket, runnerURL string) (*Adapter, error) {
	instances, err := compute.NewInstancesRESTClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("compute instances client: %w", err)
	}
	return &Adapter{
		instances:   instances,
		store:       st,
		project:     project,
		zone:        zone,
		machineType: machineType,
		bucket:      bucket,
		runnerURL:   runnerURL,
		log:         slog.With("provider", "gcp"),
	}, nil
}

// Close releases the API client.
func (a *Adapter) Close() error { return a.instances.Close() }

func (a *Adapter) Name() provider.Name { return provider.GCP }

// Launch creates one VM. The startup script carries only identifiers and the
// base64-encoded task text; credentials go into separate metadata keys the
// worker reads from the metadata server.
func (a *Adapter) Launch(ctx context.Context, spec provider.LaunchSpec, creds *credentials.Credentials) provider.DeploymentResult {
	fail := func(format string, args ...any) provider.DeploymentResult {
		return provider.DeploymentResult{
			AgentID:  spec.AgentID,
			Provider: provider.GCP,
			Status:   provider.StatusFailed,
			Error:    fmt.Sprintf(format, args...),
		}
	}

	if err := a.store.EnsureBucket(ctx); err != nil {
		return fail("prepare state store: %v", err)
	}

	script, err := payload.Generate(payload.Params{
		AgentID:       spec.AgentID,
		Prompt:        spec.Prompt,
		Repo:          spec.Repo,
		Branch:        spec.Branch,
		MaxIterations: spec.MaxIterations,
		KeepAlive:     spec.KeepAlive,
		StoreBackend:  "gcs",
		Bucket:        a.bucket,
		Project:       a.project,
		Channel:       payload.ChannelGCEMetadata,
		RunnerURL:     a.runnerURL,
	})
	if err != nil {
		return fail("generate bootstrap script: %v", err)
	}

	items := []*computepb.Items{{Key: proto.String("startup-script"), Value: proto.String(script)}}
	for k, v := range creds.VMMetadata() {
		items = append(items, &computepb.Items{Key: proto.String(k), Value: proto.String(v)})
	}

	inst := &computepb.Instance{
		Name:        proto.String(spec.AgentID),
		MachineType: proto.String(fmt.Sprintf("zones/%s/machineTypes/%s", a.zone, a.machineType)),
		Labels: map[string]string{
			provider.LabelManaged: provider.ManagedValue,
			provider.LabelAgentID: spec.AgentID,
		},
		Disks: []*computepb.AttachedDisk{{
			Boot:       proto.Bool(true),
			AutoDelete: proto.Bool(true),
			InitializeParams: &computepb.AttachedDiskInitializeParams{
				SourceImage: proto.String(sourceImage),
				DiskSizeGb:  proto.Int64(bootDiskGB),
			},
		}},
		NetworkInterfaces: []*computepb.NetworkInterface{{
			Network: proto.String("global/networks/default"),
			AccessConfigs: []*computepb.AccessConfig{{
				Type: proto.String("ONE_TO_ONE_NAT"),
				Name: proto.String("External NAT"),
			}},
		}},
		Metadata: &computepb.Metadata{Items: items},
		ServiceAccounts: []*computepb.ServiceAccount{{
			Email:  proto.String("default"),
			Scopes: []string{"https://www.googleapis.com/auth/cloud-platform"},
		}},
	}
	if spec.Spot {
		inst.Scheduling = &computepb.Scheduling{
			ProvisioningModel:         proto.String("SPOT"),
			InstanceTerminationAction: proto.String("DELETE"),
		}
	}

	op, err := a.instances.Insert(ctx, &computepb.InsertInstanceRequest{
		Project:          a.project,
		Zone:             a.zone,
		InstanceResource: inst,
	})
	if err != nil {
		return fail("create instance: %v", err)
	}
	if err := op.Wait(ctx); err != nil {
		return fail("instance creation did not complete: %v", err)
	}

	a.log.Info("instance created", "agent", spec.AgentID, "zone", a.zone, "spot", spec.Spot)
	return provider.DeploymentResult{
		AgentID:  spec.AgentID,
		Provider: provider.GCP,
		Status:   provider.StatusLaunching,
	}
}

// Status reads the instance state and merges the worker's self-reported
// status from the store.
func (a *Adapter) Status(ctx context.Context, agentID string) provider.StatusInfo {
	info := provider.StatusInfo{AgentID: agentID}

	inst, err := a.instances.Get(ctx, &computepb.GetInstanceRequest{
		Project: a.project, Zone: a.zone, Instance: agentID,
	})
	switch {
	case isNotFound(err):
		info.Status = provider.StatusNotFound
	case err != nil:
		info.Status = provider.StatusUnknown
		info.Err = err.Error()
		return info
	default:
		info.UnitState = inst.GetStatus()
		info.Status = provider.MapNative(stateTable, inst.GetStatus())
		info.ExternalIP = externalIP(inst)
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

// Logs prefers the log object the worker synced to the store and falls back
// to the serial console while the worker is still booting.
func (a *Adapter) Logs(ctx context.Context, agentID string) (string, bool) {
	data, ok, err := a.store.Get(ctx, store.AgentLogKey(agentID))
	if err == nil && ok {
		return string(data), true
	}
	out, err := a.instances.GetSerialPortOutput(ctx, &computepb.GetSerialPortOutputInstanceRequest{
		Project: a.project, Zone: a.zone, Instance: agentID,
	})
	if err != nil {
		return "", false
	}
	return out.GetContents(), true
}

// Stop deletes the instance. A missing instance counts as stopped.
func (a *Adapter) Stop(ctx context.Context, agentID string) bool {
	op, err := a.instances.Delete(ctx, &computepb.DeleteInstanceRequest{
		Project: a.project, Zone: a.zone, Instance: agentID,
	})
	if isNotFound(err) {
		return true
	}
	if err != nil {
		a.log.Warn("instance delete failed", "agent", agentID, "error", err)
		return false
	}
	if err := op.Wait(ctx); err != nil {
		a.log.Warn("instance delete did not complete", "agent", agentID, "error", err)
		return false
	}
	return true
}

// List enumerates quickdeploy-labeled instances in the zone. Instances
// missing the agent-id label are skipped.
func (a *Adapter) List(ctx context.Context) ([]provider.Summary, error) {
	it := a.instances.List(ctx, &computepb.ListInstancesRequest{
		Project: a.project,
		Zone:    a.zone,
		Filter:  proto.String(fmt.Sprintf("labels.%s=%s", provider.LabelManaged, provider.ManagedValue)),
	})

	var summaries []provider.Summary
	for {
		inst, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list instances: %w", err)
		}
		agentID := inst.GetLabels()[provider.LabelAgentID]
		if agentID == "" {
			continue
		}
		summaries = append(summaries, provider.Summary{
			Name:       agentID,
			Status:     strings.ToLower(inst.GetStatus()),
			ExternalIP: externalIP(inst),
		})
	}
	return summaries, nil
}

func externalIP(inst *computepb.Instance) string {
	for _, ni := range inst.GetNetworkInterfaces() {
		for _, ac := range ni.GetAccessConfigs() {
			if ip := ac.GetNatIP(); ip != "" {
				return ip
			}
		}
	}
	return ""
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == 404
}
