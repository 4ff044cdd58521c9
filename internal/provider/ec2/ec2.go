// Package ec2 hosts agent workers on ephemeral EC2 instances, optionally as
// spot capacity. EC2 has no metadata channel separate from user-data, and
// user-data is readable by anyone who can describe the instance, so the
// launcher stages credentials in Parameter Store and the payload carries
// only the parameter name.
package ec2

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/agency/quickdeploy/internal/credentials"
	"github.com/agency/quickdeploy/internal/payload"
	"github.com/agency/quickdeploy/internal/provider"
	"github.com/agency/quickdeploy/internal/secrets"
	"github.com/agency/quickdeploy/internal/store"
)

// ubuntuAMIs maps regions to Ubuntu 22.04 LTS amd64 images.
var ubuntuAMIs = map[string]string{
	"us-east-1":      "ami-0e2c8caa4b6378d8c",
	"us-east-2":      "ami-036841078a4b68e14",
	"us-west-1":      "ami-0657605d763ac72a8",
	"us-west-2":      "ami-05d38da78ce859165",
	"eu-west-1":      "ami-0e9085e60087ce171",
	"eu-central-1":   "ami-0745b7d4092315796",
	"ap-southeast-1": "ami-0672fd5b9210aa093",
	"ap-northeast-1": "ami-0b20f552f63953f0e",
}

// stateTable maps EC2 instance states into the shared vocabulary.
var stateTable = map[string]provider.Status{
	"pending":       provider.StatusStarting,
	"running":       provider.StatusRunning,
	"shutting-down": provider.StatusStopped,
	"terminated":    provider.StatusStopped,
	"stopping":      provider.StatusStopped,
	"stopped":       provider.StatusStopped,
}

// ec2API is the slice of the EC2 client this adapter uses. Conformance
// tests substitute an in-memory fake.
type ec2API interface {
	RunInstances(ctx context.Context, params *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	TerminateInstances(ctx context.Context, params *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
	GetConsoleOutput(ctx context.Context, params *ec2.GetConsoleOutputInput, optFns ...func(*ec2.Options)) (*ec2.GetConsoleOutputOutput, error)
}

var _ ec2API = (*ec2.Client)(nil)

// Adapter implements provider.Provider on the EC2 API.
type Adapter struct {
	client ec2API
	store  store.Store
	// secrets stages worker credentials before launch; the worker resolves
	// them by name at boot.
	secrets          secrets.Store
	region           string
	instanceType     string
	bucket           string
	credentialSecret string
	// instanceProfile grants the worker S3 and Parameter Store access.
	instanceProfile string
	runnerURL       string
	log             *slog.Logger
}

// Options bundles the EC2 backend settings.
type Options struct {
	Region           string
	InstanceType     string
	Bucket           string
	CredentialSecret string
	InstanceProfile  string
	RunnerURL        string
}

// New creates the EC2 backend around existing clients. Callers build the
// clients from one aws.Config so region and credentials stay consistent.
func New(client *ec2.Client, st store.Store, sec secrets.Store, opts Options) *Adapter {
	return &Adapter{
		client:           client,
		store:            st,
		secrets:          sec,
		region:           opts.Region,
		instanceType:     opts.InstanceType,
		bucket:           opts.Bucket,
		credentialSecret: opts.CredentialSecret,
		instanceProfile:  opts.InstanceProfile,
		runnerURL:        opts.RunnerURL,
		log:              slog.With("provider", "aws"),
	}
}

func (a *Adapter) Name() provider.Name { return provider.AWS }

// Launch stages credentials in Parameter Store, then runs one instance with
// the generated user-data. The user-data never contains a token; tests
// assert that on the rendered text.
func (a *Adapter) Launch(ctx context.Context, spec provider.LaunchSpec, creds *credentials.Credentials) provider.DeploymentResult {
	fail := func(format string, args ...any) provider.DeploymentResult {
		return provider.DeploymentResult{
			AgentID:  spec.AgentID,
			Provider: provider.AWS,
			Status:   provider.StatusFailed,
			Error:    fmt.Sprintf(format, args...),
		}
	}

	ami, ok := ubuntuAMIs[a.region]
	if !ok {
		return fail("no known worker AMI for region %q", a.region)
	}

	if err := a.store.EnsureBucket(ctx); err != nil {
		return fail("prepare state store: %v", err)
	}

	secretValue, err := credentials.EncodeSecret(creds)
	if err != nil {
		return fail("encode credentials: %v", err)
	}
	if err := a.secrets.Set(ctx, a.credentialSecret, secretValue); err != nil {
		return fail("stage credentials in parameter store %q: %v", a.credentialSecret, err)
	}

	script, err := payload.Generate(payload.Params{
		AgentID:          spec.AgentID,
		Prompt:           spec.Prompt,
		Repo:             spec.Repo,
		Branch:           spec.Branch,
		MaxIterations:    spec.MaxIterations,
		KeepAlive:        spec.KeepAlive,
		StoreBackend:     "s3",
		Bucket:           a.bucket,
		Region:           a.region,
		Channel:          payload.ChannelSecretStore,
		CredentialSecret: a.credentialSecret,
		SecretBackend:    "ssm",
		RunnerURL:        a.runnerURL,
	})
	if err != nil {
		return fail("generate bootstrap script: %v", err)
	}

	input := &ec2.RunInstancesInput{
		ImageId:      aws.String(ami),
		InstanceType: ec2types.InstanceType(a.instanceType),
		MinCount:     aws.Int32(1),
		MaxCount:     aws.Int32(1),
		UserData:     aws.String(base64.StdEncoding.EncodeToString([]byte(script))),
		TagSpecifications: []ec2types.TagSpecification{{
			ResourceType: ec2types.ResourceTypeInstance,
			Tags: []ec2types.Tag{
				{Key: aws.String(provider.LabelManaged), Value: aws.String(provider.ManagedValue)},
				{Key: aws.String(provider.LabelAgentID), Value: aws.String(spec.AgentID)},
				{Key: aws.String("Name"), Value: aws.String(spec.AgentID)},
			},
		}},
		InstanceInitiatedShutdownBehavior: ec2types.ShutdownBehaviorTerminate,
	}
	if a.instanceProfile != "" {
		input.IamInstanceProfile = &ec2types.IamInstanceProfileSpecification{
			Name: aws.String(a.instanceProfile),
		}
	}
	if spec.Spot {
		input.InstanceMarketOptions = &ec2types.InstanceMarketOptionsRequest{
			MarketType: ec2types.MarketTypeSpot,
			SpotOptions: &ec2types.SpotMarketOptions{
				SpotInstanceType:             ec2types.SpotInstanceTypeOneTime,
				InstanceInterruptionBehavior: ec2types.InstanceInterruptionBehaviorTerminate,
			},
		}
	}

	out, err := a.client.RunInstances(ctx, input)
	if err != nil {
		return fail("run instance: %v", err)
	}
	if len(out.Instances) == 0 {
		return fail("run instance returned no instances")
	}

	a.log.Info("instance launched", "agent", spec.AgentID,
		"instance", aws.ToString(out.Instances[0].InstanceId), "spot", spec.Spot)
	return provider.DeploymentResult{
		AgentID:  spec.AgentID,
		Provider: provider.AWS,
		Status:   provider.StatusLaunching,
	}
}

// find returns the most recently launched non-terminated instance tagged
// with the agent id.
func (a *Adapter) find(ctx context.Context, agentID string) (*ec2types.Instance, error) {
	out, err := a.client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		Filters: []ec2types.Filter{
			{Name: aws.String("tag:" + provider.LabelManaged), Values: []string{provider.ManagedValue}},
			{Name: aws.String("tag:" + provider.LabelAgentID), Values: []string{agentID}},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("describe instances: %w", err)
	}
	var best *ec2types.Instance
	for _, res := range out.Reservations {
		for i := range res.Instances {
			inst := &res.Instances[i]
			if best == nil || launchedAfter(inst, best) {
				best = inst
			}
		}
	}
	return best, nil
}

func launchedAfter(a, b *ec2types.Instance) bool {
	if a.LaunchTime == nil || b.LaunchTime == nil {
		return false
	}
	return a.LaunchTime.After(*b.LaunchTime)
}

// Status reads the instance state and merges the worker's self-reported
// status from the S3 store.
func (a *Adapter) Status(ctx context.Context, agentID string) provider.StatusInfo {
	info := provider.StatusInfo{AgentID: agentID}

	inst, err := a.find(ctx, agentID)
	switch {
	case err != nil:
		info.Status = provider.StatusUnknown
		info.Err = err.Error()
		return info
	case inst == nil:
		info.Status = provider.StatusNotFound
	default:
		native := string(inst.State.Name)
		info.UnitState = native
		info.Status = provider.MapNative(stateTable, native)
		info.ExternalIP = aws.ToString(inst.PublicIpAddress)
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
// to the console output while the worker is still booting.
func (a *Adapter) Logs(ctx context.Context, agentID string) (string, bool) {
	data, ok, err := a.store.Get(ctx, store.AgentLogKey(agentID))
	if err == nil && ok {
		return string(data), true
	}
	inst, err := a.find(ctx, agentID)
	if err != nil || inst == nil {
		return "", false
	}
	out, err := a.client.GetConsoleOutput(ctx, &ec2.GetConsoleOutputInput{
		InstanceId: inst.InstanceId,
	})
	if err != nil || out.Output == nil {
		return "", false
	}
	decoded, err := base64.StdEncoding.DecodeString(aws.ToString(out.Output))
	if err != nil {
		return "", false
	}
	return string(decoded), true
}

// Stop terminates the instance. An absent or already-terminated instance
// counts as stopped.
func (a *Adapter) Stop(ctx context.Context, agentID string) bool {
	inst, err := a.find(ctx, agentID)
	if err != nil {
		a.log.Warn("describe for stop failed", "agent", agentID, "error", err)
		return false
	}
	if inst == nil || inst.State.Name == ec2types.InstanceStateNameTerminated {
		return true
	}
	_, err = a.client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
		InstanceIds: []string{aws.ToString(inst.InstanceId)},
	})
	if err != nil {
		a.log.Warn("terminate failed", "agent", agentID, "error", err)
		return false
	}
	return true
}

// List enumerates quickdeploy-tagged instances, skipping terminated ones and
// any missing the agent-id tag.
func (a *Adapter) List(ctx context.Context) ([]provider.Summary, error) {
	out, err := a.client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		Filters: []ec2types.Filter{
			{Name: aws.String("tag:" + provider.LabelManaged), Values: []string{provider.ManagedValue}},
			{Name: aws.String("instance-state-name"), Values: []string{
				"pending", "running", "shutting-down", "stopping", "stopped",
			}},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("describe instances: %w", err)
	}

	var summaries []provider.Summary
	for _, res := range out.Reservations {
		for _, inst := range res.Instances {
			agentID := ""
			for _, tag := range inst.Tags {
				if aws.ToString(tag.Key) == provider.LabelAgentID {
					agentID = aws.ToString(tag.Value)
				}
			}
			if agentID == "" {
				continue
			}
			summaries = append(summaries, provider.Summary{
				Name:       agentID,
				Status:     strings.ToLower(string(inst.State.Name)),
				ExternalIP: aws.ToString(inst.PublicIpAddress),
			})
		}
	}
	return summaries, nil
}
