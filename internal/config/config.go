// Package config loads orchestrator settings from an optional YAML file with
// environment-variable overrides. Precedence is defaults, then file, then
// environment; the environment wins so one-off runs can redirect a single
// setting without editing the file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/agency/quickdeploy/common/environment"
)

// DefaultPath is where Load looks when no explicit path is given.
const DefaultPath = "quickdeploy.yaml"

// GCP holds the Compute Engine backend settings.
type GCP struct {
	Project     string `yaml:"project"`
	Zone        string `yaml:"zone"`
	MachineType string `yaml:"machine_type"`
	Bucket      string `yaml:"bucket"`
}

// Region derives the region from the zone ("us-central1-a" -> "us-central1").
func (g GCP) Region() string {
	if i := strings.LastIndex(g.Zone, "-"); i > 0 {
		return g.Zone[:i]
	}
	return g.Zone
}

// AWS holds the EC2 backend settings.
type AWS struct {
	Region       string `yaml:"region"`
	InstanceType string `yaml:"instance_type"`
	Bucket       string `yaml:"bucket"`
	// CredentialSecret names the Parameter Store entry the launcher stages
	// worker credentials under. Only this name ever enters user-data.
	CredentialSecret string `yaml:"credential_secret"`
}

// Docker holds the local-container backend settings.
type Docker struct {
	// DataDir is the root of the directory-backed state store.
	DataDir string `yaml:"data_dir"`
	Image   string `yaml:"image"`
}

// Railway holds the managed-service backend settings.
type Railway struct {
	Token     string `yaml:"token"`
	ProjectID string `yaml:"project_id"`
	// EnvironmentID selects the Railway environment; empty uses the
	// project's production environment.
	EnvironmentID string `yaml:"environment_id"`
	Image         string `yaml:"image"`
}

// Config is the full orchestrator configuration.
type Config struct {
	// Provider selects the default backend: gcp, docker, aws, or railway.
	Provider string `yaml:"provider"`
	// AuthType selects the credential mode: api_key or oauth.
	AuthType string `yaml:"auth_type"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// RunnerURL overrides where bootstrap scripts download the worker binary.
	RunnerURL string `yaml:"runner_url"`
	// MaxIterations is the default session budget for new agents; 0 means
	// unbounded.
	MaxIterations int `yaml:"max_iterations"`
	// SyncInterval is how often workers flush state to the store.
	SyncInterval time.Duration `yaml:"sync_interval"`

	GCP     GCP     `yaml:"gcp"`
	AWS     AWS     `yaml:"aws"`
	Docker  Docker  `yaml:"docker"`
	Railway Railway `yaml:"railway"`
}

func defaults() Config {
	return Config{
		Provider:      "docker",
		AuthType:      "api_key",
		LogLevel:      "info",
		LogFormat:     "text",
		MaxIterations: 50,
		SyncInterval:  30 * time.Second,
		GCP: GCP{
			Zone:        "us-central1-a",
			MachineType: "e2-standard-4",
		},
		AWS: AWS{
			Region:           "us-east-1",
			InstanceType:     "t3.large",
			CredentialSecret: "/quickdeploy/agent-credentials",
		},
		Docker: Docker{
			DataDir: defaultDataDir(),
			Image:   "quickdeploy/agent:latest",
		},
		Railway: Railway{
			Image: "quickdeploy/agent:latest",
		},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".quickdeploy"
	}
	return home + "/.quickdeploy"
}

// Load reads the configuration from path (optional) and the environment.
// A missing file at the default path is not an error; a missing file at an
// explicitly given path is.
func Load(path string) (*Config, error) {
	cfg := defaults()

	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config file %q: %w", path, err)
		}
	case os.IsNotExist(err) && !explicit:
		// No file is fine; environment and defaults carry the day.
	default:
		return nil, fmt.Errorf("read config file %q: %w", path, err)
	}

	cfg.applyEnv()

	if cfg.GCP.Bucket == "" && cfg.GCP.Project != "" {
		cfg.GCP.Bucket = "agency-quickdeploy-" + cfg.GCP.Project
	}
	if cfg.AWS.Bucket == "" {
		cfg.AWS.Bucket = "agency-quickdeploy-" + cfg.AWS.Region
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	c.Provider = environment.StringOr("QUICKDEPLOY_PROVIDER", c.Provider)
	c.AuthType = environment.StringOr("QUICKDEPLOY_AUTH_TYPE", c.AuthType)
	c.LogLevel = environment.StringOr("QUICKDEPLOY_LOG_LEVEL", c.LogLevel)
	c.LogFormat = environment.StringOr("QUICKDEPLOY_LOG_FORMAT", c.LogFormat)
	c.RunnerURL = environment.StringOr("QUICKDEPLOY_RUNNER_URL", c.RunnerURL)
	c.MaxIterations = environment.IntOr("QUICKDEPLOY_MAX_ITERATIONS", c.MaxIterations)
	c.SyncInterval = environment.DurationOr("QUICKDEPLOY_SYNC_INTERVAL", c.SyncInterval)

	c.GCP.Project = environment.StringOr("GCP_PROJECT_ID", c.GCP.Project)
	c.GCP.Zone = environment.StringOr("GCP_ZONE", c.GCP.Zone)
	c.GCP.MachineType = environment.StringOr("GCP_MACHINE_TYPE", c.GCP.MachineType)
	c.GCP.Bucket = environment.StringOr("GCP_BUCKET", c.GCP.Bucket)

	c.AWS.Region = environment.StringOr("AWS_REGION", c.AWS.Region)
	c.AWS.InstanceType = environment.StringOr("AWS_INSTANCE_TYPE", c.AWS.InstanceType)
	c.AWS.Bucket = environment.StringOr("AWS_BUCKET", c.AWS.Bucket)
	c.AWS.CredentialSecret = environment.StringOr("AWS_CREDENTIAL_SECRET", c.AWS.CredentialSecret)

	c.Docker.DataDir = environment.StringOr("QUICKDEPLOY_DATA_DIR", c.Docker.DataDir)
	c.Docker.Image = environment.StringOr("QUICKDEPLOY_AGENT_IMAGE", c.Docker.Image)

	c.Railway.Token = environment.StringOr("RAILWAY_TOKEN", c.Railway.Token)
	c.Railway.ProjectID = environment.StringOr("RAILWAY_PROJECT_ID", c.Railway.ProjectID)
	c.Railway.EnvironmentID = environment.StringOr("RAILWAY_ENVIRONMENT_ID", c.Railway.EnvironmentID)
	c.Railway.Image = environment.StringOr("RAILWAY_AGENT_IMAGE", c.Railway.Image)
}

// Validate checks the settings the selected provider needs. Every problem is
// reported, each naming the setting and the environment variable that fixes
// it, so the operator corrects the configuration in one pass.
func (c *Config) Validate() error {
	var problems []error
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Errorf(format, args...))
	}

	switch c.Provider {
	case "gcp":
		if c.GCP.Project == "" {
			add("gcp.project is required for the gcp provider (set GCP_PROJECT_ID)")
		}
		if c.GCP.Zone == "" {
			add("gcp.zone is required for the gcp provider (set GCP_ZONE)")
		}
	case "aws":
		if c.AWS.Region == "" {
			add("aws.region is required for the aws provider (set AWS_REGION)")
		}
		if c.AWS.CredentialSecret == "" {
			add("aws.credential_secret is required for the aws provider (set AWS_CREDENTIAL_SECRET)")
		}
	case "docker":
		if c.Docker.Image == "" {
			add("docker.image is required for the docker provider (set QUICKDEPLOY_AGENT_IMAGE)")
		}
	case "railway":
		if c.Railway.Token == "" {
			add("railway.token is required for the railway provider (set RAILWAY_TOKEN)")
		}
		if c.Railway.ProjectID == "" {
			add("railway.project_id is required for the railway provider (set RAILWAY_PROJECT_ID)")
		}
	default:
		add("provider must be one of gcp, docker, aws, railway; got %q (set QUICKDEPLOY_PROVIDER)", c.Provider)
	}

	switch c.AuthType {
	case "api_key", "oauth":
	default:
		add("auth_type must be api_key or oauth; got %q (set QUICKDEPLOY_AUTH_TYPE)", c.AuthType)
	}

	return errors.Join(problems...)
}
