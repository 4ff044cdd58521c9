package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/agency/quickdeploy/internal/config"
)

// clearEnv blanks every variable the loader reads so host settings cannot
// bleed into assertions.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{
		"QUICKDEPLOY_PROVIDER", "QUICKDEPLOY_AUTH_TYPE", "QUICKDEPLOY_LOG_LEVEL",
		"QUICKDEPLOY_LOG_FORMAT", "QUICKDEPLOY_RUNNER_URL", "QUICKDEPLOY_MAX_ITERATIONS",
		"QUICKDEPLOY_SYNC_INTERVAL", "QUICKDEPLOY_DATA_DIR", "QUICKDEPLOY_AGENT_IMAGE",
		"GCP_PROJECT_ID", "GCP_ZONE", "GCP_MACHINE_TYPE", "GCP_BUCKET",
		"AWS_REGION", "AWS_INSTANCE_TYPE", "AWS_BUCKET", "AWS_CREDENTIAL_SECRET",
		"RAILWAY_TOKEN", "RAILWAY_PROJECT_ID", "RAILWAY_ENVIRONMENT_ID", "RAILWAY_AGENT_IMAGE",
	} {
		t.Setenv(name, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	cfg, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("explicit missing file should be an error")
	}

	// Default path missing is fine.
	t.Chdir(t.TempDir())
	cfg, err = config.Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Provider != "docker" {
		t.Errorf("expected docker default, got %q", cfg.Provider)
	}
	if cfg.AuthType != "api_key" {
		t.Errorf("expected api_key default, got %q", cfg.AuthType)
	}
	if cfg.SyncInterval != 30*time.Second {
		t.Errorf("expected 30s sync interval, got %v", cfg.SyncInterval)
	}
}

func TestLoad_FileAndEnvPrecedence(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "quickdeploy.yaml")
	doc := `
provider: gcp
gcp:
  project: file-project
  zone: europe-west1-b
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("GCP_PROJECT_ID", "env-project")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Provider != "gcp" {
		t.Errorf("expected provider from file, got %q", cfg.Provider)
	}
	if cfg.GCP.Project != "env-project" {
		t.Errorf("environment should override file, got %q", cfg.GCP.Project)
	}
	if cfg.GCP.Zone != "europe-west1-b" {
		t.Errorf("expected zone from file, got %q", cfg.GCP.Zone)
	}
}

func TestGCP_RegionFromZone(t *testing.T) {
	g := config.GCP{Zone: "us-central1-a"}
	if got := g.Region(); got != "us-central1" {
		t.Fatalf("expected us-central1, got %q", got)
	}
}

func TestLoad_AutoBucketNames(t *testing.T) {
	clearEnv(t)
	t.Chdir(t.TempDir())
	t.Setenv("GCP_PROJECT_ID", "demo")
	t.Setenv("AWS_REGION", "eu-west-1")

	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.GCP.Bucket != "agency-quickdeploy-demo" {
		t.Errorf("unexpected gcs bucket %q", cfg.GCP.Bucket)
	}
	if cfg.AWS.Bucket != "agency-quickdeploy-eu-west-1" {
		t.Errorf("unexpected s3 bucket %q", cfg.AWS.Bucket)
	}
}

func TestValidate_NamesTheFix(t *testing.T) {
	clearEnv(t)
	t.Chdir(t.TempDir())
	t.Setenv("QUICKDEPLOY_PROVIDER", "gcp")

	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	err = cfg.Validate()
	if err == nil {
		t.Fatal("expected validation failure without a project")
	}
	if !strings.Contains(err.Error(), "GCP_PROJECT_ID") {
		t.Fatalf("error should name the environment variable, got %q", err)
	}
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	clearEnv(t)
	t.Chdir(t.TempDir())
	t.Setenv("QUICKDEPLOY_PROVIDER", "railway")
	t.Setenv("QUICKDEPLOY_AUTH_TYPE", "kerberos")

	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	err = cfg.Validate()
	if err == nil {
		t.Fatal("expected validation failure")
	}
	for _, want := range []string{"RAILWAY_TOKEN", "RAILWAY_PROJECT_ID", "kerberos"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("expected %q in combined error, got %q", want, err)
		}
	}
}

func TestValidate_UnknownProvider(t *testing.T) {
	clearEnv(t)
	t.Chdir(t.TempDir())
	t.Setenv("QUICKDEPLOY_PROVIDER", "azure")

	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "azure") {
		t.Fatalf("expected error naming the bad provider, got %v", err)
	}
}
