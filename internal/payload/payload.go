// Package payload generates the bootstrap program a freshly created unit
// executes. Generation is a pure function from Params to script text so it
// can be tested without any backend.
//
// Escaping contract: every free-form field (the task prompt, repo URL,
// branch name) is embedded base64-encoded and decoded on boot. Substitution
// is therefore injective and total — quotes, backticks, template delimiters
// and placeholder-looking sequences in the task text round-trip without ever
// appearing literally in the script. Fields embedded raw (agent id, bucket,
// URLs) are validated against a conservative character set instead.
//
// Credentials are never template inputs. The booted unit obtains them from
// a side channel at run time: the GCE metadata server, or a named entry in
// the secret store. Payload text commonly ends up in backend consoles and
// API histories, so a literal token here would be a leak.
package payload

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"regexp"
	"strings"
	"text/template"
)

// CredentialChannel selects how the booted worker obtains its capability
// token.
type CredentialChannel string

const (
	// ChannelGCEMetadata fetches credentials from the GCE instance
	// metadata server (keys auth-type, anthropic-api-key, oauth-credentials).
	ChannelGCEMetadata CredentialChannel = "gce-metadata"
	// ChannelSecretStore resolves a named secret through the worker's
	// secret-store client. Used on EC2, where user-data is the payload and
	// offers no separate metadata channel.
	ChannelSecretStore CredentialChannel = "secret-store"
)

// DefaultRunnerURL is where the bootstrap script downloads the worker
// binary from when the operator does not override it.
const DefaultRunnerURL = "https://github.com/agency/quickdeploy/releases/latest/download/agent-runner-linux-amd64"

// Params are the inputs to Generate.
type Params struct {
	AgentID       string
	Prompt        string
	Repo          string
	Branch        string
	MaxIterations int
	KeepAlive     bool

	// State store coordinates the worker syncs to.
	StoreBackend string // "gcs" or "s3"
	Bucket       string
	Project      string // GCP project, for gcs
	Region       string // AWS region, for s3

	Channel CredentialChannel
	// CredentialSecret names the secret-store entry holding the worker
	// credentials. Required for ChannelSecretStore.
	CredentialSecret string
	// SecretBackend selects the worker-side secret store client for
	// ChannelSecretStore ("ssm" or "google").
	SecretBackend string

	RunnerURL string
}

// rawField rejects characters that are significant inside a double-quoted
// shell string. Free-form text never goes through this path; it is for
// identifiers and URLs the operator controls.
var rawField = regexp.MustCompile("^[^\"'`$\\\\\n\r]*$")

// agentIDPattern matches the ids the launcher generates and the names most
// backends accept.
var agentIDPattern = regexp.MustCompile(`^[a-z][a-z0-9-]{0,61}$`)

func validateRaw(name, value string) error {
	if !rawField.MatchString(value) {
		return fmt.Errorf("%s contains characters not allowed in payload text: %q", name, value)
	}
	return nil
}

// Generate renders the bootstrap script for one unit. It returns an error
// for invalid identifiers; free-form fields cannot fail.
func Generate(p Params) (string, error) {
	if !agentIDPattern.MatchString(p.AgentID) {
		return "", fmt.Errorf("invalid agent id %q: must match %s", p.AgentID, agentIDPattern)
	}
	switch p.StoreBackend {
	case "gcs", "s3":
	default:
		return "", fmt.Errorf("invalid store backend %q: must be \"gcs\" or \"s3\"", p.StoreBackend)
	}
	switch p.Channel {
	case ChannelGCEMetadata:
	case ChannelSecretStore:
		if p.CredentialSecret == "" {
			return "", fmt.Errorf("credential secret name is required for the secret-store channel")
		}
	default:
		return "", fmt.Errorf("invalid credential channel %q", p.Channel)
	}
	if p.RunnerURL == "" {
		p.RunnerURL = DefaultRunnerURL
	}
	for _, f := range []struct{ name, value string }{
		{"bucket", p.Bucket},
		{"project", p.Project},
		{"region", p.Region},
		{"runner URL", p.RunnerURL},
		{"credential secret", p.CredentialSecret},
		{"secret backend", p.SecretBackend},
	} {
		if err := validateRaw(f.name, f.value); err != nil {
			return "", err
		}
	}

	data := templateData{
		Params:    p,
		PromptB64: base64.StdEncoding.EncodeToString([]byte(p.Prompt)),
		RepoB64:   base64.StdEncoding.EncodeToString([]byte(p.Repo)),
		BranchB64: base64.StdEncoding.EncodeToString([]byte(p.Branch)),
	}

	var buf bytes.Buffer
	if err := bootstrapTemplate.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render bootstrap script: %w", err)
	}
	script := buf.String()

	// Belt and braces: substitution must be total. Any surviving template
	// action means a template bug, not bad input.
	if strings.Contains(script, "{{") || strings.Contains(script, "}}") {
		return "", fmt.Errorf("bootstrap template left unexpanded actions")
	}
	return script, nil
}

type templateData struct {
	Params
	PromptB64 string
	RepoB64   string
	BranchB64 string
}

var bootstrapTemplate = template.Must(template.New("bootstrap").Parse(bootstrapScript))

// WorkerEnv builds the container environment contract shared by the Docker
// and Railway backends. Credentials are merged in by the adapter from
// credentials.EnvVars; they are not assembled here so this function stays
// usable in payload tests without secrets in scope.
func WorkerEnv(p Params) map[string]string {
	env := map[string]string{
		"AGENT_ID":       p.AgentID,
		"AGENT_PROMPT":   p.Prompt,
		"MAX_ITERATIONS": fmt.Sprintf("%d", p.MaxIterations),
		"KEEP_ALIVE":     fmt.Sprintf("%t", p.KeepAlive),
	}
	if p.Repo != "" {
		env["REPO_URL"] = p.Repo
	}
	if p.Branch != "" {
		env["REPO_BRANCH"] = p.Branch
	}
	return env
}
