package redact_test

import (
	"testing"

	"github.com/agency/quickdeploy/common/redact"
)

func TestString_RedactsSensitiveValues(t *testing.T) {
	secret := "sk-ant-REDACTED"
	line := "resolved credentials sk-ant-REDACTED for launch"
	got := redact.String(line, secret)
	if got == line {
		t.Fatal("expected redaction, got unchanged string")
	}
	const want = "resolved credentials [REDACTED] for launch"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestString_SkipsShortValues(t *testing.T) {
	line := "abc token"
	// "abc" is only 3 chars and must not be redacted
	got := redact.String(line, "abc")
	if got != line {
		t.Fatalf("short value should not be redacted; got %q", got)
	}
}

func TestString_MultipleValues(t *testing.T) {
	apiKey := "sk-ant-api03-aaaa"
	ghToken := "ghp_live_xxx"
	line := "key=sk-ant-api03-aaaa gh=ghp_live_xxx end"
	got := redact.String(line, apiKey, ghToken)
	if got != "key=[REDACTED] gh=[REDACTED] end" {
		t.Fatalf("unexpected result: %q", got)
	}
}

func TestMap_RedactsSensitiveKeys(t *testing.T) {
	m := map[string]any{
		"agent_id":     "agent-20260823-120000-abcd1234",
		"password":     "s3cr3t",
		"api_key":      "key_abc",
		"access_token": "tok_123",
		"count":        42,
	}
	out := redact.Map(m)

	if out["agent_id"] != "agent-20260823-120000-abcd1234" {
		t.Errorf("agent_id should not be redacted, got %v", out["agent_id"])
	}
	if out["password"] != "[REDACTED]" {
		t.Errorf("password should be redacted, got %v", out["password"])
	}
	if out["api_key"] != "[REDACTED]" {
		t.Errorf("api_key should be redacted, got %v", out["api_key"])
	}
	if out["access_token"] != "[REDACTED]" {
		t.Errorf("access_token should be redacted, got %v", out["access_token"])
	}
	if out["count"] != 42 {
		t.Errorf("non-string count should be unchanged, got %v", out["count"])
	}
}

func TestMap_DoesNotMutateOriginal(t *testing.T) {
	m := map[string]any{"password": "secret"}
	redact.Map(m)
	if m["password"] != "secret" {
		t.Error("Map mutated the original; expected shallow copy")
	}
}
