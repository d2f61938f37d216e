package shared

import (
	"context"
	"strings"
	"testing"
)

func TestContextIDs_RoundTrip(t *testing.T) {
	ctx := context.Background()

	if got := TraceID(ctx); got != "-" {
		t.Fatalf("TraceID on empty context = %q, want -", got)
	}
	if got := Actor(ctx); got != "system" {
		t.Fatalf("Actor on empty context = %q, want system", got)
	}

	ctx = WithTraceID(ctx, "trace-1")
	ctx = WithActor(ctx, "agent-1")
	ctx = WithTaskID(ctx, "task-1")
	ctx = WithSessionID(ctx, "sess-1")

	if got := TraceID(ctx); got != "trace-1" {
		t.Errorf("TraceID = %q", got)
	}
	if got := Actor(ctx); got != "agent-1" {
		t.Errorf("Actor = %q", got)
	}
	if got := TaskID(ctx); got != "task-1" {
		t.Errorf("TaskID = %q", got)
	}
	if got := SessionID(ctx); got != "sess-1" {
		t.Errorf("SessionID = %q", got)
	}
}

func TestRedact_APIKey(t *testing.T) {
	in := `api_key: "sk-abcdef1234567890abcdef"`
	out := Redact(in)
	if strings.Contains(out, "sk-abcdef") {
		t.Fatalf("Redact failed to scrub key: %q", out)
	}
	if !strings.Contains(out, "[REDACTED]") {
		t.Fatalf("Redact output missing placeholder: %q", out)
	}
}

func TestRedact_PassthroughCleanString(t *testing.T) {
	in := "agent agent-1 picked task task-9"
	if out := Redact(in); out != in {
		t.Fatalf("Redact mutated clean string: %q", out)
	}
}

func TestSensitiveKey(t *testing.T) {
	for _, key := range []string{"api_key", "Authorization", "refresh_token", "db_password"} {
		if !SensitiveKey(key) {
			t.Errorf("SensitiveKey(%q) = false, want true", key)
		}
	}
	for _, key := range []string{"task_id", "agent", ""} {
		if SensitiveKey(key) {
			t.Errorf("SensitiveKey(%q) = true, want false", key)
		}
	}
}
