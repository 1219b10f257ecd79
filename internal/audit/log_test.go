package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"contentflow.org/internal/auth"
	"contentflow.org/internal/obs"
)

func TestLogEvent(t *testing.T) {
	logger := obs.Logger()
	original := logger.Writer()
	logger.SetFlags(0)
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	defer logger.SetOutput(original)

	ctx := context.Background()
	ctx = WithRequestID(ctx, "req-123")
	ctx = auth.ContextWithUser(ctx, "ursula", []string{"Author"}, false)

	if err := LogEvent(ctx, "workflow.action", map[string]any{"content_id": 500}); err != nil {
		t.Fatalf("LogEvent failed: %v", err)
	}

	line := buf.String()
	if line == "" {
		t.Fatal("expected log output")
	}

	var entry map[string]any
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("log not valid JSON: %v", err)
	}
	if entry["type"] != "audit" {
		t.Fatalf("unexpected type: %v", entry["type"])
	}
	if entry["event"] != "workflow.action" {
		t.Fatalf("unexpected event: %v", entry["event"])
	}
	if entry["request_id"] != "req-123" {
		t.Fatalf("unexpected request id: %v", entry["request_id"])
	}
	if entry["user"] != "ursula" {
		t.Fatalf("unexpected user: %v", entry["user"])
	}
	fields, ok := entry["fields"].(map[string]any)
	if !ok || fields["content_id"] != float64(500) {
		t.Fatalf("fields missing or incorrect: %v", entry["fields"])
	}
}
