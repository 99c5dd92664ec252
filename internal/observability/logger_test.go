package observability

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

func TestNewCorrelationID(t *testing.T) {
	id := NewCorrelationID()
	if _, err := uuid.Parse(id); err != nil {
		t.Errorf("Expected a valid UUID, got %q: %v", id, err)
	}

	if NewCorrelationID() == id {
		t.Error("Expected correlation ids to be unique")
	}
}

func decodeLogLine(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var fields map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &fields); err != nil {
		t.Fatalf("Failed to decode log line %q: %v", buf.String(), err)
	}
	return fields
}

func TestSessionLogger(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)

	logger := SessionLogger(base, "corr-1", 42)
	logger.Info().Msg("session event")

	fields := decodeLogLine(t, &buf)
	if fields["correlation_id"] != "corr-1" {
		t.Errorf("Expected correlation_id 'corr-1', got %v", fields["correlation_id"])
	}
	if fields["session_id"] != float64(42) {
		t.Errorf("Expected session_id 42, got %v", fields["session_id"])
	}
}

func TestSessionLoggerGeneratesCorrelationID(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)

	logger := SessionLogger(base, "", 7)
	logger.Info().Msg("session event")

	fields := decodeLogLine(t, &buf)
	id, ok := fields["correlation_id"].(string)
	if !ok || id == "" {
		t.Fatalf("Expected a generated correlation_id, got %v", fields["correlation_id"])
	}
	if _, err := uuid.Parse(id); err != nil {
		t.Errorf("Expected a valid UUID, got %q: %v", id, err)
	}
}
