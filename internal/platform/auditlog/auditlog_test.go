package auditlog

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestComputeIntegritySHA256Deterministic(t *testing.T) {
	event := Event{
		OccurredAt:  time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Actor:       "stepflow",
		Action:      ActionExecutionFinished,
		ExecutionID: "exec-1",
		WorkflowID:  "wf-1",
	}
	payload := []byte(`{"status":"completed"}`)
	first, err := ComputeIntegritySHA256(event, payload)
	if err != nil {
		t.Fatalf("integrity: %v", err)
	}
	event.Actor = "  stepflow  "
	second, err := ComputeIntegritySHA256(event, payload)
	if err != nil {
		t.Fatalf("integrity: %v", err)
	}
	if first != second || len(first) != 64 {
		t.Fatalf("expected stable sha256 hex, got %q and %q", first, second)
	}
	third, err := ComputeIntegritySHA256(event, []byte(`{"status":"failed"}`))
	if err != nil {
		t.Fatalf("integrity: %v", err)
	}
	if third == first {
		t.Fatalf("payload change must change the digest")
	}
}

func TestInsertValidates(t *testing.T) {
	if _, err := Insert(context.Background(), nil, Event{}); err == nil {
		t.Fatalf("expected error for nil queryer")
	}
	if err := (Event{OccurredAt: time.Now(), Actor: "a", Action: "b"}).Validate(); err == nil || !strings.Contains(err.Error(), "ExecutionID") {
		t.Fatalf("expected ExecutionID validation error, got %v", err)
	}
}

func TestInsertQueryShape(t *testing.T) {
	if !strings.Contains(insertEventQuery, "RETURNING event_id") {
		t.Fatalf("expected RETURNING clause in insert query")
	}
	if !strings.Contains(insertEventQuery, "integrity_sha256") {
		t.Fatalf("expected integrity column in insert query")
	}
}
