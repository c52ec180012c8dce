// Package auditlog appends integrity-hashed execution audit events.
package auditlog

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

const (
	ActionExecutionStarted  = "execution.started"
	ActionExecutionFinished = "execution.finished"
	ActionExecutionResumed  = "execution.resumed"
)

// Event is one audit record. Payload carries counts and statuses only.
type Event struct {
	OccurredAt  time.Time
	Actor       string
	Action      string
	ExecutionID string
	WorkflowID  string
	RequestID   string
	Payload     map[string]any
}

type QueryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (e Event) Validate() error {
	if e.OccurredAt.IsZero() {
		return errors.New("OccurredAt is required")
	}
	if strings.TrimSpace(e.Actor) == "" {
		return errors.New("Actor is required")
	}
	if strings.TrimSpace(e.Action) == "" {
		return errors.New("Action is required")
	}
	if strings.TrimSpace(e.ExecutionID) == "" {
		return errors.New("ExecutionID is required")
	}
	return nil
}

const insertEventQuery = `INSERT INTO execution_audit_events (
	occurred_at,
	actor,
	action,
	execution_id,
	workflow_id,
	request_id,
	payload,
	integrity_sha256
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
RETURNING event_id`

func Insert(ctx context.Context, q QueryRower, event Event) (int64, error) {
	if q == nil {
		return 0, errors.New("queryer is required")
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	if err := event.Validate(); err != nil {
		return 0, err
	}

	payloadJSON, err := marshalPayload(event.Payload)
	if err != nil {
		return 0, err
	}
	integrity, err := ComputeIntegritySHA256(event, payloadJSON)
	if err != nil {
		return 0, err
	}

	var requestID sql.NullString
	if strings.TrimSpace(event.RequestID) != "" {
		requestID = sql.NullString{String: strings.TrimSpace(event.RequestID), Valid: true}
	}
	var workflowID sql.NullString
	if strings.TrimSpace(event.WorkflowID) != "" {
		workflowID = sql.NullString{String: strings.TrimSpace(event.WorkflowID), Valid: true}
	}

	var id int64
	err = q.QueryRowContext(
		ctx,
		insertEventQuery,
		event.OccurredAt.UTC(),
		strings.TrimSpace(event.Actor),
		strings.TrimSpace(event.Action),
		strings.TrimSpace(event.ExecutionID),
		workflowID,
		requestID,
		payloadJSON,
		integrity,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert audit event: %w", err)
	}
	return id, nil
}

func marshalPayload(payload map[string]any) ([]byte, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	blob, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return blob, nil
}

func ComputeIntegritySHA256(event Event, payloadJSON []byte) (string, error) {
	type integrityInput struct {
		OccurredAt  time.Time       `json:"occurred_at"`
		Actor       string          `json:"actor"`
		Action      string          `json:"action"`
		ExecutionID string          `json:"execution_id"`
		WorkflowID  string          `json:"workflow_id,omitempty"`
		RequestID   string          `json:"request_id,omitempty"`
		Payload     json.RawMessage `json:"payload"`
	}

	in := integrityInput{
		OccurredAt:  event.OccurredAt.UTC(),
		Actor:       strings.TrimSpace(event.Actor),
		Action:      strings.TrimSpace(event.Action),
		ExecutionID: strings.TrimSpace(event.ExecutionID),
		WorkflowID:  strings.TrimSpace(event.WorkflowID),
		RequestID:   strings.TrimSpace(event.RequestID),
		Payload:     payloadJSON,
	}

	blob, err := json.Marshal(in)
	if err != nil {
		return "", fmt.Errorf("marshal integrity: %w", err)
	}
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:]), nil
}

// Recorder writes events to the execution_audit_events table.
type Recorder struct {
	db  QueryRower
	now func() time.Time
}

func NewRecorder(db QueryRower) *Recorder {
	if db == nil {
		return nil
	}
	return &Recorder{db: db, now: time.Now}
}

func (r *Recorder) Record(ctx context.Context, event Event) error {
	if r == nil || r.db == nil {
		return errors.New("audit recorder not initialized")
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = r.now().UTC()
	}
	_, err := Insert(ctx, r.db, event)
	return err
}

// LogRecorder emits events as structured log lines. Used when no database is configured.
type LogRecorder struct {
	Logger *slog.Logger
}

func (r LogRecorder) Record(_ context.Context, event Event) error {
	if r.Logger == nil {
		return nil
	}
	payloadJSON, err := marshalPayload(event.Payload)
	if err != nil {
		return err
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	integrity, err := ComputeIntegritySHA256(event, payloadJSON)
	if err != nil {
		return err
	}
	r.Logger.Info("audit",
		"action", event.Action,
		"actor", event.Actor,
		"execution_id", event.ExecutionID,
		"workflow_id", event.WorkflowID,
		"request_id", event.RequestID,
		"payload", json.RawMessage(payloadJSON),
		"integrity_sha256", integrity,
	)
	return nil
}
