package repo

import (
	"context"
	"errors"
	"time"

	"github.com/animus-labs/stepflow/internal/domain"
)

var ErrNotFound = errors.New("not found")

type ExecutionFilter struct {
	WorkflowID string
	Status     string
	Limit      int
}

// CheckpointRepository persists checkpoints append-only. AppendCheckpoint reports
// false when a checkpoint with the same id already exists.
type CheckpointRepository interface {
	AppendCheckpoint(ctx context.Context, cp domain.Checkpoint) (bool, error)
	ListCheckpoints(ctx context.Context, executionID string) ([]domain.Checkpoint, error)
}

// ExecutionRepository manages run headers. Payloads are never stored here.
type ExecutionRepository interface {
	CreateExecution(ctx context.Context, record domain.ExecutionRecord) error
	FinishExecution(ctx context.Context, executionID, status string, tokensUsed int, finishedAt time.Time) error
	GetExecution(ctx context.Context, executionID string) (domain.ExecutionRecord, error)
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]domain.ExecutionRecord, error)
}
