// Package checkpoint records step terminal states off the critical path and derives
// the latest state per step for resume.
package checkpoint

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/animus-labs/stepflow/internal/domain"
	"github.com/animus-labs/stepflow/internal/repo"
)

// Store is the checkpoint contract the orchestrator depends on.
type Store interface {
	Save(ctx context.Context, cp domain.Checkpoint) error
	LoadLatest(ctx context.Context, executionID string) (map[string]domain.Checkpoint, error)
}

// RepoStore adapts an append-only CheckpointRepository to Store.
type RepoStore struct {
	repo repo.CheckpointRepository
}

func NewRepoStore(r repo.CheckpointRepository) *RepoStore {
	if r == nil {
		return nil
	}
	return &RepoStore{repo: r}
}

func (s *RepoStore) Save(ctx context.Context, cp domain.Checkpoint) error {
	if s == nil || s.repo == nil {
		return fmt.Errorf("checkpoint store not initialized")
	}
	if strings.TrimSpace(cp.ID) == "" {
		cp.ID = uuid.NewString()
	}
	if _, err := s.repo.AppendCheckpoint(ctx, cp); err != nil {
		return fmt.Errorf("save checkpoint %s/%s: %w", cp.ExecutionID, cp.StepID, err)
	}
	return nil
}

func (s *RepoStore) LoadLatest(ctx context.Context, executionID string) (map[string]domain.Checkpoint, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("checkpoint store not initialized")
	}
	list, err := s.repo.ListCheckpoints(ctx, executionID)
	if err != nil {
		return nil, fmt.Errorf("load checkpoints %s: %w", executionID, err)
	}
	return Latest(list), nil
}

// Latest returns the authoritative checkpoint per step: the newest by timestamp,
// ties broken by sequence.
func Latest(checkpoints []domain.Checkpoint) map[string]domain.Checkpoint {
	out := make(map[string]domain.Checkpoint, len(checkpoints))
	for _, cp := range checkpoints {
		current, ok := out[cp.StepID]
		if !ok || newer(cp, current) {
			out[cp.StepID] = cp
		}
	}
	return out
}

func newer(a, b domain.Checkpoint) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.After(b.Timestamp)
	}
	return a.Sequence > b.Sequence
}

// MaxSequence returns the highest sequence among checkpoints.
func MaxSequence(checkpoints map[string]domain.Checkpoint) int64 {
	var max int64
	for _, cp := range checkpoints {
		if cp.Sequence > max {
			max = cp.Sequence
		}
	}
	return max
}

// Record describes one step outcome to checkpoint.
type Record struct {
	ExecutionID string
	WorkflowID  string
	StepID      string
	Status      domain.StepStatus
	Level       int
	Output      domain.StepOutput
	Err         error
}

// FromRecord builds the payload-free checkpoint for a step outcome.
func FromRecord(r Record, now time.Time) domain.Checkpoint {
	meta := domain.CheckpointMetadata{
		Success:         r.Status == domain.StepCompleted,
		ExecutionTimeMs: r.Output.Metadata.ExecutionTimeMs,
		TokensUsed:      r.Output.Metadata.TokensUsed,
		ItemCount:       r.Output.Metadata.ItemCount,
		Attempts:        r.Output.Metadata.Attempts,
		FallbackUsed:    r.Output.Metadata.FallbackUsed,
		Level:           r.Level,
	}
	if r.Err != nil {
		meta.ErrorType = domain.ErrorType(r.Err)
	}
	return domain.Checkpoint{
		ID:          uuid.NewString(),
		ExecutionID: r.ExecutionID,
		WorkflowID:  r.WorkflowID,
		StepID:      r.StepID,
		Status:      r.Status,
		Metadata:    meta,
		Timestamp:   now.UTC(),
	}
}
