// Package memory provides in-process repositories for tests and single-node use.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/animus-labs/stepflow/internal/domain"
	"github.com/animus-labs/stepflow/internal/repo"
)

type Store struct {
	mu          sync.RWMutex
	checkpoints map[string][]domain.Checkpoint
	seen        map[string]struct{}
	executions  map[string]domain.ExecutionRecord
}

var (
	_ repo.CheckpointRepository = (*Store)(nil)
	_ repo.ExecutionRepository  = (*Store)(nil)
)

func New() *Store {
	return &Store{
		checkpoints: make(map[string][]domain.Checkpoint),
		seen:        make(map[string]struct{}),
		executions:  make(map[string]domain.ExecutionRecord),
	}
}

func (s *Store) AppendCheckpoint(_ context.Context, cp domain.Checkpoint) (bool, error) {
	executionID := strings.TrimSpace(cp.ExecutionID)
	if executionID == "" {
		return false, fmt.Errorf("execution id is required")
	}
	if strings.TrimSpace(cp.StepID) == "" {
		return false, fmt.Errorf("step id is required")
	}
	if strings.TrimSpace(cp.ID) == "" {
		return false, fmt.Errorf("checkpoint id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[cp.ID]; ok {
		return false, nil
	}
	s.seen[cp.ID] = struct{}{}
	s.checkpoints[executionID] = append(s.checkpoints[executionID], cp)
	return true, nil
}

func (s *Store) ListCheckpoints(_ context.Context, executionID string) ([]domain.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stored := s.checkpoints[strings.TrimSpace(executionID)]
	out := make([]domain.Checkpoint, len(stored))
	copy(out, stored)
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].Sequence < out[j].Sequence
	})
	return out, nil
}

func (s *Store) CreateExecution(_ context.Context, record domain.ExecutionRecord) error {
	id := strings.TrimSpace(record.ExecutionID)
	if id == "" {
		return fmt.Errorf("execution id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.executions[id]; ok {
		return nil
	}
	if record.StartedAt.IsZero() {
		record.StartedAt = time.Now().UTC()
	}
	s.executions[id] = record
	return nil
}

func (s *Store) FinishExecution(_ context.Context, executionID, status string, tokensUsed int, finishedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.executions[strings.TrimSpace(executionID)]
	if !ok {
		return repo.ErrNotFound
	}
	finished := finishedAt.UTC()
	record.Status = status
	record.TokensUsed = tokensUsed
	record.FinishedAt = &finished
	s.executions[record.ExecutionID] = record
	return nil
}

func (s *Store) GetExecution(_ context.Context, executionID string) (domain.ExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.executions[strings.TrimSpace(executionID)]
	if !ok {
		return domain.ExecutionRecord{}, repo.ErrNotFound
	}
	return record, nil
}

func (s *Store) ListExecutions(_ context.Context, filter repo.ExecutionFilter) ([]domain.ExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.ExecutionRecord, 0, len(s.executions))
	for _, record := range s.executions {
		if filter.WorkflowID != "" && record.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.Status != "" && record.Status != filter.Status {
			continue
		}
		out = append(out, record)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].ExecutionID < out[j].ExecutionID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}
