package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/animus-labs/stepflow/internal/domain"
	"github.com/animus-labs/stepflow/internal/repo"
)

func TestAppendCheckpointIdempotent(t *testing.T) {
	store := New()
	ctx := context.Background()
	cp := domain.Checkpoint{ID: "cp-1", ExecutionID: "exec-1", StepID: "a", Status: domain.StepCompleted, Timestamp: time.Now()}
	inserted, err := store.AppendCheckpoint(ctx, cp)
	if err != nil || !inserted {
		t.Fatalf("first append: inserted=%v err=%v", inserted, err)
	}
	inserted, err = store.AppendCheckpoint(ctx, cp)
	if err != nil || inserted {
		t.Fatalf("duplicate append: inserted=%v err=%v", inserted, err)
	}
	list, err := store.ListCheckpoints(ctx, "exec-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 checkpoint, got %d", len(list))
	}
}

func TestListCheckpointsOrdersBySequenceOnTie(t *testing.T) {
	store := New()
	ctx := context.Background()
	ts := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for _, cp := range []domain.Checkpoint{
		{ID: "2", ExecutionID: "e", StepID: "a", Sequence: 2, Timestamp: ts},
		{ID: "1", ExecutionID: "e", StepID: "a", Sequence: 1, Timestamp: ts},
	} {
		if _, err := store.AppendCheckpoint(ctx, cp); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	list, _ := store.ListCheckpoints(ctx, "e")
	if list[0].ID != "1" || list[1].ID != "2" {
		t.Fatalf("unexpected order: %+v", list)
	}
}

func TestExecutionLifecycle(t *testing.T) {
	store := New()
	ctx := context.Background()
	if _, err := store.GetExecution(ctx, "missing"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := store.CreateExecution(ctx, domain.ExecutionRecord{ExecutionID: "exec-1", WorkflowID: "wf", Status: "running"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.FinishExecution(ctx, "exec-1", "completed", 12, time.Now()); err != nil {
		t.Fatalf("finish: %v", err)
	}
	record, err := store.GetExecution(ctx, "exec-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if record.Status != "completed" || record.TokensUsed != 12 || record.FinishedAt == nil {
		t.Fatalf("unexpected record %+v", record)
	}
	list, _ := store.ListExecutions(ctx, repo.ExecutionFilter{WorkflowID: "wf"})
	if len(list) != 1 {
		t.Fatalf("expected 1 execution, got %d", len(list))
	}
}
