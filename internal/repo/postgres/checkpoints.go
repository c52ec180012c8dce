package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/animus-labs/stepflow/internal/domain"
	"github.com/animus-labs/stepflow/internal/repo"
)

// CheckpointStore is the append-only step_checkpoints ledger.
type CheckpointStore struct {
	db DB
}

var _ repo.CheckpointRepository = (*CheckpointStore)(nil)

const (
	insertCheckpointQuery = `INSERT INTO step_checkpoints (
		checkpoint_id,
		execution_id,
		workflow_id,
		step_id,
		status,
		metadata,
		sequence,
		recorded_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	ON CONFLICT (checkpoint_id) DO NOTHING
	RETURNING checkpoint_id`

	listCheckpointsQuery = `SELECT checkpoint_id, execution_id, workflow_id, step_id, status, metadata, sequence, recorded_at
	 FROM step_checkpoints
	 WHERE execution_id = $1
	 ORDER BY recorded_at ASC, sequence ASC`
)

func NewCheckpointStore(db DB) *CheckpointStore {
	if db == nil {
		return nil
	}
	return &CheckpointStore{db: db}
}

func (s *CheckpointStore) AppendCheckpoint(ctx context.Context, cp domain.Checkpoint) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("checkpoint store not initialized")
	}
	executionID := strings.TrimSpace(cp.ExecutionID)
	stepID := strings.TrimSpace(cp.StepID)
	if executionID == "" {
		return false, fmt.Errorf("execution id is required")
	}
	if stepID == "" {
		return false, fmt.Errorf("step id is required")
	}
	if cp.Status == "" {
		return false, fmt.Errorf("status is required")
	}
	id := strings.TrimSpace(cp.ID)
	if id == "" {
		id = uuid.NewString()
	}
	meta, err := encodeMetadata(cp.Metadata)
	if err != nil {
		return false, fmt.Errorf("encode metadata: %w", err)
	}

	var inserted string
	err = s.db.QueryRowContext(
		ctx,
		insertCheckpointQuery,
		id,
		executionID,
		nullIfEmpty(cp.WorkflowID),
		stepID,
		string(cp.Status),
		meta,
		cp.Sequence,
		normalizeTime(cp.Timestamp),
	).Scan(&inserted)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("insert checkpoint: %w", err)
	}
	return true, nil
}

func (s *CheckpointStore) ListCheckpoints(ctx context.Context, executionID string) ([]domain.Checkpoint, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("checkpoint store not initialized")
	}
	executionID = strings.TrimSpace(executionID)
	if executionID == "" {
		return nil, fmt.Errorf("execution id is required")
	}

	rows, err := s.db.QueryContext(ctx, listCheckpointsQuery, executionID)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Checkpoint, 0)
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	return out, nil
}

type checkpointScanner interface {
	Scan(dest ...any) error
}

func scanCheckpoint(scanner checkpointScanner) (domain.Checkpoint, error) {
	var cp domain.Checkpoint
	var workflowID sql.NullString
	var status string
	var meta []byte
	if err := scanner.Scan(
		&cp.ID,
		&cp.ExecutionID,
		&workflowID,
		&cp.StepID,
		&status,
		&meta,
		&cp.Sequence,
		&cp.Timestamp,
	); err != nil {
		return domain.Checkpoint{}, handleNotFound(err)
	}
	decoded, err := decodeMetadata(meta)
	if err != nil {
		return domain.Checkpoint{}, fmt.Errorf("decode checkpoint metadata: %w", err)
	}
	cp.Metadata = decoded
	cp.WorkflowID = workflowID.String
	cp.Status = domain.StepStatus(status)
	cp.Timestamp = cp.Timestamp.UTC()
	return cp, nil
}
