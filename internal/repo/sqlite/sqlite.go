// Package sqlite is an embedded checkpoint and execution store for single-node use.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/google/uuid"

	"github.com/animus-labs/stepflow/internal/domain"
	"github.com/animus-labs/stepflow/internal/repo"
)

type Store struct {
	db *sql.DB
}

var (
	_ repo.CheckpointRepository = (*Store)(nil)
	_ repo.ExecutionRepository  = (*Store)(nil)
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS workflow_executions (
		execution_id TEXT PRIMARY KEY,
		workflow_id TEXT NOT NULL,
		status TEXT NOT NULL,
		started_at INTEGER NOT NULL,
		finished_at INTEGER,
		tokens_used INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS step_checkpoints (
		checkpoint_id TEXT PRIMARY KEY,
		execution_id TEXT NOT NULL,
		workflow_id TEXT,
		step_id TEXT NOT NULL,
		status TEXT NOT NULL,
		metadata TEXT NOT NULL,
		sequence INTEGER NOT NULL,
		recorded_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS step_checkpoints_execution_idx
		ON step_checkpoints (execution_id, recorded_at, sequence)`,
}

// Open opens (creating if needed) the database at path and applies the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Writes serialize on the file lock; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply schema: %w", err)
		}
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) AppendCheckpoint(ctx context.Context, cp domain.Checkpoint) (bool, error) {
	executionID := strings.TrimSpace(cp.ExecutionID)
	stepID := strings.TrimSpace(cp.StepID)
	if executionID == "" {
		return false, fmt.Errorf("execution id is required")
	}
	if stepID == "" {
		return false, fmt.Errorf("step id is required")
	}
	id := strings.TrimSpace(cp.ID)
	if id == "" {
		id = uuid.NewString()
	}
	meta, err := json.Marshal(cp.Metadata)
	if err != nil {
		return false, fmt.Errorf("encode metadata: %w", err)
	}
	ts := cp.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO step_checkpoints (checkpoint_id, execution_id, workflow_id, step_id, status, metadata, sequence, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (checkpoint_id) DO NOTHING`,
		id, executionID, cp.WorkflowID, stepID, string(cp.Status), string(meta), cp.Sequence, ts.UnixNano(),
	)
	if err != nil {
		return false, fmt.Errorf("insert checkpoint: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert checkpoint: %w", err)
	}
	return affected > 0, nil
}

func (s *Store) ListCheckpoints(ctx context.Context, executionID string) ([]domain.Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT checkpoint_id, execution_id, workflow_id, step_id, status, metadata, sequence, recorded_at
		 FROM step_checkpoints
		 WHERE execution_id = ?
		 ORDER BY recorded_at ASC, sequence ASC`,
		strings.TrimSpace(executionID),
	)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Checkpoint, 0)
	for rows.Next() {
		var cp domain.Checkpoint
		var workflowID sql.NullString
		var status, meta string
		var recordedAt int64
		if err := rows.Scan(&cp.ID, &cp.ExecutionID, &workflowID, &cp.StepID, &status, &meta, &cp.Sequence, &recordedAt); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		if err := json.Unmarshal([]byte(meta), &cp.Metadata); err != nil {
			return nil, fmt.Errorf("decode checkpoint metadata: %w", err)
		}
		cp.WorkflowID = workflowID.String
		cp.Status = domain.StepStatus(status)
		cp.Timestamp = time.Unix(0, recordedAt).UTC()
		out = append(out, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	return out, nil
}

func (s *Store) CreateExecution(ctx context.Context, record domain.ExecutionRecord) error {
	id := strings.TrimSpace(record.ExecutionID)
	if id == "" {
		return fmt.Errorf("execution id is required")
	}
	started := record.StartedAt
	if started.IsZero() {
		started = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workflow_executions (execution_id, workflow_id, status, started_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (execution_id) DO NOTHING`,
		id, record.WorkflowID, record.Status, started.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

func (s *Store) FinishExecution(ctx context.Context, executionID, status string, tokensUsed int, finishedAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflow_executions SET status = ?, tokens_used = ?, finished_at = ? WHERE execution_id = ?`,
		status, tokensUsed, finishedAt.UnixNano(), strings.TrimSpace(executionID),
	)
	if err != nil {
		return fmt.Errorf("finish execution: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finish execution: %w", err)
	}
	if affected == 0 {
		return repo.ErrNotFound
	}
	return nil
}

const selectExecutionColumns = `SELECT execution_id, workflow_id, status, started_at, finished_at, tokens_used FROM workflow_executions`

func (s *Store) GetExecution(ctx context.Context, executionID string) (domain.ExecutionRecord, error) {
	row := s.db.QueryRowContext(ctx, selectExecutionColumns+` WHERE execution_id = ?`, strings.TrimSpace(executionID))
	record, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ExecutionRecord{}, repo.ErrNotFound
	}
	return record, err
}

func (s *Store) ListExecutions(ctx context.Context, filter repo.ExecutionFilter) ([]domain.ExecutionRecord, error) {
	query := selectExecutionColumns
	var clauses []string
	var args []any
	if v := strings.TrimSpace(filter.WorkflowID); v != "" {
		clauses = append(clauses, "workflow_id = ?")
		args = append(args, v)
	}
	if v := strings.TrimSpace(filter.Status); v != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, v)
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY started_at DESC, execution_id ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()
	out := make([]domain.ExecutionRecord, 0)
	for rows.Next() {
		record, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanExecution(row scanner) (domain.ExecutionRecord, error) {
	var record domain.ExecutionRecord
	var startedAt int64
	var finishedAt sql.NullInt64
	if err := row.Scan(&record.ExecutionID, &record.WorkflowID, &record.Status, &startedAt, &finishedAt, &record.TokensUsed); err != nil {
		return domain.ExecutionRecord{}, err
	}
	record.StartedAt = time.Unix(0, startedAt).UTC()
	if finishedAt.Valid {
		t := time.Unix(0, finishedAt.Int64).UTC()
		record.FinishedAt = &t
	}
	return record, nil
}
