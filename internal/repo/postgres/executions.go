package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/animus-labs/stepflow/internal/domain"
	"github.com/animus-labs/stepflow/internal/repo"
)

type ExecutionStore struct {
	db DB
}

var _ repo.ExecutionRepository = (*ExecutionStore)(nil)

const (
	insertExecutionQuery = `INSERT INTO workflow_executions (
		execution_id,
		workflow_id,
		status,
		started_at
	) VALUES ($1,$2,$3,$4)
	ON CONFLICT (execution_id) DO NOTHING`

	finishExecutionQuery = `UPDATE workflow_executions
	 SET status = $2, tokens_used = $3, finished_at = $4
	 WHERE execution_id = $1`

	selectExecutionQuery = `SELECT execution_id, workflow_id, status, started_at, finished_at, tokens_used
	 FROM workflow_executions
	 WHERE execution_id = $1`
)

func NewExecutionStore(db DB) *ExecutionStore {
	if db == nil {
		return nil
	}
	return &ExecutionStore{db: db}
}

func (s *ExecutionStore) CreateExecution(ctx context.Context, record domain.ExecutionRecord) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("execution store not initialized")
	}
	id := strings.TrimSpace(record.ExecutionID)
	if id == "" {
		return fmt.Errorf("execution id is required")
	}
	_, err := s.db.ExecContext(ctx, insertExecutionQuery,
		id,
		strings.TrimSpace(record.WorkflowID),
		strings.TrimSpace(record.Status),
		normalizeTime(record.StartedAt),
	)
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

func (s *ExecutionStore) FinishExecution(ctx context.Context, executionID, status string, tokensUsed int, finishedAt time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("execution store not initialized")
	}
	res, err := s.db.ExecContext(ctx, finishExecutionQuery,
		strings.TrimSpace(executionID),
		strings.TrimSpace(status),
		tokensUsed,
		normalizeTime(finishedAt),
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

func (s *ExecutionStore) GetExecution(ctx context.Context, executionID string) (domain.ExecutionRecord, error) {
	if s == nil || s.db == nil {
		return domain.ExecutionRecord{}, fmt.Errorf("execution store not initialized")
	}
	row := s.db.QueryRowContext(ctx, selectExecutionQuery, strings.TrimSpace(executionID))
	return scanExecution(row)
}

func (s *ExecutionStore) ListExecutions(ctx context.Context, filter repo.ExecutionFilter) ([]domain.ExecutionRecord, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("execution store not initialized")
	}
	query, args := buildListExecutionsQuery(filter)
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

func buildListExecutionsQuery(filter repo.ExecutionFilter) (string, []any) {
	var b strings.Builder
	b.WriteString(`SELECT execution_id, workflow_id, status, started_at, finished_at, tokens_used FROM workflow_executions`)
	clauses := make([]string, 0, 2)
	args := make([]any, 0, 3)
	if v := strings.TrimSpace(filter.WorkflowID); v != "" {
		args = append(args, v)
		clauses = append(clauses, fmt.Sprintf("workflow_id = $%d", len(args)))
	}
	if v := strings.TrimSpace(filter.Status); v != "" {
		args = append(args, v)
		clauses = append(clauses, fmt.Sprintf("status = $%d", len(args)))
	}
	if len(clauses) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(clauses, " AND "))
	}
	b.WriteString(" ORDER BY started_at DESC, execution_id ASC")
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		fmt.Fprintf(&b, " LIMIT $%d", len(args))
	}
	return b.String(), args
}

type executionScanner interface {
	Scan(dest ...any) error
}

func scanExecution(scanner executionScanner) (domain.ExecutionRecord, error) {
	var record domain.ExecutionRecord
	var finishedAt sql.NullTime
	if err := scanner.Scan(
		&record.ExecutionID,
		&record.WorkflowID,
		&record.Status,
		&record.StartedAt,
		&finishedAt,
		&record.TokensUsed,
	); err != nil {
		return domain.ExecutionRecord{}, handleNotFound(err)
	}
	record.StartedAt = record.StartedAt.UTC()
	if finishedAt.Valid {
		t := finishedAt.Time.UTC()
		record.FinishedAt = &t
	}
	return record, nil
}
