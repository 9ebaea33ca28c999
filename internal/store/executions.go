package store

import (
	"context"
	"database/sql"
	"fmt"
)

// SaveExecution saves or updates an execution record.
// Uses ON CONFLICT to make saves idempotent.
func (s *SQLiteStore) SaveExecution(ctx context.Context, execution *Execution) error {
	if execution.Status == "" {
		execution.Status = StatusPending
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO executions (id, project_id, kind, prompt, repo_path, status, worker_id, result, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			project_id = excluded.project_id,
			kind = excluded.kind,
			prompt = excluded.prompt,
			repo_path = excluded.repo_path,
			status = excluded.status,
			worker_id = excluded.worker_id,
			result = excluded.result,
			error = excluded.error,
			updated_at = CURRENT_TIMESTAMP
	`, execution.ID, execution.ProjectID, execution.Kind, execution.Prompt,
		execution.RepoPath, execution.Status, execution.WorkerID, execution.Result, execution.Error)
	if err != nil {
		return fmt.Errorf("failed to upsert execution: %w", err)
	}
	return nil
}

// GetExecution retrieves an execution by ID.
func (s *SQLiteStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	execution := &Execution{}

	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, kind, prompt, repo_path, status, worker_id, result, error, created_at, updated_at
		FROM executions
		WHERE id = ?
	`, id).Scan(&execution.ID, &execution.ProjectID, &execution.Kind, &execution.Prompt,
		&execution.RepoPath, &execution.Status, &execution.WorkerID, &execution.Result,
		&execution.Error, &execution.CreatedAt, &execution.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("execution not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query execution: %w", err)
	}

	return execution, nil
}

// UpdateExecutionStatus updates the status, result, and error of an
// execution.
func (s *SQLiteStore) UpdateExecutionStatus(ctx context.Context, id, status, result, errMsg string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE executions
		SET status = ?, result = ?, error = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, status, result, errMsg, id)
	if err != nil {
		return fmt.Errorf("failed to update execution status: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("execution not found: %s", id)
	}
	return nil
}

// ListExecutions returns all executions for a project, oldest first. An
// empty projectID lists everything.
func (s *SQLiteStore) ListExecutions(ctx context.Context, projectID string) ([]*Execution, error) {
	query := `
		SELECT id, project_id, kind, prompt, repo_path, status, worker_id, result, error, created_at, updated_at
		FROM executions
	`
	args := []any{}
	if projectID != "" {
		query += ` WHERE project_id = ?`
		args = append(args, projectID)
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}
	defer rows.Close()

	var executions []*Execution
	for rows.Next() {
		execution := &Execution{}
		err := rows.Scan(&execution.ID, &execution.ProjectID, &execution.Kind, &execution.Prompt,
			&execution.RepoPath, &execution.Status, &execution.WorkerID, &execution.Result,
			&execution.Error, &execution.CreatedAt, &execution.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		executions = append(executions, execution)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating executions: %w", err)
	}

	return executions, nil
}
