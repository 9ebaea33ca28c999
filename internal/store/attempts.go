package store

import (
	"context"
	"database/sql"
	"fmt"
)

// SaveAttempt records one try at an execution.
func (s *SQLiteStore) SaveAttempt(ctx context.Context, attempt *Attempt) error {
	var exitCode sql.NullInt64
	if attempt.ExitCode != nil {
		exitCode = sql.NullInt64{Int64: int64(*attempt.ExitCode), Valid: true}
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO attempts (execution_id, number, success, exit_code, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, attempt.ExecutionID, attempt.Number, attempt.Success, exitCode,
		attempt.Error, attempt.StartedAt, attempt.CompletedAt)
	if err != nil {
		return fmt.Errorf("failed to save attempt: %w", err)
	}

	id, err := res.LastInsertId()
	if err == nil {
		attempt.ID = id
	}
	return nil
}

// GetAttempts returns every recorded attempt for an execution in attempt
// order.
func (s *SQLiteStore) GetAttempts(ctx context.Context, executionID string) ([]Attempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, execution_id, number, success, exit_code, error, started_at, completed_at
		FROM attempts
		WHERE execution_id = ?
		ORDER BY number
	`, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query attempts: %w", err)
	}
	defer rows.Close()

	var attempts []Attempt
	for rows.Next() {
		var attempt Attempt
		var exitCode sql.NullInt64
		err := rows.Scan(&attempt.ID, &attempt.ExecutionID, &attempt.Number, &attempt.Success,
			&exitCode, &attempt.Error, &attempt.StartedAt, &attempt.CompletedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan attempt: %w", err)
		}
		if exitCode.Valid {
			code := int(exitCode.Int64)
			attempt.ExitCode = &code
		}
		attempts = append(attempts, attempt)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating attempts: %w", err)
	}

	return attempts, nil
}
