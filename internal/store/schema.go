package store

import (
	"context"
)

// initSchema creates all required tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS executions (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		prompt TEXT NOT NULL,
		repo_path TEXT,
		status TEXT NOT NULL,
		worker_id TEXT,
		result TEXT,
		error TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_executions_project ON executions(project_id, created_at);

	CREATE TABLE IF NOT EXISTS attempts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		execution_id TEXT NOT NULL,
		number INTEGER NOT NULL,
		success INTEGER NOT NULL,
		exit_code INTEGER,
		error TEXT,
		started_at DATETIME NOT NULL,
		completed_at DATETIME NOT NULL,
		FOREIGN KEY (execution_id) REFERENCES executions(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_attempts_execution ON attempts(execution_id, number);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}
