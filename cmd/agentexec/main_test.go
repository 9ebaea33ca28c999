package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeTaskFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tasks.json")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing task file: %v", err)
	}
	return path
}

// TestLoadTasks verifies parsing and validation of the task file.
func TestLoadTasks(t *testing.T) {
	path := writeTaskFile(t, `[
		{"id": "build", "kind": "issue", "prompt": "implement the feature", "priority": 5},
		{"id": "review", "prompt": "review the change", "dependencies": ["build"]}
	]`)

	tasks, err := loadTasks(path)
	if err != nil {
		t.Fatalf("loadTasks failed: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(tasks))
	}
	if tasks[0].ID != "build" || tasks[0].Priority != 5 || tasks[0].Kind != "issue" {
		t.Errorf("unexpected first task: %+v", tasks[0])
	}
	if tasks[1].Kind != "custom" {
		t.Errorf("expected default kind custom, got %q", tasks[1].Kind)
	}
	if len(tasks[1].Dependencies) != 1 || tasks[1].Dependencies[0] != "build" {
		t.Errorf("unexpected dependencies: %v", tasks[1].Dependencies)
	}
}

func TestLoadTasksValidation(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"missing id", `[{"prompt": "x"}]`, "has no id"},
		{"missing prompt", `[{"id": "a"}]`, "has no prompt"},
		{"empty file", `[]`, "no tasks"},
		{"malformed json", `{not json`, "parsing"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadTasks(writeTaskFile(t, tt.content))
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestLoadTasksMissingFile(t *testing.T) {
	if _, err := loadTasks("/nonexistent/tasks.json"); err == nil {
		t.Error("expected error for missing file")
	}
}
