package sched

import (
	"time"
)

// Status represents the lifecycle state of a scheduled task.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is a terminal state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Task is a unit of schedulable work. Tasks are immutable after creation;
// the engine references them but never mutates them.
type Task struct {
	ID           string
	Kind         string // category tag, e.g. "issue", "review", "custom"
	Prompt       string
	WorkDir      string
	Priority     int // higher is more urgent
	Dependencies []string
	CreatedAt    time.Time
	Config       map[string]any // opaque per-kind settings
}

// TaskState is the engine's status record for one task.
type TaskState struct {
	Task        *Task
	Status      Status
	StartedAt   time.Time
	CompletedAt time.Time
	Result      string
	Err         error
}

// Metrics is a snapshot of the engine's admission state.
type Metrics struct {
	CurrentlyRunning int
	QueuedTasks      int
	AvailableSlots   int
	MaxConcurrent    int
}

func cloneTask(t *Task) *Task {
	if t == nil {
		return nil
	}
	cp := *t
	if t.Dependencies != nil {
		cp.Dependencies = append([]string(nil), t.Dependencies...)
	}
	if t.Config != nil {
		cp.Config = make(map[string]any, len(t.Config))
		for k, v := range t.Config {
			cp.Config[k] = v
		}
	}
	return &cp
}
