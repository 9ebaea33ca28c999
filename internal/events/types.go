package events

import (
	"encoding/json"
	"time"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	ExecutionID() string
}

// Topic constants
const (
	TopicExecution = "execution"
	TopicPool      = "pool"
)

// Event type constants
const (
	EventTypeExecutionStarted   = "execution.started"
	EventTypeExecutionLog       = "execution.log"
	EventTypeExecutionAgent     = "execution.agent"
	EventTypeExecutionStatus    = "execution.status"
	EventTypeExecutionCompleted = "execution.completed"
	EventTypeExecutionFailed    = "execution.failed"
	EventTypeExecutionCrashed   = "execution.crashed"
	EventTypePoolCapacity       = "pool.capacity"
)

// ExecutionStartedEvent is published when a worker is spawned for an
// execution.
type ExecutionStartedEvent struct {
	ID        string
	WorkerID  string
	PID       int
	Timestamp time.Time
}

func (e ExecutionStartedEvent) EventType() string   { return EventTypeExecutionStarted }
func (e ExecutionStartedEvent) ExecutionID() string { return e.ID }

// ExecutionLogEvent is published for each structured log line a worker
// reports.
type ExecutionLogEvent struct {
	ID        string
	Level     string
	Message   string
	Timestamp time.Time
}

func (e ExecutionLogEvent) EventType() string   { return EventTypeExecutionLog }
func (e ExecutionLogEvent) ExecutionID() string { return e.ID }

// ExecutionAgentEvent carries an agent-protocol event forwarded verbatim
// from the worker.
type ExecutionAgentEvent struct {
	ID        string
	Payload   json.RawMessage
	Timestamp time.Time
}

func (e ExecutionAgentEvent) EventType() string   { return EventTypeExecutionAgent }
func (e ExecutionAgentEvent) ExecutionID() string { return e.ID }

// ExecutionStatusEvent is published on a worker-reported phase change.
type ExecutionStatusEvent struct {
	ID        string
	Status    string
	Timestamp time.Time
}

func (e ExecutionStatusEvent) EventType() string   { return EventTypeExecutionStatus }
func (e ExecutionStatusEvent) ExecutionID() string { return e.ID }

// ExecutionCompletedEvent is published when an execution finishes
// successfully.
type ExecutionCompletedEvent struct {
	ID        string
	Result    json.RawMessage
	Duration  time.Duration
	Timestamp time.Time
}

func (e ExecutionCompletedEvent) EventType() string   { return EventTypeExecutionCompleted }
func (e ExecutionCompletedEvent) ExecutionID() string { return e.ID }

// ExecutionFailedEvent is published for an expected application-level
// failure.
type ExecutionFailedEvent struct {
	ID        string
	Reason    string
	Fatal     bool
	Duration  time.Duration
	Timestamp time.Time
}

func (e ExecutionFailedEvent) EventType() string   { return EventTypeExecutionFailed }
func (e ExecutionFailedEvent) ExecutionID() string { return e.ID }

// ExecutionCrashedEvent is published when a worker dies from a signal or
// an out-of-memory kill.
type ExecutionCrashedEvent struct {
	ID        string
	Reason    string
	Timestamp time.Time
}

func (e ExecutionCrashedEvent) EventType() string   { return EventTypeExecutionCrashed }
func (e ExecutionCrashedEvent) ExecutionID() string { return e.ID }

// PoolCapacityEvent is published when the pool's active worker count
// changes.
type PoolCapacityEvent struct {
	ActiveWorkers int
	MaxWorkers    int
	Timestamp     time.Time
}

func (e PoolCapacityEvent) EventType() string   { return EventTypePoolCapacity }
func (e PoolCapacityEvent) ExecutionID() string { return "" }
