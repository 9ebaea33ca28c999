package procman

import (
	"time"
)

// Status represents the lifecycle state of a managed process.
// Transitions: spawning -> busy -> {completed | crashed}, with terminating
// as a transient state entered only during an explicit termination request.
// A process never re-enters busy after reaching a terminal state.
type Status string

const (
	StatusSpawning Status = "spawning"
	// StatusIdle is reserved for pooled process reuse, which the
	// worker-per-execution model does not do. No manager here assigns it.
	StatusIdle        Status = "idle"
	StatusBusy        Status = "busy"
	StatusTerminating Status = "terminating"
	StatusCrashed     Status = "crashed"
	StatusCompleted   Status = "completed"
)

// Terminal reports whether the status is a terminal state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCrashed
}

// Mode selects how a process is spawned and how its output is delivered.
type Mode string

const (
	// ModeStructured runs the process with stdin/stdout/stderr pipes and
	// delivers output line by line, per stream.
	ModeStructured Mode = "structured"
	// ModeInteractive runs the process inside a pseudo-terminal. All output
	// arrives as a single combined stream.
	ModeInteractive Mode = "interactive"
	// ModeHybrid behaves like interactive for I/O but accepts structured
	// terminal configuration.
	ModeHybrid Mode = "hybrid"
)

// Stream identifies which output channel produced a chunk of data.
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
)

// RetrySettings carries per-process retry hints. The manager itself never
// retries a spawn; these settings are consumed by the resilience layer.
type RetrySettings struct {
	MaxAttempts int
	BackoffMs   int
}

// TerminalConfig configures the pseudo-terminal for interactive and hybrid
// mode processes.
type TerminalConfig struct {
	Cols uint16
	Rows uint16
	Cwd  string
	Name string
}

// Config defines the spawn parameters for a managed process.
type Config struct {
	ExecutablePath string
	Args           []string
	WorkDir        string
	Env            map[string]string // overrides merged over the parent environment
	Timeout        time.Duration     // hard kill deadline; zero disables
	IdleTimeout    time.Duration     // pool-reuse deadline; unused in worker-per-execution mode
	Retry          *RetrySettings
	Mode           Mode
	Terminal       *TerminalConfig
}

// ProcessMetrics aggregates per-process execution statistics.
type ProcessMetrics struct {
	TotalDuration  time.Duration
	TasksCompleted int
	SuccessRate    float64
}

// Process is a point-in-time snapshot of a managed process. Snapshots are
// returned by accessor methods; the live record is owned exclusively by the
// manager that created it.
type Process struct {
	ID           string
	PID          int
	Status       Status
	SpawnedAt    time.Time
	LastActivity time.Time
	ExitCode     *int
	Signal       string
	Metrics      ProcessMetrics
}

// ManagerMetrics aggregates counters across all processes a manager has
// ever tracked.
type ManagerMetrics struct {
	ActiveProcesses int
	TotalSpawned    int
	TotalCompleted  int
	TotalCrashed    int
}

// OutputHandler receives output produced by a process. Structured processes
// deliver stdout and stderr separately; interactive sessions deliver
// everything as StreamStdout.
type OutputHandler func(data []byte, stream Stream)

// ErrorHandler receives spawn and runtime errors for a process.
type ErrorHandler func(err error)
