package procman

import (
	"errors"
	"fmt"
	"time"
)

// errNoPID reports a started process that was never assigned a process id.
var errNoPID = errors.New("no process id assigned")

// SpawnError reports that the OS refused to create a process, or that no
// process id was assigned. It is fatal to the Acquire call that produced it;
// any retry is the resilience layer's job.
type SpawnError struct {
	Executable string
	Err        error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to spawn %q: %v", e.Executable, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// ProcessNotFoundError reports an operation that referenced a process id the
// manager no longer tracks. Treated as a caller bug and surfaced immediately.
type ProcessNotFoundError struct {
	ID string
}

func (e *ProcessNotFoundError) Error() string {
	return fmt.Sprintf("process %q not found", e.ID)
}

// TimeoutError reports that a process exceeded its configured hard deadline
// and was terminated.
type TimeoutError struct {
	ID      string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("process %q exceeded timeout of %s", e.ID, e.Timeout)
}
