package procman

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// terminateGrace is how long Terminate waits for a process to report exit
// after the termination signal before escalating to SIGKILL and returning.
const terminateGrace = 2 * time.Second

// Manager spawns and supervises OS processes behind a uniform lifecycle and
// I/O contract. The structured and interactive implementations are
// interchangeable from the caller's point of view.
type Manager interface {
	// Acquire spawns a process per cfg and registers it for supervision.
	// Returns a SpawnError if the OS refuses to create the process or no
	// process id is assigned.
	Acquire(ctx context.Context, cfg Config) (*Process, error)

	// Release terminates the process. There is no idle-pool reuse in the
	// worker-per-execution model, so Release is an alias for Terminate.
	Release(id string) error

	// Terminate stops the process. Idempotent: a no-op if the process
	// already exited. Resolves once the process reports exit or a grace
	// window elapses, whichever comes first.
	Terminate(id string, sig syscall.Signal) error

	// SendInput writes to the process's input channel.
	SendInput(id string, data []byte) error

	// CloseInput closes the input side for structured processes. No-op for
	// interactive sessions, whose input is tied to session lifetime.
	CloseInput(id string) error

	// OnOutput registers an output callback for the process. Handler
	// invocation preserves the order bytes were produced.
	OnOutput(id string, fn OutputHandler) error

	// OnError registers an error callback for the process.
	OnError(id string, fn ErrorHandler) error

	// Wait returns a channel that is closed once the process has exited.
	// For unknown ids the returned channel is already closed.
	Wait(id string) <-chan struct{}

	// Get returns a snapshot of the process, if still tracked.
	Get(id string) (*Process, bool)

	// Active returns snapshots of all non-terminal processes.
	Active() []*Process

	// Metrics returns aggregate counters across all tracked processes.
	Metrics() ManagerMetrics

	// Shutdown terminates every tracked process and clears all internal
	// maps. Safe to call with zero active processes.
	Shutdown() error
}

// mergeEnv combines the parent environment with per-process overrides.
func mergeEnv(overrides map[string]string) []string {
	env := os.Environ()
	for k, v := range overrides {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	return env
}

// exitStatus extracts the exit code and terminating signal (if any) from a
// finished command.
func exitStatus(cmd *exec.Cmd) (code int, signal string) {
	state := cmd.ProcessState
	if state == nil {
		return -1, ""
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok {
		if ws.Signaled() {
			return -1, ws.Signal().String()
		}
		return ws.ExitStatus(), ""
	}
	return state.ExitCode(), ""
}

// killProcessGroup sends SIGKILL to the entire process group (negative PID)
// so child processes are terminated along with the immediate subprocess.
func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return fmt.Errorf("process not started")
	}
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
		return fmt.Errorf("failed to kill process group: %w", err)
	}
	return nil
}

// signalProcessGroup sends sig to the entire process group.
func signalProcessGroup(cmd *exec.Cmd, sig syscall.Signal) error {
	if cmd.Process == nil {
		return fmt.Errorf("process not started")
	}
	return syscall.Kill(-cmd.Process.Pid, sig)
}

// closedChan is returned by Wait for ids that are no longer tracked.
var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

func cloneProcess(p *Process) *Process {
	if p == nil {
		return nil
	}
	cp := *p
	if p.ExitCode != nil {
		code := *p.ExitCode
		cp.ExitCode = &code
	}
	return &cp
}
