package procman

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"
)

const (
	defaultTermCols = 80
	defaultTermRows = 24
)

// interactiveProcess is the live record for one pseudo-terminal session.
type interactiveProcess struct {
	mu             sync.Mutex
	proc           Process
	cmd            *exec.Cmd
	ptmx           *os.File
	outputHandlers []OutputHandler
	errorHandlers  []ErrorHandler
	done           chan struct{}
	timeoutTimer   *time.Timer
	timedOut       bool
}

func (t *interactiveProcess) snapshot() *Process {
	t.mu.Lock()
	defer t.mu.Unlock()
	return cloneProcess(&t.proc)
}

func (t *interactiveProcess) emitOutput(data []byte) {
	t.mu.Lock()
	handlers := append([]OutputHandler(nil), t.outputHandlers...)
	t.proc.LastActivity = time.Now()
	t.mu.Unlock()

	// A pseudo-terminal does not distinguish error output; everything is
	// delivered as combined stdout.
	for _, fn := range handlers {
		fn(data, StreamStdout)
	}
}

func (t *interactiveProcess) emitError(err error) {
	t.mu.Lock()
	handlers := append([]ErrorHandler(nil), t.errorHandlers...)
	t.mu.Unlock()

	for _, fn := range handlers {
		fn(err)
	}
}

// InteractiveManager supervises processes connected through a
// pseudo-terminal, giving them full-duplex terminal I/O and control
// sequences. Output arrives as a single combined stream, and errors are
// synthesized only from a non-zero exit code since a pty exposes no
// distinct error channel.
type InteractiveManager struct {
	mu      sync.Mutex
	procs   map[string]*interactiveProcess
	metrics ManagerMetrics
}

// NewInteractiveManager creates an empty interactive process manager.
func NewInteractiveManager() *InteractiveManager {
	return &InteractiveManager{
		procs: make(map[string]*interactiveProcess),
	}
}

// Acquire starts cfg.ExecutablePath inside a new pseudo-terminal sized per
// cfg.Terminal (80x24 when unset).
func (m *InteractiveManager) Acquire(ctx context.Context, cfg Config) (*Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cmd := exec.Command(cfg.ExecutablePath, cfg.Args...)
	cmd.Dir = cfg.WorkDir
	if cmd.Dir == "" && cfg.Terminal != nil {
		cmd.Dir = cfg.Terminal.Cwd
	}
	cmd.Env = mergeEnv(cfg.Env)

	size := &pty.Winsize{Cols: defaultTermCols, Rows: defaultTermRows}
	if cfg.Terminal != nil {
		if cfg.Terminal.Cols > 0 {
			size.Cols = cfg.Terminal.Cols
		}
		if cfg.Terminal.Rows > 0 {
			size.Rows = cfg.Terminal.Rows
		}
	}

	ptmx, err := pty.StartWithSize(cmd, size)
	if err != nil {
		return nil, &SpawnError{Executable: cfg.ExecutablePath, Err: err}
	}
	if cmd.Process == nil || cmd.Process.Pid <= 0 {
		_ = ptmx.Close()
		return nil, &SpawnError{Executable: cfg.ExecutablePath, Err: errNoPID}
	}

	now := time.Now()
	tp := &interactiveProcess{
		proc: Process{
			ID:           uuid.NewString(),
			PID:          cmd.Process.Pid,
			Status:       StatusSpawning,
			SpawnedAt:    now,
			LastActivity: now,
		},
		cmd:  cmd,
		ptmx: ptmx,
		done: make(chan struct{}),
	}

	m.mu.Lock()
	m.procs[tp.proc.ID] = tp
	m.metrics.TotalSpawned++
	m.mu.Unlock()

	// Registered and started; busy until exit.
	tp.mu.Lock()
	tp.proc.Status = StatusBusy
	tp.mu.Unlock()

	if cfg.Timeout > 0 {
		timeout := cfg.Timeout
		tp.timeoutTimer = time.AfterFunc(timeout, func() {
			m.handleTimeout(tp, timeout)
		})
	}

	go m.supervise(tp)

	return tp.snapshot(), nil
}

// supervise drains the pty until it closes, then records the session's
// final state.
func (m *InteractiveManager) supervise(tp *interactiveProcess) {
	buf := make([]byte, 32*1024)
	for {
		n, err := tp.ptmx.Read(buf)
		if n > 0 {
			tp.emitOutput(append([]byte(nil), buf[:n]...))
		}
		if err != nil {
			// The pty reports EIO when the child side closes; either way
			// the session is over.
			break
		}
	}

	_ = tp.cmd.Wait()
	_ = tp.ptmx.Close()
	code, signal := exitStatus(tp.cmd)

	tp.mu.Lock()
	if tp.timeoutTimer != nil {
		tp.timeoutTimer.Stop()
	}
	tp.proc.ExitCode = &code
	tp.proc.Signal = signal
	tp.proc.Metrics.TotalDuration = time.Since(tp.proc.SpawnedAt)
	if tp.timedOut || signal != "" {
		tp.proc.Status = StatusCrashed
	} else {
		tp.proc.Status = StatusCompleted
		if code == 0 {
			tp.proc.Metrics.TasksCompleted = 1
			tp.proc.Metrics.SuccessRate = 1
		}
	}
	crashed := tp.proc.Status == StatusCrashed
	tp.mu.Unlock()

	if signal == "" && code != 0 {
		tp.emitError(fmt.Errorf("session exited with code %d", code))
	}

	m.mu.Lock()
	if crashed {
		m.metrics.TotalCrashed++
	} else {
		m.metrics.TotalCompleted++
	}
	m.mu.Unlock()

	close(tp.done)
}

func (m *InteractiveManager) handleTimeout(tp *interactiveProcess, timeout time.Duration) {
	tp.mu.Lock()
	if tp.proc.Status.Terminal() {
		tp.mu.Unlock()
		return
	}
	tp.timedOut = true
	id := tp.proc.ID
	tp.mu.Unlock()

	tp.emitError(&TimeoutError{ID: id, Timeout: timeout})
	_ = m.Terminate(id, syscall.SIGKILL)
}

// Release is an alias for Terminate.
func (m *InteractiveManager) Release(id string) error {
	return m.Terminate(id, 0)
}

// Terminate kills the session. An interactive session has no graceful
// termination path: the process is killed immediately. Idempotent.
func (m *InteractiveManager) Terminate(id string, sig syscall.Signal) error {
	m.mu.Lock()
	tp, ok := m.procs[id]
	m.mu.Unlock()
	if !ok {
		return nil
	}

	tp.mu.Lock()
	if tp.proc.Status.Terminal() {
		tp.mu.Unlock()
		return nil
	}
	tp.proc.Status = StatusTerminating
	tp.mu.Unlock()

	if err := tp.cmd.Process.Kill(); err != nil {
		log.Printf("WARNING: failed to kill session %s: %v", id, err)
	}
	// Closing the pty unblocks the reader if the kill alone does not.
	_ = tp.ptmx.Close()

	select {
	case <-tp.done:
	case <-time.After(terminateGrace):
	}
	return nil
}

// SendInput writes data to the session's terminal input.
func (m *InteractiveManager) SendInput(id string, data []byte) error {
	tp, err := m.lookup(id)
	if err != nil {
		return err
	}
	if _, err := tp.ptmx.Write(data); err != nil {
		return err
	}
	tp.mu.Lock()
	tp.proc.LastActivity = time.Now()
	tp.mu.Unlock()
	return nil
}

// CloseInput is a no-op: a session's input is tied to its lifetime.
func (m *InteractiveManager) CloseInput(id string) error {
	_, err := m.lookup(id)
	return err
}

// OnOutput registers an output callback for the session.
func (m *InteractiveManager) OnOutput(id string, fn OutputHandler) error {
	tp, err := m.lookup(id)
	if err != nil {
		return err
	}
	tp.mu.Lock()
	tp.outputHandlers = append(tp.outputHandlers, fn)
	tp.mu.Unlock()
	return nil
}

// OnError registers an error callback for the session.
func (m *InteractiveManager) OnError(id string, fn ErrorHandler) error {
	tp, err := m.lookup(id)
	if err != nil {
		return err
	}
	tp.mu.Lock()
	tp.errorHandlers = append(tp.errorHandlers, fn)
	tp.mu.Unlock()
	return nil
}

// Wait returns a channel closed once the session has exited.
func (m *InteractiveManager) Wait(id string) <-chan struct{} {
	m.mu.Lock()
	tp, ok := m.procs[id]
	m.mu.Unlock()
	if !ok {
		return closedChan
	}
	return tp.done
}

// Get returns a snapshot of the session, if still tracked.
func (m *InteractiveManager) Get(id string) (*Process, bool) {
	m.mu.Lock()
	tp, ok := m.procs[id]
	m.mu.Unlock()
	if !ok {
		return nil, false
	}
	return tp.snapshot(), true
}

// Active returns snapshots of all non-terminal sessions.
func (m *InteractiveManager) Active() []*Process {
	m.mu.Lock()
	tracked := make([]*interactiveProcess, 0, len(m.procs))
	for _, tp := range m.procs {
		tracked = append(tracked, tp)
	}
	m.mu.Unlock()

	active := []*Process{}
	for _, tp := range tracked {
		snap := tp.snapshot()
		if !snap.Status.Terminal() {
			active = append(active, snap)
		}
	}
	return active
}

// Metrics returns aggregate counters across all tracked sessions.
func (m *InteractiveManager) Metrics() ManagerMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	metrics := m.metrics
	for _, tp := range m.procs {
		tp.mu.Lock()
		if !tp.proc.Status.Terminal() {
			metrics.ActiveProcesses++
		}
		tp.mu.Unlock()
	}
	return metrics
}

// Shutdown kills every tracked session and clears all internal maps.
func (m *InteractiveManager) Shutdown() error {
	m.mu.Lock()
	ids := make([]string, 0, len(m.procs))
	for id := range m.procs {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_ = m.Terminate(id, syscall.SIGKILL)
		}(id)
	}
	wg.Wait()

	m.mu.Lock()
	m.procs = make(map[string]*interactiveProcess)
	m.mu.Unlock()
	return nil
}

func (m *InteractiveManager) lookup(id string) (*interactiveProcess, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tp, ok := m.procs[id]
	if !ok {
		return nil, &ProcessNotFoundError{ID: id}
	}
	return tp, nil
}

var _ Manager = (*InteractiveManager)(nil)
