package procman

import (
	"bufio"
	"context"
	"io"
	"log"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
)

// maxLineSize bounds the scanner buffer for a single output line.
const maxLineSize = 1024 * 1024

// trackedProcess is the live record for one supervised process. The manager
// owns it exclusively; callers only ever see snapshots.
type trackedProcess struct {
	mu             sync.Mutex
	proc           Process
	cmd            *exec.Cmd
	stdin          io.WriteCloser
	stdinClosed    bool
	outputHandlers []OutputHandler
	errorHandlers  []ErrorHandler
	done           chan struct{}
	timeoutTimer   *time.Timer
	timedOut       bool
}

func (t *trackedProcess) snapshot() *Process {
	t.mu.Lock()
	defer t.mu.Unlock()
	return cloneProcess(&t.proc)
}

func (t *trackedProcess) touch() {
	t.mu.Lock()
	t.proc.LastActivity = time.Now()
	t.mu.Unlock()
}

// emitOutput invokes output handlers in registration order. Called from a
// single reader goroutine per stream, so per-stream ordering is preserved.
func (t *trackedProcess) emitOutput(data []byte, stream Stream) {
	t.mu.Lock()
	handlers := append([]OutputHandler(nil), t.outputHandlers...)
	t.proc.LastActivity = time.Now()
	t.mu.Unlock()

	for _, fn := range handlers {
		fn(data, stream)
	}
}

func (t *trackedProcess) emitError(err error) {
	t.mu.Lock()
	handlers := append([]ErrorHandler(nil), t.errorHandlers...)
	t.mu.Unlock()

	for _, fn := range handlers {
		fn(err)
	}
}

// StructuredManager supervises processes connected over stdin/stdout/stderr
// pipes. Output is delivered line by line, per stream. Each subprocess runs
// in its own process group so termination takes the whole subprocess tree
// down with it.
type StructuredManager struct {
	mu      sync.Mutex
	procs   map[string]*trackedProcess
	metrics ManagerMetrics
}

// NewStructuredManager creates an empty structured process manager.
func NewStructuredManager() *StructuredManager {
	return &StructuredManager{
		procs: make(map[string]*trackedProcess),
	}
}

// Acquire spawns cfg.ExecutablePath with piped stdio and begins supervising
// it. The returned snapshot has status busy once the pipes are wired.
func (m *StructuredManager) Acquire(ctx context.Context, cfg Config) (*Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cmd := exec.Command(cfg.ExecutablePath, cfg.Args...)
	cmd.Dir = cfg.WorkDir
	cmd.Env = mergeEnv(cfg.Env)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true, // own process group, so we can signal the whole tree
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &SpawnError{Executable: cfg.ExecutablePath, Err: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &SpawnError{Executable: cfg.ExecutablePath, Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, &SpawnError{Executable: cfg.ExecutablePath, Err: err}
	}

	if err := cmd.Start(); err != nil {
		return nil, &SpawnError{Executable: cfg.ExecutablePath, Err: err}
	}
	if cmd.Process == nil || cmd.Process.Pid <= 0 {
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		return nil, &SpawnError{Executable: cfg.ExecutablePath, Err: errNoPID}
	}

	now := time.Now()
	tp := &trackedProcess{
		proc: Process{
			ID:           uuid.NewString(),
			PID:          cmd.Process.Pid,
			Status:       StatusSpawning,
			SpawnedAt:    now,
			LastActivity: now,
		},
		cmd:   cmd,
		stdin: stdin,
		done:  make(chan struct{}),
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

	go m.supervise(tp, stdout, stderr)

	return tp.snapshot(), nil
}

// supervise drains both pipes concurrently, then waits for the process and
// records its final state. Draining before Wait prevents deadlocks when the
// subprocess output exceeds pipe buffer capacity.
func (m *StructuredManager) supervise(tp *trackedProcess, stdout, stderr io.Reader) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		m.scanStream(tp, stdout, StreamStdout)
	}()
	go func() {
		defer wg.Done()
		m.scanStream(tp, stderr, StreamStderr)
	}()
	wg.Wait()

	_ = tp.cmd.Wait()
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

	m.mu.Lock()
	if crashed {
		m.metrics.TotalCrashed++
	} else {
		m.metrics.TotalCompleted++
	}
	m.mu.Unlock()

	close(tp.done)
}

func (m *StructuredManager) scanStream(tp *trackedProcess, r io.Reader, stream Stream) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := append([]byte(nil), scanner.Bytes()...)
		tp.emitOutput(line, stream)
	}
	if err := scanner.Err(); err != nil {
		tp.emitError(err)
	}
}

// handleTimeout fires when a process exceeds its hard deadline. The process
// is terminated regardless of its internal state and marked crashed.
func (m *StructuredManager) handleTimeout(tp *trackedProcess, timeout time.Duration) {
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

// Release is an alias for Terminate; there is no idle-pool reuse in the
// worker-per-execution model.
func (m *StructuredManager) Release(id string) error {
	return m.Terminate(id, 0)
}

// Terminate stops the process. Sends a graceful signal first, escalating to
// SIGKILL on the whole process group if the process has not exited within
// the grace window. Idempotent.
func (m *StructuredManager) Terminate(id string, sig syscall.Signal) error {
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

	if sig == 0 {
		sig = syscall.SIGTERM
	}
	if err := signalProcessGroup(tp.cmd, sig); err != nil {
		log.Printf("WARNING: failed to signal process %s: %v", id, err)
	}

	select {
	case <-tp.done:
	case <-time.After(terminateGrace):
		if err := killProcessGroup(tp.cmd); err != nil {
			log.Printf("WARNING: failed to kill process %s: %v", id, err)
		}
	}
	return nil
}

// SendInput writes data to the process's stdin.
func (m *StructuredManager) SendInput(id string, data []byte) error {
	tp, err := m.lookup(id)
	if err != nil {
		return err
	}

	tp.mu.Lock()
	closed := tp.stdinClosed
	stdin := tp.stdin
	tp.mu.Unlock()
	if closed {
		return &ProcessNotFoundError{ID: id}
	}

	if _, err := stdin.Write(data); err != nil {
		return err
	}
	tp.touch()
	return nil
}

// CloseInput closes the stdin side of the process.
func (m *StructuredManager) CloseInput(id string) error {
	tp, err := m.lookup(id)
	if err != nil {
		return err
	}

	tp.mu.Lock()
	defer tp.mu.Unlock()
	if tp.stdinClosed {
		return nil
	}
	tp.stdinClosed = true
	return tp.stdin.Close()
}

// OnOutput registers an output callback for the process.
func (m *StructuredManager) OnOutput(id string, fn OutputHandler) error {
	tp, err := m.lookup(id)
	if err != nil {
		return err
	}
	tp.mu.Lock()
	tp.outputHandlers = append(tp.outputHandlers, fn)
	tp.mu.Unlock()
	return nil
}

// OnError registers an error callback for the process.
func (m *StructuredManager) OnError(id string, fn ErrorHandler) error {
	tp, err := m.lookup(id)
	if err != nil {
		return err
	}
	tp.mu.Lock()
	tp.errorHandlers = append(tp.errorHandlers, fn)
	tp.mu.Unlock()
	return nil
}

// Wait returns a channel closed once the process has exited.
func (m *StructuredManager) Wait(id string) <-chan struct{} {
	m.mu.Lock()
	tp, ok := m.procs[id]
	m.mu.Unlock()
	if !ok {
		return closedChan
	}
	return tp.done
}

// Get returns a snapshot of the process, if still tracked.
func (m *StructuredManager) Get(id string) (*Process, bool) {
	m.mu.Lock()
	tp, ok := m.procs[id]
	m.mu.Unlock()
	if !ok {
		return nil, false
	}
	return tp.snapshot(), true
}

// Active returns snapshots of all non-terminal processes.
func (m *StructuredManager) Active() []*Process {
	m.mu.Lock()
	tracked := make([]*trackedProcess, 0, len(m.procs))
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

// Metrics returns aggregate counters across all tracked processes.
func (m *StructuredManager) Metrics() ManagerMetrics {
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

// Shutdown terminates every tracked process and clears all internal maps.
// Safe to call with zero active processes.
func (m *StructuredManager) Shutdown() error {
	m.mu.Lock()
	tracked := make([]*trackedProcess, 0, len(m.procs))
	ids := make([]string, 0, len(m.procs))
	for id, tp := range m.procs {
		tracked = append(tracked, tp)
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_ = m.Terminate(id, syscall.SIGTERM)
		}(id)
	}
	wg.Wait()

	m.mu.Lock()
	m.procs = make(map[string]*trackedProcess)
	m.mu.Unlock()
	return nil
}

func (m *StructuredManager) lookup(id string) (*trackedProcess, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tp, ok := m.procs[id]
	if !ok {
		return nil, &ProcessNotFoundError{ID: id}
	}
	return tp, nil
}

var _ Manager = (*StructuredManager)(nil)

