package pool

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/agentexec/agentexec/internal/events"
)

// Bootstrap environment variables. The worker binary reads its entire
// identity and configuration from these; no other side channel exists.
const (
	EnvExecutionID   = "AGENTEXEC_EXECUTION_ID"
	EnvProjectID     = "AGENTEXEC_PROJECT_ID"
	EnvRepoPath      = "AGENTEXEC_REPO_PATH"
	EnvDBPath        = "AGENTEXEC_DB_PATH"
	EnvWorkerID      = "AGENTEXEC_WORKER_ID"
	EnvMemoryLimitMB = "AGENTEXEC_MEMORY_LIMIT_MB"
)

// ErrPoolAtCapacity is returned by StartExecution when every worker slot is
// taken. The pool never queues; the caller's scheduling layer does.
var ErrPoolAtCapacity = errors.New("worker pool at capacity")

// WorkerStatus is the pool-level lifecycle of one worker process.
type WorkerStatus string

const (
	WorkerStarting   WorkerStatus = "starting"
	WorkerRunning    WorkerStatus = "running"
	WorkerCompleting WorkerStatus = "completing"
	WorkerCompleted  WorkerStatus = "completed"
	WorkerFailed     WorkerStatus = "failed"
)

// Worker is the pool's record of one live worker process. Records are
// dropped when the process exits; callers persist what they need from the
// lifecycle callbacks before then.
type Worker struct {
	ID          string
	ExecutionID string
	PID         int
	StartedAt   time.Time
	Status      WorkerStatus
}

// Execution identifies one unit of work to run in a dedicated worker. The
// worker loads the execution's details itself from the database it is
// handed, so the pool only carries identity and the memory ceiling.
type Execution struct {
	ID            string
	ProjectID     string
	MemoryLimitMB int
}

// Config configures a Pool.
type Config struct {
	// MaxWorkers is the hard cap on concurrently live worker processes
	// (default 3).
	MaxWorkers int
	// WorkerBinary is the path of the worker executable to spawn.
	WorkerBinary string
	// WorkerArgs are extra arguments passed to every worker.
	WorkerArgs []string
	// DefaultMemoryLimitMB applies when an execution carries no ceiling of
	// its own (default 2048).
	DefaultMemoryLimitMB int
	// CancelGrace bounds the cancel-message to force-kill escalation
	// (default 5s).
	CancelGrace time.Duration
	// Bus, when set, receives execution lifecycle events in addition to the
	// direct callbacks.
	Bus *events.EventBus
}

// Callback signatures. All carry the execution id so one handler can serve
// every worker.
type (
	LogHandler      func(executionID, level, message string)
	EventHandler    func(executionID string, payload json.RawMessage)
	StatusHandler   func(executionID, status string)
	CompleteHandler func(executionID string, result json.RawMessage)
	ErrorHandler    func(executionID, message string, fatal bool)
	CrashHandler    func(executionID, reason string)
)

// PoolMetrics is a snapshot of the pool's counters.
type PoolMetrics struct {
	ActiveWorkers  int
	MaxWorkers     int
	TotalStarted   int
	TotalCompleted int
	TotalFailed    int
	TotalCrashed   int
}

// trackedWorker is the pool's live handle on one worker process.
type trackedWorker struct {
	worker Worker
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	done   chan struct{}

	cancelOnce sync.Once

	mu       sync.Mutex
	result   json.RawMessage // payload from the worker's complete message
	sawError bool            // worker reported an error over IPC
}

// Pool runs each execution in its own OS process for crash and memory
// isolation. Capacity is a hard wall; submissions past MaxWorkers are
// rejected, not queued.
type Pool struct {
	mu           sync.Mutex
	cfg          Config
	workers      map[string]*trackedWorker // worker id -> record
	byExecution  map[string]string         // execution id -> worker id
	shuttingDown bool

	totalStarted   int
	totalCompleted int
	totalFailed    int
	totalCrashed   int

	onLog      LogHandler
	onEvent    EventHandler
	onStatus   StatusHandler
	onComplete CompleteHandler
	onError    ErrorHandler
	onCrash    CrashHandler
}

// NewPool creates a pool spawning cfg.WorkerBinary per execution.
func NewPool(cfg Config) (*Pool, error) {
	if cfg.WorkerBinary == "" {
		return nil, fmt.Errorf("pool requires a worker binary")
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 3
	}
	if cfg.DefaultMemoryLimitMB <= 0 {
		cfg.DefaultMemoryLimitMB = 2048
	}
	if cfg.CancelGrace <= 0 {
		cfg.CancelGrace = 5 * time.Second
	}
	return &Pool{
		cfg:         cfg,
		workers:     make(map[string]*trackedWorker),
		byExecution: make(map[string]string),
	}, nil
}

// OnLog and the other registration methods install the single handler for
// their callback slot; a later call replaces the earlier handler.
func (p *Pool) OnLog(fn LogHandler) { p.mu.Lock(); p.onLog = fn; p.mu.Unlock() }

func (p *Pool) OnEvent(fn EventHandler) { p.mu.Lock(); p.onEvent = fn; p.mu.Unlock() }

func (p *Pool) OnStatusChange(fn StatusHandler) { p.mu.Lock(); p.onStatus = fn; p.mu.Unlock() }

func (p *Pool) OnComplete(fn CompleteHandler) { p.mu.Lock(); p.onComplete = fn; p.mu.Unlock() }

func (p *Pool) OnError(fn ErrorHandler) { p.mu.Lock(); p.onError = fn; p.mu.Unlock() }

func (p *Pool) OnCrash(fn CrashHandler) { p.mu.Lock(); p.onCrash = fn; p.mu.Unlock() }

// StartExecution admits one execution and forks its dedicated worker,
// passing identity through the bootstrap environment. Fails fast with
// ErrPoolAtCapacity when all slots are taken.
func (p *Pool) StartExecution(ctx context.Context, execn Execution, repoPath, dbPath string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if execn.ID == "" {
		return "", fmt.Errorf("execution with empty id")
	}

	p.mu.Lock()
	if p.shuttingDown {
		p.mu.Unlock()
		return "", fmt.Errorf("pool is shutting down")
	}
	if _, exists := p.byExecution[execn.ID]; exists {
		p.mu.Unlock()
		return "", fmt.Errorf("execution %q already has a worker", execn.ID)
	}
	if len(p.workers) >= p.cfg.MaxWorkers {
		active, max := len(p.workers), p.cfg.MaxWorkers
		p.mu.Unlock()
		return "", fmt.Errorf("cannot start execution %s: %d of %d workers busy: %w",
			execn.ID, active, max, ErrPoolAtCapacity)
	}

	workerID := uuid.NewString()
	memLimit := execn.MemoryLimitMB
	if memLimit <= 0 {
		memLimit = p.cfg.DefaultMemoryLimitMB
	}

	cmd := exec.Command(p.cfg.WorkerBinary, p.cfg.WorkerArgs...)
	cmd.Dir = repoPath
	cmd.Env = append(os.Environ(),
		EnvExecutionID+"="+execn.ID,
		EnvProjectID+"="+execn.ProjectID,
		EnvRepoPath+"="+repoPath,
		EnvDBPath+"="+dbPath,
		EnvWorkerID+"="+workerID,
		EnvMemoryLimitMB+"="+strconv.Itoa(memLimit),
	)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		p.mu.Unlock()
		return "", fmt.Errorf("spawn worker for execution %s: %w", execn.ID, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		p.mu.Unlock()
		return "", fmt.Errorf("spawn worker for execution %s: %w", execn.ID, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		p.mu.Unlock()
		return "", fmt.Errorf("spawn worker for execution %s: %w", execn.ID, err)
	}

	if err := cmd.Start(); err != nil {
		p.mu.Unlock()
		return "", fmt.Errorf("spawn worker for execution %s: %w", execn.ID, err)
	}

	w := &trackedWorker{
		worker: Worker{
			ID:          workerID,
			ExecutionID: execn.ID,
			PID:         cmd.Process.Pid,
			StartedAt:   time.Now(),
			Status:      WorkerStarting,
		},
		cmd:   cmd,
		stdin: stdin,
		done:  make(chan struct{}),
	}
	p.workers[workerID] = w
	p.byExecution[execn.ID] = workerID
	p.totalStarted++
	active := len(p.workers)
	p.mu.Unlock()

	p.publish(events.TopicExecution, events.ExecutionStartedEvent{
		ID:        execn.ID,
		WorkerID:  workerID,
		PID:       w.worker.PID,
		Timestamp: time.Now(),
	})
	p.publishCapacity(active)

	go p.waitLoop(w, stdout, stderr)

	return workerID, nil
}

// CancelExecution requests a graceful stop of the execution's worker and
// escalates to a forceful kill within the configured grace window.
func (p *Pool) CancelExecution(executionID string) error {
	p.mu.Lock()
	workerID, ok := p.byExecution[executionID]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("no active worker for execution %q", executionID)
	}
	w := p.workers[workerID]
	w.worker.Status = WorkerCompleting
	p.mu.Unlock()

	p.cancelWorker(w)
	return nil
}

// Shutdown cancels every tracked worker concurrently and waits for all of
// them. Re-entrant calls while a shutdown is in progress are no-ops.
func (p *Pool) Shutdown() error {
	p.mu.Lock()
	if p.shuttingDown {
		p.mu.Unlock()
		return nil
	}
	p.shuttingDown = true
	workers := make([]*trackedWorker, 0, len(p.workers))
	for _, w := range p.workers {
		workers = append(workers, w)
	}
	p.mu.Unlock()

	var g errgroup.Group
	for _, w := range workers {
		w := w
		g.Go(func() error {
			p.cancelWorker(w)
			return nil
		})
	}
	err := g.Wait()

	p.mu.Lock()
	p.shuttingDown = false
	p.mu.Unlock()
	return err
}

// WaitWorker returns a channel closed when the identified worker exits.
// Unknown or already-exited workers get an immediately closed channel.
func (p *Pool) WaitWorker(workerID string) <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	if w, ok := p.workers[workerID]; ok {
		return w.done
	}
	return closedWorkerChan
}

var closedWorkerChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// Active returns snapshots of the live worker records.
func (p *Pool) Active() []Worker {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Worker, 0, len(p.workers))
	for _, w := range p.workers {
		out = append(out, w.worker)
	}
	return out
}

// Metrics returns a snapshot of the pool's counters.
func (p *Pool) Metrics() PoolMetrics {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolMetrics{
		ActiveWorkers:  len(p.workers),
		MaxWorkers:     p.cfg.MaxWorkers,
		TotalStarted:   p.totalStarted,
		TotalCompleted: p.totalCompleted,
		TotalFailed:    p.totalFailed,
		TotalCrashed:   p.totalCrashed,
	}
}

// cancelWorker walks the escalation ladder once: cancel message, then
// SIGTERM, then SIGKILL, bounded by CancelGrace end to end.
func (p *Pool) cancelWorker(w *trackedWorker) {
	w.cancelOnce.Do(func() {
		grace := p.cfg.CancelGrace
		soft := grace * 3 / 5

		_ = WriteMessage(w.stdin, ParentMessage{Type: MsgCancel})

		select {
		case <-w.done:
			return
		case <-time.After(soft):
		}

		p.signalWorker(w, syscall.SIGTERM)
		select {
		case <-w.done:
			return
		case <-time.After(grace - soft):
		}

		p.signalWorker(w, syscall.SIGKILL)
	})
	<-w.done
}

// signalWorker signals the worker's whole process group so any agent
// subprocesses die with it.
func (p *Pool) signalWorker(w *trackedWorker, sig syscall.Signal) {
	if w.cmd.Process == nil {
		return
	}
	if err := syscall.Kill(-w.cmd.Process.Pid, sig); err != nil {
		_ = w.cmd.Process.Signal(sig)
	}
}

// readLoop consumes the worker's stdout IPC channel, preserving per-worker
// message order.
func (p *Pool) readLoop(w *trackedWorker, stdout io.Reader) {
	execID := w.worker.ExecutionID
	readMessages(stdout, func(msg WorkerMessage) {
		switch msg.Type {
		case MsgReady:
			p.setWorkerStatus(w, WorkerRunning)
		case MsgLog:
			if fn := p.logHandler(); fn != nil {
				fn(execID, msg.Level, msg.Message)
			}
			p.publish(events.TopicExecution, events.ExecutionLogEvent{
				ID: execID, Level: msg.Level, Message: msg.Message, Timestamp: time.Now(),
			})
		case MsgEvent:
			if fn := p.eventHandler(); fn != nil {
				fn(execID, msg.Event)
			}
			p.publish(events.TopicExecution, events.ExecutionAgentEvent{
				ID: execID, Payload: msg.Event, Timestamp: time.Now(),
			})
		case MsgStatus:
			if fn := p.statusHandler(); fn != nil {
				fn(execID, msg.Status)
			}
			p.publish(events.TopicExecution, events.ExecutionStatusEvent{
				ID: execID, Status: msg.Status, Timestamp: time.Now(),
			})
		case MsgComplete:
			w.mu.Lock()
			w.result = msg.Result
			w.mu.Unlock()
			p.setWorkerStatus(w, WorkerCompleting)
		case MsgError:
			w.mu.Lock()
			w.sawError = true
			w.mu.Unlock()
			if fn := p.errorHandler(); fn != nil {
				fn(execID, msg.Message, msg.Fatal)
			}
			p.publish(events.TopicExecution, events.ExecutionFailedEvent{
				ID: execID, Reason: msg.Message, Fatal: msg.Fatal, Timestamp: time.Now(),
			})
		}
	}, func(line []byte, err error) {
		log.Printf("WARNING: dropping IPC message from worker %s: %v", w.worker.ID, err)
	})
}

// stderrLoop forwards raw stderr lines (runtime panics, agent noise) as
// log callbacks so they are not lost.
func (p *Pool) stderrLoop(w *trackedWorker, stderr io.Reader) {
	execID := w.worker.ExecutionID
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		if fn := p.logHandler(); fn != nil {
			fn(execID, "stderr", line)
		}
	}
}

// waitLoop drains both pipes concurrently, reaps the worker process, and
// funnels its exit through the classification below. Draining before Wait
// prevents deadlocks on full pipe buffers and guarantees the complete
// message is parsed before the exit is classified. Every exit path ends
// here, so the live record is always dropped and the slot always freed.
func (p *Pool) waitLoop(w *trackedWorker, stdout, stderr io.Reader) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		p.readLoop(w, stdout)
	}()
	go func() {
		defer wg.Done()
		p.stderrLoop(w, stderr)
	}()
	wg.Wait()

	err := w.cmd.Wait()
	duration := time.Since(w.worker.StartedAt)

	code, signal := exitOutcome(err)
	w.mu.Lock()
	result := w.result
	sawError := w.sawError
	w.mu.Unlock()

	execID := w.worker.ExecutionID
	final := WorkerFailed

	switch {
	case signal == syscall.SIGKILL || code == 137:
		// OOM kill or forced termination.
		reason := "worker killed (out of memory or forced termination)"
		p.reportCrash(execID, reason)
	case signal != 0:
		p.reportCrash(execID, fmt.Sprintf("worker killed by signal %s", signal))
	case code == 0:
		final = WorkerCompleted
		if fn := p.completeHandler(); fn != nil {
			fn(execID, result)
		}
		p.publish(events.TopicExecution, events.ExecutionCompletedEvent{
			ID: execID, Result: result, Duration: duration, Timestamp: time.Now(),
		})
	case code == 1:
		// Expected application-level failure. The worker normally reported
		// the specifics over IPC already.
		if !sawError {
			if fn := p.errorHandler(); fn != nil {
				fn(execID, "worker exited with failure status", false)
			}
		}
		p.publish(events.TopicExecution, events.ExecutionFailedEvent{
			ID: execID, Reason: "worker exited with failure status", Duration: duration, Timestamp: time.Now(),
		})
	default:
		msg := fmt.Sprintf("worker exited unexpectedly with code %d", code)
		if fn := p.errorHandler(); fn != nil {
			fn(execID, msg, true)
		}
		p.publish(events.TopicExecution, events.ExecutionFailedEvent{
			ID: execID, Reason: msg, Fatal: true, Duration: duration, Timestamp: time.Now(),
		})
	}

	p.mu.Lock()
	w.worker.Status = final
	delete(p.workers, w.worker.ID)
	delete(p.byExecution, execID)
	switch {
	case signal != 0 || code == 137:
		p.totalCrashed++
	case code == 0:
		p.totalCompleted++
	default:
		p.totalFailed++
	}
	active := len(p.workers)
	p.mu.Unlock()

	p.publishCapacity(active)
	close(w.done)
}

// reportCrash fires the crash callback and, when registered, the error
// callback too. Crashes always reach OnCrash even with no OnError handler.
func (p *Pool) reportCrash(executionID, reason string) {
	if fn := p.crashHandler(); fn != nil {
		fn(executionID, reason)
	}
	if fn := p.errorHandler(); fn != nil {
		fn(executionID, reason, true)
	}
	p.publish(events.TopicExecution, events.ExecutionCrashedEvent{
		ID: executionID, Reason: reason, Timestamp: time.Now(),
	})
}

func (p *Pool) setWorkerStatus(w *trackedWorker, status WorkerStatus) {
	p.mu.Lock()
	w.worker.Status = status
	p.mu.Unlock()
}

func (p *Pool) publish(topic string, event events.Event) {
	if p.cfg.Bus != nil {
		p.cfg.Bus.Publish(topic, event)
	}
}

func (p *Pool) publishCapacity(active int) {
	p.publish(events.TopicPool, events.PoolCapacityEvent{
		ActiveWorkers: active,
		MaxWorkers:    p.cfg.MaxWorkers,
		Timestamp:     time.Now(),
	})
}

func (p *Pool) logHandler() LogHandler {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.onLog
}

func (p *Pool) eventHandler() EventHandler {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.onEvent
}

func (p *Pool) statusHandler() StatusHandler {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.onStatus
}

func (p *Pool) completeHandler() CompleteHandler {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.onComplete
}

func (p *Pool) errorHandler() ErrorHandler {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.onError
}

func (p *Pool) crashHandler() CrashHandler {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.onCrash
}

// exitOutcome extracts the exit code or terminating signal from a reaped
// command's wait error.
func exitOutcome(waitErr error) (code int, signal syscall.Signal) {
	if waitErr == nil {
		return 0, 0
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if ws.Signaled() {
				return 128 + int(ws.Signal()), ws.Signal()
			}
			return ws.ExitStatus(), 0
		}
		return exitErr.ExitCode(), 0
	}
	// Wait itself failed; treat as an unexpected exit.
	return -1, 0
}
