package sched

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/gammazero/toposort"

	"github.com/agentexec/agentexec/internal/procman"
)

// Runner executes one dispatched task. It must honor ctx cancellation by
// terminating whatever process backs the task.
type Runner func(ctx context.Context, task *Task) (string, error)

// CompleteHandler observes successful terminal transitions.
type CompleteHandler func(taskID, result string)

// FailedHandler observes failed terminal transitions.
type FailedHandler func(taskID string, err error)

// Config configures an Engine.
type Config struct {
	MaxConcurrent int
	Runner        Runner
	// Manager, when set, receives the engine's Shutdown call after all
	// tasks are cancelled.
	Manager procman.Manager
}

// trackedTask is the engine's live record for one task.
type trackedTask struct {
	state  TaskState
	seq    uint64 // submission order, breaks priority ties FIFO
	cancel context.CancelFunc
}

// Engine owns an ordered queue and a concurrency admission gate. The queue
// drains in priority order, ties broken by submission order, re-evaluated
// every time a slot frees up.
type Engine struct {
	mu      sync.Mutex
	cfg     Config
	tasks   map[string]*trackedTask
	nextSeq uint64
	running int

	onComplete   []CompleteHandler
	onFailed     []FailedHandler
	shuttingDown bool
}

// NewEngine creates an engine dispatching through cfg.Runner under
// cfg.MaxConcurrent slots (default 4).
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Runner == nil {
		return nil, fmt.Errorf("engine requires a runner")
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	return &Engine{
		cfg:   cfg,
		tasks: make(map[string]*trackedTask),
	}, nil
}

// OnComplete registers an observer invoked exactly once per successful
// terminal transition. Observers are cleared at shutdown and never fire
// afterward.
func (e *Engine) OnComplete(fn CompleteHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onComplete = append(e.onComplete, fn)
}

// OnFailed registers an observer invoked exactly once per failed terminal
// transition.
func (e *Engine) OnFailed(fn FailedHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onFailed = append(e.onFailed, fn)
}

// Submit enqueues one task. The task starts queued; if a slot is free and
// its dependencies are all completed it is dispatched immediately.
func (e *Engine) Submit(task *Task) error {
	return e.SubmitAll([]*Task{task})
}

// SubmitAll enqueues a batch of tasks after validating ids and dependency
// structure (existence and acyclicity) across the batch and everything
// already tracked.
func (e *Engine) SubmitAll(tasks []*Task) error {
	e.mu.Lock()

	for _, task := range tasks {
		if task.ID == "" {
			e.mu.Unlock()
			return fmt.Errorf("task with empty id")
		}
		if _, exists := e.tasks[task.ID]; exists {
			e.mu.Unlock()
			return fmt.Errorf("task %q already submitted", task.ID)
		}
	}

	if err := e.validateDependenciesLocked(tasks); err != nil {
		e.mu.Unlock()
		return err
	}

	for _, task := range tasks {
		t := cloneTask(task)
		if t.CreatedAt.IsZero() {
			t.CreatedAt = time.Now()
		}
		e.nextSeq++
		e.tasks[t.ID] = &trackedTask{
			state: TaskState{Task: t, Status: StatusQueued},
			seq:   e.nextSeq,
		}
	}

	e.dispatchLocked()
	e.mu.Unlock()
	return nil
}

// validateDependenciesLocked checks that every dependency of the incoming
// batch resolves to a known task and that the combined graph is acyclic.
func (e *Engine) validateDependenciesLocked(incoming []*Task) error {
	known := make(map[string]bool, len(e.tasks)+len(incoming))
	for id := range e.tasks {
		known[id] = true
	}
	for _, task := range incoming {
		known[task.ID] = true
	}

	var edges []toposort.Edge
	addEdges := func(id string, deps []string) error {
		if len(deps) == 0 {
			edges = append(edges, toposort.Edge{nil, id})
			return nil
		}
		for _, dep := range deps {
			if !known[dep] {
				return fmt.Errorf("task %q depends on unknown task %q", id, dep)
			}
			edges = append(edges, toposort.Edge{dep, id})
		}
		return nil
	}

	for _, tt := range e.tasks {
		if err := addEdges(tt.state.Task.ID, tt.state.Task.Dependencies); err != nil {
			return err
		}
	}
	for _, task := range incoming {
		if err := addEdges(task.ID, task.Dependencies); err != nil {
			return err
		}
	}

	if _, err := toposort.Toposort(edges); err != nil {
		return fmt.Errorf("dependency cycle: %w", err)
	}
	return nil
}

// Cancel cancels a task. Idempotent and safe for any state: queued tasks
// are removed from the queue with no side effect, running tasks have their
// context cancelled and their slot freed immediately, terminal and unknown
// tasks are a no-op. Cancellation clears the task record.
func (e *Engine) Cancel(id string) error {
	e.mu.Lock()
	tt, ok := e.tasks[id]
	if !ok {
		e.mu.Unlock()
		return nil
	}

	switch tt.state.Status {
	case StatusQueued:
		delete(e.tasks, id)
		e.mu.Unlock()
		return nil
	case StatusRunning:
		tt.state.Status = StatusCancelled
		cancel := tt.cancel
		delete(e.tasks, id)
		e.running--
		e.dispatchLocked()
		e.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		return nil
	default:
		e.mu.Unlock()
		return nil
	}
}

// Status returns the engine's record for the task, or false if the task is
// unknown or its record has been cleared by cancellation or shutdown.
func (e *Engine) Status(id string) (*TaskState, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	tt, ok := e.tasks[id]
	if !ok {
		return nil, false
	}
	state := tt.state
	state.Task = cloneTask(tt.state.Task)
	return &state, true
}

// Metrics returns a snapshot of the admission state.
func (e *Engine) Metrics() Metrics {
	e.mu.Lock()
	defer e.mu.Unlock()

	queued := 0
	for _, tt := range e.tasks {
		if tt.state.Status == StatusQueued {
			queued++
		}
	}
	return Metrics{
		CurrentlyRunning: e.running,
		QueuedTasks:      queued,
		AvailableSlots:   e.cfg.MaxConcurrent - e.running,
		MaxConcurrent:    e.cfg.MaxConcurrent,
	}
}

// Shutdown cancels every running task, clears the queue and all observers,
// then delegates to the process manager's own shutdown. Idempotent, and
// safe to call with nothing running.
func (e *Engine) Shutdown() error {
	e.mu.Lock()
	if e.shuttingDown {
		e.mu.Unlock()
		return nil
	}
	e.shuttingDown = true

	var cancels []context.CancelFunc
	for id, tt := range e.tasks {
		if tt.state.Status == StatusRunning && tt.cancel != nil {
			cancels = append(cancels, tt.cancel)
		}
		delete(e.tasks, id)
	}
	e.running = 0
	e.onComplete = nil
	e.onFailed = nil
	e.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}

	var err error
	if e.cfg.Manager != nil {
		err = e.cfg.Manager.Shutdown()
	}

	e.mu.Lock()
	e.shuttingDown = false
	e.mu.Unlock()
	return err
}

// dispatchLocked drains the queue while slots are free. Called with e.mu
// held every time a slot frees up or tasks arrive.
func (e *Engine) dispatchLocked() {
	for e.running < e.cfg.MaxConcurrent {
		e.failDependentsOfLostDependenciesLocked()

		next := e.nextEligibleLocked()
		if next == nil {
			return
		}

		next.state.Status = StatusRunning
		next.state.StartedAt = time.Now()
		ctx, cancel := context.WithCancel(context.Background())
		next.cancel = cancel
		e.running++

		go e.run(ctx, next.state.Task)
	}
}

// nextEligibleLocked picks the highest-priority queued task whose
// dependencies are all completed; ties break by submission order.
func (e *Engine) nextEligibleLocked() *trackedTask {
	var eligible []*trackedTask
	for _, tt := range e.tasks {
		if tt.state.Status != StatusQueued {
			continue
		}
		if e.dependenciesCompletedLocked(tt.state.Task) {
			eligible = append(eligible, tt)
		}
	}
	if len(eligible) == 0 {
		return nil
	}
	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].state.Task.Priority != eligible[j].state.Task.Priority {
			return eligible[i].state.Task.Priority > eligible[j].state.Task.Priority
		}
		return eligible[i].seq < eligible[j].seq
	})
	return eligible[0]
}

func (e *Engine) dependenciesCompletedLocked(task *Task) bool {
	for _, dep := range task.Dependencies {
		tt, ok := e.tasks[dep]
		if !ok || tt.state.Status != StatusCompleted {
			return false
		}
	}
	return true
}

// failDependentsOfLostDependenciesLocked auto-fails queued tasks whose
// dependencies failed, were cancelled, or had their record cleared. Without
// this, such tasks would wait in the queue forever.
func (e *Engine) failDependentsOfLostDependenciesLocked() {
	for {
		changed := false
		for _, tt := range e.tasks {
			if tt.state.Status != StatusQueued {
				continue
			}
			if dep, reason := e.lostDependencyLocked(tt.state.Task); dep != "" {
				tt.state.Status = StatusFailed
				tt.state.CompletedAt = time.Now()
				tt.state.Err = fmt.Errorf("dependency %q %s", dep, reason)
				e.notifyFailedLocked(tt.state.Task.ID, tt.state.Err)
				changed = true
			}
		}
		if !changed {
			return
		}
	}
}

func (e *Engine) lostDependencyLocked(task *Task) (dep, reason string) {
	for _, id := range task.Dependencies {
		tt, ok := e.tasks[id]
		if !ok {
			return id, "is no longer tracked"
		}
		switch tt.state.Status {
		case StatusFailed:
			return id, "failed"
		case StatusCancelled:
			return id, "was cancelled"
		}
	}
	return "", ""
}

// run executes one dispatched task and records its terminal transition.
func (e *Engine) run(ctx context.Context, task *Task) {
	result, err := e.cfg.Runner(ctx, task)

	e.mu.Lock()
	tt, ok := e.tasks[task.ID]
	if !ok || tt.state.Status != StatusRunning {
		// Cancelled or shut down while running; the slot was already freed.
		e.mu.Unlock()
		return
	}

	tt.state.CompletedAt = time.Now()
	tt.cancel = nil
	if err != nil {
		tt.state.Status = StatusFailed
		tt.state.Err = err
		e.notifyFailedLocked(task.ID, err)
	} else {
		tt.state.Status = StatusCompleted
		tt.state.Result = result
		e.notifyCompleteLocked(task.ID, result)
	}
	e.running--
	e.dispatchLocked()
	e.mu.Unlock()
}

// notifyCompleteLocked invokes completion observers without holding the
// engine lock.
func (e *Engine) notifyCompleteLocked(id, result string) {
	handlers := append([]CompleteHandler(nil), e.onComplete...)
	if len(handlers) == 0 {
		return
	}
	go func() {
		for _, fn := range handlers {
			fn(id, result)
		}
	}()
}

func (e *Engine) notifyFailedLocked(id string, err error) {
	handlers := append([]FailedHandler(nil), e.onFailed...)
	if len(handlers) == 0 {
		log.Printf("task %s failed: %v", id, err)
		return
	}
	go func() {
		for _, fn := range handlers {
			fn(id, err)
		}
	}()
}
