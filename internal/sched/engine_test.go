package sched

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

// gatedRunner blocks each task until the test releases it, recording start
// order and invocation counts.
type gatedRunner struct {
	mu      sync.Mutex
	order   []string
	gates   map[string]chan error
	started chan string
}

func newGatedRunner() *gatedRunner {
	return &gatedRunner{
		gates:   make(map[string]chan error),
		started: make(chan string, 64),
	}
}

func (r *gatedRunner) run(ctx context.Context, task *Task) (string, error) {
	r.mu.Lock()
	r.order = append(r.order, task.ID)
	gate, ok := r.gates[task.ID]
	if !ok {
		gate = make(chan error, 1)
		r.gates[task.ID] = gate
	}
	r.mu.Unlock()
	r.started <- task.ID

	select {
	case err := <-gate:
		if err != nil {
			return "", err
		}
		return "done:" + task.ID, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (r *gatedRunner) release(id string, err error) {
	r.mu.Lock()
	gate, ok := r.gates[id]
	if !ok {
		gate = make(chan error, 1)
		r.gates[id] = gate
	}
	r.mu.Unlock()
	gate <- err
}

func (r *gatedRunner) startOrder() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

func (r *gatedRunner) waitStart(t *testing.T, timeout time.Duration) string {
	t.Helper()
	select {
	case id := <-r.started:
		return id
	case <-time.After(timeout):
		t.Fatal("no task started within deadline")
		return ""
	}
}

func waitForMetric(t *testing.T, e *Engine, check func(Metrics) bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if check(e.Metrics()) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("metrics condition not reached, last: %+v", e.Metrics())
}

func waitForStatus(t *testing.T, e *Engine, id string, want Status) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if state, ok := e.Status(id); ok && state.Status == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	state, ok := e.Status(id)
	t.Fatalf("task %s never reached %s (tracked=%v state=%+v)", id, want, ok, state)
}

// TestEngine_ConcurrencyCap verifies currentlyRunning never exceeds the
// configured maximum.
func TestEngine_ConcurrencyCap(t *testing.T) {
	runner := newGatedRunner()
	e, err := NewEngine(Config{MaxConcurrent: 2, Runner: runner.run})
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	defer e.Shutdown()

	var tasks []*Task
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		tasks = append(tasks, &Task{ID: id, Kind: "issue"})
	}
	if err := e.SubmitAll(tasks); err != nil {
		t.Fatalf("SubmitAll failed: %v", err)
	}

	runner.waitStart(t, time.Second)
	runner.waitStart(t, time.Second)

	m := e.Metrics()
	if m.CurrentlyRunning != 2 {
		t.Errorf("expected 2 running, got %d", m.CurrentlyRunning)
	}
	if m.QueuedTasks != 3 {
		t.Errorf("expected 3 queued, got %d", m.QueuedTasks)
	}
	if m.AvailableSlots != 0 {
		t.Errorf("expected 0 available slots, got %d", m.AvailableSlots)
	}

	started := runner.startOrder()
	runner.release(started[0], nil)
	next := runner.waitStart(t, time.Second)

	m = e.Metrics()
	if m.CurrentlyRunning > 2 {
		t.Errorf("concurrency cap violated: %d running", m.CurrentlyRunning)
	}

	for _, id := range append(started[1:], next) {
		runner.release(id, nil)
	}
	for len(runner.startOrder()) < 5 {
		id := runner.waitStart(t, time.Second)
		runner.release(id, nil)
	}
	waitForMetric(t, e, func(m Metrics) bool {
		return m.CurrentlyRunning == 0 && m.QueuedTasks == 0
	})
}

// TestEngine_PriorityOrder verifies serialized execution drains strictly by
// priority, ties broken by submission order.
func TestEngine_PriorityOrder(t *testing.T) {
	runner := newGatedRunner()
	e, err := NewEngine(Config{MaxConcurrent: 1, Runner: runner.run})
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	defer e.Shutdown()

	// "low" is submitted first and dispatched immediately; the rest queue
	// up and must drain highest priority first.
	if err := e.Submit(&Task{ID: "low", Kind: "issue", Priority: 1}); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	runner.waitStart(t, time.Second)

	if err := e.SubmitAll([]*Task{
		{ID: "mid", Kind: "issue", Priority: 5},
		{ID: "high", Kind: "issue", Priority: 9},
		{ID: "mid2", Kind: "issue", Priority: 5},
	}); err != nil {
		t.Fatalf("SubmitAll failed: %v", err)
	}

	for _, id := range []string{"low", "high", "mid", "mid2"} {
		runner.release(id, nil)
		if len(runner.startOrder()) < 4 {
			runner.waitStart(t, time.Second)
		}
	}

	want := []string{"low", "high", "mid", "mid2"}
	got := runner.startOrder()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("expected start order %v, got %v", want, got)
	}

	waitForMetric(t, e, func(m Metrics) bool {
		return m.CurrentlyRunning == 0 && m.QueuedTasks == 0
	})
}

// TestEngine_CancelQueued verifies cancelling a queued task removes it
// without ever invoking the runner.
func TestEngine_CancelQueued(t *testing.T) {
	runner := newGatedRunner()
	e, err := NewEngine(Config{MaxConcurrent: 1, Runner: runner.run})
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	defer e.Shutdown()

	if err := e.Submit(&Task{ID: "running", Kind: "issue"}); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	runner.waitStart(t, time.Second)
	if err := e.Submit(&Task{ID: "waiting", Kind: "issue"}); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	if err := e.Cancel("waiting"); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if _, ok := e.Status("waiting"); ok {
		t.Error("cancelled queued task should be cleared")
	}

	runner.release("running", nil)
	waitForStatus(t, e, "running", StatusCompleted)

	for _, id := range runner.startOrder() {
		if id == "waiting" {
			t.Error("cancelled queued task must never start")
		}
	}
}

// TestEngine_CancelRunning verifies cancelling a running task frees its
// slot immediately so the next eligible task starts.
func TestEngine_CancelRunning(t *testing.T) {
	runner := newGatedRunner()
	e, err := NewEngine(Config{MaxConcurrent: 1, Runner: runner.run})
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	defer e.Shutdown()

	if err := e.SubmitAll([]*Task{
		{ID: "first", Kind: "issue", Priority: 2},
		{ID: "second", Kind: "issue", Priority: 1},
	}); err != nil {
		t.Fatalf("SubmitAll failed: %v", err)
	}
	if started := runner.waitStart(t, time.Second); started != "first" {
		t.Fatalf("expected first to start, got %s", started)
	}

	if err := e.Cancel("first"); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	if started := runner.waitStart(t, time.Second); started != "second" {
		t.Fatalf("expected second to start after cancel freed the slot, got %s", started)
	}
	if _, ok := e.Status("first"); ok {
		t.Error("cancelled running task should be cleared")
	}

	// Cancel is idempotent for unknown and terminal tasks.
	if err := e.Cancel("first"); err != nil {
		t.Errorf("repeat Cancel failed: %v", err)
	}
	if err := e.Cancel("never-existed"); err != nil {
		t.Errorf("Cancel of unknown task failed: %v", err)
	}

	runner.release("second", nil)
	waitForStatus(t, e, "second", StatusCompleted)
}

// TestEngine_Dependencies verifies a task runs only after its dependencies
// complete.
func TestEngine_Dependencies(t *testing.T) {
	runner := newGatedRunner()
	e, err := NewEngine(Config{MaxConcurrent: 4, Runner: runner.run})
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	defer e.Shutdown()

	if err := e.SubmitAll([]*Task{
		{ID: "dep", Kind: "issue"},
		{ID: "child", Kind: "issue", Dependencies: []string{"dep"}},
	}); err != nil {
		t.Fatalf("SubmitAll failed: %v", err)
	}

	if started := runner.waitStart(t, time.Second); started != "dep" {
		t.Fatalf("expected dep to start first, got %s", started)
	}
	if m := e.Metrics(); m.CurrentlyRunning != 1 {
		t.Errorf("child must wait on dep; running=%d", m.CurrentlyRunning)
	}

	runner.release("dep", nil)
	if started := runner.waitStart(t, time.Second); started != "child" {
		t.Fatalf("expected child after dep, got %s", started)
	}
	runner.release("child", nil)
	waitForStatus(t, e, "child", StatusCompleted)
}

// TestEngine_FailedDependencyAutoFailsDependents verifies the explicit
// policy for failed dependencies: dependents are failed, not left queued.
func TestEngine_FailedDependencyAutoFailsDependents(t *testing.T) {
	runner := newGatedRunner()
	e, err := NewEngine(Config{MaxConcurrent: 4, Runner: runner.run})
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	defer e.Shutdown()

	var failedMu sync.Mutex
	failed := map[string]error{}
	e.OnFailed(func(id string, err error) {
		failedMu.Lock()
		failed[id] = err
		failedMu.Unlock()
	})

	if err := e.SubmitAll([]*Task{
		{ID: "dep", Kind: "issue"},
		{ID: "child", Kind: "issue", Dependencies: []string{"dep"}},
		{ID: "grandchild", Kind: "issue", Dependencies: []string{"child"}},
	}); err != nil {
		t.Fatalf("SubmitAll failed: %v", err)
	}

	runner.waitStart(t, time.Second)
	runner.release("dep", errors.New("agent exploded"))

	waitForStatus(t, e, "child", StatusFailed)
	waitForStatus(t, e, "grandchild", StatusFailed)

	state, _ := e.Status("child")
	if state.Err == nil || !strings.Contains(state.Err.Error(), "dep") {
		t.Errorf("expected dependency failure error, got %v", state.Err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		failedMu.Lock()
		n := len(failed)
		failedMu.Unlock()
		if n == 3 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	failedMu.Lock()
	defer failedMu.Unlock()
	if len(failed) != 3 {
		t.Errorf("expected failure callbacks for dep, child, grandchild; got %v", failed)
	}
}

// TestEngine_SubmitValidation verifies duplicate ids, unknown dependencies,
// and dependency cycles are rejected.
func TestEngine_SubmitValidation(t *testing.T) {
	runner := newGatedRunner()
	e, err := NewEngine(Config{MaxConcurrent: 1, Runner: runner.run})
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	defer e.Shutdown()

	if err := e.Submit(&Task{ID: "a", Kind: "issue"}); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	runner.waitStart(t, time.Second)

	if err := e.Submit(&Task{ID: "a", Kind: "issue"}); err == nil {
		t.Error("expected duplicate id to be rejected")
	}
	if err := e.Submit(&Task{ID: "b", Dependencies: []string{"ghost"}}); err == nil {
		t.Error("expected unknown dependency to be rejected")
	}
	if err := e.SubmitAll([]*Task{
		{ID: "x", Dependencies: []string{"y"}},
		{ID: "y", Dependencies: []string{"x"}},
	}); err == nil {
		t.Error("expected dependency cycle to be rejected")
	}

	runner.release("a", nil)
}

// TestEngine_ShutdownIdempotent verifies repeated shutdown and shutdown
// with zero active work never error and zero the metrics.
func TestEngine_ShutdownIdempotent(t *testing.T) {
	runner := newGatedRunner()
	e, err := NewEngine(Config{MaxConcurrent: 2, Runner: runner.run})
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	if err := e.Shutdown(); err != nil {
		t.Fatalf("Shutdown with zero work failed: %v", err)
	}

	if err := e.SubmitAll([]*Task{
		{ID: "a", Kind: "issue"},
		{ID: "b", Kind: "issue"},
		{ID: "c", Kind: "issue"},
	}); err != nil {
		t.Fatalf("SubmitAll failed: %v", err)
	}
	runner.waitStart(t, time.Second)
	runner.waitStart(t, time.Second)

	if err := e.Shutdown(); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	m := e.Metrics()
	if m.CurrentlyRunning != 0 || m.QueuedTasks != 0 {
		t.Errorf("expected empty engine after shutdown, got %+v", m)
	}

	if err := e.Shutdown(); err != nil {
		t.Errorf("repeat Shutdown failed: %v", err)
	}
}

// TestEngine_ObserversClearedAtShutdown verifies handlers registered before
// shutdown never fire for work submitted afterward.
func TestEngine_ObserversClearedAtShutdown(t *testing.T) {
	runner := newGatedRunner()
	e, err := NewEngine(Config{MaxConcurrent: 1, Runner: runner.run})
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	var fired sync.Map
	e.OnComplete(func(id, result string) { fired.Store(id, true) })

	if err := e.Shutdown(); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	if err := e.Submit(&Task{ID: "post", Kind: "issue"}); err != nil {
		t.Fatalf("Submit after shutdown failed: %v", err)
	}
	runner.waitStart(t, time.Second)
	runner.release("post", nil)
	waitForStatus(t, e, "post", StatusCompleted)

	time.Sleep(50 * time.Millisecond)
	if _, ok := fired.Load("post"); ok {
		t.Error("observer cleared at shutdown must not fire for post-shutdown tasks")
	}
}

// TestEngine_CompleteObserverFiresOnce verifies exactly one callback per
// terminal transition.
func TestEngine_CompleteObserverFiresOnce(t *testing.T) {
	runner := newGatedRunner()
	e, err := NewEngine(Config{MaxConcurrent: 1, Runner: runner.run})
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	defer e.Shutdown()

	var mu sync.Mutex
	counts := map[string]int{}
	e.OnComplete(func(id, result string) {
		mu.Lock()
		counts[id]++
		mu.Unlock()
	})

	if err := e.Submit(&Task{ID: "once", Kind: "issue"}); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	runner.waitStart(t, time.Second)
	runner.release("once", nil)
	waitForStatus(t, e, "once", StatusCompleted)

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if counts["once"] != 1 {
		t.Errorf("expected exactly one completion callback, got %d", counts["once"])
	}
}
