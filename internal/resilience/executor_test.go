package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sony/gobreaker"
)

// fakeAttempt returns scripted outcomes per call and counts invocations.
type fakeAttempt struct {
	mu      sync.Mutex
	outcome []error
	calls   int
}

func (f *fakeAttempt) run(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var err error
	if f.calls < len(f.outcome) {
		err = f.outcome[f.calls]
	}
	f.calls++
	return err
}

func (f *fakeAttempt) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func fastPolicy(maxAttempts int) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: maxAttempts,
		Backoff: BackoffConfig{
			Type:      BackoffFixed,
			BaseDelay: time.Millisecond,
		},
		RetryableErrors: []string{"transient"},
	}
}

// TestRun_TransientThenSuccess verifies retryable failures consume attempts
// and the trail records each one.
func TestRun_TransientThenSuccess(t *testing.T) {
	exec := NewExecutor(NewBreakerRegistry(DefaultBreakerConfig()))
	attempt := &fakeAttempt{outcome: []error{
		errors.New("transient glitch"),
		errors.New("transient glitch"),
		nil,
	}}

	result, err := exec.Run(context.Background(), "issue", fastPolicy(5), attempt.run)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !result.Success {
		t.Error("expected success")
	}
	if result.TotalAttempts != 3 || len(result.Attempts) != 3 {
		t.Fatalf("expected 3 attempts, got total=%d len=%d", result.TotalAttempts, len(result.Attempts))
	}
	if attempt.callCount() != 3 {
		t.Errorf("expected 3 invocations, got %d", attempt.callCount())
	}

	for i, rec := range result.Attempts[:2] {
		if rec.Success {
			t.Errorf("attempt %d: expected failure", i+1)
		}
		if !rec.WillRetry {
			t.Errorf("attempt %d: expected WillRetry", i+1)
		}
		if rec.NextRetryAt.IsZero() {
			t.Errorf("attempt %d: expected NextRetryAt to be set", i+1)
		}
	}
	final := result.FinalAttempt()
	if final == nil || !final.Success || final.WillRetry {
		t.Errorf("unexpected final attempt: %+v", final)
	}
	if final.Number != 3 {
		t.Errorf("expected final attempt number 3, got %d", final.Number)
	}
}

// TestRun_NonRetryableFailsFast verifies a non-matching failure does not
// consume remaining attempts.
func TestRun_NonRetryableFailsFast(t *testing.T) {
	exec := NewExecutor(NewBreakerRegistry(DefaultBreakerConfig()))
	attempt := &fakeAttempt{outcome: []error{errors.New("permission denied")}}

	result, err := exec.Run(context.Background(), "issue", fastPolicy(5), attempt.run)
	if err == nil {
		t.Fatal("expected an error")
	}
	if result.Success {
		t.Error("expected failure")
	}
	if result.TotalAttempts != 1 {
		t.Errorf("expected exactly 1 attempt, got %d", result.TotalAttempts)
	}
	if attempt.callCount() != 1 {
		t.Errorf("expected 1 invocation, got %d", attempt.callCount())
	}
	if result.FailureReason == "" {
		t.Error("expected a failure reason")
	}
}

// TestRun_AttemptsExhausted verifies the loop stops at MaxAttempts.
func TestRun_AttemptsExhausted(t *testing.T) {
	exec := NewExecutor(NewBreakerRegistry(DefaultBreakerConfig()))
	attempt := &fakeAttempt{outcome: []error{
		errors.New("transient glitch"),
		errors.New("transient glitch"),
		errors.New("transient glitch"),
	}}

	result, err := exec.Run(context.Background(), "issue", fastPolicy(3), attempt.run)
	if err == nil {
		t.Fatal("expected an error")
	}
	if result.TotalAttempts != 3 {
		t.Errorf("expected 3 attempts, got %d", result.TotalAttempts)
	}
	if final := result.FinalAttempt(); final == nil || final.WillRetry {
		t.Errorf("final attempt must not promise a retry: %+v", final)
	}
}

// TestRun_RetryableExitCode verifies exit-code matching drives retries and
// the trail records the code.
func TestRun_RetryableExitCode(t *testing.T) {
	exec := NewExecutor(NewBreakerRegistry(DefaultBreakerConfig()))
	policy := RetryPolicy{
		MaxAttempts:        3,
		Backoff:            BackoffConfig{Type: BackoffFixed, BaseDelay: time.Millisecond},
		RetryableExitCodes: []int{75},
	}
	attempt := &fakeAttempt{outcome: []error{
		&ExitError{Code: 75, Err: errors.New("agent tempfail")},
		nil,
	}}

	result, err := exec.Run(context.Background(), "spec", policy, attempt.run)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.TotalAttempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", result.TotalAttempts)
	}
	first := result.Attempts[0]
	if first.ExitCode == nil || *first.ExitCode != 75 {
		t.Errorf("expected recorded exit code 75, got %v", first.ExitCode)
	}
}

// TestRun_CircuitOpensAfterThreshold verifies the breaker opens exactly on
// the configured consecutive failure and rejects without invoking the
// attempt.
func TestRun_CircuitOpensAfterThreshold(t *testing.T) {
	registry := NewBreakerRegistry(BreakerConfig{
		FailureThreshold: 3,
		SuccessThreshold: 1,
		Timeout:          time.Minute,
	})
	exec := NewExecutor(registry)
	policy := fastPolicy(1)

	// First two failures leave the circuit closed.
	for i := 0; i < 2; i++ {
		attempt := &fakeAttempt{outcome: []error{errors.New("boom")}}
		result, _ := exec.Run(context.Background(), "issue", policy, attempt.run)
		if result.CircuitBreakerTriggered {
			t.Fatalf("circuit must not trigger before the threshold (failure %d)", i+1)
		}
	}
	if state := registry.Get("issue").State(); state != gobreaker.StateClosed {
		t.Fatalf("expected closed circuit after 2 failures, got %s", state)
	}

	// The 3rd consecutive failure opens it.
	attempt := &fakeAttempt{outcome: []error{errors.New("boom")}}
	_, _ = exec.Run(context.Background(), "issue", policy, attempt.run)
	if state := registry.Get("issue").State(); state != gobreaker.StateOpen {
		t.Fatalf("expected open circuit after 3rd failure, got %s", state)
	}

	// Further executions are rejected before any process work starts.
	rejected := &fakeAttempt{outcome: []error{nil}}
	result, err := exec.Run(context.Background(), "issue", policy, rejected.run)
	if !result.CircuitBreakerTriggered {
		t.Error("expected CircuitBreakerTriggered")
	}
	if !IsCircuitOpen(err) {
		t.Errorf("expected open-circuit error, got %v", err)
	}
	if rejected.callCount() != 0 {
		t.Errorf("attempt must not run while the circuit is open, got %d calls", rejected.callCount())
	}
	if len(result.Attempts) != 0 {
		t.Errorf("rejection must not record attempts, got %d", len(result.Attempts))
	}

	// A different task kind has its own breaker and still runs.
	other := &fakeAttempt{outcome: []error{nil}}
	otherResult, err := exec.Run(context.Background(), "spec", policy, other.run)
	if err != nil || !otherResult.Success {
		t.Errorf("other kind should be unaffected: %v", err)
	}
}

// TestRun_InterleavedSuccessResetsFailureCount verifies a success resets
// the consecutive-failure counter.
func TestRun_InterleavedSuccessResetsFailureCount(t *testing.T) {
	registry := NewBreakerRegistry(BreakerConfig{
		FailureThreshold: 3,
		SuccessThreshold: 1,
		Timeout:          time.Minute,
	})
	exec := NewExecutor(registry)
	policy := fastPolicy(1)

	outcomes := []error{errors.New("boom"), errors.New("boom"), nil, errors.New("boom"), errors.New("boom")}
	for _, outcome := range outcomes {
		attempt := &fakeAttempt{outcome: []error{outcome}}
		_, _ = exec.Run(context.Background(), "issue", policy, attempt.run)
	}

	// 2 failures, success, 2 failures: never 3 consecutive, so still closed.
	if state := registry.Get("issue").State(); state != gobreaker.StateClosed {
		t.Fatalf("expected closed circuit, got %s", state)
	}
}

// TestRun_ShouldOpenCircuitTrigger verifies the policy callback opens the
// circuit independently of the threshold.
func TestRun_ShouldOpenCircuitTrigger(t *testing.T) {
	registry := NewBreakerRegistry(BreakerConfig{
		FailureThreshold: 100, // threshold effectively disabled
		SuccessThreshold: 1,
		Timeout:          time.Minute,
	})
	exec := NewExecutor(registry)

	policy := fastPolicy(1)
	policy.ShouldOpenCircuit = func(err error, attempts int) bool { return true }

	attempt := &fakeAttempt{outcome: []error{errors.New("catastrophic")}}
	_, _ = exec.Run(context.Background(), "issue", policy, attempt.run)

	if state := registry.Get("issue").State(); state != gobreaker.StateOpen {
		t.Fatalf("expected policy trigger to open the circuit, got %s", state)
	}

	rejected := &fakeAttempt{outcome: []error{nil}}
	result, _ := exec.Run(context.Background(), "issue", policy, rejected.run)
	if !result.CircuitBreakerTriggered {
		t.Error("expected rejection after policy-triggered open")
	}
}

// TestRun_HalfOpenRecovery verifies open -> half-open -> closed on a
// successful trial attempt after the breaker timeout.
func TestRun_HalfOpenRecovery(t *testing.T) {
	registry := NewBreakerRegistry(BreakerConfig{
		FailureThreshold: 1,
		SuccessThreshold: 1,
		Timeout:          50 * time.Millisecond,
	})
	exec := NewExecutor(registry)
	policy := fastPolicy(1)

	failing := &fakeAttempt{outcome: []error{errors.New("boom")}}
	_, _ = exec.Run(context.Background(), "issue", policy, failing.run)
	if state := registry.Get("issue").State(); state != gobreaker.StateOpen {
		t.Fatalf("expected open circuit, got %s", state)
	}

	time.Sleep(80 * time.Millisecond)

	trial := &fakeAttempt{outcome: []error{nil}}
	result, err := exec.Run(context.Background(), "issue", policy, trial.run)
	if err != nil || !result.Success {
		t.Fatalf("trial attempt should succeed: %v", err)
	}
	if state := registry.Get("issue").State(); state != gobreaker.StateClosed {
		t.Fatalf("expected closed circuit after successful trial, got %s", state)
	}
}

// TestRun_ContextCancelled verifies cancellation stops the retry loop.
func TestRun_ContextCancelled(t *testing.T) {
	exec := NewExecutor(NewBreakerRegistry(DefaultBreakerConfig()))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	attempt := &fakeAttempt{outcome: []error{nil}}
	_, err := exec.Run(ctx, "issue", fastPolicy(3), attempt.run)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if attempt.callCount() != 0 {
		t.Errorf("attempt must not run after cancellation, got %d calls", attempt.callCount())
	}
}

// TestBreakerMetrics verifies request counters and timestamps.
func TestBreakerMetrics(t *testing.T) {
	registry := NewBreakerRegistry(DefaultBreakerConfig())
	exec := NewExecutor(registry)
	policy := fastPolicy(1)

	_, _ = exec.Run(context.Background(), "issue", policy, (&fakeAttempt{outcome: []error{nil}}).run)
	_, _ = exec.Run(context.Background(), "issue", policy, (&fakeAttempt{outcome: []error{errors.New("boom")}}).run)

	m := registry.Get("issue").Metrics()
	if m.TotalRequests != 2 {
		t.Errorf("expected 2 total requests, got %d", m.TotalRequests)
	}
	if m.SuccessfulRequests != 1 || m.FailedRequests != 1 {
		t.Errorf("expected 1 success and 1 failure, got %d/%d", m.SuccessfulRequests, m.FailedRequests)
	}
	if m.LastSuccessTime.IsZero() || m.LastFailureTime.IsZero() {
		t.Error("expected both timestamps to be recorded")
	}
}

// TestBreakerMetrics_CountsRejections verifies that requests turned away by
// an open circuit still count toward the request total without touching the
// success or failure counters.
func TestBreakerMetrics_CountsRejections(t *testing.T) {
	registry := NewBreakerRegistry(BreakerConfig{
		FailureThreshold: 1,
		SuccessThreshold: 1,
		Timeout:          time.Minute,
	})
	b := registry.Get("issue")

	if err := b.Execute(func() error { return errors.New("boom") }); err == nil {
		t.Fatal("expected failure to propagate")
	}
	if err := b.Execute(func() error { return nil }); err != gobreaker.ErrOpenState {
		t.Fatalf("expected open-circuit rejection, got %v", err)
	}

	m := b.Metrics()
	if m.TotalRequests != 2 {
		t.Errorf("expected 2 total requests including the rejection, got %d", m.TotalRequests)
	}
	if m.RejectedRequests != 1 {
		t.Errorf("expected 1 rejected request, got %d", m.RejectedRequests)
	}
	if m.FailedRequests != 1 || m.SuccessfulRequests != 0 {
		t.Errorf("rejection must not touch failure/success counters, got %d/%d",
			m.FailedRequests, m.SuccessfulRequests)
	}
}
