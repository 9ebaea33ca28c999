package resilience

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
)

// Attempt records one retry iteration.
type Attempt struct {
	Number      int // 1-indexed
	StartedAt   time.Time
	CompletedAt time.Time
	Duration    time.Duration
	Success     bool
	Err         error
	ExitCode    *int
	WillRetry   bool
	NextRetryAt time.Time
}

// Result aggregates the full attempt trail of one resilient execution,
// letting callers distinguish "succeeded on attempt 3" from "failed fast
// because the circuit was open".
type Result struct {
	Attempts                []Attempt
	TotalAttempts           int
	Success                 bool
	FailureReason           string
	CircuitBreakerTriggered bool
}

// FinalAttempt returns the last recorded attempt, or nil if the execution
// was rejected before any attempt ran.
func (r *Result) FinalAttempt() *Attempt {
	if len(r.Attempts) == 0 {
		return nil
	}
	return &r.Attempts[len(r.Attempts)-1]
}

// IsCircuitOpen reports whether err is an open-circuit rejection.
func IsCircuitOpen(err error) bool {
	return err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests
}

// Executor wraps attempt functions with retry, backoff, and per-task-kind
// circuit breaking.
type Executor struct {
	breakers *BreakerRegistry
}

// NewExecutor creates an executor drawing breakers from the given registry.
func NewExecutor(breakers *BreakerRegistry) *Executor {
	if breakers == nil {
		breakers = NewBreakerRegistry(DefaultBreakerConfig())
	}
	return &Executor{breakers: breakers}
}

// Breakers exposes the underlying registry for metric inspection.
func (e *Executor) Breakers() *BreakerRegistry { return e.breakers }

// Run executes attempt under the given policy, consulting the circuit
// breaker keyed by kind before every attempt. It always returns a Result
// carrying the complete attempt trail; the error is the final failure, or
// nil on success.
func (e *Executor) Run(ctx context.Context, kind string, policy RetryPolicy, attempt func(ctx context.Context) error) (*Result, error) {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}

	result := &Result{}
	br := e.breakers.Get(kind)
	delays := policy.Backoff.NewBackOff()

	var lastErr error
	for number := 1; number <= policy.MaxAttempts; number++ {
		if err := ctx.Err(); err != nil {
			result.FailureReason = err.Error()
			return result, err
		}

		rec := Attempt{Number: number, StartedAt: time.Now()}

		err := br.Execute(func() error {
			aerr := attempt(ctx)
			if aerr != nil && policy.ShouldOpenCircuit != nil && policy.ShouldOpenCircuit(aerr, number) {
				// Either trigger opens the circuit; first one wins.
				br.RequestTrip()
			}
			return aerr
		})

		if IsCircuitOpen(err) {
			// Rejected before the attempt started: no process was spawned.
			result.CircuitBreakerTriggered = true
			result.FailureReason = err.Error()
			return result, err
		}

		rec.CompletedAt = time.Now()
		rec.Duration = rec.CompletedAt.Sub(rec.StartedAt)
		rec.Err = err
		if code, ok := exitCodeOf(err); ok {
			c := code
			rec.ExitCode = &c
		}

		if err == nil {
			rec.Success = true
			result.Attempts = append(result.Attempts, rec)
			result.TotalAttempts = number
			result.Success = true
			return result, nil
		}

		lastErr = err
		retryable := number < policy.MaxAttempts && policy.Retryable(err)
		if retryable {
			delay := delays.NextBackOff()
			if delay == backoff.Stop {
				retryable = false
			} else {
				rec.WillRetry = true
				rec.NextRetryAt = rec.CompletedAt.Add(delay)
				result.Attempts = append(result.Attempts, rec)
				result.TotalAttempts = number

				select {
				case <-time.After(delay):
				case <-ctx.Done():
					result.FailureReason = ctx.Err().Error()
					return result, ctx.Err()
				}
				continue
			}
		}

		result.Attempts = append(result.Attempts, rec)
		result.TotalAttempts = number
		break
	}

	if lastErr != nil {
		result.FailureReason = lastErr.Error()
	}
	return result, lastErr
}
