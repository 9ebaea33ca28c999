package resilience

import (
	"errors"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// BackoffType selects how the inter-attempt delay grows.
type BackoffType string

const (
	BackoffExponential BackoffType = "exponential"
	BackoffLinear      BackoffType = "linear"
	BackoffFixed       BackoffType = "fixed"
)

// BackoffConfig configures the inter-attempt delay schedule.
// Exponential: base * 2^(attempt-1). Linear: base * attempt. Fixed: base.
// Every delay is capped at MaxDelay; with Jitter the realized delay is
// perturbed by a uniform ±10% to avoid synchronized retry storms across
// concurrent tasks.
type BackoffConfig struct {
	Type      BackoffType
	BaseDelay time.Duration
	MaxDelay  time.Duration
	Jitter    bool
}

// NewBackOff builds the delay policy for one execution. The returned policy
// is stateful and must not be shared across executions.
func (c BackoffConfig) NewBackOff() backoff.BackOff {
	max := c.MaxDelay
	if max <= 0 {
		max = c.BaseDelay
	}

	switch c.Type {
	case BackoffLinear:
		var bo backoff.BackOff = &linearBackOff{base: c.BaseDelay, max: max}
		if c.Jitter {
			bo = &jitterBackOff{next: bo}
		}
		return bo
	case BackoffFixed:
		interval := c.BaseDelay
		if interval > max {
			interval = max
		}
		var bo backoff.BackOff = backoff.NewConstantBackOff(interval)
		if c.Jitter {
			bo = &jitterBackOff{next: bo}
		}
		return bo
	default:
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = c.BaseDelay
		eb.Multiplier = 2
		eb.MaxInterval = max
		eb.MaxElapsedTime = 0 // attempts, not wall clock, bound the retry loop
		if c.Jitter {
			eb.RandomizationFactor = 0.1
		} else {
			eb.RandomizationFactor = 0
		}
		eb.Reset()
		return eb
	}
}

// linearBackOff grows the delay by one base interval per attempt.
type linearBackOff struct {
	base    time.Duration
	max     time.Duration
	attempt int
}

func (l *linearBackOff) NextBackOff() time.Duration {
	l.attempt++
	d := l.base * time.Duration(l.attempt)
	if d > l.max {
		d = l.max
	}
	return d
}

func (l *linearBackOff) Reset() { l.attempt = 0 }

// jitterBackOff perturbs the underlying delay by a uniform ±10%.
type jitterBackOff struct {
	next backoff.BackOff
}

func (j *jitterBackOff) NextBackOff() time.Duration {
	d := j.next.NextBackOff()
	if d == backoff.Stop {
		return backoff.Stop
	}
	offset := (rand.Float64()*2 - 1) * 0.1 * float64(d)
	return d + time.Duration(offset)
}

func (j *jitterBackOff) Reset() { j.next.Reset() }

// RetryPolicy decides how many attempts a unit of work gets and which
// failures are worth retrying.
type RetryPolicy struct {
	MaxAttempts        int
	Backoff            BackoffConfig
	RetryableErrors    []string // substring matchers against the error text
	RetryableExitCodes []int

	// ShouldOpenCircuit, when set, is an independent circuit trigger
	// evaluated on every failure. Either this or the breaker's own
	// consecutive-failure threshold opens the circuit; the first one wins.
	ShouldOpenCircuit func(err error, attempts int) bool
}

// DefaultRetryPolicy returns the retry policy used when a task kind carries
// no explicit configuration.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Backoff: BackoffConfig{
			Type:      BackoffExponential,
			BaseDelay: time.Second,
			MaxDelay:  30 * time.Second,
			Jitter:    true,
		},
	}
}

// Retryable reports whether the failure matches the policy's retryable
// error substrings or exit codes. Non-matching failures fail immediately
// without consuming remaining attempts.
func (p RetryPolicy) Retryable(err error) bool {
	if err == nil {
		return false
	}

	if code, ok := exitCodeOf(err); ok {
		for _, c := range p.RetryableExitCodes {
			if c == code {
				return true
			}
		}
	}

	msg := err.Error()
	for _, substr := range p.RetryableErrors {
		if substr != "" && strings.Contains(msg, substr) {
			return true
		}
	}
	return false
}

// ExitError carries a subprocess exit code through the retry machinery so
// retryable-exit-code matching can see it.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return "exit code " + strconv.Itoa(e.Code)
}

func (e *ExitError) Unwrap() error { return e.Err }

// ExitCode returns the subprocess exit code.
func (e *ExitError) ExitCode() int { return e.Code }

// exitCodeOf extracts an exit code from any error in the chain that
// exposes one.
func exitCodeOf(err error) (int, bool) {
	var coded interface{ ExitCode() int }
	if errors.As(err, &coded) {
		return coded.ExitCode(), true
	}
	return 0, false
}
