package config

// AgentConfig defines the agent CLI a worker invokes for one execution
// kind. Multiple kinds can point at the same binary with different args.
type AgentConfig struct {
	Command        string   `json:"command"`                   // agent binary (e.g., "claude", "codex")
	Args           []string `json:"args,omitempty"`            // default args appended to every invocation
	TimeoutSeconds int      `json:"timeout_seconds,omitempty"` // hard kill deadline per attempt, 0 = none
}

// PoolConfig tunes the worker pool.
type PoolConfig struct {
	MaxWorkers         int    `json:"max_workers,omitempty"`
	MemoryLimitMB      int    `json:"memory_limit_mb,omitempty"`
	CancelGraceSeconds int    `json:"cancel_grace_seconds,omitempty"`
	WorkerBinary       string `json:"worker_binary,omitempty"`
}

// SchedulerConfig tunes the in-process task scheduling engine.
type SchedulerConfig struct {
	MaxConcurrent int `json:"max_concurrent,omitempty"`
}

// RetryConfig declares the retry policy applied to agent attempts.
type RetryConfig struct {
	MaxAttempts        int      `json:"max_attempts,omitempty"`
	BackoffType        string   `json:"backoff_type,omitempty"` // exponential, linear, fixed
	BaseDelayMs        int      `json:"base_delay_ms,omitempty"`
	MaxDelayMs         int      `json:"max_delay_ms,omitempty"`
	Jitter             bool     `json:"jitter,omitempty"`
	RetryableErrors    []string `json:"retryable_errors,omitempty"`
	RetryableExitCodes []int    `json:"retryable_exit_codes,omitempty"`
}

// BreakerConfig declares the per-kind circuit breaker thresholds.
type BreakerConfig struct {
	FailureThreshold int `json:"failure_threshold,omitempty"`
	SuccessThreshold int `json:"success_threshold,omitempty"`
	TimeoutSeconds   int `json:"timeout_seconds,omitempty"`
}

// Config is the top-level configuration.
type Config struct {
	DBPath    string                 `json:"db_path,omitempty"`
	Agents    map[string]AgentConfig `json:"agents"` // keyed by execution kind
	Pool      PoolConfig             `json:"pool"`
	Scheduler SchedulerConfig        `json:"scheduler"`
	Retry     RetryConfig            `json:"retry"`
	Breaker   BreakerConfig          `json:"breaker"`
}
