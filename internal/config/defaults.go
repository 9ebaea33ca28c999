package config

// DefaultConfig returns the default configuration with built-in agents and
// conservative resource limits.
func DefaultConfig() *Config {
	return &Config{
		Agents: map[string]AgentConfig{
			"issue": {
				Command: "claude",
				Args:    []string{"-p", "--output-format", "stream-json"},
			},
			"review": {
				Command: "claude",
				Args:    []string{"-p", "--output-format", "stream-json"},
			},
			"custom": {
				Command: "claude",
				Args:    []string{"-p"},
			},
		},
		Pool: PoolConfig{
			MaxWorkers:         3,
			MemoryLimitMB:      2048,
			CancelGraceSeconds: 5,
			WorkerBinary:       "agentexec-worker",
		},
		Scheduler: SchedulerConfig{
			MaxConcurrent: 4,
		},
		Retry: RetryConfig{
			MaxAttempts: 3,
			BackoffType: "exponential",
			BaseDelayMs: 1000,
			MaxDelayMs:  30000,
			Jitter:      true,
			RetryableErrors: []string{
				"timeout",
				"connection refused",
				"rate limit",
				"overloaded",
			},
			RetryableExitCodes: []int{1},
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 1,
			TimeoutSeconds:   30,
		},
	}
}
