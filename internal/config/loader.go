package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Load reads and merges configuration from global and project paths.
// Order of precedence (highest to lowest): project config, global config, defaults.
// Missing files are not errors; malformed JSON returns an error.
func Load(globalPath, projectPath string) (*Config, error) {
	cfg := DefaultConfig()

	if globalPath != "" {
		if err := mergeConfigFile(cfg, globalPath); err != nil {
			return nil, fmt.Errorf("loading global config: %w", err)
		}
	}

	if projectPath != "" {
		if err := mergeConfigFile(cfg, projectPath); err != nil {
			return nil, fmt.Errorf("loading project config: %w", err)
		}
	}

	return cfg, nil
}

// LoadDefault loads configuration from conventional paths.
// Global: ~/.agentexec/config.json
// Project: .agentexec/config.json (relative to cwd)
func LoadDefault() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting home directory: %w", err)
	}

	globalPath := filepath.Join(homeDir, ".agentexec", "config.json")
	projectPath := filepath.Join(".agentexec", "config.json")

	return Load(globalPath, projectPath)
}

// mergeConfigFile reads a JSON config file and merges it into the base config.
// Missing files are silently skipped. Malformed JSON returns an error.
func mergeConfigFile(base *Config, path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil // Missing file is not an error
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	var loaded Config
	if err := json.Unmarshal(data, &loaded); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	if loaded.DBPath != "" {
		base.DBPath = loaded.DBPath
	}

	// Agent entries merge per kind; a file only overrides the kinds it names.
	for kind, agent := range loaded.Agents {
		base.Agents[kind] = agent
	}

	mergePool(&base.Pool, loaded.Pool)
	if loaded.Scheduler.MaxConcurrent > 0 {
		base.Scheduler.MaxConcurrent = loaded.Scheduler.MaxConcurrent
	}
	mergeRetry(&base.Retry, loaded.Retry)
	mergeBreaker(&base.Breaker, loaded.Breaker)

	return nil
}

// mergePool overrides only the fields the loaded file actually set.
func mergePool(base *PoolConfig, loaded PoolConfig) {
	if loaded.MaxWorkers > 0 {
		base.MaxWorkers = loaded.MaxWorkers
	}
	if loaded.MemoryLimitMB > 0 {
		base.MemoryLimitMB = loaded.MemoryLimitMB
	}
	if loaded.CancelGraceSeconds > 0 {
		base.CancelGraceSeconds = loaded.CancelGraceSeconds
	}
	if loaded.WorkerBinary != "" {
		base.WorkerBinary = loaded.WorkerBinary
	}
}

func mergeRetry(base *RetryConfig, loaded RetryConfig) {
	if loaded.MaxAttempts > 0 {
		base.MaxAttempts = loaded.MaxAttempts
	}
	if loaded.BackoffType != "" {
		base.BackoffType = loaded.BackoffType
	}
	if loaded.BaseDelayMs > 0 {
		base.BaseDelayMs = loaded.BaseDelayMs
	}
	if loaded.MaxDelayMs > 0 {
		base.MaxDelayMs = loaded.MaxDelayMs
	}
	if loaded.Jitter {
		base.Jitter = true
	}
	if loaded.RetryableErrors != nil {
		base.RetryableErrors = loaded.RetryableErrors
	}
	if loaded.RetryableExitCodes != nil {
		base.RetryableExitCodes = loaded.RetryableExitCodes
	}
}

func mergeBreaker(base *BreakerConfig, loaded BreakerConfig) {
	if loaded.FailureThreshold > 0 {
		base.FailureThreshold = loaded.FailureThreshold
	}
	if loaded.SuccessThreshold > 0 {
		base.SuccessThreshold = loaded.SuccessThreshold
	}
	if loaded.TimeoutSeconds > 0 {
		base.TimeoutSeconds = loaded.TimeoutSeconds
	}
}
