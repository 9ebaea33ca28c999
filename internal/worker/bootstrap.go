package worker

import (
	"fmt"
	"os"
	"runtime/debug"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/agentexec/agentexec/internal/pool"
)

// Bootstrap is the worker's full identity and configuration, read
// exclusively from the environment the pool set up.
type Bootstrap struct {
	ExecutionID   string
	ProjectID     string
	RepoPath      string
	DBPath        string
	WorkerID      string
	MemoryLimitMB int
}

// BootstrapFromEnv reads the bootstrap environment. ExecutionID and DBPath
// are required; everything else is optional.
func BootstrapFromEnv() (Bootstrap, error) {
	b := Bootstrap{
		ExecutionID: os.Getenv(pool.EnvExecutionID),
		ProjectID:   os.Getenv(pool.EnvProjectID),
		RepoPath:    os.Getenv(pool.EnvRepoPath),
		DBPath:      os.Getenv(pool.EnvDBPath),
		WorkerID:    os.Getenv(pool.EnvWorkerID),
	}

	var missing []string
	if b.ExecutionID == "" {
		missing = append(missing, pool.EnvExecutionID)
	}
	if b.DBPath == "" {
		missing = append(missing, pool.EnvDBPath)
	}
	if len(missing) > 0 {
		return Bootstrap{}, fmt.Errorf("missing bootstrap environment: %s", strings.Join(missing, ", "))
	}

	if raw := os.Getenv(pool.EnvMemoryLimitMB); raw != "" {
		mb, err := strconv.Atoi(raw)
		if err != nil {
			return Bootstrap{}, fmt.Errorf("invalid %s value %q: %w", pool.EnvMemoryLimitMB, raw, err)
		}
		b.MemoryLimitMB = mb
	}

	return b, nil
}

// ApplyMemoryCeiling imposes the pool-assigned memory ceiling on this
// process: a soft limit for the Go runtime and a hard address-space limit
// the kernel enforces. An exceeded hard limit kills the worker, which the
// pool classifies as a crash.
func (b Bootstrap) ApplyMemoryCeiling() error {
	if b.MemoryLimitMB <= 0 {
		return nil
	}
	limitBytes := int64(b.MemoryLimitMB) << 20

	debug.SetMemoryLimit(limitBytes)

	rlim := unix.Rlimit{Cur: uint64(limitBytes), Max: uint64(limitBytes)}
	if err := unix.Setrlimit(unix.RLIMIT_AS, &rlim); err != nil {
		return fmt.Errorf("setting address space limit: %w", err)
	}
	return nil
}
