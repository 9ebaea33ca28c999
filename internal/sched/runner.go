package sched

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"syscall"

	"github.com/agentexec/agentexec/internal/procman"
)

// ConfigBuilder maps a task to the spawn parameters of the process that
// executes it.
type ConfigBuilder func(task *Task) procman.Config

// NewProcessRunner returns a Runner that executes each task as one managed
// process, collecting its stdout as the task result. Cancellation
// terminates the process.
func NewProcessRunner(m procman.Manager, build ConfigBuilder) Runner {
	return func(ctx context.Context, task *Task) (string, error) {
		cfg := build(task)
		if cfg.WorkDir == "" {
			cfg.WorkDir = task.WorkDir
		}

		proc, err := m.Acquire(ctx, cfg)
		if err != nil {
			return "", err
		}

		var mu sync.Mutex
		var out strings.Builder
		if err := m.OnOutput(proc.ID, func(data []byte, stream procman.Stream) {
			if stream != procman.StreamStdout {
				return
			}
			mu.Lock()
			out.Write(data)
			out.WriteByte('\n')
			mu.Unlock()
		}); err != nil {
			_ = m.Terminate(proc.ID, syscall.SIGKILL)
			return "", err
		}

		if len(task.Prompt) > 0 {
			if err := m.SendInput(proc.ID, append([]byte(task.Prompt), '\n')); err != nil {
				_ = m.Terminate(proc.ID, syscall.SIGKILL)
				return "", err
			}
		}
		_ = m.CloseInput(proc.ID)

		select {
		case <-m.Wait(proc.ID):
		case <-ctx.Done():
			_ = m.Terminate(proc.ID, syscall.SIGTERM)
			return "", ctx.Err()
		}

		snap, ok := m.Get(proc.ID)
		if !ok {
			return "", fmt.Errorf("process for task %q disappeared", task.ID)
		}

		mu.Lock()
		result := out.String()
		mu.Unlock()

		switch {
		case snap.Status == procman.StatusCrashed:
			if snap.Signal != "" {
				return result, fmt.Errorf("task process crashed with signal %s", snap.Signal)
			}
			return result, fmt.Errorf("task process crashed")
		case snap.ExitCode != nil && *snap.ExitCode != 0:
			return result, fmt.Errorf("task process exited with code %d", *snap.ExitCode)
		default:
			return result, nil
		}
	}
}
