package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/agentexec/agentexec/internal/config"
	"github.com/agentexec/agentexec/internal/pool"
	"github.com/agentexec/agentexec/internal/procman"
	"github.com/agentexec/agentexec/internal/resilience"
	"github.com/agentexec/agentexec/internal/store"
)

// ErrCancelled reports that the parent requested a stop before the agent
// finished. The runtime exits cleanly in that case.
var ErrCancelled = errors.New("execution cancelled")

// CompletionPayload is the final result the runtime reports over IPC.
type CompletionPayload struct {
	ExecutionID string `json:"executionId"`
	Attempts    int    `json:"attempts"`
	Output      string `json:"output"`
	DurationMs  int64  `json:"durationMs"`
}

// Runtime is the worker-side half of the pool protocol. It owns its own
// database connection and process manager; the only links to the parent are
// stdin and stdout.
type Runtime struct {
	boot    Bootstrap
	cfg     *config.Config
	records store.Store
	manager procman.Manager

	mu  sync.Mutex // serializes IPC writes
	out io.Writer
	in  io.Reader

	lastOutput string // stdout of the most recent attempt
}

// NewRuntime wires a runtime from its bootstrap identity. in and out are
// the parent-facing IPC channel, normally os.Stdin and os.Stdout.
func NewRuntime(boot Bootstrap, cfg *config.Config, records store.Store, in io.Reader, out io.Writer) *Runtime {
	return &Runtime{
		boot:    boot,
		cfg:     cfg,
		records: records,
		manager: procman.NewStructuredManager(),
		in:      in,
		out:     out,
	}
}

// Run executes the worker's single execution end to end: load the record,
// run the agent under the retry policy, persist the attempt trail, and
// report the outcome. A nil return means the parent sees exit code 0; any
// error means exit code 1.
func (r *Runtime) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer r.manager.Shutdown()

	go r.watchCancel(cancel)

	r.send(pool.WorkerMessage{Type: pool.MsgReady, ExecutionID: r.boot.ExecutionID})

	execution, err := r.records.GetExecution(ctx, r.boot.ExecutionID)
	if err != nil {
		r.reportError(fmt.Sprintf("loading execution: %v", err), true)
		return err
	}

	agentCfg, ok := r.cfg.Agents[execution.Kind]
	if !ok {
		err := fmt.Errorf("no agent configured for kind %q", execution.Kind)
		r.reportError(err.Error(), true)
		return err
	}

	r.setStatus(execution.ID, store.StatusRunning, "", "")
	r.sendStatus("running")

	start := time.Now()
	result, runErr := r.runAgent(ctx, execution, agentCfg)
	r.persistAttempts(execution.ID, result)

	if ctx.Err() != nil {
		r.setStatus(execution.ID, store.StatusCancelled, "", ErrCancelled.Error())
		r.sendStatus("cancelled")
		return nil
	}

	if runErr != nil {
		reason := runErr.Error()
		if result != nil && result.FailureReason != "" {
			reason = result.FailureReason
		}
		r.setStatus(execution.ID, store.StatusFailed, "", reason)
		r.reportError(reason, result != nil && result.CircuitBreakerTriggered)
		return runErr
	}

	attempts := 0
	if result != nil {
		attempts = result.TotalAttempts
	}
	output := r.lastOutput
	payload, _ := json.Marshal(CompletionPayload{
		ExecutionID: execution.ID,
		Attempts:    attempts,
		Output:      output,
		DurationMs:  time.Since(start).Milliseconds(),
	})
	r.setStatus(execution.ID, store.StatusCompleted, output, "")
	r.send(pool.WorkerMessage{Type: pool.MsgComplete, ExecutionID: execution.ID, Result: payload})
	return nil
}

// runAgent drives the agent process under the configured retry policy.
func (r *Runtime) runAgent(ctx context.Context, execution *store.Execution, agentCfg config.AgentConfig) (*resilience.Result, error) {
	policy := retryPolicyFromConfig(r.cfg.Retry)
	registry := resilience.NewBreakerRegistry(breakerConfigFromConfig(r.cfg.Breaker))
	executor := resilience.NewExecutor(registry)

	return executor.Run(ctx, execution.Kind, policy, func(ctx context.Context) error {
		return r.runAttempt(ctx, execution, agentCfg)
	})
}

// runAttempt spawns one agent process, feeds it the prompt, and streams its
// output to the parent as it arrives.
func (r *Runtime) runAttempt(ctx context.Context, execution *store.Execution, agentCfg config.AgentConfig) error {
	cfg := procman.Config{
		ExecutablePath: agentCfg.Command,
		Args:           agentCfg.Args,
		WorkDir:        r.boot.RepoPath,
		Mode:           procman.ModeStructured,
	}
	if agentCfg.TimeoutSeconds > 0 {
		cfg.Timeout = time.Duration(agentCfg.TimeoutSeconds) * time.Second
	}

	proc, err := r.manager.Acquire(ctx, cfg)
	if err != nil {
		return err
	}

	var outMu sync.Mutex
	var output strings.Builder
	if err := r.manager.OnOutput(proc.ID, func(data []byte, stream procman.Stream) {
		line := string(data)
		if stream == procman.StreamStderr {
			r.send(pool.WorkerMessage{Type: pool.MsgLog, ExecutionID: execution.ID, Level: "error", Message: line})
			return
		}
		outMu.Lock()
		output.WriteString(line)
		output.WriteByte('\n')
		outMu.Unlock()
		r.forwardLine(execution.ID, line)
	}); err != nil {
		return err
	}

	if err := r.manager.SendInput(proc.ID, append([]byte(execution.Prompt), '\n')); err != nil {
		return err
	}
	_ = r.manager.CloseInput(proc.ID)

	select {
	case <-r.manager.Wait(proc.ID):
	case <-ctx.Done():
		_ = r.manager.Terminate(proc.ID, syscall.SIGTERM)
		return ctx.Err()
	}

	snap, ok := r.manager.Get(proc.ID)
	if !ok {
		return fmt.Errorf("agent process disappeared")
	}

	outMu.Lock()
	r.lastOutput = output.String()
	outMu.Unlock()

	switch {
	case snap.Status == procman.StatusCrashed && snap.Signal != "":
		return fmt.Errorf("agent crashed with signal %s", snap.Signal)
	case snap.ExitCode != nil && *snap.ExitCode != 0:
		return &resilience.ExitError{
			Code: *snap.ExitCode,
			Err:  fmt.Errorf("agent exited with code %d", *snap.ExitCode),
		}
	case snap.Status == procman.StatusCrashed:
		return fmt.Errorf("agent crashed")
	default:
		return nil
	}
}

// forwardLine relays one agent stdout line to the parent. Lines that are
// JSON objects pass through verbatim as agent-protocol events; everything
// else becomes a log line.
func (r *Runtime) forwardLine(executionID, line string) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return
	}
	if strings.HasPrefix(trimmed, "{") && json.Valid([]byte(trimmed)) {
		r.send(pool.WorkerMessage{Type: pool.MsgEvent, ExecutionID: executionID, Event: json.RawMessage(trimmed)})
		return
	}
	r.send(pool.WorkerMessage{Type: pool.MsgLog, ExecutionID: executionID, Level: "info", Message: trimmed})
}

// watchCancel watches stdin for the parent's cancel message.
func (r *Runtime) watchCancel(cancel context.CancelFunc) {
	scanner := bufio.NewScanner(r.in)
	for scanner.Scan() {
		var msg pool.ParentMessage
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			continue
		}
		if msg.Type == pool.MsgCancel {
			cancel()
			return
		}
	}
}

// persistAttempts writes the attempt trail so the parent can inspect it
// after the worker is gone.
func (r *Runtime) persistAttempts(executionID string, result *resilience.Result) {
	if result == nil {
		return
	}
	for _, a := range result.Attempts {
		errMsg := ""
		if a.Err != nil {
			errMsg = a.Err.Error()
		}
		attempt := &store.Attempt{
			ExecutionID: executionID,
			Number:      a.Number,
			Success:     a.Success,
			ExitCode:    a.ExitCode,
			Error:       errMsg,
			StartedAt:   a.StartedAt,
			CompletedAt: a.CompletedAt,
		}
		if err := r.records.SaveAttempt(context.Background(), attempt); err != nil {
			r.send(pool.WorkerMessage{
				Type: pool.MsgLog, ExecutionID: executionID,
				Level: "warn", Message: fmt.Sprintf("saving attempt %d: %v", a.Number, err),
			})
		}
	}
}

// setStatus persists a status transition. Runs on a fresh context so the
// terminal states survive a cancelled run context.
func (r *Runtime) setStatus(executionID, status, result, errMsg string) {
	if err := r.records.UpdateExecutionStatus(context.Background(), executionID, status, result, errMsg); err != nil {
		r.send(pool.WorkerMessage{
			Type: pool.MsgLog, ExecutionID: executionID,
			Level: "warn", Message: fmt.Sprintf("updating status: %v", err),
		})
	}
}

func (r *Runtime) sendStatus(status string) {
	r.send(pool.WorkerMessage{Type: pool.MsgStatus, ExecutionID: r.boot.ExecutionID, Status: status})
}

func (r *Runtime) reportError(message string, fatal bool) {
	r.send(pool.WorkerMessage{Type: pool.MsgError, ExecutionID: r.boot.ExecutionID, Message: message, Fatal: fatal})
}

func (r *Runtime) send(msg pool.WorkerMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_ = pool.WriteMessage(r.out, msg)
}

// retryPolicyFromConfig maps the file-level retry settings onto a policy.
func retryPolicyFromConfig(cfg config.RetryConfig) resilience.RetryPolicy {
	policy := resilience.DefaultRetryPolicy()
	if cfg.MaxAttempts > 0 {
		policy.MaxAttempts = cfg.MaxAttempts
	}
	if cfg.BackoffType != "" {
		policy.Backoff.Type = resilience.BackoffType(cfg.BackoffType)
	}
	if cfg.BaseDelayMs > 0 {
		policy.Backoff.BaseDelay = time.Duration(cfg.BaseDelayMs) * time.Millisecond
	}
	if cfg.MaxDelayMs > 0 {
		policy.Backoff.MaxDelay = time.Duration(cfg.MaxDelayMs) * time.Millisecond
	}
	policy.Backoff.Jitter = cfg.Jitter
	if cfg.RetryableErrors != nil {
		policy.RetryableErrors = cfg.RetryableErrors
	}
	if cfg.RetryableExitCodes != nil {
		policy.RetryableExitCodes = cfg.RetryableExitCodes
	}
	return policy
}

func breakerConfigFromConfig(cfg config.BreakerConfig) resilience.BreakerConfig {
	breaker := resilience.DefaultBreakerConfig()
	if cfg.FailureThreshold > 0 {
		breaker.FailureThreshold = uint32(cfg.FailureThreshold)
	}
	if cfg.SuccessThreshold > 0 {
		breaker.SuccessThreshold = uint32(cfg.SuccessThreshold)
	}
	if cfg.TimeoutSeconds > 0 {
		breaker.Timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	return breaker
}
