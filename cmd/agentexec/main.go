package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/agentexec/agentexec/internal/config"
	"github.com/agentexec/agentexec/internal/events"
	"github.com/agentexec/agentexec/internal/pool"
	"github.com/agentexec/agentexec/internal/sched"
	"github.com/agentexec/agentexec/internal/store"
)

// taskSpec is one entry of the submitted task file.
type taskSpec struct {
	ID           string   `json:"id"`
	Kind         string   `json:"kind"`
	Prompt       string   `json:"prompt"`
	Priority     int      `json:"priority,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
}

func main() {
	var (
		tasksPath = flag.String("tasks", "", "path to a JSON task file to run")
		repoPath  = flag.String("repo", ".", "repository the agents work in")
		projectID = flag.String("project", "default", "project id recorded with each execution")
		dbPath    = flag.String("db", "", "database path (default from config, else ~/.agentexec/agentexec.db)")
	)
	flag.Parse()

	if *tasksPath == "" {
		fmt.Fprintln(os.Stderr, "Usage: agentexec -tasks tasks.json [-repo dir] [-project id] [-db path]")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadDefault()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	db := *dbPath
	if db == "" {
		db = cfg.DBPath
	}
	if db == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error getting home directory: %v\n", err)
			os.Exit(1)
		}
		db = filepath.Join(homeDir, ".agentexec", "agentexec.db")
	}

	tasks, err := loadTasks(*tasksPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading tasks: %v\n", err)
		os.Exit(1)
	}

	if err := run(ctx, cfg, tasks, *repoPath, *projectID, db); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, tasks []*sched.Task, repoPath, projectID, dbPath string) error {
	records, err := store.NewSQLiteStore(ctx, dbPath)
	if err != nil {
		return err
	}
	defer records.Close()

	bus := events.NewEventBus()
	defer bus.Close()
	go streamEvents(bus)

	workers, err := pool.NewPool(pool.Config{
		MaxWorkers:           cfg.Pool.MaxWorkers,
		WorkerBinary:         cfg.Pool.WorkerBinary,
		DefaultMemoryLimitMB: cfg.Pool.MemoryLimitMB,
		CancelGrace:          time.Duration(cfg.Pool.CancelGraceSeconds) * time.Second,
		Bus:                  bus,
	})
	if err != nil {
		return err
	}

	runner := newPoolRunner(workers, records, repoPath, projectID, dbPath)
	engine, err := sched.NewEngine(sched.Config{
		MaxConcurrent: cfg.Scheduler.MaxConcurrent,
		Runner:        runner,
	})
	if err != nil {
		return err
	}

	remaining := len(tasks)
	var failed atomic.Int64
	doneCh := make(chan struct{}, len(tasks))
	engine.OnComplete(func(taskID, result string) {
		log.Printf("task %s completed", taskID)
		doneCh <- struct{}{}
	})
	engine.OnFailed(func(taskID string, err error) {
		log.Printf("ERROR: task %s failed: %v", taskID, err)
		failed.Add(1)
		doneCh <- struct{}{}
	})

	if err := engine.SubmitAll(tasks); err != nil {
		return err
	}

	for remaining > 0 {
		select {
		case <-doneCh:
			remaining--
		case <-ctx.Done():
			log.Println("Shutdown signal received, cleaning up...")
			if err := engine.Shutdown(); err != nil {
				log.Printf("ERROR: engine shutdown: %v", err)
			}
			if err := workers.Shutdown(); err != nil {
				log.Printf("ERROR: pool shutdown: %v", err)
			}
			return ctx.Err()
		}
	}

	if err := engine.Shutdown(); err != nil {
		return err
	}
	if err := workers.Shutdown(); err != nil {
		return err
	}
	if n := failed.Load(); n > 0 {
		return fmt.Errorf("%d of %d tasks failed", n, len(tasks))
	}
	log.Println("All tasks finished")
	return nil
}

// newPoolRunner bridges the scheduling engine to the worker pool: each
// dispatched task becomes one persisted execution in its own worker
// process, and the task's outcome is read back from the store after the
// worker exits.
func newPoolRunner(workers *pool.Pool, records store.Store, repoPath, projectID, dbPath string) sched.Runner {
	return func(ctx context.Context, task *sched.Task) (string, error) {
		execution := &store.Execution{
			ID:        task.ID,
			ProjectID: projectID,
			Kind:      task.Kind,
			Prompt:    task.Prompt,
			RepoPath:  repoPath,
		}
		if err := records.SaveExecution(ctx, execution); err != nil {
			return "", err
		}

		workerID, err := workers.StartExecution(ctx, pool.Execution{
			ID:        task.ID,
			ProjectID: projectID,
		}, repoPath, dbPath)
		if err != nil {
			return "", err
		}

		select {
		case <-workers.WaitWorker(workerID):
		case <-ctx.Done():
			if err := workers.CancelExecution(task.ID); err == nil {
				<-workers.WaitWorker(workerID)
			}
			return "", ctx.Err()
		}

		final, err := records.GetExecution(context.Background(), task.ID)
		if err != nil {
			return "", err
		}
		switch final.Status {
		case store.StatusCompleted:
			return final.Result, nil
		case store.StatusCancelled:
			return "", fmt.Errorf("execution was cancelled")
		default:
			if final.Error != "" {
				return "", fmt.Errorf("execution %s: %s", final.Status, final.Error)
			}
			return "", fmt.Errorf("execution %s", final.Status)
		}
	}
}

// streamEvents logs every bus event so an operator can follow progress.
func streamEvents(bus *events.EventBus) {
	for event := range bus.SubscribeAll(256) {
		switch e := event.(type) {
		case events.ExecutionStartedEvent:
			log.Printf("execution %s: worker %s started (pid %d)", e.ID, e.WorkerID, e.PID)
		case events.ExecutionLogEvent:
			log.Printf("execution %s: [%s] %s", e.ID, e.Level, e.Message)
		case events.ExecutionStatusEvent:
			log.Printf("execution %s: status %s", e.ID, e.Status)
		case events.ExecutionCompletedEvent:
			log.Printf("execution %s: completed in %s", e.ID, e.Duration.Round(time.Millisecond))
		case events.ExecutionFailedEvent:
			log.Printf("WARNING: execution %s: failed: %s", e.ID, e.Reason)
		case events.ExecutionCrashedEvent:
			log.Printf("ERROR: execution %s: crashed: %s", e.ID, e.Reason)
		case events.PoolCapacityEvent:
			log.Printf("pool: %d/%d workers active", e.ActiveWorkers, e.MaxWorkers)
		}
	}
}

// loadTasks parses the submitted task file.
func loadTasks(path string) ([]*sched.Task, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	var specs []taskSpec
	if err := json.Unmarshal(data, &specs); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if len(specs) == 0 {
		return nil, fmt.Errorf("%s contains no tasks", path)
	}

	tasks := make([]*sched.Task, 0, len(specs))
	for i, spec := range specs {
		if spec.ID == "" {
			return nil, fmt.Errorf("task %d has no id", i)
		}
		if spec.Prompt == "" {
			return nil, fmt.Errorf("task %q has no prompt", spec.ID)
		}
		kind := spec.Kind
		if kind == "" {
			kind = "custom"
		}
		tasks = append(tasks, &sched.Task{
			ID:           spec.ID,
			Kind:         kind,
			Prompt:       spec.Prompt,
			Priority:     spec.Priority,
			Dependencies: spec.Dependencies,
		})
	}
	return tasks, nil
}
