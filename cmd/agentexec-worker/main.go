package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/agentexec/agentexec/internal/config"
	"github.com/agentexec/agentexec/internal/store"
	"github.com/agentexec/agentexec/internal/worker"
)

// The worker runs exactly one execution and exits. Exit code 0 means the
// execution completed or was cancelled on request; exit code 1 is an
// application-level failure the pool treats as expected.
func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "worker: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	boot, err := worker.BootstrapFromEnv()
	if err != nil {
		return err
	}
	if err := boot.ApplyMemoryCeiling(); err != nil {
		return err
	}

	cfg, err := config.LoadDefault()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	records, err := store.NewSQLiteStore(ctx, boot.DBPath)
	if err != nil {
		return err
	}
	defer records.Close()

	rt := worker.NewRuntime(boot, cfg, records, os.Stdin, os.Stdout)
	return rt.Run(ctx)
}
