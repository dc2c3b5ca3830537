// Command netpulse-fifo-worker runs a standalone FifoWorker process: a
// stateless job consumer with no owning NodeSupervisor, draining the
// shared fifo queue via internal/fifoworker.Worker.Run.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/netpulse/netpulse/config"
	"github.com/netpulse/netpulse/internal/fifoworker"
	"github.com/netpulse/netpulse/pkg/driver"
	"github.com/netpulse/netpulse/pkg/driver/drivers"
	"github.com/netpulse/netpulse/pkg/jobstore"
	"github.com/netpulse/netpulse/pkg/logger"
	"github.com/netpulse/netpulse/pkg/metrics"
	"github.com/netpulse/netpulse/pkg/store"
	"github.com/netpulse/netpulse/pkg/webhook"
	"github.com/netpulse/netpulse/pkg/workerstore"
)

func main() {
	cfg := config.Load()

	loggerConfig := &logger.Config{
		Level: cfg.Logging.Level, Format: cfg.Logging.Format, Output: cfg.Logging.Output,
		Filename: cfg.Logging.Filename, TimeFormat: cfg.Logging.TimeFormat,
	}
	if err := logger.Init(loggerConfig); err != nil {
		fmt.Printf("failed to initialize structured logger: %v, using default\n", err)
	}
	log := logger.Get()
	ctx := logger.WithCorrelationID(context.Background())

	if cfg.Metrics.Enabled {
		metrics.Init(cfg.Metrics.Namespace, cfg.Metrics.Subsystem)
	}

	st, err := store.New(&cfg.Store)
	if err != nil {
		log.FromContext(ctx).Fatal().Err(err).Msg("failed to connect to shared store")
	}
	defer st.Close()

	zl := *log.Logger
	registry := driver.NewRegistry()
	registry.Register("ssh_generic", drivers.NewSSHGeneric())
	registry.Register("mock", drivers.NewMock())

	jobs := jobstore.New(st, zl)
	workers := workerstore.New(st, zl)
	hooks := webhook.New(zl)

	name := fmt.Sprintf("fifo-%s-%s", cfg.Node.Hostname, uuid.New().String())
	lockPath := fmt.Sprintf("/tmp/netpulse-fifo-%s.lock", cfg.Node.Hostname)
	worker := fifoworker.New(fifoworker.Config{
		Name:         name,
		NodeID:       cfg.Node.ID,
		Hostname:     cfg.Node.Hostname,
		Concurrency:  cfg.Worker.MaxFifoWorkers,
		PollInterval: cfg.Worker.PollInterval,
		LockPath:     lockPath,
	}, registry, st, jobs, workers, hooks, zl)

	runCtx, cancel := context.WithCancel(context.Background())
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		log.FromContext(ctx).Info().Msg("shutting down fifo worker")
		cancel()
	}()

	log.FromContext(ctx).Info().Str("name", name).Msg("starting netpulse-fifo-worker")
	if err := worker.Run(runCtx); err != nil {
		log.FromContext(ctx).Fatal().Err(err).Msg("fifo worker exited with error")
	}
	log.FromContext(ctx).Info().Msg("fifo worker stopped")
}
