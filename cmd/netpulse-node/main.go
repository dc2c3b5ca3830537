// Command netpulse-node runs a NodeSupervisor daemon: one process per host,
// owning that host's slice of pinned-worker capacity. It loads config,
// wires dependencies, runs internal/supervisor.Supervisor.Run until
// signalled, then shuts down.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/netpulse/netpulse/config"
	"github.com/netpulse/netpulse/internal/supervisor"
	"github.com/netpulse/netpulse/pkg/cluster"
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

	if cfg.Node.ID == "" {
		log.FromContext(ctx).Fatal().Msg("node.id is required (set NODE_ID)")
	}

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

	clusterReg := cluster.New(st, cfg.Worker.NodeTTL, zl)
	jobs := jobstore.New(st, zl)
	workers := workerstore.New(st, zl)
	hooks := webhook.New(zl)

	lockPath := fmt.Sprintf("/tmp/netpulse-node-%s.lock", cfg.Node.ID)
	sup := supervisor.New(supervisor.Config{
		NodeID:              cfg.Node.ID,
		Hostname:            cfg.Node.Hostname,
		Capacity:            cfg.Worker.PinnedPerNode,
		HeartbeatInterval:   cfg.Worker.HeartbeatInterval,
		PollInterval:        cfg.Worker.PollInterval,
		DrainTimeout:        cfg.Worker.DrainTimeout,
		RegistrationTimeout: cfg.Worker.SpawnTimeout,
		LockPath:            lockPath,
	}, registry, st, jobs, workers, clusterReg, hooks, zl)

	runCtx, cancel := context.WithCancel(context.Background())
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		log.FromContext(ctx).Info().Msg("shutting down node supervisor")
		cancel()
	}()

	log.FromContext(ctx).Info().Str("node_id", cfg.Node.ID).Int("capacity", cfg.Worker.PinnedPerNode).Msg("starting netpulse-node")
	if err := sup.Run(runCtx); err != nil {
		log.FromContext(ctx).Fatal().Err(err).Msg("node supervisor exited with error")
	}
	log.FromContext(ctx).Info().Msg("node supervisor stopped")
}
