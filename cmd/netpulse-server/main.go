// Command netpulse-server runs the REST API process: the Dispatcher's HTTP
// front door. It wires a Fiber app with a custom ErrorHandler, a
// recover/logging/rate-limit/CORS middleware stack, and a separate metrics
// app, and shuts down gracefully on signal.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/adaptor/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/netpulse/netpulse/config"
	"github.com/netpulse/netpulse/health"
	"github.com/netpulse/netpulse/internal/api"
	"github.com/netpulse/netpulse/internal/dispatcher"
	"github.com/netpulse/netpulse/pkg/cluster"
	"github.com/netpulse/netpulse/pkg/driver"
	"github.com/netpulse/netpulse/pkg/driver/drivers"
	"github.com/netpulse/netpulse/pkg/errors"
	"github.com/netpulse/netpulse/pkg/jobstore"
	"github.com/netpulse/netpulse/pkg/logger"
	"github.com/netpulse/netpulse/pkg/metrics"
	"github.com/netpulse/netpulse/pkg/scheduler"
	"github.com/netpulse/netpulse/pkg/security"
	"github.com/netpulse/netpulse/pkg/store"
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
	log.FromContext(ctx).Info().Msg("starting netpulse-server")

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

	sched, ok := scheduler.ByName(cfg.Worker.Scheduler)
	if !ok {
		log.FromContext(ctx).Warn().Str("scheduler", cfg.Worker.Scheduler).Msg("unknown scheduler name, defaulting to load_weighted_random")
		sched = scheduler.LoadWeightedRandom{}
	}

	clusterReg := cluster.New(st, cfg.Worker.NodeTTL, zl)
	jobs := jobstore.New(st, zl)
	workers := workerstore.New(st, zl)
	checker := health.NewChecker(st, clusterReg)

	disp := dispatcher.New(dispatcher.Config{
		DefaultJobTTL:    cfg.Job.TTLSeconds,
		DefaultTimeout:   cfg.Job.TimeoutSeconds,
		DefaultResultTTL: cfg.Job.ResultTTLSeconds,
		SpawnTimeout:     cfg.Worker.SpawnTimeout,
		SpawnRetries:     cfg.Worker.SpawnRetries,
	}, registry, sched, st, jobs, clusterReg, zl)

	handlers := api.New(disp, registry, jobs, workers, st, zl)

	if cfg.Server.APIKey == "" {
		log.FromContext(ctx).Warn().Msg("server.api_key is empty, authentication is disabled")
	}

	app := fiber.New(fiber.Config{
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			if appErr, ok := err.(*errors.AppError); ok {
				return c.Status(appErr.HTTPStatus).JSON(errors.NewErrorEnvelope(appErr))
			}
			internalErr := errors.NewInternalError(err.Error())
			return c.Status(internalErr.HTTPStatus).JSON(errors.NewErrorEnvelope(internalErr))
		},
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	})

	app.Use(recover.New(recover.Config{EnableStackTrace: !cfg.IsProduction()}))

	app.Use(func(c *fiber.Ctx) error {
		start := time.Now()
		requestID := c.Get("X-Request-ID")
		if requestID == "" {
			requestID = fmt.Sprintf("req-%d", time.Now().UnixNano())
		}
		reqCtx := logger.WithRequestID(c.Context(), requestID)
		err := c.Next()
		duration := time.Since(start)
		log.LogRequest(reqCtx, c.Method(), c.Path(), c.Get("User-Agent"), c.IP(), duration)
		if cfg.Metrics.Enabled {
			status := fmt.Sprintf("%d", c.Response().StatusCode())
			metrics.Get().RecordHTTPRequest(c.Method(), c.Path(), status, duration)
		}
		return err
	})

	app.Use(limiter.New(limiter.Config{
		Max: 300, Expiration: time.Minute,
		KeyGenerator: func(c *fiber.Ctx) string { return c.IP() },
		LimitReached: func(c *fiber.Ctx) error {
			return errors.NewValidationError("rate limit exceeded")
		},
	}))

	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,PUT,DELETE,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization,X-Request-ID," + cfg.Server.APIKeyName,
	}))

	authCfg := security.Config{HeaderName: cfg.Server.APIKeyName, APIKey: cfg.Server.APIKey}
	apiGroup := app.Group("/", security.Middleware(authCfg, zl))
	handlers.RegisterRoutes(apiGroup)

	if cfg.Health.Enabled {
		app.Get(cfg.Health.Path, checker.HealthHandler)
		app.Get(cfg.Health.ReadinessPath, checker.ReadinessHandler)
		app.Get(cfg.Health.LivenessPath, checker.LivenessHandler)
	}

	if cfg.Metrics.Enabled {
		go func() {
			metricsApp := fiber.New()
			metricsApp.Get(cfg.Metrics.Path, adaptor.HTTPHandler(promhttp.Handler()))
			log.FromContext(ctx).Info().Str("port", cfg.Metrics.Port).Msg("metrics server starting")
			if err := metricsApp.Listen(":" + cfg.Metrics.Port); err != nil {
				log.FromContext(ctx).Error().Err(err).Msg("failed to start metrics server")
			}
		}()
	}

	go func() {
		log.FromContext(ctx).Info().Str("port", cfg.Server.Port).Msg("http server starting")
		if err := app.Listen(":" + cfg.Server.Port); err != nil {
			log.FromContext(ctx).Fatal().Err(err).Msg("failed to start http server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.FromContext(ctx).Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		log.FromContext(ctx).Error().Err(err).Msg("server shutdown error")
	}
	log.FromContext(ctx).Info().Msg("server stopped")
}
