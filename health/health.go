// Package health implements the operational health-check surface: store
// connectivity, cluster liveness, and fifo queue depth, exposed as Fiber
// handlers mounted at HealthConfig's configured paths. Per-dependency
// ServiceInfo checks are gathered into one aggregate HealthStatus, with
// separate liveness/readiness/full handlers.
package health

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/netpulse/netpulse/pkg/cluster"
	"github.com/netpulse/netpulse/pkg/store"
)

// Status is the aggregate health verdict.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// ServiceInfo reports one dependency's availability.
type ServiceInfo struct {
	Name      string `json:"name"`
	Available bool   `json:"available"`
	Detail    string `json:"detail,omitempty"`
}

// HealthStatus is the full health report served at HealthConfig.Path.
type HealthStatus struct {
	Status         Status        `json:"status"`
	Timestamp      time.Time     `json:"timestamp"`
	Services       []ServiceInfo `json:"services"`
	NodesAlive     int           `json:"nodes_alive"`
	FifoQueueDepth int64         `json:"fifo_queue_depth"`
}

// probeKey is touched (not mutated) to confirm the store round-trips a
// request; it is never read for its value.
const probeKey = "netpulse:health:probe"

// Checker gathers NetPulse's dependency health into a HealthStatus.
type Checker struct {
	store   *store.Store
	cluster *cluster.Registry
}

// NewChecker builds a Checker over the live store and cluster registry.
func NewChecker(st *store.Store, reg *cluster.Registry) *Checker {
	return &Checker{store: st, cluster: reg}
}

// GetHealthStatus runs every check and aggregates the result. Overall status
// is unhealthy if the store is unreachable (nothing else can function
// without it), degraded if the store is reachable but no node is currently
// alive to serve pinned work.
func (c *Checker) GetHealthStatus(ctx context.Context) HealthStatus {
	status := HealthStatus{Timestamp: time.Now()}
	overall := StatusHealthy

	if _, err := c.store.Get(ctx, probeKey); err != nil {
		overall = StatusUnhealthy
		status.Services = append(status.Services, ServiceInfo{Name: "store", Available: false, Detail: err.Error()})
	} else {
		status.Services = append(status.Services, ServiceInfo{Name: "store", Available: true})
	}

	if nodes, err := c.cluster.Snapshot(ctx); err != nil {
		overall = StatusUnhealthy
		status.Services = append(status.Services, ServiceInfo{Name: "cluster", Available: false, Detail: err.Error()})
	} else {
		status.NodesAlive = len(nodes)
		status.Services = append(status.Services, ServiceInfo{Name: "cluster", Available: true})
		if len(nodes) == 0 && overall == StatusHealthy {
			overall = StatusDegraded
		}
	}

	if depth, err := c.store.ListLen(ctx, store.FifoQueueKey); err == nil {
		status.FifoQueueDepth = depth
	}

	status.Status = overall
	return status
}

// HealthHandler serves the full aggregate report.
func (c *Checker) HealthHandler(ctx *fiber.Ctx) error {
	status := c.GetHealthStatus(ctx.Context())
	code := fiber.StatusOK
	if status.Status == StatusUnhealthy {
		code = fiber.StatusServiceUnavailable
	}
	return ctx.Status(code).JSON(status)
}

// ReadinessHandler reports whether the process can currently serve traffic:
// the store must be reachable.
func (c *Checker) ReadinessHandler(ctx *fiber.Ctx) error {
	if _, err := c.store.Get(ctx.Context(), probeKey); err != nil {
		return ctx.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "not_ready"})
	}
	return ctx.JSON(fiber.Map{"status": "ready"})
}

// LivenessHandler reports only that the process itself is running.
func (c *Checker) LivenessHandler(ctx *fiber.Ctx) error {
	return ctx.JSON(fiber.Map{"status": "alive"})
}
