// Package api implements NetPulse's REST surface: the Fiber route handlers
// the Dispatcher is consumed from. Each handler translates a JSON payload
// into a domain call and wraps the response in a single envelope type.
package api

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/netpulse/netpulse/internal/dispatcher"
	"github.com/netpulse/netpulse/pkg/control"
	"github.com/netpulse/netpulse/pkg/driver"
	"github.com/netpulse/netpulse/pkg/errors"
	"github.com/netpulse/netpulse/pkg/jobstore"
	"github.com/netpulse/netpulse/pkg/store"
	"github.com/netpulse/netpulse/pkg/types"
	"github.com/netpulse/netpulse/pkg/validator"
	"github.com/netpulse/netpulse/pkg/workerstore"
)

// Handlers holds every dependency the REST surface calls into.
type Handlers struct {
	dispatcher *dispatcher.Dispatcher
	drivers    *driver.Registry
	jobs       *jobstore.Store
	workers    *workerstore.Store
	store      *store.Store
	validator  *validator.Validator
	log        zerolog.Logger
}

// New builds the API Handlers.
func New(
	d *dispatcher.Dispatcher,
	drivers *driver.Registry,
	jobs *jobstore.Store,
	workers *workerstore.Store,
	st *store.Store,
	log zerolog.Logger,
) *Handlers {
	return &Handlers{
		dispatcher: d,
		drivers:    drivers,
		jobs:       jobs,
		workers:    workers,
		store:      st,
		validator:  validator.Get(),
		log:        log.With().Str("component", "api").Logger(),
	}
}

// RegisterRoutes mounts the device/job/worker endpoint table under app.
// Auth and liveness/readiness/health routes are wired by the caller
// (cmd/netpulse-server), since they need cfg.Server.APIKey and the shared
// health.Checker.
func (h *Handlers) RegisterRoutes(router fiber.Router) {
	router.Post("/device/execute", h.Execute)
	router.Post("/device/bulk", h.Bulk)
	router.Post("/device/test-connection", h.TestConnection)
	router.Get("/job", h.ListJobs)
	router.Delete("/job", h.CancelJobs)
	router.Get("/worker", h.ListWorkers)
	router.Delete("/worker", h.TerminateWorkers)
}

func writeError(c *fiber.Ctx, err error) error {
	return c.Status(errors.HTTPStatus(err)).JSON(errors.NewErrorEnvelope(err))
}

func writeOK(c *fiber.Ctx, status int, data interface{}) error {
	return c.Status(status).JSON(errors.NewOKEnvelope(data))
}

// executeBody is the wire shape of POST /device/execute.
type executeBody struct {
	Driver         string                 `json:"driver" validate:"required"`
	ConnectionArgs map[string]interface{} `json:"connection_args" validate:"required"`
	Command        []string               `json:"command,omitempty"`
	Config         []string               `json:"config,omitempty"`
	DriverArgs     map[string]interface{} `json:"driver_args,omitempty"`
	Options        types.RequestOptions   `json:"options,omitempty"`
}

func operationFrom(command, config []string) types.Operation {
	switch {
	case len(config) > 0:
		return types.Operation{Kind: types.OperationConfig, Config: config}
	case len(command) > 0:
		return types.Operation{Kind: types.OperationQuery, Command: command}
	default:
		return types.Operation{Kind: types.OperationTestConnection}
	}
}

// withDriverArgs folds driver_args into connection_args under a reserved
// key: types.Request has no separate field for it, and most drivers only
// need driver_args to customize how they render prompts/commands, which is
// naturally keyed off the same connection bundle.
func withDriverArgs(connArgs, driverArgs map[string]interface{}) map[string]interface{} {
	if len(driverArgs) == 0 {
		return connArgs
	}
	out := make(map[string]interface{}, len(connArgs)+1)
	for k, v := range connArgs {
		out[k] = v
	}
	out["_driver_args"] = driverArgs
	return out
}

func (b executeBody) toRequest() *types.Request {
	return &types.Request{
		Driver:         b.Driver,
		ConnectionArgs: withDriverArgs(b.ConnectionArgs, b.DriverArgs),
		Operation:      operationFrom(b.Command, b.Config),
		Options:        b.Options,
	}
}

// Execute handles POST /device/execute.
func (h *Handlers) Execute(c *fiber.Ctx) error {
	var body executeBody
	if err := c.BodyParser(&body); err != nil {
		return writeError(c, errors.NewValidationError("invalid JSON body: "+err.Error()))
	}
	req := body.toRequest()
	if err := h.validator.ValidateRequest(req); err != nil {
		return writeError(c, err)
	}

	job, err := h.dispatcher.Submit(c.Context(), req)
	if err != nil {
		return writeError(c, err)
	}
	return writeOK(c, fiber.StatusCreated, fiber.Map{
		"id": job.ID, "status": string(job.Status), "queue": job.QueueName,
	})
}

// bulkBody is the wire shape of POST /device/bulk.
type bulkBody struct {
	Driver         string                   `json:"driver" validate:"required"`
	Devices        []map[string]interface{} `json:"devices" validate:"required"`
	ConnectionArgs map[string]interface{}   `json:"connection_args,omitempty"`
	Command        []string                 `json:"command,omitempty"`
	Config         []string                 `json:"config,omitempty"`
	Options        types.RequestOptions     `json:"options,omitempty"`
}

// toRequests expands the bulk body into one per-host Request, merging each
// device's own fields over the shared connection_args.
func (b bulkBody) toRequests() []*types.Request {
	op := operationFrom(b.Command, b.Config)
	reqs := make([]*types.Request, 0, len(b.Devices))
	for _, dev := range b.Devices {
		connArgs := make(map[string]interface{}, len(b.ConnectionArgs)+len(dev))
		for k, v := range b.ConnectionArgs {
			connArgs[k] = v
		}
		for k, v := range dev {
			connArgs[k] = v
		}
		reqs = append(reqs, &types.Request{
			Driver:         b.Driver,
			ConnectionArgs: connArgs,
			Operation:      op,
			Options:        b.Options,
		})
	}
	return reqs
}

// Bulk handles POST /device/bulk.
func (h *Handlers) Bulk(c *fiber.Ctx) error {
	var body bulkBody
	if err := c.BodyParser(&body); err != nil {
		return writeError(c, errors.NewValidationError("invalid JSON body: "+err.Error()))
	}
	if err := h.validator.ValidateBulkDevices(body.Devices); err != nil {
		return writeError(c, err)
	}

	reqs := body.toRequests()
	for _, req := range reqs {
		if err := h.validator.ValidateRequest(req); err != nil {
			return writeError(c, err)
		}
	}

	result := h.dispatcher.SubmitBulk(c.Context(), reqs)
	succeeded := make([]fiber.Map, 0, len(result.Succeeded))
	for _, job := range result.Succeeded {
		succeeded = append(succeeded, fiber.Map{
			"id": job.ID, "host": job.Host, "status": string(job.Status), "queue": job.QueueName,
		})
	}
	failed := result.Failed
	if failed == nil {
		failed = []string{}
	}
	return writeOK(c, fiber.StatusCreated, fiber.Map{"succeeded": succeeded, "failed": failed})
}

// testConnectionBody is the wire shape of POST /device/test-connection.
type testConnectionBody struct {
	Driver         string                 `json:"driver" validate:"required"`
	ConnectionArgs map[string]interface{} `json:"connection_args" validate:"required"`
}

// TestConnection handles POST /device/test-connection: a synchronous
// connect/disconnect probe that never creates a Job.
func (h *Handlers) TestConnection(c *fiber.Ctx) error {
	var body testConnectionBody
	if err := c.BodyParser(&body); err != nil {
		return writeError(c, errors.NewValidationError("invalid JSON body: "+err.Error()))
	}
	if body.Driver == "" || len(body.ConnectionArgs) == 0 {
		return writeError(c, errors.NewValidationError("driver and connection_args are required"))
	}

	drv, err := h.drivers.Get(body.Driver)
	if err != nil {
		return writeError(c, errors.NewValidationError(err.Error()))
	}

	start := time.Now()
	conn, connErr := drv.Connect(c.Context(), body.ConnectionArgs)
	elapsed := time.Since(start).Seconds()

	if connErr != nil {
		return writeOK(c, fiber.StatusOK, fiber.Map{
			"success":         false,
			"connection_time": elapsed,
			"error_message":   connErr.Error(),
		})
	}
	defer drv.Disconnect(conn)

	return writeOK(c, fiber.StatusOK, fiber.Map{
		"success":         true,
		"connection_time": elapsed,
	})
}

// ListJobs handles GET /job.
func (h *Handlers) ListJobs(c *fiber.Ctx) error {
	filter := jobstore.Filter{
		ID:     c.Query("id"),
		Queue:  c.Query("queue"),
		Status: types.JobStatus(c.Query("status")),
		Host:   c.Query("host"),
	}
	jobs, err := h.jobs.List(c.Context(), filter)
	if err != nil {
		return writeError(c, err)
	}
	if node := c.Query("node"); node != "" {
		jobs = filterJobsByNode(jobs, node, h.workers, c)
	}
	return writeOK(c, fiber.StatusOK, jobs)
}

// filterJobsByNode narrows jobs to those claimed by a worker belonging to
// node. A Job record carries a worker name, not a node id directly, so this
// resolves via workerstore.
func filterJobsByNode(jobs []*types.Job, node string, workers *workerstore.Store, c *fiber.Ctx) []*types.Job {
	recs, err := workers.List(c.Context(), workerstore.Filter{Node: node})
	if err != nil {
		return jobs
	}
	names := make(map[string]bool, len(recs))
	for _, r := range recs {
		names[r.Name] = true
	}
	out := make([]*types.Job, 0, len(jobs))
	for _, j := range jobs {
		if names[j.Worker] {
			out = append(out, j)
		}
	}
	return out
}

// CancelJobs handles DELETE /job.
func (h *Handlers) CancelJobs(c *fiber.Ctx) error {
	filter := jobstore.Filter{
		ID:    c.Query("id"),
		Queue: c.Query("queue"),
		Host:  c.Query("host"),
	}
	cancelled, err := h.jobs.CancelQueued(c.Context(), filter)
	if err != nil {
		return writeError(c, err)
	}
	if cancelled == nil {
		cancelled = []string{}
	}
	return writeOK(c, fiber.StatusOK, fiber.Map{
		"cancelled_count": len(cancelled), "cancelled_jobs": cancelled,
	})
}

// ListWorkers handles GET /worker.
func (h *Handlers) ListWorkers(c *fiber.Ctx) error {
	filter := workerstore.Filter{
		Name:  c.Query("name"),
		Queue: c.Query("queue"),
		Node:  c.Query("node"),
		Host:  c.Query("host"),
	}
	recs, err := h.workers.List(c.Context(), filter)
	if err != nil {
		return writeError(c, err)
	}
	return writeOK(c, fiber.StatusOK, recs)
}

// TerminateWorkers handles DELETE /worker. Pinned workers are terminated by
// asking their owning NodeSupervisor to kill the pinned child (KillPinned);
// FifoWorkers have no owning supervisor, so they're terminated directly on
// their own WorkerControlChannel (see internal/fifoworker).
func (h *Handlers) TerminateWorkers(c *fiber.Ctx) error {
	filter := workerstore.Filter{
		Name:  c.Query("name"),
		Queue: c.Query("queue"),
		Node:  c.Query("node"),
		Host:  c.Query("host"),
	}
	recs, err := h.workers.List(c.Context(), filter)
	if err != nil {
		return writeError(c, err)
	}

	names := make([]string, 0, len(recs))
	for _, rec := range recs {
		if err := h.requestTermination(c.Context(), rec); err != nil {
			h.log.Warn().Err(err).Str("worker", rec.Name).Msg("failed to request worker termination")
			continue
		}
		names = append(names, rec.Name)
	}
	return writeOK(c, fiber.StatusOK, names)
}

func (h *Handlers) requestTermination(ctx context.Context, rec *types.WorkerRecord) error {
	if rec.Host != "" && rec.NodeID != "" {
		msg := control.Message{Kind: control.KillPinned, Host: rec.Host}
		return h.publish(ctx, store.ControlChannel(rec.NodeID), msg)
	}
	msg := control.Message{Kind: control.Terminate}
	return h.publish(ctx, store.WorkerControlChannel(rec.Name), msg)
}

func (h *Handlers) publish(ctx context.Context, channel string, msg control.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return h.store.Publish(ctx, channel, string(data))
}
