package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netpulse/netpulse/config"
	"github.com/netpulse/netpulse/internal/dispatcher"
	"github.com/netpulse/netpulse/pkg/cluster"
	"github.com/netpulse/netpulse/pkg/driver"
	"github.com/netpulse/netpulse/pkg/driver/drivers"
	"github.com/netpulse/netpulse/pkg/jobstore"
	"github.com/netpulse/netpulse/pkg/scheduler"
	"github.com/netpulse/netpulse/pkg/store"
	"github.com/netpulse/netpulse/pkg/types"
	"github.com/netpulse/netpulse/pkg/validator"
	"github.com/netpulse/netpulse/pkg/workerstore"
)

func newTestHarness(t *testing.T) (*fiber.App, *Handlers, *store.Store) {
	t.Helper()
	addr := os.Getenv("NETPULSE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("NETPULSE_TEST_REDIS_ADDR not set, skipping api integration test")
	}
	st, err := store.New(&config.StoreConfig{Host: addr, Port: "6379"})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	log := zerolog.Nop()
	jobs := jobstore.New(st, log)
	workers := workerstore.New(st, log)
	reg := cluster.New(st, 30*time.Second, log)

	registry := driver.NewRegistry()
	registry.Register("mock", drivers.NewMock())
	sched, ok := scheduler.ByName("greedy")
	require.True(t, ok)

	d := dispatcher.New(dispatcher.Config{
		DefaultJobTTL: 300, DefaultTimeout: 30, DefaultResultTTL: 3600,
		SpawnTimeout: 500 * time.Millisecond, SpawnRetries: 1,
	}, registry, sched, st, jobs, reg, log)

	validator.Init()
	h := New(d, registry, jobs, workers, st, log)

	app := fiber.New()
	h.RegisterRoutes(app)
	return app, h, st
}

func doRequest(t *testing.T, app *fiber.App, method, path string, body interface{}) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	return resp
}

func TestExecuteEnqueuesFifoJob(t *testing.T) {
	app, _, _ := newTestHarness(t)

	body := map[string]interface{}{
		"driver":          "mock",
		"connection_args": map[string]interface{}{"host": "10.1.1.1"},
		"command":         []string{"show version"},
		"options":         map[string]interface{}{"queue_strategy": "fifo"},
	}
	rec := doRequest(t, app, "POST", "/device/execute", body)
	assert.Equal(t, fiber.StatusCreated, rec.StatusCode)
}

func TestExecuteRejectsMissingDriver(t *testing.T) {
	app, _, _ := newTestHarness(t)

	body := map[string]interface{}{
		"connection_args": map[string]interface{}{"host": "10.1.1.1"},
		"command":         []string{"show version"},
	}
	rec := doRequest(t, app, "POST", "/device/execute", body)
	assert.Equal(t, fiber.StatusBadRequest, rec.StatusCode)
}

func TestTestConnectionSucceedsAgainstMockDriver(t *testing.T) {
	app, _, _ := newTestHarness(t)

	body := map[string]interface{}{
		"driver":          "mock",
		"connection_args": map[string]interface{}{"host": "10.1.1.2"},
	}
	rec := doRequest(t, app, "POST", "/device/test-connection", body)
	assert.Equal(t, fiber.StatusOK, rec.StatusCode)
}

func TestTestConnectionRejectsUnknownDriver(t *testing.T) {
	app, _, _ := newTestHarness(t)

	body := map[string]interface{}{
		"driver":          "does-not-exist",
		"connection_args": map[string]interface{}{"host": "10.1.1.3"},
	}
	rec := doRequest(t, app, "POST", "/device/test-connection", body)
	assert.Equal(t, fiber.StatusBadRequest, rec.StatusCode)
}

func TestListJobsFiltersByStatus(t *testing.T) {
	app, h, _ := newTestHarness(t)
	ctx := t.Context()

	job := &types.Job{
		ID: "api-job-1", Driver: "mock", Host: "10.1.1.4",
		ConnectionArgs: map[string]interface{}{"host": "10.1.1.4"},
		Operation:      types.Operation{Kind: types.OperationQuery, Command: []string{"show version"}},
		Status:         types.JobFinished, QueueName: store.FifoQueueKey,
		EnqueuedAt: time.Now(),
	}
	require.NoError(t, h.jobs.Create(ctx, job))
	defer h.jobs.Remove(ctx, job.ID)

	req := httptest.NewRequest("GET", "/job?status=finished", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}

func TestListWorkersReturnsRegistered(t *testing.T) {
	app, h, _ := newTestHarness(t)
	ctx := t.Context()

	rec := &types.WorkerRecord{Name: "api-worker-1", Queues: []string{store.FifoQueueKey}, Status: types.WorkerIdle, BirthAt: time.Now(), LastHeartbeat: time.Now()}
	require.NoError(t, h.workers.Register(ctx, rec))
	defer h.workers.Remove(ctx, rec.Name)

	req := httptest.NewRequest("GET", "/worker?name=api-worker-1", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}

func TestTerminateWorkersPublishesControlMessage(t *testing.T) {
	app, h, st := newTestHarness(t)
	ctx := t.Context()

	rec := &types.WorkerRecord{Name: "api-worker-2", Queues: []string{store.FifoQueueKey}, Status: types.WorkerIdle, BirthAt: time.Now(), LastHeartbeat: time.Now()}
	require.NoError(t, h.workers.Register(ctx, rec))
	defer h.workers.Remove(ctx, rec.Name)

	subCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	sub := st.Subscribe(subCtx, store.WorkerControlChannel(rec.Name))
	defer sub.Close()

	req := httptest.NewRequest("DELETE", "/worker?name=api-worker-2", nil)
	go func() {
		resp, _ := app.Test(req)
		_ = resp
	}()

	select {
	case msg := <-sub.Channel():
		assert.Contains(t, msg.Payload, "terminate")
	case <-subCtx.Done():
		t.Fatal("timed out waiting for terminate control message")
	}
}
