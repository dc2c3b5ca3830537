package pinnedworker

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netpulse/netpulse/config"
	"github.com/netpulse/netpulse/pkg/cluster"
	"github.com/netpulse/netpulse/pkg/driver"
	"github.com/netpulse/netpulse/pkg/driver/drivers"
	"github.com/netpulse/netpulse/pkg/jobstore"
	"github.com/netpulse/netpulse/pkg/store"
	"github.com/netpulse/netpulse/pkg/types"
	"github.com/netpulse/netpulse/pkg/webhook"
	"github.com/netpulse/netpulse/pkg/workerstore"
)

func newHarness(t *testing.T) (*store.Store, *jobstore.Store, *workerstore.Store, *cluster.Registry) {
	t.Helper()
	addr := os.Getenv("NETPULSE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("NETPULSE_TEST_REDIS_ADDR not set, skipping pinnedworker integration test")
	}
	st, err := store.New(&config.StoreConfig{Host: addr, Port: "6379"})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	log := zerolog.Nop()
	return st, jobstore.New(st, log), workerstore.New(st, log), cluster.New(st, 30*time.Second, log)
}

func TestPinnedWorkerExecutesQueuedJob(t *testing.T) {
	st, jobs, workers, reg := newHarness(t)
	ctx := t.Context()

	host := "10.0.0.200"
	cfg := Config{Name: "test-pinned-" + host, Host: host, NodeID: "node-test", Hostname: "h", PollInterval: 200 * time.Millisecond}
	registry := driver.NewRegistry()
	registry.Register("mock", drivers.NewMock())
	w := New(cfg, registry, st, jobs, workers, reg, webhook.New(zerolog.Nop()), zerolog.Nop())

	job := &types.Job{
		ID: "test-pinned-job-1", Driver: "mock", Host: host,
		ConnectionArgs: map[string]interface{}{"host": host},
		Operation:      types.Operation{Kind: types.OperationQuery, Command: []string{"show version"}},
		Status:         types.JobQueued, QueueName: store.PinnedQueueKey(host),
		EnqueuedAt: time.Now(),
	}
	require.NoError(t, jobs.Create(ctx, job))
	defer jobs.Remove(ctx, job.ID)
	require.NoError(t, st.ListPush(ctx, job.QueueName, job.ID))

	runCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(runCtx) }()

	time.Sleep(500 * time.Millisecond)
	cancel()
	<-done

	got, ok, err := jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, types.JobFinished, got.Status)
}
