package jobstore

import (
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netpulse/netpulse/config"
	"github.com/netpulse/netpulse/pkg/store"
	"github.com/netpulse/netpulse/pkg/types"
)

func TestFilterMatches(t *testing.T) {
	job := &types.Job{ID: "j1", QueueName: "netpulse:queue:fifo", Status: types.JobQueued, Host: "10.0.0.1"}

	assert.True(t, (Filter{}).matches(job))
	assert.True(t, (Filter{Host: "10.0.0.1"}).matches(job))
	assert.False(t, (Filter{Host: "10.0.0.2"}).matches(job))
	assert.True(t, (Filter{Status: types.JobQueued}).matches(job))
	assert.False(t, (Filter{Status: types.JobFailed}).matches(job))
}

func newTestJobStore(t *testing.T) *Store {
	t.Helper()
	addr := os.Getenv("NETPULSE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("NETPULSE_TEST_REDIS_ADDR not set, skipping jobstore integration test")
	}
	s, err := store.New(&config.StoreConfig{Host: addr, Port: "6379"})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return New(s, zerolog.Nop())
}

func TestCreateGetAndList(t *testing.T) {
	js := newTestJobStore(t)
	ctx := t.Context()

	job := &types.Job{
		ID: "test-job-1", Driver: "mock", Host: "10.0.0.1",
		Status: types.JobQueued, QueueName: "netpulse:queue:fifo",
		EnqueuedAt: time.Now(),
	}
	require.NoError(t, js.Create(ctx, job))
	defer js.Remove(ctx, job.ID)

	got, ok, err := js.Get(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, job.Driver, got.Driver)

	list, err := js.List(ctx, Filter{Host: "10.0.0.1"})
	require.NoError(t, err)
	found := false
	for _, j := range list {
		if j.ID == job.ID {
			found = true
		}
	}
	assert.True(t, found)
}

func TestCancelQueuedRemovesFromQueueAndMarksCancelled(t *testing.T) {
	js := newTestJobStore(t)
	ctx := t.Context()

	queue := "netpulse:test:queue:cancel"
	job := &types.Job{
		ID: "test-job-cancel", Status: types.JobQueued, QueueName: queue, EnqueuedAt: time.Now(),
	}
	require.NoError(t, js.Create(ctx, job))
	defer js.Remove(ctx, job.ID)
	require.NoError(t, js.store.ListPush(ctx, queue, job.ID))
	defer js.store.Delete(ctx, queue)

	cancelled, err := js.CancelQueued(ctx, Filter{ID: job.ID})
	require.NoError(t, err)
	assert.Equal(t, []string{job.ID}, cancelled)

	got, ok, err := js.Get(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, types.JobCancelled, got.Status)

	n, err := js.store.ListLen(ctx, queue)
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)
}
