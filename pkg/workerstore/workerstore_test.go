package workerstore

import (
	"os"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netpulse/netpulse/config"
	"github.com/netpulse/netpulse/pkg/store"
	"github.com/netpulse/netpulse/pkg/types"
)

func TestFilterMatches(t *testing.T) {
	rec := &types.WorkerRecord{Name: "w1", NodeID: "node-a", Host: "10.0.0.1", Queues: []string{"pinned:10.0.0.1"}}

	assert.True(t, (Filter{}).matches(rec))
	assert.True(t, (Filter{Node: "node-a"}).matches(rec))
	assert.False(t, (Filter{Node: "node-b"}).matches(rec))
	assert.True(t, (Filter{Queue: "pinned:10.0.0.1"}).matches(rec))
	assert.False(t, (Filter{Queue: "netpulse:queue:fifo"}).matches(rec))
}

func newTestWorkerStore(t *testing.T) *Store {
	t.Helper()
	addr := os.Getenv("NETPULSE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("NETPULSE_TEST_REDIS_ADDR not set, skipping workerstore integration test")
	}
	s, err := store.New(&config.StoreConfig{Host: addr, Port: "6379"})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return New(s, zerolog.Nop())
}

func TestRegisterGetAndRemove(t *testing.T) {
	ws := newTestWorkerStore(t)
	ctx := t.Context()

	rec := &types.WorkerRecord{Name: "test-worker-1", NodeID: "node-a", Status: types.WorkerIdle}
	require.NoError(t, ws.Register(ctx, rec))

	got, ok, err := ws.Get(ctx, rec.Name)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, types.WorkerIdle, got.Status)

	list, err := ws.List(ctx, Filter{Node: "node-a"})
	require.NoError(t, err)
	found := false
	for _, r := range list {
		if r.Name == rec.Name {
			found = true
		}
	}
	assert.True(t, found)

	require.NoError(t, ws.Remove(ctx, rec.Name))
	_, ok, err = ws.Get(ctx, rec.Name)
	require.NoError(t, err)
	assert.False(t, ok)
}
