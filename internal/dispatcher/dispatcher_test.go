package dispatcher

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netpulse/netpulse/config"
	"github.com/netpulse/netpulse/pkg/cluster"
	"github.com/netpulse/netpulse/pkg/control"
	"github.com/netpulse/netpulse/pkg/driver"
	"github.com/netpulse/netpulse/pkg/driver/drivers"
	"github.com/netpulse/netpulse/pkg/jobstore"
	"github.com/netpulse/netpulse/pkg/scheduler"
	"github.com/netpulse/netpulse/pkg/store"
	"github.com/netpulse/netpulse/pkg/types"
)

func newHarness(t *testing.T) (*store.Store, *jobstore.Store, *cluster.Registry) {
	t.Helper()
	addr := os.Getenv("NETPULSE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("NETPULSE_TEST_REDIS_ADDR not set, skipping dispatcher integration test")
	}
	st, err := store.New(&config.StoreConfig{Host: addr, Port: "6379"})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	log := zerolog.Nop()
	return st, jobstore.New(st, log), cluster.New(st, 30*time.Second, log)
}

func newDispatcher(st *store.Store, jobs *jobstore.Store, reg *cluster.Registry) *Dispatcher {
	registry := driver.NewRegistry()
	registry.Register("mock", drivers.NewMock())
	sched, _ := scheduler.ByName("greedy")
	return New(Config{
		DefaultJobTTL: 300, DefaultTimeout: 30, DefaultResultTTL: 3600,
		SpawnTimeout: 500 * time.Millisecond, SpawnRetries: 1,
	}, registry, sched, st, jobs, reg, zerolog.Nop())
}

func TestSubmitFifoEnqueuesToSharedQueue(t *testing.T) {
	st, jobs, reg := newHarness(t)
	ctx := t.Context()
	d := newDispatcher(st, jobs, reg)

	req := &types.Request{
		Driver:         "mock",
		ConnectionArgs: map[string]interface{}{"host": "10.0.1.1"},
		Operation:      types.Operation{Kind: types.OperationQuery, Command: []string{"show version"}},
		Options:        types.RequestOptions{QueueStrategy: types.StrategyFifo},
	}

	job, err := d.Submit(ctx, req)
	require.NoError(t, err)
	defer jobs.Remove(ctx, job.ID)

	assert.Equal(t, store.FifoQueueKey, job.QueueName)
	assert.Equal(t, types.JobQueued, job.Status)

	n, err := st.ListRemoveByID(ctx, store.FifoQueueKey, job.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestSubmitPinnedReusesLiveBinding(t *testing.T) {
	st, jobs, reg := newHarness(t)
	ctx := t.Context()
	d := newDispatcher(st, jobs, reg)

	host := "10.0.2.1"
	require.NoError(t, reg.Heartbeat(ctx, types.NodeInfo{NodeID: "node-a", Hostname: "a", Capacity: 4}))
	bound, _, err := reg.Bind(ctx, host, "node-a")
	require.NoError(t, err)
	require.True(t, bound)
	defer reg.Unbind(ctx, host, "node-a")

	req := &types.Request{
		Driver:         "mock",
		ConnectionArgs: map[string]interface{}{"host": host},
		Operation:      types.Operation{Kind: types.OperationQuery, Command: []string{"show version"}},
		Options:        types.RequestOptions{QueueStrategy: types.StrategyPinned},
	}

	job, err := d.Submit(ctx, req)
	require.NoError(t, err)
	defer jobs.Remove(ctx, job.ID)

	assert.Equal(t, store.PinnedQueueKey(host), job.QueueName)
	n, err := st.ListRemoveByID(ctx, store.PinnedQueueKey(host), job.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestSubmitPinnedSpawnsAndRetriesOnCapacityExhausted(t *testing.T) {
	st, jobs, reg := newHarness(t)
	ctx := t.Context()
	d := newDispatcher(st, jobs, reg)

	host := "10.0.3.1"
	require.NoError(t, reg.Heartbeat(ctx, types.NodeInfo{NodeID: "node-b", Hostname: "b", Capacity: 1}))

	// Simulate a NodeSupervisor that always replies CapacityExhausted.
	go respondToSpawn(t, st, "node-b", func(msg control.Message) control.Reply {
		return control.Reply{Kind: control.CapacityExhausted, RequestID: msg.RequestID, Host: msg.Host, NodeID: "node-b"}
	})

	_, err := d.Submit(ctx, &types.Request{
		Driver:         "mock",
		ConnectionArgs: map[string]interface{}{"host": host},
		Operation:      types.Operation{Kind: types.OperationTestConnection},
		Options:        types.RequestOptions{QueueStrategy: types.StrategyPinned},
	})
	require.Error(t, err)
}

func TestSubmitPinnedSucceedsAfterSpawnedReply(t *testing.T) {
	st, jobs, reg := newHarness(t)
	ctx := t.Context()
	d := newDispatcher(st, jobs, reg)

	host := "10.0.4.1"
	require.NoError(t, reg.Heartbeat(ctx, types.NodeInfo{NodeID: "node-c", Hostname: "c", Capacity: 4}))

	go respondToSpawn(t, st, "node-c", func(msg control.Message) control.Reply {
		bound, _, err := reg.Bind(context.Background(), msg.Host, "node-c")
		if err != nil || !bound {
			return control.Reply{Kind: control.LostRace, RequestID: msg.RequestID, Host: msg.Host}
		}
		return control.Reply{Kind: control.Spawned, RequestID: msg.RequestID, Host: msg.Host, NodeID: "node-c", WorkerName: "w1"}
	})

	job, err := d.Submit(ctx, &types.Request{
		Driver:         "mock",
		ConnectionArgs: map[string]interface{}{"host": host},
		Operation:      types.Operation{Kind: types.OperationTestConnection},
		Options:        types.RequestOptions{QueueStrategy: types.StrategyPinned},
	})
	require.NoError(t, err)
	defer jobs.Remove(ctx, job.ID)
	defer reg.Unbind(ctx, host, "node-c")

	assert.Equal(t, store.PinnedQueueKey(host), job.QueueName)
}

// respondToSpawn subscribes to nodeID's control channel, waits for a single
// SpawnPinned message, and publishes reply(msg) to its reply channel.
func respondToSpawn(t *testing.T, st *store.Store, nodeID string, reply func(control.Message) control.Reply) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	sub := st.Subscribe(ctx, store.ControlChannel(nodeID))
	defer sub.Close()

	select {
	case raw, ok := <-sub.Channel():
		if !ok {
			return
		}
		var msg control.Message
		if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
			return
		}
		r := reply(msg)
		data, _ := json.Marshal(r)
		st.Publish(context.Background(), store.ControlReplyChannel(msg.RequestID), string(data))
	case <-ctx.Done():
	}
}
