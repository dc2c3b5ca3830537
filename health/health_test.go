package health

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
	"github.com/netpulse/netpulse/pkg/store"
)

func newChecker(t *testing.T) *Checker {
	t.Helper()
	addr := os.Getenv("NETPULSE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("NETPULSE_TEST_REDIS_ADDR not set, skipping health integration test")
	}
	st, err := store.New(&config.StoreConfig{Host: addr, Port: "6379"})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	reg := cluster.New(st, 30*time.Second, zerolog.Nop())
	return NewChecker(st, reg)
}

func TestGetHealthStatusReportsStoreReachable(t *testing.T) {
	c := newChecker(t)
	status := c.GetHealthStatus(context.Background())
	require.NotEmpty(t, status.Services)
	for _, svc := range status.Services {
		if svc.Name == "store" {
			assert.True(t, svc.Available)
		}
	}
}

func TestGetHealthStatusDegradedWithNoAliveNodes(t *testing.T) {
	c := newChecker(t)
	status := c.GetHealthStatus(context.Background())
	assert.Equal(t, 0, status.NodesAlive)
	assert.Equal(t, StatusDegraded, status.Status)
}
