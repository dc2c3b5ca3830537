package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordJobScheduledIncrementsByStrategy(t *testing.T) {
	m := New("netpulse_test", "metrics_jobs")

	m.RecordJobScheduled("pinned")
	m.RecordJobScheduled("pinned")
	m.RecordJobScheduled("fifo")

	assert.Equal(t, float64(2), testutil.ToFloat64(m.jobsScheduled.WithLabelValues("pinned")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.jobsScheduled.WithLabelValues("fifo")))
}

func TestRecordStoreOperationCountsErrorsSeparately(t *testing.T) {
	m := New("netpulse_test", "metrics_store")

	m.RecordStoreOperation("get", 10*time.Millisecond, nil)
	m.RecordStoreOperation("get", 10*time.Millisecond, errors.New("boom"))

	assert.Equal(t, float64(1), testutil.ToFloat64(m.storeErrors.WithLabelValues("get")))
}

func TestGaugeSetters(t *testing.T) {
	m := New("netpulse_test", "metrics_gauges")

	m.SetPinnedSessionsActive(3)
	m.SetNodesAlive(2)
	m.SetQueueDepth("netpulse:queue:fifo", 7)

	assert.Equal(t, float64(3), testutil.ToFloat64(m.pinnedSessionsActive))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.nodesAlive))
	assert.Equal(t, float64(7), testutil.ToFloat64(m.queueDepth.WithLabelValues("netpulse:queue:fifo")))
}

func TestCapacityExhaustedCounter(t *testing.T) {
	m := New("netpulse_test", "metrics_capacity")

	m.RecordCapacityExhausted()
	m.RecordCapacityExhausted()

	assert.Equal(t, float64(2), testutil.ToFloat64(m.capacityExhausted))
}

func TestGetReturnsSameInstance(t *testing.T) {
	a := Get()
	b := Get()
	assert.Same(t, a, b)
}
