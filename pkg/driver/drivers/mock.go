// Package drivers holds concrete Driver implementations. Mock is a
// deterministic in-memory driver used for tests, local development, and as
// a template for real device drivers.
package drivers

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/netpulse/netpulse/pkg/driver"
)

// mockConnection is the Connection type returned by Mock.
type mockConnection struct {
	host      string
	closed    atomic.Bool
	alive     atomic.Bool
	mu        sync.Mutex
	lastSeen  time.Time
}

// Mock is a Driver implementation that never touches the network; it
// answers every command with canned output and can be made to fail on
// demand (FailConnect, AliveFunc), for exercising the
// PinnedSession/PinnedWorker/FifoWorker state machines in tests.
type Mock struct {
	Persistent bool
	// FailConnect, when set, is returned verbatim from Connect.
	FailConnect error
	// AliveFunc overrides IsAlive's default "always true" behavior.
	AliveFunc func(host string) bool
}

// NewMock returns a Mock driver defaulting to the pinned strategy.
func NewMock() *Mock {
	return &Mock{Persistent: true}
}

func (m *Mock) Connect(ctx context.Context, connArgs map[string]interface{}) (driver.Connection, error) {
	if m.FailConnect != nil {
		return nil, m.FailConnect
	}
	host, _ := connArgs["host"].(string)
	conn := &mockConnection{host: host, lastSeen: time.Now()}
	conn.alive.Store(true)
	return conn, nil
}

func (m *Mock) Send(ctx context.Context, conn driver.Connection, commands []string) (map[string]string, error) {
	c := conn.(*mockConnection)
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(commands))
	for _, cmd := range commands {
		out[cmd] = fmt.Sprintf("mock output for %q on %s", cmd, c.host)
	}
	return out, nil
}

func (m *Mock) Configure(ctx context.Context, conn driver.Connection, config []string, flags map[string]interface{}) (string, error) {
	c := conn.(*mockConnection)
	c.mu.Lock()
	defer c.mu.Unlock()
	return fmt.Sprintf("applied %d config lines to %s", len(config), c.host), nil
}

func (m *Mock) Disconnect(conn driver.Connection) error {
	c := conn.(*mockConnection)
	c.closed.Store(true)
	c.alive.Store(false)
	return nil
}

func (m *Mock) IsAlive(ctx context.Context, conn driver.Connection) bool {
	c := conn.(*mockConnection)
	if c.closed.Load() {
		return false
	}
	if m.AliveFunc != nil {
		return m.AliveFunc(c.host)
	}
	return c.alive.Load()
}

func (m *Mock) Keepalive(ctx context.Context, conn driver.Connection) error {
	c := conn.(*mockConnection)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastSeen = time.Now()
	return nil
}

func (m *Mock) SupportsPersistentSession() bool {
	return m.Persistent
}
