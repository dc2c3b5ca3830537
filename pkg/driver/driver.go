// Package driver defines the Driver contract consumed by workers and the
// DriverRegistry lookup table: a small capability interface plus a registry
// of named implementations resolved at startup.
package driver

import (
	"context"
	"fmt"
	"sync"

	"github.com/netpulse/netpulse/pkg/types"
)

// Connection is an opaque handle to a live device connection, owned
// exclusively by the Driver implementation that created it.
type Connection interface{}

// Driver is the capability set every concrete device driver implements.
// The core never inspects a Connection; it only calls back through this
// interface.
type Driver interface {
	// Connect opens a new connection using the caller-supplied connection
	// arguments. Fails with ErrorKind ConnectionFailed, AuthenticationFailed,
	// or Timeout.
	Connect(ctx context.Context, connArgs map[string]interface{}) (Connection, error)
	// Send runs commands serially and returns each command's output. May
	// fail with ErrorKind CommandFailed, ProtocolError, or Timeout.
	Send(ctx context.Context, conn Connection, commands []string) (map[string]string, error)
	// Configure applies a configuration command list.
	Configure(ctx context.Context, conn Connection, config []string, flags map[string]interface{}) (string, error)
	// Disconnect closes conn. Idempotent: calling it twice never panics or
	// returns an error (testable property 4).
	Disconnect(conn Connection) error
	// IsAlive is a cheap health probe used by the PinnedSession monitor.
	IsAlive(ctx context.Context, conn Connection) bool
	// Keepalive sends application-layer activity to keep conn from idling
	// out at the device or any intermediate NAT/firewall.
	Keepalive(ctx context.Context, conn Connection) error
	// SupportsPersistentSession reports this driver's default queue
	// strategy: true selects pinned, false selects fifo.
	SupportsPersistentSession() bool
}

// Registry is the typed, read-only-after-boot table of driver
// implementations.
type Registry struct {
	mu      sync.RWMutex
	drivers map[string]Driver
}

// NewRegistry creates an empty driver registry.
func NewRegistry() *Registry {
	return &Registry{drivers: make(map[string]Driver)}
}

// Register adds a driver implementation under name. Intended to be called
// only during startup, while enumerating a plugin directory; the registry
// is not meant to be mutated concurrently with lookups, though the mutex
// makes it safe regardless.
func (r *Registry) Register(name string, d Driver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drivers[name] = d
}

// Get looks up a driver by name.
func (r *Registry) Get(name string) (Driver, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.drivers[name]
	if !ok {
		return nil, fmt.Errorf("driver %q is not registered", name)
	}
	return d, nil
}

// DefaultStrategy returns the default queue strategy for a registered
// driver, derived from its SupportsPersistentSession metadata.
func (r *Registry) DefaultStrategy(name string) (types.QueueStrategy, error) {
	d, err := r.Get(name)
	if err != nil {
		return "", err
	}
	if d.SupportsPersistentSession() {
		return types.StrategyPinned, nil
	}
	return types.StrategyFifo, nil
}

// Names returns every registered driver name, for diagnostics.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.drivers))
	for n := range r.drivers {
		names = append(names, n)
	}
	return names
}
