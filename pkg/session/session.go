// Package session implements PinnedSession: the concurrency-safe,
// self-healing long-lived device connection owned exclusively by one
// PinnedWorker process. It is a mutex-guarded resource plus a background
// monitor goroutine that signals the owner on failure.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/netpulse/netpulse/pkg/driver"
	"github.com/netpulse/netpulse/pkg/errors"
	"github.com/netpulse/netpulse/pkg/types"
)

const (
	defaultKeepaliveInterval = 30 * time.Second
	// minKeepaliveInterval is a hard floor against a zero or negative
	// interval wedging the monitor loop into a busy spin; 10s is only a
	// recommendation, not a requirement, so callers that genuinely want
	// sub-10s keepalive (e.g. for faster dead-connection detection) get it.
	minKeepaliveInterval = 1 * time.Second
	maxKeepaliveInterval = 300 * time.Second
)

// fingerprint derives a stable identity string from connection_args: two
// Requests with the same fingerprint are eligible to share a session.
// encoding/json sorts map keys, so this is stable across calls.
func fingerprint(connArgs map[string]interface{}) string {
	b, err := json.Marshal(connArgs)
	if err != nil {
		// Fall back to a representation that's at least stable for the
		// process lifetime; a marshal failure here means connArgs contains
		// something unusual (e.g. a channel), which validation should have
		// already rejected.
		return fmt.Sprintf("%v", connArgs)
	}
	return string(b)
}

func keepaliveInterval(connArgs map[string]interface{}) time.Duration {
	raw, ok := connArgs["keepalive"]
	if !ok {
		return defaultKeepaliveInterval
	}
	var seconds float64
	switch v := raw.(type) {
	case float64:
		seconds = v
	case int:
		seconds = float64(v)
	default:
		return defaultKeepaliveInterval
	}
	d := time.Duration(seconds * float64(time.Second))
	if d < minKeepaliveInterval {
		return minKeepaliveInterval
	}
	if d > maxKeepaliveInterval {
		return maxKeepaliveInterval
	}
	return d
}

// Session is a PinnedSession: exactly one underlying driver connection,
// reused across jobs while connection_args is unchanged, guarded by a single
// connectionLock serializing job execution and keepalive traffic.
type Session struct {
	drv driver.Driver
	log zerolog.Logger

	connectionLock sync.Mutex
	conn           driver.Connection
	connArgsFp     string
	lastHealthOkAt time.Time

	stopMonitor chan struct{}
	monitorDone chan struct{}
	suicide     chan struct{}
	suicideOnce sync.Once
}

// New creates an empty Session bound to drv; Ensure must be called before
// RunOperation.
func New(drv driver.Driver, log zerolog.Logger) *Session {
	return &Session{
		drv:     drv,
		log:     log.With().Str("component", "pinned_session").Logger(),
		suicide: make(chan struct{}),
	}
}

// Suicide returns a channel closed when the session has detected
// unrecoverable connection failure; the owning PinnedWorker must stop
// popping new jobs and terminate once it observes this.
func (s *Session) Suicide() <-chan struct{} {
	return s.suicide
}

func (s *Session) signalSuicide(reason error) {
	s.suicideOnce.Do(func() {
		s.log.Warn().Err(reason).Msg("pinned session terminating")
		close(s.suicide)
	})
}

// Ensure guarantees a live connection for connArgs exists, opening one if
// none exists yet or replacing it if connArgs has a different fingerprint
// than the current session.
func (s *Session) Ensure(ctx context.Context, connArgs map[string]interface{}) error {
	fp := fingerprint(connArgs)

	s.connectionLock.Lock()
	sameConn := s.conn != nil && s.connArgsFp == fp
	s.connectionLock.Unlock()
	if sameConn {
		return nil
	}

	// Stop the old monitor (if any) before tearing down the connection: the
	// monitor must never observe a connection it doesn't own.
	s.stopMonitorLoop()

	s.connectionLock.Lock()
	defer s.connectionLock.Unlock()

	if s.conn != nil {
		if err := s.drv.Disconnect(s.conn); err != nil {
			s.log.Warn().Err(err).Msg("error disconnecting stale session")
		}
		s.conn = nil
	}

	conn, err := s.drv.Connect(ctx, connArgs)
	if err != nil {
		return err
	}
	s.conn = conn
	s.connArgsFp = fp
	s.lastHealthOkAt = time.Now()

	s.startMonitorLoop(keepaliveInterval(connArgs))
	return nil
}

// RunOperation executes op against the current connection under
// connectionLock, the only lock inside a PinnedWorker.
func (s *Session) RunOperation(ctx context.Context, op types.Operation) (*types.JobResult, error) {
	s.connectionLock.Lock()
	defer s.connectionLock.Unlock()

	if s.conn == nil {
		return nil, errors.NewProtocolError(fmt.Errorf("session has no active connection"))
	}

	switch op.Kind {
	case types.OperationTestConnection:
		return &types.JobResult{Type: types.ResultSuccess, Retval: true}, nil
	case types.OperationConfig:
		out, err := s.drv.Configure(ctx, s.conn, op.Config, nil)
		if err != nil {
			return nil, err
		}
		return &types.JobResult{Type: types.ResultSuccess, Retval: out}, nil
	default:
		out, err := s.drv.Send(ctx, s.conn, op.Command)
		if err != nil {
			return nil, err
		}
		return &types.JobResult{Type: types.ResultSuccess, Retval: sortedOutput(out)}, nil
	}
}

// sortedOutput renders a command->output map deterministically for JSON
// encoding (map iteration order is otherwise unspecified).
func sortedOutput(out map[string]string) map[string]string {
	keys := make([]string, 0, len(out))
	for k := range out {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	ordered := make(map[string]string, len(out))
	for _, k := range keys {
		ordered[k] = out[k]
	}
	return ordered
}

// Close stops the monitor and disconnects the underlying connection. Safe to
// call multiple times.
func (s *Session) Close() {
	s.stopMonitorLoop()

	s.connectionLock.Lock()
	defer s.connectionLock.Unlock()
	if s.conn != nil {
		if err := s.drv.Disconnect(s.conn); err != nil {
			s.log.Warn().Err(err).Msg("error disconnecting session")
		}
		s.conn = nil
	}
}

func (s *Session) startMonitorLoop(interval time.Duration) {
	s.stopMonitor = make(chan struct{})
	s.monitorDone = make(chan struct{})
	go s.monitorLoop(interval, s.stopMonitor, s.monitorDone)
}

func (s *Session) stopMonitorLoop() {
	if s.stopMonitor == nil {
		return
	}
	close(s.stopMonitor)
	<-s.monitorDone
	s.stopMonitor = nil
	s.monitorDone = nil
}

// monitorLoop is the session's single auxiliary thread: on each tick it
// probes liveness and sends keepalive traffic, both under connectionLock,
// and signals suicide on the first failure.
func (s *Session) monitorLoop(interval time.Duration, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if s.tick() {
				return
			}
		}
	}
}

// tick runs one health-check/keepalive cycle. Returns true if the session
// should terminate (suicide signaled).
func (s *Session) tick() bool {
	s.connectionLock.Lock()
	defer s.connectionLock.Unlock()

	if s.conn == nil {
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if !s.drv.IsAlive(ctx, s.conn) {
		s.signalSuicide(fmt.Errorf("connection health check failed"))
		return true
	}
	s.lastHealthOkAt = time.Now()

	if err := s.drv.Keepalive(ctx, s.conn); err != nil {
		s.signalSuicide(err)
		return true
	}
	return false
}
