// Package supervisor implements the NodeSupervisor daemon: the per-host
// process that publishes heartbeats, owns this host's slice of
// pinned-worker capacity, and spawns/kills internal/pinnedworker.Worker
// goroutines in response to control-channel messages. Go has no "fork a
// child process" primitive, so a NodeSupervisor owns PinnedWorker
// goroutines the way a parent process would own child processes elsewhere.
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/netpulse/netpulse/internal/pinnedworker"
	"github.com/netpulse/netpulse/pkg/cluster"
	"github.com/netpulse/netpulse/pkg/control"
	"github.com/netpulse/netpulse/pkg/driver"
	"github.com/netpulse/netpulse/pkg/errors"
	"github.com/netpulse/netpulse/pkg/filelock"
	"github.com/netpulse/netpulse/pkg/jobstore"
	"github.com/netpulse/netpulse/pkg/store"
	"github.com/netpulse/netpulse/pkg/types"
	"github.com/netpulse/netpulse/pkg/webhook"
	"github.com/netpulse/netpulse/pkg/workerstore"
)

// State is a NodeSupervisor lifecycle state.
type State string

const (
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateDraining State = "draining"
	StateStopped  State = "stopped"
)

// Config configures a NodeSupervisor instance.
type Config struct {
	NodeID              string
	Hostname            string
	Capacity            int
	HeartbeatInterval   time.Duration
	PollInterval        time.Duration
	DrainTimeout        time.Duration
	RegistrationTimeout time.Duration
	LockPath            string
}

type ownedWorker struct {
	host   string
	name   string
	cancel context.CancelFunc
	done   chan struct{}
}

// Supervisor is the NodeSupervisor implementation.
type Supervisor struct {
	cfg     Config
	drivers *driver.Registry
	st      *store.Store
	jobs    *jobstore.Store
	workers *workerstore.Store
	cluster *cluster.Registry
	hooks   *webhook.Caller
	log     zerolog.Logger

	mu    sync.Mutex
	state State
	owned map[string]*ownedWorker
	lock  *filelock.Lock
}

// New builds a NodeSupervisor. Run must be called to take the startup lock
// and begin serving.
func New(
	cfg Config,
	drivers *driver.Registry,
	st *store.Store,
	jobs *jobstore.Store,
	workers *workerstore.Store,
	reg *cluster.Registry,
	hooks *webhook.Caller,
	log zerolog.Logger,
) *Supervisor {
	return &Supervisor{
		cfg:     cfg,
		drivers: drivers,
		st:      st,
		jobs:    jobs,
		workers: workers,
		cluster: reg,
		hooks:   hooks,
		log:     log.With().Str("component", "node_supervisor").Str("node_id", cfg.NodeID).Logger(),
		state:   StateStarting,
		owned:   make(map[string]*ownedWorker),
	}
}

// State returns the supervisor's current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Supervisor) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Run acquires the per-host singleton file lock (at most one active
// NodeSupervisor per host; failing to acquire the lock is fatal), then
// heartbeats and serves control messages until ctx is cancelled, at which
// point it drains and returns.
func (s *Supervisor) Run(ctx context.Context) error {
	lock, err := filelock.Acquire(s.cfg.LockPath)
	if err != nil {
		return errors.Newf(errors.InternalError, "SUPERVISOR_LOCK_HELD", "another NodeSupervisor already owns %s: %v", s.cfg.LockPath, err)
	}
	s.lock = lock
	defer s.lock.Release()

	s.setState(StateRunning)
	s.log.Info().Int("capacity", s.cfg.Capacity).Msg("node supervisor running")

	if err := s.publishHeartbeat(ctx); err != nil {
		s.log.Warn().Err(err).Msg("initial heartbeat failed")
	}

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		s.heartbeatLoop(ctx)
	}()

	sub := s.st.Subscribe(ctx, store.ControlChannel(s.cfg.NodeID))
	defer sub.Close()
	msgCh := sub.Channel()

	for {
		select {
		case <-ctx.Done():
			s.drain(context.Background())
			<-heartbeatDone
			s.setState(StateStopped)
			return nil
		case raw, ok := <-msgCh:
			if !ok {
				<-heartbeatDone
				s.setState(StateStopped)
				return nil
			}
			s.handleControlMessage(ctx, raw.Payload)
		}
	}
}

func (s *Supervisor) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.publishHeartbeat(ctx); err != nil {
				s.log.Warn().Err(err).Msg("heartbeat publish failed")
			}
		}
	}
}

func (s *Supervisor) publishHeartbeat(ctx context.Context) error {
	s.mu.Lock()
	count := len(s.owned)
	s.mu.Unlock()
	return s.cluster.Heartbeat(ctx, types.NodeInfo{
		NodeID:   s.cfg.NodeID,
		Hostname: s.cfg.Hostname,
		Capacity: s.cfg.Capacity,
		Count:    count,
	})
}

func (s *Supervisor) handleControlMessage(ctx context.Context, payload string) {
	var msg control.Message
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		s.log.Warn().Err(err).Msg("failed to unmarshal control message")
		return
	}
	switch msg.Kind {
	case control.SpawnPinned:
		s.handleSpawn(ctx, msg)
	case control.KillPinned:
		s.handleKillPinned(msg)
	case control.KillAll:
		s.handleKillAll()
	case control.Drain:
		go s.drain(context.Background())
	default:
		s.log.Warn().Str("kind", string(msg.Kind)).Msg("unrecognized control message kind")
	}
}

// handleSpawn runs a SpawnPinned request: capacity check, atomic bind
// attempt, goroutine-owned worker start, reply once the worker has
// registered its WorkerRecord (or the registration wait times out).
func (s *Supervisor) handleSpawn(ctx context.Context, msg control.Message) {
	s.mu.Lock()
	count := len(s.owned)
	draining := s.state == StateDraining
	s.mu.Unlock()

	if draining {
		s.publishReply(ctx, control.Reply{Kind: control.Error, RequestID: msg.RequestID, Host: msg.Host, Message: "node is draining"})
		return
	}
	if count >= s.cfg.Capacity {
		s.publishReply(ctx, control.Reply{Kind: control.CapacityExhausted, RequestID: msg.RequestID, Host: msg.Host, NodeID: s.cfg.NodeID})
		return
	}

	bound, owner, err := s.cluster.Bind(ctx, msg.Host, s.cfg.NodeID)
	if err != nil {
		s.publishReply(ctx, control.Reply{Kind: control.Error, RequestID: msg.RequestID, Host: msg.Host, Message: err.Error()})
		return
	}
	if !bound {
		s.publishReply(ctx, control.Reply{Kind: control.LostRace, RequestID: msg.RequestID, Host: msg.Host, NodeID: owner})
		return
	}

	workerName := fmt.Sprintf("pinned-%s-%s-%d", s.cfg.NodeID, msg.Host, time.Now().UnixNano())
	wCfg := pinnedworker.Config{
		Name: workerName, Host: msg.Host, NodeID: s.cfg.NodeID,
		Hostname: s.cfg.Hostname, PollInterval: s.cfg.PollInterval,
	}
	worker := pinnedworker.New(wCfg, s.drivers, s.st, s.jobs, s.workers, s.cluster, s.hooks, s.log)

	workerCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.mu.Lock()
	s.owned[msg.Host] = &ownedWorker{host: msg.Host, name: workerName, cancel: cancel, done: done}
	s.mu.Unlock()

	go func() {
		defer close(done)
		if err := worker.Run(workerCtx); err != nil {
			s.log.Warn().Err(err).Str("host", msg.Host).Msg("pinned worker exited with error")
		}
		s.onWorkerExit(msg.Host)
	}()

	if !s.waitForRegistration(ctx, workerName) {
		s.publishReply(ctx, control.Reply{Kind: control.Error, RequestID: msg.RequestID, Host: msg.Host, Message: "pinned worker did not register before spawn_timeout"})
		return
	}
	s.publishReply(ctx, control.Reply{Kind: control.Spawned, RequestID: msg.RequestID, Host: msg.Host, NodeID: s.cfg.NodeID, WorkerName: workerName})
}

func (s *Supervisor) waitForRegistration(ctx context.Context, name string) bool {
	deadline := time.Now().Add(s.cfg.RegistrationTimeout)
	for time.Now().Before(deadline) {
		if _, ok, err := s.workers.Get(ctx, name); err == nil && ok {
			return true
		}
		time.Sleep(50 * time.Millisecond)
	}
	return false
}

// onWorkerExit reconciles local bookkeeping once a PinnedWorker goroutine
// returns. The worker itself already unbound its host and removed its
// WorkerRecord (internal/pinnedworker.Worker.shutdown); this only frees the
// local capacity slot and republishes NodeInfo.
func (s *Supervisor) onWorkerExit(host string) {
	s.mu.Lock()
	delete(s.owned, host)
	count := len(s.owned)
	s.mu.Unlock()
	s.log.Info().Str("host", host).Int("count", count).Msg("pinned worker slot freed")
	if err := s.publishHeartbeat(context.Background()); err != nil {
		s.log.Warn().Err(err).Msg("failed to publish heartbeat after worker exit")
	}
}

func (s *Supervisor) handleKillPinned(msg control.Message) {
	s.mu.Lock()
	w, ok := s.owned[msg.Host]
	s.mu.Unlock()
	if !ok {
		return
	}
	w.cancel()
}

func (s *Supervisor) handleKillAll() {
	s.mu.Lock()
	workers := make([]*ownedWorker, 0, len(s.owned))
	for _, w := range s.owned {
		workers = append(workers, w)
	}
	s.mu.Unlock()
	for _, w := range workers {
		w.cancel()
	}
}

// drain handles a Drain request: stop accepting spawns, signal every owned
// worker to finish its current job and exit, and wait up to drain_timeout.
// Go goroutines have no forcible kill; past the timeout this simply stops
// waiting rather than literally terminating them, which is the closest a
// goroutine-modeled worker can come to "force-kill".
func (s *Supervisor) drain(ctx context.Context) {
	s.setState(StateDraining)
	s.log.Info().Msg("draining")

	s.mu.Lock()
	workers := make([]*ownedWorker, 0, len(s.owned))
	for _, w := range s.owned {
		workers = append(workers, w)
	}
	s.mu.Unlock()

	for _, w := range workers {
		w.cancel()
	}

	deadline := time.After(s.cfg.DrainTimeout)
	for _, w := range workers {
		select {
		case <-w.done:
		case <-deadline:
			s.log.Warn().Str("host", w.host).Msg("drain timeout exceeded, abandoning remaining worker wait")
			return
		}
	}
}

func (s *Supervisor) publishReply(ctx context.Context, r control.Reply) {
	data, err := json.Marshal(r)
	if err != nil {
		s.log.Warn().Err(err).Msg("failed to marshal control reply")
		return
	}
	if err := s.st.Publish(ctx, store.ControlReplyChannel(r.RequestID), string(data)); err != nil {
		s.log.Warn().Err(err).Str("request_id", r.RequestID).Msg("failed to publish control reply")
	}
}
