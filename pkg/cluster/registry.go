// Package cluster implements the ClusterRegistry: tracks live nodes, their
// capacity and current pinned count, and host->node bindings, all stored
// in the shared store. Background maintenance tasks use a SetNX-style
// leader lease so only one controller acts per interval across the fleet.
package cluster

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/netpulse/netpulse/pkg/errors"
	"github.com/netpulse/netpulse/pkg/store"
	"github.com/netpulse/netpulse/pkg/types"
)

// Registry is the ClusterRegistry adapter over the SharedStore.
type Registry struct {
	store   *store.Store
	nodeTTL time.Duration
	log     zerolog.Logger
}

// New builds a ClusterRegistry bound to the given store and node TTL.
func New(s *store.Store, nodeTTL time.Duration, log zerolog.Logger) *Registry {
	return &Registry{store: s, nodeTTL: nodeTTL, log: log.With().Str("component", "cluster_registry").Logger()}
}

// Heartbeat upserts a node's record in the store and refreshes its
// liveness window. Failures are surfaced as StoreUnavailable.
func (r *Registry) Heartbeat(ctx context.Context, info types.NodeInfo) error {
	info.LastHeartbeat = time.Now()
	data, err := json.Marshal(info)
	if err != nil {
		return errors.NewInternalError("failed to marshal node info: " + err.Error())
	}
	if err := r.store.HSet(ctx, store.NodeInfoMapKey, info.NodeID, string(data)); err != nil {
		return err
	}
	r.log.Debug().Str("node_id", info.NodeID).Int("count", info.Count).Int("capacity", info.Capacity).Msg("heartbeat")
	return nil
}

// Snapshot returns every node whose heartbeat is still within node_ttl,
// sorted by node_id for stable scheduler tie-breaks.
func (r *Registry) Snapshot(ctx context.Context) ([]types.NodeInfo, error) {
	raw, err := r.store.HGetAll(ctx, store.NodeInfoMapKey)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	nodes := make([]types.NodeInfo, 0, len(raw))
	for _, v := range raw {
		var info types.NodeInfo
		if err := json.Unmarshal([]byte(v), &info); err != nil {
			r.log.Warn().Err(err).Msg("dropping malformed node_info_map entry")
			continue
		}
		if info.Alive(now, r.nodeTTL) {
			nodes = append(nodes, info)
		}
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].NodeID < nodes[j].NodeID })
	return nodes, nil
}

// GetBinding reads the current node owning host's pinned worker, if any.
func (r *Registry) GetBinding(ctx context.Context, host string) (nodeID string, ok bool, err error) {
	return r.store.HGet(ctx, store.HostToNodeMapKey, host)
}

// Bind is the atomic compare-and-swap primitive preventing two pinned
// workers from ever being created for the same host. It succeeds only if
// no binding currently exists; on conflict it returns the prior (winning)
// node_id.
func (r *Registry) Bind(ctx context.Context, host, nodeID string) (bound bool, owner string, err error) {
	ok, prior, err := r.store.CompareAndSwap(ctx, store.HostToNodeMapKey, host, "", nodeID)
	if err != nil {
		return false, "", err
	}
	if ok {
		return true, nodeID, nil
	}
	return false, prior, nil
}

// Unbind is a conditional delete: it only removes the binding if it still
// points at expectedNodeID.
func (r *Registry) Unbind(ctx context.Context, host, expectedNodeID string) (bool, error) {
	ok, _, err := r.store.CompareAndSwap(ctx, store.HostToNodeMapKey, host, expectedNodeID, "")
	if err != nil {
		return false, err
	}
	return ok, nil
}

// IncrementCount adjusts a node's pinned-worker count by reading the node's
// serialized NodeInfo, changing its count and writing it back. The read and
// the write are separate store calls, so the update is not atomic against a
// concurrent writer of the same node. The NodeSupervisor is authoritative
// for this value; the registry only offers the primitive.
func (r *Registry) IncrementCount(ctx context.Context, nodeID string, delta int) error {
	// count lives inside the serialized NodeInfo, not a bare hash field, so
	// increment-then-rewrite under the node's own heartbeat cadence rather
	// than HINCRBY on a field that doesn't exist standalone. Supervisors
	// call this between heartbeats when a child spawns or exits.
	raw, ok, err := r.store.HGet(ctx, store.NodeInfoMapKey, nodeID)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Newf(errors.InternalError, "NODE_NOT_FOUND", "node %s has no published NodeInfo", nodeID)
	}
	var info types.NodeInfo
	if err := json.Unmarshal([]byte(raw), &info); err != nil {
		return errors.NewInternalError("failed to unmarshal node info: " + err.Error())
	}
	info.Count += delta
	if info.Count < 0 {
		info.Count = 0
	}
	return r.Heartbeat(ctx, info)
}

// DecrementCount is IncrementCount(nodeID, -delta).
func (r *Registry) DecrementCount(ctx context.Context, nodeID string, delta int) error {
	return r.IncrementCount(ctx, nodeID, -delta)
}

// RunReaper starts a background loop that periodically clears bindings
// pointing at dead nodes. Any controller process may run it; a leader
// lease ensures only one instance acts per interval across the fleet.
func (r *Registry) RunReaper(ctx context.Context, interval time.Duration, leaseKey string) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reapOnce(ctx, leaseKey, interval)
		}
	}
}

func (r *Registry) reapOnce(ctx context.Context, leaseKey string, interval time.Duration) {
	acquired, _, err := r.store.CompareAndSwap(ctx, leaseKey, "lease", "", "held")
	if err != nil {
		r.log.Warn().Err(err).Msg("reaper lease attempt failed")
		return
	}
	if !acquired {
		return
	}
	// Give the lease a TTL shorter than the reap interval so a controller
	// that crashes between acquiring it and the deferred Delete doesn't
	// leave every future reaper permanently locked out.
	leaseTTL := interval
	if leaseTTL > time.Second {
		leaseTTL -= time.Second
	}
	if err := r.store.Expire(ctx, leaseKey, leaseTTL); err != nil {
		r.log.Warn().Err(err).Msg("reaper lease expire failed")
	}
	defer r.store.Delete(ctx, leaseKey)

	alive, err := r.Snapshot(ctx)
	if err != nil {
		r.log.Warn().Err(err).Msg("reaper snapshot failed")
		return
	}
	aliveSet := make(map[string]bool, len(alive))
	for _, n := range alive {
		aliveSet[n.NodeID] = true
	}

	bindings, err := r.store.HGetAll(ctx, store.HostToNodeMapKey)
	if err != nil {
		r.log.Warn().Err(err).Msg("reaper binding read failed")
		return
	}
	for host, nodeID := range bindings {
		if !aliveSet[nodeID] {
			if ok, err := r.Unbind(ctx, host, nodeID); err == nil && ok {
				r.log.Info().Str("host", host).Str("node_id", nodeID).Msg("reaped stale binding for dead node")
			}
		}
	}
}
