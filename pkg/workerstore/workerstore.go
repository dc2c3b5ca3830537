// Package workerstore persists and queries WorkerRecord entries: each
// record is written by its owning worker and read-only for everyone else.
// It mirrors pkg/jobstore's repository-over-store shape, including the
// same supplemental listing-index pattern, since WorkerRecords need the
// same per-key-record-plus-enumeration access as jobs.
package workerstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/netpulse/netpulse/pkg/errors"
	"github.com/netpulse/netpulse/pkg/store"
	"github.com/netpulse/netpulse/pkg/types"
)

const indexKey = "netpulse:workers:index"

// Store is the WorkerRecord repository over the SharedStore.
type Store struct {
	store *store.Store
	log   zerolog.Logger
}

// New builds a WorkerRecord repository.
func New(s *store.Store, log zerolog.Logger) *Store {
	return &Store{store: s, log: log.With().Str("component", "workerstore").Logger()}
}

// Register publishes a new worker record and indexes it for listing.
func (ws *Store) Register(ctx context.Context, rec *types.WorkerRecord) error {
	if err := ws.Save(ctx, rec); err != nil {
		return err
	}
	return ws.store.SetAdd(ctx, indexKey, rec.Name)
}

// Save persists an updated worker record (status/heartbeat/counters).
func (ws *Store) Save(ctx context.Context, rec *types.WorkerRecord) error {
	rec.LastHeartbeat = time.Now()
	data, err := json.Marshal(rec)
	if err != nil {
		return errors.NewInternalError("failed to marshal worker record: " + err.Error())
	}
	return ws.store.Set(ctx, store.WorkerKey(rec.Name), string(data), 0)
}

// Get reads a single worker record by name.
func (ws *Store) Get(ctx context.Context, name string) (*types.WorkerRecord, bool, error) {
	raw, err := ws.store.Get(ctx, store.WorkerKey(name))
	if err != nil {
		return nil, false, err
	}
	if raw == "" {
		return nil, false, nil
	}
	var rec types.WorkerRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, false, errors.NewInternalError("failed to unmarshal worker record: " + err.Error())
	}
	return &rec, true, nil
}

// Remove deletes a worker record and its index entry, called when a worker
// terminates: the record is removed outright once dead rather than left to
// linger, since a WorkerRecord is owned exclusively by its live worker.
func (ws *Store) Remove(ctx context.Context, name string) error {
	if err := ws.store.Delete(ctx, store.WorkerKey(name)); err != nil {
		return err
	}
	return ws.store.SetRemove(ctx, indexKey, name)
}

// Filter narrows List results; zero-value fields are unconstrained.
type Filter struct {
	Name  string
	Queue string
	Node  string
	Host  string
}

func (f Filter) matches(w *types.WorkerRecord) bool {
	if f.Name != "" && w.Name != f.Name {
		return false
	}
	if f.Node != "" && w.NodeID != f.Node {
		return false
	}
	if f.Host != "" && w.Host != f.Host {
		return false
	}
	if f.Queue != "" {
		found := false
		for _, q := range w.Queues {
			if q == f.Queue {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// List enumerates worker records matching filter.
func (ws *Store) List(ctx context.Context, filter Filter) ([]*types.WorkerRecord, error) {
	if filter.Name != "" {
		rec, ok, err := ws.Get(ctx, filter.Name)
		if err != nil || !ok {
			return nil, err
		}
		return []*types.WorkerRecord{rec}, nil
	}

	names, err := ws.store.SetMembers(ctx, indexKey)
	if err != nil {
		return nil, err
	}
	out := make([]*types.WorkerRecord, 0, len(names))
	for _, name := range names {
		rec, ok, err := ws.Get(ctx, name)
		if err != nil {
			ws.log.Warn().Err(err).Str("worker", name).Msg("failed to load indexed worker record")
			continue
		}
		if !ok {
			_ = ws.store.SetRemove(ctx, indexKey, name)
			continue
		}
		if filter.matches(rec) {
			out = append(out, rec)
		}
	}
	return out, nil
}
