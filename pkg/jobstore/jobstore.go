// Package jobstore persists and queries Job records. The store's KV
// contract only names per-key records and queues, not a global listing;
// enumerating jobs by id/queue/status/node/host needs one supplemental
// index — a Redis set of every live job id — alongside the per-job JSON
// blob. A thin typed wrapper doing JSON marshal/unmarshal around generic
// store operations.
package jobstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/netpulse/netpulse/pkg/errors"
	"github.com/netpulse/netpulse/pkg/store"
	"github.com/netpulse/netpulse/pkg/types"
)

const indexKey = "netpulse:jobs:index"

// Store is the Job repository over the SharedStore.
type Store struct {
	store *store.Store
	log   zerolog.Logger
}

// New builds a Job repository.
func New(s *store.Store, log zerolog.Logger) *Store {
	return &Store{store: s, log: log.With().Str("component", "jobstore").Logger()}
}

// Create persists a new job and adds it to the listing index.
func (js *Store) Create(ctx context.Context, job *types.Job) error {
	if err := js.save(ctx, job); err != nil {
		return err
	}
	return js.store.SetAdd(ctx, indexKey, job.ID)
}

// Save persists an updated job (status/result transitions). Terminal jobs
// get a TTL of ResultTTLSeconds so finished history doesn't accumulate
// forever; non-terminal jobs have no expiry (their TTL is enforced by
// Expired, not by store deletion, since a queued job must survive until
// claimed).
func (js *Store) save(ctx context.Context, job *types.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return errors.NewInternalError("failed to marshal job: " + err.Error())
	}
	ttl := time.Duration(0)
	if job.IsTerminal() && job.ResultTTLSeconds > 0 {
		ttl = time.Duration(job.ResultTTLSeconds) * time.Second
	}
	return js.store.Set(ctx, store.JobKey(job.ID), string(data), ttl)
}

// Save persists an updated job's state.
func (js *Store) Save(ctx context.Context, job *types.Job) error {
	return js.save(ctx, job)
}

// Get reads a single job by id.
func (js *Store) Get(ctx context.Context, id string) (*types.Job, bool, error) {
	raw, err := js.store.Get(ctx, store.JobKey(id))
	if err != nil {
		return nil, false, err
	}
	if raw == "" {
		return nil, false, nil
	}
	var job types.Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, false, errors.NewInternalError("failed to unmarshal job: " + err.Error())
	}
	return &job, true, nil
}

// Remove deletes a job's record and its index entry.
func (js *Store) Remove(ctx context.Context, id string) error {
	if err := js.store.Delete(ctx, store.JobKey(id)); err != nil {
		return err
	}
	return js.store.SetRemove(ctx, indexKey, id)
}

// Filter narrows List results; zero-value fields are unconstrained. There
// is no node field: a Job record doesn't carry node_id directly, only a
// worker name, so the caller filters List's result by the node's current
// worker names (looked up via pkg/workerstore) itself.
type Filter struct {
	ID     string
	Queue  string
	Status types.JobStatus
	Host   string
}

func (f Filter) matches(j *types.Job) bool {
	if f.ID != "" && j.ID != f.ID {
		return false
	}
	if f.Queue != "" && j.QueueName != f.Queue {
		return false
	}
	if f.Status != "" && j.Status != f.Status {
		return false
	}
	if f.Host != "" && j.Host != f.Host {
		return false
	}
	return true
}

// List enumerates jobs matching filter. If filter.ID is set, it
// short-circuits to a single Get, since id is the highest-priority filter.
func (js *Store) List(ctx context.Context, filter Filter) ([]*types.Job, error) {
	if filter.ID != "" {
		job, ok, err := js.Get(ctx, filter.ID)
		if err != nil || !ok {
			return nil, err
		}
		return []*types.Job{job}, nil
	}

	ids, err := js.store.SetMembers(ctx, indexKey)
	if err != nil {
		return nil, err
	}
	out := make([]*types.Job, 0, len(ids))
	for _, id := range ids {
		job, ok, err := js.Get(ctx, id)
		if err != nil {
			js.log.Warn().Err(err).Str("job_id", id).Msg("failed to load indexed job")
			continue
		}
		if !ok {
			// Expired via TTL; drop the stale index entry.
			_ = js.store.SetRemove(ctx, indexKey, id)
			continue
		}
		if filter.matches(job) {
			out = append(out, job)
		}
	}
	return out, nil
}

// CancelQueued removes every queued job matching filter from its queue and
// marks it cancelled. Jobs already claimed by a worker are not affected.
func (js *Store) CancelQueued(ctx context.Context, filter Filter) ([]string, error) {
	jobs, err := js.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	var cancelled []string
	now := time.Now()
	for _, job := range jobs {
		if job.Status != types.JobQueued {
			continue
		}
		n, err := js.store.ListRemoveByID(ctx, job.QueueName, job.ID)
		if err != nil {
			js.log.Warn().Err(err).Str("job_id", job.ID).Msg("failed to remove cancelled job from queue")
			continue
		}
		if n == 0 {
			continue // already popped off the queue by a worker
		}
		job.Status = types.JobCancelled
		job.EndedAt = &now
		job.Result = &types.JobResult{Type: types.ResultFailure, Error: &types.JobError{
			Kind:    string(errors.Cancelled),
			Message: "job cancelled before being claimed",
		}}
		if err := js.save(ctx, job); err != nil {
			js.log.Warn().Err(err).Str("job_id", job.ID).Msg("failed to persist cancellation")
			continue
		}
		cancelled = append(cancelled, job.ID)
	}
	return cancelled, nil
}
