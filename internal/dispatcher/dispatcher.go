// Package dispatcher implements the Dispatcher: the stateless REST-facing
// component that classifies a Request, resolves or spawns a pinned worker
// when needed, and enqueues the resulting Job. It is a stateless struct
// wiring several repositories and a queue together behind one Submit-style
// entry point.
package dispatcher

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/netpulse/netpulse/pkg/cluster"
	"github.com/netpulse/netpulse/pkg/control"
	"github.com/netpulse/netpulse/pkg/driver"
	"github.com/netpulse/netpulse/pkg/errors"
	"github.com/netpulse/netpulse/pkg/jobstore"
	"github.com/netpulse/netpulse/pkg/metrics"
	"github.com/netpulse/netpulse/pkg/scheduler"
	"github.com/netpulse/netpulse/pkg/store"
	"github.com/netpulse/netpulse/pkg/types"
)

// Config configures Dispatcher behavior.
type Config struct {
	DefaultJobTTL    int
	DefaultTimeout   int
	DefaultResultTTL int
	SpawnTimeout     time.Duration
	SpawnRetries     int
}

// Dispatcher is the stateless request-handling path: multiple dispatchers
// may run concurrently, since the bind compare-and-swap is the only
// serialization point they share.
type Dispatcher struct {
	cfg     Config
	drivers *driver.Registry
	sched   scheduler.Scheduler
	st      *store.Store
	jobs    *jobstore.Store
	cluster *cluster.Registry
	log     zerolog.Logger
}

// New builds a Dispatcher.
func New(
	cfg Config,
	drivers *driver.Registry,
	sched scheduler.Scheduler,
	st *store.Store,
	jobs *jobstore.Store,
	reg *cluster.Registry,
	log zerolog.Logger,
) *Dispatcher {
	return &Dispatcher{
		cfg:     cfg,
		drivers: drivers,
		sched:   sched,
		st:      st,
		jobs:    jobs,
		cluster: reg,
		log:     log.With().Str("component", "dispatcher").Logger(),
	}
}

// BulkResult is the outcome of SubmitBulk's per-host fan-out: the
// {succeeded, failed} shape returned by POST /device/bulk.
type BulkResult struct {
	Succeeded []*types.Job
	Failed    []string
}

// strategyFor resolves queue_strategy: explicit request option, else the
// driver's default.
func (d *Dispatcher) strategyFor(req *types.Request) (types.QueueStrategy, error) {
	if req.Options.QueueStrategy != "" {
		return req.Options.QueueStrategy, nil
	}
	strategy, err := d.drivers.DefaultStrategy(req.Driver)
	if err != nil {
		return "", errors.NewValidationError(err.Error())
	}
	return strategy, nil
}

func (d *Dispatcher) newJob(req *types.Request, host string) *types.Job {
	ttl := d.cfg.DefaultJobTTL
	if req.Options.TTLSeconds > 0 {
		ttl = req.Options.TTLSeconds
	}
	return &types.Job{
		ID:               uuid.New().String(),
		Driver:           req.Driver,
		Host:             host,
		ConnectionArgs:   req.ConnectionArgs,
		Operation:        req.Operation,
		Status:           types.JobQueued,
		EnqueuedAt:       time.Now(),
		TTLSeconds:       ttl,
		TimeoutSeconds:   d.cfg.DefaultTimeout,
		ResultTTLSeconds: d.cfg.DefaultResultTTL,
		Webhook:          req.Options.Webhook,
	}
}

// Submit handles a single Request: classify, resolve a queue (spawning a
// pinned worker if necessary), create and enqueue the Job.
func (d *Dispatcher) Submit(ctx context.Context, req *types.Request) (*types.Job, error) {
	host := req.Host()
	strategy, err := d.strategyFor(req)
	if err != nil {
		return nil, err
	}

	job := d.newJob(req, host)
	job.QueueName = store.FifoQueueKey

	if strategy == types.StrategyPinned {
		queueName, err := d.resolvePinnedQueue(ctx, host)
		if err != nil {
			return nil, err
		}
		job.QueueName = queueName
	}

	if err := d.jobs.Create(ctx, job); err != nil {
		return nil, err
	}
	if err := d.st.ListPush(ctx, job.QueueName, job.ID); err != nil {
		return nil, err
	}

	metrics.Get().RecordJobScheduled(string(strategy))
	d.log.Info().Str("job_id", job.ID).Str("host", host).Str("queue", job.QueueName).Msg("job enqueued")
	return job, nil
}

// SubmitBulk handles a set of per-host Requests (a bulk request is a
// sequence of per-host requests). Queue strategy is classified once, from
// the first request, since a bulk submission shares one driver and
// operation across its devices. For the pinned strategy, batch_select runs
// once over every host without a live binding; spawn requests for the
// unbound hosts run in parallel, one attempt per host with no retry. A host
// whose spawn is not answered with Spawned lands in Failed rather than
// aborting the whole batch.
func (d *Dispatcher) SubmitBulk(ctx context.Context, reqs []*types.Request) BulkResult {
	if len(reqs) == 0 {
		return BulkResult{}
	}
	strategy, err := d.strategyFor(reqs[0])
	if err != nil {
		var result BulkResult
		for _, req := range reqs {
			result.Failed = append(result.Failed, req.Host())
		}
		return result
	}

	if strategy == types.StrategyFifo {
		return d.submitBulkFifo(ctx, reqs)
	}
	return d.submitBulkPinned(ctx, reqs)
}

func (d *Dispatcher) submitBulkFifo(ctx context.Context, reqs []*types.Request) BulkResult {
	var result BulkResult
	for _, req := range reqs {
		host := req.Host()
		job := d.newJob(req, host)
		job.QueueName = store.FifoQueueKey
		if err := d.jobs.Create(ctx, job); err != nil {
			result.Failed = append(result.Failed, host)
			continue
		}
		if err := d.st.ListPush(ctx, job.QueueName, job.ID); err != nil {
			result.Failed = append(result.Failed, host)
			continue
		}
		metrics.Get().RecordJobScheduled(string(types.StrategyFifo))
		result.Succeeded = append(result.Succeeded, job)
	}
	return result
}

// bulkTarget pairs a host with the queue it ended up resolved to, or a
// failure reason when it could not be resolved.
type bulkTarget struct {
	host      string
	queueName string
	err       error
}

func (d *Dispatcher) submitBulkPinned(ctx context.Context, reqs []*types.Request) BulkResult {
	reqByHost := make(map[string]*types.Request, len(reqs))
	hosts := make([]string, 0, len(reqs))
	for _, req := range reqs {
		host := req.Host()
		reqByHost[host] = req
		hosts = append(hosts, host)
	}

	targets := make(chan bulkTarget, len(hosts))
	unbound := make([]string, 0, len(hosts))

	for _, host := range hosts {
		if nodeID, ok, err := d.cluster.GetBinding(ctx, host); err == nil && ok {
			if alive, err := d.isNodeAlive(ctx, nodeID); err == nil && alive {
				targets <- bulkTarget{host: host, queueName: store.PinnedQueueKey(host)}
				continue
			}
		}
		unbound = append(unbound, host)
	}

	if len(unbound) > 0 {
		snapshot, err := d.cluster.Snapshot(ctx)
		if err != nil {
			for _, host := range unbound {
				targets <- bulkTarget{host: host, err: err}
			}
		} else {
			selections, err := d.sched.BatchSelect(snapshot, unbound)
			if err != nil {
				for _, host := range unbound {
					targets <- bulkTarget{host: host, err: err}
				}
			} else {
				selected := make(map[string]types.NodeInfo, len(selections))
				for _, sel := range selections {
					selected[sel.Host] = sel.Node
				}
				done := make(chan struct{}, len(unbound))
				for _, host := range unbound {
					node, ok := selected[host]
					if !ok {
						targets <- bulkTarget{host: host, err: errors.NewWorkerUnavailable(host)}
						done <- struct{}{}
						continue
					}
					go func(host string, node types.NodeInfo) {
						defer func() { done <- struct{}{} }()
						reply, err := d.requestSpawn(ctx, node.NodeID, host)
						if err != nil {
							targets <- bulkTarget{host: host, err: err}
							return
						}
						if reply.Kind == control.Spawned {
							targets <- bulkTarget{host: host, queueName: store.PinnedQueueKey(host)}
							return
						}
						targets <- bulkTarget{host: host, err: errors.NewWorkerUnavailable(host)}
					}(host, node)
				}
				for range unbound {
					<-done
				}
			}
		}
	}
	close(targets)

	var result BulkResult
	for t := range targets {
		if t.err != nil {
			result.Failed = append(result.Failed, t.host)
			continue
		}
		job := d.newJob(reqByHost[t.host], t.host)
		job.QueueName = t.queueName
		if err := d.jobs.Create(ctx, job); err != nil {
			result.Failed = append(result.Failed, t.host)
			continue
		}
		if err := d.st.ListPush(ctx, job.QueueName, job.ID); err != nil {
			result.Failed = append(result.Failed, t.host)
			continue
		}
		metrics.Get().RecordJobScheduled(string(types.StrategyPinned))
		result.Succeeded = append(result.Succeeded, job)
	}
	return result
}

// resolvePinnedQueue resolves the pinned queue for one host: reuse a live
// binding, else select a node and request a spawn, retrying up to
// spawn_retries on CapacityExhausted/LostRace before surfacing
// WorkerUnavailable.
func (d *Dispatcher) resolvePinnedQueue(ctx context.Context, host string) (string, error) {
	start := time.Now()
	defer func() {
		metrics.Get().RecordScheduling(d.sched.Name(), time.Since(start))
	}()

	for attempt := 0; attempt <= d.cfg.SpawnRetries; attempt++ {
		if nodeID, ok, err := d.cluster.GetBinding(ctx, host); err != nil {
			return "", err
		} else if ok {
			alive, err := d.isNodeAlive(ctx, nodeID)
			if err != nil {
				return "", err
			}
			if alive {
				return store.PinnedQueueKey(host), nil
			}
			if cleared, err := d.cluster.Unbind(ctx, host, nodeID); err == nil && cleared {
				d.log.Info().Str("host", host).Str("node_id", nodeID).Msg("cleared stale binding before spawn")
			}
		}

		snapshot, err := d.cluster.Snapshot(ctx)
		if err != nil {
			return "", err
		}
		target, err := d.sched.Select(snapshot, host)
		if err != nil {
			continue
		}

		reply, err := d.requestSpawn(ctx, target.NodeID, host)
		if err != nil {
			return "", err
		}

		switch reply.Kind {
		case control.Spawned:
			return store.PinnedQueueKey(host), nil
		case control.CapacityExhausted:
			metrics.Get().RecordCapacityExhausted()
			continue
		case control.LostRace:
			if reply.NodeID != "" {
				if alive, err := d.isNodeAlive(ctx, reply.NodeID); err == nil && alive {
					return store.PinnedQueueKey(host), nil
				}
			}
			continue
		default:
			continue
		}
	}
	return "", errors.NewWorkerUnavailable(host)
}

func (d *Dispatcher) isNodeAlive(ctx context.Context, nodeID string) (bool, error) {
	snapshot, err := d.cluster.Snapshot(ctx)
	if err != nil {
		return false, err
	}
	for _, n := range snapshot {
		if n.NodeID == nodeID {
			return true, nil
		}
	}
	return false, nil
}

// requestSpawn publishes a SpawnPinned control message to nodeID and waits
// up to spawn_timeout for its reply. The reply subscription is established
// before publishing to avoid missing a fast reply in the gap between
// publish and subscribe.
func (d *Dispatcher) requestSpawn(ctx context.Context, nodeID, host string) (*control.Reply, error) {
	requestID := uuid.New().String()
	sub := d.st.Subscribe(ctx, store.ControlReplyChannel(requestID))
	defer sub.Close()

	msg := control.Message{Kind: control.SpawnPinned, RequestID: requestID, Host: host}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, errors.NewInternalError("failed to marshal control message: " + err.Error())
	}
	if err := d.st.Publish(ctx, store.ControlChannel(nodeID), string(data)); err != nil {
		return nil, err
	}

	timeout := d.cfg.SpawnTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	select {
	case raw, ok := <-sub.Channel():
		if !ok {
			return nil, errors.NewWorkerUnavailable(host)
		}
		var reply control.Reply
		if err := json.Unmarshal([]byte(raw.Payload), &reply); err != nil {
			return nil, errors.NewInternalError("failed to unmarshal control reply: " + err.Error())
		}
		return &reply, nil
	case <-time.After(timeout):
		return nil, errors.NewWorkerUnavailable(host)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
