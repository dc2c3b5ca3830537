// Package fifoworker implements FifoWorker: a stateless, concurrent job
// executor serving the shared fifo queue. Unlike internal/pinnedworker, a
// FifoWorker never reuses a connection across jobs — every job gets its own
// connect/execute/disconnect cycle, even on failure — so there is no
// session.Session or keepalive monitor here. Concurrency is a bounded
// goroutine pool draining the shared queue.
package fifoworker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

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

// Config configures a FifoWorker process.
type Config struct {
	Name         string
	NodeID       string
	Hostname     string
	Concurrency  int
	PollInterval time.Duration
	LockPath     string
}

// Worker is the FifoWorker implementation: one WorkerRecord fronting an
// internal goroutine pool, each goroutine running jobs to completion
// independently (spec leaves fifo internal concurrency to the
// implementation).
type Worker struct {
	cfg     Config
	drivers *driver.Registry
	st      *store.Store
	jobs    *jobstore.Store
	workers *workerstore.Store
	hooks   *webhook.Caller
	log     zerolog.Logger

	mu   sync.Mutex
	busy int
	lock *filelock.Lock
}

// New builds a FifoWorker.
func New(
	cfg Config,
	drivers *driver.Registry,
	st *store.Store,
	jobs *jobstore.Store,
	workers *workerstore.Store,
	hooks *webhook.Caller,
	log zerolog.Logger,
) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &Worker{
		cfg:     cfg,
		drivers: drivers,
		st:      st,
		jobs:    jobs,
		workers: workers,
		hooks:   hooks,
		log:     log.With().Str("component", "fifo_worker").Str("worker", cfg.Name).Logger(),
	}
}

// Run acquires the per-host singleton lock (at most one FifoWorker process
// per host), registers a WorkerRecord, and pulls jobs off the shared fifo
// queue until ctx is cancelled, running up to cfg.Concurrency jobs in
// parallel.
func (w *Worker) Run(ctx context.Context) error {
	lock, err := filelock.Acquire(w.cfg.LockPath)
	if err != nil {
		return errors.Newf(errors.InternalError, "FIFO_LOCK_HELD", "another FifoWorker already owns %s: %v", w.cfg.LockPath, err)
	}
	w.lock = lock
	defer w.lock.Release()

	rec := &types.WorkerRecord{
		Name:     w.cfg.Name,
		PID:      os.Getpid(),
		Hostname: w.cfg.Hostname,
		NodeID:   w.cfg.NodeID,
		Queues:   []string{string(types.StrategyFifo)},
		Status:   types.WorkerIdle,
		BirthAt:  time.Now(),
	}
	if err := w.workers.Register(ctx, rec); err != nil {
		return err
	}
	w.log.Info().Int("concurrency", w.cfg.Concurrency).Msg("fifo worker registered")

	defer func() {
		rec.Status = types.WorkerDead
		cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := w.workers.Remove(cctx, rec.Name); err != nil {
			w.log.Warn().Err(err).Msg("failed to remove worker record on shutdown")
		}
	}()

	// FifoWorkers have no owning NodeSupervisor to relay a DELETE /worker
	// request, so each process subscribes to its own WorkerControlChannel
	// and cancels its own run loop on a Terminate message.
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	go w.watchTermination(runCtx, cancelRun)

	sem := make(chan struct{}, w.cfg.Concurrency)
	var wg sync.WaitGroup

	for {
		select {
		case <-runCtx.Done():
			wg.Wait()
			return nil
		default:
		}

		jobID, ok, err := w.st.ListPopBlocking(runCtx, store.FifoQueueKey, w.cfg.PollInterval)
		if err != nil {
			if runCtx.Err() != nil {
				wg.Wait()
				return nil
			}
			w.log.Warn().Err(err).Msg("fifo queue pop failed, backing off")
			time.Sleep(time.Second)
			continue
		}
		if !ok {
			continue
		}

		select {
		case sem <- struct{}{}:
		case <-runCtx.Done():
			wg.Wait()
			return nil
		}

		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			defer func() { <-sem }()
			w.setBusy(ctx, rec, 1)
			w.processJob(ctx, id)
			w.setBusy(ctx, rec, -1)
		}(jobID)
	}
}

// watchTermination listens on this worker's WorkerControlChannel until ctx
// is done, cancelling cancelRun on the first Terminate message so the main
// loop stops claiming new jobs (in-flight jobs still finish via wg.Wait).
func (w *Worker) watchTermination(ctx context.Context, cancelRun context.CancelFunc) {
	sub := w.st.Subscribe(ctx, store.WorkerControlChannel(w.cfg.Name))
	defer sub.Close()
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-ch:
			if !ok {
				return
			}
			var msg control.Message
			if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
				continue
			}
			if msg.Kind == control.Terminate {
				w.log.Info().Msg("received terminate request")
				cancelRun()
				return
			}
		}
	}
}

func (w *Worker) setBusy(ctx context.Context, rec *types.WorkerRecord, delta int) {
	w.mu.Lock()
	w.busy += delta
	busy := w.busy
	w.mu.Unlock()

	status := types.WorkerIdle
	if busy > 0 {
		status = types.WorkerBusy
	}
	if status != rec.Status {
		rec.Status = status
		if err := w.workers.Save(ctx, rec); err != nil {
			w.log.Warn().Err(err).Msg("failed to persist worker status")
		}
	}
}

// processJob runs exactly one connect/execute/disconnect cycle: the
// connection is never kept for a later job, and once Connect succeeds it is
// always closed, even when the operation errors. A failed Connect returns no
// connection, so there is nothing for this function to close.
func (w *Worker) processJob(ctx context.Context, jobID string) {
	job, ok, err := w.jobs.Get(ctx, jobID)
	if err != nil {
		w.log.Warn().Err(err).Str("job_id", jobID).Msg("failed to load job")
		return
	}
	if !ok || job.Status != types.JobQueued {
		return
	}

	now := time.Now()
	if job.Expired(now) {
		w.finish(ctx, job, nil, errors.NewJobTTLExpired())
		return
	}

	job.Status = types.JobStarted
	job.StartedAt = &now
	job.Worker = w.cfg.Name
	if err := w.jobs.Save(ctx, job); err != nil {
		w.log.Warn().Err(err).Str("job_id", jobID).Msg("failed to persist job start")
	}

	opCtx := ctx
	var cancel context.CancelFunc
	if job.TimeoutSeconds > 0 {
		opCtx, cancel = context.WithTimeout(ctx, time.Duration(job.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	drv, err := w.drivers.Get(job.Driver)
	if err != nil {
		w.finish(ctx, job, nil, errors.NewValidationError(err.Error()))
		return
	}

	conn, err := drv.Connect(opCtx, job.ConnectionArgs)
	if err != nil {
		w.finish(ctx, job, nil, err)
		return
	}
	defer func() {
		if err := drv.Disconnect(conn); err != nil {
			w.log.Warn().Err(err).Str("job_id", jobID).Msg("error disconnecting after fifo job")
		}
	}()

	result, err := runOperation(opCtx, drv, conn, job.Operation)
	w.finish(ctx, job, result, err)
}

// runOperation dispatches a single operation against an already-connected,
// one-shot connection. Mirrors pkg/session's RunOperation switch, minus the
// connectionLock/keepalive machinery that only a reused session needs.
func runOperation(ctx context.Context, drv driver.Driver, conn driver.Connection, op types.Operation) (*types.JobResult, error) {
	switch op.Kind {
	case types.OperationTestConnection:
		return &types.JobResult{Type: types.ResultSuccess, Retval: true}, nil
	case types.OperationConfig:
		out, err := drv.Configure(ctx, conn, op.Config, nil)
		if err != nil {
			return nil, err
		}
		return &types.JobResult{Type: types.ResultSuccess, Retval: out}, nil
	default:
		out, err := drv.Send(ctx, conn, op.Command)
		if err != nil {
			return nil, err
		}
		return &types.JobResult{Type: types.ResultSuccess, Retval: sortedOutput(out)}, nil
	}
}

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

func (w *Worker) finish(ctx context.Context, job *types.Job, result *types.JobResult, opErr error) {
	now := time.Now()
	job.EndedAt = &now

	if opErr != nil {
		job.Status = types.JobFailed
		kind, message := "InternalError", opErr.Error()
		if appErr, ok := opErr.(*errors.AppError); ok {
			kind, message = appErr.AsJobError()
		}
		job.Result = &types.JobResult{Type: types.ResultFailure, Error: &types.JobError{Kind: kind, Message: message}}
	} else {
		job.Status = types.JobFinished
		job.Result = result
	}

	if err := w.jobs.Save(ctx, job); err != nil {
		w.log.Warn().Err(err).Str("job_id", job.ID).Msg("failed to persist job completion")
	}

	if job.Webhook != nil {
		text := webhookResultText(job.Result)
		go w.hooks.Invoke(context.Background(), job.Webhook, job.ID, text)
	}
}

func webhookResultText(result *types.JobResult) string {
	if result == nil {
		return ""
	}
	if result.Type == types.ResultFailure && result.Error != nil {
		return fmt.Sprintf("%s: %s", result.Error.Kind, result.Error.Message)
	}
	return fmt.Sprintf("%v", result.Retval)
}
