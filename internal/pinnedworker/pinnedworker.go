// Package pinnedworker implements the PinnedWorker process: a
// single-threaded job loop bound to one device host, cooperating with its
// owned PinnedSession's monitor goroutine through the session's suicide
// signal. The loop registers, polls its host-specific queue, executes,
// updates counters, and repeats.
//
// Go has no direct equivalent of "fork a child process" for this role; a
// PinnedWorker runs as a goroutine owned by the NodeSupervisor in the same
// process instead, with concurrency handled by goroutines rather than
// separate processes or threads. This design note is recorded once here and
// applies equally to NodeSupervisor's management of PinnedWorkers.
package pinnedworker

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/netpulse/netpulse/pkg/cluster"
	"github.com/netpulse/netpulse/pkg/driver"
	"github.com/netpulse/netpulse/pkg/errors"
	"github.com/netpulse/netpulse/pkg/jobstore"
	"github.com/netpulse/netpulse/pkg/session"
	"github.com/netpulse/netpulse/pkg/store"
	"github.com/netpulse/netpulse/pkg/types"
	"github.com/netpulse/netpulse/pkg/webhook"
	"github.com/netpulse/netpulse/pkg/workerstore"
)

// Config configures a single PinnedWorker instance.
type Config struct {
	Name         string
	Host         string
	NodeID       string
	Hostname     string
	PollInterval time.Duration
}

// Worker is a PinnedWorker process (goroutine-modeled, see package doc). The
// driver a host speaks is not known until its first job arrives (the
// SpawnPinned control message carries only host and a conn_args
// fingerprint, never a driver name), so the session is built lazily from
// whatever driver the claimed job names, and rebuilt if a later job names a
// different one.
type Worker struct {
	cfg     Config
	drivers *driver.Registry
	st      *store.Store
	jobs    *jobstore.Store
	workers *workerstore.Store
	cluster *cluster.Registry
	hooks   *webhook.Caller
	log     zerolog.Logger

	sess           *session.Session
	sessDriverName string
	queueName      string
}

// New builds a PinnedWorker. The caller (NodeSupervisor) is responsible for
// having already won the ClusterRegistry bind for cfg.Host.
func New(
	cfg Config,
	drivers *driver.Registry,
	st *store.Store,
	jobs *jobstore.Store,
	workers *workerstore.Store,
	reg *cluster.Registry,
	hooks *webhook.Caller,
	log zerolog.Logger,
) *Worker {
	return &Worker{
		cfg:       cfg,
		drivers:   drivers,
		st:        st,
		jobs:      jobs,
		workers:   workers,
		cluster:   reg,
		hooks:     hooks,
		log:       log.With().Str("component", "pinned_worker").Str("host", cfg.Host).Str("worker", cfg.Name).Logger(),
		queueName: store.PinnedQueueKey(cfg.Host),
	}
}

// sessionFor returns the session for driverName, replacing the current one
// if it was built for a different driver.
func (w *Worker) sessionFor(driverName string) (*session.Session, error) {
	if w.sess != nil && w.sessDriverName == driverName {
		return w.sess, nil
	}
	drv, err := w.drivers.Get(driverName)
	if err != nil {
		return nil, errors.NewValidationError(err.Error())
	}
	if w.sess != nil {
		w.sess.Close()
	}
	w.sess = session.New(drv, w.log)
	w.sessDriverName = driverName
	return w.sess, nil
}

// Run executes the job loop until ctx is cancelled (supervisor-initiated
// drain/kill) or the session signals suicide. It always unbinds the host
// and removes its own WorkerRecord before returning, whatever the cause.
func (w *Worker) Run(ctx context.Context) error {
	rec := &types.WorkerRecord{
		Name:     w.cfg.Name,
		PID:      os.Getpid(),
		Hostname: w.cfg.Hostname,
		NodeID:   w.cfg.NodeID,
		Host:     w.cfg.Host,
		Queues:   []string{types.PinnedQueueName(w.cfg.Host)},
		Status:   types.WorkerIdle,
		BirthAt:  time.Now(),
	}
	defer w.shutdown(rec)

	if err := w.workers.Register(ctx, rec); err != nil {
		return err
	}
	w.log.Info().Msg("pinned worker registered")

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-w.suicideChan():
			return nil
		default:
		}

		jobID, ok, err := w.st.ListPopBlocking(ctx, w.queueName, w.cfg.PollInterval)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.log.Warn().Err(err).Msg("queue pop failed, backing off")
			time.Sleep(time.Second)
			continue
		}
		if !ok {
			continue // poll timeout; loop back to re-check ctx/suicide
		}

		w.processJob(ctx, jobID, rec)

		select {
		case <-w.suicideChan():
			return nil
		default:
		}
	}
}

// suicideChan returns the current session's suicide channel, or a channel
// that never fires if no session has been established yet.
func (w *Worker) suicideChan() <-chan struct{} {
	if w.sess == nil {
		return nil
	}
	return w.sess.Suicide()
}

func (w *Worker) shutdown(rec *types.WorkerRecord) {
	if w.sess != nil {
		w.sess.Close()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if ok, err := w.cluster.Unbind(ctx, w.cfg.Host, w.cfg.NodeID); err != nil {
		w.log.Warn().Err(err).Msg("failed to unbind host on shutdown")
	} else if ok {
		w.log.Info().Msg("unbound host on shutdown")
	}
	rec.Status = types.WorkerDead
	if err := w.workers.Remove(ctx, rec.Name); err != nil {
		w.log.Warn().Err(err).Msg("failed to remove worker record on shutdown")
	}
}

func (w *Worker) setStatus(ctx context.Context, rec *types.WorkerRecord, status types.WorkerStatus) {
	rec.Status = status
	if err := w.workers.Save(ctx, rec); err != nil {
		w.log.Warn().Err(err).Msg("failed to persist worker status")
	}
}

func (w *Worker) processJob(ctx context.Context, jobID string, rec *types.WorkerRecord) {
	job, ok, err := w.jobs.Get(ctx, jobID)
	if err != nil {
		w.log.Warn().Err(err).Str("job_id", jobID).Msg("failed to load job")
		return
	}
	if !ok {
		return // already expired/removed
	}
	if job.Status != types.JobQueued {
		return // already claimed or cancelled
	}

	w.setStatus(ctx, rec, types.WorkerBusy)
	defer w.setStatus(ctx, rec, types.WorkerIdle)

	now := time.Now()
	if job.Expired(now) {
		w.finish(ctx, job, nil, errors.NewJobTTLExpired())
		rec.FailedJobCount++
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

	var result *types.JobResult
	sess, err := w.sessionFor(job.Driver)
	if err != nil {
		w.finish(ctx, job, nil, err)
	} else if err := sess.Ensure(opCtx, job.ConnectionArgs); err != nil {
		w.finish(ctx, job, nil, err)
	} else {
		result, err = sess.RunOperation(opCtx, job.Operation)
		w.finish(ctx, job, result, err)
	}

	if job.Status == types.JobFinished {
		rec.SuccessfulJobCount++
	} else {
		rec.FailedJobCount++
	}
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
