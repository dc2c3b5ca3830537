// Package types holds the data model shared across NetPulse's components:
// requests, jobs, cluster node metadata, host bindings, worker records and
// webhook specifications.
package types

import "time"

// QueueStrategy selects whether a Request is served by the shared FIFO pool
// or a device-pinned worker.
type QueueStrategy string

const (
	StrategyPinned QueueStrategy = "pinned"
	StrategyFifo   QueueStrategy = "fifo"
)

// OperationKind distinguishes the three shapes an operation can take.
type OperationKind string

const (
	OperationQuery          OperationKind = "query"
	OperationConfig         OperationKind = "config"
	OperationTestConnection OperationKind = "test_connection"
)

// WebhookSpec is copied verbatim into a Job and invoked on terminal
// transitions. Never persisted outside the owning job.
type WebhookSpec struct {
	Name           string            `json:"name"`
	URL            string            `json:"url" validate:"required,url"`
	Method         string            `json:"method" validate:"required"`
	Headers        map[string]string `json:"headers,omitempty"`
	Cookies        map[string]string `json:"cookies,omitempty"`
	BasicAuthUser  string            `json:"basic_auth_user,omitempty"`
	BasicAuthPass  string            `json:"basic_auth_pass,omitempty"`
	TimeoutSeconds float64           `json:"timeout_seconds" validate:"gte=0.5,lte=120"`
}

// Operation is the operation payload of a Request: exactly one of Command,
// Config is set, or both are empty (a test_connection probe).
type Operation struct {
	Kind    OperationKind `json:"kind"`
	Command []string      `json:"command,omitempty"`
	Config  []string      `json:"config,omitempty"`
}

// RequestOptions carries the caller-tunable knobs of a Request.
type RequestOptions struct {
	QueueStrategy QueueStrategy `json:"queue_strategy,omitempty"`
	TTLSeconds    int           `json:"ttl,omitempty"`
	Webhook       *WebhookSpec  `json:"webhook,omitempty"`
}

// Request is the input unit to the Dispatcher: a single device operation
// against a single host. Bulk submissions are expanded into one Request per
// host before dispatch.
type Request struct {
	Driver         string                 `json:"driver" validate:"required"`
	ConnectionArgs map[string]interface{} `json:"connection_args" validate:"required"`
	Operation      Operation              `json:"operation"`
	Options        RequestOptions         `json:"options,omitempty"`
	CredentialRef  string                 `json:"credential_ref,omitempty"`
}

// Host returns the required connection_args.host field, or "" if absent.
func (r *Request) Host() string {
	if r.ConnectionArgs == nil {
		return ""
	}
	if h, ok := r.ConnectionArgs["host"].(string); ok {
		return h
	}
	return ""
}

// JobStatus is one of the five states in the Job lifecycle.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobStarted   JobStatus = "started"
	JobFinished  JobStatus = "finished"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// ResultType distinguishes a successful job result from a failed one.
type ResultType string

const (
	ResultSuccess ResultType = "success"
	ResultFailure ResultType = "failure"
)

// JobError is the standardized shape of result.error: {kind, message}.
type JobError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// JobResult is set on terminal job states.
type JobResult struct {
	Type   ResultType  `json:"type"`
	Retval interface{} `json:"retval,omitempty"`
	Error  *JobError   `json:"error,omitempty"`
}

// Job is a scheduled unit of work, persisted in the SharedStore under
// netpulse:jobs:<id>.
type Job struct {
	ID               string         `json:"id"`
	Driver           string         `json:"driver"`
	Host             string         `json:"host,omitempty"`
	ConnectionArgs   map[string]any `json:"connection_args"`
	Operation        Operation      `json:"operation"`
	Status           JobStatus      `json:"status"`
	QueueName        string         `json:"queue_name"`
	EnqueuedAt       time.Time      `json:"enqueued_at"`
	StartedAt        *time.Time     `json:"started_at,omitempty"`
	EndedAt          *time.Time     `json:"ended_at,omitempty"`
	Worker           string         `json:"worker,omitempty"`
	Result           *JobResult     `json:"result,omitempty"`
	TTLSeconds       int            `json:"ttl_seconds"`
	TimeoutSeconds   int            `json:"timeout_seconds"`
	ResultTTLSeconds int            `json:"result_ttl_seconds"`
	Webhook          *WebhookSpec   `json:"webhook,omitempty"`
}

// IsTerminal reports whether the job has reached a state from which no
// further transitions are allowed.
func (j *Job) IsTerminal() bool {
	switch j.Status {
	case JobFinished, JobFailed, JobCancelled:
		return true
	default:
		return false
	}
}

// Expired reports whether the job has sat unclaimed past its TTL, measured
// from EnqueuedAt.
func (j *Job) Expired(now time.Time) bool {
	if j.TTLSeconds <= 0 {
		return false
	}
	return now.Sub(j.EnqueuedAt) > time.Duration(j.TTLSeconds)*time.Second
}

// NodeInfo describes a worker host known to the cluster.
type NodeInfo struct {
	NodeID        string    `json:"node_id"`
	Hostname      string    `json:"hostname"`
	Capacity      int       `json:"capacity"`
	Count         int       `json:"count"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// Alive reports whether the node's heartbeat is still within node_ttl.
func (n *NodeInfo) Alive(now time.Time, nodeTTL time.Duration) bool {
	return now.Sub(n.LastHeartbeat) <= nodeTTL
}

// HasCapacity reports whether the node can host one more pinned worker.
func (n *NodeInfo) HasCapacity() bool {
	return n.Count < n.Capacity
}

// WorkerStatus is the lifecycle status published in a WorkerRecord.
type WorkerStatus string

const (
	WorkerBusy      WorkerStatus = "busy"
	WorkerIdle      WorkerStatus = "idle"
	WorkerSuspended WorkerStatus = "suspended"
	WorkerDead      WorkerStatus = "dead"
)

// WorkerRecord is per-worker metadata published to the store by its owning
// worker; read-only for everyone else.
type WorkerRecord struct {
	Name               string       `json:"name"`
	PID                int          `json:"pid"`
	Hostname           string       `json:"hostname"`
	NodeID             string       `json:"node_id,omitempty"`
	Host               string       `json:"host,omitempty"`
	Queues             []string     `json:"queues"`
	Status             WorkerStatus `json:"status"`
	BirthAt            time.Time    `json:"birth_at"`
	LastHeartbeat      time.Time    `json:"last_heartbeat"`
	SuccessfulJobCount int64        `json:"successful_job_count"`
	FailedJobCount     int64        `json:"failed_job_count"`
}

// ServesHost reports whether this worker record claims the pinned queue for
// the given host.
func (w *WorkerRecord) ServesHost(host string) bool {
	target := "pinned:" + host
	for _, q := range w.Queues {
		if q == target {
			return true
		}
	}
	return false
}

// PinnedQueueName returns the queue name used for a device-pinned host.
func PinnedQueueName(host string) string {
	return "pinned:" + host
}
