// Package errors implements NetPulse's wire-visible error taxonomy: a typed
// AppError carrying an ErrorKind, an HTTP status for the REST surface, and
// optional context for diagnostics.
package errors

import (
	"fmt"
	"net/http"
	"runtime"
	"time"
)

// ErrorKind is the wire-visible error.kind value.
type ErrorKind string

const (
	// REST-level
	ValidationError     ErrorKind = "ValidationError"
	AuthenticationError ErrorKind = "AuthenticationError"

	// Control-plane level
	StoreUnavailable   ErrorKind = "StoreUnavailable"
	WorkerUnavailable  ErrorKind = "WorkerUnavailable"
	CapacityExhausted  ErrorKind = "CapacityExhausted"
	HostAlreadyPinned  ErrorKind = "HostAlreadyPinned"

	// Device/driver level, surfaced in job results
	ConnectionFailed     ErrorKind = "ConnectionFailed"
	AuthenticationFailed ErrorKind = "AuthenticationFailed"
	Timeout              ErrorKind = "Timeout"
	CommandFailed        ErrorKind = "CommandFailed"
	ProtocolError        ErrorKind = "ProtocolError"

	// Job lifecycle terminal kinds
	JobTTLExpired    ErrorKind = "JobTTLExpired"
	WorkerTerminated ErrorKind = "WorkerTerminated"
	Cancelled        ErrorKind = "Cancelled"

	// Catch-all
	InternalError ErrorKind = "InternalError"
)

// AppError is a structured application error carrying enough information
// to both answer an HTTP request and populate a job's result.error.
type AppError struct {
	Kind       ErrorKind              `json:"kind"`
	Code       string                 `json:"code"`
	Message    string                 `json:"message"`
	Details    string                 `json:"details,omitempty"`
	HTTPStatus int                    `json:"http_status"`
	Timestamp  time.Time              `json:"timestamp"`
	File       string                 `json:"file,omitempty"`
	Line       int                    `json:"line,omitempty"`
	Function   string                 `json:"function,omitempty"`
	Context    map[string]interface{} `json:"context,omitempty"`
	InnerError error                  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.InnerError
}

// WithContext attaches a diagnostic key/value pair to the error.
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// New creates an AppError of the given kind, capturing the caller site.
func New(kind ErrorKind, code, message string) *AppError {
	err := &AppError{
		Kind:       kind,
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatusFor(kind),
		Timestamp:  time.Now(),
	}
	if pc, file, line, ok := runtime.Caller(1); ok {
		err.File = file
		err.Line = line
		if fn := runtime.FuncForPC(pc); fn != nil {
			err.Function = fn.Name()
		}
	}
	return err
}

// Wrap wraps an existing error with a NetPulse error kind.
func Wrap(err error, kind ErrorKind, code, message string) *AppError {
	appErr := New(kind, code, message)
	appErr.InnerError = err
	if err != nil {
		appErr.Details = err.Error()
	}
	return appErr
}

// Newf is New with a formatted message.
func Newf(kind ErrorKind, code, format string, args ...interface{}) *AppError {
	return New(kind, code, fmt.Sprintf(format, args...))
}

// Wrapf is Wrap with a formatted message.
func Wrapf(err error, kind ErrorKind, code, format string, args ...interface{}) *AppError {
	return Wrap(err, kind, code, fmt.Sprintf(format, args...))
}

// Constructors for the error taxonomy.

func NewValidationError(message string) *AppError {
	return New(ValidationError, "VALIDATION_FAILED", message)
}

func NewAuthenticationError(message string) *AppError {
	return New(AuthenticationError, "AUTH_FAILED", message)
}

func NewStoreUnavailable(err error) *AppError {
	return Wrap(err, StoreUnavailable, "STORE_UNAVAILABLE", "shared store is unavailable")
}

func NewWorkerUnavailable(host string) *AppError {
	return Newf(WorkerUnavailable, "WORKER_UNAVAILABLE", "no live node could host a pinned worker for %s", host)
}

func NewCapacityExhausted(nodeID string) *AppError {
	return Newf(CapacityExhausted, "CAPACITY_EXHAUSTED", "node %s has no spare pinned-worker capacity", nodeID)
}

func NewHostAlreadyPinned(host, owner string) *AppError {
	return Newf(HostAlreadyPinned, "HOST_ALREADY_PINNED", "host %s is already bound to node %s", host, owner)
}

func NewConnectionFailed(err error) *AppError {
	return Wrap(err, ConnectionFailed, "CONNECTION_FAILED", "failed to connect to device")
}

func NewAuthenticationFailed(err error) *AppError {
	return Wrap(err, AuthenticationFailed, "DEVICE_AUTH_FAILED", "device authentication failed")
}

func NewTimeout(operation string) *AppError {
	return Newf(Timeout, "TIMEOUT", "%s timed out", operation)
}

func NewCommandFailed(err error) *AppError {
	return Wrap(err, CommandFailed, "COMMAND_FAILED", "device command failed")
}

func NewProtocolError(err error) *AppError {
	return Wrap(err, ProtocolError, "PROTOCOL_ERROR", "device protocol error")
}

func NewJobTTLExpired() *AppError {
	return New(JobTTLExpired, "JOB_TTL_EXPIRED", "job was not claimed within its ttl")
}

func NewWorkerTerminated() *AppError {
	return New(WorkerTerminated, "WORKER_TERMINATED", "owning worker terminated before completing the job")
}

func NewCancelled() *AppError {
	return New(Cancelled, "CANCELLED", "job was cancelled")
}

func NewInternalError(message string) *AppError {
	return New(InternalError, "INTERNAL_ERROR", message)
}

// AsJobError renders the error as the standardized {kind, message} shape
// used in Job.Result.Error.
func (e *AppError) AsJobError() (kind, message string) {
	return string(e.Kind), e.Message
}

// httpStatusFor maps error kinds to HTTP status codes for the REST surface.
func httpStatusFor(kind ErrorKind) int {
	switch kind {
	case ValidationError:
		return http.StatusBadRequest
	case AuthenticationError:
		return http.StatusForbidden
	case HostAlreadyPinned, CapacityExhausted:
		return http.StatusConflict
	case WorkerUnavailable, StoreUnavailable:
		return http.StatusServiceUnavailable
	case ConnectionFailed, AuthenticationFailed, Timeout, CommandFailed, ProtocolError,
		JobTTLExpired, WorkerTerminated, Cancelled:
		// Device/job-lifecycle errors are carried inside a job's result (or
		// a test-connection probe's data), never as the HTTP status of the
		// response, so they map to 200.
		return http.StatusOK
	case InternalError:
		fallthrough
	default:
		return http.StatusInternalServerError
	}
}

// IsKind checks if err is an *AppError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Kind == kind
	}
	return false
}

// HTTPStatus returns the HTTP status code appropriate for err.
func HTTPStatus(err error) int {
	if appErr, ok := err.(*AppError); ok {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}

// Envelope is the REST response envelope: code is 200 on success or -1 on
// any business error, regardless of HTTP status.
type Envelope struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// NewErrorEnvelope builds the -1/message envelope for a failed request.
func NewErrorEnvelope(err error) Envelope {
	if appErr, ok := err.(*AppError); ok {
		return Envelope{Code: -1, Message: appErr.Message, Data: appErr.Context}
	}
	return Envelope{Code: -1, Message: err.Error()}
}

// NewOKEnvelope builds the success envelope.
func NewOKEnvelope(data interface{}) Envelope {
	return Envelope{Code: 200, Message: "ok", Data: data}
}
