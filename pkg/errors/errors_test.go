package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppError(t *testing.T) {
	t.Run("create new error", func(t *testing.T) {
		err := New(ValidationError, "TEST_ERROR", "This is a test error")

		assert.Equal(t, ValidationError, err.Kind)
		assert.Equal(t, "TEST_ERROR", err.Code)
		assert.Equal(t, "This is a test error", err.Message)
		assert.Equal(t, 400, err.HTTPStatus)
		assert.NotZero(t, err.Timestamp)
		assert.NotEmpty(t, err.File)
		assert.NotZero(t, err.Line)
	})

	t.Run("wrap existing error", func(t *testing.T) {
		originalErr := fmt.Errorf("original error")
		wrappedErr := Wrap(originalErr, CommandFailed, "WRAP_ERROR", "Wrapped error")

		assert.Equal(t, CommandFailed, wrappedErr.Kind)
		assert.Equal(t, "WRAP_ERROR", wrappedErr.Code)
		assert.Equal(t, "Wrapped error", wrappedErr.Message)
		assert.Equal(t, "original error", wrappedErr.Details)
		assert.Equal(t, originalErr, wrappedErr.InnerError)
		assert.ErrorIs(t, wrappedErr, originalErr)
	})

	t.Run("error with context", func(t *testing.T) {
		err := New(InternalError, "CONTEXT_ERROR", "Error with context").
			WithContext("host", "10.0.0.1").
			WithContext("node_id", "node-1")

		assert.Equal(t, "10.0.0.1", err.Context["host"])
		assert.Equal(t, "node-1", err.Context["node_id"])
	})
}

func TestErrorConstructors(t *testing.T) {
	tests := []struct {
		name               string
		err                *AppError
		expectedKind       ErrorKind
		expectedHTTPStatus int
	}{
		{"validation", NewValidationError("bad request"), ValidationError, 400},
		{"authentication", NewAuthenticationError("invalid api key"), AuthenticationError, 403},
		{"store unavailable", NewStoreUnavailable(fmt.Errorf("dial tcp: refused")), StoreUnavailable, 503},
		{"worker unavailable", NewWorkerUnavailable("10.0.0.1"), WorkerUnavailable, 503},
		{"capacity exhausted", NewCapacityExhausted("node-1"), CapacityExhausted, 409},
		{"host already pinned", NewHostAlreadyPinned("10.0.0.1", "node-2"), HostAlreadyPinned, 409},
		{"internal", NewInternalError("boom"), InternalError, 500},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expectedKind, tt.err.Kind)
			assert.Equal(t, tt.expectedHTTPStatus, tt.err.HTTPStatus)
		})
	}
}

func TestJobLifecycleErrorsCarryJSONEnvelopeStatus(t *testing.T) {
	// Device/job-lifecycle errors are delivered inside a job's result, not
	// as the dispatch HTTP status, so they map to 200.
	for _, err := range []*AppError{
		NewConnectionFailed(fmt.Errorf("refused")),
		NewAuthenticationFailed(fmt.Errorf("bad creds")),
		NewTimeout("send"),
		NewCommandFailed(fmt.Errorf("exit 1")),
		NewProtocolError(fmt.Errorf("unexpected prompt")),
		NewJobTTLExpired(),
		NewWorkerTerminated(),
		NewCancelled(),
	} {
		assert.Equal(t, 200, err.HTTPStatus)
	}
}

func TestAsJobError(t *testing.T) {
	err := NewCommandFailed(fmt.Errorf("permission denied"))
	kind, message := err.AsJobError()
	assert.Equal(t, "CommandFailed", kind)
	assert.Equal(t, "device command failed", message)
}

func TestErrorHelpers(t *testing.T) {
	t.Run("is kind check", func(t *testing.T) {
		err := NewValidationError("test")
		assert.True(t, IsKind(err, ValidationError))
		assert.False(t, IsKind(err, CommandFailed))
	})

	t.Run("HTTP status", func(t *testing.T) {
		err := NewValidationError("test")
		assert.Equal(t, 400, HTTPStatus(err))

		regularErr := fmt.Errorf("regular error")
		assert.Equal(t, 500, HTTPStatus(regularErr))
	})
}

func TestEnvelopes(t *testing.T) {
	t.Run("error envelope", func(t *testing.T) {
		err := NewValidationError("bad host")
		env := NewErrorEnvelope(err)
		assert.Equal(t, -1, env.Code)
		assert.Equal(t, "bad host", env.Message)
	})

	t.Run("ok envelope", func(t *testing.T) {
		env := NewOKEnvelope(map[string]string{"id": "job-1"})
		assert.Equal(t, 200, env.Code)
		assert.NotNil(t, env.Data)
	})
}
