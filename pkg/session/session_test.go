package session

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netpulse/netpulse/pkg/driver/drivers"
	"github.com/netpulse/netpulse/pkg/types"
)

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

func TestFingerprintStableAcrossMapOrdering(t *testing.T) {
	a := map[string]interface{}{"host": "10.0.0.1", "port": "22", "username": "admin"}
	b := map[string]interface{}{"username": "admin", "port": "22", "host": "10.0.0.1"}
	assert.Equal(t, fingerprint(a), fingerprint(b))

	c := map[string]interface{}{"host": "10.0.0.2", "port": "22", "username": "admin"}
	assert.NotEqual(t, fingerprint(a), fingerprint(c))
}

func TestKeepaliveIntervalClampsToBounds(t *testing.T) {
	assert.Equal(t, defaultKeepaliveInterval, keepaliveInterval(map[string]interface{}{}))
	assert.Equal(t, minKeepaliveInterval, keepaliveInterval(map[string]interface{}{"keepalive": 1.0}))
	assert.Equal(t, maxKeepaliveInterval, keepaliveInterval(map[string]interface{}{"keepalive": 10000.0}))
	assert.Equal(t, 20*time.Second, keepaliveInterval(map[string]interface{}{"keepalive": 20.0}))
}

func TestEnsureOpensAndReusesConnection(t *testing.T) {
	mock := drivers.NewMock()
	s := New(mock, testLogger())
	defer s.Close()

	connArgs := map[string]interface{}{"host": "10.0.0.1", "keepalive": 60.0}
	require.NoError(t, s.Ensure(context.Background(), connArgs))
	firstConn := s.conn

	require.NoError(t, s.Ensure(context.Background(), connArgs))
	assert.Same(t, firstConn, s.conn, "same fingerprint must reuse the connection")
}

func TestEnsureReplacesConnectionOnFingerprintChange(t *testing.T) {
	mock := drivers.NewMock()
	s := New(mock, testLogger())
	defer s.Close()

	require.NoError(t, s.Ensure(context.Background(), map[string]interface{}{"host": "10.0.0.1"}))
	firstConn := s.conn

	require.NoError(t, s.Ensure(context.Background(), map[string]interface{}{"host": "10.0.0.2"}))
	assert.NotSame(t, firstConn, s.conn)
}

func TestRunOperationSendsCommands(t *testing.T) {
	mock := drivers.NewMock()
	s := New(mock, testLogger())
	defer s.Close()

	require.NoError(t, s.Ensure(context.Background(), map[string]interface{}{"host": "10.0.0.1"}))
	result, err := s.RunOperation(context.Background(), types.Operation{
		Kind:    types.OperationQuery,
		Command: []string{"show version"},
	})
	require.NoError(t, err)
	assert.Equal(t, types.ResultSuccess, result.Type)
}

func TestRunOperationWithoutConnectionFails(t *testing.T) {
	mock := drivers.NewMock()
	s := New(mock, testLogger())
	_, err := s.RunOperation(context.Background(), types.Operation{Kind: types.OperationQuery})
	assert.Error(t, err)
}

func TestMonitorSignalsSuicideOnHealthFailure(t *testing.T) {
	mock := drivers.NewMock()
	mock.AliveFunc = func(host string) bool { return false }
	s := New(mock, testLogger())
	defer s.Close()

	require.NoError(t, s.Ensure(context.Background(), map[string]interface{}{"host": "10.0.0.1", "keepalive": 10.0}))

	select {
	case <-s.Suicide():
	case <-time.After(12 * time.Second):
		t.Fatal("expected suicide signal after failed health check")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	mock := drivers.NewMock()
	s := New(mock, testLogger())
	require.NoError(t, s.Ensure(context.Background(), map[string]interface{}{"host": "10.0.0.1"}))
	s.Close()
	s.Close()
}
