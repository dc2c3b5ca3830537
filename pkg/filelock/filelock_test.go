package filelock

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireExcludesSecondHolder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "netpulse.lock")

	l1, err := Acquire(path)
	require.NoError(t, err)
	defer l1.Release()

	_, err = Acquire(path)
	assert.Error(t, err, "a second acquire on the same path must fail while the first is held")
}

func TestReleaseAllowsReacquire(t *testing.T) {
	path := filepath.Join(t.TempDir(), "netpulse.lock")

	l1, err := Acquire(path)
	require.NoError(t, err)
	require.NoError(t, l1.Release())

	l2, err := Acquire(path)
	require.NoError(t, err)
	defer l2.Release()
}

func TestReleaseIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "netpulse.lock")
	l, err := Acquire(path)
	require.NoError(t, err)
	assert.NoError(t, l.Release())
	assert.NoError(t, l.Release())
}
