package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netpulse/netpulse/pkg/types"
)

func TestClampTimeout(t *testing.T) {
	assert.Equal(t, 500*time.Millisecond, clampTimeout(0.1))
	assert.Equal(t, 120*time.Second, clampTimeout(9999))
	assert.Equal(t, 5*time.Second, clampTimeout(5))
}

func TestInvokeDeliversExpectedPayload(t *testing.T) {
	var gotPayload Payload
	var gotHeader string
	var hit atomic.Bool

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hit.Store(true)
		gotHeader = r.Header.Get("X-Test")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotPayload))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(zerolog.Nop())
	spec := &types.WebhookSpec{
		Name:           "test",
		URL:            srv.URL,
		Method:         http.MethodPost,
		Headers:        map[string]string{"X-Test": "1"},
		TimeoutSeconds: 5,
	}
	c.Invoke(context.Background(), spec, "job-1", "output text")

	assert.True(t, hit.Load())
	assert.Equal(t, "1", gotHeader)
	assert.Equal(t, "job-1", gotPayload.ID)
	assert.Equal(t, "output text", gotPayload.Result)
}

func TestInvokeNilSpecIsNoop(t *testing.T) {
	c := New(zerolog.Nop())
	c.Invoke(context.Background(), nil, "job-1", "x")
}

func TestInvokeSwallowsUnreachableTarget(t *testing.T) {
	c := New(zerolog.Nop())
	spec := &types.WebhookSpec{URL: "http://127.0.0.1:1", Method: http.MethodPost, TimeoutSeconds: 1}
	c.Invoke(context.Background(), spec, "job-1", "x")
}
