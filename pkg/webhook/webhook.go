// Package webhook implements the best-effort outgoing webhook call invoked
// on a job's terminal transition, using the standard net/http client for
// outbound calls and structured logging for failures.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/netpulse/netpulse/pkg/types"
)

// Payload is the body delivered to a webhook target.
type Payload struct {
	ID     string `json:"id"`
	Result string `json:"result"`
}

// Caller invokes WebhookSpecs. Best-effort: never returns an error to the
// caller, since webhook failures must never affect job state.
type Caller struct {
	log    zerolog.Logger
	client *http.Client
}

// New builds a Caller. The client's own Timeout is left at zero; each call
// gets a per-request context deadline from the WebhookSpec instead, since
// the timeout bound is per-spec, not global.
func New(log zerolog.Logger) *Caller {
	return &Caller{
		log:    log.With().Str("component", "webhook").Logger(),
		client: &http.Client{},
	}
}

// clampTimeout enforces the [0.5, 120] second bound even if a caller's
// validator somehow let an out-of-range value through.
func clampTimeout(seconds float64) time.Duration {
	if seconds < 0.5 {
		seconds = 0.5
	}
	if seconds > 120 {
		seconds = 120
	}
	return time.Duration(seconds * float64(time.Second))
}

// Invoke delivers result to the webhook target, asynchronously from the
// caller's perspective — PinnedWorker and FifoWorker call this in a
// goroutine right after a job reaches a terminal state. Any failure is
// logged and swallowed.
func (c *Caller) Invoke(ctx context.Context, spec *types.WebhookSpec, jobID, result string) {
	if spec == nil {
		return
	}

	body, err := json.Marshal(Payload{ID: jobID, Result: result})
	if err != nil {
		c.log.Error().Err(err).Str("job_id", jobID).Msg("failed to marshal webhook payload")
		return
	}

	timeout := clampTimeout(spec.TimeoutSeconds)
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	method := spec.Method
	if method == "" {
		method = http.MethodPost
	}
	req, err := http.NewRequestWithContext(reqCtx, method, spec.URL, bytes.NewReader(body))
	if err != nil {
		c.log.Error().Err(err).Str("job_id", jobID).Str("webhook", spec.Name).Msg("failed to build webhook request")
		return
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range spec.Headers {
		req.Header.Set(k, v)
	}
	for k, v := range spec.Cookies {
		req.AddCookie(&http.Cookie{Name: k, Value: v})
	}
	if spec.BasicAuthUser != "" {
		req.SetBasicAuth(spec.BasicAuthUser, spec.BasicAuthPass)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.log.Warn().Err(err).Str("job_id", jobID).Str("webhook", spec.Name).Msg("webhook delivery failed")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		c.log.Warn().Str("job_id", jobID).Str("webhook", spec.Name).
			Err(fmt.Errorf("webhook target returned status %d", resp.StatusCode)).
			Msg("webhook delivery rejected")
	}
}
