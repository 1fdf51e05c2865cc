// Package remote implements the default job handler: an outbound HTTP call
// to a downstream worker service. The orchestrator performs no domain
// logic; it POSTs the payload and interprets the response.
//
// Wire contract: the request body is the raw JSON payload; success is any
// 2xx response whose body is empty (a null result) or parseable JSON. 4xx
// responses are fatal (no
// retry), 5xx and transport errors are retriable. The job id travels in a
// dedicated header so workers can deduplicate under at-least-once
// delivery.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/embermedia/conductor"
	"github.com/embermedia/conductor/job"
)

// JobIDHeader carries the job id on every outbound request.
const JobIDHeader = "X-Conductor-Job-Id"

// DefaultIdentityHeader forwards the submitting owner's identity.
const DefaultIdentityHeader = "X-Conductor-Owner"

// maxResponseBytes bounds how much of a worker response is read.
const maxResponseBytes = 4 << 20

// Spec describes the downstream endpoint for one (queue, type) pair.
type Spec struct {
	// URL is the worker endpoint invoked per job.
	URL string

	// Method defaults to POST.
	Method string

	// Headers are forwarded verbatim on every request.
	Headers map[string]string

	// IdentityHeader names the header carrying the job owner. Defaults to
	// DefaultIdentityHeader.
	IdentityHeader string

	// Timeout caps one attempt. Zero leaves the deadline to the caller's
	// context (the lease).
	Timeout time.Duration
}

// Handler invokes a downstream worker endpoint per the Spec.
type Handler struct {
	spec   Spec
	client *http.Client
}

var _ job.Handler = (*Handler)(nil)

// New creates a Handler. A nil client uses http.DefaultClient; per-attempt
// deadlines come from Spec.Timeout and the caller's context, not from the
// client.
func New(spec Spec, client *http.Client) *Handler {
	if spec.Method == "" {
		spec.Method = http.MethodPost
	}
	if spec.IdentityHeader == "" {
		spec.IdentityHeader = DefaultIdentityHeader
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &Handler{spec: spec, client: client}
}

// Handle implements job.Handler.
func (h *Handler) Handle(ctx context.Context, j *job.Job) (json.RawMessage, error) {
	if h.spec.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.spec.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, h.spec.Method, h.spec.URL, bytes.NewReader(j.Payload))
	if err != nil {
		return nil, conductor.Fatal(fmt.Errorf("build request for %s/%s: %w", j.Queue, j.Type, err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(JobIDHeader, j.ID.String())
	if j.Owner != "" {
		req.Header.Set(h.spec.IdentityHeader, j.Owner)
	}
	for k, v := range h.spec.Headers {
		req.Header.Set(k, v)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		// Transport errors (and timeouts) are retriable.
		return nil, fmt.Errorf("call %s: %w", h.spec.URL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response from %s: %w", h.spec.URL, err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if len(body) == 0 {
			return json.RawMessage(`null`), nil
		}
		if !json.Valid(body) {
			return nil, fmt.Errorf("worker %s returned unparseable body", h.spec.URL)
		}
		return json.RawMessage(body), nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, conductor.Fatal(fmt.Errorf("worker %s rejected job: %s: %s", h.spec.URL, resp.Status, truncate(body, 256)))
	default:
		return nil, fmt.Errorf("worker %s failed: %s: %s", h.spec.URL, resp.Status, truncate(body, 256))
	}
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		b = b[:n]
	}
	return string(b)
}
