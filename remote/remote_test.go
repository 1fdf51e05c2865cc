package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/embermedia/conductor"
	"github.com/embermedia/conductor/id"
	"github.com/embermedia/conductor/job"
)

func testJob() *job.Job {
	return &job.Job{
		ID:      id.NewJobID(),
		Queue:   "notifications",
		Type:    "send-notification",
		Owner:   "u1",
		Payload: json.RawMessage(`{"user":"u1","msg":"hi"}`),
	}
}

func TestHandle_Success(t *testing.T) {
	j := testJob()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if got := r.Header.Get(JobIDHeader); got != j.ID.String() {
			t.Errorf("job id header: expected %s, got %q", j.ID, got)
		}
		if got := r.Header.Get(DefaultIdentityHeader); got != "u1" {
			t.Errorf("identity header: expected u1, got %q", got)
		}
		var payload map[string]string
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		if payload["msg"] != "hi" {
			t.Errorf("payload not forwarded: %v", payload)
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"delivered": "yes"})
	}))
	defer srv.Close()

	h := New(Spec{URL: srv.URL}, nil)
	result, err := h.Handle(context.Background(), j)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}

	var out map[string]string
	if err := json.Unmarshal(result, &out); err != nil {
		t.Fatalf("result not JSON: %v", err)
	}
	if out["delivered"] != "yes" {
		t.Fatalf("unexpected result: %v", out)
	}
}

func TestHandle_EmptyBodyIsNullResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	h := New(Spec{URL: srv.URL}, nil)
	result, err := h.Handle(context.Background(), testJob())
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if string(result) != "null" {
		t.Fatalf("expected null result, got %s", result)
	}
}

func TestHandle_ClientErrorIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad payload", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	h := New(Spec{URL: srv.URL}, nil)
	_, err := h.Handle(context.Background(), testJob())
	if err == nil {
		t.Fatal("expected error for 4xx")
	}
	if !conductor.IsFatal(err) {
		t.Fatalf("4xx must be fatal, got retriable: %v", err)
	}
}

func TestHandle_ServerErrorIsRetriable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	h := New(Spec{URL: srv.URL}, nil)
	_, err := h.Handle(context.Background(), testJob())
	if err == nil {
		t.Fatal("expected error for 5xx")
	}
	if conductor.IsFatal(err) {
		t.Fatalf("5xx must stay retriable: %v", err)
	}
}

func TestHandle_UnparseableSuccessBodyIsRetriable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("<html>not json</html>"))
	}))
	defer srv.Close()

	h := New(Spec{URL: srv.URL}, nil)
	_, err := h.Handle(context.Background(), testJob())
	if err == nil {
		t.Fatal("unparseable 2xx body must be an error")
	}
	if conductor.IsFatal(err) {
		t.Fatalf("unparseable body should be retriable: %v", err)
	}
}

func TestHandle_TransportErrorIsRetriable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close() // immediately, so the dial fails

	h := New(Spec{URL: srv.URL}, nil)
	_, err := h.Handle(context.Background(), testJob())
	if err == nil {
		t.Fatal("expected transport error")
	}
	if conductor.IsFatal(err) {
		t.Fatalf("transport errors should be retriable: %v", err)
	}
}

func TestHandle_TimeoutHonored(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	h := New(Spec{URL: srv.URL, Timeout: 20 * time.Millisecond}, nil)
	_, err := h.Handle(context.Background(), testJob())
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if conductor.IsFatal(err) {
		t.Fatalf("timeouts should be retriable: %v", err)
	}
}

func TestHandle_ForwardsConfiguredHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Api-Key") != "secret" {
			t.Errorf("configured header missing")
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	h := New(Spec{URL: srv.URL, Headers: map[string]string{"X-Api-Key": "secret"}}, nil)
	if _, err := h.Handle(context.Background(), testJob()); err != nil {
		t.Fatalf("handle: %v", err)
	}
}
