package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/embermedia/conductor/job"
	"github.com/embermedia/conductor/queue"
)

func (a *API) listQueues(w http.ResponseWriter, r *http.Request) {
	views, err := a.plane.QueueList(r.Context(), identity(r))
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"queues": views})
}

func (a *API) queueDetail(w http.ResponseWriter, r *http.Request) {
	detail, err := a.plane.QueueDetail(r.Context(), identity(r), chi.URLParam(r, "name"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, detail)
}

func (a *API) pauseQueue(w http.ResponseWriter, r *http.Request) {
	if err := a.plane.PauseQueue(r.Context(), identity(r), chi.URLParam(r, "name")); err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (a *API) resumeQueue(w http.ResponseWriter, r *http.Request) {
	if err := a.plane.ResumeQueue(r.Context(), identity(r), chi.URLParam(r, "name")); err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

// cleanRequest is the POST /v1/queues/{name}/clean body.
type cleanRequest struct {
	OlderThanMS int64    `json:"older_than_ms"`
	Statuses    []string `json:"statuses"`
}

func (a *API) cleanQueue(w http.ResponseWriter, r *http.Request) {
	var req cleanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	statuses := make([]job.Status, 0, len(req.Statuses))
	for _, s := range req.Statuses {
		statuses = append(statuses, job.Status(s))
	}

	removed, err := a.plane.CleanQueue(
		r.Context(), identity(r), chi.URLParam(r, "name"),
		time.Duration(req.OlderThanMS)*time.Millisecond, statuses,
	)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]int64{"removed": removed})
}

// configRequest is the PUT /v1/queues/{name}/config body.
type configRequest struct {
	Concurrency     int     `json:"concurrency"`
	RetryAttempts   int     `json:"retry_attempts"`
	RetryDelayMS    int64   `json:"retry_delay_ms"`
	RetainCompleted int     `json:"retain_completed"`
	RetainFailed    int     `json:"retain_failed"`
	TimeoutMS       int64   `json:"handler_timeout_ms"`
	RateLimit       float64 `json:"rate_limit"`
	RateBurst       int     `json:"rate_burst"`
}

func (a *API) updateQueueConfig(w http.ResponseWriter, r *http.Request) {
	var req configRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	cfg := queue.Config{
		Concurrency:     req.Concurrency,
		RetryAttempts:   req.RetryAttempts,
		RetryDelay:      time.Duration(req.RetryDelayMS) * time.Millisecond,
		RetainCompleted: req.RetainCompleted,
		RetainFailed:    req.RetainFailed,
		HandlerTimeout:  time.Duration(req.TimeoutMS) * time.Millisecond,
		RateLimit:       req.RateLimit,
		RateBurst:       req.RateBurst,
	}
	d, err := a.plane.UpdateQueueConfig(r.Context(), identity(r), chi.URLParam(r, "name"), cfg)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, d)
}
