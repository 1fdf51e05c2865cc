package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
)

// scheduleRequest covers both delayed and repeating registration bodies.
type scheduleRequest struct {
	Queue   string          `json:"queue"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
	DelayMS int64           `json:"delay_ms"`
	Cron    string          `json:"cron"`
}

func (a *API) scheduleDelayed(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	jobID, err := a.plane.ScheduleDelayed(
		r.Context(), identity(r), req.Queue, req.Type, req.Payload,
		time.Duration(req.DelayMS)*time.Millisecond,
	)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusCreated, map[string]string{"id": jobID.String()})
}

func (a *API) scheduleRepeating(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	name, err := a.plane.ScheduleRepeating(
		r.Context(), identity(r), req.Queue, req.Type, req.Payload, req.Cron,
	)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusCreated, map[string]string{"name": name})
}

func (a *API) listSchedules(w http.ResponseWriter, r *http.Request) {
	entries, err := a.plane.ListSchedules(r.Context(), identity(r))
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"schedules": entries})
}

func (a *API) triggerSchedule(w http.ResponseWriter, r *http.Request) {
	jobID, err := a.plane.TriggerScheduled(r.Context(), identity(r), chi.URLParam(r, "name"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusCreated, map[string]string{"id": jobID.String()})
}

func (a *API) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	if err := a.plane.CancelSchedule(r.Context(), identity(r), chi.URLParam(r, "name")); err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (a *API) metrics(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	hours := 24
	if v, err := strconv.Atoi(q.Get("hours")); err == nil && v > 0 {
		hours = v
	}

	report, err := a.plane.Metrics(r.Context(), identity(r), q.Get("queue"), hours)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, report)
}

func (a *API) healthSummary(w http.ResponseWriter, r *http.Request) {
	overall, perQueue, err := a.plane.HealthSummary(r.Context())
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{
		"overall":   overall,
		"per_queue": perQueue,
	})
}
