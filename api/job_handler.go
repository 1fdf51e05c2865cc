package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/embermedia/conductor/control"
	"github.com/embermedia/conductor/id"
	"github.com/embermedia/conductor/job"
)

// submitRequest is the POST /v1/jobs body.
type submitRequest struct {
	Queue       string          `json:"queue"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	Priority    int             `json:"priority"`
	MaxAttempts int             `json:"max_attempts"`
	DelayMS     int64           `json:"delay_ms"`
	ID          string          `json:"id"`
}

func (a *API) submitJob(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	submit := control.SubmitRequest{
		Queue:       req.Queue,
		Type:        req.Type,
		Payload:     req.Payload,
		Priority:    req.Priority,
		MaxAttempts: req.MaxAttempts,
		Delay:       time.Duration(req.DelayMS) * time.Millisecond,
	}
	if req.ID != "" {
		jobID, err := id.ParseJobID(req.ID)
		if err != nil {
			a.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid job id"})
			return
		}
		submit.ID = jobID
	}

	jobID, err := a.plane.Submit(r.Context(), identity(r), submit)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusCreated, map[string]string{"id": jobID.String()})
}

func (a *API) inspectJob(w http.ResponseWriter, r *http.Request) {
	jobID, err := id.ParseJobID(chi.URLParam(r, "jobID"))
	if err != nil {
		a.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid job id"})
		return
	}

	view, err := a.plane.Inspect(r.Context(), identity(r), jobID)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, view)
}

func (a *API) cancelJob(w http.ResponseWriter, r *http.Request) {
	jobID, err := id.ParseJobID(chi.URLParam(r, "jobID"))
	if err != nil {
		a.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid job id"})
		return
	}

	if err := a.plane.Cancel(r.Context(), identity(r), jobID); err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (a *API) retryJob(w http.ResponseWriter, r *http.Request) {
	jobID, err := id.ParseJobID(chi.URLParam(r, "jobID"))
	if err != nil {
		a.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid job id"})
		return
	}

	newID, err := a.plane.Retry(r.Context(), identity(r), jobID)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusCreated, map[string]string{"id": newID.String()})
}

// bulkCancelRequest is the POST /v1/jobs/cancel body.
type bulkCancelRequest struct {
	IDs []string `json:"ids"`
}

func (a *API) bulkCancel(w http.ResponseWriter, r *http.Request) {
	var req bulkCancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	ids := make([]id.JobID, 0, len(req.IDs))
	for _, raw := range req.IDs {
		jobID, err := id.ParseJobID(raw)
		if err != nil {
			a.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid job id: " + raw})
			return
		}
		ids = append(ids, jobID)
	}

	outcomes := a.plane.BulkCancel(r.Context(), identity(r), ids)
	a.writeJSON(w, http.StatusOK, map[string]any{"outcomes": outcomes})
}

// listJobs lists the caller's jobs (or any owner's for admins via ?owner=).
func (a *API) listJobs(w http.ResponseWriter, r *http.Request) {
	ident := identity(r)
	q := r.URL.Query()

	owner := q.Get("owner")
	if owner == "" {
		owner = ident.Owner
	}

	filter := job.Filter{
		Queue:  q.Get("queue"),
		Type:   q.Get("type"),
		Status: job.Status(q.Get("status")),
	}
	page := job.Page{Limit: 50}
	if v, err := strconv.Atoi(q.Get("limit")); err == nil && v > 0 {
		page.Limit = min(v, 500)
	}
	if v, err := strconv.Atoi(q.Get("offset")); err == nil && v > 0 {
		page.Offset = v
	}

	jobs, total, err := a.plane.ListForOwner(r.Context(), ident, owner, filter, page)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "total": total})
}
