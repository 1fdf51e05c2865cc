// Package api is the thin HTTP adapter over the control plane: request
// shape parsing, identity extraction, and error-to-status mapping.
// Authentication itself is out of scope; the adapter trusts the identity
// headers installed by the fronting gateway.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/embermedia/conductor"
	"github.com/embermedia/conductor/control"
)

// Identity headers installed by the fronting gateway.
const (
	OwnerHeader = "X-Owner-Id"
	AdminHeader = "X-Admin"
)

// Pinger is the liveness probe dependency (the store).
type Pinger interface {
	Ping(ctx context.Context) error
}

// API exposes the control plane over HTTP.
type API struct {
	plane  *control.Plane
	pinger Pinger
	logger *slog.Logger
}

// New creates an API.
func New(plane *control.Plane, pinger Pinger, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.Default()
	}
	return &API{plane: plane, pinger: pinger, logger: logger}
}

// Handler returns the fully assembled router.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/jobs", a.submitJob)
		r.Get("/jobs", a.listJobs)
		r.Post("/jobs/cancel", a.bulkCancel)
		r.Get("/jobs/{jobID}", a.inspectJob)
		r.Post("/jobs/{jobID}/cancel", a.cancelJob)
		r.Post("/jobs/{jobID}/retry", a.retryJob)

		r.Get("/queues", a.listQueues)
		r.Get("/queues/{name}", a.queueDetail)
		r.Post("/queues/{name}/pause", a.pauseQueue)
		r.Post("/queues/{name}/resume", a.resumeQueue)
		r.Post("/queues/{name}/clean", a.cleanQueue)
		r.Put("/queues/{name}/config", a.updateQueueConfig)

		r.Post("/schedules", a.scheduleRepeating)
		r.Get("/schedules", a.listSchedules)
		r.Post("/schedules/delayed", a.scheduleDelayed)
		r.Post("/schedules/{name}/trigger", a.triggerSchedule)
		r.Delete("/schedules/{name}", a.deleteSchedule)

		r.Get("/metrics", a.metrics)
		r.Get("/health", a.healthSummary)
	})
	r.Get("/healthz", a.healthz)

	return r
}

// identity extracts the caller identity from the trusted headers.
func identity(r *http.Request) control.Identity {
	admin := r.Header.Get(AdminHeader)
	return control.Identity{
		Owner: r.Header.Get(OwnerHeader),
		Admin: admin == "true" || admin == "1",
	}
}

// writeJSON writes a JSON response body.
func (a *API) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Error("response encode error", slog.String("error", err.Error()))
	}
}

// writeError maps the error taxonomy onto HTTP statuses.
func (a *API) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, conductor.ErrInvalidQueue),
		errors.Is(err, conductor.ErrInvalidJobType),
		errors.Is(err, conductor.ErrInvalidDelay),
		errors.Is(err, conductor.ErrInvalidCron),
		errors.Is(err, conductor.ErrValidation),
		errors.Is(err, conductor.ErrInvalidConfig):
		status = http.StatusBadRequest
	case errors.Is(err, conductor.ErrPayloadTooLarge):
		status = http.StatusRequestEntityTooLarge
	case errors.Is(err, conductor.ErrAuthRequired):
		status = http.StatusUnauthorized
	case errors.Is(err, conductor.ErrForbidden),
		errors.Is(err, conductor.ErrAdminRequired):
		status = http.StatusForbidden
	case errors.Is(err, conductor.ErrJobNotFound),
		errors.Is(err, conductor.ErrQueueNotFound),
		errors.Is(err, conductor.ErrCronNotFound):
		status = http.StatusNotFound
	case errors.Is(err, conductor.ErrDuplicateJob),
		errors.Is(err, conductor.ErrRefusedActive),
		errors.Is(err, conductor.ErrNotCancellable),
		errors.Is(err, conductor.ErrNotRetriable),
		errors.Is(err, conductor.ErrNotTriggerable):
		status = http.StatusConflict
	case errors.Is(err, conductor.ErrStoreUnavailable),
		errors.Is(err, conductor.ErrBrokerUnavailable):
		status = http.StatusServiceUnavailable
	}
	a.writeJSON(w, status, map[string]string{"error": err.Error()})
}

// healthz is the liveness probe.
func (a *API) healthz(w http.ResponseWriter, r *http.Request) {
	if a.pinger != nil {
		if err := a.pinger.Ping(r.Context()); err != nil {
			a.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	a.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
