package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/launchr/launchr/internal/apperrors"
	"github.com/launchr/launchr/pkg/client"
	"github.com/launchr/launchr/pkg/jobstate"
)

// SnapshotSource yields the current job table.
type SnapshotSource interface {
	Query(ctx context.Context) (jobstate.Snapshot, error)
}

// JobsHandler serves job snapshots over HTTP.
type JobsHandler struct {
	source SnapshotSource
}

func NewJobsHandler(source SnapshotSource) *JobsHandler {
	return &JobsHandler{source: source}
}

// List serves GET /jobs. Query parameters: active=true, match=<glob>.
func (h *JobsHandler) List(w http.ResponseWriter, r *http.Request) {
	filter := client.Filter{Match: r.URL.Query().Get("match")}
	if raw := r.URL.Query().Get("active"); raw != "" {
		active, err := strconv.ParseBool(raw)
		if err != nil {
			respondWithError(w, r, apperrors.BadRequest("invalid active parameter", err))
			return
		}
		filter.ActiveOnly = active
	}
	if err := filter.Validate(); err != nil {
		respondWithError(w, r, apperrors.BadRequest("invalid match pattern", err))
		return
	}

	snap, ok := h.snapshot(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, filter.Apply(snap))
}

// Get serves GET /jobs/{id}.
func (h *JobsHandler) Get(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		respondWithError(w, r, apperrors.BadRequest(fmt.Sprintf("invalid job id %q", raw), err))
		return
	}

	snap, ok := h.snapshot(w, r)
	if !ok {
		return
	}
	rec, found := snap.Find(jobstate.JobID(id))
	if !found {
		respondWithError(w, r, apperrors.NotFound(fmt.Sprintf("job %d not found", id)))
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *JobsHandler) snapshot(w http.ResponseWriter, r *http.Request) (jobstate.Snapshot, bool) {
	if h == nil || h.source == nil {
		respondWithError(w, r, apperrors.Unavailable("no job source configured", nil, nil))
		return jobstate.Snapshot{}, false
	}
	snap, err := h.source.Query(r.Context())
	if err != nil {
		respondWithError(w, r, apperrors.Unavailable("job snapshot unavailable", err, nil))
		return jobstate.Snapshot{}, false
	}
	return snap, true
}
