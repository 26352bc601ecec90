package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/launchr/launchr/internal/apperrors"
	"github.com/launchr/launchr/pkg/jobstate"
)

type staticSource struct {
	snap jobstate.Snapshot
	err  error
}

func (s staticSource) Query(context.Context) (jobstate.Snapshot, error) {
	return s.snap, s.err
}

func sampleJobs() jobstate.Snapshot {
	return jobstate.NewSnapshot("svc", time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), []jobstate.Record{
		{ID: 1, URL: "https://a/1", Title: "Done", State: jobstate.StateCompleted, Percent: 100},
		{ID: 2, URL: "https://a/2", Title: "Running", State: jobstate.StateInProgress, Percent: 12.5},
	})
}

func jobsRouter(src SnapshotSource) http.Handler {
	h := NewJobsHandler(src)
	r := chi.NewRouter()
	r.Get("/jobs", h.List)
	r.Get("/jobs/{id}", h.Get)
	return r
}

func TestJobsHandler_List(t *testing.T) {
	router := jobsRouter(staticSource{snap: sampleJobs()})

	tests := []struct {
		name    string
		target  string
		status  int
		wantIDs []jobstate.JobID
	}{
		{"all", "/jobs", http.StatusOK, []jobstate.JobID{1, 2}},
		{"active", "/jobs?active=true", http.StatusOK, []jobstate.JobID{2}},
		{"match", "/jobs?match=Do*", http.StatusOK, []jobstate.JobID{1}},
		{"bad active", "/jobs?active=maybe", http.StatusBadRequest, nil},
		{"bad glob", "/jobs?match=%5Bx", http.StatusBadRequest, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.target, nil))
			require.Equal(t, tt.status, rec.Code)
			if tt.wantIDs == nil {
				return
			}
			var snap jobstate.Snapshot
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&snap))
			ids := make([]jobstate.JobID, 0, len(snap.Jobs))
			for _, j := range snap.Jobs {
				ids = append(ids, j.ID)
			}
			assert.Equal(t, tt.wantIDs, ids)
		})
	}
}

func TestJobsHandler_Get(t *testing.T) {
	router := jobsRouter(staticSource{snap: sampleJobs()})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs/2", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var got jobstate.Record
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, "Running", got.Title)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs/9", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs/abc", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestJobsHandler_Unavailable(t *testing.T) {
	for name, src := range map[string]SnapshotSource{
		"no source":    nil,
		"query failed": staticSource{err: errors.New("stopped")},
	} {
		t.Run(name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			jobsRouter(src).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs", nil))
			require.Equal(t, http.StatusServiceUnavailable, rec.Code)

			var body apperrors.HTTPErrorResponse
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
			assert.Equal(t, apperrors.CodeServiceUnavailable, body.Error.Code)
		})
	}
}
