package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/veilcare/redact/internal/core/domain"
	"github.com/veilcare/redact/internal/exporter"
	"github.com/veilcare/redact/internal/job"
	"github.com/veilcare/redact/internal/policy"
	"github.com/veilcare/redact/internal/storage"
	"github.com/veilcare/redact/internal/track"
)

type handlers struct {
	jobs   *job.Manager
	store  storage.AuditStore
	logger *slog.Logger
}

type createJobRequest struct {
	MediaDurationMs int64    `json:"media_duration_ms"`
	ExpectedTracks  []string `json:"expected_tracks,omitempty"`
}

type createJobResponse struct {
	JobID string `json:"job_id"`
}

func (h *handlers) createJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.MediaDurationMs < 0 {
		writeError(w, http.StatusBadRequest, "media_duration_ms must be non-negative")
		return
	}

	var expected []domain.Track
	for _, name := range req.ExpectedTracks {
		t := domain.Track(name)
		if !t.Valid() {
			writeError(w, http.StatusBadRequest, "unknown track "+name)
			return
		}
		expected = append(expected, t)
	}

	c := h.jobs.Create(req.MediaDurationMs, expected)
	AddLogField(r.Context(), "job_id", c.JobID())
	writeJSON(w, http.StatusCreated, createJobResponse{JobID: c.JobID()})
}

type ingestRequest struct {
	Events []domain.DetectionEvent `json:"events"`
}

type ingestResponse struct {
	Accepted int `json:"accepted"`
}

func (h *handlers) ingestEvents(w http.ResponseWriter, r *http.Request) {
	c, ok := h.coordinator(w, r)
	if !ok {
		return
	}

	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	for _, ev := range req.Events {
		if ev.JobID == "" {
			ev.JobID = c.JobID()
		}
		if err := c.Ingest(ev); err != nil {
			AddError(r.Context(), err)
			status := http.StatusBadRequest
			if domain.IsTrackClosed(err) {
				status = http.StatusConflict
			}
			writeError(w, status, err.Error())
			return
		}
	}

	writeJSON(w, http.StatusAccepted, ingestResponse{Accepted: len(req.Events)})
}

type finalizeRequest struct {
	Status string `json:"status"`
}

func (h *handlers) finalizeTrack(w http.ResponseWriter, r *http.Request) {
	c, ok := h.coordinator(w, r)
	if !ok {
		return
	}

	t := domain.Track(chi.URLParam(r, "track"))
	if !t.Valid() {
		writeError(w, http.StatusBadRequest, "unknown track "+string(t))
		return
	}

	var req finalizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	status := track.Status(req.Status)
	if status == "" {
		status = track.StatusSucceeded
	}
	if status != track.StatusSucceeded && status != track.StatusFailed {
		writeError(w, http.StatusBadRequest, "status must be succeeded or failed")
		return
	}

	if err := c.FinalizeTrack(t, status); err != nil {
		AddError(r.Context(), err)
		if domain.IsTrackClosed(err) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (h *handlers) cancelJob(w http.ResponseWriter, r *http.Request) {
	c, ok := h.coordinator(w, r)
	if !ok {
		return
	}

	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	c.Cancel(req.Reason)
	w.WriteHeader(http.StatusNoContent)
}

type runResponse struct {
	JobID     string       `json:"job_id"`
	State     policy.State `json:"state"`
	Intervals int          `json:"intervals"`
	Records   int          `json:"records"`
}

// runJob waits for all tracks to reach a terminal state, executes the
// aggregation pipeline, and persists the audit trail. Run is idempotent
// so repeated calls report the same outcome.
func (h *handlers) runJob(w http.ResponseWriter, r *http.Request) {
	c, ok := h.coordinator(w, r)
	if !ok {
		return
	}

	if err := c.Wait(r.Context()); err != nil {
		AddError(r.Context(), err)
		writeError(w, http.StatusRequestTimeout, "tracks did not reach a terminal state: "+err.Error())
		return
	}

	out, err := c.Run(r.Context())
	if err != nil {
		AddError(r.Context(), err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	// Persistence is attempted on every call until it succeeds, so a
	// transient store failure never strands a run-but-unsaved trail.
	// ErrAlreadyStored means an earlier call (or a concurrent one) won;
	// the trail is durable either way.
	if err := h.store.SaveTrail(r.Context(), out.JobID, string(out.State), out.Records); err != nil && !errors.Is(err, storage.ErrAlreadyStored) {
		AddError(r.Context(), err)
		writeError(w, http.StatusInternalServerError, "persist audit trail: "+err.Error())
		return
	}

	AddLogField(r.Context(), "job_state", string(out.State))
	writeJSON(w, http.StatusOK, runResponse{
		JobID:     out.JobID,
		State:     out.State,
		Intervals: len(out.Intervals),
		Records:   len(out.Records),
	})
}

func (h *handlers) getPlan(w http.ResponseWriter, r *http.Request) {
	c, ok := h.coordinator(w, r)
	if !ok {
		return
	}

	out, done := c.Outcome()
	if !done {
		writeError(w, http.StatusConflict, "job has not run yet")
		return
	}

	plan, err := exporter.BuildPlan(out.JobID, out.State, out.Intervals)
	if err != nil {
		// Blocked jobs have no plan by design; the report explains why.
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

func (h *handlers) getReport(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	// Prefer the live coordinator; fall back to the audit store for
	// evicted jobs, whose trails outlive the in-memory state.
	if c, err := h.jobs.Get(jobID); err == nil {
		if out, done := c.Outcome(); done {
			writeJSON(w, http.StatusOK, exporter.BuildReport(out.JobID, out.State, out.Records))
			return
		}
		writeError(w, http.StatusConflict, "job has not run yet")
		return
	}

	state, err := h.store.JobState(r.Context(), jobID)
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	records, err := h.store.ListRecords(r.Context(), jobID)
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, exporter.BuildReport(jobID, policy.State(state), records))
}

func (h *handlers) coordinator(w http.ResponseWriter, r *http.Request) (*job.Coordinator, bool) {
	jobID := chi.URLParam(r, "jobID")
	c, err := h.jobs.Get(jobID)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return nil, false
	}
	AddLogField(r.Context(), "job_id", jobID)
	return c, true
}

func (h *handlers) storeError(w http.ResponseWriter, r *http.Request, err error) {
	AddError(r.Context(), err)
	if errors.Is(err, storage.ErrJobNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
