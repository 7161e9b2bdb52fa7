package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/veilcare/redact/internal/core/domain"
	"github.com/veilcare/redact/internal/exporter"
	"github.com/veilcare/redact/internal/job"
	"github.com/veilcare/redact/internal/policy"
	"github.com/veilcare/redact/internal/resolve"
	"github.com/veilcare/redact/internal/storage"
	"github.com/veilcare/redact/internal/storage/memory"
)

// failOnceStore fails the first SaveTrail and delegates afterwards.
type failOnceStore struct {
	storage.AuditStore
	failed bool
}

func (s *failOnceStore) SaveTrail(ctx context.Context, jobID string, state string, records []domain.AuditRecord) error {
	if !s.failed {
		s.failed = true
		return errors.New("disk full")
	}
	return s.AuditStore.SaveTrail(ctx, jobID, state, records)
}

func newTestServer(t *testing.T) (*Server, *job.Manager, *memory.Store) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	jobs := job.NewManager(resolve.New(resolve.DefaultConfig()), policy.New(policy.StrictnessStandard), nil)
	store := memory.New()
	return New(0, logger, jobs, store), jobs, store
}

func doJSON(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body == nil {
		body = map[string]any{}
	}
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		t.Fatalf("encode body: %v", err)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Router.ServeHTTP(rec, req)
	return rec
}

func decodeInto(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func createTestJob(t *testing.T, s *Server, durationMs int64, tracks ...string) string {
	t.Helper()
	rec := doJSON(t, s, http.MethodPost, "/v1/jobs", map[string]any{
		"media_duration_ms": durationMs,
		"expected_tracks":   tracks,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create job: status %d, body %s", rec.Code, rec.Body.String())
	}
	var resp createJobResponse
	decodeInto(t, rec, &resp)
	if resp.JobID == "" {
		t.Fatal("create job returned empty job_id")
	}
	return resp.JobID
}

func transcriptEvent(id string, startMs, endMs int64, entityType string) map[string]any {
	return map[string]any{
		"id":         id,
		"track":      "transcript",
		"time_range": map[string]int64{"start_ms": startMs, "end_ms": endMs},
		"payload":    map[string]any{"entity_type": entityType, "risk_flagged": true},
		"confidence": 0.95,
		"source_id":  "asr-01",
	}
}

func faceEvent(id string, startMs, endMs int64) map[string]any {
	return map[string]any{
		"id":         id,
		"track":      "face",
		"time_range": map[string]int64{"start_ms": startMs, "end_ms": endMs},
		"region":     map[string]float64{"x": 0.1, "y": 0.1, "w": 0.2, "h": 0.3},
		"payload":    map[string]any{"face_track_id": "ft-1"},
		"confidence": 0.9,
		"source_id":  "vision-01",
	}
}

func TestCreateJobRejectsUnknownTrack(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec := doJSON(t, s, http.MethodPost, "/v1/jobs", map[string]any{
		"media_duration_ms": 1000,
		"expected_tracks":   []string{"iris_scan"},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestCreateJobRejectsNegativeDuration(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec := doJSON(t, s, http.MethodPost, "/v1/jobs", map[string]any{"media_duration_ms": -1})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestIngestUnknownJob(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec := doJSON(t, s, http.MethodPost, "/v1/jobs/job_missing/events", map[string]any{
		"events": []any{transcriptEvent("ev-1", 0, 100, "person_name")},
	})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestIngestInvalidEvent(t *testing.T) {
	s, _, _ := newTestServer(t)
	jobID := createTestJob(t, s, 60000, "transcript")

	ev := transcriptEvent("", 0, 100, "person_name")
	rec := doJSON(t, s, http.MethodPost, "/v1/jobs/"+jobID+"/events", map[string]any{
		"events": []any{ev},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestIngestAfterFinalizeConflicts(t *testing.T) {
	s, _, _ := newTestServer(t)
	jobID := createTestJob(t, s, 60000, "transcript")

	rec := doJSON(t, s, http.MethodPost, "/v1/jobs/"+jobID+"/tracks/transcript/finalize", map[string]any{"status": "succeeded"})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("finalize: expected 204, got %d", rec.Code)
	}

	rec = doJSON(t, s, http.MethodPost, "/v1/jobs/"+jobID+"/events", map[string]any{
		"events": []any{transcriptEvent("ev-1", 0, 100, "person_name")},
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestFinalizeRejectsBadStatus(t *testing.T) {
	s, _, _ := newTestServer(t)
	jobID := createTestJob(t, s, 60000, "transcript")

	rec := doJSON(t, s, http.MethodPost, "/v1/jobs/"+jobID+"/tracks/transcript/finalize", map[string]any{"status": "done"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestFullJobLifecycle(t *testing.T) {
	s, _, store := newTestServer(t)
	jobID := createTestJob(t, s, 60000, "face", "transcript")

	rec := doJSON(t, s, http.MethodPost, "/v1/jobs/"+jobID+"/events", map[string]any{
		"events": []any{
			faceEvent("ev-f1", 5000, 5600),
			transcriptEvent("ev-t1", 4850, 5400, "person_name"),
		},
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("ingest: expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var ing ingestResponse
	decodeInto(t, rec, &ing)
	if ing.Accepted != 2 {
		t.Fatalf("accepted = %d, want 2", ing.Accepted)
	}

	for _, track := range []string{"face", "transcript"} {
		rec = doJSON(t, s, http.MethodPost, fmt.Sprintf("/v1/jobs/%s/tracks/%s/finalize", jobID, track), map[string]any{"status": "succeeded"})
		if rec.Code != http.StatusNoContent {
			t.Fatalf("finalize %s: expected 204, got %d: %s", track, rec.Code, rec.Body.String())
		}
	}

	rec = doJSON(t, s, http.MethodPost, "/v1/jobs/"+jobID+"/run", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("run: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var run runResponse
	decodeInto(t, rec, &run)
	if run.State != policy.StateReleased {
		t.Fatalf("state = %s, want %s", run.State, policy.StateReleased)
	}
	if run.Intervals != 2 {
		t.Fatalf("intervals = %d, want 2", run.Intervals)
	}

	rec = doJSON(t, s, http.MethodGet, "/v1/jobs/"+jobID+"/plan", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("plan: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var plan exporter.Plan
	decodeInto(t, rec, &plan)
	if len(plan.Actions) != 2 {
		t.Fatalf("plan actions = %d, want 2", len(plan.Actions))
	}
	for _, a := range plan.Actions {
		if a.Modality != domain.ModalityVisualBlur && a.Modality != domain.ModalityAudioMute {
			t.Fatalf("unexpected modality %s", a.Modality)
		}
	}

	rec = doJSON(t, s, http.MethodGet, "/v1/jobs/"+jobID+"/report", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("report: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var report exporter.Report
	decodeInto(t, rec, &report)
	if report.State != policy.StateReleased {
		t.Fatalf("report state = %s, want %s", report.State, policy.StateReleased)
	}
	if len(report.Records) != 2 {
		t.Fatalf("report records = %d, want 2", len(report.Records))
	}

	// Run persisted the trail to the audit store.
	state, err := store.JobState(t.Context(), jobID)
	if err != nil {
		t.Fatalf("stored job state: %v", err)
	}
	if state != string(policy.StateReleased) {
		t.Fatalf("stored state = %s, want %s", state, policy.StateReleased)
	}
}

func TestRunIsIdempotentOverHTTP(t *testing.T) {
	s, _, _ := newTestServer(t)
	jobID := createTestJob(t, s, 60000, "transcript")

	doJSON(t, s, http.MethodPost, "/v1/jobs/"+jobID+"/events", map[string]any{
		"events": []any{transcriptEvent("ev-t1", 100, 400, "mrn")},
	})
	doJSON(t, s, http.MethodPost, "/v1/jobs/"+jobID+"/tracks/transcript/finalize", map[string]any{"status": "succeeded"})

	first := doJSON(t, s, http.MethodPost, "/v1/jobs/"+jobID+"/run", nil)
	if first.Code != http.StatusOK {
		t.Fatalf("first run: expected 200, got %d: %s", first.Code, first.Body.String())
	}
	// Second run must not attempt a second trail write.
	second := doJSON(t, s, http.MethodPost, "/v1/jobs/"+jobID+"/run", nil)
	if second.Code != http.StatusOK {
		t.Fatalf("second run: expected 200, got %d: %s", second.Code, second.Body.String())
	}
	if first.Body.String() != second.Body.String() {
		t.Fatalf("run not idempotent:\nfirst:  %s\nsecond: %s", first.Body.String(), second.Body.String())
	}
}

func TestRunRetriesPersistenceAfterStoreFailure(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	jobs := job.NewManager(resolve.New(resolve.DefaultConfig()), policy.New(policy.StrictnessStandard), nil)
	store := &failOnceStore{AuditStore: memory.New()}
	s := New(0, logger, jobs, store)

	jobID := createTestJob(t, s, 60000, "transcript")
	doJSON(t, s, http.MethodPost, "/v1/jobs/"+jobID+"/events", map[string]any{
		"events": []any{transcriptEvent("ev-t1", 100, 400, "mrn")},
	})
	doJSON(t, s, http.MethodPost, "/v1/jobs/"+jobID+"/tracks/transcript/finalize", map[string]any{"status": "succeeded"})

	rec := doJSON(t, s, http.MethodPost, "/v1/jobs/"+jobID+"/run", nil)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("run with failing store: expected 500, got %d: %s", rec.Code, rec.Body.String())
	}

	// The run itself succeeded and is cached; the retry only re-attempts
	// the trail write.
	rec = doJSON(t, s, http.MethodPost, "/v1/jobs/"+jobID+"/run", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("run retry: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	state, err := store.JobState(t.Context(), jobID)
	if err != nil {
		t.Fatalf("stored job state after retry: %v", err)
	}
	if state != string(policy.StateReleased) {
		t.Fatalf("stored state = %s, want %s", state, policy.StateReleased)
	}
}

func TestPlanRefusedForBlockedJob(t *testing.T) {
	s, _, _ := newTestServer(t)
	jobID := createTestJob(t, s, 60000, "face", "transcript")

	doJSON(t, s, http.MethodPost, "/v1/jobs/"+jobID+"/tracks/face/finalize", map[string]any{"status": "failed"})
	doJSON(t, s, http.MethodPost, "/v1/jobs/"+jobID+"/tracks/transcript/finalize", map[string]any{"status": "succeeded"})

	rec := doJSON(t, s, http.MethodPost, "/v1/jobs/"+jobID+"/run", nil)
	var run runResponse
	decodeInto(t, rec, &run)
	if run.State != policy.StateBlocked {
		t.Fatalf("state = %s, want %s", run.State, policy.StateBlocked)
	}

	rec = doJSON(t, s, http.MethodGet, "/v1/jobs/"+jobID+"/plan", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("plan for blocked job: expected 409, got %d", rec.Code)
	}

	// The report is still available and explains the block.
	rec = doJSON(t, s, http.MethodGet, "/v1/jobs/"+jobID+"/report", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("report: expected 200, got %d", rec.Code)
	}
	var report exporter.Report
	decodeInto(t, rec, &report)
	if len(report.Records) != 1 || report.Records[0].Action != domain.ActionReleaseBlock {
		t.Fatalf("expected single release-block record, got %+v", report.Records)
	}
}

func TestPlanBeforeRunConflicts(t *testing.T) {
	s, _, _ := newTestServer(t)
	jobID := createTestJob(t, s, 60000, "transcript")

	rec := doJSON(t, s, http.MethodGet, "/v1/jobs/"+jobID+"/plan", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestCancelJobOverHTTP(t *testing.T) {
	s, _, _ := newTestServer(t)
	jobID := createTestJob(t, s, 60000, "transcript", "speaker")

	doJSON(t, s, http.MethodPost, "/v1/jobs/"+jobID+"/events", map[string]any{
		"events": []any{transcriptEvent("ev-t1", 100, 400, "person_name")},
	})

	rec := doJSON(t, s, http.MethodPost, "/v1/jobs/"+jobID+"/cancel", map[string]any{"reason": "patient withdrew consent"})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("cancel: expected 204, got %d", rec.Code)
	}

	rec = doJSON(t, s, http.MethodPost, "/v1/jobs/"+jobID+"/run", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("run after cancel: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var run runResponse
	decodeInto(t, rec, &run)
	if run.State != policy.StateBlocked {
		t.Fatalf("state = %s, want %s", run.State, policy.StateBlocked)
	}
	if run.Intervals != 0 {
		t.Fatalf("cancelled job produced %d intervals", run.Intervals)
	}

	rec = doJSON(t, s, http.MethodGet, "/v1/jobs/"+jobID+"/report", nil)
	var report exporter.Report
	decodeInto(t, rec, &report)
	if len(report.Records) != 1 {
		t.Fatalf("records = %d, want 1", len(report.Records))
	}
	if got := report.Records[0].ReasonCode; got != "cancelled:patient withdrew consent" {
		t.Fatalf("reason code = %q", got)
	}
}

func TestReportFromStoreAfterEviction(t *testing.T) {
	s, jobs, _ := newTestServer(t)
	jobID := createTestJob(t, s, 60000, "transcript")

	doJSON(t, s, http.MethodPost, "/v1/jobs/"+jobID+"/events", map[string]any{
		"events": []any{transcriptEvent("ev-t1", 100, 400, "mrn")},
	})
	doJSON(t, s, http.MethodPost, "/v1/jobs/"+jobID+"/tracks/transcript/finalize", map[string]any{"status": "succeeded"})
	rec := doJSON(t, s, http.MethodPost, "/v1/jobs/"+jobID+"/run", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("run: expected 200, got %d", rec.Code)
	}

	jobs.Evict(jobID)

	rec = doJSON(t, s, http.MethodGet, "/v1/jobs/"+jobID+"/report", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("report after evict: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var report exporter.Report
	decodeInto(t, rec, &report)
	if report.JobID != jobID {
		t.Fatalf("report job = %s, want %s", report.JobID, jobID)
	}
	if len(report.Records) == 0 {
		t.Fatal("expected persisted records in report")
	}
}
