package job

import (
	"context"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/veilcare/redact/internal/core/domain"
	"github.com/veilcare/redact/internal/policy"
	"github.com/veilcare/redact/internal/resolve"
	"github.com/veilcare/redact/internal/track"
)

func newTestCoordinator(t *testing.T, mediaDurationMs int64) *Coordinator {
	t.Helper()
	return NewCoordinator(
		"job-test",
		mediaDurationMs,
		nil,
		resolve.New(resolve.Config{VisualPadMs: 33, AudioPadMs: 150}),
		policy.New(policy.StrictnessStandard),
		nil,
	)
}

func faceEvent(id string, startMs, endMs int64) domain.DetectionEvent {
	return domain.DetectionEvent{
		ID:         id,
		JobID:      "job-test",
		Track:      domain.TrackFace,
		TimeRange:  domain.TimeRange{StartMs: startMs, EndMs: endMs},
		Confidence: 0.9,
		SourceID:   "det-face",
	}
}

func transcriptEvent(id string, startMs, endMs int64) domain.DetectionEvent {
	return domain.DetectionEvent{
		ID:         id,
		JobID:      "job-test",
		Track:      domain.TrackTranscript,
		TimeRange:  domain.TimeRange{StartMs: startMs, EndMs: endMs},
		Payload:    domain.Payload{EntityType: "person_name", Excerpt: "John Doe", RiskFlagged: true},
		Confidence: 0.8,
		SourceID:   "det-stt",
	}
}

func finalizeAll(t *testing.T, c *Coordinator, failed ...domain.Track) {
	t.Helper()
	failedSet := map[domain.Track]bool{}
	for _, tr := range failed {
		failedSet[tr] = true
	}
	for _, tr := range domain.AllTracks() {
		status := track.StatusSucceeded
		if failedSet[tr] {
			status = track.StatusFailed
		}
		if err := c.FinalizeTrack(tr, status); err != nil {
			t.Fatalf("FinalizeTrack(%s) error = %v", tr, err)
		}
	}
}

func TestCoordinatorHappyPath(t *testing.T) {
	c := newTestCoordinator(t, 60000)

	if err := c.Ingest(faceEvent("ev-f", 1000, 1400)); err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if err := c.Ingest(transcriptEvent("ev-t", 5000, 5400)); err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	finalizeAll(t, c)

	ctx := context.Background()
	if err := c.Wait(ctx); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}

	out, err := c.Run(ctx)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if out.State != policy.StateReleased {
		t.Errorf("State = %v, want released", out.State)
	}
	if len(out.Intervals) != 2 {
		t.Errorf("interval count = %d, want 2", len(out.Intervals))
	}
	// One redact record per interval, no decision record when released.
	if len(out.Records) != 2 {
		t.Errorf("record count = %d, want 2", len(out.Records))
	}
	for i, rec := range out.Records {
		if rec.RecordID != int64(i+1) {
			t.Errorf("record %d ID = %d, want %d", i, rec.RecordID, i+1)
		}
		if rec.Action != domain.ActionRedact {
			t.Errorf("record %d action = %v, want redact", i, rec.Action)
		}
	}
}

func TestCoordinatorRunIdempotent(t *testing.T) {
	c := newTestCoordinator(t, 60000)
	if err := c.Ingest(faceEvent("ev-f", 0, 400)); err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	finalizeAll(t, c)

	first, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	second, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("second Run() error = %v", err)
	}
	if first != second {
		t.Error("second Run() returned a different outcome instance")
	}
	if !reflect.DeepEqual(first.Intervals, second.Intervals) {
		t.Error("re-run intervals differ")
	}
}

func TestCoordinatorFailClosed(t *testing.T) {
	c := newTestCoordinator(t, 60000)
	if err := c.Ingest(transcriptEvent("ev-t", 5000, 5400)); err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	finalizeAll(t, c, domain.TrackFace)

	out, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if out.State != policy.StateBlocked {
		t.Fatalf("State = %v, want blocked", out.State)
	}
	if out.Intervals != nil {
		t.Error("blocked job carries intervals")
	}
	if len(out.Records) != 1 || out.Records[0].Action != domain.ActionReleaseBlock {
		t.Errorf("records = %+v, want one release-block record", out.Records)
	}
}

func TestCoordinatorDegradedUpgrade(t *testing.T) {
	c := newTestCoordinator(t, 60000)
	if err := c.Ingest(faceEvent("ev-f", 1000, 1400)); err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	finalizeAll(t, c, domain.TrackOnScreenText)

	out, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if out.State != policy.StateDegraded {
		t.Fatalf("State = %v, want degraded", out.State)
	}
	if len(out.Intervals) != 1 {
		t.Fatalf("interval count = %d, want 1", len(out.Intervals))
	}
	if out.Intervals[0].Severity != domain.SeverityAggressive {
		t.Errorf("severity = %v, want aggressive (conservatism on lost coverage)", out.Intervals[0].Severity)
	}

	last := out.Records[len(out.Records)-1]
	if last.Action != domain.ActionEscalate {
		t.Errorf("last record action = %v, want escalate", last.Action)
	}
}

func TestCoordinatorRunBeforeTerminalFails(t *testing.T) {
	c := newTestCoordinator(t, 60000)
	if _, err := c.Run(context.Background()); err == nil {
		t.Fatal("Run() with open tracks = nil error, want error")
	}
}

func TestCoordinatorCancel(t *testing.T) {
	c := newTestCoordinator(t, 60000)
	if err := c.Ingest(faceEvent("ev-f", 0, 400)); err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}

	c.Cancel("operator abort")

	// Wait releases immediately after cancellation.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.Wait(ctx); err != nil {
		t.Fatalf("Wait() after cancel error = %v", err)
	}

	// Ingestion after cancel hits closed collectors.
	if err := c.Ingest(faceEvent("ev-late", 500, 900)); !domain.IsTrackClosed(err) {
		t.Errorf("Ingest after cancel error = %v, want TrackClosedError", err)
	}

	out, err := c.Run(ctx)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if out.State != policy.StateBlocked {
		t.Errorf("State = %v, want blocked", out.State)
	}
	if len(out.Intervals) != 0 {
		t.Error("cancelled job computed intervals")
	}
	if len(out.Records) != 1 {
		t.Fatalf("record count = %d, want 1", len(out.Records))
	}
	if out.Records[0].ReasonCode != domain.ReasonCancelled+":operator abort" {
		t.Errorf("ReasonCode = %q", out.Records[0].ReasonCode)
	}
}

func TestCoordinatorCancelDuringFinalize(t *testing.T) {
	// Cancellation may land while producer goroutines are finalizing
	// their tracks; neither side may panic and the outcome stays blocked.
	for i := 0; i < 500; i++ {
		c := newTestCoordinator(t, 60000)
		if err := c.Ingest(faceEvent("ev-f", 0, 400)); err != nil {
			t.Fatalf("Ingest() error = %v", err)
		}

		var wg sync.WaitGroup
		for _, tr := range domain.AllTracks() {
			wg.Add(1)
			go func(tr domain.Track) {
				defer wg.Done()
				// Losing the race to Cancel closes the collector first.
				if err := c.FinalizeTrack(tr, track.StatusSucceeded); err != nil && !domain.IsTrackClosed(err) {
					t.Errorf("FinalizeTrack(%s) error = %v", tr, err)
				}
			}(tr)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Cancel("operator abort")
		}()
		wg.Wait()

		out, err := c.Run(context.Background())
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		if out.State != policy.StateBlocked {
			t.Fatalf("State = %v, want blocked", out.State)
		}
		if len(out.Intervals) != 0 {
			t.Fatal("cancelled job computed intervals")
		}
	}
}

func TestCoordinatorForceFinalize(t *testing.T) {
	c := newTestCoordinator(t, 60000)
	if err := c.Ingest(transcriptEvent("ev-t", 5000, 5400)); err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}

	// Speaker hangs; orchestrator converts it into a failed track.
	for _, tr := range []domain.Track{domain.TrackFace, domain.TrackTranscript, domain.TrackOnScreenText, domain.TrackQuasiIdentifier} {
		if err := c.FinalizeTrack(tr, track.StatusSucceeded); err != nil {
			t.Fatalf("FinalizeTrack(%s) error = %v", tr, err)
		}
	}
	if err := c.ForceFinalize(domain.TrackSpeaker); err != nil {
		t.Fatalf("ForceFinalize() error = %v", err)
	}

	out, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if out.State != policy.StateDegraded {
		t.Errorf("State = %v, want degraded", out.State)
	}
}

func TestCoordinatorConcurrentProducers(t *testing.T) {
	c := newTestCoordinator(t, 60000)

	var wg sync.WaitGroup
	producers := []struct {
		track domain.Track
		make  func(id string, startMs, endMs int64) domain.DetectionEvent
	}{
		{domain.TrackFace, faceEvent},
		{domain.TrackTranscript, transcriptEvent},
	}

	for _, p := range producers {
		wg.Add(1)
		go func(p struct {
			track domain.Track
			make  func(id string, startMs, endMs int64) domain.DetectionEvent
		}) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				start := int64(i * 2000)
				ev := p.make(string(p.track)+"-"+time.Now().Format("150405.000000000"), start, start+500)
				ev.ID = string(p.track) + "-" + ev.TimeRange.String()
				if err := c.Ingest(ev); err != nil {
					t.Errorf("Ingest(%s) error = %v", ev.ID, err)
					return
				}
			}
			if err := c.FinalizeTrack(p.track, track.StatusSucceeded); err != nil {
				t.Errorf("FinalizeTrack(%s) error = %v", p.track, err)
			}
		}(p)
	}
	wg.Wait()

	for _, tr := range []domain.Track{domain.TrackOnScreenText, domain.TrackSpeaker, domain.TrackQuasiIdentifier} {
		if err := c.FinalizeTrack(tr, track.StatusSucceeded); err != nil {
			t.Fatalf("FinalizeTrack(%s) error = %v", tr, err)
		}
	}

	if err := c.Wait(context.Background()); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	out, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if out.State != policy.StateReleased {
		t.Errorf("State = %v, want released", out.State)
	}
}

func TestManagerLifecycle(t *testing.T) {
	m := NewManager(
		resolve.New(resolve.DefaultConfig()),
		policy.New(policy.StrictnessStandard),
		nil,
	)

	c := m.Create(60000, nil)
	if c.JobID() == "" {
		t.Fatal("Create() returned job with empty ID")
	}

	got, err := m.Get(c.JobID())
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got != c {
		t.Error("Get() returned different coordinator")
	}

	if err := m.Cancel(c.JobID(), "test"); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}

	m.Evict(c.JobID())
	if _, err := m.Get(c.JobID()); err == nil {
		t.Error("Get() after Evict = nil error, want error")
	}
}
