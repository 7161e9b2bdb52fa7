// Package track implements the per-modality collectors that buffer
// detection events from one concurrent producer until the track reaches
// a terminal state.
package track

import (
	"fmt"
	"sort"
	"sync"

	"github.com/veilcare/redact/internal/core/domain"
)

// Status is the terminal state of a track.
type Status string

const (
	// StatusOpen means the track is still accepting events.
	StatusOpen Status = "open"

	// StatusSucceeded means the producer finished normally. A succeeded
	// track with zero events is a legitimate clean result.
	StatusSucceeded Status = "succeeded"

	// StatusFailed means the producer errored or was force-finalized by
	// the orchestrator. Failed tracks contribute no events but their
	// failure feeds the escalation policy.
	StatusFailed Status = "failed"
)

// Result is the finalized snapshot of one track, consumed exactly once
// by the conflict resolver.
type Result struct {
	Track  domain.Track
	Status Status
	Events []domain.DetectionEvent
}

// Collector buffers detection events for exactly one track of one job.
// A single producer goroutine writes; a single consumer reads the
// Result after finalization. The mutex only guards the append and the
// closed flag, so ingestion never contends across tracks.
type Collector struct {
	jobID string
	track domain.Track

	mu     sync.Mutex
	events []domain.DetectionEvent
	status Status
}

// NewCollector creates an open collector for one track of one job.
func NewCollector(jobID string, t domain.Track) *Collector {
	return &Collector{jobID: jobID, track: t, status: StatusOpen}
}

// Track returns the collector's assigned track.
func (c *Collector) Track() domain.Track { return c.track }

// Status returns the collector's current status.
func (c *Collector) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Ingest accepts one detection event for the collector's track. Events
// for another track fail with TrackMismatchError; events after
// finalization fail with TrackClosedError. Both are caller bugs, not
// conditions to retry.
func (c *Collector) Ingest(ev domain.DetectionEvent) error {
	if ev.Track != c.track {
		return &domain.TrackMismatchError{Want: c.track, Got: ev.Track}
	}
	if err := ev.Validate(); err != nil {
		return fmt.Errorf("ingest into %s: %w", c.track, err)
	}
	if ev.JobID != "" && ev.JobID != c.jobID {
		return fmt.Errorf("ingest into %s: event %s belongs to job %s, collector owns job %s",
			c.track, ev.ID, ev.JobID, c.jobID)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != StatusOpen {
		return &domain.TrackClosedError{Track: c.track}
	}
	c.events = append(c.events, ev)
	return nil
}

// Finalize closes the track and returns its Result. Events are sorted
// by start time, with ties broken by source ID and then event ID, so
// the returned order is a pure function of the event set regardless of
// arrival order. Finalizing with StatusFailed discards the accumulated
// events. A second Finalize fails with TrackClosedError.
func (c *Collector) Finalize(status Status) (Result, error) {
	if status != StatusSucceeded && status != StatusFailed {
		return Result{}, fmt.Errorf("finalize %s: invalid terminal status %q", c.track, status)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != StatusOpen {
		return Result{}, &domain.TrackClosedError{Track: c.track}
	}
	c.status = status

	if status == StatusFailed {
		c.events = nil
		return Result{Track: c.track, Status: StatusFailed}, nil
	}

	sorted := make([]domain.DetectionEvent, len(c.events))
	copy(sorted, c.events)
	sort.Slice(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.TimeRange.StartMs != b.TimeRange.StartMs {
			return a.TimeRange.StartMs < b.TimeRange.StartMs
		}
		if a.SourceID != b.SourceID {
			return a.SourceID < b.SourceID
		}
		return a.ID < b.ID
	})

	return Result{Track: c.track, Status: StatusSucceeded, Events: sorted}, nil
}
