// Package domain provides the shared detection event model, redaction
// interval and audit record types, and the canonical error types of the
// aggregation core.
package domain

import (
	"errors"
	"fmt"
)

// TrackMismatchError is returned when an event is ingested into a
// collector assigned to a different track. This is a caller bug; the
// call must not be retried as-is.
type TrackMismatchError struct {
	Want Track
	Got  Track
}

func (e *TrackMismatchError) Error() string {
	return fmt.Sprintf("track mismatch: collector for %s received event for %s", e.Want, e.Got)
}

// IsTrackMismatch reports whether err is a TrackMismatchError.
func IsTrackMismatch(err error) bool {
	var e *TrackMismatchError
	return errors.As(err, &e)
}

// TrackClosedError is returned when a collector receives an ingest or
// finalize call after it has been finalized.
type TrackClosedError struct {
	Track Track
}

func (e *TrackClosedError) Error() string {
	return fmt.Sprintf("track %s is closed", e.Track)
}

// IsTrackClosed reports whether err is a TrackClosedError.
func IsTrackClosed(err error) bool {
	var e *TrackClosedError
	return errors.As(err, &e)
}

// DanglingEvidenceError indicates an audit record referenced an event
// that does not exist in the job's event set. An audit trail with broken
// evidence links is worse than no audit trail, so this is fatal to the
// job and never recovered silently.
type DanglingEvidenceError struct {
	EventID string
}

func (e *DanglingEvidenceError) Error() string {
	return fmt.Sprintf("dangling evidence: event %s not found in job event set", e.EventID)
}

// IsDanglingEvidence reports whether err is a DanglingEvidenceError.
func IsDanglingEvidence(err error) bool {
	var e *DanglingEvidenceError
	return errors.As(err, &e)
}
