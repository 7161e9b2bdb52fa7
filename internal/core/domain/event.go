package domain

import "fmt"

// Track identifies which detector modality produced a detection event.
type Track string

const (
	TrackFace            Track = "face"
	TrackTranscript      Track = "transcript"
	TrackOnScreenText    Track = "on_screen_text"
	TrackSpeaker         Track = "speaker"
	TrackQuasiIdentifier Track = "quasi_identifier"
)

// AllTracks returns the default set of tracks a job expects, in a fixed
// order. Callers that iterate tracks should use this order so results do
// not depend on map iteration.
func AllTracks() []Track {
	return []Track{
		TrackFace,
		TrackTranscript,
		TrackOnScreenText,
		TrackSpeaker,
		TrackQuasiIdentifier,
	}
}

// Valid reports whether t is a known track.
func (t Track) Valid() bool {
	switch t {
	case TrackFace, TrackTranscript, TrackOnScreenText, TrackSpeaker, TrackQuasiIdentifier:
		return true
	}
	return false
}

// Critical reports whether a failure of this track blocks release of the
// redaction plan. Face and Transcript carry the bulk of PHI coverage, so
// losing either means coverage cannot be trusted.
func (t Track) Critical() bool {
	return t == TrackFace || t == TrackTranscript
}

// Spatial reports whether events on this track may carry a frame region.
func (t Track) Spatial() bool {
	return t == TrackFace || t == TrackOnScreenText
}

// TimeRange is a half-open [StartMs, EndMs) span in media time.
type TimeRange struct {
	StartMs int64 `json:"start_ms"`
	EndMs   int64 `json:"end_ms"`
}

// Valid reports whether the range is non-empty and non-negative.
// Zero-length ranges are rejected: an instantaneous flag must carry the
// span of the sentence or frame it refers to.
func (r TimeRange) Valid() bool {
	return r.StartMs >= 0 && r.EndMs > r.StartMs
}

// Overlaps reports whether r and o share any instant.
func (r TimeRange) Overlaps(o TimeRange) bool {
	return r.StartMs < o.EndMs && o.StartMs < r.EndMs
}

// OverlapsOrTouches reports whether r and o overlap or are adjacent.
// Adjacent padded candidates merge into one interval.
func (r TimeRange) OverlapsOrTouches(o TimeRange) bool {
	return r.StartMs <= o.EndMs && o.StartMs <= r.EndMs
}

// Pad widens the range by pad milliseconds on each side, clamping the
// start at zero.
func (r TimeRange) Pad(pad int64) TimeRange {
	start := r.StartMs - pad
	if start < 0 {
		start = 0
	}
	return TimeRange{StartMs: start, EndMs: r.EndMs + pad}
}

// Union returns the smallest range covering both r and o.
func (r TimeRange) Union(o TimeRange) TimeRange {
	u := r
	if o.StartMs < u.StartMs {
		u.StartMs = o.StartMs
	}
	if o.EndMs > u.EndMs {
		u.EndMs = o.EndMs
	}
	return u
}

func (r TimeRange) String() string {
	return fmt.Sprintf("[%d,%d)", r.StartMs, r.EndMs)
}

// Region is a frame-normalized rectangle. Coordinates and extents are in
// [0,1] relative to the frame.
type Region struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// FullFrame covers the entire frame. Used when a visual interval's
// spatial extent cannot be resolved.
var FullFrame = Region{X: 0, Y: 0, W: 1, H: 1}

// Union returns the enclosing rectangle of r and o.
func (r Region) Union(o Region) Region {
	x1 := min(r.X, o.X)
	y1 := min(r.Y, o.Y)
	x2 := max(r.X+r.W, o.X+o.W)
	y2 := max(r.Y+r.H, o.Y+o.H)
	return Region{X: x1, Y: y1, W: x2 - x1, H: y2 - y1}
}

// Payload carries the track-specific details of a detection. Exactly the
// fields relevant to the event's track are populated.
type Payload struct {
	// EntityType and Excerpt describe the matched text for Transcript,
	// OnScreenText and QuasiIdentifier events.
	EntityType string `json:"entity_type,omitempty"`
	Excerpt    string `json:"excerpt,omitempty"`

	// RiskFlagged marks text the upstream detector already judged to be
	// PHI. Unflagged text is re-checked against local risk patterns.
	RiskFlagged bool `json:"risk_flagged,omitempty"`

	// SpeakerID and Authorized describe Speaker events. An unauthorized
	// speaker's audio is always muted.
	SpeakerID  string `json:"speaker_id,omitempty"`
	Authorized bool   `json:"authorized,omitempty"`

	// FaceTrackID links Face events belonging to the same tracked face.
	FaceTrackID string `json:"face_track_id,omitempty"`
}

// DetectionEvent is the atomic unit produced by any detector. Events are
// immutable once ingested; the aggregation stages reference them by ID
// and never copy payloads into derived records.
type DetectionEvent struct {
	ID         string    `json:"id"`
	JobID      string    `json:"job_id"`
	Track      Track     `json:"track"`
	TimeRange  TimeRange `json:"time_range"`
	Region     *Region   `json:"region,omitempty"`
	Payload    Payload   `json:"payload"`
	Confidence float64   `json:"confidence"`

	// SourceID identifies the producing detector invocation, kept for
	// audit linkage.
	SourceID string `json:"source_id"`
}

// Validate checks the structural invariants of an event before
// ingestion. Invalid events are rejected at the collector boundary so
// the aggregation stages can assume a well-formed set.
func (e *DetectionEvent) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("detection event: missing id")
	}
	if !e.Track.Valid() {
		return fmt.Errorf("detection event %s: unknown track %q", e.ID, e.Track)
	}
	if !e.TimeRange.Valid() {
		return fmt.Errorf("detection event %s: invalid time range %s", e.ID, e.TimeRange)
	}
	if e.Confidence < 0 || e.Confidence > 1 {
		return fmt.Errorf("detection event %s: confidence %v outside [0,1]", e.ID, e.Confidence)
	}
	if e.Region != nil && !e.Track.Spatial() {
		return fmt.Errorf("detection event %s: track %s cannot carry a region", e.ID, e.Track)
	}
	if e.SourceID == "" {
		return fmt.Errorf("detection event %s: missing source id", e.ID)
	}
	return nil
}
