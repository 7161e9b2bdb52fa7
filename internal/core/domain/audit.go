package domain

import "time"

// Action categorizes an audit record.
type Action string

const (
	// ActionRedact records one applied redaction interval.
	ActionRedact Action = "redact"

	// ActionEscalate records a degraded-coverage decision: output is
	// released but a track's coverage was lost and severity was raised.
	ActionEscalate Action = "escalate"

	// ActionReleaseBlock records that the job's output must not be
	// rendered.
	ActionReleaseBlock Action = "release-block"
)

// Reason codes attached to escalation and block records. Redact records
// carry a derived code naming the dominant track and matched pattern,
// e.g. "redact:transcript:mrn".
const (
	ReasonTrackFailed     = "track_failed"
	ReasonReducedCoverage = "reduced_coverage"
	ReasonNoEvents        = "no_events"
	ReasonCancelled       = "cancelled"
	ReasonStrictPolicy    = "strict_policy"
)

// AuditRecord is the immutable link between evidence and action. Records
// are append-only: never mutated or deleted after emission. RecordID is
// job-scoped and monotonic in emission order, which need not match
// time-in-media order.
type AuditRecord struct {
	RecordID          int64     `json:"record_id"`
	JobID             string    `json:"job_id"`
	Action            Action    `json:"action"`
	TimeRange         TimeRange `json:"time_range"`
	EvidenceSourceIDs []string  `json:"evidence_source_ids,omitempty"`
	ReasonCode        string    `json:"reason_code"`
	CreatedAt         time.Time `json:"created_at"`
}
