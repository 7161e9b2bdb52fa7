// Package audit builds the immutable audit trail linking every
// redaction action and escalation decision to its originating evidence,
// and fans completed records out to configured emitters.
package audit

import (
	"fmt"
	"sort"
	"time"

	"github.com/veilcare/redact/internal/core/domain"
	"github.com/veilcare/redact/internal/policy"
	"github.com/veilcare/redact/internal/riskcheck"
)

// Builder emits audit records for one job. Record IDs are job-scoped
// and monotonic in emission order, allocated from a single per-job
// counter so concurrent jobs need no coordination.
type Builder struct {
	jobID  string
	nextID int64
	now    func() time.Time
}

// NewBuilder creates a builder for one job run.
func NewBuilder(jobID string) *Builder {
	return &Builder{jobID: jobID, now: time.Now}
}

// RecordRedaction emits one action=redact record for a redaction
// interval. Every evidence reference is resolved against the job's
// event arena; a miss means an upstream bug stripped evidence, which is
// fatal (DanglingEvidenceError), never silently dropped.
func (b *Builder) RecordRedaction(iv domain.RedactionInterval, arena map[string]domain.DetectionEvent) (domain.AuditRecord, error) {
	if len(iv.Evidence) == 0 {
		return domain.AuditRecord{}, fmt.Errorf("interval %s has no evidence", iv.TimeRange)
	}

	sourceIDs := make([]string, 0, len(iv.Evidence))
	for _, id := range iv.Evidence {
		ev, ok := arena[id]
		if !ok {
			return domain.AuditRecord{}, &domain.DanglingEvidenceError{EventID: id}
		}
		sourceIDs = append(sourceIDs, ev.SourceID)
	}
	sort.Strings(sourceIDs)
	sourceIDs = dedupe(sourceIDs)

	return b.emit(domain.ActionRedact, iv.TimeRange, sourceIDs, reasonForInterval(iv, arena)), nil
}

// RecordDecision emits the record for a Degraded or Blocked policy
// decision. Released jobs emit no decision record; the terminal state
// is carried by the compliance report itself.
func (b *Builder) RecordDecision(d policy.Decision, mediaDurationMs int64) (domain.AuditRecord, bool) {
	window := domain.TimeRange{StartMs: 0, EndMs: mediaDurationMs}
	switch d.State {
	case policy.StateDegraded:
		return b.emit(domain.ActionEscalate, window, nil, domain.ReasonReducedCoverage+":"+d.ReasonCode), true
	case policy.StateBlocked:
		return b.emit(domain.ActionReleaseBlock, window, nil, d.ReasonCode), true
	}
	return domain.AuditRecord{}, false
}

func (b *Builder) emit(action domain.Action, tr domain.TimeRange, sourceIDs []string, reason string) domain.AuditRecord {
	b.nextID++
	return domain.AuditRecord{
		RecordID:          b.nextID,
		JobID:             b.jobID,
		Action:            action,
		TimeRange:         tr,
		EvidenceSourceIDs: sourceIDs,
		ReasonCode:        reason,
		CreatedAt:         b.now(),
	}
}

// reasonForInterval derives the redact reason code from the dominant
// contributing track and the matched pattern type, e.g.
// "redact:transcript:mrn" or "redact:face:presence".
func reasonForInterval(iv domain.RedactionInterval, arena map[string]domain.DetectionEvent) string {
	counts := map[domain.Track]int{}
	for _, id := range iv.Evidence {
		if ev, ok := arena[id]; ok {
			counts[ev.Track]++
		}
	}

	var dominant domain.Track
	best := -1
	for _, t := range domain.AllTracks() {
		if counts[t] > best {
			dominant, best = t, counts[t]
		}
	}

	pattern := "presence"
	for _, id := range iv.Evidence {
		ev, ok := arena[id]
		if !ok || ev.Track != dominant {
			continue
		}
		switch dominant {
		case domain.TrackTranscript, domain.TrackOnScreenText, domain.TrackQuasiIdentifier:
			pattern = riskcheck.PatternFor(ev.Payload.EntityType, ev.Payload.Excerpt)
		case domain.TrackSpeaker:
			pattern = "unauthorized_speaker"
		}
		break
	}

	return fmt.Sprintf("%s:%s:%s", domain.ActionRedact, dominant, pattern)
}

func dedupe(ids []string) []string {
	out := ids[:0]
	for i, id := range ids {
		if i == 0 || ids[i-1] != id {
			out = append(out, id)
		}
	}
	return out
}
