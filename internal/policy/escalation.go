// Package policy implements the risk escalation state machine that
// decides whether a job's output may be released, released degraded, or
// blocked. Missing evidence is never read as "nothing to redact": the
// policy fails closed whenever coverage is in doubt.
package policy

import (
	"sort"
	"strings"

	"github.com/veilcare/redact/internal/core/domain"
	"github.com/veilcare/redact/internal/track"
)

// State is the terminal disposition of a job.
type State string

const (
	StatePending  State = "pending"
	StateReleased State = "released"
	StateDegraded State = "degraded"
	StateBlocked  State = "blocked"
)

// Terminal reports whether the state permits no further transitions.
func (s State) Terminal() bool { return s != StatePending }

// Releasable reports whether a redaction plan may be exported for
// rendering in this state.
func (s State) Releasable() bool { return s == StateReleased || s == StateDegraded }

// Strictness selects how degraded coverage is treated. Whether a
// degraded job is acceptable is a workflow decision, so it is
// configuration rather than a fixed rule.
type Strictness string

const (
	// StrictnessStandard releases degraded jobs with escalated severity.
	StrictnessStandard Strictness = "standard"

	// StrictnessStrict folds Degraded into Blocked: any failed track
	// blocks release.
	StrictnessStrict Strictness = "strict"
)

// Decision is the outcome of evaluating a job's track states.
type Decision struct {
	State        State
	ReasonCode   string
	FailedTracks []domain.Track
}

// Policy evaluates finalized track sets.
type Policy struct {
	strictness Strictness
}

// New creates a policy with the given strictness.
func New(strictness Strictness) *Policy {
	if strictness == "" {
		strictness = StrictnessStandard
	}
	return &Policy{strictness: strictness}
}

// Evaluate runs the Pending -> {Released, Degraded, Blocked} transition
// for a finalized track set.
//
//   - Released: every expected track finalized successfully.
//   - Degraded: only non-critical tracks (OnScreenText, Speaker) failed.
//   - Blocked: a critical track (Face, Transcript) failed, or the job
//     produced zero events across all tracks despite nonzero media
//     duration, which signals a pipeline malfunction rather than a
//     genuinely clean video.
func (p *Policy) Evaluate(results []track.Result, mediaDurationMs int64) Decision {
	var failed []domain.Track
	criticalFailed := false
	total := 0
	for _, res := range results {
		if res.Status == track.StatusFailed {
			failed = append(failed, res.Track)
			if res.Track.Critical() {
				criticalFailed = true
			}
		}
		total += len(res.Events)
	}
	sort.Slice(failed, func(i, j int) bool { return failed[i] < failed[j] })

	if criticalFailed {
		return Decision{
			State:        StateBlocked,
			ReasonCode:   failureReason(failed),
			FailedTracks: failed,
		}
	}

	if total == 0 && mediaDurationMs > 0 {
		return Decision{State: StateBlocked, ReasonCode: domain.ReasonNoEvents}
	}

	if len(failed) > 0 {
		if p.strictness == StrictnessStrict {
			return Decision{
				State:        StateBlocked,
				ReasonCode:   domain.ReasonStrictPolicy + ":" + failureReason(failed),
				FailedTracks: failed,
			}
		}
		return Decision{
			State:        StateDegraded,
			ReasonCode:   failureReason(failed),
			FailedTracks: failed,
		}
	}

	return Decision{State: StateReleased}
}

// Cancelled is the decision for a job cancelled before all tracks
// finalized. No intervals are computed.
func Cancelled() Decision {
	return Decision{State: StateBlocked, ReasonCode: domain.ReasonCancelled}
}

func failureReason(failed []domain.Track) string {
	names := make([]string, len(failed))
	for i, t := range failed {
		names[i] = string(t)
	}
	return domain.ReasonTrackFailed + ":" + strings.Join(names, ",")
}

// affectedModality maps a failed non-critical track to the modality
// whose remaining coverage must be escalated: losing OnScreenText
// weakens visual coverage, losing Speaker weakens audio coverage.
func affectedModality(t domain.Track) (domain.Modality, bool) {
	switch t {
	case domain.TrackOnScreenText:
		return domain.ModalityVisualBlur, true
	case domain.TrackSpeaker:
		return domain.ModalityAudioMute, true
	}
	return "", false
}

// ApplyDegradedUpgrade escalates intervals overlapping the window a
// failed track could have covered. The plausible window is the whole
// media when nothing narrower is known, so in practice every interval
// on the affected modality is treated as unknown-risk and upgraded to
// Aggressive. Returns the intervals it modified in place.
func ApplyDegradedUpgrade(intervals []domain.RedactionInterval, failed []domain.Track, mediaDurationMs int64) []domain.RedactionInterval {
	window := domain.TimeRange{StartMs: 0, EndMs: mediaDurationMs}
	for _, ft := range failed {
		m, ok := affectedModality(ft)
		if !ok {
			continue
		}
		for i := range intervals {
			if intervals[i].Modality != m {
				continue
			}
			if mediaDurationMs > 0 && !intervals[i].TimeRange.Overlaps(window) {
				continue
			}
			intervals[i].Severity = domain.SeverityAggressive
		}
	}
	return intervals
}
