// Package resolve implements the conflict resolver: the deterministic
// merge of all finalized tracks' detection events into non-overlapping
// redaction intervals per modality.
package resolve

import (
	"sort"

	"github.com/veilcare/redact/internal/core/domain"
	"github.com/veilcare/redact/internal/riskcheck"
	"github.com/veilcare/redact/internal/track"
)

// Config holds the temporal safety margins applied to candidate
// intervals before merging. The pads absorb detector boundary jitter:
// visual events get one frame duration on each side, audio events a
// fixed margin. Values are configuration, not contract.
type Config struct {
	// VisualPadMs is the pad for VisualBlur candidates, normally the
	// duration of one video frame.
	VisualPadMs int64

	// AudioPadMs is the pad for AudioMute candidates.
	AudioPadMs int64
}

// DefaultConfig returns the pads for 30fps video and speech mute.
func DefaultConfig() Config {
	return Config{VisualPadMs: 33, AudioPadMs: 150}
}

// Resolver merges detection events into redaction intervals. Resolve is
// a pure function of the finalized track set: identical inputs produce
// identical output regardless of ingestion order, which is what makes
// re-runs idempotent and the audit trail reproducible.
type Resolver struct {
	cfg Config
}

// New creates a resolver with the given padding config.
func New(cfg Config) *Resolver {
	return &Resolver{cfg: cfg}
}

// candidate is one event mapped into a modality, carrying its padded
// range through the merge.
type candidate struct {
	padded   domain.TimeRange
	region   *domain.Region
	eventID  string
	track    domain.Track
	highRisk bool // QuasiIdentifier or unauthorized Speaker
}

// Resolve maps every event to zero or more candidates, pads them, and
// merges overlapping-or-adjacent candidates per modality. The returned
// intervals are sorted by start time and pairwise non-overlapping
// within each modality, and every interval carries at least one
// evidence event ID.
func (r *Resolver) Resolve(results []track.Result) []domain.RedactionInterval {
	visual, audio := r.candidates(results)

	intervals := append(
		mergeCandidates(domain.ModalityVisualBlur, visual),
		mergeCandidates(domain.ModalityAudioMute, audio)...,
	)

	corroborate(intervals, results)
	arena := EventArena(results)
	for i := range intervals {
		applySeverity(&intervals[i], arena)
	}
	return intervals
}

// candidates maps each event to its modality per the fixed rules:
// Face -> VisualBlur; risk-flagged OnScreenText -> VisualBlur;
// PHI-flagged Transcript, QuasiIdentifier and unauthorized Speaker ->
// AudioMute. Unflagged events produce no candidate.
func (r *Resolver) candidates(results []track.Result) (visual, audio []candidate) {
	sorted := make([]track.Result, len(results))
	copy(sorted, results)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Track < sorted[j].Track })

	for _, res := range sorted {
		for _, ev := range res.Events {
			switch ev.Track {
			case domain.TrackFace:
				visual = append(visual, candidate{
					padded:  ev.TimeRange.Pad(r.cfg.VisualPadMs),
					region:  ev.Region,
					eventID: ev.ID,
					track:   ev.Track,
				})

			case domain.TrackOnScreenText:
				if !textFlagged(ev) {
					continue
				}
				visual = append(visual, candidate{
					padded:  ev.TimeRange.Pad(r.cfg.VisualPadMs),
					region:  ev.Region,
					eventID: ev.ID,
					track:   ev.Track,
				})

			case domain.TrackTranscript:
				if !textFlagged(ev) {
					continue
				}
				audio = append(audio, candidate{
					padded:  ev.TimeRange.Pad(r.cfg.AudioPadMs),
					eventID: ev.ID,
					track:   ev.Track,
				})

			case domain.TrackQuasiIdentifier:
				audio = append(audio, candidate{
					padded:   ev.TimeRange.Pad(r.cfg.AudioPadMs),
					eventID:  ev.ID,
					track:    ev.Track,
					highRisk: true,
				})

			case domain.TrackSpeaker:
				if ev.Payload.Authorized {
					continue
				}
				audio = append(audio, candidate{
					padded:   ev.TimeRange.Pad(r.cfg.AudioPadMs),
					eventID:  ev.ID,
					track:    ev.Track,
					highRisk: true,
				})
			}
		}
	}
	return visual, audio
}

// textFlagged reports whether a transcript or on-screen text event is a
// redaction candidate: either the upstream detector flagged it, or its
// payload matches a local risk pattern.
func textFlagged(ev domain.DetectionEvent) bool {
	if ev.Payload.RiskFlagged {
		return true
	}
	return riskcheck.Evaluate(ev.Payload.EntityType, ev.Payload.Excerpt).Flagged
}

// mergeCandidates sorts the candidates and folds any two whose padded
// ranges overlap or touch into one interval, unioning evidence and (for
// visual intervals) spatial regions. An unresolved region anywhere in a
// merged visual interval widens it to the full frame.
func mergeCandidates(m domain.Modality, cands []candidate) []domain.RedactionInterval {
	if len(cands) == 0 {
		return nil
	}

	sort.Slice(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.padded.StartMs != b.padded.StartMs {
			return a.padded.StartMs < b.padded.StartMs
		}
		if a.padded.EndMs != b.padded.EndMs {
			return a.padded.EndMs < b.padded.EndMs
		}
		return a.eventID < b.eventID
	})

	var out []domain.RedactionInterval
	cur := intervalFrom(m, cands[0])
	for _, c := range cands[1:] {
		if cur.TimeRange.OverlapsOrTouches(c.padded) {
			cur.TimeRange = cur.TimeRange.Union(c.padded)
			cur.Evidence = append(cur.Evidence, c.eventID)
			if m == domain.ModalityVisualBlur {
				cur.Region = unionRegions(cur.Region, c.region)
			}
			continue
		}
		out = append(out, finishInterval(cur))
		cur = intervalFrom(m, c)
	}
	return append(out, finishInterval(cur))
}

func intervalFrom(m domain.Modality, c candidate) domain.RedactionInterval {
	iv := domain.RedactionInterval{
		Modality:  m,
		TimeRange: c.padded,
		Severity:  domain.SeverityStandard,
		Evidence:  []string{c.eventID},
	}
	if m == domain.ModalityVisualBlur {
		if c.region != nil {
			region := *c.region
			iv.Region = &region
		} else {
			full := domain.FullFrame
			iv.Region = &full
		}
	}
	return iv
}

// unionRegions folds a contributing region into the interval's region.
// A nil contribution means the detector could not localize, so the
// interval falls back to the full frame.
func unionRegions(cur *domain.Region, add *domain.Region) *domain.Region {
	if add == nil {
		full := domain.FullFrame
		return &full
	}
	u := cur.Union(*add)
	return &u
}

func finishInterval(iv domain.RedactionInterval) domain.RedactionInterval {
	sort.Strings(iv.Evidence)
	iv.Evidence = dedupe(iv.Evidence)
	return iv
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

// corroborate links high-risk audio-class events (QuasiIdentifier,
// unauthorized Speaker) into overlapping intervals of either modality.
// A visual interval sharing its window with an unauthorized speaker is
// corroborated PHI, so the speaker event joins its evidence and its
// severity rises with it.
func corroborate(intervals []domain.RedactionInterval, results []track.Result) {
	var risky []domain.DetectionEvent
	for _, res := range results {
		for _, ev := range res.Events {
			switch {
			case ev.Track == domain.TrackQuasiIdentifier:
				risky = append(risky, ev)
			case ev.Track == domain.TrackSpeaker && !ev.Payload.Authorized:
				risky = append(risky, ev)
			}
		}
	}
	if len(risky) == 0 {
		return
	}
	sort.Slice(risky, func(i, j int) bool { return risky[i].ID < risky[j].ID })

	for i := range intervals {
		for _, ev := range risky {
			if !intervals[i].TimeRange.Overlaps(ev.TimeRange) {
				continue
			}
			intervals[i].Evidence = append(intervals[i].Evidence, ev.ID)
		}
		intervals[i] = finishInterval(intervals[i])
	}
}

// applySeverity upgrades an interval to Aggressive when its evidence
// spans at least two distinct tracks, or contains a QuasiIdentifier or
// unauthorized Speaker event.
func applySeverity(iv *domain.RedactionInterval, arena map[string]domain.DetectionEvent) {
	if iv.SpansTracks(2, arena) {
		iv.Severity = domain.SeverityAggressive
		return
	}
	for _, id := range iv.Evidence {
		ev, ok := arena[id]
		if !ok {
			continue
		}
		if ev.Track == domain.TrackQuasiIdentifier {
			iv.Severity = domain.SeverityAggressive
			return
		}
		if ev.Track == domain.TrackSpeaker && !ev.Payload.Authorized {
			iv.Severity = domain.SeverityAggressive
			return
		}
	}
}

// EventArena indexes every event of the finalized track set by ID. The
// arena is the single source the audit builder resolves evidence
// references against; intervals never embed event copies.
func EventArena(results []track.Result) map[string]domain.DetectionEvent {
	arena := make(map[string]domain.DetectionEvent)
	for _, res := range results {
		for _, ev := range res.Events {
			arena[ev.ID] = ev
		}
	}
	return arena
}
