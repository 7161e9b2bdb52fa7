package domain

// Modality identifies the redaction action applied to an interval.
type Modality string

const (
	ModalityVisualBlur Modality = "visual_blur"
	ModalityAudioMute  Modality = "audio_mute"
)

// Modalities returns both modalities in a fixed order.
func Modalities() []Modality {
	return []Modality{ModalityVisualBlur, ModalityAudioMute}
}

// Severity indicates how aggressively the renderer should redact an
// interval. Aggressive intervals get wider blur kernels and hard mutes.
type Severity string

const (
	SeverityStandard   Severity = "standard"
	SeverityAggressive Severity = "aggressive"
)

// RedactionInterval is the unit of action handed to the renderer.
// Within one modality, intervals produced by the resolver are pairwise
// non-overlapping and sorted by start time.
type RedactionInterval struct {
	Modality  Modality  `json:"modality"`
	TimeRange TimeRange `json:"time_range"`

	// Region is set only for VisualBlur: the enclosing rectangle of all
	// contributing regions, or FullFrame when any contributor had no
	// resolvable region.
	Region *Region `json:"region,omitempty"`

	Severity Severity `json:"severity"`

	// Evidence lists the IDs of every contributing detection event,
	// sorted and deduplicated. Never empty.
	Evidence []string `json:"evidence"`
}

// SpansTracks reports whether the interval's evidence covers at least n
// distinct tracks, resolving IDs through the supplied event arena.
func (iv *RedactionInterval) SpansTracks(n int, arena map[string]DetectionEvent) bool {
	seen := make(map[Track]struct{}, n)
	for _, id := range iv.Evidence {
		ev, ok := arena[id]
		if !ok {
			continue
		}
		seen[ev.Track] = struct{}{}
		if len(seen) >= n {
			return true
		}
	}
	return false
}
