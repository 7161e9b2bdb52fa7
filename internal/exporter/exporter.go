// Package exporter serializes a finished job into the two external
// artifacts: the redaction plan consumed by the renderer and the
// compliance report consumed by audit systems. It is a pure
// serialization step with no decision logic.
package exporter

import (
	"encoding/json"
	"fmt"

	"github.com/veilcare/redact/internal/core/domain"
	"github.com/veilcare/redact/internal/policy"
)

// PlanAction is one renderer instruction.
type PlanAction struct {
	Modality domain.Modality `json:"modality"`
	StartMs  int64           `json:"start_ms"`
	EndMs    int64           `json:"end_ms"`
	Region   *domain.Region  `json:"region,omitempty"`
	Severity domain.Severity `json:"severity"`
}

// Plan is the ordered redaction action list for the renderer.
type Plan struct {
	JobID   string       `json:"job_id"`
	Actions []PlanAction `json:"actions"`
}

// Report is the machine-readable compliance artifact: the job's
// terminal state plus the ordered audit trail.
type Report struct {
	JobID   string               `json:"job_id"`
	State   policy.State         `json:"state"`
	Records []domain.AuditRecord `json:"records"`
}

// BuildPlan converts intervals into the renderer plan, preserving the
// resolver's modality-partitioned sorted order. Returns an error for
// non-releasable states: a blocked job has no plan by definition.
func BuildPlan(jobID string, state policy.State, intervals []domain.RedactionInterval) (*Plan, error) {
	if !state.Releasable() {
		return nil, fmt.Errorf("job %s: no redaction plan for state %s", jobID, state)
	}

	actions := make([]PlanAction, len(intervals))
	for i, iv := range intervals {
		actions[i] = PlanAction{
			Modality: iv.Modality,
			StartMs:  iv.TimeRange.StartMs,
			EndMs:    iv.TimeRange.EndMs,
			Region:   iv.Region,
			Severity: iv.Severity,
		}
	}
	return &Plan{JobID: jobID, Actions: actions}, nil
}

// BuildReport assembles the compliance report. Emitted for every
// terminal state, including Blocked.
func BuildReport(jobID string, state policy.State, records []domain.AuditRecord) *Report {
	if records == nil {
		records = []domain.AuditRecord{}
	}
	return &Report{JobID: jobID, State: state, Records: records}
}

// MarshalPlan renders the plan as stable, indented JSON.
func MarshalPlan(p *Plan) ([]byte, error) {
	return json.MarshalIndent(p, "", "  ")
}

// MarshalReport renders the report as stable, indented JSON.
func MarshalReport(r *Report) ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}
