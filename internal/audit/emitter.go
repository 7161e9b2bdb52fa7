package audit

import (
	"context"
	"log/slog"

	"github.com/veilcare/redact/internal/core/domain"
)

// Emitter delivers finalized audit records to an external sink. Emit
// must not fail the job: delivery problems are logged, the authoritative
// copy of the trail lives in the audit store.
type Emitter interface {
	Emit(ctx context.Context, rec domain.AuditRecord)
}

// MultiEmitter fans one record out to several emitters in order.
type MultiEmitter struct {
	emitters []Emitter
}

// NewMultiEmitter combines emitters into one.
func NewMultiEmitter(emitters ...Emitter) *MultiEmitter {
	return &MultiEmitter{emitters: emitters}
}

// Emit forwards the record to every configured emitter.
func (m *MultiEmitter) Emit(ctx context.Context, rec domain.AuditRecord) {
	for _, e := range m.emitters {
		e.Emit(ctx, rec)
	}
}

// LogEmitter writes audit records to the structured log.
type LogEmitter struct {
	logger *slog.Logger
}

// NewLogEmitter creates a log emitter. A nil logger uses the default.
func NewLogEmitter(logger *slog.Logger) *LogEmitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogEmitter{logger: logger}
}

// Emit logs the record's identifying fields.
func (e *LogEmitter) Emit(ctx context.Context, rec domain.AuditRecord) {
	e.logger.InfoContext(ctx, "audit record",
		slog.String("job_id", rec.JobID),
		slog.Int64("record_id", rec.RecordID),
		slog.String("action", string(rec.Action)),
		slog.String("reason_code", rec.ReasonCode),
		slog.String("time_range", rec.TimeRange.String()),
	)
}
