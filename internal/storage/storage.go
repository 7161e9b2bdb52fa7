// Package storage defines the persistence interface for audit trails.
// Audit records outlive the in-memory job state: they persist for the
// lifetime of the compliance report.
package storage

import (
	"context"
	"errors"

	"github.com/veilcare/redact/internal/core/domain"
)

// ErrJobNotFound is returned when no audit trail exists for a job.
var ErrJobNotFound = errors.New("job not found in audit store")

// ErrAlreadyStored is returned when a trail for the job was stored
// before. Callers retrying persistence treat it as success.
var ErrAlreadyStored = errors.New("audit trail already stored")

// AuditStore persists the audit trail of finished jobs. The store is
// append-only: implementations must not expose mutation or deletion of
// stored records.
type AuditStore interface {
	// SaveTrail stores a job's terminal state and its complete, ordered
	// audit record list in one append. A second save for the same job
	// fails with ErrAlreadyStored.
	SaveTrail(ctx context.Context, jobID string, state string, records []domain.AuditRecord) error

	// ListRecords returns a job's audit records in record-ID order.
	ListRecords(ctx context.Context, jobID string) ([]domain.AuditRecord, error)

	// JobState returns the stored terminal state for a job.
	JobState(ctx context.Context, jobID string) (string, error)

	// Close releases the store's resources.
	Close() error
}
