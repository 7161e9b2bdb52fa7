// Package memory provides an in-memory AuditStore for tests and
// single-process deployments without a database.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/veilcare/redact/internal/core/domain"
	"github.com/veilcare/redact/internal/storage"
)

type trail struct {
	state   string
	records []domain.AuditRecord
}

// Store is an in-memory implementation of storage.AuditStore.
type Store struct {
	mu     sync.RWMutex
	trails map[string]trail
}

var _ storage.AuditStore = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{trails: make(map[string]trail)}
}

// SaveTrail stores a job's trail. A job's trail is written once; a
// second write for the same job fails with ErrAlreadyStored to preserve
// append-only semantics.
func (s *Store) SaveTrail(_ context.Context, jobID string, state string, records []domain.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.trails[jobID]; exists {
		return fmt.Errorf("job %s: %w", jobID, storage.ErrAlreadyStored)
	}

	copied := make([]domain.AuditRecord, len(records))
	copy(copied, records)
	s.trails[jobID] = trail{state: state, records: copied}
	return nil
}

// ListRecords returns the stored records in emission order.
func (s *Store) ListRecords(_ context.Context, jobID string) ([]domain.AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tr, ok := s.trails[jobID]
	if !ok {
		return nil, storage.ErrJobNotFound
	}

	out := make([]domain.AuditRecord, len(tr.records))
	copy(out, tr.records)
	return out, nil
}

// JobState returns the stored terminal state.
func (s *Store) JobState(_ context.Context, jobID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tr, ok := s.trails[jobID]
	if !ok {
		return "", storage.ErrJobNotFound
	}
	return tr.state, nil
}

// Close is a no-op for the in-memory store.
func (s *Store) Close() error { return nil }
