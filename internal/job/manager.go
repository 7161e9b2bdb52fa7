package job

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/veilcare/redact/internal/audit"
	"github.com/veilcare/redact/internal/core/domain"
	"github.com/veilcare/redact/internal/policy"
	"github.com/veilcare/redact/internal/resolve"
)

// Manager tracks the coordinators of all in-flight jobs. Jobs share no
// state beyond the manager's index, so any number can run concurrently.
type Manager struct {
	resolver *resolve.Resolver
	policy   *policy.Policy
	emitter  audit.Emitter

	mu   sync.RWMutex
	jobs map[string]*Coordinator
}

// NewManager creates a manager wiring every job to the shared resolver,
// policy and emitter.
func NewManager(r *resolve.Resolver, p *policy.Policy, em audit.Emitter) *Manager {
	return &Manager{
		resolver: r,
		policy:   p,
		emitter:  em,
		jobs:     make(map[string]*Coordinator),
	}
}

// Create registers a new job and returns its coordinator. The job ID is
// generated; expected may be empty to accept all tracks.
func (m *Manager) Create(mediaDurationMs int64, expected []domain.Track) *Coordinator {
	jobID := "job_" + uuid.New().String()
	c := NewCoordinator(jobID, mediaDurationMs, expected, m.resolver, m.policy, m.emitter)

	m.mu.Lock()
	m.jobs[jobID] = c
	m.mu.Unlock()
	return c
}

// Get looks up a job by ID.
func (m *Manager) Get(jobID string) (*Coordinator, error) {
	m.mu.RLock()
	c, ok := m.jobs[jobID]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("job %s not found", jobID)
	}
	return c, nil
}

// Cancel cancels a job by ID.
func (m *Manager) Cancel(jobID, reason string) error {
	c, err := m.Get(jobID)
	if err != nil {
		return err
	}
	c.Cancel(reason)
	return nil
}

// Evict removes a finished job from the index. The job's audit records
// live on in the audit store; only the in-memory coordinator is
// released.
func (m *Manager) Evict(jobID string) {
	m.mu.Lock()
	delete(m.jobs, jobID)
	m.mu.Unlock()
}
