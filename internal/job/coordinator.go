// Package job coordinates one redaction job: concurrent detector
// producers feeding per-track collectors, cooperative waiting for all
// tracks to reach a terminal state, and the single sequential
// aggregation run that follows.
package job

import (
	"context"
	"fmt"
	"sync"

	"github.com/veilcare/redact/internal/audit"
	"github.com/veilcare/redact/internal/core/domain"
	"github.com/veilcare/redact/internal/policy"
	"github.com/veilcare/redact/internal/resolve"
	"github.com/veilcare/redact/internal/track"
)

// Outcome is the result of one aggregation run.
type Outcome struct {
	JobID     string
	State     policy.State
	Decision  policy.Decision
	Intervals []domain.RedactionInterval
	Records   []domain.AuditRecord
}

// Coordinator owns the lifecycle of one job. Collectors are the only
// synchronization point during ingestion; the aggregation stages run
// once, single-threaded, over the complete finalized event set.
type Coordinator struct {
	jobID           string
	mediaDurationMs int64
	expected        []domain.Track

	resolver *resolve.Resolver
	policy   *policy.Policy
	emitter  audit.Emitter

	mu           sync.Mutex
	collectors   map[domain.Track]*track.Collector
	results      map[domain.Track]track.Result
	remaining    int
	cancelled    bool
	cancelReason string
	outcome      *Outcome
	done         chan struct{}
}

// NewCoordinator creates a coordinator expecting the given tracks. An
// empty expected set defaults to all tracks. The emitter may be nil.
func NewCoordinator(jobID string, mediaDurationMs int64, expected []domain.Track, r *resolve.Resolver, p *policy.Policy, em audit.Emitter) *Coordinator {
	if len(expected) == 0 {
		expected = domain.AllTracks()
	}
	c := &Coordinator{
		jobID:           jobID,
		mediaDurationMs: mediaDurationMs,
		expected:        expected,
		resolver:        r,
		policy:          p,
		emitter:         em,
		collectors:      make(map[domain.Track]*track.Collector, len(expected)),
		results:         make(map[domain.Track]track.Result, len(expected)),
		remaining:       len(expected),
		done:            make(chan struct{}),
	}
	for _, t := range expected {
		c.collectors[t] = track.NewCollector(jobID, t)
	}
	return c
}

// JobID returns the job's identifier.
func (c *Coordinator) JobID() string { return c.jobID }

// Ingest routes a detection event to its track's collector.
func (c *Coordinator) Ingest(ev domain.DetectionEvent) error {
	c.mu.Lock()
	col, ok := c.collectors[ev.Track]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("job %s: track %s not expected", c.jobID, ev.Track)
	}
	return col.Ingest(ev)
}

// FinalizeTrack marks one track terminal with the given status. When
// the last expected track finalizes, waiters are released.
func (c *Coordinator) FinalizeTrack(t domain.Track, status track.Status) error {
	c.mu.Lock()
	col, ok := c.collectors[t]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("job %s: track %s not expected", c.jobID, t)
	}

	res, err := col.Finalize(status)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// Cancel may have run between Finalize and here; the job's results
	// are already discarded and waiters released, so drop this one too.
	if c.cancelled {
		return nil
	}
	c.results[t] = res
	c.remaining--
	if c.remaining == 0 {
		close(c.done)
	}
	return nil
}

// ForceFinalize converts a hung producer into a failed track. The core
// imposes no timeout of its own; this is the orchestrator's escape
// hatch so a silent detector cannot block the job forever.
func (c *Coordinator) ForceFinalize(t domain.Track) error {
	return c.FinalizeTrack(t, track.StatusFailed)
}

// Cancel discards all accumulated events and moves the job to a blocked
// outcome whose single audit record carries the cancellation reason. No
// interval computation occurs. Safe to call at most once effectively;
// later calls are no-ops.
func (c *Coordinator) Cancel(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancelled || c.outcome != nil {
		return
	}
	c.cancelled = true
	c.cancelReason = reason

	for _, col := range c.collectors {
		if col.Status() == track.StatusOpen {
			_, _ = col.Finalize(track.StatusFailed)
		}
	}
	c.results = make(map[domain.Track]track.Result)

	if c.remaining > 0 {
		close(c.done)
	}
}

// Wait blocks cooperatively until every expected track is terminal, the
// job is cancelled, or ctx is done.
func (c *Coordinator) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run executes the aggregation pipeline: resolve, escalate, audit.
// It requires all tracks to be terminal (or the job cancelled) and is
// idempotent: repeated calls return the first run's outcome.
func (c *Coordinator) Run(ctx context.Context) (*Outcome, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.outcome != nil {
		return c.outcome, nil
	}

	if c.cancelled {
		out, err := c.cancelledOutcome(ctx)
		if err != nil {
			return nil, err
		}
		c.outcome = out
		return out, nil
	}

	if c.remaining > 0 {
		return nil, fmt.Errorf("job %s: %d tracks still open", c.jobID, c.remaining)
	}

	// Fixed track order keeps the run a pure function of the event set.
	results := make([]track.Result, 0, len(c.expected))
	for _, t := range domain.AllTracks() {
		if res, ok := c.results[t]; ok {
			results = append(results, res)
		}
	}

	intervals := c.resolver.Resolve(results)
	decision := c.policy.Evaluate(results, c.mediaDurationMs)
	if decision.State == policy.StateDegraded {
		intervals = policy.ApplyDegradedUpgrade(intervals, decision.FailedTracks, c.mediaDurationMs)
	}

	builder := audit.NewBuilder(c.jobID)
	var records []domain.AuditRecord

	if decision.State.Releasable() {
		arena := resolve.EventArena(results)
		for _, iv := range intervals {
			rec, err := builder.RecordRedaction(iv, arena)
			if err != nil {
				return nil, fmt.Errorf("job %s: %w", c.jobID, err)
			}
			records = append(records, rec)
		}
	} else {
		intervals = nil
	}

	if rec, ok := builder.RecordDecision(decision, c.mediaDurationMs); ok {
		records = append(records, rec)
	}

	c.emitAll(ctx, records)

	out := &Outcome{
		JobID:     c.jobID,
		State:     decision.State,
		Decision:  decision,
		Intervals: intervals,
		Records:   records,
	}
	c.outcome = out
	return out, nil
}

func (c *Coordinator) cancelledOutcome(ctx context.Context) (*Outcome, error) {
	decision := policy.Cancelled()
	if c.cancelReason != "" {
		decision.ReasonCode = domain.ReasonCancelled + ":" + c.cancelReason
	}

	builder := audit.NewBuilder(c.jobID)
	rec, _ := builder.RecordDecision(decision, c.mediaDurationMs)
	records := []domain.AuditRecord{rec}
	c.emitAll(ctx, records)

	return &Outcome{
		JobID:    c.jobID,
		State:    policy.StateBlocked,
		Decision: decision,
		Records:  records,
	}, nil
}

func (c *Coordinator) emitAll(ctx context.Context, records []domain.AuditRecord) {
	if c.emitter == nil {
		return
	}
	for _, rec := range records {
		c.emitter.Emit(ctx, rec)
	}
}

// Outcome returns the cached run result, if Run has completed.
func (c *Coordinator) Outcome() (*Outcome, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outcome, c.outcome != nil
}
