package audit

import (
	"context"
	"encoding/json"
	"log/slog"

	"cloud.google.com/go/pubsub"

	"github.com/veilcare/redact/internal/core/domain"
)

// PubSubEmitter publishes audit records to a Pub/Sub topic for
// downstream compliance consumers. Optional: the core is fully
// functional without it.
type PubSubEmitter struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	logger *slog.Logger
}

// NewPubSubEmitter connects to the project and topic.
func NewPubSubEmitter(ctx context.Context, projectID, topicID string, logger *slog.Logger) (*PubSubEmitter, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PubSubEmitter{
		client: client,
		topic:  client.Topic(topicID),
		logger: logger,
	}, nil
}

// Emit publishes the record as JSON with action and reason attributes.
// Publish failures are logged, never surfaced: the audit store holds
// the authoritative trail.
func (e *PubSubEmitter) Emit(ctx context.Context, rec domain.AuditRecord) {
	b, err := json.Marshal(rec)
	if err != nil {
		e.logger.ErrorContext(ctx, "audit record marshal failed",
			slog.String("job_id", rec.JobID),
			slog.String("error", err.Error()))
		return
	}

	res := e.topic.Publish(ctx, &pubsub.Message{
		Data: b,
		Attributes: map[string]string{
			"job_id":      rec.JobID,
			"action":      string(rec.Action),
			"reason_code": rec.ReasonCode,
		},
	})
	if _, err := res.Get(ctx); err != nil {
		e.logger.ErrorContext(ctx, "audit record publish failed",
			slog.String("job_id", rec.JobID),
			slog.String("error", err.Error()))
	}
}

// Close releases the Pub/Sub client.
func (e *PubSubEmitter) Close() error {
	e.topic.Stop()
	return e.client.Close()
}
