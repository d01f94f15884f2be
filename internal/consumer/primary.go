package consumer

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sirupsen/logrus"

	"bulk-action-pipeline/internal/config"
	"bulk-action-pipeline/internal/models"
	"bulk-action-pipeline/internal/progress"
	"bulk-action-pipeline/internal/store"
	"bulk-action-pipeline/internal/telemetry"
	"bulk-action-pipeline/internal/transport"
)

// Applier performs the idempotent bulk upsert for a batch.
type Applier interface {
	ApplyBatch(ctx context.Context, entityType string, rows []map[string]any) (store.ApplyResult, error)
}

// Publisher is the transport surface the consumers publish through.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte, headers transport.Headers) error
}

// Progress advances the shared bulk action record.
type Progress interface {
	Advance(ctx context.Context, actionID, batchID string, c progress.Counts) error
}

// Primary handles batches from the main topic. Failures never crash the loop:
// the raw message bytes are routed to the retry topic with fresh retry
// metadata, and the original is acknowledged.
type Primary struct {
	cfg       config.Config
	applier   Applier
	publisher Publisher
	progress  Progress
	log       *logrus.Logger
}

func NewPrimary(cfg config.Config, applier Applier, publisher Publisher, prog Progress, log *logrus.Logger) *Primary {
	return &Primary{
		cfg:       cfg,
		applier:   applier,
		publisher: publisher,
		progress:  prog,
		log:       log,
	}
}

// Handle processes one delivered batch message.
func (c *Primary) Handle(ctx context.Context, payload []byte, _ transport.Headers) error {
	var msg models.BatchMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		c.log.WithError(err).Warn("batch message decode failed, routing to retry topic")
		c.routeToRetry(ctx, payload, err)
		return nil
	}

	res, err := c.applier.ApplyBatch(ctx, msg.EntityType, msg.Rows)
	if err != nil {
		c.log.WithError(err).WithField("action_id", msg.ActionID).Warn("batch apply failed, routing to retry topic")
		c.routeToRetry(ctx, payload, err)
		return nil
	}

	err = c.progress.Advance(ctx, msg.ActionID, msg.BatchID, progress.Counts{
		Processed: int64(len(msg.Rows)),
		Success:   res.Upserted + res.Modified,
		Skipped:   res.Skipped,
	})
	if err != nil {
		c.routeToRetry(ctx, payload, err)
		return nil
	}

	telemetry.BatchesApplied.Inc()
	telemetry.RowsUpserted.Add(float64(res.Upserted + res.Modified))
	return nil
}

// routeToRetry publishes the original raw bytes, not the parsed form, so the
// retry consumer can re-decode. A publish failure here is logged and the
// message dropped; this loss path is accepted rather than escalated further.
func (c *Primary) routeToRetry(ctx context.Context, payload []byte, cause error) {
	headers := transport.Headers{
		models.HeaderRetryCount:   "0",
		models.HeaderFirstFailure: time.Now().UTC().Format(time.RFC3339),
		models.HeaderErrorMessage: cause.Error(),
	}
	if err := c.publisher.Publish(ctx, c.cfg.RetryTopic, payload, headers); err != nil {
		c.log.WithError(err).Error("failed to route batch to retry topic, message dropped")
		return
	}
	telemetry.BatchRetries.Inc()
}
