package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"bulk-action-pipeline/internal/config"
	"bulk-action-pipeline/internal/models"
	"bulk-action-pipeline/internal/progress"
	"bulk-action-pipeline/internal/telemetry"
	"bulk-action-pipeline/internal/transport"
)

// PoisonStore archives dead-lettered batches.
type PoisonStore interface {
	RecordPoison(ctx context.Context, p models.PoisonBatch) error
}

// Retry re-attempts batches from the retry topic. Each failed attempt
// republishes the envelope with an incremented retry count and acknowledges
// the original (commit-after-republish); once the count would exceed the
// bound, the envelope is moved to the poison topic without another attempt.
type Retry struct {
	cfg       config.Config
	applier   Applier
	publisher Publisher
	progress  Progress
	poisons   PoisonStore
	log       *logrus.Logger
}

func NewRetry(cfg config.Config, applier Applier, publisher Publisher, prog Progress, poisons PoisonStore, log *logrus.Logger) *Retry {
	return &Retry{
		cfg:       cfg,
		applier:   applier,
		publisher: publisher,
		progress:  prog,
		poisons:   poisons,
		log:       log,
	}
}

// Handle processes one retry envelope. A returned error leaves the envelope
// unacknowledged for redelivery; that is used only when the forward publish
// (requeue or poison) itself fails.
func (c *Retry) Handle(ctx context.Context, payload []byte, headers transport.Headers) error {
	current := retryCount(headers)
	next := current + 1

	if next > c.cfg.MaxRetryAttempts {
		return c.poison(ctx, payload, headers, next)
	}

	if err := c.attempt(ctx, payload); err != nil {
		c.log.WithError(err).WithFields(logrus.Fields{
			"attempt": next,
			"max":     c.cfg.MaxRetryAttempts,
		}).Warn("retry attempt failed, requeueing")
		return c.requeue(ctx, payload, headers, next, err)
	}
	return nil
}

// attempt re-decodes and re-applies the batch. A decode failure counts as a
// failed attempt the same as an applier failure.
func (c *Retry) attempt(ctx context.Context, payload []byte) error {
	var msg models.BatchMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("decode batch message: %w", err)
	}

	res, err := c.applier.ApplyBatch(ctx, msg.EntityType, msg.Rows)
	if err != nil {
		return err
	}

	err = c.progress.Advance(ctx, msg.ActionID, msg.BatchID, progress.Counts{
		Processed: int64(len(msg.Rows)),
		Success:   res.Upserted + res.Modified,
		Skipped:   res.Skipped,
	})
	if err != nil {
		return err
	}

	telemetry.BatchesApplied.Inc()
	telemetry.RowsUpserted.Add(float64(res.Upserted + res.Modified))
	return nil
}

func (c *Retry) requeue(ctx context.Context, payload []byte, headers transport.Headers, next int, cause error) error {
	fwd := transport.Headers{
		models.HeaderRetryCount:   strconv.Itoa(next),
		models.HeaderLastRetry:    time.Now().UTC().Format(time.RFC3339),
		models.HeaderErrorMessage: cause.Error(),
	}
	if first, ok := headers[models.HeaderFirstFailure]; ok {
		fwd[models.HeaderFirstFailure] = first
	}
	if err := c.publisher.Publish(ctx, c.cfg.RetryTopic, payload, fwd); err != nil {
		// No forward copy exists; keep the original pending so the broker
		// redelivers it.
		return fmt.Errorf("requeue retry envelope: %w", err)
	}
	telemetry.BatchRetries.Inc()
	return nil
}

func (c *Retry) poison(ctx context.Context, payload []byte, headers transport.Headers, next int) error {
	now := time.Now().UTC()
	fwd := transport.Headers{
		models.HeaderRetryCount: strconv.Itoa(next),
		models.HeaderMovedAt:    now.Format(time.RFC3339),
		models.HeaderReason:     models.ReasonMaxRetries,
	}
	for _, k := range []string{models.HeaderFirstFailure, models.HeaderErrorMessage} {
		if v, ok := headers[k]; ok {
			fwd[k] = v
		}
	}
	if err := c.publisher.Publish(ctx, c.cfg.PoisonTopic, payload, fwd); err != nil {
		// The original stays unacknowledged and will be redelivered, which
		// naturally retries the poison hand-off.
		return fmt.Errorf("publish poison envelope: %w", err)
	}
	telemetry.BatchesPoisoned.Inc()
	c.log.WithFields(logrus.Fields{
		"retry_count": next,
		"reason":      models.ReasonMaxRetries,
	}).Warn("batch moved to poison topic")

	c.recordPoison(ctx, payload, headers, next, now)
	return nil
}

// recordPoison archives the envelope and charges the batch's rows against the
// action as failures so the record still reaches a terminal state. Best
// effort: the poison topic already holds the envelope, so failures here are
// logged, not retried.
func (c *Retry) recordPoison(ctx context.Context, payload []byte, headers transport.Headers, next int, now time.Time) {
	var msg models.BatchMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		// Undecodable payload: archive without attribution.
		msg = models.BatchMessage{}
	}

	p := models.PoisonBatch{
		ActionID:     msg.ActionID,
		BatchID:      msg.BatchID,
		RetryCount:   next,
		Reason:       models.ReasonMaxRetries,
		ErrorMessage: headers[models.HeaderErrorMessage],
		Payload:      payload,
		RowCount:     int64(len(msg.Rows)),
		MovedAt:      now,
	}
	if err := c.poisons.RecordPoison(ctx, p); err != nil {
		c.log.WithError(err).Error("failed to archive poison batch")
	}

	if msg.ActionID == "" || msg.BatchID == "" {
		return
	}
	err := c.progress.Advance(ctx, msg.ActionID, msg.BatchID, progress.Counts{
		Processed: int64(len(msg.Rows)),
		Failure:   int64(len(msg.Rows)),
	})
	if err != nil {
		c.log.WithError(err).WithField("action_id", msg.ActionID).Error("failed to count poisoned rows")
	}
}

func retryCount(headers transport.Headers) int {
	v, ok := headers[models.HeaderRetryCount]
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
