package progress

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"bulk-action-pipeline/internal/models"
	"bulk-action-pipeline/internal/store"
	"bulk-action-pipeline/internal/telemetry"
)

// Store is the persistence surface the tracker drives.
type Store interface {
	Advance(ctx context.Context, p store.AdvanceParams) (models.BulkAction, bool, error)
}

// Counts is one batch's contribution to the shared progress record.
type Counts struct {
	Processed int64
	Success   int64
	Failure   int64
	Skipped   int64
}

// Tracker owns progress accounting for bulk actions. Each advance is
// idempotent per batch id and the terminal transition happens inside the
// store's atomic update, so concurrent consumers and redeliveries cannot
// double-count or complete a record twice.
type Tracker struct {
	store Store
	log   *logrus.Logger
}

func NewTracker(st Store, log *logrus.Logger) *Tracker {
	return &Tracker{store: st, log: log}
}

// Advance adds a batch's counters to the named action and reports terminal
// transitions. Unknown action ids surface as errors to the caller.
func (t *Tracker) Advance(ctx context.Context, actionID, batchID string, c Counts) error {
	action, applied, err := t.store.Advance(ctx, store.AdvanceParams{
		ActionID:  actionID,
		BatchID:   batchID,
		Processed: c.Processed,
		Success:   c.Success,
		Failure:   c.Failure,
		Skipped:   c.Skipped,
	})
	if err != nil {
		t.log.WithError(err).WithField("action_id", actionID).Error("progress advance failed")
		return fmt.Errorf("advance action %s: %w", actionID, err)
	}

	if !applied {
		t.log.WithFields(logrus.Fields{
			"action_id": actionID,
			"batch_id":  batchID,
		}).Info("duplicate batch delivery, progress already counted")
		return nil
	}

	if action.Terminal() {
		telemetry.ActionsCompleted.Inc()
		t.log.WithFields(logrus.Fields{
			"action_id": actionID,
			"status":    action.Status,
			"processed": action.ProcessedCount,
			"success":   action.SuccessCount,
			"failure":   action.FailureCount,
			"skipped":   action.SkippedCount,
		}).Info("bulk action finished")
	}
	return nil
}
