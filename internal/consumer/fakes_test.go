package consumer

import (
	"context"
	"errors"

	"bulk-action-pipeline/internal/config"
	"bulk-action-pipeline/internal/models"
	"bulk-action-pipeline/internal/progress"
	"bulk-action-pipeline/internal/store"
	"bulk-action-pipeline/internal/transport"
)

var errApply = errors.New("store connectivity lost")

type fakeApplier struct {
	calls  int
	err    error
	result store.ApplyResult
}

func (a *fakeApplier) ApplyBatch(_ context.Context, entityType string, rows []map[string]any) (store.ApplyResult, error) {
	a.calls++
	if a.err != nil {
		return store.ApplyResult{}, a.err
	}
	if entityType != "Contact" {
		return store.ApplyResult{}, store.ErrUnsupportedEntity
	}
	if a.result != (store.ApplyResult{}) {
		return a.result, nil
	}
	return store.ApplyResult{Upserted: int64(len(rows))}, nil
}

type published struct {
	topic   string
	payload []byte
	headers transport.Headers
}

type fakePublisher struct {
	sent []published
	err  error
}

func (p *fakePublisher) Publish(_ context.Context, topic string, payload []byte, headers transport.Headers) error {
	if p.err != nil {
		return p.err
	}
	p.sent = append(p.sent, published{topic: topic, payload: payload, headers: headers})
	return nil
}

type advance struct {
	actionID string
	batchID  string
	counts   progress.Counts
}

type fakeProgress struct {
	advances []advance
	err      error
}

func (f *fakeProgress) Advance(_ context.Context, actionID, batchID string, c progress.Counts) error {
	if f.err != nil {
		return f.err
	}
	f.advances = append(f.advances, advance{actionID: actionID, batchID: batchID, counts: c})
	return nil
}

type fakePoisons struct {
	recorded []models.PoisonBatch
	err      error
}

func (f *fakePoisons) RecordPoison(_ context.Context, p models.PoisonBatch) error {
	if f.err != nil {
		return f.err
	}
	f.recorded = append(f.recorded, p)
	return nil
}

func testConfig() config.Config {
	return config.Config{
		MainTopic:        "bulk-actions",
		RetryTopic:       "bulk-actions.DLQ",
		PoisonTopic:      "bulk-actions.POISON",
		MaxRetryAttempts: 3,
	}
}
