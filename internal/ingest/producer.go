package ingest

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"bulk-action-pipeline/internal/models"
	"bulk-action-pipeline/internal/telemetry"
	"bulk-action-pipeline/internal/transport"
)

// Publisher is the transport surface the producer needs.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte, headers transport.Headers) error
}

// Producer streams a CSV file row by row and publishes fixed-size row batches
// to the main topic. Publishes are strictly sequential: the next batch is not
// read until the previous publish has completed, bounding memory for very
// large files.
type Producer struct {
	topic     string
	batchSize int
	publisher Publisher
	log       *logrus.Logger
}

// NewProducer builds a producer for the given topic and batch size.
func NewProducer(topic string, batchSize int, publisher Publisher, log *logrus.Logger) *Producer {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Producer{
		topic:     topic,
		batchSize: batchSize,
		publisher: publisher,
		log:       log,
	}
}

// Run streams the file and returns the total row count once the stream ends.
// A file-open failure, a malformed row, or a publish failure aborts the run;
// batches already published are not rolled back.
func (p *Producer) Run(ctx context.Context, filePath, entityType, actionID string) (int64, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return 0, fmt.Errorf("open csv %s: %w", filePath, err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	header, err := reader.Read()
	if err == io.EOF {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read csv header: %w", err)
	}

	var (
		total   int64
		batch   = make([]map[string]any, 0, p.batchSize)
		batches int
	)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := p.publishBatch(ctx, actionID, entityType, batch); err != nil {
			return err
		}
		batches++
		telemetry.BatchesPublished.Inc()
		telemetry.RowsPublished.Add(float64(len(batch)))
		batch = batch[:0]
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return total, ctx.Err()
		default:
		}

		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return total, fmt.Errorf("parse csv row %d: %w", total+1, err)
		}

		row := make(map[string]any, len(header))
		for i, col := range header {
			if i < len(record) {
				row[col] = record[i]
			}
		}
		batch = append(batch, row)
		total++

		if len(batch) >= p.batchSize {
			if err := flush(); err != nil {
				return total, err
			}
		}
	}

	if err := flush(); err != nil {
		return total, err
	}

	p.log.WithFields(logrus.Fields{
		"action_id": actionID,
		"rows":      total,
		"batches":   batches,
	}).Info("file streamed")
	return total, nil
}

func (p *Producer) publishBatch(ctx context.Context, actionID, entityType string, rows []map[string]any) error {
	msg := models.BatchMessage{
		ActionID:   actionID,
		BatchID:    uuid.New().String(),
		EntityType: entityType,
		Rows:       rows,
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal batch: %w", err)
	}
	if err := p.publisher.Publish(ctx, p.topic, payload, nil); err != nil {
		return fmt.Errorf("publish batch for action %s: %w", actionID, err)
	}
	return nil
}
