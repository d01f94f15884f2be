package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"

	"bulk-action-pipeline/internal/models"
	"bulk-action-pipeline/internal/transport"
)

type capturePublisher struct {
	batches []models.BatchMessage
	failOn  int // fail the nth publish (1-based), 0 = never
}

func (p *capturePublisher) Publish(_ context.Context, _ string, payload []byte, _ transport.Headers) error {
	if p.failOn > 0 && len(p.batches)+1 == p.failOn {
		return errors.New("broker unavailable")
	}
	var msg models.BatchMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return err
	}
	p.batches = append(p.batches, msg)
	return nil
}

func writeCSV(t *testing.T, rows int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "contacts.csv")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create csv: %v", err)
	}
	defer f.Close()
	fmt.Fprintln(f, "id,name,email")
	for i := 1; i <= rows; i++ {
		fmt.Fprintf(f, "c-%d,Name %d,user%d@example.com\n", i, i, i)
	}
	return path
}

func TestProducerBatching(t *testing.T) {
	path := writeCSV(t, 250)
	pub := &capturePublisher{}
	p := NewProducer("bulk-actions", 100, pub, logrus.New())

	total, err := p.Run(context.Background(), path, "Contact", "action-1")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if total != 250 {
		t.Fatalf("expected total 250, got %d", total)
	}
	if len(pub.batches) != 3 {
		t.Fatalf("expected 3 batches, got %d", len(pub.batches))
	}

	sizes := []int{100, 100, 50}
	sum := 0
	seen := map[string]bool{}
	for i, b := range pub.batches {
		if len(b.Rows) != sizes[i] {
			t.Fatalf("batch %d: expected %d rows, got %d", i, sizes[i], len(b.Rows))
		}
		if b.ActionID != "action-1" || b.EntityType != "Contact" {
			t.Fatalf("batch %d: wrong identity %q/%q", i, b.ActionID, b.EntityType)
		}
		if b.BatchID == "" || seen[b.BatchID] {
			t.Fatalf("batch %d: batch id missing or duplicated", i)
		}
		seen[b.BatchID] = true
		sum += len(b.Rows)
	}
	if sum != 250 {
		t.Fatalf("row counts sum to %d, want 250", sum)
	}

	first := pub.batches[0].Rows[0]
	if first["id"] != "c-1" || first["name"] != "Name 1" {
		t.Fatalf("unexpected first row: %v", first)
	}
}

func TestProducerExactMultiple(t *testing.T) {
	path := writeCSV(t, 200)
	pub := &capturePublisher{}
	p := NewProducer("bulk-actions", 100, pub, logrus.New())

	total, err := p.Run(context.Background(), path, "Contact", "action-2")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if total != 200 || len(pub.batches) != 2 {
		t.Fatalf("expected 200 rows in 2 batches, got %d rows in %d batches", total, len(pub.batches))
	}
}

func TestProducerMalformedRowAborts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.csv")
	content := "id,name,email\nc-1,First,a@example.com\nc-2,only-two-fields\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write csv: %v", err)
	}

	pub := &capturePublisher{}
	p := NewProducer("bulk-actions", 1, pub, logrus.New())

	_, err := p.Run(context.Background(), path, "Contact", "action-3")
	if err == nil {
		t.Fatal("expected parse error")
	}
	// The batch published before the abort is not rolled back.
	if len(pub.batches) != 1 {
		t.Fatalf("expected 1 batch published before abort, got %d", len(pub.batches))
	}
}

func TestProducerMissingFile(t *testing.T) {
	p := NewProducer("bulk-actions", 100, &capturePublisher{}, logrus.New())
	if _, err := p.Run(context.Background(), "/does/not/exist.csv", "Contact", "a"); err == nil {
		t.Fatal("expected open error")
	}
}

func TestProducerPublishFailureAborts(t *testing.T) {
	path := writeCSV(t, 30)
	pub := &capturePublisher{failOn: 2}
	p := NewProducer("bulk-actions", 10, pub, logrus.New())

	_, err := p.Run(context.Background(), path, "Contact", "action-4")
	if err == nil {
		t.Fatal("expected publish error")
	}
	if len(pub.batches) != 1 {
		t.Fatalf("expected 1 successful batch, got %d", len(pub.batches))
	}
}

func TestProducerEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.csv")
	if err := os.WriteFile(path, []byte(""), 0o644); err != nil {
		t.Fatalf("write csv: %v", err)
	}
	pub := &capturePublisher{}
	p := NewProducer("bulk-actions", 100, pub, logrus.New())

	total, err := p.Run(context.Background(), path, "Contact", "action-5")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if total != 0 || len(pub.batches) != 0 {
		t.Fatalf("expected no rows and no batches, got %d/%d", total, len(pub.batches))
	}
}
