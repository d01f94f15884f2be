package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"bulk-action-pipeline/internal/config"
)

func testBus(t *testing.T) (*Bus, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cfg := config.Config{
		StreamMaxLen:  1000,
		ReadBlock:     50 * time.Millisecond,
		ClaimMinIdle:  time.Hour,
		ClaimInterval: time.Hour,
	}
	return NewBusWithClient(client, cfg, logrus.New()), client
}

func TestPublishPeekRoundTrip(t *testing.T) {
	bus, _ := testBus(t)
	ctx := context.Background()

	headers := Headers{"retry-count": "2", "error-message": "boom"}
	if err := bus.Publish(ctx, "topic.DLQ", []byte(`{"a":1}`), headers); err != nil {
		t.Fatalf("publish: %v", err)
	}

	msgs, err := bus.Peek(ctx, "topic.DLQ", 10)
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if msgs[0].Payload != `{"a":1}` {
		t.Fatalf("payload mangled: %q", msgs[0].Payload)
	}
	if msgs[0].Headers["retry-count"] != "2" || msgs[0].Headers["error-message"] != "boom" {
		t.Fatalf("headers mangled: %v", msgs[0].Headers)
	}

	depth, err := bus.Depth(ctx, "topic.DLQ")
	if err != nil || depth != 1 {
		t.Fatalf("expected depth 1, got %d err=%v", depth, err)
	}
}

func TestSubscribeDeliversAndAcks(t *testing.T) {
	bus, client := testBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := bus.Publish(ctx, "topic", []byte("one"), nil); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := bus.Publish(ctx, "topic", []byte("two"), Headers{"k": "v"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	got := make(chan Message, 2)
	go func() {
		_ = bus.Subscribe(ctx, "topic", "group", "consumer-1", func(_ context.Context, payload []byte, headers Headers) error {
			got <- Message{Payload: string(payload), Headers: headers}
			return nil
		})
	}()

	var received []Message
	for i := 0; i < 2; i++ {
		select {
		case m := <-got:
			received = append(received, m)
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out after %d messages", len(received))
		}
	}
	cancel()

	if received[0].Payload != "one" || received[1].Payload != "two" {
		t.Fatalf("wrong order or payloads: %+v", received)
	}
	if received[1].Headers["k"] != "v" {
		t.Fatalf("headers lost: %v", received[1].Headers)
	}

	// Acked messages must not stay pending.
	waitFor(t, func() bool {
		pending, err := client.XPending(context.Background(), "topic", "group").Result()
		return err == nil && pending.Count == 0
	})
}

func TestSubscribeFailedHandlerLeavesPending(t *testing.T) {
	bus, client := testBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := bus.Publish(ctx, "topic", []byte("broken"), nil); err != nil {
		t.Fatalf("publish: %v", err)
	}

	seen := make(chan struct{}, 1)
	go func() {
		_ = bus.Subscribe(ctx, "topic", "group", "consumer-1", func(_ context.Context, _ []byte, _ Headers) error {
			select {
			case seen <- struct{}{}:
			default:
			}
			return errors.New("handler failed")
		})
	}()

	select {
	case <-seen:
	case <-time.After(5 * time.Second):
		t.Fatal("message never delivered")
	}
	cancel()

	waitFor(t, func() bool {
		pending, err := client.XPending(context.Background(), "topic", "group").Result()
		return err == nil && pending.Count == 1
	})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("condition never met")
}
