package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"bulk-action-pipeline/internal/config"
)

// Stream entry field carrying the message payload. Every other field is a
// transport header.
const payloadField = "payload"

// Headers carry retry bookkeeping alongside a message.
type Headers map[string]string

// Handler processes one delivered message. Returning nil acknowledges the
// message; returning an error leaves it pending for redelivery.
type Handler func(ctx context.Context, payload []byte, headers Headers) error

// Bus is a publish/subscribe transport over Redis Streams. Consumer groups
// give at-least-once delivery: unacknowledged entries stay in the group's
// pending list and are reclaimed after ClaimMinIdle.
type Bus struct {
	client        *redis.Client
	maxLen        int64
	readBlock     time.Duration
	claimMinIdle  time.Duration
	claimInterval time.Duration
	log           *logrus.Logger
}

// NewBus builds a transport client from config.
func NewBus(cfg config.Config, log *logrus.Logger) *Bus {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return NewBusWithClient(client, cfg, log)
}

// NewBusWithClient wraps an existing Redis client, for callers that share a
// connection across components.
func NewBusWithClient(client *redis.Client, cfg config.Config, log *logrus.Logger) *Bus {
	maxLen := cfg.StreamMaxLen
	if maxLen == 0 {
		maxLen = 100000
	}
	readBlock := cfg.ReadBlock
	if readBlock == 0 {
		readBlock = 5 * time.Second
	}
	minIdle := cfg.ClaimMinIdle
	if minIdle == 0 {
		minIdle = time.Minute
	}
	interval := cfg.ClaimInterval
	if interval == 0 {
		interval = 30 * time.Second
	}
	return &Bus{
		client:        client,
		maxLen:        maxLen,
		readBlock:     readBlock,
		claimMinIdle:  minIdle,
		claimInterval: interval,
		log:           log,
	}
}

// Publish appends a message to a topic. Headers are stored as extra entry
// fields next to the payload. go-redis re-establishes dropped connections on
// the next command, so publish failures during reconnect surface here instead
// of being silently dropped.
func (b *Bus) Publish(ctx context.Context, topic string, payload []byte, headers Headers) error {
	values := make(map[string]any, len(headers)+1)
	values[payloadField] = string(payload)
	for k, v := range headers {
		if k == payloadField {
			continue
		}
		values[k] = v
	}
	err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: topic,
		MaxLen: b.maxLen,
		Approx: true,
		Values: values,
	}).Err()
	if err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

// Subscribe consumes a topic under a consumer group until the context is
// cancelled, invoking the handler per message. Messages whose handler returns
// nil are acknowledged; the rest stay pending and are reclaimed once their
// idle time exceeds the claim threshold.
func (b *Bus) Subscribe(ctx context.Context, topic, group, consumer string, handler Handler) error {
	if err := b.ensureGroup(ctx, topic, group); err != nil {
		return err
	}

	lastClaim := time.Time{}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if time.Since(lastClaim) >= b.claimInterval {
			b.reclaimPending(ctx, topic, group, consumer, handler)
			lastClaim = time.Now()
		}

		streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: consumer,
			Streams:  []string{topic, ">"},
			Count:    1,
			Block:    b.readBlock,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			b.log.WithError(err).WithField("topic", topic).Warn("read from stream failed")
			time.Sleep(time.Second)
			continue
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				b.dispatch(ctx, topic, group, msg, handler)
			}
		}
	}
}

func (b *Bus) dispatch(ctx context.Context, topic, group string, msg redis.XMessage, handler Handler) {
	payload, headers := splitEntry(msg.Values)
	if err := handler(ctx, payload, headers); err != nil {
		b.log.WithError(err).WithFields(logrus.Fields{
			"topic": topic,
			"id":    msg.ID,
		}).Warn("handler failed, leaving message pending")
		return
	}
	if err := b.client.XAck(ctx, topic, group, msg.ID).Err(); err != nil {
		b.log.WithError(err).WithFields(logrus.Fields{
			"topic": topic,
			"id":    msg.ID,
		}).Warn("ack failed")
	}
}

// reclaimPending takes over entries another (or a crashed) consumer left
// unacknowledged. Errors are logged, not fatal: reclaim is an optimization on
// top of the pending list, the entries remain claimable next round.
func (b *Bus) reclaimPending(ctx context.Context, topic, group, consumer string, handler Handler) {
	start := "0-0"
	for {
		msgs, next, err := b.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   topic,
			Group:    group,
			Consumer: consumer,
			MinIdle:  b.claimMinIdle,
			Start:    start,
			Count:    16,
		}).Result()
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, redis.Nil) {
				b.log.WithError(err).WithField("topic", topic).Debug("autoclaim failed")
			}
			return
		}
		for _, msg := range msgs {
			b.dispatch(ctx, topic, group, msg, handler)
		}
		if len(msgs) == 0 || next == "0-0" {
			return
		}
		start = next
	}
}

func (b *Bus) ensureGroup(ctx context.Context, topic, group string) error {
	err := b.client.XGroupCreateMkStream(ctx, topic, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s on %s: %w", group, topic, err)
	}
	return nil
}

// Depth returns the number of entries currently held in a topic.
func (b *Bus) Depth(ctx context.Context, topic string) (int64, error) {
	return b.client.XLen(ctx, topic).Result()
}

// Message is a peeked stream entry, used for operational inspection of the
// poison topic.
type Message struct {
	ID      string  `json:"id"`
	Payload string  `json:"payload"`
	Headers Headers `json:"headers"`
}

// Peek reads the newest entries of a topic without consuming them.
func (b *Bus) Peek(ctx context.Context, topic string, count int64) ([]Message, error) {
	entries, err := b.client.XRevRangeN(ctx, topic, "+", "-", count).Result()
	if err != nil {
		return nil, fmt.Errorf("peek %s: %w", topic, err)
	}
	out := make([]Message, 0, len(entries))
	for _, e := range entries {
		payload, headers := splitEntry(e.Values)
		out = append(out, Message{ID: e.ID, Payload: string(payload), Headers: headers})
	}
	return out, nil
}

// Close releases the underlying Redis connection.
func (b *Bus) Close() error {
	return b.client.Close()
}

func splitEntry(values map[string]any) ([]byte, Headers) {
	var payload []byte
	headers := Headers{}
	for k, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		if k == payloadField {
			payload = []byte(s)
			continue
		}
		headers[k] = s
	}
	return payload, headers
}
