package redisclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ecare/booking/internal/booking"
)

// consumerBlock is how long one XREADGROUP waits server-side for new
// entries before returning empty.
const consumerBlock = 5 * time.Second

// StreamPublisher appends lifecycle events to a Redis stream. It is the
// outbound queue between the booking engine and the notification dispatcher:
// the engine XADDs after commit and never waits on a consumer.
type StreamPublisher struct {
	client *redis.Client
	stream string
	maxLen int64
}

func NewStreamPublisher(client *redis.Client, stream string) *StreamPublisher {
	return &StreamPublisher{
		client: client,
		stream: stream,
		maxLen: 100_000,
	}
}

func (p *StreamPublisher) Publish(ctx context.Context, ev booking.LifecycleEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal lifecycle event: %w", err)
	}

	err = p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]any{"event": payload},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd lifecycle event: %w", err)
	}
	return nil
}

// StreamConsumer reads lifecycle events off the stream through a consumer
// group, so a restarted dispatcher resumes from pending entries.
type StreamConsumer struct {
	client   *redis.Client
	stream   string
	group    string
	consumer string
	block    time.Duration
}

func NewStreamConsumer(client *redis.Client, stream, group, consumer string) *StreamConsumer {
	return &StreamConsumer{
		client:   client,
		stream:   stream,
		group:    group,
		consumer: consumer,
		block:    consumerBlock,
	}
}

// EnsureGroup creates the consumer group if it does not exist yet.
func (c *StreamConsumer) EnsureGroup(ctx context.Context) error {
	err := c.client.XGroupCreateMkStream(ctx, c.stream, c.group, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return fmt.Errorf("create consumer group: %w", err)
	}
	return nil
}

// Next blocks for up to the configured interval and returns the next batch of
// events. A nil batch with nil error means the wait timed out.
func (c *StreamConsumer) Next(ctx context.Context, count int64) ([]StreamEvent, error) {
	streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.consumer,
		Streams:  []string{c.stream, ">"},
		Count:    count,
		Block:    c.block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xreadgroup: %w", err)
	}

	var out []StreamEvent
	for _, s := range streams {
		for _, msg := range s.Messages {
			ev, err := decodeEvent(msg)
			if err != nil {
				// Poison entry: ack it so it cannot wedge the group.
				_ = c.Ack(ctx, msg.ID)
				continue
			}
			out = append(out, StreamEvent{ID: msg.ID, Event: ev})
		}
	}
	return out, nil
}

func (c *StreamConsumer) Ack(ctx context.Context, id string) error {
	return c.client.XAck(ctx, c.stream, c.group, id).Err()
}

type StreamEvent struct {
	ID    string
	Event booking.LifecycleEvent
}

func decodeEvent(msg redis.XMessage) (booking.LifecycleEvent, error) {
	var ev booking.LifecycleEvent

	raw, ok := msg.Values["event"]
	if !ok {
		return ev, errors.New("stream entry missing event field")
	}

	var data []byte
	switch v := raw.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return ev, fmt.Errorf("unexpected event payload type %T", raw)
	}

	if err := json.Unmarshal(data, &ev); err != nil {
		return ev, fmt.Errorf("unmarshal lifecycle event: %w", err)
	}
	return ev, nil
}

func isBusyGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}
