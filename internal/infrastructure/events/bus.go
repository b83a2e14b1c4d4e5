package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/bidwire/auction-backend/internal/infrastructure/config"
	"github.com/bidwire/auction-backend/internal/metrics"
)

// Message is one delivery from a stream. Deliveries counts how many times
// the broker has handed this message to the group.
type Message struct {
	ID         string
	Stream     string
	Data       []byte
	Deliveries int64
}

// Handler processes one message. A nil return acknowledges the message; an
// error leaves it pending for redelivery after the visibility timeout.
type Handler func(ctx context.Context, msg Message) error

// Bus is a durable at-least-once event bus on Redis Streams. Publishers
// append, consumer groups track their own cursors, and unacknowledged
// messages are reclaimed after the visibility timeout until the delivery
// budget runs out, at which point they move to the dead-letter stream.
type Bus struct {
	client  *redis.Client
	cfg     config.EventBusConfig
	metrics *metrics.Metrics
	logger  *zap.Logger
}

func NewBus(ctx context.Context, cfg config.EventBusConfig, m *metrics.Metrics, logger *zap.Logger) (*Bus, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing event bus url: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.DB != 0 {
		opts.DB = cfg.DB
	}

	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("pinging event bus: %w", err)
	}

	return &Bus{client: client, cfg: cfg, metrics: m, logger: logger}, nil
}

// NewBusWithClient wires a Bus onto an existing client. Used by tests and by
// deployments that share one Redis for hot state and events.
func NewBusWithClient(client *redis.Client, cfg config.EventBusConfig, m *metrics.Metrics, logger *zap.Logger) *Bus {
	return &Bus{client: client, cfg: cfg, metrics: m, logger: logger}
}

func (b *Bus) Close() error {
	return b.client.Close()
}

// Publish appends an event to a stream. The append is durable once XADD
// returns; consumers pick it up from their group cursor.
func (b *Bus) Publish(ctx context.Context, stream string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}
	err = b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{
			"data":         data,
			"published_at": time.Now().UTC().Format(time.RFC3339Nano),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("publishing to %s: %w", stream, err)
	}
	return nil
}

// Consume reads a stream on behalf of the configured group until ctx is
// cancelled. Each replica passes a distinct consumer name; the group shares
// one cursor so every message is processed by exactly one consumer per group.
func (b *Bus) Consume(ctx context.Context, stream, consumer string, handler Handler) error {
	if err := b.ensureGroup(ctx, stream); err != nil {
		return err
	}

	reclaimTicker := time.NewTicker(b.cfg.VisibilityTimeout)
	defer reclaimTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-reclaimTicker.C:
			b.reclaim(ctx, stream, consumer, handler)
		default:
		}

		streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    b.cfg.Group,
			Consumer: consumer,
			Streams:  []string{stream, ">"},
			Count:    16,
			Block:    b.cfg.BlockInterval,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			b.logger.Warn("event bus read failed",
				zap.String("stream", stream), zap.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		for _, s := range streams {
			for _, m := range s.Messages {
				b.dispatch(ctx, stream, m, 1, handler)
			}
		}
	}
}

// dispatch runs the handler and acknowledges on success. Failed messages
// stay pending; once deliveries exceed the budget they are dead-lettered.
func (b *Bus) dispatch(ctx context.Context, stream string, m redis.XMessage, deliveries int64, handler Handler) {
	data := extractData(m)
	if data == nil {
		b.logger.Warn("dropping malformed event",
			zap.String("stream", stream), zap.String("id", m.ID))
		b.ack(ctx, stream, m.ID)
		return
	}

	if deliveries > b.cfg.MaxDeliveries {
		b.deadLetter(ctx, stream, m.ID, data, deliveries)
		return
	}

	msg := Message{ID: m.ID, Stream: stream, Data: data, Deliveries: deliveries}
	if err := handler(ctx, msg); err != nil {
		b.logger.Warn("event handler failed, leaving pending",
			zap.String("stream", stream),
			zap.String("id", m.ID),
			zap.Int64("deliveries", deliveries),
			zap.Error(err))
		return
	}
	b.ack(ctx, stream, m.ID)
}

// reclaim takes over messages another consumer claimed but never
// acknowledged within the visibility timeout.
func (b *Bus) reclaim(ctx context.Context, stream, consumer string, handler Handler) {
	start := "0-0"
	for {
		messages, next, err := b.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   stream,
			Group:    b.cfg.Group,
			Consumer: consumer,
			MinIdle:  b.cfg.VisibilityTimeout,
			Start:    start,
			Count:    16,
		}).Result()
		if err != nil {
			if ctx.Err() == nil {
				b.logger.Warn("event reclaim failed",
					zap.String("stream", stream), zap.Error(err))
			}
			return
		}
		if len(messages) == 0 {
			return
		}

		deliveries := b.deliveryCounts(ctx, stream, messages)
		for _, m := range messages {
			b.dispatch(ctx, stream, m, deliveries[m.ID], handler)
		}

		if next == "0-0" {
			return
		}
		start = next
	}
}

func (b *Bus) deliveryCounts(ctx context.Context, stream string, messages []redis.XMessage) map[string]int64 {
	counts := make(map[string]int64, len(messages))
	for _, m := range messages {
		counts[m.ID] = 1
	}
	pending, err := b.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  b.cfg.Group,
		Start:  messages[0].ID,
		End:    messages[len(messages)-1].ID,
		Count:  int64(len(messages)),
	}).Result()
	if err != nil {
		b.logger.Warn("reading pending counts failed",
			zap.String("stream", stream), zap.Error(err))
		return counts
	}
	for _, p := range pending {
		counts[p.ID] = p.RetryCount
	}
	return counts
}

func (b *Bus) deadLetter(ctx context.Context, stream, id string, data []byte, deliveries int64) {
	err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamDeadLetter,
		Values: map[string]interface{}{
			"data":       data,
			"origin":     stream,
			"origin_id":  id,
			"deliveries": deliveries,
			"failed_at":  time.Now().UTC().Format(time.RFC3339Nano),
		},
	}).Err()
	if err != nil {
		b.logger.Error("dead-lettering failed, message stays pending",
			zap.String("stream", stream), zap.String("id", id), zap.Error(err))
		return
	}
	b.metrics.EventsDeadLetter.Inc()
	b.logger.Error("message exhausted delivery budget",
		zap.String("stream", stream),
		zap.String("id", id),
		zap.Int64("deliveries", deliveries))
	b.ack(ctx, stream, id)
}

func (b *Bus) ack(ctx context.Context, stream, id string) {
	if err := b.client.XAck(ctx, stream, b.cfg.Group, id).Err(); err != nil {
		b.logger.Warn("event ack failed",
			zap.String("stream", stream), zap.String("id", id), zap.Error(err))
	}
}

func (b *Bus) ensureGroup(ctx context.Context, stream string) error {
	err := b.client.XGroupCreateMkStream(ctx, stream, b.cfg.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("creating consumer group on %s: %w", stream, err)
	}
	return nil
}

// Health reports whether the broker is reachable.
func (b *Bus) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := b.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("event bus unreachable: %w", err)
	}
	return nil
}

func extractData(m redis.XMessage) []byte {
	raw, ok := m.Values["data"]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case string:
		return []byte(v)
	case []byte:
		return v
	default:
		return nil
	}
}
