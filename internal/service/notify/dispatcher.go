package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bidwire/auction-backend/internal/infrastructure/events"
	"github.com/bidwire/auction-backend/internal/metrics"
)

// Consumer reads one stream on behalf of a consumer group.
type Consumer interface {
	Consume(ctx context.Context, stream, consumer string, handler events.Handler) error
}

// Publisher appends events to the durable bus.
type Publisher interface {
	Publish(ctx context.Context, stream string, payload interface{}) error
}

// HotState provides watcher sets and the keyed delivery record.
type HotState interface {
	ListWatchers(ctx context.Context, auctionID uuid.UUID) ([]uuid.UUID, error)
	WasDelivered(ctx context.Context, auctionID, userID uuid.UUID, kind string) (bool, error)
	MarkDelivered(ctx context.Context, auctionID, userID uuid.UUID, kind string) (bool, error)
}

// Delivery hands a notification to a locally connected user. Returns false
// when the user holds no session on this replica.
type Delivery interface {
	Deliver(userID uuid.UUID, n events.UserNotification) bool
}

// Dispatcher turns auction outcomes into per-user notifications and walks
// them to connected sessions.
//
// The outcome consumer runs in the shared group, so each ended event is
// expanded into notifications exactly once. The user consumer runs in a
// per-replica group: every replica sees every notification and the one
// holding the user's connection delivers it. The (auction, user, kind)
// delivery record keeps redeliveries and replica races idempotent.
type Dispatcher struct {
	outcomes Consumer
	users    Consumer
	bus      Publisher
	hotState HotState
	delivery Delivery
	replica  string
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

func NewDispatcher(outcomes, users Consumer, bus Publisher, hotState HotState, delivery Delivery, replicaID string, m *metrics.Metrics, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		outcomes: outcomes,
		users:    users,
		bus:      bus,
		hotState: hotState,
		delivery: delivery,
		replica:  replicaID,
		metrics:  m,
		logger:   logger,
	}
}

// RunOutcomeConsumer expands ended auctions into user notifications until
// ctx is cancelled.
func (d *Dispatcher) RunOutcomeConsumer(ctx context.Context) error {
	return d.outcomes.Consume(ctx, events.StreamAuctionEnded, d.replica, d.handleEnded)
}

// RunUserConsumer delivers user notifications until ctx is cancelled.
func (d *Dispatcher) RunUserConsumer(ctx context.Context) error {
	return d.users.Consume(ctx, events.StreamNotifyUser, d.replica, d.handleNotification)
}

func (d *Dispatcher) handleEnded(ctx context.Context, msg events.Message) error {
	var evt events.AuctionEndedEvent
	if err := json.Unmarshal(msg.Data, &evt); err != nil {
		d.logger.Warn("dropping malformed ended event",
			zap.String("id", msg.ID), zap.Error(err))
		return nil
	}

	notifications, err := d.expand(ctx, evt)
	if err != nil {
		return err
	}
	for _, n := range notifications {
		if err := d.bus.Publish(ctx, events.StreamNotifyUser, n); err != nil {
			// Retried as a whole on redelivery; downstream dedupe absorbs
			// the duplicates.
			return fmt.Errorf("publishing notification: %w", err)
		}
		d.metrics.EventsPublished.WithLabelValues(events.StreamNotifyUser).Inc()
	}
	d.metrics.EventsConsumed.WithLabelValues(events.StreamAuctionEnded).Inc()
	return nil
}

// expand maps one ended auction to its notification set. With bids the
// winner gets WON and every other bidder LOST; without bids the watchers get
// NO_BIDS_WATCHER.
func (d *Dispatcher) expand(ctx context.Context, evt events.AuctionEndedEvent) ([]events.UserNotification, error) {
	now := time.Now().UTC()

	if !evt.HasBids {
		watchers, err := d.hotState.ListWatchers(ctx, evt.AuctionID)
		if err != nil {
			return nil, fmt.Errorf("listing watchers: %w", err)
		}
		notifications := make([]events.UserNotification, 0, len(watchers))
		for _, userID := range watchers {
			notifications = append(notifications, events.UserNotification{
				UserID:    userID,
				AuctionID: evt.AuctionID,
				ItemID:    evt.ItemID,
				Kind:      events.NotifyNoBidsWatcher,
				CreatedAt: now,
			})
		}
		return notifications, nil
	}

	notifications := make([]events.UserNotification, 0, len(evt.Participants))
	for _, userID := range evt.Participants {
		kind := events.NotifyLost
		if evt.WinnerID != nil && userID == *evt.WinnerID {
			kind = events.NotifyWon
		}
		notifications = append(notifications, events.UserNotification{
			UserID:    userID,
			AuctionID: evt.AuctionID,
			ItemID:    evt.ItemID,
			Kind:      kind,
			Amount:    evt.FinalAmount,
			CreatedAt: now,
		})
	}
	return notifications, nil
}

func (d *Dispatcher) handleNotification(ctx context.Context, msg events.Message) error {
	var n events.UserNotification
	if err := json.Unmarshal(msg.Data, &n); err != nil {
		d.logger.Warn("dropping malformed notification",
			zap.String("id", msg.ID), zap.Error(err))
		return nil
	}

	delivered, err := d.hotState.WasDelivered(ctx, n.AuctionID, n.UserID, n.Kind)
	if err != nil {
		return fmt.Errorf("checking delivery record: %w", err)
	}
	if delivered {
		d.metrics.NotificationsDeduped.Inc()
		return nil
	}

	if !d.delivery.Deliver(n.UserID, n) {
		// Not connected here. Another replica's group cursor may still
		// deliver it; otherwise redelivery runs out the budget and the
		// message dead-letters.
		return fmt.Errorf("user %s not connected to replica %s", n.UserID, d.replica)
	}

	if first, err := d.hotState.MarkDelivered(ctx, n.AuctionID, n.UserID, n.Kind); err != nil {
		d.logger.Warn("recording delivery failed",
			zap.String("user_id", n.UserID.String()), zap.Error(err))
	} else if !first {
		d.metrics.NotificationsDeduped.Inc()
	}

	d.metrics.NotificationsDelivered.WithLabelValues(n.Kind).Inc()
	d.metrics.EventsConsumed.WithLabelValues(events.StreamNotifyUser).Inc()
	return nil
}
