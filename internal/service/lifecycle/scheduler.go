package lifecycle

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bidwire/auction-backend/internal/domain/auction"
	"github.com/bidwire/auction-backend/internal/infrastructure/cache"
	"github.com/bidwire/auction-backend/internal/infrastructure/events"
	"github.com/bidwire/auction-backend/internal/metrics"
)

const sweepBatchSize = 100

// Store is the subset of the repository the scheduler needs.
type Store interface {
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*auction.Auction, error)
	EndAuction(ctx context.Context, id uuid.UUID) (*auction.EndResult, error)
}

// EventPublisher appends domain events to the durable bus.
type EventPublisher interface {
	Publish(ctx context.Context, stream string, payload interface{}) error
}

// Fanout carries the auction close to connected clients, locally and across
// replicas. Both paths are best effort; the durable event is the source of
// truth for downstream consumers.
type Fanout interface {
	BroadcastEnded(b cache.EndedBroadcast)
	PublishEnded(ctx context.Context, b cache.EndedBroadcast) error
}

// Scheduler closes expired auctions. Every replica sweeps on the same tick;
// the Store transition is idempotent, so overlapping sweeps are harmless and
// only the transitioning replica publishes the ended event.
type Scheduler struct {
	store     Store
	bus       EventPublisher
	fanout    Fanout
	replicaID string
	tick      time.Duration
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

func NewScheduler(store Store, bus EventPublisher, fanout Fanout, replicaID string, tick time.Duration, m *metrics.Metrics, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		store:     store,
		bus:       bus,
		fanout:    fanout,
		replicaID: replicaID,
		tick:      tick,
		metrics:   m,
		logger:    logger,
	}
}

// Run sweeps until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep ends every ACTIVE auction whose end time has passed.
func (s *Scheduler) Sweep(ctx context.Context) {
	expired, err := s.store.ListExpired(ctx, time.Now().UTC(), sweepBatchSize)
	if err != nil {
		s.logger.Error("expired auction sweep failed", zap.Error(err))
		return
	}
	for _, a := range expired {
		if _, err := s.End(ctx, a.ID); err != nil {
			s.logger.Error("ending expired auction failed",
				zap.String("auction_id", a.ID.String()), zap.Error(err))
		}
	}
}

// End transitions one auction and, if this call performed the transition,
// publishes the ended event and fans the close out to connected clients.
// Callers may invoke it from any replica at any time.
func (s *Scheduler) End(ctx context.Context, auctionID uuid.UUID) (*auction.EndResult, error) {
	result, err := s.store.EndAuction(ctx, auctionID)
	if err != nil {
		return nil, err
	}
	if !result.Transitioned {
		return result, nil
	}

	s.metrics.AuctionsEnded.Inc()
	a := result.Auction

	evt := events.AuctionEndedEvent{
		AuctionID:    a.ID,
		ItemID:       a.ItemID,
		WinnerID:     a.WinnerID,
		FinalAmount:  a.CurrentHighestBid.String(),
		HasBids:      a.HasBids(),
		Participants: result.Participants,
		EndedAt:      a.UpdatedAt,
	}
	if !evt.HasBids {
		// The winner column tracks the top bidder; without bids there is none.
		evt.WinnerID = nil
	}

	if err := s.bus.Publish(ctx, events.StreamAuctionEnded, evt); err != nil {
		// The auction is already ENDED in the store. Consumers will miss the
		// event until an operator replays it, so this is loud.
		s.logger.Error("auction ended event publish failed",
			zap.String("auction_id", a.ID.String()), zap.Error(err))
	} else {
		s.metrics.EventsPublished.WithLabelValues(events.StreamAuctionEnded).Inc()
	}

	broadcast := cache.EndedBroadcast{
		Origin:      s.replicaID,
		AuctionID:   a.ID,
		ItemID:      a.ItemID,
		WinnerID:    evt.WinnerID,
		FinalAmount: a.CurrentHighestBid.String(),
		HasBids:     evt.HasBids,
		EndedAt:     a.UpdatedAt,
	}
	s.fanout.BroadcastEnded(broadcast)
	if err := s.fanout.PublishEnded(ctx, broadcast); err != nil {
		s.logger.Warn("cross-replica ended publish failed",
			zap.String("auction_id", a.ID.String()), zap.Error(err))
	}

	s.logger.Info("auction ended",
		zap.String("auction_id", a.ID.String()),
		zap.Bool("has_bids", evt.HasBids),
		zap.Int("participants", len(result.Participants)))
	return result, nil
}
