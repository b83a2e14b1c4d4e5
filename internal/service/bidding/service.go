package bidding

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/bidwire/auction-backend/internal/domain/auction"
	"github.com/bidwire/auction-backend/internal/domain/errors"
	"github.com/bidwire/auction-backend/internal/domain/values"
	"github.com/bidwire/auction-backend/internal/infrastructure/events"
	"github.com/bidwire/auction-backend/internal/metrics"
)

// Config tunes the submit pipeline.
type Config struct {
	ReplicaID      string
	RateLimitCount int64
	RateWindow     time.Duration
	MaxBidAmount   values.BidAmount
	MinIncrement   values.BidAmount
	RetryAttempts  int
	RetryBackoff   time.Duration
}

// Service validates and accepts bids. The Store acceptance is synchronous;
// everything after acceptance (audit event, cache, fan-out) runs on a single
// background worker so side effects keep submission order.
type Service struct {
	store       Store
	hotState    HotState
	bus         EventPublisher
	broadcaster Broadcaster
	cfg         Config
	metrics     *metrics.Metrics
	logger      *zap.Logger
	tracer      trace.Tracer

	sideEffects chan *auction.PlaceBidResult
	done        chan struct{}

	mu      sync.RWMutex
	closing bool
}

func NewService(store Store, hotState HotState, bus EventPublisher, broadcaster Broadcaster, cfg Config, m *metrics.Metrics, logger *zap.Logger) *Service {
	s := &Service{
		store:       store,
		hotState:    hotState,
		bus:         bus,
		broadcaster: broadcaster,
		cfg:         cfg,
		metrics:     m,
		logger:      logger,
		tracer:      otel.Tracer("bidding"),
		sideEffects: make(chan *auction.PlaceBidResult, 1024),
		done:        make(chan struct{}),
	}
	go s.runSideEffects()
	return s
}

// Close stops accepting new side effects and drains the worker. Sessions may
// still be submitting when shutdown begins; their bids stay durable and only
// the fan-out is skipped.
func (s *Service) Close() {
	s.mu.Lock()
	if !s.closing {
		s.closing = true
		close(s.sideEffects)
	}
	s.mu.Unlock()
	<-s.done
}

// Submit runs the full bid pipeline: normalize, rate gate, durable
// acceptance, then asynchronous fan-out. The returned result reflects the
// auction state at the moment this bid was the highest.
func (s *Service) Submit(ctx context.Context, auctionID, userID uuid.UUID, username string, amount values.BidAmount) (result *auction.PlaceBidResult, err error) {
	start := time.Now()

	ctx, span := s.tracer.Start(ctx, "bidding.Submit",
		trace.WithAttributes(
			attribute.String("auction.id", auctionID.String()),
			attribute.String("bid.amount", amount.String()),
		))
	defer func() {
		if err != nil {
			span.SetStatus(codes.Error, errors.Code(err))
		}
		span.End()
	}()

	if !amount.IsPositive() {
		s.reject("INVALID_AMOUNT")
		return nil, errors.ErrInvalidAmount
	}
	if amount.GreaterThan(s.cfg.MaxBidAmount) {
		s.reject("AMOUNT_TOO_LARGE")
		return nil, errors.NewValidationError("AMOUNT_TOO_LARGE",
			"Bid amount exceeds the maximum allowed")
	}

	if err = s.rateGate(ctx, userID, auctionID); err != nil {
		return nil, err
	}

	result, err = s.placeWithRetry(ctx, auctionID, userID, amount)
	if err != nil {
		s.reject(errors.Code(err))
		return nil, err
	}
	if result.Username == "" {
		result.Username = username
	}

	s.metrics.BidsAccepted.Inc()
	s.metrics.BidsSubmitted.WithLabelValues("accepted").Inc()
	s.metrics.BidLatency.Observe(time.Since(start).Seconds())

	s.enqueueSideEffects(ctx, result)

	return result, nil
}

// enqueueSideEffects hands the accepted bid to the worker unless shutdown has
// already begun. The read lock keeps Close from closing the channel while a
// send is in flight.
func (s *Service) enqueueSideEffects(ctx context.Context, result *auction.PlaceBidResult) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closing {
		s.logger.Warn("side-effect worker stopped, skipping fan-out",
			zap.String("bid_id", result.Bid.ID.String()))
		return
	}
	select {
	case s.sideEffects <- result:
	case <-ctx.Done():
		// The bid is already durable; fan-out just loses its slot.
		s.logger.Warn("side-effect queue enqueue cancelled",
			zap.String("bid_id", result.Bid.ID.String()))
	}
}

// rateGate counts the attempt and rejects past the limit. Hot-state failures
// never block a bid, the gate fails open.
func (s *Service) rateGate(ctx context.Context, userID, auctionID uuid.UUID) error {
	count, err := s.hotState.IncrRate(ctx, userID, auctionID, s.cfg.RateWindow, s.cfg.RateLimitCount)
	if err != nil {
		s.logger.Warn("rate gate unavailable, failing open",
			zap.String("user_id", userID.String()), zap.Error(err))
		return nil
	}
	if count > s.cfg.RateLimitCount {
		s.metrics.RateLimited.Inc()
		s.reject("RATE_LIMIT_EXCEEDED")
		return errors.NewRateLimitError("Too many bids, slow down")
	}
	return nil
}

// placeWithRetry retries transient store conflicts with doubling backoff.
// Business rejections surface immediately.
func (s *Service) placeWithRetry(ctx context.Context, auctionID, userID uuid.UUID, amount values.BidAmount) (*auction.PlaceBidResult, error) {
	backoff := s.cfg.RetryBackoff
	var lastErr error
	for attempt := 0; attempt <= s.cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, errors.NewInternalError("bid submission cancelled").WithCause(ctx.Err())
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		result, err := s.store.PlaceBid(ctx, auctionID, userID, amount, s.cfg.MinIncrement)
		if err == nil {
			return result, nil
		}
		if !errors.IsRetryable(err) || errors.IsType(err, errors.ErrorTypeBusiness) {
			return nil, err
		}
		lastErr = err
		s.logger.Debug("retrying bid placement",
			zap.Int("attempt", attempt+1), zap.Error(err))
	}
	return nil, lastErr
}

// Snapshot returns the room state a client sees on join: the auction, its
// current highest bid, and recent history. Hot-state reads are preferred and
// fall back to the Store.
type Snapshot struct {
	Auction *auction.Auction
	Highest *auction.BidSummary
	History []auction.BidSummary
}

func (s *Service) Snapshot(ctx context.Context, auctionID uuid.UUID) (*Snapshot, error) {
	a, err := s.store.GetAuction(ctx, auctionID)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{Auction: a}

	highest, err := s.hotState.GetHighest(ctx, auctionID)
	if err != nil {
		s.logger.Warn("hot-state highest read failed, falling back",
			zap.String("auction_id", auctionID.String()), zap.Error(err))
	}
	snap.Highest = highest

	history, err := s.hotState.GetHistory(ctx, auctionID)
	if err != nil || len(history) == 0 {
		history, err = s.store.ListBids(ctx, auctionID, 50)
		if err != nil {
			return nil, err
		}
	}
	snap.History = history

	if snap.Highest == nil && len(history) > 0 {
		snap.Highest = &history[0]
	}
	return snap, nil
}

func (s *Service) reject(code string) {
	s.metrics.BidsSubmitted.WithLabelValues("rejected").Inc()
	s.metrics.BidsRejected.WithLabelValues(code).Inc()
}

// runSideEffects applies post-acceptance effects for each bid in order:
// hot-state cache, local room broadcast, cross-replica publish, then the
// durable audit event. Each step is independent; a failure logs and moves on.
func (s *Service) runSideEffects() {
	defer close(s.done)
	for result := range s.sideEffects {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		s.applySideEffects(ctx, result)
		cancel()
	}
}

func (s *Service) applySideEffects(ctx context.Context, result *auction.PlaceBidResult) {
	summary := result.Bid.Summary(result.Username)

	if err := s.hotState.SetHighest(ctx, summary); err != nil {
		s.logger.Warn("hot-state highest update failed",
			zap.String("auction_id", summary.AuctionID.String()), zap.Error(err))
	}
	if err := s.hotState.AppendHistory(ctx, summary); err != nil {
		s.logger.Warn("hot-state history update failed",
			zap.String("auction_id", summary.AuctionID.String()), zap.Error(err))
	}

	if s.broadcaster != nil {
		s.broadcaster.BroadcastBid(summary.AuctionID, summary)
	}

	if err := s.hotState.PublishBid(ctx, s.cfg.ReplicaID, summary); err != nil {
		s.logger.Warn("cross-replica bid publish failed",
			zap.String("auction_id", summary.AuctionID.String()), zap.Error(err))
	}

	audit := events.BidAuditEvent{
		BidID:     result.Bid.ID,
		AuctionID: result.Bid.AuctionID,
		UserID:    result.Bid.UserID,
		Username:  result.Username,
		Amount:    result.Bid.Amount.String(),
		PlacedAt:  result.Bid.PlacedAt,
	}
	if err := s.bus.Publish(ctx, events.StreamBidAudit, audit); err != nil {
		s.logger.Error("bid audit publish failed",
			zap.String("bid_id", result.Bid.ID.String()), zap.Error(err))
	} else {
		s.metrics.EventsPublished.WithLabelValues(events.StreamBidAudit).Inc()
	}
}
