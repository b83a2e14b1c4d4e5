package bidding

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/bidwire/auction-backend/internal/domain/auction"
	"github.com/bidwire/auction-backend/internal/domain/values"
)

// Store is the durable system of record for auctions and bids.
type Store interface {
	GetAuction(ctx context.Context, id uuid.UUID) (*auction.Auction, error)
	PlaceBid(ctx context.Context, auctionID, userID uuid.UUID, amount, minIncrement values.BidAmount) (*auction.PlaceBidResult, error)
	ListBids(ctx context.Context, auctionID uuid.UUID, limit int) ([]auction.BidSummary, error)
}

// HotState is the best-effort cache and fan-out layer. Every method may fail
// without affecting bid acceptance.
type HotState interface {
	SetHighest(ctx context.Context, summary auction.BidSummary) error
	GetHighest(ctx context.Context, auctionID uuid.UUID) (*auction.BidSummary, error)
	AppendHistory(ctx context.Context, summary auction.BidSummary) error
	GetHistory(ctx context.Context, auctionID uuid.UUID) ([]auction.BidSummary, error)
	IncrRate(ctx context.Context, userID, auctionID uuid.UUID, window time.Duration, limit int64) (int64, error)
	PublishBid(ctx context.Context, origin string, summary auction.BidSummary) error
}

// EventPublisher appends domain events to the durable bus.
type EventPublisher interface {
	Publish(ctx context.Context, stream string, payload interface{}) error
}

// Broadcaster fans a message out to every subscriber of an auction room on
// this replica.
type Broadcaster interface {
	BroadcastBid(auctionID uuid.UUID, summary auction.BidSummary)
}
