package auction

import (
	"time"

	"github.com/google/uuid"

	"github.com/bidwire/auction-backend/internal/domain/values"
)

// Bid is an accepted offer on an auction. PlacedAt is server-assigned inside
// the placing transaction and is monotonic within an auction.
type Bid struct {
	ID        uuid.UUID        `json:"id"`
	AuctionID uuid.UUID        `json:"auction_id"`
	UserID    uuid.UUID        `json:"user_id"`
	Amount    values.BidAmount `json:"amount"`
	PlacedAt  time.Time        `json:"placed_at"`
}

// BidSummary is the derived hot-state view of the current highest bid,
// reconcilable from the Store at any time.
type BidSummary struct {
	BidID     uuid.UUID        `json:"bid_id"`
	AuctionID uuid.UUID        `json:"auction_id"`
	UserID    uuid.UUID        `json:"user_id"`
	Username  string           `json:"username"`
	Amount    values.BidAmount `json:"amount"`
	PlacedAt  time.Time        `json:"placed_at"`
}

// PlaceBidResult carries everything the bid pipeline needs after acceptance
// so no follow-up reads race with later bids.
type PlaceBidResult struct {
	Bid      *Bid
	Auction  *Auction
	Username string
}

// EndResult reports the outcome of an end-auction call. Transitioned is true
// only for the call that actually moved the auction out of ACTIVE, so the
// ended event publishes exactly once across replicas.
type EndResult struct {
	Auction      *Auction
	Participants []uuid.UUID
	Transitioned bool
}

// Summary projects a bid into its hot-state form
func (b *Bid) Summary(username string) BidSummary {
	return BidSummary{
		BidID:     b.ID,
		AuctionID: b.AuctionID,
		UserID:    b.UserID,
		Username:  username,
		Amount:    b.Amount,
		PlacedAt:  b.PlacedAt,
	}
}
