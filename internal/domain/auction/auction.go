package auction

import (
	"time"

	"github.com/google/uuid"

	"github.com/bidwire/auction-backend/internal/domain/values"
)

// Auction is a time-bounded ascending-price contest for a single item.
// CurrentHighestBid starts at StartingBid and is non-decreasing; the Store
// row is the single point of serialization for all bids on the auction.
type Auction struct {
	ID                uuid.UUID        `json:"id"`
	ItemID            string           `json:"item_id"`
	StartTime         time.Time        `json:"start_time"`
	EndTime           time.Time        `json:"end_time"`
	StartingBid       values.BidAmount `json:"starting_bid"`
	CurrentHighestBid values.BidAmount `json:"current_highest_bid"`
	WinnerID          *uuid.UUID       `json:"winner_id,omitempty"`
	Status            Status           `json:"status"`
	CreatedAt         time.Time        `json:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at"`
}

type Status int

const (
	StatusActive Status = iota
	StatusEnded
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusEnded:
		return "ended"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// ParseStatus converts a stored status string back to a Status
func ParseStatus(s string) Status {
	switch s {
	case "active":
		return StatusActive
	case "ended":
		return StatusEnded
	case "cancelled":
		return StatusCancelled
	default:
		return StatusEnded
	}
}

// IsTerminal reports whether the status admits no further transitions
func (s Status) IsTerminal() bool {
	return s == StatusEnded || s == StatusCancelled
}

// NewAuction creates an ACTIVE auction with the highest bid seeded from the
// starting bid
func NewAuction(itemID string, startTime, endTime time.Time, startingBid values.BidAmount) *Auction {
	now := time.Now().UTC()
	return &Auction{
		ID:                uuid.New(),
		ItemID:            itemID,
		StartTime:         startTime,
		EndTime:           endTime,
		StartingBid:       startingBid,
		CurrentHighestBid: startingBid,
		Status:            StatusActive,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

// Expired reports whether the auction's end time has passed
func (a *Auction) Expired(now time.Time) bool {
	return !now.Before(a.EndTime)
}

// AcceptsBids reports whether a bid may be placed at the given instant
func (a *Auction) AcceptsBids(now time.Time) bool {
	return a.Status == StatusActive && !a.Expired(now)
}

// HasBids reports whether any bid has been accepted. The highest bid equals
// the starting bid until the first acceptance, so the comparison is exact.
func (a *Auction) HasBids() bool {
	return a.CurrentHighestBid.GreaterThan(a.StartingBid)
}
