package events

import (
	"time"

	"github.com/google/uuid"
)

// Stream names. Each stream has its own consumer group cursor; messages that
// exhaust their delivery budget land on the dead-letter stream.
const (
	StreamBidAudit     = "events:bid.audit"
	StreamAuctionEnded = "events:auction.ended"
	StreamNotifyUser   = "events:notify.user"
	StreamDeadLetter   = "events:dead.letter"
)

// Notification kinds delivered to users when an auction closes.
const (
	NotifyWon           = "WON"
	NotifyLost          = "LOST"
	NotifyNoBidsWatcher = "NO_BIDS_WATCHER"
)

// BidAuditEvent records an accepted bid for the audit trail. Amounts travel
// as decimal strings end to end.
type BidAuditEvent struct {
	BidID     uuid.UUID `json:"bid_id"`
	AuctionID uuid.UUID `json:"auction_id"`
	UserID    uuid.UUID `json:"user_id"`
	Username  string    `json:"username"`
	Amount    string    `json:"amount"`
	PlacedAt  time.Time `json:"placed_at"`
}

// AuctionEndedEvent is published exactly once per auction, by whichever
// replica actually performed the ACTIVE to ENDED transition.
type AuctionEndedEvent struct {
	AuctionID    uuid.UUID   `json:"auction_id"`
	ItemID       string      `json:"item_id"`
	WinnerID     *uuid.UUID  `json:"winner_id,omitempty"`
	FinalAmount  string      `json:"final_amount"`
	HasBids      bool        `json:"has_bids"`
	Participants []uuid.UUID `json:"participants,omitempty"`
	EndedAt      time.Time   `json:"ended_at"`
}

// UserNotification is one outcome message for one user. The dispatcher
// dedupes on (auction, user, kind) before handing it to the session.
type UserNotification struct {
	UserID    uuid.UUID `json:"user_id"`
	AuctionID uuid.UUID `json:"auction_id"`
	ItemID    string    `json:"item_id"`
	Kind      string    `json:"kind"`
	Amount    string    `json:"amount,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
