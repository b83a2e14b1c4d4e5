package websocket

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/bidwire/auction-backend/internal/domain/values"
)

// Envelope frames every message in both directions as {type, data}.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Client to server kinds.
const (
	TypeJoinAuction   = "joinAuction"
	TypePlaceBid      = "placeBid"
	TypeGetBidHistory = "getBidHistory"
)

// Server to client kinds.
const (
	TypeConnected         = "connected"
	TypeJoinedAuction     = "joinedAuction"
	TypeCurrentHighestBid = "currentHighestBid"
	TypeNewBid            = "newBid"
	TypeBidPlaced         = "bidPlaced"
	TypeBidError          = "bidError"
	TypeBidHistory        = "bidHistory"
	TypeAuctionEnded      = "auctionEnded"
	TypeUserNotification  = "userNotification"
	TypeError             = "error"
)

// Bid error codes surfaced to clients.
const (
	CodeRateLimitExceeded = "RATE_LIMIT_EXCEEDED"
	CodeInvalidAmount     = "INVALID_AMOUNT"
	CodeBidValidation     = "BID_VALIDATION_ERROR"
)

type JoinAuctionRequest struct {
	AuctionID uuid.UUID `json:"auctionId"`
}

type PlaceBidRequest struct {
	AuctionID uuid.UUID        `json:"auctionId"`
	Amount    values.BidAmount `json:"amount"`
}

type GetBidHistoryRequest struct {
	AuctionID uuid.UUID `json:"auctionId"`
}

type ConnectedPayload struct {
	UserID   uuid.UUID `json:"userId"`
	Username string    `json:"username"`
}

type BidView struct {
	BidID     uuid.UUID `json:"bidId"`
	AuctionID uuid.UUID `json:"auctionId"`
	Amount    string    `json:"amount"`
	UserID    uuid.UUID `json:"userId"`
	Username  string    `json:"username"`
	Timestamp time.Time `json:"timestamp"`
}

type HighestBidPayload struct {
	Amount    string    `json:"amount"`
	UserID    uuid.UUID `json:"userId"`
	Username  string    `json:"username"`
	Timestamp time.Time `json:"timestamp"`
}

type SnapshotPayload struct {
	CurrentHighest   *HighestBidPayload `json:"currentHighest,omitempty"`
	RecentBids       []BidView          `json:"recentBids"`
	ParticipantCount int                `json:"participantCount"`
	EndTime          time.Time          `json:"endTime"`
	Status           string             `json:"status"`
}

type JoinedAuctionPayload struct {
	AuctionID uuid.UUID       `json:"auctionId"`
	Snapshot  SnapshotPayload `json:"snapshot"`
}

type BidPlacedPayload struct {
	BidID  uuid.UUID `json:"bidId"`
	Amount string    `json:"amount"`
}

type BidErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type AuctionEndedPayload struct {
	AuctionID     uuid.UUID  `json:"auctionId"`
	WinnerUserID  *uuid.UUID `json:"winnerUserId,omitempty"`
	WinningAmount string     `json:"winningAmount,omitempty"`
}

type UserNotificationPayload struct {
	Kind    string      `json:"kind"`
	Payload interface{} `json:"payload"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

// encode frames a payload. Marshal errors are programmer errors and surface
// as a generic error frame.
func encode(msgType string, payload interface{}) []byte {
	data, err := json.Marshal(payload)
	if err != nil {
		fallback, _ := json.Marshal(Envelope{Type: TypeError})
		return fallback
	}
	framed, err := json.Marshal(Envelope{Type: msgType, Data: data})
	if err != nil {
		fallback, _ := json.Marshal(Envelope{Type: TypeError})
		return fallback
	}
	return framed
}
