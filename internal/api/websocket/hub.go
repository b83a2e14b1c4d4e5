package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/bidwire/auction-backend/internal/domain/auction"
	"github.com/bidwire/auction-backend/internal/domain/values"
	"github.com/bidwire/auction-backend/internal/infrastructure/cache"
	"github.com/bidwire/auction-backend/internal/infrastructure/events"
	"github.com/bidwire/auction-backend/internal/metrics"
)

// Subscriber provides the cross-replica pub/sub feeds the hub listens on.
type Subscriber interface {
	SubscribeBids(ctx context.Context) *redis.PubSub
	SubscribeEnded(ctx context.Context) *redis.PubSub
}

// Hub owns the per-auction rooms on this replica: who is subscribed, what
// the last broadcast highest was, and which users are present. Broadcasts
// enqueue to each member's bounded send buffer; a member that cannot keep up
// is disconnected rather than allowed to stall the room.
type Hub struct {
	replicaID  string
	subscriber Subscriber
	metrics    *metrics.Metrics
	logger     *zap.Logger

	mu          sync.RWMutex
	rooms       map[uuid.UUID]map[*Client]struct{}
	lastHighest map[uuid.UUID]values.BidAmount
	presence    map[uuid.UUID]map[*Client]struct{}
}

func NewHub(replicaID string, subscriber Subscriber, m *metrics.Metrics, logger *zap.Logger) *Hub {
	return &Hub{
		replicaID:   replicaID,
		subscriber:  subscriber,
		metrics:     m,
		logger:      logger,
		rooms:       make(map[uuid.UUID]map[*Client]struct{}),
		lastHighest: make(map[uuid.UUID]values.BidAmount),
		presence:    make(map[uuid.UUID]map[*Client]struct{}),
	}
}

// Register adds an authenticated connection to the presence registry.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	if h.presence[c.UserID] == nil {
		h.presence[c.UserID] = make(map[*Client]struct{})
	}
	h.presence[c.UserID][c] = struct{}{}
	h.mu.Unlock()
	h.metrics.ConnectionsOpen.Inc()
}

// Unregister removes a connection from presence and every room it joined.
func (h *Hub) Unregister(c *Client) {
	for _, auctionID := range c.Rooms() {
		h.Leave(c, auctionID)
	}
	h.mu.Lock()
	if conns := h.presence[c.UserID]; conns != nil {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.presence, c.UserID)
		}
	}
	h.mu.Unlock()
	h.metrics.ConnectionsOpen.Dec()
}

// Join subscribes a connection to an auction room and returns the member
// count after joining.
func (h *Hub) Join(c *Client, auctionID uuid.UUID) int {
	h.mu.Lock()
	room := h.rooms[auctionID]
	if room == nil {
		room = make(map[*Client]struct{})
		h.rooms[auctionID] = room
	}
	room[c] = struct{}{}
	count := len(room)
	h.mu.Unlock()

	c.trackRoom(auctionID)
	h.metrics.RoomSubscribers.WithLabelValues(auctionID.String()).Set(float64(count))
	return count
}

// Leave unsubscribes a connection; empty rooms are discarded.
func (h *Hub) Leave(c *Client, auctionID uuid.UUID) {
	h.mu.Lock()
	room := h.rooms[auctionID]
	if room != nil {
		delete(room, c)
		if len(room) == 0 {
			delete(h.rooms, auctionID)
			delete(h.lastHighest, auctionID)
		}
	}
	count := len(room)
	h.mu.Unlock()

	c.untrackRoom(auctionID)
	h.metrics.RoomSubscribers.WithLabelValues(auctionID.String()).Set(float64(count))
}

// RoomSize returns the current member count of a room.
func (h *Hub) RoomSize(auctionID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[auctionID])
}

// BroadcastBid fans an accepted bid out to the room. Bids at or below the
// last broadcast highest are stale (cross-replica reordering) and dropped.
func (h *Hub) BroadcastBid(auctionID uuid.UUID, summary auction.BidSummary) {
	h.mu.Lock()
	if last, ok := h.lastHighest[auctionID]; ok && !summary.Amount.GreaterThan(last) {
		h.mu.Unlock()
		return
	}
	h.lastHighest[auctionID] = summary.Amount
	members := h.roomMembersLocked(auctionID)
	h.mu.Unlock()

	frame := encode(TypeNewBid, BidView{
		BidID:     summary.BidID,
		AuctionID: summary.AuctionID,
		Amount:    summary.Amount.String(),
		UserID:    summary.UserID,
		Username:  summary.Username,
		Timestamp: summary.PlacedAt,
	})
	h.deliver(members, frame)
}

// BroadcastEnded announces the close to the room and forgets its local
// state; the room itself lingers until members leave.
func (h *Hub) BroadcastEnded(b cache.EndedBroadcast) {
	h.mu.Lock()
	members := h.roomMembersLocked(b.AuctionID)
	delete(h.lastHighest, b.AuctionID)
	h.mu.Unlock()

	payload := AuctionEndedPayload{AuctionID: b.AuctionID}
	if b.HasBids {
		payload.WinnerUserID = b.WinnerID
		payload.WinningAmount = b.FinalAmount
	}
	h.deliver(members, encode(TypeAuctionEnded, payload))
}

// Deliver hands a notification to every connection the user has on this
// replica. Returns false when the user is not connected here.
func (h *Hub) Deliver(userID uuid.UUID, n events.UserNotification) bool {
	h.mu.RLock()
	conns := make([]*Client, 0, len(h.presence[userID]))
	for c := range h.presence[userID] {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	if len(conns) == 0 {
		return false
	}
	frame := encode(TypeUserNotification, UserNotificationPayload{Kind: n.Kind, Payload: n})
	delivered := false
	for _, c := range conns {
		if c.Enqueue(frame) {
			delivered = true
		} else {
			h.dropSlow(c)
		}
	}
	return delivered
}

// Run pumps the cross-replica feeds into local rooms until ctx is
// cancelled. Messages published by this replica are skipped; the local
// broadcast already happened in submission order.
func (h *Hub) Run(ctx context.Context) error {
	bids := h.subscriber.SubscribeBids(ctx)
	defer bids.Close()
	ended := h.subscriber.SubscribeEnded(ctx)
	defer ended.Close()

	bidCh := bids.Channel()
	endedCh := ended.Channel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-bidCh:
			if !ok {
				return nil
			}
			h.handleRemoteBid(msg.Payload)
		case msg, ok := <-endedCh:
			if !ok {
				return nil
			}
			h.handleRemoteEnded(msg.Payload)
		}
	}
}

func (h *Hub) handleRemoteBid(payload string) {
	var b cache.BidBroadcast
	if err := json.Unmarshal([]byte(payload), &b); err != nil {
		h.logger.Warn("dropping malformed bid broadcast", zap.Error(err))
		return
	}
	if b.Origin == h.replicaID {
		return
	}
	h.BroadcastBid(b.Bid.AuctionID, b.Bid)
}

func (h *Hub) handleRemoteEnded(payload string) {
	var b cache.EndedBroadcast
	if err := json.Unmarshal([]byte(payload), &b); err != nil {
		h.logger.Warn("dropping malformed ended broadcast", zap.Error(err))
		return
	}
	if b.Origin == h.replicaID {
		return
	}
	h.BroadcastEnded(b)
}

// roomMembersLocked snapshots a room under h.mu so delivery happens without
// holding the lock.
func (h *Hub) roomMembersLocked(auctionID uuid.UUID) []*Client {
	room := h.rooms[auctionID]
	members := make([]*Client, 0, len(room))
	for c := range room {
		members = append(members, c)
	}
	return members
}

func (h *Hub) deliver(members []*Client, frame []byte) {
	for _, c := range members {
		if !c.Enqueue(frame) {
			h.dropSlow(c)
		}
	}
}

// dropSlow disconnects a member whose send buffer overflowed. Unregister
// runs on the connection's own teardown path.
func (h *Hub) dropSlow(c *Client) {
	h.metrics.SlowConsumers.Inc()
	h.logger.Warn("disconnecting slow consumer",
		zap.String("user_id", c.UserID.String()),
		zap.String("username", c.Username))
	c.Close()
}
