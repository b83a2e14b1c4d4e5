package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/bidwire/auction-backend/internal/domain/auction"
)

// Key layout and TTLs. The hot state is a disposable derivative of the
// Store; every entry expires on its own and can be rebuilt from Postgres.
const (
	highestBidTTL = time.Hour
	historyTTL    = 7 * 24 * time.Hour
	historyLen    = 50
	sessionTTL    = 2 * time.Hour
	deliveryTTL   = 7 * 24 * time.Hour
)

func highestKey(auctionID uuid.UUID) string {
	return fmt.Sprintf("auction:%s:highest", auctionID)
}

func historyKey(auctionID uuid.UUID) string {
	return fmt.Sprintf("auction:%s:history", auctionID)
}

func sessionKey(userID uuid.UUID) string {
	return fmt.Sprintf("session:%s", userID)
}

func rateKey(userID, auctionID uuid.UUID) string {
	return fmt.Sprintf("rate_limit:%s:%s", userID, auctionID)
}

func deliveryKey(auctionID, userID uuid.UUID, kind string) string {
	return fmt.Sprintf("notify:delivered:%s:%s:%s", auctionID, userID, kind)
}

func watchersKey(auctionID uuid.UUID) string {
	return fmt.Sprintf("auction:%s:watchers", auctionID)
}

// BidChannel is the pub/sub channel carrying accepted bids for one auction.
func BidChannel(auctionID uuid.UUID) string {
	return fmt.Sprintf("auction:%s:bids", auctionID)
}

const (
	bidChannelPattern   = "auction:*:bids"
	endedChannelPattern = "auction:*:ended"
)

// EndedChannel is the pub/sub channel announcing an auction's close.
func EndedChannel(auctionID uuid.UUID) string {
	return fmt.Sprintf("auction:%s:ended", auctionID)
}

// BidBroadcast is the cross-replica fan-out payload. Origin lets a replica
// skip messages it published itself, since it already broadcast locally.
type BidBroadcast struct {
	Origin string             `json:"origin"`
	Bid    auction.BidSummary `json:"bid"`
}

// HotState is the Redis-backed low-latency view of live auctions. All reads
// and writes here are best effort; callers treat errors as cache misses and
// fall back to the Store.
type HotState struct {
	client *redis.Client
	logger *zap.Logger
}

func NewHotState(client *redis.Client, logger *zap.Logger) *HotState {
	return &HotState{client: client, logger: logger}
}

// SetHighest caches the current highest bid for an auction.
func (h *HotState) SetHighest(ctx context.Context, summary auction.BidSummary) error {
	data, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("marshaling bid summary: %w", err)
	}
	if err := h.client.Set(ctx, highestKey(summary.AuctionID), data, highestBidTTL).Err(); err != nil {
		return fmt.Errorf("caching highest bid: %w", err)
	}
	return nil
}

// GetHighest returns the cached highest bid, or (nil, nil) on a miss.
func (h *HotState) GetHighest(ctx context.Context, auctionID uuid.UUID) (*auction.BidSummary, error) {
	data, err := h.client.Get(ctx, highestKey(auctionID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading highest bid: %w", err)
	}
	var summary auction.BidSummary
	if err := json.Unmarshal(data, &summary); err != nil {
		return nil, fmt.Errorf("unmarshaling bid summary: %w", err)
	}
	return &summary, nil
}

// AppendHistory prepends a bid to the auction's recent-bid list, trimmed to
// the newest entries.
func (h *HotState) AppendHistory(ctx context.Context, summary auction.BidSummary) error {
	data, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("marshaling bid summary: %w", err)
	}
	key := historyKey(summary.AuctionID)
	pipe := h.client.Pipeline()
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, historyLen-1)
	pipe.Expire(ctx, key, historyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("appending bid history: %w", err)
	}
	return nil
}

// GetHistory returns the cached recent bids, newest first.
func (h *HotState) GetHistory(ctx context.Context, auctionID uuid.UUID) ([]auction.BidSummary, error) {
	items, err := h.client.LRange(ctx, historyKey(auctionID), 0, historyLen-1).Result()
	if err != nil {
		return nil, fmt.Errorf("reading bid history: %w", err)
	}
	summaries := make([]auction.BidSummary, 0, len(items))
	for _, item := range items {
		var s auction.BidSummary
		if err := json.Unmarshal([]byte(item), &s); err != nil {
			h.logger.Warn("dropping malformed history entry", zap.Error(err))
			continue
		}
		summaries = append(summaries, s)
	}
	return summaries, nil
}

// Session state for connected users.

type Session struct {
	UserID      uuid.UUID `json:"user_id"`
	Username    string    `json:"username"`
	ReplicaID   string    `json:"replica_id"`
	ConnectedAt time.Time `json:"connected_at"`
}

func (h *HotState) SetSession(ctx context.Context, s Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshaling session: %w", err)
	}
	if err := h.client.Set(ctx, sessionKey(s.UserID), data, sessionTTL).Err(); err != nil {
		return fmt.Errorf("storing session: %w", err)
	}
	return nil
}

func (h *HotState) GetSession(ctx context.Context, userID uuid.UUID) (*Session, error) {
	data, err := h.client.Get(ctx, sessionKey(userID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading session: %w", err)
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("unmarshaling session: %w", err)
	}
	return &s, nil
}

func (h *HotState) ClearSession(ctx context.Context, userID uuid.UUID) error {
	if err := h.client.Del(ctx, sessionKey(userID)).Err(); err != nil {
		return fmt.Errorf("clearing session: %w", err)
	}
	return nil
}

// IncrRate counts a bid attempt in the user's per-auction window and returns
// the count so far. Hammering past twice the limit extends the window as a
// penalty.
func (h *HotState) IncrRate(ctx context.Context, userID, auctionID uuid.UUID, window time.Duration, limit int64) (int64, error) {
	key := rateKey(userID, auctionID)
	count, err := h.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("incrementing rate counter: %w", err)
	}
	if count == 1 {
		if err := h.client.Expire(ctx, key, window).Err(); err != nil {
			return count, fmt.Errorf("setting rate window: %w", err)
		}
	} else if count > 2*limit {
		if err := h.client.Expire(ctx, key, 5*window).Err(); err != nil {
			return count, fmt.Errorf("extending rate window: %w", err)
		}
	}
	return count, nil
}

// PublishBid fans an accepted bid out to all replicas. origin identifies the
// publishing replica so it can skip its own message on receipt.
func (h *HotState) PublishBid(ctx context.Context, origin string, summary auction.BidSummary) error {
	payload, err := json.Marshal(BidBroadcast{Origin: origin, Bid: summary})
	if err != nil {
		return fmt.Errorf("marshaling bid broadcast: %w", err)
	}
	if err := h.client.Publish(ctx, BidChannel(summary.AuctionID), payload).Err(); err != nil {
		return fmt.Errorf("publishing bid: %w", err)
	}
	return nil
}

// SubscribeBids subscribes to accepted-bid broadcasts for all auctions.
// The caller owns the returned PubSub and must Close it.
func (h *HotState) SubscribeBids(ctx context.Context) *redis.PubSub {
	return h.client.PSubscribe(ctx, bidChannelPattern)
}

// EndedBroadcast is the cross-replica fan-out payload for a closed auction.
type EndedBroadcast struct {
	Origin      string     `json:"origin"`
	AuctionID   uuid.UUID  `json:"auction_id"`
	ItemID      string     `json:"item_id"`
	WinnerID    *uuid.UUID `json:"winner_id,omitempty"`
	FinalAmount string     `json:"final_amount"`
	HasBids     bool       `json:"has_bids"`
	EndedAt     time.Time  `json:"ended_at"`
}

// PublishEnded fans an auction close out to all replicas.
func (h *HotState) PublishEnded(ctx context.Context, b EndedBroadcast) error {
	payload, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("marshaling ended broadcast: %w", err)
	}
	if err := h.client.Publish(ctx, EndedChannel(b.AuctionID), payload).Err(); err != nil {
		return fmt.Errorf("publishing auction end: %w", err)
	}
	return nil
}

// SubscribeEnded subscribes to auction-close broadcasts for all auctions.
func (h *HotState) SubscribeEnded(ctx context.Context) *redis.PubSub {
	return h.client.PSubscribe(ctx, endedChannelPattern)
}

// AddWatcher records a user as watching an auction. The set backs the
// no-bids notification at close and expires with the rest of the hot state.
func (h *HotState) AddWatcher(ctx context.Context, auctionID, userID uuid.UUID) error {
	key := watchersKey(auctionID)
	pipe := h.client.Pipeline()
	pipe.SAdd(ctx, key, userID.String())
	pipe.Expire(ctx, key, historyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("adding watcher: %w", err)
	}
	return nil
}

// ListWatchers returns the users who watched an auction.
func (h *HotState) ListWatchers(ctx context.Context, auctionID uuid.UUID) ([]uuid.UUID, error) {
	members, err := h.client.SMembers(ctx, watchersKey(auctionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("listing watchers: %w", err)
	}
	watchers := make([]uuid.UUID, 0, len(members))
	for _, m := range members {
		id, err := uuid.Parse(m)
		if err != nil {
			continue
		}
		watchers = append(watchers, id)
	}
	return watchers, nil
}

// WasDelivered reports whether a notification delivery is already recorded.
func (h *HotState) WasDelivered(ctx context.Context, auctionID, userID uuid.UUID, kind string) (bool, error) {
	n, err := h.client.Exists(ctx, deliveryKey(auctionID, userID, kind)).Result()
	if err != nil {
		return false, fmt.Errorf("checking delivery: %w", err)
	}
	return n > 0, nil
}

// MarkDelivered records that a notification was handed to its user. Returns
// false when an earlier delivery already claimed the key.
func (h *HotState) MarkDelivered(ctx context.Context, auctionID, userID uuid.UUID, kind string) (bool, error) {
	ok, err := h.client.SetNX(ctx, deliveryKey(auctionID, userID, kind), 1, deliveryTTL).Result()
	if err != nil {
		return false, fmt.Errorf("marking delivery: %w", err)
	}
	return ok, nil
}

// Health reports whether Redis is reachable.
func (h *HotState) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := h.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("hot state unreachable: %w", err)
	}
	return nil
}
