package websocket

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/bidwire/auction-backend/internal/domain/auction"
	"github.com/bidwire/auction-backend/internal/domain/errors"
	"github.com/bidwire/auction-backend/internal/domain/values"
	"github.com/bidwire/auction-backend/internal/infrastructure/auth"
	"github.com/bidwire/auction-backend/internal/infrastructure/cache"
	"github.com/bidwire/auction-backend/internal/service/bidding"
)

const requestTimeout = 10 * time.Second

// BidService is the submit pipeline plus the room snapshot read.
type BidService interface {
	Submit(ctx context.Context, auctionID, userID uuid.UUID, username string, amount values.BidAmount) (*auction.PlaceBidResult, error)
	Snapshot(ctx context.Context, auctionID uuid.UUID) (*bidding.Snapshot, error)
}

// Ender closes an auction on demand when a read path observes it expired.
type Ender interface {
	End(ctx context.Context, auctionID uuid.UUID) (*auction.EndResult, error)
}

// UserStore resolves authenticated users against the durable record.
type UserStore interface {
	GetUser(ctx context.Context, id uuid.UUID) (*auction.User, error)
}

// SessionStore records connected-user state in the hot state.
type SessionStore interface {
	SetSession(ctx context.Context, s cache.Session) error
	ClearSession(ctx context.Context, userID uuid.UUID) error
	AddWatcher(ctx context.Context, auctionID, userID uuid.UUID) error
}

// HistoryStore serves the bid history read.
type HistoryStore interface {
	ListBids(ctx context.Context, auctionID uuid.UUID, limit int) ([]auction.BidSummary, error)
}

// GatewayConfig bounds each connection.
type GatewayConfig struct {
	ReplicaID      string
	InflightCap    int
	Conn           ConnConfig
	MessagesPerSec rate.Limit
	MessageBurst   int
	SnapshotBids   int
	HistoryBids    int
}

// Gateway upgrades, authenticates, and dispatches WebSocket sessions. Every
// inbound message kind has an entry in the dispatch table; unknown kinds get
// an error frame.
type Gateway struct {
	tokens   *auth.TokenService
	bids     BidService
	history  HistoryStore
	ender    Ender
	sessions SessionStore
	users    UserStore
	hub      *Hub
	cfg      GatewayConfig
	logger   *zap.Logger
	upgrader websocket.Upgrader

	dispatch map[string]func(ctx context.Context, c *Client, data json.RawMessage)
}

func NewGateway(tokens *auth.TokenService, bids BidService, history HistoryStore, ender Ender, sessions SessionStore, users UserStore, hub *Hub, cfg GatewayConfig, logger *zap.Logger) *Gateway {
	if cfg.SnapshotBids == 0 {
		cfg.SnapshotBids = 20
	}
	if cfg.HistoryBids == 0 {
		cfg.HistoryBids = 50
	}
	g := &Gateway{
		tokens:   tokens,
		bids:     bids,
		history:  history,
		ender:    ender,
		sessions: sessions,
		users:    users,
		hub:      hub,
		cfg:      cfg,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	g.dispatch = map[string]func(ctx context.Context, c *Client, data json.RawMessage){
		TypeJoinAuction:   g.handleJoinAuction,
		TypePlaceBid:      g.handlePlaceBid,
		TypeGetBidHistory: g.handleGetBidHistory,
	}
	return g
}

// ServeHTTP runs the full session: upgrade, authenticate, pump messages,
// tear down. It blocks until the connection closes.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	claims, err := g.tokens.Verify(bearerToken(r))
	if err != nil {
		g.rejectHandshake(conn, "authentication failed")
		return
	}

	// A valid token is not enough; the subject must still exist and be active.
	u, err := g.users.GetUser(r.Context(), claims.UserID)
	if err != nil || !u.IsActive {
		if err != nil && !stderrors.Is(err, errors.ErrUserNotFound) {
			g.logger.Warn("user lookup failed during handshake",
				zap.String("user_id", claims.UserID.String()), zap.Error(err))
		}
		g.rejectHandshake(conn, "authentication failed")
		return
	}

	c := NewClient(conn, u.ID, u.Username, g.cfg.Conn, g.logger)
	g.runSession(r.Context(), c)
}

func (g *Gateway) rejectHandshake(conn *websocket.Conn, message string) {
	conn.SetWriteDeadline(time.Now().Add(g.cfg.Conn.WriteTimeout))
	conn.WriteMessage(websocket.TextMessage,
		encode(TypeError, ErrorPayload{Message: message}))
	conn.Close()
}

func (g *Gateway) runSession(ctx context.Context, c *Client) {
	g.hub.Register(c)

	sessionCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := g.sessions.SetSession(sessionCtx, cache.Session{
		UserID:      c.UserID,
		Username:    c.Username,
		ReplicaID:   g.cfg.ReplicaID,
		ConnectedAt: time.Now().UTC(),
	}); err != nil {
		g.logger.Warn("session registration failed",
			zap.String("user_id", c.UserID.String()), zap.Error(err))
	}

	c.Enqueue(encode(TypeConnected, ConnectedPayload{
		UserID:   c.UserID,
		Username: c.Username,
	}))

	go c.writePump()

	inflight := make(chan struct{}, g.cfg.InflightCap)
	limiter := rate.NewLimiter(g.cfg.MessagesPerSec, g.cfg.MessageBurst)

	c.readPump(func(env Envelope) {
		if !limiter.Allow() {
			c.Enqueue(encode(TypeError, ErrorPayload{Message: "message rate exceeded"}))
			return
		}

		handler, ok := g.dispatch[env.Type]
		if !ok {
			c.Enqueue(encode(TypeError, ErrorPayload{Message: "unknown message type"}))
			return
		}

		select {
		case inflight <- struct{}{}:
		default:
			c.Enqueue(encode(TypeError, ErrorPayload{Message: "too many requests in flight"}))
			return
		}
		go func() {
			defer func() { <-inflight }()
			reqCtx, reqCancel := context.WithTimeout(sessionCtx, requestTimeout)
			defer reqCancel()
			handler(reqCtx, c, env.Data)
		}()
	})

	g.hub.Unregister(c)
	if err := g.sessions.ClearSession(sessionCtx, c.UserID); err != nil {
		g.logger.Warn("session cleanup failed",
			zap.String("user_id", c.UserID.String()), zap.Error(err))
	}
	g.logger.Debug("session closed", zap.String("user_id", c.UserID.String()))
}

func (g *Gateway) handleJoinAuction(ctx context.Context, c *Client, data json.RawMessage) {
	var req JoinAuctionRequest
	if err := json.Unmarshal(data, &req); err != nil || req.AuctionID == uuid.Nil {
		c.Enqueue(encode(TypeError, ErrorPayload{Message: "invalid joinAuction payload"}))
		return
	}

	snap, err := g.bids.Snapshot(ctx, req.AuctionID)
	if err != nil {
		c.Enqueue(encode(TypeError, ErrorPayload{Message: errors.Code(err)}))
		return
	}

	// A read observing an expired ACTIVE auction closes it before replying.
	if snap.Auction.Status == auction.StatusActive && snap.Auction.Expired(time.Now().UTC()) {
		if result, err := g.ender.End(ctx, req.AuctionID); err == nil {
			snap.Auction = result.Auction
		} else {
			g.logger.Warn("on-demand auction end failed",
				zap.String("auction_id", req.AuctionID.String()), zap.Error(err))
		}
	}

	count := g.hub.Join(c, req.AuctionID)
	if err := g.sessions.AddWatcher(ctx, req.AuctionID, c.UserID); err != nil {
		g.logger.Warn("watcher registration failed",
			zap.String("auction_id", req.AuctionID.String()), zap.Error(err))
	}

	payload := JoinedAuctionPayload{
		AuctionID: req.AuctionID,
		Snapshot:  g.snapshotPayload(snap, count),
	}
	c.Enqueue(encode(TypeJoinedAuction, payload))

	if payload.Snapshot.CurrentHighest != nil {
		c.Enqueue(encode(TypeCurrentHighestBid, *payload.Snapshot.CurrentHighest))
	}
}

func (g *Gateway) handlePlaceBid(ctx context.Context, c *Client, data json.RawMessage) {
	var req PlaceBidRequest
	if err := json.Unmarshal(data, &req); err != nil {
		c.Enqueue(encode(TypeBidError, placeBidDecodeError(data)))
		return
	}
	if req.AuctionID == uuid.Nil {
		c.Enqueue(encode(TypeBidError, BidErrorPayload{
			Code:    CodeBidValidation,
			Message: "placeBid requires an auctionId",
		}))
		return
	}

	result, err := g.bids.Submit(ctx, req.AuctionID, c.UserID, c.Username, req.Amount)
	if err != nil {
		c.Enqueue(encode(TypeBidError, bidError(err)))
		return
	}

	c.Enqueue(encode(TypeBidPlaced, BidPlacedPayload{
		BidID:  result.Bid.ID,
		Amount: result.Bid.Amount.String(),
	}))
}

func (g *Gateway) handleGetBidHistory(ctx context.Context, c *Client, data json.RawMessage) {
	var req GetBidHistoryRequest
	if err := json.Unmarshal(data, &req); err != nil || req.AuctionID == uuid.Nil {
		c.Enqueue(encode(TypeError, ErrorPayload{Message: "invalid getBidHistory payload"}))
		return
	}

	bids, err := g.history.ListBids(ctx, req.AuctionID, g.cfg.HistoryBids)
	if err != nil {
		c.Enqueue(encode(TypeError, ErrorPayload{Message: errors.Code(err)}))
		return
	}

	views := make([]BidView, 0, len(bids))
	for _, b := range bids {
		views = append(views, bidView(b))
	}
	c.Enqueue(encode(TypeBidHistory, views))
}

func (g *Gateway) snapshotPayload(snap *bidding.Snapshot, participantCount int) SnapshotPayload {
	payload := SnapshotPayload{
		RecentBids:       make([]BidView, 0, g.cfg.SnapshotBids),
		ParticipantCount: participantCount,
		EndTime:          snap.Auction.EndTime,
		Status:           snap.Auction.Status.String(),
	}
	for i, b := range snap.History {
		if i >= g.cfg.SnapshotBids {
			break
		}
		payload.RecentBids = append(payload.RecentBids, bidView(b))
	}
	if snap.Highest != nil {
		payload.CurrentHighest = &HighestBidPayload{
			Amount:    snap.Highest.Amount.String(),
			UserID:    snap.Highest.UserID,
			Username:  snap.Highest.Username,
			Timestamp: snap.Highest.PlacedAt,
		}
	}
	return payload
}

func bidView(b auction.BidSummary) BidView {
	return BidView{
		BidID:     b.BidID,
		AuctionID: b.AuctionID,
		Amount:    b.Amount.String(),
		UserID:    b.UserID,
		Username:  b.Username,
		Timestamp: b.PlacedAt,
	}
}

// placeBidDecodeError classifies a placeBid payload that failed to decode.
// When the envelope itself is sound and only the amount is unparseable, the
// amount-specific code is reported.
func placeBidDecodeError(data json.RawMessage) BidErrorPayload {
	var shape struct {
		AuctionID uuid.UUID       `json:"auctionId"`
		Amount    json.RawMessage `json:"amount"`
	}
	if err := json.Unmarshal(data, &shape); err == nil && shape.AuctionID != uuid.Nil {
		return BidErrorPayload{Code: CodeInvalidAmount, Message: "invalid bid amount"}
	}
	return BidErrorPayload{Code: CodeBidValidation, Message: "invalid placeBid payload"}
}

// bidError maps domain rejections onto the three wire codes.
func bidError(err error) BidErrorPayload {
	switch {
	case errors.IsType(err, errors.ErrorTypeRateLimit):
		return BidErrorPayload{Code: CodeRateLimitExceeded, Message: "Too many bids, slow down"}
	case errors.IsType(err, errors.ErrorTypeValidation):
		return BidErrorPayload{Code: CodeInvalidAmount, Message: err.Error()}
	case errors.IsType(err, errors.ErrorTypeInternal),
		errors.IsType(err, errors.ErrorTypeExternal):
		return BidErrorPayload{Code: CodeBidValidation, Message: "Bid could not be processed"}
	default:
		return BidErrorPayload{Code: CodeBidValidation, Message: err.Error()}
	}
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}
