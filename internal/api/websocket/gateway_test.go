package websocket

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/bidwire/auction-backend/internal/domain/auction"
	"github.com/bidwire/auction-backend/internal/domain/errors"
	"github.com/bidwire/auction-backend/internal/domain/values"
	"github.com/bidwire/auction-backend/internal/infrastructure/auth"
	"github.com/bidwire/auction-backend/internal/infrastructure/cache"
	"github.com/bidwire/auction-backend/internal/metrics"
	"github.com/bidwire/auction-backend/internal/service/bidding"
)

type mockBidService struct{ mock.Mock }

func (m *mockBidService) Submit(ctx context.Context, auctionID, userID uuid.UUID, username string, amount values.BidAmount) (*auction.PlaceBidResult, error) {
	args := m.Called(ctx, auctionID, userID, username, amount)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*auction.PlaceBidResult), args.Error(1)
}

func (m *mockBidService) Snapshot(ctx context.Context, auctionID uuid.UUID) (*bidding.Snapshot, error) {
	args := m.Called(ctx, auctionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*bidding.Snapshot), args.Error(1)
}

type mockHistory struct{ mock.Mock }

func (m *mockHistory) ListBids(ctx context.Context, auctionID uuid.UUID, limit int) ([]auction.BidSummary, error) {
	args := m.Called(ctx, auctionID, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]auction.BidSummary), args.Error(1)
}

type mockEnder struct{ mock.Mock }

func (m *mockEnder) End(ctx context.Context, auctionID uuid.UUID) (*auction.EndResult, error) {
	args := m.Called(ctx, auctionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*auction.EndResult), args.Error(1)
}

type mockSessions struct{ mock.Mock }

func (m *mockSessions) SetSession(ctx context.Context, s cache.Session) error {
	return m.Called(ctx, s).Error(0)
}

func (m *mockSessions) ClearSession(ctx context.Context, userID uuid.UUID) error {
	return m.Called(ctx, userID).Error(0)
}

func (m *mockSessions) AddWatcher(ctx context.Context, auctionID, userID uuid.UUID) error {
	return m.Called(ctx, auctionID, userID).Error(0)
}

type mockUsers struct{ mock.Mock }

func (m *mockUsers) GetUser(ctx context.Context, id uuid.UUID) (*auction.User, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*auction.User), args.Error(1)
}

type gatewayFixture struct {
	bids     *mockBidService
	history  *mockHistory
	ender    *mockEnder
	sessions *mockSessions
	users    *mockUsers
	tokens   *auth.TokenService
	server   *httptest.Server
}

func newGatewayFixture(t *testing.T) *gatewayFixture {
	t.Helper()
	f := &gatewayFixture{
		bids:     &mockBidService{},
		history:  &mockHistory{},
		ender:    &mockEnder{},
		sessions: &mockSessions{},
		users:    &mockUsers{},
		tokens:   auth.NewTokenService("test-signing-key", time.Hour),
	}
	f.sessions.On("SetSession", mock.Anything, mock.Anything).Return(nil)
	f.sessions.On("ClearSession", mock.Anything, mock.Anything).Return(nil)

	hub := NewHub("replica-test", nil, metrics.New(), zap.NewNop())
	gw := NewGateway(f.tokens, f.bids, f.history, f.ender, f.sessions, f.users, hub, GatewayConfig{
		ReplicaID:      "replica-test",
		InflightCap:    10,
		Conn:           testConnConfig(64),
		MessagesPerSec: rate.Limit(100),
		MessageBurst:   100,
	}, zap.NewNop())

	f.server = httptest.NewServer(gw)
	t.Cleanup(f.server.Close)
	return f
}

// allowUser registers an active account for the token subject used in a test.
func (f *gatewayFixture) allowUser(userID uuid.UUID, username string) {
	f.users.On("GetUser", mock.Anything, userID).Return(&auction.User{
		ID:       userID,
		Username: username,
		IsActive: true,
	}, nil)
}

func (f *gatewayFixture) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var env Envelope
	require.NoError(t, conn.ReadJSON(&env))
	return env
}

func sendEnvelope(t *testing.T, conn *websocket.Conn, msgType string, payload interface{}) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(Envelope{Type: msgType, Data: data}))
}

func TestGateway_HandshakeRejectsBadToken(t *testing.T) {
	f := newGatewayFixture(t)
	conn := f.dial(t, "not-a-token")

	env := readEnvelope(t, conn)
	assert.Equal(t, TypeError, env.Type)

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err, "connection is closed after the error frame")
}

func TestGateway_HandshakeRejectsUnknownUser(t *testing.T) {
	f := newGatewayFixture(t)
	userID := uuid.New()
	token, err := f.tokens.Generate(userID, "ghost")
	require.NoError(t, err)
	f.users.On("GetUser", mock.Anything, userID).Return(nil, errors.ErrUserNotFound)

	conn := f.dial(t, token)
	env := readEnvelope(t, conn)
	assert.Equal(t, TypeError, env.Type)

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err, "connection is closed after the error frame")
}

func TestGateway_HandshakeRejectsInactiveUser(t *testing.T) {
	f := newGatewayFixture(t)
	userID := uuid.New()
	token, err := f.tokens.Generate(userID, "alice")
	require.NoError(t, err)
	f.users.On("GetUser", mock.Anything, userID).Return(&auction.User{
		ID:       userID,
		Username: "alice",
		IsActive: false,
	}, nil)

	conn := f.dial(t, token)
	env := readEnvelope(t, conn)
	assert.Equal(t, TypeError, env.Type)
}

func TestGateway_HandshakeSendsConnected(t *testing.T) {
	f := newGatewayFixture(t)
	userID := uuid.New()
	token, err := f.tokens.Generate(userID, "alice")
	require.NoError(t, err)
	f.allowUser(userID, "alice")

	conn := f.dial(t, token)
	env := readEnvelope(t, conn)
	require.Equal(t, TypeConnected, env.Type)

	var payload ConnectedPayload
	require.NoError(t, json.Unmarshal(env.Data, &payload))
	assert.Equal(t, userID, payload.UserID)
	assert.Equal(t, "alice", payload.Username)
}

func TestGateway_PlaceBidRoundTrip(t *testing.T) {
	f := newGatewayFixture(t)
	userID, auctionID := uuid.New(), uuid.New()
	token, err := f.tokens.Generate(userID, "alice")
	require.NoError(t, err)
	f.allowUser(userID, "alice")

	bidID := uuid.New()
	f.bids.On("Submit", mock.Anything, auctionID, userID, "alice", mock.Anything).
		Return(&auction.PlaceBidResult{
			Bid: &auction.Bid{
				ID:        bidID,
				AuctionID: auctionID,
				UserID:    userID,
				Amount:    values.MustBidAmount("150"),
				PlacedAt:  time.Now().UTC(),
			},
			Username: "alice",
		}, nil)

	conn := f.dial(t, token)
	readEnvelope(t, conn) // connected

	sendEnvelope(t, conn, TypePlaceBid, map[string]interface{}{
		"auctionId": auctionID, "amount": "150",
	})

	env := readEnvelope(t, conn)
	require.Equal(t, TypeBidPlaced, env.Type)
	var payload BidPlacedPayload
	require.NoError(t, json.Unmarshal(env.Data, &payload))
	assert.Equal(t, bidID, payload.BidID)
	assert.Equal(t, "150", payload.Amount)
}

func TestGateway_PlaceBidRejectionMapsCode(t *testing.T) {
	f := newGatewayFixture(t)
	userID, auctionID := uuid.New(), uuid.New()
	token, err := f.tokens.Generate(userID, "alice")
	require.NoError(t, err)
	f.allowUser(userID, "alice")

	f.bids.On("Submit", mock.Anything, auctionID, userID, "alice", mock.Anything).
		Return(nil, errors.ErrBidTooLow)

	conn := f.dial(t, token)
	readEnvelope(t, conn)

	sendEnvelope(t, conn, TypePlaceBid, map[string]interface{}{
		"auctionId": auctionID, "amount": "5",
	})

	env := readEnvelope(t, conn)
	require.Equal(t, TypeBidError, env.Type)
	var payload BidErrorPayload
	require.NoError(t, json.Unmarshal(env.Data, &payload))
	assert.Equal(t, CodeBidValidation, payload.Code)
}

func TestGateway_PlaceBidWithoutAuctionID(t *testing.T) {
	f := newGatewayFixture(t)
	userID := uuid.New()
	token, err := f.tokens.Generate(userID, "alice")
	require.NoError(t, err)
	f.allowUser(userID, "alice")

	conn := f.dial(t, token)
	readEnvelope(t, conn)

	sendEnvelope(t, conn, TypePlaceBid, map[string]interface{}{"amount": "50"})

	env := readEnvelope(t, conn)
	require.Equal(t, TypeBidError, env.Type)
	var payload BidErrorPayload
	require.NoError(t, json.Unmarshal(env.Data, &payload))
	assert.Equal(t, CodeBidValidation, payload.Code)
	f.bids.AssertNotCalled(t, "Submit")
}

func TestGateway_PlaceBidUnparseableAmount(t *testing.T) {
	f := newGatewayFixture(t)
	userID, auctionID := uuid.New(), uuid.New()
	token, err := f.tokens.Generate(userID, "alice")
	require.NoError(t, err)
	f.allowUser(userID, "alice")

	conn := f.dial(t, token)
	readEnvelope(t, conn)

	sendEnvelope(t, conn, TypePlaceBid, map[string]interface{}{
		"auctionId": auctionID, "amount": "one hundred",
	})

	env := readEnvelope(t, conn)
	require.Equal(t, TypeBidError, env.Type)
	var payload BidErrorPayload
	require.NoError(t, json.Unmarshal(env.Data, &payload))
	assert.Equal(t, CodeInvalidAmount, payload.Code)
	f.bids.AssertNotCalled(t, "Submit")
}

func TestGateway_JoinAuctionRepliesWithSnapshot(t *testing.T) {
	f := newGatewayFixture(t)
	userID, auctionID := uuid.New(), uuid.New()
	token, err := f.tokens.Generate(userID, "alice")
	require.NoError(t, err)
	f.allowUser(userID, "alice")

	a := auction.NewAuction("item-1", time.Now().Add(-time.Minute),
		time.Now().Add(time.Hour), values.MustBidAmount("10"))
	a.ID = auctionID
	highest := auction.BidSummary{
		BidID:     uuid.New(),
		AuctionID: auctionID,
		UserID:    uuid.New(),
		Username:  "bob",
		Amount:    values.MustBidAmount("25"),
		PlacedAt:  time.Now().UTC(),
	}
	f.bids.On("Snapshot", mock.Anything, auctionID).Return(&bidding.Snapshot{
		Auction: a,
		Highest: &highest,
		History: []auction.BidSummary{highest},
	}, nil)
	f.sessions.On("AddWatcher", mock.Anything, auctionID, userID).Return(nil)

	conn := f.dial(t, token)
	readEnvelope(t, conn)

	sendEnvelope(t, conn, TypeJoinAuction, JoinAuctionRequest{AuctionID: auctionID})

	env := readEnvelope(t, conn)
	require.Equal(t, TypeJoinedAuction, env.Type)
	var payload JoinedAuctionPayload
	require.NoError(t, json.Unmarshal(env.Data, &payload))
	assert.Equal(t, auctionID, payload.AuctionID)
	assert.Equal(t, 1, payload.Snapshot.ParticipantCount)
	require.NotNil(t, payload.Snapshot.CurrentHighest)
	assert.Equal(t, "25", payload.Snapshot.CurrentHighest.Amount)
	require.Len(t, payload.Snapshot.RecentBids, 1)

	env = readEnvelope(t, conn)
	assert.Equal(t, TypeCurrentHighestBid, env.Type)

	f.ender.AssertNotCalled(t, "End")
}

func TestGateway_JoinExpiredActiveAuctionEndsIt(t *testing.T) {
	f := newGatewayFixture(t)
	userID, auctionID := uuid.New(), uuid.New()
	token, err := f.tokens.Generate(userID, "alice")
	require.NoError(t, err)
	f.allowUser(userID, "alice")

	a := auction.NewAuction("item-1", time.Now().Add(-2*time.Hour),
		time.Now().Add(-time.Minute), values.MustBidAmount("10"))
	a.ID = auctionID
	ended := *a
	ended.Status = auction.StatusEnded

	f.bids.On("Snapshot", mock.Anything, auctionID).Return(&bidding.Snapshot{Auction: a}, nil)
	f.ender.On("End", mock.Anything, auctionID).
		Return(&auction.EndResult{Auction: &ended, Transitioned: true}, nil)
	f.sessions.On("AddWatcher", mock.Anything, auctionID, userID).Return(nil)

	conn := f.dial(t, token)
	readEnvelope(t, conn)

	sendEnvelope(t, conn, TypeJoinAuction, JoinAuctionRequest{AuctionID: auctionID})

	env := readEnvelope(t, conn)
	require.Equal(t, TypeJoinedAuction, env.Type)
	var payload JoinedAuctionPayload
	require.NoError(t, json.Unmarshal(env.Data, &payload))
	assert.Equal(t, "ended", payload.Snapshot.Status)
	f.ender.AssertExpectations(t)
}

func TestGateway_GetBidHistory(t *testing.T) {
	f := newGatewayFixture(t)
	userID, auctionID := uuid.New(), uuid.New()
	token, err := f.tokens.Generate(userID, "alice")
	require.NoError(t, err)
	f.allowUser(userID, "alice")

	f.history.On("ListBids", mock.Anything, auctionID, 50).
		Return([]auction.BidSummary{{
			BidID:     uuid.New(),
			AuctionID: auctionID,
			Username:  "bob",
			Amount:    values.MustBidAmount("30"),
		}}, nil)

	conn := f.dial(t, token)
	readEnvelope(t, conn)

	sendEnvelope(t, conn, TypeGetBidHistory, GetBidHistoryRequest{AuctionID: auctionID})

	env := readEnvelope(t, conn)
	require.Equal(t, TypeBidHistory, env.Type)
	var views []BidView
	require.NoError(t, json.Unmarshal(env.Data, &views))
	require.Len(t, views, 1)
	assert.Equal(t, "30", views[0].Amount)
}

func TestGateway_UnknownKindGetsError(t *testing.T) {
	f := newGatewayFixture(t)
	userID := uuid.New()
	token, err := f.tokens.Generate(userID, "alice")
	require.NoError(t, err)
	f.allowUser(userID, "alice")

	conn := f.dial(t, token)
	readEnvelope(t, conn)

	sendEnvelope(t, conn, "subscribeEverything", struct{}{})

	env := readEnvelope(t, conn)
	assert.Equal(t, TypeError, env.Type)
}
