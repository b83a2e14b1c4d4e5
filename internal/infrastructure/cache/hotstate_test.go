package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/bidwire/auction-backend/internal/domain/auction"
	"github.com/bidwire/auction-backend/internal/domain/values"
)

func newTestHotState(t *testing.T) (*HotState, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewHotState(client, zap.NewNop()), mr
}

func testSummary(auctionID uuid.UUID, amount string) auction.BidSummary {
	return auction.BidSummary{
		BidID:     uuid.New(),
		AuctionID: auctionID,
		UserID:    uuid.New(),
		Username:  "alice",
		Amount:    values.MustBidAmount(amount),
		PlacedAt:  time.Now().UTC().Truncate(time.Millisecond),
	}
}

func TestHotState_HighestBid(t *testing.T) {
	hs, _ := newTestHotState(t)
	ctx := context.Background()
	auctionID := uuid.New()

	got, err := hs.GetHighest(ctx, auctionID)
	require.NoError(t, err)
	assert.Nil(t, got, "miss should not be an error")

	summary := testSummary(auctionID, "150.00")
	require.NoError(t, hs.SetHighest(ctx, summary))

	got, err = hs.GetHighest(ctx, auctionID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, summary.BidID, got.BidID)
	assert.True(t, summary.Amount.Equal(got.Amount))
}

func TestHotState_HighestBidExpires(t *testing.T) {
	hs, mr := newTestHotState(t)
	ctx := context.Background()
	auctionID := uuid.New()

	require.NoError(t, hs.SetHighest(ctx, testSummary(auctionID, "10")))
	mr.FastForward(highestBidTTL + time.Second)

	got, err := hs.GetHighest(ctx, auctionID)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestHotState_HistoryTrimsToNewest(t *testing.T) {
	hs, _ := newTestHotState(t)
	ctx := context.Background()
	auctionID := uuid.New()

	for i := 0; i < historyLen+10; i++ {
		s := testSummary(auctionID, "1")
		s.Amount = values.NewBidAmountFromFloat(float64(i + 1))
		require.NoError(t, hs.AppendHistory(ctx, s))
	}

	history, err := hs.GetHistory(ctx, auctionID)
	require.NoError(t, err)
	require.Len(t, history, historyLen)
	// Newest first.
	assert.Equal(t, "60", history[0].Amount.String())
}

func TestHotState_SessionLifecycle(t *testing.T) {
	hs, _ := newTestHotState(t)
	ctx := context.Background()
	userID := uuid.New()

	s, err := hs.GetSession(ctx, userID)
	require.NoError(t, err)
	assert.Nil(t, s)

	session := Session{
		UserID:      userID,
		Username:    "bob",
		ReplicaID:   "replica-1",
		ConnectedAt: time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, hs.SetSession(ctx, session))

	s, err = hs.GetSession(ctx, userID)
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, "bob", s.Username)
	assert.Equal(t, "replica-1", s.ReplicaID)

	require.NoError(t, hs.ClearSession(ctx, userID))
	s, err = hs.GetSession(ctx, userID)
	require.NoError(t, err)
	assert.Nil(t, s)
}

func TestHotState_RateCounterWindow(t *testing.T) {
	hs, mr := newTestHotState(t)
	ctx := context.Background()
	userID, auctionID := uuid.New(), uuid.New()
	window := 30 * time.Second

	for i := int64(1); i <= 5; i++ {
		count, err := hs.IncrRate(ctx, userID, auctionID, window, 5)
		require.NoError(t, err)
		assert.Equal(t, i, count)
	}

	mr.FastForward(window + time.Second)

	count, err := hs.IncrRate(ctx, userID, auctionID, window, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count, "window expiry resets the counter")
}

func TestHotState_RateCounterPenalty(t *testing.T) {
	hs, mr := newTestHotState(t)
	ctx := context.Background()
	userID, auctionID := uuid.New(), uuid.New()
	window := 30 * time.Second

	var count int64
	var err error
	for i := 0; i < 11; i++ {
		count, err = hs.IncrRate(ctx, userID, auctionID, window, 5)
		require.NoError(t, err)
	}
	assert.Equal(t, int64(11), count)

	// Past 2x the limit the window stretches to 5x, so the counter
	// survives the normal expiry.
	mr.FastForward(window + time.Second)
	count, err = hs.IncrRate(ctx, userID, auctionID, window, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(12), count)
}

func TestHotState_MarkDeliveredIdempotent(t *testing.T) {
	hs, _ := newTestHotState(t)
	ctx := context.Background()
	auctionID, userID := uuid.New(), uuid.New()

	first, err := hs.MarkDelivered(ctx, auctionID, userID, "WON")
	require.NoError(t, err)
	assert.True(t, first)

	second, err := hs.MarkDelivered(ctx, auctionID, userID, "WON")
	require.NoError(t, err)
	assert.False(t, second, "second delivery of the same key must be rejected")

	other, err := hs.MarkDelivered(ctx, auctionID, userID, "LOST")
	require.NoError(t, err)
	assert.True(t, other, "different kind is a different key")
}

func TestHotState_WatcherSet(t *testing.T) {
	hs, _ := newTestHotState(t)
	ctx := context.Background()
	auctionID := uuid.New()
	alice, bob := uuid.New(), uuid.New()

	watchers, err := hs.ListWatchers(ctx, auctionID)
	require.NoError(t, err)
	assert.Empty(t, watchers)

	require.NoError(t, hs.AddWatcher(ctx, auctionID, alice))
	require.NoError(t, hs.AddWatcher(ctx, auctionID, bob))
	require.NoError(t, hs.AddWatcher(ctx, auctionID, alice), "re-join is a no-op")

	watchers, err = hs.ListWatchers(ctx, auctionID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []uuid.UUID{alice, bob}, watchers)
}

func TestHotState_WasDelivered(t *testing.T) {
	hs, _ := newTestHotState(t)
	ctx := context.Background()
	auctionID, userID := uuid.New(), uuid.New()

	delivered, err := hs.WasDelivered(ctx, auctionID, userID, "WON")
	require.NoError(t, err)
	assert.False(t, delivered)

	_, err = hs.MarkDelivered(ctx, auctionID, userID, "WON")
	require.NoError(t, err)

	delivered, err = hs.WasDelivered(ctx, auctionID, userID, "WON")
	require.NoError(t, err)
	assert.True(t, delivered)
}

func TestHotState_PublishEndedRoundTrip(t *testing.T) {
	hs, _ := newTestHotState(t)
	ctx := context.Background()
	auctionID := uuid.New()

	sub := hs.SubscribeEnded(ctx)
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	winner := uuid.New()
	require.NoError(t, hs.PublishEnded(ctx, EndedBroadcast{
		Origin:      "replica-a",
		AuctionID:   auctionID,
		ItemID:      "item-1",
		WinnerID:    &winner,
		FinalAmount: "300",
		HasBids:     true,
		EndedAt:     time.Now().UTC(),
	}))

	select {
	case msg := <-sub.Channel():
		assert.Equal(t, EndedChannel(auctionID), msg.Channel)
		assert.Contains(t, msg.Payload, `"has_bids":true`)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ended broadcast")
	}
}

func TestHotState_PublishBidRoundTrip(t *testing.T) {
	hs, _ := newTestHotState(t)
	ctx := context.Background()
	auctionID := uuid.New()

	sub := hs.SubscribeBids(ctx)
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	summary := testSummary(auctionID, "42.50")
	require.NoError(t, hs.PublishBid(ctx, "replica-a", summary))

	select {
	case msg := <-sub.Channel():
		assert.Equal(t, BidChannel(auctionID), msg.Channel)
		assert.Contains(t, msg.Payload, `"origin":"replica-a"`)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for bid broadcast")
	}
}
