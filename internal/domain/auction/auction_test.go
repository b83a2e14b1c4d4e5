package auction

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/bidwire/auction-backend/internal/domain/values"
)

func TestNewAuction_SeedsHighestFromStartingBid(t *testing.T) {
	start := time.Now().UTC()
	end := start.Add(time.Hour)
	a := NewAuction("item-1", start, end, values.MustBidAmount("100"))

	assert.Equal(t, StatusActive, a.Status)
	assert.True(t, a.CurrentHighestBid.Equal(a.StartingBid))
	assert.Nil(t, a.WinnerID)
	assert.False(t, a.HasBids())
}

func TestAuction_AcceptsBids(t *testing.T) {
	now := time.Now().UTC()
	tests := []struct {
		name   string
		status Status
		endIn  time.Duration
		want   bool
	}{
		{"active before end", StatusActive, time.Hour, true},
		{"active at end", StatusActive, 0, false},
		{"active past end", StatusActive, -time.Minute, false},
		{"ended", StatusEnded, time.Hour, false},
		{"cancelled", StatusCancelled, time.Hour, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := NewAuction("item-1", now.Add(-time.Hour), now.Add(tt.endIn),
				values.MustBidAmount("10"))
			a.Status = tt.status
			assert.Equal(t, tt.want, a.AcceptsBids(now))
		})
	}
}

func TestAuction_HasBids(t *testing.T) {
	a := NewAuction("item-1", time.Now(), time.Now().Add(time.Hour),
		values.MustBidAmount("100"))
	assert.False(t, a.HasBids())

	a.CurrentHighestBid = values.MustBidAmount("100.00")
	assert.False(t, a.HasBids(), "equal amounts compare exactly")

	a.CurrentHighestBid = values.MustBidAmount("100.01")
	assert.True(t, a.HasBids())
}

func TestStatus_RoundTrip(t *testing.T) {
	for _, s := range []Status{StatusActive, StatusEnded, StatusCancelled} {
		assert.Equal(t, s, ParseStatus(s.String()))
	}
	assert.True(t, StatusEnded.IsTerminal())
	assert.True(t, StatusCancelled.IsTerminal())
	assert.False(t, StatusActive.IsTerminal())
}

func TestBid_Summary(t *testing.T) {
	a := NewAuction("item-1", time.Now(), time.Now().Add(time.Hour),
		values.MustBidAmount("10"))
	b := Bid{
		AuctionID: a.ID,
		Amount:    values.MustBidAmount("55.50"),
		PlacedAt:  time.Now().UTC(),
	}
	s := b.Summary("alice")
	assert.Equal(t, "alice", s.Username)
	assert.Equal(t, a.ID, s.AuctionID)
	assert.True(t, s.Amount.Equal(b.Amount))
}
