package repository

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/bidwire/auction-backend/internal/domain/auction"
	"github.com/bidwire/auction-backend/internal/domain/errors"
	"github.com/bidwire/auction-backend/internal/domain/values"
	"github.com/bidwire/auction-backend/internal/infrastructure/database"
)

// AuctionRepository is the durable record of auctions and bids. Every bid on
// an auction serializes through a row lock on that auction, so concurrent
// submissions observe a total order without application-level locking.
type AuctionRepository struct {
	pool   *database.Pool
	logger *zap.Logger
}

func NewAuctionRepository(pool *database.Pool, logger *zap.Logger) *AuctionRepository {
	return &AuctionRepository{pool: pool, logger: logger}
}

const auctionColumns = `id, item_id, start_time, end_time, starting_bid,
	current_highest_bid, winner_id, status, created_at, updated_at`

func (r *AuctionRepository) CreateAuction(ctx context.Context, a *auction.Auction) error {
	ctx, cancel := r.pool.QueryContext(ctx)
	defer cancel()

	_, err := r.pool.Exec(ctx, `
		INSERT INTO auctions (id, item_id, start_time, end_time, starting_bid,
			current_highest_bid, winner_id, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		a.ID, a.ItemID, a.StartTime, a.EndTime, a.StartingBid,
		a.CurrentHighestBid, a.WinnerID, a.Status.String(), a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return mapError(err, "create_auction")
	}
	return nil
}

func (r *AuctionRepository) GetAuction(ctx context.Context, id uuid.UUID) (*auction.Auction, error) {
	ctx, cancel := r.pool.QueryContext(ctx)
	defer cancel()

	row := r.pool.QueryRow(ctx,
		`SELECT `+auctionColumns+` FROM auctions WHERE id = $1`, id)
	a, err := scanAuction(row)
	if err != nil {
		if stderrors.Is(err, pgx.ErrNoRows) {
			return nil, errors.ErrAuctionNotFound
		}
		return nil, mapError(err, "get_auction")
	}
	return a, nil
}

// PlaceBid validates and records a bid in a single transaction. The auction
// row is locked FOR UPDATE first, which makes the read-check-write sequence
// atomic per auction.
func (r *AuctionRepository) PlaceBid(ctx context.Context, auctionID, userID uuid.UUID, amount, minIncrement values.BidAmount) (*auction.PlaceBidResult, error) {
	ctx, cancel := r.pool.QueryContext(ctx)
	defer cancel()

	var result auction.PlaceBidResult
	err := r.pool.Transaction(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx,
			`SELECT `+auctionColumns+` FROM auctions WHERE id = $1 FOR UPDATE`,
			auctionID)
		a, err := scanAuction(row)
		if err != nil {
			if stderrors.Is(err, pgx.ErrNoRows) {
				return errors.ErrAuctionNotFound
			}
			return err
		}

		now := time.Now().UTC()
		if err := placementError(a, userID, amount, minIncrement, now); err != nil {
			return err
		}

		bid := &auction.Bid{
			ID:        uuid.New(),
			AuctionID: auctionID,
			UserID:    userID,
			Amount:    amount,
			PlacedAt:  now,
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO bids (id, auction_id, user_id, amount, placed_at)
			VALUES ($1, $2, $3, $4, $5)`,
			bid.ID, bid.AuctionID, bid.UserID, bid.Amount, bid.PlacedAt); err != nil {
			return err
		}

		if _, err := tx.Exec(ctx, `
			UPDATE auctions
			SET current_highest_bid = $2, winner_id = $3, updated_at = $4
			WHERE id = $1`,
			auctionID, amount, userID, now); err != nil {
			return err
		}

		var username string
		if err := tx.QueryRow(ctx,
			`SELECT username FROM users WHERE id = $1`, userID).
			Scan(&username); err != nil {
			if stderrors.Is(err, pgx.ErrNoRows) {
				return errors.ErrUserNotFound
			}
			return err
		}

		a.CurrentHighestBid = amount
		a.WinnerID = &userID
		a.UpdatedAt = now
		result = auction.PlaceBidResult{Bid: bid, Auction: a, Username: username}
		return nil
	})
	if err != nil {
		return nil, mapError(err, "place_bid")
	}
	return &result, nil
}

// EndAuction transitions the auction out of ACTIVE if it still is, and is a
// no-op (Transitioned=false) otherwise. Safe to call from any replica.
func (r *AuctionRepository) EndAuction(ctx context.Context, id uuid.UUID) (*auction.EndResult, error) {
	ctx, cancel := r.pool.QueryContext(ctx)
	defer cancel()

	var result auction.EndResult
	err := r.pool.Transaction(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx,
			`SELECT `+auctionColumns+` FROM auctions WHERE id = $1 FOR UPDATE`, id)
		a, err := scanAuction(row)
		if err != nil {
			if stderrors.Is(err, pgx.ErrNoRows) {
				return errors.ErrAuctionNotFound
			}
			return err
		}

		if !endTransition(a, time.Now().UTC()) {
			result = auction.EndResult{Auction: a, Transitioned: false}
			return nil
		}

		if _, err := tx.Exec(ctx, `
			UPDATE auctions SET status = $2, updated_at = $3 WHERE id = $1`,
			id, a.Status.String(), a.UpdatedAt); err != nil {
			return err
		}

		rows, err := tx.Query(ctx,
			`SELECT DISTINCT user_id FROM bids WHERE auction_id = $1`, id)
		if err != nil {
			return err
		}
		defer rows.Close()

		var participants []uuid.UUID
		for rows.Next() {
			var userID uuid.UUID
			if err := rows.Scan(&userID); err != nil {
				return err
			}
			participants = append(participants, userID)
		}
		if err := rows.Err(); err != nil {
			return err
		}

		result = auction.EndResult{Auction: a, Participants: participants, Transitioned: true}
		return nil
	})
	if err != nil {
		return nil, mapError(err, "end_auction")
	}
	return &result, nil
}

// ListExpired returns ACTIVE auctions whose end time has passed, oldest
// first, for the lifecycle sweep.
func (r *AuctionRepository) ListExpired(ctx context.Context, now time.Time, limit int) ([]*auction.Auction, error) {
	ctx, cancel := r.pool.QueryContext(ctx)
	defer cancel()

	rows, err := r.pool.Query(ctx, `
		SELECT `+auctionColumns+`
		FROM auctions
		WHERE status = 'active' AND end_time <= $1
		ORDER BY end_time
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, mapError(err, "list_expired")
	}
	defer rows.Close()

	var auctions []*auction.Auction
	for rows.Next() {
		a, err := scanAuction(rows)
		if err != nil {
			return nil, mapError(err, "list_expired")
		}
		auctions = append(auctions, a)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err, "list_expired")
	}
	return auctions, nil
}

// ListBids returns the most recent bids on an auction, newest first, with
// bidder usernames resolved.
func (r *AuctionRepository) ListBids(ctx context.Context, auctionID uuid.UUID, limit int) ([]auction.BidSummary, error) {
	ctx, cancel := r.pool.QueryContext(ctx)
	defer cancel()

	rows, err := r.pool.Query(ctx, `
		SELECT b.id, b.auction_id, b.user_id, u.username, b.amount, b.placed_at
		FROM bids b
		JOIN users u ON u.id = b.user_id
		WHERE b.auction_id = $1
		ORDER BY b.placed_at DESC
		LIMIT $2`, auctionID, limit)
	if err != nil {
		return nil, mapError(err, "list_bids")
	}
	defer rows.Close()

	var bids []auction.BidSummary
	for rows.Next() {
		var s auction.BidSummary
		if err := rows.Scan(&s.BidID, &s.AuctionID, &s.UserID, &s.Username,
			&s.Amount, &s.PlacedAt); err != nil {
			return nil, mapError(err, "list_bids")
		}
		bids = append(bids, s)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err, "list_bids")
	}
	return bids, nil
}

// ListActive returns currently ACTIVE auctions for room presence and
// catch-up reads.
func (r *AuctionRepository) ListActive(ctx context.Context, limit int) ([]*auction.Auction, error) {
	ctx, cancel := r.pool.QueryContext(ctx)
	defer cancel()

	rows, err := r.pool.Query(ctx, `
		SELECT `+auctionColumns+`
		FROM auctions
		WHERE status = 'active'
		ORDER BY end_time
		LIMIT $1`, limit)
	if err != nil {
		return nil, mapError(err, "list_active")
	}
	defer rows.Close()

	var auctions []*auction.Auction
	for rows.Next() {
		a, err := scanAuction(rows)
		if err != nil {
			return nil, mapError(err, "list_active")
		}
		auctions = append(auctions, a)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err, "list_active")
	}
	return auctions, nil
}

// placementError checks a bid against the locked auction row. Rejections are
// reported in a fixed order: closed, expired, self-outbid, too low.
func placementError(a *auction.Auction, userID uuid.UUID, amount, minIncrement values.BidAmount, now time.Time) error {
	if a.Status.IsTerminal() {
		return errors.ErrAuctionNotActive
	}
	if a.Expired(now) {
		return errors.ErrAuctionEnded
	}
	if a.WinnerID != nil && *a.WinnerID == userID {
		return errors.ErrSelfOutbid
	}
	floor := a.CurrentHighestBid.Decimal().Add(minIncrement.Decimal())
	if amount.Decimal().LessThanOrEqual(a.CurrentHighestBid.Decimal()) ||
		amount.Decimal().LessThan(floor) {
		return errors.ErrBidTooLow
	}
	return nil
}

// endTransition applies the ACTIVE to ENDED transition in memory. Returns
// false when the auction is already terminal, making repeated ends no-ops.
func endTransition(a *auction.Auction, now time.Time) bool {
	if a.Status.IsTerminal() {
		return false
	}
	a.Status = auction.StatusEnded
	a.UpdatedAt = now
	return true
}

func scanAuction(row pgx.Row) (*auction.Auction, error) {
	var a auction.Auction
	var status string
	if err := row.Scan(&a.ID, &a.ItemID, &a.StartTime, &a.EndTime,
		&a.StartingBid, &a.CurrentHighestBid, &a.WinnerID, &status,
		&a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.Status = auction.ParseStatus(status)
	return &a, nil
}
