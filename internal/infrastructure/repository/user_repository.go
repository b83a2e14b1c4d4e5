package repository

import (
	"context"
	stderrors "errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/bidwire/auction-backend/internal/domain/auction"
	"github.com/bidwire/auction-backend/internal/domain/errors"
	"github.com/bidwire/auction-backend/internal/infrastructure/database"
)

type UserRepository struct {
	pool   *database.Pool
	logger *zap.Logger
}

func NewUserRepository(pool *database.Pool, logger *zap.Logger) *UserRepository {
	return &UserRepository{pool: pool, logger: logger}
}

const userColumns = `id, username, email, password_hash, full_name, is_active,
	created_at, updated_at`

func (r *UserRepository) CreateUser(ctx context.Context, u *auction.User) error {
	ctx, cancel := r.pool.QueryContext(ctx)
	defer cancel()

	_, err := r.pool.Exec(ctx, `
		INSERT INTO users (id, username, email, password_hash, full_name,
			is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		u.ID, u.Username, u.Email, u.PasswordHash, u.FullName,
		u.IsActive, u.CreatedAt, u.UpdatedAt)
	if err != nil {
		return mapError(err, "create_user")
	}
	return nil
}

func (r *UserRepository) GetUser(ctx context.Context, id uuid.UUID) (*auction.User, error) {
	ctx, cancel := r.pool.QueryContext(ctx)
	defer cancel()

	row := r.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	return scanUser(row, "get_user")
}

func (r *UserRepository) GetUserByUsername(ctx context.Context, username string) (*auction.User, error) {
	ctx, cancel := r.pool.QueryContext(ctx)
	defer cancel()

	row := r.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE username = $1`, username)
	return scanUser(row, "get_user_by_username")
}

func scanUser(row pgx.Row, op string) (*auction.User, error) {
	var u auction.User
	if err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash,
		&u.FullName, &u.IsActive, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if stderrors.Is(err, pgx.ErrNoRows) {
			return nil, errors.ErrUserNotFound
		}
		return nil, mapError(err, op)
	}
	return &u, nil
}
