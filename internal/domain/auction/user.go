package auction

import (
	"time"

	"github.com/google/uuid"
)

// User is the immutable bidder identity. Credentials are opaque to the bid
// path; the gateway only ever sees a verified token.
type User struct {
	ID           uuid.UUID `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	FullName     *string   `json:"full_name,omitempty"`
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}
