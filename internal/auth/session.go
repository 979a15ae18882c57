package auth

import (
	"time"

	"github.com/google/uuid"
)

// Session is a pair of access and refresh tokens with independent
// expiries. The refresh token is one-shot: using it consumes it and
// issues a new pair, re-use of a rotated token fails as an invalid
// token.
type Session struct {
	UserID uuid.UUID

	AccessToken     string
	AccessExpiresAt time.Time

	RefreshToken     string
	RefreshExpiresAt time.Time
}
