package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"

	"github.com/mackdin/authcore/internal/email"
	"github.com/mackdin/authcore/internal/krypto"
)

// User contains the data for a user.
//
// Users are never physically deleted, deactivation clears IsActive
// instead. EmailVerified only ever transitions from false to true.
type User struct {
	ID            uuid.UUID
	Email         email.Address
	Name          string
	PasswordHash  krypto.Argon2Hash
	IsActive      bool
	EmailVerified bool
	IsAdmin       bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Fingerprint derives a short value that changes whenever the password
// hash is replaced. Tokens embed the fingerprint at issue time, so
// changing the password invalidates every previously issued token and
// session for the user without a revocation list.
func (u User) Fingerprint() string {
	sum := sha256.Sum256([]byte(u.PasswordHash.String()))
	return hex.EncodeToString(sum[:16])
}
