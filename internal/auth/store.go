package auth

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/mackdin/authcore/internal/email"
)

// UserFilter is used to filter users.
// Returned users must match all the provided fields.
// If a field is empty or nil, it's ignored.
type UserFilter struct {
	IDs           []uuid.UUID
	Emails        []email.Address
	IsActive      *bool
	EmailVerified *bool
}

// Store provides access to the credential store.
type Store interface {
	BeginTx(ctx context.Context) (Tx, error)

	// FindUsers queries outside a transaction, on the read side of the store.
	FindUsers(ctx context.Context, filter *UserFilter) ([]User, error)

	// DeleteConsumedTokens garbage collects consumption markers older
	// than before. Markers must be retained at least as long as the
	// longest token ttl, after that they can't match a live token anymore.
	DeleteConsumedTokens(ctx context.Context, before time.Time) (int64, error)
}

// Tx is a transaction. If an error occurs on any of the methods, the
// transaction is considered to have failed and should be rolled back.
// Tx is not safe for concurrent use.
type Tx interface {
	Commit() error
	Rollback() error

	CreateUser(u *User) error
	UpdateUser(u *User) error
	FindUsers(filter *UserFilter) ([]User, error)

	// ConsumeToken marks the token id as consumed. The store must
	// implement this as an atomic check-and-set on persistent state, so
	// a token is consumed at most once even when concurrent requests
	// across replicas present it simultaneously. A second attempt fails
	// with errorz.ErrConstraintViolated.
	ConsumeToken(id uuid.UUID, now time.Time) error
}
