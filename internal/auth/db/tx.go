package db

import (
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/mackdin/authcore/internal/auth"
)

type Tx struct {
	tx    *sql.Tx
	store *Store
}

func (t *Tx) Commit() error {
	return t.tx.Commit()
}

func (t *Tx) Rollback() error {
	return t.tx.Rollback()
}

// CreateUser creates a user in the database.
func (t *Tx) CreateUser(u *auth.User) error {
	return insertUser(t.store.newQuery(), t.tx.Exec, u)
}

// UpdateUser updates a user in the database.
// It returns errorz.ErrNotFound if no user is found.
func (t *Tx) UpdateUser(u *auth.User) error {
	return updateUser(t.store.newQuery(), t.tx.Exec, u)
}

// FindUsers queries for users based on the provided filter.
// It returns an empty slice if no users are found.
func (t *Tx) FindUsers(filter *auth.UserFilter) ([]auth.User, error) {
	qf := func(query string, params ...any) (*sql.Rows, error) {
		return t.tx.Query(query, params...)
	}
	return selectUsers(t.store.newQuery(), qf, filter)
}

// ConsumeToken marks the token id as consumed by inserting it into the
// consumed_tokens table. The primary key makes the insert an atomic
// check-and-set, a second attempt for the same id fails with
// errorz.ErrConstraintViolated.
func (t *Tx) ConsumeToken(id uuid.UUID, now time.Time) error {
	return insertConsumedToken(t.store.newQuery(), t.tx.Exec, id, now)
}
