package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/mackdin/authcore/internal/auth"
	"github.com/mackdin/authcore/internal/db"
	"github.com/mackdin/authcore/internal/errorz"
	"github.com/mackdin/authcore/internal/krypto"
)

// Store provides the auth.Store interface on top of an sqlite database.
//
// It uses two database handles: writes and transactions go through
// writeDB, which is limited to a single connection to prevent
// SQLITE_BUSY errors, plain lookups go through readDB.
type Store struct {
	readDB        *sql.DB
	writeDB       *sql.DB
	encryptor     *krypto.Encryptor
	blindIndexKey krypto.Key
}

// New creates a new Store.
func New(readDB, writeDB *sql.DB, encryptor *krypto.Encryptor, blindIndexKey krypto.Key) *Store {
	return &Store{
		readDB:        readDB,
		writeDB:       writeDB,
		encryptor:     encryptor,
		blindIndexKey: blindIndexKey,
	}
}

// BeginTx starts a new transaction on the write side of the store.
func (s *Store) BeginTx(ctx context.Context) (auth.Tx, error) {
	tx, err := s.writeDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, errorz.MapDBErr(err)
	}
	return &Tx{
		tx:    tx,
		store: s,
	}, nil
}

// FindUsers queries for users on the read side of the store.
func (s *Store) FindUsers(ctx context.Context, filter *auth.UserFilter) ([]auth.User, error) {
	qf := func(query string, params ...any) (*sql.Rows, error) {
		return s.readDB.QueryContext(ctx, query, params...)
	}
	return selectUsers(s.newQuery(), qf, filter)
}

// DeleteConsumedTokens deletes consumption markers older than before.
// It returns the number of deleted markers.
func (s *Store) DeleteConsumedTokens(ctx context.Context, before time.Time) (int64, error) {
	ef := func(query string, params ...any) (sql.Result, error) {
		return s.writeDB.ExecContext(ctx, query, params...)
	}
	return deleteConsumedTokens(s.newQuery(), ef, before)
}

func (s *Store) newQuery() *db.Query {
	return &db.Query{
		Encryptor:     s.encryptor,
		BlindIndexKey: s.blindIndexKey,
	}
}
