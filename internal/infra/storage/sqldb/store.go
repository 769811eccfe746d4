package sqldb

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/vietddude/outagewatch/internal/infra/storage"
)

// Store implements storage.Store on top of DB.
type Store struct {
	db *DB
}

func NewStore(db *DB) *Store {
	return &Store{db: db}
}

func (s *Store) Connections() storage.ConnectionRepository {
	return &ConnectionRepo{q: s.db.DB}
}

func (s *Store) Claims() storage.ClaimRepository {
	return &ClaimRepo{q: s.db.DB}
}

// WithinTx runs fn inside a database transaction.
func (s *Store) WithinTx(ctx context.Context, fn func(tx storage.Tx) error) error {
	uow, err := s.db.NewUnitOfWork(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = uow.Rollback() }()

	if err := fn(uow); err != nil {
		return err
	}
	if err := uow.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error { return s.db.Health(ctx) }

func (s *Store) Close() error { return s.db.Close() }

// UnitOfWork bundles repository operations into a single database transaction,
// ensuring atomicity (all succeed or all fail).
type UnitOfWork struct {
	tx *sqlx.Tx
}

// NewUnitOfWork creates a new unit of work with an active transaction.
func (db *DB) NewUnitOfWork(ctx context.Context) (*UnitOfWork, error) {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &UnitOfWork{tx: tx}, nil
}

func (u *UnitOfWork) Connections() storage.ConnectionRepository {
	return &ConnectionRepo{q: u.tx}
}

func (u *UnitOfWork) Claims() storage.ClaimRepository {
	return &ClaimRepo{q: u.tx}
}

// Commit commits the transaction.
func (u *UnitOfWork) Commit() error {
	if u.tx == nil {
		return fmt.Errorf("transaction already completed")
	}
	err := u.tx.Commit()
	u.tx = nil
	return err
}

// Rollback rolls back the transaction. Safe to call multiple times.
func (u *UnitOfWork) Rollback() error {
	if u.tx == nil {
		return nil
	}
	err := u.tx.Rollback()
	u.tx = nil
	return err
}

// Times are stored as Unix nanoseconds and read back in UTC.
func toNanos(t time.Time) int64 { return t.UnixNano() }

func fromNanos(ns int64) time.Time { return time.Unix(0, ns).UTC() }
