// Package storage is the Postgres side of the booking engine. Every write runs
// on a Queries bound to one transaction; guarded updates report model.ErrStale
// when their WHERE clause matched nothing.
package storage

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/md-rashed-zaman/slotbook/libs/db"
	"github.com/md-rashed-zaman/slotbook/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/slotbook/services/booking-service/internal/outbox"
)

const (
	pgExclusionViolation = "23P01"
	pgUniqueViolation    = "23505"
)

// Pool is satisfied by *db.Pool and by pgxmock pools.
type Pool interface {
	db.Beginner
	db.DBTX
}

type Store struct {
	pool   Pool
	outbox *outbox.Repository
}

func NewStore(pool Pool) *Store {
	return &Store{pool: pool, outbox: outbox.NewRepository()}
}

// Queries runs statements against one transaction.
type Queries struct {
	db     db.DBTX
	outbox *outbox.Repository
}

func (s *Store) InTx(ctx context.Context, fn func(*Queries) error) error {
	return db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(&Queries{db: tx, outbox: s.outbox})
	})
}

// Runner adapts Store to a consumer's own transaction interface, e.g.
// Runner[lifecycle.Tx]. wrap usually just returns q.
type Runner[T any] struct {
	store *Store
	wrap  func(*Queries) T
}

func NewRunner[T any](s *Store, wrap func(*Queries) T) Runner[T] {
	return Runner[T]{store: s, wrap: wrap}
}

func (r Runner[T]) InTx(ctx context.Context, fn func(T) error) error {
	return r.store.InTx(ctx, func(q *Queries) error {
		return fn(r.wrap(q))
	})
}

func (q *Queries) AppendOutbox(ctx context.Context, evt outbox.Event) error {
	return q.outbox.Insert(ctx, q.db, evt)
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

func IsConflict(err error) bool {
	return pgCode(err) == pgExclusionViolation
}

func IsDuplicate(err error) bool {
	return pgCode(err) == pgUniqueViolation
}

func IsNotFound(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// mapWrite turns driver errors from a guarded single-row write into model errors.
func mapWrite(err error) error {
	switch {
	case err == nil:
		return nil
	case IsNotFound(err):
		return model.ErrStale
	case IsConflict(err):
		return model.ErrSlotTaken
	}
	return err
}
