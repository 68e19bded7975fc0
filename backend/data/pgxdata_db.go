package data

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var ErrNotFound = errors.New("not found")

type DuplicationError struct {
	Field string // Field or fields that caused the rejection
}

func (e DuplicationError) Error() string {
	return fmt.Sprintf("%s is already taken", e.Field)
}

type Queryer interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, arguments ...interface{}) (pgconn.CommandTag, error)
}

// findOrCreate runs an insert ... on conflict do nothing returning id statement. When the row already exists the
// insert returns nothing and lookupSQL is used to find it.
func findOrCreate[T any](ctx context.Context, db Queryer, insertSQL string, insertArgs []any, lookupSQL string, lookupArgs ...any) (id T, created bool, err error) {
	err = db.QueryRow(ctx, insertSQL, insertArgs...).Scan(&id)
	if err == nil {
		return id, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return id, false, err
	}

	err = db.QueryRow(ctx, lookupSQL, lookupArgs...).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return id, false, ErrNotFound
	}
	return id, false, err
}
