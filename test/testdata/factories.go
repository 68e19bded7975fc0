package testdata

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgxutil"
	"github.com/stretchr/testify/require"
)

var counter atomic.Int64

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func CreateUser(t testing.TB, db DB, ctx context.Context, attrs map[string]any) map[string]any {
	n := counter.Add(1)

	if attrs == nil {
		attrs = make(map[string]any)
	}

	if _, ok := attrs["name"]; !ok {
		attrs["name"] = fmt.Sprintf("user%v", n)
	}

	user, err := pgxutil.Insert(ctx, db, "users", attrs)
	require.NoError(t, err)

	return user
}

func CreateCategory(t testing.TB, db DB, ctx context.Context, attrs map[string]any) map[string]any {
	n := counter.Add(1)

	if attrs == nil {
		attrs = make(map[string]any)
	}

	if _, ok := attrs["user_id"]; !ok {
		attrs["user_id"] = CreateUser(t, db, ctx, nil)["id"]
	}
	if _, ok := attrs["name"]; !ok {
		attrs["name"] = fmt.Sprintf("Category %v", n)
	}

	category, err := pgxutil.Insert(ctx, db, "categories", attrs)
	require.NoError(t, err)

	return category
}

func CreateFeed(t testing.TB, db DB, ctx context.Context, attrs map[string]any) map[string]any {
	n := counter.Add(1)

	if attrs == nil {
		attrs = make(map[string]any)
	}

	if _, ok := attrs["user_id"]; !ok {
		attrs["user_id"] = CreateUser(t, db, ctx, nil)["id"]
	}
	if _, ok := attrs["url"]; !ok {
		attrs["url"] = fmt.Sprintf("http://localhost/%v", n)
	}

	feed, err := pgxutil.Insert(ctx, db, "feeds", attrs)
	require.NoError(t, err)

	return feed
}

func CreateEntry(t testing.TB, db DB, ctx context.Context, attrs map[string]any) map[string]any {
	n := counter.Add(1)

	if attrs == nil {
		attrs = make(map[string]any)
	}

	if _, ok := attrs["guid"]; !ok {
		attrs["guid"] = fmt.Sprintf("guid-%v", n)
	}
	if _, ok := attrs["title"]; !ok {
		attrs["title"] = fmt.Sprintf("Title %v", n)
	}
	if _, ok := attrs["link"]; !ok {
		attrs["link"] = fmt.Sprintf("http://localhost/entries/%v", n)
	}
	if _, ok := attrs["content_hash"]; !ok {
		attrs["content_hash"] = ""
	}

	entry, err := pgxutil.Insert(ctx, db, "entries", attrs)
	require.NoError(t, err)

	return entry
}

func CreateTag(t testing.TB, db DB, ctx context.Context, attrs map[string]any) map[string]any {
	n := counter.Add(1)

	if _, ok := attrs["name"]; !ok {
		attrs["name"] = fmt.Sprintf("tag%v", n)
	}
	if _, ok := attrs["fg_color"]; !ok {
		attrs["fg_color"] = "#000000"
	}
	if _, ok := attrs["bg_color"]; !ok {
		attrs["bg_color"] = "#ffffff"
	}

	tag, err := pgxutil.Insert(ctx, db, "tags", attrs)
	require.NoError(t, err)

	return tag
}

// CreateFilter inserts a filter with rules and actions. rules and actions are lists of attribute maps for
// filter_rules and filter_actions; their position defaults to their index.
func CreateFilter(t testing.TB, db DB, ctx context.Context, attrs map[string]any, rules, actions []map[string]any) map[string]any {
	n := counter.Add(1)

	if _, ok := attrs["name"]; !ok {
		attrs["name"] = fmt.Sprintf("Filter %v", n)
	}
	if _, ok := attrs["position"]; !ok {
		attrs["position"] = n
	}

	f, err := pgxutil.Insert(ctx, db, "filters", attrs)
	require.NoError(t, err)

	for i, r := range rules {
		r["filter_id"] = f["id"]
		if _, ok := r["position"]; !ok {
			r["position"] = i
		}
		_, err := pgxutil.Insert(ctx, db, "filter_rules", r)
		require.NoError(t, err)
	}

	for i, a := range actions {
		a["filter_id"] = f["id"]
		if _, ok := a["position"]; !ok {
			a["position"] = i
		}
		_, err := pgxutil.Insert(ctx, db, "filter_actions", a)
		require.NoError(t, err)
	}

	return f
}
