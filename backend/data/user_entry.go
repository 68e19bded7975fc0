package data

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
)

// UserEntry is a user's copy of an entry. There is at most one per user and entry.
type UserEntry struct {
	ID           int64
	UserID       int32
	FeedID       int32
	EntryID      int64
	Unread       bool
	Starred      bool
	Published    bool
	Score        int32
	CreationTime time.Time
}

const insertUserEntrySQL = `insert into "user_entries"("user_id", "feed_id", "entry_id", "unread", "starred", "published", "score")
values($1, $2, $3, $4, $5, $6, $7)
on conflict ("user_id", "entry_id") do nothing
returning "id"`

// FindOrCreateUserEntry stores row unless the user already has a copy of the entry. Either way row.ID is set.
func FindOrCreateUserEntry(ctx context.Context, db Queryer, row *UserEntry) (created bool, err error) {
	row.ID, created, err = findOrCreate[int64](ctx, db,
		insertUserEntrySQL,
		[]any{row.UserID, row.FeedID, row.EntryID, row.Unread, row.Starred, row.Published, row.Score},
		`select "id" from "user_entries" where "user_id"=$1 and "entry_id"=$2`, row.UserID, row.EntryID,
	)
	return created, err
}

const selectUserEntrySQL = `select
  "id",
  "user_id",
  "feed_id",
  "entry_id",
  "unread",
  "starred",
  "published",
  "score",
  "creation_time"
from "user_entries"`

func RowToUserEntry(row pgx.CollectableRow) (UserEntry, error) {
	var ue UserEntry
	err := row.Scan(&ue.ID, &ue.UserID, &ue.FeedID, &ue.EntryID, &ue.Unread, &ue.Starred, &ue.Published, &ue.Score, &ue.CreationTime)
	return ue, err
}

func SelectUserEntry(ctx context.Context, db Queryer, userID int32, entryID int64) (*UserEntry, error) {
	rows, _ := db.Query(ctx, selectUserEntrySQL+` where "user_id"=$1 and "entry_id"=$2`, userID, entryID)
	ue, err := pgx.CollectOneRow(rows, RowToUserEntry)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, err
	}
	return &ue, nil
}

func SelectUserEntriesByFeed(ctx context.Context, db Queryer, feedID int32) ([]UserEntry, error) {
	rows, _ := db.Query(ctx, selectUserEntrySQL+` where "feed_id"=$1 order by "id"`, feedID)
	return pgx.CollectRows(rows, RowToUserEntry)
}

func DeleteUserEntry(ctx context.Context, db Queryer, id int64) error {
	return execOne(ctx, db, `delete from "user_entries" where "id"=$1`, id)
}

func UpdateUserEntryState(ctx context.Context, db Queryer, id int64, unread, starred, published bool, score int32) error {
	return execOne(ctx, db,
		`update "user_entries" set "unread"=$2, "starred"=$3, "published"=$4, "score"=$5 where "id"=$1`,
		id, unread, starred, published, score,
	)
}
