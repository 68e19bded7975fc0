package data

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgsql"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

type Feed struct {
	ID              int32
	UserID          int32
	CategoryID      pgtype.Int4
	Name            pgtype.Text
	URL             string
	SiteURL         pgtype.Text
	ETag            pgtype.Text
	LastModified    pgtype.Text
	UpdateStartedAt pgtype.Timestamptz
	LastFetchTime   pgtype.Timestamptz
	LastSuccessTime pgtype.Timestamptz
	LastFailure     pgtype.Text
	LastFailureTime pgtype.Timestamptz
	FailureCount    int32
	GoneCount       int32
	NextPollAt      pgtype.Timestamptz
	UpdateInterval  time.Duration
	BackoffUntil    pgtype.Timestamptz
	BackoffInterval time.Duration
	PostsPerDay     float64
	LastNewEntries  int32
	Suspended       bool
	CreationTime    time.Time
}

const selectFeedSQL = `select
  "id",
  "user_id",
  "category_id",
  "name",
  "url",
  "site_url",
  "etag",
  "last_modified",
  "update_started_at",
  "last_fetch_time",
  "last_success_time",
  "last_failure",
  "last_failure_time",
  "failure_count",
  "gone_count",
  "next_poll_at",
  "update_interval_seconds",
  "backoff_until",
  "backoff_interval_seconds",
  "posts_per_day",
  "last_new_entries",
  "suspended",
  "creation_time"
from "feeds"`

func RowToFeed(row pgx.CollectableRow) (Feed, error) {
	var f Feed
	var updateInterval, backoffInterval int32
	err := row.Scan(
		&f.ID,
		&f.UserID,
		&f.CategoryID,
		&f.Name,
		&f.URL,
		&f.SiteURL,
		&f.ETag,
		&f.LastModified,
		&f.UpdateStartedAt,
		&f.LastFetchTime,
		&f.LastSuccessTime,
		&f.LastFailure,
		&f.LastFailureTime,
		&f.FailureCount,
		&f.GoneCount,
		&f.NextPollAt,
		&updateInterval,
		&f.BackoffUntil,
		&backoffInterval,
		&f.PostsPerDay,
		&f.LastNewEntries,
		&f.Suspended,
		&f.CreationTime,
	)
	f.UpdateInterval = time.Duration(updateInterval) * time.Second
	f.BackoffInterval = time.Duration(backoffInterval) * time.Second
	return f, err
}

func SelectFeedByPK(ctx context.Context, db Queryer, id int32) (*Feed, error) {
	rows, _ := db.Query(ctx, selectFeedSQL+` where "id"=$1`, id)
	feed, err := pgx.CollectOneRow(rows, RowToFeed)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, err
	}

	return &feed, nil
}

// SelectFeedsDue returns feeds that are not suspended, not backing off, and whose next poll time has passed. Feeds
// that have never been polled come first.
func SelectFeedsDue(ctx context.Context, db Queryer, now time.Time, limit int) ([]Feed, error) {
	sql := selectFeedSQL + `
where not "suspended"
  and ("next_poll_at" is null or "next_poll_at" <= $1)
  and ("backoff_until" is null or "backoff_until" <= $1)
order by "next_poll_at" nulls first, "id"
limit $2`

	rows, _ := db.Query(ctx, sql, now, limit)
	return pgx.CollectRows(rows, RowToFeed)
}

func InsertFeed(ctx context.Context, db Queryer, row *Feed) error {
	args := pgsql.Args{}

	var columns, values []string

	columns = append(columns, `user_id`)
	values = append(values, args.Use(row.UserID).String())
	columns = append(columns, `url`)
	values = append(values, args.Use(row.URL).String())
	if row.CategoryID.Valid {
		columns = append(columns, `category_id`)
		values = append(values, args.Use(&row.CategoryID).String())
	}
	if row.Name.Valid {
		columns = append(columns, `name`)
		values = append(values, args.Use(&row.Name).String())
	}
	if row.NextPollAt.Valid {
		columns = append(columns, `next_poll_at`)
		values = append(values, args.Use(&row.NextPollAt).String())
	}

	sql := `insert into "feeds"(` + strings.Join(columns, ", ") + `)
values(` + strings.Join(values, ",") + `)
returning "id", "creation_time"
  `

	err := db.QueryRow(ctx, sql, args.Values()...).Scan(&row.ID, &row.CreationTime)
	if err != nil && strings.Contains(err.Error(), "feeds_user_id_url_key") {
		return DuplicationError{Field: "url"}
	}
	return err
}

func UpdateFeedStarted(ctx context.Context, db Queryer, feedID int32, t time.Time) error {
	commandTag, err := db.Exec(ctx, `update "feeds" set "update_started_at"=$2 where "id"=$1`, feedID, t)
	if err != nil {
		return err
	}
	if commandTag.RowsAffected() != 1 {
		return ErrNotFound
	}
	return nil
}

// FeedBackoff is the rate limit backoff to record with a failure.
type FeedBackoff struct {
	Until    time.Time
	Interval time.Duration
}

// FeedFailure is a failed fetch. Gone marks an HTTP 410; consecutive ones are counted separately from other
// failures.
type FeedFailure struct {
	Message    string
	FetchTime  time.Time
	NextPollAt time.Time
	Backoff    *FeedBackoff
	Gone       bool
	Suspend    bool
}

// FeedSchedule is the adaptive polling state recorded after a successful or unchanged fetch.
type FeedSchedule struct {
	FetchTime      time.Time
	NextPollAt     time.Time
	UpdateInterval time.Duration
	PostsPerDay    float64
	NewEntries     int
}

type FeedSuccess struct {
	FeedSchedule
	Name         string
	SiteURL      string
	ETag         string
	LastModified string
}

// UpdateFeedWithFetchFailure records the failure and increments the consecutive failure count. It never touches the
// last success time or the new entry count.
func UpdateFeedWithFetchFailure(ctx context.Context, db Queryer, feedID int32, failure *FeedFailure) error {
	sets := make([]string, 0, 8)
	args := pgsql.Args{}

	sets = append(sets, `last_failure=`+args.Use(failure.Message).String())
	sets = append(sets, `last_failure_time=`+args.Use(failure.FetchTime).String())
	sets = append(sets, `failure_count=failure_count+1`)
	if failure.Gone {
		sets = append(sets, `gone_count=gone_count+1`)
	} else {
		sets = append(sets, `gone_count=0`)
	}
	sets = append(sets, `next_poll_at=`+args.Use(failure.NextPollAt).String())
	if failure.Backoff != nil {
		sets = append(sets, `backoff_until=`+args.Use(failure.Backoff.Until).String())
		sets = append(sets, `backoff_interval_seconds=`+args.Use(durationSeconds(failure.Backoff.Interval)).String())
	}
	if failure.Suspend {
		sets = append(sets, `suspended=true`)
	}

	sql := `update "feeds" set ` + strings.Join(sets, ", ") + ` where "id"=` + args.Use(feedID).String()

	return execOne(ctx, db, sql, args.Values()...)
}

// UpdateFeedWithFetchUnchanged records a 304 response. Backoff and the failure state are reset.
func UpdateFeedWithFetchUnchanged(ctx context.Context, db Queryer, feedID int32, schedule *FeedSchedule) error {
	sets, args := successSets(schedule)

	sql := `update "feeds" set ` + strings.Join(sets, ", ") + ` where "id"=` + args.Use(feedID).String()

	return execOne(ctx, db, sql, args.Values()...)
}

// UpdateFeedWithFetchSuccess records a fetched and stored document. The name and site URL are only filled in when
// the feed does not have them yet.
func UpdateFeedWithFetchSuccess(ctx context.Context, db Queryer, feedID int32, success *FeedSuccess) error {
	sets, args := successSets(&success.FeedSchedule)

	sets = append(sets, `etag=`+args.Use(NullText(success.ETag)).String())
	sets = append(sets, `last_modified=`+args.Use(NullText(success.LastModified)).String())
	sets = append(sets, `name=coalesce(name, `+args.Use(NullText(success.Name)).String()+`)`)
	sets = append(sets, `site_url=coalesce(site_url, `+args.Use(NullText(success.SiteURL)).String()+`)`)

	sql := `update "feeds" set ` + strings.Join(sets, ", ") + ` where "id"=` + args.Use(feedID).String()

	return execOne(ctx, db, sql, args.Values()...)
}

func successSets(schedule *FeedSchedule) ([]string, *pgsql.Args) {
	sets := make([]string, 0, 16)
	args := &pgsql.Args{}

	sets = append(sets, `last_fetch_time=`+args.Use(schedule.FetchTime).String())
	sets = append(sets, `last_success_time=`+args.Use(schedule.FetchTime).String())
	sets = append(sets, `last_failure=null`)
	sets = append(sets, `failure_count=0`)
	sets = append(sets, `gone_count=0`)
	sets = append(sets, `backoff_until=null`)
	sets = append(sets, `backoff_interval_seconds=0`)
	sets = append(sets, `suspended=false`)
	sets = append(sets, `next_poll_at=`+args.Use(schedule.NextPollAt).String())
	sets = append(sets, `update_interval_seconds=`+args.Use(durationSeconds(schedule.UpdateInterval)).String())
	sets = append(sets, `posts_per_day=`+args.Use(schedule.PostsPerDay).String())
	sets = append(sets, `last_new_entries=`+args.Use(int32(schedule.NewEntries)).String())

	return sets, args
}

func execOne(ctx context.Context, db Queryer, sql string, args ...any) error {
	commandTag, err := db.Exec(ctx, sql, args...)
	if err != nil {
		return err
	}
	if commandTag.RowsAffected() != 1 {
		return ErrNotFound
	}
	return nil
}

func durationSeconds(d time.Duration) int32 {
	return int32(d / time.Second)
}

// NullText returns s as a pgtype.Text that is NULL when s is empty.
func NullText(s string) pgtype.Text {
	return pgtype.Text{String: s, Valid: s != ""}
}
