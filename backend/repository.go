package backend

import (
	"context"
	"time"

	"github.com/jackc/feedpipe/backend/data"
	"github.com/jackc/feedpipe/backend/filter"
)

// Repository is the persistence the FeedUpdater works against. Writes that must be atomic go through Transact.
type Repository interface {
	GetFeed(ctx context.Context, feedID int32) (*data.Feed, error)
	GetFeedsDue(ctx context.Context, now time.Time, limit int) ([]data.Feed, error)
	UpdateFeedStarted(ctx context.Context, feedID int32, t time.Time) error
	UpdateFeedWithFetchFailure(ctx context.Context, feedID int32, failure *data.FeedFailure) error
	UpdateFeedWithFetchUnchanged(ctx context.Context, feedID int32, schedule *data.FeedSchedule) error

	// Transact calls fn inside a transaction. If fn returns an error nothing fn did is kept.
	Transact(ctx context.Context, fn func(tx RepositoryTx) error) error
}

// RepositoryTx is the transactional side of Repository. It also serves as the filter engine's store so filter side
// effects commit or roll back with the entries that triggered them.
type RepositoryTx interface {
	filter.Store

	UpdateFeedWithFetchSuccess(ctx context.Context, feedID int32, success *data.FeedSuccess) error
	FindOrCreateEntry(ctx context.Context, entry *data.Entry) (created bool, err error)
	CreateEnclosures(ctx context.Context, entryID int64, enclosures []data.Enclosure) error
	FindOrCreateUserEntry(ctx context.Context, userEntry *data.UserEntry) (created bool, err error)
}
