package backend

import (
	"context"
	"time"

	"github.com/jackc/feedpipe/backend/data"
	"github.com/jackc/feedpipe/backend/filter"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type pgxRepository struct {
	pool *pgxpool.Pool
}

func NewPgxRepository(pool *pgxpool.Pool) *pgxRepository {
	return &pgxRepository{pool: pool}
}

func (repo *pgxRepository) GetFeed(ctx context.Context, feedID int32) (*data.Feed, error) {
	return data.SelectFeedByPK(ctx, repo.pool, feedID)
}

func (repo *pgxRepository) GetFeedsDue(ctx context.Context, now time.Time, limit int) ([]data.Feed, error) {
	return data.SelectFeedsDue(ctx, repo.pool, now, limit)
}

func (repo *pgxRepository) UpdateFeedStarted(ctx context.Context, feedID int32, t time.Time) error {
	return data.UpdateFeedStarted(ctx, repo.pool, feedID, t)
}

func (repo *pgxRepository) UpdateFeedWithFetchFailure(ctx context.Context, feedID int32, failure *data.FeedFailure) error {
	return data.UpdateFeedWithFetchFailure(ctx, repo.pool, feedID, failure)
}

func (repo *pgxRepository) UpdateFeedWithFetchUnchanged(ctx context.Context, feedID int32, schedule *data.FeedSchedule) error {
	return data.UpdateFeedWithFetchUnchanged(ctx, repo.pool, feedID, schedule)
}

func (repo *pgxRepository) Transact(ctx context.Context, fn func(tx RepositoryTx) error) error {
	tx, err := repo.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	err = fn(&pgxRepositoryTx{tx: tx})
	if err != nil {
		return err
	}

	return tx.Commit(ctx)
}

type pgxRepositoryTx struct {
	tx pgx.Tx
}

func (t *pgxRepositoryTx) UpdateFeedWithFetchSuccess(ctx context.Context, feedID int32, success *data.FeedSuccess) error {
	return data.UpdateFeedWithFetchSuccess(ctx, t.tx, feedID, success)
}

func (t *pgxRepositoryTx) FindOrCreateEntry(ctx context.Context, entry *data.Entry) (bool, error) {
	return data.FindOrCreateEntry(ctx, t.tx, entry)
}

func (t *pgxRepositoryTx) CreateEnclosures(ctx context.Context, entryID int64, enclosures []data.Enclosure) error {
	return data.InsertEnclosures(ctx, t.tx, entryID, enclosures)
}

func (t *pgxRepositoryTx) FindOrCreateUserEntry(ctx context.Context, userEntry *data.UserEntry) (bool, error) {
	return data.FindOrCreateUserEntry(ctx, t.tx, userEntry)
}

func (t *pgxRepositoryTx) EnabledFilters(ctx context.Context, userID int32) ([]filter.Filter, error) {
	return data.SelectEnabledFilters(ctx, t.tx, userID)
}

func (t *pgxRepositoryTx) EntryTagNames(ctx context.Context, userID int32, entryID int64) ([]string, error) {
	return data.SelectEntryTagNames(ctx, t.tx, userID, entryID)
}

func (t *pgxRepositoryTx) TouchFilter(ctx context.Context, filterID int32, triggeredAt time.Time) error {
	return data.TouchFilter(ctx, t.tx, filterID, triggeredAt)
}

func (t *pgxRepositoryTx) DeleteUserEntry(ctx context.Context, userEntryID int64) error {
	return data.DeleteUserEntry(ctx, t.tx, userEntryID)
}

func (t *pgxRepositoryTx) UpdateUserEntryState(ctx context.Context, userEntryID int64, state filter.State) error {
	return data.UpdateUserEntryState(ctx, t.tx, userEntryID, state.Unread, state.Starred, state.Published, state.Score)
}

func (t *pgxRepositoryTx) AttachTag(ctx context.Context, userID int32, entryID int64, tagID int32) error {
	return data.AttachTag(ctx, t.tx, userID, entryID, tagID)
}

func (t *pgxRepositoryTx) FindOrCreateTag(ctx context.Context, userID int32, name, fgColor, bgColor string) (int32, error) {
	return data.FindOrCreateTag(ctx, t.tx, userID, name, fgColor, bgColor)
}

func (t *pgxRepositoryTx) DetachTag(ctx context.Context, userID int32, entryID int64, name string) error {
	return data.DetachTag(ctx, t.tx, userID, entryID, name)
}
