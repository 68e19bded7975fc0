package backend

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/jackc/feedpipe/backend/data"
	"github.com/jackc/feedpipe/backend/feedparse"
	"github.com/jackc/feedpipe/backend/fetch"
	"github.com/jackc/feedpipe/backend/filter"
	"github.com/jackc/feedpipe/backend/sanitize"
	"github.com/jackc/feedpipe/backend/schedule"
	"github.com/jackc/feedpipe/backend/throttle"
	"github.com/jackc/pgx/v5/pgtype"
	"golang.org/x/sync/semaphore"
	log "gopkg.in/inconshreveable/log15.v2"
)

const databaseErrorMessage = "database error"

type Outcome int

const (
	OutcomeOK Outcome = iota + 1
	OutcomeNotModified
	OutcomeRateLimited
	OutcomeError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeNotModified:
		return "not_modified"
	case OutcomeRateLimited:
		return "rate_limited"
	case OutcomeError:
		return "error"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// UpdateResult is the terminal state of one FeedUpdater.Update call.
type UpdateResult struct {
	Outcome    Outcome    `json:"outcome"`
	NewEntries int        `json:"new_entries"`
	Message    string     `json:"message,omitempty"`
	RetryAt    *time.Time `json:"retry_at,omitempty"`
}

type FeedUpdaterConfig struct {
	Policy schedule.Policy

	// GoneSuspendAfter is the number of consecutive failures ending in HTTP 410 after which a feed is suspended. 0
	// disables suspension.
	GoneSuspendAfter int

	MaxConcurrentFetches int
	PollInterval         time.Duration
	BatchSize            int
}

func DefaultFeedUpdaterConfig() FeedUpdaterConfig {
	return FeedUpdaterConfig{
		Policy:               schedule.DefaultPolicy(),
		GoneSuspendAfter:     3,
		MaxConcurrentFetches: 25,
		PollInterval:         time.Minute,
		BatchSize:            1000,
	}
}

type FeedUpdater struct {
	repo      Repository
	fetcher   fetch.Fetcher
	throttler throttle.Throttler
	parser    *feedparse.Parser
	engine    *filter.Engine
	config    FeedUpdaterConfig
	logger    log.Logger
	now       func() time.Time
}

func NewFeedUpdater(repo Repository, fetcher fetch.Fetcher, throttler throttle.Throttler, config FeedUpdaterConfig, logger log.Logger) *FeedUpdater {
	u := &FeedUpdater{}
	u.repo = repo
	u.fetcher = fetcher
	u.throttler = throttler
	u.parser = feedparse.NewParser(sanitize.New())
	u.engine = filter.NewEngine(logger.New("module", "filter"))
	u.config = config
	u.logger = logger
	u.now = time.Now
	if u.config.MaxConcurrentFetches < 1 {
		u.config.MaxConcurrentFetches = 1
	}
	return u
}

// KeepFeedsFresh updates due feeds every PollInterval until ctx is canceled.
func (u *FeedUpdater) KeepFeedsFresh(ctx context.Context) error {
	ticker := time.NewTicker(u.config.PollInterval)
	defer ticker.Stop()

	for {
		u.UpdateDueFeeds(ctx)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// UpdateDueFeeds updates every feed that is due with at most MaxConcurrentFetches updates in flight. It returns the
// number of feeds updated once all of them have finished.
func (u *FeedUpdater) UpdateDueFeeds(ctx context.Context) int {
	feeds, err := u.repo.GetFeedsDue(ctx, u.now(), u.config.BatchSize)
	if err != nil {
		u.logger.Error("GetFeedsDue failed", "error", err)
		return 0
	}
	u.logger.Info("GetFeedsDue succeeded", "n", len(feeds))

	sem := semaphore.NewWeighted(int64(u.config.MaxConcurrentFetches))
	wg := &sync.WaitGroup{}
	n := 0

	for _, feed := range feeds {
		err := sem.Acquire(ctx, 1)
		if err != nil {
			break
		}
		n++
		wg.Add(1)
		feed := feed
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			u.Update(ctx, feed)
		}()
	}

	wg.Wait()
	return n
}

// Update runs one fetch, parse, and store cycle for feed. Failures are recorded on the feed and reported in the
// result. Update never returns a Go error.
func (u *FeedUpdater) Update(ctx context.Context, feed data.Feed) UpdateResult {
	logger := u.logger.New("feed_id", feed.ID, "url", feed.URL)

	err := u.repo.UpdateFeedStarted(ctx, feed.ID, u.now())
	if err != nil {
		logger.Error("UpdateFeedStarted failed", "error", err)
		return UpdateResult{Outcome: OutcomeError, Message: databaseErrorMessage}
	}

	err = u.throttler.Wait(ctx, throttle.HostOf(feed.URL))
	if err != nil {
		logger.Warn("throttle wait failed", "error", err)
	}

	fetchResult := u.fetcher.Fetch(ctx, fetch.Request{
		URL:          feed.URL,
		ETag:         feed.ETag.String,
		LastModified: feed.LastModified.String,
	})
	fetchTime := u.now()

	switch fetchResult.Status {
	case fetch.StatusRateLimited:
		until, interval := u.config.Policy.RateLimited(fetchTime, feed.BackoffInterval, fetchResult.RetryAfter)
		logger.Warn("fetch rate limited", "retry_at", until)
		u.recordFailure(ctx, logger, feed.ID, &data.FeedFailure{
			Message:    fetchResult.Message,
			FetchTime:  fetchTime,
			NextPollAt: until,
			Backoff:    &data.FeedBackoff{Until: until, Interval: interval},
		})
		return UpdateResult{Outcome: OutcomeRateLimited, Message: fetchResult.Message, RetryAt: &until}

	case fetch.StatusNotModified:
		sched := u.nextSchedule(feed, fetchTime, 0, nil)
		err := u.repo.UpdateFeedWithFetchUnchanged(ctx, feed.ID, &sched)
		if err != nil {
			logger.Error("UpdateFeedWithFetchUnchanged failed", "error", err)
			return UpdateResult{Outcome: OutcomeError, Message: databaseErrorMessage}
		}
		logger.Info("fetch 304 unchanged")
		return UpdateResult{Outcome: OutcomeNotModified}

	case fetch.StatusOK:

	default:
		logger.Error("fetch failed", "error", fetchResult.Message)
		gone := fetchResult.ErrorKind == fetch.ErrorGone
		suspend := gone && u.config.GoneSuspendAfter > 0 && int(feed.GoneCount)+1 >= u.config.GoneSuspendAfter
		if suspend {
			logger.Warn("suspending gone feed", "gone_count", feed.GoneCount+1)
		}
		return u.fail(ctx, logger, feed, fetchTime, fetchResult.Message, gone, suspend)
	}

	parsed := u.parser.Parse(fetchResult.Body, feed.URL)
	if parsed.Err != nil {
		logger.Error("parse failed", "error", parsed.Err)
		return u.fail(ctx, logger, feed, fetchTime, fmt.Sprintf("Unable to parse feed: %v", parsed.Err), false, false)
	}

	var newEntries int
	err = u.repo.Transact(ctx, func(tx RepositoryTx) error {
		newEntries = 0
		for _, pe := range sortedByGUID(parsed.Entries) {
			if pe.Link == "" {
				continue
			}

			created, err := u.storeEntry(ctx, tx, feed, pe)
			if err != nil {
				return err
			}
			if created {
				newEntries++
			}
		}

		success := &data.FeedSuccess{
			FeedSchedule: u.nextSchedule(feed, fetchTime, newEntries, parsed.Entries),
			Name:         parsed.Title,
			SiteURL:      parsed.SiteURL,
			ETag:         fetchResult.ETag,
			LastModified: fetchResult.LastModified,
		}
		err := tx.UpdateFeedWithFetchSuccess(ctx, feed.ID, success)
		if err != nil {
			return fmt.Errorf("UpdateFeedWithFetchSuccess failed: %w", err)
		}
		return nil
	})
	if err != nil {
		logger.Error("update transaction failed", "error", err)
		return u.fail(ctx, logger, feed, fetchTime, databaseErrorMessage, false, false)
	}

	logger.Info("Update succeeded", "new_entries", newEntries)
	return UpdateResult{Outcome: OutcomeOK, NewEntries: newEntries}
}

// storeEntry finds or creates the entry and the user entry for the feed's owner. New user entries are run through
// the owner's filters against the stored entry. created reports whether a user entry was created.
func (u *FeedUpdater) storeEntry(ctx context.Context, tx RepositoryTx, feed data.Feed, pe feedparse.Entry) (created bool, err error) {
	entry := &data.Entry{
		GUID:        pe.GUID,
		Title:       pe.Title,
		Link:        pe.Link,
		Content:     pe.Content,
		Author:      pe.Author,
		PublishedAt: timestamptz(pe.Published),
		UpdatedAt:   timestamptz(pe.Updated),
	}
	entryCreated, err := tx.FindOrCreateEntry(ctx, entry)
	if err != nil {
		return false, fmt.Errorf("FindOrCreateEntry failed: %w", err)
	}

	if entryCreated && len(pe.Enclosures) > 0 {
		enclosures := make([]data.Enclosure, len(pe.Enclosures))
		for i, e := range pe.Enclosures {
			enclosures[i] = data.Enclosure{
				URL:      e.URL,
				MimeType: e.MimeType,
				Title:    data.NullText(e.Title),
				Length:   pgtype.Int8{Int64: e.Length, Valid: e.Length > 0},
			}
		}
		err := tx.CreateEnclosures(ctx, entry.ID, enclosures)
		if err != nil {
			return false, fmt.Errorf("CreateEnclosures failed: %w", err)
		}
	}

	userEntry := &data.UserEntry{UserID: feed.UserID, FeedID: feed.ID, EntryID: entry.ID, Unread: true}
	created, err = tx.FindOrCreateUserEntry(ctx, userEntry)
	if err != nil {
		return false, fmt.Errorf("FindOrCreateUserEntry failed: %w", err)
	}
	if !created {
		return false, nil
	}

	err = u.engine.Execute(ctx, tx, filter.Subject{
		UserEntryID: userEntry.ID,
		EntryID:     entry.ID,
		UserID:      feed.UserID,
		FeedID:      feed.ID,
		CategoryID:  feed.CategoryID.Int32,
		Title:       entry.Title,
		Content:     entry.Content,
		Link:        entry.Link,
		Author:      entry.Author,
		PublishedAt: timePtr(entry.PublishedAt),
		State:       filter.State{Unread: userEntry.Unread},
	})
	if err != nil {
		return false, err
	}

	return true, nil
}

// fail records a fetch or parse failure. The feed is polled again after its current interval.
func (u *FeedUpdater) fail(ctx context.Context, logger log.Logger, feed data.Feed, fetchTime time.Time, message string, gone, suspend bool) UpdateResult {
	interval := feed.UpdateInterval
	if interval <= 0 {
		interval = u.config.Policy.DefaultInterval
	}

	u.recordFailure(ctx, logger, feed.ID, &data.FeedFailure{
		Message:    message,
		FetchTime:  fetchTime,
		NextPollAt: fetchTime.Add(interval),
		Gone:       gone,
		Suspend:    suspend,
	})
	return UpdateResult{Outcome: OutcomeError, Message: message}
}

func (u *FeedUpdater) recordFailure(ctx context.Context, logger log.Logger, feedID int32, failure *data.FeedFailure) {
	err := u.repo.UpdateFeedWithFetchFailure(ctx, feedID, failure)
	if err != nil {
		logger.Error("UpdateFeedWithFetchFailure failed", "error", err)
	}
}

// nextSchedule updates the polling statistics. The first successful fetch of a feed holds its whole backlog, so its
// estimate is seeded from the publication times in the document instead of the new entry count.
func (u *FeedUpdater) nextSchedule(feed data.Feed, fetchTime time.Time, newEntries int, entries []feedparse.Entry) data.FeedSchedule {
	policy := u.config.Policy

	var postsPerDay float64
	var interval time.Duration
	if feed.LastSuccessTime.Valid {
		elapsed := policy.Elapsed(fetchTime, feed.LastSuccessTime.Time)
		postsPerDay = schedule.PostsPerDay(feed.PostsPerDay, newEntries, elapsed)
		interval = policy.Interval(postsPerDay)
	} else {
		published := make([]time.Time, 0, len(entries))
		for _, e := range entries {
			if e.Published != nil {
				published = append(published, *e.Published)
			}
		}
		var ok bool
		if postsPerDay, ok = schedule.SeedPostsPerDay(published); ok {
			interval = policy.Interval(postsPerDay)
		} else {
			interval = policy.DefaultInterval
		}
	}

	return data.FeedSchedule{
		FetchTime:      fetchTime,
		NextPollAt:     fetchTime.Add(interval),
		UpdateInterval: interval,
		PostsPerDay:    postsPerDay,
		NewEntries:     newEntries,
	}
}

// sortedByGUID returns a copy of entries ordered by GUID. Concurrent updates of feeds sharing entries then lock the
// entries rows in the same order.
func sortedByGUID(entries []feedparse.Entry) []feedparse.Entry {
	sorted := slices.Clone(entries)
	slices.SortStableFunc(sorted, func(a, b feedparse.Entry) int {
		return strings.Compare(a.GUID, b.GUID)
	})
	return sorted
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if !t.Valid {
		return nil
	}
	return &t.Time
}

func timestamptz(t *time.Time) pgtype.Timestamptz {
	if t == nil {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{Time: *t, Valid: true}
}
