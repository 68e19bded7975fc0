package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/feedpipe/backend/data"
	"github.com/jackc/feedpipe/backend/fetch"
	"github.com/jackc/feedpipe/backend/filter"
	"github.com/jackc/feedpipe/backend/throttle"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/stretchr/testify/require"
	log "gopkg.in/inconshreveable/log15.v2"
)

type fakeFetcher struct {
	mutex    sync.Mutex
	results  []fetch.Result
	requests []fetch.Request
}

// Fetch returns the queued results in order. The last one repeats.
func (f *fakeFetcher) Fetch(ctx context.Context, req fetch.Request) fetch.Result {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	f.requests = append(f.requests, req)
	result := f.results[0]
	if len(f.results) > 1 {
		f.results = f.results[1:]
	}
	return result
}

func (f *fakeFetcher) requestCount() int {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return len(f.requests)
}

func okResult(body string) fetch.Result {
	return fetch.Result{Status: fetch.StatusOK, StatusCode: http.StatusOK, Body: []byte(body)}
}

func rssDocument(items ...string) string {
	return `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
  <channel>
    <title>Example</title>
    <link>https://example.com/</link>
    ` + strings.Join(items, "\n    ") + `
  </channel>
</rss>`
}

const helloItem = `<item><title>Hello</title><link>https://example.com/1</link><guid>g1</guid></item>`

func newTestFeedUpdater(repo Repository, fetcher fetch.Fetcher) *FeedUpdater {
	config := DefaultFeedUpdaterConfig()
	return NewFeedUpdater(repo, fetcher, throttle.NewMemoryThrottler(0, time.Minute), config, log.New())
}

func init() {
	log.Root().SetHandler(log.DiscardHandler())
}

func getFeed(t *testing.T, repo Repository, feedID int32) *data.Feed {
	feed, err := repo.GetFeed(context.Background(), feedID)
	require.NoError(t, err)
	return feed
}

func TestFeedUpdaterUpdateNewFeed(t *testing.T) {
	repo := NewMemoryRepository()
	feedID := repo.CreateFeed(data.Feed{
		UserID:       1,
		URL:          "https://example.com/feed.xml",
		LastFailure:  pgtype.Text{String: "old error", Valid: true},
		FailureCount: 2,
	})
	fetcher := &fakeFetcher{results: []fetch.Result{okResult(rssDocument(helloItem))}}
	u := newTestFeedUpdater(repo, fetcher)

	before := time.Now()
	result := u.Update(context.Background(), *getFeed(t, repo, feedID))
	require.Equal(t, UpdateResult{Outcome: OutcomeOK, NewEntries: 1}, result)

	require.Len(t, fetcher.requests, 1)
	require.Equal(t, fetch.Request{URL: "https://example.com/feed.xml"}, fetcher.requests[0])

	entries := repo.Entries()
	require.Len(t, entries, 1)
	require.Equal(t, "g1", entries[0].GUID)
	require.Equal(t, "Hello", entries[0].Title)
	require.Equal(t, "https://example.com/1", entries[0].Link)

	userEntries := repo.UserEntries()
	require.Len(t, userEntries, 1)
	require.EqualValues(t, 1, userEntries[0].UserID)
	require.Equal(t, feedID, userEntries[0].FeedID)
	require.Equal(t, entries[0].ID, userEntries[0].EntryID)
	require.True(t, userEntries[0].Unread)

	feed := getFeed(t, repo, feedID)
	require.EqualValues(t, 1, feed.LastNewEntries)
	require.False(t, feed.LastFailure.Valid)
	require.EqualValues(t, 0, feed.FailureCount)
	require.True(t, feed.LastSuccessTime.Valid)
	require.True(t, feed.UpdateStartedAt.Valid)
	require.True(t, feed.NextPollAt.Time.After(before))
	require.Equal(t, "Example", feed.Name.String)
	require.Equal(t, "https://example.com/", feed.SiteURL.String)
}

func TestFeedUpdaterUpdateIsIdempotent(t *testing.T) {
	repo := NewMemoryRepository()
	feedID := repo.CreateFeed(data.Feed{UserID: 1, URL: "https://example.com/feed.xml"})
	body := rssDocument(
		helloItem,
		`<item><title>World</title><link>https://example.com/2</link><guid>g2</guid></item>`,
	)
	u := newTestFeedUpdater(repo, &fakeFetcher{results: []fetch.Result{okResult(body)}})

	result := u.Update(context.Background(), *getFeed(t, repo, feedID))
	require.Equal(t, OutcomeOK, result.Outcome)
	require.Equal(t, 2, result.NewEntries)

	result = u.Update(context.Background(), *getFeed(t, repo, feedID))
	require.Equal(t, OutcomeOK, result.Outcome)
	require.Equal(t, 0, result.NewEntries)

	require.Len(t, repo.Entries(), 2)
	require.Len(t, repo.UserEntries(), 2)
	require.EqualValues(t, 0, getFeed(t, repo, feedID).LastNewEntries)
}

func TestFeedUpdaterSharesEntriesBetweenUsers(t *testing.T) {
	repo := NewMemoryRepository()
	feed1 := repo.CreateFeed(data.Feed{UserID: 1, URL: "https://example.com/feed.xml"})
	feed2 := repo.CreateFeed(data.Feed{UserID: 2, URL: "https://mirror.example.net/feed.xml"})
	u := newTestFeedUpdater(repo, &fakeFetcher{results: []fetch.Result{okResult(rssDocument(helloItem))}})

	require.Equal(t, 1, u.Update(context.Background(), *getFeed(t, repo, feed1)).NewEntries)
	require.Equal(t, 1, u.Update(context.Background(), *getFeed(t, repo, feed2)).NewEntries)

	require.Len(t, repo.Entries(), 1)
	userEntries := repo.UserEntries()
	require.Len(t, userEntries, 2)
	require.Equal(t, userEntries[0].EntryID, userEntries[1].EntryID)
}

func TestFeedUpdaterFiltersSharedEntryAsStored(t *testing.T) {
	repo := NewMemoryRepository()
	feed1 := repo.CreateFeed(data.Feed{UserID: 1, URL: "https://example.com/feed.xml"})
	feed2 := repo.CreateFeed(data.Feed{UserID: 2, URL: "https://mirror.example.net/feed.xml"})

	hello, err := filter.ParseRule(filter.RuleSpec{Type: "title", Pattern: "hello"})
	require.NoError(t, err)
	greetings, err := filter.ParseRule(filter.RuleSpec{Type: "title", Pattern: "greetings"})
	require.NoError(t, err)
	repo.SetFilters(2, []filter.Filter{
		{ID: 1, Rules: []filter.Rule{hello}, Actions: []filter.Action{filter.Star{}}},
		{ID: 2, Rules: []filter.Rule{greetings}, Actions: []filter.Action{filter.Publish{}}},
	})

	mirrored := rssDocument(`<item><title>Greetings</title><link>https://mirror.example.net/1</link><guid>g1</guid></item>`)
	u := newTestFeedUpdater(repo, &fakeFetcher{results: []fetch.Result{okResult(rssDocument(helloItem)), okResult(mirrored)}})

	require.Equal(t, 1, u.Update(context.Background(), *getFeed(t, repo, feed1)).NewEntries)
	require.Equal(t, 1, u.Update(context.Background(), *getFeed(t, repo, feed2)).NewEntries)

	entries := repo.Entries()
	require.Len(t, entries, 1)
	require.Equal(t, "Hello", entries[0].Title)

	userEntries := repo.UserEntries()
	require.Len(t, userEntries, 2)
	require.EqualValues(t, 2, userEntries[1].UserID)
	require.True(t, userEntries[1].Starred)
	require.False(t, userEntries[1].Published)

	_, triggered := repo.FilterTriggeredAt(2)
	require.False(t, triggered)
}

func TestFeedUpdaterStoresEntriesInGUIDOrder(t *testing.T) {
	body := rssDocument(
		`<item><title>C</title><link>https://example.com/c</link><guid>g3</guid></item>`,
		`<item><title>A</title><link>https://example.com/a</link><guid>g1</guid></item>`,
		`<item><title>B</title><link>https://example.com/b</link><guid>g2</guid></item>`,
	)

	repo := NewMemoryRepository()
	feedID := repo.CreateFeed(data.Feed{UserID: 1, URL: "https://example.com/feed.xml"})
	u := newTestFeedUpdater(repo, &fakeFetcher{results: []fetch.Result{okResult(body)}})

	require.Equal(t, 3, u.Update(context.Background(), *getFeed(t, repo, feedID)).NewEntries)

	var guids []string
	for _, e := range repo.Entries() {
		guids = append(guids, e.GUID)
	}
	require.Equal(t, []string{"g1", "g2", "g3"}, guids)
}

func TestFeedUpdaterSeedsScheduleFromBacklog(t *testing.T) {
	now := time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)
	items := make([]string, 10)
	for i := range items {
		published := now.Add(-time.Duration(i) * 24 * time.Hour).Format(time.RFC1123Z)
		items[i] = fmt.Sprintf(`<item><title>Post %d</title><link>https://example.com/%d</link><guid>p%d</guid><pubDate>%s</pubDate></item>`, i, i, i, published)
	}

	repo := NewMemoryRepository()
	feedID := repo.CreateFeed(data.Feed{UserID: 1, URL: "https://example.com/feed.xml"})
	undated := repo.CreateFeed(data.Feed{UserID: 1, URL: "https://example.com/undated.xml"})
	u := newTestFeedUpdater(repo, &fakeFetcher{results: []fetch.Result{okResult(rssDocument(items...)), okResult(rssDocument(helloItem))}})
	u.now = func() time.Time { return now }

	require.Equal(t, 10, u.Update(context.Background(), *getFeed(t, repo, feedID)).NewEntries)
	feed := getFeed(t, repo, feedID)
	require.InDelta(t, 1, feed.PostsPerDay, 0.0001)
	require.Equal(t, 12*time.Hour, feed.UpdateInterval)
	require.Equal(t, now.Add(12*time.Hour), feed.NextPollAt.Time)

	require.Equal(t, 1, u.Update(context.Background(), *getFeed(t, repo, undated)).NewEntries)
	feed = getFeed(t, repo, undated)
	require.Equal(t, float64(0), feed.PostsPerDay)
	require.Equal(t, time.Hour, feed.UpdateInterval)
}

func TestFeedUpdaterSkipsEntriesWithoutLink(t *testing.T) {
	repo := NewMemoryRepository()
	feedID := repo.CreateFeed(data.Feed{UserID: 1, URL: "https://example.com/feed.xml"})
	body := rssDocument(helloItem, `<item><title>No link</title><guid isPermaLink="false">nolink</guid></item>`)
	u := newTestFeedUpdater(repo, &fakeFetcher{results: []fetch.Result{okResult(body)}})

	result := u.Update(context.Background(), *getFeed(t, repo, feedID))
	require.Equal(t, 1, result.NewEntries)

	entries := repo.Entries()
	require.Len(t, entries, 1)
	require.Equal(t, "g1", entries[0].GUID)
}

func TestFeedUpdaterConditionalGet(t *testing.T) {
	var ifNoneMatch string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ifNoneMatch = r.Header.Get("If-None-Match")
		if ifNoneMatch == "abc" {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", "abc")
		fmt.Fprint(w, rssDocument(helloItem))
	}))
	defer ts.Close()

	repo := NewMemoryRepository()
	feedID := repo.CreateFeed(data.Feed{
		UserID:         1,
		URL:            ts.URL,
		ETag:           pgtype.Text{String: "abc", Valid: true},
		UpdateInterval: time.Hour,
		LastNewEntries: 3,
	})
	u := newTestFeedUpdater(repo, fetch.NewHTTPFetcher(fetch.DefaultConfig("test")))

	result := u.Update(context.Background(), *getFeed(t, repo, feedID))
	require.Equal(t, UpdateResult{Outcome: OutcomeNotModified}, result)
	require.Equal(t, "abc", ifNoneMatch)

	require.Empty(t, repo.Entries())
	feed := getFeed(t, repo, feedID)
	require.True(t, feed.LastSuccessTime.Valid)
	require.EqualValues(t, 0, feed.LastNewEntries)
	require.Equal(t, "abc", feed.ETag.String)
}

func TestFeedUpdaterRateLimitedHonorsRetryAfter(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "120")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer ts.Close()

	lastSuccess := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	repo := NewMemoryRepository()
	feedID := repo.CreateFeed(data.Feed{
		UserID:          1,
		URL:             ts.URL,
		LastSuccessTime: pgtype.Timestamptz{Time: lastSuccess, Valid: true},
		LastNewEntries:  4,
	})
	u := newTestFeedUpdater(repo, fetch.NewHTTPFetcher(fetch.DefaultConfig("test")))

	before := time.Now()
	result := u.Update(context.Background(), *getFeed(t, repo, feedID))
	require.Equal(t, OutcomeRateLimited, result.Outcome)
	require.Equal(t, 0, result.NewEntries)
	require.NotNil(t, result.RetryAt)

	feed := getFeed(t, repo, feedID)
	require.False(t, feed.NextPollAt.Time.Before(before.Add(120*time.Second)))
	require.Equal(t, feed.NextPollAt.Time, feed.BackoffUntil.Time)
	require.Equal(t, lastSuccess, feed.LastSuccessTime.Time)
	require.EqualValues(t, 4, feed.LastNewEntries)
	require.EqualValues(t, 1, feed.FailureCount)
	require.True(t, feed.LastFailure.Valid)
	require.Empty(t, repo.Entries())
}

func TestFeedUpdaterRateLimitedWithoutRetryAfterDoublesBackoff(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	repo := NewMemoryRepository()
	feedID := repo.CreateFeed(data.Feed{UserID: 1, URL: "https://example.com/feed.xml", BackoffInterval: 5 * time.Minute})
	fetcher := &fakeFetcher{results: []fetch.Result{{Status: fetch.StatusRateLimited, StatusCode: 429, Message: "rate limited (HTTP 429 Too Many Requests)"}}}
	u := newTestFeedUpdater(repo, fetcher)
	u.now = func() time.Time { return now }

	result := u.Update(context.Background(), *getFeed(t, repo, feedID))
	require.Equal(t, OutcomeRateLimited, result.Outcome)
	require.Equal(t, now.Add(10*time.Minute), *result.RetryAt)

	feed := getFeed(t, repo, feedID)
	require.Equal(t, 10*time.Minute, feed.BackoffInterval)
	require.Equal(t, now.Add(10*time.Minute), feed.BackoffUntil.Time)

	// Success resets the backoff.
	fetcher.results = []fetch.Result{okResult(rssDocument(helloItem))}
	result = u.Update(context.Background(), *feed)
	require.Equal(t, OutcomeOK, result.Outcome)

	feed = getFeed(t, repo, feedID)
	require.Equal(t, time.Duration(0), feed.BackoffInterval)
	require.False(t, feed.BackoffUntil.Valid)
	require.EqualValues(t, 0, feed.FailureCount)
}

func TestFeedUpdaterFetchError(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	repo := NewMemoryRepository()
	feedID := repo.CreateFeed(data.Feed{UserID: 1, URL: "https://example.com/feed.xml", UpdateInterval: 2 * time.Hour})
	fetcher := &fakeFetcher{results: []fetch.Result{{Status: fetch.StatusError, StatusCode: 500, ErrorKind: fetch.ErrorServer, Message: "server error (HTTP 500 Internal Server Error)"}}}
	u := newTestFeedUpdater(repo, fetcher)
	u.now = func() time.Time { return now }

	result := u.Update(context.Background(), *getFeed(t, repo, feedID))
	require.Equal(t, UpdateResult{Outcome: OutcomeError, Message: "server error (HTTP 500 Internal Server Error)"}, result)

	feed := getFeed(t, repo, feedID)
	require.Equal(t, "server error (HTTP 500 Internal Server Error)", feed.LastFailure.String)
	require.EqualValues(t, 1, feed.FailureCount)
	require.Equal(t, now.Add(2*time.Hour), feed.NextPollAt.Time)
	require.False(t, feed.LastSuccessTime.Valid)
	require.False(t, feed.BackoffUntil.Valid)
	require.False(t, feed.Suspended)
	require.Empty(t, repo.Entries())
}

func TestFeedUpdaterSuspendsGoneFeed(t *testing.T) {
	gone := fetch.Result{Status: fetch.StatusError, StatusCode: 410, ErrorKind: fetch.ErrorGone, Message: "feed is gone (HTTP 410 Gone)"}

	repo := NewMemoryRepository()
	feedID := repo.CreateFeed(data.Feed{UserID: 1, URL: "https://example.com/feed.xml"})
	u := newTestFeedUpdater(repo, &fakeFetcher{results: []fetch.Result{gone}})

	for i := 1; i <= 3; i++ {
		result := u.Update(context.Background(), *getFeed(t, repo, feedID))
		require.Equal(t, OutcomeError, result.Outcome)
		require.Equal(t, i == 3, getFeed(t, repo, feedID).Suspended, "after %d failures", i)
	}

	due, err := repo.GetFeedsDue(context.Background(), time.Now().Add(48*time.Hour), 10)
	require.NoError(t, err)
	require.Empty(t, due)
}

func TestFeedUpdaterSuspendsOnlyAfterConsecutiveGone(t *testing.T) {
	serverError := fetch.Result{Status: fetch.StatusError, StatusCode: 500, ErrorKind: fetch.ErrorServer, Message: "server error (HTTP 500 Internal Server Error)"}
	gone := fetch.Result{Status: fetch.StatusError, StatusCode: 410, ErrorKind: fetch.ErrorGone, Message: "feed is gone (HTTP 410 Gone)"}

	repo := NewMemoryRepository()
	feedID := repo.CreateFeed(data.Feed{UserID: 1, URL: "https://example.com/feed.xml"})
	u := newTestFeedUpdater(repo, &fakeFetcher{results: []fetch.Result{serverError, serverError, gone, gone, serverError, gone, gone, gone}})

	expected := []struct {
		gone      int32
		suspended bool
	}{
		{0, false},
		{0, false},
		{1, false},
		{2, false},
		{0, false},
		{1, false},
		{2, false},
		{3, true},
	}
	for i, e := range expected {
		u.Update(context.Background(), *getFeed(t, repo, feedID))
		feed := getFeed(t, repo, feedID)
		require.Equal(t, e.gone, feed.GoneCount, "fetch %d", i+1)
		require.Equal(t, e.suspended, feed.Suspended, "fetch %d", i+1)
		require.EqualValues(t, i+1, feed.FailureCount)
	}
}

func TestFeedUpdaterDoesNotSuspendOtherPermanentErrors(t *testing.T) {
	notFound := fetch.Result{Status: fetch.StatusError, StatusCode: 404, ErrorKind: fetch.ErrorNotFound, Message: "feed not found (HTTP 404 Not Found)"}

	repo := NewMemoryRepository()
	feedID := repo.CreateFeed(data.Feed{UserID: 1, URL: "https://example.com/feed.xml", FailureCount: 10})
	u := newTestFeedUpdater(repo, &fakeFetcher{results: []fetch.Result{notFound}})

	u.Update(context.Background(), *getFeed(t, repo, feedID))
	feed := getFeed(t, repo, feedID)
	require.False(t, feed.Suspended)
	require.EqualValues(t, 11, feed.FailureCount)
}

func TestFeedUpdaterParseError(t *testing.T) {
	repo := NewMemoryRepository()
	feedID := repo.CreateFeed(data.Feed{UserID: 1, URL: "https://example.com/feed.xml"})
	u := newTestFeedUpdater(repo, &fakeFetcher{results: []fetch.Result{okResult("this is not a feed")}})

	result := u.Update(context.Background(), *getFeed(t, repo, feedID))
	require.Equal(t, OutcomeError, result.Outcome)
	require.True(t, strings.HasPrefix(result.Message, "Unable to parse feed: "), result.Message)

	feed := getFeed(t, repo, feedID)
	require.Equal(t, result.Message, feed.LastFailure.String)
	require.False(t, feed.LastSuccessTime.Valid)
	require.Empty(t, repo.Entries())
}

type failingRepository struct {
	*memoryRepository
}

func (r *failingRepository) Transact(ctx context.Context, fn func(tx RepositoryTx) error) error {
	return r.memoryRepository.Transact(ctx, func(tx RepositoryTx) error {
		return fn(&failingTx{RepositoryTx: tx})
	})
}

type failingTx struct {
	RepositoryTx
}

func (tx *failingTx) UpdateFeedWithFetchSuccess(ctx context.Context, feedID int32, success *data.FeedSuccess) error {
	return errors.New("connection reset by peer")
}

func TestFeedUpdaterDatabaseErrorRollsBack(t *testing.T) {
	memRepo := NewMemoryRepository()
	feedID := memRepo.CreateFeed(data.Feed{UserID: 1, URL: "https://example.com/feed.xml"})
	hello, err := filter.ParseRule(filter.RuleSpec{Type: "title", Pattern: "hello"})
	require.NoError(t, err)
	memRepo.SetFilters(1, []filter.Filter{{ID: 1, Rules: []filter.Rule{hello}, Actions: []filter.Action{filter.Star{}, filter.Tag{Name: "greeting"}}}})

	repo := &failingRepository{memoryRepository: memRepo}
	u := newTestFeedUpdater(repo, &fakeFetcher{results: []fetch.Result{okResult(rssDocument(helloItem))}})

	result := u.Update(context.Background(), *getFeed(t, repo, feedID))
	require.Equal(t, UpdateResult{Outcome: OutcomeError, Message: "database error"}, result)

	require.Empty(t, memRepo.Entries())
	require.Empty(t, memRepo.UserEntries())
	_, triggered := memRepo.FilterTriggeredAt(1)
	require.False(t, triggered)

	feed := getFeed(t, repo, feedID)
	require.Equal(t, "database error", feed.LastFailure.String)
	require.EqualValues(t, 1, feed.FailureCount)
}

func TestFeedUpdaterRunsFiltersInsideTransaction(t *testing.T) {
	repo := NewMemoryRepository()
	feedID := repo.CreateFeed(data.Feed{UserID: 1, URL: "https://example.com/feed.xml"})

	hello, err := filter.ParseRule(filter.RuleSpec{Type: "title", Pattern: "hello"})
	require.NoError(t, err)
	world, err := filter.ParseRule(filter.RuleSpec{Type: "title", Pattern: "world"})
	require.NoError(t, err)
	repo.SetFilters(1, []filter.Filter{
		{ID: 1, Rules: []filter.Rule{hello}, Actions: []filter.Action{filter.Delete{}}},
		{ID: 2, Rules: []filter.Rule{world}, Actions: []filter.Action{filter.Star{}, filter.Tag{Name: "planet"}}},
	})

	body := rssDocument(
		helloItem,
		`<item><title>World</title><link>https://example.com/2</link><guid>g2</guid></item>`,
	)
	u := newTestFeedUpdater(repo, &fakeFetcher{results: []fetch.Result{okResult(body)}})

	result := u.Update(context.Background(), *getFeed(t, repo, feedID))
	require.Equal(t, OutcomeOK, result.Outcome)
	require.Equal(t, 2, result.NewEntries)

	require.Len(t, repo.Entries(), 2)
	userEntries := repo.UserEntries()
	require.Len(t, userEntries, 1)
	require.True(t, userEntries[0].Starred)
	require.Equal(t, []string{"planet"}, repo.TagNames(1, userEntries[0].EntryID))

	_, triggered := repo.FilterTriggeredAt(1)
	require.True(t, triggered)
	_, triggered = repo.FilterTriggeredAt(2)
	require.True(t, triggered)

	// A deleted user entry is recreated on the next poll and filtered again.
	result = u.Update(context.Background(), *getFeed(t, repo, feedID))
	require.Equal(t, 1, result.NewEntries)
	require.Len(t, repo.Entries(), 2)
	require.Len(t, repo.UserEntries(), 1)
}

func TestFeedUpdaterCreatesEnclosuresOnlyWithEntry(t *testing.T) {
	first := rssDocument(`<item><title>Episode 1</title><guid>ep1</guid>
  <enclosure url="https://example.com/ep1.mp3" type="audio/mpeg" length="1234"/></item>`)
	second := rssDocument(`<item><title>Episode 1</title><guid>ep1</guid>
  <enclosure url="https://example.com/ep1-remastered.mp3" type="audio/mpeg" length="5678"/></item>`)

	repo := NewMemoryRepository()
	feedID := repo.CreateFeed(data.Feed{UserID: 1, URL: "https://example.com/podcast.xml"})
	u := newTestFeedUpdater(repo, &fakeFetcher{results: []fetch.Result{okResult(first), okResult(second)}})

	require.Equal(t, 1, u.Update(context.Background(), *getFeed(t, repo, feedID)).NewEntries)
	require.Equal(t, 0, u.Update(context.Background(), *getFeed(t, repo, feedID)).NewEntries)

	entries := repo.Entries()
	require.Len(t, entries, 1)
	require.Equal(t, "https://example.com/ep1.mp3", entries[0].Link)

	enclosures := repo.Enclosures(entries[0].ID)
	require.Len(t, enclosures, 1)
	require.Equal(t, "https://example.com/ep1.mp3", enclosures[0].URL)
	require.Equal(t, "audio/mpeg", enclosures[0].MimeType)
	require.Equal(t, pgtype.Int8{Int64: 1234, Valid: true}, enclosures[0].Length)
}

func TestUpdateDueFeeds(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	repo := NewMemoryRepository()
	repo.CreateFeed(data.Feed{UserID: 1, URL: "https://a.example.com/feed.xml"})
	repo.CreateFeed(data.Feed{UserID: 1, URL: "https://b.example.com/feed.xml", NextPollAt: pgtype.Timestamptz{Time: now.Add(-time.Minute), Valid: true}})
	repo.CreateFeed(data.Feed{UserID: 1, URL: "https://c.example.com/feed.xml", NextPollAt: pgtype.Timestamptz{Time: now.Add(time.Minute), Valid: true}})
	repo.CreateFeed(data.Feed{UserID: 1, URL: "https://d.example.com/feed.xml", BackoffUntil: pgtype.Timestamptz{Time: now.Add(time.Hour), Valid: true}})
	repo.CreateFeed(data.Feed{UserID: 1, URL: "https://e.example.com/feed.xml", Suspended: true})

	fetcher := &fakeFetcher{results: []fetch.Result{okResult(rssDocument())}}
	u := newTestFeedUpdater(repo, fetcher)
	u.now = func() time.Time { return now }

	n := u.UpdateDueFeeds(context.Background())
	require.Equal(t, 2, n)

	var urls []string
	for _, r := range fetcher.requests {
		urls = append(urls, r.URL)
	}
	require.ElementsMatch(t, []string{"https://a.example.com/feed.xml", "https://b.example.com/feed.xml"}, urls)
}

func TestKeepFeedsFreshRunsUntilCanceled(t *testing.T) {
	repo := NewMemoryRepository()
	repo.CreateFeed(data.Feed{UserID: 1, URL: "https://example.com/feed.xml"})
	fetcher := &fakeFetcher{results: []fetch.Result{okResult(rssDocument(helloItem))}}

	config := DefaultFeedUpdaterConfig()
	config.PollInterval = 10 * time.Millisecond
	u := NewFeedUpdater(repo, fetcher, throttle.NewMemoryThrottler(0, time.Minute), config, log.New())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := u.KeepFeedsFresh(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// The feed is not due again until its next poll time.
	require.Equal(t, 1, fetcher.requestCount())
	require.Len(t, repo.Entries(), 1)
}

func TestUpdateResultJSON(t *testing.T) {
	retryAt := time.Date(2026, 10, 21, 7, 28, 0, 0, time.UTC)
	buf, err := json.Marshal(UpdateResult{Outcome: OutcomeRateLimited, Message: "slow down", RetryAt: &retryAt})
	require.NoError(t, err)
	require.JSONEq(t, `{"outcome":"rate_limited","new_entries":0,"message":"slow down","retry_at":"2026-10-21T07:28:00Z"}`, string(buf))
}
