package backend

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jackc/feedpipe/backend/data"
	"github.com/jackc/feedpipe/backend/filter"
	"github.com/jackc/pgx/v5/pgtype"
)

type memoryUserEntryKey struct {
	userID  int32
	entryID int64
}

type memoryTag struct {
	id      int32
	userID  int32
	name    string
	fgColor string
	bgColor string
}

type memoryEntryTag struct {
	entryID int64
	tagID   int32
}

// memoryState is everything the memory repository holds. Transact works on a clone and swaps it in on success.
type memoryState struct {
	feedIDSeq      int32
	entryIDSeq     int64
	userEntryIDSeq int64
	tagIDSeq       int32
	enclosureIDSeq int64

	feeds             map[int32]data.Feed
	entries           map[int64]data.Entry
	entryIDsByGUID    map[string]int64
	enclosures        map[int64][]data.Enclosure
	userEntries       map[int64]data.UserEntry
	userEntryIDsByKey map[memoryUserEntryKey]int64
	tags              map[int32]memoryTag
	entryTags         map[memoryEntryTag]struct{}
	filters           map[int32][]filter.Filter
	filterTriggeredAt map[int32]time.Time
}

func newMemoryState() *memoryState {
	return &memoryState{
		feeds:             make(map[int32]data.Feed),
		entries:           make(map[int64]data.Entry),
		entryIDsByGUID:    make(map[string]int64),
		enclosures:        make(map[int64][]data.Enclosure),
		userEntries:       make(map[int64]data.UserEntry),
		userEntryIDsByKey: make(map[memoryUserEntryKey]int64),
		tags:              make(map[int32]memoryTag),
		entryTags:         make(map[memoryEntryTag]struct{}),
		filters:           make(map[int32][]filter.Filter),
		filterTriggeredAt: make(map[int32]time.Time),
	}
}

func cloneMap[K comparable, V any](src map[K]V) map[K]V {
	dst := make(map[K]V, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// clone copies the maps. Values are copied by value; slices in them are never mutated in place.
func (s *memoryState) clone() *memoryState {
	c := *s
	c.feeds = cloneMap(s.feeds)
	c.entries = cloneMap(s.entries)
	c.entryIDsByGUID = cloneMap(s.entryIDsByGUID)
	c.enclosures = cloneMap(s.enclosures)
	c.userEntries = cloneMap(s.userEntries)
	c.userEntryIDsByKey = cloneMap(s.userEntryIDsByKey)
	c.tags = cloneMap(s.tags)
	c.entryTags = cloneMap(s.entryTags)
	c.filters = cloneMap(s.filters)
	c.filterTriggeredAt = cloneMap(s.filterTriggeredAt)
	return &c
}

type memoryRepository struct {
	mutex sync.Mutex
	state *memoryState
}

func NewMemoryRepository() *memoryRepository {
	return &memoryRepository{state: newMemoryState()}
}

// CreateFeed stores feed with a new ID and returns the ID.
func (repo *memoryRepository) CreateFeed(feed data.Feed) int32 {
	repo.mutex.Lock()
	defer repo.mutex.Unlock()

	repo.state.feedIDSeq++
	feed.ID = repo.state.feedIDSeq
	if feed.CreationTime.IsZero() {
		feed.CreationTime = time.Now()
	}
	repo.state.feeds[feed.ID] = feed
	return feed.ID
}

// SetFilters replaces the enabled filters of userID. They run in the order given.
func (repo *memoryRepository) SetFilters(userID int32, filters []filter.Filter) {
	repo.mutex.Lock()
	defer repo.mutex.Unlock()
	repo.state.filters[userID] = filters
}

// CreateTag stores a tag and returns its ID.
func (repo *memoryRepository) CreateTag(userID int32, name string) int32 {
	repo.mutex.Lock()
	defer repo.mutex.Unlock()
	return repo.state.createTag(userID, name, filter.DefaultTagFgColor, filter.DefaultTagBgColor)
}

// Entries returns all entries ordered by ID.
func (repo *memoryRepository) Entries() []data.Entry {
	repo.mutex.Lock()
	defer repo.mutex.Unlock()

	entries := make([]data.Entry, 0, len(repo.state.entries))
	for _, e := range repo.state.entries {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	return entries
}

// UserEntries returns all user entries ordered by ID.
func (repo *memoryRepository) UserEntries() []data.UserEntry {
	repo.mutex.Lock()
	defer repo.mutex.Unlock()

	userEntries := make([]data.UserEntry, 0, len(repo.state.userEntries))
	for _, ue := range repo.state.userEntries {
		userEntries = append(userEntries, ue)
	}
	sort.Slice(userEntries, func(i, j int) bool { return userEntries[i].ID < userEntries[j].ID })
	return userEntries
}

func (repo *memoryRepository) Enclosures(entryID int64) []data.Enclosure {
	repo.mutex.Lock()
	defer repo.mutex.Unlock()
	return repo.state.enclosures[entryID]
}

func (repo *memoryRepository) TagNames(userID int32, entryID int64) []string {
	repo.mutex.Lock()
	defer repo.mutex.Unlock()
	return repo.state.entryTagNames(userID, entryID)
}

// FilterTriggeredAt returns when filterID last matched. ok is false if it never has.
func (repo *memoryRepository) FilterTriggeredAt(filterID int32) (t time.Time, ok bool) {
	repo.mutex.Lock()
	defer repo.mutex.Unlock()
	t, ok = repo.state.filterTriggeredAt[filterID]
	return t, ok
}

func (repo *memoryRepository) GetFeed(ctx context.Context, feedID int32) (*data.Feed, error) {
	repo.mutex.Lock()
	defer repo.mutex.Unlock()

	feed, ok := repo.state.feeds[feedID]
	if !ok {
		return nil, data.ErrNotFound
	}
	return &feed, nil
}

func (repo *memoryRepository) GetFeedsDue(ctx context.Context, now time.Time, limit int) ([]data.Feed, error) {
	repo.mutex.Lock()
	defer repo.mutex.Unlock()

	var feeds []data.Feed
	for _, f := range repo.state.feeds {
		if f.Suspended {
			continue
		}
		if f.NextPollAt.Valid && f.NextPollAt.Time.After(now) {
			continue
		}
		if f.BackoffUntil.Valid && f.BackoffUntil.Time.After(now) {
			continue
		}
		feeds = append(feeds, f)
	}

	sort.Slice(feeds, func(i, j int) bool {
		a, b := feeds[i], feeds[j]
		if a.NextPollAt.Valid != b.NextPollAt.Valid {
			return !a.NextPollAt.Valid
		}
		if a.NextPollAt.Valid && !a.NextPollAt.Time.Equal(b.NextPollAt.Time) {
			return a.NextPollAt.Time.Before(b.NextPollAt.Time)
		}
		return a.ID < b.ID
	})

	if limit >= 0 && len(feeds) > limit {
		feeds = feeds[:limit]
	}
	return feeds, nil
}

func (repo *memoryRepository) UpdateFeedStarted(ctx context.Context, feedID int32, t time.Time) error {
	repo.mutex.Lock()
	defer repo.mutex.Unlock()

	return repo.state.updateFeed(feedID, func(f *data.Feed) {
		f.UpdateStartedAt = pgtype.Timestamptz{Time: t, Valid: true}
	})
}

func (repo *memoryRepository) UpdateFeedWithFetchFailure(ctx context.Context, feedID int32, failure *data.FeedFailure) error {
	repo.mutex.Lock()
	defer repo.mutex.Unlock()

	return repo.state.updateFeed(feedID, func(f *data.Feed) {
		f.LastFailure = pgtype.Text{String: failure.Message, Valid: true}
		f.LastFailureTime = pgtype.Timestamptz{Time: failure.FetchTime, Valid: true}
		f.FailureCount++
		if failure.Gone {
			f.GoneCount++
		} else {
			f.GoneCount = 0
		}
		f.NextPollAt = pgtype.Timestamptz{Time: failure.NextPollAt, Valid: true}
		if failure.Backoff != nil {
			f.BackoffUntil = pgtype.Timestamptz{Time: failure.Backoff.Until, Valid: true}
			f.BackoffInterval = failure.Backoff.Interval.Truncate(time.Second)
		}
		if failure.Suspend {
			f.Suspended = true
		}
	})
}

func (repo *memoryRepository) UpdateFeedWithFetchUnchanged(ctx context.Context, feedID int32, schedule *data.FeedSchedule) error {
	repo.mutex.Lock()
	defer repo.mutex.Unlock()

	return repo.state.updateFeed(feedID, func(f *data.Feed) {
		applySchedule(f, schedule)
	})
}

// Transact holds the repository lock for the whole of fn. fn must not call back into repo.
func (repo *memoryRepository) Transact(ctx context.Context, fn func(tx RepositoryTx) error) error {
	repo.mutex.Lock()
	defer repo.mutex.Unlock()

	state := repo.state.clone()
	err := fn(&memoryRepositoryTx{state: state})
	if err != nil {
		return err
	}
	repo.state = state
	return nil
}

func applySchedule(f *data.Feed, schedule *data.FeedSchedule) {
	f.LastFetchTime = pgtype.Timestamptz{Time: schedule.FetchTime, Valid: true}
	f.LastSuccessTime = pgtype.Timestamptz{Time: schedule.FetchTime, Valid: true}
	f.LastFailure = pgtype.Text{}
	f.FailureCount = 0
	f.GoneCount = 0
	f.BackoffUntil = pgtype.Timestamptz{}
	f.BackoffInterval = 0
	f.Suspended = false
	f.NextPollAt = pgtype.Timestamptz{Time: schedule.NextPollAt, Valid: true}
	f.UpdateInterval = schedule.UpdateInterval.Truncate(time.Second)
	f.PostsPerDay = schedule.PostsPerDay
	f.LastNewEntries = int32(schedule.NewEntries)
}

func (s *memoryState) updateFeed(feedID int32, fn func(f *data.Feed)) error {
	feed, ok := s.feeds[feedID]
	if !ok {
		return data.ErrNotFound
	}
	fn(&feed)
	s.feeds[feedID] = feed
	return nil
}

func (s *memoryState) createTag(userID int32, name, fgColor, bgColor string) int32 {
	s.tagIDSeq++
	s.tags[s.tagIDSeq] = memoryTag{id: s.tagIDSeq, userID: userID, name: name, fgColor: fgColor, bgColor: bgColor}
	return s.tagIDSeq
}

func (s *memoryState) entryTagNames(userID int32, entryID int64) []string {
	var names []string
	for et := range s.entryTags {
		if et.entryID != entryID {
			continue
		}
		if tag := s.tags[et.tagID]; tag.userID == userID {
			names = append(names, tag.name)
		}
	}
	sort.Strings(names)
	return names
}

type memoryRepositoryTx struct {
	state *memoryState
}

func (tx *memoryRepositoryTx) UpdateFeedWithFetchSuccess(ctx context.Context, feedID int32, success *data.FeedSuccess) error {
	return tx.state.updateFeed(feedID, func(f *data.Feed) {
		applySchedule(f, &success.FeedSchedule)
		f.ETag = data.NullText(success.ETag)
		f.LastModified = data.NullText(success.LastModified)
		if !f.Name.Valid {
			f.Name = data.NullText(success.Name)
		}
		if !f.SiteURL.Valid {
			f.SiteURL = data.NullText(success.SiteURL)
		}
	})
}

func (tx *memoryRepositoryTx) FindOrCreateEntry(ctx context.Context, entry *data.Entry) (bool, error) {
	if id, ok := tx.state.entryIDsByGUID[entry.GUID]; ok {
		*entry = tx.state.entries[id]
		return false, nil
	}

	if entry.ContentHash == "" {
		entry.ContentHash = data.ContentHash(entry.Content)
	}
	tx.state.entryIDSeq++
	entry.ID = tx.state.entryIDSeq
	entry.CreationTime = time.Now()
	tx.state.entries[entry.ID] = *entry
	tx.state.entryIDsByGUID[entry.GUID] = entry.ID
	return true, nil
}

func (tx *memoryRepositoryTx) CreateEnclosures(ctx context.Context, entryID int64, enclosures []data.Enclosure) error {
	if _, ok := tx.state.entries[entryID]; !ok {
		return data.ErrNotFound
	}

	stored := make([]data.Enclosure, 0, len(tx.state.enclosures[entryID])+len(enclosures))
	stored = append(stored, tx.state.enclosures[entryID]...)
	for _, e := range enclosures {
		tx.state.enclosureIDSeq++
		e.ID = tx.state.enclosureIDSeq
		e.EntryID = entryID
		stored = append(stored, e)
	}
	tx.state.enclosures[entryID] = stored
	return nil
}

func (tx *memoryRepositoryTx) FindOrCreateUserEntry(ctx context.Context, userEntry *data.UserEntry) (bool, error) {
	key := memoryUserEntryKey{userID: userEntry.UserID, entryID: userEntry.EntryID}
	if id, ok := tx.state.userEntryIDsByKey[key]; ok {
		userEntry.ID = id
		return false, nil
	}

	tx.state.userEntryIDSeq++
	userEntry.ID = tx.state.userEntryIDSeq
	userEntry.CreationTime = time.Now()
	tx.state.userEntries[userEntry.ID] = *userEntry
	tx.state.userEntryIDsByKey[key] = userEntry.ID
	return true, nil
}

func (tx *memoryRepositoryTx) EnabledFilters(ctx context.Context, userID int32) ([]filter.Filter, error) {
	return tx.state.filters[userID], nil
}

func (tx *memoryRepositoryTx) EntryTagNames(ctx context.Context, userID int32, entryID int64) ([]string, error) {
	return tx.state.entryTagNames(userID, entryID), nil
}

func (tx *memoryRepositoryTx) TouchFilter(ctx context.Context, filterID int32, t time.Time) error {
	tx.state.filterTriggeredAt[filterID] = t
	return nil
}

func (tx *memoryRepositoryTx) DeleteUserEntry(ctx context.Context, userEntryID int64) error {
	ue, ok := tx.state.userEntries[userEntryID]
	if !ok {
		return data.ErrNotFound
	}
	delete(tx.state.userEntries, userEntryID)
	delete(tx.state.userEntryIDsByKey, memoryUserEntryKey{userID: ue.UserID, entryID: ue.EntryID})
	return nil
}

func (tx *memoryRepositoryTx) UpdateUserEntryState(ctx context.Context, userEntryID int64, state filter.State) error {
	ue, ok := tx.state.userEntries[userEntryID]
	if !ok {
		return data.ErrNotFound
	}
	ue.Unread = state.Unread
	ue.Starred = state.Starred
	ue.Published = state.Published
	ue.Score = state.Score
	tx.state.userEntries[userEntryID] = ue
	return nil
}

func (tx *memoryRepositoryTx) AttachTag(ctx context.Context, userID int32, entryID int64, tagID int32) error {
	tag, ok := tx.state.tags[tagID]
	if !ok || tag.userID != userID {
		return nil
	}
	tx.state.entryTags[memoryEntryTag{entryID: entryID, tagID: tagID}] = struct{}{}
	return nil
}

func (tx *memoryRepositoryTx) FindOrCreateTag(ctx context.Context, userID int32, name, fgColor, bgColor string) (int32, error) {
	for _, tag := range tx.state.tags {
		if tag.userID == userID && tag.name == name {
			return tag.id, nil
		}
	}
	return tx.state.createTag(userID, name, fgColor, bgColor), nil
}

func (tx *memoryRepositoryTx) DetachTag(ctx context.Context, userID int32, entryID int64, name string) error {
	for et := range tx.state.entryTags {
		if et.entryID != entryID {
			continue
		}
		if tag := tx.state.tags[et.tagID]; tag.userID == userID && tag.name == name {
			delete(tx.state.entryTags, et)
		}
	}
	return nil
}
