// Package filter runs a user's ordered filters against a newly ingested article.
package filter

import (
	"context"
	"fmt"
	"time"

	log "gopkg.in/inconshreveable/log15.v2"
)

// Filter is a user's named group of rules and the actions to run when the rules match.
type Filter struct {
	ID           int32
	Name         string
	MatchAnyRule bool
	Inverse      bool
	Rules        []Rule
	Actions      []Action
}

// Matches combines the rules with AND, or OR when MatchAnyRule is set, then applies Inverse. A filter without rules
// never matches.
func (f *Filter) Matches(a *Article) bool {
	if len(f.Rules) == 0 {
		return false
	}

	var result bool
	if f.MatchAnyRule {
		for _, r := range f.Rules {
			if evaluate(r, a) {
				result = true
				break
			}
		}
	} else {
		result = true
		for _, r := range f.Rules {
			if !evaluate(r, a) {
				result = false
				break
			}
		}
	}

	return result != f.Inverse
}

// State is the per-user mutable state of a user entry that actions can change.
type State struct {
	Unread    bool
	Starred   bool
	Published bool
	Score     int32
}

// Subject is a freshly created user entry and the entry it refers to.
type Subject struct {
	UserEntryID int64
	EntryID     int64
	UserID      int32
	FeedID      int32
	CategoryID  int32

	Title       string
	Content     string
	Link        string
	Author      string
	PublishedAt *time.Time

	State State
}

// Article is the read-only view rules are evaluated against.
type Article struct {
	UserEntryID int64
	EntryID     int64
	FeedID      int32
	CategoryID  int32
	Title       string
	Content     string
	Link        string
	Author      string
	Published   *time.Time
	Tags        []string
}

// Store is the persistence the engine needs. Implementations are expected to run inside the transaction that
// created the user entry.
type Store interface {
	EnabledFilters(ctx context.Context, userID int32) ([]Filter, error)
	EntryTagNames(ctx context.Context, userID int32, entryID int64) ([]string, error)
	TouchFilter(ctx context.Context, filterID int32, t time.Time) error
	DeleteUserEntry(ctx context.Context, userEntryID int64) error
	UpdateUserEntryState(ctx context.Context, userEntryID int64, state State) error
	AttachTag(ctx context.Context, userID int32, entryID int64, tagID int32) error
	FindOrCreateTag(ctx context.Context, userID int32, name, fgColor, bgColor string) (int32, error)
	DetachTag(ctx context.Context, userID int32, entryID int64, name string) error
}

type Engine struct {
	logger log.Logger
	now    func() time.Time
}

func NewEngine(logger log.Logger) *Engine {
	return &Engine{logger: logger, now: time.Now}
}

// Execute runs the user's enabled filters in order against subject. Rule problems are logged and otherwise ignored.
// The returned error is always a Store failure, so the caller can roll back everything the filters did.
func (e *Engine) Execute(ctx context.Context, store Store, subject Subject) error {
	filters, err := store.EnabledFilters(ctx, subject.UserID)
	if err != nil {
		return fmt.Errorf("load filters: %w", err)
	}
	if len(filters) == 0 {
		return nil
	}

	tags, err := store.EntryTagNames(ctx, subject.UserID, subject.EntryID)
	if err != nil {
		return fmt.Errorf("load entry tags: %w", err)
	}

	article := &Article{
		UserEntryID: subject.UserEntryID,
		EntryID:     subject.EntryID,
		FeedID:      subject.FeedID,
		CategoryID:  subject.CategoryID,
		Title:       subject.Title,
		Content:     subject.Content,
		Link:        subject.Link,
		Author:      subject.Author,
		Published:   subject.PublishedAt,
		Tags:        tags,
	}

	run := &execution{
		engine:  e,
		store:   store,
		subject: subject,
		state:   subject.State,
	}

	for i := range filters {
		f := &filters[i]
		for _, r := range f.Rules {
			if err := r.Err(); err != nil {
				e.logger.Warn("filter rule never matches", "filter_id", f.ID, "entry_id", subject.EntryID, "error", err)
			}
		}

		if !f.Matches(article) {
			continue
		}

		if err := store.TouchFilter(ctx, f.ID, e.now()); err != nil {
			return fmt.Errorf("touch filter %d: %w", f.ID, err)
		}

		for _, a := range f.Actions {
			e.logger.Info("filter action", "filter_id", f.ID, "entry_id", subject.EntryID, "user_entry_id", subject.UserEntryID, "action", a.Kind())
			if err := run.apply(ctx, a); err != nil {
				return fmt.Errorf("filter %d action %s: %w", f.ID, a.Kind(), err)
			}
			if run.deleted {
				return nil
			}
		}

		if run.stopped {
			break
		}
	}

	if run.dirty {
		if err := store.UpdateUserEntryState(ctx, subject.UserEntryID, run.state); err != nil {
			return fmt.Errorf("update user entry: %w", err)
		}
	}

	return nil
}

type execution struct {
	engine  *Engine
	store   Store
	subject Subject

	state   State
	dirty   bool
	deleted bool
	stopped bool
}

func (x *execution) apply(ctx context.Context, action Action) error {
	switch a := action.(type) {
	case MarkRead:
		x.state.Unread = false
		x.dirty = true
	case Star:
		x.state.Starred = true
		x.dirty = true
	case Publish:
		x.state.Published = true
		x.dirty = true
	case Score:
		x.state.Score += a.Delta
		x.dirty = true
	case Delete:
		if err := x.store.DeleteUserEntry(ctx, x.subject.UserEntryID); err != nil {
			return err
		}
		x.deleted = true
	case Stop:
		x.stopped = true
	case Label:
		return x.store.AttachTag(ctx, x.subject.UserID, x.subject.EntryID, a.TagID)
	case Tag:
		tagID, err := x.store.FindOrCreateTag(ctx, x.subject.UserID, a.Name, DefaultTagFgColor, DefaultTagBgColor)
		if err != nil {
			return err
		}
		return x.store.AttachTag(ctx, x.subject.UserID, x.subject.EntryID, tagID)
	case IgnoreTag:
		return x.store.DetachTag(ctx, x.subject.UserID, x.subject.EntryID, a.Name)
	default:
		x.engine.logger.Error("unknown filter action", "action", fmt.Sprintf("%T", action))
	}

	return nil
}
