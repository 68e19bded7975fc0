package backend

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/feedpipe/backend/data"
	log "gopkg.in/inconshreveable/log15.v2"
)

type EnvHandlerFunc func(w http.ResponseWriter, req *http.Request, env *environment)

func EnvHandler(repo Repository, updater *FeedUpdater, logger log.Logger, f EnvHandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		env := &environment{repo: repo, updater: updater, logger: logger}
		f(w, req, env)
	})
}

type environment struct {
	repo    Repository
	updater *FeedUpdater
	logger  log.Logger
}

// NewAPIHandler serves feed status and manual refresh.
func NewAPIHandler(repo Repository, updater *FeedUpdater, logger log.Logger) http.Handler {
	router := chi.NewRouter()

	router.Get("/health", HealthHandler)
	router.Method(http.MethodGet, "/feeds/{id}", EnvHandler(repo, updater, logger, GetFeedHandler))
	router.Method(http.MethodPost, "/feeds/{id}/refresh", EnvHandler(repo, updater, logger, RefreshFeedHandler))

	return router
}

func HealthHandler(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprint(w, "ok")
}

type feedStatus struct {
	ID                   int32      `json:"id"`
	URL                  string     `json:"url"`
	Name                 *string    `json:"name"`
	LastError            *string    `json:"last_error"`
	LastSuccessfulUpdate *time.Time `json:"last_successful_update"`
	FailureCount         int32      `json:"failure_count"`
	NextPollAt           *time.Time `json:"next_poll_at"`
	UpdateInterval       string     `json:"update_interval"`
	PostsPerDay          float64    `json:"posts_per_day"`
	LastNewEntries       int32      `json:"last_new_entries"`
	Suspended            bool       `json:"suspended"`
}

func newFeedStatus(feed *data.Feed) feedStatus {
	fs := feedStatus{
		ID:             feed.ID,
		URL:            feed.URL,
		FailureCount:   feed.FailureCount,
		UpdateInterval: feed.UpdateInterval.String(),
		PostsPerDay:    feed.PostsPerDay,
		LastNewEntries: feed.LastNewEntries,
		Suspended:      feed.Suspended,
	}
	if feed.Name.Valid {
		fs.Name = &feed.Name.String
	}
	if feed.LastFailure.Valid {
		fs.LastError = &feed.LastFailure.String
	}
	if feed.LastSuccessTime.Valid {
		fs.LastSuccessfulUpdate = &feed.LastSuccessTime.Time
	}
	if feed.NextPollAt.Valid {
		fs.NextPollAt = &feed.NextPollAt.Time
	}
	return fs
}

func GetFeedHandler(w http.ResponseWriter, req *http.Request, env *environment) {
	feed, ok := findFeed(w, req, env)
	if !ok {
		return
	}

	writeJSON(w, env, http.StatusOK, newFeedStatus(feed))
}

// RefreshFeedHandler runs one update for the feed regardless of its schedule. Suspended feeds may be refreshed.
func RefreshFeedHandler(w http.ResponseWriter, req *http.Request, env *environment) {
	feed, ok := findFeed(w, req, env)
	if !ok {
		return
	}

	result := env.updater.Update(req.Context(), *feed)
	writeJSON(w, env, http.StatusOK, result)
}

func findFeed(w http.ResponseWriter, req *http.Request, env *environment) (*data.Feed, bool) {
	feedID, err := strconv.ParseInt(chi.URLParam(req, "id"), 10, 32)
	if err != nil {
		http.Error(w, "Bad feed id", http.StatusBadRequest)
		return nil, false
	}

	feed, err := env.repo.GetFeed(req.Context(), int32(feedID))
	if errors.Is(err, data.ErrNotFound) {
		http.Error(w, "Feed not found", http.StatusNotFound)
		return nil, false
	} else if err != nil {
		env.logger.Error("GetFeed failed", "feed_id", feedID, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return nil, false
	}

	return feed, true
}

func writeJSON(w http.ResponseWriter, env *environment, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	err := json.NewEncoder(w).Encode(v)
	if err != nil {
		env.logger.Error("writing JSON response failed", "error", err)
	}
}
