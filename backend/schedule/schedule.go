// Package schedule computes when a feed should next be polled. It covers the
// rate-limit backoff curve and the adaptive polling interval derived from a
// feed's observed publication frequency.
package schedule

import (
	"math"
	"time"
)

const day = 24 * time.Hour

// Weight given to the most recent observation in the posts-per-day average.
const postsPerDayAlpha = 0.3

// Polls per expected post.
const pollsPerPost = 2

type Policy struct {
	MinInterval     time.Duration
	MaxInterval     time.Duration
	DefaultInterval time.Duration
	BackoffBase     time.Duration
	BackoffMax      time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		MinInterval:     10 * time.Minute,
		MaxInterval:     12 * time.Hour,
		DefaultInterval: time.Hour,
		BackoffBase:     5 * time.Minute,
		BackoffMax:      24 * time.Hour,
	}
}

// NextBackoff returns the backoff interval that follows current. A zero
// current interval starts the curve at BackoffBase.
func (p Policy) NextBackoff(current time.Duration) time.Duration {
	if current <= 0 {
		return p.BackoffBase
	}
	next := current * 2
	if next > p.BackoffMax || next < current {
		return p.BackoffMax
	}
	return next
}

// RateLimited returns the time of the next attempt after a rate-limited fetch
// and the backoff interval to remember. A server supplied retryAfter in the
// future is honored exactly and leaves the stored interval as it was.
func (p Policy) RateLimited(now time.Time, current time.Duration, retryAfter *time.Time) (time.Time, time.Duration) {
	if retryAfter != nil && retryAfter.After(now) {
		return *retryAfter, current
	}
	next := p.NextBackoff(current)
	return now.Add(next), next
}

// PostsPerDay folds the entries observed since the previous successful update
// into the rolling posts-per-day estimate.
func PostsPerDay(previous float64, newEntries int, elapsed time.Duration) float64 {
	if elapsed < time.Minute {
		elapsed = time.Minute
	}
	observed := float64(newEntries) / (float64(elapsed) / float64(day))
	estimate := postsPerDayAlpha*observed + (1-postsPerDayAlpha)*previous
	if math.IsNaN(estimate) || estimate < 0 {
		return 0
	}
	return estimate
}

// SeedPostsPerDay estimates posts per day from the publication times in a
// feed's first document. Spans shorter than an hour count as an hour. It
// reports false when fewer than two entries carry a time.
func SeedPostsPerDay(published []time.Time) (float64, bool) {
	var first, last time.Time
	n := 0
	for _, t := range published {
		if t.IsZero() {
			continue
		}
		n++
		if first.IsZero() || t.Before(first) {
			first = t
		}
		if t.After(last) {
			last = t
		}
	}
	if n < 2 {
		return 0, false
	}

	span := last.Sub(first)
	if span < time.Hour {
		span = time.Hour
	}
	return float64(n-1) / (float64(span) / float64(day)), true
}

// Interval maps a posts-per-day estimate to a polling interval. Active feeds
// poll often and dormant feeds poll rarely, within [MinInterval, MaxInterval].
func (p Policy) Interval(postsPerDay float64) time.Duration {
	if postsPerDay <= 0 {
		return p.MaxInterval
	}
	interval := float64(day) / (postsPerDay * pollsPerPost)
	if interval < float64(p.MinInterval) {
		return p.MinInterval
	}
	if interval > float64(p.MaxInterval) {
		return p.MaxInterval
	}
	return time.Duration(interval)
}

// Elapsed returns the time since the last successful update. Feeds that have
// never been updated successfully count one default interval.
func (p Policy) Elapsed(now time.Time, lastSuccess time.Time) time.Duration {
	if lastSuccess.IsZero() || !now.After(lastSuccess) {
		return p.DefaultInterval
	}
	return now.Sub(lastSuccess)
}
