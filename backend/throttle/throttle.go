// Package throttle spaces out requests to the same host. The record is
// advisory; concurrent callers may occasionally both pass.
package throttle

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/idna"
)

type Throttler interface {
	// Wait blocks until a request to host may be made or ctx is done.
	Wait(ctx context.Context, host string) error
}

// HostOf returns the throttle key for rawURL: the lowercase ASCII host
// without port. Unparsable URLs key on the raw string.
func HostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return strings.ToLower(rawURL)
	}
	host := strings.ToLower(u.Hostname())
	if ascii, err := idna.Lookup.ToASCII(host); err == nil {
		host = ascii
	}
	return host
}

type MemoryThrottler struct {
	interval time.Duration
	ttl      time.Duration

	mu          sync.Mutex
	next        map[string]time.Time
	lastCleanup time.Time

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewMemoryThrottler returns a process-wide throttler allowing one request per
// interval per host. Records idle for longer than ttl are dropped.
func NewMemoryThrottler(interval, ttl time.Duration) *MemoryThrottler {
	if ttl < interval {
		ttl = interval
	}
	return &MemoryThrottler{
		interval: interval,
		ttl:      ttl,
		next:     make(map[string]time.Time),
		now:      time.Now,
		sleep:    sleepContext,
	}
}

func (t *MemoryThrottler) Wait(ctx context.Context, host string) error {
	t.mu.Lock()
	now := t.now()
	t.cleanup(now)

	slot := now
	if next, ok := t.next[host]; ok && next.After(now) {
		slot = next
	}
	t.next[host] = slot.Add(t.interval)
	t.mu.Unlock()

	return t.sleep(ctx, slot.Sub(now))
}

// cleanup must be called with mu held.
func (t *MemoryThrottler) cleanup(now time.Time) {
	if now.Sub(t.lastCleanup) < t.ttl {
		return
	}
	for host, next := range t.next {
		if now.Sub(next) > t.ttl {
			delete(t.next, host)
		}
	}
	t.lastCleanup = now
}

func (t *MemoryThrottler) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.next)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
