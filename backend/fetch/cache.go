package fetch

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"
	log "gopkg.in/inconshreveable/log15.v2"
)

// ResponseCache stores raw feed responses. It backs CachingFetcher, a
// development aid that keeps repeated runs from hammering real feeds.
type ResponseCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

type cachedResponse struct {
	Body         []byte `json:"body"`
	ETag         string `json:"etag,omitempty"`
	LastModified string `json:"last_modified,omitempty"`
	ContentType  string `json:"content_type,omitempty"`
}

// CachingFetcher serves successful responses from a ResponseCache and falls
// through to next on a miss. Only StatusOK results are cached. Cache failures
// are logged and otherwise ignored.
type CachingFetcher struct {
	next   Fetcher
	cache  ResponseCache
	ttl    time.Duration
	logger log.Logger
}

func NewCachingFetcher(next Fetcher, cache ResponseCache, ttl time.Duration, logger log.Logger) *CachingFetcher {
	return &CachingFetcher{next: next, cache: cache, ttl: ttl, logger: logger}
}

func (f *CachingFetcher) Fetch(ctx context.Context, req Request) Result {
	key := cacheKey(req.URL)

	buf, ok, err := f.cache.Get(ctx, key)
	if err != nil {
		f.logger.Warn("response cache get failed", "url", req.URL, "error", err)
	} else if ok {
		var cr cachedResponse
		if err := json.Unmarshal(buf, &cr); err == nil {
			f.logger.Debug("response cache hit", "url", req.URL)
			return Result{
				Status:       StatusOK,
				StatusCode:   200,
				Body:         cr.Body,
				ETag:         cr.ETag,
				LastModified: cr.LastModified,
				ContentType:  cr.ContentType,
			}
		}
		f.logger.Warn("response cache entry unreadable", "url", req.URL, "error", err)
	}

	result := f.next.Fetch(ctx, req)
	if result.Status != StatusOK {
		return result
	}

	buf, err = json.Marshal(cachedResponse{
		Body:         result.Body,
		ETag:         result.ETag,
		LastModified: result.LastModified,
		ContentType:  result.ContentType,
	})
	if err == nil {
		err = f.cache.Set(ctx, key, buf, f.ttl)
	}
	if err != nil {
		f.logger.Warn("response cache set failed", "url", req.URL, "error", err)
	}

	return result
}

func cacheKey(url string) string {
	sum := sha1.Sum([]byte(url))
	return "feedpipe:response:" + hex.EncodeToString(sum[:])
}

type RedisResponseCache struct {
	client *redis.Client
}

func NewRedisResponseCache(client *redis.Client) *RedisResponseCache {
	return &RedisResponseCache{client: client}
}

func (c *RedisResponseCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	buf, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return buf, true, nil
}

func (c *RedisResponseCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}
