package backend

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jackc/feedpipe/backend/fetch"
	"github.com/jackc/feedpipe/backend/throttle"
	pgxlog15 "github.com/jackc/pgx-log15"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/tracelog"
	"github.com/vaughan0/go-ini"
	log "gopkg.in/inconshreveable/log15.v2"
)

func LoadConfig(path string) (ini.File, error) {
	path, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("Invalid config path: %v", err)
	}

	file, err := ini.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("Failed to load config file: %v", err)
	}

	return file, nil
}

func NewLogger(conf ini.File) (log.Logger, error) {
	level, _ := conf.Get("log", "level")
	if level == "" {
		level = "warn"
	}

	logger := log.New()
	err := setFilterHandler(level, logger, log.StdoutHandler)
	if err != nil {
		return nil, err
	}

	return logger, nil
}

func setFilterHandler(level string, logger log.Logger, handler log.Handler) error {
	if level == "none" {
		logger.SetHandler(log.DiscardHandler())
		return nil
	}

	lvl, err := log.LvlFromString(level)
	if err != nil {
		return fmt.Errorf("Bad log level: %v", err)
	}
	logger.SetHandler(log.LvlFilterHandler(lvl, handler))

	return nil
}

// NewPool connects to the database in the [database] section. Queries are logged through logger at [log] pgx_level.
func NewPool(ctx context.Context, conf ini.File, logger log.Logger) (*pgxpool.Pool, error) {
	config, err := newPoolConfig(conf, logger)
	if err != nil {
		return nil, err
	}

	return pgxpool.NewWithConfig(ctx, config)
}

func newPoolConfig(conf ini.File, logger log.Logger) (*pgxpool.Config, error) {
	logger = logger.New("module", "pgx")

	config, err := pgxpool.ParseConfig("")
	if err != nil {
		return nil, err
	}

	config.ConnConfig.Host, _ = conf.Get("database", "host")
	if config.ConnConfig.Host == "" {
		return nil, errors.New("Config must contain database.host but it does not")
	}

	if p, ok := conf.Get("database", "port"); ok {
		n, err := strconv.ParseUint(p, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("Bad database.port: %v", err)
		}
		config.ConnConfig.Port = uint16(n)
	}

	var ok bool
	if config.ConnConfig.Database, ok = conf.Get("database", "database"); !ok {
		return nil, errors.New("Config must contain database.database but it does not")
	}
	config.ConnConfig.User, _ = conf.Get("database", "user")
	config.ConnConfig.Password, _ = conf.Get("database", "password")

	maxConns, err := confInt(conf, "database", "max_connections", 10)
	if err != nil {
		return nil, err
	}
	config.MaxConns = int32(maxConns)

	pgxLevel := tracelog.LogLevelWarn
	if level, ok := conf.Get("log", "pgx_level"); ok {
		if level == "none" {
			pgxLevel = tracelog.LogLevelNone
		} else {
			pgxLevel, err = tracelog.LogLevelFromString(level)
			if err != nil {
				return nil, fmt.Errorf("Bad log.pgx_level: %v", err)
			}
		}
	}
	config.ConnConfig.Tracer = &tracelog.TraceLog{
		Logger:   pgxlog15.NewLogger(logger),
		LogLevel: pgxLevel,
	}

	return config, nil
}

// NewFetcher builds the HTTP fetcher from [fetch]. When [cache] redis_addr is set responses are cached in redis.
func NewFetcher(conf ini.File, version string, logger log.Logger) (fetch.Fetcher, error) {
	config := fetch.DefaultConfig(version)
	if ua, ok := conf.Get("fetch", "user_agent"); ok {
		config.UserAgent = ua
	}

	var err error
	if config.Timeout, err = confDuration(conf, "fetch", "timeout", config.Timeout); err != nil {
		return nil, err
	}
	if config.MaxRedirects, err = confInt(conf, "fetch", "max_redirects", config.MaxRedirects); err != nil {
		return nil, err
	}
	maxBodyBytes, err := confInt(conf, "fetch", "max_body_bytes", int(config.MaxBodyBytes))
	if err != nil {
		return nil, err
	}
	config.MaxBodyBytes = int64(maxBodyBytes)

	var fetcher fetch.Fetcher = fetch.NewHTTPFetcher(config)

	addr, _ := conf.Get("cache", "redis_addr")
	if addr == "" {
		return fetcher, nil
	}

	ttl, err := confDuration(conf, "cache", "ttl", time.Hour)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	cache := fetch.NewRedisResponseCache(client)

	return fetch.NewCachingFetcher(fetcher, cache, ttl, logger.New("module", "fetchCache")), nil
}

// NewThrottler builds the per-host throttler from [throttle]. It is shared through redis when redis_addr is set.
func NewThrottler(conf ini.File) (throttle.Throttler, error) {
	interval, err := confDuration(conf, "throttle", "interval", 2*time.Second)
	if err != nil {
		return nil, err
	}
	if interval < 0 {
		return nil, fmt.Errorf("throttle interval must not be negative: %v", interval)
	}

	if addr, _ := conf.Get("throttle", "redis_addr"); addr != "" {
		client := redis.NewClient(&redis.Options{Addr: addr})
		return throttle.NewRedisThrottler(client, interval), nil
	}

	ttl, err := confDuration(conf, "throttle", "ttl", time.Minute)
	if err != nil {
		return nil, err
	}

	return throttle.NewMemoryThrottler(interval, ttl), nil
}

func LoadFeedUpdaterConfig(conf ini.File) (FeedUpdaterConfig, error) {
	config := DefaultFeedUpdaterConfig()

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"min_interval", &config.Policy.MinInterval},
		{"max_interval", &config.Policy.MaxInterval},
		{"default_interval", &config.Policy.DefaultInterval},
		{"backoff_base", &config.Policy.BackoffBase},
		{"backoff_max", &config.Policy.BackoffMax},
		{"poll_interval", &config.PollInterval},
	}
	for _, d := range durations {
		var err error
		*d.dst, err = confDuration(conf, "poll", d.key, *d.dst)
		if err != nil {
			return config, err
		}
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"gone_suspend_after", &config.GoneSuspendAfter},
		{"max_concurrent_fetches", &config.MaxConcurrentFetches},
		{"batch_size", &config.BatchSize},
	}
	for _, n := range ints {
		var err error
		*n.dst, err = confInt(conf, "poll", n.key, *n.dst)
		if err != nil {
			return config, err
		}
	}

	if config.Policy.MinInterval > config.Policy.MaxInterval {
		return config, errors.New("poll.min_interval must not be greater than poll.max_interval")
	}
	if config.PollInterval <= 0 {
		return config, errors.New("poll.poll_interval must be positive")
	}

	return config, nil
}

func confDuration(conf ini.File, section, key string, defaultValue time.Duration) (time.Duration, error) {
	s, ok := conf.Get(section, key)
	if !ok || s == "" {
		return defaultValue, nil
	}

	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("Bad %s.%s: %v", section, key, err)
	}
	return d, nil
}

func confInt(conf ini.File, section, key string, defaultValue int) (int, error) {
	s, ok := conf.Get(section, key)
	if !ok || s == "" {
		return defaultValue, nil
	}

	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("Bad %s.%s: %v", section, key, err)
	}
	return n, nil
}
