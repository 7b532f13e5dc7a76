package auth

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/khanghh/oauthd/internal/oauth"
	"github.com/khanghh/oauthd/internal/store"
	"github.com/khanghh/oauthd/params"
)

const (
	LimitClientAuth = "client"
	LimitLogin      = "login"
)

// RateLimiter counts failures per key in a fixed window.
type RateLimiter struct {
	counters    store.Storage
	window      time.Duration
	maxFailures int64
}

func limitKey(scope, key string) string {
	return scope + ":" + strings.ToLower(key)
}

// Check fails with ErrRateLimited once the key has used up its failures for the window.
func (l *RateLimiter) Check(ctx context.Context, scope, key string) error {
	count, err := l.counters.Counter(ctx, limitKey(scope, key))
	if err != nil {
		// fail open while the counter store is down
		slog.Warn("Rate limiter unavailable", "scope", scope, "error", err)
		return nil
	}
	if count >= l.maxFailures {
		return oauth.ErrRateLimited
	}
	return nil
}

func (l *RateLimiter) Fail(ctx context.Context, scope, key string) {
	if _, err := l.counters.Incr(ctx, limitKey(scope, key), l.window); err != nil {
		slog.Warn("Could not record failure", "scope", scope, "error", err)
	}
}

func (l *RateLimiter) Reset(ctx context.Context, scope, key string) {
	err := l.counters.Delete(ctx, limitKey(scope, key))
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		slog.Warn("Could not reset failures", "scope", scope, "error", err)
	}
}

func NewRateLimiter(storage store.Storage, window time.Duration, maxFailures int64) *RateLimiter {
	if window <= 0 {
		window = params.DefaultRateLimitWindow
	}
	if maxFailures <= 0 {
		maxFailures = params.DefaultRateLimitMaxFailures
	}
	return &RateLimiter{
		counters:    store.StorageWithPrefix(storage, params.RateLimitKeyPrefix),
		window:      window,
		maxFailures: maxFailures,
	}
}
