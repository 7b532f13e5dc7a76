package auth

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/khanghh/oauthd/internal/oauth"
	"github.com/khanghh/oauthd/internal/store"
	"github.com/khanghh/oauthd/internal/testutil"
	"github.com/stretchr/testify/require"
)

type brokenDeleteStorage struct {
	store.Storage
}

func (s *brokenDeleteStorage) Delete(ctx context.Context, key string) error {
	return errors.New("connection refused")
}

func captureLogs(t *testing.T) *bytes.Buffer {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return &buf
}

func TestRateLimiterWindow(t *testing.T) {
	clock := testutil.NewClock()
	storage := store.NewMemoryStorage(clock.Now)
	t.Cleanup(func() { storage.Close() })
	limiter := NewRateLimiter(storage, time.Minute, 2)
	ctx := context.Background()

	limiter.Fail(ctx, LimitLogin, "Alice")
	require.NoError(t, limiter.Check(ctx, LimitLogin, "alice"))
	limiter.Fail(ctx, LimitLogin, "alice")
	require.ErrorIs(t, limiter.Check(ctx, LimitLogin, "ALICE"), oauth.ErrRateLimited)
	require.NoError(t, limiter.Check(ctx, LimitClientAuth, "alice"))

	limiter.Reset(ctx, LimitLogin, "alice")
	require.NoError(t, limiter.Check(ctx, LimitLogin, "alice"))
}

func TestRateLimiterResetLogsStorageErrors(t *testing.T) {
	logs := captureLogs(t)
	storage := store.NewMemoryStorage(nil)
	t.Cleanup(func() { storage.Close() })
	ctx := context.Background()

	// nothing to reset is not worth a warning
	NewRateLimiter(storage, time.Minute, 2).Reset(ctx, LimitLogin, "alice")
	require.Empty(t, logs.String())

	NewRateLimiter(&brokenDeleteStorage{Storage: storage}, time.Minute, 2).Reset(ctx, LimitLogin, "alice")
	require.Contains(t, logs.String(), "Could not reset failures")
	require.Contains(t, logs.String(), "connection refused")
}
