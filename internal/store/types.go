package store

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
)

type Storage interface {
	Get(ctx context.Context, key string, val any) error
	Set(ctx context.Context, key string, val any, expiresIn time.Duration) error
	Delete(ctx context.Context, key string) error
	Expire(ctx context.Context, key string, expiresAt time.Time) error
	// Incr bumps a counter and starts its window on the first increment.
	Incr(ctx context.Context, key string, window time.Duration) (int64, error)
	// Counter reads a counter written by Incr, zero when absent.
	Counter(ctx context.Context, key string) (int64, error)
	Ping(ctx context.Context) error
}

type Store[T any] interface {
	Storage() Storage
	Get(ctx context.Context, key string) (T, error)
	Set(ctx context.Context, key string, val T, expiresIn time.Duration) error
	Delete(ctx context.Context, key string) error
	Expire(ctx context.Context, key string, expiresAt time.Time) error
	Incr(ctx context.Context, key string, window time.Duration) (int64, error)
}
