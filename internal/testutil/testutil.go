// Package testutil holds fixtures shared by package tests.
package testutil

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/khanghh/oauthd/internal/config"
	"github.com/khanghh/oauthd/internal/database"
	"github.com/khanghh/oauthd/model"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const MasterKey = "test-master-key-0123456789abcdef"

// OpenTestDB returns a migrated sqlite database in a temp dir. A single
// connection serializes writers the way a row lock would.
func OpenTestDB(t testing.TB) *gorm.DB {
	t.Helper()
	db, err := database.Open(config.DatabaseConfig{
		Driver:       "sqlite",
		Dsn:          filepath.Join(t.TempDir(), "oauthd.db") + "?_pragma=busy_timeout(5000)",
		MaxOpenConns: 1,
	}, false)
	require.NoError(t, err)
	require.NoError(t, model.AutoMigrate(db))
	t.Cleanup(func() { database.Close(db) })
	return db
}

type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func NewClock() *Clock {
	return &Clock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}
