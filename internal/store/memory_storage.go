package store

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gofiber/storage/memory/v2"
)

type memoryEntry struct {
	Data      json.RawMessage `json:"d"`
	ExpiresAt time.Time       `json:"e"`
}

// MemoryStorage is a single-process Storage for development and tests.
type MemoryStorage struct {
	mu  sync.Mutex
	mem *memory.Storage
	now func() time.Time
}

func (s *MemoryStorage) load(key string) (*memoryEntry, error) {
	raw, err := s.mem.Get(key)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, ErrNotFound
	}
	var entry memoryEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, err
	}
	if !entry.ExpiresAt.IsZero() && !s.now().Before(entry.ExpiresAt) {
		s.mem.Delete(key)
		return nil, ErrNotFound
	}
	return &entry, nil
}

func (s *MemoryStorage) save(key string, entry *memoryEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	var ttl time.Duration
	if !entry.ExpiresAt.IsZero() {
		ttl = entry.ExpiresAt.Sub(s.now())
		if ttl <= 0 {
			return s.mem.Delete(key)
		}
	}
	return s.mem.Set(key, raw, ttl)
}

func (s *MemoryStorage) Get(ctx context.Context, key string, val any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, err := s.load(key)
	if err != nil {
		return err
	}
	return json.Unmarshal(entry.Data, val)
}

func (s *MemoryStorage) Set(ctx context.Context, key string, val any, expiresIn time.Duration) error {
	data, err := json.Marshal(val)
	if err != nil {
		return err
	}
	entry := memoryEntry{Data: data}
	if expiresIn > 0 {
		entry.ExpiresAt = s.now().Add(expiresIn)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(key, &entry)
}

func (s *MemoryStorage) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.load(key); err != nil {
		return err
	}
	return s.mem.Delete(key)
}

func (s *MemoryStorage) Expire(ctx context.Context, key string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, err := s.load(key)
	if err != nil {
		return err
	}
	entry.ExpiresAt = expiresAt
	return s.save(key, entry)
}

func (s *MemoryStorage) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var count int64
	entry, err := s.load(key)
	switch err {
	case nil:
		if err := json.Unmarshal(entry.Data, &count); err != nil {
			return 0, err
		}
	case ErrNotFound:
		entry = &memoryEntry{ExpiresAt: s.now().Add(window)}
	default:
		return 0, err
	}
	count++
	entry.Data, _ = json.Marshal(count)
	return count, s.save(key, entry)
}

func (s *MemoryStorage) Counter(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, err := s.load(key)
	if err == ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var count int64
	err = json.Unmarshal(entry.Data, &count)
	return count, err
}

func (s *MemoryStorage) Ping(ctx context.Context) error {
	return nil
}

func (s *MemoryStorage) Close() error {
	return s.mem.Close()
}

// NewMemoryStorage creates an in-process storage. now may be nil to use the wall clock.
func NewMemoryStorage(now func() time.Time) *MemoryStorage {
	if now == nil {
		now = time.Now
	}
	return &MemoryStorage{
		mem: memory.New(memory.Config{GCInterval: time.Minute}),
		now: now,
	}
}
