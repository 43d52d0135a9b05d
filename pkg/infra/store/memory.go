package store

import (
	"context"
	"sync"
	"time"

	"github.com/ratefence/ratefence/pkg/domain/ratelimit"
)

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

// MemoryStore is a thread-safe in-process store with per-entry TTL. Expired
// entries are reaped lazily on read, so a single-process client needs no
// background janitor.
type MemoryStore struct {
	data map[string]*memoryEntry
	mu   sync.RWMutex
	now  func() time.Time
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]*memoryEntry),
		now:  time.Now,
	}
}

// WithNow overrides the store clock. Zero-TTL entries keep ignoring it.
func (s *MemoryStore) WithNow(now func() time.Time) *MemoryStore {
	if now != nil {
		s.now = now
	}
	return s
}

func (s *MemoryStore) Get(_ context.Context, key string) (string, error) {
	s.mu.RLock()
	entry, exists := s.data[key]
	if !exists {
		s.mu.RUnlock()
		return "", ratelimit.ErrNoState
	}
	isExpired := !entry.expiresAt.IsZero() && s.now().After(entry.expiresAt)
	value := entry.value
	s.mu.RUnlock()

	if isExpired {
		s.mu.Lock()
		if current, ok := s.data[key]; ok && !current.expiresAt.IsZero() && s.now().After(current.expiresAt) {
			delete(s.data, key)
		}
		s.mu.Unlock()
		return "", ratelimit.ErrNoState
	}

	return value, nil
}

func (s *MemoryStore) Set(_ context.Context, key string, value string, ttl time.Duration) error {
	entry := &memoryEntry{value: value}
	if ttl > 0 {
		entry.expiresAt = s.now().Add(ttl)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = entry
	return nil
}

// Clear removes all entries.
func (s *MemoryStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = make(map[string]*memoryEntry)
}

// Len reports the number of live entries, counting not-yet-reaped expired
// ones.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}
