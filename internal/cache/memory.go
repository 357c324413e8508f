package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/sievehq/sieve/pkg/models"
)

// memoryEntry is a value plus its meta record.
type memoryEntry struct {
	value     []byte
	meta      Meta
	expiresAt time.Time
}

// MemoryStore is an in-process Store used for cache-less deployments and
// tests. Expired entries are dropped lazily on access and by a sweeper.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*memoryEntry

	hits      int64
	misses    int64
	evictions int64

	stop     chan struct{}
	stopOnce sync.Once
}

// NewMemoryStore creates a MemoryStore and starts its expiry sweeper.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		entries: make(map[string]*memoryEntry),
		stop:    make(chan struct{}),
	}
	go s.sweepLoop()
	return s
}

func (s *MemoryStore) sweepLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			now := time.Now()
			s.mu.Lock()
			for k, e := range s.entries {
				if now.After(e.expiresAt) {
					delete(s.entries, k)
					s.evictions++
				}
			}
			s.mu.Unlock()
		}
	}
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, bool) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok || now.After(e.expiresAt) {
		if ok {
			delete(s.entries, key)
			s.evictions++
		}
		s.misses++
		return nil, false
	}

	s.hits++
	e.meta.AccessCount++
	e.meta.LastAccess = now
	return e.value, true
}

func (s *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < MinTTL {
		ttl = MinTTL
	}
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = &memoryEntry{
		value: value,
		meta: Meta{
			InsertedAt: now,
			TTL:        ttl,
			LastAccess: now,
		},
		expiresAt: now.Add(ttl),
	}
	return nil
}

func (s *MemoryStore) MGet(ctx context.Context, keys []string) map[string][]byte {
	hits := make(map[string][]byte, len(keys))
	for _, k := range keys {
		if v, ok := s.Get(ctx, k); ok {
			hits[k] = v
		}
	}
	return hits
}

func (s *MemoryStore) Invalidate(_ context.Context, prefix string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for k := range s.entries {
		if strings.HasPrefix(k, prefix) {
			delete(s.entries, k)
			deleted++
		}
	}
	return deleted, nil
}

func (s *MemoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]*memoryEntry)
	s.hits, s.misses, s.evictions = 0, 0, 0
	return nil
}

func (s *MemoryStore) Stats(_ context.Context) models.CacheStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := models.CacheStats{
		Hits:      s.hits,
		Misses:    s.misses,
		Keys:      int64(len(s.entries)),
		Evictions: s.evictions,
	}
	var bytes int64
	for _, e := range s.entries {
		bytes += int64(len(e.value))
	}
	stats.MemoryBytes = bytes
	if total := s.hits + s.misses; total > 0 {
		stats.HitRate = float64(s.hits) / float64(total)
	}
	return stats
}

func (s *MemoryStore) HealthCheck(_ context.Context) bool { return true }

func (s *MemoryStore) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	return nil
}

// MetaOf returns the meta record for key, for inspection in tests and stats.
func (s *MemoryStore) MetaOf(key string) (Meta, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	if !ok {
		return Meta{}, false
	}
	return e.meta, true
}
