// Package cache provides the TTL key-value cache backing query results,
// embeddings, and processed content.
package cache

import (
	"context"
	"time"

	"github.com/goccy/go-json"

	"github.com/sievehq/sieve/pkg/models"
)

// Key space prefixes. The grammar is fixed: query:<64-hex>,
// embedding:<provider>:<model>:<base36>, content:<content-id>.
// Every value key has a sibling <key>:meta holding access bookkeeping.
const (
	PrefixQuery   = "query:"
	PrefixContent = "content:"
	metaSuffix    = ":meta"
)

// MinTTL is the smallest TTL a Set accepts.
const MinTTL = time.Second

// QueryKey builds the cache key for a query fingerprint.
func QueryKey(fingerprint string) string { return PrefixQuery + fingerprint }

// EmbeddingKey builds the cache key for an embedding.
func EmbeddingKey(provider, model, textHash string) string {
	return "embedding:" + provider + ":" + model + ":" + textHash
}

// ContentKey builds the cache key for processed content.
func ContentKey(contentID string) string { return PrefixContent + contentID }

// MetaKey returns the meta sibling key for a value key.
func MetaKey(key string) string { return key + metaSuffix }

// IsMetaKey reports whether key is a meta sibling.
func IsMetaKey(key string) bool {
	return len(key) > len(metaSuffix) && key[len(key)-len(metaSuffix):] == metaSuffix
}

// Meta is the bookkeeping record stored beside each value key.
type Meta struct {
	InsertedAt  time.Time     `json:"insertedAt"`
	TTL         time.Duration `json:"ttl"`
	AccessCount int64         `json:"accessCount"`
	LastAccess  time.Time     `json:"lastAccess"`
}

// Store is the cache capability consumed by the pipeline. Implementations
// must never surface back-end failures from Get: a failed read counts as a
// miss. The back-end may drop entries at any time; correctness never
// depends on persistence.
type Store interface {
	// Get returns the raw value for key and whether it was present.
	// A hit touches the meta sibling (access count, last access).
	Get(ctx context.Context, key string) ([]byte, bool)

	// Set writes value under key with the given TTL (>= MinTTL).
	// Last write wins on concurrent Sets for the same key.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// MGet returns the subset of keys that hit. Each slot counts as a hit
	// or a miss in the stats.
	MGet(ctx context.Context, keys []string) map[string][]byte

	// Invalidate deletes all value keys with the given prefix and their
	// meta siblings, returning the number of value keys removed.
	Invalidate(ctx context.Context, prefix string) (int64, error)

	// Clear removes everything and resets the hit/miss counters.
	Clear(ctx context.Context) error

	// Stats reports counters since the last Clear.
	Stats(ctx context.Context) models.CacheStats

	// HealthCheck pings the back-end.
	HealthCheck(ctx context.Context) bool

	Close() error
}

// GetJSON reads key and unmarshals it into out. Returns false on miss or
// on malformed payloads (malformed entries are treated as absent).
func GetJSON(ctx context.Context, s Store, key string, out any) bool {
	raw, ok := s.Get(ctx, key)
	if !ok {
		return false
	}
	return json.Unmarshal(raw, out) == nil
}

// SetJSON marshals v and stores it under key.
func SetJSON(ctx context.Context, s Store, key string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.Set(ctx, key, raw, ttl)
}
