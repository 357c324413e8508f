package cache

import (
	"context"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"

	"github.com/sievehq/sieve/internal/config"
	"github.com/sievehq/sieve/pkg/models"
)

// scanBatchSize is the COUNT hint used when walking keys for invalidation.
const scanBatchSize = 200

// RedisStore implements Store on a redis-compatible back-end. Eviction is
// delegated to the server (maxmemory + an LRU-family policy); the store
// tolerates entries disappearing between operations.
type RedisStore struct {
	client *redis.Client

	hits   int64
	misses int64
}

// NewRedisStore connects to the configured back-end and applies the memory
// ceiling and eviction policy when one is configured.
func NewRedisStore(ctx context.Context, cfg config.CacheConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}

	// Best effort: managed back-ends commonly reject CONFIG SET.
	if cfg.MaxMemoryMB > 0 {
		maxMem := strconv.Itoa(cfg.MaxMemoryMB) + "mb"
		if err := client.ConfigSet(ctx, "maxmemory", maxMem).Err(); err != nil {
			log.Warn().Err(err).Str("maxmemory", maxMem).Msg("cache: could not apply memory ceiling")
		}
	}
	if cfg.EvictionPolicy != "" {
		if err := client.ConfigSet(ctx, "maxmemory-policy", cfg.EvictionPolicy).Err(); err != nil {
			log.Warn().Err(err).Str("policy", cfg.EvictionPolicy).Msg("cache: could not apply eviction policy")
		}
	}

	return &RedisStore{client: client}, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool) {
	val, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		atomic.AddInt64(&s.misses, 1)
		return nil, false
	}
	if err != nil {
		atomic.AddInt64(&s.misses, 1)
		log.Warn().Err(err).Str("key", key).Msg("cache: get failed, treating as miss")
		return nil, false
	}

	atomic.AddInt64(&s.hits, 1)
	s.touchMeta(ctx, key)
	return val, true
}

// touchMeta bumps the access counter and last-access time on the meta
// sibling. Meta may be stale relative to the value; that is tolerated.
func (s *RedisStore) touchMeta(ctx context.Context, key string) {
	meta := MetaKey(key)
	pipe := s.client.Pipeline()
	pipe.HIncrBy(ctx, meta, "accessCount", 1)
	pipe.HSet(ctx, meta, "lastAccess", time.Now().UnixMilli())
	if _, err := pipe.Exec(ctx); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("cache: meta touch failed")
	}
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < MinTTL {
		ttl = MinTTL
	}

	now := time.Now()
	pipe := s.client.Pipeline()
	pipe.Set(ctx, key, value, ttl)
	meta := MetaKey(key)
	pipe.HSet(ctx, meta, map[string]any{
		"insertedAt":  now.UnixMilli(),
		"ttl":         int64(ttl / time.Second),
		"accessCount": 0,
		"lastAccess":  now.UnixMilli(),
	})
	pipe.Expire(ctx, meta, ttl)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) MGet(ctx context.Context, keys []string) map[string][]byte {
	if len(keys) == 0 {
		return nil
	}

	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		atomic.AddInt64(&s.misses, int64(len(keys)))
		log.Warn().Err(err).Int("keys", len(keys)).Msg("cache: mget failed, treating all as misses")
		return nil
	}

	hits := make(map[string][]byte, len(keys))
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			atomic.AddInt64(&s.misses, 1)
			continue
		}
		atomic.AddInt64(&s.hits, 1)
		hits[keys[i]] = []byte(str)
	}
	return hits
}

func (s *RedisStore) Invalidate(ctx context.Context, prefix string) (int64, error) {
	var cursor uint64
	var deleted int64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, prefix+"*", scanBatchSize).Result()
		if err != nil {
			return deleted, err
		}
		if len(keys) > 0 {
			batch := make([]string, 0, len(keys)*2)
			for _, k := range keys {
				if IsMetaKey(k) {
					continue
				}
				deleted++
				batch = append(batch, k, MetaKey(k))
			}
			if len(batch) > 0 {
				if err := s.client.Del(ctx, batch...).Err(); err != nil {
					return deleted, err
				}
			}
		}
		cursor = next
		if cursor == 0 {
			return deleted, nil
		}
	}
}

func (s *RedisStore) Clear(ctx context.Context) error {
	atomic.StoreInt64(&s.hits, 0)
	atomic.StoreInt64(&s.misses, 0)
	return s.client.FlushDB(ctx).Err()
}

func (s *RedisStore) Stats(ctx context.Context) models.CacheStats {
	hits := atomic.LoadInt64(&s.hits)
	misses := atomic.LoadInt64(&s.misses)

	stats := models.CacheStats{Hits: hits, Misses: misses}
	if total := hits + misses; total > 0 {
		stats.HitRate = float64(hits) / float64(total)
	}

	if n, err := s.client.DBSize(ctx).Result(); err == nil {
		stats.Keys = n
	}
	if info, err := s.client.Info(ctx, "memory").Result(); err == nil {
		stats.MemoryBytes = parseInfoInt(info, "used_memory:")
	}
	if info, err := s.client.Info(ctx, "stats").Result(); err == nil {
		stats.Evictions = parseInfoInt(info, "evicted_keys:")
	}
	return stats
}

func (s *RedisStore) HealthCheck(ctx context.Context) bool {
	return s.client.Ping(ctx).Err() == nil
}

func (s *RedisStore) Close() error { return s.client.Close() }

// parseInfoInt pulls a single integer field out of an INFO section.
func parseInfoInt(info, field string) int64 {
	for _, line := range strings.Split(info, "\r\n") {
		if strings.HasPrefix(line, field) {
			n, err := strconv.ParseInt(strings.TrimSpace(line[len(field):]), 10, 64)
			if err == nil {
				return n
			}
			return 0
		}
	}
	return 0
}
