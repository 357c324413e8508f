package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/suite"

	"github.com/sievehq/sieve/internal/config"
)

type RedisStoreSuite struct {
	suite.Suite
	mr    *miniredis.Miniredis
	store *RedisStore
	ctx   context.Context
}

func (s *RedisStoreSuite) SetupTest() {
	s.ctx = context.Background()
	mr, err := miniredis.Run()
	s.Require().NoError(err)
	s.mr = mr

	cfg := config.CacheConfig{Host: mr.Host(), Port: mr.Server().Addr().Port}
	store, err := NewRedisStore(s.ctx, cfg)
	s.Require().NoError(err)
	s.store = store
}

func (s *RedisStoreSuite) TearDownTest() {
	_ = s.store.Close()
	s.mr.Close()
}

func TestRedisStoreSuite(t *testing.T) {
	suite.Run(t, new(RedisStoreSuite))
}

func (s *RedisStoreSuite) TestSetGetRoundTrip() {
	key := QueryKey("abc123")
	s.Require().NoError(s.store.Set(s.ctx, key, []byte(`{"v":1}`), time.Minute))

	val, ok := s.store.Get(s.ctx, key)
	s.True(ok)
	s.JSONEq(`{"v":1}`, string(val))
}

func (s *RedisStoreSuite) TestExpiry() {
	key := QueryKey("shortlived")
	s.Require().NoError(s.store.Set(s.ctx, key, []byte("x"), 2*time.Second))

	_, ok := s.store.Get(s.ctx, key)
	s.True(ok, "entry should be present within TTL")

	s.mr.FastForward(3 * time.Second)

	_, ok = s.store.Get(s.ctx, key)
	s.False(ok, "entry should expire after TTL")
}

func (s *RedisStoreSuite) TestMetaSiblingTracksAccess() {
	key := ContentKey("doc-1")
	s.Require().NoError(s.store.Set(s.ctx, key, []byte("body"), time.Minute))

	_, _ = s.store.Get(s.ctx, key)
	_, _ = s.store.Get(s.ctx, key)

	count := s.mr.HGet(MetaKey(key), "accessCount")
	s.Equal("2", count)
}

func (s *RedisStoreSuite) TestMGetCountsHitsAndMisses() {
	s.Require().NoError(s.store.Set(s.ctx, EmbeddingKey("openai", "m", "a1"), []byte("[1]"), time.Minute))
	s.Require().NoError(s.store.Set(s.ctx, EmbeddingKey("openai", "m", "b2"), []byte("[2]"), time.Minute))

	hits := s.store.MGet(s.ctx, []string{
		EmbeddingKey("openai", "m", "a1"),
		EmbeddingKey("openai", "m", "missing"),
		EmbeddingKey("openai", "m", "b2"),
	})
	s.Len(hits, 2)

	stats := s.store.Stats(s.ctx)
	s.Equal(int64(2), stats.Hits)
	s.Equal(int64(1), stats.Misses)
}

func (s *RedisStoreSuite) TestInvalidatePrefix() {
	s.Require().NoError(s.store.Set(s.ctx, QueryKey("aaa"), []byte("1"), time.Minute))
	s.Require().NoError(s.store.Set(s.ctx, QueryKey("bbb"), []byte("2"), time.Minute))
	s.Require().NoError(s.store.Set(s.ctx, ContentKey("ccc"), []byte("3"), time.Minute))

	deleted, err := s.store.Invalidate(s.ctx, PrefixQuery)
	s.Require().NoError(err)
	s.Equal(int64(2), deleted, "meta siblings do not count toward deletions")

	_, ok := s.store.Get(s.ctx, QueryKey("aaa"))
	s.False(ok)
	_, ok = s.store.Get(s.ctx, ContentKey("ccc"))
	s.True(ok, "other key spaces survive invalidation")
}

func (s *RedisStoreSuite) TestStatsHitRate() {
	key := QueryKey("rate")
	s.Require().NoError(s.store.Set(s.ctx, key, []byte("x"), time.Minute))

	_, _ = s.store.Get(s.ctx, key)
	_, _ = s.store.Get(s.ctx, QueryKey("nope"))

	stats := s.store.Stats(s.ctx)
	s.InDelta(0.5, stats.HitRate, 0.001)
	s.GreaterOrEqual(stats.Keys, int64(1))
}

func (s *RedisStoreSuite) TestGetNeverSurfacesBackendFailure() {
	key := QueryKey("gone")
	s.Require().NoError(s.store.Set(s.ctx, key, []byte("x"), time.Minute))

	s.mr.Close()

	// A dead back-end must read as a miss, not an error.
	_, ok := s.store.Get(s.ctx, key)
	s.False(ok)
	s.False(s.store.HealthCheck(s.ctx))
}

func (s *RedisStoreSuite) TestClearResetsStats() {
	s.Require().NoError(s.store.Set(s.ctx, QueryKey("k"), []byte("x"), time.Minute))
	_, _ = s.store.Get(s.ctx, QueryKey("k"))

	s.Require().NoError(s.store.Clear(s.ctx))

	stats := s.store.Stats(s.ctx)
	s.Zero(stats.Hits)
	s.Zero(stats.Misses)
	s.Zero(stats.Keys)
}
