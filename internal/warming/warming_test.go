package warming

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sievehq/sieve/internal/cache"
	"github.com/sievehq/sieve/internal/processor"
)

func newTestWarmer(t *testing.T) (*Warmer, cache.Store) {
	t.Helper()
	store := cache.NewMemoryStore()
	t.Cleanup(func() { _ = store.Close() })

	w := New(store, Config{
		Interval:            time.Hour, // ticks driven manually in tests
		PopularityThreshold: 2,
		MaxAge:              time.Hour,
		BatchSize:           2,
		BatchDelay:          time.Millisecond,
	})
	t.Cleanup(w.Close)
	return w, store
}

func observe(w *Warmer, fp string, latency time.Duration, sources ...string) {
	w.Observe(processor.Observation{
		QueryID:     "q-" + fp,
		Fingerprint: fp,
		Latency:     latency,
		SourceIDs:   sources,
	})
}

func TestObserveAccumulatesUsage(t *testing.T) {
	w, _ := newTestWarmer(t)

	observe(w, "fp1", 100*time.Millisecond, "s1")
	observe(w, "fp1", 200*time.Millisecond, "s2")

	w.mu.Lock()
	info := w.usage["fp1"]
	w.mu.Unlock()

	require.NotNil(t, info)
	assert.Equal(t, int64(2), info.count)
	assert.True(t, info.sources["s1"])
	assert.True(t, info.sources["s2"])
	// EWMA moves toward the newest sample without jumping to it.
	assert.Greater(t, info.avgLatencyMs, 100.0)
	assert.Less(t, info.avgLatencyMs, 200.0)
}

func TestObserveIgnoresFailuresAndEmptyFingerprints(t *testing.T) {
	w, _ := newTestWarmer(t)

	w.Observe(processor.Observation{Fingerprint: "", Latency: time.Millisecond})
	w.Observe(processor.Observation{Fingerprint: "fpX", Err: context.DeadlineExceeded})

	stats := w.Stats()
	assert.Zero(t, stats.TrackedQueries)
}

func TestPopularRequiresThreshold(t *testing.T) {
	w, _ := newTestWarmer(t)

	observe(w, "hot", time.Millisecond)
	observe(w, "hot", time.Millisecond)
	observe(w, "hot", time.Millisecond)
	observe(w, "cold", time.Millisecond)

	popular := w.popular()
	require.Len(t, popular, 1)
	assert.Equal(t, "hot", popular[0])
}

func TestPopularOrderedByScore(t *testing.T) {
	w, _ := newTestWarmer(t)

	for i := 0; i < 10; i++ {
		observe(w, "very-hot", time.Millisecond)
	}
	observe(w, "warm", time.Millisecond)
	observe(w, "warm", time.Millisecond)

	popular := w.popular()
	require.Len(t, popular, 2)
	assert.Equal(t, "very-hot", popular[0])
}

func TestWarmPopularTouchesCache(t *testing.T) {
	w, store := newTestWarmer(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, cache.QueryKey("hot"), []byte(`{"id":"r"}`), time.Minute))
	observe(w, "hot", time.Millisecond)
	observe(w, "hot", time.Millisecond)

	w.warmPopular()

	stats := w.Stats()
	assert.Equal(t, int64(1), stats.WarmedTotal)
}

func TestOnSourceUpdateInvalidates(t *testing.T) {
	w, store := newTestWarmer(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, cache.QueryKey("fp-a"), []byte(`{}`), time.Minute))
	require.NoError(t, store.Set(ctx, cache.QueryKey("fp-b"), []byte(`{}`), time.Minute))
	require.NoError(t, store.Set(ctx, cache.ContentKey("s1-doc-1"), []byte(`{}`), time.Minute))

	observe(w, "fp-a", time.Millisecond, "s1")
	observe(w, "fp-b", time.Millisecond, "s2")

	w.OnSourceUpdate("s1")

	_, ok := store.Get(ctx, cache.QueryKey("fp-a"))
	assert.False(t, ok, "query touched by the source is gone")
	_, ok = store.Get(ctx, cache.QueryKey("fp-b"))
	assert.True(t, ok, "unrelated query survives")
	_, ok = store.Get(ctx, cache.ContentKey("s1-doc-1"))
	assert.False(t, ok, "content for the source is gone")

	stats := w.Stats()
	assert.Equal(t, 1, stats.TrackedQueries, "usage entry for the stale query removed")
	assert.GreaterOrEqual(t, stats.Invalidated, int64(2))
}

func TestDropStale(t *testing.T) {
	w, _ := newTestWarmer(t)

	observe(w, "old", time.Millisecond)
	w.mu.Lock()
	w.usage["old"].lastAccessed = time.Now().Add(-2 * time.Hour)
	w.mu.Unlock()
	observe(w, "new", time.Millisecond)

	w.dropStale()

	stats := w.Stats()
	assert.Equal(t, 1, stats.TrackedQueries)
}

func TestUsageMapBounded(t *testing.T) {
	w, _ := newTestWarmer(t)

	for i := 0; i < maxTrackedEntries+50; i++ {
		observe(w, fmt.Sprintf("fp-%d", i), time.Millisecond)
	}

	stats := w.Stats()
	assert.LessOrEqual(t, stats.TrackedQueries, maxTrackedEntries)
}
