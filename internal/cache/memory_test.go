package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, QueryKey("k"), []byte("v"), time.Minute))

	val, ok := s.Get(ctx, QueryKey("k"))
	assert.True(t, ok)
	assert.Equal(t, []byte("v"), val)

	meta, ok := s.MetaOf(QueryKey("k"))
	require.True(t, ok)
	assert.Equal(t, int64(1), meta.AccessCount)
}

func TestMemoryStoreExpiry(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, QueryKey("k"), []byte("v"), time.Second))

	// Force expiry by rewinding the entry's deadline.
	s.mu.Lock()
	s.entries[QueryKey("k")].expiresAt = time.Now().Add(-time.Second)
	s.mu.Unlock()

	_, ok := s.Get(ctx, QueryKey("k"))
	assert.False(t, ok)

	stats := s.Stats(ctx)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, int64(1), stats.Evictions)
}

func TestMemoryStoreInvalidate(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, QueryKey("a"), []byte("1"), time.Minute))
	require.NoError(t, s.Set(ctx, ContentKey("b"), []byte("2"), time.Minute))

	deleted, err := s.Invalidate(ctx, PrefixQuery)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	_, ok := s.Get(ctx, ContentKey("b"))
	assert.True(t, ok)
}

func TestJSONHelpers(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	type payload struct {
		Name string `json:"name"`
		N    int    `json:"n"`
	}

	require.NoError(t, SetJSON(ctx, s, ContentKey("p"), payload{Name: "x", N: 3}, time.Minute))

	var got payload
	require.True(t, GetJSON(ctx, s, ContentKey("p"), &got))
	assert.Equal(t, payload{Name: "x", N: 3}, got)

	// Malformed payloads read as absent.
	require.NoError(t, s.Set(ctx, ContentKey("bad"), []byte("{nope"), time.Minute))
	assert.False(t, GetJSON(ctx, s, ContentKey("bad"), &got))
}
