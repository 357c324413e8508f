package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultPort, cfg.Server.Port)
	assert.Equal(t, "memory", cfg.Database.Vector.Provider)
}

func TestLoadMergesOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sieve.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9999
search:
  defaultTopK: 25
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, 25, cfg.Search.DefaultTopK)
	// Untouched sections keep their defaults.
	assert.Equal(t, 5*time.Minute, cfg.Cache.TTL.QueryResults)
}

func TestLoadEnvPortOverride(t *testing.T) {
	t.Setenv("SIEVE_PORT", "7070")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sieve.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [not a map"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidateDimensionMismatch(t *testing.T) {
	cfg := Default()
	cfg.Embedding.Dimension = 768

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dimension")
}

func TestValidateHybridWeightsMustSumToOne(t *testing.T) {
	cfg := Default()
	cfg.Search.Hybrid.VectorWeight = 0.8
	cfg.Search.Hybrid.KeywordWeight = 0.3

	assert.Error(t, cfg.Validate())

	cfg.Search.Hybrid.Enabled = false
	assert.NoError(t, cfg.Validate(), "weights are not checked when hybrid is off")
}

func TestValidateMetric(t *testing.T) {
	cfg := Default()
	cfg.Database.Vector.Metric = "hamming"
	assert.Error(t, cfg.Validate())

	for _, m := range []string{"", "cosine", "l2", "ip"} {
		cfg.Database.Vector.Metric = m
		assert.NoError(t, cfg.Validate())
	}
}

func TestValidateCacheTTLFloor(t *testing.T) {
	cfg := Default()
	cfg.Cache.TTL.QueryResults = 100 * time.Millisecond
	assert.Error(t, cfg.Validate())
}

func TestRedisAddr(t *testing.T) {
	c := CacheConfig{Host: "cache.internal", Port: 6380}
	assert.Equal(t, "cache.internal:6380", c.RedisAddr())
}
