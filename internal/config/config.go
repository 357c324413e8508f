// Package config provides configuration loading and validation for sieve.
package config

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultPort is the default HTTP listen port.
	DefaultPort = 8080

	// DefaultVectorDimension matches the default embedding model output.
	DefaultVectorDimension = 1536
)

// ServerConfig holds the HTTP server options.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	Host            string        `yaml:"host"`
	CORSOrigins     []string      `yaml:"corsOrigins"`
	RateLimitWindow time.Duration `yaml:"rateLimitWindow"`
	RateLimitMax    int           `yaml:"rateLimitMax"`
	RequestTimeout  time.Duration `yaml:"requestTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// VectorConfig selects and configures a vector back-end.
type VectorConfig struct {
	Provider         string            `yaml:"provider"` // memory | pgvector | qdrant
	Dimension        int               `yaml:"dimension"`
	Metric           string            `yaml:"metric"` // cosine | l2 | ip
	ConnectionString string            `yaml:"connectionString"`
	APIKey           string            `yaml:"apiKey"`
	IndexName        string            `yaml:"indexName"`
	IndexType        string            `yaml:"indexType"`
	IndexParams      map[string]string `yaml:"indexParams"`
	Timeout          time.Duration     `yaml:"timeout"`
}

// DatabaseConfig groups the vector and metadata store settings.
type DatabaseConfig struct {
	Vector   VectorConfig `yaml:"vector"`
	Metadata struct {
		Provider         string `yaml:"provider"`
		ConnectionString string `yaml:"connectionString"`
	} `yaml:"metadata"`
}

// CacheTTLConfig holds per-key-space TTLs.
type CacheTTLConfig struct {
	QueryResults time.Duration `yaml:"queryResults"`
	Embeddings   time.Duration `yaml:"embeddings"`
	HealthChecks time.Duration `yaml:"healthChecks"`
}

// CacheConfig configures the redis-backed cache store.
type CacheConfig struct {
	Host           string         `yaml:"host"`
	Port           int            `yaml:"port"`
	Password       string         `yaml:"password"`
	DB             int            `yaml:"db"`
	TTL            CacheTTLConfig `yaml:"ttl"`
	MaxMemoryMB    int            `yaml:"maxMemoryMB"`
	EvictionPolicy string         `yaml:"evictionPolicy"`
}

// EmbeddingConfig configures the embedding provider.
type EmbeddingConfig struct {
	Provider     string        `yaml:"provider"` // openai | ollama | mock
	Model        string        `yaml:"model"`
	APIKey       string        `yaml:"apiKey"`
	BaseURL      string        `yaml:"baseURL"`
	Dimension    int           `yaml:"dimension"`
	MaxTokens    int           `yaml:"maxTokens"`
	BatchSize    int           `yaml:"batchSize"`
	Timeout      time.Duration `yaml:"timeout"`
	CacheEnabled bool          `yaml:"cacheEnabled"`
	CacheTTL     time.Duration `yaml:"cacheTTL"`
}

// HybridConfig controls semantic/keyword score fusion.
type HybridConfig struct {
	Enabled       bool    `yaml:"enabled"`
	VectorWeight  float64 `yaml:"vectorWeight"`
	KeywordWeight float64 `yaml:"keywordWeight"`
}

// SearchConfig holds search engine tuning.
type SearchConfig struct {
	DefaultTopK         int          `yaml:"defaultTopK"`
	MaxTopK             int          `yaml:"maxTopK"`
	SimilarityThreshold float64      `yaml:"similarityThreshold"`
	Hybrid              HybridConfig `yaml:"hybridSearch"`
	Reranking           struct {
		Enabled bool   `yaml:"enabled"`
		Model   string `yaml:"model"`
	} `yaml:"reranking"`
}

// ProcessorConfig holds the orchestrator limits.
type ProcessorConfig struct {
	MaxConcurrentQueries   int           `yaml:"maxConcurrentQueries"`
	DefaultTimeout         time.Duration `yaml:"defaultTimeout"`
	ParallelSearchEnabled  bool          `yaml:"parallelSearchEnabled"`
	CacheEnabled           bool          `yaml:"cacheEnabled"`
	MinConfidenceThreshold float64       `yaml:"minConfidenceThreshold"`
	MaxResultsPerSource    int           `yaml:"maxResultsPerSource"`
}

// MonitoringConfig holds metrics, logging, and health check options.
type MonitoringConfig struct {
	Metrics struct {
		Enabled bool   `yaml:"enabled"`
		Port    int    `yaml:"port"`
		Path    string `yaml:"path"`
	} `yaml:"metrics"`
	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
		File   string `yaml:"file"`
	} `yaml:"logging"`
	HealthCheck struct {
		Interval time.Duration `yaml:"interval"`
		Timeout  time.Duration `yaml:"timeout"`
	} `yaml:"healthCheck"`
}

// Config is the full application configuration tree.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Cache      CacheConfig      `yaml:"cache"`
	Embedding  EmbeddingConfig  `yaml:"embedding"`
	Search     SearchConfig     `yaml:"search"`
	Processor  ProcessorConfig  `yaml:"processor"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
}

// Default returns a Config with working defaults for a local deployment.
func Default() *Config {
	cfg := &Config{}
	cfg.Server = ServerConfig{
		Port:            DefaultPort,
		Host:            "0.0.0.0",
		RateLimitWindow: time.Minute,
		RateLimitMax:    120,
		RequestTimeout:  30 * time.Second,
		ShutdownTimeout: 30 * time.Second,
	}
	cfg.Database.Vector = VectorConfig{
		Provider:  "memory",
		Dimension: DefaultVectorDimension,
		Metric:    "cosine",
		IndexName: "sieve",
		Timeout:   10 * time.Second,
	}
	cfg.Cache = CacheConfig{
		Host: "localhost",
		Port: 6379,
		TTL: CacheTTLConfig{
			QueryResults: 5 * time.Minute,
			Embeddings:   24 * time.Hour,
			HealthChecks: 30 * time.Second,
		},
		MaxMemoryMB:    256,
		EvictionPolicy: "allkeys-lru",
	}
	cfg.Embedding = EmbeddingConfig{
		Provider:     "openai",
		Model:        "text-embedding-3-small",
		Dimension:    DefaultVectorDimension,
		MaxTokens:    512,
		BatchSize:    32,
		Timeout:      30 * time.Second,
		CacheEnabled: true,
		CacheTTL:     24 * time.Hour,
	}
	cfg.Search = SearchConfig{
		DefaultTopK:         10,
		MaxTopK:             100,
		SimilarityThreshold: 0.3,
		Hybrid: HybridConfig{
			Enabled:       true,
			VectorWeight:  0.7,
			KeywordWeight: 0.3,
		},
	}
	cfg.Processor = ProcessorConfig{
		MaxConcurrentQueries:   10,
		DefaultTimeout:         30 * time.Second,
		ParallelSearchEnabled:  true,
		CacheEnabled:           true,
		MinConfidenceThreshold: 0.3,
		MaxResultsPerSource:    20,
	}
	cfg.Monitoring.Metrics.Enabled = true
	cfg.Monitoring.Metrics.Path = "/metrics"
	cfg.Monitoring.Logging.Level = "info"
	cfg.Monitoring.Logging.Format = "console"
	cfg.Monitoring.HealthCheck.Interval = 30 * time.Second
	cfg.Monitoring.HealthCheck.Timeout = 5 * time.Second
	return cfg
}

// Load reads a YAML config file and merges it over the defaults.
// A missing file yields the defaults. The SIEVE_PORT environment variable
// overrides server.port when set.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if port := os.Getenv("SIEVE_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil && p > 0 {
			cfg.Server.Port = p
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints that a bad deployment would
// otherwise only discover at query time.
func (c *Config) Validate() error {
	if c.Database.Vector.Dimension <= 0 {
		return fmt.Errorf("database.vector.dimension must be positive, got %d", c.Database.Vector.Dimension)
	}
	if c.Embedding.Dimension != c.Database.Vector.Dimension {
		return fmt.Errorf("embedding.dimension (%d) must equal database.vector.dimension (%d)",
			c.Embedding.Dimension, c.Database.Vector.Dimension)
	}
	switch c.Database.Vector.Metric {
	case "", "cosine", "l2", "ip":
	default:
		return fmt.Errorf("database.vector.metric must be cosine, l2, or ip, got %q", c.Database.Vector.Metric)
	}
	if c.Search.Hybrid.Enabled {
		sum := c.Search.Hybrid.VectorWeight + c.Search.Hybrid.KeywordWeight
		if math.Abs(sum-1.0) > 1e-9 {
			return fmt.Errorf("hybrid weights must sum to 1.0, got %.3f", sum)
		}
	}
	if c.Processor.MaxConcurrentQueries <= 0 {
		return fmt.Errorf("processor.maxConcurrentQueries must be positive")
	}
	if c.Processor.DefaultTimeout <= 0 {
		return fmt.Errorf("processor.defaultTimeout must be positive")
	}
	if c.Cache.TTL.QueryResults < time.Second {
		return fmt.Errorf("cache.ttl.queryResults must be at least 1s")
	}
	return nil
}

// RedisAddr returns the host:port address of the cache back-end.
func (c *CacheConfig) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
