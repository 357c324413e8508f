// Package vector provides a narrow adapter over interchangeable vector
// back-ends: a flat in-memory index, pgvector, and qdrant.
package vector

import (
	"context"
	"sort"

	"github.com/sievehq/sieve/internal/apperr"
	"github.com/sievehq/sieve/internal/config"
	"github.com/sievehq/sieve/pkg/models"
)

// Metric tags understood by the adapters.
const (
	MetricCosine = "cosine"
	MetricL2     = "l2"
	MetricIP     = "ip"
)

// SearchOptions tunes one top-K query.
type SearchOptions struct {
	TopK            int
	Filter          []models.Filter
	IncludeMetadata bool
	ScoreThreshold  float64
}

// Store is the capability set every vector back-end exposes. Scores
// returned from Search are normalized so that higher is better and fall
// in [0,1] regardless of the back-end metric; results are ordered by
// score descending with ties broken by ascending id.
type Store interface {
	// Initialize prepares the back-end. Idempotent; fails with the
	// VectorDbInit kind when the back-end is unreachable or the
	// configuration is incomplete.
	Initialize(ctx context.Context) error

	// Upsert stores records, atomically per record.
	Upsert(ctx context.Context, records []models.VectorRecord) error

	// Delete removes records by id. Unknown ids are ignored.
	Delete(ctx context.Context, ids []string) error

	// Search answers a top-K query with an optional metadata filter.
	Search(ctx context.Context, vec []float32, opts SearchOptions) ([]models.SearchResult, error)

	// Stats reports the index state.
	Stats(ctx context.Context) (models.VectorStats, error)

	// HealthCheck is healthy iff Initialize and Stats succeed.
	HealthCheck(ctx context.Context) bool

	Close() error
}

// sortResults applies the shared result ordering: score descending,
// ties broken by ascending id.
func sortResults(results []models.SearchResult) {
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})
}

// New dispatches on the configured provider tag.
func New(cfg config.VectorConfig) (Store, error) {
	switch cfg.Provider {
	case "memory", "":
		return NewMemoryStore(cfg), nil
	case "pgvector":
		return NewPgvectorStore(cfg)
	case "qdrant":
		return NewQdrantStore(cfg)
	default:
		return nil, apperr.Newf(apperr.Validation, "vector.New",
			"unsupported vector provider %q", cfg.Provider)
	}
}
