package vector

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/sievehq/sieve/internal/apperr"
	"github.com/sievehq/sieve/internal/config"
	"github.com/sievehq/sieve/pkg/models"
)

// MemoryStore is the flat in-memory back-end: a linear scan over all
// stored vectors. It doubles as the local provider variant for dev mode.
type MemoryStore struct {
	mu          sync.RWMutex
	records     map[string]models.VectorRecord
	dimension   int
	metric      string
	initialized bool
	lastUpdated time.Time
}

// NewMemoryStore creates a flat store for the configured dimension.
func NewMemoryStore(cfg config.VectorConfig) *MemoryStore {
	metric := cfg.Metric
	if metric == "" {
		metric = MetricCosine
	}
	return &MemoryStore{
		records:   make(map[string]models.VectorRecord),
		dimension: cfg.Dimension,
		metric:    metric,
	}
}

func (s *MemoryStore) Initialize(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initialized {
		return nil
	}
	if s.dimension <= 0 {
		return apperr.Newf(apperr.VectorDbInit, "vector.memory", "dimension must be positive, got %d", s.dimension)
	}
	switch s.metric {
	case MetricCosine, MetricL2, MetricIP:
	default:
		return apperr.Newf(apperr.VectorDbInit, "vector.memory", "unknown metric %q", s.metric)
	}
	s.initialized = true
	return nil
}

func (s *MemoryStore) Upsert(_ context.Context, records []models.VectorRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return apperr.New(apperr.VectorDbInit, "vector.memory", "store not initialized")
	}
	for _, r := range records {
		if len(r.Vector) != s.dimension {
			return apperr.Newf(apperr.Validation, "vector.memory",
				"record %s has dimension %d, want %d", r.ID, len(r.Vector), s.dimension)
		}
		s.records[r.ID] = r
	}
	s.lastUpdated = time.Now()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.records, id)
	}
	s.lastUpdated = time.Now()
	return nil
}

func (s *MemoryStore) Search(_ context.Context, vec []float32, opts SearchOptions) ([]models.SearchResult, error) {
	if err := ValidateFilterFields(opts.Filter); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.initialized {
		return nil, apperr.New(apperr.VectorDbInit, "vector.memory", "store not initialized")
	}
	if len(vec) != s.dimension {
		return nil, apperr.Newf(apperr.Validation, "vector.memory",
			"query vector has dimension %d, want %d", len(vec), s.dimension)
	}

	topK := opts.TopK
	if topK <= 0 {
		topK = 10
	}

	results := make([]models.SearchResult, 0, topK)
	for id, r := range s.records {
		if len(opts.Filter) > 0 && !MatchesFilters(r.Metadata, opts.Filter) {
			continue
		}
		score := s.score(vec, r.Vector)
		if score < opts.ScoreThreshold {
			continue
		}
		res := models.SearchResult{ID: id, Score: score}
		if opts.IncludeMetadata {
			res.Metadata = r.Metadata
		}
		results = append(results, res)
	}

	sortResults(results)
	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

// score normalizes every metric to [0,1] with higher better. L2 distance
// maps through 1/(1+d); cosine and inner product are clamped.
func (s *MemoryStore) score(a, b []float32) float64 {
	switch s.metric {
	case MetricL2:
		var sum float64
		for i := range a {
			d := float64(a[i]) - float64(b[i])
			sum += d * d
		}
		return 1 / (1 + math.Sqrt(sum))
	case MetricIP:
		return clamp01(dot(a, b))
	default: // cosine
		na, nb := norm(a), norm(b)
		if na == 0 || nb == 0 {
			return 0
		}
		return clamp01(dot(a, b) / (na * nb))
	}
}

func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

func norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}

func (s *MemoryStore) Stats(_ context.Context) (models.VectorStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.initialized {
		return models.VectorStats{}, apperr.New(apperr.VectorDbInit, "vector.memory", "store not initialized")
	}
	return models.VectorStats{
		VectorCount: int64(len(s.records)),
		Dimension:   s.dimension,
		IndexTag:    "flat",
		LastUpdated: s.lastUpdated,
		Bytes:       int64(len(s.records)) * int64(s.dimension) * 4,
	}, nil
}

func (s *MemoryStore) HealthCheck(ctx context.Context) bool {
	if err := s.Initialize(ctx); err != nil {
		return false
	}
	_, err := s.Stats(ctx)
	return err == nil
}

func (s *MemoryStore) Close() error { return nil }
