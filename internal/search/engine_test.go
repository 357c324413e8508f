package search

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sievehq/sieve/internal/config"
	"github.com/sievehq/sieve/internal/embedding"
	"github.com/sievehq/sieve/internal/vector"
	"github.com/sievehq/sieve/pkg/models"
)

const testDim = 16

func newTestEngine(t *testing.T, hybrid bool) (*Engine, vector.Store, *embedding.Service) {
	t.Helper()

	store := vector.NewMemoryStore(config.VectorConfig{Dimension: testDim, Metric: "cosine"})
	require.NoError(t, store.Initialize(context.Background()))

	embedder := embedding.NewService(embedding.NewMockProvider(testDim), nil, config.EmbeddingConfig{})

	cfg := config.SearchConfig{
		DefaultTopK:         10,
		MaxTopK:             100,
		SimilarityThreshold: 0.1,
		Hybrid:              config.HybridConfig{Enabled: hybrid, VectorWeight: 0.7, KeywordWeight: 0.3},
	}
	return NewEngine(store, embedder, cfg), store, embedder
}

// seed stores a record whose vector is the embedding of the given text,
// so searching for that text scores it at 1.0 before overlays.
func seed(t *testing.T, store vector.Store, embedder *embedding.Service, id, text string, meta map[string]any) {
	t.Helper()
	emb, err := embedder.Embed(context.Background(), text)
	require.NoError(t, err)
	require.NoError(t, store.Upsert(context.Background(), []models.VectorRecord{
		{ID: id, Vector: emb.Vector, Metadata: meta},
	}))
}

func TestSemanticSearchRanksExactMatchFirst(t *testing.T) {
	engine, store, embedder := newTestEngine(t, false)
	ctx := context.Background()

	seed(t, store, embedder, "exact", "configure data sources", nil)
	seed(t, store, embedder, "other", "unrelated payroll paperwork", nil)

	results, err := engine.SemanticSearch(ctx, "configure data sources", Options{})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "exact", results[0].ID)
	assert.InDelta(t, 1.0, results[0].VectorScore, 1e-6)
	assert.LessOrEqual(t, results[0].FinalScore, 1.0)
	assert.Equal(t, results[0].VectorScore, results[0].Factors.Semantic)
}

func TestSemanticSearchMetadataOverlay(t *testing.T) {
	engine, store, embedder := newTestEngine(t, false)
	ctx := context.Background()

	seed(t, store, embedder, "titled", "configure data sources", map[string]any{
		models.MetaTitle: "Configure Data Sources",
	})
	seed(t, store, embedder, "plain", "configure data sources", nil)

	results, err := engine.SemanticSearch(ctx, "configure data sources", Options{})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "titled", results[0].ID, "title match outranks the identical plain record")
	assert.InDelta(t, titleBoost, results[0].Factors.Metadata, 1e-9)
	assert.Zero(t, results[1].Factors.Metadata)
}

func TestSemanticSearchRecencyOverlay(t *testing.T) {
	engine, store, embedder := newTestEngine(t, false)
	ctx := context.Background()

	fresh := time.Now().Add(-time.Hour).Format(time.RFC3339)
	stale := time.Now().Add(-90 * 24 * time.Hour).Format(time.RFC3339)
	seed(t, store, embedder, "fresh", "release notes", map[string]any{models.MetaModifiedAt: fresh})
	seed(t, store, embedder, "stale", "release notes", map[string]any{models.MetaModifiedAt: stale})

	results, err := engine.SemanticSearch(ctx, "release notes", Options{})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "fresh", results[0].ID)
	assert.Greater(t, results[0].Factors.Recency, 0.0)
	assert.LessOrEqual(t, results[0].Factors.Recency, recencyBoostCap)
	assert.Zero(t, results[1].Factors.Recency)
}

func TestKeywordScores(t *testing.T) {
	hits := []models.SearchResult{
		{ID: "match", Metadata: map[string]any{
			"title":   "Kubernetes deployment guide",
			"excerpt": "How to run a deployment on kubernetes clusters.",
		}},
		{ID: "none", Metadata: map[string]any{"title": "Cooking for beginners"}},
	}

	scores := KeywordScores("kubernetes deployment", hits, nil)
	assert.Greater(t, scores["match"], 0.0)
	assert.LessOrEqual(t, scores["match"], 1.0)
	assert.Zero(t, scores["none"])
}

func TestKeywordScoresBoostsAndStopwords(t *testing.T) {
	hits := []models.SearchResult{
		{ID: "a", Metadata: map[string]any{"excerpt": "the cluster and the cluster"}},
	}

	plain := KeywordScores("the cluster", hits, nil)
	boosted := KeywordScores("the cluster", hits, map[string]float64{"cluster": 2})
	assert.Greater(t, boosted["a"], plain["a"])

	// Stop words and short tokens contribute no keywords at all.
	empty := KeywordScores("the an is", hits, nil)
	assert.Empty(t, empty)
}

func TestHybridSearchFusesScores(t *testing.T) {
	engine, store, embedder := newTestEngine(t, true)
	ctx := context.Background()

	seed(t, store, embedder, "hit", "kubernetes deployment guide", map[string]any{
		"excerpt": "kubernetes deployment walkthrough",
	})

	results, err := engine.HybridSearch(ctx, "kubernetes deployment guide", Options{})
	require.NoError(t, err)
	require.Len(t, results, 1)

	r := results[0]
	assert.Greater(t, r.KeywordScore, 0.0)
	assert.Equal(t, r.KeywordScore, r.Factors.Keyword)
	// Fused score is the weighted blend, never above either clamp.
	assert.LessOrEqual(t, r.FinalScore, 1.0)
	assert.Greater(t, r.FinalScore, 0.0)
}

func TestSearchDispatchesOnHybridFlag(t *testing.T) {
	engine, store, embedder := newTestEngine(t, false)
	ctx := context.Background()
	seed(t, store, embedder, "hit", "alpha beta", nil)

	results, err := engine.Search(ctx, "alpha beta", Options{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Zero(t, results[0].KeywordScore, "semantic-only path leaves keyword score empty")
}

func TestDiversityRerank(t *testing.T) {
	mk := func(id, source, category string, score float64) models.RankedResult {
		return models.RankedResult{
			ID:         id,
			FinalScore: score,
			Metadata: map[string]any{
				models.MetaSourceID: source,
				models.MetaCategory: category,
			},
		}
	}
	results := []models.RankedResult{
		mk("r1", "s1", "docs", 0.9),
		mk("r2", "s1", "docs", 0.8), // same source and category as r1
		mk("r3", "s2", "blog", 0.7),
		mk("r4", "s3", "docs", 0.6), // same category as r1
	}

	reranked := DiversityRerank(results, 3)
	require.Len(t, reranked, 3)
	assert.Equal(t, "r1", reranked[0].ID, "top hit always survives")
	assert.Equal(t, "r3", reranked[1].ID, "first candidate differing in source and category")
	assert.Equal(t, "r2", reranked[2].ID, "remaining slot filled by next best in order")
}

func TestDiversityRerankSmallInputs(t *testing.T) {
	assert.Empty(t, DiversityRerank(nil, 5))

	one := []models.RankedResult{{ID: "only", FinalScore: 0.5}}
	assert.Equal(t, one, DiversityRerank(one, 5))
}

func TestSearchAppliesDiversityRerankWhenEnabled(t *testing.T) {
	store := vector.NewMemoryStore(config.VectorConfig{Dimension: testDim, Metric: "cosine"})
	require.NoError(t, store.Initialize(context.Background()))
	embedder := embedding.NewService(embedding.NewMockProvider(testDim), nil, config.EmbeddingConfig{})

	cfg := config.SearchConfig{DefaultTopK: 3, MaxTopK: 100, SimilarityThreshold: 0.1}
	cfg.Reranking.Enabled = true
	engine := NewEngine(store, embedder, cfg)
	ctx := context.Background()

	// Identical vectors, so every hit scores the same and ordering falls
	// back to ids; only the re-rank can reorder them.
	text := "release notes"
	seed(t, store, embedder, "a-first", text, map[string]any{
		models.MetaSourceID: "s1", models.MetaCategory: "guides",
	})
	seed(t, store, embedder, "b-second", text, map[string]any{
		models.MetaSourceID: "s1", models.MetaCategory: "guides",
	})
	seed(t, store, embedder, "c-third", text, map[string]any{
		models.MetaSourceID: "s2", models.MetaCategory: "updates",
	})

	results, err := engine.Search(ctx, text, Options{})
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, "a-first", results[0].ID)
	assert.Equal(t, "c-third", results[1].ID, "diverse hit jumps ahead of the same-source duplicate")
	assert.Equal(t, "b-second", results[2].ID)

	cfg.Reranking.Enabled = false
	plain := NewEngine(store, embedder, cfg)
	results, err = plain.Search(ctx, text, Options{})
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, []string{"a-first", "b-second", "c-third"},
		[]string{results[0].ID, results[1].ID, results[2].ID})
}

func TestRankingIsStable(t *testing.T) {
	engine, store, embedder := newTestEngine(t, true)
	ctx := context.Background()

	for _, text := range []string{"alpha report", "beta report", "gamma report"} {
		seed(t, store, embedder, text, text, map[string]any{"excerpt": text})
	}

	first, err := engine.Search(ctx, "report", Options{})
	require.NoError(t, err)
	second, err := engine.Search(ctx, "report", Options{})
	require.NoError(t, err)
	assert.Equal(t, first, second)
}
