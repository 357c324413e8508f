// Package search implements semantic and hybrid retrieval on top of the
// vector store and the embedding service.
package search

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/sievehq/sieve/internal/config"
	"github.com/sievehq/sieve/internal/embedding"
	"github.com/sievehq/sieve/internal/vector"
	"github.com/sievehq/sieve/pkg/models"
)

// Ranking-factor weights and caps for the semantic overlay.
const (
	metadataBoostWeight = 0.1
	metadataBoostCap    = 0.5
	titleBoost          = 0.3
	categoryTagBoost    = 0.2

	recencyBoostWeight = 0.05
	recencyBoostCap    = 0.2
	recencyWindow      = 30 * 24 * time.Hour
)

// Options tunes one search invocation. Zero values fall back to the
// engine's configured defaults.
type Options struct {
	TopK      int
	Filter    []models.Filter
	Threshold float64
	// Boosts weights individual keywords in the keyword pass.
	Boosts map[string]float64
}

// Engine runs retrieval for one query against one back-end.
type Engine struct {
	store    vector.Store
	embedder *embedding.Service
	cfg      config.SearchConfig
}

// NewEngine wires a search engine over the given store and embedder.
func NewEngine(store vector.Store, embedder *embedding.Service, cfg config.SearchConfig) *Engine {
	if cfg.DefaultTopK <= 0 {
		cfg.DefaultTopK = 10
	}
	if cfg.MaxTopK <= 0 {
		cfg.MaxTopK = 100
	}
	return &Engine{store: store, embedder: embedder, cfg: cfg}
}

func (e *Engine) topK(opts Options) int {
	k := opts.TopK
	if k <= 0 {
		k = e.cfg.DefaultTopK
	}
	if k > e.cfg.MaxTopK {
		k = e.cfg.MaxTopK
	}
	return k
}

// Search dispatches to hybrid or pure semantic retrieval per config and
// applies the diversity re-rank when reranking is enabled.
func (e *Engine) Search(ctx context.Context, text string, opts Options) ([]models.RankedResult, error) {
	var ranked []models.RankedResult
	var err error
	if e.cfg.Hybrid.Enabled {
		ranked, err = e.HybridSearch(ctx, text, opts)
	} else {
		ranked, err = e.SemanticSearch(ctx, text, opts)
	}
	if err != nil {
		return nil, err
	}
	if e.cfg.Reranking.Enabled {
		ranked = DiversityRerank(ranked, e.topK(opts))
	}
	return ranked, nil
}

// SemanticSearch embeds the text, queries the back-end, and applies the
// metadata and recency ranking overlays.
func (e *Engine) SemanticSearch(ctx context.Context, text string, opts Options) ([]models.RankedResult, error) {
	hits, err := e.retrieve(ctx, text, opts)
	if err != nil {
		return nil, err
	}
	ranked := e.rankSemantic(text, hits)
	sortRanked(ranked)
	return ranked, nil
}

// HybridSearch fuses the semantic score with a keyword score computed
// over the retrieved candidates' metadata.
func (e *Engine) HybridSearch(ctx context.Context, text string, opts Options) ([]models.RankedResult, error) {
	hits, err := e.retrieve(ctx, text, opts)
	if err != nil {
		return nil, err
	}

	vw, kw := e.cfg.Hybrid.VectorWeight, e.cfg.Hybrid.KeywordWeight
	if vw == 0 && kw == 0 {
		vw, kw = 0.7, 0.3
	}

	keywordScores := KeywordScores(text, hits, opts.Boosts)
	ranked := e.rankSemantic(text, hits)
	for i := range ranked {
		ks := keywordScores[ranked[i].ID]
		ranked[i].KeywordScore = ks
		ranked[i].Factors.Keyword = ks
		ranked[i].FinalScore = clamp1(vw*ranked[i].FinalScore + kw*ks)
	}
	sortRanked(ranked)
	return ranked, nil
}

func (e *Engine) retrieve(ctx context.Context, text string, opts Options) ([]models.SearchResult, error) {
	emb, err := e.embedder.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	threshold := opts.Threshold
	if threshold == 0 {
		threshold = e.cfg.SimilarityThreshold
	}

	return e.store.Search(ctx, emb.Vector, vector.SearchOptions{
		TopK:            e.topK(opts),
		Filter:          opts.Filter,
		IncludeMetadata: true,
		ScoreThreshold:  threshold,
	})
}

// rankSemantic wraps raw hits as ranked results and applies the overlay
// factors. The base similarity stays visible in VectorScore.
func (e *Engine) rankSemantic(text string, hits []models.SearchResult) []models.RankedResult {
	queryLower := strings.ToLower(text)
	now := time.Now()

	ranked := make([]models.RankedResult, 0, len(hits))
	for _, hit := range hits {
		r := models.RankedResult{
			ID:          hit.ID,
			Metadata:    hit.Metadata,
			VectorScore: hit.Score,
			FinalScore:  hit.Score,
			Factors:     models.RankingFactors{Semantic: hit.Score},
		}

		mb := metadataBoost(queryLower, hit.Metadata)
		rb := recencyBoost(now, hit.Metadata)
		r.Factors.Metadata = mb
		r.Factors.Recency = rb
		r.FinalScore = clamp1(r.FinalScore + mb*metadataBoostWeight + rb*recencyBoostWeight)
		ranked = append(ranked, r)
	}
	return ranked
}

// metadataBoost rewards hits whose title, category, or tags mention the
// query text. Capped at 0.5 before weighting.
func metadataBoost(queryLower string, meta map[string]any) float64 {
	if meta == nil {
		return 0
	}
	var boost float64
	if title := strings.ToLower(models.MetaString(meta, models.MetaTitle)); title != "" {
		if strings.Contains(title, queryLower) || strings.Contains(queryLower, title) {
			boost += titleBoost
		}
	}
	if cat := strings.ToLower(models.MetaString(meta, models.MetaCategory)); cat != "" && strings.Contains(queryLower, cat) {
		boost += categoryTagBoost
	} else if tagsMatch(queryLower, meta) {
		boost += categoryTagBoost
	}
	if boost > metadataBoostCap {
		boost = metadataBoostCap
	}
	return boost
}

func tagsMatch(queryLower string, meta map[string]any) bool {
	tags, ok := meta[models.MetaTags].([]any)
	if !ok {
		return false
	}
	for _, t := range tags {
		if s, ok := t.(string); ok && s != "" && strings.Contains(queryLower, strings.ToLower(s)) {
			return true
		}
	}
	return false
}

// recencyBoost decays linearly from the cap to zero over the 30-day
// window, keyed on modifiedAt with createdAt as fallback.
func recencyBoost(now time.Time, meta map[string]any) float64 {
	ts := models.MetaTime(meta, models.MetaModifiedAt)
	if ts.IsZero() {
		ts = models.MetaTime(meta, models.MetaCreatedAt)
	}
	if ts.IsZero() {
		return 0
	}
	age := now.Sub(ts)
	if age < 0 {
		age = 0
	}
	if age >= recencyWindow {
		return 0
	}
	return recencyBoostCap * (1 - float64(age)/float64(recencyWindow))
}

var keywordTokenRe = regexp.MustCompile(`[a-z0-9]+`)

var keywordStopwords = map[string]bool{
	"the": true, "and": true, "for": true, "are": true, "with": true,
	"this": true, "that": true, "from": true, "have": true, "was": true,
}

// KeywordScores counts query keyword occurrences in each candidate's
// serialized metadata and normalizes by keywords×10, clamped to 1.
// Boosts weight individual keywords; absent keywords weight 1.
func KeywordScores(query string, hits []models.SearchResult, boosts map[string]float64) map[string]float64 {
	keywords := keywordTokens(query)
	scores := make(map[string]float64, len(hits))
	if len(keywords) == 0 {
		return scores
	}

	denom := float64(len(keywords)) * 10
	for _, hit := range hits {
		blob, err := json.Marshal(hit.Metadata)
		if err != nil {
			log.Warn().Err(err).Str("id", hit.ID).Msg("keyword pass skipped unencodable metadata")
			continue
		}
		haystack := strings.ToLower(string(blob))

		var raw float64
		for _, kw := range keywords {
			weight := 1.0
			if b, ok := boosts[kw]; ok && b > 0 {
				weight = b
			}
			raw += float64(strings.Count(haystack, kw)) * weight
		}
		scores[hit.ID] = clamp1(raw / denom)
	}
	return scores
}

func keywordTokens(query string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, tok := range keywordTokenRe.FindAllString(strings.ToLower(query), -1) {
		if len(tok) < 3 || keywordStopwords[tok] || seen[tok] {
			continue
		}
		seen[tok] = true
		out = append(out, tok)
	}
	return out
}

// DiversityRerank greedily selects results that differ in both source
// and category from everything already chosen. The best hit always
// survives; once topK diverse picks run out, remaining slots fill with
// the next best candidates in order.
func DiversityRerank(results []models.RankedResult, topK int) []models.RankedResult {
	if topK <= 0 || len(results) <= 1 {
		if topK > 0 && len(results) > topK {
			return results[:topK]
		}
		return results
	}

	selected := make([]models.RankedResult, 0, topK)
	used := make(map[int]bool, topK)

	selected = append(selected, results[0])
	used[0] = true

	for i := 1; i < len(results) && len(selected) < topK; i++ {
		if diverse(results[i], selected) {
			selected = append(selected, results[i])
			used[i] = true
		}
	}
	for i := 1; i < len(results) && len(selected) < topK; i++ {
		if !used[i] {
			selected = append(selected, results[i])
			used[i] = true
		}
	}
	return selected
}

func diverse(candidate models.RankedResult, selected []models.RankedResult) bool {
	cSource := models.MetaString(candidate.Metadata, models.MetaSourceID)
	cCat := models.MetaString(candidate.Metadata, models.MetaCategory)
	for _, s := range selected {
		if cSource != "" && cSource == models.MetaString(s.Metadata, models.MetaSourceID) {
			return false
		}
		if cCat != "" && cCat == models.MetaString(s.Metadata, models.MetaCategory) {
			return false
		}
	}
	return true
}

func sortRanked(results []models.RankedResult) {
	for i := 1; i < len(results); i++ {
		for j := i; j > 0 && less(results[j], results[j-1]); j-- {
			results[j], results[j-1] = results[j-1], results[j]
		}
	}
}

func less(a, b models.RankedResult) bool {
	if a.FinalScore != b.FinalScore {
		return a.FinalScore > b.FinalScore
	}
	return a.ID < b.ID
}

func clamp1(x float64) float64 {
	if x > 1 {
		return 1
	}
	if x < 0 {
		return 0
	}
	return x
}
