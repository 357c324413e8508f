// Package processor orchestrates the query pipeline: admission, cache
// lookup, parsing, embedding, per-source fan-out, merging, ranking, and
// response synthesis.
package processor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/sievehq/sieve/internal/apperr"
	"github.com/sievehq/sieve/internal/cache"
	"github.com/sievehq/sieve/internal/config"
	"github.com/sievehq/sieve/internal/embedding"
	"github.com/sievehq/sieve/internal/queryparse"
	"github.com/sievehq/sieve/internal/registry"
	"github.com/sievehq/sieve/internal/response"
	"github.com/sievehq/sieve/internal/search"
	"github.com/sievehq/sieve/internal/vector"
	"github.com/sievehq/sieve/pkg/models"
)

const (
	// mergedResultCap bounds the ranked list after merge.
	mergedResultCap = 100

	// synthesisTopK is how many ranked results feed the generator.
	synthesisTopK = 10

	// capacityRetryAfter is the hint returned when admission is full.
	capacityRetryAfter = 30 * time.Second

	sentinelResponse = "I was unable to process your query at this time. Please try again."
)

// Observation describes one completed (or failed) query for subscribers.
type Observation struct {
	QueryID       string
	Fingerprint   string
	Latency       time.Duration
	SourceIDs     []string
	FailedSources int
	CacheHit      bool
	Err           error
}

// Observer consumes completed-query observations. The warming and
// monitoring layers subscribe here.
type Observer interface {
	Observe(obs Observation)
}

// flight is the mutable state of one in-flight query.
type flight struct {
	mu        sync.Mutex
	queryID   string
	text      string
	startedAt time.Time
	cancel    context.CancelFunc
	results   []models.RankedResult
	errors    []models.SourceError
}

func (f *flight) snapshot() models.SearchContext {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap := models.SearchContext{
		QueryID:   f.queryID,
		Text:      f.text,
		StartedAt: f.startedAt,
	}
	snap.Results = append(snap.Results, f.results...)
	snap.Errors = append(snap.Errors, f.errors...)
	return snap
}

// QueryProcessor is the pipeline façade.
type QueryProcessor struct {
	cfg       config.ProcessorConfig
	cacheTTL  time.Duration
	store     cache.Store
	embedder  *embedding.Service
	registry  *registry.Registry
	engine    *search.Engine
	generator *response.Generator
	vectors   vector.Store

	mu       sync.Mutex
	inflight map[string]*flight

	obsMu     sync.Mutex
	observers []Observer
}

// New wires the processor over its collaborators. cacheTTL is the
// query-result TTL.
func New(
	cfg config.ProcessorConfig,
	cacheTTL time.Duration,
	store cache.Store,
	embedder *embedding.Service,
	reg *registry.Registry,
	engine *search.Engine,
	generator *response.Generator,
	vectors vector.Store,
) *QueryProcessor {
	if cfg.MaxConcurrentQueries <= 0 {
		cfg.MaxConcurrentQueries = 10
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}
	if cfg.MaxResultsPerSource <= 0 {
		cfg.MaxResultsPerSource = 20
	}
	if cacheTTL < time.Second {
		cacheTTL = 5 * time.Minute
	}
	return &QueryProcessor{
		cfg:       cfg,
		cacheTTL:  cacheTTL,
		store:     store,
		embedder:  embedder,
		registry:  reg,
		engine:    engine,
		generator: generator,
		vectors:   vectors,
		inflight:  make(map[string]*flight),
	}
}

// AddObserver subscribes an observer to completed queries.
func (p *QueryProcessor) AddObserver(obs Observer) {
	p.obsMu.Lock()
	defer p.obsMu.Unlock()
	p.observers = append(p.observers, obs)
}

func (p *QueryProcessor) notify(obs Observation) {
	p.obsMu.Lock()
	observers := make([]Observer, len(p.observers))
	copy(observers, p.observers)
	p.obsMu.Unlock()
	for _, o := range observers {
		o.Observe(obs)
	}
}

// Fingerprint computes the stable cache identity of a query: the SHA-256
// of the JSON encoding of its text, context, and filters.
func Fingerprint(q models.Query) string {
	payload := struct {
		Text    string          `json:"text"`
		Context map[string]any  `json:"context,omitempty"`
		Filters []models.Filter `json:"filters,omitempty"`
	}{q.Text, q.Context, q.Filters}

	data, err := json.Marshal(payload)
	if err != nil {
		// Context bags are JSON-decoded maps; this cannot happen for
		// queries that arrived over the wire.
		data = []byte(q.Text)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Process runs the full pipeline for one query. Validation, Timeout, and
// CapacityExceeded surface to the caller; any other failure degrades to
// a sentinel result with no sources.
func (p *QueryProcessor) Process(ctx context.Context, query models.Query) (models.QueryResult, []models.SourceError, error) {
	started := time.Now()

	ctx, cancel := context.WithTimeout(ctx, p.cfg.DefaultTimeout)
	defer cancel()

	// Admission. The slot is reserved before any further work and
	// released on every exit path.
	f := &flight{queryID: query.ID, text: query.Text, startedAt: started, cancel: cancel}
	p.mu.Lock()
	if len(p.inflight) >= p.cfg.MaxConcurrentQueries {
		p.mu.Unlock()
		return models.QueryResult{}, nil, apperr.New(apperr.CapacityExceeded, "processor",
			"query capacity exceeded").WithRetryAfter(capacityRetryAfter)
	}
	p.inflight[query.ID] = f
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.inflight, query.ID)
		p.mu.Unlock()
	}()

	fingerprint := Fingerprint(query)

	if p.cfg.CacheEnabled && p.store != nil {
		var hit models.QueryResult
		if cache.GetJSON(ctx, p.store, cache.QueryKey(fingerprint), &hit) {
			hit.Cached = true
			hit.ProcessingTimeMs = time.Since(started).Milliseconds()
			p.notify(Observation{
				QueryID: query.ID, Fingerprint: fingerprint,
				Latency: time.Since(started), CacheHit: true,
			})
			return hit, nil, nil
		}
	}

	result, srcErrs, err := p.runPipeline(ctx, query, f)
	latency := time.Since(started)

	if err != nil {
		switch apperr.KindOf(err) {
		case apperr.Validation, apperr.Timeout, apperr.CapacityExceeded:
			p.notify(Observation{QueryID: query.ID, Fingerprint: fingerprint, Latency: latency, Err: err})
			return models.QueryResult{}, srcErrs, err
		default:
			log.Error().Err(err).Str("query", query.ID).Msg("pipeline failed, returning sentinel result")
			sentinel := models.QueryResult{
				ID:               query.ID,
				Response:         sentinelResponse,
				Sources:          []models.SourceReference{},
				Confidence:       0,
				ProcessingTimeMs: latency.Milliseconds(),
			}
			p.notify(Observation{QueryID: query.ID, Fingerprint: fingerprint, Latency: latency, Err: err})
			return sentinel, srcErrs, nil
		}
	}

	result.ProcessingTimeMs = latency.Milliseconds()

	// A timed-out or cancelled query must never write to the cache.
	if p.cfg.CacheEnabled && p.store != nil && ctx.Err() == nil {
		if err := cache.SetJSON(ctx, p.store, cache.QueryKey(fingerprint), result, p.cacheTTL); err != nil {
			log.Warn().Err(err).Msg("query result cache write failed")
		}
	}

	sourceIDs := make([]string, 0, len(result.Sources))
	seen := make(map[string]bool)
	for _, s := range result.Sources {
		if s.SourceID != "" && !seen[s.SourceID] {
			seen[s.SourceID] = true
			sourceIDs = append(sourceIDs, s.SourceID)
		}
	}
	p.notify(Observation{
		QueryID: query.ID, Fingerprint: fingerprint, Latency: latency,
		SourceIDs: sourceIDs, FailedSources: len(srcErrs),
	})
	return result, srcErrs, nil
}

func (p *QueryProcessor) runPipeline(ctx context.Context, query models.Query, f *flight) (models.QueryResult, []models.SourceError, error) {
	parsed, err := queryparse.Parse(query.Text)
	if err != nil {
		return models.QueryResult{}, nil, err
	}
	opt := queryparse.Optimize(parsed, query)

	// Embed up front so provider failures surface with their own kind
	// before fan-out; per-source searches reuse the coalesced result.
	if _, err := p.embedder.Embed(ctx, query.Text); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return models.QueryResult{}, nil, apperr.Wrap(apperr.Timeout, "processor", err)
		}
		return models.QueryResult{}, nil, err
	}

	sources := p.registry.GetActive()
	merged, srcErrs := p.fanOut(ctx, query.Text, opt, sources, f)

	if ctx.Err() == context.DeadlineExceeded {
		return models.QueryResult{}, srcErrs, apperr.Wrap(apperr.Timeout, "processor", ctx.Err())
	}

	applyBoosts(merged, opt.Boosts)
	ranked := dedupeAndRank(merged, p.cfg.MinConfidenceThreshold)

	top := ranked
	if len(top) > synthesisTopK {
		top = top[:synthesisTopK]
	}

	nameByID := make(map[string]string, len(sources))
	for _, s := range sources {
		nameByID[s.ID] = s.Name
	}
	resp := p.generator.Generate(toReferences(top, nameByID))

	return models.QueryResult{
		ID:         query.ID,
		Response:   resp.Text,
		Sources:    resp.Sources,
		Confidence: resp.Confidence,
	}, srcErrs, nil
}

// fanOut searches every active source, tolerating individual failures.
// Results and errors accumulate on the flight so status() can snapshot
// partial progress.
func (p *QueryProcessor) fanOut(ctx context.Context, text string, opt models.Optimization, sources []models.Source, f *flight) ([]models.RankedResult, []models.SourceError) {
	if len(sources) == 0 {
		return nil, nil
	}

	searchOne := func(src models.Source) ([]models.RankedResult, error) {
		filter := make([]models.Filter, 0, len(opt.Filters)+1)
		filter = append(filter, opt.Filters...)
		filter = append(filter, models.Filter{
			Field:    models.MetaSourceID,
			Operator: models.OpEq,
			Value:    src.ID,
		})
		// Optimization boosts are metadata-field factors applied once in
		// applyBoosts after the merge; they are not keyword weights, so
		// they stay out of the engine options.
		return p.engine.Search(ctx, text, search.Options{
			TopK:      p.cfg.MaxResultsPerSource,
			Filter:    filter,
			Threshold: p.cfg.MinConfidenceThreshold,
		})
	}

	record := func(src models.Source, hits []models.RankedResult, err error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if err != nil {
			f.errors = append(f.errors, models.SourceError{SourceID: src.ID, Message: err.Error()})
			return
		}
		f.results = append(f.results, hits...)
	}

	if p.cfg.ParallelSearchEnabled {
		var wg sync.WaitGroup
		for _, src := range sources {
			wg.Add(1)
			go func(src models.Source) {
				defer wg.Done()
				hits, err := searchOne(src)
				if err != nil {
					log.Warn().Err(err).Str("source", src.ID).Msg("per-source search failed")
				}
				record(src, hits, err)
			}(src)
		}
		wg.Wait()
	} else {
		for _, src := range sources {
			hits, err := searchOne(src)
			if err != nil {
				log.Warn().Err(err).Str("source", src.ID).Msg("per-source search failed")
			}
			record(src, hits, err)
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	results := append([]models.RankedResult(nil), f.results...)
	errs := append([]models.SourceError(nil), f.errors...)
	return results, errs
}

// applyBoosts multiplies each result's score by every boost factor whose
// name matches a truthy metadata field, clamped to 1.
func applyBoosts(results []models.RankedResult, boosts map[string]float64) {
	if len(boosts) == 0 {
		return
	}
	for i := range results {
		score := results[i].FinalScore
		for name, factor := range boosts {
			if models.MetaTruthy(results[i].Metadata, name) {
				score *= factor
			}
		}
		if score > 1 {
			score = 1
		}
		results[i].FinalScore = score
	}
}

// dedupeAndRank merges duplicates by content key keeping the highest
// score, sorts, applies the confidence floor, and caps the list.
func dedupeAndRank(results []models.RankedResult, minScore float64) []models.RankedResult {
	best := make(map[string]models.RankedResult, len(results))
	for _, r := range results {
		key := models.ContentKey(r.ID, r.Metadata)
		if prev, ok := best[key]; !ok || r.FinalScore > prev.FinalScore {
			best[key] = r
		}
	}

	merged := make([]models.RankedResult, 0, len(best))
	for _, r := range best {
		if r.FinalScore >= minScore {
			merged = append(merged, r)
		}
	}

	sort.Slice(merged, func(i, j int) bool {
		if merged[i].FinalScore != merged[j].FinalScore {
			return merged[i].FinalScore > merged[j].FinalScore
		}
		return merged[i].ID < merged[j].ID
	})
	if len(merged) > mergedResultCap {
		merged = merged[:mergedResultCap]
	}
	return merged
}

func toReferences(results []models.RankedResult, nameByID map[string]string) []models.SourceReference {
	refs := make([]models.SourceReference, 0, len(results))
	for _, r := range results {
		sourceID := models.MetaString(r.Metadata, models.MetaSourceID)
		excerpt := models.MetaString(r.Metadata, models.MetaExcerpt)
		if excerpt == "" {
			excerpt = models.MetaString(r.Metadata, models.MetaText)
		}
		refs = append(refs, models.SourceReference{
			ID:             r.ID,
			SourceID:       sourceID,
			SourceName:     nameByID[sourceID],
			Title:          models.MetaString(r.Metadata, models.MetaTitle),
			Excerpt:        excerpt,
			URL:            models.MetaString(r.Metadata, models.MetaURL),
			RelevanceScore: r.FinalScore,
		})
	}
	return refs
}

// Status returns a snapshot of an in-flight query.
func (p *QueryProcessor) Status(queryID string) (models.SearchContext, bool) {
	p.mu.Lock()
	f, ok := p.inflight[queryID]
	p.mu.Unlock()
	if !ok {
		return models.SearchContext{}, false
	}
	return f.snapshot(), true
}

// Cancel aborts an in-flight query. Cancelling a completed or unknown
// query returns false.
func (p *QueryProcessor) Cancel(queryID string) bool {
	p.mu.Lock()
	f, ok := p.inflight[queryID]
	if ok {
		delete(p.inflight, queryID)
	}
	p.mu.Unlock()
	if !ok {
		return false
	}
	f.cancel()
	return true
}

// ActiveCount reports the number of in-flight queries.
func (p *QueryProcessor) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inflight)
}

// ActiveIDs lists the ids of in-flight queries.
func (p *QueryProcessor) ActiveIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.inflight))
	for id := range p.inflight {
		ids = append(ids, id)
	}
	return ids
}

// HealthCheck probes every collaborator.
func (p *QueryProcessor) HealthCheck(ctx context.Context) map[string]bool {
	health := map[string]bool{
		"vector":    p.vectors.HealthCheck(ctx),
		"embedding": p.embedder.HealthCheck(ctx).Healthy,
	}
	if p.store != nil {
		health["cache"] = p.store.HealthCheck(ctx)
	}
	return health
}
