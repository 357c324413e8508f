// Package warming keeps popular query results hot in the cache and
// invalidates entries made stale by source updates.
package warming

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sievehq/sieve/internal/cache"
	"github.com/sievehq/sieve/internal/processor"
)

const (
	defaultInterval  = 20 * time.Second
	defaultMaxAge    = time.Hour
	defaultBatchSize = 5
	defaultDelay     = 50 * time.Millisecond
	defaultThreshold = 3

	// maxTrackedEntries bounds the usage map; the oldest entries are
	// evicted past it.
	maxTrackedEntries = 1000

	// latencyAlpha is the EWMA smoothing factor for per-query latency.
	latencyAlpha = 0.3

	cleanupInterval = 5 * time.Minute
	warmReadTimeout = 5 * time.Second
)

// Config tunes the warmer.
type Config struct {
	Interval            time.Duration
	PopularityThreshold int64
	MaxAge              time.Duration
	BatchSize           int
	BatchDelay          time.Duration
}

// usageInfo tracks one query fingerprint.
type usageInfo struct {
	count        int64
	lastAccessed time.Time
	avgLatencyMs float64
	sources      map[string]bool
}

// Stats summarizes the warmer state.
type Stats struct {
	TrackedQueries int   `json:"trackedQueries"`
	PopularQueries int   `json:"popularQueries"`
	WarmedTotal    int64 `json:"warmedTotal"`
	Invalidated    int64 `json:"invalidated"`
}

// Warmer tracks query usage and periodically re-reads popular entries so
// the back-end keeps them resident.
type Warmer struct {
	cfg    Config
	store  cache.Store
	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	usage       map[string]*usageInfo
	warmedTotal int64
	invalidated int64
}

// New creates a warmer over the cache store. Start must be called to run
// the background loops.
func New(store cache.Store, cfg Config) *Warmer {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = defaultMaxAge
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.BatchDelay <= 0 {
		cfg.BatchDelay = defaultDelay
	}
	if cfg.PopularityThreshold <= 0 {
		cfg.PopularityThreshold = defaultThreshold
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Warmer{
		cfg:    cfg,
		store:  store,
		ctx:    ctx,
		cancel: cancel,
		usage:  make(map[string]*usageInfo),
	}
}

// Start launches the warming and cleanup loops.
func (w *Warmer) Start() {
	go w.loop()
}

// Close stops the background loops.
func (w *Warmer) Close() {
	w.cancel()
}

func (w *Warmer) loop() {
	warmTicker := time.NewTicker(w.cfg.Interval)
	cleanupTicker := time.NewTicker(cleanupInterval)
	defer warmTicker.Stop()
	defer cleanupTicker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-warmTicker.C:
			w.warmPopular()
		case <-cleanupTicker.C:
			w.dropStale()
		}
	}
}

// Observe records a completed query. Implements processor.Observer.
func (w *Warmer) Observe(obs processor.Observation) {
	if obs.Fingerprint == "" || obs.Err != nil {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	info, ok := w.usage[obs.Fingerprint]
	if !ok {
		info = &usageInfo{sources: make(map[string]bool)}
		w.usage[obs.Fingerprint] = info
		if len(w.usage) > maxTrackedEntries {
			w.evictOldestLocked()
		}
	}
	info.count++
	info.lastAccessed = time.Now()
	ms := float64(obs.Latency.Milliseconds())
	if info.avgLatencyMs == 0 {
		info.avgLatencyMs = ms
	} else {
		info.avgLatencyMs = latencyAlpha*ms + (1-latencyAlpha)*info.avgLatencyMs
	}
	for _, id := range obs.SourceIDs {
		info.sources[id] = true
	}
}

func (w *Warmer) evictOldestLocked() {
	var oldestKey string
	var oldest time.Time
	for k, v := range w.usage {
		if oldestKey == "" || v.lastAccessed.Before(oldest) {
			oldestKey = k
			oldest = v.lastAccessed
		}
	}
	if oldestKey != "" {
		delete(w.usage, oldestKey)
	}
}

// popular returns the fingerprints worth warming, best first. Scoring is
// count over age so a burst of recent traffic outranks old volume.
func (w *Warmer) popular() []string {
	now := time.Now()

	type scored struct {
		key   string
		score float64
	}

	w.mu.Lock()
	candidates := make([]scored, 0, len(w.usage))
	for key, info := range w.usage {
		age := now.Sub(info.lastAccessed)
		if info.count < w.cfg.PopularityThreshold || age > w.cfg.MaxAge {
			continue
		}
		candidates = append(candidates, scored{
			key:   key,
			score: float64(info.count) / (age.Seconds() + 1),
		})
	}
	w.mu.Unlock()

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })

	keys := make([]string, len(candidates))
	for i, c := range candidates {
		keys[i] = c.key
	}
	return keys
}

// warmPopular issues idempotent cache reads for the popular set in small
// batches so warming never saturates the back-end.
func (w *Warmer) warmPopular() {
	keys := w.popular()
	if len(keys) == 0 {
		return
	}

	for start := 0; start < len(keys); start += w.cfg.BatchSize {
		end := start + w.cfg.BatchSize
		if end > len(keys) {
			end = len(keys)
		}

		ctx, cancel := context.WithTimeout(w.ctx, warmReadTimeout)
		for _, fp := range keys[start:end] {
			if _, ok := w.store.Get(ctx, cache.QueryKey(fp)); ok {
				w.mu.Lock()
				w.warmedTotal++
				w.mu.Unlock()
			}
		}
		cancel()

		if end < len(keys) {
			select {
			case <-w.ctx.Done():
				return
			case <-time.After(w.cfg.BatchDelay):
			}
		}
	}
	log.Debug().Int("candidates", len(keys)).Msg("cache warming cycle complete")
}

// OnSourceUpdate invalidates cached state touched by a source: query
// results whose usage record mentions it, and all of its content keys.
// Wire this to the registry's update hooks.
func (w *Warmer) OnSourceUpdate(sourceID string) {
	ctx, cancel := context.WithTimeout(context.Background(), warmReadTimeout)
	defer cancel()

	w.mu.Lock()
	var stale []string
	for fp, info := range w.usage {
		if info.sources[sourceID] {
			stale = append(stale, fp)
			delete(w.usage, fp)
		}
	}
	w.mu.Unlock()

	var removed int64
	for _, fp := range stale {
		n, err := w.store.Invalidate(ctx, cache.QueryKey(fp))
		if err != nil {
			log.Warn().Err(err).Str("source", sourceID).Msg("query invalidation failed")
			continue
		}
		removed += n
	}

	n, err := w.store.Invalidate(ctx, cache.PrefixContent+sourceID)
	if err != nil {
		log.Warn().Err(err).Str("source", sourceID).Msg("content invalidation failed")
	} else {
		removed += n
	}

	w.mu.Lock()
	w.invalidated += removed
	w.mu.Unlock()

	log.Info().Str("source", sourceID).Int64("removed", removed).Msg("source update invalidated cache entries")
}

// dropStale removes usage entries not touched within MaxAge.
func (w *Warmer) dropStale() {
	cutoff := time.Now().Add(-w.cfg.MaxAge)

	w.mu.Lock()
	removed := 0
	for k, v := range w.usage {
		if v.lastAccessed.Before(cutoff) {
			delete(w.usage, k)
			removed++
		}
	}
	w.mu.Unlock()

	if removed > 0 {
		log.Debug().Int("removed", removed).Msg("dropped stale usage entries")
	}
}

// Stats reports the warmer counters.
func (w *Warmer) Stats() Stats {
	popular := len(w.popular())

	w.mu.Lock()
	defer w.mu.Unlock()
	return Stats{
		TrackedQueries: len(w.usage),
		PopularQueries: popular,
		WarmedTotal:    w.warmedTotal,
		Invalidated:    w.invalidated,
	}
}
