package embedding

import (
	"context"
	"time"
	"unicode/utf8"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/sievehq/sieve/internal/apperr"
	"github.com/sievehq/sieve/internal/cache"
	"github.com/sievehq/sieve/internal/config"
)

const (
	defaultMaxTokens = 512
	defaultBatchSize = 32

	// charsPerToken approximates input truncation: text is clipped at
	// maxTokens * charsPerToken characters before hitting the provider.
	charsPerToken = 4

	healthProbeText = "sieve health probe"
)

// Result is one produced embedding.
type Result struct {
	Text      string    `json:"text"`
	Vector    []float32 `json:"vector"`
	Model     string    `json:"model"`
	Timestamp time.Time `json:"timestamp"`
	Cached    bool      `json:"cached"`
}

// Health describes the embedding back-end after a probe.
type Health struct {
	Healthy    bool   `json:"healthy"`
	Provider   string `json:"provider"`
	Model      string `json:"model"`
	Dimensions int    `json:"dimensions"`
}

// Service produces embeddings through a Provider with an optional cache
// layer in front. Identical concurrent requests are coalesced.
type Service struct {
	provider  Provider
	store     cache.Store
	group     singleflight.Group
	maxChars  int
	batchSize int
	timeout   time.Duration
	cacheTTL  time.Duration
	cacheOn   bool
}

// NewService wraps provider with caching and batching policy from cfg.
// store may be nil, which disables the cache layer.
func NewService(provider Provider, store cache.Store, cfg config.EmbeddingConfig) *Service {
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	cacheTTL := cfg.CacheTTL
	if cacheTTL <= 0 {
		cacheTTL = 24 * time.Hour
	}

	return &Service{
		provider:  provider,
		store:     store,
		maxChars:  maxTokens * charsPerToken,
		batchSize: batchSize,
		timeout:   cfg.Timeout,
		cacheTTL:  cacheTTL,
		cacheOn:   cfg.CacheEnabled && store != nil,
	}
}

// Provider exposes the wrapped provider, for health reporting.
func (s *Service) Provider() Provider { return s.provider }

// truncate clips to the character budget without splitting a rune.
func (s *Service) truncate(text string) string {
	if len(text) <= s.maxChars {
		return text
	}
	cut := s.maxChars
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut]
}

func (s *Service) cacheKey(text string) string {
	return cache.EmbeddingKey(s.provider.Name(), s.provider.Model(), TextHash(text))
}

// Embed produces the embedding for a single text, consulting the cache
// first. The provider call runs under the configured deadline on a
// detached context, so one caller's cancellation never fails the other
// callers coalesced onto the same key.
func (s *Service) Embed(ctx context.Context, text string) (Result, error) {
	text = s.truncate(text)
	key := s.cacheKey(text)

	if s.cacheOn {
		var vec []float32
		if cache.GetJSON(ctx, s.store, key, &vec) && len(vec) > 0 {
			return Result{Text: text, Vector: vec, Model: s.provider.Model(), Timestamp: time.Now().UTC(), Cached: true}, nil
		}
	}

	ch := s.group.DoChan(key, func() (any, error) {
		callCtx := context.WithoutCancel(ctx)
		if s.timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(callCtx, s.timeout)
			defer cancel()
		}
		vec, err := s.provider.Embed(callCtx, text)
		if err != nil {
			if callCtx.Err() == context.DeadlineExceeded && apperr.KindOf(err) != apperr.Timeout {
				return nil, apperr.Wrap(apperr.Timeout, "embedding.Embed", err)
			}
			return nil, err
		}
		return vec, nil
	})

	var vec []float32
	select {
	case <-ctx.Done():
		err := ctx.Err()
		if err == context.DeadlineExceeded {
			return Result{}, apperr.Wrap(apperr.Timeout, "embedding.Embed", err)
		}
		return Result{}, err
	case res := <-ch:
		if res.Err != nil {
			return Result{}, res.Err
		}
		vec = res.Val.([]float32)
	}

	if s.cacheOn {
		if err := cache.SetJSON(ctx, s.store, key, vec, s.cacheTTL); err != nil {
			log.Warn().Err(err).Msg("embedding: cache write failed")
		}
	}

	return Result{Text: text, Vector: vec, Model: s.provider.Model(), Timestamp: time.Now().UTC(), Cached: false}, nil
}

// EmbedBatch produces one Result per input, preserving index order. Cached
// texts bypass the provider; the rest are embedded in sub-batches of at
// most the configured batch size.
func (s *Service) EmbedBatch(ctx context.Context, texts []string) ([]Result, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	results := make([]Result, len(texts))
	truncated := make([]string, len(texts))
	keys := make([]string, len(texts))
	for i, t := range texts {
		truncated[i] = s.truncate(t)
		keys[i] = s.cacheKey(truncated[i])
	}

	var missing []int
	if s.cacheOn {
		hits := s.store.MGet(ctx, keys)
		for i := range texts {
			raw, ok := hits[keys[i]]
			if ok {
				var vec []float32
				if unmarshalVector(raw, &vec) && len(vec) > 0 {
					results[i] = Result{Text: truncated[i], Vector: vec, Model: s.provider.Model(), Timestamp: time.Now().UTC(), Cached: true}
					continue
				}
			}
			missing = append(missing, i)
		}
	} else {
		missing = make([]int, len(texts))
		for i := range texts {
			missing[i] = i
		}
	}

	for start := 0; start < len(missing); start += s.batchSize {
		end := start + s.batchSize
		if end > len(missing) {
			end = len(missing)
		}
		chunk := missing[start:end]

		batch := make([]string, len(chunk))
		for j, idx := range chunk {
			batch[j] = truncated[idx]
		}

		callCtx := ctx
		if s.timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, s.timeout)
			defer cancel()
		}
		vecs, err := s.provider.EmbedBatch(callCtx, batch)
		if err != nil {
			if callCtx.Err() == context.DeadlineExceeded && apperr.KindOf(err) != apperr.Timeout {
				return nil, apperr.Wrap(apperr.Timeout, "embedding.EmbedBatch", err)
			}
			return nil, err
		}

		for j, idx := range chunk {
			results[idx] = Result{Text: truncated[idx], Vector: vecs[j], Model: s.provider.Model(), Timestamp: time.Now().UTC(), Cached: false}
			if s.cacheOn {
				if err := cache.SetJSON(ctx, s.store, keys[idx], vecs[j], s.cacheTTL); err != nil {
					log.Warn().Err(err).Msg("embedding: batch cache write failed")
				}
			}
		}
	}

	return results, nil
}

func unmarshalVector(raw []byte, out *[]float32) bool {
	return json.Unmarshal(raw, out) == nil
}

// HealthCheck embeds a fixed probe and reports dimension and provider.
func (s *Service) HealthCheck(ctx context.Context) Health {
	h := Health{Provider: s.provider.Name(), Model: s.provider.Model(), Dimensions: s.provider.Dimensions()}
	res, err := s.Embed(ctx, healthProbeText)
	if err != nil {
		log.Warn().Err(err).Str("provider", h.Provider).Msg("embedding: health probe failed")
		return h
	}
	h.Healthy = len(res.Vector) > 0
	if h.Healthy {
		h.Dimensions = len(res.Vector)
	}
	return h
}
