// Package monitoring tracks per-query metrics over a sliding window,
// raises threshold alerts, and rolls up health for the serving layer.
package monitoring

import (
	"context"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/sievehq/sieve/internal/cache"
	"github.com/sievehq/sieve/internal/processor"
)

const (
	defaultWindow         = 24 * time.Hour
	defaultP95Threshold   = 2 * time.Second
	defaultErrorRate      = 0.1
	defaultHitRate        = 0.2
	defaultMemFraction    = 0.9
	defaultSampleInterval = 30 * time.Second
	defaultCheckTimeout   = 5 * time.Second

	// alertBuffer bounds the alert channel; slow consumers drop alerts
	// rather than block query completion.
	alertBuffer = 64

	// minSamplesForAlerts avoids alerting off a handful of data points.
	minSamplesForAlerts = 10
)

// Alert kinds.
const (
	AlertSlowP95      = "slow_p95"
	AlertErrorRate    = "error_rate"
	AlertCacheHitRate = "cache_hit_rate"
	AlertMemory       = "memory"
)

// Alert is one threshold breach.
type Alert struct {
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
	At        time.Time `json:"at"`
}

// Config tunes the monitor.
type Config struct {
	Window             time.Duration
	P95Threshold       time.Duration
	ErrorRateThreshold float64
	HitRateThreshold   float64
	MemoryFraction     float64
	MemoryLimitBytes   uint64
	// SampleInterval drives the background system-sample loop.
	SampleInterval time.Duration
	// Timeout bounds cache calls made during threshold checks.
	Timeout time.Duration
}

type querySample struct {
	at       time.Time
	latency  time.Duration
	failed   bool
	cacheHit bool
}

type systemSample struct {
	at        time.Time
	heapBytes uint64
}

// Health is the rolled-up service health.
type Health struct {
	Healthy        bool    `json:"healthy"`
	Cache          bool    `json:"cache"`
	MemoryFraction float64 `json:"memoryFraction"`
	AvgResponseMs  float64 `json:"avgResponseMs"`
	P95ResponseMs  float64 `json:"p95ResponseMs"`
	ErrorRate      float64 `json:"errorRate"`
	WindowQueries  int     `json:"windowQueries"`
}

// QueryMonitor observes query completions and system samples.
type QueryMonitor struct {
	cfg    Config
	store  cache.Store
	alerts chan Alert
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	queries  []querySample
	system   []systemSample
	inflight map[string]time.Time

	queryCounter metric.Int64Counter
	errorCounter metric.Int64Counter
	latencyHist  metric.Float64Histogram
}

// New creates a monitor. store may be nil, which skips cache health and
// hit-rate checks.
func New(store cache.Store, cfg Config) *QueryMonitor {
	if cfg.Window <= 0 {
		cfg.Window = defaultWindow
	}
	if cfg.P95Threshold <= 0 {
		cfg.P95Threshold = defaultP95Threshold
	}
	if cfg.ErrorRateThreshold <= 0 {
		cfg.ErrorRateThreshold = defaultErrorRate
	}
	if cfg.HitRateThreshold <= 0 {
		cfg.HitRateThreshold = defaultHitRate
	}
	if cfg.MemoryFraction <= 0 {
		cfg.MemoryFraction = defaultMemFraction
	}
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = defaultSampleInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultCheckTimeout
	}

	meter := otel.Meter("github.com/sievehq/sieve/internal/monitoring")
	queryCounter, _ := meter.Int64Counter("sieve.queries.total",
		metric.WithDescription("Completed queries"))
	errorCounter, _ := meter.Int64Counter("sieve.queries.errors",
		metric.WithDescription("Failed queries"))
	latencyHist, _ := meter.Float64Histogram("sieve.queries.latency_ms",
		metric.WithDescription("Query latency in milliseconds"))

	ctx, cancel := context.WithCancel(context.Background())
	return &QueryMonitor{
		cfg:          cfg,
		store:        store,
		alerts:       make(chan Alert, alertBuffer),
		ctx:          ctx,
		cancel:       cancel,
		inflight:     make(map[string]time.Time),
		queryCounter: queryCounter,
		errorCounter: errorCounter,
		latencyHist:  latencyHist,
	}
}

// Start launches the background system-sample loop.
func (m *QueryMonitor) Start() {
	go m.loop()
}

// Close stops the background loop.
func (m *QueryMonitor) Close() {
	m.cancel()
}

func (m *QueryMonitor) loop() {
	ticker := time.NewTicker(m.cfg.SampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			if m.ctx.Err() != nil {
				return
			}
			m.SampleSystem()
		}
	}
}

// Alerts exposes threshold breach events.
func (m *QueryMonitor) Alerts() <-chan Alert { return m.alerts }

// Begin marks a query start for callers that do their own timing.
func (m *QueryMonitor) Begin(queryID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inflight[queryID] = time.Now()
}

// End closes a Begin marker and records the sample.
func (m *QueryMonitor) End(queryID string, failed bool) {
	m.mu.Lock()
	started, ok := m.inflight[queryID]
	delete(m.inflight, queryID)
	m.mu.Unlock()
	if !ok {
		return
	}
	m.record(time.Since(started), failed, false)
}

// Observe records a processor completion. Implements processor.Observer.
func (m *QueryMonitor) Observe(obs processor.Observation) {
	m.record(obs.Latency, obs.Err != nil, obs.CacheHit)
}

func (m *QueryMonitor) record(latency time.Duration, failed, cacheHit bool) {
	ctx := context.Background()
	m.queryCounter.Add(ctx, 1)
	if failed {
		m.errorCounter.Add(ctx, 1)
	}
	m.latencyHist.Record(ctx, float64(latency.Milliseconds()))

	now := time.Now()
	m.mu.Lock()
	m.queries = append(m.queries, querySample{at: now, latency: latency, failed: failed, cacheHit: cacheHit})
	m.pruneLocked(now)
	m.mu.Unlock()

	m.checkThresholds()
}

// SampleSystem records a memory sample into the window.
func (m *QueryMonitor) SampleSystem() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	now := time.Now()
	m.mu.Lock()
	m.system = append(m.system, systemSample{at: now, heapBytes: ms.HeapAlloc})
	m.pruneLocked(now)
	m.mu.Unlock()
}

func (m *QueryMonitor) pruneLocked(now time.Time) {
	cutoff := now.Add(-m.cfg.Window)
	for len(m.queries) > 0 && m.queries[0].at.Before(cutoff) {
		m.queries = m.queries[1:]
	}
	for len(m.system) > 0 && m.system[0].at.Before(cutoff) {
		m.system = m.system[1:]
	}
}

func (m *QueryMonitor) windowStats() (p95, mean float64, errorRate float64, count int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	count = len(m.queries)
	if count == 0 {
		return 0, 0, 0, 0
	}

	latencies := make([]float64, count)
	var sum float64
	failures := 0
	for i, q := range m.queries {
		ms := float64(q.latency.Milliseconds())
		latencies[i] = ms
		sum += ms
		if q.failed {
			failures++
		}
	}
	sort.Float64s(latencies)

	idx := int(float64(count)*0.95) - 1
	if idx < 0 {
		idx = 0
	}
	return latencies[idx], sum / float64(count), float64(failures) / float64(count), count
}

func (m *QueryMonitor) memoryFraction() float64 {
	if m.cfg.MemoryLimitBytes == 0 {
		return 0
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return float64(ms.HeapAlloc) / float64(m.cfg.MemoryLimitBytes)
}

func (m *QueryMonitor) checkThresholds() {
	p95, _, errorRate, count := m.windowStats()
	if count < minSamplesForAlerts {
		return
	}

	p95Limit := float64(m.cfg.P95Threshold.Milliseconds())
	if p95 > p95Limit {
		m.emit(Alert{Kind: AlertSlowP95, Message: "p95 response time above threshold", Value: p95, Threshold: p95Limit})
	}
	if errorRate > m.cfg.ErrorRateThreshold {
		m.emit(Alert{Kind: AlertErrorRate, Message: "error rate above threshold", Value: errorRate, Threshold: m.cfg.ErrorRateThreshold})
	}

	if m.store != nil {
		ctx, cancel := context.WithTimeout(m.ctx, m.cfg.Timeout)
		stats := m.store.Stats(ctx)
		cancel()
		total := stats.Hits + stats.Misses
		if total >= int64(minSamplesForAlerts) && stats.HitRate < m.cfg.HitRateThreshold {
			m.emit(Alert{Kind: AlertCacheHitRate, Message: "cache hit rate below threshold", Value: stats.HitRate, Threshold: m.cfg.HitRateThreshold})
		}
	}

	if frac := m.memoryFraction(); frac > m.cfg.MemoryFraction {
		m.emit(Alert{Kind: AlertMemory, Message: "memory usage above threshold", Value: frac, Threshold: m.cfg.MemoryFraction})
	}
}

func (m *QueryMonitor) emit(alert Alert) {
	alert.At = time.Now()
	select {
	case m.alerts <- alert:
	default:
		log.Warn().Str("kind", alert.Kind).Msg("alert channel full, dropping alert")
	}
}

// Health rolls up cache reachability, memory pressure, and the rolling
// response times.
func (m *QueryMonitor) Health(ctx context.Context) Health {
	p95, mean, errorRate, count := m.windowStats()

	h := Health{
		Cache:          true,
		MemoryFraction: m.memoryFraction(),
		AvgResponseMs:  mean,
		P95ResponseMs:  p95,
		ErrorRate:      errorRate,
		WindowQueries:  count,
	}
	if m.store != nil {
		h.Cache = m.store.HealthCheck(ctx)
	}

	h.Healthy = h.Cache &&
		h.MemoryFraction <= m.cfg.MemoryFraction &&
		(count < minSamplesForAlerts || errorRate <= m.cfg.ErrorRateThreshold)
	return h
}
