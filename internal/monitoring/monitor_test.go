package monitoring

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sievehq/sieve/internal/cache"
	"github.com/sievehq/sieve/internal/processor"
)

func drainAlerts(m *QueryMonitor) []Alert {
	var out []Alert
	for {
		select {
		case a := <-m.Alerts():
			out = append(out, a)
		default:
			return out
		}
	}
}

func alertKinds(alerts []Alert) map[string]bool {
	kinds := make(map[string]bool, len(alerts))
	for _, a := range alerts {
		kinds[a.Kind] = true
	}
	return kinds
}

func TestObserveTracksWindow(t *testing.T) {
	m := New(nil, Config{})

	for i := 0; i < 5; i++ {
		m.Observe(processor.Observation{Latency: 100 * time.Millisecond})
	}
	m.Observe(processor.Observation{Latency: 100 * time.Millisecond, Err: context.DeadlineExceeded})

	p95, mean, errorRate, count := m.windowStats()
	assert.Equal(t, 6, count)
	assert.InDelta(t, 100.0, p95, 0.001)
	assert.InDelta(t, 100.0, mean, 0.001)
	assert.InDelta(t, 1.0/6.0, errorRate, 0.001)
}

func TestPruneDropsOldSamples(t *testing.T) {
	m := New(nil, Config{Window: time.Hour})

	m.Observe(processor.Observation{Latency: time.Millisecond})
	m.mu.Lock()
	m.queries[0].at = time.Now().Add(-2 * time.Hour)
	m.mu.Unlock()
	m.Observe(processor.Observation{Latency: time.Millisecond})

	_, _, _, count := m.windowStats()
	assert.Equal(t, 1, count)
}

func TestNoAlertsBelowSampleMinimum(t *testing.T) {
	m := New(nil, Config{P95Threshold: time.Millisecond})

	for i := 0; i < minSamplesForAlerts-1; i++ {
		m.Observe(processor.Observation{Latency: time.Second})
	}

	assert.Empty(t, drainAlerts(m))
}

func TestSlowP95Alert(t *testing.T) {
	m := New(nil, Config{P95Threshold: 10 * time.Millisecond})

	for i := 0; i < minSamplesForAlerts; i++ {
		m.Observe(processor.Observation{Latency: 100 * time.Millisecond})
	}

	kinds := alertKinds(drainAlerts(m))
	assert.True(t, kinds[AlertSlowP95])
	assert.False(t, kinds[AlertErrorRate])
}

func TestErrorRateAlert(t *testing.T) {
	m := New(nil, Config{ErrorRateThreshold: 0.2})

	for i := 0; i < minSamplesForAlerts; i++ {
		var err error
		if i%2 == 0 {
			err = context.DeadlineExceeded
		}
		m.Observe(processor.Observation{Latency: time.Millisecond, Err: err})
	}

	kinds := alertKinds(drainAlerts(m))
	assert.True(t, kinds[AlertErrorRate])
}

func TestCacheHitRateAlert(t *testing.T) {
	store := cache.NewMemoryStore()
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()

	// All misses drives the hit rate to zero.
	for i := 0; i < 15; i++ {
		store.Get(ctx, "query:absent")
	}

	m := New(store, Config{HitRateThreshold: 0.5})
	for i := 0; i < minSamplesForAlerts; i++ {
		m.Observe(processor.Observation{Latency: time.Millisecond})
	}

	kinds := alertKinds(drainAlerts(m))
	assert.True(t, kinds[AlertCacheHitRate])
}

func TestMemoryAlert(t *testing.T) {
	// A 1-byte limit guarantees the fraction is over any threshold.
	m := New(nil, Config{MemoryLimitBytes: 1, MemoryFraction: 0.5})

	for i := 0; i < minSamplesForAlerts; i++ {
		m.Observe(processor.Observation{Latency: time.Millisecond})
	}

	kinds := alertKinds(drainAlerts(m))
	assert.True(t, kinds[AlertMemory])
}

func TestBeginEndMarkers(t *testing.T) {
	m := New(nil, Config{})

	m.Begin("q1")
	m.End("q1", false)
	m.End("unknown", true)

	_, _, errorRate, count := m.windowStats()
	assert.Equal(t, 1, count, "unmatched End is ignored")
	assert.Zero(t, errorRate)
}

func TestHealthRollup(t *testing.T) {
	store := cache.NewMemoryStore()
	t.Cleanup(func() { _ = store.Close() })

	m := New(store, Config{})
	for i := 0; i < 3; i++ {
		m.Observe(processor.Observation{Latency: 50 * time.Millisecond})
	}

	h := m.Health(context.Background())
	assert.True(t, h.Healthy)
	assert.True(t, h.Cache)
	assert.Equal(t, 3, h.WindowQueries)
	assert.InDelta(t, 50.0, h.AvgResponseMs, 0.001)
}

func TestHealthUnhealthyOnErrorRate(t *testing.T) {
	m := New(nil, Config{ErrorRateThreshold: 0.1})

	for i := 0; i < minSamplesForAlerts; i++ {
		m.Observe(processor.Observation{Latency: time.Millisecond, Err: context.DeadlineExceeded})
	}

	h := m.Health(context.Background())
	assert.False(t, h.Healthy)
	assert.InDelta(t, 1.0, h.ErrorRate, 0.001)
}

func TestSampleSystem(t *testing.T) {
	m := New(nil, Config{})

	m.SampleSystem()
	m.SampleSystem()

	m.mu.Lock()
	defer m.mu.Unlock()
	require.Len(t, m.system, 2)
	assert.Greater(t, m.system[0].heapBytes, uint64(0))
}

func TestStartSamplesOnInterval(t *testing.T) {
	m := New(nil, Config{SampleInterval: 5 * time.Millisecond})
	m.Start()
	t.Cleanup(m.Close)

	require.Eventually(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return len(m.system) >= 2
	}, 2*time.Second, 5*time.Millisecond)
}

func TestCloseStopsSampling(t *testing.T) {
	m := New(nil, Config{SampleInterval: 5 * time.Millisecond})
	m.Start()

	require.Eventually(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return len(m.system) > 0
	}, 2*time.Second, 5*time.Millisecond)

	m.Close()
	time.Sleep(20 * time.Millisecond)
	m.mu.Lock()
	after := len(m.system)
	m.mu.Unlock()

	time.Sleep(30 * time.Millisecond)
	m.mu.Lock()
	defer m.mu.Unlock()
	assert.Equal(t, after, len(m.system), "no samples accrue after Close")
}
