// Package metrics provides in-process counters and latency percentiles for the reply loop.
package metrics

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// LatencyTracker keeps a sliding window of samples and reports percentiles.
type LatencyTracker struct {
	mu         sync.Mutex
	samples    []int64 // microseconds
	maxSamples int
}

// NewLatencyTracker creates a tracker keeping the last windowSize samples.
func NewLatencyTracker(windowSize int) *LatencyTracker {
	if windowSize <= 0 {
		windowSize = 1000
	}
	return &LatencyTracker{
		samples:    make([]int64, 0, windowSize),
		maxSamples: windowSize,
	}
}

// Record adds a sample.
func (lt *LatencyTracker) Record(d time.Duration) {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	if len(lt.samples) >= lt.maxSamples {
		// drop the oldest 10% at once
		drop := lt.maxSamples / 10
		if drop < 1 {
			drop = 1
		}
		lt.samples = append(lt.samples[:0], lt.samples[drop:]...)
	}
	lt.samples = append(lt.samples, d.Microseconds())
}

// Stats returns min/max/avg and percentiles of the current window.
func (lt *LatencyTracker) Stats() LatencyStats {
	lt.mu.Lock()
	sorted := append([]int64(nil), lt.samples...)
	lt.mu.Unlock()

	n := len(sorted)
	if n == 0 {
		return LatencyStats{}
	}
	// the window stays in arrival order for eviction
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum int64
	for _, v := range sorted {
		sum += v
	}
	percentile := func(p float64) time.Duration {
		return micros(sorted[int(float64(n-1)*p)])
	}

	return LatencyStats{
		Count: n,
		Min:   micros(sorted[0]),
		Max:   micros(sorted[n-1]),
		Avg:   micros(sum / int64(n)),
		P50:   percentile(0.50),
		P95:   percentile(0.95),
		P99:   percentile(0.99),
	}
}

func micros(v int64) time.Duration {
	return time.Duration(v) * time.Microsecond
}

// LatencyStats summarises a LatencyTracker window.
type LatencyStats struct {
	Count int
	Min   time.Duration
	Max   time.Duration
	Avg   time.Duration
	P50   time.Duration
	P95   time.Duration
	P99   time.Duration
}

// ToMap renders the stats in milliseconds for JSON responses.
func (s LatencyStats) ToMap() map[string]any {
	ms := func(d time.Duration) float64 { return float64(d.Microseconds()) / 1000 }
	return map[string]any{
		"count":  s.Count,
		"min_ms": ms(s.Min),
		"max_ms": ms(s.Max),
		"avg_ms": ms(s.Avg),
		"p50_ms": ms(s.P50),
		"p95_ms": ms(s.P95),
		"p99_ms": ms(s.P99),
	}
}

// =============================================================================
// Reply loop metrics
// =============================================================================

// ReplyMetrics counts thread outcomes and times cycles and threads.
// The zero value is not usable; call NewReplyMetrics.
type ReplyMetrics struct {
	Cycles       atomic.Int64
	FailedCycles atomic.Int64

	mu       sync.Mutex
	outcomes map[string]int64

	CycleLatency  *LatencyTracker
	ThreadLatency *LatencyTracker
}

// NewReplyMetrics creates empty reply metrics.
func NewReplyMetrics() *ReplyMetrics {
	return &ReplyMetrics{
		outcomes:      make(map[string]int64),
		CycleLatency:  NewLatencyTracker(200),
		ThreadLatency: NewLatencyTracker(1000),
	}
}

// Outcome counts one processed thread.
func (m *ReplyMetrics) Outcome(outcome string, d time.Duration) {
	m.mu.Lock()
	m.outcomes[outcome]++
	m.mu.Unlock()
	m.ThreadLatency.Record(d)
}

// Outcomes returns a copy of the per-outcome counters.
func (m *ReplyMetrics) Outcomes() map[string]int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]int64, len(m.outcomes))
	for k, v := range m.outcomes {
		out[k] = v
	}
	return out
}

// Cycle records a finished poll cycle.
func (m *ReplyMetrics) Cycle(d time.Duration, failed bool) {
	m.Cycles.Add(1)
	if failed {
		m.FailedCycles.Add(1)
	}
	m.CycleLatency.Record(d)
}
