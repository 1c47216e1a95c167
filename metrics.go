package goSignIn

import (
	"sync/atomic"
	"time"
)

// MetricID identifies one Orchestrator counter or histogram.
type MetricID uint16

const (
	// MetricSignInStarted counts forced handler starts.
	MetricSignInStarted MetricID = iota
	// MetricSignInPending counts flows persisted as Pending.
	MetricSignInPending
	// MetricSignInCompleted counts flows that produced a token.
	MetricSignInCompleted
	// MetricSignInFailed counts flows that ended with an Error response.
	MetricSignInFailed
	// MetricSignInTimeout counts blocking sign-ins whose budget ran out.
	MetricSignInTimeout
	// MetricSignInAborted counts blocking sign-ins whose state was reset or taken over.
	MetricSignInAborted
	// MetricSignInRateLimited counts forced starts denied by the start limiter.
	MetricSignInRateLimited
	// MetricSignInReset counts explicit ResetState calls.
	MetricSignInReset
	// MetricSignInReplayed counts initiating activities re-injected as proactive turns.
	MetricSignInReplayed
	// MetricFlowActiveRejected counts requests rejected because another flow was Pending.
	MetricFlowActiveRejected
	// MetricStateConflict counts optimistic state writes that lost a race.
	MetricStateConflict
	// MetricTurnTokenHit counts same-turn cache hits.
	MetricTurnTokenHit
	// MetricTokenExchangeClaimed counts exchanges that won the dedup claim.
	MetricTokenExchangeClaimed
	// MetricTokenExchangeFailed counts exchanges rejected by the provider.
	MetricTokenExchangeFailed
	// MetricTokenExchangeDuplicate counts exchanges that lost the dedup claim.
	MetricTokenExchangeDuplicate
	// MetricPollIterations counts state re-reads inside the poll loop.
	MetricPollIterations
	// MetricSignInWait records how long blocking SignInUser calls waited.
	MetricSignInWait
	metricIDCount
)

const (
	histBucketCount = 8
	cacheLineSize   = 64
)

type metricHistogram struct {
	buckets [histBucketCount]uint64
}

type paddedCounter struct {
	value uint64
	_     [cacheLineSize - 8]byte
}

// Metrics holds lock-free counters. A nil or disabled Metrics ignores all calls.
type Metrics struct {
	enabled       bool
	enableLatency bool
	counters      [metricIDCount]paddedCounter
	histograms    [metricIDCount]metricHistogram
}

// MetricsSnapshot is a point-in-time copy of all metrics.
type MetricsSnapshot struct {
	Counters   map[MetricID]uint64
	Histograms map[MetricID][]uint64
}

// NewMetrics creates a Metrics honoring cfg.
func NewMetrics(cfg MetricsConfig) *Metrics {
	return &Metrics{
		enabled:       cfg.Enabled,
		enableLatency: cfg.Enabled && cfg.EnableLatencyHistograms,
	}
}

func (m *Metrics) Enabled() bool {
	return m != nil && m.enabled
}

func (m *Metrics) LatencyEnabled() bool {
	return m != nil && m.enableLatency
}

// Inc adds one to id.
func (m *Metrics) Inc(id MetricID) {
	if m == nil || !m.enabled || id >= metricIDCount {
		return
	}
	atomic.AddUint64(&m.counters[id].value, 1)
}

// Observe records d into the histogram for id. Only [MetricSignInWait] has a
// histogram.
func (m *Metrics) Observe(id MetricID, d time.Duration) {
	if m == nil || !m.enabled || !m.enableLatency || id >= metricIDCount {
		return
	}
	if id != MetricSignInWait {
		return
	}

	b := bucketIndex(d)
	atomic.AddUint64(&m.histograms[id].buckets[b], 1)
}

// Value returns the current counter for id.
func (m *Metrics) Value(id MetricID) uint64 {
	if m == nil || id >= metricIDCount {
		return 0
	}
	return atomic.LoadUint64(&m.counters[id].value)
}

// Snapshot copies every counter and, when enabled, the wait histogram. Buckets
// are per-bucket counts, not cumulative.
func (m *Metrics) Snapshot() MetricsSnapshot {
	if m == nil || !m.enabled {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}

	s := MetricsSnapshot{
		Counters:   make(map[MetricID]uint64, int(metricIDCount)),
		Histograms: make(map[MetricID][]uint64, 1),
	}

	for id := MetricID(0); id < metricIDCount; id++ {
		if id == MetricSignInWait {
			continue
		}
		s.Counters[id] = atomic.LoadUint64(&m.counters[id].value)
	}

	if m.enableLatency {
		buckets := make([]uint64, histBucketCount)
		for i := 0; i < histBucketCount; i++ {
			buckets[i] = atomic.LoadUint64(&m.histograms[MetricSignInWait].buckets[i])
		}
		s.Histograms[MetricSignInWait] = buckets
	}

	return s
}

// HistogramBounds are the upper bounds of the wait buckets; the last bucket
// is unbounded.
var HistogramBounds = [histBucketCount - 1]time.Duration{
	time.Second,
	2 * time.Second,
	5 * time.Second,
	10 * time.Second,
	30 * time.Second,
	time.Minute,
	5 * time.Minute,
}

func bucketIndex(d time.Duration) int {
	for i, bound := range HistogramBounds {
		if d <= bound {
			return i
		}
	}
	return histBucketCount - 1
}
