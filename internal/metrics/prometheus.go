package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the staging layer.
//
// Every recorder method is safe to call on a nil *Metrics so components can
// run without instrumentation.
type Metrics struct {
	// Staging metrics
	StagedInsertsTotal   *prometheus.CounterVec
	RejectedInsertsTotal *prometheus.CounterVec
	VerifiesTotal        *prometheus.CounterVec
	StagedWritesGauge    prometheus.Gauge

	// Filter metrics
	FiltersCreatedTotal prometheus.Counter
	FilterBackfillSize  prometheus.Histogram
	FilterBackfillTime  prometheus.Histogram

	// Producer metrics
	ProducerHitsTotal    *prometheus.CounterVec
	ProducerMissesTotal  *prometheus.CounterVec
	ProducerPoolDepth    *prometheus.GaugeVec
	ProducerBuildSeconds *prometheus.HistogramVec

	// Transport metrics
	TransportsTotal        *prometheus.CounterVec
	TransportedWritesTotal prometheus.Counter
	TransportDuration      prometheus.Histogram
	TransportFailuresTotal prometheus.Counter

	// Commit log metrics
	CommitLogAppendsTotal   prometheus.Counter
	CommitLogSyncsTotal     prometheus.Counter
	CommitLogAppendDuration prometheus.Histogram
	CommitLogSizeBytes      prometheus.Gauge

	// System metrics
	MemoryUsageBytes prometheus.Gauge
	GoroutinesTotal  prometheus.Gauge
}

// NewMetrics creates all metrics and registers them on reg
func NewMetrics(reg prometheus.Registerer, nodeID string) *Metrics {
	labels := prometheus.Labels{"node_id": nodeID}
	factory := promauto.With(reg)

	return &Metrics{
		StagedInsertsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "concourse",
			Subsystem:   "staging",
			Name:        "inserts_total",
			Help:        "Total number of writes appended to staging queues",
			ConstLabels: labels,
		}, []string{"queue"}),
		RejectedInsertsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "concourse",
			Subsystem:   "staging",
			Name:        "rejected_inserts_total",
			Help:        "Total number of writes rejected by staging queues",
			ConstLabels: labels,
		}, []string{"queue", "reason"}),
		VerifiesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "concourse",
			Subsystem:   "staging",
			Name:        "verifies_total",
			Help:        "Total number of verifies, by resolution path",
			ConstLabels: labels,
		}, []string{"queue", "path"}),
		StagedWritesGauge: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "concourse",
			Subsystem:   "staging",
			Name:        "staged_writes",
			Help:        "Writes currently staged and not yet transported",
			ConstLabels: labels,
		}),

		FiltersCreatedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "concourse",
			Subsystem:   "filter",
			Name:        "created_total",
			Help:        "Total number of bloom filters attached to transaction queues",
			ConstLabels: labels,
		}),
		FilterBackfillSize: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "concourse",
			Subsystem:   "filter",
			Name:        "backfill_writes",
			Help:        "Histogram of writes replayed into a filter when it is attached",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(8, 2, 8),
		}),
		FilterBackfillTime: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "concourse",
			Subsystem:   "filter",
			Name:        "backfill_duration_seconds",
			Help:        "Histogram of filter backfill durations",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.00001, 4, 8),
		}),

		ProducerHitsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "concourse",
			Subsystem:   "producer",
			Name:        "hits_total",
			Help:        "Consumes served from the prebuilt pool",
			ConstLabels: labels,
		}, []string{"producer"}),
		ProducerMissesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "concourse",
			Subsystem:   "producer",
			Name:        "misses_total",
			Help:        "Consumes that had to build synchronously",
			ConstLabels: labels,
		}, []string{"producer"}),
		ProducerPoolDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   "concourse",
			Subsystem:   "producer",
			Name:        "pool_depth",
			Help:        "Prebuilt instances waiting in the pool",
			ConstLabels: labels,
		}, []string{"producer"}),
		ProducerBuildSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   "concourse",
			Subsystem:   "producer",
			Name:        "build_duration_seconds",
			Help:        "Histogram of instance build durations",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"producer"}),

		TransportsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "concourse",
			Subsystem:   "transport",
			Name:        "total",
			Help:        "Total number of queue transports, by mode",
			ConstLabels: labels,
		}, []string{"mode"}),
		TransportedWritesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "concourse",
			Subsystem:   "transport",
			Name:        "writes_total",
			Help:        "Total number of writes delivered to permanent stores",
			ConstLabels: labels,
		}),
		TransportDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "concourse",
			Subsystem:   "transport",
			Name:        "duration_seconds",
			Help:        "Histogram of transport durations",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
		TransportFailuresTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "concourse",
			Subsystem:   "transport",
			Name:        "failures_total",
			Help:        "Total number of transports aborted by a store error",
			ConstLabels: labels,
		}),

		CommitLogAppendsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "concourse",
			Subsystem:   "commitlog",
			Name:        "appends_total",
			Help:        "Total number of commit log appends",
			ConstLabels: labels,
		}),
		CommitLogSyncsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "concourse",
			Subsystem:   "commitlog",
			Name:        "syncs_total",
			Help:        "Total number of commit log fsyncs",
			ConstLabels: labels,
		}),
		CommitLogAppendDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "concourse",
			Subsystem:   "commitlog",
			Name:        "append_duration_seconds",
			Help:        "Histogram of commit log append durations",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.00001, 4, 10),
		}),
		CommitLogSizeBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "concourse",
			Subsystem:   "commitlog",
			Name:        "size_bytes",
			Help:        "Bytes written to the active commit log segment",
			ConstLabels: labels,
		}),

		MemoryUsageBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "concourse",
			Subsystem:   "system",
			Name:        "memory_usage_bytes",
			Help:        "Heap bytes allocated",
			ConstLabels: labels,
		}),
		GoroutinesTotal: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "concourse",
			Subsystem:   "system",
			Name:        "goroutines",
			Help:        "Number of goroutines",
			ConstLabels: labels,
		}),
	}
}

// RecordInsert records an accepted insert
func (m *Metrics) RecordInsert(queue string) {
	if m == nil {
		return
	}
	m.StagedInsertsTotal.WithLabelValues(queue).Inc()
	m.StagedWritesGauge.Inc()
}

// RecordRejectedInsert records a rejected insert
func (m *Metrics) RecordRejectedInsert(queue, reason string) {
	if m == nil {
		return
	}
	m.RejectedInsertsTotal.WithLabelValues(queue, reason).Inc()
}

// RecordVerify records how a verify was resolved ("scan" or "filter")
func (m *Metrics) RecordVerify(queue, path string) {
	if m == nil {
		return
	}
	m.VerifiesTotal.WithLabelValues(queue, path).Inc()
}

// RecordFilterCreated records a filter attach and its backfill
func (m *Metrics) RecordFilterCreated(backfilled int, duration time.Duration) {
	if m == nil {
		return
	}
	m.FiltersCreatedTotal.Inc()
	m.FilterBackfillSize.Observe(float64(backfilled))
	m.FilterBackfillTime.Observe(duration.Seconds())
}

// RecordProducerConsume records a consume served from the pool or built inline
func (m *Metrics) RecordProducerConsume(producer string, hit bool, depth int) {
	if m == nil {
		return
	}
	if hit {
		m.ProducerHitsTotal.WithLabelValues(producer).Inc()
	} else {
		m.ProducerMissesTotal.WithLabelValues(producer).Inc()
	}
	m.ProducerPoolDepth.WithLabelValues(producer).Set(float64(depth))
}

// RecordProducerBuild records a background or inline build
func (m *Metrics) RecordProducerBuild(producer string, duration time.Duration, depth int) {
	if m == nil {
		return
	}
	m.ProducerBuildSeconds.WithLabelValues(producer).Observe(duration.Seconds())
	m.ProducerPoolDepth.WithLabelValues(producer).Set(float64(depth))
}

// RecordTransport records a finished transport
func (m *Metrics) RecordTransport(mode string, writes int, duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.TransportsTotal.WithLabelValues(mode).Inc()
	m.TransportedWritesTotal.Add(float64(writes))
	m.TransportDuration.Observe(duration.Seconds())
	m.StagedWritesGauge.Sub(float64(writes))
	if err != nil {
		m.TransportFailuresTotal.Inc()
	}
}

// RecordCommitLogAppend records a commit log append
func (m *Metrics) RecordCommitLogAppend(bytes int64, synced bool, duration time.Duration) {
	if m == nil {
		return
	}
	m.CommitLogAppendsTotal.Inc()
	if synced {
		m.CommitLogSyncsTotal.Inc()
	}
	m.CommitLogAppendDuration.Observe(duration.Seconds())
	m.CommitLogSizeBytes.Set(float64(bytes))
}

// UpdateSystemStats updates process level gauges
func (m *Metrics) UpdateSystemStats(memUsage int64, goroutines int) {
	if m == nil {
		return
	}
	m.MemoryUsageBytes.Set(float64(memUsage))
	m.GoroutinesTotal.Set(float64(goroutines))
}
