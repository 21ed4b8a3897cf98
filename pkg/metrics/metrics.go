package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the call core
type Metrics struct {
	// Queue metrics
	queueLength      prometheus.Gauge
	enqueuesTotal    *prometheus.CounterVec
	dequeuesTotal    *prometheus.CounterVec
	queueExpirations prometheus.Counter

	// Matching metrics
	matchAttemptsTotal *prometheus.CounterVec
	matchLatency       prometheus.Histogram
	sweepDuration      prometheus.Histogram

	// Call metrics
	callsActive     prometheus.Gauge
	callsTotal      *prometheus.CounterVec
	callDuration    prometheus.Histogram
	messagesRelayed prometheus.Counter

	// Coordination metrics
	isLeader      prometheus.Gauge
	leaseRenewals *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(clusterID string) *Metrics {
	labels := prometheus.Labels{"cluster": clusterID}

	return &Metrics{
		queueLength: promauto.NewGauge(prometheus.GaugeOpts{
			Name:        "call_queue_length",
			Help:        "Number of channels currently waiting in the call queue",
			ConstLabels: labels,
		}),
		enqueuesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name:        "call_queue_enqueues_total",
			Help:        "Total number of enqueue attempts",
			ConstLabels: labels,
		}, []string{"result"}),
		dequeuesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name:        "call_queue_dequeues_total",
			Help:        "Total number of dequeue attempts",
			ConstLabels: labels,
		}, []string{"result"}),
		queueExpirations: promauto.NewCounter(prometheus.CounterOpts{
			Name:        "call_queue_expirations_total",
			Help:        "Total number of queue entries purged by the cleanup pass",
			ConstLabels: labels,
		}),
		matchAttemptsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name:        "call_match_attempts_total",
			Help:        "Total number of match attempts",
			ConstLabels: labels,
		}, []string{"result"}),
		matchLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:        "call_match_latency_seconds",
			Help:        "Time from enqueue to successful match",
			ConstLabels: labels,
			Buckets:     []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
		}),
		sweepDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:        "call_match_sweep_duration_seconds",
			Help:        "Duration of one background matching sweep",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
		callsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name:        "calls_active",
			Help:        "Number of currently active calls",
			ConstLabels: labels,
		}),
		callsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name:        "calls_total",
			Help:        "Total number of calls by terminal outcome",
			ConstLabels: labels,
		}, []string{"outcome"}),
		callDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:        "call_duration_seconds",
			Help:        "Duration of ended calls",
			ConstLabels: labels,
			Buckets:     []float64{10, 30, 60, 120, 300, 600, 1800, 3600},
		}),
		messagesRelayed: promauto.NewCounter(prometheus.CounterOpts{
			Name:        "call_messages_relayed_total",
			Help:        "Total number of call messages appended",
			ConstLabels: labels,
		}),
		isLeader: promauto.NewGauge(prometheus.GaugeOpts{
			Name:        "matchmaker_is_leader",
			Help:        "Whether this process currently holds the matchmaker leader lease",
			ConstLabels: labels,
		}),
		leaseRenewals: promauto.NewCounterVec(prometheus.CounterOpts{
			Name:        "matchmaker_lease_renewals_total",
			Help:        "Total number of leader lease renewal attempts",
			ConstLabels: labels,
		}, []string{"result"}),
	}
}

// SetQueueLength records the current queue length
func (m *Metrics) SetQueueLength(n int64) {
	m.queueLength.Set(float64(n))
}

// RecordEnqueue records an enqueue attempt outcome (queued, rejected, error)
func (m *Metrics) RecordEnqueue(result string) {
	m.enqueuesTotal.WithLabelValues(result).Inc()
}

// RecordDequeue records a dequeue attempt outcome (claimed, missed, error)
func (m *Metrics) RecordDequeue(result string) {
	m.dequeuesTotal.WithLabelValues(result).Inc()
}

// RecordExpirations adds n purged entries to the expiration counter
func (m *Metrics) RecordExpirations(n int) {
	m.queueExpirations.Add(float64(n))
}

// RecordMatchAttempt records a match attempt outcome (matched, no_candidate, claim_lost, error)
func (m *Metrics) RecordMatchAttempt(result string) {
	m.matchAttemptsTotal.WithLabelValues(result).Inc()
}

// ObserveMatchLatency records time from enqueue to match
func (m *Metrics) ObserveMatchLatency(d time.Duration) {
	m.matchLatency.Observe(d.Seconds())
}

// ObserveSweepDuration records the duration of one background sweep
func (m *Metrics) ObserveSweepDuration(d time.Duration) {
	m.sweepDuration.Observe(d.Seconds())
}

// SetActiveCalls records the current active call count
func (m *Metrics) SetActiveCalls(n int) {
	m.callsActive.Set(float64(n))
}

// RecordCallEnded records a terminal call outcome (hangup, skip, drained, timeout)
func (m *Metrics) RecordCallEnded(outcome string, duration time.Duration) {
	m.callsTotal.WithLabelValues(outcome).Inc()
	m.callDuration.Observe(duration.Seconds())
}

// RecordMessage increments the relayed message counter
func (m *Metrics) RecordMessage() {
	m.messagesRelayed.Inc()
}

// SetLeader records whether this process is the matchmaker leader
func (m *Metrics) SetLeader(leader bool) {
	if leader {
		m.isLeader.Set(1)
	} else {
		m.isLeader.Set(0)
	}
}

// RecordLeaseRenewal records a lease renewal outcome (ok, lost, error)
func (m *Metrics) RecordLeaseRenewal(result string) {
	m.leaseRenewals.WithLabelValues(result).Inc()
}
