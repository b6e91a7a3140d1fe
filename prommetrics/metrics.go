// Package prommetrics exports boxrelay telemetry as Prometheus metrics.
package prommetrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/velmie/boxrelay"
)

const namespace = "boxrelay"

var (
	shardLabels = []string{"box", "kind", "partition"}

	latencyBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300, 900, 3600}
	batchBuckets   = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}
)

// Metrics is a boxrelay.Metrics backed by Prometheus collectors. Buckets are not a label:
// a box can have thousands of them.
type Metrics struct {
	sent           *prometheus.CounterVec
	retries        *prometheus.CounterVec
	errors         *prometheus.CounterVec
	discarded      *prometheus.CounterVec
	fetchErrors    *prometheus.CounterVec
	jobs           *prometheus.CounterVec
	lockMisses     *prometheus.CounterVec
	throttle       *prometheus.CounterVec
	processLatency *prometheus.HistogramVec
	retryLatency   *prometheus.HistogramVec
	batchDuration  *prometheus.HistogramVec
}

var _ boxrelay.Metrics = (*Metrics)(nil)

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	counter := func(name, help string, extra ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, append(append([]string{}, shardLabels...), extra...))
	}
	histogram := func(name, help string, buckets []float64, extra ...string) *prometheus.HistogramVec {
		return prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
			Buckets:   buckets,
		}, append(append([]string{}, shardLabels...), extra...))
	}

	m := &Metrics{
		sent:        counter("items_sent_total", "Items delivered by their transports."),
		retries:     counter("items_retries_total", "Failed attempts left pending for a retry."),
		errors:      counter("items_errors_total", "Failed delivery attempts."),
		discarded:   counter("items_discarded_total", "Items discarded without delivery."),
		fetchErrors: counter("items_fetch_errors_total", "Items that could not be fetched."),
		jobs:        counter("jobs_total", "Job descriptors pushed or popped.", "stage"),
		lockMisses:  counter("lock_misses_total", "Lock acquisitions lost to another holder.", "stage"),
		throttle: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "throttle_outcomes_total",
			Help:      "Throttle policy outcomes.",
		}, []string{"box", "policy", "outcome"}),
		processLatency: histogram("process_latency_seconds", "Time from item creation to its first attempt.", latencyBuckets),
		retryLatency:   histogram("retry_latency_seconds", "Time between two attempts of an item.", latencyBuckets),
		batchDuration:  histogram("batch_duration_seconds", "Time to poll or process one batch.", batchBuckets, "stage"),
	}

	for _, c := range []prometheus.Collector{
		m.sent, m.retries, m.errors, m.discarded, m.fetchErrors, m.jobs, m.lockMisses, m.throttle,
		m.processLatency, m.retryLatency, m.batchDuration,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// MustNew is New that panics on registration errors.
func MustNew(reg prometheus.Registerer) *Metrics {
	m, err := New(reg)
	if err != nil {
		panic(err)
	}

	return m
}

func shard(l boxrelay.Labels, extra ...string) []string {
	partition := ""
	if l.Partition >= 0 {
		partition = strconv.Itoa(l.Partition)
	}

	return append([]string{l.Box, string(l.Kind), partition}, extra...)
}

// AddSent implements boxrelay.Metrics.
func (m *Metrics) AddSent(labels boxrelay.Labels, count int) {
	m.sent.WithLabelValues(shard(labels)...).Add(float64(count))
}

// AddRetries implements boxrelay.Metrics.
func (m *Metrics) AddRetries(labels boxrelay.Labels, count int) {
	m.retries.WithLabelValues(shard(labels)...).Add(float64(count))
}

// AddErrors implements boxrelay.Metrics.
func (m *Metrics) AddErrors(labels boxrelay.Labels, count int) {
	m.errors.WithLabelValues(shard(labels)...).Add(float64(count))
}

// AddDiscarded implements boxrelay.Metrics.
func (m *Metrics) AddDiscarded(labels boxrelay.Labels, count int) {
	m.discarded.WithLabelValues(shard(labels)...).Add(float64(count))
}

// AddFetchErrors implements boxrelay.Metrics.
func (m *Metrics) AddFetchErrors(labels boxrelay.Labels, count int) {
	m.fetchErrors.WithLabelValues(shard(labels)...).Add(float64(count))
}

// ObserveProcessLatency implements boxrelay.Metrics.
func (m *Metrics) ObserveProcessLatency(labels boxrelay.Labels, latency time.Duration) {
	m.processLatency.WithLabelValues(shard(labels)...).Observe(latency.Seconds())
}

// ObserveRetryLatency implements boxrelay.Metrics.
func (m *Metrics) ObserveRetryLatency(labels boxrelay.Labels, latency time.Duration) {
	m.retryLatency.WithLabelValues(shard(labels)...).Observe(latency.Seconds())
}

// ObserveBatchDuration implements boxrelay.Metrics.
func (m *Metrics) ObserveBatchDuration(labels boxrelay.Labels, stage string, duration time.Duration) {
	m.batchDuration.WithLabelValues(shard(labels, stage)...).Observe(duration.Seconds())
}

// AddJobs implements boxrelay.Metrics.
func (m *Metrics) AddJobs(labels boxrelay.Labels, stage string, count int) {
	m.jobs.WithLabelValues(shard(labels, stage)...).Add(float64(count))
}

// AddLockMisses implements boxrelay.Metrics.
func (m *Metrics) AddLockMisses(labels boxrelay.Labels, stage string) {
	m.lockMisses.WithLabelValues(shard(labels, stage)...).Inc()
}

// AddThrottle implements boxrelay.Metrics.
func (m *Metrics) AddThrottle(box, policy, outcome string) {
	m.throttle.WithLabelValues(box, policy, outcome).Inc()
}
