package boxrelay

import "time"

// Labels identify the shard an observation belongs to.
// Bucket and Partition are -1 when unknown.
type Labels struct {
	Box       string
	Kind      Kind
	Partition int
	Bucket    int
}

// Metrics captures engine telemetry.
type Metrics interface {
	// AddSent increments the count of delivered items.
	AddSent(labels Labels, count int)
	// AddRetries increments the count of failed attempts left pending for a retry.
	AddRetries(labels Labels, count int)
	// AddErrors increments the count of failed attempts.
	AddErrors(labels Labels, count int)
	// AddDiscarded increments the count of discarded items.
	AddDiscarded(labels Labels, count int)
	// AddFetchErrors increments the count of items that could not be fetched.
	AddFetchErrors(labels Labels, count int)
	// ObserveProcessLatency records the time from creation to a first attempt.
	ObserveProcessLatency(labels Labels, latency time.Duration)
	// ObserveRetryLatency records the time since the previous attempt.
	ObserveRetryLatency(labels Labels, latency time.Duration)
	// ObserveBatchDuration records the time to poll or process one batch.
	ObserveBatchDuration(labels Labels, stage string, duration time.Duration)
	// AddJobs increments the count of job descriptors pushed or popped.
	AddJobs(labels Labels, stage string, count int)
	// AddLockMisses increments the count of lock acquisitions that failed.
	AddLockMisses(labels Labels, stage string)
	// AddThrottle counts one outcome of a throttle policy.
	AddThrottle(box, policy, outcome string)
}

// NopMetrics is a no-op metrics recorder.
type NopMetrics struct{}

// AddSent implements Metrics.
func (NopMetrics) AddSent(Labels, int) {}

// AddRetries implements Metrics.
func (NopMetrics) AddRetries(Labels, int) {}

// AddErrors implements Metrics.
func (NopMetrics) AddErrors(Labels, int) {}

// AddDiscarded implements Metrics.
func (NopMetrics) AddDiscarded(Labels, int) {}

// AddFetchErrors implements Metrics.
func (NopMetrics) AddFetchErrors(Labels, int) {}

// ObserveProcessLatency implements Metrics.
func (NopMetrics) ObserveProcessLatency(Labels, time.Duration) {}

// ObserveRetryLatency implements Metrics.
func (NopMetrics) ObserveRetryLatency(Labels, time.Duration) {}

// ObserveBatchDuration implements Metrics.
func (NopMetrics) ObserveBatchDuration(Labels, string, time.Duration) {}

// AddJobs implements Metrics.
func (NopMetrics) AddJobs(Labels, string, int) {}

// AddLockMisses implements Metrics.
func (NopMetrics) AddLockMisses(Labels, string) {}

// AddThrottle implements Metrics.
func (NopMetrics) AddThrottle(string, string, string) {}
