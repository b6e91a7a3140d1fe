package boxrelay

import "errors"

var (
	// ErrItemNotFound signals that a row vanished before it could be locked.
	ErrItemNotFound = errors.New("boxrelay item not found")
	// ErrAlreadyProcessed signals that a row left the pending state before this attempt.
	ErrAlreadyProcessed = errors.New("boxrelay item already processed")
	// ErrMissingEventKey is returned by key-based retry strategies for items without an event key.
	ErrMissingEventKey = errors.New("boxrelay item has no event key")
	// ErrEmptyEventKey is returned by key-based retry strategies for items with a blank event key.
	ErrEmptyEventKey = errors.New("boxrelay item event key is empty")
	// ErrRetryStrategyFailure wraps an unusable retry strategy response.
	ErrRetryStrategyFailure = errors.New("boxrelay retry strategy failure")
	// ErrUnknownRetryStrategy is returned when a configured strategy name is not registered.
	ErrUnknownRetryStrategy = errors.New("boxrelay unknown retry strategy")
	// ErrMissingTransports signals that no transport is configured for an item.
	ErrMissingTransports = errors.New("boxrelay no transports configured")
	// ErrTransportRejected is returned when a transport reports failure without an error.
	ErrTransportRejected = errors.New("boxrelay transport rejected item")
	// ErrRetriesExceeded is recorded when an item is failed from the cached error count.
	ErrRetriesExceeded = errors.New("boxrelay retries exceeded")
	// ErrInvalidBoxConfig indicates a box configuration that cannot be used.
	ErrInvalidBoxConfig = errors.New("boxrelay invalid box config")
	// ErrInvalidBucketSize indicates a non-positive bucket size.
	ErrInvalidBucketSize = errors.New("boxrelay bucket size must be positive")
	// ErrInvalidPartitionSize indicates a partition size outside [1, bucket size].
	ErrInvalidPartitionSize = errors.New("boxrelay partition size must be within [1, bucket size]")
	// ErrInvalidJob indicates a malformed job descriptor.
	ErrInvalidJob = errors.New("boxrelay invalid job descriptor")
	// ErrInvalidMeta indicates a malformed cached item meta value.
	ErrInvalidMeta = errors.New("boxrelay invalid item meta")
	// ErrInvalidEntry indicates an entry that cannot be enqueued.
	ErrInvalidEntry = errors.New("boxrelay invalid entry")
)

// FailureKind classifies why an attempt did not deliver an item.
type FailureKind string

const (
	// Failure kinds recorded on attempt results and log lines.
	FailureNone              FailureKind = ""
	FailureNotFound          FailureKind = "not_found"
	FailureAlreadyProcessed  FailureKind = "already_processed"
	FailureMissingEventKey   FailureKind = "missing_event_key"
	FailureEmptyEventKey     FailureKind = "empty_event_key"
	FailureRetryStrategy     FailureKind = "retry_strategy_failure"
	FailureMissingTransports FailureKind = "missing_transports"
	FailurePayload           FailureKind = "payload_failure"
	FailureTransport         FailureKind = "transport_failure"
	FailureRetriesExceeded   FailureKind = "retries_exceeded"
	FailurePersist           FailureKind = "persist_failure"
	FailureFetch             FailureKind = "fetch_failure"
)

// Benign reports whether the failure is an expected race rather than an error.
func (k FailureKind) Benign() bool {
	return k == FailureNone || k == FailureAlreadyProcessed
}

// classifyStrategyError maps a retry strategy error to its failure kind.
func classifyStrategyError(err error) FailureKind {
	switch {
	case errors.Is(err, ErrMissingEventKey):
		return FailureMissingEventKey
	case errors.Is(err, ErrEmptyEventKey):
		return FailureEmptyEventKey
	default:
		return FailureRetryStrategy
	}
}
