package boxrelay

import (
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	maxErrorLogLen = 4096
	headersOption  = "headers"
)

// Item is an outbox or inbox row.
type Item struct {
	ID   int64
	UUID uuid.UUID
	// EventKey groups events for ordering and compaction. Nil means the key is absent.
	EventKey *string
	// EventName selects transports; empty routes to the catch-all transports.
	EventName   string
	Bucket      int
	Status      Status
	ErrorsCount int
	ErrorLog    string
	// ProcessedAt is set on the first attempt, successful or not.
	ProcessedAt *time.Time
	Payload     []byte
	// Options carries free-form settings merged from box defaults and entry extras.
	Options   map[string]any
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ItemRef is the compact projection the poller scans.
type ItemRef struct {
	ID     int64
	Bucket int
	// Retryable is true when the row was attempted at least once.
	Retryable bool
}

// Key returns a pointer to key, for building items and entries with an event key.
func Key(key string) *string {
	return &key
}

// Retry reports whether this attempt follows an earlier one.
func (it *Item) Retry() bool {
	return it.ProcessedAt != nil
}

// Headers returns string transport headers stored under options["headers"].
func (it *Item) Headers() map[string]string {
	raw, ok := it.Options[headersOption]
	if !ok {
		return nil
	}

	out := make(map[string]string)
	switch h := raw.(type) {
	case map[string]string:
		for k, v := range h {
			out[k] = v
		}
	case map[string]any:
		for k, v := range h {
			out[k] = fmt.Sprint(v)
		}
	}

	return out
}

func (it *Item) markDelivered(now time.Time) {
	it.ProcessedAt = &now
	it.Status = StatusDelivered
}

func (it *Item) markDiscarded(now time.Time) {
	if it.ProcessedAt == nil {
		it.ProcessedAt = &now
	}
	it.Status = StatusDiscarded
}

// recordFailure stamps the attempt, counts the error and appends it to the error log.
func (it *Item) recordFailure(now time.Time, kind FailureKind, err error) {
	it.ProcessedAt = &now
	it.ErrorsCount++
	it.appendError(now, kind, err)
}

func (it *Item) appendError(now time.Time, kind FailureKind, err error) {
	line := fmt.Sprintf("[%s] %s: %s", now.UTC().Format(time.RFC3339), kind, FormatError(err, defaultErrorDepth))
	if it.ErrorLog != "" {
		line = it.ErrorLog + "\n" + line
	}
	it.ErrorLog = tail(line, maxErrorLogLen)
}

// tail keeps the last n runes of s so the newest errors survive.
func tail(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)

	return string(runes[len(runes)-n:])
}

// truncate keeps the first n runes of s.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}

	return string([]rune(s)[:n])
}

// Entry describes a new item to be persisted.
type Entry struct {
	// UUID is optional, if zero the store assigns a UUID v7.
	UUID      uuid.UUID
	EventKey  *string
	EventName string
	Payload   []byte
	// Options are merged over the box defaults.
	Options map[string]any
}

// Validate checks required fields.
func (e Entry) Validate() error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%w: payload is required", ErrInvalidEntry)
	}

	return nil
}
