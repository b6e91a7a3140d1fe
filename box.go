package boxrelay

import (
	"fmt"
	"maps"
	"time"
)

// Kind tells outbox boxes from inbox boxes.
type Kind string

const (
	KindOutbox Kind = "outbox"
	KindInbox  Kind = "inbox"
)

const (
	defaultBucketSize    = 16
	defaultPartitionSize = 1
	defaultMaxRetries    = 0
	defaultRetention     = 7 * 24 * time.Hour
)

// BoxConfig is the static configuration of one item class.
type BoxConfig struct {
	// Name identifies the box in queues, locks, metrics and logs.
	Name string
	Kind Kind
	// Table defaults to Name.
	Table             string
	BucketSize        int
	PartitionSize     int
	PartitionStrategy PartitionStrategy
	// MaxRetries of zero disables retries.
	MaxRetries int
	Retention  time.Duration
	// RetryStrategies run in order on retries; empty means exponential_backoff with defaults.
	RetryStrategies []StrategySpec
	// StrictOrder halts a batch on the first undelivered item and never fails items by count.
	StrictOrder    bool
	DefaultOptions map[string]any
}

func (c BoxConfig) withDefaults() BoxConfig {
	if c.Kind == "" {
		c.Kind = KindOutbox
	}
	if c.Table == "" {
		c.Table = c.Name
	}
	if c.BucketSize == 0 {
		c.BucketSize = defaultBucketSize
	}
	if c.PartitionSize == 0 {
		c.PartitionSize = defaultPartitionSize
	}
	if c.PartitionStrategy == "" {
		c.PartitionStrategy = PartitionHash
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.Retention <= 0 {
		c.Retention = defaultRetention
	}
	if len(c.RetryStrategies) == 0 {
		c.RetryStrategies = []StrategySpec{{Name: StrategyExponentialBackoff}}
	}

	return c
}

// Box is a validated, immutable box configuration with its runtime collaborators.
type Box struct {
	cfg              BoxConfig
	strategies       []RetryStrategy
	partitions       map[int][]int
	bucketPartitions map[int]int
	transports       map[string][]Transport
	payload          PayloadBuilder
}

// BoxOption attaches runtime collaborators to a Box.
type BoxOption func(*Box)

// WithTransports registers transports for an event name, CatchAll for any event.
func WithTransports(eventName string, transports ...Transport) BoxOption {
	return func(b *Box) {
		b.transports[eventName] = append(b.transports[eventName], transports...)
	}
}

// WithPayloadBuilder overrides the default RawPayload builder.
func WithPayloadBuilder(builder PayloadBuilder) BoxOption {
	return func(b *Box) {
		b.payload = builder
	}
}

// NewBox validates cfg, resolves its retry strategies and computes its partition map.
func NewBox(cfg BoxConfig, opts ...BoxOption) (*Box, error) {
	cfg = cfg.withDefaults()
	if cfg.Name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidBoxConfig)
	}
	if cfg.Kind != KindOutbox && cfg.Kind != KindInbox {
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidBoxConfig, cfg.Kind)
	}
	if _, err := ParsePartitionStrategy(string(cfg.PartitionStrategy)); err != nil {
		return nil, err
	}

	partitions, err := CalcBucketPartitions(cfg.BucketSize, cfg.PartitionSize)
	if err != nil {
		return nil, fmt.Errorf("box %s: %w", cfg.Name, err)
	}
	strategies, err := ResolveRetryStrategies(cfg.RetryStrategies)
	if err != nil {
		return nil, fmt.Errorf("box %s: %w", cfg.Name, err)
	}

	b := &Box{
		cfg:              cfg,
		strategies:       strategies,
		partitions:       partitions,
		bucketPartitions: invertPartitions(partitions),
		transports:       make(map[string][]Transport),
		payload:          RawPayload{},
	}
	for _, opt := range opts {
		opt(b)
	}

	return b, nil
}

// MustNewBox constructs a Box or panics on error.
func MustNewBox(cfg BoxConfig, opts ...BoxOption) *Box {
	b, err := NewBox(cfg, opts...)
	if err != nil {
		panic(err)
	}

	return b
}

// Name returns the box name.
func (b *Box) Name() string { return b.cfg.Name }

// Kind returns the box kind.
func (b *Box) Kind() Kind { return b.cfg.Kind }

// Table returns the table holding the box items.
func (b *Box) Table() string { return b.cfg.Table }

// Config returns a copy of the box configuration with defaults applied.
func (b *Box) Config() BoxConfig { return b.cfg }

// StrictOrder reports whether batches halt on the first undelivered item.
func (b *Box) StrictOrder() bool { return b.cfg.StrictOrder }

// RetryStrategies returns the resolved strategies in evaluation order.
func (b *Box) RetryStrategies() []RetryStrategy { return b.strategies }

// PayloadBuilder returns the builder used for outbound payloads.
func (b *Box) PayloadBuilder() PayloadBuilder { return b.payload }

// RetriesExhausted reports whether an item with errorsCount errors must be failed.
// Strict-order boxes are never failed by count.
func (b *Box) RetriesExhausted(errorsCount int) bool {
	if b.cfg.StrictOrder {
		return false
	}

	return errorsCount > b.cfg.MaxRetries
}

// Partitions returns partition ids in ascending order.
func (b *Box) Partitions() []int {
	return sortedKeys(b.partitions)
}

// PartitionBuckets returns the buckets owned by partition p.
func (b *Box) PartitionBuckets(p int) []int {
	return append([]int(nil), b.partitions[p]...)
}

// BucketPartitions returns the bucket -> partition map.
func (b *Box) BucketPartitions() map[int]int {
	return maps.Clone(b.bucketPartitions)
}

// PartitionOf returns the partition owning bucket, -1 if the bucket is out of range.
func (b *Box) PartitionOf(bucket int) int {
	p, ok := b.bucketPartitions[bucket]
	if !ok {
		return -1
	}

	return p
}

// BucketFor returns the bucket of key under the box partition strategy.
func (b *Box) BucketFor(key string) (int, error) {
	return BucketFor(key, b.cfg.BucketSize, b.cfg.PartitionStrategy)
}

// BucketForEntry returns the bucket of e, falling back to its UUID when it has no event key.
func (b *Box) BucketForEntry(e Entry) (int, error) {
	if e.EventKey != nil {
		return b.BucketFor(*e.EventKey)
	}

	return BucketFor(e.UUID.String(), b.cfg.BucketSize, PartitionHash)
}

// MergeOptions overlays extras on the box default options.
func (b *Box) MergeOptions(extras map[string]any) map[string]any {
	out := maps.Clone(b.cfg.DefaultOptions)
	if out == nil {
		out = make(map[string]any, len(extras))
	}
	maps.Copy(out, extras)

	return out
}

// TransportsFor returns the transports for eventName, falling back to CatchAll.
func (b *Box) TransportsFor(eventName string) []Transport {
	if ts := b.transports[eventName]; len(ts) > 0 {
		return ts
	}

	return b.transports[CatchAll]
}

// Labels returns metric labels for a shard of this box.
func (b *Box) Labels(partition, bucket int) Labels {
	return Labels{Box: b.cfg.Name, Kind: b.cfg.Kind, Partition: partition, Bucket: bucket}
}
