package boxrelay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestBucketForRangeAndDeterminism(t *testing.T) {
	for _, strategy := range []PartitionStrategy{PartitionHash, PartitionNumber} {
		for _, size := range []int{1, 3, 16, 1000} {
			for i := 0; i < 200; i++ {
				key := fmt.Sprintf("key-%d", i*7919)
				first, err := BucketFor(key, size, strategy)
				if err != nil {
					t.Fatalf("%s/%d: %v", strategy, size, err)
				}
				if first < 0 || first >= size {
					t.Fatalf("%s/%d: bucket %d out of range for %q", strategy, size, first, key)
				}
				second, _ := BucketFor(key, size, strategy)
				if first != second {
					t.Fatalf("%s/%d: %q mapped to %d then %d", strategy, size, key, first, second)
				}
			}
		}
	}
}

func TestBucketForNumber(t *testing.T) {
	cases := []struct {
		key  string
		size int
		want int
	}{
		{key: "10", size: 16, want: 10},
		{key: "42", size: 16, want: 10},
		{key: "user-1234", size: 100, want: 34},
		{key: "no digits", size: 16, want: 0},
		{key: strings.Repeat("9", 40), size: 7, want: 3},
	}

	for _, tc := range cases {
		got, err := BucketFor(tc.key, tc.size, PartitionNumber)
		if err != nil {
			t.Fatalf("bucket for %q: %v", tc.key, err)
		}
		if got != tc.want {
			t.Fatalf("bucket for %q mod %d: expected %d, got %d", tc.key, tc.size, tc.want, got)
		}
	}
}

func TestBucketForInvalidInput(t *testing.T) {
	if _, err := BucketFor("k", 0, PartitionHash); !errors.Is(err, ErrInvalidBucketSize) {
		t.Fatalf("expected invalid bucket size, got %v", err)
	}
	if _, err := BucketFor("k", 4, "crc"); !errors.Is(err, ErrInvalidBoxConfig) {
		t.Fatalf("expected invalid config, got %v", err)
	}
}

func TestCalcBucketPartitionsCoversEveryBucketOnce(t *testing.T) {
	for bucketSize := 1; bucketSize <= 20; bucketSize++ {
		for partitionSize := 1; partitionSize <= bucketSize; partitionSize++ {
			partitions, err := CalcBucketPartitions(bucketSize, partitionSize)
			if err != nil {
				t.Fatalf("calc %d/%d: %v", bucketSize, partitionSize, err)
			}
			if len(partitions) != partitionSize {
				t.Fatalf("calc %d/%d: expected %d partitions, got %d", bucketSize, partitionSize, partitionSize, len(partitions))
			}

			seen := make(map[int]int)
			for p, buckets := range partitions {
				for _, b := range buckets {
					if b%partitionSize != p {
						t.Fatalf("bucket %d placed in partition %d", b, p)
					}
					seen[b]++
				}
			}
			for b := 0; b < bucketSize; b++ {
				if seen[b] != 1 {
					t.Fatalf("calc %d/%d: bucket %d seen %d times", bucketSize, partitionSize, b, seen[b])
				}
			}
			if len(seen) != bucketSize {
				t.Fatalf("calc %d/%d: unexpected buckets %v", bucketSize, partitionSize, seen)
			}
		}
	}
}

func TestCalcBucketPartitionsRejectsBadSizes(t *testing.T) {
	if _, err := CalcBucketPartitions(0, 1); !errors.Is(err, ErrInvalidBucketSize) {
		t.Fatalf("expected invalid bucket size, got %v", err)
	}
	if _, err := CalcBucketPartitions(4, 5); !errors.Is(err, ErrInvalidPartitionSize) {
		t.Fatalf("expected invalid partition size, got %v", err)
	}
	if _, err := CalcBucketPartitions(4, 0); !errors.Is(err, ErrInvalidPartitionSize) {
		t.Fatalf("expected invalid partition size, got %v", err)
	}
}

func TestBoxPartitionLookups(t *testing.T) {
	box := MustNewBox(BoxConfig{Name: "orders", BucketSize: 6, PartitionSize: 4})

	if got := box.Partitions(); fmt.Sprint(got) != "[0 1 2 3]" {
		t.Fatalf("unexpected partitions %v", got)
	}
	if got := box.PartitionBuckets(1); fmt.Sprint(got) != "[1 5]" {
		t.Fatalf("unexpected buckets of partition 1: %v", got)
	}
	if got := box.PartitionOf(5); got != 1 {
		t.Fatalf("expected bucket 5 in partition 1, got %d", got)
	}
	if got := box.PartitionOf(6); got != -1 {
		t.Fatalf("expected unknown bucket to map to -1, got %d", got)
	}
	if got := box.BucketPartitions(); len(got) != 6 || got[4] != 0 {
		t.Fatalf("unexpected bucket partitions %v", got)
	}
}

func TestNewBoxValidation(t *testing.T) {
	cases := []struct {
		name string
		cfg  BoxConfig
		want error
	}{
		{name: "missing name", cfg: BoxConfig{}, want: ErrInvalidBoxConfig},
		{name: "bad kind", cfg: BoxConfig{Name: "x", Kind: "sidebox"}, want: ErrInvalidBoxConfig},
		{name: "partition above buckets", cfg: BoxConfig{Name: "x", BucketSize: 2, PartitionSize: 3}, want: ErrInvalidPartitionSize},
		{name: "unknown strategy", cfg: BoxConfig{Name: "x", RetryStrategies: []StrategySpec{{Name: "linear"}}}, want: ErrUnknownRetryStrategy},
		{name: "unknown partition strategy", cfg: BoxConfig{Name: "x", PartitionStrategy: "crc"}, want: ErrInvalidBoxConfig},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewBox(tc.cfg); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestBoxDefaults(t *testing.T) {
	box := MustNewBox(BoxConfig{Name: "orders"})
	cfg := box.Config()

	if cfg.Table != "orders" || cfg.Kind != KindOutbox || cfg.BucketSize != 16 || cfg.PartitionSize != 1 {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.Retention != 7*24*time.Hour {
		t.Fatalf("unexpected retention %s", cfg.Retention)
	}
	if len(box.RetryStrategies()) != 1 || box.RetryStrategies()[0].Name() != StrategyExponentialBackoff {
		t.Fatalf("expected exponential backoff by default")
	}
}

func TestBoxRetriesExhausted(t *testing.T) {
	box := MustNewBox(BoxConfig{Name: "orders", MaxRetries: 1})
	if box.RetriesExhausted(1) {
		t.Fatalf("one error must leave one retry")
	}
	if !box.RetriesExhausted(2) {
		t.Fatalf("two errors must exhaust one retry")
	}

	strict := MustNewBox(BoxConfig{Name: "ledger", StrictOrder: true})
	if strict.RetriesExhausted(100) {
		t.Fatalf("strict order boxes are never failed by count")
	}
}

func TestBoxTransportsFallback(t *testing.T) {
	named := TransportFunc(func(_ context.Context, _ *Item, _ []byte) (bool, error) { return true, nil })
	catchAll := TransportFunc(func(_ context.Context, _ *Item, _ []byte) (bool, error) { return true, nil })
	box := MustNewBox(BoxConfig{Name: "orders"}, WithTransports("created", named), WithTransports(CatchAll, catchAll))

	if got := box.TransportsFor("created"); len(got) != 1 {
		t.Fatalf("expected named transport, got %d", len(got))
	}
	if got := box.TransportsFor("deleted"); len(got) != 1 {
		t.Fatalf("expected catch-all transport, got %d", len(got))
	}
	if got := MustNewBox(BoxConfig{Name: "empty"}).TransportsFor("x"); len(got) != 0 {
		t.Fatalf("expected no transports, got %d", len(got))
	}
}

func TestBoxMergeOptions(t *testing.T) {
	box := MustNewBox(BoxConfig{Name: "orders", DefaultOptions: map[string]any{"a": 1, "b": 2}})
	got := box.MergeOptions(map[string]any{"b": 3})

	if got["a"] != 1 || got["b"] != 3 {
		t.Fatalf("unexpected merge %v", got)
	}
	if box.Config().DefaultOptions["b"] != 2 {
		t.Fatalf("defaults must not be mutated")
	}
}
