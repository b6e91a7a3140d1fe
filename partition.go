package boxrelay

import (
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"
)

// PartitionStrategy maps an event key to a bucket.
//
// Changing a box's bucket size re-maps existing keys: rows already stored keep their old
// bucket, so resizing requires draining the box first.
type PartitionStrategy string

const (
	// PartitionHash spreads arbitrary keys uniformly with a stable 64-bit digest.
	PartitionHash PartitionStrategy = "hash"
	// PartitionNumber uses the decimal digits of the key, keeping sequential keys close.
	PartitionNumber PartitionStrategy = "number"
)

// ParsePartitionStrategy resolves a configured strategy name; empty means hash.
func ParsePartitionStrategy(name string) (PartitionStrategy, error) {
	switch PartitionStrategy(name) {
	case "", PartitionHash:
		return PartitionHash, nil
	case PartitionNumber:
		return PartitionNumber, nil
	default:
		return "", fmt.Errorf("%w: unknown partition strategy %q", ErrInvalidBoxConfig, name)
	}
}

// BucketFor returns the bucket in [0, bucketSize) for key.
func BucketFor(key string, bucketSize int, strategy PartitionStrategy) (int, error) {
	if bucketSize <= 0 {
		return 0, ErrInvalidBucketSize
	}

	switch strategy {
	case PartitionNumber:
		return numberBucket(key, bucketSize), nil
	case PartitionHash, "":
		return int(xxhash.Sum64String(key) % uint64(bucketSize)), nil
	default:
		return 0, fmt.Errorf("%w: unknown partition strategy %q", ErrInvalidBoxConfig, strategy)
	}
}

// numberBucket reduces the digits of key modulo size without materializing the number,
// so keys longer than an int64 still map deterministically.
func numberBucket(key string, size int) int {
	rem := 0
	for i := 0; i < len(key); i++ {
		c := key[i]
		if c < '0' || c > '9' {
			continue
		}
		rem = (rem*10 + int(c-'0')) % size
	}

	return rem
}

// CalcBucketPartitions assigns every bucket in [0, bucketSize) to partition bucket%partitionSize.
// Buckets inside a partition are ascending.
func CalcBucketPartitions(bucketSize, partitionSize int) (map[int][]int, error) {
	if bucketSize <= 0 {
		return nil, ErrInvalidBucketSize
	}
	if partitionSize <= 0 || partitionSize > bucketSize {
		return nil, ErrInvalidPartitionSize
	}

	out := make(map[int][]int, partitionSize)
	for bucket := 0; bucket < bucketSize; bucket++ {
		p := bucket % partitionSize
		out[p] = append(out[p], bucket)
	}

	return out, nil
}

// invertPartitions builds the bucket -> partition lookup.
func invertPartitions(partitions map[int][]int) map[int]int {
	out := make(map[int]int)
	for p, buckets := range partitions {
		for _, b := range buckets {
			out[b] = p
		}
	}

	return out
}

func sortedKeys(m map[int][]int) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)

	return keys
}
