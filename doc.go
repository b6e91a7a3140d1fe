// Package boxrelay provides a partitioned transactional outbox/inbox delivery engine.
//
// Typical flow:
//  1. Within a business transaction, stage items with a storage-specific Enqueue; each item
//     gets a bucket derived from its event key.
//  2. Run a relay.Worker: its Poller scans pending rows per partition and pushes compact job
//     descriptors to a per-box queue, its Processor pops them, takes a bucket lock and runs
//     the ItemProcessor for every id.
//  3. The ItemProcessor locks the row, consults retry strategies, invokes transports and
//     marks the row delivered, failed or discarded.
//
// Ordering is guaranteed within a bucket only. Delivery is at-least-once.
//
// For storage backends see the postgres and mysql packages, for the key-value side see redis.
package boxrelay
