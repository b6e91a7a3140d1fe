// Package mysql stores boxrelay items in MySQL 8.0+, one table per box.
//
// Item processing uses:
//   - READ COMMITTED isolation (to avoid gap locks)
//   - SELECT ... FOR UPDATE on the primary key for the item row lock
//   - UPDATE ... WHERE status = pending so an item never leaves a terminal state
//   - SAVEPOINT per transport call
//
// The poller scan reads (id, bucket, processed_at) over the (status, bucket, id) index
// without locking. See Schema for the table layout and CleanupMaintainer for retention.
package mysql
