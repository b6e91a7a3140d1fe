// Package postgres stores boxrelay items in PostgreSQL, one table per box, through a
// pgx connection pool.
//
// Item processing locks one row with SELECT ... FOR UPDATE under READ COMMITTED and wraps
// every transport call in a savepoint (a nested pgx transaction). Saves are conditional on
// status = pending so a terminal row is never rewritten. Retention cleanup is serialized
// across processes with a session advisory lock.
package postgres
