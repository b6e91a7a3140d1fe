package mysql

import (
	"fmt"
	"strings"
)

const itemColumns = "id, uuid, event_key, event_name, bucket, status, errors_count, error_log, " +
	"processed_at, payload, options, created_at, updated_at"

type queries struct {
	insert               string
	lockItem             string
	saveItem             string
	newerDelivered       string
	newerDeliveredByName string
	scanPendingPrefix    string
	cleanupByStatus      string
}

func newQueries(table string) queries {
	return queries{
		insert: fmt.Sprintf(
			"INSERT INTO %s (uuid, event_key, event_name, bucket, status, payload, options, created_at, updated_at) "+
				"VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)",
			table,
		),
		lockItem: fmt.Sprintf("SELECT %s FROM %s WHERE id = ? FOR UPDATE", itemColumns, table),
		saveItem: fmt.Sprintf(
			"UPDATE %s SET status = ?, errors_count = ?, error_log = ?, processed_at = ?, updated_at = ? "+
				"WHERE id = ? AND status = ?",
			table,
		),
		newerDelivered: fmt.Sprintf(
			"SELECT EXISTS (SELECT 1 FROM %s WHERE event_key = ? AND id > ? AND status = ?)",
			table,
		),
		newerDeliveredByName: fmt.Sprintf(
			"SELECT EXISTS (SELECT 1 FROM %s WHERE event_key = ? AND event_name = ? AND id > ? AND status = ?)",
			table,
		),
		scanPendingPrefix: fmt.Sprintf(
			"SELECT id, bucket, processed_at IS NOT NULL FROM %s WHERE status = ? AND id > ? AND bucket IN ",
			table,
		),
		cleanupByStatus: fmt.Sprintf(
			"DELETE FROM %s WHERE status = ? AND updated_at <= ? ORDER BY id LIMIT ?",
			table,
		),
	}
}

func (q queries) scanPending(buckets int) string {
	return q.scanPendingPrefix + "(" + makePlaceholders(buckets) + ") ORDER BY id ASC LIMIT ?"
}

func makePlaceholders(count int) string {
	if count <= 0 {
		return ""
	}

	return strings.TrimSuffix(strings.Repeat("?,", count), ",")
}
