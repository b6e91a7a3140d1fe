package postgres

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/velmie/boxrelay"
)

const (
	itemColumns = "id, uuid, event_key, event_name, bucket, status, errors_count, error_log, " +
		"processed_at, payload, options, created_at, updated_at"
	insertColumns = 9
)

type queries struct {
	table                string
	lockItem             string
	saveItem             string
	newerDelivered       string
	newerDeliveredByName string
	scanPending          string
	cleanupByStatus      string
}

func newQueries(table string) queries {
	return queries{
		table:    table,
		lockItem: fmt.Sprintf("SELECT %s FROM %s WHERE id = $1 FOR UPDATE", itemColumns, table),
		saveItem: fmt.Sprintf(
			"UPDATE %s SET status = $1, errors_count = $2, error_log = $3, processed_at = $4, updated_at = $5 "+
				"WHERE id = $6 AND status = $7",
			table,
		),
		// Status literals match the partial index predicates of Schema.
		newerDelivered: fmt.Sprintf(
			"SELECT EXISTS (SELECT 1 FROM %s WHERE event_key = $1 AND id > $2 AND status = %d)",
			table,
			boxrelay.StatusDelivered,
		),
		newerDeliveredByName: fmt.Sprintf(
			"SELECT EXISTS (SELECT 1 FROM %s WHERE event_key = $1 AND event_name = $2 AND id > $3 AND status = %d)",
			table,
			boxrelay.StatusDelivered,
		),
		scanPending: fmt.Sprintf(
			"SELECT id, bucket, processed_at IS NOT NULL FROM %s "+
				"WHERE status = %d AND id > $1 AND bucket = ANY($2::int[]) ORDER BY id ASC LIMIT $3",
			table,
			boxrelay.StatusPending,
		),
		cleanupByStatus: fmt.Sprintf(
			"DELETE FROM %s WHERE id IN (SELECT id FROM %s WHERE status = $1 AND updated_at <= $2 ORDER BY id LIMIT $3)",
			table,
			table,
		),
	}
}

// insert builds a multi-row insert for rows entries.
func (q queries) insert(rows int) string {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(q.table)
	b.WriteString(" (uuid, event_key, event_name, bucket, status, payload, options, created_at, updated_at) VALUES ")
	for r := 0; r < rows; r++ {
		if r > 0 {
			b.WriteByte(',')
		}
		b.WriteByte('(')
		for c := 1; c <= insertColumns; c++ {
			if c > 1 {
				b.WriteByte(',')
			}
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(r*insertColumns + c))
		}
		b.WriteByte(')')
	}
	b.WriteString(" RETURNING id, uuid, bucket")

	return b.String()
}
