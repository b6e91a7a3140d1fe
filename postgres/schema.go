package postgres

import (
	"fmt"
	"strings"
)

const schemaTemplate = `CREATE TABLE IF NOT EXISTS %[1]s (
	id BIGSERIAL PRIMARY KEY,
	uuid UUID NOT NULL UNIQUE,
	event_key TEXT NULL,
	event_name TEXT NOT NULL DEFAULT '',
	bucket INTEGER NOT NULL,
	status SMALLINT NOT NULL DEFAULT 0,
	errors_count INTEGER NOT NULL DEFAULT 0,
	error_log TEXT NOT NULL DEFAULT '',
	processed_at TIMESTAMPTZ NULL,
	payload BYTEA NOT NULL,
	options JSONB NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS %[2]s ON %[1]s (bucket, id) WHERE status = 0;
CREATE INDEX IF NOT EXISTS %[3]s ON %[1]s (event_key, id) WHERE status = 2;
CREATE INDEX IF NOT EXISTS %[4]s ON %[1]s (status, updated_at);`

// Schema returns the DDL of a box table: the table and its pending-scan, compaction and
// retention indexes.
func Schema(table string) (string, error) {
	name, err := quoteTable(table)
	if err != nil {
		return "", err
	}
	base := indexBase(table)

	return fmt.Sprintf(schemaTemplate, name,
		`"`+base+`_pending_idx"`, `"`+base+`_delivered_key_idx"`, `"`+base+`_status_updated_idx"`), nil
}

func indexBase(table string) string {
	table = strings.ToLower(table)
	if i := strings.LastIndexByte(table, '.'); i >= 0 {
		return table[i+1:]
	}

	return table
}
