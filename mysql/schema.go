package mysql

import "fmt"

const schemaTemplate = `CREATE TABLE IF NOT EXISTS %s (
	id BIGINT NOT NULL AUTO_INCREMENT,
	uuid BINARY(16) NOT NULL,
	event_key VARCHAR(255) NULL,
	event_name VARCHAR(255) NOT NULL DEFAULT '',
	bucket INT NOT NULL,
	status SMALLINT NOT NULL DEFAULT 0,
	errors_count INT NOT NULL DEFAULT 0,
	error_log TEXT NULL,
	processed_at DATETIME(6) NULL,
	payload %s NOT NULL,
	options JSON NULL,
	created_at DATETIME(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
	updated_at DATETIME(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
	PRIMARY KEY (id),
	UNIQUE KEY %s (uuid),
	INDEX %s (status, bucket, id),
	INDEX %s (event_key, status, id)
);`

const (
	payloadBinary = "LONGBLOB"
	payloadJSON   = "JSON"
)

// Schema returns the DDL of a box table with a raw byte payload.
func Schema(table string) (string, error) {
	return buildSchema(table, payloadBinary)
}

// SchemaJSON returns the DDL of a box table whose payload column is validated JSON.
func SchemaJSON(table string) (string, error) {
	return buildSchema(table, payloadJSON)
}

func buildSchema(table, payloadType string) (string, error) {
	name, err := quoteTable(table)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf(schemaTemplate, name, payloadType,
		"ux_uuid", "idx_status_bucket_id", "idx_event_key_status_id"), nil
}
