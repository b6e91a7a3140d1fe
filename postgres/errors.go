package postgres

import "errors"

var (
	// ErrPoolRequired is returned when a nil pool is provided.
	ErrPoolRequired = errors.New("boxrelay postgres: pool is required")
	// ErrQuerierRequired is returned when enqueue is called with a nil querier.
	ErrQuerierRequired = errors.New("boxrelay postgres: querier is required")
	// ErrTableNameRequired is returned when the table name is empty.
	ErrTableNameRequired = errors.New("boxrelay postgres: table name is required")
	// ErrInvalidTableName is returned when the table name has disallowed characters.
	ErrInvalidTableName = errors.New("boxrelay postgres: invalid table name")
	// ErrCleanupBeforeRequired is returned when cleanup cutoff is missing.
	ErrCleanupBeforeRequired = errors.New("boxrelay postgres: cleanup before time is required")
	// ErrCleanupLimitInvalid is returned when cleanup limit is negative.
	ErrCleanupLimitInvalid = errors.New("boxrelay postgres: cleanup limit must be non-negative")
	// ErrBoxesRequired is returned when a cleanup maintainer has no boxes.
	ErrBoxesRequired = errors.New("boxrelay postgres: at least one box is required")
)
