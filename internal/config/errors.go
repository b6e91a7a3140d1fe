package config

import "errors"

var (
	// ErrInvalidConfig is returned for inconsistent process settings.
	ErrInvalidConfig = errors.New("invalid config")
	// ErrInvalidBoxes is returned for a malformed boxes file.
	ErrInvalidBoxes = errors.New("invalid boxes file")
)
