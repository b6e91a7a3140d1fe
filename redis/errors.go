package redis

import "errors"

// ErrClientRequired is returned when a nil client is provided.
var ErrClientRequired = errors.New("boxrelay redis: client is required")
