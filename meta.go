package boxrelay

import (
	"context"
	"time"
)

const (
	// ItemMetaVersion is the current cached meta layout.
	ItemMetaVersion = 1
	// MaxMetaErrorLen bounds the cached error message.
	MaxMetaErrorLen = 1024
)

// ItemMeta is the cached error state of an item shared between worker processes.
type ItemMeta struct {
	Version     int    `json:"version"`
	Timestamp   int64  `json:"timestamp"`
	ErrorsCount int    `json:"errors_count"`
	ErrorMsg    string `json:"error_msg"`
}

// NewItemMeta builds a meta value with a truncated error message.
func NewItemMeta(now time.Time, errorsCount int, err error) ItemMeta {
	msg := ""
	if err != nil {
		msg = truncate(err.Error(), MaxMetaErrorLen)
	}

	return ItemMeta{
		Version:     ItemMetaVersion,
		Timestamp:   now.Unix(),
		ErrorsCount: errorsCount,
		ErrorMsg:    msg,
	}
}

// MetaCache stores ItemMeta keyed by box and item id with a bounded lifetime.
type MetaCache interface {
	// GetMeta returns the cached meta and whether it exists.
	GetMeta(ctx context.Context, box string, id int64) (ItemMeta, bool, error)
	// SetMeta stores meta for ttl.
	SetMeta(ctx context.Context, box string, id int64, meta ItemMeta, ttl time.Duration) error
}
