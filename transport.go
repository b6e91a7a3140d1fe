package boxrelay

import "context"

// CatchAll is the transports key used when no transport matches an item's event name.
const CatchAll = "*"

// Transport delivers one item. Returning (false, nil) rejects the item without an error.
type Transport interface {
	// Deliver sends payload for item and reports whether it was accepted.
	Deliver(ctx context.Context, item *Item, payload []byte) (bool, error)
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, item *Item, payload []byte) (bool, error)

// Deliver implements Transport.
func (fn TransportFunc) Deliver(ctx context.Context, item *Item, payload []byte) (bool, error) {
	return fn(ctx, item, payload)
}

// PayloadBuilder produces the outbound payload for an item.
type PayloadBuilder interface {
	// Build returns the payload to hand to transports.
	Build(ctx context.Context, item *Item) ([]byte, error)
}

// PayloadBuilderFunc adapts a function to PayloadBuilder.
type PayloadBuilderFunc func(ctx context.Context, item *Item) ([]byte, error)

// Build implements PayloadBuilder.
func (fn PayloadBuilderFunc) Build(ctx context.Context, item *Item) ([]byte, error) {
	return fn(ctx, item)
}

// RawPayload hands the stored payload to transports unchanged.
type RawPayload struct{}

// Build implements PayloadBuilder.
func (RawPayload) Build(_ context.Context, item *Item) ([]byte, error) {
	return item.Payload, nil
}
