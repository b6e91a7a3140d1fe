package rabbitmq

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/velmie/boxrelay"
)

const (
	// RoutingKeyOption overrides the routing key of one item through its options.
	RoutingKeyOption = "routing_key"

	defaultContentType = "application/json"

	headerBox       = "x-boxrelay-box"
	headerEventKey  = "x-boxrelay-event-key"
	headerAttempt   = "x-boxrelay-attempt"
	headerRetryFlag = "x-boxrelay-retry"
)

// ChannelSource lends a channel for one publish; *Connection implements it.
type ChannelSource interface {
	WithChannel(ctx context.Context, fn func(ch Channel) error) error
}

// TransportConfig defines where items are published.
type TransportConfig struct {
	// Box is stamped into a header so consumers can tell outboxes apart.
	Box      string
	Exchange string
	// RoutingKey is used when the item carries no routing_key option. Empty falls back to
	// the item event name.
	RoutingKey  string
	ContentType string
	// Mandatory asks the broker to return unroutable messages.
	Mandatory bool
	// Transient disables persistent delivery mode.
	Transient bool
}

// Transport is a boxrelay.Transport publishing to RabbitMQ.
type Transport struct {
	channels ChannelSource
	cfg      TransportConfig
}

var _ boxrelay.Transport = (*Transport)(nil)

// NewTransport creates an AMQP transport.
func NewTransport(channels ChannelSource, cfg TransportConfig) (*Transport, error) {
	if channels == nil {
		return nil, ErrChannelsRequired
	}
	if cfg.ContentType == "" {
		cfg.ContentType = defaultContentType
	}

	return &Transport{channels: channels, cfg: cfg}, nil
}

// Deliver implements boxrelay.Transport. A broker nack rejects the item without an error.
func (t *Transport) Deliver(ctx context.Context, item *boxrelay.Item, payload []byte) (bool, error) {
	key := t.routingKey(item)
	if t.cfg.Exchange == "" && key == "" {
		return false, ErrExchangeRequired
	}

	msg := t.publishing(item, payload)
	var confirm *amqp.DeferredConfirmation
	err := t.channels.WithChannel(ctx, func(ch Channel) error {
		var err error
		confirm, err = ch.PublishWithDeferredConfirmWithContext(ctx, t.cfg.Exchange, key, t.cfg.Mandatory, false, msg)

		return err
	})
	if err != nil {
		return false, fmt.Errorf("publish to %s/%s: %w", t.cfg.Exchange, key, err)
	}
	if confirm == nil {
		return true, nil
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return false, fmt.Errorf("confirm %s/%s: %w", t.cfg.Exchange, key, err)
	}

	return acked, nil
}

func (t *Transport) routingKey(item *boxrelay.Item) string {
	if key, ok := item.Options[RoutingKeyOption].(string); ok && key != "" {
		return key
	}
	if t.cfg.RoutingKey != "" {
		return t.cfg.RoutingKey
	}

	return item.EventName
}

func (t *Transport) publishing(item *boxrelay.Item, payload []byte) amqp.Publishing {
	headers := amqp.Table{
		headerAttempt:   int32(item.ErrorsCount + 1),
		headerRetryFlag: item.Retry(),
	}
	if t.cfg.Box != "" {
		headers[headerBox] = t.cfg.Box
	}
	if item.EventKey != nil {
		headers[headerEventKey] = *item.EventKey
	}
	for k, v := range item.Headers() {
		headers[k] = v
	}

	mode := amqp.Persistent
	if t.cfg.Transient {
		mode = amqp.Transient
	}

	return amqp.Publishing{
		Headers:      headers,
		ContentType:  t.cfg.ContentType,
		DeliveryMode: mode,
		MessageId:    item.UUID.String(),
		Timestamp:    item.CreatedAt,
		Type:         item.EventName,
		Body:         payload,
	}
}

// DeclareExchange declares a durable exchange of kind on the current channel.
func DeclareExchange(ctx context.Context, channels ChannelSource, name, kind string) error {
	return channels.WithChannel(ctx, func(ch Channel) error {
		if err := ch.ExchangeDeclare(name, kind, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare exchange %s: %w", name, err)
		}

		return nil
	})
}
