package rabbitmq

import "errors"

var (
	// ErrNoChannel is returned while the connection has no open channel.
	ErrNoChannel = errors.New("boxrelay rabbitmq: no channel available")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("boxrelay rabbitmq: connection closed")
	// ErrChannelsRequired is returned when a transport has no channel source.
	ErrChannelsRequired = errors.New("boxrelay rabbitmq: channel source is required")
	// ErrExchangeRequired is returned when neither an exchange nor a routing key is set.
	ErrExchangeRequired = errors.New("boxrelay rabbitmq: exchange or routing key is required")
)
