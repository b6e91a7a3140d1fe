package rabbitmq

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/velmie/boxrelay"
)

const (
	minReconnectDelay = time.Second
	maxReconnectDelay = 30 * time.Second
)

// Channel is the publishing side of an AMQP channel; *amqp.Channel implements it.
type Channel interface {
	PublishWithDeferredConfirmWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) (*amqp.DeferredConfirmation, error)
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
}

// ConnectionConfig tunes Connection.
type ConnectionConfig struct {
	URL string
	// Confirm puts the channel in publisher confirm mode.
	Confirm bool
	Logger  boxrelay.Logger
}

// Connection is an AMQP connection with one channel and automatic reconnect.
type Connection struct {
	cfg ConnectionConfig

	mu      sync.RWMutex
	conn    *amqp.Connection
	channel *amqp.Channel

	closed   bool
	closedCh chan struct{}
}

// Dial connects to the broker and starts watching the connection.
func Dial(cfg ConnectionConfig) (*Connection, error) {
	if cfg.Logger == nil {
		cfg.Logger = boxrelay.NopLogger{}
	}
	c := &Connection{cfg: cfg, closedCh: make(chan struct{})}
	if err := c.connect(); err != nil {
		return nil, err
	}

	go c.watch()

	return c, nil
}

func (c *Connection) connect() error {
	conn, err := amqp.Dial(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}
	if c.cfg.Confirm {
		if err := ch.Confirm(false); err != nil {
			_ = conn.Close()
			return fmt.Errorf("confirm mode: %w", err)
		}
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	c.conn = conn
	c.channel = ch
	c.mu.Unlock()

	c.cfg.Logger.Info("boxrelay rabbitmq connected")

	return nil
}

func (c *Connection) watch() {
	for {
		c.mu.RLock()
		if c.closed {
			c.mu.RUnlock()
			return
		}
		conn := c.conn
		c.mu.RUnlock()

		notifyClose := conn.NotifyClose(make(chan *amqp.Error, 1))
		select {
		case <-c.closedCh:
			return
		case err := <-notifyClose:
			if err != nil {
				c.cfg.Logger.Warn("boxrelay rabbitmq connection lost", "err", err)
			}
			c.mu.Lock()
			c.channel = nil
			c.mu.Unlock()
			if !c.reconnect() {
				return
			}
		}
	}
}

// reconnect dials until it succeeds or the connection is closed.
func (c *Connection) reconnect() bool {
	delay := minReconnectDelay
	for {
		select {
		case <-c.closedCh:
			return false
		case <-time.After(delay):
		}

		if err := c.connect(); err != nil {
			c.cfg.Logger.Warn("boxrelay rabbitmq reconnect failed", "err", err, "delay", delay)
			delay = min(delay*2, maxReconnectDelay)
			continue
		}

		return true
	}
}

// WithChannel runs fn with the current channel.
func (c *Connection) WithChannel(_ context.Context, fn func(ch Channel) error) error {
	c.mu.RLock()
	closed, ch := c.closed, c.channel
	c.mu.RUnlock()

	if closed {
		return ErrClosed
	}
	if ch == nil {
		return ErrNoChannel
	}

	return fn(ch)
}

// Connected reports whether the underlying connection is open.
func (c *Connection) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.conn != nil && !c.conn.IsClosed() && c.channel != nil
}

// Close closes the channel and the connection.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	close(c.closedCh)

	var errs []error
	if c.channel != nil {
		if err := c.channel.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close channel: %w", err))
		}
	}
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close connection: %w", err))
		}
	}
	if len(errs) > 0 {
		return errs[0]
	}

	return nil
}
