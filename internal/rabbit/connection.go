// Package rabbit – connection lifecycle
//
// One Connector owns a single broker connection and a single confirm-capable
// channel shared by all consume and publish operations. Connection or
// channel loss is never surfaced to callers: it drives a single-flight
// reconnect loop with doubling delay, and consuming resumes once the broker
// is back.
package rabbit

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/eventres/go-rabbitmq-resilience/internal/config"
	"github.com/eventres/go-rabbitmq-resilience/internal/services"
)

// ErrNotConnected is returned by operations that need a live channel while
// the connector is between connections.
var ErrNotConnected = errors.New("rabbit: not connected")

// DispatchFunc receives every validated, accepted delivery. It runs in its
// own goroutine per message; the delivery is acknowledged after it returns.
type DispatchFunc func(ctx context.Context, ev *Envelope)

// ProcessResolver locates a single named process for an event type. Used by
// the administrative reprocess operation.
type ProcessResolver func(eventType, processName string) (func(ctx context.Context, ev *Envelope) error, bool)

// Connector owns the broker connection, channel, topology and consume loop.
type Connector struct {
	cfg    config.BrokerConfig
	ledger *services.LedgerService
	log    zerolog.Logger

	dispatch       DispatchFunc
	resolveProcess ProcessResolver

	host  string
	vhost string

	mu           sync.Mutex
	conn         *amqp.Connection
	ch           *amqp.Channel
	consuming    bool
	consumerTag  string
	reconnecting bool
	closed       bool
}

// NewConnector builds a connector for the given broker settings. Dispatch
// and process resolution are wired afterwards, before Consume is called.
func NewConnector(cfg config.BrokerConfig, ledger *services.LedgerService, log zerolog.Logger) *Connector {
	c := &Connector{cfg: cfg, ledger: ledger, log: log}
	if uri, err := amqp.ParseURI(cfg.URL); err == nil {
		c.host = uri.Host
		c.vhost = uri.Vhost
	}
	return c
}

// SetDispatch wires the per-message dispatch callback.
func (c *Connector) SetDispatch(fn DispatchFunc) { c.dispatch = fn }

// SetProcessResolver wires the lookup used by ReprocessInboxEvent.
func (c *Connector) SetProcessResolver(fn ProcessResolver) { c.resolveProcess = fn }

// Connect establishes the connection and the confirm channel. A failure does
// not surface to the caller; the reconnect loop takes over until the broker
// is reachable.
func (c *Connector) Connect() {
	if err := c.connect(); err != nil {
		c.log.Error().Err(err).Msg("broker connection failed")
		c.scheduleReconnect()
	}
}

// connect dials the broker, opens the channel in confirm mode and registers
// the close observers.
func (c *Connector) connect() error {
	conn, err := amqp.Dial(c.cfg.URL)
	if err != nil {
		return errors.Wrap(err, "dial broker")
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return errors.Wrap(err, "open channel")
	}
	if err := ch.Confirm(false); err != nil {
		conn.Close()
		return errors.Wrap(err, "enable confirm mode")
	}

	c.mu.Lock()
	c.conn = conn
	c.ch = ch
	c.mu.Unlock()

	go c.watchConnClose(conn.NotifyClose(make(chan *amqp.Error, 1)))
	go c.watchChannelClose(conn, ch.NotifyClose(make(chan *amqp.Error, 1)))

	c.log.Info().Str("host", c.host).Str("vhost", c.vhost).Msg("broker connection established")
	return nil
}

// watchConnClose reacts to connection loss by starting the reconnect loop.
func (c *Connector) watchConnClose(closed <-chan *amqp.Error) {
	err := <-closed
	c.mu.Lock()
	c.consuming = false
	shuttingDown := c.closed
	c.mu.Unlock()

	if shuttingDown {
		return
	}
	if err != nil {
		c.log.Warn().Str("reason", err.Error()).Msg("broker connection closed, reconnecting")
	} else {
		c.log.Warn().Msg("broker connection closed, reconnecting")
	}
	c.scheduleReconnect()
}

// watchChannelClose tears the connection down when only the channel died, so
// recovery always goes through a single path: the connection close observer.
func (c *Connector) watchChannelClose(conn *amqp.Connection, closed <-chan *amqp.Error) {
	err := <-closed
	c.mu.Lock()
	shuttingDown := c.closed
	c.mu.Unlock()
	if shuttingDown {
		return
	}
	if err != nil {
		c.log.Warn().Str("reason", err.Error()).Msg("broker channel closed, recycling connection")
		conn.Close()
	}
}

// scheduleReconnect starts the single-flight reconnect loop unless one is
// already running.
func (c *Connector) scheduleReconnect() {
	c.mu.Lock()
	if c.reconnecting || c.closed {
		c.mu.Unlock()
		return
	}
	c.reconnecting = true
	c.mu.Unlock()

	go c.reconnectLoop()
}

// reconnectLoop retries indefinitely with doubling delay, capped at the
// configured maximum. It ends only by reconnecting (or shutdown): there is
// no attempt bound.
func (c *Connector) reconnectLoop() {
	delay := c.cfg.ReconnectDelay
	for {
		time.Sleep(delay)

		c.mu.Lock()
		if c.closed {
			c.reconnecting = false
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		if err := c.connect(); err != nil {
			c.log.Error().Err(err).Dur("next_delay", delay).Msg("reconnection failed")
			delay *= 2
			if max := c.cfg.ReconnectMaxDelay; max > 0 && delay > max {
				delay = max
			}
			continue
		}

		if err := c.DeclareTopology(); err != nil {
			c.log.Error().Err(err).Msg("topology declaration failed after reconnect")
			delay *= 2
			if max := c.cfg.ReconnectMaxDelay; max > 0 && delay > max {
				delay = max
			}
			continue
		}

		c.mu.Lock()
		c.reconnecting = false
		c.mu.Unlock()

		if c.dispatch != nil {
			if err := c.Consume(); err != nil {
				c.log.Error().Err(err).Msg("consume failed after reconnect")
			}
		}
		c.log.Info().Msg("reconnected to broker")
		return
	}
}

// channel returns the live channel or ErrNotConnected.
func (c *Connector) channel() (*amqp.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ch == nil || c.conn == nil || c.conn.IsClosed() {
		return nil, ErrNotConnected
	}
	return c.ch, nil
}

// IsConnected reports whether a live broker connection exists.
func (c *Connector) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && !c.conn.IsClosed()
}

// IsConsuming reports whether the consumer is active.
func (c *Connector) IsConsuming() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.consuming
}

// Host returns the broker hostname from the configured URL.
func (c *Connector) Host() string { return c.host }

// VirtualHost returns the broker virtual host from the configured URL.
func (c *Connector) VirtualHost() string { return c.vhost }

// Prefetch returns the configured consumer prefetch.
func (c *Connector) Prefetch() int { return c.cfg.Prefetch }

// Close tears the connection down for good; no reconnect follows.
func (c *Connector) Close() error {
	c.mu.Lock()
	c.closed = true
	c.consuming = false
	conn := c.conn
	c.conn = nil
	c.ch = nil
	c.mu.Unlock()

	if conn != nil && !conn.IsClosed() {
		return conn.Close()
	}
	return nil
}
