package rabbit

import (
	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
)

// DeclareTopology declares every queue, exchange and binding the resilience
// layer relies on, and applies the consumer prefetch. Declarations are
// idempotent and safe to repeat after reconnects.
//
// The retry queue carries no consumer: messages parked there dead-letter
// back into the main exchange when their per-message expiration (or the
// queue TTL) elapses.
func (c *Connector) DeclareTopology() error {
	ch, err := c.channel()
	if err != nil {
		return err
	}
	cfg := c.cfg

	if _, err := ch.QueueDeclare(cfg.Queue, true, false, false, false, nil); err != nil {
		return errors.Wrapf(err, "declare queue %q", cfg.Queue)
	}
	if err := ch.ExchangeDeclare(cfg.Exchange, cfg.ExchangeType, true, false, false, false, nil); err != nil {
		return errors.Wrapf(err, "declare exchange %q", cfg.Exchange)
	}
	if err := ch.QueueBind(cfg.Queue, cfg.RoutingKey, cfg.Exchange, false, nil); err != nil {
		return errors.Wrapf(err, "bind queue %q to exchange %q", cfg.Queue, cfg.Exchange)
	}
	if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
		return errors.Wrap(err, "set prefetch")
	}

	// The direct exchange fronts the retry and dead-letter queues so their
	// routing keys never collide with main-exchange traffic.
	if err := ch.ExchangeDeclare(cfg.DirectExchange, cfg.DirectExchangeType, true, false, false, false, nil); err != nil {
		return errors.Wrapf(err, "declare direct exchange %q", cfg.DirectExchange)
	}

	retryArgs := amqp.Table{
		"x-dead-letter-exchange": cfg.Exchange,
		"x-message-ttl":          cfg.MessageTTL.Milliseconds(),
	}
	if _, err := ch.QueueDeclare(cfg.RetryQueue, true, false, false, false, retryArgs); err != nil {
		return errors.Wrapf(err, "declare retry queue %q", cfg.RetryQueue)
	}
	if err := ch.QueueBind(cfg.RetryQueue, cfg.RetryRoutingKey, cfg.DirectExchange, false, nil); err != nil {
		return errors.Wrapf(err, "bind retry queue %q", cfg.RetryQueue)
	}

	if _, err := ch.QueueDeclare(cfg.DeadLetterQueue, true, false, false, false, nil); err != nil {
		return errors.Wrapf(err, "declare dead letter queue %q", cfg.DeadLetterQueue)
	}
	if err := ch.QueueBind(cfg.DeadLetterQueue, cfg.DeadLetterRoutingKey, cfg.DirectExchange, false, nil); err != nil {
		return errors.Wrapf(err, "bind dead letter queue %q", cfg.DeadLetterQueue)
	}

	c.log.Info().
		Str("queue", cfg.Queue).
		Str("exchange", cfg.Exchange).
		Str("retry_queue", cfg.RetryQueue).
		Str("dead_letter_queue", cfg.DeadLetterQueue).
		Int("prefetch", cfg.Prefetch).
		Msg("broker topology declared")
	return nil
}
