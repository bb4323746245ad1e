package rabbit

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Consume starts the consumer on the main queue. Calling it while a consumer
// is already active is a no-op, so reconnect paths and explicit starts do
// not stack consumers. Each delivery runs in its own goroutine; the
// configured prefetch is what bounds concurrency.
func (c *Connector) Consume() error {
	c.mu.Lock()
	if c.consuming {
		c.mu.Unlock()
		c.log.Debug().Msg("consumer already active, skipping")
		return nil
	}
	ch := c.ch
	if ch == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.mu.Unlock()

	deliveries, err := ch.Consume(c.cfg.Queue, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.consuming = true
	c.mu.Unlock()

	c.log.Info().Str("queue", c.cfg.Queue).Int("prefetch", c.cfg.Prefetch).Msg("consumer started")
	go c.consumeLoop(deliveries)
	return nil
}

// consumeLoop drains the delivery channel until the broker closes it.
// Delivery handling is fire and forget: the loop never waits on dispatch.
func (c *Connector) consumeLoop(deliveries <-chan amqp.Delivery) {
	for d := range deliveries {
		go c.handleDelivery(d)
	}
	c.mu.Lock()
	c.consuming = false
	c.mu.Unlock()
	c.log.Warn().Msg("delivery channel closed")
}

// handleDelivery validates one delivery, screens out retries that belong to
// other instances and hands the rest to dispatch. The delivery is
// acknowledged exactly once, after dispatch returns, whatever the outcome:
// escalation happens through the retry and dead letter queues, never through
// broker redelivery.
func (c *Connector) handleDelivery(d amqp.Delivery) {
	ctx := context.Background()

	ev, parseErrs := ParseDelivery(d)
	if len(parseErrs) > 0 {
		c.log.Error().
			Strs("validation_errors", parseErrs).
			Str("message_id", d.MessageId).
			Msg("malformed message, dead-lettering")
		if err := c.deadLetterRaw(ctx, d, parseErrs); err != nil {
			c.log.Error().Err(err).Msg("dead-lettering malformed message failed")
		}
		c.ack(d)
		return
	}

	if ev.HasRedeliveryCount() && ev.RetryEndpoint() != c.cfg.RetryEndpoint {
		c.log.Info().
			Str("event_uuid", ev.Properties.MessageID).
			Str("retry_endpoint", ev.RetryEndpoint()).
			Msg("retry owned by another endpoint, acknowledging untouched")
		c.ack(d)
		return
	}

	if c.dispatch != nil {
		c.dispatch(ctx, ev)
	}
	c.ack(d)
}

func (c *Connector) ack(d amqp.Delivery) {
	if err := d.Ack(false); err != nil {
		c.log.Error().Err(err).Uint64("delivery_tag", d.DeliveryTag).Msg("ack failed")
	}
}

// deadLetterRaw parks a delivery that never became a valid envelope. The
// validation messages stand in for a failure history.
func (c *Connector) deadLetterRaw(ctx context.Context, d amqp.Delivery, validationErrs []string) error {
	ch, err := c.channel()
	if err != nil {
		return err
	}

	history := make([]any, 0, len(validationErrs))
	for _, msg := range validationErrs {
		history = append(history, map[string]any{
			"message":        msg,
			"exception_type": "ValidationError",
			"failed_at":      time.Now().UTC().Format(time.RFC3339Nano),
		})
	}

	return ch.PublishWithContext(ctx, "", c.cfg.DeadLetterQueue, false, false, amqp.Publishing{
		Headers: amqp.Table{
			"exception_details": history,
			"endpoint": map[string]any{
				"name": c.cfg.RetryEndpoint,
				"delivery_metadata": map[string]any{
					"message_type": d.Type,
					"exchange":     d.Exchange,
					"routing_key":  d.RoutingKey,
				},
			},
		},
		ContentType:  d.ContentType,
		DeliveryMode: amqp.Persistent,
		MessageId:    d.MessageId,
		Type:         d.Type,
		AppId:        d.AppId,
		Body:         d.Body,
	})
}
