package rabbit

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/eventres/go-rabbitmq-resilience/internal/domain"
)

// ExceptionDetail is one failure record carried in the exception_details
// header of a dead-lettered message.
type ExceptionDetail struct {
	Message        string         `json:"message"`
	ExceptionType  string         `json:"exception_type"`
	StackTrace     string         `json:"stack_trace"`
	FailedAt       string         `json:"failed_at"`
	AdditionalData map[string]any `json:"additional_data,omitempty"`
}

func (d ExceptionDetail) asTable() map[string]any {
	t := map[string]any{
		"message":        d.Message,
		"exception_type": d.ExceptionType,
		"stack_trace":    d.StackTrace,
		"failed_at":      d.FailedAt,
	}
	if len(d.AdditionalData) > 0 {
		extra := make(map[string]any, len(d.AdditionalData))
		for k, v := range d.AdditionalData {
			extra[k] = v
		}
		t["additional_data"] = extra
	}
	return t
}

// publishing builds the wire message for an envelope. Headers and the
// identifying properties travel with the event; payload stays as handed in.
func (e *Envelope) publishing() amqp.Publishing {
	return amqp.Publishing{
		Headers:      e.Properties.Headers,
		ContentType:  e.Properties.ContentType,
		DeliveryMode: amqp.Persistent,
		MessageId:    e.Properties.MessageID,
		Type:         e.Properties.Type,
		AppId:        e.Properties.AppID,
		Body:         e.Content,
	}
}

// PublishEvent publishes to the configured main exchange and routing key,
// waits for the broker confirmation and records the attempt in the outbox.
func (c *Connector) PublishEvent(ctx context.Context, ev *Envelope) error {
	return c.PublishToExchangeWithConfirmation(ctx, ev, c.cfg.Exchange, c.cfg.RoutingKey)
}

// PublishToExchange publishes without waiting for a broker confirmation and
// without touching the outbox. Fire and forget.
func (c *Connector) PublishToExchange(ctx context.Context, ev *Envelope, exchange, routingKey string) error {
	ch, err := c.channel()
	if err != nil {
		return err
	}
	if err := ch.PublishWithContext(ctx, exchange, routingKey, false, false, ev.publishing()); err != nil {
		return errors.Wrapf(err, "publish to exchange %q", exchange)
	}
	c.log.Debug().
		Str("event_uuid", ev.Properties.MessageID).
		Str("exchange", exchange).
		Str("routing_key", routingKey).
		Msg("event published")
	return nil
}

// PublishToExchangeWithConfirmation publishes to an exchange, blocks until
// the broker confirms and then registers the delivery in the outbox. Repeat
// publishes of the same event increment the outbox attempt counter.
func (c *Connector) PublishToExchangeWithConfirmation(ctx context.Context, ev *Envelope, exchange, routingKey string) error {
	return c.confirmAndRecord(ctx, ev, exchange, routingKey, "exchange", exchange)
}

// PublishToQueueWithConfirmation publishes straight to a queue through the
// default exchange, blocks until confirmed and registers the outbox entry.
func (c *Connector) PublishToQueueWithConfirmation(ctx context.Context, ev *Envelope, queue string) error {
	return c.confirmAndRecord(ctx, ev, "", queue, "queue", queue)
}

// confirmAndRecord publishes with confirmation and upserts the outbox row
// whatever the outcome. Delivery info is populated only when the broker
// acked; a failed attempt leaves it null so the row stays replayable.
func (c *Connector) confirmAndRecord(ctx context.Context, ev *Envelope, exchange, routingKey, destType, destName string) error {
	pubErr := c.publishConfirmed(ctx, ev, exchange, routingKey)

	var info *domain.DeliveryInfo
	if pubErr == nil {
		info = &domain.DeliveryInfo{
			Timestamp:       time.Now().UTC(),
			Host:            c.host,
			VirtualHost:     c.vhost,
			DestinationType: destType,
			DestinationName: destName,
			RoutingKey:      routingKey,
		}
	}
	if err := c.registerOutbox(ctx, ev, info); err != nil {
		if pubErr != nil {
			c.log.Error().
				Err(err).
				Str("event_uuid", ev.Properties.MessageID).
				Msg("failed publish also left no outbox record")
			return pubErr
		}
		return err
	}
	return pubErr
}

func (c *Connector) publishConfirmed(ctx context.Context, ev *Envelope, exchange, routingKey string) error {
	ch, err := c.channel()
	if err != nil {
		return err
	}
	conf, err := ch.PublishWithDeferredConfirmWithContext(ctx, exchange, routingKey, false, false, ev.publishing())
	if err != nil {
		return errors.Wrapf(err, "publish to %q/%q", exchange, routingKey)
	}
	acked, err := conf.WaitContext(ctx)
	if err != nil {
		return errors.Wrap(err, "await publish confirmation")
	}
	if !acked {
		return errors.Errorf("broker rejected publish of %q", ev.Properties.MessageID)
	}
	c.log.Debug().
		Str("event_uuid", ev.Properties.MessageID).
		Str("exchange", exchange).
		Str("routing_key", routingKey).
		Msg("event published and confirmed")
	return nil
}

// registerOutbox upserts the outbox row for a publish attempt. A ledger
// failure does not undo the publish; it surfaces so the caller knows the
// record is missing.
func (c *Connector) registerOutbox(ctx context.Context, ev *Envelope, info *domain.DeliveryInfo) error {
	if c.ledger == nil {
		return nil
	}
	_, err := c.ledger.RegisterOutboxEvent(ctx, &domain.OutboxEvent{
		UUID:         ev.Properties.MessageID,
		Type:         ev.Properties.Type,
		Headers:      ev.HeadersMap(),
		Properties:   ev.PropertiesMap(),
		Payload:      ev.PayloadMap(),
		DeliveryInfo: info,
	})
	return errors.Wrap(err, "register outbox event")
}

// PublishToRetryQueue parks the event on the retry queue with a per-message
// expiration of redeliveryCount times the base delay, so later cycles wait
// longer. The redelivery count and the owning endpoint travel as headers.
func (c *Connector) PublishToRetryQueue(ctx context.Context, ev *Envelope, redeliveryCount int) error {
	ch, err := c.channel()
	if err != nil {
		return err
	}

	headers := amqp.Table{}
	for k, v := range ev.Properties.Headers {
		headers[k] = v
	}
	headers[HeaderRedeliveryCount] = int32(redeliveryCount)
	headers[HeaderRetryEndpoint] = c.cfg.RetryEndpoint

	expiration := time.Duration(redeliveryCount) * c.cfg.RedeliveryDelay

	msg := ev.publishing()
	msg.Headers = headers
	msg.Expiration = strconv.FormatInt(expiration.Milliseconds(), 10)

	if err := ch.PublishWithContext(ctx, "", c.cfg.RetryQueue, false, false, msg); err != nil {
		return errors.Wrap(err, "publish to retry queue")
	}
	c.log.Info().
		Str("event_uuid", ev.Properties.MessageID).
		Int("redelivery_count", redeliveryCount).
		Dur("expiration", expiration).
		Msg("event sent to retry queue")
	return nil
}

// PublishToDeadLetter parks the event on the dead letter queue. The full
// failure history goes in the exception_details header and the endpoint
// header records which instance gave up and where the event came from.
func (c *Connector) PublishToDeadLetter(ctx context.Context, ev *Envelope, details []ExceptionDetail) error {
	ch, err := c.channel()
	if err != nil {
		return err
	}

	msg := ev.publishing()
	msg.Headers = c.deadLetterHeaders(ev, details)

	if err := ch.PublishWithContext(ctx, "", c.cfg.DeadLetterQueue, false, false, msg); err != nil {
		return errors.Wrap(err, "publish to dead letter queue")
	}
	c.log.Warn().
		Str("event_uuid", ev.Properties.MessageID).
		Str("event_type", ev.Properties.Type).
		Int("failures", len(details)).
		Msg("event sent to dead letter queue")
	return nil
}

// deadLetterHeaders assembles the failure history and endpoint provenance.
// The delivery metadata records the exchange and routing key the message
// actually arrived on, not the configured publish targets.
func (c *Connector) deadLetterHeaders(ev *Envelope, details []ExceptionDetail) amqp.Table {
	history := make([]any, 0, len(details))
	for _, d := range details {
		history = append(history, d.asTable())
	}
	return amqp.Table{
		"exception_details": history,
		"endpoint": map[string]any{
			"name": c.cfg.RetryEndpoint,
			"delivery_metadata": map[string]any{
				"message_type": ev.Properties.Type,
				"exchange":     ev.Fields.Exchange,
				"routing_key":  ev.Fields.RoutingKey,
			},
		},
	}
}
