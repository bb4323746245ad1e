package rabbit

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/eventres/go-rabbitmq-resilience/internal/domain"
)

// envelopeFromStored rebuilds a publishable envelope from the ledger
// representation of an event. The stored properties round-trip through JSON
// back into typed properties; the payload becomes the content again.
func envelopeFromStored(properties, payload domain.JSONMap) (*Envelope, error) {
	rawProps, err := json.Marshal(properties)
	if err != nil {
		return nil, errors.Wrap(err, "encode stored properties")
	}
	var props Properties
	if err := json.Unmarshal(rawProps, &props); err != nil {
		return nil, errors.Wrap(err, "decode stored properties")
	}
	if props.MessageID == "" || props.Type == "" {
		return nil, errors.New("stored event is missing message_id or type")
	}

	content, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, "encode stored payload")
	}
	if raw, ok := payload["raw"].(string); ok && len(payload) == 1 {
		content = []byte(raw)
	}

	return &Envelope{Content: content, Properties: props}, nil
}

// RepublishOutboxEvent re-publishes a previously sent event from the outbox
// through the confirmed path, which also bumps its attempt counter.
func (c *Connector) RepublishOutboxEvent(ctx context.Context, uuid string) error {
	if c.ledger == nil {
		return errors.New("no ledger configured")
	}
	stored, err := c.ledger.GetOutboxEvent(ctx, uuid)
	if err != nil {
		return err
	}
	ev, err := envelopeFromStored(stored.Properties, stored.Payload)
	if err != nil {
		return errors.Wrapf(err, "rebuild outbox event %q", uuid)
	}

	c.log.Info().Str("event_uuid", uuid).Str("event_type", ev.Properties.Type).Msg("republishing outbox event")
	return c.PublishEvent(ctx, ev)
}

// ReprocessInboxEvent runs one named process of a stored inbox event again,
// directly and synchronously. The broker is not involved; the idempotency
// ledger is deliberately bypassed so an operator can force a re-run.
func (c *Connector) ReprocessInboxEvent(ctx context.Context, uuid, processName string) error {
	if c.ledger == nil {
		return errors.New("no ledger configured")
	}
	if c.resolveProcess == nil {
		return errors.New("no process resolver configured")
	}
	stored, err := c.ledger.GetInboxEvent(ctx, uuid)
	if err != nil {
		return err
	}
	ev, err := envelopeFromStored(stored.Properties, stored.Payload)
	if err != nil {
		return errors.Wrapf(err, "rebuild inbox event %q", uuid)
	}

	handle, ok := c.resolveProcess(ev.Properties.Type, processName)
	if !ok {
		return errors.Errorf("no process %q registered for event type %q", processName, ev.Properties.Type)
	}

	c.log.Info().
		Str("event_uuid", uuid).
		Str("event_type", ev.Properties.Type).
		Str("process", processName).
		Msg("reprocessing inbox event")
	return handle(ctx, ev)
}
