package rabbit

import (
	"context"
	"sync"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

type fakeAcknowledger struct {
	mu      sync.Mutex
	acks    []uint64
	nacks   int
	rejects int
}

func (a *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acks = append(a.acks, tag)
	return nil
}

func (a *fakeAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nacks++
	return nil
}

func (a *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rejects++
	return nil
}

func (a *fakeAcknowledger) ackCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.acks)
}

func TestHandleDelivery_DispatchesThenAcks(t *testing.T) {
	c := NewConnector(testConnectorConfig(), nil, zerolog.Nop())

	var dispatched []*Envelope
	c.SetDispatch(func(_ context.Context, ev *Envelope) {
		dispatched = append(dispatched, ev)
	})

	ack := &fakeAcknowledger{}
	d := validDelivery()
	d.Acknowledger = ack
	d.DeliveryTag = 7

	c.handleDelivery(d)

	if len(dispatched) != 1 {
		t.Fatalf("expected 1 dispatch, got %d", len(dispatched))
	}
	if dispatched[0].Properties.MessageID != d.MessageId {
		t.Fatalf("dispatched wrong envelope: %+v", dispatched[0].Properties)
	}
	if ack.ackCount() != 1 || ack.acks[0] != 7 {
		t.Fatalf("expected exactly one ack of tag 7, got %v", ack.acks)
	}
}

func TestHandleDelivery_ForeignRetryAckedUntouched(t *testing.T) {
	c := NewConnector(testConnectorConfig(), nil, zerolog.Nop())

	dispatches := 0
	c.SetDispatch(func(context.Context, *Envelope) { dispatches++ })

	ack := &fakeAcknowledger{}
	d := validDelivery()
	d.Acknowledger = ack
	d.Headers = amqp.Table{
		HeaderRedeliveryCount: int32(2),
		HeaderRetryEndpoint:   "billing",
	}

	c.handleDelivery(d)

	if dispatches != 0 {
		t.Fatalf("foreign retry must not be dispatched, got %d dispatches", dispatches)
	}
	if ack.ackCount() != 1 {
		t.Fatalf("expected exactly one ack, got %d", ack.ackCount())
	}
	if ack.nacks != 0 || ack.rejects != 0 {
		t.Fatalf("foreign retry must only be acked, got nacks=%d rejects=%d", ack.nacks, ack.rejects)
	}
}

func TestHandleDelivery_OwnRetryIsDispatched(t *testing.T) {
	c := NewConnector(testConnectorConfig(), nil, zerolog.Nop())

	dispatches := 0
	c.SetDispatch(func(context.Context, *Envelope) { dispatches++ })

	ack := &fakeAcknowledger{}
	d := validDelivery()
	d.Acknowledger = ack
	d.Headers = amqp.Table{
		HeaderRedeliveryCount: int32(1),
		HeaderRetryEndpoint:   "orders",
	}

	c.handleDelivery(d)

	if dispatches != 1 {
		t.Fatalf("own retry must be dispatched, got %d dispatches", dispatches)
	}
	if ack.ackCount() != 1 {
		t.Fatalf("expected exactly one ack, got %d", ack.ackCount())
	}
}

func TestHandleDelivery_MalformedAckedWithoutDispatch(t *testing.T) {
	c := NewConnector(testConnectorConfig(), nil, zerolog.Nop())

	dispatches := 0
	c.SetDispatch(func(context.Context, *Envelope) { dispatches++ })

	ack := &fakeAcknowledger{}
	d := validDelivery()
	d.Acknowledger = ack
	d.DeliveryTag = 11
	d.MessageId = ""
	d.Type = ""

	c.handleDelivery(d)

	if dispatches != 0 {
		t.Fatalf("malformed delivery must never reach dispatch, got %d", dispatches)
	}
	if ack.ackCount() != 1 || ack.acks[0] != 11 {
		t.Fatalf("expected exactly one ack of tag 11, got %v", ack.acks)
	}
}
