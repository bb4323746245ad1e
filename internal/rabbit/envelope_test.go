package rabbit

import (
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
)

func validDelivery() amqp.Delivery {
	return amqp.Delivery{
		MessageId:   "11111111-2222-3333-4444-555555555555",
		Type:        "order.created",
		ContentType: "application/json",
		Body:        []byte(`{"order_id":"o-1","total":12.5}`),
		Exchange:    "events",
		RoutingKey:  "order.created",
	}
}

func TestParseDelivery_Valid(t *testing.T) {
	ev, errs := ParseDelivery(validDelivery())
	if len(errs) != 0 {
		t.Fatalf("unexpected validation errors: %v", errs)
	}
	if ev.Properties.MessageID != "11111111-2222-3333-4444-555555555555" {
		t.Fatalf("message id: %q", ev.Properties.MessageID)
	}
	if ev.Properties.Type != "order.created" {
		t.Fatalf("type: %q", ev.Properties.Type)
	}
	if ev.Fields.Exchange != "events" || ev.Fields.RoutingKey != "order.created" {
		t.Fatalf("fields: %+v", ev.Fields)
	}
	// The client never surfaces a cluster id on deliveries.
	if ev.Properties.ClusterID != "" {
		t.Fatalf("cluster id: %q", ev.Properties.ClusterID)
	}
}

func TestParseDelivery_MissingIdentity(t *testing.T) {
	d := validDelivery()
	d.Type = ""
	_, errs := ParseDelivery(d)
	if len(errs) != 1 || errs[0] != "Invalid or missing type" {
		t.Fatalf("missing type: %v", errs)
	}

	d = validDelivery()
	d.MessageId = ""
	_, errs = ParseDelivery(d)
	if len(errs) != 1 || errs[0] != "Invalid or missing messageId" {
		t.Fatalf("missing messageId: %v", errs)
	}

	_, errs = ParseDelivery(amqp.Delivery{})
	if len(errs) != 2 {
		t.Fatalf("expected both validations to fail, got %v", errs)
	}
}

func TestRedeliveryCount_HeaderCoercion(t *testing.T) {
	ev, _ := ParseDelivery(validDelivery())
	if ev.HasRedeliveryCount() || ev.RedeliveryCount() != 0 {
		t.Fatalf("fresh message: has=%v count=%d", ev.HasRedeliveryCount(), ev.RedeliveryCount())
	}

	for _, v := range []any{int32(2), int64(2), float64(2)} {
		d := validDelivery()
		d.Headers = amqp.Table{HeaderRedeliveryCount: v}
		ev, _ := ParseDelivery(d)
		if !ev.HasRedeliveryCount() || ev.RedeliveryCount() != 2 {
			t.Fatalf("%T header: has=%v count=%d", v, ev.HasRedeliveryCount(), ev.RedeliveryCount())
		}
	}

	// Non-numeric header counts as zero but still marks the message as a retry.
	d := validDelivery()
	d.Headers = amqp.Table{HeaderRedeliveryCount: "two"}
	ev, _ = ParseDelivery(d)
	if !ev.HasRedeliveryCount() || ev.RedeliveryCount() != 0 {
		t.Fatalf("string header: has=%v count=%d", ev.HasRedeliveryCount(), ev.RedeliveryCount())
	}
}

func TestRetryEndpoint(t *testing.T) {
	d := validDelivery()
	d.Headers = amqp.Table{HeaderRetryEndpoint: "orders-service"}
	ev, _ := ParseDelivery(d)
	if ev.RetryEndpoint() != "orders-service" {
		t.Fatalf("got %q", ev.RetryEndpoint())
	}

	ev, _ = ParseDelivery(validDelivery())
	if ev.RetryEndpoint() != "" {
		t.Fatalf("expected empty endpoint, got %q", ev.RetryEndpoint())
	}
}

func TestPayloadMap(t *testing.T) {
	ev, _ := ParseDelivery(validDelivery())
	m := ev.PayloadMap()
	if m["order_id"] != "o-1" {
		t.Fatalf("json payload: %v", m)
	}

	d := validDelivery()
	d.Body = []byte("not json at all")
	ev, _ = ParseDelivery(d)
	m = ev.PayloadMap()
	if m["raw"] != "not json at all" {
		t.Fatalf("non-json payload: %v", m)
	}
}

func TestEnvelopeFromStored_RoundTrip(t *testing.T) {
	ev, _ := ParseDelivery(validDelivery())

	rebuilt, err := envelopeFromStored(ev.PropertiesMap(), ev.PayloadMap())
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if rebuilt.Properties.MessageID != ev.Properties.MessageID {
		t.Fatalf("message id lost: %q", rebuilt.Properties.MessageID)
	}
	if rebuilt.Properties.Type != ev.Properties.Type {
		t.Fatalf("type lost: %q", rebuilt.Properties.Type)
	}
	if rebuilt.PayloadMap()["order_id"] != "o-1" {
		t.Fatalf("payload lost: %s", rebuilt.Content)
	}
}

func TestEnvelopeFromStored_RawPayload(t *testing.T) {
	d := validDelivery()
	d.Body = []byte("plain text body")
	ev, _ := ParseDelivery(d)

	rebuilt, err := envelopeFromStored(ev.PropertiesMap(), ev.PayloadMap())
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if string(rebuilt.Content) != "plain text body" {
		t.Fatalf("raw payload not restored: %q", rebuilt.Content)
	}
}

func TestEnvelopeFromStored_MissingIdentity(t *testing.T) {
	if _, err := envelopeFromStored(map[string]any{"type": "t"}, map[string]any{}); err == nil {
		t.Fatal("expected error for missing message_id")
	}
}
