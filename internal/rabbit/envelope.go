// Package rabbit owns the broker side of the resilience layer: the
// connection and confirm channel, queue/exchange topology, the consume loop,
// publish operations with outbox bookkeeping, and administrative replay.
//
// This file defines the Envelope, the parsed and validated representation of
// one broker message, and the strict checks a raw delivery must pass before
// it is allowed anywhere near dispatch.
package rabbit

import (
	"encoding/json"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/eventres/go-rabbitmq-resilience/internal/domain"
)

// Recognized header keys on the retry flow.
const (
	// HeaderRedeliveryCount tracks how many delayed-retry cycles a message
	// has undergone.
	HeaderRedeliveryCount = "redelivery_count"

	// HeaderRetryEndpoint identifies which instance issued a delayed retry.
	// Redeliveries carrying a different endpoint belong to another instance
	// sharing the topology and are acknowledged untouched.
	HeaderRetryEndpoint = "retry_endpoint"
)

// Fields carries the broker delivery metadata of a message.
type Fields struct {
	DeliveryTag  uint64 `json:"delivery_tag"`
	Redelivered  bool   `json:"redelivered"`
	Exchange     string `json:"exchange"`
	RoutingKey   string `json:"routing_key"`
	MessageCount uint32 `json:"message_count,omitempty"`
	ConsumerTag  string `json:"consumer_tag,omitempty"`
}

// Properties carries the AMQP message properties. MessageID doubles as the
// idempotency uuid and Type as the dispatch key; both are mandatory.
type Properties struct {
	ContentType     string     `json:"content_type,omitempty"`
	ContentEncoding string     `json:"content_encoding,omitempty"`
	Headers         amqp.Table `json:"headers,omitempty"`
	DeliveryMode    uint8      `json:"delivery_mode,omitempty"`
	Priority        uint8      `json:"priority,omitempty"`
	CorrelationID   string     `json:"correlation_id,omitempty"`
	ReplyTo         string     `json:"reply_to,omitempty"`
	Expiration      string     `json:"expiration,omitempty"`
	Timestamp       time.Time  `json:"timestamp,omitempty"`
	MessageID       string     `json:"message_id"`
	Type            string     `json:"type"`
	UserID          string     `json:"user_id,omitempty"`
	AppID           string     `json:"app_id,omitempty"`
	ClusterID       string     `json:"cluster_id,omitempty"`
}

// Envelope is the validated representation of one broker message: raw
// content plus delivery fields and properties.
type Envelope struct {
	Content    []byte     `json:"content"`
	Fields     Fields     `json:"fields"`
	Properties Properties `json:"properties"`
}

// ParseDelivery validates a raw delivery and builds an Envelope from it.
// Validation failures are collected into a list of human-readable messages;
// a non-empty list means the message must be dead-lettered without dispatch.
func ParseDelivery(d amqp.Delivery) (*Envelope, []string) {
	var errs []string
	if d.Type == "" {
		errs = append(errs, "Invalid or missing type")
	}
	if d.MessageId == "" {
		errs = append(errs, "Invalid or missing messageId")
	}
	if len(errs) > 0 {
		return nil, errs
	}

	return &Envelope{
		Content: d.Body,
		Fields: Fields{
			DeliveryTag:  d.DeliveryTag,
			Redelivered:  d.Redelivered,
			Exchange:     d.Exchange,
			RoutingKey:   d.RoutingKey,
			MessageCount: d.MessageCount,
			ConsumerTag:  d.ConsumerTag,
		},
		Properties: Properties{
			ContentType:     d.ContentType,
			ContentEncoding: d.ContentEncoding,
			Headers:         d.Headers,
			DeliveryMode:    d.DeliveryMode,
			Priority:        d.Priority,
			CorrelationID:   d.CorrelationId,
			ReplyTo:         d.ReplyTo,
			Expiration:      d.Expiration,
			Timestamp:       d.Timestamp,
			MessageID:       d.MessageId,
			Type:            d.Type,
			UserID:          d.UserId,
			AppID:           d.AppId,
		},
	}, nil
}

// RedeliveryCount reads the redelivery counter from the message headers.
// An absent or non-numeric header counts as zero.
func (e *Envelope) RedeliveryCount() int {
	if e.Properties.Headers == nil {
		return 0
	}
	return asInt(e.Properties.Headers[HeaderRedeliveryCount])
}

// HasRedeliveryCount reports whether a redelivery counter header is present
// at all, regardless of value.
func (e *Envelope) HasRedeliveryCount() bool {
	if e.Properties.Headers == nil {
		return false
	}
	_, ok := e.Properties.Headers[HeaderRedeliveryCount]
	return ok
}

// RetryEndpoint reads the retry-endpoint identifier from the headers, or ""
// when absent.
func (e *Envelope) RetryEndpoint() string {
	if e.Properties.Headers == nil {
		return ""
	}
	if s, ok := e.Properties.Headers[HeaderRetryEndpoint].(string); ok {
		return s
	}
	return ""
}

// PayloadMap decodes the content as a JSON document for ledger storage.
// Non-JSON content is preserved under a "raw" key rather than dropped.
func (e *Envelope) PayloadMap() domain.JSONMap {
	var m domain.JSONMap
	if err := json.Unmarshal(e.Content, &m); err != nil {
		return domain.JSONMap{"raw": string(e.Content)}
	}
	return m
}

// HeadersMap converts the AMQP header table for ledger storage.
func (e *Envelope) HeadersMap() domain.JSONMap {
	if e.Properties.Headers == nil {
		return domain.JSONMap{}
	}
	out := make(domain.JSONMap, len(e.Properties.Headers))
	for k, v := range e.Properties.Headers {
		out[k] = v
	}
	return out
}

// PropertiesMap converts the message properties for ledger storage.
func (e *Envelope) PropertiesMap() domain.JSONMap {
	b, err := json.Marshal(e.Properties)
	if err != nil {
		return domain.JSONMap{}
	}
	var m domain.JSONMap
	if err := json.Unmarshal(b, &m); err != nil {
		return domain.JSONMap{}
	}
	return m
}

// asInt coerces the numeric types the AMQP client may hand back for a
// header value.
func asInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int8:
		return int(n)
	case int16:
		return int(n)
	case int32:
		return int(n)
	case int64:
		return int(n)
	case float32:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}
