// Package domain defines the persistence models for the inbox, process-log
// and outbox ledgers. These types are mapped with GORM and form the durable
// record that makes at-least-once broker delivery behave as
// at-most-once-per-process execution.
package domain

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// JSONMap is an open string-keyed document persisted as a JSON column.
// It is used for message headers, AMQP properties and payloads, which are
// opaque to the ledger.
type JSONMap map[string]any

// Value serializes the map for storage.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// Scan deserializes a JSON column into the map.
func (m *JSONMap) Scan(src any) error {
	if src == nil {
		*m = nil
		return nil
	}
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	default:
		return fmt.Errorf("domain: cannot scan %T into JSONMap", src)
	}
}

// DeliveryInfo records where and when an outbound message was accepted by the
// broker. It is nil on the outbox row when the publish attempt failed.
//
// DestinationType is either "queue" or "exchange"; RoutingKey is only set for
// exchange deliveries.
type DeliveryInfo struct {
	Timestamp       time.Time `json:"timestamp"`
	Host            string    `json:"host"`
	VirtualHost     string    `json:"virtual_host"`
	DestinationType string    `json:"destination_type"`
	DestinationName string    `json:"destination_name"`
	RoutingKey      string    `json:"routing_key,omitempty"`
}

// Value serializes the delivery info for storage.
func (d DeliveryInfo) Value() (driver.Value, error) {
	return json.Marshal(d)
}

// Scan deserializes a JSON column into the delivery info.
func (d *DeliveryInfo) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		return json.Unmarshal(v, d)
	case string:
		return json.Unmarshal([]byte(v), d)
	default:
		return fmt.Errorf("domain: cannot scan %T into DeliveryInfo", src)
	}
}

// InboxEvent is the idempotency ledger entry for a received message identity.
// Exactly one row exists per message UUID; it is created via find-or-create
// on first successful processing and never updated afterwards. Rows are only
// soft-deleted by the rotation job.
//
// Fields:
//   - ID: surrogate key.
//   - UUID: broker messageId, unique natural key.
//   - Type: declared message type (dispatch key).
//   - Headers / Properties / Payload: opaque structured copies of the message.
//   - CreatedAt / UpdatedAt: timestamps managed by GORM.
//   - DeletedAt: soft deletion marker (rotation/archival).
type InboxEvent struct {
	ID         uint           `json:"id"         gorm:"primaryKey"`
	UUID       string         `json:"uuid"       gorm:"type:char(36);not null;uniqueIndex:ux_inbox_events_uuid"`
	Type       string         `json:"type"       gorm:"type:varchar(255);not null;index"`
	Headers    JSONMap        `json:"headers"    gorm:"type:json"`
	Properties JSONMap        `json:"properties" gorm:"type:json"`
	Payload    JSONMap        `json:"payload"    gorm:"type:json"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
	DeletedAt  gorm.DeletedAt `json:"-"          gorm:"index"`
}

// TableName returns the database table name for InboxEvent.
func (InboxEvent) TableName() string { return "inbox_events" }

// EventProcessLog records one successful completion of a named process for an
// inbox event. The (event_id, process_name) pair is unique: concurrent
// redeliveries racing on the same step collapse into a single row, and a
// conflict on insert means the step has already completed.
//
// Duration is the wall-clock processing time in milliseconds of the attempt
// that succeeded.
type EventProcessLog struct {
	ID          uint           `json:"id"           gorm:"primaryKey"`
	EventID     uint           `json:"event_id"     gorm:"not null;index;uniqueIndex:ux_process_logs_event_process,priority:1"`
	ProcessName string         `json:"process_name" gorm:"type:varchar(255);not null;uniqueIndex:ux_process_logs_event_process,priority:2"`
	Duration    *int64         `json:"duration,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	DeletedAt   gorm.DeletedAt `json:"-"            gorm:"index"`

	// Event is the parent inbox record. Logs are cascade-deleted with it.
	Event InboxEvent `json:"-" gorm:"foreignKey:EventID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for EventProcessLog.
func (EventProcessLog) TableName() string { return "event_process_logs" }

// OutboxEvent is the audit/replay ledger entry for a published message
// identity. One row exists per UUID; registering the same UUID again updates
// the row in place and increments Attempts, so the row always reflects the
// latest publish attempt while counting all of them.
//
// DeliveryInfo is nil when the most recent publish attempt failed, which is
// what makes the outbox usable as a replay source for lost publishes.
type OutboxEvent struct {
	ID           uint           `json:"id"            gorm:"primaryKey"`
	UUID         string         `json:"uuid"          gorm:"type:char(36);not null;uniqueIndex:ux_outbox_events_uuid"`
	Type         string         `json:"type"          gorm:"type:varchar(255);not null;index"`
	Headers      JSONMap        `json:"headers"       gorm:"type:json"`
	Properties   JSONMap        `json:"properties"    gorm:"type:json"`
	Payload      JSONMap        `json:"payload"       gorm:"type:json"`
	DeliveryInfo *DeliveryInfo  `json:"delivery_info" gorm:"type:json"`
	Attempts     int            `json:"attempts"      gorm:"not null;default:0"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	DeletedAt    gorm.DeletedAt `json:"-"             gorm:"index"`
}

// TableName returns the database table name for OutboxEvent.
func (OutboxEvent) TableName() string { return "outbox_events" }
