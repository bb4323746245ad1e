// Package repo implements the data persistence layer for the event ledgers,
// backed by GORM. This file provides repository functions for the OutboxEvent
// model.
package repo

import (
	"context"
	"errors"
	"strings"

	"gorm.io/gorm"

	"github.com/eventres/go-rabbitmq-resilience/internal/domain"
	"github.com/eventres/go-rabbitmq-resilience/internal/utils"
)

// outboxSortKeys is the allow-list of sortable columns for outbox listings.
var outboxSortKeys = []string{"id", "type", "created_at", "updated_at"}

// RegisterOutboxEvent upserts the outbox row for ev.UUID. When a row already
// exists it is updated in place with the latest payload, headers and delivery
// info, and Attempts is incremented by exactly one; otherwise the row is
// inserted with the attempts value given on ev. Never creates a duplicate row.
func RegisterOutboxEvent(ctx context.Context, db *gorm.DB, ev *domain.OutboxEvent) (*domain.OutboxEvent, error) {
	var existing domain.OutboxEvent
	err := db.WithContext(ctx).Where("uuid = ?", ev.UUID).First(&existing).Error
	switch {
	case err == nil:
		// A nil pointer must reach the driver as SQL NULL, not as a Valuer
		// call on a nil receiver.
		var info any
		if ev.DeliveryInfo != nil {
			info = *ev.DeliveryInfo
		}
		updates := map[string]any{
			"type":          ev.Type,
			"headers":       ev.Headers,
			"properties":    ev.Properties,
			"payload":       ev.Payload,
			"delivery_info": info,
			"attempts":      existing.Attempts + 1,
		}
		if err := db.WithContext(ctx).Model(&existing).Updates(updates).Error; err != nil {
			return nil, err
		}
		return &existing, nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		if err := db.WithContext(ctx).Create(ev).Error; err != nil {
			return nil, err
		}
		return ev, nil
	default:
		return nil, err
	}
}

// GetOutboxEventByUUID fetches an outbox row by its message identity.
func GetOutboxEventByUUID(ctx context.Context, db *gorm.DB, uuid string) (*domain.OutboxEvent, error) {
	if strings.TrimSpace(uuid) == "" {
		return nil, ErrNotFound
	}
	var ev domain.OutboxEvent
	err := db.WithContext(ctx).Where("uuid = ?", uuid).First(&ev).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

// ListOutboxEventsPage returns one page of outbox rows plus the total count
// matching the request. Semantics mirror ListInboxEventsPage.
func ListOutboxEventsPage(ctx context.Context, db *gorm.DB, p utils.Pagination) ([]domain.OutboxEvent, int64, error) {
	limit, offset := p.Params()

	q := db.WithContext(ctx).Model(&domain.OutboxEvent{})
	if term := p.SearchTerm(); term != "" {
		like := "%" + term + "%"
		q = q.Where("uuid LIKE ? OR type LIKE ?", like, like)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	if order := p.OrderClause(outboxSortKeys); order != "" {
		q = q.Order(order)
	}

	var out []domain.OutboxEvent
	err := q.Offset(offset).Limit(limit).Find(&out).Error
	return out, total, err
}
