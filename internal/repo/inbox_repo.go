// Package repo implements the data persistence layer for the event ledgers,
// backed by GORM. This file provides repository functions for the InboxEvent
// and EventProcessLog models.
package repo

import (
	"context"
	"errors"
	"strings"

	"gorm.io/gorm"

	"github.com/eventres/go-rabbitmq-resilience/internal/domain"
	"github.com/eventres/go-rabbitmq-resilience/internal/utils"
)

// ErrNotFound indicates the requested ledger row does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicate indicates a row violating a uniqueness constraint already
// exists. For process logs this means the step has already completed.
var ErrDuplicate = errors.New("duplicate")

// inboxSortKeys is the allow-list of sortable columns for inbox listings.
var inboxSortKeys = []string{"id", "type", "created_at", "updated_at"}

// isUniqueViolation reports whether err is a uniqueness-constraint failure.
// glebarez/sqlite often returns plain-text errors for UNIQUE violations.
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	low := strings.ToLower(err.Error())
	return strings.Contains(low, "unique constraint failed") ||
		strings.Contains(low, "constraint failed: unique")
}

// FindOrCreateInboxEvent returns the inbox row for uuid, creating it when
// absent. Creating the same uuid twice yields exactly one row; a concurrent
// insert losing the race falls back to reading the winner's row.
func FindOrCreateInboxEvent(ctx context.Context, db *gorm.DB, ev *domain.InboxEvent) (*domain.InboxEvent, error) {
	var existing domain.InboxEvent
	err := db.WithContext(ctx).Where("uuid = ?", ev.UUID).First(&existing).Error
	if err == nil {
		return &existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	if err := db.WithContext(ctx).Create(ev).Error; err != nil {
		if isUniqueViolation(err) {
			// Lost a race with another delivery of the same identity.
			if err2 := db.WithContext(ctx).Where("uuid = ?", ev.UUID).First(&existing).Error; err2 == nil {
				return &existing, nil
			}
		}
		return nil, err
	}
	return ev, nil
}

// GetInboxEventByUUID fetches an inbox row by its message identity.
func GetInboxEventByUUID(ctx context.Context, db *gorm.DB, uuid string) (*domain.InboxEvent, error) {
	if strings.TrimSpace(uuid) == "" {
		return nil, ErrNotFound
	}
	var ev domain.InboxEvent
	err := db.WithContext(ctx).Where("uuid = ?", uuid).First(&ev).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

// HasProcessSucceeded reports whether the named process has ever completed
// for the message identified by uuid. It is implemented as a relational join
// against the process log, not a cache: a match exists iff that exact
// (uuid, processName) pair was recorded.
func HasProcessSucceeded(ctx context.Context, db *gorm.DB, uuid, processName string) (bool, error) {
	if strings.TrimSpace(uuid) == "" || strings.TrimSpace(processName) == "" {
		return false, ErrNotFound
	}
	var count int64
	err := db.WithContext(ctx).
		Model(&domain.EventProcessLog{}).
		Joins("JOIN inbox_events ON inbox_events.id = event_process_logs.event_id").
		Where("inbox_events.uuid = ? AND event_process_logs.process_name = ?", uuid, processName).
		Where("inbox_events.deleted_at IS NULL").
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// CreateEventProcessLog inserts a completion row for (eventID, processName)
// and returns ErrDuplicate when such a row already exists. Callers treat the
// conflict as "already completed", not as a failure.
func CreateEventProcessLog(ctx context.Context, db *gorm.DB, eventID uint, processName string, durationMs int64) (*domain.EventProcessLog, error) {
	rec := &domain.EventProcessLog{
		EventID:     eventID,
		ProcessName: processName,
		Duration:    &durationMs,
	}
	if err := db.WithContext(ctx).Create(rec).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, err
	}
	return rec, nil
}

// ListProcessLogsByEventID returns the completion logs of one inbox event,
// oldest first.
func ListProcessLogsByEventID(ctx context.Context, db *gorm.DB, eventID uint) ([]domain.EventProcessLog, error) {
	var out []domain.EventProcessLog
	err := db.WithContext(ctx).
		Where("event_id = ?", eventID).
		Order("created_at ASC, id ASC").
		Find(&out).Error
	return out, err
}

// ListInboxEventsPage returns one page of inbox rows plus the total count
// matching the request. Search applies a LIKE over uuid and type; the sort
// key is restricted to the allow-list and silently ignored otherwise.
func ListInboxEventsPage(ctx context.Context, db *gorm.DB, p utils.Pagination) ([]domain.InboxEvent, int64, error) {
	limit, offset := p.Params()

	q := db.WithContext(ctx).Model(&domain.InboxEvent{})
	if term := p.SearchTerm(); term != "" {
		like := "%" + term + "%"
		q = q.Where("uuid LIKE ? OR type LIKE ?", like, like)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	if order := p.OrderClause(inboxSortKeys); order != "" {
		q = q.Order(order)
	}

	var out []domain.InboxEvent
	err := q.Offset(offset).Limit(limit).Find(&out).Error
	return out, total, err
}
