// Package services – LedgerService
//
// This file implements the LedgerService, the single owner of write access to
// the inbox, process-log and outbox ledgers. The connection manager and the
// retry engine call through it and never touch storage directly. All
// operations propagate storage errors unchanged; nothing is swallowed here.
package services

import (
	"context"
	"errors"
	"strings"

	"gorm.io/gorm"

	"github.com/eventres/go-rabbitmq-resilience/internal/domain"
	"github.com/eventres/go-rabbitmq-resilience/internal/repo"
	"github.com/eventres/go-rabbitmq-resilience/internal/utils"
)

// LedgerService implements the idempotency and audit use-cases over the
// ledger tables.
type LedgerService struct {
	// DB is the database handle used for all ledger operations.
	// The handle may be a plain *gorm.DB or a transaction-bound handle.
	DB *gorm.DB
}

// InboxEventWithProcesses pairs an inbox record with its completion logs,
// used by the administrative detail endpoint.
type InboxEventWithProcesses struct {
	Event     *domain.InboxEvent       `json:"event"`
	Processes []domain.EventProcessLog `json:"processes"`
}

// FindOrCreateInboxEvent records the first sighting of a message identity.
// Calling it again with the same uuid returns the existing row untouched.
func (s *LedgerService) FindOrCreateInboxEvent(ctx context.Context, ev *domain.InboxEvent) (*domain.InboxEvent, error) {
	if strings.TrimSpace(ev.UUID) == "" {
		return nil, ErrEmptyUUID
	}
	return repo.FindOrCreateInboxEvent(ctx, s.DB, ev)
}

// HasProcessSucceeded reports whether the named process already completed for
// the given message identity. This is the duplicate-suppression check the
// engine consults before running a step.
func (s *LedgerService) HasProcessSucceeded(ctx context.Context, uuid, processName string) (bool, error) {
	if strings.TrimSpace(uuid) == "" {
		return false, ErrEmptyUUID
	}
	if strings.TrimSpace(processName) == "" {
		return false, ErrEmptyProcessName
	}
	done, err := repo.HasProcessSucceeded(ctx, s.DB, uuid, processName)
	if errors.Is(err, repo.ErrNotFound) {
		return false, nil
	}
	return done, err
}

// RecordProcessLog persists a successful completion of processName for the
// inbox event. A uniqueness conflict means a concurrent delivery completed
// the same step first; it is reported as success, not as an error.
func (s *LedgerService) RecordProcessLog(ctx context.Context, eventID uint, processName string, durationMs int64) error {
	if strings.TrimSpace(processName) == "" {
		return ErrEmptyProcessName
	}
	_, err := repo.CreateEventProcessLog(ctx, s.DB, eventID, processName, durationMs)
	if errors.Is(err, repo.ErrDuplicate) {
		return nil
	}
	return err
}

// RegisterOutboxEvent upserts the audit row for an outbound publish attempt.
// Existing uuids are updated in place with attempts incremented by one.
func (s *LedgerService) RegisterOutboxEvent(ctx context.Context, ev *domain.OutboxEvent) (*domain.OutboxEvent, error) {
	if strings.TrimSpace(ev.UUID) == "" {
		return nil, ErrEmptyUUID
	}
	return repo.RegisterOutboxEvent(ctx, s.DB, ev)
}

// GetInboxEvent fetches an inbox record by message identity.
func (s *LedgerService) GetInboxEvent(ctx context.Context, uuid string) (*domain.InboxEvent, error) {
	ev, err := repo.GetInboxEventByUUID(ctx, s.DB, uuid)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrInboxEventNotFound
	}
	return ev, err
}

// GetInboxEventWithProcesses fetches an inbox record together with its
// process completion logs.
func (s *LedgerService) GetInboxEventWithProcesses(ctx context.Context, uuid string) (*InboxEventWithProcesses, error) {
	ev, err := s.GetInboxEvent(ctx, uuid)
	if err != nil {
		return nil, err
	}
	logs, err := repo.ListProcessLogsByEventID(ctx, s.DB, ev.ID)
	if err != nil {
		return nil, err
	}
	return &InboxEventWithProcesses{Event: ev, Processes: logs}, nil
}

// GetOutboxEvent fetches an outbox record by message identity.
func (s *LedgerService) GetOutboxEvent(ctx context.Context, uuid string) (*domain.OutboxEvent, error) {
	ev, err := repo.GetOutboxEventByUUID(ctx, s.DB, uuid)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrOutboxEventNotFound
	}
	return ev, err
}

// ListInboxEvents returns one page of the inbox ledger with the total count.
func (s *LedgerService) ListInboxEvents(ctx context.Context, p utils.Pagination) ([]domain.InboxEvent, int64, error) {
	return repo.ListInboxEventsPage(ctx, s.DB, p)
}

// ListOutboxEvents returns one page of the outbox ledger with the total count.
func (s *LedgerService) ListOutboxEvents(ctx context.Context, p utils.Pagination) ([]domain.OutboxEvent, int64, error) {
	return repo.ListOutboxEventsPage(ctx, s.DB, p)
}
