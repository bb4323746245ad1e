// Package engine – retry/escalation state machine
//
// For each delivered message the engine runs the configured ordered process
// list, skipping steps the ledger already records as completed, retrying
// each remaining step immediately up to a bound, and collecting typed
// failures. When any failure survives, the message escalates: below the
// delayed-retry bound it is republished to the TTL retry queue with an
// incremented redelivery counter; at or beyond the bound it is dead-lettered
// with the full failure list and a best-effort human alert.
package engine

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/eventres/go-rabbitmq-resilience/internal/config"
	"github.com/eventres/go-rabbitmq-resilience/internal/dispatch"
	"github.com/eventres/go-rabbitmq-resilience/internal/domain"
	"github.com/eventres/go-rabbitmq-resilience/internal/notify"
	"github.com/eventres/go-rabbitmq-resilience/internal/rabbit"
	"github.com/eventres/go-rabbitmq-resilience/internal/services"
)

// EscalationPublisher is the slice of the connection manager the engine
// needs: republish for delayed retry, or hand over to the dead-letter path.
type EscalationPublisher interface {
	PublishToRetryQueue(ctx context.Context, ev *rabbit.Envelope, redeliveryCount int) error
	PublishToDeadLetter(ctx context.Context, ev *rabbit.Envelope, details []rabbit.ExceptionDetail) error
}

// Engine executes process lists with resilience. Construct with NewEngine;
// the zero value is not usable.
type Engine struct {
	ledger    *services.LedgerService
	publisher EscalationPublisher
	notifier  notify.Notifier
	alerter   notify.Alerter

	immediateRetryAttempts int
	delayedRetryAttempts   int
	delayBetweenRetries    time.Duration
	deadLetterQueue        string

	log zerolog.Logger
}

// NewEngine builds the engine from the resilience policy. Dev mode forces a
// single immediate attempt and no delayed retries so failures surface
// instantly during development.
func NewEngine(
	cfg config.ResilienceConfig,
	ledger *services.LedgerService,
	publisher EscalationPublisher,
	notifier notify.Notifier,
	alerter notify.Alerter,
	deadLetterQueue string,
	log zerolog.Logger,
) *Engine {
	immediate := cfg.ImmediateRetryAttempts
	delayed := cfg.DelayedRetryAttempts
	if cfg.DevMode {
		immediate = 1
		delayed = 0
	}
	if immediate < 1 {
		immediate = 1
	}
	if notifier == nil {
		notifier = notify.NotifierFunc(func(notify.StatusEvent) {})
	}
	return &Engine{
		ledger:                 ledger,
		publisher:              publisher,
		notifier:               notifier,
		alerter:                alerter,
		immediateRetryAttempts: immediate,
		delayedRetryAttempts:   delayed,
		delayBetweenRetries:    cfg.DelayBetweenRetries,
		deadLetterQueue:        deadLetterQueue,
		log:                    log,
	}
}

// Execute runs the ordered process list against one message and settles its
// fate. Step failures never escape: they are collected and turned into a
// retry-queue republish or a dead-letter publish. The returned error is
// reserved for infrastructure failures on those escalation publishes.
func (e *Engine) Execute(ctx context.Context, ev *rabbit.Envelope, procs []dispatch.Process) error {
	redeliveryCount := ev.RedeliveryCount()
	var failures []*EventError

	for _, p := range procs {
		done, err := e.ledger.HasProcessSucceeded(ctx, ev.Properties.MessageID, p.Name)
		if err != nil {
			// The check is an optimization over idempotent steps; a ledger
			// read failure must not stall the message.
			e.log.Warn().Err(err).
				Str("event_uuid", ev.Properties.MessageID).
				Str("process", p.Name).
				Msg("completed-check failed, running process anyway")
		}
		if done {
			continue
		}
		if failure := e.runWithImmediateRetries(ctx, ev, p); failure != nil {
			failures = append(failures, failure)
		}
	}

	if len(failures) == 0 {
		e.notifier.Notify(notify.StatusEvent{
			EventUUID: ev.Properties.MessageID,
			EventType: ev.Properties.Type,
			Status:    notify.StatusTotalSuccess,
			At:        time.Now().UTC(),
		})
		e.log.Info().
			Str("event_uuid", ev.Properties.MessageID).
			Str("event_type", ev.Properties.Type).
			Msg("event fully processed")
		return nil
	}

	if redeliveryCount < e.delayedRetryAttempts {
		return e.escalateToRetryQueue(ctx, ev, redeliveryCount+1)
	}
	return e.escalateToDeadLetter(ctx, ev, failures)
}

// runWithImmediateRetries attempts one step up to the immediate bound with a
// fixed delay between attempts. The first success records the inbox row and
// the completion log; exhaustion returns the last error as a typed failure.
func (e *Engine) runWithImmediateRetries(ctx context.Context, ev *rabbit.Envelope, p dispatch.Process) *EventError {
	for attempt := 1; attempt <= e.immediateRetryAttempts; attempt++ {
		e.notifier.Notify(notify.StatusEvent{
			EventUUID:   ev.Properties.MessageID,
			EventType:   ev.Properties.Type,
			Status:      notify.StatusImmediateRetry,
			Attempt:     attempt,
			ProcessName: p.Name,
			At:          time.Now().UTC(),
		})

		start := time.Now()
		err := p.Handle(ctx, ev)
		if err == nil {
			e.recordCompletion(ctx, ev, p.Name, time.Since(start).Milliseconds())
			e.notifier.Notify(notify.StatusEvent{
				EventUUID:   ev.Properties.MessageID,
				EventType:   ev.Properties.Type,
				Status:      notify.StatusProcessingSuccess,
				Attempt:     attempt,
				ProcessName: p.Name,
				At:          time.Now().UTC(),
			})
			return nil
		}

		failure := classify(err, attempt, p.Name)
		if attempt < e.immediateRetryAttempts {
			e.sleep(ctx)
			continue
		}
		e.log.Warn().Err(err).
			Str("event_uuid", ev.Properties.MessageID).
			Str("process", p.Name).
			Int("attempt", attempt).
			Msg("process exhausted immediate retries")
		return failure
	}
	return nil
}

// recordCompletion persists the inbox row (find-or-create) and the process
// completion log. Ledger failures here are logged, not fatal: the step's
// work is already done and acknowledgment must not depend on bookkeeping.
func (e *Engine) recordCompletion(ctx context.Context, ev *rabbit.Envelope, processName string, durationMs int64) {
	inbox, err := e.ledger.FindOrCreateInboxEvent(ctx, &domain.InboxEvent{
		UUID:       ev.Properties.MessageID,
		Type:       ev.Properties.Type,
		Headers:    ev.HeadersMap(),
		Properties: ev.PropertiesMap(),
		Payload:    ev.PayloadMap(),
	})
	if err != nil {
		e.log.Error().Err(err).
			Str("event_uuid", ev.Properties.MessageID).
			Str("process", processName).
			Msg("failed to persist inbox event")
		return
	}
	if err := e.ledger.RecordProcessLog(ctx, inbox.ID, processName, durationMs); err != nil {
		e.log.Error().Err(err).
			Str("event_uuid", ev.Properties.MessageID).
			Str("process", processName).
			Msg("failed to persist process log")
	}
}

func (e *Engine) escalateToRetryQueue(ctx context.Context, ev *rabbit.Envelope, redeliveryCount int) error {
	if err := e.publisher.PublishToRetryQueue(ctx, ev, redeliveryCount); err != nil {
		e.log.Error().Err(err).
			Str("event_uuid", ev.Properties.MessageID).
			Int("redelivery_count", redeliveryCount).
			Msg("failed to publish to retry queue")
		return err
	}
	e.notifier.Notify(notify.StatusEvent{
		EventUUID: ev.Properties.MessageID,
		EventType: ev.Properties.Type,
		Status:    notify.StatusSentToRetryQueue,
		Attempt:   redeliveryCount,
		At:        time.Now().UTC(),
	})
	return nil
}

func (e *Engine) escalateToDeadLetter(ctx context.Context, ev *rabbit.Envelope, failures []*EventError) error {
	details := make([]rabbit.ExceptionDetail, len(failures))
	for i, f := range failures {
		details[i] = f.Detail()
	}
	if err := e.publisher.PublishToDeadLetter(ctx, ev, details); err != nil {
		e.log.Error().Err(err).
			Str("event_uuid", ev.Properties.MessageID).
			Msg("failed to publish to dead letter queue")
		return err
	}
	e.notifier.Notify(notify.StatusEvent{
		EventUUID: ev.Properties.MessageID,
		EventType: ev.Properties.Type,
		Status:    notify.StatusSentToDeadLetter,
		Attempt:   e.delayedRetryAttempts,
		At:        time.Now().UTC(),
	})

	e.alert(ctx, ev, failures)
	return nil
}

// alert notifies humans about the dead-lettered message. Best-effort only.
func (e *Engine) alert(ctx context.Context, ev *rabbit.Envelope, failures []*EventError) {
	if e.alerter == nil {
		return
	}
	alertFailures := make([]notify.AlertFailure, len(failures))
	for i, f := range failures {
		alertFailures[i] = notify.AlertFailure{
			ExceptionType: f.ExceptionType,
			Message:       f.Message,
			ProcessName:   f.ProcessName,
			Attempt:       f.Attempt,
			FailedAt:      f.FailedAt.Format(time.RFC3339),
		}
	}
	err := e.alerter.SendDeadLetterAlert(ctx, notify.DeadLetterAlert{
		EventUUID: ev.Properties.MessageID,
		EventType: ev.Properties.Type,
		Queue:     e.deadLetterQueue,
		Failures:  alertFailures,
	})
	if err != nil {
		e.log.Warn().Err(err).
			Str("event_uuid", ev.Properties.MessageID).
			Msg("dead-letter alert failed")
	}
}

// sleep waits the configured fixed delay, honoring context cancellation.
func (e *Engine) sleep(ctx context.Context) {
	if e.delayBetweenRetries <= 0 {
		return
	}
	t := time.NewTimer(e.delayBetweenRetries)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// classify attaches attempt context to a typed failure, wrapping unknown
// errors into the generic processing kind.
func classify(err error, attempt int, processName string) *EventError {
	var ev *EventError
	if errors.As(err, &ev) {
		ev.Attempt = attempt
		ev.ProcessName = processName
		return ev
	}
	wrapped := newEventError(err.Error(), KindProcessingError, nil)
	wrapped.Attempt = attempt
	wrapped.ProcessName = processName
	return wrapped
}
