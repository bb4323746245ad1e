// Package engine implements the per-message retry/escalation state machine:
// bounded immediate retries per named process, escalation to broker-level
// delayed redelivery, and finally dead-lettering with full diagnostic
// context.
//
// This file defines EventError, the typed failure collected while a step is
// being retried. Application processes may return an EventError directly to
// classify their failure; any other error is wrapped into the generic
// processing kind. Either way the attempt number and process name travel
// with the error into the dead-letter headers.
package engine

import (
	"fmt"
	"runtime/debug"
	"time"

	"github.com/eventres/go-rabbitmq-resilience/internal/rabbit"
)

// Failure kinds carried into dead-letter diagnostics.
const (
	KindBadRequest       = "BadRequest"
	KindUnauthorized     = "Unauthorized"
	KindForbidden        = "Forbidden"
	KindNotFound         = "NotFound"
	KindInternalServer   = "InternalServer"
	KindTransactionError = "TransactionError"
	KindMissingAttribute = "MissingAttribute"
	KindActionNotAllowed = "ActionNotAllowed"
	KindProcessingError  = "ProcessingError"
)

// EventError is a classified processing failure. Attempt and ProcessName are
// filled in by the engine when the failing step exhausts its immediate
// retries.
type EventError struct {
	Message        string
	ExceptionType  string
	StackTrace     string
	FailedAt       time.Time
	Attempt        int
	ProcessName    string
	AdditionalData map[string]any
}

// Error implements the error interface.
func (e *EventError) Error() string {
	if e.ProcessName != "" {
		return fmt.Sprintf("%s: %s (process %q, attempt %d)", e.ExceptionType, e.Message, e.ProcessName, e.Attempt)
	}
	return fmt.Sprintf("%s: %s", e.ExceptionType, e.Message)
}

// Detail renders the failure as the structured document attached to
// dead-letter headers.
func (e *EventError) Detail() rabbit.ExceptionDetail {
	data := map[string]any{
		"attempt":     e.Attempt,
		"processName": e.ProcessName,
	}
	for k, v := range e.AdditionalData {
		data[k] = v
	}
	return rabbit.ExceptionDetail{
		Message:        e.Message,
		ExceptionType:  e.ExceptionType,
		StackTrace:     e.StackTrace,
		FailedAt:       e.FailedAt.Format(time.RFC3339Nano),
		AdditionalData: data,
	}
}

func newEventError(message, kind string, data map[string]any) *EventError {
	return &EventError{
		Message:        message,
		ExceptionType:  kind,
		StackTrace:     string(debug.Stack()),
		FailedAt:       time.Now().UTC(),
		AdditionalData: data,
	}
}

// BadRequest classifies a failure caused by malformed application input.
func BadRequest(message string, data ...map[string]any) *EventError {
	return newEventError(message, KindBadRequest, first(data))
}

// Unauthorized classifies a failure caused by missing authentication.
func Unauthorized(message string, data ...map[string]any) *EventError {
	return newEventError(message, KindUnauthorized, first(data))
}

// Forbidden classifies a failure caused by insufficient permission.
func Forbidden(message string, data ...map[string]any) *EventError {
	return newEventError(message, KindForbidden, first(data))
}

// NotFound classifies a failure caused by a missing referenced entity.
func NotFound(message string, data ...map[string]any) *EventError {
	return newEventError(message, KindNotFound, first(data))
}

// InternalServer classifies an unexpected internal failure.
func InternalServer(message string, data ...map[string]any) *EventError {
	if message == "" {
		message = "Internal error"
	}
	return newEventError(message, KindInternalServer, first(data))
}

// TransactionError classifies a failed storage transaction.
func TransactionError(reason string, data ...map[string]any) *EventError {
	return newEventError("Transaction failed: "+reason, KindTransactionError, first(data))
}

// MissingAttribute classifies a payload missing a required attribute.
func MissingAttribute(attribute, from string, data ...map[string]any) *EventError {
	return newEventError(fmt.Sprintf("Missing attribute: %s from %s", attribute, from), KindMissingAttribute, first(data))
}

// ActionNotAllowed classifies an operation rejected by business rules.
func ActionNotAllowed(message string, data ...map[string]any) *EventError {
	return newEventError(message, KindActionNotAllowed, first(data))
}

func first(data []map[string]any) map[string]any {
	if len(data) > 0 {
		return data[0]
	}
	return nil
}
