// Package services defines the business logic over the event ledgers.
// This file centralizes common service-level error values so that they can be
// consistently returned by service methods and checked by callers.
//
// These errors are intended for internal use by the service layer; translation
// into user-facing messages or HTTP status codes should be performed at the
// handler layer.
package services

import "errors"

var (
	// ErrInboxEventNotFound indicates that no inbox record exists for the
	// requested message identity.
	ErrInboxEventNotFound = errors.New("inbox event not found")

	// ErrOutboxEventNotFound indicates that no outbox record exists for the
	// requested message identity.
	ErrOutboxEventNotFound = errors.New("outbox event not found")

	// ErrEmptyUUID is returned when an operation requires a message identity
	// and none was given.
	ErrEmptyUUID = errors.New("uuid is required")

	// ErrEmptyProcessName is returned when an operation requires a process
	// name and none was given.
	ErrEmptyProcessName = errors.New("process name is required")
)
