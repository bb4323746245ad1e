// Package handlers defines the HTTP-layer error codes used across the admin
// API. Codes are lowercase snake_case and stable, so clients can branch on
// them programmatically while the message stays human-readable.
package handlers

const (
	ErrCodeBadRequest       = "bad_request"
	ErrCodeNotFound         = "not_found"
	ErrCodeConflict         = "conflict"
	ErrCodeInternal         = "internal_error"
	ErrCodeMethodNotAllowed = "method_not_allowed"

	// Domain-specific:
	ErrCodeBrokerUnavailable = "broker_unavailable"
	ErrCodeReplayFailed      = "replay_failed"
)
