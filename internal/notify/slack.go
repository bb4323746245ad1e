// Package notify – Slack alerting
//
// Dead-lettered messages trigger a human notification through a Slack
// incoming webhook. Alerting is strictly best-effort: errors are returned to
// the caller for logging but never influence what happens to the message.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// AlertFailure is one exhausted processing failure included in an alert.
type AlertFailure struct {
	ExceptionType string `json:"exception_type"`
	Message       string `json:"message"`
	ProcessName   string `json:"process_name"`
	Attempt       int    `json:"attempt"`
	FailedAt      string `json:"failed_at"`
}

// DeadLetterAlert describes a message that exhausted all retry tiers.
type DeadLetterAlert struct {
	EventUUID string         `json:"event_uuid"`
	EventType string         `json:"event_type"`
	Queue     string         `json:"queue"`
	Failures  []AlertFailure `json:"failures"`
}

// Alerter notifies humans about dead-lettered messages.
type Alerter interface {
	SendDeadLetterAlert(ctx context.Context, alert DeadLetterAlert) error
}

// SlackAlerter posts dead-letter alerts to a Slack incoming webhook.
type SlackAlerter struct {
	WebhookURL string
	Channel    string

	// Client defaults to a 10s-timeout client when nil.
	Client *http.Client
}

// NewSlackAlerter builds an alerter for the given webhook. Returns nil when
// the URL is empty, which callers treat as alerting disabled.
func NewSlackAlerter(webhookURL, channel string) *SlackAlerter {
	if strings.TrimSpace(webhookURL) == "" {
		return nil
	}
	return &SlackAlerter{
		WebhookURL: webhookURL,
		Channel:    channel,
		Client:     &http.Client{Timeout: 10 * time.Second},
	}
}

// SendDeadLetterAlert formats and posts the alert. A non-2xx response is an
// error so the caller can log it.
func (s *SlackAlerter) SendDeadLetterAlert(ctx context.Context, alert DeadLetterAlert) error {
	var b strings.Builder
	fmt.Fprintf(&b, ":rotating_light: Event `%s` (type `%s`) was sent to the dead letter queue `%s`.\n",
		alert.EventUUID, alert.EventType, alert.Queue)
	for _, f := range alert.Failures {
		fmt.Fprintf(&b, "• `%s` failed on attempt %d: [%s] %s (at %s)\n",
			f.ProcessName, f.Attempt, f.ExceptionType, f.Message, f.FailedAt)
	}

	payload := map[string]any{"text": b.String()}
	if s.Channel != "" {
		payload["channel"] = s.Channel
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	client := s.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("slack webhook returned status %d", resp.StatusCode)
	}
	return nil
}
