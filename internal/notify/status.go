// Package notify carries processing-status signals out of the retry engine
// to whoever wants them: logs, metrics, a live stream for observability
// dashboards, and human alerting on dead-letters. Notification is always
// best-effort; no notifier failure ever affects message disposition.
package notify

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// Status enumerates the per-message transitions the engine reports.
type Status string

const (
	StatusImmediateRetry    Status = "IMMEDIATE_RETRY"
	StatusProcessingSuccess Status = "PROCESSING_SUCCESS"
	StatusSentToRetryQueue  Status = "SEND_TO_RETRY_QUEUE"
	StatusSentToDeadLetter  Status = "SEND_TO_DEAD_LETTER_QUEUE"
	StatusTotalSuccess      Status = "TOTAL_PROCESSING_SUCCESS"
	StatusDiscarded         Status = "DISCARD_MESSAGE"
)

// StatusEvent is one observable transition of one message.
type StatusEvent struct {
	EventUUID   string    `json:"event_uuid"`
	EventType   string    `json:"event_type"`
	Status      Status    `json:"status"`
	Attempt     int       `json:"attempt,omitempty"`
	ProcessName string    `json:"process_name,omitempty"`
	At          time.Time `json:"at"`
}

// Notifier consumes status events. Implementations must be safe for
// concurrent use and must never block the caller for long.
type Notifier interface {
	Notify(ev StatusEvent)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(ev StatusEvent)

// Notify calls f.
func (f NotifierFunc) Notify(ev StatusEvent) { f(ev) }

// Multi fans a status event out to several notifiers in order.
func Multi(notifiers ...Notifier) Notifier {
	return NotifierFunc(func(ev StatusEvent) {
		for _, n := range notifiers {
			if n != nil {
				n.Notify(ev)
			}
		}
	})
}

// NewLogNotifier returns a notifier writing one structured line per
// transition.
func NewLogNotifier(log zerolog.Logger) Notifier {
	return NotifierFunc(func(ev StatusEvent) {
		e := log.Info().
			Str("event_uuid", ev.EventUUID).
			Str("event_type", ev.EventType).
			Str("status", string(ev.Status))
		if ev.Attempt > 0 {
			e = e.Int("attempt", ev.Attempt)
		}
		if ev.ProcessName != "" {
			e = e.Str("process", ev.ProcessName)
		}
		e.Msg("event status")
	})
}

var (
	// statusEvents counts status transitions by status and event type.
	statusEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "event_status_transitions_total",
			Help: "Total number of message status transitions reported by the retry engine.",
		},
		[]string{"status", "event_type"},
	)

	promRegisterOnce sync.Once
)

// NewPrometheusNotifier returns a notifier exporting transition counters.
// Registration against the default registry happens once, so multiple
// services in one process share the collector.
func NewPrometheusNotifier() Notifier {
	promRegisterOnce.Do(func() {
		prometheus.MustRegister(statusEvents)
	})
	return NotifierFunc(func(ev StatusEvent) {
		statusEvents.WithLabelValues(string(ev.Status), ev.EventType).Inc()
	})
}

// Hub is a fan-out notifier feeding an arbitrary number of subscribers, each
// with its own buffered channel. Slow subscribers lose events rather than
// stalling the engine.
type Hub struct {
	mu   sync.Mutex
	subs map[chan StatusEvent]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[chan StatusEvent]struct{})}
}

// Subscribe registers a new subscriber and returns its channel together with
// a cancel function. The channel is closed on cancel.
func (h *Hub) Subscribe() (<-chan StatusEvent, func()) {
	ch := make(chan StatusEvent, 64)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			h.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Notify delivers the event to every subscriber whose buffer has room.
func (h *Hub) Notify(ev StatusEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- ev:
		default: // drop for slow subscribers
		}
	}
}

// SubscriberCount reports the current number of subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
