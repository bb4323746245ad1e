package notify

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestMulti_FansOutAndSkipsNil(t *testing.T) {
	var a, b int
	n := Multi(
		NotifierFunc(func(StatusEvent) { a++ }),
		nil,
		NotifierFunc(func(StatusEvent) { b++ }),
	)
	n.Notify(StatusEvent{Status: StatusTotalSuccess})
	if a != 1 || b != 1 {
		t.Fatalf("expected both notifiers called once, got a=%d b=%d", a, b)
	}
}

func TestLogNotifier_DoesNotPanic(t *testing.T) {
	n := NewLogNotifier(zerolog.Nop())
	n.Notify(StatusEvent{
		EventUUID:   "u",
		EventType:   "t",
		Status:      StatusImmediateRetry,
		Attempt:     2,
		ProcessName: "p",
		At:          time.Now(),
	})
	n.Notify(StatusEvent{Status: StatusDiscarded})
}

func TestPrometheusNotifier_RegistersOnce(t *testing.T) {
	// Two constructions must not panic on duplicate registration.
	n1 := NewPrometheusNotifier()
	n2 := NewPrometheusNotifier()
	n1.Notify(StatusEvent{Status: StatusSentToRetryQueue, EventType: "t"})
	n2.Notify(StatusEvent{Status: StatusSentToRetryQueue, EventType: "t"})
}

func TestHub_SubscribeReceiveCancel(t *testing.T) {
	h := NewHub()
	ch, cancel := h.Subscribe()
	if h.SubscriberCount() != 1 {
		t.Fatalf("expected 1 subscriber, got %d", h.SubscriberCount())
	}

	h.Notify(StatusEvent{EventUUID: "u-1", Status: StatusProcessingSuccess})
	select {
	case ev := <-ch:
		if ev.EventUUID != "u-1" {
			t.Fatalf("got %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}

	cancel()
	cancel() // idempotent
	if h.SubscriberCount() != 0 {
		t.Fatalf("expected 0 subscribers, got %d", h.SubscriberCount())
	}
	if _, open := <-ch; open {
		t.Fatal("expected channel closed after cancel")
	}
}

func TestHub_SlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	h := NewHub()
	ch, cancel := h.Subscribe()
	defer cancel()

	// Fill the buffer and then some; Notify must never block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 200; i++ {
			h.Notify(StatusEvent{Status: StatusImmediateRetry})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Notify blocked on a slow subscriber")
	}

	// The buffer holds at most its capacity.
	received := 0
	for {
		select {
		case <-ch:
			received++
			continue
		default:
		}
		break
	}
	if received == 0 || received > 64 {
		t.Fatalf("expected 1..64 buffered events, got %d", received)
	}
}
