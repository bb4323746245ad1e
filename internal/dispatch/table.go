// Package dispatch maps a message's declared type to the ordered list of
// named processes that must run for it. The table is built once from static
// configuration at startup and is immutable afterwards; a lookup miss is an
// ordinary control-flow branch (the message is discarded), never an error.
package dispatch

import (
	"context"
	"fmt"
	"strings"

	"github.com/eventres/go-rabbitmq-resilience/internal/rabbit"
)

// ProcessFunc is one unit of application work executed against a message.
type ProcessFunc func(ctx context.Context, ev *rabbit.Envelope) error

// Process is a named processing step. The name is the idempotency key
// component: a completion is recorded per (message uuid, process name).
type Process struct {
	Name   string
	Handle ProcessFunc
}

// EventConfig declares the processes for one message type, in execution
// order.
type EventConfig struct {
	EventType string
	Processes []Process
}

// Table is the immutable type → process-list lookup.
type Table struct {
	byType map[string][]Process
}

// NewTable builds the lookup from the configured event list. Duplicate event
// types, empty type names, and unnamed or nil processes are configuration
// mistakes and are rejected here, at startup, rather than at delivery time.
func NewTable(configs []EventConfig) (*Table, error) {
	byType := make(map[string][]Process, len(configs))
	for _, cfg := range configs {
		t := strings.TrimSpace(cfg.EventType)
		if t == "" {
			return nil, fmt.Errorf("dispatch: event type cannot be empty")
		}
		if _, exists := byType[t]; exists {
			return nil, fmt.Errorf("dispatch: duplicate event type %q", t)
		}
		if len(cfg.Processes) == 0 {
			return nil, fmt.Errorf("dispatch: event type %q has no processes", t)
		}
		procs := make([]Process, len(cfg.Processes))
		seen := make(map[string]struct{}, len(cfg.Processes))
		for i, p := range cfg.Processes {
			name := strings.TrimSpace(p.Name)
			if name == "" {
				return nil, fmt.Errorf("dispatch: event type %q has a process with no name", t)
			}
			if p.Handle == nil {
				return nil, fmt.Errorf("dispatch: process %q of event type %q has no handler", name, t)
			}
			if _, dup := seen[name]; dup {
				return nil, fmt.Errorf("dispatch: duplicate process %q for event type %q", name, t)
			}
			seen[name] = struct{}{}
			procs[i] = Process{Name: name, Handle: p.Handle}
		}
		byType[t] = procs
	}
	return &Table{byType: byType}, nil
}

// Resolve returns the ordered process list for the given message type.
// ok is false when no consumer is configured for that type.
func (t *Table) Resolve(eventType string) (procs []Process, ok bool) {
	procs, ok = t.byType[eventType]
	return procs, ok
}

// FindProcess returns a single named process of a message type, used by the
// administrative reprocess operation.
func (t *Table) FindProcess(eventType, processName string) (Process, bool) {
	procs, ok := t.byType[eventType]
	if !ok {
		return Process{}, false
	}
	for _, p := range procs {
		if p.Name == processName {
			return p, true
		}
	}
	return Process{}, false
}

// Size reports the number of configured event types.
func (t *Table) Size() int { return len(t.byType) }

// Types lists the configured event types (order unspecified).
func (t *Table) Types() []string {
	out := make([]string, 0, len(t.byType))
	for k := range t.byType {
		out = append(out, k)
	}
	return out
}
