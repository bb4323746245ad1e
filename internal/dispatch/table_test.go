package dispatch

import (
	"context"
	"testing"

	"github.com/eventres/go-rabbitmq-resilience/internal/rabbit"
)

func noop(context.Context, *rabbit.Envelope) error { return nil }

func TestNewTable_ValidConfig(t *testing.T) {
	tbl, err := NewTable([]EventConfig{
		{EventType: "order.created", Processes: []Process{
			{Name: "reserve-stock", Handle: noop},
			{Name: "send-email", Handle: noop},
		}},
		{EventType: "user.registered", Processes: []Process{
			{Name: "provision", Handle: noop},
		}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tbl.Size() != 2 {
		t.Fatalf("expected 2 types, got %d", tbl.Size())
	}

	procs, ok := tbl.Resolve("order.created")
	if !ok || len(procs) != 2 {
		t.Fatalf("resolve: ok=%v len=%d", ok, len(procs))
	}
	if procs[0].Name != "reserve-stock" || procs[1].Name != "send-email" {
		t.Fatalf("process order not preserved: %v, %v", procs[0].Name, procs[1].Name)
	}

	if _, ok := tbl.Resolve("unknown.type"); ok {
		t.Fatal("expected miss for unregistered type")
	}

	p, ok := tbl.FindProcess("order.created", "send-email")
	if !ok || p.Name != "send-email" {
		t.Fatalf("find process: ok=%v name=%q", ok, p.Name)
	}
	if _, ok := tbl.FindProcess("order.created", "nope"); ok {
		t.Fatal("expected miss for unknown process")
	}
}

func TestNewTable_RejectsBadConfigs(t *testing.T) {
	cases := []struct {
		name    string
		configs []EventConfig
	}{
		{"empty type", []EventConfig{{EventType: "", Processes: []Process{{Name: "p", Handle: noop}}}}},
		{"no processes", []EventConfig{{EventType: "t"}}},
		{"unnamed process", []EventConfig{{EventType: "t", Processes: []Process{{Handle: noop}}}}},
		{"nil handler", []EventConfig{{EventType: "t", Processes: []Process{{Name: "p"}}}}},
		{"duplicate type", []EventConfig{
			{EventType: "t", Processes: []Process{{Name: "p", Handle: noop}}},
			{EventType: "t", Processes: []Process{{Name: "q", Handle: noop}}},
		}},
		{"duplicate process", []EventConfig{
			{EventType: "t", Processes: []Process{
				{Name: "p", Handle: noop},
				{Name: "p", Handle: noop},
			}},
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewTable(tc.configs); err == nil {
				t.Fatal("expected error, got nil")
			}
		})
	}
}
