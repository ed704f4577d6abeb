package models

import "testing"

func TestResultKeyRoundTrip(t *testing.T) {
	item := WorkItem{ProductID: 42, TaskID: "product_short_description"}
	parsed, err := ParseResultKey(item.Key())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed != item {
		t.Fatalf("expected %+v got %+v", item, parsed)
	}
	if _, err := ParseResultKey("nope"); err == nil {
		t.Fatalf("expected error for malformed key")
	}
}

func TestProgressOutstanding(t *testing.T) {
	p := Progress{Total: 5, Completed: 3, Failed: 1}
	if p.Outstanding() != 1 || p.Resolved() != 4 || !p.HasErrors() {
		t.Fatalf("unexpected progress math: %+v", p)
	}
	over := Progress{Total: 1, Completed: 2}
	if over.Outstanding() != 0 {
		t.Fatalf("outstanding must not go negative")
	}
}

func TestEnabledTasksKeepsOrder(t *testing.T) {
	cfg := QueueConfig{Tasks: []TaskConfig{
		{ID: "b", Enabled: true},
		{ID: "a", Enabled: false},
		{ID: "c", Enabled: true},
	}}
	got := cfg.EnabledTasks()
	if len(got) != 2 || got[0].ID != "b" || got[1].ID != "c" {
		t.Fatalf("unexpected enabled tasks %+v", got)
	}
}
