package rpc

import (
	"encoding/json"
	"testing"
)

func TestSystemEvent_Wire(t *testing.T) {
	var ev Event = SystemEvent{
		Kind:      Of(EventSystemEvent),
		UserID:    "guest_1",
		Event:     "tab_active",
		MsgID:     4,
		Timestamp: "2026-05-01T09:00:00.000Z",
	}
	if ev.EventType() != EventSystemEvent {
		t.Fatalf("EventType() = %q, want %q", ev.EventType(), EventSystemEvent)
	}

	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatal(err)
	}
	var got map[string]any
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	if got["type"] != EventSystemEvent || got["eventType"] != "tab_active" || got["userId"] != "guest_1" {
		t.Errorf("unexpected frame: %s", data)
	}
}
