package changefeed

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func insertEvent(table, row string) *Event {
	return &Event{Table: table, Op: OpInsert, New: json.RawMessage(row)}
}

func TestManager_DispatchToMatchingTable(t *testing.T) {
	m := NewManager(testLogger())

	var got []string
	m.Subscribe("alerts", Filter{}, Handlers{
		OnInsert: func(row json.RawMessage) { got = append(got, string(row)) },
	})

	m.Dispatch(insertEvent("alerts", `{"id":"al-1"}`))
	m.Dispatch(insertEvent("agents", `{"id":"a-1"}`))

	if len(got) != 1 || got[0] != `{"id":"al-1"}` {
		t.Fatalf("got = %v", got)
	}
}

func TestManager_FilterMatchesColumn(t *testing.T) {
	m := NewManager(testLogger())

	var calls int
	m.Subscribe("alerts", Filter{Column: "agent_id", Value: "a1"}, Handlers{
		OnInsert: func(json.RawMessage) { calls++ },
	})

	m.Dispatch(insertEvent("alerts", `{"id":"al-1","agent_id":"a1"}`))
	m.Dispatch(insertEvent("alerts", `{"id":"al-2","agent_id":"a2"}`))
	m.Dispatch(insertEvent("alerts", `{"id":"al-3"}`)) // column missing

	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestManager_DeleteUsesOldRow(t *testing.T) {
	m := NewManager(testLogger())

	var deleted string
	m.Subscribe("alerts", Filter{Column: "agent_id", Value: "a1"}, Handlers{
		OnDelete: func(oldRow json.RawMessage) { deleted = string(oldRow) },
	})

	m.Dispatch(&Event{
		Table: "alerts",
		Op:    OpDelete,
		Old:   json.RawMessage(`{"id":"al-1","agent_id":"a1"}`),
	})

	if deleted != `{"id":"al-1","agent_id":"a1"}` {
		t.Fatalf("deleted = %q", deleted)
	}
}

func TestManager_DuplicateSubscribeReturnsExisting(t *testing.T) {
	m := NewManager(testLogger())
	f := Filter{Column: "agent_id", Value: "a1"}

	var first, second int
	s1 := m.Subscribe("alerts", f, Handlers{OnInsert: func(json.RawMessage) { first++ }})
	s2 := m.Subscribe("alerts", f, Handlers{OnInsert: func(json.RawMessage) { second++ }})

	if s1 != s2 {
		t.Fatal("duplicate subscribe created a second subscription")
	}
	if n := m.SubscriptionCount(); n != 1 {
		t.Fatalf("SubscriptionCount() = %d, want 1", n)
	}

	m.Dispatch(insertEvent("alerts", `{"agent_id":"a1"}`))
	if first != 1 || second != 0 {
		t.Fatalf("first = %d, second = %d; original handlers must win", first, second)
	}
}

func TestManager_UnsubscribeIsIdempotentAndIsolated(t *testing.T) {
	m := NewManager(testLogger())

	var aCalls, bCalls int
	subA := m.Subscribe("alerts", Filter{Column: "agent_id", Value: "a1"},
		Handlers{OnInsert: func(json.RawMessage) { aCalls++ }})
	m.Subscribe("alerts", Filter{Column: "agent_id", Value: "a2"},
		Handlers{OnInsert: func(json.RawMessage) { bCalls++ }})

	subA.Close()
	subA.Close() // double close is a no-op

	m.Dispatch(insertEvent("alerts", `{"agent_id":"a1"}`))
	m.Dispatch(insertEvent("alerts", `{"agent_id":"a2"}`))

	if aCalls != 0 {
		t.Errorf("closed subscription still invoked %d times", aCalls)
	}
	if bCalls != 1 {
		t.Errorf("sibling subscription affected by close, calls = %d", bCalls)
	}
	if n := m.SubscriptionCount(); n != 1 {
		t.Errorf("SubscriptionCount() = %d, want 1", n)
	}
}

func TestEvent_Row(t *testing.T) {
	ins := insertEvent("alerts", `{"id":"1"}`)
	if string(ins.Row()) != `{"id":"1"}` {
		t.Errorf("insert Row() = %s", ins.Row())
	}

	del := &Event{Table: "alerts", Op: OpDelete, Old: json.RawMessage(`{"id":"2"}`)}
	if string(del.Row()) != `{"id":"2"}` {
		t.Errorf("delete Row() = %s", del.Row())
	}
}

func TestFilter_String(t *testing.T) {
	if got := (Filter{}).String(); got != "*" {
		t.Errorf("zero filter String() = %q, want *", got)
	}
	if got := (Filter{Column: "agent_id", Value: "a1"}).String(); got != "agent_id=eq.a1" {
		t.Errorf("String() = %q", got)
	}
}

func TestNextDelay(t *testing.T) {
	tests := []struct {
		current time.Duration
		max     time.Duration
		want    time.Duration
	}{
		{time.Second, 30 * time.Second, 2 * time.Second},
		{8 * time.Second, 30 * time.Second, 16 * time.Second},
		{16 * time.Second, 30 * time.Second, 30 * time.Second},
		{30 * time.Second, 30 * time.Second, 30 * time.Second},
		{0, 30 * time.Second, 30 * time.Second},
	}

	for _, tt := range tests {
		if got := NextDelay(tt.current, tt.max); got != tt.want {
			t.Errorf("NextDelay(%v, %v) = %v, want %v", tt.current, tt.max, got, tt.want)
		}
	}
}
