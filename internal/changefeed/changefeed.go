// Package changefeed delivers row-level change notifications from the
// PostgreSQL backing store to in-process subscribers.
//
// The database side is a set of AFTER-row triggers (see db/migrations) that
// publish every committed INSERT/UPDATE/DELETE on a watched table to one
// NOTIFY channel as a JSON payload carrying the full new row (insert,
// update) or the full old row (delete). A Listener holds one dedicated
// connection in LISTEN mode and turns notifications into Events; a Manager
// routes each Event to the subscriptions whose (table, filter) pair it
// matches.
//
// Design notes
//
//   - At most one live subscription exists per (table, filter) pair.
//     Subscribing again with an unchanged pair returns the existing handle.
//   - Subscribers receive raw row JSON. Decoding into typed rows is the
//     subscriber's job; the feed does not diff fields.
//   - A handler error or a malformed payload affects only that event; it
//     never tears down other subscriptions or the listener.
package changefeed

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// Channel is the NOTIFY channel the migrations' triggers publish on.
const Channel = "sentinel_changes"

// Op is the row operation carried in a change event.
type Op string

const (
	OpInsert Op = "INSERT"
	OpUpdate Op = "UPDATE"
	OpDelete Op = "DELETE"
)

// Event is one row-level change. New is populated for inserts and updates,
// Old for deletes; both are the full row as JSON.
type Event struct {
	Table string          `json:"table"`
	Op    Op              `json:"event"`
	New   json.RawMessage `json:"new,omitempty"`
	Old   json.RawMessage `json:"old,omitempty"`
}

// Row returns the row payload relevant to the operation: Old for deletes,
// New otherwise.
func (e *Event) Row() json.RawMessage {
	if e.Op == OpDelete {
		return e.Old
	}
	return e.New
}

// Filter is an equality constraint on one column of the changed row. The
// zero Filter matches every row of the table.
type Filter struct {
	Column string
	Value  string
}

// String renders the filter in the column=eq.value form used in
// subscription keys and logs.
func (f Filter) String() string {
	if f.Column == "" {
		return "*"
	}
	return f.Column + "=eq." + f.Value
}

// matches reports whether the event's row satisfies the filter. Rows whose
// payload cannot be decoded do not match.
func (f Filter) matches(e *Event) bool {
	if f.Column == "" {
		return true
	}
	var row map[string]any
	if err := json.Unmarshal(e.Row(), &row); err != nil {
		return false
	}
	v, ok := row[f.Column]
	if !ok {
		return false
	}
	return fmt.Sprintf("%v", v) == f.Value
}

// Handlers holds the per-operation callbacks of a subscription. Nil
// callbacks are skipped. Callbacks run synchronously on the listener's
// notification goroutine, in subscription order.
type Handlers struct {
	OnInsert func(newRow json.RawMessage)
	OnUpdate func(newRow json.RawMessage)
	OnDelete func(oldRow json.RawMessage)
}

// Subscription is the handle returned by Manager.Subscribe. Close it (or
// call Manager.Unsubscribe) when the scope that needed it goes away.
type Subscription struct {
	mgr      *Manager
	table    string
	filter   Filter
	handlers Handlers
}

// Table returns the subscribed table name.
func (s *Subscription) Table() string { return s.table }

// Filter returns the subscription's row filter.
func (s *Subscription) Filter() Filter { return s.filter }

// Close tears down the subscription. Closing an already-closed subscription
// is a no-op.
func (s *Subscription) Close() { s.mgr.Unsubscribe(s) }

// subKey identifies a subscription by its (table, filter) pair.
type subKey struct {
	table  string
	filter Filter
}

// Manager owns the subscription registry and routes events to matching
// subscriptions. It is safe for concurrent use.
type Manager struct {
	mu     sync.Mutex
	subs   map[subKey]*Subscription
	logger *slog.Logger
}

// NewManager creates an empty Manager.
func NewManager(logger *slog.Logger) *Manager {
	return &Manager{
		subs:   make(map[subKey]*Subscription),
		logger: logger,
	}
}

// Subscribe opens a subscription for the (table, filter) pair. If one
// already exists it is returned unchanged; the new handlers are NOT
// installed, matching the at-most-one-subscription invariant.
func (m *Manager) Subscribe(table string, filter Filter, h Handlers) *Subscription {
	key := subKey{table: table, filter: filter}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.subs[key]; ok {
		return existing
	}

	sub := &Subscription{mgr: m, table: table, filter: filter, handlers: h}
	m.subs[key] = sub
	m.logger.Debug("changefeed: subscribed",
		slog.String("table", table),
		slog.String("filter", filter.String()),
	)
	return sub
}

// Unsubscribe removes sub from the registry. Unknown or already-removed
// subscriptions are a no-op. Other subscriptions are unaffected.
func (m *Manager) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	key := subKey{table: sub.table, filter: sub.filter}

	m.mu.Lock()
	defer m.mu.Unlock()

	if current, ok := m.subs[key]; ok && current == sub {
		delete(m.subs, key)
		m.logger.Debug("changefeed: unsubscribed",
			slog.String("table", sub.table),
			slog.String("filter", sub.filter.String()),
		)
	}
}

// SubscriptionCount returns the number of live subscriptions.
func (m *Manager) SubscriptionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

// Dispatch routes one event to every matching subscription. It is called by
// the Listener but is exported so tests (and alternative feed sources) can
// inject events directly.
func (m *Manager) Dispatch(e *Event) {
	m.mu.Lock()
	matched := make([]*Subscription, 0, 4)
	for _, sub := range m.subs {
		if sub.table == e.Table && sub.filter.matches(e) {
			matched = append(matched, sub)
		}
	}
	m.mu.Unlock()

	for _, sub := range matched {
		switch e.Op {
		case OpInsert:
			if sub.handlers.OnInsert != nil {
				sub.handlers.OnInsert(e.New)
			}
		case OpUpdate:
			if sub.handlers.OnUpdate != nil {
				sub.handlers.OnUpdate(e.New)
			}
		case OpDelete:
			if sub.handlers.OnDelete != nil {
				sub.handlers.OnDelete(e.Old)
			}
		default:
			m.logger.Warn("changefeed: event with unknown op",
				slog.String("table", e.Table),
				slog.String("op", string(e.Op)),
			)
		}
	}
}
