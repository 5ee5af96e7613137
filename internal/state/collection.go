// Package state maintains the reconciled in-memory view the console renders
// from: one ordered, deduplicated collection per entity kind, built from a
// point-in-time snapshot plus every incremental event received since.
//
// Two independently-updating sources feed each collection, the relay push
// stream and the backing store's row-change feed, and there is no ordering
// guarantee between them. The merge is therefore commutative: an update
// that arrives before the snapshot containing its entity is retained and
// applied once the snapshot lands, so the final state is the same
// regardless of arrival order.
//
// All mutation of a collection is serialized behind its mutex; callbacks
// registered with OnChange and the detail-closed hook run outside the lock.
package state

import (
	"sort"
	"sync"
)

// Collection is an ordered, deduplicated set of entities keyed by an opaque
// id. The ordering is fixed at construction (for most collections:
// creation time, newest first).
//
// A Collection distinguishes the underlying store (every entity it knows
// about) from the visible view (entities matching the active filter,
// optionally windowed to a page). Filters and pages affect only what List
// and Page return, never what is stored.
type Collection[T any] struct {
	mu   sync.Mutex
	id   func(T) string
	less func(a, b T) bool

	items []T            // sorted by less
	byID  map[string]int // id -> index into items

	// pending holds update events that arrived before the snapshot
	// containing their entity. They are applied when the snapshot lands.
	pending map[string]T

	scopeToken   uint64
	snapshotDone bool

	filter func(T) bool // nil = no filter

	// page window: ids frozen when SetPage was called, maintained by live
	// events per the page-1-only prepend rule.
	page     int
	pageIDs  []string
	pageSize int

	detailID       string
	detailOpen     bool
	onDetailClosed func()

	changeFuncs []func()
}

// NewCollection creates an empty collection. id extracts the entity id;
// less defines the presentation order.
func NewCollection[T any](id func(T) string, less func(a, b T) bool) *Collection[T] {
	return &Collection[T]{
		id:      id,
		less:    less,
		byID:    make(map[string]int),
		pending: make(map[string]T),
	}
}

// OnChange registers fn to run after every mutation that changed the
// collection. Register before events start flowing.
func (c *Collection[T]) OnChange(fn func()) {
	c.mu.Lock()
	c.changeFuncs = append(c.changeFuncs, fn)
	c.mu.Unlock()
}

// OnDetailClosed registers the hook invoked when the entity open in the
// detail view is deleted.
func (c *Collection[T]) OnDetailClosed(fn func()) {
	c.mu.Lock()
	c.onDetailClosed = fn
	c.mu.Unlock()
}

// Reset discards all state and binds the collection to a new scope token.
// Any in-flight snapshot for a previous scope is rejected by ApplySnapshot
// because its token no longer matches.
func (c *Collection[T]) Reset(scopeToken uint64) {
	c.mu.Lock()
	c.items = nil
	c.byID = make(map[string]int)
	c.pending = make(map[string]T)
	c.scopeToken = scopeToken
	c.snapshotDone = false
	c.page = 0
	c.pageIDs = nil
	c.pageSize = 0
	c.detailID = ""
	c.detailOpen = false
	c.mu.Unlock()
	c.notify()
}

// ScopeToken returns the token the collection is currently bound to.
func (c *Collection[T]) ScopeToken() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scopeToken
}

// ApplySnapshot seeds the collection from a snapshot load performed under
// scopeToken. A snapshot whose token does not match the collection's
// current token is stale (the scope changed while it was in flight) and
// is discarded without effect.
//
// Entities inserted live before the snapshot finished are kept; pending
// updates are applied on top of the snapshot rows, so snapshot and
// incremental merge commute.
func (c *Collection[T]) ApplySnapshot(rows []T, scopeToken uint64) {
	c.mu.Lock()
	if scopeToken != c.scopeToken {
		c.mu.Unlock()
		return
	}

	merged := make([]T, 0, len(rows)+len(c.items))
	seen := make(map[string]bool, len(rows))

	for _, row := range rows {
		id := c.id(row)
		if seen[id] {
			continue
		}
		seen[id] = true
		if upd, ok := c.pending[id]; ok {
			row = upd
			delete(c.pending, id)
		}
		merged = append(merged, row)
	}

	// Keep live inserts the snapshot did not contain.
	for _, item := range c.items {
		if !seen[c.id(item)] {
			merged = append(merged, item)
		}
	}

	c.items = merged
	c.snapshotDone = true
	c.resort()
	c.mu.Unlock()
	c.notify()
}

// ApplyInsert adds the entity. Inserts are idempotent: if an entity with
// the same id is already present the event is a no-op, so replaying a feed
// never duplicates rows.
//
// Events carry the token of the scope that subscribed for them. An event
// still in flight when the scope changes arrives with a superseded token
// and is discarded, the same way ApplySnapshot discards stale snapshots.
func (c *Collection[T]) ApplyInsert(row T, scopeToken uint64) {
	id := c.id(row)

	c.mu.Lock()
	if scopeToken != c.scopeToken {
		c.mu.Unlock()
		return
	}
	if _, exists := c.byID[id]; exists {
		c.mu.Unlock()
		return
	}
	// An earlier update for the same id is superseded by this insert.
	delete(c.pending, id)

	c.items = append(c.items, row)
	c.resort()

	if c.page == 1 && c.matches(row) {
		c.pageIDs = append([]string{id}, c.pageIDs...)
	}
	c.mu.Unlock()
	c.notify()
}

// ApplyUpdate replaces the entity with the same id. If the entity is not
// present yet, because its snapshot is still loading, the update is retained and
// applied when the snapshot arrives rather than dropped. An update carrying
// a superseded scope token is discarded.
func (c *Collection[T]) ApplyUpdate(row T, scopeToken uint64) {
	id := c.id(row)

	c.mu.Lock()
	if scopeToken != c.scopeToken {
		c.mu.Unlock()
		return
	}
	idx, exists := c.byID[id]
	if !exists {
		if !c.snapshotDone {
			c.pending[id] = row
		}
		c.mu.Unlock()
		return
	}

	c.items[idx] = row
	c.resort()

	// An update can move the entity out of the filtered view; the page
	// window tracks the visible set.
	if c.page > 0 && !c.matches(row) {
		c.removeFromPage(id)
	}
	c.mu.Unlock()
	c.notify()
}

// ApplyDelete removes the entity with the given id. Deleting the entity
// open in the detail view closes that view. A delete carrying a superseded
// scope token is discarded.
func (c *Collection[T]) ApplyDelete(id string, scopeToken uint64) {
	c.mu.Lock()
	if scopeToken != c.scopeToken {
		c.mu.Unlock()
		return
	}
	delete(c.pending, id)

	idx, exists := c.byID[id]
	if !exists {
		c.mu.Unlock()
		return
	}

	c.items = append(c.items[:idx], c.items[idx+1:]...)
	c.reindex()
	c.removeFromPage(id)

	closeDetail := c.detailOpen && c.detailID == id
	var onClosed func()
	if closeDetail {
		c.detailOpen = false
		c.detailID = ""
		onClosed = c.onDetailClosed
	}
	c.mu.Unlock()

	if onClosed != nil {
		onClosed()
	}
	c.notify()
}

// Replace swaps the entire collection for rows. This is the replace-class
// update used for firewall rules: the incoming message is ground truth for
// the agent at that instant, so no merge is attempted.
func (c *Collection[T]) Replace(rows []T) {
	c.mu.Lock()
	c.items = append([]T(nil), rows...)
	c.pending = make(map[string]T)
	c.snapshotDone = true
	c.resort()
	c.page = 0
	c.pageIDs = nil
	c.mu.Unlock()
	c.notify()
}

// SetFilter installs pred as the visibility filter (nil clears it). The
// underlying store is unaffected; only List, Page, and the page window
// change.
func (c *Collection[T]) SetFilter(pred func(T) bool) {
	c.mu.Lock()
	c.filter = pred
	c.page = 0
	c.pageIDs = nil
	c.mu.Unlock()
	c.notify()
}

// List returns the visible entities in presentation order.
func (c *Collection[T]) List() []T {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]T, 0, len(c.items))
	for _, item := range c.items {
		if c.matches(item) {
			out = append(out, item)
		}
	}
	return out
}

// All returns every entity in the underlying store, ignoring the filter.
func (c *Collection[T]) All() []T {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]T(nil), c.items...)
}

// Len returns the number of entities in the underlying store.
func (c *Collection[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Get returns the entity with the given id.
func (c *Collection[T]) Get(id string) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero T
	idx, ok := c.byID[id]
	if !ok {
		return zero, false
	}
	return c.items[idx], true
}

// SetPage freezes a page window over the current visible view. While the
// window is on page 1, live inserts are prepended to it; on any later page
// the window is left alone so live traffic does not shift pagination
// boundaries under the operator.
func (c *Collection[T]) SetPage(page, size int) {
	if page < 1 || size < 1 {
		c.mu.Lock()
		c.page = 0
		c.pageIDs = nil
		c.pageSize = 0
		c.mu.Unlock()
		return
	}

	c.mu.Lock()
	visible := make([]string, 0, size)
	skip := (page - 1) * size
	for _, item := range c.items {
		if !c.matches(item) {
			continue
		}
		if skip > 0 {
			skip--
			continue
		}
		visible = append(visible, c.id(item))
		if len(visible) == size {
			break
		}
	}
	c.page = page
	c.pageSize = size
	c.pageIDs = visible
	c.mu.Unlock()
}

// Page materializes the current page window. Without a prior SetPage it
// returns the full visible view.
func (c *Collection[T]) Page() []T {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.page == 0 {
		out := make([]T, 0, len(c.items))
		for _, item := range c.items {
			if c.matches(item) {
				out = append(out, item)
			}
		}
		return out
	}

	out := make([]T, 0, len(c.pageIDs))
	for _, id := range c.pageIDs {
		if idx, ok := c.byID[id]; ok {
			out = append(out, c.items[idx])
		}
	}
	return out
}

// OpenDetail pins the entity with the given id as the open detail view and
// returns it. The detail copy is always read through the store, so an
// update to the entity is immediately visible and a delete closes the view.
func (c *Collection[T]) OpenDetail(id string) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero T
	idx, ok := c.byID[id]
	if !ok {
		return zero, false
	}
	c.detailID = id
	c.detailOpen = true
	return c.items[idx], true
}

// CloseDetail closes the detail view.
func (c *Collection[T]) CloseDetail() {
	c.mu.Lock()
	c.detailID = ""
	c.detailOpen = false
	c.mu.Unlock()
}

// Detail returns the entity currently open in the detail view.
func (c *Collection[T]) Detail() (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero T
	if !c.detailOpen {
		return zero, false
	}
	idx, ok := c.byID[c.detailID]
	if !ok {
		return zero, false
	}
	return c.items[idx], true
}

// --- internal helpers (callers hold c.mu) ---

func (c *Collection[T]) matches(item T) bool {
	return c.filter == nil || c.filter(item)
}

func (c *Collection[T]) resort() {
	sort.SliceStable(c.items, func(i, j int) bool {
		return c.less(c.items[i], c.items[j])
	})
	c.reindex()
}

func (c *Collection[T]) reindex() {
	clear(c.byID)
	for i, item := range c.items {
		c.byID[c.id(item)] = i
	}
}

func (c *Collection[T]) removeFromPage(id string) {
	for i, pid := range c.pageIDs {
		if pid == id {
			c.pageIDs = append(c.pageIDs[:i], c.pageIDs[i+1:]...)
			return
		}
	}
}

func (c *Collection[T]) notify() {
	c.mu.Lock()
	funcs := append([]func(){}, c.changeFuncs...)
	c.mu.Unlock()
	for _, fn := range funcs {
		fn()
	}
}
