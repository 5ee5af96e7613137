package state

import "sync"

// Buffer is a bounded most-recent-first buffer for high-volume append-only
// streams (log lines). When full, appending evicts the oldest entry. Unlike
// Collection there is no identity or dedup: every appended entry is kept
// until it ages out.
type Buffer[T any] struct {
	mu      sync.Mutex
	cap     int
	entries []T // newest first
}

// NewBuffer creates a buffer that retains at most capacity entries.
// Capacity must be positive.
func NewBuffer[T any](capacity int) *Buffer[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer[T]{cap: capacity}
}

// Append adds entry as the newest element, evicting the oldest when the
// buffer is at capacity.
func (b *Buffer[T]) Append(entry T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.entries) == b.cap {
		b.entries = b.entries[:b.cap-1]
	}
	b.entries = append([]T{entry}, b.entries...)
}

// List returns the buffered entries, newest first.
func (b *Buffer[T]) List() []T {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]T(nil), b.entries...)
}

// Filtered returns the entries matching pred, newest first. A nil pred
// matches everything.
func (b *Buffer[T]) Filtered(pred func(T) bool) []T {
	b.mu.Lock()
	defer b.mu.Unlock()

	if pred == nil {
		return append([]T(nil), b.entries...)
	}
	out := make([]T, 0, len(b.entries))
	for _, e := range b.entries {
		if pred(e) {
			out = append(out, e)
		}
	}
	return out
}

// Len returns the number of buffered entries.
func (b *Buffer[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Clear drops all entries.
func (b *Buffer[T]) Clear() {
	b.mu.Lock()
	b.entries = nil
	b.mu.Unlock()
}
