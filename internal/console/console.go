// Package console buffers output events captured from the debug adapter.
package console

import (
	"sync"
	"time"
)

// DefaultCapacity is used when no capacity override is configured, or when
// the configured value is invalid.
const DefaultCapacity = 1000

// Categories reported by the debug adapter for output events.
const (
	CategoryConsole = "console"
	CategoryStdout  = "stdout"
	CategoryStderr  = "stderr"
)

// Entry is a single captured output event.
type Entry struct {
	Timestamp int64  `json:"timestamp"` // wall-clock milliseconds
	Category  string `json:"category"`
	Message   string `json:"message"`
	Source    string `json:"source,omitempty"`
	Line      int    `json:"line,omitempty"`
}

// Filter narrows Get results. Zero values mean "no constraint"; in
// particular Limit 0 means unlimited, not zero results.
type Filter struct {
	Category string
	Since    int64 // inclusive minimum timestamp, milliseconds
	Limit    int   // trailing-N after the other filters
}

// Buffer is a bounded FIFO of output entries. When capacity is exceeded the
// oldest entry is evicted, one eviction per insertion.
type Buffer struct {
	mu       sync.Mutex
	entries  []Entry
	capacity int
}

// NewBuffer creates a buffer with the given capacity, falling back to
// DefaultCapacity for non-positive values.
func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{capacity: capacity}
}

// Add appends an entry, stamping the current wall-clock time when the
// entry carries none, and evicts the oldest entry beyond capacity.
func (b *Buffer) Add(e Entry) {
	if e.Timestamp == 0 {
		e.Timestamp = time.Now().UnixMilli()
	}
	if e.Category == "" {
		e.Category = CategoryConsole
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries = append(b.entries, e)
	if len(b.entries) > b.capacity {
		b.entries = b.entries[1:]
	}
}

// Get returns entries matching the filter in original relative order.
// Filters apply in order: category equality, inclusive minimum timestamp,
// then the trailing-N limit.
func (b *Buffer) Get(f Filter) []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()

	matched := make([]Entry, 0, len(b.entries))
	for _, e := range b.entries {
		if f.Category != "" && e.Category != f.Category {
			continue
		}
		if f.Since > 0 && e.Timestamp < f.Since {
			continue
		}
		matched = append(matched, e)
	}

	if f.Limit > 0 && len(matched) > f.Limit {
		matched = matched[len(matched)-f.Limit:]
	}
	return matched
}

// Clear empties the buffer and reports how many entries were dropped.
func (b *Buffer) Clear() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(b.entries)
	b.entries = nil
	return n
}

// Size reports current occupancy.
func (b *Buffer) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Capacity reports the configured maximum.
func (b *Buffer) Capacity() int {
	return b.capacity
}
