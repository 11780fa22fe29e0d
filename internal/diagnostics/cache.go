package diagnostics

import "sync"

// Cache maps absolute file paths to their most recent diagnostic list.
// Set replaces wholesale; there is no merging and no eviction beyond
// explicit clears. Bounded in practice by the number of distinct files
// ever opened.
type Cache struct {
	mu      sync.RWMutex
	entries map[string][]Diagnostic
}

// NewCache creates an empty diagnostic cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[string][]Diagnostic)}
}

// Set replaces the entry for path with a copy of diags.
func (c *Cache) Set(path string, diags []Diagnostic) {
	cp := make([]Diagnostic, len(diags))
	copy(cp, diags)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[path] = cp
}

// Get returns the diagnostics for path. Unknown paths yield an empty,
// non-nil slice.
func (c *Cache) Get(path string) []Diagnostic {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[path]
	if !ok {
		return []Diagnostic{}
	}
	cp := make([]Diagnostic, len(entry))
	copy(cp, entry)
	return cp
}

// Clear removes the entry for a single path.
func (c *Cache) Clear(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, path)
}

// ClearAll empties the cache.
func (c *Cache) ClearAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string][]Diagnostic)
}

// Snapshot returns a copy of the full cache keyed by path.
func (c *Cache) Snapshot() map[string][]Diagnostic {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap := make(map[string][]Diagnostic, len(c.entries))
	for path, diags := range c.entries {
		cp := make([]Diagnostic, len(diags))
		copy(cp, diags)
		snap[path] = cp
	}
	return snap
}

// Len reports the number of cached paths.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
