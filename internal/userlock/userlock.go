// ABOUTME: Keyed mutex table providing one exclusive critical section per user
// ABOUTME: Entries are reference counted and removed once no goroutine holds or waits

// Package userlock serializes work per user identifier without a global lock
// around user state. The table's own mutex only guards entry bookkeeping.
package userlock

import "sync"

type entry struct {
	mu   sync.Mutex
	refs int
}

// Table hands out per-key mutexes.
type Table struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// New creates an empty lock table.
func New() *Table {
	return &Table{entries: make(map[string]*entry)}
}

// Lock acquires the critical section for key and returns its release func.
// The release func must be called exactly once.
func (t *Table) Lock(key string) (unlock func()) {
	t.mu.Lock()
	e, ok := t.entries[key]
	if !ok {
		e = &entry{}
		t.entries[key] = e
	}
	e.refs++
	t.mu.Unlock()

	e.mu.Lock()

	return func() {
		e.mu.Unlock()

		t.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(t.entries, key)
		}
		t.mu.Unlock()
	}
}

// Len reports how many keys currently have holders or waiters.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
