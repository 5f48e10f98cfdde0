package storage

import (
	"sync"
	"time"
)

// ExpiryTracker records the deletion deadline of files uploaded with a TTL.
// Files without an entry never expire.
// Thread-safe: All methods are safe for concurrent access.
type ExpiryTracker struct {
	deadlines map[string]time.Time
	mu        sync.Mutex
}

// NewExpiryTracker creates an empty tracker.
func NewExpiryTracker() *ExpiryTracker {
	return &ExpiryTracker{
		deadlines: make(map[string]time.Time),
	}
}

// Track sets or replaces the deadline for name.
func (t *ExpiryTracker) Track(name string, deadline time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.deadlines[name] = deadline
}

// Forget removes any deadline for name.
func (t *ExpiryTracker) Forget(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.deadlines, name)
}

// Deadline returns the deadline for name, if one is tracked.
func (t *ExpiryTracker) Deadline(name string) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.deadlines[name]
	return d, ok
}

// Expired reports whether name has a deadline at or before now.
func (t *ExpiryTracker) Expired(name string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.deadlines[name]
	return ok && !now.Before(d)
}

// TakeDue removes and returns every name whose deadline is at or before now.
// A name re-tracked with a later deadline after this call is unaffected.
func (t *ExpiryTracker) TakeDue(now time.Time) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var due []string
	for name, d := range t.deadlines {
		if !now.Before(d) {
			due = append(due, name)
			delete(t.deadlines, name)
		}
	}
	return due
}

// TakeIfDue removes name and returns true if its deadline has passed.
func (t *ExpiryTracker) TakeIfDue(name string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	d, ok := t.deadlines[name]
	if !ok || now.Before(d) {
		return false
	}
	delete(t.deadlines, name)
	return true
}

// Len returns the number of tracked files.
func (t *ExpiryTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.deadlines)
}
