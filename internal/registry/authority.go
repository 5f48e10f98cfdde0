package registry

// This file implements the root authority. Root is stored in the Registry and
// guarded by the same lock as the slot table, so a root holder can never
// outlive its slot.

// AssignRootIfUnset makes h root when no session currently holds root.
// Concurrent callers race on the registry lock and exactly one wins.
//
// Returns:
//   - true if h is root after the call (newly assigned or already root)
//   - false if another session holds root or h is stale
func (r *Registry) AssignRootIfUnset(h Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.entryLocked(h) == nil {
		return false
	}
	if r.root != nil {
		return *r.root == h
	}
	root := h
	r.root = &root
	return true
}

// TransferRoot hands root to the active session logged in as name. The lookup
// and the reassignment happen under one lock.
//
// Returns:
//   - Entry of the new root
//   - ErrUserNotFound if no active session has that username
func (r *Registry) TransferRoot(name string) (Entry, error) {
	if name == "" {
		return Entry{}, ErrUserNotFound
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.byNameLocked(name)
	if e == nil {
		return Entry{}, ErrUserNotFound
	}
	root := e.Handle
	r.root = &root
	return *e, nil
}

// IsRoot reports whether h currently holds root.
func (r *Registry) IsRoot(h Handle) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.root != nil && *r.root == h && r.entryLocked(h) != nil
}

// Root returns a copy of the root holder's entry. There is no automatic
// succession: after the holder leaves, root stays vacant until the next
// successful login.
func (r *Registry) Root() (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.root == nil {
		return Entry{}, false
	}
	e := r.entryLocked(*r.root)
	if e == nil {
		return Entry{}, false
	}
	return *e, true
}
