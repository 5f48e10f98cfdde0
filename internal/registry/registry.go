package registry

import (
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"

	"github.com/dreamware/chatfs/internal/protocol"
)

var (
	// ErrCapacityExceeded is returned by Register when every slot is taken.
	ErrCapacityExceeded = errors.New("registry capacity exceeded")

	// ErrUserNotFound is returned when no active session has the requested username.
	ErrUserNotFound = errors.New("user not found")

	// ErrUsernameTaken is returned when another active session already uses a name.
	ErrUsernameTaken = errors.New("username already in use")

	// ErrNotRegistered is returned for a handle whose slot has been cleared.
	ErrNotRegistered = errors.New("session not registered")
)

// Peer is the send side of a client connection as seen by the registry.
// Implementations must be safe for concurrent use: any session may broadcast
// to any other session's peer.
type Peer interface {
	Send(f protocol.Frame) error
	Close() error
}

// TransferState describes what a session is doing with files.
type TransferState int

const (
	// TransferIdle means no file operation is in progress.
	TransferIdle TransferState = iota
	// TransferUploading means the session is streaming a file to the server.
	TransferUploading
	// TransferDownloading means the server is streaming a file to the session.
	TransferDownloading
)

func (s TransferState) String() string {
	switch s {
	case TransferUploading:
		return "uploading"
	case TransferDownloading:
		return "downloading"
	default:
		return "idle"
	}
}

// Handle identifies one registration. The ID makes handles of successive
// occupants of the same slot distinct, so a stale handle can never act on
// the session that replaced it.
type Handle struct {
	Slot int
	ID   uuid.UUID
}

// Entry is a copy of one occupied slot.
type Entry struct {
	Peer     Peer
	Username string
	Handle   Handle
	Transfer TransferState
}

// LoggedIn reports whether the session has completed a login.
func (e Entry) LoggedIn() bool {
	return e.Username != ""
}

// Registry is the authoritative table of active sessions.
//
// Architecture:
//
//	┌────────────────────────────────────┐
//	│             Registry               │
//	├────────────────────────────────────┤
//	│  slots: [capacity]*Entry (nil=free)│
//	│  root:  *Handle (nil=vacant)       │
//	│  mu:    RWMutex for both           │
//	└────────────────────────────────────┘
//
// Concurrency Model:
//   - Every mutation takes the write lock, so Register/Unregister/login/root
//     changes are linearizable
//   - Readers receive copies, never pointers into the table
//   - No lock is held while a Peer is used (ForEachActive calls back unlocked)
type Registry struct {
	// slots holds one entry per connected session; nil marks a free slot.
	slots []*Entry

	// root is the handle of the session holding root privilege.
	root *Handle

	mu sync.RWMutex
}

// New creates a registry with room for capacity concurrent sessions.
//
// Example:
//
//	reg := registry.New(10)
//	h, err := reg.Register(peer)
func New(capacity int) *Registry {
	if capacity < 1 {
		capacity = 1
	}
	return &Registry{
		slots: make([]*Entry, capacity),
	}
}

// Capacity returns the fixed number of slots.
func (r *Registry) Capacity() int {
	return len(r.slots)
}

// Register places peer into the lowest free slot.
//
// Returns:
//   - Handle for the new anonymous session
//   - ErrCapacityExceeded when no slot is free
//
// Thread Safety:
// Safe for concurrent use. Two concurrent callers never receive the same slot.
func (r *Registry) Register(peer Peer) (Handle, error) {
	if peer == nil {
		return Handle{}, errors.New("peer cannot be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	slot := slices.IndexFunc(r.slots, func(e *Entry) bool { return e == nil })
	if slot < 0 {
		return Handle{}, ErrCapacityExceeded
	}

	h := Handle{Slot: slot, ID: uuid.New()}
	r.slots[slot] = &Entry{
		Handle: h,
		Peer:   peer,
	}
	return h, nil
}

// Unregister clears the slot held by h. The slot pointer is swapped out in one
// step so concurrent readers see either the whole entry or nothing.
// If h held root, root becomes vacant.
//
// Returns:
//   - true if this call removed the entry
//   - false if h was already stale (idempotent)
func (r *Registry) Unregister(h Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.entryLocked(h) == nil {
		return false
	}
	r.slots[h.Slot] = nil
	if r.root != nil && *r.root == h {
		r.root = nil
	}
	return true
}

// SetUsername records the login name for h.
//
// Calling it again with the same name is a no-op. A name already held by a
// different active session is refused with ErrUsernameTaken, which keeps
// LookupByName and TransferRoot deterministic.
func (r *Registry) SetUsername(h Handle, name string) error {
	if name == "" {
		return errors.New("username cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.entryLocked(h)
	if e == nil {
		return ErrNotRegistered
	}
	if e.Username == name {
		return nil
	}
	if other := r.byNameLocked(name); other != nil {
		return errors.Wrapf(ErrUsernameTaken, "%q", name)
	}
	e.Username = name
	return nil
}

// SetTransfer records the transfer state of h for listings and admin views.
func (r *Registry) SetTransfer(h Handle, state TransferState) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e := r.entryLocked(h); e != nil {
		e.Transfer = state
	}
}

// Lookup returns a copy of the entry for h.
func (r *Registry) Lookup(h Handle) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e := r.entryLocked(h)
	if e == nil {
		return Entry{}, false
	}
	return *e, true
}

// LookupByName returns a copy of the active, logged-in entry with the name.
func (r *Registry) LookupByName(name string) (Entry, error) {
	if name == "" {
		return Entry{}, ErrUserNotFound
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	e := r.byNameLocked(name)
	if e == nil {
		return Entry{}, errors.Wrapf(ErrUserNotFound, "%q", name)
	}
	return *e, nil
}

// Active reports whether h still occupies its slot.
func (r *Registry) Active(h Handle) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entryLocked(h) != nil
}

// Snapshot returns copies of all occupied slots in slot order.
func (r *Registry) Snapshot() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := make([]Entry, 0, len(r.slots))
	for _, e := range r.slots {
		if e != nil {
			entries = append(entries, *e)
		}
	}
	return entries
}

// ForEachActive calls fn for every occupied slot until fn returns false.
//
// The set of entries is captured under the read lock and fn runs without any
// lock, so fn may perform blocking I/O or call back into the registry. An
// entry that was unregistered after the capture is skipped rather than
// aborting the iteration.
func (r *Registry) ForEachActive(fn func(Entry) bool) {
	for _, e := range r.Snapshot() {
		if !r.Active(e.Handle) {
			continue
		}
		if !fn(e) {
			return
		}
	}
}

// Usernames returns the sorted names of all logged-in sessions.
func (r *Registry) Usernames() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.slots))
	for _, e := range r.slots {
		if e != nil && e.Username != "" {
			names = append(names, e.Username)
		}
	}
	r.mu.RUnlock()

	slices.Sort(names)
	return names
}

// Count returns the number of occupied slots.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, e := range r.slots {
		if e != nil {
			n++
		}
	}
	return n
}

// entryLocked returns the live entry for h, or nil. Callers hold mu.
func (r *Registry) entryLocked(h Handle) *Entry {
	if h.Slot < 0 || h.Slot >= len(r.slots) {
		return nil
	}
	e := r.slots[h.Slot]
	if e == nil || e.Handle != h {
		return nil
	}
	return e
}

// byNameLocked returns the logged-in entry with name, or nil. Callers hold mu.
func (r *Registry) byNameLocked(name string) *Entry {
	for _, e := range r.slots {
		if e != nil && e.Username == name {
			return e
		}
	}
	return nil
}
