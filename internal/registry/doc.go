// Package registry implements the bounded table of connected sessions and the
// root authority that lives alongside it.
//
// # Overview
//
// Every accepted connection is registered before it reads its first frame and
// unregistered exactly once when its session ends. The registry is the only
// place that knows which sessions exist, which usernames they logged in with,
// and which of them holds root.
//
// # Architecture
//
//	┌──────────────┐  Register/Unregister  ┌─────────────────────────┐
//	│   Acceptor   │──────────────────────▶│        Registry         │
//	└──────────────┘                       ├─────────────────────────┤
//	┌──────────────┐  SetUsername          │ slot 0: alice  (root)   │
//	│   Sessions   │──────────────────────▶│ slot 1: bob             │
//	│              │  ForEachActive        │ slot 2: <anonymous>     │
//	│              │◀──────────────────────│ slot 3: <free>          │
//	└──────────────┘                       └─────────────────────────┘
//
// # Handles
//
// Register returns a Handle made of the slot index and a random session ID.
// When a slot is freed and reused the new occupant gets a new ID, so every
// operation taking a stale Handle is a harmless no-op. This lets a broadcast
// that raced with a disconnect unregister "the failing recipient" without any
// risk of evicting an unrelated newcomer.
//
// # Usernames
//
// Usernames are unique among active sessions. SetUsername with the name a
// session already holds succeeds again; any other collision returns
// ErrUsernameTaken.
//
// # Root Authority
//
// At most one session holds root. AssignRootIfUnset is called after every
// successful login and grants root only while it is vacant; TransferRoot moves
// it to a named session. When the holder is unregistered root becomes vacant
// and stays vacant until the next login, there is no automatic succession.
//
// # Thread Safety
//
// One RWMutex guards the slot table and the root handle together. All
// exported methods are safe for concurrent use and return copies. No lock is
// held while ForEachActive runs its callback, so callbacks may send on peers
// or call back into the registry.
package registry
