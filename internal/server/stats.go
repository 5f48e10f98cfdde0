package server

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dreamware/chatfs/internal/storage"
)

// Counters tracks operation counts for the whole server.
// All fields are updated with sync/atomic.
type Counters struct {
	Accepted      uint64 // Connections registered
	Rejected      uint64 // Connections refused for capacity
	Logins        uint64 // Successful logins
	LoginFailures uint64 // Failed login attempts
	Chats         uint64 // Chat frames broadcast
	Uploads       uint64 // Committed uploads
	Downloads     uint64 // Completed downloads
	BytesIn       uint64 // File bytes received
	BytesOut      uint64 // File bytes sent
	Kicks         uint64 // Sessions removed by root
	SendFailures  uint64 // Recipients dropped during broadcast
}

// Stats is a point-in-time view of the server.
type Stats struct {
	Ops      Counters           `json:"ops"`
	Storage  storage.StoreStats `json:"storage"`
	Clients  int                `json:"clients"`
	Capacity int                `json:"capacity"`
	Root     string             `json:"root,omitempty"`
	Pending  int                `json:"pending_expiry"`
	Uptime   time.Duration      `json:"uptime"`
}

// snapshot loads every counter atomically.
func (c *Counters) snapshot() Counters {
	return Counters{
		Accepted:      atomic.LoadUint64(&c.Accepted),
		Rejected:      atomic.LoadUint64(&c.Rejected),
		Logins:        atomic.LoadUint64(&c.Logins),
		LoginFailures: atomic.LoadUint64(&c.LoginFailures),
		Chats:         atomic.LoadUint64(&c.Chats),
		Uploads:       atomic.LoadUint64(&c.Uploads),
		Downloads:     atomic.LoadUint64(&c.Downloads),
		BytesIn:       atomic.LoadUint64(&c.BytesIn),
		BytesOut:      atomic.LoadUint64(&c.BytesOut),
		Kicks:         atomic.LoadUint64(&c.Kicks),
		SendFailures:  atomic.LoadUint64(&c.SendFailures),
	}
}

// Stats returns current server statistics.
func (s *Server) Stats() Stats {
	st := Stats{
		Ops:      s.counters.snapshot(),
		Storage:  s.store.Stats(),
		Clients:  s.registry.Count(),
		Capacity: s.registry.Capacity(),
		Pending:  s.sweeper.Pending(),
		Uptime:   time.Since(s.started).Truncate(time.Second),
	}
	if root, ok := s.registry.Root(); ok {
		st.Root = root.Username
	}
	return st
}

// Lines renders the stats as key=value lines for a STATS_RESPONSE payload.
func (st Stats) Lines() string {
	var b strings.Builder
	fmt.Fprintf(&b, "clients=%d/%d\n", st.Clients, st.Capacity)
	fmt.Fprintf(&b, "root=%s\n", st.Root)
	fmt.Fprintf(&b, "files=%d\n", st.Storage.Files)
	fmt.Fprintf(&b, "bytes=%d\n", st.Storage.Bytes)
	fmt.Fprintf(&b, "pending_expiry=%d\n", st.Pending)
	fmt.Fprintf(&b, "uptime=%s\n", st.Uptime)
	fmt.Fprintf(&b, "accepted=%d\n", st.Ops.Accepted)
	fmt.Fprintf(&b, "rejected=%d\n", st.Ops.Rejected)
	fmt.Fprintf(&b, "logins=%d\n", st.Ops.Logins)
	fmt.Fprintf(&b, "login_failures=%d\n", st.Ops.LoginFailures)
	fmt.Fprintf(&b, "chats=%d\n", st.Ops.Chats)
	fmt.Fprintf(&b, "uploads=%d\n", st.Ops.Uploads)
	fmt.Fprintf(&b, "downloads=%d\n", st.Ops.Downloads)
	fmt.Fprintf(&b, "bytes_in=%d\n", st.Ops.BytesIn)
	fmt.Fprintf(&b, "bytes_out=%d\n", st.Ops.BytesOut)
	fmt.Fprintf(&b, "kicks=%d", st.Ops.Kicks)
	return b.String()
}
