package server

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/chatfs/internal/auth"
	"github.com/dreamware/chatfs/internal/protocol"
	"github.com/dreamware/chatfs/internal/registry"
)

// recordingPeer collects frames in memory and can be told to fail.
type recordingPeer struct {
	mu     sync.Mutex
	frames []protocol.Frame
	fail   bool
	closed bool
}

func (p *recordingPeer) Send(f protocol.Frame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail || p.closed {
		return ErrConnectionLost
	}
	p.frames = append(p.frames, f)
	return nil
}

func (p *recordingPeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *recordingPeer) received() []protocol.Frame {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]protocol.Frame(nil), p.frames...)
}

func newBroadcastServer(t *testing.T) *Server {
	t.Helper()
	srv, err := New(WithCredentials(auth.NewStatic(nil)))
	require.NoError(t, err)
	return srv
}

func addPeer(t *testing.T, srv *Server, name string, p *recordingPeer) registry.Handle {
	t.Helper()
	h, err := srv.registry.Register(p)
	require.NoError(t, err)
	if name != "" {
		require.NoError(t, srv.registry.SetUsername(h, name))
	}
	return h
}

func TestBroadcastSkipsOnlySender(t *testing.T) {
	srv := newBroadcastServer(t)

	alice, bob, anon := &recordingPeer{}, &recordingPeer{}, &recordingPeer{}
	ha := addPeer(t, srv, "alice", alice)
	addPeer(t, srv, "bob", bob)
	addPeer(t, srv, "", anon)

	n := srv.broadcast(protocol.NewText(protocol.TypeChat, "alice", "hi"), ha)

	assert.Equal(t, 2, n)
	assert.Empty(t, alice.received())
	for _, p := range []*recordingPeer{bob, anon} {
		require.Len(t, p.received(), 1)
		assert.Equal(t, "hi", p.received()[0].Text())
	}
}

// TestBroadcastDropsFailingRecipient verifies a failed send unregisters and
// closes that recipient while the rest still get the frame.
func TestBroadcastDropsFailingRecipient(t *testing.T) {
	srv := newBroadcastServer(t)

	good1, bad, good2 := &recordingPeer{}, &recordingPeer{fail: true}, &recordingPeer{}
	addPeer(t, srv, "alice", good1)
	hb := addPeer(t, srv, "bob", bad)
	addPeer(t, srv, "carol", good2)

	n := srv.notify("maintenance soon")

	assert.Equal(t, 2, n)
	assert.Len(t, good1.received(), 1)
	assert.Len(t, good2.received(), 1)
	assert.True(t, bad.closed)
	assert.False(t, srv.registry.Active(hb))
	assert.Equal(t, 2, srv.registry.Count())
	assert.Equal(t, uint64(1), srv.Stats().Ops.SendFailures)

	// the next broadcast no longer reaches the dropped peer
	assert.Equal(t, 2, srv.notify("again"))
}

func TestStatsLines(t *testing.T) {
	srv := newBroadcastServer(t)
	addPeer(t, srv, "alice", &recordingPeer{})

	lines := srv.Stats().Lines()
	assert.Contains(t, lines, "clients=1/10\n")
	assert.Contains(t, lines, "files=0\n")
	assert.Contains(t, lines, "root=\n", "root is only assigned by a login")
}
