package registry

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/chatfs/internal/protocol"
)

// fakePeer records frames and close calls.
type fakePeer struct {
	mu     sync.Mutex
	frames []protocol.Frame
	closed bool
}

func (p *fakePeer) Send(f protocol.Frame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frames = append(p.frames, f)
	return nil
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// TestNew tests creation of the registry
func TestNew(t *testing.T) {
	tests := []struct {
		name     string
		capacity int
		want     int
	}{
		{name: "single slot", capacity: 1, want: 1},
		{name: "default size", capacity: 10, want: 10},
		{name: "zero is clamped", capacity: 0, want: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := New(tt.capacity)
			if reg.Capacity() != tt.want {
				t.Errorf("Expected capacity %d, got %d", tt.want, reg.Capacity())
			}
			if reg.Count() != 0 {
				t.Errorf("Expected empty registry, got %d entries", reg.Count())
			}
		})
	}
}

func TestRegister(t *testing.T) {
	t.Run("fills lowest free slot", func(t *testing.T) {
		reg := New(3)

		h0, err := reg.Register(&fakePeer{})
		require.NoError(t, err)
		h1, err := reg.Register(&fakePeer{})
		require.NoError(t, err)

		assert.Equal(t, 0, h0.Slot)
		assert.Equal(t, 1, h1.Slot)
		assert.NotEqual(t, h0.ID, h1.ID)

		require.True(t, reg.Unregister(h0))
		h2, err := reg.Register(&fakePeer{})
		require.NoError(t, err)
		assert.Equal(t, 0, h2.Slot, "freed slot is reused")
		assert.NotEqual(t, h0, h2, "reused slot gets a new handle")
	})

	t.Run("capacity exceeded", func(t *testing.T) {
		reg := New(2)
		_, err := reg.Register(&fakePeer{})
		require.NoError(t, err)
		_, err = reg.Register(&fakePeer{})
		require.NoError(t, err)

		_, err = reg.Register(&fakePeer{})
		assert.ErrorIs(t, err, ErrCapacityExceeded)
		assert.Equal(t, 2, reg.Count())
	})

	t.Run("nil peer", func(t *testing.T) {
		reg := New(2)
		_, err := reg.Register(nil)
		assert.Error(t, err)
	})

	t.Run("new entry is anonymous and idle", func(t *testing.T) {
		reg := New(2)
		h, err := reg.Register(&fakePeer{})
		require.NoError(t, err)

		e, ok := reg.Lookup(h)
		require.True(t, ok)
		assert.False(t, e.LoggedIn())
		assert.Equal(t, TransferIdle, e.Transfer)
	})
}

func TestUnregister(t *testing.T) {
	reg := New(2)
	h, err := reg.Register(&fakePeer{})
	require.NoError(t, err)

	assert.True(t, reg.Unregister(h))
	assert.False(t, reg.Unregister(h), "second unregister is a no-op")
	assert.False(t, reg.Active(h))

	_, ok := reg.Lookup(h)
	assert.False(t, ok)
}

// TestStaleHandle verifies an old handle cannot touch the session that later
// took over the same slot.
func TestStaleHandle(t *testing.T) {
	reg := New(1)
	old, err := reg.Register(&fakePeer{})
	require.NoError(t, err)
	require.True(t, reg.Unregister(old))

	current, err := reg.Register(&fakePeer{})
	require.NoError(t, err)
	require.Equal(t, old.Slot, current.Slot)

	assert.False(t, reg.Unregister(old))
	assert.True(t, reg.Active(current))
	assert.ErrorIs(t, reg.SetUsername(old, "ghost"), ErrNotRegistered)
	assert.False(t, reg.AssignRootIfUnset(old))
}

func TestSetUsername(t *testing.T) {
	reg := New(3)
	alice, _ := reg.Register(&fakePeer{})
	other, _ := reg.Register(&fakePeer{})

	require.NoError(t, reg.SetUsername(alice, "alice"))
	require.NoError(t, reg.SetUsername(alice, "alice"), "same name is idempotent")

	err := reg.SetUsername(other, "alice")
	assert.ErrorIs(t, err, ErrUsernameTaken)

	e, err := reg.LookupByName("alice")
	require.NoError(t, err)
	assert.Equal(t, alice, e.Handle)

	assert.Error(t, reg.SetUsername(other, ""))

	// after alice leaves the name is free again
	reg.Unregister(alice)
	require.NoError(t, reg.SetUsername(other, "alice"))
}

func TestLookupByName(t *testing.T) {
	reg := New(3)
	h, _ := reg.Register(&fakePeer{})
	_, _ = reg.Register(&fakePeer{}) // anonymous

	_, err := reg.LookupByName("")
	assert.ErrorIs(t, err, ErrUserNotFound, "anonymous sessions are never matched")

	_, err = reg.LookupByName("bob")
	assert.ErrorIs(t, err, ErrUserNotFound)

	require.NoError(t, reg.SetUsername(h, "bob"))
	e, err := reg.LookupByName("bob")
	require.NoError(t, err)
	assert.Equal(t, "bob", e.Username)
}

func TestUsernamesAndSnapshot(t *testing.T) {
	reg := New(4)
	for _, name := range []string{"carol", "", "alice", "bob"} {
		h, err := reg.Register(&fakePeer{})
		require.NoError(t, err)
		if name != "" {
			require.NoError(t, reg.SetUsername(h, name))
		}
	}

	assert.Equal(t, []string{"alice", "bob", "carol"}, reg.Usernames())
	assert.Len(t, reg.Snapshot(), 4)
}

func TestSetTransfer(t *testing.T) {
	reg := New(1)
	h, _ := reg.Register(&fakePeer{})

	reg.SetTransfer(h, TransferUploading)
	e, _ := reg.Lookup(h)
	assert.Equal(t, TransferUploading, e.Transfer)
	assert.Equal(t, "uploading", e.Transfer.String())

	reg.SetTransfer(h, TransferIdle)
	e, _ = reg.Lookup(h)
	assert.Equal(t, TransferIdle, e.Transfer)
}

// TestForEachActiveSkipsRemoved verifies an entry removed mid-iteration is
// skipped and the rest of the iteration continues.
func TestForEachActiveSkipsRemoved(t *testing.T) {
	reg := New(3)
	h0, _ := reg.Register(&fakePeer{})
	h1, _ := reg.Register(&fakePeer{})
	h2, _ := reg.Register(&fakePeer{})

	var seen []int
	reg.ForEachActive(func(e Entry) bool {
		seen = append(seen, e.Handle.Slot)
		if e.Handle == h0 {
			reg.Unregister(h1)
		}
		return true
	})

	assert.Equal(t, []int{h0.Slot, h2.Slot}, seen)
}

func TestForEachActiveStopsEarly(t *testing.T) {
	reg := New(3)
	for i := 0; i < 3; i++ {
		_, _ = reg.Register(&fakePeer{})
	}

	calls := 0
	reg.ForEachActive(func(Entry) bool {
		calls++
		return false
	})
	assert.Equal(t, 1, calls)
}

// TestConcurrentRegisterUnregister hammers the registry from many goroutines
// and checks it never exceeds capacity nor hands out an occupied slot twice.
func TestConcurrentRegisterUnregister(t *testing.T) {
	const capacity = 8
	reg := New(capacity)

	var (
		wg       sync.WaitGroup
		occupied [capacity]atomic.Int32
		overlaps atomic.Int32
	)

	for w := 0; w < 32; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				h, err := reg.Register(&fakePeer{})
				if err != nil {
					if err != ErrCapacityExceeded {
						t.Errorf("unexpected error: %v", err)
					}
					continue
				}
				if occupied[h.Slot].Add(1) != 1 {
					overlaps.Add(1)
				}
				if n := reg.Count(); n > capacity {
					t.Errorf("count %d exceeds capacity", n)
				}
				occupied[h.Slot].Add(-1)
				reg.Unregister(h)
			}
		}()
	}
	wg.Wait()

	assert.Zero(t, overlaps.Load(), "a slot was handed out while occupied")
	assert.Equal(t, 0, reg.Count())
}

func TestConcurrentUsernames(t *testing.T) {
	reg := New(16)
	var wg sync.WaitGroup
	var wins atomic.Int32

	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := reg.Register(&fakePeer{})
			if err != nil {
				t.Errorf("register: %v", err)
				return
			}
			if reg.SetUsername(h, "dup") == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load(), "exactly one session may claim a name")
	assert.Equal(t, []string{"dup"}, reg.Usernames())
}

func BenchmarkForEachActive(b *testing.B) {
	reg := New(64)
	for i := 0; i < 64; i++ {
		h, _ := reg.Register(&fakePeer{})
		_ = reg.SetUsername(h, fmt.Sprintf("user-%d", i))
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		reg.ForEachActive(func(Entry) bool { return true })
	}
}
