package integration

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/chatfs/internal/admin"
	"github.com/dreamware/chatfs/internal/client"
	"github.com/dreamware/chatfs/internal/protocol"
)

// TestSystem is a chatserver process under test.
type TestSystem struct {
	t          *testing.T
	binary     string
	dir        string
	chatAddr   string
	adminAddr  string
	proc       *exec.Cmd
	httpClient *http.Client
}

// freeAddr reserves a loopback port and releases it for the server to bind.
func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

// NewTestSystem builds the server binary and writes its credentials file.
func NewTestSystem(t *testing.T) *TestSystem {
	t.Helper()
	if _, err := exec.LookPath("go"); err != nil {
		t.Skip("Skipping integration test: go toolchain not on PATH")
	}

	dir := t.TempDir()
	binary := filepath.Join(dir, "chatserver")
	build := exec.Command("go", "build", "-o", binary, "../../cmd/chatserver")
	build.Stdout, build.Stderr = os.Stdout, os.Stderr
	require.NoError(t, build.Run(), "build chatserver")

	users := "alice pw1\nbob pw2\ncarol pw3\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "users.txt"), []byte(users), 0o600))

	return &TestSystem{
		t:          t,
		binary:     binary,
		dir:        dir,
		chatAddr:   freeAddr(t),
		adminAddr:  freeAddr(t),
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
}

// Start launches the server and waits for the admin health check.
func (ts *TestSystem) Start() {
	ts.t.Helper()
	ts.proc = exec.Command(ts.binary, "serve")
	ts.proc.Env = append(os.Environ(),
		"CHATFS_ADDR="+ts.chatAddr,
		"CHATFS_ADMIN_ADDR="+ts.adminAddr,
		"CHATFS_STORAGE_DIR="+filepath.Join(ts.dir, "files"),
		"CHATFS_CREDENTIALS_FILE="+filepath.Join(ts.dir, "users.txt"),
		"CHATFS_MAX_CLIENTS=3",
		"CHATFS_SWEEP_INTERVAL=100ms",
		"CHATFS_LOG_LEVEL=warn",
	)
	ts.proc.Stdout, ts.proc.Stderr = os.Stdout, os.Stderr
	require.NoError(ts.t, ts.proc.Start())
	ts.waitForService(admin.BaseURL(ts.adminAddr) + "/health")
}

// Stop sends SIGTERM and expects a clean exit.
func (ts *TestSystem) Stop() {
	ts.t.Helper()
	if ts.proc == nil || ts.proc.Process == nil {
		return
	}
	require.NoError(ts.t, ts.proc.Process.Signal(syscall.SIGTERM))

	done := make(chan error, 1)
	go func() { done <- ts.proc.Wait() }()
	select {
	case err := <-done:
		assert.NoError(ts.t, err, "server exit status")
	case <-time.After(10 * time.Second):
		ts.proc.Process.Kill()
		<-done
		ts.t.Error("server did not stop on SIGTERM")
	}
	ts.proc = nil
}

func (ts *TestSystem) waitForService(url string) {
	ts.t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := ts.httpClient.Get(url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	ts.t.Fatalf("timeout waiting for %s", url)
}

// user is a logged-in client plus the CHAT and NOTICE frames it received.
type user struct {
	*client.Client
	mu     sync.Mutex
	events []protocol.Frame
}

func (u *user) texts() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]string, 0, len(u.events))
	for _, f := range u.events {
		out = append(out, f.Text())
	}
	return out
}

func (ts *TestSystem) login(ctx context.Context, name, secret string) *user {
	ts.t.Helper()
	u := &user{}
	c, err := client.Dial(ctx, ts.chatAddr, func(f protocol.Frame) {
		u.mu.Lock()
		u.events = append(u.events, f)
		u.mu.Unlock()
	})
	require.NoError(ts.t, err)
	ts.t.Cleanup(func() { c.Close() })
	u.Client = c
	require.NoError(ts.t, c.Login(ctx, name, secret))
	return u
}

func (u *user) waitFor(t *testing.T, text string) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, got := range u.texts() {
			if got == text {
				return true
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond, "waiting for %q", text)
}

// TestChatSystem runs end-to-end scenarios against a real server process.
func TestChatSystem(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ts := NewTestSystem(t)
	ts.Start()
	defer ts.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	alice := ts.login(ctx, "alice", "pw1")
	bob := ts.login(ctx, "bob", "pw2")
	alice.waitFor(t, "you are root")
	alice.waitFor(t, "bob joined")

	t.Run("Chat", func(t *testing.T) {
		for i := 0; i < 10; i++ {
			require.NoError(t, alice.Chat(fmt.Sprintf("line %d", i)))
		}
		bob.waitFor(t, "line 9")
		var got []string
		for _, text := range bob.texts() {
			if strings.HasPrefix(text, "line ") {
				got = append(got, text)
			}
		}
		require.Len(t, got, 10)
		for i, text := range got {
			assert.Equal(t, fmt.Sprintf("line %d", i), text)
		}
	})

	t.Run("FileRoundTrip", func(t *testing.T) {
		data := bytes.Repeat([]byte{0, 1, 2, 250, 251, 252}, 5000)
		ack, err := alice.Upload(ctx, "blob.bin", bytes.NewReader(data), 0)
		require.NoError(t, err)
		assert.Equal(t, int64(len(data)), ack.Size)

		var buf bytes.Buffer
		_, err = bob.Download(ctx, "blob.bin", &buf)
		require.NoError(t, err)
		assert.Equal(t, data, buf.Bytes())
	})

	t.Run("Expiry", func(t *testing.T) {
		_, err := alice.Upload(ctx, "brief.txt", strings.NewReader("soon gone"), time.Second)
		require.NoError(t, err)

		var files admin.FilesResponse
		require.NoError(t, admin.GetJSON(ctx, admin.BaseURL(ts.adminAddr)+"/files", &files))
		assert.Len(t, files.Files, 2)

		require.Eventually(t, func() bool {
			var buf bytes.Buffer
			_, err := bob.Download(ctx, "brief.txt", &buf)
			return client.CodeOf(err) == protocol.CodeFileNotFound
		}, 5*time.Second, 200*time.Millisecond)
	})

	t.Run("Capacity", func(t *testing.T) {
		carol := ts.login(ctx, "carol", "pw3")
		defer carol.Close()

		extra, err := client.Dial(ctx, ts.chatAddr, nil)
		require.NoError(t, err)
		defer extra.Close()
		select {
		case <-extra.Done():
		case <-time.After(5 * time.Second):
			t.Fatal("fourth connection was not refused")
		}

		require.NoError(t, carol.Exit())
		alice.waitFor(t, "carol left")
	})

	t.Run("Kick", func(t *testing.T) {
		require.NoError(t, alice.Kick(ctx, "bob"))
		select {
		case <-bob.Done():
		case <-time.After(5 * time.Second):
			t.Fatal("kicked client still connected")
		}
		bob.waitFor(t, "kicked by alice")

		names, err := alice.List(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"alice *"}, names)
	})

	t.Run("FilesSurviveRestart", func(t *testing.T) {
		require.NoError(t, alice.Exit())
		ts.Stop()
		ts.Start()

		carol := ts.login(ctx, "carol", "pw3")
		var buf bytes.Buffer
		n, err := carol.Download(ctx, "blob.bin", &buf)
		require.NoError(t, err)
		assert.Equal(t, int64(30000), n)

		stats, err := carol.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, "carol", stats["root"])
		assert.Equal(t, "1", stats["files"])
	})
}
