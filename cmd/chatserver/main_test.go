package main

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/dreamware/chatfs/internal/admin"
	"github.com/dreamware/chatfs/internal/client"
	"github.com/dreamware/chatfs/internal/config"
	"github.com/dreamware/chatfs/internal/protocol"
)

func writeCredentials(t *testing.T) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("pw2"), bcrypt.MinCost)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "users.txt")
	content := "# test users\nalice pw1\nbob " + string(hash) + "\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func testConfig(t *testing.T) config.Config {
	cfg := config.Default()
	cfg.Addr = "127.0.0.1:0"
	cfg.AdminAddr = "127.0.0.1:0"
	cfg.StorageDir = filepath.Join(t.TempDir(), "files")
	cfg.CredentialsFile = writeCredentials(t)
	cfg.SweepInterval = 20 * time.Millisecond
	return cfg
}

type running struct {
	chat, admin net.Addr
	cancel      context.CancelFunc
	done        chan error
}

func startRun(t *testing.T, cfg config.Config) *running {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	r := &running{cancel: cancel, done: make(chan error, 1)}
	ready := make(chan struct{})
	go func() {
		r.done <- run(ctx, cfg, func(chat, adm net.Addr) {
			r.chat, r.admin = chat, adm
			close(ready)
		})
	}()

	select {
	case <-ready:
	case err := <-r.done:
		t.Fatalf("run exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not become ready")
	}
	t.Cleanup(cancel)
	return r
}

func (r *running) stop(t *testing.T) {
	t.Helper()
	r.cancel()
	select {
	case err := <-r.done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop")
	}
}

// TestRun exercises the assembled server: plain and bcrypt logins, a stored
// upload that expires from disk, and the admin endpoint.
func TestRun(t *testing.T) {
	cfg := testConfig(t)
	r := startRun(t, cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	alice, err := client.Dial(ctx, r.chat.String(), nil)
	require.NoError(t, err)
	defer alice.Close()
	require.NoError(t, alice.Login(ctx, "alice", "pw1"))

	bob, err := client.Dial(ctx, r.chat.String(), nil)
	require.NoError(t, err)
	defer bob.Close()
	require.NoError(t, bob.Login(ctx, "bob", "pw2"))

	_, err = alice.Upload(ctx, "keep.txt", strings.NewReader("kept"), 0)
	require.NoError(t, err)
	_, err = alice.Upload(ctx, "brief.txt", strings.NewReader("gone soon"), time.Second)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(cfg.StorageDir, "keep.txt"))
	require.NoError(t, err)
	assert.Equal(t, "kept", string(data))

	var users admin.UsersResponse
	require.NoError(t, admin.GetJSON(ctx, admin.BaseURL(r.admin.String())+"/users", &users))
	assert.Len(t, users.Users, 2)
	assert.Equal(t, cfg.MaxClients, users.Capacity)

	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(cfg.StorageDir, "brief.txt"))
		return os.IsNotExist(err)
	}, 5*time.Second, 20*time.Millisecond)

	var buf bytes.Buffer
	_, err = bob.Download(ctx, "brief.txt", &buf)
	assert.Equal(t, protocol.CodeFileNotFound, client.CodeOf(err))

	r.stop(t)
	select {
	case <-alice.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("client still connected after shutdown")
	}
}

func TestRunWithoutAdmin(t *testing.T) {
	cfg := testConfig(t)
	cfg.AdminAddr = ""
	r := startRun(t, cfg)
	assert.Nil(t, r.admin)
	r.stop(t)
}

func TestRunErrors(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*config.Config)
	}{
		{"missing credentials", func(c *config.Config) { c.CredentialsFile = filepath.Join(t.TempDir(), "none.txt") }},
		{"bad listen address", func(c *config.Config) { c.Addr = "not-an-address" }},
		{"bad admin address", func(c *config.Config) { c.AdminAddr = "not-an-address" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			tt.modify(&cfg)
			err := run(context.Background(), cfg, func(net.Addr, net.Addr) {
				t.Error("ready called for a failing config")
			})
			assert.Error(t, err)
		})
	}
}

func newFlagCommand() *cobra.Command {
	cmd := &cobra.Command{}
	addConfigFlags(cmd)
	cmd.SetContext(context.Background())
	return cmd
}

func TestLoadConfigFlags(t *testing.T) {
	cmd := newFlagCommand()
	require.NoError(t, cmd.Flags().Set("addr", "127.0.0.1:7000"))
	require.NoError(t, cmd.Flags().Set("max-clients", "3"))
	require.NoError(t, cmd.Flags().Set("log-level", "debug"))

	cfg, err := loadConfig(cmd)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7000", cfg.Addr)
	assert.Equal(t, 3, cfg.MaxClients)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, config.Default().StorageDir, cfg.StorageDir)

	cmd = newFlagCommand()
	require.NoError(t, cmd.Flags().Set("max-clients", "0"))
	_, err = loadConfig(cmd)
	assert.Error(t, err)
}

func TestStatusCommand(t *testing.T) {
	r := startRun(t, testConfig(t))

	cmd := newFlagCommand()
	require.NoError(t, cmd.Flags().Set("admin-addr", r.admin.String()))
	var out bytes.Buffer
	cmd.SetOut(&out)

	require.NoError(t, runStatus(cmd, nil))
	assert.Contains(t, out.String(), "clients=0/10\n")
	assert.Contains(t, out.String(), "files=0\n")

	r.stop(t)

	cmd = newFlagCommand()
	assert.Error(t, runStatus(cmd, nil), "admin endpoint disabled by default")
}

func TestHashSecret(t *testing.T) {
	tests := []struct {
		name  string
		args  []string
		stdin string
	}{
		{"argument", []string{"s3cret"}, ""},
		{"stdin", nil, "s3cret\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := &cobra.Command{}
			var out, prompt bytes.Buffer
			cmd.SetOut(&out)
			cmd.SetErr(&prompt)
			cmd.SetIn(strings.NewReader(tt.stdin))

			require.NoError(t, runHash(cmd, tt.args))
			hash := strings.TrimSpace(out.String())
			assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("s3cret")))
		})
	}

	cmd := &cobra.Command{}
	cmd.SetIn(strings.NewReader("\n"))
	cmd.SetErr(&bytes.Buffer{})
	assert.Error(t, runHash(cmd, nil))
}
