// Package auth verifies login secrets against a flat credential file.
//
// The file holds one "identifier secret" pair per line. Blank lines and lines
// starting with '#' are ignored. A secret that looks like a bcrypt hash
// ($2a$, $2b$ or $2y$ prefix) is checked with bcrypt; anything else is
// compared as plain text.
package auth

import (
	"bufio"
	"crypto/subtle"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
)

var logger logrus.FieldLogger = logrus.StandardLogger()

var (
	// ErrAuthFailed is returned for an unknown identifier or a wrong secret.
	// Callers cannot tell the two cases apart.
	ErrAuthFailed = errors.New("authentication failed")

	// ErrMalformedLogin is returned by ParseLogin for payloads that are not
	// exactly "identifier secret".
	ErrMalformedLogin = errors.New("login payload must be \"<id> <secret>\"")
)

// Credentials is a reloadable identifier to secret table.
type Credentials struct {
	path    string
	secrets map[string]string
	mu      sync.RWMutex

	watcher   *fsnotify.Watcher
	stopWatch chan struct{}
	closeOnce sync.Once
}

// Load reads the credential file at path. It does not watch the file; call
// Watch for hot reload.
func Load(path string) (*Credentials, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, errors.Wrap(err, "resolve credentials path failed")
	}
	c := &Credentials{path: abs, stopWatch: make(chan struct{})}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// NewStatic builds credentials from an in-memory table. Used by tests and
// embedders that manage users themselves.
func NewStatic(secrets map[string]string) *Credentials {
	copied := make(map[string]string, len(secrets))
	for id, secret := range secrets {
		copied[id] = secret
	}
	return &Credentials{secrets: copied, stopWatch: make(chan struct{})}
}

// Parse reads "identifier secret" lines from r.
func Parse(r io.Reader) (map[string]string, error) {
	secrets := make(map[string]string)
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return nil, errors.Errorf("line %d: expected \"<id> <secret>\", got %d fields", lineNo, len(fields))
		}
		secrets[fields[0]] = fields[1]
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "read credentials failed")
	}
	return secrets, nil
}

// Reload re-reads the backing file. On error the previous table is kept.
func (c *Credentials) Reload() error {
	if c.path == "" {
		return nil
	}
	f, err := os.Open(c.path)
	if err != nil {
		return errors.Wrap(err, "open credentials failed")
	}
	defer f.Close()

	secrets, err := Parse(f)
	if err != nil {
		return errors.Wrapf(err, "parse %s", c.path)
	}

	c.mu.Lock()
	c.secrets = secrets
	c.mu.Unlock()

	logger.WithFields(logrus.Fields{"path": c.path, "users": len(secrets)}).Info("credentials loaded")
	return nil
}

// Len returns the number of known identifiers.
func (c *Credentials) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.secrets)
}

// Verify checks secret for id and returns ErrAuthFailed on any mismatch.
func (c *Credentials) Verify(id, secret string) error {
	c.mu.RLock()
	stored, ok := c.secrets[id]
	c.mu.RUnlock()

	if !ok || secret == "" {
		return ErrAuthFailed
	}
	if isBcrypt(stored) {
		if err := bcrypt.CompareHashAndPassword([]byte(stored), []byte(secret)); err != nil {
			return ErrAuthFailed
		}
		return nil
	}
	if subtle.ConstantTimeCompare([]byte(stored), []byte(secret)) != 1 {
		return ErrAuthFailed
	}
	return nil
}

func isBcrypt(secret string) bool {
	return strings.HasPrefix(secret, "$2a$") ||
		strings.HasPrefix(secret, "$2b$") ||
		strings.HasPrefix(secret, "$2y$")
}

// Watch reloads the file whenever it changes on disk. The parent directory is
// watched so editors that replace the file by rename are picked up too.
func (c *Credentials) Watch() error {
	if c.path == "" {
		return errors.New("static credentials cannot be watched")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "create credentials watcher failed")
	}
	if err := watcher.Add(filepath.Dir(c.path)); err != nil {
		watcher.Close()
		return errors.Wrap(err, "watch credentials directory failed")
	}
	c.watcher = watcher
	go c.watchFile()
	return nil
}

func (c *Credentials) watchFile() {
	for {
		select {
		case <-c.stopWatch:
			return
		case event, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != c.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if err := c.Reload(); err != nil {
				logger.WithError(err).Warn("credentials reload failed, keeping previous table")
			}
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			logger.WithError(err).Error("credentials watcher error")
		}
	}
}

// Close stops watching. It is safe to call more than once.
func (c *Credentials) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.stopWatch)
		if c.watcher != nil {
			err = c.watcher.Close()
		}
	})
	return err
}

// ParseLogin splits a LOGIN payload into identifier and secret.
func ParseLogin(payload string) (id, secret string, err error) {
	fields := strings.Fields(payload)
	if len(fields) != 2 {
		return "", "", ErrMalformedLogin
	}
	return fields[0], fields[1], nil
}
