package storage

import (
	"bytes"
	"io"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

var (
	// ErrFileNotFound is returned when a named file doesn't exist in the store
	ErrFileNotFound = errors.New("file not found")

	// ErrInvalidName is returned for names that could escape the storage
	// root or collide with staging files
	ErrInvalidName = errors.New("invalid file name")

	// ErrUploadClosed is returned when writing to a committed or aborted upload
	ErrUploadClosed = errors.New("upload already closed")
)

// MaxNameLength bounds file names accepted by the stores.
const MaxNameLength = 255

// Store defines the interface for server-side file storage
// All implementations must be thread-safe for concurrent access
type Store interface {
	// Create starts a new upload for name. Nothing is visible under name
	// until Commit succeeds; an existing file is replaced on Commit.
	Create(name string) (Upload, error)

	// Open returns a reader for the committed file and its size
	// Returns ErrFileNotFound if the file doesn't exist
	Open(name string) (io.ReadCloser, int64, error)

	// Delete removes a file
	// No error if the file doesn't exist
	Delete(name string) error

	// List returns all committed file names
	// Order is not guaranteed
	List() []string

	// Stats returns storage statistics
	Stats() StoreStats
}

// Upload is an in-progress write of one file. Data is appended in order.
type Upload interface {
	io.Writer

	// Size returns the number of bytes written so far
	Size() int64

	// Commit makes the file visible under its name
	Commit() error

	// Abort discards the written data; safe to call after Commit
	Abort() error
}

// StoreStats contains statistics about the store
type StoreStats struct {
	Files int   `json:"files"` // Number of committed files
	Bytes int64 `json:"bytes"` // Total size of all files in bytes
}

// ValidateName checks that name is a plain file name: no directory
// components, no traversal, no hidden or staging names.
func ValidateName(name string) error {
	switch {
	case name == "":
		return errors.Wrap(ErrInvalidName, "empty name")
	case len(name) > MaxNameLength:
		return errors.Wrapf(ErrInvalidName, "name longer than %d bytes", MaxNameLength)
	case strings.ContainsAny(name, "/\\\x00"):
		return errors.Wrapf(ErrInvalidName, "%q contains a path separator", name)
	case strings.HasPrefix(name, "."):
		return errors.Wrapf(ErrInvalidName, "%q is hidden or relative", name)
	}
	return nil
}

// MemoryStore implements Store interface with in-memory storage
// Uses sync.RWMutex for thread-safe concurrent access
type MemoryStore struct {
	mu    sync.RWMutex      // Protects concurrent access
	files map[string][]byte // Committed file contents
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		files: make(map[string][]byte),
	}
}

// Create starts an upload buffered in memory
func (m *MemoryStore) Create(name string) (Upload, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	return &memoryUpload{store: m, name: name}, nil
}

// Open returns a reader over a copy of the file contents
// A concurrent Delete does not affect an already opened reader
func (m *MemoryStore) Open(name string) (io.ReadCloser, int64, error) {
	if err := ValidateName(name); err != nil {
		return nil, 0, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	data, exists := m.files[name]
	if !exists {
		return nil, 0, errors.Wrapf(ErrFileNotFound, "%q", name)
	}
	return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
}

// Delete removes a file
// No error if file doesn't exist (idempotent)
func (m *MemoryStore) Delete(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.files, name)
	return nil
}

// List returns all file names in the store
func (m *MemoryStore) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.files))
	for name := range m.files {
		names = append(names, name)
	}
	return names
}

// Stats returns storage statistics
func (m *MemoryStore) Stats() StoreStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var total int64
	for _, data := range m.files {
		total += int64(len(data))
	}

	return StoreStats{
		Files: len(m.files),
		Bytes: total,
	}
}

type memoryUpload struct {
	store *MemoryStore
	name  string
	buf   bytes.Buffer
	done  bool
}

func (u *memoryUpload) Write(p []byte) (int, error) {
	if u.done {
		return 0, ErrUploadClosed
	}
	return u.buf.Write(p)
}

func (u *memoryUpload) Size() int64 {
	return int64(u.buf.Len())
}

func (u *memoryUpload) Commit() error {
	if u.done {
		return ErrUploadClosed
	}
	u.done = true

	// Make a copy so the stored slice never aliases the upload buffer
	stored := make([]byte, u.buf.Len())
	copy(stored, u.buf.Bytes())

	u.store.mu.Lock()
	u.store.files[u.name] = stored
	u.store.mu.Unlock()
	return nil
}

func (u *memoryUpload) Abort() error {
	u.done = true
	u.buf.Reset()
	return nil
}
