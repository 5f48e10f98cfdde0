package storage

import (
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// stagingPrefix marks in-progress uploads. ValidateName rejects names with a
// leading dot, so clients can never address a staging file.
const stagingPrefix = ".upload-"

// DiskStore keeps files as regular files in a single directory.
//
// Uploads are written to a staging file in the same directory and renamed
// into place on Commit, so readers never observe a partial file. On POSIX
// systems a reader that opened a file before it was deleted keeps reading the
// old contents until it closes.
type DiskStore struct {
	root string
}

// NewDiskStore creates root if needed and removes staging files left behind
// by a previous run.
func NewDiskStore(root string) (*DiskStore, error) {
	if root == "" {
		return nil, errors.New("storage root cannot be empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.Wrap(err, "resolve storage root failed")
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, errors.Wrap(err, "create storage root failed")
	}

	stale, err := filepath.Glob(filepath.Join(abs, stagingPrefix+"*"))
	if err != nil {
		return nil, errors.Wrap(err, "scan staging files failed")
	}
	for _, path := range stale {
		_ = os.Remove(path)
	}

	return &DiskStore{root: abs}, nil
}

// Root returns the absolute storage directory.
func (d *DiskStore) Root() string {
	return d.root
}

func (d *DiskStore) path(name string) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}
	return filepath.Join(d.root, name), nil
}

// Create opens a staging file for name.
func (d *DiskStore) Create(name string) (Upload, error) {
	target, err := d.path(name)
	if err != nil {
		return nil, err
	}
	f, err := os.CreateTemp(d.root, stagingPrefix+"*")
	if err != nil {
		return nil, errors.Wrap(err, "create staging file failed")
	}
	return &diskUpload{file: f, target: target}, nil
}

// Open opens a committed file for reading.
func (d *DiskStore) Open(name string) (io.ReadCloser, int64, error) {
	path, err := d.path(name)
	if err != nil {
		return nil, 0, err
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, 0, errors.Wrapf(ErrFileNotFound, "%q", name)
		}
		return nil, 0, errors.Wrapf(err, "open %q failed", name)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, errors.Wrapf(err, "stat %q failed", name)
	}
	if !info.Mode().IsRegular() {
		f.Close()
		return nil, 0, errors.Wrapf(ErrFileNotFound, "%q is not a regular file", name)
	}
	return f, info.Size(), nil
}

// Delete removes name. Missing files are not an error.
func (d *DiskStore) Delete(name string) error {
	path, err := d.path(name)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return errors.Wrapf(err, "delete %q failed", name)
	}
	return nil
}

// List returns committed file names, skipping directories and staging files.
func (d *DiskStore) List() []string {
	entries, err := os.ReadDir(d.root)
	if err != nil {
		logger.WithError(err).WithField("root", d.root).Warn("list storage root failed")
		return nil
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		names = append(names, e.Name())
	}
	return names
}

// Stats walks the directory and sums file sizes.
func (d *DiskStore) Stats() StoreStats {
	var stats StoreStats
	for _, name := range d.List() {
		info, err := os.Stat(filepath.Join(d.root, name))
		if err != nil {
			continue
		}
		stats.Files++
		stats.Bytes += info.Size()
	}
	return stats
}

type diskUpload struct {
	file   *os.File
	target string
	size   int64
	done   bool
}

func (u *diskUpload) Write(p []byte) (int, error) {
	if u.done {
		return 0, ErrUploadClosed
	}
	n, err := u.file.Write(p)
	u.size += int64(n)
	if err != nil {
		return n, errors.Wrap(err, "write staging file failed")
	}
	return n, nil
}

func (u *diskUpload) Size() int64 {
	return u.size
}

func (u *diskUpload) Commit() error {
	if u.done {
		return ErrUploadClosed
	}
	u.done = true

	staging := u.file.Name()
	if err := u.file.Close(); err != nil {
		_ = os.Remove(staging)
		return errors.Wrap(err, "close staging file failed")
	}
	if err := os.Rename(staging, u.target); err != nil {
		_ = os.Remove(staging)
		return errors.Wrap(err, "rename staging file failed")
	}
	return nil
}

func (u *diskUpload) Abort() error {
	if u.done {
		return nil
	}
	u.done = true

	staging := u.file.Name()
	closeErr := u.file.Close()
	if err := os.Remove(staging); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return errors.Wrap(err, "remove staging file failed")
	}
	return errors.Wrap(closeErr, "close staging file failed")
}
