package storage

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var logger logrus.FieldLogger = logrus.StandardLogger()

// Sweeper deletes uploaded files once their TTL has elapsed.
// It owns the expiry tracker for a store and performs periodic sweeps.
// Deletion is advisory: a download that already opened a file may finish
// reading it, or fail mid-stream, depending on the store.
// Thread-safe: All methods are safe for concurrent access.
type Sweeper struct {
	store    Store              // Files are deleted from here
	tracker  *ExpiryTracker     // Pending deadlines
	now      func() time.Time   // Clock, replaceable in tests
	onDelete func(name string)  // Callback after a file is swept
	ctx      context.Context    // Context for cancellation
	cancel   context.CancelFunc // Cancel function for shutdown
	interval time.Duration      // How often to sweep
	wg       sync.WaitGroup     // Wait group for graceful shutdown
	mu       sync.RWMutex       // Protects now and onDelete
	guard    sync.Mutex         // Serializes Commit with expiry deletes
}

// NewSweeper creates a sweeper for store that runs every interval once started.
//
// Example:
//
//	sweeper := NewSweeper(time.Second, store)
//	go sweeper.Start(ctx)
//	defer sweeper.Stop()
func NewSweeper(interval time.Duration, store Store) *Sweeper {
	if interval <= 0 {
		interval = time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Sweeper{
		store:    store,
		tracker:  NewExpiryTracker(),
		now:      time.Now,
		interval: interval,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// SetClock overrides the time source. Intended for tests.
func (s *Sweeper) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// SetOnDelete sets a callback invoked after each swept file.
func (s *Sweeper) SetOnDelete(callback func(name string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDelete = callback
}

func (s *Sweeper) clock() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.now()
}

// Schedule records that name was just committed with the given TTL.
// A zero TTL means the file never expires and clears any earlier deadline
// left by a previous upload of the same name.
//
// Returns:
//   - the deadline, or the zero time when the file never expires
func (s *Sweeper) Schedule(name string, ttl time.Duration) time.Time {
	if ttl <= 0 {
		s.tracker.Forget(name)
		return time.Time{}
	}
	deadline := s.clock().Add(ttl)
	s.tracker.Track(name, deadline)
	return deadline
}

// Commit publishes up under name and replaces any deadline left by an earlier
// upload of the same name with one for ttl. It runs under the same lock as
// expiry, so a deadline taken before the commit can never delete the file it
// publishes.
//
// Returns:
//   - the new deadline, or the zero time when the file never expires
//   - the commit error; the old deadline is dropped either way
func (s *Sweeper) Commit(name string, up Upload, ttl time.Duration) (time.Time, error) {
	s.guard.Lock()
	defer s.guard.Unlock()

	s.tracker.Forget(name)
	if err := up.Commit(); err != nil {
		return time.Time{}, err
	}
	return s.Schedule(name, ttl), nil
}

// Forget drops any deadline for name, for example after an explicit delete.
func (s *Sweeper) Forget(name string) {
	s.tracker.Forget(name)
}

// Deadline returns the pending deadline for name.
func (s *Sweeper) Deadline(name string) (time.Time, bool) {
	return s.tracker.Deadline(name)
}

// Pending returns the number of files waiting for expiry.
func (s *Sweeper) Pending() int {
	return s.tracker.Len()
}

// ExpireIfDue deletes name immediately if its deadline has passed, so a file
// is never served after its TTL even between two sweeps.
//
// Returns:
//   - true if the file was expired and removed
func (s *Sweeper) ExpireIfDue(name string) bool {
	s.guard.Lock()
	if !s.tracker.TakeIfDue(name, s.clock()) {
		s.guard.Unlock()
		return false
	}
	deleted := s.remove(name)
	s.guard.Unlock()

	if deleted {
		s.deleted(name)
	}
	return true
}

// Start begins periodic sweeping in the current goroutine.
// This method blocks until ctx or the sweeper's own context is canceled.
func (s *Sweeper) Start(ctx context.Context) {
	s.wg.Add(1)
	defer s.wg.Done()

	if ctx == nil {
		ctx = s.ctx
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	logger.WithField("interval", s.interval).Info("ttl sweeper started")

	for {
		select {
		case <-ticker.C:
			s.Sweep()
		case <-ctx.Done():
			logger.Debug("ttl sweeper stopping due to context cancellation")
			return
		case <-s.ctx.Done():
			logger.Debug("ttl sweeper stopping due to internal cancellation")
			return
		}
	}
}

// Stop cancels the sweeping goroutine and waits for it to exit.
func (s *Sweeper) Stop() {
	s.cancel()
	s.wg.Wait()
}

// Sweep performs one pass and returns the names it deleted.
func (s *Sweeper) Sweep() []string {
	s.guard.Lock()
	due := s.tracker.TakeDue(s.clock())
	removed := make([]string, 0, len(due))
	for _, name := range due {
		if s.remove(name) {
			removed = append(removed, name)
		}
	}
	s.guard.Unlock()

	for _, name := range removed {
		s.deleted(name)
	}
	return due
}

// remove deletes an expired file. The caller holds guard.
func (s *Sweeper) remove(name string) bool {
	if err := s.store.Delete(name); err != nil {
		logger.WithError(err).WithField("file", name).Warn("ttl delete failed")
		return false
	}
	logger.WithField("file", name).Info("expired file deleted")
	return true
}

func (s *Sweeper) deleted(name string) {
	s.mu.RLock()
	callback := s.onDelete
	s.mu.RUnlock()
	if callback != nil {
		callback(name)
	}
}
