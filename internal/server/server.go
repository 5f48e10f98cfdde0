package server

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/dreamware/chatfs/internal/protocol"
	"github.com/dreamware/chatfs/internal/registry"
	"github.com/dreamware/chatfs/internal/storage"
)

var logger logrus.FieldLogger = logrus.StandardLogger()

// Verifier checks login credentials. *auth.Credentials implements it.
type Verifier interface {
	Verify(id, secret string) error
}

// Option configures a Server.
type Option func(*Server) error

// WithRegistry sets the session registry. Defaults to a registry of 10 slots.
func WithRegistry(r *registry.Registry) Option {
	return func(s *Server) error {
		if r == nil {
			return errors.New("registry cannot be nil")
		}
		s.registry = r
		return nil
	}
}

// WithStore sets the file store. Defaults to an in-memory store.
func WithStore(store storage.Store) Option {
	return func(s *Server) error {
		if store == nil {
			return errors.New("store cannot be nil")
		}
		s.store = store
		return nil
	}
}

// WithSweeper sets the TTL sweeper. It must operate on the same store passed
// to WithStore. Defaults to an unstarted sweeper over the server's store, in
// which case expiry is still enforced lazily on download.
func WithSweeper(sweeper *storage.Sweeper) Option {
	return func(s *Server) error {
		if sweeper == nil {
			return errors.New("sweeper cannot be nil")
		}
		s.sweeper = sweeper
		return nil
	}
}

// WithCredentials sets the login verifier. Required.
func WithCredentials(v Verifier) Option {
	return func(s *Server) error {
		if v == nil {
			return errors.New("credentials cannot be nil")
		}
		s.auth = v
		return nil
	}
}

// WithWriteTimeout bounds a single frame write to one client. Zero disables
// the deadline.
func WithWriteTimeout(d time.Duration) Option {
	return func(s *Server) error {
		if d < 0 {
			return errors.New("write timeout cannot be negative")
		}
		s.writeTimeout = d
		return nil
	}
}

// WithMaxFileSize caps a single upload. Zero means unlimited.
func WithMaxFileSize(n int64) Option {
	return func(s *Server) error {
		if n < 0 {
			return errors.New("max file size cannot be negative")
		}
		s.maxFileSize = n
		return nil
	}
}

// Server accepts client connections and runs one session per connection.
//
// Architecture:
//
//	listener ──Accept──▶ handleConn ──Register──▶ Registry
//	                          │
//	                          ▼
//	                  session.run (goroutine per client)
//	                    │        │          │
//	                    ▼        ▼          ▼
//	               broadcast  transfer   root commands
//
// Lifecycle:
//   - Serve blocks until its context is canceled or Close is called
//   - Close stops accepting and closes every open connection
//   - Serve returns only after every session has finished its cleanup
type Server struct {
	registry     *registry.Registry
	store        storage.Store
	sweeper      *storage.Sweeper
	auth         Verifier
	writeTimeout time.Duration
	maxFileSize  int64

	counters Counters
	started  time.Time

	mu       sync.Mutex
	listener net.Listener
	conns    map[*peer]struct{}
	closed   bool
	wg       sync.WaitGroup
}

// New creates a server from opts.
//
// Example:
//
//	srv, err := server.New(
//	    server.WithCredentials(creds),
//	    server.WithStore(store),
//	    server.WithSweeper(sweeper),
//	)
func New(opts ...Option) (*Server, error) {
	s := &Server{
		writeTimeout: 10 * time.Second,
		conns:        make(map[*peer]struct{}),
		started:      time.Now(),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, errors.Wrap(err, "apply server option failed")
		}
	}
	if s.auth == nil {
		return nil, errors.New("server requires credentials")
	}
	if s.registry == nil {
		s.registry = registry.New(10)
	}
	if s.store == nil {
		s.store = storage.NewMemoryStore()
	}
	if s.sweeper == nil {
		s.sweeper = storage.NewSweeper(time.Second, s.store)
	}
	return s, nil
}

// Registry returns the session registry.
func (s *Server) Registry() *registry.Registry {
	return s.registry
}

// Addr returns the listener address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve accepts connections on ln until ctx is canceled or Close is called.
// It returns nil on a requested shutdown.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		return errors.New("server closed")
	}
	s.listener = ln
	s.mu.Unlock()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-done:
		}
	}()

	logger.WithFields(logrus.Fields{
		"addr":     ln.Addr().String(),
		"capacity": s.registry.Capacity(),
	}).Info("chat server listening")

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.isClosed() {
				s.wg.Wait()
				logger.Info("chat server stopped")
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				logger.WithError(err).Warn("accept timeout")
				continue
			}
			s.Close()
			s.wg.Wait()
			return errors.Wrap(err, "accept failed")
		}

		p := newPeer(conn, s.writeTimeout)
		if !s.track(p) {
			p.Close()
			continue
		}
		s.wg.Add(1)
		go s.handleConn(p)
	}
}

// Close stops the listener and closes every open connection. Sessions notice
// the closed connection and clean up on their own.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	for p := range s.conns {
		p.Close()
	}
	return err
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) track(p *peer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[p] = struct{}{}
	return true
}

func (s *Server) untrack(p *peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, p)
}

// handleConn registers the connection and runs its session. A full registry
// gets a CAPACITY_EXCEEDED error and an immediate close.
func (s *Server) handleConn(p *peer) {
	defer s.wg.Done()
	defer s.untrack(p)

	h, err := s.registry.Register(p)
	if err != nil {
		atomic.AddUint64(&s.counters.Rejected, 1)
		logger.WithFields(logrus.Fields{
			"remote": p.RemoteAddr(),
			"code":   protocol.CodeCapacityExceeded,
		}).Warn("connection rejected")
		_ = p.Send(protocol.NewError(protocol.CodeCapacityExceeded, "server is full"))
		p.Close()
		return
	}
	atomic.AddUint64(&s.counters.Accepted, 1)

	newSession(s, h, p).run()
}
