package server

import (
	"io"
	"strings"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/dreamware/chatfs/internal/auth"
	"github.com/dreamware/chatfs/internal/logging"
	"github.com/dreamware/chatfs/internal/protocol"
	"github.com/dreamware/chatfs/internal/registry"
)

// errSessionEnd stops the dispatch loop without an error reply.
var errSessionEnd = errors.New("session ended by client")

// session is the per-connection worker. Only its own goroutine touches the
// fields below; shared state lives in the registry.
type session struct {
	srv      *Server
	handle   registry.Handle
	peer     *peer
	log      logrus.FieldLogger
	username string
	xfer     transfer
}

func newSession(srv *Server, h registry.Handle, p *peer) *session {
	return &session{
		srv:    srv,
		handle: h,
		peer:   p,
		log: logger.WithFields(logrus.Fields{
			"session": h.ID.String(),
			"slot":    h.Slot,
			"remote":  p.RemoteAddr(),
		}),
	}
}

// run reads frames until the client leaves, the connection fails or the
// session is removed by someone else, then cleans up.
func (s *session) run() {
	defer s.cleanup()
	s.log.Info("client connected")

	for {
		f, err := protocol.ReadFrame(s.peer.conn)
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.log.Debug("client closed connection")
			} else {
				s.log.WithError(err).WithField("code", protocol.CodeConnectionLost).Info("read failed")
			}
			return
		}
		if !s.srv.registry.Active(s.handle) {
			return
		}
		s.log.WithFields(logging.FrameFields(f)).Trace("frame received")

		if !f.Type.Known() {
			_ = s.send(protocol.NewError(protocol.CodeFrameInvalid, "unknown frame type "+f.Type.String()))
			s.log.WithField("type", f.Type.String()).Warn("unknown frame type, closing session")
			return
		}

		err = s.dispatch(f)
		switch {
		case err == nil:
		case errors.Is(err, errSessionEnd):
			return
		case errors.Is(err, ErrConnectionLost):
			s.log.WithError(err).Info("connection lost")
			return
		default:
			s.log.WithError(err).WithField("code", codeFor(err)).Debug("request rejected")
			if sendErr := s.send(errorFrame(err)); sendErr != nil {
				return
			}
		}
	}
}

// dispatch routes one frame. Errors that are not connection errors are
// reported back to the client and the session continues.
func (s *session) dispatch(f protocol.Frame) error {
	switch f.Type {
	case protocol.TypeExit:
		return errSessionEnd
	case protocol.TypeLogin:
		return s.handleLogin(f)
	}

	if s.username == "" {
		return errors.Wrapf(ErrAuthRequired, "%s before login", f.Type)
	}

	switch f.Type {
	case protocol.TypeChat:
		return s.handleChat(f)
	case protocol.TypeListRequest:
		return s.handleList()
	case protocol.TypeFileUpload:
		return s.handleUploadStart(f)
	case protocol.TypeFileData:
		return s.handleUploadChunk(f)
	case protocol.TypeFileEnd:
		return s.handleUploadEnd()
	case protocol.TypeFileDownload:
		return s.handleDownload(f)
	case protocol.TypeKick:
		return s.handleKick(f)
	case protocol.TypeRootTransfer:
		return s.handleRootTransfer(f)
	case protocol.TypeStatsRequest:
		return s.handleStats()
	default:
		return errors.Wrapf(protocol.ErrFrameInvalid, "%s is not a client request", f.Type)
	}
}

func (s *session) send(f protocol.Frame) error {
	return s.peer.Send(f)
}

func (s *session) notice(text string) error {
	return s.send(protocol.NewText(protocol.TypeNotice, protocol.ServerSender, text))
}

// handleLogin verifies "id secret", claims the username and, for the first
// login on a vacant server, grants root. Failures leave the session connected
// and anonymous.
func (s *session) handleLogin(f protocol.Frame) error {
	id, secret, err := auth.ParseLogin(f.Text())
	if err != nil {
		return s.loginFail(protocol.CodeAuthFailed, err.Error())
	}
	if len(id) >= protocol.SenderSize {
		return s.loginFail(protocol.CodeInvalidArgument, "identifier too long")
	}
	if s.username != "" && s.username != id {
		return s.loginFail(protocol.CodeInvalidArgument, "already logged in as "+s.username)
	}
	if err := s.srv.auth.Verify(id, secret); err != nil {
		atomic.AddUint64(&s.srv.counters.LoginFailures, 1)
		s.log.WithField("id", id).Warn("login failed")
		return s.loginFail(protocol.CodeAuthFailed, "invalid credentials")
	}
	if err := s.srv.registry.SetUsername(s.handle, id); err != nil {
		if errors.Is(err, registry.ErrUsernameTaken) {
			return s.loginFail(protocol.CodeUsernameTaken, id+" is already logged in")
		}
		return err
	}

	if s.username != "" {
		// repeated login under the same name changes nothing
		return s.send(protocol.NewText(protocol.TypeLoginOK, protocol.ServerSender, id))
	}
	s.username = id
	s.log = s.log.WithField("user", id)
	isRoot := s.srv.registry.AssignRootIfUnset(s.handle)

	if err := s.send(protocol.NewText(protocol.TypeLoginOK, protocol.ServerSender, id)); err != nil {
		return err
	}

	atomic.AddUint64(&s.srv.counters.Logins, 1)
	s.log.WithField("root", isRoot).Info("login succeeded")
	if isRoot {
		if err := s.notice("you are root"); err != nil {
			return err
		}
	}
	s.srv.notify(id+" joined", s.handle)
	return nil
}

func (s *session) loginFail(code protocol.Code, msg string) error {
	return s.send(protocol.NewLoginFail(code, msg))
}

// handleChat relays text to everyone else under the session's username.
func (s *session) handleChat(f protocol.Frame) error {
	atomic.AddUint64(&s.srv.counters.Chats, 1)
	s.srv.broadcast(protocol.Frame{
		Type:   protocol.TypeChat,
		Sender: s.username,
		Data:   f.Data,
	}, s.handle)
	return nil
}

// handleList replies with logged-in usernames, one per line. The root holder
// is marked with a trailing " *".
func (s *session) handleList() error {
	root, hasRoot := s.srv.registry.Root()
	names := s.srv.registry.Usernames()
	for i, name := range names {
		if hasRoot && name == root.Username {
			names[i] = name + " *"
		}
	}
	return s.send(protocol.NewText(protocol.TypeListResponse, protocol.ServerSender, strings.Join(names, "\n")))
}

// cleanup releases everything the session owns. It runs exactly once.
func (s *session) cleanup() {
	s.xfer.abort(s.log)
	removed := s.srv.registry.Unregister(s.handle)
	s.peer.Close()

	s.log.WithField("removed", removed).Info("client disconnected")

	if removed && s.username != "" && !s.srv.isClosed() {
		s.srv.notify(s.username + " left")
	}
}
