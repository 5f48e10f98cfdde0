package server

import (
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"

	"github.com/dreamware/chatfs/internal/protocol"
	"github.com/dreamware/chatfs/internal/registry"
)

// broadcast sends f to every active session except the excluded handles,
// whether or not it has logged in.
// A recipient whose write fails is unregistered and closed; delivery to the
// remaining recipients continues. Returns the number of successful sends.
func (s *Server) broadcast(f protocol.Frame, exclude ...registry.Handle) int {
	delivered := 0
	s.registry.ForEachActive(func(e registry.Entry) bool {
		if slices.Contains(exclude, e.Handle) {
			return true
		}
		if err := e.Peer.Send(f); err != nil {
			s.drop(e, err)
			return true
		}
		delivered++
		return true
	})
	return delivered
}

// notify broadcasts a server NOTICE.
func (s *Server) notify(text string, exclude ...registry.Handle) int {
	return s.broadcast(protocol.NewText(protocol.TypeNotice, protocol.ServerSender, text), exclude...)
}

// drop removes a recipient that could not be written to. Its own session
// goroutine sees the closed connection and exits without a second cleanup.
func (s *Server) drop(e registry.Entry, cause error) {
	atomic.AddUint64(&s.counters.SendFailures, 1)
	logger.WithError(cause).WithFields(logrus.Fields{
		"user": e.Username,
		"slot": e.Handle.Slot,
		"code": protocol.CodeConnectionLost,
	}).Warn("dropping unreachable client")

	if s.registry.Unregister(e.Handle) {
		e.Peer.Close()
	}
}
