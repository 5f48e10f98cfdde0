package server

import (
	"strings"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/dreamware/chatfs/internal/protocol"
	"github.com/dreamware/chatfs/internal/registry"
)

// requireRoot rejects privileged commands from anyone but the root holder.
func (s *session) requireRoot(cmd protocol.Type) error {
	if !s.srv.registry.IsRoot(s.handle) {
		return errors.Wrapf(ErrPermissionDenied, "%s", cmd)
	}
	return nil
}

// targetName extracts the username argument of KICK and ROOT_TRANSFER.
func targetName(f protocol.Frame) (string, error) {
	name := strings.TrimSpace(f.Text())
	if name == "" || strings.ContainsAny(name, " \t\n") {
		return "", errors.Wrapf(ErrInvalidArgument, "%s expects one username", f.Type)
	}
	return name, nil
}

// handleKick disconnects the named session. The target is told who removed
// it before its connection is closed; everyone else gets a notice.
func (s *session) handleKick(f protocol.Frame) error {
	if err := s.requireRoot(f.Type); err != nil {
		return err
	}
	name, err := targetName(f)
	if err != nil {
		return err
	}
	if name == s.username {
		return errors.Wrap(ErrInvalidArgument, "root cannot kick itself")
	}

	target, err := s.srv.registry.LookupByName(name)
	if err != nil {
		return errors.Wrapf(err, "kick %q", name)
	}
	_ = target.Peer.Send(protocol.NewText(protocol.TypeNotice, protocol.ServerSender, "kicked by "+s.username))
	if !s.srv.registry.Unregister(target.Handle) {
		return errors.Wrapf(registry.ErrUserNotFound, "%q already left", name)
	}
	target.Peer.Close()

	atomic.AddUint64(&s.srv.counters.Kicks, 1)
	s.log.WithFields(logrus.Fields{"target": name, "slot": target.Handle.Slot}).Info("client kicked")
	s.srv.notify(name + " was kicked by " + s.username)
	return nil
}

// handleRootTransfer hands root to the named session.
func (s *session) handleRootTransfer(f protocol.Frame) error {
	if err := s.requireRoot(f.Type); err != nil {
		return err
	}
	name, err := targetName(f)
	if err != nil {
		return err
	}
	if name == s.username {
		return errors.Wrap(ErrInvalidArgument, "already root")
	}

	target, err := s.srv.registry.TransferRoot(name)
	if err != nil {
		return errors.Wrapf(err, "transfer root to %q", name)
	}
	s.log.WithField("new_root", name).Info("root transferred")

	if err := target.Peer.Send(protocol.NewText(protocol.TypeNotice, protocol.ServerSender, "you are now root")); err != nil {
		s.srv.drop(target, err)
	}
	if err := s.notice("root transferred to " + name); err != nil {
		return err
	}
	s.srv.notify(name+" is now root", s.handle, target.Handle)
	return nil
}

// handleStats replies with server counters as key=value lines.
func (s *session) handleStats() error {
	if err := s.requireRoot(protocol.TypeStatsRequest); err != nil {
		return err
	}
	return s.send(protocol.NewText(protocol.TypeStatsResponse, protocol.ServerSender, s.srv.Stats().Lines()))
}
