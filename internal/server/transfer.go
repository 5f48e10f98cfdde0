package server

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/dreamware/chatfs/internal/protocol"
	"github.com/dreamware/chatfs/internal/registry"
	"github.com/dreamware/chatfs/internal/storage"
)

// draining is a session-private state after an upload failed: the client is
// still streaming FILE_DATA for it, and those frames are discarded silently
// until FILE_END. Other sessions see the session as idle.
const draining registry.TransferState = -1

// transfer is the file state of one session. Only the session goroutine
// touches it.
type transfer struct {
	state  registry.TransferState
	name   string
	ttl    time.Duration
	upload storage.Upload
	digest *xxhash.Digest
}

// abort discards an unfinished upload.
func (t *transfer) abort(log logrus.FieldLogger) {
	if t.upload != nil {
		if err := t.upload.Abort(); err != nil {
			log.WithError(err).WithField("file", t.name).Warn("abort upload failed")
		} else {
			log.WithField("file", t.name).Info("unfinished upload discarded")
		}
	}
	*t = transfer{}
}

// ParseUploadRequest splits a FILE_UPLOAD payload "name [ttl_seconds]".
func ParseUploadRequest(payload string) (string, time.Duration, error) {
	fields := strings.Fields(payload)
	switch len(fields) {
	case 1:
		return fields[0], 0, nil
	case 2:
		secs, err := strconv.ParseUint(fields[1], 10, 32)
		if err != nil {
			return "", 0, errors.Wrapf(ErrInvalidArgument, "ttl %q is not a number of seconds", fields[1])
		}
		return fields[0], time.Duration(secs) * time.Second, nil
	default:
		return "", 0, errors.Wrap(ErrInvalidArgument, "expected \"<name> [ttl_seconds]\"")
	}
}

// FormatAck builds the FILE_ACK payload "name size xxh64 ttl_seconds".
func FormatAck(name string, size int64, sum uint64, ttl time.Duration) string {
	return fmt.Sprintf("%s %d %016x %d", name, size, sum, int64(ttl/time.Second))
}

func (s *session) setTransfer(state registry.TransferState) {
	s.xfer.state = state
	shared := state
	if shared == draining {
		shared = registry.TransferIdle
	}
	s.srv.registry.SetTransfer(s.handle, shared)
}

// failUpload aborts the current upload and swallows the rest of its stream.
func (s *session) failUpload(cause error) error {
	s.xfer.abort(s.log)
	s.setTransfer(draining)
	return cause
}

// handleUploadStart opens a staging upload for FILE_UPLOAD "name [ttl]".
func (s *session) handleUploadStart(f protocol.Frame) error {
	if s.xfer.state == registry.TransferUploading {
		return errors.Wrapf(ErrTransferBusy, "still uploading %q", s.xfer.name)
	}

	name, ttl, err := ParseUploadRequest(f.Text())
	if err != nil {
		s.setTransfer(draining)
		return err
	}
	up, err := s.srv.store.Create(name)
	if err != nil {
		s.setTransfer(draining)
		return err
	}

	s.xfer = transfer{
		name:   name,
		ttl:    ttl,
		upload: up,
		digest: xxhash.New(),
	}
	s.setTransfer(registry.TransferUploading)
	s.log.WithFields(logrus.Fields{"file": name, "ttl": ttl}).Info("upload started")
	return nil
}

// handleUploadChunk appends one FILE_DATA payload.
func (s *session) handleUploadChunk(f protocol.Frame) error {
	switch s.xfer.state {
	case draining:
		return nil
	case registry.TransferUploading:
	default:
		return errors.Wrap(ErrNoTransfer, "FILE_DATA")
	}

	if limit := s.srv.maxFileSize; limit > 0 && s.xfer.upload.Size()+int64(len(f.Data)) > limit {
		return s.failUpload(errors.Wrapf(ErrFileTooLarge, "%q is larger than %d bytes", s.xfer.name, limit))
	}
	if _, err := s.xfer.upload.Write(f.Data); err != nil {
		return s.failUpload(errors.Wrapf(err, "store %q", s.xfer.name))
	}
	_, _ = s.xfer.digest.Write(f.Data)
	atomic.AddUint64(&s.srv.counters.BytesIn, uint64(len(f.Data)))
	return nil
}

// handleUploadEnd commits the upload, schedules its expiry and acknowledges
// to the uploader only.
func (s *session) handleUploadEnd() error {
	switch s.xfer.state {
	case draining:
		s.setTransfer(registry.TransferIdle)
		return nil
	case registry.TransferUploading:
	default:
		return errors.Wrap(ErrNoTransfer, "FILE_END")
	}

	name, ttl := s.xfer.name, s.xfer.ttl
	size := s.xfer.upload.Size()
	sum := s.xfer.digest.Sum64()

	deadline, err := s.srv.sweeper.Commit(name, s.xfer.upload, ttl)
	s.xfer = transfer{}
	s.setTransfer(registry.TransferIdle)
	if err != nil {
		return errors.Wrapf(err, "commit %q", name)
	}

	atomic.AddUint64(&s.srv.counters.Uploads, 1)
	s.log.WithFields(logrus.Fields{
		"file":     name,
		"size":     size,
		"deadline": deadline,
	}).Info("upload committed")

	return s.send(protocol.NewText(protocol.TypeFileAck, protocol.ServerSender, FormatAck(name, size, sum, ttl)))
}

// handleDownload streams a file as PayloadSize chunks followed by FILE_END.
// The stream runs inside the session loop, so no other request from this
// client is processed until it finishes.
func (s *session) handleDownload(f protocol.Frame) error {
	if s.xfer.state == registry.TransferUploading {
		return errors.Wrapf(ErrTransferBusy, "finish uploading %q first", s.xfer.name)
	}
	name := strings.TrimSpace(f.Text())
	if err := storage.ValidateName(name); err != nil {
		return err
	}
	if s.srv.sweeper.ExpireIfDue(name) {
		return errors.Wrapf(storage.ErrFileNotFound, "%q expired", name)
	}

	rc, size, err := s.srv.store.Open(name)
	if err != nil {
		return err
	}
	defer rc.Close()

	prev := s.xfer.state
	s.setTransfer(registry.TransferDownloading)
	defer s.setTransfer(prev)
	s.log.WithFields(logrus.Fields{"file": name, "size": size}).Info("download started")

	buf := make([]byte, protocol.PayloadSize)
	var sent int64
	for {
		n, err := io.ReadFull(rc, buf)
		if n > 0 {
			if sendErr := s.send(protocol.NewChunk(buf[:n])); sendErr != nil {
				return sendErr
			}
			sent += int64(n)
			atomic.AddUint64(&s.srv.counters.BytesOut, uint64(n))
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			break
		}
		if err != nil {
			return errors.Wrapf(ErrStreamFailed, "%q after %d bytes: %v", name, sent, err)
		}
	}

	atomic.AddUint64(&s.srv.counters.Downloads, 1)
	return s.send(protocol.NewText(protocol.TypeFileEnd, protocol.ServerSender, name))
}
