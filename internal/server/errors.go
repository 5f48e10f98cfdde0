package server

import (
	"github.com/pkg/errors"

	"github.com/dreamware/chatfs/internal/auth"
	"github.com/dreamware/chatfs/internal/protocol"
	"github.com/dreamware/chatfs/internal/registry"
	"github.com/dreamware/chatfs/internal/storage"
)

var (
	// ErrAuthRequired is returned for any request other than LOGIN or EXIT
	// from a session that has not logged in.
	ErrAuthRequired = errors.New("login required")

	// ErrPermissionDenied is returned when a non-root session issues a root command.
	ErrPermissionDenied = errors.New("root privilege required")

	// ErrTransferBusy is returned when a transfer is requested while one is active.
	ErrTransferBusy = errors.New("a file transfer is already in progress")

	// ErrNoTransfer is returned for FILE_DATA or FILE_END outside an upload.
	ErrNoTransfer = errors.New("no upload in progress")

	// ErrFileTooLarge is returned when an upload exceeds the configured limit.
	ErrFileTooLarge = errors.New("file exceeds size limit")

	// ErrStreamFailed is returned when a download breaks off mid-stream.
	ErrStreamFailed = errors.New("file stream failed")

	// ErrInvalidArgument is returned for malformed request payloads.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrConnectionLost is returned when a frame cannot be written to a peer.
	ErrConnectionLost = errors.New("connection lost")
)

// codeFor maps an error to the code sent in an ERROR frame.
func codeFor(err error) protocol.Code {
	switch {
	case errors.Is(err, registry.ErrCapacityExceeded):
		return protocol.CodeCapacityExceeded
	case errors.Is(err, auth.ErrAuthFailed), errors.Is(err, auth.ErrMalformedLogin):
		return protocol.CodeAuthFailed
	case errors.Is(err, ErrAuthRequired):
		return protocol.CodeAuthRequired
	case errors.Is(err, registry.ErrUsernameTaken):
		return protocol.CodeUsernameTaken
	case errors.Is(err, registry.ErrUserNotFound):
		return protocol.CodeUserNotFound
	case errors.Is(err, ErrPermissionDenied):
		return protocol.CodePermissionDenied
	case errors.Is(err, storage.ErrFileNotFound):
		return protocol.CodeFileNotFound
	case errors.Is(err, ErrFileTooLarge):
		return protocol.CodeFileTooLarge
	case errors.Is(err, ErrTransferBusy):
		return protocol.CodeTransferBusy
	case errors.Is(err, ErrNoTransfer):
		return protocol.CodeNoTransfer
	case errors.Is(err, ErrStreamFailed):
		return protocol.CodeStreamFailed
	case errors.Is(err, ErrInvalidArgument), errors.Is(err, storage.ErrInvalidName):
		return protocol.CodeInvalidArgument
	case errors.Is(err, ErrConnectionLost):
		return protocol.CodeConnectionLost
	case errors.Is(err, protocol.ErrFrameInvalid):
		return protocol.CodeFrameInvalid
	default:
		return protocol.CodeInternal
	}
}

// errorFrame builds the ERROR reply for err. Internal errors are not
// described to the client.
func errorFrame(err error) protocol.Frame {
	code := codeFor(err)
	if code == protocol.CodeInternal {
		return protocol.NewError(code, "internal server error")
	}
	return protocol.NewError(code, err.Error())
}
