package protocol

import "strings"

// Code identifies an error class on the wire. ERROR and LOGIN_FAIL payloads
// start with a code followed by a space and a human readable message.
type Code string

// Error codes.
const (
	CodeCapacityExceeded Code = "CAPACITY_EXCEEDED"
	CodeAuthFailed       Code = "AUTH_FAILED"
	CodeAuthRequired     Code = "AUTH_REQUIRED"
	CodeUsernameTaken    Code = "USERNAME_TAKEN"
	CodeUserNotFound     Code = "USER_NOT_FOUND"
	CodePermissionDenied Code = "PERMISSION_DENIED"
	CodeFileNotFound     Code = "FILE_NOT_FOUND"
	CodeFileTooLarge     Code = "FILE_TOO_LARGE"
	CodeTransferBusy     Code = "TRANSFER_BUSY"
	CodeNoTransfer       Code = "NO_TRANSFER"
	CodeStreamFailed     Code = "STREAM_FAILED"
	CodeInvalidArgument  Code = "INVALID_ARGUMENT"
	CodeConnectionLost   Code = "CONNECTION_LOST"
	CodeFrameInvalid     Code = "FRAME_INVALID"
	CodeInternal         Code = "INTERNAL"
)

// NewError builds an ERROR frame.
func NewError(code Code, msg string) Frame {
	return NewText(TypeError, ServerSender, string(code)+" "+msg)
}

// NewLoginFail builds a LOGIN_FAIL frame.
func NewLoginFail(code Code, msg string) Frame {
	return NewText(TypeLoginFail, ServerSender, string(code)+" "+msg)
}

// ParseError splits an ERROR or LOGIN_FAIL payload into its code and message.
// Payloads without a message yield an empty message.
func ParseError(f Frame) (Code, string) {
	code, msg, _ := strings.Cut(f.Text(), " ")
	return Code(code), msg
}
