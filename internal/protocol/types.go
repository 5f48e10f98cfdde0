package protocol

import "fmt"

// Type tags a frame with its meaning.
type Type uint32

// Frame types. Values are part of the wire format and must not be reordered.
const (
	TypeChat          Type = 1
	TypeLogin         Type = 2
	TypeLoginOK       Type = 3
	TypeLoginFail     Type = 4
	TypeListRequest   Type = 5
	TypeListResponse  Type = 6
	TypeFileUpload    Type = 7
	TypeFileDownload  Type = 8
	TypeFileData      Type = 9
	TypeFileEnd       Type = 10
	TypeFileAck       Type = 11
	TypeExit          Type = 12
	TypeKick          Type = 13
	TypeRootTransfer  Type = 14
	TypeError         Type = 15
	TypeNotice        Type = 16
	TypeStatsRequest  Type = 17
	TypeStatsResponse Type = 18
)

var typeNames = map[Type]string{
	TypeChat:          "CHAT",
	TypeLogin:         "LOGIN",
	TypeLoginOK:       "LOGIN_OK",
	TypeLoginFail:     "LOGIN_FAIL",
	TypeListRequest:   "LIST_REQUEST",
	TypeListResponse:  "LIST_RESPONSE",
	TypeFileUpload:    "FILE_UPLOAD",
	TypeFileDownload:  "FILE_DOWNLOAD",
	TypeFileData:      "FILE_DATA",
	TypeFileEnd:       "FILE_END",
	TypeFileAck:       "FILE_ACK",
	TypeExit:          "EXIT",
	TypeKick:          "KICK",
	TypeRootTransfer:  "ROOT_TRANSFER",
	TypeError:         "ERROR",
	TypeNotice:        "NOTICE",
	TypeStatsRequest:  "STATS_REQUEST",
	TypeStatsResponse: "STATS_RESPONSE",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(%d)", uint32(t))
}

// Known reports whether t is a defined frame type.
func (t Type) Known() bool {
	_, ok := typeNames[t]
	return ok
}

// ServerSender is the sender name the server puts on frames it originates.
const ServerSender = "server"

// NewText builds a frame carrying a text payload. Text longer than the
// payload capacity is truncated.
func NewText(t Type, sender, text string) Frame {
	if len(text) > PayloadSize {
		text = text[:PayloadSize]
	}
	return Frame{Type: t, Sender: sender, Data: []byte(text)}
}

// NewChunk builds a FILE_DATA frame. chunk must not exceed PayloadSize.
func NewChunk(chunk []byte) Frame {
	return Frame{Type: TypeFileData, Sender: ServerSender, Data: chunk}
}
