package protocol

import (
	"bytes"
	"encoding/binary"
	"io"
	"strings"

	"github.com/pkg/errors"
)

// Wire layout constants. Every frame on the wire is exactly FrameSize bytes.
const (
	// SenderSize is the width of the sender field. The last byte is always NUL
	// so a name can hold at most SenderSize-1 bytes.
	SenderSize = 32

	// PayloadSize is the capacity of the data field and the chunk size used
	// for file transfers.
	PayloadSize = 1024

	typeSize = 4
	lenSize  = 4

	// FrameSize is the fixed size of an encoded frame.
	FrameSize = typeSize + SenderSize + PayloadSize + lenSize

	senderOffset = typeSize
	dataOffset   = senderOffset + SenderSize
	lenOffset    = dataOffset + PayloadSize
)

// ErrFrameInvalid is returned when a frame cannot be encoded or decoded.
var ErrFrameInvalid = errors.New("frame invalid")

// Frame is one message unit exchanged between client and server.
type Frame struct {
	Type   Type
	Sender string
	Data   []byte
}

// Text returns the payload interpreted as a string.
func (f Frame) Text() string {
	return string(f.Data)
}

// Encode serializes f into a FrameSize byte slice.
func Encode(f Frame) ([]byte, error) {
	buf := make([]byte, FrameSize)
	if err := EncodeInto(buf, f); err != nil {
		return nil, err
	}
	return buf, nil
}

// EncodeInto serializes f into buf, which must be at least FrameSize long.
// Unused bytes are zeroed.
func EncodeInto(buf []byte, f Frame) error {
	if len(buf) < FrameSize {
		return errors.Wrapf(ErrFrameInvalid, "buffer of %d bytes is shorter than a frame", len(buf))
	}
	if len(f.Sender) >= SenderSize {
		return errors.Wrapf(ErrFrameInvalid, "sender %q exceeds %d bytes", f.Sender, SenderSize-1)
	}
	if strings.IndexByte(f.Sender, 0) >= 0 {
		return errors.Wrap(ErrFrameInvalid, "sender contains NUL byte")
	}
	if len(f.Data) > PayloadSize {
		return errors.Wrapf(ErrFrameInvalid, "payload of %d bytes exceeds %d", len(f.Data), PayloadSize)
	}

	buf = buf[:FrameSize]
	clear(buf)
	binary.BigEndian.PutUint32(buf[:senderOffset], uint32(f.Type))
	copy(buf[senderOffset:dataOffset], f.Sender)
	copy(buf[dataOffset:lenOffset], f.Data)
	binary.BigEndian.PutUint32(buf[lenOffset:], uint32(len(f.Data)))
	return nil
}

// Decode parses a FrameSize byte slice. The returned Data does not alias buf.
// A data_len larger than PayloadSize is rejected rather than truncated.
func Decode(buf []byte) (Frame, error) {
	if len(buf) != FrameSize {
		return Frame{}, errors.Wrapf(ErrFrameInvalid, "frame is %d bytes, want %d", len(buf), FrameSize)
	}
	dataLen := binary.BigEndian.Uint32(buf[lenOffset:])
	if dataLen > PayloadSize {
		return Frame{}, errors.Wrapf(ErrFrameInvalid, "data_len %d exceeds %d", dataLen, PayloadSize)
	}

	sender := buf[senderOffset:dataOffset]
	if i := bytes.IndexByte(sender, 0); i >= 0 {
		sender = sender[:i]
	}
	data := make([]byte, dataLen)
	copy(data, buf[dataOffset:dataOffset+int(dataLen)])

	return Frame{
		Type:   Type(binary.BigEndian.Uint32(buf[:senderOffset])),
		Sender: string(sender),
		Data:   data,
	}, nil
}

// ReadFrame blocks until a whole frame has been read from r. Short reads are
// accumulated; io.EOF is returned untouched when the peer closed cleanly
// between frames.
func ReadFrame(r io.Reader) (Frame, error) {
	buf := make([]byte, FrameSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.EOF) {
			return Frame{}, io.EOF
		}
		return Frame{}, errors.Wrap(err, "read frame failed")
	}
	return Decode(buf)
}

// WriteFrame encodes f and writes it to w in a single call.
func WriteFrame(w io.Writer, f Frame) error {
	buf, err := Encode(f)
	if err != nil {
		return err
	}
	if _, err := w.Write(buf); err != nil {
		return errors.Wrap(err, "write frame failed")
	}
	return nil
}
