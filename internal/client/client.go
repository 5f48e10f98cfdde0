// Package client speaks the chat protocol from the user's side.
//
// A Client owns one connection. A background reader delivers CHAT and NOTICE
// frames to the Handler as they arrive; every other frame is a reply to the
// request currently in flight. Requests are serialized, so at most one
// waits for a reply at a time.
package client

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/dreamware/chatfs/internal/logging"
	"github.com/dreamware/chatfs/internal/protocol"
)

var logger logrus.FieldLogger = logrus.StandardLogger()

var (
	// ErrClosed is returned once the connection has ended.
	ErrClosed = errors.New("connection closed")

	// ErrDigestMismatch is returned when the server stored something other
	// than what was sent.
	ErrDigestMismatch = errors.New("upload digest mismatch")

	// ErrUnexpectedReply is returned when the server answers with a frame
	// type the request does not expect.
	ErrUnexpectedReply = errors.New("unexpected reply")
)

// ServerError is an ERROR or LOGIN_FAIL reply.
type ServerError struct {
	Code    protocol.Code
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// CodeOf returns the server code carried by err, or "" if err is not a
// ServerError.
func CodeOf(err error) protocol.Code {
	var se *ServerError
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

func serverError(f protocol.Frame) error {
	code, msg := protocol.ParseError(f)
	return &ServerError{Code: code, Message: msg}
}

// Handler receives CHAT and NOTICE frames, plus ERROR replies to chats that
// no request was waiting for. Calls never overlap. Most run on the reader
// goroutine; a stale ERROR is delivered by the next request before it is
// sent. A Handler must not block for long.
type Handler func(protocol.Frame)

// Ack is a parsed FILE_ACK payload.
type Ack struct {
	Name   string
	Size   int64
	Digest uint64
	TTL    time.Duration
}

// ParseAck parses "name size xxh64 ttl_seconds".
func ParseAck(text string) (Ack, error) {
	fields := strings.Fields(text)
	if len(fields) != 4 {
		return Ack{}, errors.Errorf("malformed ack %q", text)
	}
	size, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return Ack{}, errors.Wrap(err, "parse ack size")
	}
	digest, err := strconv.ParseUint(fields[2], 16, 64)
	if err != nil {
		return Ack{}, errors.Wrap(err, "parse ack digest")
	}
	ttl, err := strconv.ParseInt(fields[3], 10, 64)
	if err != nil {
		return Ack{}, errors.Wrap(err, "parse ack ttl")
	}
	return Ack{Name: fields[0], Size: size, Digest: digest, TTL: time.Duration(ttl) * time.Second}, nil
}

// Client is one connection to a chat server.
type Client struct {
	conn      net.Conn
	handler   Handler
	handlerMu sync.Mutex
	username  atomic.Value // string

	writeMu sync.Mutex
	reqMu   sync.Mutex
	replies chan protocol.Frame

	done    chan struct{}
	quit    chan struct{}
	readErr error

	closeOnce sync.Once
}

// Dial connects to addr. handler may be nil.
func Dial(ctx context.Context, addr string, handler Handler) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s failed", addr)
	}
	return New(conn, handler), nil
}

// New wraps an established connection and starts the reader.
func New(conn net.Conn, handler Handler) *Client {
	if handler == nil {
		handler = func(protocol.Frame) {}
	}
	c := &Client{
		conn:    conn,
		handler: handler,
		replies: make(chan protocol.Frame, 64),
		done:    make(chan struct{}),
		quit:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		f, err := protocol.ReadFrame(c.conn)
		if err != nil {
			c.readErr = err
			return
		}
		logger.WithFields(logging.FrameFields(f)).Trace("frame received")

		switch f.Type {
		case protocol.TypeChat, protocol.TypeNotice:
			c.deliver(f)
		default:
			select {
			case c.replies <- f:
			case <-c.quit:
				c.readErr = ErrClosed
				return
			}
		}
	}
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns why the connection ended, or nil while it is open. A clean
// close by the server is reported as io.EOF.
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.readErr
	default:
		return nil
	}
}

// Username returns the name of the last successful login.
func (c *Client) Username() string {
	name, _ := c.username.Load().(string)
	return name
}

func (c *Client) deliver(f protocol.Frame) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.handler(f)
}

func (c *Client) send(f protocol.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := protocol.WriteFrame(c.conn, f); err != nil {
		return errors.Wrap(err, "send failed")
	}
	return nil
}

func (c *Client) sendText(t protocol.Type, text string) error {
	return c.send(protocol.NewText(t, c.Username(), text))
}

// await returns the next reply, preferring replies already buffered over a
// closed connection.
func (c *Client) await(ctx context.Context) (protocol.Frame, error) {
	select {
	case f := <-c.replies:
		return f, nil
	default:
	}
	select {
	case f := <-c.replies:
		return f, nil
	case <-c.done:
		select {
		case f := <-c.replies:
			return f, nil
		default:
		}
		return protocol.Frame{}, errors.Wrapf(ErrClosed, "%v", c.readErr)
	case <-ctx.Done():
		return protocol.Frame{}, ctx.Err()
	}
}

// discardStale drops replies left over from fire-and-forget requests.
func (c *Client) discardStale() {
	for {
		select {
		case f := <-c.replies:
			logger.WithFields(logging.FrameFields(f)).WithField("text", f.Text()).Debug("stale reply")
			if f.Type == protocol.TypeError {
				c.deliver(f)
			}
		default:
			return
		}
	}
}

// barrier waits until the server has processed everything sent so far. The
// server handles a session's frames in order, so an ERROR for an earlier
// request arrives before the LIST_RESPONSE to this request.
func (c *Client) barrier(ctx context.Context) error {
	if err := c.send(protocol.Frame{Type: protocol.TypeListRequest, Sender: c.Username()}); err != nil {
		return err
	}
	var first error
	for {
		f, err := c.await(ctx)
		if err != nil {
			return err
		}
		switch f.Type {
		case protocol.TypeListResponse:
			return first
		case protocol.TypeError:
			if first == nil {
				first = serverError(f)
			}
		default:
			return errors.Wrapf(ErrUnexpectedReply, "%s", f.Type)
		}
	}
}

// Login authenticates as id. A rejected login returns a *ServerError and
// leaves the connection usable.
func (c *Client) Login(ctx context.Context, id, secret string) error {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()
	c.discardStale()

	if err := c.send(protocol.NewText(protocol.TypeLogin, "", id+" "+secret)); err != nil {
		return err
	}
	f, err := c.await(ctx)
	if err != nil {
		return err
	}
	switch f.Type {
	case protocol.TypeLoginOK:
		c.username.Store(f.Text())
		return nil
	case protocol.TypeLoginFail, protocol.TypeError:
		return serverError(f)
	default:
		return errors.Wrapf(ErrUnexpectedReply, "%s to LOGIN", f.Type)
	}
}

// Chat broadcasts text. Nothing is returned by the server on success.
func (c *Client) Chat(text string) error {
	return c.sendText(protocol.TypeChat, text)
}

// List returns the logged-in usernames. The root holder's line ends in " *".
func (c *Client) List(ctx context.Context) ([]string, error) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()
	c.discardStale()

	if err := c.send(protocol.Frame{Type: protocol.TypeListRequest, Sender: c.Username()}); err != nil {
		return nil, err
	}
	f, err := c.await(ctx)
	if err != nil {
		return nil, err
	}
	switch f.Type {
	case protocol.TypeListResponse:
		if f.Text() == "" {
			return nil, nil
		}
		return strings.Split(f.Text(), "\n"), nil
	case protocol.TypeError:
		return nil, serverError(f)
	default:
		return nil, errors.Wrapf(ErrUnexpectedReply, "%s to LIST_REQUEST", f.Type)
	}
}

// Upload streams r to the server under name. A zero ttl keeps the file until
// it is replaced. If ctx ends mid-stream the connection is closed, which makes
// the server discard the partial upload.
func (c *Client) Upload(ctx context.Context, name string, r io.Reader, ttl time.Duration) (Ack, error) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()
	c.discardStale()

	request := name
	if ttl > 0 {
		request = fmt.Sprintf("%s %d", name, int64(ttl/time.Second))
	}
	if err := c.sendText(protocol.TypeFileUpload, request); err != nil {
		return Ack{}, err
	}

	digest := xxhash.New()
	var size int64
	buf := make([]byte, protocol.PayloadSize)
	for {
		if err := ctx.Err(); err != nil {
			c.Close()
			return Ack{}, err
		}
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			if sendErr := c.send(protocol.Frame{Type: protocol.TypeFileData, Sender: c.Username(), Data: buf[:n]}); sendErr != nil {
				return Ack{}, sendErr
			}
			_, _ = digest.Write(buf[:n])
			size += int64(n)
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			break
		}
		if err != nil {
			c.Close()
			return Ack{}, errors.Wrapf(err, "read %s", name)
		}
	}
	if err := c.send(protocol.Frame{Type: protocol.TypeFileEnd, Sender: c.Username()}); err != nil {
		return Ack{}, err
	}

	f, err := c.await(ctx)
	if err != nil {
		return Ack{}, err
	}
	switch f.Type {
	case protocol.TypeFileAck:
	case protocol.TypeError:
		return Ack{}, serverError(f)
	default:
		return Ack{}, errors.Wrapf(ErrUnexpectedReply, "%s to FILE_END", f.Type)
	}

	ack, err := ParseAck(f.Text())
	if err != nil {
		return Ack{}, err
	}
	if ack.Size != size || ack.Digest != digest.Sum64() {
		return ack, errors.Wrapf(ErrDigestMismatch, "sent %d bytes %016x, server stored %d bytes %016x",
			size, digest.Sum64(), ack.Size, ack.Digest)
	}
	return ack, nil
}

// Download writes the named file to w and returns the number of bytes.
func (c *Client) Download(ctx context.Context, name string, w io.Writer) (int64, error) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()
	c.discardStale()

	if err := c.sendText(protocol.TypeFileDownload, name); err != nil {
		return 0, err
	}

	var written int64
	var writeErr error
	for {
		f, err := c.await(ctx)
		if err != nil {
			return written, err
		}
		switch f.Type {
		case protocol.TypeFileData:
			if writeErr != nil {
				continue
			}
			n, err := w.Write(f.Data)
			written += int64(n)
			if err != nil {
				// keep reading so the stream stays in sync
				writeErr = errors.Wrapf(err, "write %s", name)
			}
		case protocol.TypeFileEnd:
			return written, writeErr
		case protocol.TypeError:
			return written, serverError(f)
		default:
			return written, errors.Wrapf(ErrUnexpectedReply, "%s during download", f.Type)
		}
	}
}

// Kick disconnects the named user. Requires root.
func (c *Client) Kick(ctx context.Context, name string) error {
	return c.command(ctx, protocol.TypeKick, name)
}

// TransferRoot hands root to the named user. Requires root.
func (c *Client) TransferRoot(ctx context.Context, name string) error {
	return c.command(ctx, protocol.TypeRootTransfer, name)
}

// command sends a request the server only answers on failure, then waits on
// a barrier to learn the outcome.
func (c *Client) command(ctx context.Context, t protocol.Type, arg string) error {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()
	c.discardStale()

	if err := c.sendText(t, arg); err != nil {
		return err
	}
	return c.barrier(ctx)
}

// Stats returns the server's key=value statistics. Requires root.
func (c *Client) Stats(ctx context.Context) (map[string]string, error) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()
	c.discardStale()

	if err := c.send(protocol.Frame{Type: protocol.TypeStatsRequest, Sender: c.Username()}); err != nil {
		return nil, err
	}
	f, err := c.await(ctx)
	if err != nil {
		return nil, err
	}
	switch f.Type {
	case protocol.TypeStatsResponse:
	case protocol.TypeError:
		return nil, serverError(f)
	default:
		return nil, errors.Wrapf(ErrUnexpectedReply, "%s to STATS_REQUEST", f.Type)
	}

	stats := make(map[string]string)
	for _, line := range strings.Split(f.Text(), "\n") {
		if k, v, ok := strings.Cut(line, "="); ok {
			stats[k] = v
		}
	}
	return stats, nil
}

// Exit tells the server the client is leaving and closes the connection.
func (c *Client) Exit() error {
	err := c.send(protocol.Frame{Type: protocol.TypeExit, Sender: c.Username()})
	if closeErr := c.Close(); err == nil {
		err = closeErr
	}
	return err
}

// Close closes the connection without notifying the server.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.quit)
		err = c.conn.Close()
	})
	return err
}
