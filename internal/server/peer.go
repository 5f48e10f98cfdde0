package server

import (
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/dreamware/chatfs/internal/protocol"
)

// peer is the write side of one client connection. Writes are serialized so
// frames from concurrent broadcasters never interleave and reach the client
// in the order Send was entered.
type peer struct {
	conn         net.Conn
	writeTimeout time.Duration

	mu  sync.Mutex
	buf [protocol.FrameSize]byte

	closeOnce sync.Once
	closeErr  error
}

func newPeer(conn net.Conn, writeTimeout time.Duration) *peer {
	return &peer{conn: conn, writeTimeout: writeTimeout}
}

// Send encodes f and writes it within the write timeout.
func (p *peer) Send(f protocol.Frame) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := protocol.EncodeInto(p.buf[:], f); err != nil {
		return err
	}
	if p.writeTimeout > 0 {
		if err := p.conn.SetWriteDeadline(time.Now().Add(p.writeTimeout)); err != nil {
			return errors.Wrapf(ErrConnectionLost, "set deadline for %s: %v", p.RemoteAddr(), err)
		}
	}
	if _, err := p.conn.Write(p.buf[:]); err != nil {
		return errors.Wrapf(ErrConnectionLost, "write to %s: %v", p.RemoteAddr(), err)
	}
	return nil
}

// Close closes the connection once; later calls return the first result.
func (p *peer) Close() error {
	p.closeOnce.Do(func() {
		p.closeErr = p.conn.Close()
	})
	return p.closeErr
}

// RemoteAddr returns the client's address for logging.
func (p *peer) RemoteAddr() string {
	if addr := p.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return "unknown"
}
