package server

import (
	"bufio"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// ErrStreamClosed is returned by a Stream used after Close.
var ErrStreamClosed = errors.New("server: stream closed")

// Stream is the bidirectional byte stream a connection is driven over.
type Stream interface {
	// Receive blocks until at least one byte is available and returns up to
	// max bytes. The end of the peer's data is io.EOF; a stream closed on
	// this side reports ErrStreamClosed.
	Receive(max int) ([]byte, error)
	Send(p []byte) error
	Flush() error
	// Close is idempotent.
	Close() error
	Closed() bool
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
}

// endOfStream reports whether err only means the conversation is over.
func endOfStream(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, ErrStreamClosed) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET)
}

type netStream struct {
	conn   net.Conn
	w      *bufio.Writer
	buf    []byte
	closed atomic.Bool
	once   sync.Once
	err    error
}

// NewStream wraps an accepted connection. Sends are buffered until Flush.
func NewStream(conn net.Conn) Stream {
	return &netStream{
		conn: conn,
		w:    bufio.NewWriterSize(conn, 4096),
	}
}

func (s *netStream) Receive(max int) ([]byte, error) {
	if s.closed.Load() {
		return nil, ErrStreamClosed
	}
	if max <= 0 {
		max = 4096
	}
	if cap(s.buf) < max {
		s.buf = make([]byte, max)
	}
	n, err := s.conn.Read(s.buf[:max])
	if n > 0 {
		// the error, if any, comes back on the next call
		return s.buf[:n], nil
	}
	if err != nil {
		if s.closed.Load() || errors.Is(err, net.ErrClosed) {
			return nil, ErrStreamClosed
		}
		return nil, err
	}
	return nil, io.ErrNoProgress
}

func (s *netStream) Send(p []byte) error {
	if s.closed.Load() {
		return ErrStreamClosed
	}
	_, err := s.w.Write(p)
	return err
}

func (s *netStream) Flush() error {
	if s.closed.Load() {
		return ErrStreamClosed
	}
	return s.w.Flush()
}

func (s *netStream) Close() error {
	s.once.Do(func() {
		s.closed.Store(true)
		s.err = s.conn.Close()
	})
	return s.err
}

func (s *netStream) Closed() bool         { return s.closed.Load() }
func (s *netStream) LocalAddr() net.Addr  { return s.conn.LocalAddr() }
func (s *netStream) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }

// NetConn returns the connection the stream wraps.
func (s *netStream) NetConn() net.Conn { return s.conn }

// WithPrefix returns a stream that hands out prefix before anything it
// receives from s. The connection uses it to give an upgrade callback the
// bytes the parser had already read past the request.
func WithPrefix(s Stream, prefix []byte) Stream {
	if len(prefix) == 0 {
		return s
	}
	return &prefixStream{Stream: s, prefix: append([]byte(nil), prefix...)}
}

type prefixStream struct {
	Stream
	prefix []byte
}

func (p *prefixStream) Receive(max int) ([]byte, error) {
	if len(p.prefix) == 0 {
		return p.Stream.Receive(max)
	}
	if p.Stream.Closed() {
		return nil, ErrStreamClosed
	}
	if max <= 0 || max > len(p.prefix) {
		max = len(p.prefix)
	}
	out := p.prefix[:max]
	p.prefix = p.prefix[max:]
	return out, nil
}

func (p *prefixStream) NetConn() net.Conn {
	if nc, ok := p.Stream.(interface{ NetConn() net.Conn }); ok {
		return nc.NetConn()
	}
	return nil
}

// StreamConn presents s as a net.Conn, for protocol libraries that take
// over a connection after an upgrade. Writes are flushed immediately.
// Deadlines reach the underlying connection when s wraps one.
func StreamConn(s Stream) net.Conn {
	return &streamConn{s: s}
}

type streamConn struct {
	s    Stream
	rest []byte
}

func (c *streamConn) Read(p []byte) (int, error) {
	if len(c.rest) == 0 {
		data, err := c.s.Receive(len(p))
		if err != nil {
			if errors.Is(err, ErrStreamClosed) {
				return 0, net.ErrClosed
			}
			return 0, err
		}
		c.rest = data
	}
	n := copy(p, c.rest)
	c.rest = c.rest[n:]
	return n, nil
}

func (c *streamConn) Write(p []byte) (int, error) {
	if err := c.s.Send(p); err != nil {
		return 0, err
	}
	if err := c.s.Flush(); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *streamConn) Close() error         { return c.s.Close() }
func (c *streamConn) LocalAddr() net.Addr  { return c.s.LocalAddr() }
func (c *streamConn) RemoteAddr() net.Addr { return c.s.RemoteAddr() }

func (c *streamConn) SetDeadline(t time.Time) error {
	if nc := c.netConn(); nc != nil {
		return nc.SetDeadline(t)
	}
	return nil
}

func (c *streamConn) SetReadDeadline(t time.Time) error {
	if nc := c.netConn(); nc != nil {
		return nc.SetReadDeadline(t)
	}
	return nil
}

func (c *streamConn) SetWriteDeadline(t time.Time) error {
	if nc := c.netConn(); nc != nil {
		return nc.SetWriteDeadline(t)
	}
	return nil
}

func (c *streamConn) netConn() net.Conn {
	if nc, ok := c.s.(interface{ NetConn() net.Conn }); ok {
		return nc.NetConn()
	}
	return nil
}
