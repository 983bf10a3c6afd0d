package server

import (
	"bufio"
	"bytes"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// fakeStream is an in-memory Stream. Each Receive hands out the next queued
// chunk; once they run out it reports io.EOF.
type fakeStream struct {
	mu      sync.Mutex
	chunks  [][]byte
	pending bytes.Buffer // sent but not flushed
	out     bytes.Buffer // flushed
	closed  bool
	reads   int
}

func newFakeStream(chunks ...string) *fakeStream {
	s := &fakeStream{}
	for _, c := range chunks {
		s.chunks = append(s.chunks, []byte(c))
	}
	return s
}

func (s *fakeStream) Receive(max int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStreamClosed
	}
	s.reads++
	if len(s.chunks) == 0 {
		return nil, io.EOF
	}
	c := s.chunks[0]
	if len(c) > max {
		s.chunks[0] = c[max:]
		return c[:max], nil
	}
	s.chunks = s.chunks[1:]
	return c, nil
}

func (s *fakeStream) Send(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStreamClosed
	}
	s.pending.Write(p)
	return nil
}

func (s *fakeStream) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStreamClosed
	}
	s.out.Write(s.pending.Bytes())
	s.pending.Reset()
	return nil
}

func (s *fakeStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeStream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeStream) LocalAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 8080}
}

func (s *fakeStream) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(10, 0, 0, 7), Port: 52000}
}

func (s *fakeStream) written() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.out.String()
}

// readResponses parses every response in raw, in order.
func readResponses(t *testing.T, raw string) []*http.Response {
	t.Helper()
	br := bufio.NewReader(strings.NewReader(raw))
	var out []*http.Response
	for {
		if _, err := br.Peek(1); err == io.EOF {
			return out
		}
		resp, err := http.ReadResponse(br, nil)
		if err != nil {
			t.Fatalf("reading response %d: %v\nraw: %q", len(out), err, raw)
		}
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			t.Fatalf("reading body of response %d: %v", len(out), err)
		}
		resp.Body.Close()
		resp.Body = io.NopCloser(bytes.NewReader(body))
		out = append(out, resp)
	}
}

func bodyOf(t *testing.T, resp *http.Response) string {
	t.Helper()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(b)
}

func newTestConn(stream Stream, h Handler) *conn {
	return &conn{
		id:         "test-conn",
		stream:     stream,
		parser:     NewRequestParser(),
		serializer: NewResponseSerializer(),
		handler:    h,
		log:        zerolog.Nop(),
	}
}

func hello() Handler {
	return HandlerFunc(func(req *Request) (*Response, error) {
		resp := NewResponse(http.StatusOK)
		resp.Header.Set("Content-Length", "13")
		resp.Body = []byte("Hello, World!")
		return resp, nil
	})
}

// startServer serves s on a loopback listener and closes it when the test ends.
func startServer(t *testing.T, s *Server) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- s.Serve(l) }()
	t.Cleanup(func() {
		s.Close()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Errorf("Serve did not return after Close")
		}
	})
	return l.Addr().String()
}

func nopLogger() *zerolog.Logger {
	l := zerolog.Nop()
	return &l
}
