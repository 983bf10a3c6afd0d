package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"
	"golang.org/x/net/netutil"
)

// DefaultPort is used when Config.Port is zero.
const DefaultPort = 8080

// Config is everything a Server needs, fixed at construction.
type Config struct {
	// Address to bind; empty means all interfaces.
	Address string
	// Port to bind; zero means DefaultPort.
	Port int
	// ReusePort sets SO_REUSEADDR and SO_REUSEPORT on the listening socket.
	ReusePort bool

	// NewParser makes the parser for each connection. Default NewRequestParser.
	NewParser func() Parser
	// Middleware runs in order around Responder for every request.
	Middleware []Middleware
	// Responder produces the response when no middleware answers first. Required.
	Responder Handler
	// NewSerializer makes the serializer for each connection. Default NewResponseSerializer.
	NewSerializer func() Serializer

	// Failure receives every error that ends a connection abnormally, and
	// a StartInBackground error. Default: log it and carry on.
	Failure func(error)

	// MaxConnections caps live connections. When the cap is reached the
	// accept loop blocks until one closes; nothing is refused. Zero means
	// no cap.
	MaxConnections int

	// Logger defaults to DefaultLogger.
	Logger *zerolog.Logger
}

// Server accepts connections and drives each one on its own goroutine.
type Server struct {
	cfg     Config
	handler Handler
	log     zerolog.Logger
	failure func(error)

	conns *xsync.MapOf[string, Stream]

	mu       sync.Mutex
	listener net.Listener
	closed   atomic.Bool
}

// New validates cfg and fills in its defaults.
func New(cfg Config) (*Server, error) {
	if cfg.Responder == nil {
		return nil, ErrNoResponder
	}
	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("server: invalid port %d", cfg.Port)
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.MaxConnections < 0 {
		return nil, fmt.Errorf("server: invalid connection limit %d", cfg.MaxConnections)
	}
	if cfg.NewParser == nil {
		cfg.NewParser = NewRequestParser
	}
	if cfg.NewSerializer == nil {
		cfg.NewSerializer = NewResponseSerializer
	}
	cfg.Middleware = append([]Middleware(nil), cfg.Middleware...)

	s := &Server{
		cfg:     cfg,
		handler: Chain(cfg.Middleware, cfg.Responder),
		conns:   xsync.NewMapOf[string, Stream](),
	}
	if cfg.Logger != nil {
		s.log = *cfg.Logger
	} else {
		s.log = DefaultLogger()
	}
	s.failure = cfg.Failure
	if s.failure == nil {
		s.failure = func(err error) {
			s.log.Error().Err(err).Msg("[server] connection failed")
		}
	}
	return s, nil
}

// Start binds the configured address and serves until Close or an accept
// failure.
func (s *Server) Start() error {
	l, err := s.listen()
	if err != nil {
		return err
	}
	s.log.Info().Str("addr", l.Addr().String()).Msgf("Started HTTP server, listening on port %d.", s.cfg.Port)
	return s.Serve(l)
}

// StartInBackground runs Start on its own goroutine. An error other than
// ErrServerClosed goes to the failure callback.
func (s *Server) StartInBackground() {
	go func() {
		if err := s.Start(); err != nil && !errors.Is(err, ErrServerClosed) {
			s.failure(err)
		}
	}()
}

func (s *Server) listen() (net.Listener, error) {
	var lc net.ListenConfig
	if s.cfg.ReusePort {
		lc.Control = reusePortControl
	}
	addr := net.JoinHostPort(s.cfg.Address, strconv.Itoa(s.cfg.Port))
	l, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("server: listen on %s: %w", addr, err)
	}
	return l, nil
}

// Serve accepts connections from l until Close is called or Accept fails
// for good. Running out of descriptors or buffers is not for good: Accept
// is retried with a backoff of up to a second. Each connection gets its
// own goroutine; a failing connection never stops the loop.
func (s *Server) Serve(l net.Listener) error {
	if s.cfg.MaxConnections > 0 {
		l = netutil.LimitListener(l, s.cfg.MaxConnections)
	}

	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		l.Close()
		return ErrServerClosed
	}
	s.listener = l
	s.mu.Unlock()

	var tempDelay time.Duration
	for {
		nc, err := l.Accept()
		if err != nil {
			if s.closed.Load() {
				return ErrServerClosed
			}
			if retryableAccept(err) {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay *= 2
				}
				if tempDelay > time.Second {
					tempDelay = time.Second
				}
				s.log.Warn().Err(err).Dur("retry_in", tempDelay).Msg("[server] accept error")
				time.Sleep(tempDelay)
				continue
			}
			return fmt.Errorf("server: accept: %w", err)
		}
		tempDelay = 0
		go s.serveConn(nc)
	}
}

// retryableAccept reports whether an Accept error only means the process
// is out of resources for the moment.
func retryableAccept(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, syscall.EMFILE) ||
		errors.Is(err, syscall.ENFILE) ||
		errors.Is(err, syscall.ENOBUFS) ||
		errors.Is(err, syscall.ENOMEM) ||
		errors.Is(err, syscall.ECONNABORTED)
}

func (s *Server) serveConn(nc net.Conn) {
	id := uuid.NewString()
	stream := NewStream(nc)
	s.conns.Store(id, stream)
	defer s.conns.Delete(id)

	// Close may have swept the registry before this connection joined it
	if s.closed.Load() {
		stream.Close()
		return
	}

	c := &conn{
		id:         id,
		stream:     stream,
		parser:     s.cfg.NewParser(),
		serializer: s.cfg.NewSerializer(),
		handler:    s.handler,
		log:        s.log,
	}
	s.log.Debug().Str("conn", id).Str("remote_addr", nc.RemoteAddr().String()).Msg("[server] accepted")
	if err := c.serve(); err != nil {
		s.failure(err)
	}
}

// Close stops the accept loop and closes every live connection.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed.Store(true)
	l := s.listener
	s.mu.Unlock()

	var err error
	if l != nil {
		err = l.Close()
	}
	s.conns.Range(func(_ string, stream Stream) bool {
		stream.Close()
		return true
	})
	return err
}

// Addr returns the listening address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ActiveConnections returns the number of connections being served.
func (s *Server) ActiveConnections() int {
	return s.conns.Size()
}
