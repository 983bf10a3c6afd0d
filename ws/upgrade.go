package ws

import (
	"bufio"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"golang.org/x/net/http/httpguts"

	"go-httpd/server"
)

// handshakeGUID is the fixed key suffix from RFC 6455 section 1.3.
const handshakeGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// Options tune an upgraded connection.
type Options struct {
	// ReadBufferSize and WriteBufferSize size gorilla's frame buffers.
	// Zero lets gorilla pick.
	ReadBufferSize  int
	WriteBufferSize int

	// Subprotocols the server speaks, in order of preference.
	Subprotocols []string

	// CheckOrigin rejects the handshake with ErrForbidden when it returns
	// false. Nil accepts every origin.
	CheckOrigin func(req *server.Request) bool

	// ReadLimit caps the size of an incoming message. Zero means no limit.
	ReadLimit int64
}

// Upgrade validates a websocket handshake and returns the 101 response
// that completes it. Once the connection has written that response it runs
// fn with the adopted connection; the stream closes when fn returns.
func Upgrade(req *server.Request, opts Options, fn func(*websocket.Conn)) (*server.Response, error) {
	if req.Method != http.MethodGet {
		return nil, server.ErrMethodNotAllowed
	}
	if !httpguts.HeaderValuesContainsToken(req.Header.Values("Connection"), "upgrade") ||
		!httpguts.HeaderValuesContainsToken(req.Header.Values("Upgrade"), "websocket") {
		return nil, server.ErrUpgradeRequired
	}
	if !httpguts.HeaderValuesContainsToken(req.Header.Values("Sec-Websocket-Version"), "13") {
		return nil, fmt.Errorf("websocket version %q: %w", req.Header.Get("Sec-Websocket-Version"), server.ErrBadRequest)
	}
	key := req.Header.Get("Sec-Websocket-Key")
	if !validKey(key) {
		return nil, fmt.Errorf("websocket key %q: %w", key, server.ErrBadRequest)
	}
	if opts.CheckOrigin != nil && !opts.CheckOrigin(req) {
		return nil, server.ErrForbidden
	}

	resp := server.NewResponse(http.StatusSwitchingProtocols)
	resp.Header.Set("Upgrade", "websocket")
	resp.Header.Set("Connection", "Upgrade")
	resp.Header.Set("Sec-WebSocket-Accept", acceptKey(key))
	protocol := selectProtocol(req, opts.Subprotocols)
	if protocol != "" {
		resp.Header.Set("Sec-WebSocket-Protocol", protocol)
	}

	resp.Upgrade = func(req *server.Request, s server.Stream) error {
		conn, err := adopt(req, s, opts, protocol)
		if err != nil {
			return fmt.Errorf("ws: adopting connection: %w", err)
		}
		if opts.ReadLimit > 0 {
			conn.SetReadLimit(opts.ReadLimit)
		}
		fn(conn)
		return nil
	}
	return resp, nil
}

func validKey(key string) bool {
	if key == "" {
		return false
	}
	decoded, err := base64.StdEncoding.DecodeString(key)
	return err == nil && len(decoded) == 16
}

func acceptKey(key string) string {
	h := sha1.New()
	h.Write([]byte(key))
	h.Write([]byte(handshakeGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

func selectProtocol(req *server.Request, supported []string) string {
	for _, offered := range req.Header.Values("Sec-Websocket-Protocol") {
		for _, p := range strings.Split(offered, ",") {
			p = strings.TrimSpace(p)
			for _, s := range supported {
				if p == s {
					return p
				}
			}
		}
	}
	return ""
}

// adopt hands the stream to gorilla. Gorilla only builds server-side
// connections through Upgrader.Upgrade, which insists on hijacking an
// http.ResponseWriter and writing its own 101. The hijacker below hands it
// the stream and swallows that second handshake.
func adopt(req *server.Request, s server.Stream, opts Options, protocol string) (*websocket.Conn, error) {
	u := websocket.Upgrader{
		ReadBufferSize:  opts.ReadBufferSize,
		WriteBufferSize: opts.WriteBufferSize,
		CheckOrigin:     func(*http.Request) bool { return true },
	}
	var header http.Header
	if protocol != "" {
		header = http.Header{"Sec-Websocket-Protocol": {protocol}}
	}
	w := &hijacker{conn: &handshakeSent{Conn: server.StreamConn(s)}, header: make(http.Header)}
	return u.Upgrade(w, toHTTPRequest(req), header)
}

func toHTTPRequest(req *server.Request) *http.Request {
	u, err := url.ParseRequestURI(req.Target)
	if err != nil {
		u = &url.URL{Path: req.Path(), RawQuery: req.Query()}
	}
	r := &http.Request{
		Method:     req.Method,
		URL:        u,
		Proto:      req.Version.String(),
		ProtoMajor: req.Version.Major,
		ProtoMinor: req.Version.Minor,
		Header:     req.Header,
		Host:       req.Header.Get("Host"),
		RequestURI: req.Target,
	}
	if req.RemoteAddr != nil {
		r.RemoteAddr = req.RemoteAddr.String()
	}
	return r
}

// hijacker is the minimal http.ResponseWriter gorilla needs to take over a
// connection.
type hijacker struct {
	conn   net.Conn
	header http.Header
	status int
}

func (h *hijacker) Header() http.Header         { return h.header }
func (h *hijacker) Write(p []byte) (int, error) { return len(p), nil }
func (h *hijacker) WriteHeader(status int)      { h.status = status }

func (h *hijacker) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return h.conn, bufio.NewReadWriter(bufio.NewReader(h.conn), bufio.NewWriter(h.conn)), nil
}

// handshakeSent drops the first write, which is gorilla's copy of the 101
// already sent by the connection.
type handshakeSent struct {
	net.Conn
	skipped atomic.Bool
}

func (c *handshakeSent) Write(p []byte) (int, error) {
	if c.skipped.CompareAndSwap(false, true) {
		return len(p), nil
	}
	return c.Conn.Write(p)
}
