package ws

import (
	"errors"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"go-httpd/server"
)

func handshake() *server.Request {
	h := make(http.Header)
	h.Set("Host", "example.com")
	h.Set("Connection", "keep-alive, Upgrade")
	h.Set("Upgrade", "websocket")
	h.Set("Sec-WebSocket-Version", "13")
	h.Set("Sec-WebSocket-Key", "dGhlIHNhbXBsZSBub25jZQ==")
	return &server.Request{Method: http.MethodGet, Target: "/chat", Version: server.HTTP11, Header: h}
}

func TestUpgradeResponse(t *testing.T) {
	resp, err := Upgrade(handshake(), Options{}, func(*websocket.Conn) {})
	if err != nil {
		t.Fatalf("Upgrade: %v", err)
	}
	if resp.Status != http.StatusSwitchingProtocols || resp.Upgrade == nil {
		t.Fatalf("expected 101 with an upgrade callback, got %d", resp.Status)
	}
	// the worked example from RFC 6455
	if got := resp.Header.Get("Sec-WebSocket-Accept"); got != "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=" {
		t.Fatalf("unexpected accept key %q", got)
	}
	if resp.Header.Get("Upgrade") != "websocket" || resp.Header.Get("Connection") != "Upgrade" {
		t.Fatalf("unexpected headers %v", resp.Header)
	}
}

func TestUpgradeSelectsSubprotocol(t *testing.T) {
	req := handshake()
	req.Header.Set("Sec-WebSocket-Protocol", "v1.chat, v2.chat")
	resp, err := Upgrade(req, Options{Subprotocols: []string{"v2.chat"}}, func(*websocket.Conn) {})
	if err != nil {
		t.Fatalf("Upgrade: %v", err)
	}
	if got := resp.Header.Get("Sec-WebSocket-Protocol"); got != "v2.chat" {
		t.Fatalf("selected %q", got)
	}
}

func TestUpgradeRejectsBadHandshakes(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*server.Request)
		opts   Options
		want   server.ErrorKind
	}{
		{"post", func(r *server.Request) { r.Method = http.MethodPost }, Options{}, server.ErrMethodNotAllowed},
		{"no connection token", func(r *server.Request) { r.Header.Set("Connection", "keep-alive") }, Options{}, server.ErrUpgradeRequired},
		{"other protocol", func(r *server.Request) { r.Header.Set("Upgrade", "h2c") }, Options{}, server.ErrUpgradeRequired},
		{"old version", func(r *server.Request) { r.Header.Set("Sec-WebSocket-Version", "8") }, Options{}, server.ErrBadRequest},
		{"missing key", func(r *server.Request) { r.Header.Del("Sec-WebSocket-Key") }, Options{}, server.ErrBadRequest},
		{"short key", func(r *server.Request) { r.Header.Set("Sec-WebSocket-Key", "c2hvcnQ=") }, Options{}, server.ErrBadRequest},
		{"origin", func(r *server.Request) { r.Header.Set("Origin", "http://evil.test") },
			Options{CheckOrigin: func(r *server.Request) bool { return r.Header.Get("Origin") == "" }}, server.ErrForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := handshake()
			tt.mutate(req)
			resp, err := Upgrade(req, tt.opts, func(*websocket.Conn) {
				t.Errorf("callback must not run")
			})
			if resp != nil {
				t.Fatalf("expected no response")
			}
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

// serveWS serves responder on a loopback port until the test ends.
func serveWS(t *testing.T, responder server.Handler) string {
	t.Helper()
	nop := zerolog.Nop()
	srv, err := server.New(server.Config{Responder: responder, Logger: &nop})
	if err != nil {
		t.Fatalf("server.New: %v", err)
	}
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go srv.Serve(l)
	t.Cleanup(func() { srv.Close() })
	return l.Addr().String()
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	d := websocket.Dialer{HandshakeTimeout: 2 * time.Second}
	conn, resp, err := d.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("expected 101, got %d", resp.StatusCode)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestUpgradeEchoOverServer(t *testing.T) {
	addr := serveWS(t, server.HandlerFunc(func(req *server.Request) (*server.Response, error) {
		return Upgrade(req, Options{}, func(conn *websocket.Conn) {
			for {
				mt, msg, err := conn.ReadMessage()
				if err != nil {
					return
				}
				if err := conn.WriteMessage(mt, append([]byte("echo: "), msg...)); err != nil {
					return
				}
			}
		})
	}))

	conn := dial(t, "ws://"+addr+"/ws")
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	for _, text := range []string{"one", "two"} {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(text)); err != nil {
			t.Fatalf("write: %v", err)
		}
		_, got, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if string(got) != "echo: "+text {
			t.Fatalf("got %q", got)
		}
	}
}

func TestUpgradeRefusedOverServer(t *testing.T) {
	addr := serveWS(t, server.HandlerFunc(func(req *server.Request) (*server.Response, error) {
		return Upgrade(req, Options{}, func(*websocket.Conn) {})
	}))

	resp, err := http.Get("http://" + addr + "/ws")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUpgradeRequired {
		t.Fatalf("expected 426 for a plain GET, got %d", resp.StatusCode)
	}
}

func TestRelayFansOutOverServer(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	addr := serveWS(t, server.HandlerFunc(func(req *server.Request) (*server.Response, error) {
		channel := strings.TrimPrefix(req.Path(), "/ws/")
		return Upgrade(req, Options{}, func(conn *websocket.Conn) {
			Relay(conn, hub, channel, zerolog.Nop())
		})
	}))

	alice := dial(t, "ws://"+addr+"/ws/lobby")
	bob := dial(t, "ws://"+addr+"/ws/lobby")

	deadline := time.Now().Add(2 * time.Second)
	for hub.Subscribers("lobby") < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("clients never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := alice.WriteJSON(map[string]string{"text": "hi"}); err != nil {
		t.Fatalf("write: %v", err)
	}

	for name, c := range map[string]*websocket.Conn{"alice": alice, "bob": bob} {
		c.SetReadDeadline(time.Now().Add(2 * time.Second))
		var msg Message
		if err := c.ReadJSON(&msg); err != nil {
			t.Fatalf("%s read: %v", name, err)
		}
		if msg.Channel != "lobby" || msg.Type != "client" || string(msg.Data) != `{"text":"hi"}` {
			t.Fatalf("%s got %+v", name, msg)
		}
	}

	hub.Publish("lobby", "server", map[string]int{"n": 1})
	bob.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg Message
	if err := bob.ReadJSON(&msg); err != nil || msg.Type != "server" {
		t.Fatalf("server publish: %+v %v", msg, err)
	}

	alice.Close()
	deadline = time.Now().Add(2 * time.Second)
	for hub.Subscribers("lobby") != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("closed client was never unsubscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
