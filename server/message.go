package server

import (
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
)

// Version is an HTTP protocol version as it appears on the request line.
type Version struct {
	Major int
	Minor int
}

var (
	HTTP10 = Version{Major: 1, Minor: 0}
	HTTP11 = Version{Major: 1, Minor: 1}
)

func (v Version) String() string {
	return "HTTP/" + strconv.Itoa(v.Major) + "." + strconv.Itoa(v.Minor)
}

// UpgradeFunc takes over a connection after the response that carries it
// has been written and flushed. The stream is closed once it returns.
type UpgradeFunc func(req *Request, s Stream) error

// Request is one parsed HTTP request. Nothing but middleware touching
// Header should change it once dispatch has begun.
type Request struct {
	Method  string
	Target  string
	Version Version
	Header  http.Header
	Body    []byte

	// RemoteAddr is the peer address of the connection the request came in on.
	RemoteAddr net.Addr
	// ConnID identifies the connection for logs; every request read from
	// the same stream carries the same value.
	ConnID string
}

// Path returns the request target without its query string.
func (r *Request) Path() string {
	path, _, _ := strings.Cut(r.Target, "?")
	return path
}

// Query returns the raw query string of the target, if any.
func (r *Request) Query() string {
	_, query, _ := strings.Cut(r.Target, "?")
	return query
}

// KeepAlive reports whether the connection may serve another request after
// this one. HTTP/1.0 closes unless a Connection value mentions keep-alive;
// HTTP/1.1 and later stay open unless a Connection value mentions close.
func (r *Request) KeepAlive() bool {
	values := r.Header.Values("Connection")
	if r.Version.Minor == 0 {
		return headerMentions(values, "keep-alive")
	}
	return !headerMentions(values, "close")
}

func headerMentions(values []string, token string) bool {
	for _, v := range values {
		if strings.Contains(strings.ToLower(v), token) {
			return true
		}
	}
	return false
}

// Response is what a handler (or error recovery) hands back to the
// connection for serialization.
type Response struct {
	Version Version
	Status  int
	Header  http.Header
	Body    []byte

	// BodyStream, when non-nil, is sent instead of Body. Its length is not
	// known in advance, so it goes out chunked on HTTP/1.1.
	BodyStream io.Reader

	// Upgrade, when non-nil, is run after the response is on the wire.
	Upgrade UpgradeFunc

	// lengthUnknown marks a HEAD answer whose BodyStream was dropped
	// before its length was known. No Content-Length goes out for it.
	lengthUnknown bool
}

// NewResponse returns an HTTP/1.1 response with the given status and an
// empty header.
func NewResponse(status int) *Response {
	return &Response{
		Version: HTTP11,
		Status:  status,
		Header:  make(http.Header),
	}
}

// Text returns a response with status carrying body as text/plain.
func Text(status int, body string) *Response {
	resp := NewResponse(status)
	resp.Header.Set("Content-Type", "text/plain; charset=utf-8")
	resp.Body = []byte(body)
	return resp
}

func (r *Response) bodyAllowed() bool {
	switch {
	case r.Status >= 100 && r.Status < 200:
		return false
	case r.Status == http.StatusNoContent, r.Status == http.StatusNotModified:
		return false
	}
	return true
}
