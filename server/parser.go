package server

import (
	"bufio"
	"bytes"
	"fmt"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"
)

// DefaultMaxHeaderBytes bounds the request line plus header block.
const DefaultMaxHeaderBytes = 1 << 20

// Parser assembles requests from the bytes of one connection. It keeps
// state between calls: Parse returns (nil, nil) until a whole request has
// arrived. Malformed input is reported as an ErrorKind.
type Parser interface {
	Parse(data []byte) (*Request, error)
}

// RequestParser is the default HTTP/1.x Parser. Bodies are framed by
// Content-Length or chunked transfer coding and are buffered whole.
type RequestParser struct {
	MaxHeaderBytes int

	buf []byte

	// set once the head of the next request is parsed and its body is
	// still arriving
	pending *Request
	headLen int
	bodyLen int
	chunked bool
}

// NewRequestParser returns a parser for one connection.
func NewRequestParser() Parser {
	return &RequestParser{MaxHeaderBytes: DefaultMaxHeaderBytes}
}

// Buffered returns the bytes received but not yet consumed by a request.
func (p *RequestParser) Buffered() []byte {
	return p.buf
}

func (p *RequestParser) Parse(data []byte) (*Request, error) {
	p.buf = append(p.buf, data...)

	if p.pending == nil {
		p.buf = skipEmptyLines(p.buf)

		end := headEnd(p.buf)
		limit := p.MaxHeaderBytes
		if limit <= 0 {
			limit = DefaultMaxHeaderBytes
		}
		if end < 0 {
			if len(p.buf) > limit {
				return nil, ErrRequestHeaderFieldsTooLarge
			}
			return nil, nil
		}
		if end > limit {
			return nil, ErrRequestHeaderFieldsTooLarge
		}

		req, err := parseHead(p.buf[:end])
		if err != nil {
			return nil, err
		}
		bodyLen, chunked, err := bodyFraming(req.Header)
		if err != nil {
			return nil, err
		}
		p.pending, p.headLen, p.bodyLen, p.chunked = req, end, bodyLen, chunked
	}

	rest := p.buf[p.headLen:]
	var used int
	switch {
	case p.chunked:
		body, n, err := decodeChunked(rest)
		if err == errIncomplete {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		p.pending.Body, used = body, n
	case p.bodyLen > 0:
		if len(rest) < p.bodyLen {
			return nil, nil
		}
		p.pending.Body, used = append([]byte(nil), rest[:p.bodyLen]...), p.bodyLen
	}

	req := p.pending
	consumed := p.headLen + used
	p.buf = append(p.buf[:0:0], p.buf[consumed:]...)
	p.pending, p.headLen, p.bodyLen, p.chunked = nil, 0, 0, false
	return req, nil
}

// skipEmptyLines drops CRLFs a client may send ahead of a request line.
func skipEmptyLines(b []byte) []byte {
	for len(b) > 0 && (b[0] == '\r' || b[0] == '\n') {
		b = b[1:]
	}
	return b
}

// headEnd returns the length of the request head including the blank line
// that ends it, or -1 if it has not all arrived.
func headEnd(b []byte) int {
	if i := bytes.Index(b, []byte("\r\n\r\n")); i >= 0 {
		return i + 4
	}
	if i := bytes.Index(b, []byte("\n\n")); i >= 0 {
		return i + 2
	}
	return -1
}

func parseHead(head []byte) (*Request, error) {
	tp := textproto.NewReader(bufio.NewReader(bytes.NewReader(head)))

	line, err := tp.ReadLine()
	if err != nil {
		return nil, fmt.Errorf("reading request line: %w", ErrBadRequest)
	}
	method, rest, ok1 := strings.Cut(line, " ")
	target, proto, ok2 := strings.Cut(rest, " ")
	if !ok1 || !ok2 || target == "" {
		return nil, fmt.Errorf("malformed request line %q: %w", line, ErrBadRequest)
	}
	if !httpguts.ValidHeaderFieldName(method) {
		return nil, fmt.Errorf("invalid method %q: %w", method, ErrBadRequest)
	}
	major, minor, ok := http.ParseHTTPVersion(proto)
	if !ok {
		return nil, fmt.Errorf("malformed HTTP version %q: %w", proto, ErrBadRequest)
	}
	if major != 1 {
		return nil, fmt.Errorf("HTTP version %q: %w", proto, ErrHTTPVersionNotSupported)
	}

	mime, err := tp.ReadMIMEHeader()
	if err != nil {
		return nil, fmt.Errorf("malformed header: %v: %w", err, ErrBadRequest)
	}
	header := http.Header(mime)
	for name, values := range header {
		if !httpguts.ValidHeaderFieldName(name) {
			return nil, fmt.Errorf("invalid header name %q: %w", name, ErrBadRequest)
		}
		for _, v := range values {
			if !httpguts.ValidHeaderFieldValue(v) {
				return nil, fmt.Errorf("invalid value for header %q: %w", name, ErrBadRequest)
			}
		}
	}
	if hosts := header.Values("Host"); len(hosts) > 1 || (len(hosts) == 1 && !httpguts.ValidHostHeader(hosts[0])) {
		return nil, fmt.Errorf("invalid Host header %q: %w", hosts, ErrBadRequest)
	}

	return &Request{
		Method:  method,
		Target:  target,
		Version: Version{Major: major, Minor: minor},
		Header:  header,
	}, nil
}

// bodyFraming decides how the body following the head is delimited.
func bodyFraming(h http.Header) (length int, chunked bool, err error) {
	if te := h.Values("Transfer-Encoding"); len(te) > 0 {
		codings := strings.Split(strings.Join(te, ","), ",")
		last := strings.ToLower(strings.TrimSpace(codings[len(codings)-1]))
		if len(codings) != 1 || last != "chunked" {
			return 0, false, fmt.Errorf("transfer coding %q: %w", te, ErrNotImplemented)
		}
		// Transfer-Encoding overrides Content-Length
		h.Del("Content-Length")
		return 0, true, nil
	}

	lens := h.Values("Content-Length")
	if len(lens) == 0 {
		return 0, false, nil
	}
	first := textproto.TrimString(lens[0])
	for _, l := range lens[1:] {
		if textproto.TrimString(l) != first {
			return 0, false, fmt.Errorf("conflicting Content-Length headers %q: %w", lens, ErrBadRequest)
		}
	}
	n, perr := strconv.ParseUint(first, 10, 63)
	if perr != nil || n > uint64(maxInt) {
		return 0, false, fmt.Errorf("invalid Content-Length %q: %w", first, ErrBadRequest)
	}
	return int(n), false, nil
}

const maxInt = int(^uint(0) >> 1)
