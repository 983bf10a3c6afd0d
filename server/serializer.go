package server

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
)

// Serializer writes one complete, framed response to a stream. The caller
// flushes afterwards.
type Serializer interface {
	Serialize(resp *Response, s Stream) error
}

// ResponseSerializer is the default HTTP/1.x Serializer.
//
// A buffered Body is framed with Content-Length. A BodyStream without a
// Content-Length header goes out chunked on HTTP/1.1 and unframed on
// HTTP/1.0, where the connection has to close to end it. A BodyStream with
// a Content-Length is cut off at that length, and one that ends early is
// an error. An explicit Content-Length with no body is left alone; HEAD
// responses rely on that.
type ResponseSerializer struct{}

// NewResponseSerializer returns the serializer for one connection.
func NewResponseSerializer() Serializer {
	return ResponseSerializer{}
}

var headerNewlines = strings.NewReplacer("\r\n", " ", "\r", " ", "\n", " ")

func (ResponseSerializer) Serialize(resp *Response, s Stream) error {
	w := &streamWriter{s: s}

	header := resp.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}

	chunked := false
	length := int64(-1)
	switch {
	case !resp.bodyAllowed():
		header.Del("Content-Length")
		header.Del("Transfer-Encoding")
	case resp.lengthUnknown:
		header.Del("Content-Length")
	case resp.BodyStream != nil:
		if n, ok := streamLength(header); ok {
			length = n
		} else {
			header.Del("Content-Length")
		}
		if length < 0 && resp.Version.Minor >= 1 {
			header.Del("Transfer-Encoding")
			header.Set("Transfer-Encoding", "chunked")
			chunked = true
		}
	case len(resp.Body) > 0:
		header.Set("Content-Length", strconv.Itoa(len(resp.Body)))
	case header.Get("Content-Length") == "":
		header.Set("Content-Length", "0")
	}

	version := resp.Version
	if version.Major == 0 {
		version = HTTP11
	}
	text := http.StatusText(resp.Status)
	if text == "" {
		text = "status code " + strconv.Itoa(resp.Status)
	}

	var b strings.Builder
	b.WriteString(version.String())
	b.WriteByte(' ')
	b.WriteString(strconv.Itoa(resp.Status))
	b.WriteByte(' ')
	b.WriteString(text)
	b.WriteString("\r\n")

	keys := make([]string, 0, len(header))
	for k := range header {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, v := range header[k] {
			b.WriteString(k)
			b.WriteString(": ")
			b.WriteString(headerNewlines.Replace(v))
			b.WriteString("\r\n")
		}
	}
	b.WriteString("\r\n")

	if _, err := io.WriteString(w, b.String()); err != nil {
		return err
	}
	if !resp.bodyAllowed() {
		return nil
	}

	switch {
	case resp.BodyStream != nil && chunked:
		cw := &chunkedWriter{w: w}
		if _, err := io.Copy(flushEach{cw, s}, resp.BodyStream); err != nil {
			return err
		}
		return cw.Close()
	case resp.BodyStream != nil && length >= 0:
		n, err := io.Copy(w, io.LimitReader(resp.BodyStream, length))
		if err != nil {
			return err
		}
		if n < length {
			return fmt.Errorf("server: body stream ended after %d of %d bytes: %w", n, length, io.ErrUnexpectedEOF)
		}
		return nil
	case resp.BodyStream != nil:
		_, err := io.Copy(w, resp.BodyStream)
		return err
	case len(resp.Body) > 0:
		_, err := w.Write(resp.Body)
		return err
	}
	return nil
}

// streamLength returns the Content-Length declared in h, if there is a
// usable one.
func streamLength(h http.Header) (int64, bool) {
	cl := h.Get("Content-Length")
	if cl == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(cl, 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

type streamWriter struct {
	s Stream
}

func (w *streamWriter) Write(p []byte) (int, error) {
	if err := w.s.Send(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// flushEach flushes the stream after every chunk so a streamed body
// reaches the peer as it is produced.
type flushEach struct {
	w io.Writer
	s Stream
}

func (f flushEach) Write(p []byte) (int, error) {
	n, err := f.w.Write(p)
	if err != nil {
		return n, err
	}
	return n, f.s.Flush()
}
