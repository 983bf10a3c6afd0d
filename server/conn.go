package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"runtime/debug"
	"strconv"

	"github.com/rs/zerolog"
)

// receiveSize is how much a connection asks its stream for at a time.
const receiveSize = 4096

var errNilResponse = errors.New("server: handler returned neither a response nor an error")

// conn drives one stream: read a request, run the chain, write the
// response, then upgrade, keep going or close. Requests on a stream are
// handled strictly one after another.
type conn struct {
	id         string
	stream     Stream
	parser     Parser
	serializer Serializer
	handler    Handler
	log        zerolog.Logger
}

// ioError marks a failure of the stream itself while reading.
type ioError struct{ err error }

func (e *ioError) Error() string { return e.err.Error() }
func (e *ioError) Unwrap() error { return e.err }

// serve runs until the stream ends. A nil result means the conversation
// finished normally; anything else is for the failure callback.
func (c *conn) serve() error {
	defer c.stream.Close()

	for !c.stream.Closed() {
		req, err := c.readRequest()
		var ioe *ioError
		switch {
		case errors.As(err, &ioe):
			return ioe.err
		case err != nil:
			return c.rejectMalformed(err)
		case req == nil:
			return nil
		}

		req.RemoteAddr = c.stream.RemoteAddr()
		req.ConnID = c.id

		resp, err := c.dispatch(req)
		var failure error
		switch {
		case err != nil:
			if resp = Recover(err); resp == nil {
				resp, failure = NewResponse(http.StatusInternalServerError), err
			}
		case resp == nil:
			resp, failure = NewResponse(http.StatusInternalServerError), errNilResponse
		}

		keepAlive := failure == nil && req.KeepAlive()
		resp, keepAlive = prepare(req, resp, keepAlive)

		if err := c.write(resp); err != nil {
			return err
		}
		if failure != nil {
			// the peer already has its 500; now the operator hears about it
			return failure
		}

		if resp.Upgrade != nil {
			c.log.Debug().Str("conn", c.id).Str("path", req.Path()).Msg("[conn] handing off to upgrade")
			s := c.stream
			if b, ok := c.parser.(interface{ Buffered() []byte }); ok {
				s = WithPrefix(s, b.Buffered())
			}
			err := resp.Upgrade(req, s)
			c.stream.Close()
			return err
		}

		if !keepAlive {
			return nil
		}
	}
	return nil
}

// readRequest returns the next request, or (nil, nil) once the peer has
// finished. Requests already buffered by the parser come before any new
// receive.
func (c *conn) readRequest() (*Request, error) {
	req, err := c.parser.Parse(nil)
	for req == nil && err == nil {
		data, rerr := c.stream.Receive(receiveSize)
		if rerr != nil {
			if endOfStream(rerr) {
				return nil, nil
			}
			return nil, &ioError{err: rerr}
		}
		req, err = c.parser.Parse(data)
	}
	return req, err
}

// rejectMalformed answers input the parser refused. The parser cannot find
// the start of the next request after that, so the connection closes.
func (c *conn) rejectMalformed(err error) error {
	resp := Recover(err)
	unknown := resp == nil
	if unknown {
		resp = NewResponse(http.StatusInternalServerError)
	}
	resp.Header.Set("Connection", "close")
	if werr := c.write(resp); werr != nil {
		return werr
	}
	c.log.Debug().Str("conn", c.id).Err(err).Int("status", resp.Status).Msg("[conn] rejected request")
	if unknown {
		return err
	}
	return nil
}

func (c *conn) dispatch(req *Request) (resp *Response, err error) {
	defer func() {
		if v := recover(); v != nil {
			resp, err = nil, &PanicError{Value: v, Stack: debug.Stack()}
		}
	}()
	return c.handler.Respond(req)
}

func (c *conn) write(resp *Response) error {
	if closer, ok := resp.BodyStream.(io.Closer); ok {
		defer closer.Close()
	}
	if err := c.serializer.Serialize(resp, c.stream); err != nil {
		return fmt.Errorf("server: writing response: %w", err)
	}
	if err := c.stream.Flush(); err != nil {
		return fmt.Errorf("server: flushing response: %w", err)
	}
	return nil
}

// prepare returns a copy of resp fit to send in answer to req, and whether
// the connection stays open after it. The handler's response is never
// modified, so one value may be returned for many requests.
func prepare(req *Request, resp *Response, keepAlive bool) (*Response, bool) {
	out := *resp
	out.Header = resp.Header.Clone()
	if out.Header == nil {
		out.Header = make(http.Header)
	}
	if out.Version.Major == 0 {
		out.Version = HTTP11
	}
	if out.BodyStream != nil {
		if _, ok := streamLength(out.Header); !ok {
			out.Header.Del("Content-Length")
		}
	}
	if req.Version.Major == 1 && req.Version.Minor == 0 {
		out.Version = HTTP10
		if out.BodyStream != nil && out.Header.Get("Content-Length") == "" {
			// nothing but the close can end this body
			keepAlive = false
		}
	}

	if req.Method == http.MethodHead {
		if len(out.Body) > 0 && out.Header.Get("Content-Length") == "" {
			out.Header.Set("Content-Length", strconv.Itoa(len(out.Body)))
		}
		out.Body = nil
		if out.BodyStream != nil {
			out.lengthUnknown = out.Header.Get("Content-Length") == ""
			if closer, ok := out.BodyStream.(io.Closer); ok {
				closer.Close()
			}
		}
		out.BodyStream = nil
	}

	if headerMentions(out.Header.Values("Connection"), "close") {
		keepAlive = false
	}

	switch {
	case out.Upgrade != nil:
		keepAlive = false
	case !keepAlive:
		out.Header.Set("Connection", "close")
	case out.Version.Minor == 0:
		out.Header.Set("Connection", "keep-alive")
	}
	return &out, keepAlive
}
