package server

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
)

var errIncomplete = errors.New("incomplete message")

// decodeChunked decodes a chunked body at the front of b. It returns the
// body, how many bytes of b it used, or errIncomplete when b ends early.
// Chunk extensions and trailer fields are read and dropped.
func decodeChunked(b []byte) (body []byte, n int, err error) {
	pos := 0
	for {
		line, next, ok := cutLine(b[pos:])
		if !ok {
			return nil, 0, errIncomplete
		}
		if i := bytes.IndexByte(line, ';'); i >= 0 {
			line = line[:i]
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 || len(line) > 16 {
			return nil, 0, fmt.Errorf("invalid chunk size line %q: %w", line, ErrBadRequest)
		}
		size, perr := strconv.ParseUint(string(line), 16, 63)
		if perr != nil {
			return nil, 0, fmt.Errorf("invalid chunk size %q: %w", line, ErrBadRequest)
		}
		pos += next

		if size == 0 {
			for {
				trailer, next, ok := cutLine(b[pos:])
				if !ok {
					return nil, 0, errIncomplete
				}
				pos += next
				if len(trailer) == 0 {
					return body, pos, nil
				}
			}
		}

		if uint64(len(b)-pos) < size+2 {
			return nil, 0, errIncomplete
		}
		end := pos + int(size)
		body = append(body, b[pos:end]...)
		if b[end] != '\r' || b[end+1] != '\n' {
			return nil, 0, fmt.Errorf("malformed chunked encoding: %w", ErrBadRequest)
		}
		pos = end + 2
	}
}

// cutLine returns the first line of b without its CRLF (or bare LF) and the
// number of bytes it spans including the terminator.
func cutLine(b []byte) (line []byte, n int, ok bool) {
	i := bytes.IndexByte(b, '\n')
	if i < 0 {
		return nil, 0, false
	}
	line = b[:i]
	if len(line) > 0 && line[len(line)-1] == '\r' {
		line = line[:len(line)-1]
	}
	return line, i + 1, true
}

type chunkedWriter struct {
	w io.Writer
}

func (cw *chunkedWriter) Write(data []byte) (n int, err error) {
	// a zero-length chunk would read as the end of the body
	if len(data) == 0 {
		return 0, nil
	}
	if _, err = fmt.Fprintf(cw.w, "%x\r\n", len(data)); err != nil {
		return 0, err
	}
	if n, err = cw.w.Write(data); err != nil {
		return n, err
	}
	if n != len(data) {
		return n, io.ErrShortWrite
	}
	_, err = io.WriteString(cw.w, "\r\n")
	return n, err
}

func (cw *chunkedWriter) Close() error {
	_, err := io.WriteString(cw.w, "0\r\n\r\n")
	return err
}
