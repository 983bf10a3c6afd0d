package middleware

import (
	"fmt"
	"runtime/debug"

	"github.com/rs/zerolog"

	"go-httpd/server"
)

// Recoverer turns a panic further down the chain into
// ErrInternalServerError. The client gets a 500 and the connection stays
// usable; without it the connection treats the panic as a failure and
// closes.
func Recoverer(log zerolog.Logger) server.Middleware {
	return server.MiddlewareFunc(func(req *server.Request, next server.Handler) (resp *server.Response, err error) {
		defer func() {
			if v := recover(); v != nil {
				log.Error().
					Str("id", req.Header.Get(RequestIDHeader)).
					Str("path", req.Path()).
					Interface("panic", v).
					Bytes("stack", debug.Stack()).
					Msg("[recover] handler panicked")
				resp, err = nil, fmt.Errorf("panic: %v: %w", v, server.ErrInternalServerError)
			}
		}()
		return next.Respond(req)
	})
}
