// Package middleware holds the stock server.Middleware used by the httpd
// binary: request IDs, access logging, metrics, bearer auth, static files
// and panic recovery.
package middleware

import (
	"net/http"

	"github.com/google/uuid"

	"go-httpd/server"
)

// RequestIDHeader carries the request ID in both directions.
const RequestIDHeader = "X-Request-Id"

// RequestID makes sure every request has an X-Request-Id, keeping one the
// client sent, and echoes it on the response.
func RequestID() server.Middleware {
	return server.MiddlewareFunc(func(req *server.Request, next server.Handler) (*server.Response, error) {
		if req.Header == nil {
			req.Header = make(http.Header)
		}
		id := req.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
			req.Header.Set(RequestIDHeader, id)
		}

		resp, err := next.Respond(req)
		if resp != nil {
			if resp.Header == nil {
				resp.Header = make(http.Header)
			}
			resp.Header.Set(RequestIDHeader, id)
		}
		return resp, err
	})
}
