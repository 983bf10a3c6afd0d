package middleware

import (
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"go-httpd/server"
)

// AccessLog writes one structured line per request once the rest of the
// chain has answered.
func AccessLog(log zerolog.Logger) server.Middleware {
	return server.MiddlewareFunc(func(req *server.Request, next server.Handler) (*server.Response, error) {
		start := time.Now()
		resp, err := next.Respond(req)
		elapsed := time.Since(start)

		status := statusOf(resp, err)
		var ev *zerolog.Event
		switch {
		case status >= 500:
			ev = log.Error()
		case status >= 400:
			ev = log.Warn()
		default:
			ev = log.Info()
		}

		ev = ev.
			Str("id", req.Header.Get(RequestIDHeader)).
			Str("conn", req.ConnID).
			Str("method", req.Method).
			Str("path", req.Path()).
			Int("status", status).
			Float64("duration_ms", float64(elapsed.Microseconds())/1000)
		if req.RemoteAddr != nil {
			ev = ev.Str("remote_addr", req.RemoteAddr.String())
		}
		if ua := req.Header.Get("User-Agent"); ua != "" {
			ev = ev.Str("user_agent", ua)
		}
		if err != nil {
			ev = ev.Err(err)
		}
		ev.Msg("request")

		return resp, err
	})
}

// statusOf is the status the client will see for this outcome.
func statusOf(resp *server.Response, err error) int {
	if err != nil {
		if r := server.Recover(err); r != nil {
			return r.Status
		}
		return http.StatusInternalServerError
	}
	if resp == nil {
		return http.StatusInternalServerError
	}
	return resp.Status
}
