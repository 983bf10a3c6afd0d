package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"go-httpd/middleware"
	"go-httpd/server"
	"go-httpd/ws"
)

// app is the responder at the end of the middleware chain.
type app struct {
	srv     *server.Server
	hub     *ws.Hub
	metrics *middleware.Metrics
	wsOpts  ws.Options
	log     zerolog.Logger
	started time.Time
}

type publishRequest struct {
	Channel string `json:"channel"`
	Type    string `json:"type"`
	Data    any    `json:"data"`
}

func (a *app) Respond(req *server.Request) (*server.Response, error) {
	switch req.Path() {
	case "/":
		if req.Method != http.MethodGet && req.Method != http.MethodHead {
			return nil, server.ErrMethodNotAllowed
		}
		return server.Text(http.StatusOK, "Hello, World!"), nil

	case "/__httpd/health":
		active := 0
		if a.srv != nil {
			active = a.srv.ActiveConnections()
		}
		return jsonResponse(http.StatusOK, map[string]any{
			"status":             "ok",
			"active_connections": active,
			"uptime_s":           int64(time.Since(a.started).Seconds()),
			"ws":                 a.hub.Stats(),
		})

	case "/__httpd/metrics":
		return jsonResponse(http.StatusOK, a.metrics.Snapshot())

	case "/__ws":
		q, err := url.ParseQuery(req.Query())
		if err != nil {
			return nil, fmt.Errorf("query: %v: %w", err, server.ErrBadRequest)
		}
		channel := q.Get("channel")
		if channel == "" {
			return nil, fmt.Errorf("missing channel: %w", server.ErrBadRequest)
		}
		return a.relay(req, channel)

	case "/__ws/user":
		sub := req.Header.Get(middleware.SubjectHeader)
		if sub == "" {
			return nil, server.ErrUnauthorized
		}
		return a.relay(req, "user:"+sub)

	case "/__ws/publish":
		if req.Method != http.MethodPost {
			return nil, server.ErrMethodNotAllowed
		}
		var body publishRequest
		if err := json.Unmarshal(req.Body, &body); err != nil {
			return nil, fmt.Errorf("invalid json: %v: %w", err, server.ErrBadRequest)
		}
		if body.Channel == "" {
			return nil, fmt.Errorf("missing channel: %w", server.ErrBadRequest)
		}
		a.hub.Publish(body.Channel, body.Type, body.Data)
		return server.NewResponse(http.StatusAccepted), nil
	}

	return nil, server.ErrNotFound
}

func (a *app) relay(req *server.Request, channel string) (*server.Response, error) {
	return ws.Upgrade(req, a.wsOpts, func(conn *websocket.Conn) {
		a.log.Debug().Str("conn", req.ConnID).Str("channel", channel).Msg("[ws] client joined")
		ws.Relay(conn, a.hub, channel, a.log)
	})
}

func jsonResponse(status int, v any) (*server.Response, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	resp := server.NewResponse(status)
	resp.Header.Set("Content-Type", "application/json")
	resp.Body = body
	return resp, nil
}
