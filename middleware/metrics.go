package middleware

import (
	"sync"
	"time"

	"go-httpd/server"
)

type RouteMetrics struct {
	Count        uint64        `json:"count"`
	TotalLatency time.Duration `json:"total_latency_ns"`
}

// MetricsSnapshot is a point-in-time copy of Metrics.
type MetricsSnapshot struct {
	TotalRequests uint64                   `json:"total_requests"`
	TotalErrors   uint64                   `json:"total_errors"`
	InFlight      uint64                   `json:"in_flight"`
	ByRoute       map[string]*RouteMetrics `json:"by_route"`
}

// Metrics counts requests per route. A request counts as an error when it
// ends in a 5xx.
type Metrics struct {
	mu            sync.Mutex
	totalRequests uint64
	totalErrors   uint64
	inFlight      uint64
	byRoute       map[string]*RouteMetrics
}

func NewMetrics() *Metrics {
	return &Metrics{
		byRoute: make(map[string]*RouteMetrics),
	}
}

// Intercept makes Metrics a server.Middleware.
func (m *Metrics) Intercept(req *server.Request, next server.Handler) (*server.Response, error) {
	route := req.Path()
	start := time.Now()
	m.StartRequest(route)

	resp, err := next.Respond(req)

	m.EndRequest(route, time.Since(start), statusOf(resp, err) >= 500)
	return resp, err
}

func (m *Metrics) StartRequest(route string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inFlight++
	m.totalRequests++
	if _, ok := m.byRoute[route]; !ok {
		m.byRoute[route] = &RouteMetrics{}
	}
}

func (m *Metrics) EndRequest(route string, latency time.Duration, failed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.inFlight > 0 {
		m.inFlight--
	}
	if failed {
		m.totalErrors++
	}

	rm := m.byRoute[route]
	if rm == nil {
		rm = &RouteMetrics{}
		m.byRoute[route] = rm
	}
	rm.Count++
	rm.TotalLatency += latency
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := MetricsSnapshot{
		TotalRequests: m.totalRequests,
		TotalErrors:   m.totalErrors,
		InFlight:      m.inFlight,
		ByRoute:       make(map[string]*RouteMetrics, len(m.byRoute)),
	}
	for route, rm := range m.byRoute {
		rmCopy := *rm
		snap.ByRoute[route] = &rmCopy
	}
	return snap
}
