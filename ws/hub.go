package ws

import (
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultEvictAfter is how many messages in a row a client may miss before
// the hub drops it.
const DefaultEvictAfter = 64

const sendBuffer = 16

// Message is what travels through the hub to subscribers.
type Message struct {
	Channel string          `json:"channel"`
	Type    string          `json:"type,omitempty"`
	Data    json.RawMessage `json:"data"`
}

// Client is one subscription. Messages arrive on Send until the client is
// unsubscribed or evicted, then Send is closed.
type Client struct {
	ID   string
	Send chan Message

	missed  atomic.Uint32 // in a row, reset by a delivery
	dropped atomic.Uint64
}

// Dropped returns how many messages this client has missed in total.
func (c *Client) Dropped() uint64 {
	return c.dropped.Load()
}

// HubStats is a point-in-time view of a Hub.
type HubStats struct {
	Channels  int    `json:"channels"`
	Clients   int    `json:"clients"`
	Delivered uint64 `json:"delivered"`
	Dropped   uint64 `json:"dropped"`
	Evicted   uint64 `json:"evicted"`
}

// Hub fans messages out to the subscribers of a channel. A subscriber that
// cannot keep up misses messages instead of stalling the publisher, and
// after EvictAfter misses in a row it is removed.
type Hub struct {
	// EvictAfter is set by NewHub to DefaultEvictAfter. Zero keeps slow
	// clients forever. Change it before the hub is shared.
	EvictAfter int

	log zerolog.Logger

	mu      sync.RWMutex
	clients map[string]map[*Client]struct{} // channel -> clients

	delivered atomic.Uint64
	dropped   atomic.Uint64
	evicted   atomic.Uint64
}

func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		EvictAfter: DefaultEvictAfter,
		log:        log,
		clients:    make(map[string]map[*Client]struct{}),
	}
}

// Subscribe registers a new client for the given channel.
func (h *Hub) Subscribe(channel string) *Client {
	c := &Client{
		ID:   uuid.NewString(),
		Send: make(chan Message, sendBuffer),
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.clients[channel] == nil {
		h.clients[channel] = make(map[*Client]struct{})
	}
	h.clients[channel][c] = struct{}{}
	return c
}

// Unsubscribe removes a client from the given channel and closes its send
// channel. Removing a client that is not subscribed does nothing.
func (h *Hub) Unsubscribe(channel string, c *Client) {
	h.remove(channel, c)
}

func (h *Hub) remove(channel string, c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs := h.clients[channel]
	if _, ok := subs[c]; !ok {
		return false
	}

	delete(subs, c)
	close(c.Send)
	if len(subs) == 0 {
		delete(h.clients, channel)
	}
	return true
}

// Subscribers returns how many clients are on channel.
func (h *Hub) Subscribers(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[channel])
}

// Publish broadcasts payload to every client on channel.
func (h *Hub) Publish(channel, msgType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.log.Error().Err(err).Str("channel", channel).Msg("[ws] marshal error")
		return
	}

	ev := Message{
		Channel: channel,
		Type:    msgType,
		Data:    data,
	}

	var slow []*Client
	h.mu.RLock()
	for c := range h.clients[channel] {
		select {
		case c.Send <- ev:
			c.missed.Store(0)
			h.delivered.Add(1)
		default:
			c.dropped.Add(1)
			h.dropped.Add(1)
			if missed := c.missed.Add(1); h.EvictAfter > 0 && int(missed) >= h.EvictAfter {
				slow = append(slow, c)
			}
		}
	}
	h.mu.RUnlock()

	// Send may only be closed under the write lock
	for _, c := range slow {
		if h.remove(channel, c) {
			h.evicted.Add(1)
			h.log.Warn().Str("channel", channel).Str("client", c.ID).Uint64("dropped", c.Dropped()).Msg("[ws] evicted slow client")
		}
	}
}

// Stats returns the hub's current counters.
func (h *Hub) Stats() HubStats {
	h.mu.RLock()
	st := HubStats{Channels: len(h.clients)}
	for _, subs := range h.clients {
		st.Clients += len(subs)
	}
	h.mu.RUnlock()

	st.Delivered = h.delivered.Load()
	st.Dropped = h.dropped.Load()
	st.Evicted = h.evicted.Load()
	return st
}
