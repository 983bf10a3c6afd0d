package ws

import (
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Relay subscribes conn to channel and runs until the peer goes away.
// Hub messages are written to the peer as JSON; JSON objects the peer
// sends are published back to the channel with type "client". If the hub
// evicts the client, the peer gets a close frame and Relay returns.
func Relay(conn *websocket.Conn, hub *Hub, channel string, log zerolog.Logger) {
	client := hub.Subscribe(channel)
	done := make(chan struct{})
	var leaving atomic.Bool
	defer func() {
		leaving.Store(true)
		hub.Unsubscribe(channel, client)
		conn.Close()
		<-done
	}()

	// writer goroutine: send hub messages to this websocket
	go func() {
		defer close(done)
		for msg := range client.Send {
			if err := conn.WriteJSON(msg); err != nil {
				log.Warn().Err(err).Str("channel", channel).Msg("[ws] write error")
				return
			}
		}
		if !leaving.Load() {
			// evicted by the hub; the reader below is still blocked
			log.Debug().Str("channel", channel).Str("client", client.ID).Msg("[ws] closing evicted client")
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too slow"),
				time.Now().Add(time.Second))
			conn.Close()
		}
	}()

	for {
		var incoming map[string]any
		if err := conn.ReadJSON(&incoming); err != nil {
			if !websocket.IsCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseAbnormalClosure,
			) {
				log.Debug().Err(err).Str("channel", channel).Msg("[ws] read error")
			}
			return
		}

		hub.Publish(channel, "client", incoming)
	}
}
