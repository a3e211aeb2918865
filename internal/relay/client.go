package relay

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/studyhall/meshcall/internal/signaling"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// Client wraps one participant's WebSocket connection.
type Client struct {
	hub  *Hub
	conn *websocket.Conn

	roomID        string
	participantID string
	meta          signaling.ParticipantMeta

	send chan *signaling.Envelope
}

// readPump reads envelopes from the connection into the hub. At most one
// reader per connection.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var env signaling.Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Warn("relay: read error", "err", err)
			}
			break
		}
		c.hub.inbound <- &inbound{client: c, env: &env}
	}
}

// writePump writes envelopes from the send channel to the connection and
// keeps the connection alive with pings. At most one writer per connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case env, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(env); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// deliver queues one envelope, dropping it if the client's buffer is full. A
// slow consumer must not stall the hub loop.
func (c *Client) deliver(env *signaling.Envelope) {
	select {
	case c.send <- env:
	default:
		slog.Warn("relay: send buffer full, dropping", "participant", c.participantID)
	}
}

func (c *Client) sendError(msg string) {
	payload, _ := json.Marshal(signaling.ErrorPayload{Error: msg})
	c.deliver(&signaling.Envelope{Type: signaling.EnvelopeError, Payload: payload})
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  maxMessageSize,
	WriteBufferSize: maxMessageSize,

	// Development relay: accept any origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ServeWs returns an http.HandlerFunc that upgrades requests and attaches the
// resulting clients to the hub.
func ServeWs(hub *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Warn("relay: upgrade failed", "err", err)
			return
		}

		client := &Client{
			hub:  hub,
			conn: conn,
			send: make(chan *signaling.Envelope, 256),
		}
		client.hub.register <- client

		go client.writePump()
		go client.readPump()
	}
}
