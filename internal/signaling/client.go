package signaling

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/studyhall/meshcall/internal/dns"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024

	reconnectMinDelay = time.Second
	reconnectMaxDelay = 30 * time.Second
)

// ErrNotConnected is returned by Send when the underlying channel is down.
// A dropped message during a transient disconnect is a no-op for callers,
// not a protocol error.
var ErrNotConnected = errors.New("signaling transport not connected")

// Snapshot is a raw membership snapshot keyed by participant id.
type Snapshot map[string]ParticipantMeta

// Client manages the WebSocket connection to the signaling relay. It delivers
// signal messages and membership snapshots, and reconnects automatically after
// the first successful Connect. Transport up/down transitions are reported on
// States.
type Client struct {
	serverURL string
	roomID    string
	selfID    string

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	closed    bool
	meta      ParticipantMeta

	writeMu sync.Mutex

	signals chan *Message
	syncs   chan Snapshot
	states  chan bool
	done    chan struct{}
}

// NewClient creates a new signaling client for one room.
func NewClient(serverURL, roomID, selfID string, meta ParticipantMeta) *Client {
	return &Client{
		serverURL: serverURL,
		roomID:    roomID,
		selfID:    selfID,
		meta:      meta,
		signals:   make(chan *Message, 32),
		syncs:     make(chan Snapshot, 8),
		states:    make(chan bool, 4),
		done:      make(chan struct{}),
	}
}

// Connect establishes the WebSocket connection and joins the room.
// After the first success the client re-dials on its own when the
// connection drops.
func (c *Client) Connect() error {
	if _, err := url.Parse(c.serverURL); err != nil {
		return fmt.Errorf("invalid server URL: %w", err)
	}
	return c.dial()
}

// dial performs one connection attempt: dial, join the room, start pumps.
// The custom NetDialContext falls back to public DNS when the system resolver
// cannot see the relay domain.
func (c *Client) dial() error {
	dialer := websocket.Dialer{
		Proxy:            websocket.DefaultDialer.Proxy,
		HandshakeTimeout: websocket.DefaultDialer.HandshakeTimeout,
		NetDialContext:   dns.DialContext,
	}
	conn, _, err := dialer.Dial(c.serverURL, nil)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	meta := c.meta
	c.mu.Unlock()

	join, _ := json.Marshal(JoinPayload{ID: c.selfID, Meta: meta})
	if err := c.write(conn, &Envelope{
		Type:    EnvelopeJoinRoom,
		RoomID:  c.roomID,
		From:    c.selfID,
		Payload: join,
	}); err != nil {
		conn.Close()
		c.markDown()
		return err
	}

	go c.readPump(conn)
	go c.pingLoop(conn)
	return nil
}

// readPump reads envelopes from one connection until it fails, then triggers
// reconnection.
func (c *Client) readPump(conn *websocket.Conn) {
	defer conn.Close()

	for {
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			break
		}
		c.route(&env)
	}

	if c.markDown() {
		c.notifyState(false)
		go c.reconnectLoop()
	}
}

// route dispatches one inbound envelope to the matching channel.
func (c *Client) route(env *Envelope) {
	switch env.Type {
	case EnvelopeSignal:
		var msg Message
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			slog.Warn("signaling: bad signal payload", "err", err)
			return
		}
		select {
		case c.signals <- &msg:
		case <-c.done:
		}

	case EnvelopeSync:
		var sync SyncPayload
		if err := json.Unmarshal(env.Payload, &sync); err != nil {
			slog.Warn("signaling: bad sync payload", "err", err)
			return
		}
		select {
		case c.syncs <- Snapshot(sync.Participants):
		case <-c.done:
		}

	case EnvelopeError:
		var ep ErrorPayload
		_ = json.Unmarshal(env.Payload, &ep)
		slog.Warn("signaling: relay error", "err", ep.Error)
	}
}

// pingLoop sends periodic pings on one connection. It exits when the
// connection is replaced or the client closes. Pings and the close frame go
// through writeControl so they never interleave with a JSON write; the
// connection allows one writer at a time.
func (c *Client) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.writeControl(conn, websocket.PingMessage); err != nil {
				return
			}
		case <-c.done:
			c.writeControl(conn, websocket.CloseMessage)
			return
		}
	}
}

func (c *Client) writeControl(conn *websocket.Conn, messageType int) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(messageType, nil)
}

// reconnectLoop re-dials with backoff until it succeeds or the client closes.
// On success the room is rejoined, which re-announces local presence so peers
// who joined during the outage can discover us.
func (c *Client) reconnectLoop() {
	delay := reconnectMinDelay
	for {
		select {
		case <-c.done:
			return
		case <-time.After(delay):
		}

		if err := c.dial(); err == nil {
			c.notifyState(true)
			return
		}

		delay *= 2
		if delay > reconnectMaxDelay {
			delay = reconnectMaxDelay
		}
	}
}

// markDown clears the connected flag. Returns false when the client was
// closed deliberately and no reconnect should happen.
func (c *Client) markDown() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	return !c.closed
}

func (c *Client) notifyState(up bool) {
	select {
	case c.states <- up:
	case <-c.done:
	}
}

// Send transmits one signal message, best effort. ErrNotConnected means the
// transport is down and the message was never written; callers decide whether
// to suppress or surface that.
func (c *Client) Send(msg *Message) error {
	c.mu.Lock()
	conn, connected := c.conn, c.connected
	c.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return c.write(conn, &Envelope{
		Type:    EnvelopeSignal,
		RoomID:  c.roomID,
		From:    c.selfID,
		Payload: payload,
	})
}

// Announce publishes updated presence metadata for the local participant.
func (c *Client) Announce(meta ParticipantMeta) error {
	c.mu.Lock()
	c.meta = meta
	conn, connected := c.conn, c.connected
	c.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}

	payload, _ := json.Marshal(JoinPayload{ID: c.selfID, Meta: meta})
	return c.write(conn, &Envelope{
		Type:    EnvelopeAnnounce,
		RoomID:  c.roomID,
		From:    c.selfID,
		Payload: payload,
	})
}

func (c *Client) write(conn *websocket.Conn, env *Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(env)
}

// Signals returns the channel of inbound peer signaling messages. Delivery is
// broadcast-wide; the consumer filters on Message.To.
func (c *Client) Signals() <-chan *Message {
	return c.signals
}

// Syncs returns the channel of membership snapshots.
func (c *Client) Syncs() <-chan Snapshot {
	return c.syncs
}

// States reports transport transitions: false when the connection drops,
// true when it is re-established.
func (c *Client) States() <-chan bool {
	return c.states
}

// Close closes the connection and stops reconnecting.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.connected = false
	conn := c.conn
	c.mu.Unlock()

	close(c.done)
	if conn != nil {
		conn.Close()
	}
}
