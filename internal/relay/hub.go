// Package relay implements the development signaling relay: a WebSocket hub
// that tracks room membership, broadcasts presence snapshots on every change,
// and routes signal envelopes between participants. The wire format is shared
// with the client side in internal/signaling.
package relay

import (
	"encoding/json"
	"log/slog"

	"github.com/studyhall/meshcall/internal/signaling"
)

type room struct {
	id      string
	members map[string]*Client
}

type inbound struct {
	client *Client
	env    *signaling.Envelope
}

// Hub manages all rooms and clients. A single goroutine running Run owns all
// state; clients communicate with it exclusively through channels.
type Hub struct {
	rooms map[string]*room

	register   chan *Client
	unregister chan *Client
	inbound    chan *inbound
}

func NewHub() *Hub {
	return &Hub{
		rooms:      make(map[string]*room),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		inbound:    make(chan *inbound),
	}
}

// Run starts the hub's processing loop.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			slog.Info("relay: client connected", "addr", client.conn.RemoteAddr())

		case client := <-h.unregister:
			h.removeClient(client)
			close(client.send)

		case in := <-h.inbound:
			switch in.env.Type {
			case signaling.EnvelopeJoinRoom:
				h.handleJoin(in.client, in.env)
			case signaling.EnvelopeAnnounce:
				h.handleAnnounce(in.client, in.env)
			case signaling.EnvelopeSignal:
				h.handleSignal(in.client, in.env)
			default:
				slog.Warn("relay: unknown envelope type", "type", in.env.Type)
				in.client.sendError("unknown message type")
			}
		}
	}
}

func (h *Hub) handleJoin(c *Client, env *signaling.Envelope) {
	var join signaling.JoinPayload
	if err := json.Unmarshal(env.Payload, &join); err != nil || join.ID == "" {
		c.sendError("invalid join payload")
		return
	}

	r, ok := h.rooms[env.RoomID]
	if !ok {
		r = &room{id: env.RoomID, members: make(map[string]*Client)}
		h.rooms[env.RoomID] = r
		slog.Info("relay: room created", "room", r.id)
	}

	// A rejoin under the same id replaces the stale connection, which covers
	// clients reconnecting before their old socket times out. Closing the
	// connection makes the old readPump unregister itself; its send channel is
	// closed on that path, exactly once.
	if prev, ok := r.members[join.ID]; ok && prev != c {
		prev.conn.Close()
	}

	c.roomID = env.RoomID
	c.participantID = join.ID
	c.meta = join.Meta
	r.members[join.ID] = c

	slog.Info("relay: participant joined", "room", r.id, "participant", join.ID)
	h.broadcastSync(r)
}

func (h *Hub) handleAnnounce(c *Client, env *signaling.Envelope) {
	r, ok := h.roomOf(c)
	if !ok {
		c.sendError("join a room first")
		return
	}

	var join signaling.JoinPayload
	if err := json.Unmarshal(env.Payload, &join); err != nil {
		c.sendError("invalid announce payload")
		return
	}
	c.meta = join.Meta
	h.broadcastSync(r)
}

// handleSignal routes one signal envelope. A target id inside the payload
// directs it to that participant; without one it goes to everyone but the
// sender.
func (h *Hub) handleSignal(c *Client, env *signaling.Envelope) {
	r, ok := h.roomOf(c)
	if !ok {
		c.sendError("join a room first")
		return
	}

	var msg signaling.Message
	if err := json.Unmarshal(env.Payload, &msg); err != nil {
		c.sendError("invalid signal payload")
		return
	}

	out := &signaling.Envelope{
		Type:    signaling.EnvelopeSignal,
		RoomID:  r.id,
		From:    c.participantID,
		Payload: env.Payload,
	}
	if msg.To != "" {
		if target, ok := r.members[msg.To]; ok {
			target.deliver(out)
		} else {
			slog.Debug("relay: signal target not in room", "room", r.id, "to", msg.To)
		}
		return
	}
	for id, member := range r.members {
		if id == c.participantID {
			continue
		}
		member.deliver(out)
	}
}

func (h *Hub) roomOf(c *Client) (*room, bool) {
	if c.roomID == "" {
		return nil, false
	}
	r, ok := h.rooms[c.roomID]
	return r, ok
}

func (h *Hub) removeClient(c *Client) {
	r, ok := h.roomOf(c)
	if !ok {
		return
	}
	if r.members[c.participantID] != c {
		return
	}
	delete(r.members, c.participantID)
	slog.Info("relay: participant left", "room", r.id, "participant", c.participantID)

	if len(r.members) == 0 {
		delete(h.rooms, r.id)
		slog.Info("relay: room deleted", "room", r.id)
		return
	}
	h.broadcastSync(r)
}

// broadcastSync sends the full membership snapshot to every room member.
func (h *Hub) broadcastSync(r *room) {
	sync := signaling.SyncPayload{
		Participants: make(map[string]signaling.ParticipantMeta, len(r.members)),
	}
	for id, member := range r.members {
		sync.Participants[id] = member.meta
	}
	payload, err := json.Marshal(sync)
	if err != nil {
		return
	}

	env := &signaling.Envelope{Type: signaling.EnvelopeSync, RoomID: r.id, Payload: payload}
	for _, member := range r.members {
		member.deliver(env)
	}
}
