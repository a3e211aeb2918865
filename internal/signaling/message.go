package signaling

import "encoding/json"

// Envelope represents all WebSocket messages between a participant and the
// relay. Payload shape depends on Type.
type Envelope struct {
	Type    string          `json:"type"`
	RoomID  string          `json:"room_id,omitempty"`
	From    string          `json:"from,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Envelope type constants.
const (
	EnvelopeJoinRoom = "join_room"
	EnvelopeAnnounce = "announce"
	EnvelopeSignal   = "signal"

	EnvelopeSync  = "sync"
	EnvelopeError = "error"
)

// Message is one peer-to-peer signaling message carried inside an
// EnvelopeSignal. Delivery is broadcast-wide within the room; consumers
// discard messages whose To is not their own id.
type Message struct {
	Type    string          `json:"type"` // offer, answer, ice
	From    string          `json:"from"`
	To      string          `json:"to"`
	Payload json.RawMessage `json:"payload"`
}

// Message type constants.
const (
	MessageTypeOffer  = "offer"
	MessageTypeAnswer = "answer"
	MessageTypeICE    = "ice"
)

// ParticipantMeta is the presence metadata published for a room member.
// InCall may lag reality by up to one presence-sync interval.
type ParticipantMeta struct {
	DisplayName string `json:"display_name"`
	InCall      bool   `json:"in_call"`
}

// JoinPayload announces a participant entering a room.
type JoinPayload struct {
	ID   string          `json:"id"`
	Meta ParticipantMeta `json:"meta"`
}

// SyncPayload is the full membership snapshot the relay broadcasts on every
// presence change, keyed by participant id.
type SyncPayload struct {
	Participants map[string]ParticipantMeta `json:"participants"`
}

// ErrorPayload represents error messages from the relay.
type ErrorPayload struct {
	Error string `json:"error"`
}
