// Package control defines the in-call control protocol carried on each peer
// link's data channel. Frames are msgpack-encoded and announce local state
// changes that do not need SDP renegotiation: mute toggles and screen-share
// start/stop.
package control

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

const (
	// TypeTrackState announces a local track being muted or unmuted.
	TypeTrackState = "track-state"

	// TypeScreenShare announces screen sharing starting or stopping.
	TypeScreenShare = "screen-share"
)

// Message is one control frame.
type Message struct {
	Type string `msgpack:"type"`

	// Kind is "audio" or "video"; set for TypeTrackState.
	Kind string `msgpack:"kind,omitempty"`

	Enabled bool `msgpack:"enabled"`
}

// Encode serializes a control frame for the data channel.
func Encode(msg Message) ([]byte, error) {
	data, err := msgpack.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode control frame: %w", err)
	}
	return data, nil
}

// Decode parses a control frame received on the data channel.
func Decode(data []byte) (Message, error) {
	var msg Message
	if err := msgpack.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("failed to decode control frame: %w", err)
	}
	return msg, nil
}
