// Package call implements the multi-peer mesh coordinator: per-remote peer
// link state machines, the room that owns them, the offer-initiation policy,
// and reconnection supervision. It drives peer connections through the
// MediaConn interface and the signaling channel through Transport; the
// concrete Pion and WebSocket implementations live in internal/rtc and
// internal/signaling.
package call

import (
	"github.com/pion/webrtc/v4"

	"github.com/studyhall/meshcall/internal/signaling"
)

// ParticipantID is the opaque stable identifier of a room member. Supplied
// externally, unique within a room.
type ParticipantID string

// TrackKind names a local media track.
const (
	TrackKindAudio = "audio"
	TrackKindVideo = "video"
)

// MediaConn is the slice of one peer connection the coordinator drives.
// CreateOffer and CreateAnswer set the local description before returning it
// (trickle ICE: candidates follow via ConnCallbacks.OnLocalCandidate).
type MediaConn interface {
	CreateOffer(iceRestart bool) (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(cand webrtc.ICECandidateInit) error

	// SetTrackEnabled binds or unbinds the shared local capture track of the
	// given kind without renegotiation.
	SetTrackEnabled(kind string, enabled bool) error

	// ReplaceVideoTrack swaps the outgoing video track in place (camera to
	// screen share and back) without an offer/answer cycle.
	ReplaceVideoTrack(track webrtc.TrackLocal) error

	// SendControl transmits one control-protocol frame on the link's data
	// channel, best effort.
	SendControl(data []byte) error

	Close() error
}

// ConnCallbacks are invoked by a MediaConn implementation. Implementations
// may call them from any goroutine; the coordinator re-posts each into its
// event loop.
type ConnCallbacks struct {
	OnLocalCandidate func(cand webrtc.ICECandidateInit)
	OnStateChange    func(state webrtc.ICEConnectionState)
	OnRemoteTrack    func(kind string, track *webrtc.TrackRemote)
	OnControl        func(data []byte)
}

// ConnFactory creates the media connection for one remote participant with
// local capture tracks already attached.
type ConnFactory func(remote ParticipantID, cb ConnCallbacks) (MediaConn, error)

// Transport is the outbound surface of the signaling channel. Send is best
// effort: signaling.ErrNotConnected means the message was never written and
// the caller tolerates the drop. Announce republishes local presence.
type Transport interface {
	Send(msg *signaling.Message) error
	Announce(meta signaling.ParticipantMeta) error
}

// LocalMedia is the shared local capture handle. It is owned by the
// coordinator and released exactly once when the local participant leaves.
type LocalMedia interface {
	Close() error
}

// EventKind tags a UI-facing call event.
type EventKind int

const (
	EventJoinedCall EventKind = iota
	EventLeftCall
	EventPeerConnected
	EventPeerDisconnected
	EventRemoteTrack
	EventPeerTrackState
	EventPeerScreenShare
	EventTransportDown
	EventTransportUp
)

func (k EventKind) String() string {
	switch k {
	case EventJoinedCall:
		return "joined-call"
	case EventLeftCall:
		return "left-call"
	case EventPeerConnected:
		return "peer-connected"
	case EventPeerDisconnected:
		return "peer-disconnected"
	case EventRemoteTrack:
		return "remote-track"
	case EventPeerTrackState:
		return "peer-track-state"
	case EventPeerScreenShare:
		return "peer-screen-share"
	case EventTransportDown:
		return "transport-down"
	case EventTransportUp:
		return "transport-up"
	default:
		return "unknown"
	}
}

// Event is delivered to the UI layer on the coordinator's Events channel.
type Event struct {
	Kind EventKind
	Peer ParticipantID

	// TrackKind and Track are set for EventRemoteTrack.
	TrackKind string
	Track     *webrtc.TrackRemote

	// Enabled is set for EventPeerTrackState and EventPeerScreenShare.
	Enabled bool
}
