package call

import (
	"sync"

	"github.com/pion/webrtc/v4"
)

// LinkState is the lifecycle state of one PeerLink.
//
//	New → Offering | Answering → Connected → {Failed | Disconnected} → Closed
//
// Failed may transition back to Offering/Answering via ICE restart. Closed is
// terminal; the link is removed from the room's table.
type LinkState int

const (
	LinkNew LinkState = iota
	LinkOffering
	LinkAnswering
	LinkConnected
	LinkFailed
	LinkDisconnected
	LinkClosed
)

func (s LinkState) String() string {
	switch s {
	case LinkNew:
		return "new"
	case LinkOffering:
		return "offering"
	case LinkAnswering:
		return "answering"
	case LinkConnected:
		return "connected"
	case LinkFailed:
		return "failed"
	case LinkDisconnected:
		return "disconnected"
	case LinkClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// PeerLink owns the connection to one remote participant: its media
// connection, its pending ICE candidate buffer, and its negotiation state.
// State transitions are driven by the coordinator's event loop; the mutex
// makes concurrent reads (UI, tests) safe.
type PeerLink struct {
	local  ParticipantID
	remote ParticipantID
	conn   MediaConn

	mu            sync.Mutex
	state         LinkState
	hasRemoteDesc bool
	pending       []webrtc.ICECandidateInit
	initiator     bool
	restarts      int
}

func newPeerLink(local, remote ParticipantID, conn MediaConn) *PeerLink {
	return &PeerLink{
		local:  local,
		remote: remote,
		conn:   conn,
		state:  LinkNew,
	}
}

// Remote returns the remote participant id.
func (l *PeerLink) Remote() ParticipantID {
	return l.remote
}

// State returns the current link state.
func (l *PeerLink) State() LinkState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Initiator reports whether the local side created the offer for this link.
func (l *PeerLink) Initiator() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.initiator
}

// StartOffer creates and locally applies an offer, moving the link to
// Offering. With iceRestart it renegotiates the existing connection in place
// instead of recreating it.
func (l *PeerLink) StartOffer(iceRestart bool) (webrtc.SessionDescription, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state == LinkClosed {
		return webrtc.SessionDescription{}, NewError("start offer", l.remote, ErrLinkClosed)
	}
	if !iceRestart && l.state != LinkNew {
		return webrtc.SessionDescription{}, NewError("start offer", l.remote, ErrUnexpectedSignal)
	}

	offer, err := l.conn.CreateOffer(iceRestart)
	if err != nil {
		return webrtc.SessionDescription{}, NewError("create offer", l.remote, err)
	}
	l.state = LinkOffering
	l.initiator = true
	return offer, nil
}

// HandleOffer applies a remote offer and produces the local answer. Valid on
// a fresh link (New → Answering) and on an established one (remote-initiated
// ICE restart). Candidates buffered before the offer arrived are flushed, in
// arrival order, exactly once.
func (l *PeerLink) HandleOffer(desc webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch l.state {
	case LinkNew, LinkConnected, LinkFailed, LinkDisconnected:
	default:
		return webrtc.SessionDescription{}, NewError("handle offer", l.remote, ErrUnexpectedSignal)
	}

	if err := l.conn.SetRemoteDescription(desc); err != nil {
		return webrtc.SessionDescription{}, NewError("set remote offer", l.remote, err)
	}
	l.hasRemoteDesc = true
	if err := l.flushPendingLocked(); err != nil {
		return webrtc.SessionDescription{}, err
	}

	answer, err := l.conn.CreateAnswer()
	if err != nil {
		return webrtc.SessionDescription{}, NewError("create answer", l.remote, err)
	}
	if l.state == LinkNew || l.state == LinkFailed {
		l.state = LinkAnswering
	}
	return answer, nil
}

// HandleAnswer applies a remote answer. An answer in any state other than
// Offering is a protocol violation: the caller logs and discards it. This
// guards against a remote replaying a stale answer after the link was
// re-created.
func (l *PeerLink) HandleAnswer(desc webrtc.SessionDescription) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state != LinkOffering {
		return NewError("handle answer", l.remote, ErrUnexpectedSignal)
	}

	if err := l.conn.SetRemoteDescription(desc); err != nil {
		return NewError("set remote answer", l.remote, err)
	}
	l.hasRemoteDesc = true
	if err := l.flushPendingLocked(); err != nil {
		return err
	}
	l.state = LinkConnected
	return nil
}

// AddCandidate applies an inbound ICE candidate, or buffers it when no remote
// description is set yet. Applying a candidate before the remote description
// is a hard error in the media stack and must never happen.
func (l *PeerLink) AddCandidate(cand webrtc.ICECandidateInit) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state == LinkClosed {
		return NewError("add candidate", l.remote, ErrLinkClosed)
	}
	if !l.hasRemoteDesc {
		l.pending = append(l.pending, cand)
		return nil
	}
	if err := l.conn.AddICECandidate(cand); err != nil {
		return NewError("add candidate", l.remote, err)
	}
	return nil
}

// flushPendingLocked applies buffered candidates in arrival order. The buffer
// is cleared first so a re-run is a no-op even if one candidate fails.
func (l *PeerLink) flushPendingLocked() error {
	pending := l.pending
	l.pending = nil
	for _, cand := range pending {
		if err := l.conn.AddICECandidate(cand); err != nil {
			return NewError("flush candidate", l.remote, err)
		}
	}
	return nil
}

// PendingCandidates returns how many candidates are buffered.
func (l *PeerLink) PendingCandidates() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

// ApplyICEState maps an ICE connection state report onto the link state.
// It returns the resulting state and whether it changed.
func (l *PeerLink) ApplyICEState(state webrtc.ICEConnectionState) (LinkState, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state == LinkClosed {
		return LinkClosed, false
	}

	prev := l.state
	switch state {
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		l.state = LinkConnected
	case webrtc.ICEConnectionStateFailed:
		l.state = LinkFailed
	case webrtc.ICEConnectionStateDisconnected:
		if l.state == LinkConnected {
			l.state = LinkDisconnected
		}
	}
	return l.state, l.state != prev
}

// Restarts returns how many ICE restarts this link has attempted.
func (l *PeerLink) Restarts() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.restarts
}

func (l *PeerLink) noteRestart() {
	l.mu.Lock()
	l.restarts++
	l.mu.Unlock()
}

// SetTrackEnabled binds or unbinds a shared capture track on this link.
func (l *PeerLink) SetTrackEnabled(kind string, enabled bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == LinkClosed {
		return NewError("set track", l.remote, ErrLinkClosed)
	}
	return l.conn.SetTrackEnabled(kind, enabled)
}

// ReplaceVideoTrack swaps the outgoing video track in place, without
// renegotiation.
func (l *PeerLink) ReplaceVideoTrack(track webrtc.TrackLocal) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == LinkClosed {
		return NewError("replace track", l.remote, ErrLinkClosed)
	}
	return l.conn.ReplaceVideoTrack(track)
}

// SendControl transmits a control frame on this link's data channel.
func (l *PeerLink) SendControl(data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == LinkClosed {
		return NewError("send control", l.remote, ErrLinkClosed)
	}
	return l.conn.SendControl(data)
}

// Close tears the link down. Idempotent.
func (l *PeerLink) Close() {
	l.mu.Lock()
	if l.state == LinkClosed {
		l.mu.Unlock()
		return
	}
	l.state = LinkClosed
	l.pending = nil
	conn := l.conn
	l.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}
