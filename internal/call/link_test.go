package call

import (
	"errors"
	"testing"

	"github.com/pion/webrtc/v4"
)

func newTestLink() (*PeerLink, *fakeConn) {
	conn := newFakeConn(ConnCallbacks{})
	return newPeerLink("alice", "bob", conn), conn
}

func remoteOffer() webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "remote-offer"}
}

func remoteAnswer() webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "remote-answer"}
}

func TestLinkOfferAnswerFlow(t *testing.T) {
	link, _ := newTestLink()

	if link.State() != LinkNew {
		t.Fatalf("fresh link in state %s", link.State())
	}

	offer, err := link.StartOffer(false)
	if err != nil {
		t.Fatal(err)
	}
	if offer.Type != webrtc.SDPTypeOffer {
		t.Fatalf("offer type %s", offer.Type)
	}
	if link.State() != LinkOffering || !link.Initiator() {
		t.Fatalf("state %s initiator %v", link.State(), link.Initiator())
	}

	// A second plain offer on the same link is a protocol error.
	if _, err := link.StartOffer(false); !errors.Is(err, ErrUnexpectedSignal) {
		t.Fatalf("second offer returned %v", err)
	}

	if err := link.HandleAnswer(remoteAnswer()); err != nil {
		t.Fatal(err)
	}
	if link.State() != LinkConnected {
		t.Fatalf("state %s after answer", link.State())
	}
}

func TestLinkAnswerInWrongState(t *testing.T) {
	link, _ := newTestLink()

	// Answer before any offer.
	if err := link.HandleAnswer(remoteAnswer()); !errors.Is(err, ErrUnexpectedSignal) {
		t.Fatalf("answer on new link returned %v", err)
	}

	// Answer after the link already connected via an inbound offer.
	if _, err := link.HandleOffer(remoteOffer()); err != nil {
		t.Fatal(err)
	}
	if link.State() != LinkAnswering {
		t.Fatalf("state %s", link.State())
	}
	if err := link.HandleAnswer(remoteAnswer()); !errors.Is(err, ErrUnexpectedSignal) {
		t.Fatalf("answer on answering link returned %v", err)
	}
}

func TestLinkBuffersEarlyCandidates(t *testing.T) {
	link, conn := newTestLink()

	if _, err := link.StartOffer(false); err != nil {
		t.Fatal(err)
	}

	// Candidates race ahead of the answer: buffered, not applied.
	for _, c := range []string{"one", "two", "three"} {
		if err := link.AddCandidate(webrtc.ICECandidateInit{Candidate: c}); err != nil {
			t.Fatal(err)
		}
	}
	if got := len(conn.appliedCandidates()); got != 0 {
		t.Fatalf("%d candidates applied before remote description", got)
	}
	if link.PendingCandidates() != 3 {
		t.Fatalf("%d pending", link.PendingCandidates())
	}

	// The answer flushes the buffer once, in arrival order.
	if err := link.HandleAnswer(remoteAnswer()); err != nil {
		t.Fatal(err)
	}
	applied := conn.appliedCandidates()
	if len(applied) != 3 || applied[0] != "one" || applied[1] != "two" || applied[2] != "three" {
		t.Fatalf("applied = %v", applied)
	}
	if link.PendingCandidates() != 0 {
		t.Fatalf("%d still pending", link.PendingCandidates())
	}

	// Later candidates are applied directly, the buffer stays empty.
	if err := link.AddCandidate(webrtc.ICECandidateInit{Candidate: "four"}); err != nil {
		t.Fatal(err)
	}
	if applied := conn.appliedCandidates(); len(applied) != 4 || applied[3] != "four" {
		t.Fatalf("applied = %v", applied)
	}
	if link.PendingCandidates() != 0 {
		t.Fatalf("%d pending after direct apply", link.PendingCandidates())
	}
}

func TestLinkICEStateMapping(t *testing.T) {
	link, _ := newTestLink()
	if _, err := link.StartOffer(false); err != nil {
		t.Fatal(err)
	}

	// Disconnected before ever connecting is ignored.
	if state, changed := link.ApplyICEState(webrtc.ICEConnectionStateDisconnected); changed {
		t.Fatalf("premature disconnect changed state to %s", state)
	}

	if state, changed := link.ApplyICEState(webrtc.ICEConnectionStateConnected); !changed || state != LinkConnected {
		t.Fatalf("connected -> %s (%v)", state, changed)
	}
	if state, changed := link.ApplyICEState(webrtc.ICEConnectionStateDisconnected); !changed || state != LinkDisconnected {
		t.Fatalf("disconnected -> %s (%v)", state, changed)
	}
	if state, changed := link.ApplyICEState(webrtc.ICEConnectionStateConnected); !changed || state != LinkConnected {
		t.Fatalf("reconnected -> %s (%v)", state, changed)
	}
	if state, changed := link.ApplyICEState(webrtc.ICEConnectionStateFailed); !changed || state != LinkFailed {
		t.Fatalf("failed -> %s (%v)", state, changed)
	}
}

func TestLinkRestartFromFailed(t *testing.T) {
	link, conn := newTestLink()
	if _, err := link.StartOffer(false); err != nil {
		t.Fatal(err)
	}
	link.ApplyICEState(webrtc.ICEConnectionStateConnected)
	link.ApplyICEState(webrtc.ICEConnectionStateFailed)

	offer, err := link.StartOffer(true)
	if err != nil {
		t.Fatal(err)
	}
	if offer.Type != webrtc.SDPTypeOffer {
		t.Fatalf("restart offer type %s", offer.Type)
	}
	if link.State() != LinkOffering {
		t.Fatalf("state %s after restart", link.State())
	}
	if _, restarts := conn.offers(); restarts != 1 {
		t.Fatalf("%d restart offers", restarts)
	}
}

func TestLinkRemoteRenegotiation(t *testing.T) {
	link, _ := newTestLink()

	if _, err := link.HandleOffer(remoteOffer()); err != nil {
		t.Fatal(err)
	}
	link.ApplyICEState(webrtc.ICEConnectionStateConnected)

	// Remote-initiated ICE restart: a fresh offer on a connected link answers
	// without disturbing the state.
	if _, err := link.HandleOffer(remoteOffer()); err != nil {
		t.Fatal(err)
	}
	if link.State() != LinkConnected {
		t.Fatalf("state %s after renegotiation", link.State())
	}

	// An offer while we have one in flight is rejected at the link level; the
	// coordinator owns the glare policy.
	fresh, _ := newTestLink()
	if _, err := fresh.StartOffer(false); err != nil {
		t.Fatal(err)
	}
	if _, err := fresh.HandleOffer(remoteOffer()); !errors.Is(err, ErrUnexpectedSignal) {
		t.Fatalf("offer during offering returned %v", err)
	}
}

func TestLinkCloseIsTerminal(t *testing.T) {
	link, conn := newTestLink()
	if _, err := link.StartOffer(false); err != nil {
		t.Fatal(err)
	}

	link.Close()
	link.Close()
	if !conn.isClosed() {
		t.Fatal("conn not closed")
	}
	if link.State() != LinkClosed {
		t.Fatalf("state %s", link.State())
	}

	if err := link.AddCandidate(webrtc.ICECandidateInit{Candidate: "late"}); !errors.Is(err, ErrLinkClosed) {
		t.Fatalf("candidate after close returned %v", err)
	}
	if _, err := link.StartOffer(true); !errors.Is(err, ErrLinkClosed) {
		t.Fatalf("restart after close returned %v", err)
	}
	if state, changed := link.ApplyICEState(webrtc.ICEConnectionStateConnected); changed || state != LinkClosed {
		t.Fatal("ICE report resurrected a closed link")
	}
}
