package call

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/studyhall/meshcall/internal/presence"
	"github.com/studyhall/meshcall/internal/signaling"
)

type fakeConn struct {
	mu           sync.Mutex
	cb           ConnCallbacks
	remoteDescs  []webrtc.SessionDescription
	candidates   []webrtc.ICECandidateInit
	offerCount   int
	restartCount int
	answerCount  int
	closed       bool
	controlSent  [][]byte
	trackState   map[string]bool
}

func newFakeConn(cb ConnCallbacks) *fakeConn {
	return &fakeConn{cb: cb, trackState: make(map[string]bool)}
}

func (f *fakeConn) CreateOffer(iceRestart bool) (webrtc.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offerCount++
	if iceRestart {
		f.restartCount++
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer"}, nil
}

func (f *fakeConn) CreateAnswer() (webrtc.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answerCount++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer"}, nil
}

func (f *fakeConn) SetRemoteDescription(desc webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remoteDescs = append(f.remoteDescs, desc)
	return nil
}

func (f *fakeConn) AddICECandidate(cand webrtc.ICECandidateInit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candidates = append(f.candidates, cand)
	return nil
}

func (f *fakeConn) SetTrackEnabled(kind string, enabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.trackState[kind] = enabled
	return nil
}

func (f *fakeConn) ReplaceVideoTrack(track webrtc.TrackLocal) error {
	return nil
}

func (f *fakeConn) SendControl(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.controlSent = append(f.controlSent, data)
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) appliedCandidates() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.candidates))
	for i, c := range f.candidates {
		out[i] = c.Candidate
	}
	return out
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeConn) offers() (total, restarts int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.offerCount, f.restartCount
}

type fakeDialer struct {
	mu    sync.Mutex
	conns map[ParticipantID][]*fakeConn
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{conns: make(map[ParticipantID][]*fakeConn)}
}

func (d *fakeDialer) factory() ConnFactory {
	return func(remote ParticipantID, cb ConnCallbacks) (MediaConn, error) {
		conn := newFakeConn(cb)
		d.mu.Lock()
		d.conns[remote] = append(d.conns[remote], conn)
		d.mu.Unlock()
		return conn, nil
	}
}

func (d *fakeDialer) latest(remote ParticipantID) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	conns := d.conns[remote]
	if len(conns) == 0 {
		return nil
	}
	return conns[len(conns)-1]
}

func (d *fakeDialer) count(remote ParticipantID) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns[remote])
}

type fakeTransport struct {
	mu        sync.Mutex
	sent      chan *signaling.Message
	announces []signaling.ParticipantMeta
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{sent: make(chan *signaling.Message, 64)}
}

func (tr *fakeTransport) Send(msg *signaling.Message) error {
	tr.sent <- msg
	return nil
}

func (tr *fakeTransport) Announce(meta signaling.ParticipantMeta) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.announces = append(tr.announces, meta)
	return nil
}

func (tr *fakeTransport) lastAnnounce() (signaling.ParticipantMeta, bool) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if len(tr.announces) == 0 {
		return signaling.ParticipantMeta{}, false
	}
	return tr.announces[len(tr.announces)-1], true
}

type fakeMedia struct {
	mu     sync.Mutex
	closes int
}

func (m *fakeMedia) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closes++
	return nil
}

func (m *fakeMedia) closeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closes
}

func newTestCoordinator(t *testing.T, local string, grace time.Duration) (*Coordinator, *fakeDialer, *fakeTransport, *fakeMedia) {
	t.Helper()
	dialer := newFakeDialer()
	transport := newFakeTransport()
	media := &fakeMedia{}
	coord := NewCoordinator(Options{
		LocalID:    ParticipantID(local),
		OfferGrace: grace,
	}, transport, dialer.factory(), media)
	t.Cleanup(coord.Close)
	return coord, dialer, transport, media
}

func expectMsg(t *testing.T, tr *fakeTransport, msgType string) *signaling.Message {
	t.Helper()
	select {
	case msg := <-tr.sent:
		if msg.Type != msgType {
			t.Fatalf("expected %s, got %s (to %s)", msgType, msg.Type, msg.To)
		}
		return msg
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", msgType)
		return nil
	}
}

func expectNoMsg(t *testing.T, tr *fakeTransport, wait time.Duration) {
	t.Helper()
	select {
	case msg := <-tr.sent:
		t.Fatalf("unexpected message %s to %s", msg.Type, msg.To)
	case <-time.After(wait):
	}
}

func waitFor(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

func inCallSnapshot(ids ...string) map[string]presence.Metadata {
	snap := make(map[string]presence.Metadata)
	for _, id := range ids {
		snap[id] = presence.Metadata{InCall: true}
	}
	return snap
}

func descPayload(t *testing.T, sdpType webrtc.SDPType) json.RawMessage {
	t.Helper()
	payload, err := json.Marshal(webrtc.SessionDescription{Type: sdpType, SDP: "remote"})
	if err != nil {
		t.Fatal(err)
	}
	return payload
}

func signal(t *testing.T, coord *Coordinator, msgType, from, to string, payload json.RawMessage) {
	t.Helper()
	coord.HandleSignal(&signaling.Message{Type: msgType, From: from, To: to, Payload: payload})
}

func TestJoinOffersToAllInCallPeers(t *testing.T) {
	coord, dialer, transport, _ := newTestCoordinator(t, "alice", time.Second)

	coord.HandleSnapshot(inCallSnapshot("bob", "carol"))
	if err := coord.JoinCall(); err != nil {
		t.Fatal(err)
	}

	// alice sorts before bob and carol, so both offers go out immediately.
	targets := make(map[string]bool)
	for i := 0; i < 2; i++ {
		msg := expectMsg(t, transport, signaling.MessageTypeOffer)
		if msg.From != "alice" {
			t.Fatalf("offer from %s", msg.From)
		}
		targets[msg.To] = true
	}
	if !targets["bob"] || !targets["carol"] {
		t.Fatalf("offer targets = %v", targets)
	}

	if coord.Room().Len() != 2 {
		t.Fatalf("room has %d links", coord.Room().Len())
	}
	for _, link := range coord.Room().Links() {
		if link.State() != LinkOffering {
			t.Fatalf("link %s in state %s", link.Remote(), link.State())
		}
		if !link.Initiator() {
			t.Fatalf("link %s not initiator", link.Remote())
		}
	}

	meta, ok := transport.lastAnnounce()
	if !ok || !meta.InCall {
		t.Fatalf("join did not announce in-call presence: %+v", meta)
	}

	// A repeated identical snapshot must not create more links or offers.
	coord.HandleSnapshot(inCallSnapshot("bob", "carol"))
	expectNoMsg(t, transport, 100*time.Millisecond)
	if got := dialer.count("bob") + dialer.count("carol"); got != 2 {
		t.Fatalf("dialed %d times", got)
	}
}

func TestLargerIDWaitsForOfferThenFallsBack(t *testing.T) {
	coord, _, transport, _ := newTestCoordinator(t, "zed", 80*time.Millisecond)

	coord.HandleSnapshot(inCallSnapshot("alice"))
	if err := coord.JoinCall(); err != nil {
		t.Fatal(err)
	}

	// zed sorts after alice: no immediate offer.
	expectNoMsg(t, transport, 40*time.Millisecond)

	// No offer arrived within the grace window, so zed offers anyway.
	msg := expectMsg(t, transport, signaling.MessageTypeOffer)
	if msg.To != "alice" {
		t.Fatalf("fallback offer to %s", msg.To)
	}
}

func TestIncomingOfferCancelsGraceWait(t *testing.T) {
	coord, dialer, transport, _ := newTestCoordinator(t, "zed", 60*time.Millisecond)

	coord.HandleSnapshot(inCallSnapshot("alice"))
	if err := coord.JoinCall(); err != nil {
		t.Fatal(err)
	}

	signal(t, coord, signaling.MessageTypeOffer, "alice", "zed", descPayload(t, webrtc.SDPTypeOffer))

	msg := expectMsg(t, transport, signaling.MessageTypeAnswer)
	if msg.To != "alice" {
		t.Fatalf("answer to %s", msg.To)
	}

	// The grace timer was cancelled; no late offer follows.
	expectNoMsg(t, transport, 120*time.Millisecond)
	if dialer.count("alice") != 1 {
		t.Fatalf("dialed %d times", dialer.count("alice"))
	}
	link, _ := coord.Room().Link("alice")
	if link.State() != LinkAnswering {
		t.Fatalf("link state %s", link.State())
	}
}

func TestGlareSmallerIDWins(t *testing.T) {
	t.Run("larger id yields its own offer", func(t *testing.T) {
		coord, dialer, transport, _ := newTestCoordinator(t, "zed", 20*time.Millisecond)

		coord.HandleSnapshot(inCallSnapshot("alice"))
		if err := coord.JoinCall(); err != nil {
			t.Fatal(err)
		}

		// Grace expires, zed offers.
		expectMsg(t, transport, signaling.MessageTypeOffer)
		first := dialer.latest("alice")

		// alice's offer crossed with ours; smaller id wins, zed answers on a
		// fresh link.
		signal(t, coord, signaling.MessageTypeOffer, "alice", "zed", descPayload(t, webrtc.SDPTypeOffer))
		expectMsg(t, transport, signaling.MessageTypeAnswer)

		waitFor(t, "yielded link closed", first.isClosed)
		if dialer.count("alice") != 2 {
			t.Fatalf("dialed %d times", dialer.count("alice"))
		}
		link, ok := coord.Room().Link("alice")
		if !ok || link.State() != LinkAnswering {
			t.Fatalf("expected answering link, got %v", link)
		}
	})

	t.Run("smaller id keeps its own offer", func(t *testing.T) {
		coord, dialer, transport, _ := newTestCoordinator(t, "alice", time.Second)

		coord.HandleSnapshot(inCallSnapshot("zed"))
		if err := coord.JoinCall(); err != nil {
			t.Fatal(err)
		}
		expectMsg(t, transport, signaling.MessageTypeOffer)

		// zed's crossed offer is discarded; alice keeps waiting for the answer.
		signal(t, coord, signaling.MessageTypeOffer, "zed", "alice", descPayload(t, webrtc.SDPTypeOffer))
		expectNoMsg(t, transport, 100*time.Millisecond)

		link, _ := coord.Room().Link("zed")
		if link.State() != LinkOffering {
			t.Fatalf("link state %s", link.State())
		}
		if dialer.count("zed") != 1 {
			t.Fatalf("dialed %d times", dialer.count("zed"))
		}
	})
}

func TestAnswerCompletesNegotiation(t *testing.T) {
	coord, dialer, transport, _ := newTestCoordinator(t, "alice", time.Second)

	coord.HandleSnapshot(inCallSnapshot("bob"))
	if err := coord.JoinCall(); err != nil {
		t.Fatal(err)
	}
	expectMsg(t, transport, signaling.MessageTypeOffer)

	signal(t, coord, signaling.MessageTypeAnswer, "bob", "alice", descPayload(t, webrtc.SDPTypeAnswer))

	waitFor(t, "link connected", func() bool {
		link, ok := coord.Room().Link("bob")
		return ok && link.State() == LinkConnected
	})

	// A replayed stale answer is discarded without touching the link.
	signal(t, coord, signaling.MessageTypeAnswer, "bob", "alice", descPayload(t, webrtc.SDPTypeAnswer))
	time.Sleep(50 * time.Millisecond)
	link, _ := coord.Room().Link("bob")
	if link.State() != LinkConnected {
		t.Fatalf("link state %s after replay", link.State())
	}
	if dialer.count("bob") != 1 {
		t.Fatalf("dialed %d times", dialer.count("bob"))
	}
}

func TestCandidateBeforeLinkIsDiscarded(t *testing.T) {
	coord, dialer, _, _ := newTestCoordinator(t, "alice", time.Second)

	coord.HandleSnapshot(inCallSnapshot("bob"))
	if err := coord.JoinCall(); err != nil {
		t.Fatal(err)
	}

	payload, _ := json.Marshal(webrtc.ICECandidateInit{Candidate: "orphan"})
	signal(t, coord, signaling.MessageTypeICE, "carol", "alice", payload)

	time.Sleep(50 * time.Millisecond)
	if dialer.count("carol") != 0 {
		t.Fatal("orphan candidate created a link")
	}
}

func TestSignalsAddressedElsewhereAreIgnored(t *testing.T) {
	coord, dialer, _, _ := newTestCoordinator(t, "alice", time.Second)

	coord.HandleSnapshot(inCallSnapshot("bob"))
	if err := coord.JoinCall(); err != nil {
		t.Fatal(err)
	}

	signal(t, coord, signaling.MessageTypeOffer, "bob", "carol", descPayload(t, webrtc.SDPTypeOffer))
	time.Sleep(50 * time.Millisecond)
	if dialer.count("bob") != 1 {
		t.Fatalf("dialed %d times", dialer.count("bob"))
	}
}

func TestRemoteLeaveClosesLink(t *testing.T) {
	coord, dialer, transport, _ := newTestCoordinator(t, "alice", time.Second)

	coord.HandleSnapshot(inCallSnapshot("bob"))
	if err := coord.JoinCall(); err != nil {
		t.Fatal(err)
	}
	expectMsg(t, transport, signaling.MessageTypeOffer)
	conn := dialer.latest("bob")

	// bob drops out of the call.
	coord.HandleSnapshot(map[string]presence.Metadata{"bob": {}})

	waitFor(t, "link closed", conn.isClosed)
	waitFor(t, "link removed", func() bool { return coord.Room().Len() == 0 })
}

func TestLeaveCallTearsEverythingDown(t *testing.T) {
	coord, dialer, transport, media := newTestCoordinator(t, "alice", time.Second)

	coord.HandleSnapshot(inCallSnapshot("bob", "carol"))
	if err := coord.JoinCall(); err != nil {
		t.Fatal(err)
	}
	expectMsg(t, transport, signaling.MessageTypeOffer)
	expectMsg(t, transport, signaling.MessageTypeOffer)

	if err := coord.LeaveCall(); err != nil {
		t.Fatal(err)
	}

	if coord.Room().Len() != 0 {
		t.Fatalf("room has %d links after leave", coord.Room().Len())
	}
	if !dialer.latest("bob").isClosed() || !dialer.latest("carol").isClosed() {
		t.Fatal("links not closed on leave")
	}
	if media.closeCount() != 1 {
		t.Fatalf("media closed %d times", media.closeCount())
	}
	meta, _ := transport.lastAnnounce()
	if meta.InCall {
		t.Fatal("leave did not announce not-in-call")
	}

	// Signals arriving after leave are dropped, not acted on.
	signal(t, coord, signaling.MessageTypeOffer, "bob", "alice", descPayload(t, webrtc.SDPTypeOffer))
	time.Sleep(50 * time.Millisecond)
	if coord.Room().Len() != 0 {
		t.Fatal("post-leave signal created a link")
	}
	if err := coord.LeaveCall(); err != ErrNotInCall {
		t.Fatalf("second leave returned %v", err)
	}
}

func TestJoinTwiceFails(t *testing.T) {
	coord, _, _, _ := newTestCoordinator(t, "alice", time.Second)

	if err := coord.JoinCall(); err != nil {
		t.Fatal(err)
	}
	if err := coord.JoinCall(); err != ErrAlreadyInCall {
		t.Fatalf("second join returned %v", err)
	}
}

func TestICEFailureRestartsThenRecreates(t *testing.T) {
	coord, dialer, transport, _ := newTestCoordinator(t, "alice", time.Second)

	coord.HandleSnapshot(inCallSnapshot("bob"))
	if err := coord.JoinCall(); err != nil {
		t.Fatal(err)
	}
	expectMsg(t, transport, signaling.MessageTypeOffer)
	conn := dialer.latest("bob")

	signal(t, coord, signaling.MessageTypeAnswer, "bob", "alice", descPayload(t, webrtc.SDPTypeAnswer))
	waitFor(t, "link connected", func() bool {
		link, ok := coord.Room().Link("bob")
		return ok && link.State() == LinkConnected
	})

	// First failure: the initiator retries in place with an ICE restart.
	conn.cb.OnStateChange(webrtc.ICEConnectionStateFailed)
	expectMsg(t, transport, signaling.MessageTypeOffer)
	waitFor(t, "restart offer", func() bool {
		_, restarts := conn.offers()
		return restarts == 1
	})
	if dialer.count("bob") != 1 {
		t.Fatal("restart should reuse the connection")
	}

	signal(t, coord, signaling.MessageTypeAnswer, "bob", "alice", descPayload(t, webrtc.SDPTypeAnswer))
	waitFor(t, "link reconnected", func() bool {
		link, ok := coord.Room().Link("bob")
		return ok && link.State() == LinkConnected
	})

	// Second failure exhausts the restart budget: tear down and recreate.
	conn.cb.OnStateChange(webrtc.ICEConnectionStateFailed)
	expectMsg(t, transport, signaling.MessageTypeOffer)
	waitFor(t, "old connection closed", conn.isClosed)
	waitFor(t, "fresh dial", func() bool { return dialer.count("bob") == 2 })
}

func TestDisconnectedOnlyFromConnected(t *testing.T) {
	coord, dialer, transport, _ := newTestCoordinator(t, "alice", time.Second)

	coord.HandleSnapshot(inCallSnapshot("bob"))
	if err := coord.JoinCall(); err != nil {
		t.Fatal(err)
	}
	expectMsg(t, transport, signaling.MessageTypeOffer)
	conn := dialer.latest("bob")

	// A disconnect report before the link ever connected is transient noise.
	conn.cb.OnStateChange(webrtc.ICEConnectionStateDisconnected)
	time.Sleep(50 * time.Millisecond)
	link, _ := coord.Room().Link("bob")
	if link.State() != LinkOffering {
		t.Fatalf("link state %s", link.State())
	}
}

func TestTransportOutageSuspendsNewLinks(t *testing.T) {
	coord, dialer, transport, _ := newTestCoordinator(t, "alice", time.Second)

	coord.HandleSnapshot(inCallSnapshot("bob"))
	if err := coord.JoinCall(); err != nil {
		t.Fatal(err)
	}
	expectMsg(t, transport, signaling.MessageTypeOffer)

	coord.HandleTransportState(false)

	// carol joins the call during the outage: no link yet.
	coord.HandleSnapshot(inCallSnapshot("bob", "carol"))
	time.Sleep(50 * time.Millisecond)
	if dialer.count("carol") != 0 {
		t.Fatal("dialed during transport outage")
	}
	// The established link to bob is untouched.
	if dialer.latest("bob").isClosed() {
		t.Fatal("outage closed an established link")
	}

	// Recovery re-announces presence and picks carol up.
	coord.HandleTransportState(true)
	msg := expectMsg(t, transport, signaling.MessageTypeOffer)
	if msg.To != "carol" {
		t.Fatalf("reconcile offer to %s", msg.To)
	}
	meta, _ := transport.lastAnnounce()
	if !meta.InCall {
		t.Fatal("recovery did not re-announce in-call presence")
	}
}

func TestLocalCandidatesAreForwarded(t *testing.T) {
	coord, dialer, transport, _ := newTestCoordinator(t, "alice", time.Second)

	coord.HandleSnapshot(inCallSnapshot("bob"))
	if err := coord.JoinCall(); err != nil {
		t.Fatal(err)
	}
	expectMsg(t, transport, signaling.MessageTypeOffer)

	dialer.latest("bob").cb.OnLocalCandidate(webrtc.ICECandidateInit{Candidate: "host-1"})

	msg := expectMsg(t, transport, signaling.MessageTypeICE)
	if msg.To != "bob" {
		t.Fatalf("candidate to %s", msg.To)
	}
	var cand webrtc.ICECandidateInit
	if err := json.Unmarshal(msg.Payload, &cand); err != nil {
		t.Fatal(err)
	}
	if cand.Candidate != "host-1" {
		t.Fatalf("candidate %q", cand.Candidate)
	}
}

func TestTrackToggleReachesEveryLink(t *testing.T) {
	coord, dialer, transport, _ := newTestCoordinator(t, "alice", time.Second)

	coord.HandleSnapshot(inCallSnapshot("bob", "carol"))
	if err := coord.JoinCall(); err != nil {
		t.Fatal(err)
	}
	expectMsg(t, transport, signaling.MessageTypeOffer)
	expectMsg(t, transport, signaling.MessageTypeOffer)

	if err := coord.SetTrackEnabled(TrackKindAudio, false); err != nil {
		t.Fatal(err)
	}

	for _, remote := range []ParticipantID{"bob", "carol"} {
		conn := dialer.latest(remote)
		conn.mu.Lock()
		muted := conn.trackState[TrackKindAudio] == false
		frames := len(conn.controlSent)
		conn.mu.Unlock()
		if !muted {
			t.Fatalf("%s not muted", remote)
		}
		if frames != 1 {
			t.Fatalf("%s got %d control frames", remote, frames)
		}
	}
}
