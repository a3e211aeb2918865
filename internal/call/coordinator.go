package call

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/studyhall/meshcall/internal/control"
	"github.com/studyhall/meshcall/internal/presence"
	"github.com/studyhall/meshcall/internal/signaling"
)

// Options configures a Coordinator.
type Options struct {
	LocalID     ParticipantID
	DisplayName string

	// OfferGrace is how long the side that should answer under the id
	// tie-break waits for the remote's offer before offering anyway. The
	// fallback keeps liveness against peers running the legacy
	// whoever-saw-the-other-first heuristic.
	OfferGrace time.Duration

	// MaxICERestarts bounds restart attempts per failure incident before the
	// link is torn down and recreated from scratch.
	MaxICERestarts int
}

// internal loop events
type (
	evJoin           struct{}
	evLeave          struct{ done chan struct{} }
	evSync           struct{ snapshot map[string]presence.Metadata }
	evSignal         struct{ msg *signaling.Message }
	evICEState       struct {
		remote ParticipantID
		state  webrtc.ICEConnectionState
	}
	evLocalCandidate struct {
		remote ParticipantID
		cand   webrtc.ICECandidateInit
	}
	evRemoteTrack struct {
		remote ParticipantID
		kind   string
		track  *webrtc.TrackRemote
	}
	evControl struct {
		remote ParticipantID
		data   []byte
	}
	evGraceExpired   struct{ remote ParticipantID }
	evTransportState struct{ up bool }
	evSetTrack       struct {
		kind    string
		enabled bool
		done    chan error
	}
	evScreenShare struct {
		track webrtc.TrackLocal // nil restores the camera track
		done  chan error
	}
)

// Coordinator owns the local call session: the room's link table, the local
// capture handle, and the policy deciding who offers to whom and when.
//
// All state transitions run on a single event-loop goroutine; presence
// snapshots, signaling messages, ICE callbacks and timers are posted into the
// loop as events. A handler never suspends mid-transition, so transitions are
// atomic with respect to each other by construction.
type Coordinator struct {
	opts      Options
	room      *Room
	tracker   *presence.Tracker
	transport Transport
	dial      ConnFactory
	media     LocalMedia
	sup       *Supervisor

	events    chan any
	out       chan Event
	done      chan struct{}
	closeOnce sync.Once

	// inCall is flipped synchronously by JoinCall/LeaveCall so that
	// concurrently-arriving signaling is rejected before teardown begins.
	inCall atomic.Bool

	// loop-confined state below
	suspended        bool
	graceTimers      map[ParticipantID]*time.Timer
	connectedPeers   map[ParticipantID]bool
	audioOn, videoOn bool
	sharing          bool
}

// NewCoordinator creates a coordinator and starts its event loop.
func NewCoordinator(opts Options, transport Transport, dial ConnFactory, media LocalMedia) *Coordinator {
	if opts.OfferGrace <= 0 {
		opts.OfferGrace = 2 * time.Second
	}
	if opts.MaxICERestarts <= 0 {
		opts.MaxICERestarts = 1
	}
	c := &Coordinator{
		opts:           opts,
		room:           NewRoom(opts.LocalID),
		tracker:        presence.NewTracker(string(opts.LocalID)),
		transport:      transport,
		dial:           dial,
		media:          media,
		events:         make(chan any, 64),
		out:            make(chan Event, 64),
		done:           make(chan struct{}),
		graceTimers:    make(map[ParticipantID]*time.Timer),
		connectedPeers: make(map[ParticipantID]bool),
		audioOn:        true,
		videoOn:        true,
	}
	c.sup = NewSupervisor(c, opts.MaxICERestarts)
	go c.loop()
	return c
}

// Room exposes the link table for inspection.
func (c *Coordinator) Room() *Room {
	return c.room
}

// InCall reports whether the local participant is in the call.
func (c *Coordinator) InCall() bool {
	return c.inCall.Load()
}

// Events returns the UI-facing event stream.
func (c *Coordinator) Events() <-chan Event {
	return c.out
}

// JoinCall marks the local participant in-call and announces presence. Links
// to participants already in the call are created as the initiation policy
// dictates.
func (c *Coordinator) JoinCall() error {
	if !c.inCall.CompareAndSwap(false, true) {
		return ErrAlreadyInCall
	}
	c.post(evJoin{})
	return nil
}

// LeaveCall tears down every link and releases local capture. The not-in-call
// mark is set synchronously, before teardown begins, so signaling that races
// the teardown is rejected rather than acted on. Blocks until teardown
// completes.
func (c *Coordinator) LeaveCall() error {
	if !c.inCall.CompareAndSwap(true, false) {
		return ErrNotInCall
	}
	done := make(chan struct{})
	c.post(evLeave{done: done})
	select {
	case <-done:
	case <-c.done:
	}
	return nil
}

// HandleSnapshot feeds a raw membership snapshot into the coordinator.
func (c *Coordinator) HandleSnapshot(snapshot map[string]presence.Metadata) {
	c.post(evSync{snapshot: snapshot})
}

// HandleSignal feeds one inbound signaling message. Messages not addressed to
// the local participant, or arriving while not in a call, are discarded.
func (c *Coordinator) HandleSignal(msg *signaling.Message) {
	if msg == nil || msg.To != string(c.opts.LocalID) {
		return
	}
	if !c.inCall.Load() {
		slog.Debug("call: dropping signal while not in call", "type", msg.Type, "from", msg.From)
		return
	}
	c.post(evSignal{msg: msg})
}

// HandleTransportState feeds signaling transport up/down transitions.
func (c *Coordinator) HandleTransportState(up bool) {
	c.post(evTransportState{up: up})
}

// SetTrackEnabled toggles a local track across every link and announces the
// new state on the control channel.
func (c *Coordinator) SetTrackEnabled(kind string, enabled bool) error {
	done := make(chan error, 1)
	c.post(evSetTrack{kind: kind, enabled: enabled, done: done})
	select {
	case err := <-done:
		return err
	case <-c.done:
		return ErrNotInCall
	}
}

// StartScreenShare swaps the outgoing video for the given screen track on
// every link, in place, without renegotiation.
func (c *Coordinator) StartScreenShare(track webrtc.TrackLocal) error {
	done := make(chan error, 1)
	c.post(evScreenShare{track: track, done: done})
	select {
	case err := <-done:
		return err
	case <-c.done:
		return ErrNotInCall
	}
}

// StopScreenShare restores the camera track on every link.
func (c *Coordinator) StopScreenShare() error {
	done := make(chan error, 1)
	c.post(evScreenShare{track: nil, done: done})
	select {
	case err := <-done:
		return err
	case <-c.done:
		return ErrNotInCall
	}
}

// Close leaves the call if needed and stops the event loop.
func (c *Coordinator) Close() {
	if c.inCall.Load() {
		c.LeaveCall()
	}
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Coordinator) post(ev any) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

func (c *Coordinator) emit(ev Event) {
	select {
	case c.out <- ev:
	default:
		slog.Debug("call: event buffer full, dropping", "kind", ev.Kind.String())
	}
}

func (c *Coordinator) loop() {
	for {
		select {
		case <-c.done:
			return
		case ev := <-c.events:
			switch ev := ev.(type) {
			case evJoin:
				c.handleJoin()
			case evLeave:
				c.handleLeave(ev.done)
			case evSync:
				c.handleSync(ev.snapshot)
			case evSignal:
				c.handleSignal(ev.msg)
			case evICEState:
				c.handleICEState(ev.remote, ev.state)
			case evLocalCandidate:
				c.handleLocalCandidate(ev.remote, ev.cand)
			case evRemoteTrack:
				c.emit(Event{Kind: EventRemoteTrack, Peer: ev.remote, TrackKind: ev.kind, Track: ev.track})
			case evControl:
				c.handleControl(ev.remote, ev.data)
			case evGraceExpired:
				c.handleGraceExpired(ev.remote)
			case evTransportState:
				c.sup.OnTransportState(ev.up)
			case evSetTrack:
				ev.done <- c.applyTrackToggle(ev.kind, ev.enabled)
			case evScreenShare:
				ev.done <- c.applyScreenShare(ev.track)
			}
		}
	}
}

func (c *Coordinator) handleJoin() {
	c.announce()
	c.emit(Event{Kind: EventJoinedCall})
	for _, id := range c.tracker.InCall() {
		c.maybeInitiate(ParticipantID(id))
	}
}

func (c *Coordinator) handleLeave(done chan struct{}) {
	for remote, timer := range c.graceTimers {
		timer.Stop()
		delete(c.graceTimers, remote)
	}
	c.room.CloseAll()
	c.connectedPeers = make(map[ParticipantID]bool)
	if c.media != nil {
		if err := c.media.Close(); err != nil {
			slog.Warn("call: releasing local capture", "err", err)
		}
	}
	c.announce()
	c.emit(Event{Kind: EventLeftCall})
	close(done)
}

func (c *Coordinator) handleSync(snapshot map[string]presence.Metadata) {
	delta := c.tracker.Apply(snapshot)
	if delta.Empty() {
		return
	}

	// Remote leave closes the link unconditionally; no waiting for ICE to
	// self-report failure.
	for _, p := range delta.CallLeft {
		c.closeLink(ParticipantID(p.ID))
	}
	for _, p := range delta.Left {
		c.closeLink(ParticipantID(p.ID))
	}

	if !c.inCall.Load() {
		return
	}
	for _, p := range delta.CallJoined {
		c.maybeInitiate(ParticipantID(p.ID))
	}
}

// maybeInitiate applies the offer-initiation policy for one in-call remote:
// the lexicographically smaller id offers, the larger id waits for the
// remote's offer, falling back to offering itself after the grace delay.
func (c *Coordinator) maybeInitiate(remote ParticipantID) {
	if link, ok := c.room.Link(remote); ok && link.State() != LinkClosed {
		return
	}
	if c.suspended {
		// New link creation is suspended while signaling is down; the
		// transport-up reconcile pass picks this peer up again.
		return
	}
	if c.opts.LocalID < remote {
		c.createOffering(remote)
		return
	}
	if _, ok := c.graceTimers[remote]; ok {
		return
	}
	c.graceTimers[remote] = time.AfterFunc(c.opts.OfferGrace, func() {
		c.post(evGraceExpired{remote: remote})
	})
}

func (c *Coordinator) handleGraceExpired(remote ParticipantID) {
	delete(c.graceTimers, remote)
	if !c.inCall.Load() || c.suspended {
		return
	}
	if !c.tracker.Known(string(remote)) {
		return
	}
	if link, ok := c.room.Link(remote); ok && link.State() != LinkClosed {
		return
	}
	c.createOffering(remote)
}

// createOffering builds a fresh link, creates the offer, and sends it.
func (c *Coordinator) createOffering(remote ParticipantID) {
	link, err := c.createLink(remote)
	if err != nil {
		slog.Warn("call: creating link", "peer", remote, "err", err)
		return
	}
	offer, err := link.StartOffer(false)
	if err != nil {
		slog.Warn("call: starting offer", "peer", remote, "err", err)
		c.closeLink(remote)
		return
	}
	c.sendDescription(remote, signaling.MessageTypeOffer, offer)
}

func (c *Coordinator) createLink(remote ParticipantID) (*PeerLink, error) {
	conn, err := c.dial(remote, c.callbacks(remote))
	if err != nil {
		return nil, NewError("dial", remote, err)
	}
	link := newPeerLink(c.opts.LocalID, remote, conn)
	if err := c.room.Add(link); err != nil {
		conn.Close()
		return nil, err
	}
	c.applyLocalTrackState(link)
	return link, nil
}

// applyLocalTrackState brings a fresh link in line with the current local
// mute toggles.
func (c *Coordinator) applyLocalTrackState(link *PeerLink) {
	if !c.audioOn {
		if err := link.SetTrackEnabled(TrackKindAudio, false); err != nil {
			slog.Debug("call: initial audio state", "peer", link.Remote(), "err", err)
		}
	}
	if !c.videoOn {
		if err := link.SetTrackEnabled(TrackKindVideo, false); err != nil {
			slog.Debug("call: initial video state", "peer", link.Remote(), "err", err)
		}
	}
}

func (c *Coordinator) callbacks(remote ParticipantID) ConnCallbacks {
	return ConnCallbacks{
		OnLocalCandidate: func(cand webrtc.ICECandidateInit) {
			c.post(evLocalCandidate{remote: remote, cand: cand})
		},
		OnStateChange: func(state webrtc.ICEConnectionState) {
			c.post(evICEState{remote: remote, state: state})
		},
		OnRemoteTrack: func(kind string, track *webrtc.TrackRemote) {
			c.post(evRemoteTrack{remote: remote, kind: kind, track: track})
		},
		OnControl: func(data []byte) {
			c.post(evControl{remote: remote, data: data})
		},
	}
}

func (c *Coordinator) handleSignal(msg *signaling.Message) {
	remote := ParticipantID(msg.From)

	// Ordering across senders is not guaranteed: an offer can race the
	// sender's own leave event. Unknown senders are dropped.
	if !c.tracker.Known(msg.From) {
		slog.Warn("call: signal from untracked participant", "type", msg.Type, "from", msg.From)
		return
	}

	switch msg.Type {
	case signaling.MessageTypeOffer:
		c.handleOffer(remote, msg.Payload)
	case signaling.MessageTypeAnswer:
		c.handleAnswer(remote, msg.Payload)
	case signaling.MessageTypeICE:
		c.handleCandidate(remote, msg.Payload)
	default:
		slog.Warn("call: unknown signal type", "type", msg.Type, "from", msg.From)
	}
}

func (c *Coordinator) handleOffer(remote ParticipantID, payload []byte) {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(payload, &desc); err != nil {
		slog.Warn("call: bad offer payload", "peer", remote, "err", err)
		return
	}

	if timer, ok := c.graceTimers[remote]; ok {
		timer.Stop()
		delete(c.graceTimers, remote)
	}

	link, ok := c.room.Link(remote)
	if ok && link.State() == LinkOffering {
		// Glare: both sides offered. The smaller id's offer wins; the larger
		// id closes its self-initiated attempt and answers.
		if remote < c.opts.LocalID {
			slog.Info("call: offer glare, yielding to smaller id", "peer", remote)
			c.closeLink(remote)
			ok = false
		} else {
			slog.Info("call: offer glare, keeping own offer", "peer", remote)
			return
		}
	}

	if !ok {
		var err error
		link, err = c.createLink(remote)
		if err != nil {
			slog.Warn("call: creating answering link", "peer", remote, "err", err)
			return
		}
	}

	answer, err := link.HandleOffer(desc)
	if err != nil {
		slog.Warn("call: handling offer", "peer", remote, "err", err)
		return
	}
	c.sendDescription(remote, signaling.MessageTypeAnswer, answer)
}

func (c *Coordinator) handleAnswer(remote ParticipantID, payload []byte) {
	link, ok := c.room.Link(remote)
	if !ok {
		slog.Warn("call: answer with no matching link", "peer", remote)
		return
	}

	var desc webrtc.SessionDescription
	if err := json.Unmarshal(payload, &desc); err != nil {
		slog.Warn("call: bad answer payload", "peer", remote, "err", err)
		return
	}
	if err := link.HandleAnswer(desc); err != nil {
		// Stale or replayed answers are logged and discarded, never fatal.
		slog.Warn("call: discarding answer", "peer", remote, "err", err)
		return
	}
	c.markConnected(remote)
}

func (c *Coordinator) handleCandidate(remote ParticipantID, payload []byte) {
	link, ok := c.room.Link(remote)
	if !ok {
		slog.Warn("call: candidate with no matching link", "peer", remote)
		return
	}

	var cand webrtc.ICECandidateInit
	if err := json.Unmarshal(payload, &cand); err != nil {
		slog.Warn("call: bad candidate payload", "peer", remote, "err", err)
		return
	}
	if err := link.AddCandidate(cand); err != nil {
		slog.Warn("call: adding candidate", "peer", remote, "err", err)
	}
}

func (c *Coordinator) handleICEState(remote ParticipantID, state webrtc.ICEConnectionState) {
	link, ok := c.room.Link(remote)
	if !ok {
		return
	}

	newState, changed := link.ApplyICEState(state)
	if !changed {
		return
	}
	switch newState {
	case LinkConnected:
		c.markConnected(remote)
	case LinkDisconnected:
		c.connectedPeers[remote] = false
		c.emit(Event{Kind: EventPeerDisconnected, Peer: remote})
	case LinkFailed:
		c.sup.OnLinkFailed(link)
	}
}

func (c *Coordinator) markConnected(remote ParticipantID) {
	if c.connectedPeers[remote] {
		return
	}
	c.connectedPeers[remote] = true
	c.emit(Event{Kind: EventPeerConnected, Peer: remote})
}

func (c *Coordinator) handleLocalCandidate(remote ParticipantID, cand webrtc.ICECandidateInit) {
	payload, err := json.Marshal(cand)
	if err != nil {
		return
	}
	c.send(&signaling.Message{
		Type:    signaling.MessageTypeICE,
		From:    string(c.opts.LocalID),
		To:      string(remote),
		Payload: payload,
	})
}

func (c *Coordinator) handleControl(remote ParticipantID, data []byte) {
	msg, err := control.Decode(data)
	if err != nil {
		slog.Warn("call: bad control frame", "peer", remote, "err", err)
		return
	}
	switch msg.Type {
	case control.TypeTrackState:
		c.emit(Event{Kind: EventPeerTrackState, Peer: remote, TrackKind: msg.Kind, Enabled: msg.Enabled})
	case control.TypeScreenShare:
		c.emit(Event{Kind: EventPeerScreenShare, Peer: remote, Enabled: msg.Enabled})
	}
}

func (c *Coordinator) applyTrackToggle(kind string, enabled bool) error {
	switch kind {
	case TrackKindAudio:
		c.audioOn = enabled
	case TrackKindVideo:
		c.videoOn = enabled
	default:
		return NewError("set track", "", ErrUnexpectedSignal)
	}

	frame, err := control.Encode(control.Message{Type: control.TypeTrackState, Kind: kind, Enabled: enabled})
	if err != nil {
		return err
	}
	// Per-link isolation: one link failing the toggle must not affect the
	// others.
	for _, link := range c.room.Links() {
		if link.State() == LinkClosed {
			continue
		}
		if kind == TrackKindVideo && c.sharing {
			// Screen share owns the video sender; only record the toggle.
		} else if err := link.SetTrackEnabled(kind, enabled); err != nil {
			slog.Warn("call: toggling track", "peer", link.Remote(), "kind", kind, "err", err)
		}
		if err := link.SendControl(frame); err != nil {
			slog.Debug("call: control send", "peer", link.Remote(), "err", err)
		}
	}
	return nil
}

func (c *Coordinator) applyScreenShare(track webrtc.TrackLocal) error {
	c.sharing = track != nil

	frame, err := control.Encode(control.Message{Type: control.TypeScreenShare, Enabled: c.sharing})
	if err != nil {
		return err
	}
	for _, link := range c.room.Links() {
		if link.State() == LinkClosed {
			continue
		}
		if c.sharing {
			if err := link.ReplaceVideoTrack(track); err != nil {
				slog.Warn("call: replacing video track", "peer", link.Remote(), "err", err)
			}
		} else {
			if err := link.SetTrackEnabled(TrackKindVideo, c.videoOn); err != nil {
				slog.Warn("call: restoring camera track", "peer", link.Remote(), "err", err)
			}
		}
		if err := link.SendControl(frame); err != nil {
			slog.Debug("call: control send", "peer", link.Remote(), "err", err)
		}
	}
	return nil
}

// closeLink closes and removes one link, if present.
func (c *Coordinator) closeLink(remote ParticipantID) {
	if timer, ok := c.graceTimers[remote]; ok {
		timer.Stop()
		delete(c.graceTimers, remote)
	}
	link, ok := c.room.Link(remote)
	if !ok {
		return
	}
	wasConnected := c.connectedPeers[remote]
	link.Close()
	c.room.Remove(remote)
	delete(c.connectedPeers, remote)
	if wasConnected {
		c.emit(Event{Kind: EventPeerDisconnected, Peer: remote})
	}
}

// sendDescription marshals and sends an SDP message, tolerating transport
// outages: a dropped offer during a transient disconnect is a no-op, healed
// by presence re-announcement after reconnect.
func (c *Coordinator) sendDescription(remote ParticipantID, msgType string, desc webrtc.SessionDescription) {
	payload, err := json.Marshal(desc)
	if err != nil {
		slog.Warn("call: marshaling description", "peer", remote, "err", err)
		return
	}
	c.send(&signaling.Message{
		Type:    msgType,
		From:    string(c.opts.LocalID),
		To:      string(remote),
		Payload: payload,
	})
}

func (c *Coordinator) send(msg *signaling.Message) {
	if err := c.transport.Send(msg); err != nil {
		slog.Debug("call: signal not delivered", "type", msg.Type, "to", msg.To, "err", err)
	}
}

func (c *Coordinator) announce() {
	meta := signaling.ParticipantMeta{
		DisplayName: c.opts.DisplayName,
		InCall:      c.inCall.Load(),
	}
	if err := c.transport.Announce(meta); err != nil {
		slog.Debug("call: presence announce not delivered", "err", err)
	}
}
