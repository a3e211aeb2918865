package call

import (
	"log/slog"

	"github.com/studyhall/meshcall/internal/signaling"
)

// Supervisor owns recovery policy: ICE restarts on failed links, full
// teardown-and-recreate when restarts are exhausted, and reconciliation after
// a signaling transport outage. Its methods run on the coordinator's event
// loop, never concurrently.
type Supervisor struct {
	c           *Coordinator
	maxRestarts int
}

func NewSupervisor(c *Coordinator, maxRestarts int) *Supervisor {
	return &Supervisor{c: c, maxRestarts: maxRestarts}
}

// OnLinkFailed handles a link entering Failed. The offer initiator attempts a
// bounded number of ICE restarts; the answering side, and an initiator out of
// restart budget, fall back to tearing the link down and re-running the
// initiation policy from scratch.
func (s *Supervisor) OnLinkFailed(link *PeerLink) {
	remote := link.Remote()
	s.c.connectedPeers[remote] = false
	s.c.emit(Event{Kind: EventPeerDisconnected, Peer: remote})

	if link.Initiator() && link.Restarts() < s.maxRestarts {
		if err := s.restart(link); err == nil {
			return
		}
	}
	s.recreate(remote)
}

func (s *Supervisor) restart(link *PeerLink) error {
	remote := link.Remote()
	link.noteRestart()
	slog.Info("call: ice restart", "peer", remote, "attempt", link.Restarts())

	offer, err := link.StartOffer(true)
	if err != nil {
		slog.Warn("call: ice restart failed", "peer", remote, "err", NewError("restart", remote, ErrRestartFailed))
		return err
	}
	s.c.sendDescription(remote, signaling.MessageTypeOffer, offer)
	return nil
}

// recreate tears the link down and, if the peer is still tracked as in-call,
// re-runs the initiation policy to build a fresh one.
func (s *Supervisor) recreate(remote ParticipantID) {
	s.c.closeLink(remote)
	if !s.c.inCall.Load() {
		return
	}
	for _, id := range s.c.tracker.InCall() {
		if ParticipantID(id) == remote {
			slog.Info("call: recreating failed link", "peer", remote)
			s.c.maybeInitiate(remote)
			return
		}
	}
}

// OnTransportState reacts to the signaling transport going down or coming
// back. Established peer links keep flowing through an outage; only new link
// creation is suspended. On recovery, presence is re-announced and in-call
// peers without a live link are picked up again.
func (s *Supervisor) OnTransportState(up bool) {
	if !up {
		s.c.suspended = true
		s.c.emit(Event{Kind: EventTransportDown})
		return
	}

	s.c.suspended = false
	s.c.emit(Event{Kind: EventTransportUp})
	if !s.c.inCall.Load() {
		return
	}
	s.c.announce()
	for _, id := range s.c.tracker.InCall() {
		s.c.maybeInitiate(ParticipantID(id))
	}
}
