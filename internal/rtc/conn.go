// Package rtc provides the Pion-backed media connection used for each peer
// link: peer connection construction from config, shared capture tracks bound
// as RTP senders, and the negotiated control data channel.
package rtc

import (
	"fmt"
	"sync"

	pion "github.com/pion/webrtc/v4"

	"github.com/studyhall/meshcall/internal/call"
	"github.com/studyhall/meshcall/internal/config"
	"github.com/studyhall/meshcall/internal/utils"
)

const controlChannelLabel = "callctl"

// NewFactory returns a call.ConnFactory that builds one peer connection per
// remote participant, with the shared capture tracks attached. The media
// engine must carry the codecs of the capture pipeline; pass nil to use
// Pion's defaults.
func NewFactory(cfg *config.Config, engine *pion.MediaEngine, audio, video pion.TrackLocal) call.ConnFactory {
	api := pion.NewAPI()
	if engine != nil {
		api = pion.NewAPI(pion.WithMediaEngine(engine))
	}
	return func(remote call.ParticipantID, cb call.ConnCallbacks) (call.MediaConn, error) {
		return newConn(api, cfg, audio, video, cb)
	}
}

func newPeerConnection(api *pion.API, cfg *config.Config) (*pion.PeerConnection, error) {
	iceServers := []pion.ICEServer{{URLs: cfg.GetSTUNServers()}}

	turnServers := cfg.GetTURNServers()
	if turnServers != nil {
		username, password := cfg.GetTURNCredentials()
		iceServers = append(iceServers, pion.ICEServer{
			URLs:       turnServers,
			Username:   username,
			Credential: password,
		})
	}

	policy := pion.ICETransportPolicyAll
	if turnServers != nil && (cfg.ForceRelay || utils.ShouldForceRelay()) {
		policy = pion.ICETransportPolicyRelay
	}

	pc, err := api.NewPeerConnection(pion.Configuration{
		ICEServers:         iceServers,
		ICETransportPolicy: policy,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}
	return pc, nil
}

// Conn implements call.MediaConn on a Pion peer connection. Mute toggles and
// screen-share swaps go through RTPSender.ReplaceTrack, never through
// renegotiation.
type Conn struct {
	pc      *pion.PeerConnection
	control *pion.DataChannel

	mu          sync.Mutex
	audioTrack  pion.TrackLocal
	videoTrack  pion.TrackLocal
	audioSender *pion.RTPSender
	videoSender *pion.RTPSender
}

func newConn(api *pion.API, cfg *config.Config, audio, video pion.TrackLocal, cb call.ConnCallbacks) (*Conn, error) {
	pc, err := newPeerConnection(api, cfg)
	if err != nil {
		return nil, err
	}

	c := &Conn{pc: pc, audioTrack: audio, videoTrack: video}

	if audio != nil {
		c.audioSender, err = pc.AddTrack(audio)
		if err != nil {
			pc.Close()
			return nil, fmt.Errorf("failed to add audio track: %w", err)
		}
	}
	if video != nil {
		c.videoSender, err = pc.AddTrack(video)
		if err != nil {
			pc.Close()
			return nil, fmt.Errorf("failed to add video track: %w", err)
		}
	}

	// Negotiated channel: both sides create it with the same id, so it exists
	// regardless of which side offered.
	ordered := true
	negotiated := true
	id := uint16(0)
	c.control, err = pc.CreateDataChannel(controlChannelLabel, &pion.DataChannelInit{
		Ordered:    &ordered,
		Negotiated: &negotiated,
		ID:         &id,
	})
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("failed to create control channel: %w", err)
	}

	pc.OnICECandidate(func(cand *pion.ICECandidate) {
		if cand == nil {
			return
		}
		if cb.OnLocalCandidate != nil {
			cb.OnLocalCandidate(cand.ToJSON())
		}
	})
	pc.OnICEConnectionStateChange(func(state pion.ICEConnectionState) {
		if cb.OnStateChange != nil {
			cb.OnStateChange(state)
		}
	})
	pc.OnTrack(func(track *pion.TrackRemote, _ *pion.RTPReceiver) {
		if cb.OnRemoteTrack != nil {
			cb.OnRemoteTrack(track.Kind().String(), track)
		}
	})
	c.control.OnMessage(func(msg pion.DataChannelMessage) {
		if cb.OnControl != nil {
			cb.OnControl(msg.Data)
		}
	})

	return c, nil
}

func (c *Conn) CreateOffer(iceRestart bool) (pion.SessionDescription, error) {
	var opts *pion.OfferOptions
	if iceRestart {
		opts = &pion.OfferOptions{ICERestart: true}
	}

	offer, err := c.pc.CreateOffer(opts)
	if err != nil {
		return pion.SessionDescription{}, fmt.Errorf("failed to create offer: %w", err)
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return pion.SessionDescription{}, fmt.Errorf("failed to set local description: %w", err)
	}
	return *c.pc.LocalDescription(), nil
}

func (c *Conn) CreateAnswer() (pion.SessionDescription, error) {
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return pion.SessionDescription{}, fmt.Errorf("failed to create answer: %w", err)
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return pion.SessionDescription{}, fmt.Errorf("failed to set local description: %w", err)
	}
	return *c.pc.LocalDescription(), nil
}

func (c *Conn) SetRemoteDescription(desc pion.SessionDescription) error {
	return c.pc.SetRemoteDescription(desc)
}

func (c *Conn) AddICECandidate(cand pion.ICECandidateInit) error {
	return c.pc.AddICECandidate(cand)
}

// SetTrackEnabled rebinds or detaches the shared capture track on this
// connection's sender. Detaching stops outgoing media for this peer only; the
// capture pipeline itself keeps running.
func (c *Conn) SetTrackEnabled(kind string, enabled bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var sender *pion.RTPSender
	var track pion.TrackLocal
	switch kind {
	case call.TrackKindAudio:
		sender, track = c.audioSender, c.audioTrack
	case call.TrackKindVideo:
		sender, track = c.videoSender, c.videoTrack
	default:
		return fmt.Errorf("unknown track kind %q", kind)
	}
	if sender == nil {
		return fmt.Errorf("no %s sender on connection", kind)
	}

	if !enabled {
		track = nil
	}
	return sender.ReplaceTrack(track)
}

func (c *Conn) ReplaceVideoTrack(track pion.TrackLocal) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.videoSender == nil {
		return fmt.Errorf("no video sender on connection")
	}
	return c.videoSender.ReplaceTrack(track)
}

func (c *Conn) SendControl(data []byte) error {
	if c.control.ReadyState() != pion.DataChannelStateOpen {
		return fmt.Errorf("control channel not open")
	}
	return c.control.Send(data)
}

func (c *Conn) Close() error {
	return c.pc.Close()
}
