package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/studyhall/meshcall/internal/call"
	"github.com/studyhall/meshcall/internal/config"
	"github.com/studyhall/meshcall/internal/media"
	"github.com/studyhall/meshcall/internal/presence"
	"github.com/studyhall/meshcall/internal/rtc"
	"github.com/studyhall/meshcall/internal/signaling"
	"github.com/studyhall/meshcall/internal/ui"
)

var (
	flagName     string
	flagDomain   string
	flagServer   string
	flagSTUN     string
	flagTURN     string
	flagTURNUser string
	flagTURNPass string
	flagRelay    bool
	flagGrace    time.Duration
)

var joinCmd = &cobra.Command{
	Use:     "join <room-id>",
	Aliases: []string{"j"},
	Short:   "Join a call in a room",
	Long: `Join a room and enter the group call. Media flows directly between
participants; the relay only carries signaling and presence.

Examples:
  meshcall join standup --name alice
  meshcall join standup --server ws://localhost:8080/ws
  meshcall join standup --relay --turn turn:turn.example.com`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return joinRoom(args[0])
	},
}

func joinRoom(roomID string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	name := flagName
	if name == "" {
		name = "anonymous"
	}
	selfID := uuid.NewString()

	spin := ui.NewWaitingSpinner("Opening camera and microphone...")
	spin.Start()
	capture, err := media.Open()
	if err != nil {
		spin.Error("Media capture failed")
		if errors.Is(err, call.ErrCaptureDenied) {
			return fmt.Errorf("cannot join without camera and microphone access: %w", err)
		}
		return err
	}
	defer capture.Close()
	spin.Stop()

	spin = ui.NewConnectionSpinner("Connecting to signaling relay...")
	spin.Start()
	client := signaling.NewClient(cfg.WebSocketURL, roomID, selfID, signaling.ParticipantMeta{
		DisplayName: name,
	})
	if err := client.Connect(); err != nil {
		spin.Error("Connection failed")
		return err
	}
	defer client.Close()
	spin.Success("Connected to " + cfg.WebSocketURL)

	factory := rtc.NewFactory(cfg, capture.Engine(), capture.AudioTrack(), capture.VideoTrack())
	coord := call.NewCoordinator(call.Options{
		LocalID:     call.ParticipantID(selfID),
		DisplayName: name,
		OfferGrace:  cfg.OfferGrace,
	}, client, factory, capture)
	defer coord.Close()

	// The relay answers every join with a membership snapshot; wait for it so
	// the tracker is warm before entering the call.
	first, err := awaitFirstSync(client)
	if err != nil {
		return err
	}
	coord.HandleSnapshot(toPresence(first))
	displayRoster(roomID, selfID, name, first)

	if err := coord.JoinCall(); err != nil {
		return err
	}

	callUI := ui.NewCallUI(roomID, name)
	callUI.Start()
	runCallLoop(client, coord, capture, callUI)
	callUI.Stop()

	ui.PrintSuccessf("Left the call %s", ui.IconLeave)
	return nil
}

func awaitFirstSync(client *signaling.Client) (signaling.Snapshot, error) {
	select {
	case snap := <-client.Syncs():
		return snap, nil
	case <-time.After(15 * time.Second):
		return nil, fmt.Errorf("timed out waiting for room snapshot")
	}
}

// runCallLoop pumps signaling, coordinator events, and key actions until the
// user leaves.
func runCallLoop(client *signaling.Client, coord *call.Coordinator, capture *media.Capture, callUI *ui.CallUI) {
	names := make(map[string]string)
	rows := make(map[string]ui.PeerRow)
	audioOn, videoOn, sharing := true, true, false
	callUI.SetStatus("Waiting for peers...")

	for {
		select {
		case msg := <-client.Signals():
			coord.HandleSignal(msg)

		case snap := <-client.Syncs():
			coord.HandleSnapshot(toPresence(snap))
			syncRows(snap, coord, names, rows, callUI)

		case up := <-client.States():
			coord.HandleTransportState(up)
			callUI.SetTransport(up)

		case ev := <-coord.Events():
			applyEvent(ev, names, rows, callUI)

		case action := <-callUI.Actions():
			switch action {
			case ui.ActionToggleAudio:
				audioOn = !audioOn
				if err := coord.SetTrackEnabled(call.TrackKindAudio, audioOn); err != nil {
					callUI.SetStatus(ui.FormatError(err))
					audioOn = !audioOn
				}
			case ui.ActionToggleVideo:
				videoOn = !videoOn
				if err := coord.SetTrackEnabled(call.TrackKindVideo, videoOn); err != nil {
					callUI.SetStatus(ui.FormatError(err))
					videoOn = !videoOn
				}
			case ui.ActionToggleShare:
				if err := toggleShare(coord, capture, &sharing); err != nil {
					callUI.SetStatus(ui.FormatError(err))
				}
			case ui.ActionLeave:
				coord.LeaveCall()
				return
			}
			callUI.SetSelf(audioOn, videoOn, sharing)
		}
	}
}

func toggleShare(coord *call.Coordinator, capture *media.Capture, sharing *bool) error {
	if *sharing {
		if err := coord.StopScreenShare(); err != nil {
			return err
		}
		capture.CloseScreen()
		*sharing = false
		return nil
	}

	track, err := capture.OpenScreen()
	if err != nil {
		return err
	}
	if err := coord.StartScreenShare(track); err != nil {
		capture.CloseScreen()
		return err
	}
	*sharing = true
	return nil
}

// syncRows reconciles the UI peer list with a membership snapshot: in-call
// participants get a row, everyone else loses theirs.
func syncRows(snap signaling.Snapshot, coord *call.Coordinator, names map[string]string, rows map[string]ui.PeerRow, callUI *ui.CallUI) {
	selfID := string(coord.Room().LocalID())

	for id, meta := range snap {
		names[id] = meta.DisplayName
	}
	for id := range rows {
		meta, ok := snap[id]
		if !ok || !meta.InCall {
			delete(rows, id)
			callUI.RemovePeer(id)
		}
	}
	for id, meta := range snap {
		if id == selfID || !meta.InCall {
			continue
		}
		if _, ok := rows[id]; !ok {
			row := ui.PeerRow{ID: id, Name: meta.DisplayName, AudioOn: true, VideoOn: true}
			rows[id] = row
			callUI.UpsertPeer(row)
		}
	}
}

func applyEvent(ev call.Event, names map[string]string, rows map[string]ui.PeerRow, callUI *ui.CallUI) {
	id := string(ev.Peer)
	row, ok := rows[id]
	if !ok && ev.Peer != "" {
		row = ui.PeerRow{ID: id, Name: names[id], AudioOn: true, VideoOn: true}
	}

	switch ev.Kind {
	case call.EventPeerConnected:
		row.Connected = true
		rows[id] = row
		callUI.UpsertPeer(row)
		callUI.SetStatus(fmt.Sprintf("%s joined", displayName(names, id)))
	case call.EventPeerDisconnected:
		row.Connected = false
		rows[id] = row
		callUI.UpsertPeer(row)
		callUI.SetStatus(fmt.Sprintf("%s disconnected", displayName(names, id)))
	case call.EventPeerTrackState:
		switch ev.TrackKind {
		case call.TrackKindAudio:
			row.AudioOn = ev.Enabled
		case call.TrackKindVideo:
			row.VideoOn = ev.Enabled
		}
		rows[id] = row
		callUI.UpsertPeer(row)
	case call.EventPeerScreenShare:
		row.Sharing = ev.Enabled
		rows[id] = row
		callUI.UpsertPeer(row)
	case call.EventTransportDown:
		callUI.SetTransport(false)
	case call.EventTransportUp:
		callUI.SetTransport(true)
	case call.EventJoinedCall:
		callUI.SetStatus("In call")
	}
}

func displayName(names map[string]string, id string) string {
	if name := names[id]; name != "" {
		return name
	}
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func displayRoster(roomID, selfID, selfName string, snap signaling.Snapshot) {
	rows := make([]ui.RosterRow, 0, len(snap)+1)
	rows = append(rows, ui.RosterRow{ID: selfID, Name: selfName, Self: true})
	for id, meta := range snap {
		if id == selfID {
			continue
		}
		rows = append(rows, ui.RosterRow{ID: id, Name: meta.DisplayName, InCall: meta.InCall})
	}
	ui.RenderRoster(roomID, rows)
}

func toPresence(snap signaling.Snapshot) map[string]presence.Metadata {
	out := make(map[string]presence.Metadata, len(snap))
	for id, meta := range snap {
		out[id] = presence.Metadata{DisplayName: meta.DisplayName, InCall: meta.InCall}
	}
	return out
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(config.Options{
		Domain:     flagDomain,
		ServerURL:  flagServer,
		STUNServer: flagSTUN,
		TURNServer: flagTURN,
		TURNUser:   flagTURNUser,
		TURNPass:   flagTURNPass,
		ForceRelay: flagRelay,
		OfferGrace: flagGrace,
	})
	if err != nil {
		return nil, err
	}

	if cfg.ForceRelay && cfg.GetTURNServers() == nil {
		return nil, fmt.Errorf("cannot force relay mode without TURN server configured")
	}
	return cfg, nil
}

func init() {
	rootCmd.AddCommand(joinCmd)

	joinCmd.Flags().StringVarP(&flagName, "name", "n", "", "Display name shown to other participants")
	joinCmd.Flags().StringVarP(&flagDomain, "domain", "d", "", "Custom relay domain")
	joinCmd.Flags().StringVar(&flagServer, "server", "", "Full relay WebSocket URL (overrides domain)")
	joinCmd.Flags().StringVarP(&flagSTUN, "stun", "s", "", "Custom STUN server")
	joinCmd.Flags().StringVarP(&flagTURN, "turn", "t", "", "Custom TURN server")
	joinCmd.Flags().StringVarP(&flagTURNUser, "turn-user", "u", "", "TURN username")
	joinCmd.Flags().StringVarP(&flagTURNPass, "turn-pass", "p", "", "TURN password")
	joinCmd.Flags().BoolVarP(&flagRelay, "relay", "r", false, "Force relay mode")
	joinCmd.Flags().DurationVar(&flagGrace, "grace", 0, "How long to wait for a peer's offer before offering (e.g. 2s)")
}
