package ui

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
)

// Action is a key-driven user intent emitted by the call view.
type Action int

const (
	ActionToggleAudio Action = iota
	ActionToggleVideo
	ActionToggleShare
	ActionLeave
)

// PeerRow is the rendered state of one remote participant.
type PeerRow struct {
	ID        string
	Name      string
	Connected bool
	AudioOn   bool
	VideoOn   bool
	Sharing   bool
}

type selfState struct {
	audioOn bool
	videoOn bool
	sharing bool
}

type callUpdate struct {
	status     *string
	peer       *PeerRow
	removePeer string
	self       *selfState
	transport  *bool
}

// CallUI renders the live in-call view and surfaces key presses as Actions.
type CallUI struct {
	program    *tea.Program
	model      *callModel
	updateChan chan callUpdate
	actions    chan Action
	wg         sync.WaitGroup
}

// NewCallUI creates the call view for one room.
func NewCallUI(roomID, selfName string) *CallUI {
	updateChan := make(chan callUpdate, 100)
	actions := make(chan Action, 16)

	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = SpinnerStyle

	model := &callModel{
		roomID:     roomID,
		selfName:   selfName,
		status:     "Connecting...",
		spinner:    s,
		peers:      make(map[string]PeerRow),
		self:       selfState{audioOn: true, videoOn: true},
		transport:  true,
		updateChan: updateChan,
		actions:    actions,
		startTime:  time.Now(),
	}

	return &CallUI{
		model:      model,
		updateChan: updateChan,
		actions:    actions,
	}
}

// Start runs the UI in a goroutine. Inline mode keeps previous terminal
// output visible.
func (ui *CallUI) Start() {
	ui.wg.Add(1)
	go func() {
		defer ui.wg.Done()
		ui.program = tea.NewProgram(ui.model)
		if _, err := ui.program.Run(); err != nil {
			fmt.Printf("UI error: %v\n", err)
		}
	}()
}

// Actions returns the channel of user intents.
func (ui *CallUI) Actions() <-chan Action {
	return ui.actions
}

// SetStatus sets the status line.
func (ui *CallUI) SetStatus(status string) {
	ui.push(callUpdate{status: &status})
}

// UpsertPeer adds or updates one remote participant row.
func (ui *CallUI) UpsertPeer(row PeerRow) {
	ui.push(callUpdate{peer: &row})
}

// RemovePeer drops one remote participant row.
func (ui *CallUI) RemovePeer(id string) {
	ui.push(callUpdate{removePeer: id})
}

// SetSelf updates the local toggle indicators.
func (ui *CallUI) SetSelf(audioOn, videoOn, sharing bool) {
	ui.push(callUpdate{self: &selfState{audioOn: audioOn, videoOn: videoOn, sharing: sharing}})
}

// SetTransport updates the signaling connectivity indicator.
func (ui *CallUI) SetTransport(up bool) {
	ui.push(callUpdate{transport: &up})
}

func (ui *CallUI) push(u callUpdate) {
	select {
	case ui.updateChan <- u:
	default:
	}
}

// Stop shuts the UI down and waits for the terminal to be restored.
func (ui *CallUI) Stop() {
	if ui.program != nil {
		ui.program.Quit()
	}
	ui.wg.Wait()
}

// callModel is the bubbletea model behind CallUI.
type callModel struct {
	roomID   string
	selfName string

	status    string
	spinner   spinner.Model
	peers     map[string]PeerRow
	self      selfState
	transport bool
	startTime time.Time

	updateChan chan callUpdate
	actions    chan Action

	mu       sync.RWMutex
	quitting bool
}

func (m *callModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.listenForUpdates())
}

func (m *callModel) listenForUpdates() tea.Cmd {
	return func() tea.Msg {
		return <-m.updateChan
	}
}

func (m *callModel) emitAction(a Action) {
	select {
	case m.actions <- a:
	default:
	}
}

func (m *callModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "m":
			m.emitAction(ActionToggleAudio)
		case "v":
			m.emitAction(ActionToggleVideo)
		case "s":
			m.emitAction(ActionToggleShare)
		case "q", "ctrl+c":
			m.mu.Lock()
			m.status = "Leaving..."
			m.quitting = true
			m.mu.Unlock()
			m.emitAction(ActionLeave)
		}

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)

	case callUpdate:
		m.mu.Lock()
		if msg.status != nil {
			m.status = *msg.status
		}
		if msg.peer != nil {
			m.peers[msg.peer.ID] = *msg.peer
		}
		if msg.removePeer != "" {
			delete(m.peers, msg.removePeer)
		}
		if msg.self != nil {
			m.self = *msg.self
		}
		if msg.transport != nil {
			m.transport = *msg.transport
		}
		m.mu.Unlock()
		cmds = append(cmds, m.listenForUpdates())
	}

	return m, tea.Batch(cmds...)
}

func (m *callModel) View() string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.quitting {
		return ""
	}

	var b strings.Builder

	b.WriteString(fmt.Sprintf("\n%s In call · room %s\n\n", IconCall, BoldStyle.Render(m.roomID)))

	if !m.transport {
		b.WriteString(WarningStyle.Render(IconWarning+" Signaling connection lost, reconnecting...") + "\n\n")
	}

	b.WriteString(fmt.Sprintf("%s %s\n\n", m.spinner.View(), m.status))

	// Self row
	b.WriteString(fmt.Sprintf("  %s %s %s\n", IconPeer,
		BoldStyle.Render(m.selfName+" (you)"), selfIndicators(m.self)))

	// Peers sorted by id for a stable layout
	ids := make([]string, 0, len(m.peers))
	for id := range m.peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		peer := m.peers[id]
		icon := IconWaiting
		nameStyle := MutedStyle
		if peer.Connected {
			icon = IconConnect
			nameStyle = SuccessStyle
		}
		b.WriteString(fmt.Sprintf("  %s %s %s\n", icon,
			nameStyle.Render(peer.Name), peerIndicators(peer)))
	}

	elapsed := time.Since(m.startTime).Round(time.Second)
	b.WriteString("\n" + MutedStyle.Render(
		fmt.Sprintf("%s · m mute · v video · s share · q leave", elapsed)))

	return b.String()
}

func selfIndicators(s selfState) string {
	var parts []string
	if !s.audioOn {
		parts = append(parts, IconMicMuted)
	}
	if !s.videoOn {
		parts = append(parts, IconCameraOff)
	}
	if s.sharing {
		parts = append(parts, IconScreen)
	}
	return strings.Join(parts, " ")
}

func peerIndicators(p PeerRow) string {
	var parts []string
	if !p.AudioOn {
		parts = append(parts, IconMicMuted)
	}
	if !p.VideoOn {
		parts = append(parts, IconCameraOff)
	}
	if p.Sharing {
		parts = append(parts, IconScreen)
	}
	return strings.Join(parts, " ")
}
