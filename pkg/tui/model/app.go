// Package model is the Bubble Tea model behind "mediagent watch".
package model

import (
	"context"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/modoterra/mediagent/pkg/core"
	"github.com/modoterra/mediagent/pkg/transport/uds"
)

// Pane identifies which pane is focused.
type Pane int

const (
	PaneList Pane = iota
	PaneDetail
	PaneEvents
)

// Mode identifies the current interaction mode.
type Mode int

const (
	ModeNormal Mode = iota
	ModeFilter
)

const maxEvents = 500

// Event is one state change shown in the events pane.
type Event struct {
	At     time.Time
	Status core.PipelineStatus
}

// App is the root Bubble Tea model.
type App struct {
	// Connection
	client     *uds.Client
	socketPath string
	connected  bool
	updates    chan core.PipelineStatus

	// State
	identifier  string
	version     string
	backend     string
	pipelines   []core.PipelineStatus
	selectedIdx int
	events      []Event
	paused      bool

	// UI
	activePane Pane
	mode       Mode
	filter     textinput.Model
	width      int
	height     int
	statusMsg  string
	now        func() time.Time
}

// New creates the model for the daemon listening on socketPath.
func New(socketPath string) App {
	fi := textinput.New()
	fi.Placeholder = "filter..."
	fi.CharLimit = 64

	return App{
		socketPath: socketPath,
		updates:    make(chan core.PipelineStatus, 64),
		filter:     fi,
		activePane: PaneList,
		mode:       ModeNormal,
		now:        time.Now,
	}
}

// Init connects to the daemon.
func (a App) Init() tea.Cmd {
	return tea.Batch(
		connectCmd(a.socketPath),
		tea.SetWindowTitle("mediagent"),
	)
}

type tickMsg time.Time

type connectedMsg struct{ client *uds.Client }

type snapshotMsg uds.StatusResponse

type pipelineMsg core.PipelineStatus

type disconnectedMsg struct{}

type errorMsg struct{ err error }

func connectCmd(socketPath string) tea.Cmd {
	return func() tea.Msg {
		client, err := uds.Dial(socketPath)
		if err != nil {
			return errorMsg{err}
		}
		return connectedMsg{client}
	}
}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func fetchStatusCmd(client *uds.Client) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		resp, err := client.Status(ctx)
		if err != nil {
			return errorMsg{err}
		}
		return snapshotMsg(resp)
	}
}

// waitForUpdate delivers the next pushed pipeline change, or notices the
// connection going away.
func waitForUpdate(client *uds.Client, updates <-chan core.PipelineStatus) tea.Cmd {
	return func() tea.Msg {
		select {
		case st := <-updates:
			return pipelineMsg(st)
		case <-client.Done():
			return disconnectedMsg{}
		}
	}
}

// Update handles messages.
func (a App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		return a, nil

	case connectedMsg:
		a.client = msg.client
		a.connected = true
		a.statusMsg = "connected to " + a.socketPath

		updates := a.updates
		a.client.OnEvent(func(m uds.Message) {
			if m.Method != uds.EventPipelineState {
				return
			}
			var st core.PipelineStatus
			if m.Decode(&st) != nil {
				return
			}
			select {
			case updates <- st:
			default:
			}
		})
		return a, tea.Batch(tickCmd(), fetchStatusCmd(a.client), waitForUpdate(a.client, a.updates))

	case tickMsg:
		if a.client != nil && a.connected {
			return a, tea.Batch(tickCmd(), fetchStatusCmd(a.client))
		}
		return a, tickCmd()

	case snapshotMsg:
		a.identifier = msg.Identifier
		a.version = msg.Version
		a.backend = msg.Backend
		a.pipelines = msg.Pipelines
		a.clampSelection()
		return a, nil

	case pipelineMsg:
		a.apply(core.PipelineStatus(msg))
		var next tea.Cmd
		if a.client != nil {
			next = waitForUpdate(a.client, a.updates)
		}
		return a, next

	case disconnectedMsg:
		a.connected = false
		a.statusMsg = "daemon went away"
		return a, nil

	case errorMsg:
		a.statusMsg = "error: " + msg.err.Error()
		return a, nil

	case tea.KeyMsg:
		return a.handleKey(msg)
	}

	return a, nil
}

// apply merges a pushed status into the list and records it as an event.
func (a *App) apply(st core.PipelineStatus) {
	replaced := false
	for i := range a.pipelines {
		if a.pipelines[i].Name == st.Name {
			a.pipelines[i] = st
			replaced = true
			break
		}
	}
	if !replaced {
		a.pipelines = append(a.pipelines, st)
	}
	if a.paused {
		return
	}
	if n := len(a.events); n > 0 && a.events[n-1].Status.Name == st.Name && a.events[n-1].Status.State == st.State {
		// Checkpoint and upload counter updates.
		a.events[n-1].Status = st
		return
	}
	a.events = append(a.events, Event{At: a.now(), Status: st})
	if len(a.events) > maxEvents {
		a.events = a.events[len(a.events)-maxEvents:]
	}
}

func (a App) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if a.mode == ModeFilter {
		switch msg.String() {
		case "esc":
			a.mode = ModeNormal
			a.filter.SetValue("")
			a.filter.Blur()
			a.clampSelection()
			return a, nil
		case "enter":
			a.mode = ModeNormal
			a.filter.Blur()
			a.clampSelection()
			return a, nil
		default:
			var cmd tea.Cmd
			a.filter, cmd = a.filter.Update(msg)
			a.clampSelection()
			return a, cmd
		}
	}

	switch msg.String() {
	case "q", "ctrl+c":
		if a.client != nil {
			a.client.Close()
		}
		return a, tea.Quit

	case "j", "down":
		if a.activePane == PaneList {
			a.selectedIdx = min(a.selectedIdx+1, max(0, len(a.filtered())-1))
		}
	case "k", "up":
		if a.activePane == PaneList && a.selectedIdx > 0 {
			a.selectedIdx--
		}

	case "tab":
		a.activePane = (a.activePane + 1) % 3

	case "/":
		a.mode = ModeFilter
		a.filter.Focus()
		return a, textinput.Blink

	case "r":
		if a.client == nil || !a.connected {
			a.statusMsg = "reconnecting..."
			return a, connectCmd(a.socketPath)
		}
		return a, fetchStatusCmd(a.client)

	case "e":
		a.activePane = PaneEvents

	case " ":
		if a.activePane == PaneEvents {
			a.paused = !a.paused
		}

	case "c":
		if a.activePane == PaneEvents {
			a.events = nil
		}
	}

	return a, nil
}

func (a *App) clampSelection() {
	if n := len(a.filtered()); a.selectedIdx >= n {
		a.selectedIdx = max(0, n-1)
	}
}

func (a App) filtered() []core.PipelineStatus {
	q := strings.ToLower(a.filter.Value())
	if q == "" {
		return a.pipelines
	}
	var out []core.PipelineStatus
	for _, p := range a.pipelines {
		if strings.Contains(string(p.Name), q) ||
			strings.Contains(strings.ToLower(p.Topic), q) ||
			strings.Contains(string(p.State), q) {
			out = append(out, p)
		}
	}
	return out
}

func (a App) selected() *core.PipelineStatus {
	items := a.filtered()
	if a.selectedIdx < len(items) {
		return &items[a.selectedIdx]
	}
	return nil
}
