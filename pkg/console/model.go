// Package console is the operator's terminal view of the capture
// client: connection status, streaming toggle, session toggle, and the
// latest pose per stream.
package console

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"

	"github.com/hai0ri/WEBXR-To-OSC/pkg/engine"
	"github.com/hai0ri/WEBXR-To-OSC/pkg/pose"
)

// Controls are the actions the operator can trigger.
type Controls struct {
	SetStreaming func(enabled bool)
	// SetImmersive starts or ends the immersive session.
	SetImmersive func(immersive bool) error
}

type Model struct {
	controls  Controls
	events    <-chan engine.Event
	sessionID string
	endpoint  string

	status    string
	streaming bool
	immersive bool
	samples   map[pose.StreamID]pose.Sample
	lastErr   string
	quitting  bool
}

type eventMsg engine.Event

type hubClosedMsg struct{}

// NewModel builds the console. events is normally a hub subscription.
func NewModel(events <-chan engine.Event, endpoint string, streaming bool, controls Controls) Model {
	return Model{
		controls:  controls,
		events:    events,
		sessionID: uuid.NewString()[:8],
		endpoint:  endpoint,
		status:    "Connecting",
		streaming: streaming,
		samples:   make(map[pose.StreamID]pose.Sample, len(pose.Streams)),
	}
}

func (m Model) Init() tea.Cmd {
	return waitForEvent(m.events)
}

func waitForEvent(ch <-chan engine.Event) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-ch
		if !ok {
			return hubClosedMsg{}
		}
		return eventMsg(ev)
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)
	case eventMsg:
		m.apply(engine.Event(msg))
		return m, waitForEvent(m.events)
	case hubClosedMsg:
		m.quitting = true
		return m, tea.Quit
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c", "esc":
		m.quitting = true
		return m, tea.Quit
	case "s":
		m.streaming = !m.streaming
		if m.controls.SetStreaming != nil {
			m.controls.SetStreaming(m.streaming)
		}
	case "v":
		next := !m.immersive
		if m.controls.SetImmersive != nil {
			if err := m.controls.SetImmersive(next); err != nil {
				m.lastErr = err.Error()
				return m, nil
			}
		}
		m.immersive = next
		m.lastErr = ""
	}
	return m, nil
}

func (m *Model) apply(ev engine.Event) {
	switch ev.Kind {
	case engine.EventTransport:
		m.status = ev.Status
	case engine.EventStreaming:
		m.streaming = ev.Enabled
	case engine.EventSession:
		m.immersive = ev.Enabled
	case engine.EventSamples:
		for _, s := range ev.Samples {
			m.samples[s.Stream] = s
		}
	}
}

func (m Model) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	fmt.Fprintf(&b, "WebXR to OSC  session %s\n\n", m.sessionID)
	fmt.Fprintf(&b, "Relay      %s  %s\n", m.endpoint, m.status)
	fmt.Fprintf(&b, "Streaming  %s\n", onOff(m.streaming))
	mode := "idle"
	if m.immersive {
		mode = "immersive"
	}
	fmt.Fprintf(&b, "Mode       %s\n\n", mode)

	fmt.Fprintf(&b, "%-12s %8s %8s %8s %8s %8s %8s  %s\n", "STREAM", "x", "y", "z", "yaw", "pitch", "roll", "button")
	for _, id := range pose.Streams {
		s, seen := m.samples[id]
		b.WriteString(formatRow(id, s, seen))
	}

	if m.lastErr != "" {
		fmt.Fprintf(&b, "\nerror: %s\n", m.lastErr)
	}
	b.WriteString("\n[s] streaming  [v] immersive session  [q] quit\n")
	return b.String()
}

func formatRow(id pose.StreamID, s pose.Sample, seen bool) string {
	button := ""
	if id.IsController() {
		button = "Released"
		if seen && s.Pressed && !s.Absent {
			button = "Pressed"
		}
	}
	if !seen || s.Absent {
		return fmt.Sprintf("%-12s %8s %8s %8s %8s %8s %8s  %s\n", id.String(), "-", "-", "-", "-", "-", "-", button)
	}
	e := s.Euler()
	return fmt.Sprintf("%-12s %8.3f %8.3f %8.3f %8.1f %8.1f %8.1f  %s\n",
		id.String(), s.Position[0], s.Position[1], s.Position[2], e.Yaw, e.Pitch, e.Roll, button)
}

func onOff(v bool) string {
	if v {
		return "ON"
	}
	return "OFF"
}
