// ABOUTME: Bubbletea model for the ScorePlayer TUI
// ABOUTME: Shows session and playback state and maps keys to transport controls
package ui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/decibel/scoreplayer-go/internal/monitor"
)

// seekStep is how far the arrow keys move, in seconds of score time
const seekStep = 5

// Controls is what the keys drive. *player.Core satisfies it.
type Controls interface {
	Play()
	Pause()
	Reset()
	SeekTo(location float64)
	MakePrimary()
}

// Model represents the TUI state
type Model struct {
	controls Controls

	snap      monitor.Snapshot
	awaiting  bool
	lastError string

	showDebug bool
	quitting  bool
	quitChan  chan struct{}

	width  int
	height int
}

// StatusMsg carries a fresh snapshot
type StatusMsg monitor.Snapshot

// AwaitingMsg reports that the device lost or regained its primary
type AwaitingMsg bool

// ErrorMsg reports a network error to show in the footer
type ErrorMsg struct {
	Err error
}

type tickMsg time.Time

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205")).MarginBottom(1)
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86"))
	valueStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("250"))
	listStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("220"))
	warnStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
	helpStyle   = lipgloss.NewStyle().Faint(true)
)

// Init initializes the model
func (m Model) Init() tea.Cmd {
	return tickEvery()
}

func tickEvery() tea.Cmd {
	return tea.Tick(100*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
	case StatusMsg:
		m.snap = monitor.Snapshot(msg)
		m.awaiting = m.snap.Playback.AwaitingNetwork
	case AwaitingMsg:
		m.awaiting = bool(msg)
	case ErrorMsg:
		if msg.Err != nil {
			m.lastError = msg.Err.Error()
		}
	case tickMsg:
		return m, tickEvery()
	}

	return m, nil
}

// View renders the TUI
func (m Model) View() string {
	if m.quitting {
		return "Shutting down...\n"
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render("ScorePlayer"))
	b.WriteString("\n\n")

	b.WriteString(m.renderSession())
	b.WriteString("\n")
	b.WriteString(m.renderPlayback())
	b.WriteString("\n")
	b.WriteString(m.renderPeers())

	if m.showDebug {
		b.WriteString("\n")
		b.WriteString(m.renderDebug())
	}
	if m.lastError != "" {
		b.WriteString("\n")
		b.WriteString(warnStyle.Render("Error: " + truncate(m.lastError, 70)))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(helpStyle.Render("space:Play/Pause  r:Reset  ←/→:Seek  p:Make primary  d:Debug  q:Quit"))
	return b.String()
}

func field(b *strings.Builder, name, value string) {
	b.WriteString(headerStyle.Render(name + ": "))
	b.WriteString(valueStyle.Render(value))
	b.WriteString("\n")
}

// renderSession renders role, name and clock status
func (m Model) renderSession() string {
	var b strings.Builder
	s := m.snap

	role := s.Role
	if role == "" {
		role = "standalone"
	}
	switch {
	case role == "secondary" && s.Upstream != "":
		role = fmt.Sprintf("secondary of %s", s.Upstream)
	case role == "primary" && s.Advertised != "":
		role = fmt.Sprintf("primary as %q", s.Advertised)
	}
	field(&b, "Device", s.Device)
	field(&b, "Role", role)
	if s.Port > 0 {
		field(&b, "Port", fmt.Sprintf("%d", s.Port))
	}

	if s.Clock != nil {
		clock := fmt.Sprintf("%s (offset: %+.1fms, rtt: %.1fms)",
			s.Clock.Quality, float64(s.Clock.OffsetUs)/1000.0, float64(s.Clock.RTTUs)/1000.0)
		field(&b, "Clock", clock)
	}
	if m.awaiting {
		b.WriteString(warnStyle.Render("Waiting for the primary, playing unsynced"))
		b.WriteString("\n")
	}
	return b.String()
}

// renderPlayback renders the score, state and progress bar
func (m Model) renderPlayback() string {
	var b strings.Builder
	p := m.snap.Playback

	if !p.Loaded {
		field(&b, "Score", "none loaded")
		return b.String()
	}
	field(&b, "Score", truncate(p.Score, 50))

	state := p.StateName
	if state == "" {
		state = p.State.String()
	}
	position := fmt.Sprintf("%s  %d", state, p.Progress)
	if p.Duration > 0 {
		position += fmt.Sprintf(" / %.0f", p.Duration)
		b.WriteString(fmt.Sprintf("[%s]\n", renderBar(p.Progress, int(p.Duration), 40)))
	}
	field(&b, "Transport", position)
	return b.String()
}

// renderPeers renders the session roster and other primaries nearby
func (m Model) renderPeers() string {
	var b strings.Builder
	s := m.snap

	peers := s.Clients
	if s.Role != "primary" {
		peers = s.Roster
	}
	b.WriteString(listStyle.Render(fmt.Sprintf("In session (%d)", len(peers))))
	b.WriteString("\n")
	if len(peers) == 0 {
		b.WriteString(valueStyle.Render("  nobody else"))
		b.WriteString("\n")
	}
	for _, name := range peers {
		b.WriteString(fmt.Sprintf("  • %s\n", truncate(name, 50)))
	}

	if len(s.Available) > 0 {
		b.WriteString(listStyle.Render(fmt.Sprintf("Nearby primaries (%d)", len(s.Available))))
		b.WriteString("\n")
		for _, a := range s.Available {
			b.WriteString(fmt.Sprintf("  • %s", truncate(a.Name, 40)))
			b.WriteString(valueStyle.Render(fmt.Sprintf(" (%s, %d clients)", a.Address, len(a.Clients))))
			b.WriteString("\n")
		}
	}
	return b.String()
}

// renderDebug renders debug information
func (m Model) renderDebug() string {
	var b strings.Builder
	p := m.snap.Playback
	field(&b, "Generation", fmt.Sprintf("%d", m.snap.Generation))
	field(&b, "Location", fmt.Sprintf("%.3f (subframe %d)", p.Location, p.Subframe))
	field(&b, "Frame rate", fmt.Sprintf("%.2f", p.FrameRate))
	field(&b, "Resyncing", fmt.Sprintf("%v", p.Resyncing))
	field(&b, "Skipped ticks", fmt.Sprintf("%d", p.SkippedTicks))
	return b.String()
}

// handleKey handles keyboard input
func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		m.quitting = true
		if m.quitChan != nil {
			select {
			case m.quitChan <- struct{}{}:
			default:
			}
		}
		return m, tea.Quit
	case "d":
		m.showDebug = !m.showDebug
	}

	if m.controls == nil {
		return m, nil
	}

	p := m.snap.Playback
	switch msg.String() {
	case " ":
		if p.StateName == "playing" {
			m.controls.Pause()
		} else {
			m.controls.Play()
		}
	case "r":
		m.controls.Reset()
	case "left":
		m.controls.SeekTo(p.Location - seekStep*p.FrameRate)
	case "right":
		m.controls.SeekTo(p.Location + seekStep*p.FrameRate)
	case "p":
		m.controls.MakePrimary()
	}
	return m, nil
}

func renderBar(value, max, width int) string {
	if max <= 0 {
		return strings.Repeat("░", width)
	}
	filled := (value * width) / max
	if filled > width {
		filled = width
	}
	if filled < 0 {
		filled = 0
	}
	return strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
}

func truncate(s string, length int) string {
	if len(s) <= length {
		return s
	}
	return s[:length-3] + "..."
}
