// ABOUTME: TUI initialization and control
// ABOUTME: Wraps the bubbletea program and forwards playback callbacks to it
package ui

import (
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/decibel/scoreplayer-go/internal/monitor"
	"github.com/decibel/scoreplayer-go/pkg/player"
)

// TUI runs the terminal interface. It implements player.UI so the core
// can report network waits and errors to it; create it before the core
// and hand the core to Run.
type TUI struct {
	mu      sync.Mutex
	program *tea.Program

	updates  chan tea.Msg
	quitChan chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewModel creates a new TUI model
func NewModel(controls Controls) Model {
	return Model{controls: controls}
}

// New creates a TUI
func New() *TUI {
	return &TUI{
		updates:  make(chan tea.Msg, 32),
		quitChan: make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Run blocks until the user quits or Stop is called. source is polled for
// status.
func (t *TUI) Run(controls Controls, source func() monitor.Snapshot) error {
	m := NewModel(controls)
	m.quitChan = t.quitChan
	if source != nil {
		m.snap = source()
	}

	t.mu.Lock()
	select {
	case <-t.done:
		t.mu.Unlock()
		return nil
	default:
	}
	p := tea.NewProgram(m, tea.WithAltScreen())
	t.program = p
	t.mu.Unlock()

	go t.forward(p, source)
	_, err := p.Run()
	return err
}

// forward feeds snapshots and callbacks into the program
func (t *TUI) forward(p *tea.Program, source func() monitor.Snapshot) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case msg := <-t.updates:
			p.Send(msg)
		case <-ticker.C:
			if source != nil {
				p.Send(StatusMsg(source()))
			}
		}
	}
}

// Stop quits the program
func (t *TUI) Stop() {
	t.stopOnce.Do(func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		close(t.done)
		if t.program != nil {
			t.program.Quit()
		}
	})
}

// QuitChan signals when the user asked to quit
func (t *TUI) QuitChan() <-chan struct{} {
	return t.quitChan
}

func (t *TUI) send(msg tea.Msg) {
	select {
	case t.updates <- msg:
	default:
		// Don't block the event loop if the TUI is behind
	}
}

// StateChanged is picked up by the next poll
func (t *TUI) StateChanged(player.State) {}

// Tick is picked up by the next poll
func (t *TUI) Tick(int, int) {}

// AwaitingNetwork shows or hides the unsynced warning
func (t *TUI) AwaitingNetwork(waiting bool) {
	t.send(AwaitingMsg(waiting))
}

// NetworkError shows err in the footer
func (t *TUI) NetworkError(err error) {
	t.send(ErrorMsg{Err: err})
}
