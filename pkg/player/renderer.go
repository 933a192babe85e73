// ABOUTME: Collaborator interfaces for renderers and the UI
// ABOUTME: Required behaviour is a small core interface, optional behaviour is discovered by type assertion
package player

import (
	"errors"
	"fmt"
	"strings"

	"github.com/decibel/scoreplayer-go/pkg/osc"
)

// State is the transport state
type State int

const (
	StateStopped State = iota
	StatePlaying
	StatePaused
)

func (s State) String() string {
	switch s {
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	}
	return "stopped"
}

// Features describes what a renderer supports or a score needs
type Features uint32

const (
	FeatureBasic Features = 1 << iota
	FeatureVariations
	FeatureNonZeroDuration
	FeaturePositiveDuration
	FeatureFileName
	FeatureParts
	FeaturePrefsFile
	FeatureUsesIdentifier
	FeatureUsesScaledCanvas
)

var featureNames = []string{
	"basic", "variations", "non-zero duration", "positive duration", "file name",
	"parts", "prefs file", "identifier", "scaled canvas",
}

func (f Features) String() string {
	var names []string
	for i, name := range featureNames {
		if f&(1<<i) != 0 {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, ", ")
}

// ErrUnsupportedScore is returned by LoadScore when the renderer cannot
// play the score
var ErrUnsupportedScore = errors.New("renderer cannot play score")

// Score is the playback-relevant part of a loaded score
type Score struct {
	Name string

	// Duration in frames. Zero or negative means unbounded.
	Duration float64

	// FrameRate in frames per second
	FrameRate float64

	// Subdivisions per frame delivered as subframe ticks. Defaults to 1.
	Subdivisions int

	// Features the score needs from its renderer
	Features Features

	// AllowClockChange lets the primary change the duration mid-session
	AllowClockChange bool

	FileName string
	Parts    []string
}

func (s *Score) normalize() {
	if s.FrameRate <= 0 {
		s.FrameRate = 1
	}
	if s.Subdivisions <= 0 {
		s.Subdivisions = 1
	}
}

// Renderer draws one score type. Reset is the only required method.
type Renderer interface {
	Reset()
}

// Ticker renderers are advanced on every tick
type Ticker interface {
	Tick(progress, subframe int, final bool)
}

// MessageReceiver renderers get application messages from other devices
type MessageReceiver interface {
	ReceiveMessage(msg *osc.Message)
}

// OptionsHandler renderers share their settings across the session
type OptionsHandler interface {
	Options() *osc.Message
	SetOptions(msg *osc.Message)
}

// Transport renderers are told when playback starts and stops
type Transport interface {
	Play()
	Stop()
}

// Seeker renderers are told when the location jumps
type Seeker interface {
	Seek(location float64)
}

// Syncer renderers are told after the core realigned to the primary
type Syncer interface {
	AttemptSync()
}

// FeatureReporter renderers declare what they support. Renderers without
// it support FeatureBasic only.
type FeatureReporter interface {
	Features() Features
}

// Messenger is what renderers use to reach their peers on other devices
type Messenger interface {
	SendData(msg *osc.Message)
}

// UI is notified of playback and network changes. Calls arrive on the
// event loop and must not block.
type UI interface {
	StateChanged(state State)
	Tick(progress, subframe int)
	AwaitingNetwork(waiting bool)
	NetworkError(err error)
}

// ScoreLoader UIs handle requests from the primary to open a score
type ScoreLoader interface {
	LoadScoreRequested(name string)
}

type nopUI struct{}

func (nopUI) StateChanged(State)   {}
func (nopUI) Tick(int, int)        {}
func (nopUI) AwaitingNetwork(bool) {}
func (nopUI) NetworkError(error)   {}

// checkCompatible verifies that renderer can play score
func checkCompatible(score Score, renderer Renderer) error {
	supported := FeatureBasic
	if fr, ok := renderer.(FeatureReporter); ok {
		supported = fr.Features() | FeatureBasic
	}

	if missing := score.Features &^ supported; missing != 0 {
		return fmt.Errorf("%w %q: missing %s", ErrUnsupportedScore, score.Name, missing)
	}
	if supported&FeatureNonZeroDuration != 0 && score.Duration == 0 {
		return fmt.Errorf("%w %q: renderer needs a non-zero duration", ErrUnsupportedScore, score.Name)
	}
	if supported&FeaturePositiveDuration != 0 && score.Duration <= 0 {
		return fmt.Errorf("%w %q: renderer needs a positive duration", ErrUnsupportedScore, score.Name)
	}
	if supported&FeatureFileName != 0 && score.FileName == "" {
		return fmt.Errorf("%w %q: renderer needs a file name", ErrUnsupportedScore, score.Name)
	}
	if supported&FeatureParts != 0 && len(score.Parts) == 0 {
		return fmt.Errorf("%w %q: renderer needs parts", ErrUnsupportedScore, score.Name)
	}
	return nil
}
