// ABOUTME: Device lifecycle shared by the serve and join commands
// ABOUTME: Wires the event loop, playback core, TUI and status monitor together
package main

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/decibel/scoreplayer-go/internal/eventloop"
	"github.com/decibel/scoreplayer-go/internal/monitor"
	"github.com/decibel/scoreplayer-go/internal/ui"
	"github.com/decibel/scoreplayer-go/internal/version"
	"github.com/decibel/scoreplayer-go/pkg/player"
	"github.com/decibel/scoreplayer-go/pkg/topology"
)

// shutdownTimeout bounds the wait for connections to close on exit
const shutdownTimeout = 2 * time.Second

// device is one running ScorePlayer instance
type device struct {
	name     string
	loop     *eventloop.Loop
	core     *player.Core
	tui      *ui.TUI
	monitor  *monitor.Server
	score    player.Score
	renderer *consoleRenderer
	server   atomic.Pointer[topology.Server]
}

// scoreLoader answers load requests from the primary with the score given
// on the command line
type scoreLoader struct {
	player.UI
	d *device
}

func (s scoreLoader) LoadScoreRequested(name string) {
	if name != s.d.score.Name {
		log.Printf("Primary asked for score %q, only %q is available", name, s.d.score.Name)
		return
	}
	if err := s.d.core.LoadScore(s.d.score, s.d.renderer); err != nil {
		log.Printf("Failed to load score %q: %v", name, err)
	}
}

// logUI reports network trouble when there is no TUI
type logUI struct{}

func (logUI) StateChanged(state player.State) {
	log.Printf("Playback %s", state)
}

func (logUI) Tick(int, int) {}

func (logUI) AwaitingNetwork(waiting bool) {
	if waiting {
		log.Printf("Lost the primary, playing unsynced until it is back")
	} else {
		log.Printf("Following the primary again")
	}
}

func (logUI) NetworkError(err error) {
	log.Printf("Network error: %v", err)
}

func scoreFromFlags() player.Score {
	return player.Score{
		Name:             flags.scoreName,
		Duration:         flags.duration,
		FrameRate:        flags.frameRate,
		Subdivisions:     flags.subdivisions,
		AllowClockChange: true,
	}
}

func topologyConfig(name string) topology.Config {
	state := loadState()
	return topology.Config{
		Name:          name,
		DeviceName:    name,
		DeviceID:      state.DeviceID,
		PreferredPort: flags.port,
		Advertise:     !flags.noAdvertise,
		LastAddress:   state.LastAddress,
		SaveLastAddress: func(address string) {
			if err := saveLastAddress(address); err != nil {
				log.Printf("Failed to remember %s: %v", address, err)
			}
		},
		Debug: flags.debug,
	}
}

// runDevice sets the device up, calls start to put it on the network and
// blocks until the user quits
func runDevice(ctx context.Context, start func(ctx context.Context, d *device) error) error {
	useTUI := !flags.noTUI
	closeLog, err := setupLogging(useTUI)
	if err != nil {
		return err
	}
	defer closeLog()

	d := &device{
		name:     deviceName(),
		loop:     eventloop.New(),
		score:    scoreFromFlags(),
		renderer: newConsoleRenderer(10, flags.debug),
	}
	log.Printf("Starting %s %s: %s", version.Product, version.Version, d.name)
	if flags.debug {
		log.Printf("Debug logging enabled")
	}

	d.loop.Start(context.Background())
	defer d.loop.Stop()

	var base player.UI = logUI{}
	if useTUI {
		d.tui = ui.New()
		base = d.tui
	}
	d.core = player.NewCore(player.Config{UI: scoreLoader{UI: base, d: d}, Debug: flags.debug}, d.loop)
	defer d.shutdown()

	d.core.RegisterScoreList([]string{d.score.Name})
	if err := d.core.LoadScore(d.score, d.renderer); err != nil {
		return err
	}

	if err := start(ctx, d); err != nil {
		return err
	}

	if flags.monitorAddr != "" {
		d.monitor = monitor.New(monitor.Config{Addr: flags.monitorAddr, Debug: flags.debug}, d.snapshot)
		if err := d.monitor.Start(); err != nil {
			return err
		}
	}

	if d.tui == nil {
		log.Printf("Press Ctrl-C to stop")
		<-ctx.Done()
		log.Printf("Shutdown signal received")
		return nil
	}

	go func() {
		select {
		case <-ctx.Done():
			log.Printf("Shutdown signal received")
		case <-d.tui.QuitChan():
			log.Printf("Received quit signal from TUI")
		}
		d.tui.Stop()
	}()
	if err := d.tui.Run(d.core, d.snapshot); err != nil {
		return fmt.Errorf("TUI error: %w", err)
	}
	return nil
}

// snapshot is the status source for the TUI and the monitor
func (d *device) snapshot() monitor.Snapshot {
	return monitor.Collect(d.name, d.core, d.server.Load())
}

func (d *device) shutdown() {
	if d.monitor != nil {
		d.monitor.Stop()
	}
	d.core.Shutdown()

	if srv := d.server.Load(); srv != nil {
		select {
		case <-srv.Done():
		case <-time.After(shutdownTimeout):
			log.Printf("Timed out waiting for the network to stop")
		}
	}
	log.Printf("%s stopped", d.name)
}
