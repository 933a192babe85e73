// ABOUTME: Console renderer that logs playback instead of drawing a score
// ABOUTME: Stands in for a real score view so the sync layer can run headless
package main

import (
	"log"
	"sync"

	"github.com/decibel/scoreplayer-go/pkg/osc"
	"github.com/decibel/scoreplayer-go/pkg/player"
)

// consoleRenderer logs frame changes and renderer traffic. Its only option
// is the reporting interval, which the primary shares with secondaries.
type consoleRenderer struct {
	mu    sync.Mutex
	every int32
	last  int
	debug bool
}

func newConsoleRenderer(every int32, debug bool) *consoleRenderer {
	if every < 1 {
		every = 1
	}
	return &consoleRenderer{every: every, last: -1, debug: debug}
}

func (r *consoleRenderer) Reset() {
	r.mu.Lock()
	r.last = -1
	r.mu.Unlock()
	log.Printf("Renderer reset")
}

func (r *consoleRenderer) Tick(progress, subframe int, final bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if final {
		log.Printf("Finished at frame %d", progress)
		r.last = progress
		return
	}
	if progress == r.last {
		if r.debug {
			log.Printf("Frame %d.%d", progress, subframe)
		}
		return
	}
	r.last = progress
	if progress%int(r.every) == 0 {
		log.Printf("Frame %d", progress)
	}
}

func (r *consoleRenderer) ReceiveMessage(msg *osc.Message) {
	log.Printf("Renderer message: %s", msg)
}

func (r *consoleRenderer) Options() *osc.Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	msg := osc.NewMessage("/options")
	msg.AddInt(r.every)
	return msg
}

func (r *consoleRenderer) SetOptions(msg *osc.Message) {
	every, err := msg.IntAt(0)
	if err != nil || every < 1 {
		log.Printf("Ignoring options %s", msg)
		return
	}
	r.mu.Lock()
	r.every = every
	r.mu.Unlock()
}

func (r *consoleRenderer) Play() {
	log.Printf("Renderer playing")
}

func (r *consoleRenderer) Stop() {
	log.Printf("Renderer paused")
}

func (r *consoleRenderer) Seek(location float64) {
	log.Printf("Renderer moved to %.2f", location)
}

func (r *consoleRenderer) Features() player.Features {
	return player.FeatureBasic | player.FeatureVariations
}
