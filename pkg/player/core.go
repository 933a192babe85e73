// ABOUTME: Playback core: transport state machine and drift-free local ticking
// ABOUTME: State is owned by the shared event loop; public methods post work to it
package player

import (
	"context"
	"errors"
	"log"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/decibel/scoreplayer-go/internal/eventloop"
	clocksync "github.com/decibel/scoreplayer-go/internal/sync"
	"github.com/decibel/scoreplayer-go/pkg/osc"
	"github.com/decibel/scoreplayer-go/pkg/transport"
)

// ErrNoScore is returned when an operation needs a loaded score
var ErrNoScore = errors.New("no score loaded")

// Network is the part of the topology server the core drives. It is
// satisfied by *topology.Server.
type Network interface {
	SendNetworkMessage(msg *osc.Message)
	SendTo(conn *transport.Connection, msg *osc.Message)
	Relay(msg *osc.Message, except *transport.Connection)
	Reconnect(ctx context.Context) (*osc.Message, error)
	MakePrimary()
	Clock() *clocksync.ClockSync
	Stop()
}

// Config holds core configuration
type Config struct {
	UI UI

	// Now is the local clock; tests replace it
	Now func() time.Time

	// PositionInterval is how often a playing primary broadcasts its
	// location for drift detection
	PositionInterval time.Duration

	// DriftTolerance is how far a secondary may stray from the primary
	// before it resyncs
	DriftTolerance time.Duration

	ReconnectMinWait time.Duration
	ReconnectMaxWait time.Duration

	// ManualTicks disables the tick goroutine. Ticks are then produced by
	// calling Advance.
	ManualTicks bool

	Debug bool
}

func (c *Config) applyDefaults() {
	if c.UI == nil {
		c.UI = nopUI{}
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.PositionInterval == 0 {
		c.PositionInterval = time.Second
	}
	if c.DriftTolerance == 0 {
		c.DriftTolerance = 100 * time.Millisecond
	}
	if c.ReconnectMinWait == 0 {
		c.ReconnectMinWait = 250 * time.Millisecond
	}
	if c.ReconnectMaxWait == 0 {
		c.ReconnectMaxWait = 5 * time.Second
	}
}

// Core is the playback state machine of one device. Every method may be
// called from any goroutine, including from callbacks on the event loop.
type Core struct {
	config Config
	loop   *eventloop.Loop
	ui     UI
	now    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	tickBusy atomic.Bool
	skipped  atomic.Uint64

	scoresMu sync.RWMutex
	scores   []string

	// Owned by the event loop
	network         Network
	renderer        Renderer
	score           Score
	loaded          bool
	state           State
	isMaster        bool
	awaiting        bool
	anchorLoc       float64
	anchorAt        time.Time
	lastProgress    int
	lastSubframe    int
	lastHeartbeat   time.Time
	tickCancel      context.CancelFunc
	syncGen         uint64
	syncReq         int32
	pendingReq      int32
	pendingGen      uint64
	reconnecting    context.CancelFunc
	durationChanged bool
	roster          []string

	snapMu sync.RWMutex
	snap   Status
}

// NewCore creates a stopped, standalone core on loop. The loop must be
// running for the core to make progress.
func NewCore(config Config, loop *eventloop.Loop) *Core {
	config.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	c := &Core{
		config:       config,
		loop:         loop,
		ui:           config.UI,
		now:          config.Now,
		ctx:          ctx,
		cancel:       cancel,
		isMaster:     true,
		lastProgress: -1,
	}
	c.publish()
	return c
}

// Loop returns the event loop the core runs on
func (c *Core) Loop() *eventloop.Loop {
	return c.loop
}

// SetNetwork attaches the core to a network. master says whether this
// device is the timing authority.
func (c *Core) SetNetwork(n Network, master bool) {
	c.loop.Post(func() {
		if c.network != nil && c.network != n {
			c.stopReconnecting()
			c.network.Stop()
		}
		c.network = n
		c.setMaster(master)
	})
}

// RegisterScoreList sets the scores offered to secondaries
func (c *Core) RegisterScoreList(names []string) {
	c.scoresMu.Lock()
	c.scores = append([]string(nil), names...)
	c.scoresMu.Unlock()
}

// ScoreList returns the scores offered to secondaries
func (c *Core) ScoreList() []string {
	c.scoresMu.RLock()
	defer c.scoresMu.RUnlock()
	return append([]string(nil), c.scores...)
}

// LoadScore makes score current with renderer drawing it. The core stops
// and rewinds. The capability check runs synchronously.
func (c *Core) LoadScore(score Score, renderer Renderer) error {
	if renderer == nil {
		return ErrNoScore
	}
	score.normalize()
	if err := checkCompatible(score, renderer); err != nil {
		return err
	}

	c.loop.Post(func() {
		if c.loaded {
			c.stopTicking()
			c.renderer.Reset()
		}
		c.score = score
		c.renderer = renderer
		c.loaded = true
		c.state = StateStopped
		c.anchorLoc = 0
		c.lastProgress = -1
		c.durationChanged = false
		c.syncGen++
		log.Printf("Loaded score %q (%v frames at %v fps)", score.Name, score.Duration, score.FrameRate)
		c.publish()
		c.ui.StateChanged(c.state)
	})
	return nil
}

// Play starts or resumes playback. Only the primary can start playback;
// secondaries follow the network.
func (c *Core) Play() {
	c.loop.Post(func() {
		if !c.canDrive("play") || c.state == StatePlaying {
			return
		}
		loc := c.location(c.now())
		if c.bounded() && loc >= c.score.Duration {
			loc = 0
		}
		c.startPlaying(loc, c.now())
		c.broadcast(c.stamped(addressPlay, float32(loc)))
	})
}

// Pause holds the current location
func (c *Core) Pause() {
	c.loop.Post(func() {
		if !c.canDrive("pause") || c.state != StatePlaying {
			return
		}
		loc := c.pauseAt(c.location(c.now()))
		c.broadcast(locationMessage(addressPause, loc))
	})
}

// Reset stops playback and rewinds to the start
func (c *Core) Reset() {
	c.loop.Post(func() {
		if !c.canDrive("reset") {
			return
		}
		c.resetLocal()
		c.broadcast(osc.NewMessage(addressReset))
	})
}

// SeekTo jumps to location and plays from there. Out of range locations
// are clamped.
func (c *Core) SeekTo(location float64) {
	c.loop.Post(func() {
		if !c.canDrive("seek") {
			return
		}
		loc := c.seekLocal(location, c.now())
		c.broadcast(c.stamped(addressSeek, float32(loc)))
	})
}

// SetScoreDuration changes the duration of a score that allows it
func (c *Core) SetScoreDuration(duration float64) {
	c.loop.Post(func() {
		if !c.canDrive("change duration") {
			return
		}
		if !c.score.AllowClockChange {
			log.Printf("Score %q does not allow duration changes", c.score.Name)
			return
		}
		c.applyDuration(duration)
		c.durationChanged = true
		msg := osc.NewMessage(addressDuration)
		msg.AddFloat(float32(c.score.Duration))
		c.broadcast(msg)
	})
}

// Advance produces one tick from the current time. It is used instead of
// the tick goroutine when ManualTicks is set.
func (c *Core) Advance() {
	c.loop.Post(c.tick)
}

// Shutdown stops ticking, reconnecting and the network
func (c *Core) Shutdown() {
	c.cancel()
	c.loop.Post(func() {
		c.stopTicking()
		c.stopReconnecting()
		if c.network != nil {
			c.network.Stop()
		}
	})
}

// canDrive reports whether this device may change the transport
func (c *Core) canDrive(op string) bool {
	if !c.loaded {
		log.Printf("Ignoring %s: %v", op, ErrNoScore)
		return false
	}
	if !c.isMaster {
		if c.config.Debug {
			log.Printf("Ignoring %s on a secondary", op)
		}
		return false
	}
	return true
}

func (c *Core) bounded() bool {
	return c.score.Duration > 0
}

func (c *Core) clamp(loc float64) float64 {
	if math.IsNaN(loc) || loc < 0 {
		return 0
	}
	if c.bounded() && loc > c.score.Duration {
		return c.score.Duration
	}
	return loc
}

// location extrapolates the playing location from the anchor
func (c *Core) location(now time.Time) float64 {
	if c.state != StatePlaying {
		return c.anchorLoc
	}
	return c.clamp(c.anchorLoc + now.Sub(c.anchorAt).Seconds()*c.score.FrameRate)
}

func (c *Core) setAnchor(loc float64, at time.Time) {
	c.anchorLoc = c.clamp(loc)
	c.anchorAt = at
}

func (c *Core) startPlaying(loc float64, at time.Time) {
	wasPlaying := c.state == StatePlaying
	c.setAnchor(loc, at)
	c.state = StatePlaying
	c.lastHeartbeat = at
	c.startTicking()
	if !wasPlaying {
		if t, ok := c.renderer.(Transport); ok {
			t.Play()
		}
		c.ui.StateChanged(c.state)
	}
	c.publish()
}

// pauseAt stops ticking at loc and returns the clamped location
func (c *Core) pauseAt(loc float64) float64 {
	wasPlaying := c.state == StatePlaying
	c.setAnchor(loc, c.now())
	c.state = StatePaused
	c.stopTicking()
	c.syncGen++
	if wasPlaying {
		if t, ok := c.renderer.(Transport); ok {
			t.Stop()
		}
	}
	c.deliverTick(false)
	c.publish()
	c.ui.StateChanged(c.state)
	return c.anchorLoc
}

func (c *Core) resetLocal() {
	wasPlaying := c.state == StatePlaying
	c.stopTicking()
	c.state = StateStopped
	c.setAnchor(0, c.now())
	c.lastProgress = -1
	c.syncGen++
	c.pendingReq = 0
	if wasPlaying {
		if t, ok := c.renderer.(Transport); ok {
			t.Stop()
		}
	}
	c.renderer.Reset()
	c.ui.Tick(0, 0)
	c.publish()
	c.ui.StateChanged(c.state)
}

// seekLocal relocates and plays. Any resync in flight is abandoned.
func (c *Core) seekLocal(location float64, at time.Time) float64 {
	if clamped := c.clamp(location); clamped != location {
		log.Printf("Seek to %v clamped to %v", location, clamped)
	}
	c.syncGen++
	c.pendingReq = 0
	c.startPlaying(location, at)
	if s, ok := c.renderer.(Seeker); ok {
		s.Seek(c.anchorLoc)
	}
	c.deliverTick(false)
	return c.anchorLoc
}

func (c *Core) applyDuration(duration float64) {
	now := c.now()
	loc := c.location(now)
	c.score.Duration = duration
	c.setAnchor(loc, now)
	c.publish()
}

func (c *Core) startTicking() {
	if c.tickCancel != nil || c.config.ManualTicks {
		return
	}
	ctx, cancel := context.WithCancel(c.ctx)
	c.tickCancel = cancel

	rate := c.score.FrameRate * float64(c.score.Subdivisions)
	interval := time.Duration(float64(time.Second) / rate)
	if interval < time.Millisecond {
		interval = time.Millisecond
	}
	go c.tickLoop(ctx, interval)
}

func (c *Core) stopTicking() {
	if c.tickCancel != nil {
		c.tickCancel()
		c.tickCancel = nil
	}
}

// tickLoop paces ticks. A tick is dropped while the previous one is still
// being handled.
func (c *Core) tickLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !c.tickBusy.CompareAndSwap(false, true) {
				c.skipped.Add(1)
				continue
			}
			posted := c.loop.Post(func() {
				defer c.tickBusy.Store(false)
				c.tick()
			})
			if !posted {
				c.tickBusy.Store(false)
				return
			}
		}
	}
}

// tick runs on the loop
func (c *Core) tick() {
	if c.state != StatePlaying {
		return
	}
	now := c.now()
	loc := c.location(now)

	if c.bounded() && loc >= c.score.Duration {
		c.finish()
		return
	}
	c.deliverTick(false)

	if c.isMaster && c.network != nil && now.Sub(c.lastHeartbeat) >= c.config.PositionInterval {
		c.lastHeartbeat = now
		c.broadcast(c.stamped(addressPosition, float32(loc)))
	}
	c.publish()
}

// finish emits the terminal tick and stops
func (c *Core) finish() {
	c.stopTicking()
	c.setAnchor(c.score.Duration, c.now())
	c.state = StateStopped
	c.deliverTick(true)
	if t, ok := c.renderer.(Transport); ok {
		t.Stop()
	}
	log.Printf("Reached the end of %q", c.score.Name)
	c.publish()
	c.ui.StateChanged(c.state)
}

// deliverTick hands the current location to the renderer and UI when it
// moved to a new frame or subframe
func (c *Core) deliverTick(final bool) {
	progress, subframe := c.split(c.location(c.now()))
	if !final && progress == c.lastProgress && subframe == c.lastSubframe {
		return
	}
	c.lastProgress, c.lastSubframe = progress, subframe

	if t, ok := c.renderer.(Ticker); ok {
		t.Tick(progress, subframe, final)
	}
	c.ui.Tick(progress, subframe)
}

func (c *Core) split(loc float64) (progress, subframe int) {
	whole := math.Floor(loc)
	progress = int(whole)
	subframe = int((loc - whole) * float64(c.score.Subdivisions))
	if subframe >= c.score.Subdivisions {
		subframe = c.score.Subdivisions - 1
	}
	return progress, subframe
}

func (c *Core) setMaster(master bool) {
	if c.isMaster == master {
		return
	}
	c.isMaster = master
	if master {
		c.pendingReq = 0
		c.stopReconnecting()
		c.setAwaiting(false)
		log.Printf("Playback is driven by this device")
	} else {
		log.Printf("Playback follows the primary")
	}
	c.publish()
}
