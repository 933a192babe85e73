// ABOUTME: Network side of the playback core: routing, resync and reconnection
// ABOUTME: Implements the topology delegate and observer callbacks
package player

import (
	"context"
	"errors"
	"log"
	"math"
	"time"

	"github.com/decibel/scoreplayer-go/internal/backoff"
	"github.com/decibel/scoreplayer-go/pkg/osc"
	"github.com/decibel/scoreplayer-go/pkg/topology"
	"github.com/decibel/scoreplayer-go/pkg/transport"
)

// Wire addresses
const (
	addressControl   = "control"
	addressRenderer  = "renderer"
	addressPlay      = "/control/play"
	addressPause     = "/control/pause"
	addressReset     = "/control/reset"
	addressSeek      = "/control/seek"
	addressSync      = "/control/sync"
	addressSyncReply = "/control/syncreply"
	addressPosition  = "/control/position"
	addressDuration  = "/control/duration"
	addressOptions   = "/options"
	addressScoreLoad = "/score/load"
)

// InitializeServer starts a topology server on the core's loop and makes
// this device the primary. It blocks and must not be called from the loop.
func (c *Core) InitializeServer(ctx context.Context, config topology.Config) (*topology.Server, error) {
	srv := c.newServer(config)
	c.SetNetwork(srv, true)
	if err := srv.Start(ctx); err != nil {
		c.detach(srv)
		return nil, err
	}
	return srv, nil
}

// ConnectToServer joins the primary at host and resyncs to it. The welcome
// message lists the primary's scores. It blocks and must not be called
// from the loop.
func (c *Core) ConnectToServer(ctx context.Context, config topology.Config, host string) (*topology.Server, *osc.Message, error) {
	srv := c.newServer(config)
	c.SetNetwork(srv, false)
	welcome, err := srv.StartSecondary(ctx, host, false)
	if err != nil {
		c.detach(srv)
		return nil, nil, err
	}
	c.AttemptSync()
	return srv, welcome, nil
}

// MakePrimary promotes this device to timing authority
func (c *Core) MakePrimary() {
	c.loop.Post(func() {
		if c.network == nil {
			return
		}
		c.network.MakePrimary()
		c.setMaster(true)
	})
}

// AttemptSync asks the primary for its location. Only the reply to the
// latest request is honoured.
func (c *Core) AttemptSync() {
	c.loop.Post(c.attemptSync)
}

// SendData sends a renderer message to the renderers on other devices
func (c *Core) SendData(msg *osc.Message) {
	m := msg.Clone()
	m.PrependAddressComponent(addressRenderer)
	c.loop.Post(func() { c.broadcast(m) })
}

// SendOptions shares the renderer's options with every secondary
func (c *Core) SendOptions() {
	c.loop.Post(func() {
		if msg := c.optionsMessage(); msg != nil && c.isMaster {
			c.broadcast(msg)
		}
	})
}

// RequestScoreLoad asks every secondary to open the named score
func (c *Core) RequestScoreLoad(name string) {
	c.loop.Post(func() {
		if !c.isMaster {
			return
		}
		msg := osc.NewMessage(addressScoreLoad)
		msg.AddString(name)
		c.broadcast(msg)
	})
}

func (c *Core) newServer(config topology.Config) *topology.Server {
	if config.Scores == nil {
		config.Scores = c.ScoreList
	}
	srv := topology.NewServer(config, c.loop, c)
	srv.Clock().Now = c.now
	return srv
}

// detach drops a server that failed to start
func (c *Core) detach(srv *topology.Server) {
	srv.Stop()
	c.loop.Post(func() {
		if c.network == Network(srv) {
			c.network = nil
			c.setMaster(true)
		}
	})
}

// ReceivedNetworkMessage runs on the loop
func (c *Core) ReceivedNetworkMessage(msg *osc.Message, from *transport.Connection) {
	switch {
	case msg.HasPrefix(addressControl):
		c.handleControl(msg, from)

	case msg.AddressString() == addressOptions:
		if c.isMaster || !c.loaded {
			return
		}
		if oh, ok := c.renderer.(OptionsHandler); ok {
			oh.SetOptions(msg)
		}

	case msg.AddressString() == addressScoreLoad:
		if c.isMaster {
			return
		}
		name, err := msg.StringAt(0)
		if err != nil {
			log.Printf("Ignoring score load request: %v", err)
			return
		}
		if sl, ok := c.ui.(ScoreLoader); ok {
			sl.LoadScoreRequested(name)
		}

	default:
		if c.isMaster && c.network != nil {
			c.network.Relay(msg, from)
		}
		c.deliver(msg)
	}
}

// PublishingFailed runs on the loop
func (c *Core) PublishingFailed(err error) {
	log.Printf("Continuing without advertisement: %v", err)
	c.ui.NetworkError(err)
}

// PeerJoined brings a new secondary up to date with settings it cannot
// get from a resync
func (c *Core) PeerJoined(conn *transport.Connection) {
	if !c.isMaster || !c.loaded || c.network == nil {
		return
	}
	if c.durationChanged {
		msg := osc.NewMessage(addressDuration)
		msg.AddFloat(float32(c.score.Duration))
		c.network.SendTo(conn, msg)
	}
	if msg := c.optionsMessage(); msg != nil {
		c.network.SendTo(conn, msg)
	}
}

// PeerLeft runs on the loop
func (c *Core) PeerLeft(conn *transport.Connection, err error) {
	if c.config.Debug {
		log.Printf("Secondary %s left: %v", conn.Peer().DeviceName, err)
	}
}

// UpstreamLost keeps playing locally and reconnects in the background
func (c *Core) UpstreamLost(err error) {
	if c.isMaster {
		return
	}
	log.Printf("Lost the primary, playing on unsynced: %v", err)
	c.setAwaiting(true)
	c.startReconnecting()
}

// RosterChanged runs on the loop
func (c *Core) RosterChanged(roster []string) {
	c.roster = roster
	c.publish()
}

func (c *Core) broadcast(msg *osc.Message) {
	if c.network != nil {
		c.network.SendNetworkMessage(msg)
	}
}

// masterNow is the primary's clock as best known here
func (c *Core) masterNow() time.Time {
	if c.isMaster || c.network == nil {
		return c.now()
	}
	return c.network.Clock().RemoteNow()
}

func (c *Core) stamped(address string, loc float32) *osc.Message {
	msg := locationMessage(address, float64(loc))
	msg.Timestamp = osc.TimetagFromTime(c.masterNow())
	return msg
}

func locationMessage(address string, loc float64) *osc.Message {
	msg := osc.NewMessage(address)
	msg.AddFloat(float32(loc))
	return msg
}

// compensate moves a location stamped at ts forward to now
func (c *Core) compensate(loc float64, ts osc.Timetag) float64 {
	if ts.IsZero() {
		return c.clamp(loc)
	}
	elapsed := c.masterNow().Sub(ts.Time()).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	return c.clamp(loc + elapsed*c.score.FrameRate)
}

func (c *Core) optionsMessage() *osc.Message {
	if !c.loaded {
		return nil
	}
	oh, ok := c.renderer.(OptionsHandler)
	if !ok {
		return nil
	}
	opts := oh.Options()
	if opts == nil {
		return nil
	}
	msg := osc.NewMessage(addressOptions)
	msg.AppendArgumentsFrom(opts)
	return msg
}

// deliver hands application traffic to the renderer. The routing prefix
// added by SendData is removed again.
func (c *Core) deliver(msg *osc.Message) {
	if !c.loaded {
		return
	}
	receiver, ok := c.renderer.(MessageReceiver)
	if !ok {
		return
	}
	m := msg
	if msg.HasPrefix(addressRenderer) {
		m = msg.Clone()
		if err := m.StripFirstAddressComponent(); err != nil {
			return
		}
	}
	receiver.ReceiveMessage(m)
}

func (c *Core) handleControl(msg *osc.Message, from *transport.Connection) {
	address := msg.AddressString()

	if address == addressSync {
		c.answerSync(msg, from)
		return
	}
	if c.isMaster {
		if c.config.Debug {
			log.Printf("Primary ignoring %s", address)
		}
		return
	}
	if !c.loaded {
		if c.config.Debug {
			log.Printf("Ignoring %s: %v", address, ErrNoScore)
		}
		return
	}

	now := c.now()
	switch address {
	case addressPlay:
		loc, ok := readLocation(msg)
		if !ok {
			return
		}
		c.syncGen++
		c.startPlaying(c.compensate(loc, msg.Timestamp), now)
		c.deliverTick(false)

	case addressPause:
		if loc, ok := readLocation(msg); ok {
			c.pauseAt(c.clampLogged(loc))
		}

	case addressReset:
		c.resetLocal()

	case addressSeek:
		if loc, ok := readLocation(msg); ok {
			c.seekLocal(c.compensate(loc, msg.Timestamp), now)
		}

	case addressPosition:
		if loc, ok := readLocation(msg); ok {
			c.checkDrift(c.compensate(loc, msg.Timestamp), now)
		}

	case addressDuration:
		loc, ok := readLocation(msg)
		if !ok {
			return
		}
		if !c.score.AllowClockChange {
			log.Printf("Ignoring duration change for %q", c.score.Name)
			return
		}
		c.applyDuration(loc)

	case addressSyncReply:
		c.handleSyncReply(msg, now)

	default:
		log.Printf("Unknown control message %s", address)
	}
}

func readLocation(msg *osc.Message) (float64, bool) {
	loc, err := msg.NumberAt(0)
	if err != nil {
		log.Printf("Ignoring %s: %v", msg.AddressString(), err)
		return 0, false
	}
	return loc, true
}

func (c *Core) clampLogged(loc float64) float64 {
	clamped := c.clamp(loc)
	if clamped != loc {
		log.Printf("Location %v clamped to %v", loc, clamped)
	}
	return clamped
}

// answerSync replies to a secondary with the current location and state
func (c *Core) answerSync(msg *osc.Message, from *transport.Connection) {
	if !c.isMaster || c.network == nil || from == nil {
		return
	}
	req, err := msg.IntAt(0)
	if err != nil {
		log.Printf("Ignoring sync request: %v", err)
		return
	}

	loc := 0.0
	state := StateStopped
	if c.loaded {
		loc = c.location(c.now())
		state = c.state
	}
	reply := osc.NewMessage(addressSyncReply)
	reply.AddInt(req)
	reply.AddFloat(float32(loc))
	reply.AddInt(int32(state))
	reply.Timestamp = osc.TimetagFromTime(c.masterNow())
	c.network.SendTo(from, reply)
}

func (c *Core) attemptSync() {
	if c.isMaster || c.network == nil {
		return
	}
	c.syncReq++
	c.pendingReq = c.syncReq
	c.pendingGen = c.syncGen

	msg := osc.NewMessage(addressSync)
	msg.AddInt(c.syncReq)
	c.network.SendNetworkMessage(msg)
	c.publish()
}

// handleSyncReply adopts the primary's location unless the request was
// superseded or cancelled
func (c *Core) handleSyncReply(msg *osc.Message, now time.Time) {
	req, err := msg.IntAt(0)
	if err != nil {
		log.Printf("Ignoring sync reply: %v", err)
		return
	}
	if c.pendingReq == 0 || req != c.pendingReq {
		if c.config.Debug {
			log.Printf("Discarding stale sync reply %d", req)
		}
		return
	}
	if c.pendingGen != c.syncGen {
		c.pendingReq = 0
		c.publish()
		return
	}
	c.pendingReq = 0

	loc, err := msg.NumberAt(1)
	if err != nil {
		log.Printf("Ignoring sync reply: %v", err)
		return
	}
	state, err := msg.IntAt(2)
	if err != nil {
		log.Printf("Ignoring sync reply: %v", err)
		return
	}

	switch State(state) {
	case StatePlaying:
		c.startPlaying(c.compensate(loc, msg.Timestamp), now)
		c.deliverTick(false)
	case StatePaused:
		c.pauseAt(c.clampLogged(loc))
	default:
		c.stopAt(c.clampLogged(loc))
	}
	log.Printf("Synced to the primary at %.2f (%s)", c.anchorLoc, c.state)

	if s, ok := c.renderer.(Syncer); ok {
		s.AttemptSync()
	}
}

// stopAt stops at loc without resetting the renderer
func (c *Core) stopAt(loc float64) {
	wasPlaying := c.state == StatePlaying
	c.stopTicking()
	c.state = StateStopped
	c.setAnchor(loc, c.now())
	if wasPlaying {
		if t, ok := c.renderer.(Transport); ok {
			t.Stop()
		}
	}
	c.deliverTick(false)
	c.publish()
	c.ui.StateChanged(c.state)
}

// checkDrift resyncs when the local location strays from the primary's
func (c *Core) checkDrift(expected float64, now time.Time) {
	if c.pendingReq != 0 {
		return
	}
	if c.state != StatePlaying {
		log.Printf("Primary is playing while this device is %s, resyncing", c.state)
		c.attemptSync()
		return
	}
	drift := c.location(now) - expected
	tolerance := c.config.DriftTolerance.Seconds() * c.score.FrameRate
	if math.Abs(drift) > tolerance {
		log.Printf("Drifted %.2f frames from the primary, resyncing", drift)
		c.attemptSync()
	}
}

func (c *Core) setAwaiting(waiting bool) {
	if c.awaiting == waiting {
		return
	}
	c.awaiting = waiting
	c.publish()
	c.ui.AwaitingNetwork(waiting)
}

// startReconnecting retries the last primary with backoff, then resyncs
func (c *Core) startReconnecting() {
	if c.reconnecting != nil || c.network == nil {
		return
	}
	ctx, cancel := context.WithCancel(c.ctx)
	c.reconnecting = cancel
	network := c.network

	retry := backoff.Config{
		MinWait: c.config.ReconnectMinWait,
		MaxWait: c.config.ReconnectMaxWait,
		Report: func(err error) error {
			log.Printf("Reconnect failed: %v", err)
			if errors.Is(err, topology.ErrNoLastAddress) || errors.Is(err, topology.ErrStopped) {
				return err
			}
			return nil
		},
	}

	go func() {
		err := retry.Retry(ctx, func() error {
			_, err := network.Reconnect(ctx)
			return err
		})
		if ctx.Err() != nil {
			return
		}
		c.loop.Post(func() {
			if ctx.Err() != nil {
				return
			}
			c.reconnecting = nil
			cancel()
			if err != nil {
				c.ui.NetworkError(err)
				return
			}
			c.setAwaiting(false)
			log.Printf("Reconnected to the primary, resyncing")
			c.attemptSync()
		})
	}()
}

func (c *Core) stopReconnecting() {
	if c.reconnecting != nil {
		c.reconnecting()
		c.reconnecting = nil
	}
}
