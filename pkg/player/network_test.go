// ABOUTME: Tests for message routing, resync and reconnection of the playback core
// ABOUTME: Unit tests use a fake network; the session test runs two devices on loopback
package player

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/decibel/scoreplayer-go/internal/eventloop"
	"github.com/decibel/scoreplayer-go/pkg/osc"
	"github.com/decibel/scoreplayer-go/pkg/topology"
	"github.com/decibel/scoreplayer-go/pkg/transport"
)

// stampedAt builds a control message stamped ago before the fake clock
func stampedAt(h *harness, address string, loc float32, ago time.Duration) *osc.Message {
	msg := osc.NewMessage(address)
	msg.AddFloat(loc)
	msg.Timestamp = osc.TimetagFromTime(h.clock.Now().Add(-ago))
	return msg
}

func syncReply(h *harness, req int32, loc float32, state State, ago time.Duration) *osc.Message {
	msg := osc.NewMessage(addressSyncReply)
	msg.AddInt(req)
	msg.AddFloat(loc)
	msg.AddInt(int32(state))
	msg.Timestamp = osc.TimetagFromTime(h.clock.Now().Add(-ago))
	return msg
}

func TestPrimaryBroadcastsTransport(t *testing.T) {
	h := newHarness(t, scenario, true, true)

	h.core.Play()
	h.core.Pause()
	h.core.SeekTo(60)
	h.core.Reset()
	h.flush()

	var addresses []string
	h.network.mu.Lock()
	for _, m := range h.network.sent {
		addresses = append(addresses, m.AddressString())
	}
	h.network.mu.Unlock()

	want := []string{addressPlay, addressPause, addressSeek, addressReset}
	if len(addresses) != len(want) {
		t.Fatalf("expected %v, got %v", want, addresses)
	}
	for i := range want {
		if addresses[i] != want[i] {
			t.Errorf("message %d: expected %s, got %s", i, want[i], addresses[i])
		}
	}

	play := h.network.sentTo(addressPlay)[0]
	if play.Timestamp.IsZero() {
		t.Error("expected play to carry a reference timestamp")
	}
	if seek := h.network.sentTo(addressSeek)[0]; seek.Timestamp.IsZero() {
		t.Error("expected seek to carry a reference timestamp")
	}
}

func TestSecondaryNeverSelfInitiates(t *testing.T) {
	h := newHarness(t, scenario, true, false)

	h.core.Play()
	h.core.SeekTo(10)
	h.core.Reset()
	h.flush()

	if st := h.core.Status(); st.State != StateStopped || st.IsMaster {
		t.Errorf("expected stopped secondary, got %+v", st)
	}
	h.network.mu.Lock()
	sent := len(h.network.sent)
	h.network.mu.Unlock()
	if sent != 0 {
		t.Errorf("secondary sent %d messages", sent)
	}
}

func TestSecondaryFollowsTransport(t *testing.T) {
	h := newHarness(t, scenario, true, false)

	// Stamped one second ago: 30 frames have passed since
	h.receive(stampedAt(h, addressPlay, 10, time.Second), nil)
	if st := h.core.Status(); st.State != StatePlaying || !near(st.Location, 40) {
		t.Fatalf("expected playing near 40, got %s at %v", st.State, st.Location)
	}

	h.step(time.Second)
	if st := h.core.Status(); !near(st.Location, 70) {
		t.Errorf("expected local ticking to reach 70, got %v", st.Location)
	}

	h.receive(locationMessage(addressPause, 72), nil)
	if st := h.core.Status(); st.State != StatePaused || st.Location != 72 {
		t.Errorf("expected paused at 72, got %s at %v", st.State, st.Location)
	}

	h.receive(stampedAt(h, addressSeek, 500, 0), nil)
	if st := h.core.Status(); st.State != StatePlaying || st.Location != 120 {
		t.Errorf("expected out of range seek clamped to 120, got %s at %v", st.State, st.Location)
	}

	h.receive(osc.NewMessage(addressReset), nil)
	if st := h.core.Status(); st.State != StateStopped || st.Location != 0 {
		t.Errorf("expected reset, got %s at %v", st.State, st.Location)
	}
}

func TestMalformedControlIsIgnored(t *testing.T) {
	h := newHarness(t, scenario, true, false)

	bad := osc.NewMessage(addressSeek)
	bad.AddString("soon")
	h.receive(bad, nil)
	h.receive(osc.NewMessage(addressPlay), nil)
	h.receive(osc.NewMessage("/control/rewind"), nil)

	if st := h.core.Status(); st.State != StateStopped || st.Location != 0 {
		t.Errorf("malformed control changed state: %s at %v", st.State, st.Location)
	}
}

func TestResyncAdoptsCompensatedLocation(t *testing.T) {
	h := newHarness(t, scenario, true, false)

	h.core.AttemptSync()
	h.flush()
	requests := h.network.sentTo(addressSync)
	if len(requests) != 1 {
		t.Fatalf("expected one sync request, got %d", len(requests))
	}
	req, _ := requests[0].IntAt(0)
	if !h.core.Status().Resyncing {
		t.Error("expected resync in flight")
	}

	h.receive(syncReply(h, req, 50, StatePlaying, 500*time.Millisecond), nil)
	st := h.core.Status()
	if st.State != StatePlaying || !near(st.Location, 65) {
		t.Errorf("expected playing near 65, got %s at %v", st.State, st.Location)
	}
	if st.Resyncing {
		t.Error("expected resync to finish")
	}
	if h.renderer.syncs != 1 {
		t.Errorf("expected renderer sync notification, got %d", h.renderer.syncs)
	}
}

func TestResyncClampsToDuration(t *testing.T) {
	h := newHarness(t, scenario, true, false)

	h.core.AttemptSync()
	h.flush()
	req, _ := h.network.sentTo(addressSync)[0].IntAt(0)

	h.receive(syncReply(h, req, 110, StatePlaying, time.Second), nil)
	if st := h.core.Status(); st.Location != 120 {
		t.Errorf("expected clamp to 120, got %v", st.Location)
	}
}

func TestOnlyLatestResyncIsHonoured(t *testing.T) {
	h := newHarness(t, scenario, true, false)

	h.core.AttemptSync()
	h.core.AttemptSync()
	h.flush()
	requests := h.network.sentTo(addressSync)
	if len(requests) != 2 {
		t.Fatalf("expected two sync requests, got %d", len(requests))
	}
	first, _ := requests[0].IntAt(0)
	second, _ := requests[1].IntAt(0)

	h.receive(syncReply(h, first, 10, StatePlaying, 0), nil)
	if st := h.core.Status(); st.State != StateStopped {
		t.Fatalf("superseded reply was honoured: %s at %v", st.State, st.Location)
	}

	h.receive(syncReply(h, second, 50, StatePlaying, 0), nil)
	adopted := h.core.Status().Location
	if !near(adopted, 50) {
		t.Fatalf("expected 50, got %v", adopted)
	}

	// A stale reply arriving late must not move progress backwards
	h.receive(syncReply(h, first, 10, StatePlaying, 0), nil)
	if st := h.core.Status(); st.Location < adopted {
		t.Errorf("progress moved backwards from %v to %v", adopted, st.Location)
	}
}

func TestResyncCancelledByTransport(t *testing.T) {
	tests := []struct {
		name      string
		interrupt func(h *harness)
		want      float64
		state     State
	}{
		{
			name:      "seek",
			interrupt: func(h *harness) { h.receive(stampedAt(h, addressSeek, 80, 0), nil) },
			want:      80,
			state:     StatePlaying,
		},
		{
			name:      "reset",
			interrupt: func(h *harness) { h.receive(osc.NewMessage(addressReset), nil) },
			want:      0,
			state:     StateStopped,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, scenario, true, false)

			h.core.AttemptSync()
			h.flush()
			req, _ := h.network.sentTo(addressSync)[0].IntAt(0)

			tt.interrupt(h)
			h.receive(syncReply(h, req, 20, StatePlaying, 0), nil)

			st := h.core.Status()
			if st.State != tt.state || st.Location != tt.want {
				t.Errorf("expected %s at %v, got %s at %v", tt.state, tt.want, st.State, st.Location)
			}
			if st.Resyncing {
				t.Error("expected no resync in flight")
			}
		})
	}
}

func TestPrimaryAnswersSync(t *testing.T) {
	h := newHarness(t, scenario, true, true)

	h.core.Play()
	h.step(time.Second)

	req := osc.NewMessage(addressSync)
	req.AddInt(7)
	from := transport.NewOutbound("127.0.0.1", 1, transport.Identity{})
	h.receive(req, from)

	replies := h.network.replies()
	if len(replies) != 1 {
		t.Fatalf("expected one reply, got %d", len(replies))
	}
	reply := replies[0]
	if reply.AddressString() != addressSyncReply {
		t.Fatalf("expected %s, got %s", addressSyncReply, reply.AddressString())
	}
	id, _ := reply.IntAt(0)
	loc, _ := reply.FloatAt(1)
	state, _ := reply.IntAt(2)
	if id != 7 || !near(float64(loc), 30) || State(state) != StatePlaying {
		t.Errorf("unexpected reply %v", reply)
	}
	if reply.Timestamp.IsZero() {
		t.Error("expected reply timestamp")
	}
}

func TestDriftTriggersResync(t *testing.T) {
	tests := []struct {
		name     string
		position float32
		wantSync bool
	}{
		{"in tolerance", 41, false},
		{"ahead of primary", 80, true},
		{"behind primary", 5, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, scenario, true, false)
			h.receive(stampedAt(h, addressPlay, 40, 0), nil)

			h.receive(stampedAt(h, addressPosition, tt.position, 0), nil)
			got := len(h.network.sentTo(addressSync)) > 0
			if got != tt.wantSync {
				t.Errorf("position %v: resync = %v, want %v", tt.position, got, tt.wantSync)
			}
		})
	}
}

func TestPrimaryHeartbeat(t *testing.T) {
	h := newHarness(t, scenario, true, true)

	h.core.Play()
	h.flush()
	h.step(500 * time.Millisecond)
	if n := len(h.network.sentTo(addressPosition)); n != 0 {
		t.Fatalf("heartbeat sent early: %d", n)
	}
	h.step(600 * time.Millisecond)
	if n := len(h.network.sentTo(addressPosition)); n != 1 {
		t.Errorf("expected one heartbeat, got %d", n)
	}
}

func TestRouting(t *testing.T) {
	h := newHarness(t, scenario, true, true)
	from := transport.NewOutbound("127.0.0.1", 1, transport.Identity{})

	h.receive(osc.NewMessage("/renderer/highlight"), from)
	h.receive(osc.NewMessage("/annotation/add"), from)

	got := h.renderer.received()
	want := []string{"/highlight", "/annotation/add"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("renderer received %v, want %v", got, want)
	}

	h.network.mu.Lock()
	relayed := len(h.network.relayed)
	first := h.network.relayed[0].AddressString()
	h.network.mu.Unlock()
	if relayed != 2 || first != "/renderer/highlight" {
		t.Errorf("expected both messages relayed unmodified, got %d starting %s", relayed, first)
	}
}

func TestSecondaryDoesNotRelay(t *testing.T) {
	h := newHarness(t, scenario, true, false)
	h.receive(osc.NewMessage("/renderer/highlight"), nil)

	h.network.mu.Lock()
	relayed := len(h.network.relayed)
	h.network.mu.Unlock()
	if relayed != 0 {
		t.Errorf("secondary relayed %d messages", relayed)
	}
	if got := h.renderer.received(); len(got) != 1 {
		t.Errorf("expected delivery to the renderer, got %v", got)
	}
}

func TestSendDataSharesTheTransportPath(t *testing.T) {
	h := newHarness(t, scenario, true, true)

	h.core.Play()
	msg := osc.NewMessage("/highlight")
	msg.AddInt(4)
	h.core.SendData(msg)
	h.core.Pause()
	h.flush()

	h.network.mu.Lock()
	var addresses []string
	for _, m := range h.network.sent {
		addresses = append(addresses, m.AddressString())
	}
	h.network.mu.Unlock()

	want := []string{addressPlay, "/renderer/highlight", addressPause}
	if len(addresses) != len(want) {
		t.Fatalf("expected %v, got %v", want, addresses)
	}
	for i := range want {
		if addresses[i] != want[i] {
			t.Errorf("message %d: expected %s, got %s", i, want[i], addresses[i])
		}
	}
	if msg.AddressString() != "/highlight" {
		t.Error("SendData modified the caller's message")
	}
}

func TestOptionsAndScoreLoad(t *testing.T) {
	primary := newHarness(t, scenario, true, true)
	conn := transport.NewOutbound("127.0.0.1", 1, transport.Identity{})
	primary.core.loop.Do(func() { primary.core.PeerJoined(conn) })

	replies := primary.network.replies()
	if len(replies) != 1 || replies[0].AddressString() != addressOptions {
		t.Fatalf("expected options for the new peer, got %v", replies)
	}

	secondary := newHarness(t, scenario, true, false)
	secondary.receive(replies[0], nil)
	if len(secondary.renderer.options) != 1 {
		t.Fatalf("expected options applied")
	}
	if s, _ := secondary.renderer.options[0].StringAt(0); s != "landscape" {
		t.Errorf("unexpected options %v", secondary.renderer.options[0])
	}

	primary.core.RequestScoreLoad("Second Movement")
	primary.flush()
	load := primary.network.sentTo(addressScoreLoad)
	if len(load) != 1 {
		t.Fatalf("expected score load request")
	}
	secondary.receive(load[0], nil)
	if len(secondary.ui.loads) != 1 || secondary.ui.loads[0] != "Second Movement" {
		t.Errorf("expected UI load request, got %v", secondary.ui.loads)
	}
}

func TestScoreDuration(t *testing.T) {
	fixed := newHarness(t, scenario, true, true)
	fixed.core.SetScoreDuration(60)
	fixed.flush()
	if st := fixed.core.Status(); st.Duration != 120 {
		t.Errorf("fixed score changed duration to %v", st.Duration)
	}

	flexible := scenario
	flexible.AllowClockChange = true
	primary := newHarness(t, flexible, true, true)
	primary.core.SeekTo(100)
	primary.core.SetScoreDuration(60)
	primary.flush()

	st := primary.core.Status()
	if st.Duration != 60 || st.Location != 60 {
		t.Errorf("expected duration 60 with location clamped, got %v at %v", st.Duration, st.Location)
	}
	msgs := primary.network.sentTo(addressDuration)
	if len(msgs) != 1 {
		t.Fatalf("expected duration broadcast")
	}

	secondary := newHarness(t, flexible, true, false)
	secondary.receive(msgs[0], nil)
	if st := secondary.core.Status(); st.Duration != 60 {
		t.Errorf("secondary duration %v, want 60", st.Duration)
	}

	conn := transport.NewOutbound("127.0.0.1", 1, transport.Identity{})
	primary.core.loop.Do(func() { primary.core.PeerJoined(conn) })
	var found bool
	for _, m := range primary.network.replies() {
		if m.AddressString() == addressDuration {
			found = true
		}
	}
	if !found {
		t.Error("expected the changed duration to be sent to a late joiner")
	}
}

func TestUpstreamLossReconnectsAndResyncs(t *testing.T) {
	h := newHarness(t, scenario, true, false)

	var attempts atomic.Int32
	h.network.reconnect = func(context.Context) (*osc.Message, error) {
		if attempts.Add(1) < 2 {
			return nil, transport.ErrConnectRefused
		}
		return osc.NewMessage(transport.AddressWelcome), nil
	}

	h.receive(stampedAt(h, addressPlay, 0, 0), nil)
	h.core.loop.Do(func() { h.core.UpstreamLost(transport.ErrConnectionTerminated) })

	st := h.core.Status()
	if !st.AwaitingNetwork {
		t.Fatal("expected awaiting network")
	}
	if st.State != StatePlaying {
		t.Fatalf("expected playback to continue, got %s", st.State)
	}

	h.step(time.Second)
	if st := h.core.Status(); !near(st.Location, 30) {
		t.Errorf("expected local playback to continue, got %v", st.Location)
	}

	waitUntil(t, "reconnect", func() bool { return !h.core.Status().AwaitingNetwork })
	waitUntil(t, "resync request", func() bool { return len(h.network.sentTo(addressSync)) == 1 })

	if attempts.Load() != 2 {
		t.Errorf("expected 2 reconnect attempts, got %d", attempts.Load())
	}
	history := h.ui.awaitingHistory()
	if len(history) != 2 || !history[0] || history[1] {
		t.Errorf("expected awaiting true then false, got %v", history)
	}
}

func TestReconnectGivesUpWithoutAddress(t *testing.T) {
	h := newHarness(t, scenario, true, false)
	h.network.reconnect = func(context.Context) (*osc.Message, error) {
		return nil, topology.ErrNoLastAddress
	}

	h.core.loop.Do(func() { h.core.UpstreamLost(transport.ErrPingTimeout) })
	waitUntil(t, "network error", func() bool {
		h.ui.mu.Lock()
		defer h.ui.mu.Unlock()
		return len(h.ui.errs) == 1
	})

	h.ui.mu.Lock()
	err := h.ui.errs[0]
	h.ui.mu.Unlock()
	if !errors.Is(err, topology.ErrNoLastAddress) {
		t.Errorf("expected ErrNoLastAddress, got %v", err)
	}
	if !h.core.Status().AwaitingNetwork {
		t.Error("expected to stay awaiting network")
	}
}

func TestMakePrimaryStopsWaiting(t *testing.T) {
	h := newHarness(t, scenario, true, false)
	block := make(chan struct{})
	defer close(block)
	h.network.reconnect = func(ctx context.Context) (*osc.Message, error) {
		select {
		case <-ctx.Done():
		case <-block:
		}
		return nil, errors.New("cancelled")
	}

	h.core.loop.Do(func() { h.core.UpstreamLost(transport.ErrPingTimeout) })
	h.core.MakePrimary()
	h.flush()

	st := h.core.Status()
	if !st.IsMaster || st.AwaitingNetwork {
		t.Errorf("expected promoted primary, got %+v", st)
	}
	h.network.mu.Lock()
	promoted := h.network.promoted
	h.network.mu.Unlock()
	if promoted != 1 {
		t.Errorf("expected topology promotion, got %d", promoted)
	}
}

// device is one core on its own loop with a real topology server
type device struct {
	core     *Core
	renderer *recordingRenderer
	ui       *recordingUI
	server   *topology.Server
}

func newDevice(t *testing.T) *device {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	loop := eventloop.New()
	loop.Start(ctx)

	d := &device{renderer: &recordingRenderer{}, ui: &recordingUI{}}
	d.core = NewCore(Config{
		UI:               d.ui,
		ReconnectMinWait: 10 * time.Millisecond,
		ReconnectMaxWait: 50 * time.Millisecond,
	}, loop)
	if err := d.core.LoadScore(scenario, d.renderer); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		d.core.Shutdown()
		loop.Do(func() {})
		cancel()
	})
	return d
}

func sessionConfig(name string) topology.Config {
	return topology.Config{
		Name:             name,
		DeviceName:       name,
		ListenHost:       "127.0.0.1",
		DisableBroadcast: true,
		PingInterval:     20 * time.Millisecond,
		PingTimeout:      time.Second,
		ConnectTimeout:   time.Second,
	}
}

func TestSessionSurvivesClientLoss(t *testing.T) {
	primary := newDevice(t)
	primary.core.RegisterScoreList([]string{scenario.Name})
	srv, err := primary.core.InitializeServer(context.Background(), sessionConfig("Primary"))
	if err != nil {
		t.Fatalf("InitializeServer: %v", err)
	}

	secondary := newDevice(t)
	address := net.JoinHostPort("127.0.0.1", strconv.Itoa(srv.Port()))
	_, welcome, err := secondary.core.ConnectToServer(context.Background(), sessionConfig("Secondary"), address)
	if err != nil {
		t.Fatalf("ConnectToServer: %v", err)
	}
	if s, _ := welcome.StringAt(3); s != scenario.Name {
		t.Errorf("expected %q in welcome, got %v", scenario.Name, welcome)
	}
	waitUntil(t, "client registered", func() bool { return srv.ClientsCount() == 1 })

	primary.core.Play()
	waitUntil(t, "secondary playing", func() bool {
		return secondary.core.Status().State == StatePlaying
	})

	primary.core.SeekTo(60)
	waitUntil(t, "secondary seeked", func() bool {
		loc := secondary.core.Status().Location
		return loc >= 60 && loc < 70
	})

	srv.DisconnectClients()
	waitUntil(t, "secondary awaiting network", func() bool {
		for _, w := range secondary.ui.awaitingHistory() {
			if w {
				return true
			}
		}
		return false
	})
	if st := secondary.core.Status(); st.State != StatePlaying {
		t.Errorf("expected secondary to keep playing, got %s", st.State)
	}

	waitUntil(t, "reconnected and synced", func() bool {
		st := secondary.core.Status()
		return !st.AwaitingNetwork && !st.Resyncing && srv.ClientsCount() == 1
	})
	waitUntil(t, "locations agree", func() bool {
		diff := secondary.core.Status().Location - primary.core.Status().Location
		return diff > -3 && diff < 3
	})
}
