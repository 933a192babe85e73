// ABOUTME: Tests for the WebSocket status feed
// ABOUTME: Runs the monitor on loopback and reads snapshots with a real client
package monitor

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/decibel/scoreplayer-go/internal/eventloop"
	"github.com/decibel/scoreplayer-go/pkg/player"
	"github.com/gorilla/websocket"
)

type silentRenderer struct{}

func (silentRenderer) Reset() {}

func newCore(t *testing.T) *player.Core {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	loop := eventloop.New()
	loop.Start(ctx)
	core := player.NewCore(player.Config{ManualTicks: true}, loop)
	t.Cleanup(func() {
		core.Shutdown()
		cancel()
	})
	return core
}

func startMonitor(t *testing.T, source func() Snapshot) *Server {
	t.Helper()
	m := New(Config{Addr: "127.0.0.1:0", Interval: 20 * time.Millisecond}, source)
	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(m.Stop)
	return m
}

func TestStatusStream(t *testing.T) {
	core := newCore(t)
	core.RegisterScoreList([]string{"Alpha", "Beta"})
	if err := core.LoadScore(player.Score{Name: "Alpha", Duration: 120, FrameRate: 30}, silentRenderer{}); err != nil {
		t.Fatal(err)
	}
	core.SeekTo(42)
	core.Loop().Do(func() {})

	m := startMonitor(t, func() Snapshot { return Collect("Desk", core, nil) })

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+m.Addr()+"/status", nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	// The first snapshot is sent on connect, the rest on the interval
	for i := 0; i < 2; i++ {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("ReadMessage %d: %v", i, err)
		}

		var got struct {
			Device   string   `json:"device"`
			Role     string   `json:"role"`
			Scores   []string `json:"scores"`
			Playback struct {
				State    string  `json:"state"`
				Score    string  `json:"score"`
				Location float64 `json:"location"`
				IsMaster bool    `json:"isMaster"`
			} `json:"playback"`
		}
		if err := json.Unmarshal(data, &got); err != nil {
			t.Fatalf("Unmarshal: %v", err)
		}
		if got.Device != "Desk" || got.Role != "standalone" || len(got.Scores) != 2 {
			t.Errorf("unexpected snapshot %s", data)
		}
		if got.Playback.State != "playing" || got.Playback.Score != "Alpha" || !got.Playback.IsMaster {
			t.Errorf("unexpected playback %s", data)
		}
		if got.Playback.Location < 42 {
			t.Errorf("expected location from 42, got %v", got.Playback.Location)
		}
	}

	if m.Clients() != 1 {
		t.Errorf("expected 1 client, got %d", m.Clients())
	}
}

func TestStatusJSON(t *testing.T) {
	core := newCore(t)
	m := startMonitor(t, func() Snapshot { return Collect("Desk", core, nil) })

	resp, err := http.Get("http://" + m.Addr() + "/status.json")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	var snap Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if snap.Device != "Desk" || snap.Playback.Loaded {
		t.Errorf("unexpected snapshot %+v", snap)
	}
}

func TestStopClosesClients(t *testing.T) {
	core := newCore(t)
	m := New(Config{Addr: "127.0.0.1:0"}, func() Snapshot { return Collect("Desk", core, nil) })
	if err := m.Start(); err != nil {
		t.Fatal(err)
	}

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+m.Addr()+"/status", nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	if _, _, err := conn.ReadMessage(); err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}

	done := make(chan struct{})
	go func() {
		m.Stop()
		m.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Stop did not return")
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("expected the connection to be closed")
	}
}
