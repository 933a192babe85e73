// ABOUTME: Tests for the status feed client
// ABOUTME: Connects to a loopback monitor and follows its snapshots
package monitor

import (
	"testing"
	"time"
)

func TestClientFollowsFeed(t *testing.T) {
	core := newCore(t)
	m := startMonitor(t, func() Snapshot { return Collect("Desk", core, nil) })

	c := NewClient(ClientConfig{Addr: m.Addr()})
	first, err := c.Connect()
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	if first.Device != "Desk" || first.Role != "standalone" {
		t.Errorf("unexpected first snapshot %+v", first)
	}

	select {
	case snap, ok := <-c.Snapshots:
		if !ok {
			t.Fatal("feed closed early")
		}
		if snap.Device != "Desk" {
			t.Errorf("unexpected snapshot %+v", snap)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no snapshot on the interval")
	}
}

func TestClientSeesServerStop(t *testing.T) {
	core := newCore(t)
	m := New(Config{Addr: "127.0.0.1:0", Interval: 20 * time.Millisecond}, func() Snapshot { return Collect("Desk", core, nil) })
	if err := m.Start(); err != nil {
		t.Fatal(err)
	}

	c := NewClient(ClientConfig{Addr: m.Addr()})
	if _, err := c.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	m.Stop()

	deadline := time.After(3 * time.Second)
	for {
		select {
		case _, ok := <-c.Snapshots:
			if !ok {
				if c.IsConnected() {
					t.Error("expected client to be disconnected")
				}
				return
			}
		case <-deadline:
			t.Fatal("feed not closed after server stop")
		}
	}
}

func TestClientDialFailure(t *testing.T) {
	c := NewClient(ClientConfig{Addr: "127.0.0.1:1", HandshakeTimeout: 500 * time.Millisecond})
	if _, err := c.Connect(); err == nil {
		t.Fatal("expected dial error")
	}
	if _, ok := <-c.Snapshots; ok {
		t.Error("expected closed channel after failed connect")
	}
}
