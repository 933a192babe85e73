// ABOUTME: Tests for the CLI helpers
// ABOUTME: Covers the state file, primary selection and the console renderer
package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/decibel/scoreplayer-go/internal/eventloop"
	"github.com/decibel/scoreplayer-go/pkg/osc"
	"github.com/decibel/scoreplayer-go/pkg/player"
	"github.com/decibel/scoreplayer-go/pkg/topology"
)

func useTempState(t *testing.T) {
	t.Helper()
	old := statePath
	statePath = filepath.Join(t.TempDir(), "scoreplayer", "state.json")
	t.Cleanup(func() { statePath = old })
}

func TestStateRoundTrip(t *testing.T) {
	useTempState(t)

	first := loadState()
	if first.DeviceID == "" {
		t.Fatal("expected a generated device ID")
	}
	if first.LastAddress != "" {
		t.Errorf("expected no last address, got %q", first.LastAddress)
	}

	if err := saveLastAddress("10.0.0.5:6002"); err != nil {
		t.Fatalf("saveLastAddress: %v", err)
	}

	second := loadState()
	if second.DeviceID != first.DeviceID {
		t.Errorf("device ID changed: %q -> %q", first.DeviceID, second.DeviceID)
	}
	if second.LastAddress != "10.0.0.5:6002" {
		t.Errorf("expected last address, got %q", second.LastAddress)
	}
}

func TestCorruptStateIsReplaced(t *testing.T) {
	useTempState(t)
	if err := os.MkdirAll(filepath.Dir(statePath), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(statePath, []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}

	if st := loadState(); st.DeviceID == "" {
		t.Error("expected a fresh device ID")
	}
}

func TestPickPrimary(t *testing.T) {
	defer func() { joinLast = false }()

	tests := []struct {
		name    string
		args    []string
		last    bool
		address string
		want    string
		wantErr bool
	}{
		{name: "explicit address", args: []string{"10.0.0.2:6002"}, want: "10.0.0.2:6002"},
		{name: "explicit wins over last", args: []string{"Conductor"}, last: true, address: "10.0.0.9:6002", want: "Conductor"},
		{name: "last session", last: true, address: "10.0.0.9:6002", want: "10.0.0.9:6002"},
		{name: "no last session", last: true, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			joinLast = tt.last
			got, err := pickPrimary(tt.args, tt.address)
			if tt.wantErr {
				if err == nil {
					t.Errorf("expected error, got %q", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("pickPrimary: %v", err)
			}
			if got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestConsoleRendererOptions(t *testing.T) {
	r := newConsoleRenderer(0, false)
	if v, _ := r.Options().IntAt(0); v != 1 {
		t.Errorf("expected interval clamped to 1, got %d", v)
	}

	msg := osc.NewMessage("/options")
	msg.AddInt(25)
	r.SetOptions(msg)
	if v, _ := r.Options().IntAt(0); v != 25 {
		t.Errorf("expected interval 25, got %d", v)
	}

	bad := osc.NewMessage("/options")
	bad.AddString("often")
	r.SetOptions(bad)
	if v, _ := r.Options().IntAt(0); v != 25 {
		t.Errorf("expected malformed options to be ignored, got %d", v)
	}
}

func TestConsoleRendererTracksFrames(t *testing.T) {
	r := newConsoleRenderer(10, false)
	r.Tick(3, 0, false)
	r.Tick(3, 1, false)
	if r.last != 3 {
		t.Errorf("expected last frame 3, got %d", r.last)
	}

	r.Reset()
	if r.last != -1 {
		t.Errorf("expected reset to forget the frame, got %d", r.last)
	}

	r.Tick(120, 0, true)
	if r.last != 120 {
		t.Errorf("expected final frame 120, got %d", r.last)
	}
}

func TestShutdownWaitsForNetwork(t *testing.T) {
	d := &device{
		name:     "test",
		loop:     eventloop.New(),
		renderer: newConsoleRenderer(10, false),
	}
	d.loop.Start(context.Background())
	defer d.loop.Stop()
	d.core = player.NewCore(player.Config{UI: logUI{}}, d.loop)

	srv, err := d.core.InitializeServer(context.Background(), topology.Config{
		Name:             "test",
		DeviceName:       "test",
		ListenHost:       "127.0.0.1",
		DisableBroadcast: true,
	})
	if err != nil {
		t.Fatalf("start server: %v", err)
	}
	d.server.Store(srv)

	d.shutdown()

	select {
	case <-srv.Done():
	default:
		t.Fatal("shutdown returned before the network was torn down")
	}
	if srv.Role() != topology.RoleStandalone {
		t.Errorf("expected standalone after shutdown, got %s", srv.Role())
	}
}
