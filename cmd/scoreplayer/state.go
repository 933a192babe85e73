// ABOUTME: Small state file kept between runs
// ABOUTME: Remembers the device ID and the last primary this device joined
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

type state struct {
	DeviceID    string `json:"deviceId"`
	LastAddress string `json:"lastAddress,omitempty"`
}

var (
	stateMu   sync.Mutex
	statePath = defaultStatePath()
)

func defaultStatePath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "scoreplayer", "state.json")
}

// loadState reads the state file, creating a device ID on first use
func loadState() state {
	stateMu.Lock()
	defer stateMu.Unlock()

	var st state
	data, err := os.ReadFile(statePath)
	if err == nil {
		if err := json.Unmarshal(data, &st); err != nil {
			log.Printf("Ignoring corrupt state file %s: %v", statePath, err)
			st = state{}
		}
	}
	if st.DeviceID == "" {
		st.DeviceID = uuid.New().String()
		if err := writeState(st); err != nil {
			log.Printf("Failed to save state: %v", err)
		}
	}
	return st
}

// saveLastAddress records the primary joined most recently
func saveLastAddress(address string) error {
	stateMu.Lock()
	defer stateMu.Unlock()

	var st state
	if data, err := os.ReadFile(statePath); err == nil {
		_ = json.Unmarshal(data, &st)
	}
	st.LastAddress = address
	return writeState(st)
}

func writeState(st state) error {
	if err := os.MkdirAll(filepath.Dir(statePath), 0755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}

	tmp := statePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	return os.Rename(tmp, statePath)
}
