// ABOUTME: WebSocket client for a device's status feed
// ABOUTME: Decodes streamed snapshots and hands them out on a channel
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ClientConfig holds client configuration
type ClientConfig struct {
	// Addr is the monitor's host:port
	Addr string

	// HandshakeTimeout bounds dialing and the first snapshot
	HandshakeTimeout time.Duration

	Debug bool
}

// Client follows one device's status feed
type Client struct {
	config ClientConfig
	conn   *websocket.Conn
	mu     sync.RWMutex

	// Snapshots receives every decoded snapshot. It is closed when the
	// connection ends.
	Snapshots chan Snapshot

	connected bool
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewClient creates a status client
func NewClient(config ClientConfig) *Client {
	if config.HandshakeTimeout == 0 {
		config.HandshakeTimeout = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Client{
		config:    config,
		Snapshots: make(chan Snapshot, 8),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Connect dials the feed and waits for the first snapshot, which it returns
func (c *Client) Connect() (Snapshot, error) {
	u := url.URL{Scheme: "ws", Host: c.config.Addr, Path: "/status"}
	if c.config.Debug {
		log.Printf("Connecting to %s", u.String())
	}

	dialer := websocket.Dialer{HandshakeTimeout: c.config.HandshakeTimeout}
	conn, _, err := dialer.Dial(u.String(), nil)
	if err != nil {
		close(c.Snapshots)
		return Snapshot{}, fmt.Errorf("dial failed: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	conn.SetReadDeadline(time.Now().Add(c.config.HandshakeTimeout))
	first, err := c.read()
	if err != nil {
		c.Close()
		close(c.Snapshots)
		return Snapshot{}, fmt.Errorf("failed to read first snapshot: %w", err)
	}
	conn.SetReadDeadline(time.Time{})

	go c.readMessages()
	return first, nil
}

func (c *Client) read() (Snapshot, error) {
	var snap Snapshot
	messageType, data, err := c.conn.ReadMessage()
	if err != nil {
		return snap, err
	}
	if messageType != websocket.TextMessage {
		return snap, fmt.Errorf("unexpected message type %d", messageType)
	}
	if err := json.Unmarshal(data, &snap); err != nil {
		return snap, fmt.Errorf("failed to parse snapshot: %w", err)
	}
	return snap, nil
}

// readMessages forwards snapshots until the connection ends
func (c *Client) readMessages() {
	defer close(c.Snapshots)
	defer c.Close()

	for {
		snap, err := c.read()
		if err != nil {
			if c.config.Debug && c.IsConnected() {
				log.Printf("Read error: %v", err)
			}
			return
		}

		select {
		case c.Snapshots <- snap:
		case <-c.ctx.Done():
			return
		}
	}
}

// Close closes the connection
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		c.connected = false
		c.cancel()
		c.conn.Close()
	}
}

// IsConnected returns connection status
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}
