// ABOUTME: WebSocket status feed for watching a device from a browser or script
// ABOUTME: Streams JSON snapshots to every client at a fixed interval
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	sendBuffer    = 16
	writeDeadline = 10 * time.Second
	pingInterval  = 30 * time.Second
)

// Config holds monitor configuration
type Config struct {
	// Addr is the HTTP listen address, e.g. ":8927" or "127.0.0.1:0"
	Addr string

	// Interval between snapshots. Defaults to one second.
	Interval time.Duration

	Debug bool
}

// Server serves /status (WebSocket stream) and /status.json (one shot)
type Server struct {
	config   Config
	source   func() Snapshot
	upgrader websocket.Upgrader

	httpServer *http.Server
	listener   net.Listener

	clients   map[string]*client
	clientsMu sync.RWMutex

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type client struct {
	id       string
	conn     *websocket.Conn
	sendChan chan interface{}
}

// New creates a monitor that publishes what source returns
func New(config Config, source func() Snapshot) *Server {
	if config.Interval == 0 {
		config.Interval = time.Second
	}
	return &Server{
		config: config,
		source: source,
		upgrader: websocket.Upgrader{
			// Status is read-only and served on trusted local networks
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients:  make(map[string]*client),
		stopChan: make(chan struct{}),
	}
}

// Start listens and serves in the background
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("monitor listen: %w", err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleWebSocket)
	mux.HandleFunc("/status.json", s.handleJSON)
	s.httpServer = &http.Server{Handler: mux}

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("Monitor server error: %v", err)
		}
	}()
	go func() {
		defer s.wg.Done()
		s.broadcastLoop()
	}()

	log.Printf("Status monitor listening on %s", ln.Addr())
	return nil
}

// Addr returns the bound address
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.config.Addr
	}
	return s.listener.Addr().String()
}

// Clients returns the number of connected status clients
func (s *Server) Clients() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// Stop closes every client and shuts the HTTP server down
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
		if s.httpServer == nil {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(ctx); err != nil {
			log.Printf("Monitor shutdown error: %v", err)
		}

		// Hijacked connections are not closed by Shutdown
		s.clientsMu.RLock()
		for _, c := range s.clients {
			c.conn.Close()
		}
		s.clientsMu.RUnlock()

		s.wg.Wait()
	})
}

func (s *Server) handleJSON(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.source()); err != nil {
		log.Printf("Error writing status: %v", err)
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	select {
	case <-s.stopChan:
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade error: %v", err)
		return
	}
	defer conn.Close()

	c := &client{
		id:       uuid.New().String(),
		conn:     conn,
		sendChan: make(chan interface{}, sendBuffer),
	}
	c.sendChan <- s.source()

	s.clientsMu.Lock()
	s.clients[c.id] = c
	s.clientsMu.Unlock()
	if s.config.Debug {
		log.Printf("Status client connected from %s", r.RemoteAddr)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.clientWriter(c)
	}()

	defer func() {
		s.clientsMu.Lock()
		delete(s.clients, c.id)
		s.clientsMu.Unlock()
		close(c.sendChan)
		if s.config.Debug {
			log.Printf("Status client disconnected: %s", r.RemoteAddr)
		}
	}()

	// Clients only listen; reading detects the close
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) && s.config.Debug {
				log.Printf("Status client error: %v", err)
			}
			return
		}
	}
}

// clientWriter sends queued snapshots to one client
func (s *Server) clientWriter(c *client) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.sendChan:
			if !ok {
				return
			}
			data, err := json.Marshal(msg)
			if err != nil {
				log.Printf("Error marshaling status: %v", err)
				continue
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeDeadline)); err != nil {
				return
			}
		}
	}
}

func (s *Server) broadcastLoop() {
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.broadcast(s.source())
		}
	}
}

// broadcast queues snap for every client. Slow clients miss snapshots.
func (s *Server) broadcast(snap Snapshot) {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for _, c := range s.clients {
		select {
		case c.sendChan <- snap:
		default:
			if s.config.Debug {
				log.Printf("Status client %s is slow, dropping snapshot", c.id)
			}
		}
	}
}
