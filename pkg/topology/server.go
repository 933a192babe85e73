// ABOUTME: Topology server: role, client set, upstream and advertisement
// ABOUTME: All state changes run on the shared event loop
package topology

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/decibel/scoreplayer-go/internal/discovery"
	"github.com/decibel/scoreplayer-go/internal/eventloop"
	clocksync "github.com/decibel/scoreplayer-go/internal/sync"
	"github.com/decibel/scoreplayer-go/internal/version"
	"github.com/decibel/scoreplayer-go/pkg/osc"
	"github.com/decibel/scoreplayer-go/pkg/transport"
	"golang.org/x/sync/errgroup"
)

const portAttempts = 10

// Status is a point-in-time copy of the topology state, safe to read from
// any goroutine
type Status struct {
	Role        Role
	Name        string
	Advertised  string
	Port        int
	Generation  uint64
	Clients     []string
	Standby     int
	Upstream    string
	Roster      []string
	LastAddress string
}

// Server owns this device's network identity. Start, StartSecondary,
// Reconnect and Browse block and must not be called from the event loop;
// every other method only posts work and returns.
type Server struct {
	config   Config
	loop     *eventloop.Loop
	delegate Delegate
	observer Observer
	clock    *clocksync.ClockSync
	mdns     *discovery.Manager
	handler  connHandler

	suspended atomic.Bool
	stopped   atomic.Bool
	done      chan struct{}

	// Owned by the event loop
	role            Role
	clients         []*transport.Connection
	standby         []*transport.Connection
	upstream        *transport.Connection
	pendingUpstream *transport.Connection
	generation      uint64
	name            string
	advertised      string
	roster          []string
	available       map[string]*AvailableServer
	lastAddress     string

	netMu    sync.Mutex
	listener net.Listener
	channel  *discovery.Channel
	port     int
	cancel   context.CancelFunc
	browsing bool

	snapMu    sync.RWMutex
	snap      Status
	availSnap []AvailableServer
}

// NewServer creates a standalone topology server. The loop must be running
// for the server to make progress.
func NewServer(config Config, loop *eventloop.Loop, delegate Delegate) *Server {
	config.applyDefaults()

	s := &Server{
		config:      config,
		loop:        loop,
		delegate:    delegate,
		clock:       clocksync.NewClockSync(),
		name:        config.Name,
		available:   make(map[string]*AvailableServer),
		lastAddress: config.LastAddress,
		done:        make(chan struct{}),
	}
	s.handler = connHandler{s}
	s.clock.Debug = config.Debug
	if o, ok := delegate.(Observer); ok {
		s.observer = o
	}
	s.mdns = discovery.NewManager(discovery.Config{
		Name:            config.Name,
		DeviceName:      config.DeviceName,
		ServiceType:     config.ServiceType,
		ProtocolVersion: config.ProtocolVersion,
		Debug:           config.Debug,
	})
	s.publish()
	return s
}

// Start binds the listeners if needed and makes this device primary.
// ctx bounds the lifetime of the listeners.
func (s *Server) Start(ctx context.Context) error {
	if err := s.bind(ctx); err != nil {
		return err
	}
	if !s.loop.Do(s.becomePrimary) {
		return ErrStopped
	}
	return nil
}

// StartSecondary connects to a primary and follows it. host is an address
// with optional port, or the name of an available server unless
// ignoreAdvertisedAddress is set. The welcome message carries the primary's
// device name, protocol version and score list.
func (s *Server) StartSecondary(ctx context.Context, host string, ignoreAdvertisedAddress bool) (*osc.Message, error) {
	if err := s.bind(ctx); err != nil {
		return nil, err
	}

	address := host
	if !ignoreAdvertisedAddress {
		s.loop.Do(func() { address = s.resolveAdvertised(host) })
	}
	hostname, port, err := splitHostPort(address)
	if err != nil {
		return nil, err
	}

	conn := transport.NewOutbound(hostname, port, s.identity())
	conn.Debug = s.config.Debug
	if !s.loop.Do(func() { s.pendingUpstream = conn }) {
		return nil, ErrStopped
	}

	if err := conn.Connect(ctx, s.handler, s.config.ConnectTimeout); err != nil {
		s.loop.Post(func() {
			if s.pendingUpstream == conn {
				s.pendingUpstream = nil
			}
		})
		return nil, fmt.Errorf("could not join %s: %w", address, err)
	}

	adopted := false
	s.loop.Do(func() { adopted = s.adoptUpstream(conn) })
	if !adopted {
		conn.Close()
		if s.stopped.Load() {
			return nil, ErrStopped
		}
		return nil, fmt.Errorf("could not join %s: %w", address, transport.ErrClosed)
	}

	if s.config.SaveLastAddress != nil {
		s.config.SaveLastAddress(conn.PeerEndpoint())
	}
	return conn.Welcome(), nil
}

// Reconnect joins the last known primary again
func (s *Server) Reconnect(ctx context.Context) (*osc.Message, error) {
	address := s.Status().LastAddress
	if address == "" {
		return nil, ErrNoLastAddress
	}
	return s.StartSecondary(ctx, address, true)
}

// MakePrimary promotes this device in place. Standby connections become
// clients and the service is advertised again.
func (s *Server) MakePrimary() {
	s.loop.Post(s.becomePrimary)
}

// DisconnectClients closes every client connection
func (s *Server) DisconnectClients() {
	s.loop.Post(func() {
		clients := s.clients
		s.clients = nil
		for _, c := range clients {
			c.Close()
			if s.observer != nil {
				s.observer.PeerLeft(c, nil)
			}
		}
		if len(clients) > 0 {
			log.Printf("Disconnected %d clients", len(clients))
			s.publish()
		}
	})
}

// Stop tears down listening, advertising and every connection. It is
// idempotent and safe to call from a delegate callback.
func (s *Server) Stop() {
	if !s.stopped.CompareAndSwap(false, true) {
		return
	}

	s.netMu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.netMu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.closeNetwork()
	s.mdns.Stop()

	if !s.loop.Post(s.teardown) {
		s.teardown()
	}
}

// Done is closed once Stop has closed every connection
func (s *Server) Done() <-chan struct{} {
	return s.done
}

// SuspendBroadcastingClientInfo pauses the periodic roster broadcast
func (s *Server) SuspendBroadcastingClientInfo() {
	s.suspended.Store(true)
}

// ResumeBroadcastingClientInfo restarts the periodic roster broadcast
func (s *Server) ResumeBroadcastingClientInfo() {
	s.suspended.Store(false)
}

// ChangeName updates the advertised name without touching sessions
func (s *Server) ChangeName(name string) {
	s.loop.Post(func() {
		if name == s.name {
			return
		}
		s.name = name
		s.publish()
		if s.role == RolePrimary {
			s.advertise()
		}
	})
}

// Browse starts looking for servers over mDNS. Results show up in
// AvailableServers.
func (s *Server) Browse() {
	s.netMu.Lock()
	if s.browsing {
		s.netMu.Unlock()
		return
	}
	s.browsing = true
	s.netMu.Unlock()

	s.mdns.Browse()
	go func() {
		for info := range s.mdns.Servers() {
			info := info
			if !s.loop.Post(func() { s.noteAdvertised(info) }) {
				return
			}
		}
	}()
}

// Clock estimates the primary's clock. It is the identity while this
// device is primary or standalone.
func (s *Server) Clock() *clocksync.ClockSync {
	return s.clock
}

// Loop returns the event loop the server runs on
func (s *Server) Loop() *eventloop.Loop {
	return s.loop
}

// Status returns a snapshot of the topology state
func (s *Server) Status() Status {
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()
	return s.snap
}

// Role returns the current role
func (s *Server) Role() Role {
	return s.Status().Role
}

// Name returns the configured service name
func (s *Server) Name() string {
	return s.Status().Name
}

// Port returns the bound TCP and UDP port, or 0 before binding
func (s *Server) Port() int {
	s.netMu.Lock()
	defer s.netMu.Unlock()
	return s.port
}

// ClientsCount returns the number of connected clients
func (s *Server) ClientsCount() int {
	return len(s.Status().Clients)
}

// Roster returns the device names in the session. A primary reports its
// clients, a secondary the list last received from its primary.
func (s *Server) Roster() []string {
	st := s.Status()
	if st.Role == RolePrimary {
		return st.Clients
	}
	return st.Roster
}

// bind opens the TCP listener and UDP channel once
func (s *Server) bind(ctx context.Context) error {
	if s.stopped.Load() {
		return ErrStopped
	}

	s.netMu.Lock()
	defer s.netMu.Unlock()

	if s.listener != nil {
		return nil
	}

	ln, ch, err := listenPair(s.config.ListenHost, s.config.PreferredPort, s.datagramRoutes())
	if err != nil {
		return err
	}
	ch.Debug = s.config.Debug
	s.listener = ln
	s.channel = ch
	s.port = ln.Addr().(*net.TCPAddr).Port
	s.mdns.SetPort(s.port)

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return s.acceptLoop(gctx, ln) })
	g.Go(func() error { return s.tickLoop(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		s.closeNetwork()
		return nil
	})
	go func() {
		if err := g.Wait(); err != nil {
			log.Printf("Topology server error: %v", err)
		}
	}()

	log.Printf("Listening on port %d (tcp+udp)", s.port)
	return nil
}

func (s *Server) closeNetwork() {
	s.netMu.Lock()
	ln := s.listener
	ch := s.channel
	s.netMu.Unlock()

	if ln != nil {
		ln.Close()
	}
	if ch != nil {
		ch.Close()
	}
}

// listenPair binds TCP and UDP on the same port number
func listenPair(host string, preferred int, routes discovery.Routes) (net.Listener, *discovery.Channel, error) {
	var lastErr error
	for attempt := 0; attempt < portAttempts; attempt++ {
		port := 0
		if preferred > 0 {
			port = preferred + attempt
		}

		ln, err := net.Listen("tcp4", net.JoinHostPort(host, strconv.Itoa(port)))
		if err != nil {
			lastErr = err
			continue
		}
		bound := ln.Addr().(*net.TCPAddr).Port

		ch, err := discovery.ListenChannel(net.JoinHostPort(host, strconv.Itoa(bound)), routes)
		if err != nil {
			ln.Close()
			lastErr = err
			continue
		}
		return ln, ch, nil
	}
	return nil, nil, fmt.Errorf("%w: %v", ErrBind, lastErr)
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) error {
	for {
		raw, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		go s.handshake(raw)
	}
}

func (s *Server) handshake(raw net.Conn) {
	conn := transport.NewInbound(raw, s.identity())
	conn.Debug = s.config.Debug
	if err := conn.Accept(s.handler, s.config.ConnectTimeout); err != nil {
		log.Printf("Rejected connection from %s: %v", raw.RemoteAddr(), err)
		return
	}
	s.loop.Post(func() { s.addInbound(conn) })
}

func (s *Server) identity() transport.Identity {
	s.netMu.Lock()
	port := s.port
	s.netMu.Unlock()

	return transport.Identity{
		DeviceName:      s.config.DeviceName,
		ProtocolVersion: s.config.ProtocolVersion,
		DiscoveryPort:   port,
		Scores:          s.config.Scores,
	}
}

// becomePrimary runs on the loop
func (s *Server) becomePrimary() {
	if s.stopped.Load() {
		return
	}
	if s.role == RolePrimary {
		return
	}

	if up := s.upstream; up != nil {
		s.upstream = nil
		up.Close()
	}
	if p := s.pendingUpstream; p != nil {
		s.pendingUpstream = nil
		p.Close()
	}

	retained := len(s.standby)
	s.clients = append(s.clients, s.standby...)
	s.standby = nil
	s.role = RolePrimary
	s.generation++
	s.roster = nil
	s.clock.Reset()
	s.publish()

	log.Printf("Now primary (generation %d, %d clients retained)", s.generation, retained)
	s.sendRoster(true)
	s.advertise()
}

// adoptUpstream runs on the loop. It makes conn the upstream once.
func (s *Server) adoptUpstream(conn *transport.Connection) bool {
	if s.upstream == conn {
		return true
	}
	if s.stopped.Load() || conn.State() != transport.StateOpen {
		return false
	}
	if s.pendingUpstream == conn {
		s.pendingUpstream = nil
	}

	if old := s.upstream; old != nil {
		s.upstream = nil
		old.Close()
	}
	if s.role == RolePrimary {
		clients := s.clients
		s.clients = nil
		for _, c := range clients {
			c.Close()
		}
		go s.mdns.Withdraw()
	}

	s.role = RoleSecondary
	s.upstream = conn
	s.generation++
	s.roster = nil
	s.lastAddress = conn.PeerEndpoint()
	s.clock.Reset()
	s.publish()

	log.Printf("Now secondary of %s at %s (generation %d)", conn.Peer().DeviceName, conn.PeerEndpoint(), s.generation)
	s.sendPing(conn)
	return true
}

// addInbound runs on the loop. Connections accepted while primary become
// clients, otherwise they wait on standby for a promotion.
func (s *Server) addInbound(conn *transport.Connection) bool {
	if s.known(conn) {
		return true
	}
	if s.stopped.Load() {
		conn.Close()
		return false
	}
	if conn.State() != transport.StateOpen {
		return false
	}

	if s.role == RolePrimary {
		s.clients = append(s.clients, conn)
		s.publish()
		log.Printf("Client joined: %s (%s), %d connected", conn.Peer().DeviceName, conn.PeerEndpoint(), len(s.clients))
		if s.observer != nil {
			s.observer.PeerJoined(conn)
		}
		s.sendRoster(false)
		return true
	}

	s.standby = append(s.standby, conn)
	s.publish()
	log.Printf("Standby connection from %s (%s)", conn.Peer().DeviceName, conn.PeerEndpoint())
	return true
}

// teardown runs on the loop after Stop
func (s *Server) teardown() {
	if up := s.upstream; up != nil {
		s.upstream = nil
		up.Close()
	}
	if p := s.pendingUpstream; p != nil {
		s.pendingUpstream = nil
		p.Close()
	}
	for _, c := range append(s.clients, s.standby...) {
		c.Close()
	}
	s.clients = nil
	s.standby = nil
	s.role = RoleStandalone
	s.generation++
	s.advertised = ""
	s.publish()
	close(s.done)
	log.Printf("Topology server stopped")
}

// advertise (re)registers the service off the loop
func (s *Server) advertise() {
	if !s.config.Advertise {
		return
	}
	name := s.name
	go func() {
		advertised, err := s.mdns.Rename(name)
		s.loop.Post(func() {
			if err != nil {
				log.Printf("Failed to advertise %q: %v", name, err)
				s.delegate.PublishingFailed(fmt.Errorf("%w: %w", ErrPublishingFailed, err))
				return
			}
			if s.role != RolePrimary || s.stopped.Load() {
				go s.mdns.Withdraw()
				return
			}
			s.advertised = advertised
			s.publish()
		})
	}()
}

func (s *Server) known(conn *transport.Connection) bool {
	return conn == s.upstream || indexOf(s.clients, conn) >= 0 || indexOf(s.standby, conn) >= 0
}

func (s *Server) findByID(id string) *transport.Connection {
	if s.upstream != nil && s.upstream.ID() == id {
		return s.upstream
	}
	for _, c := range s.clients {
		if c.ID() == id {
			return c
		}
	}
	for _, c := range s.standby {
		if c.ID() == id {
			return c
		}
	}
	return nil
}

// publish copies loop-owned state into the snapshot
func (s *Server) publish() {
	st := Status{
		Role:        s.role,
		Name:        s.name,
		Advertised:  s.advertised,
		Generation:  s.generation,
		Standby:     len(s.standby),
		Roster:      append([]string(nil), s.roster...),
		LastAddress: s.lastAddress,
	}
	for _, c := range s.clients {
		st.Clients = append(st.Clients, c.Peer().DeviceName)
	}
	if s.upstream != nil {
		st.Upstream = s.upstream.Peer().DeviceName
	}
	st.Port = s.Port()

	s.snapMu.Lock()
	s.snap = st
	s.snapMu.Unlock()
}

func indexOf(conns []*transport.Connection, conn *transport.Connection) int {
	for i, c := range conns {
		if c == conn {
			return i
		}
	}
	return -1
}

func remove(conns *[]*transport.Connection, conn *transport.Connection) bool {
	i := indexOf(*conns, conn)
	if i < 0 {
		return false
	}
	*conns = append((*conns)[:i], (*conns)[i+1:]...)
	return true
}

// splitHostPort accepts "host" or "host:port"
func splitHostPort(address string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		// No port given
		if address == "" {
			return "", 0, fmt.Errorf("empty server address")
		}
		return address, version.DefaultPort, nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, fmt.Errorf("invalid port in %q", address)
	}
	return host, port, nil
}
