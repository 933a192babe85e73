// ABOUTME: Datagram side of the topology server: keepalives and roster broadcasts
// ABOUTME: Pong timestamps feed the clock estimate of the primary
package topology

import (
	"context"
	"fmt"
	"log"
	"net"
	"sort"
	"strconv"
	"time"

	"github.com/decibel/scoreplayer-go/internal/discovery"
	"github.com/decibel/scoreplayer-go/pkg/osc"
	"github.com/decibel/scoreplayer-go/pkg/transport"
)

// Datagram and roster addresses
const (
	AddressPing    = "/ping"
	AddressPong    = "/pong"
	AddressClients = "/server/clients"
)

const availableLifetimeTicks = 3

// AvailableServer is a primary seen on the network but not necessarily
// joined
type AvailableServer struct {
	ID              string
	Name            string
	Host            string
	Port            int
	ProtocolVersion int32
	Clients         []string
	Scores          []string
	LastSeen        time.Time

	// Advertised is set for servers found over mDNS rather than roster
	// datagrams
	Advertised bool
}

// Address returns host:port
func (a AvailableServer) Address() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// AvailableServers lists primaries seen recently, sorted by name
func (s *Server) AvailableServers() []AvailableServer {
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()
	return append([]AvailableServer(nil), s.availSnap...)
}

func (s *Server) tickLoop(ctx context.Context) error {
	ping := time.NewTicker(s.config.PingInterval)
	defer ping.Stop()
	broadcast := time.NewTicker(s.config.BroadcastInterval)
	defer broadcast.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ping.C:
			s.loop.Post(s.pingAll)
		case <-broadcast.C:
			s.loop.Post(func() {
				if s.role == RolePrimary && !s.suspended.Load() {
					s.sendRoster(true)
				}
				s.expireAvailable()
			})
		}
	}
}

// pingAll runs on the loop. Connections silent for longer than the ping
// timeout are aborted through the normal termination path.
func (s *Server) pingAll() {
	now := time.Now()
	for _, c := range s.connections() {
		if now.Sub(c.LastHeard()) > s.config.PingTimeout {
			log.Printf("No response from %s for %v", c.PeerEndpoint(), s.config.PingTimeout)
			c.Abort(transport.ErrPingTimeout)
			continue
		}
		s.sendPing(c)
	}
	s.clock.CheckQuality()
}

func (s *Server) sendPing(conn *transport.Connection) {
	port := conn.Peer().DiscoveryPort
	s.netMu.Lock()
	ch := s.channel
	s.netMu.Unlock()
	if ch == nil || port == 0 {
		return
	}

	msg := osc.NewMessage(AddressPing)
	msg.AddString(conn.ID())
	addMicros(msg, time.Now().UnixMicro())
	if err := ch.SendTo(msg, conn.PeerAddress(), port); err != nil && s.config.Debug {
		log.Printf("Ping to %s failed: %v", conn.PeerAddress(), err)
	}
}

// datagramRoutes are served on the channel's goroutine
func (s *Server) datagramRoutes() discovery.Routes {
	return discovery.Routes{
		AddressPing: s.handlePing,
		AddressPong: func(msg *osc.Message, from *net.UDPAddr) {
			received := time.Now().UnixMicro()
			s.loop.Post(func() { s.handlePong(msg, received) })
		},
		AddressClients: func(msg *osc.Message, from *net.UDPAddr) {
			s.loop.Post(func() { s.noteRoster(msg, from) })
		},
	}
}

// handlePing answers straight from the channel goroutine so the reply
// carries the receive time
func (s *Server) handlePing(msg *osc.Message, from *net.UDPAddr) {
	received := time.Now().UnixMicro()

	token, err := msg.StringAt(0)
	if err != nil {
		return
	}
	sent, err := microsAt(msg, 1)
	if err != nil {
		return
	}
	pong := osc.NewMessage(AddressPong)
	pong.AddString(token)
	addMicros(pong, sent)
	addMicros(pong, received)

	s.netMu.Lock()
	ch := s.channel
	s.netMu.Unlock()
	if ch != nil {
		ch.Send(pong, from)
	}
	s.loop.Post(func() { s.touchFrom(from) })
}

// touchFrom marks the connection whose peer pinged us as alive
func (s *Server) touchFrom(from *net.UDPAddr) {
	host := from.IP.String()
	for _, c := range s.connections() {
		if c.PeerAddress() == host && c.Peer().DiscoveryPort == from.Port {
			c.Touch()
		}
	}
}

func (s *Server) handlePong(msg *osc.Message, received int64) {
	token, err := msg.StringAt(0)
	if err != nil {
		return
	}
	sent, err1 := microsAt(msg, 1)
	remote, err2 := microsAt(msg, 3)
	if err1 != nil || err2 != nil {
		return
	}

	conn := s.findByID(token)
	if conn == nil {
		return
	}
	conn.Touch()
	if conn == s.upstream {
		s.clock.AddSample(sent, remote, remote, received)
	}
}

func (s *Server) connections() []*transport.Connection {
	conns := append(append([]*transport.Connection(nil), s.clients...), s.standby...)
	if s.upstream != nil {
		conns = append(conns, s.upstream)
	}
	return conns
}

// rosterMessage describes this primary for clients and late joiners:
// id, name, port, version, client count, client names, then score names
func (s *Server) rosterMessage() *osc.Message {
	msg := osc.NewMessage(AddressClients)
	msg.AddString(s.config.DeviceID)
	msg.AddString(s.name)
	msg.AddInt(int32(s.Port()))
	msg.AddInt(s.config.ProtocolVersion)
	msg.AddInt(int32(len(s.clients)))
	for _, c := range s.clients {
		msg.AddString(c.Peer().DeviceName)
	}
	if s.config.Scores != nil {
		for _, score := range s.config.Scores() {
			msg.AddString(score)
		}
	}
	return msg
}

// sendRoster runs on the loop. The datagram copy is only sent when
// withBroadcast is set and broadcasting is not suspended.
func (s *Server) sendRoster(withBroadcast bool) {
	if s.role != RolePrimary {
		return
	}
	msg := s.rosterMessage()
	for _, c := range s.clients {
		s.write(c, msg)
	}

	if !withBroadcast || s.config.DisableBroadcast || s.suspended.Load() {
		return
	}
	s.netMu.Lock()
	ch := s.channel
	s.netMu.Unlock()
	if ch == nil {
		return
	}
	if err := ch.Broadcast(msg, s.config.BroadcastAddress, s.config.BroadcastPort); err != nil && s.config.Debug {
		log.Printf("Roster broadcast failed: %v", err)
	}
}

// parseClients decodes a roster message
func parseClients(msg *osc.Message) (AvailableServer, error) {
	var info AvailableServer
	var err error

	if info.ID, err = msg.StringAt(0); err != nil {
		return info, err
	}
	if info.Name, err = msg.StringAt(1); err != nil {
		return info, err
	}
	port, err := msg.IntAt(2)
	if err != nil {
		return info, err
	}
	info.Port = int(port)
	if info.ProtocolVersion, err = msg.IntAt(3); err != nil {
		return info, err
	}
	count, err := msg.IntAt(4)
	if err != nil {
		return info, err
	}
	if count < 0 || int(count) > msg.Len()-5 {
		return info, fmt.Errorf("roster claims %d clients in %d arguments", count, msg.Len())
	}

	for i := 5; i < msg.Len(); i++ {
		name, err := msg.StringAt(i)
		if err != nil {
			return info, err
		}
		if i < 5+int(count) {
			info.Clients = append(info.Clients, name)
		} else {
			info.Scores = append(info.Scores, name)
		}
	}
	return info, nil
}

// noteRoster records a roster datagram from a primary on the network
func (s *Server) noteRoster(msg *osc.Message, from *net.UDPAddr) {
	info, err := parseClients(msg)
	if err != nil {
		if s.config.Debug {
			log.Printf("Ignoring roster datagram from %s: %v", from, err)
		}
		return
	}
	if info.ID == s.config.DeviceID {
		return
	}
	info.Host = from.IP.String()
	info.LastSeen = time.Now()
	s.available[info.ID] = &info
	s.publishAvailable()
}

// noteAdvertised records a server found over mDNS
func (s *Server) noteAdvertised(found *discovery.ServerInfo) {
	if found.Name == s.advertised && found.Port == s.Port() {
		return
	}
	key := "mdns:" + found.Name
	s.available[key] = &AvailableServer{
		ID:              key,
		Name:            found.Name,
		Host:            found.Host,
		Port:            found.Port,
		ProtocolVersion: found.ProtocolVersion,
		LastSeen:        time.Now(),
		Advertised:      true,
	}
	s.publishAvailable()
}

func (s *Server) expireAvailable() {
	cutoff := time.Now().Add(-availableLifetimeTicks * s.config.BroadcastInterval)
	changed := false
	for id, a := range s.available {
		if a.LastSeen.Before(cutoff) && !a.Advertised {
			delete(s.available, id)
			changed = true
		}
	}
	if changed {
		s.publishAvailable()
	}
}

func (s *Server) publishAvailable() {
	list := make([]AvailableServer, 0, len(s.available))
	for _, a := range s.available {
		list = append(list, *a)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].Name != list[j].Name {
			return list[i].Name < list[j].Name
		}
		return list[i].ID < list[j].ID
	})

	s.snapMu.Lock()
	s.availSnap = list
	s.snapMu.Unlock()
}

// resolveAdvertised maps an available server name to its address
func (s *Server) resolveAdvertised(host string) string {
	for _, a := range s.available {
		if a.Name == host {
			return a.Address()
		}
	}
	return host
}

func addMicros(msg *osc.Message, micros int64) {
	msg.AddInt(int32(micros >> 32))
	msg.AddInt(int32(uint32(micros)))
}

func microsAt(msg *osc.Message, index int) (int64, error) {
	hi, err := msg.IntAt(index)
	if err != nil {
		return 0, err
	}
	lo, err := msg.IntAt(index + 1)
	if err != nil {
		return 0, err
	}
	return int64(hi)<<32 | int64(uint32(lo)), nil
}
