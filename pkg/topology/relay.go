// ABOUTME: Message fan-out and connection callbacks for the topology server
// ABOUTME: Routes inbound traffic to the delegate and outbound traffic by role
package topology

import (
	"log"

	"github.com/decibel/scoreplayer-go/pkg/osc"
	"github.com/decibel/scoreplayer-go/pkg/transport"
)

// connHandler moves connection callbacks onto the event loop
type connHandler struct {
	s *Server
}

func (h connHandler) ReceivedNetworkMessage(msg *osc.Message, from *transport.Connection) {
	h.s.loop.Post(func() { h.s.handleMessage(msg, from) })
}

func (h connHandler) ConnectionTerminated(conn *transport.Connection, err error) {
	h.s.loop.Post(func() { h.s.handleTerminated(conn, err) })
}

// SendNetworkMessage broadcasts msg to every client when primary, or
// forwards it upstream when secondary. Standalone devices drop it.
func (s *Server) SendNetworkMessage(msg *osc.Message) {
	m := msg.Clone()
	s.loop.Post(func() { s.send(m) })
}

// SendTo writes msg to one connection if it is still part of the session
func (s *Server) SendTo(conn *transport.Connection, msg *osc.Message) {
	m := msg.Clone()
	s.loop.Post(func() {
		if s.known(conn) {
			s.write(conn, m)
		}
	})
}

// Relay forwards msg to every client except the one it came from. Only a
// primary relays.
func (s *Server) Relay(msg *osc.Message, except *transport.Connection) {
	m := msg.Clone()
	s.loop.Post(func() {
		if s.role != RolePrimary {
			return
		}
		for _, c := range s.clients {
			if c != except {
				s.write(c, m)
			}
		}
	})
}

func (s *Server) send(msg *osc.Message) {
	switch s.role {
	case RolePrimary:
		for _, c := range s.clients {
			s.write(c, msg)
		}
	case RoleSecondary:
		if s.upstream != nil {
			s.write(s.upstream, msg)
		}
	default:
		if s.config.Debug {
			log.Printf("Not connected, dropping %s", msg.AddressString())
		}
	}
}

func (s *Server) write(conn *transport.Connection, msg *osc.Message) {
	if err := conn.SendNetworkMessage(msg); err != nil && s.config.Debug {
		log.Printf("Send to %s failed: %v", conn.PeerEndpoint(), err)
	}
}

// handleMessage runs on the loop
func (s *Server) handleMessage(msg *osc.Message, conn *transport.Connection) {
	switch {
	case conn == s.upstream, conn == s.pendingUpstream && s.adoptUpstream(conn):
		if msg.AddressString() == AddressClients {
			s.updateRoster(msg)
			return
		}
		s.delegate.ReceivedNetworkMessage(msg, conn)

	case indexOf(s.clients, conn) >= 0:
		s.delegate.ReceivedNetworkMessage(msg, conn)

	case indexOf(s.standby, conn) >= 0:
		if s.config.Debug {
			log.Printf("Ignoring %s from standby %s", msg.AddressString(), conn.PeerEndpoint())
		}

	case conn.Inbound() && s.addInbound(conn):
		// Arrived before the accept goroutine registered it
		s.handleMessage(msg, conn)
	}
}

// handleTerminated runs on the loop
func (s *Server) handleTerminated(conn *transport.Connection, err error) {
	switch {
	case conn == s.upstream:
		s.upstream = nil
		s.role = RoleStandalone
		s.generation++
		s.roster = nil
		s.publish()
		log.Printf("Lost primary %s: %v", conn.PeerEndpoint(), err)
		if s.observer != nil {
			s.observer.UpstreamLost(err)
		}

	case remove(&s.clients, conn):
		s.publish()
		log.Printf("Client left: %s (%s), %d connected", conn.Peer().DeviceName, conn.PeerEndpoint(), len(s.clients))
		if s.observer != nil {
			s.observer.PeerLeft(conn, err)
		}
		s.sendRoster(false)

	case remove(&s.standby, conn):
		s.publish()

	case conn == s.pendingUpstream:
		s.pendingUpstream = nil
	}
}

func (s *Server) updateRoster(msg *osc.Message) {
	info, err := parseClients(msg)
	if err != nil {
		log.Printf("Ignoring malformed roster: %v", err)
		return
	}
	s.roster = info.Clients
	s.publish()
	if s.observer != nil {
		s.observer.RosterChanged(append([]string(nil), s.roster...))
	}
}
