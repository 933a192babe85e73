// ABOUTME: Connectionless OSC channel for pings and roster broadcasts
// ABOUTME: Serves a scgolang/osc UDP connection through a per-address dispatcher
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"sync"

	"github.com/decibel/scoreplayer-go/pkg/osc"
	scosc "github.com/scgolang/osc"
)

// MaxDatagramSize bounds a single discovery datagram
const MaxDatagramSize = 8192

// ErrChannelClosed is returned when sending on a closed channel
var ErrChannelClosed = errors.New("discovery channel closed")

// Handler receives a decoded datagram. Handlers run one at a time on the
// channel's serve goroutine.
type Handler func(msg *osc.Message, from *net.UDPAddr)

// Routes maps an OSC address to the handler for it. Datagrams for other
// addresses are ignored.
type Routes map[string]Handler

// Channel is a UDP socket carrying one unframed OSC message per datagram.
// Timestamps are not carried.
type Channel struct {
	conn   *scosc.UDPConn
	cancel context.CancelFunc

	// Debug logs every datagram
	Debug bool

	closeOnce sync.Once
	done      chan struct{}
}

// ListenChannel binds a UDP socket on addr (for example ":6002") and starts
// dispatching datagrams to routes
func ListenChannel(addr string, routes Routes) (*Channel, error) {
	udpAddr, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", addr, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	conn, err := scosc.ListenUDPContext(ctx, "udp4", udpAddr)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("listen udp %s: %w", addr, err)
	}

	c := &Channel{
		conn:   conn,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go c.serve(c.dispatcher(routes))
	return c, nil
}

// Port returns the bound UDP port
func (c *Channel) Port() int {
	return c.conn.LocalAddr().(*net.UDPAddr).Port
}

// Send writes msg as a single datagram to addr
func (c *Channel) Send(msg *osc.Message, addr *net.UDPAddr) error {
	select {
	case <-c.done:
		return ErrChannelClosed
	default:
	}

	packet := msg.Packet()
	if size := len(packet.Bytes()); size > MaxDatagramSize {
		return fmt.Errorf("datagram of %d bytes exceeds %d", size, MaxDatagramSize)
	}
	if c.Debug {
		log.Printf("udp -> %s: %v", addr, msg)
	}
	return c.conn.SendTo(addr, packet)
}

// SendTo resolves host:port and sends msg there
func (c *Channel) SendTo(msg *osc.Message, host string, port int) error {
	addr, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return err
	}
	return c.Send(msg, addr)
}

// Broadcast sends msg to the limited broadcast address on port. broadcastIP
// may be empty for 255.255.255.255.
func (c *Channel) Broadcast(msg *osc.Message, broadcastIP string, port int) error {
	if broadcastIP == "" {
		broadcastIP = net.IPv4bcast.String()
	}
	return c.SendTo(msg, broadcastIP, port)
}

// Close stops serving and releases the socket
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.cancel()
		err = c.conn.Close()
	})
	return err
}

// dispatcher wraps each route so it sees this package's message type.
// Handler errors would end Serve, so the wrappers never return one.
func (c *Channel) dispatcher(routes Routes) scosc.PatternMatching {
	d := scosc.PatternMatching{}
	for address, handler := range routes {
		address, handler := address, handler
		d[address] = scosc.Method(func(m scosc.Message) error {
			msg, err := osc.FromPacket(m)
			if err != nil {
				if c.Debug {
					log.Printf("Dropping %s datagram: %v", address, err)
				}
				return nil
			}
			from, _ := m.Sender.(*net.UDPAddr)
			if c.Debug {
				log.Printf("udp <- %s: %v", from, msg)
			}
			handler(msg, from)
			return nil
		})
	}
	return d
}

// serve runs the dispatcher until the channel closes. A datagram that does
// not parse ends Serve with an error, so serving resumes after it.
func (c *Channel) serve(d scosc.Dispatcher) {
	for {
		err := c.conn.Serve(1, d)
		select {
		case <-c.done:
			return
		default:
		}
		if err == nil || errors.Is(err, net.ErrClosed) {
			return
		}
		if c.Debug {
			log.Printf("Dropping datagram: %v", err)
		}
	}
}
