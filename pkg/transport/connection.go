// ABOUTME: Reliable framed session to exactly one peer
// ABOUTME: Owns the socket, FIFO write queue, receive loop and termination reporting
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/decibel/scoreplayer-go/pkg/osc"
	"github.com/google/uuid"
)

const (
	// SendQueueSize is the number of frames a connection buffers for writing
	SendQueueSize = 256

	// DefaultConnectTimeout applies when Connect or Accept get a zero timeout
	DefaultConnectTimeout = 5 * time.Second

	writeDeadline = 10 * time.Second
	readChunkSize = 4096
)

var (
	// ErrConnectTimeout is returned when a connection attempt does not
	// complete in time
	ErrConnectTimeout = errors.New("connect timed out")

	// ErrConnectRefused is returned when the peer cannot be reached
	ErrConnectRefused = errors.New("connect refused")

	// ErrConnectionTerminated wraps every socket-level failure reported
	// through ConnectionTerminated
	ErrConnectionTerminated = errors.New("connection terminated")

	// ErrPingTimeout is reported when a peer stops answering keepalives
	ErrPingTimeout = errors.New("peer stopped answering pings")

	// ErrClosed is returned when sending on a closed connection
	ErrClosed = errors.New("connection closed")

	// ErrSendQueueFull terminates a session whose peer cannot keep up
	ErrSendQueueFull = errors.New("send queue full")

	// ErrNotReusable is returned when connecting a connection a second time
	ErrNotReusable = errors.New("connection already used")

	// ErrHandshake is returned when the peer speaks an unexpected handshake
	ErrHandshake = errors.New("handshake failed")
)

// State is a connection lifecycle stage
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Delegate receives connection events. Calls arrive on the connection's own
// goroutines; implementations hand them off rather than mutating shared
// state directly.
type Delegate interface {
	ReceivedNetworkMessage(msg *osc.Message, from *Connection)

	// ConnectionTerminated is called exactly once. err is nil after an
	// explicit local Close.
	ConnectionTerminated(conn *Connection, err error)
}

// Connection is a framed OSC session with a single peer
type Connection struct {
	id       string
	identity Identity
	inbound  bool
	host     string
	port     int

	// Debug enables per-message logging
	Debug bool

	mu       sync.RWMutex
	conn     net.Conn
	state    State
	peer     PeerInfo
	welcome  *osc.Message
	delegate Delegate

	// dial opens outbound streams
	dial func(ctx context.Context, network, address string) (net.Conn, error)

	sendChan   chan []byte
	done       chan struct{}
	terminated atomic.Bool
	lastHeard  atomic.Int64
}

// NewInbound wraps a stream accepted by a listener. Call Accept to run the
// server side of the handshake.
func NewInbound(conn net.Conn, identity Identity) *Connection {
	c := newConnection(identity)
	c.inbound = true
	c.conn = conn
	if addr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		c.host = addr.IP.String()
		c.port = addr.Port
	}
	return c
}

// NewOutbound prepares a connection to host:port. Call Connect to dial.
func NewOutbound(host string, port int, identity Identity) *Connection {
	c := newConnection(identity)
	c.host = host
	c.port = port
	c.dial = (&net.Dialer{}).DialContext
	return c
}

func newConnection(identity Identity) *Connection {
	return &Connection{
		id:       uuid.New().String(),
		identity: identity,
		state:    StateConnecting,
		sendChan: make(chan []byte, SendQueueSize),
		done:     make(chan struct{}),
	}
}

// ID uniquely identifies this connection instance
func (c *Connection) ID() string {
	return c.id
}

// Inbound reports whether the peer dialed us
func (c *Connection) Inbound() bool {
	return c.inbound
}

// State returns the lifecycle state
func (c *Connection) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Peer returns what the peer announced during the handshake
func (c *Connection) Peer() PeerInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.peer
}

// Welcome returns the welcome message received by an outbound connection
func (c *Connection) Welcome() *osc.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.welcome == nil {
		return nil
	}
	return c.welcome.Clone()
}

// PeerAddress returns the remote host
func (c *Connection) PeerAddress() string {
	return c.host
}

// PeerEndpoint returns host:port of the remote side
func (c *Connection) PeerEndpoint() string {
	return net.JoinHostPort(c.host, strconv.Itoa(c.port))
}

// LocalAddress returns the local endpoint, or "" before the socket exists
func (c *Connection) LocalAddress() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.conn == nil {
		return ""
	}
	return c.conn.LocalAddr().String()
}

// LastHeard returns when data or a keepalive last arrived from the peer
func (c *Connection) LastHeard() time.Time {
	return time.UnixMicro(c.lastHeard.Load())
}

// Touch records peer liveness
func (c *Connection) Touch() {
	c.lastHeard.Store(time.Now().UnixMicro())
}

// Done is closed once the connection has terminated
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Connect dials the peer and runs the client side of the handshake. It fails
// with ErrConnectTimeout, ErrConnectRefused or a *VersionMismatchError.
func (c *Connection) Connect(ctx context.Context, delegate Delegate, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}

	c.mu.Lock()
	if c.inbound || c.state != StateConnecting || c.conn != nil {
		c.mu.Unlock()
		return ErrNotReusable
	}
	c.delegate = delegate
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	go func() {
		select {
		case <-c.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	log.Printf("Connecting to %s", c.PeerEndpoint())

	conn, err := c.dial(ctx, "tcp", c.PeerEndpoint())
	if err != nil {
		if c.isTerminated() {
			return ErrClosed
		}
		err = classifyDialError(err)
		c.terminate(err)
		return err
	}

	c.mu.Lock()
	if c.state != StateConnecting {
		// Closed while dialing
		c.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	c.conn = conn
	c.mu.Unlock()

	deadline, _ := ctx.Deadline()
	if err := c.clientHandshake(deadline); err != nil {
		c.terminate(err)
		return err
	}

	if !c.open() {
		conn.Close()
		return ErrClosed
	}
	return nil
}

// Accept runs the server side of the handshake on an inbound connection
func (c *Connection) Accept(delegate Delegate, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}

	c.mu.Lock()
	if !c.inbound || c.state != StateConnecting {
		c.mu.Unlock()
		return ErrNotReusable
	}
	c.delegate = delegate
	c.mu.Unlock()

	if err := c.serverHandshake(time.Now().Add(timeout)); err != nil {
		c.terminate(err)
		return err
	}

	if !c.open() {
		c.conn.Close()
		return ErrClosed
	}
	return nil
}

// Reconnect opens a fresh session to the same peer address. The receiver is
// not reused.
func (c *Connection) Reconnect(ctx context.Context, delegate Delegate, timeout time.Duration) (*Connection, error) {
	if c.inbound {
		return nil, fmt.Errorf("%w: inbound connections cannot be redialed", ErrNotReusable)
	}
	next := NewOutbound(c.host, c.port, c.identity)
	next.Debug = c.Debug
	if err := next.Connect(ctx, delegate, timeout); err != nil {
		return nil, err
	}
	return next, nil
}

// SendNetworkMessage queues a message for writing. Messages are written in
// the order they were queued.
func (c *Connection) SendNetworkMessage(msg *osc.Message) error {
	if c.State() != StateOpen {
		return ErrClosed
	}

	data := osc.EncodePacket(msg, true)
	if c.Debug {
		log.Printf("-> %s: %v", c.PeerEndpoint(), msg)
	}

	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	select {
	case c.sendChan <- data:
		return nil
	default:
		err := fmt.Errorf("%w: %w", ErrConnectionTerminated, ErrSendQueueFull)
		c.terminate(err)
		return err
	}
}

// Close releases the socket. Pending writes are discarded. Safe to call
// more than once and from inside ConnectionTerminated.
func (c *Connection) Close() {
	c.mu.Lock()
	if c.state == StateOpen || c.state == StateConnecting {
		c.state = StateClosing
	}
	c.mu.Unlock()

	c.terminate(nil)
}

// Abort ends the session with cause, reported through ConnectionTerminated
// wrapped in ErrConnectionTerminated
func (c *Connection) Abort(cause error) {
	c.terminate(fmt.Errorf("%w: %w", ErrConnectionTerminated, cause))
}

func (c *Connection) isTerminated() bool {
	return c.terminated.Load()
}

func (c *Connection) open() bool {
	c.mu.Lock()
	if c.state != StateConnecting {
		// Closed while handshaking
		c.mu.Unlock()
		return false
	}
	c.state = StateOpen
	c.mu.Unlock()

	c.Touch()
	go c.readLoop()
	go c.writeLoop()
	return true
}

// terminate tears the connection down and reports to the delegate once.
// The delegate may call Close from inside the report.
func (c *Connection) terminate(err error) {
	if !c.terminated.CompareAndSwap(false, true) {
		return
	}

	c.mu.Lock()
	c.state = StateClosed
	conn := c.conn
	delegate := c.delegate
	c.mu.Unlock()

	close(c.done)
	if conn != nil {
		conn.Close()
	}

	if err != nil {
		log.Printf("Connection to %s terminated: %v", c.PeerEndpoint(), err)
	} else if c.Debug {
		log.Printf("Connection to %s closed", c.PeerEndpoint())
	}

	if delegate != nil {
		delegate.ConnectionTerminated(c, err)
	}
}

// readLoop decodes frames and hands every message to the delegate
func (c *Connection) readLoop() {
	var frames FrameBuffer
	buf := make([]byte, readChunkSize)

	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			c.Touch()
			frames.Write(buf[:n])
			if ferr := c.drainFrames(&frames); ferr != nil {
				c.terminate(fmt.Errorf("%w: %w", ErrConnectionTerminated, ferr))
				return
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = fmt.Errorf("%w: peer disconnected", ErrConnectionTerminated)
			} else {
				err = fmt.Errorf("%w: %w", ErrConnectionTerminated, err)
			}
			c.terminate(err)
			return
		}
	}
}

func (c *Connection) drainFrames(frames *FrameBuffer) error {
	for {
		frame, ok, err := frames.Next()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}

		msgs, err := osc.DecodePacket(frame)
		if err != nil {
			// A bad frame is dropped; the stream itself is still aligned
			log.Printf("Discarding frame from %s: %v", c.PeerEndpoint(), err)
			continue
		}

		c.mu.RLock()
		delegate := c.delegate
		c.mu.RUnlock()

		for _, msg := range msgs {
			select {
			case <-c.done:
				return nil
			default:
			}
			if c.Debug {
				log.Printf("<- %s: %v", c.PeerEndpoint(), msg)
			}
			if delegate != nil {
				delegate.ReceivedNetworkMessage(msg, c)
			}
		}
	}
}

// writeLoop drains the send queue in FIFO order
func (c *Connection) writeLoop() {
	for {
		select {
		case data := <-c.sendChan:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if _, err := c.conn.Write(data); err != nil {
				c.terminate(fmt.Errorf("%w: %w", ErrConnectionTerminated, err))
				return
			}
		case <-c.done:
			return
		}
	}
}

func classifyDialError(err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %v", ErrConnectTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrConnectRefused, err)
}
