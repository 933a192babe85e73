// ABOUTME: Hello/welcome/reject exchange run before a session opens
// ABOUTME: Carries device name, protocol version, discovery port and score list
package transport

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/decibel/scoreplayer-go/pkg/osc"
)

// Handshake addresses
const (
	AddressHello   = "/server/hello"
	AddressWelcome = "/server/welcome"
	AddressReject  = "/server/reject"
)

// ErrVersionMismatch matches any *VersionMismatchError with errors.Is
var ErrVersionMismatch = errors.New("protocol version mismatch")

// VersionMismatchError is returned when the peers speak different protocol
// versions. It is a user-facing condition, not a transport fault.
type VersionMismatchError struct {
	Local  int32
	Remote int32
	Reason string
}

func (e *VersionMismatchError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("protocol version mismatch (local %d, remote %d): %s", e.Local, e.Remote, e.Reason)
	}
	return fmt.Sprintf("protocol version mismatch (local %d, remote %d)", e.Local, e.Remote)
}

func (e *VersionMismatchError) Is(target error) bool {
	return target == ErrVersionMismatch
}

// Identity is what this device announces during a handshake
type Identity struct {
	DeviceName      string
	ProtocolVersion int32

	// DiscoveryPort is the UDP port our ping channel listens on
	DiscoveryPort int

	// Scores lists the scores offered to connecting clients. May be nil.
	Scores func() []string
}

// PeerInfo is what the remote side announced
type PeerInfo struct {
	DeviceName      string
	ProtocolVersion int32
	DiscoveryPort   int
	Scores          []string
}

func (id Identity) scoreList() []string {
	if id.Scores == nil {
		return nil
	}
	return id.Scores()
}

func (id Identity) helloMessage() *osc.Message {
	m := osc.NewMessage(AddressHello)
	m.AddString(id.DeviceName)
	m.AddInt(id.ProtocolVersion)
	m.AddInt(int32(id.DiscoveryPort))
	return m
}

func (id Identity) welcomeMessage() *osc.Message {
	m := osc.NewMessage(AddressWelcome)
	m.AddString(id.DeviceName)
	m.AddInt(id.ProtocolVersion)
	m.AddInt(int32(id.DiscoveryPort))
	for _, score := range id.scoreList() {
		m.AddString(score)
	}
	return m
}

func rejectMessage(reason string, version int32) *osc.Message {
	m := osc.NewMessage(AddressReject)
	m.AddString(reason)
	m.AddInt(version)
	return m
}

// parsePeer reads the common device/version/port prefix of hello and welcome
func parsePeer(m *osc.Message) (PeerInfo, error) {
	var info PeerInfo
	var err error

	if info.DeviceName, err = m.StringAt(0); err != nil {
		return info, fmt.Errorf("%w: %s device name: %w", ErrHandshake, m.AddressString(), err)
	}
	if info.ProtocolVersion, err = m.IntAt(1); err != nil {
		return info, fmt.Errorf("%w: %s version: %w", ErrHandshake, m.AddressString(), err)
	}
	port, err := m.IntAt(2)
	if err != nil {
		return info, fmt.Errorf("%w: %s port: %w", ErrHandshake, m.AddressString(), err)
	}
	info.DiscoveryPort = int(port)

	for i := 3; i < m.Len(); i++ {
		score, err := m.StringAt(i)
		if err != nil {
			return info, fmt.Errorf("%w: %s score %d: %w", ErrHandshake, m.AddressString(), i-3, err)
		}
		info.Scores = append(info.Scores, score)
	}
	return info, nil
}

func (c *Connection) writeHandshake(m *osc.Message) error {
	_, err := c.conn.Write(m.Encode(true))
	return err
}

func (c *Connection) readHandshake() (*osc.Message, error) {
	frame, err := readFrame(c.conn, DefaultMaxFrameSize)
	if err != nil {
		return nil, err
	}
	m, err := osc.Decode(frame)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	return m, nil
}

// clientHandshake sends hello and waits for welcome or reject
func (c *Connection) clientHandshake(deadline time.Time) error {
	c.conn.SetDeadline(deadline)
	defer c.conn.SetDeadline(time.Time{})

	if err := c.writeHandshake(c.identity.helloMessage()); err != nil {
		return classifyHandshakeIO(err)
	}

	reply, err := c.readHandshake()
	if err != nil {
		return classifyHandshakeIO(err)
	}

	switch reply.AddressString() {
	case AddressWelcome:
		info, err := parsePeer(reply)
		if err != nil {
			return err
		}
		if info.ProtocolVersion != c.identity.ProtocolVersion {
			return &VersionMismatchError{Local: c.identity.ProtocolVersion, Remote: info.ProtocolVersion}
		}
		c.mu.Lock()
		c.peer = info
		c.welcome = reply
		c.mu.Unlock()
		log.Printf("Connected to %s (%s, %d scores)", c.PeerEndpoint(), info.DeviceName, len(info.Scores))
		return nil

	case AddressReject:
		reason, _ := reply.StringAt(0)
		remote, _ := reply.IntAt(1)
		if remote != c.identity.ProtocolVersion {
			return &VersionMismatchError{Local: c.identity.ProtocolVersion, Remote: remote, Reason: reason}
		}
		return fmt.Errorf("%w: rejected by peer: %s", ErrHandshake, reason)
	}

	return fmt.Errorf("%w: unexpected %s", ErrHandshake, reply.AddressString())
}

// serverHandshake waits for hello and answers with welcome or reject
func (c *Connection) serverHandshake(deadline time.Time) error {
	c.conn.SetDeadline(deadline)
	defer c.conn.SetDeadline(time.Time{})

	hello, err := c.readHandshake()
	if err != nil {
		return classifyHandshakeIO(err)
	}
	if hello.AddressString() != AddressHello {
		return fmt.Errorf("%w: expected %s, got %s", ErrHandshake, AddressHello, hello.AddressString())
	}

	info, err := parsePeer(hello)
	if err != nil {
		return err
	}

	if info.ProtocolVersion != c.identity.ProtocolVersion {
		reason := fmt.Sprintf("protocol version %d required", c.identity.ProtocolVersion)
		// Best effort; the session is over either way
		c.writeHandshake(rejectMessage(reason, c.identity.ProtocolVersion))
		return &VersionMismatchError{Local: c.identity.ProtocolVersion, Remote: info.ProtocolVersion}
	}

	if err := c.writeHandshake(c.identity.welcomeMessage()); err != nil {
		return classifyHandshakeIO(err)
	}

	c.mu.Lock()
	c.peer = info
	c.mu.Unlock()
	log.Printf("Accepted %s (%s)", c.PeerEndpoint(), info.DeviceName)
	return nil
}

func classifyHandshakeIO(err error) error {
	if errors.Is(err, ErrHandshake) || errors.Is(err, ErrFrameTooLarge) {
		return err
	}
	var timeout interface{ Timeout() bool }
	if errors.As(err, &timeout) && timeout.Timeout() {
		return fmt.Errorf("%w: handshake: %v", ErrConnectTimeout, err)
	}
	return fmt.Errorf("%w: handshake: %v", ErrConnectionTerminated, err)
}
