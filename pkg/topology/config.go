// ABOUTME: Configuration, roles and callback interfaces for the topology server
// ABOUTME: Defaults are filled in by NewServer
package topology

import (
	"errors"
	"time"

	"github.com/decibel/scoreplayer-go/internal/version"
	"github.com/decibel/scoreplayer-go/pkg/osc"
	"github.com/decibel/scoreplayer-go/pkg/transport"
	"github.com/google/uuid"
)

// Role is this device's place in the session
type Role int

const (
	RoleStandalone Role = iota
	RolePrimary
	RoleSecondary
)

func (r Role) String() string {
	switch r {
	case RolePrimary:
		return "primary"
	case RoleSecondary:
		return "secondary"
	}
	return "standalone"
}

var (
	// ErrPublishingFailed wraps advertisement failures passed to
	// PublishingFailed
	ErrPublishingFailed = errors.New("service publishing failed")

	// ErrNoLastAddress is returned by Reconnect when no server was ever joined
	ErrNoLastAddress = errors.New("no previous server address")

	// ErrStopped is returned by operations on a stopped server
	ErrStopped = errors.New("topology server stopped")

	// ErrBind is returned when no listening port could be opened
	ErrBind = errors.New("could not bind listening ports")
)

// Delegate receives everything the topology layer does not consume itself.
// Calls arrive on the event loop.
type Delegate interface {
	// ReceivedNetworkMessage is called for every application or transport
	// control message, tagged with the connection it arrived on
	ReceivedNetworkMessage(msg *osc.Message, from *transport.Connection)

	// PublishingFailed reports that the service could not be advertised.
	// The device keeps working without advertisement.
	PublishingFailed(err error)
}

// Observer is optionally implemented by a Delegate to follow membership
type Observer interface {
	PeerJoined(conn *transport.Connection)
	PeerLeft(conn *transport.Connection, err error)

	// UpstreamLost is called when a secondary loses its primary without
	// having closed the session itself
	UpstreamLost(err error)

	RosterChanged(roster []string)
}

// Config holds topology configuration
type Config struct {
	// Name is the advertised service name
	Name string

	// DeviceName is announced in handshakes
	DeviceName string

	// DeviceID distinguishes this device in roster datagrams. Generated
	// when empty.
	DeviceID string

	ServiceType     string
	ProtocolVersion int32

	// ListenHost restricts the listeners to one interface; empty means all
	ListenHost string

	// PreferredPort is tried first for both TCP and UDP; following ports
	// are tried when it is taken. Zero picks any free port.
	PreferredPort int

	// Advertise enables mDNS registration while primary
	Advertise bool

	// BroadcastPort receives roster datagrams. Defaults to PreferredPort,
	// or the default service port.
	BroadcastPort int

	// BroadcastAddress is the destination for roster datagrams. Empty
	// means 255.255.255.255.
	BroadcastAddress string

	// DisableBroadcast stops roster datagrams while still sending roster
	// updates to connected clients
	DisableBroadcast bool

	BroadcastInterval time.Duration
	PingInterval      time.Duration
	PingTimeout       time.Duration
	ConnectTimeout    time.Duration

	// LastAddress is the server joined in a previous run, if any
	LastAddress string

	// SaveLastAddress persists the address of every server joined
	SaveLastAddress func(address string)

	// Scores lists the scores offered to clients in welcome and roster
	// messages
	Scores func() []string

	Debug bool
}

func (c *Config) applyDefaults() {
	if c.DeviceID == "" {
		c.DeviceID = uuid.New().String()
	}
	if c.DeviceName == "" {
		c.DeviceName = c.Name
	}
	if c.ServiceType == "" {
		c.ServiceType = version.ServiceType
	}
	if c.ProtocolVersion == 0 {
		c.ProtocolVersion = version.NetworkProtocolVersion
	}
	if c.BroadcastPort == 0 {
		c.BroadcastPort = c.PreferredPort
		if c.BroadcastPort == 0 {
			c.BroadcastPort = version.DefaultPort
		}
	}
	if c.BroadcastInterval == 0 {
		c.BroadcastInterval = 2 * time.Second
	}
	if c.PingInterval == 0 {
		c.PingInterval = time.Second
	}
	if c.PingTimeout == 0 {
		c.PingTimeout = 5 * time.Second
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = transport.DefaultConnectTimeout
	}
}
