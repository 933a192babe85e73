// ABOUTME: Version and protocol constants for ScorePlayer
// ABOUTME: Shared by the handshake, service record and CLI banner
package version

const (
	// Version is the software version reported in handshakes and logs
	Version = "0.4.0"

	// Product is the product name
	Product = "ScorePlayer"

	// Manufacturer identifies the publisher
	Manufacturer = "Decibel"

	// NetworkProtocolVersion must match between primary and secondary
	NetworkProtocolVersion = 14

	// ServiceType is the mDNS service type advertised by primaries
	ServiceType = "_scoreplayer._tcp"

	// DefaultPort is the preferred TCP port (the UDP discovery channel uses
	// the same number)
	DefaultPort = 6002
)
