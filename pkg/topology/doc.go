// Package topology manages a device's place in a ScorePlayer session.
//
// A Server is primary (it accepts clients and fans messages out to them),
// secondary (it follows exactly one upstream primary) or standalone. It
// binds a TCP listener and a UDP discovery channel on the same port
// number, advertises itself over mDNS while primary, keeps every session
// alive with datagram pings and relays messages according to its role.
//
// All state lives on an eventloop.Loop shared with the playback core, so
// delegate callbacks never race with each other.
package topology
