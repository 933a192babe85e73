// Package transport implements the reliable per-peer session used between
// ScorePlayer devices.
//
// A Connection owns one TCP stream. Every message travels as a 4-byte
// big-endian length followed by an OSC packet. Before a session opens the
// dialing side sends /server/hello and the accepting side answers with
// /server/welcome or /server/reject. After that, messages queued with
// SendNetworkMessage are written in order by a dedicated goroutine and
// every decoded inbound message is handed to the Delegate.
//
// A Connection is never reused: Reconnect returns a new instance.
package transport
