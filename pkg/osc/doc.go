// ABOUTME: OSC wire codec package
// ABOUTME: Encodes and decodes messages and bundles for the ScorePlayer network
// Package osc implements the OSC 1.0 subset spoken between ScorePlayer devices.
//
// A Message carries an address, a type tag and arguments of four kinds:
//   - 'i': int32, big-endian
//   - 'f': float32, big-endian IEEE-754
//   - 's': string, null terminated and padded to 4 bytes
//   - 'b': blob, 4-byte length prefix and padded to 4 bytes
//
// Arguments and the wire layout come from github.com/scgolang/osc. This
// package keeps the address as components, adds the 4-byte length header
// used on streams and only accepts the canonical encoding when decoding.
// Messages with a non-zero Timetag travel inside a bundle.
//
// Example:
//
//	msg := osc.NewMessage("/control/seek")
//	msg.AddFloat(60)
//	data := msg.Encode(true)
//
//	decoded, err := osc.Decode(data[4:])
package osc
