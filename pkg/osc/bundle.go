// ABOUTME: OSC bundle encoding and decoding on top of scgolang/osc bundles
// ABOUTME: Bundles stamp each contained message with the bundle timetag
package osc

import (
	"bytes"
	"errors"
	"fmt"

	scosc "github.com/scgolang/osc"
)

// BundleMarker starts every bundle on the wire
const BundleMarker = "#bundle\x00"

// bundleHeaderSize covers the marker and the timetag
const bundleHeaderSize = len(BundleMarker) + 8

// ErrMalformedBundle is returned when a bundle cannot be decoded
var ErrMalformedBundle = errors.New("malformed OSC bundle")

// IsBundle reports whether data starts with the bundle marker
func IsBundle(data []byte) bool {
	return bytes.HasPrefix(data, []byte(BundleMarker))
}

// EncodeBundle serializes messages into a bundle with the given timetag.
// The messages' own timestamps are ignored.
func EncodeBundle(tt Timetag, includeHeader bool, msgs ...*Message) []byte {
	bundle := scosc.Bundle{Timetag: scosc.Timetag(tt)}
	for _, m := range msgs {
		bundle.Packets = append(bundle.Packets, m.Packet())
	}
	body := bundle.Bytes()
	if !includeHeader {
		return body
	}
	return frame(body)
}

// ProcessBundle decodes a bundle into its messages in wire order. Each
// message's Timestamp is set to the bundle timetag. Nested bundles are
// rejected.
func ProcessBundle(data []byte) (msgs []*Message, err error) {
	if !IsBundle(data) {
		return nil, fmt.Errorf("%w: missing %q marker", ErrMalformedBundle, "#bundle")
	}
	if len(data) < bundleHeaderSize {
		return nil, fmt.Errorf("%w: truncated timetag", ErrMalformedBundle)
	}
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not 4-byte aligned", ErrMalformedBundle, len(data))
	}

	defer func() {
		if r := recover(); r != nil {
			msgs, err = nil, fmt.Errorf("%w: %v", ErrMalformedBundle, r)
		}
	}()

	bundle, err := scosc.ParseBundle(data, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedBundle, err)
	}

	tt := Timetag(bundle.Timetag)
	msgs = []*Message{}
	for i, packet := range bundle.Packets {
		var p scosc.Message
		switch v := packet.(type) {
		case scosc.Message:
			p = v
		case *scosc.Message:
			p = *v
		default:
			return nil, fmt.Errorf("%w: element %d: nested bundles are not supported", ErrMalformedBundle, i)
		}
		m, err := FromPacket(p)
		if err != nil {
			return nil, fmt.Errorf("%w: element %d: %v", ErrMalformedBundle, i, err)
		}
		m.Timestamp = tt
		msgs = append(msgs, m)
	}

	if canonical := EncodeBundle(tt, false, msgs...); !bytes.Equal(canonical, data) {
		return nil, fmt.Errorf("%w: %d bytes do not match the %d byte encoding of %d messages",
			ErrMalformedBundle, len(data), len(canonical), len(msgs))
	}
	return msgs, nil
}
