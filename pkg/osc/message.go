// ABOUTME: OSC message type with address and typed argument list
// ABOUTME: Arguments and wire bytes come from scgolang/osc, addresses stay split in components
package osc

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	scosc "github.com/scgolang/osc"
)

// Argument type tags
const (
	TypeInt    byte = 'i'
	TypeFloat  byte = 'f'
	TypeString byte = 's'
	TypeBlob   byte = 'b'
)

// HeaderSize is the length of the stream framing prefix
const HeaderSize = 4

var (
	// ErrMalformedMessage is returned when bytes do not decode as a message
	ErrMalformedMessage = errors.New("malformed OSC message")

	// ErrAddress is returned when stripping a component from an empty address
	ErrAddress = errors.New("OSC address has no components")

	// ErrArgumentType is returned by typed accessors on a kind mismatch
	ErrArgumentType = errors.New("OSC argument has wrong type")

	// ErrArgumentIndex is returned by typed accessors on a missing argument
	ErrArgumentIndex = errors.New("OSC argument index out of range")
)

// Message is a single OSC message
type Message struct {
	address   []string
	arguments scosc.Arguments

	// Timestamp is set from the enclosing bundle on decode. A non-zero
	// value makes the message travel inside a bundle when sent.
	Timestamp Timetag
}

// NewMessage creates a message for the given address, e.g. "/control/play"
func NewMessage(address string) *Message {
	m := &Message{}
	m.SetAddress(address)
	return m
}

// Address returns a copy of the address components
func (m *Message) Address() []string {
	return append([]string(nil), m.address...)
}

// AddressString returns the address joined with '/'
func (m *Message) AddressString() string {
	return "/" + strings.Join(m.address, "/")
}

// TypeTag returns the type tag without the leading ','
func (m *Message) TypeTag() string {
	tags := make([]byte, len(m.arguments))
	for i, arg := range m.arguments {
		tags[i] = typeOf(arg)
	}
	return string(tags)
}

// Arguments returns the argument values as int32, float32, string or []byte
func (m *Message) Arguments() []interface{} {
	values := make([]interface{}, len(m.arguments))
	for i, arg := range m.arguments {
		values[i] = valueOf(arg)
	}
	return values
}

// Len returns the number of arguments
func (m *Message) Len() int {
	return len(m.arguments)
}

// SetAddress replaces the address. Empty components are dropped.
// It panics if the address contains NUL.
func (m *Message) SetAddress(address string) {
	mustBeText("address", address)
	m.address = m.address[:0]
	for _, part := range strings.Split(address, "/") {
		if part != "" {
			m.address = append(m.address, part)
		}
	}
}

// AppendAddressComponent adds a component to the end of the address.
// It panics if the component is empty or contains '/' or NUL.
func (m *Message) AppendAddressComponent(component string) {
	mustBeComponent(component)
	m.address = append(m.address, component)
}

// PrependAddressComponent adds a component to the start of the address.
// It panics like AppendAddressComponent.
func (m *Message) PrependAddressComponent(component string) {
	mustBeComponent(component)
	m.address = append([]string{component}, m.address...)
}

// StripFirstAddressComponent removes the first address component
func (m *Message) StripFirstAddressComponent() error {
	if len(m.address) == 0 {
		return ErrAddress
	}
	m.address = append([]string(nil), m.address[1:]...)
	return nil
}

// CopyAddressFrom replaces this message's address with other's
func (m *Message) CopyAddressFrom(other *Message) {
	m.address = append([]string(nil), other.address...)
}

// HasPrefix reports whether the address starts with the given components
func (m *Message) HasPrefix(components ...string) bool {
	if len(components) > len(m.address) {
		return false
	}
	for i, c := range components {
		if m.address[i] != c {
			return false
		}
	}
	return true
}

// AddInt appends an int32 argument
func (m *Message) AddInt(v int32) {
	m.arguments = append(m.arguments, scosc.Int(v))
}

// AddFloat appends a float32 argument
func (m *Message) AddFloat(v float32) {
	m.arguments = append(m.arguments, scosc.Float(v))
}

// AddString appends a string argument. It panics if v contains NUL, which
// would end the string early on the wire.
func (m *Message) AddString(v string) {
	mustBeText("string argument", v)
	m.arguments = append(m.arguments, scosc.String(v))
}

// AddBlob appends a blob argument. The data is copied.
func (m *Message) AddBlob(v []byte) {
	m.arguments = append(m.arguments, scosc.Blob(append([]byte{}, v...)))
}

// ReplaceInt replaces the argument at index with an int32
func (m *Message) ReplaceInt(index int, v int32) {
	m.arguments[index] = scosc.Int(v)
}

// ReplaceFloat replaces the argument at index with a float32
func (m *Message) ReplaceFloat(index int, v float32) {
	m.arguments[index] = scosc.Float(v)
}

// ReplaceString replaces the argument at index with a string. It panics
// on NUL like AddString.
func (m *Message) ReplaceString(index int, v string) {
	mustBeText("string argument", v)
	m.arguments[index] = scosc.String(v)
}

// ReplaceBlob replaces the argument at index with a blob
func (m *Message) ReplaceBlob(index int, v []byte) {
	m.arguments[index] = scosc.Blob(append([]byte{}, v...))
}

// AppendArgumentsFrom appends all of other's arguments to this message
func (m *Message) AppendArgumentsFrom(other *Message) {
	for _, arg := range other.arguments {
		if b, ok := arg.(scosc.Blob); ok {
			arg = scosc.Blob(append([]byte{}, b...))
		}
		m.arguments = append(m.arguments, arg)
	}
}

// RemoveArgument removes the argument at index
func (m *Message) RemoveArgument(index int) {
	m.arguments = append(m.arguments[:index], m.arguments[index+1:]...)
}

// RemoveAllArguments clears the argument list
func (m *Message) RemoveAllArguments() {
	m.arguments = nil
}

// IntAt returns the int32 argument at index
func (m *Message) IntAt(index int) (int32, error) {
	if err := m.check(index, TypeInt); err != nil {
		return 0, err
	}
	return int32(m.arguments[index].(scosc.Int)), nil
}

// FloatAt returns the float32 argument at index
func (m *Message) FloatAt(index int) (float32, error) {
	if err := m.check(index, TypeFloat); err != nil {
		return 0, err
	}
	return float32(m.arguments[index].(scosc.Float)), nil
}

// StringAt returns the string argument at index
func (m *Message) StringAt(index int) (string, error) {
	if err := m.check(index, TypeString); err != nil {
		return "", err
	}
	return string(m.arguments[index].(scosc.String)), nil
}

// BlobAt returns the blob argument at index
func (m *Message) BlobAt(index int) ([]byte, error) {
	if err := m.check(index, TypeBlob); err != nil {
		return nil, err
	}
	return []byte(m.arguments[index].(scosc.Blob)), nil
}

// NumberAt returns an int or float argument as float64
func (m *Message) NumberAt(index int) (float64, error) {
	if index < 0 || index >= len(m.arguments) {
		return 0, fmt.Errorf("%w: %d of %d", ErrArgumentIndex, index, len(m.arguments))
	}
	switch v := m.arguments[index].(type) {
	case scosc.Int:
		return float64(v), nil
	case scosc.Float:
		return float64(v), nil
	}
	return 0, fmt.Errorf("%w: '%c' is not numeric", ErrArgumentType, typeOf(m.arguments[index]))
}

func (m *Message) check(index int, tag byte) error {
	if index < 0 || index >= len(m.arguments) {
		return fmt.Errorf("%w: %d of %d", ErrArgumentIndex, index, len(m.arguments))
	}
	if have := typeOf(m.arguments[index]); have != tag {
		return fmt.Errorf("%w: want '%c', have '%c'", ErrArgumentType, tag, have)
	}
	return nil
}

// Clone returns a deep copy of the message
func (m *Message) Clone() *Message {
	c := &Message{Timestamp: m.Timestamp}
	c.CopyAddressFrom(m)
	c.AppendArgumentsFrom(m)
	return c
}

// Equal reports whether two messages have the same address, type tag,
// arguments and timestamp
func (m *Message) Equal(other *Message) bool {
	if m.Timestamp != other.Timestamp || m.AddressString() != other.AddressString() {
		return false
	}
	if len(m.arguments) != len(other.arguments) {
		return false
	}
	for i, arg := range m.arguments {
		if typeOf(arg) != typeOf(other.arguments[i]) {
			return false
		}
		switch v := arg.(type) {
		case scosc.Blob:
			if !bytes.Equal(v, other.arguments[i].(scosc.Blob)) {
				return false
			}
		default:
			if valueOf(v) != valueOf(other.arguments[i]) {
				return false
			}
		}
	}
	return true
}

// String renders the message for logs
func (m *Message) String() string {
	var sb strings.Builder
	sb.WriteString(m.AddressString())
	for _, arg := range m.arguments {
		switch v := valueOf(arg).(type) {
		case []byte:
			fmt.Fprintf(&sb, " <blob %d>", len(v))
		case string:
			fmt.Fprintf(&sb, " %q", v)
		default:
			fmt.Fprintf(&sb, " %v", v)
		}
	}
	return sb.String()
}

// Packet returns the message as a scgolang/osc message. The timestamp is
// not part of it.
func (m *Message) Packet() scosc.Message {
	return scosc.Message{
		Address:   m.AddressString(),
		Arguments: append(scosc.Arguments(nil), m.arguments...),
	}
}

// Encode serializes the message. With includeHeader the body is preceded
// by its 4-byte big-endian length for stream framing.
func (m *Message) Encode(includeHeader bool) []byte {
	packet := m.Packet()
	body := packet.Bytes()
	if !includeHeader {
		return body
	}
	return frame(body)
}

// FromPacket converts a message parsed by scgolang/osc. Only the four
// argument kinds of this protocol are accepted.
func FromPacket(p scosc.Message) (*Message, error) {
	if !strings.HasPrefix(p.Address, "/") {
		return nil, fmt.Errorf("%w: address must start with '/'", ErrMalformedMessage)
	}
	if strings.IndexByte(p.Address, 0) >= 0 || strings.Contains(p.Address, "//") {
		return nil, fmt.Errorf("%w: invalid address %q", ErrMalformedMessage, p.Address)
	}

	m := NewMessage(p.Address)
	for _, arg := range p.Arguments {
		switch v := arg.(type) {
		case scosc.Int, scosc.Float, scosc.String:
			m.arguments = append(m.arguments, v)
		case scosc.Blob:
			m.arguments = append(m.arguments, scosc.Blob(append([]byte{}, v...)))
		default:
			return nil, fmt.Errorf("%w: unsupported argument %v", ErrMalformedMessage, arg)
		}
	}
	return m, nil
}

// Decode parses a message without the framing header. Anything but the
// canonical encoding is rejected, so non-zero padding and trailing bytes
// are errors.
func Decode(data []byte) (m *Message, err error) {
	if len(data) == 0 || data[0] != '/' {
		return nil, fmt.Errorf("%w: address must start with '/'", ErrMalformedMessage)
	}
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not 4-byte aligned", ErrMalformedMessage, len(data))
	}

	defer func() {
		if r := recover(); r != nil {
			m, err = nil, fmt.Errorf("%w: %v", ErrMalformedMessage, r)
		}
	}()

	packet, err := scosc.ParseMessage(data, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	m, err = FromPacket(packet)
	if err != nil {
		return nil, err
	}
	if canonical := m.Encode(false); !bytes.Equal(canonical, data) {
		return nil, fmt.Errorf("%w: %d bytes do not match the %d byte encoding of %v",
			ErrMalformedMessage, len(data), len(canonical), m)
	}
	return m, nil
}

// DecodePacket decodes either a single message or a bundle
func DecodePacket(data []byte) ([]*Message, error) {
	if IsBundle(data) {
		return ProcessBundle(data)
	}
	m, err := Decode(data)
	if err != nil {
		return nil, err
	}
	return []*Message{m}, nil
}

// EncodePacket encodes a message for a framed stream. Timestamped messages
// are wrapped in a single-element bundle.
func EncodePacket(m *Message, includeHeader bool) []byte {
	if m.Timestamp.IsZero() {
		return m.Encode(includeHeader)
	}
	return EncodeBundle(m.Timestamp, includeHeader, m)
}

// frame prepends the 4-byte big-endian body length
func frame(body []byte) []byte {
	data := make([]byte, HeaderSize, HeaderSize+len(body))
	binary.BigEndian.PutUint32(data, uint32(len(body)))
	return append(data, body...)
}

func typeOf(arg scosc.Argument) byte {
	switch arg.(type) {
	case scosc.Int:
		return TypeInt
	case scosc.Float:
		return TypeFloat
	case scosc.String:
		return TypeString
	case scosc.Blob:
		return TypeBlob
	}
	panic(fmt.Sprintf("osc: unsupported argument %T", arg))
}

func valueOf(arg scosc.Argument) interface{} {
	switch v := arg.(type) {
	case scosc.Int:
		return int32(v)
	case scosc.Float:
		return float32(v)
	case scosc.String:
		return string(v)
	case scosc.Blob:
		return []byte(v)
	}
	panic(fmt.Sprintf("osc: unsupported argument %T", arg))
}

func mustBeText(what, s string) {
	if strings.IndexByte(s, 0) >= 0 {
		panic(fmt.Sprintf("osc: %s %q contains NUL", what, s))
	}
}

func mustBeComponent(component string) {
	if component == "" || strings.Contains(component, "/") {
		panic(fmt.Sprintf("osc: invalid address component %q", component))
	}
	mustBeText("address component", component)
}
