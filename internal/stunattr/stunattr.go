// Package stunattr supplies the TURN attributes and the channel-data
// framing that pion/stun does not export. pion/turn keeps its wire types in
// an internal package, so we extend pion/stun through its Setter/Getter
// interfaces instead, the same way the library implements its own
// attributes.
package stunattr

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/pion/stun/v3"
)

// Attribute types from RFC 5766 and RFC 8656 that pion/stun does not name.
const (
	AttrRequestedAddressFamily  stun.AttrType = 0x0017
	AttrAdditionalAddressFamily stun.AttrType = 0x8000
)

// Address family values per RFC 8656 section 18.7.
const (
	FamilyIPv4 byte = 0x01
	FamilyIPv6 byte = 0x02
)

// protoUDP is the REQUESTED-TRANSPORT protocol number for UDP.
const protoUDP = 17

// RequestedTransportUDP sets REQUESTED-TRANSPORT to UDP. Every ALLOCATE
// request must carry it.
type RequestedTransportUDP struct{}

// AddTo implements stun.Setter.
func (RequestedTransportUDP) AddTo(m *stun.Message) error {
	m.Add(stun.AttrRequestedTransport, []byte{protoUDP, 0, 0, 0})
	return nil
}

// AdditionalAddressFamilyIPv6 asks the relay for an IPv6 relayed address in
// addition to the IPv4 one (RFC 8656 dual allocation).
type AdditionalAddressFamilyIPv6 struct{}

// AddTo implements stun.Setter.
func (AdditionalAddressFamilyIPv6) AddTo(m *stun.Message) error {
	m.Add(AttrAdditionalAddressFamily, []byte{FamilyIPv6, 0, 0, 0})
	return nil
}

// Lifetime is the LIFETIME attribute, in seconds on the wire.
type Lifetime time.Duration

// AddTo implements stun.Setter.
func (l Lifetime) AddTo(m *stun.Message) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(time.Duration(l)/time.Second))
	m.Add(stun.AttrLifetime, buf[:])
	return nil
}

// GetFrom implements stun.Getter.
func (l *Lifetime) GetFrom(m *stun.Message) error {
	v, err := m.Get(stun.AttrLifetime)
	if err != nil {
		return err
	}
	if len(v) != 4 {
		return fmt.Errorf("LIFETIME: invalid length %d", len(v))
	}
	*l = Lifetime(time.Duration(binary.BigEndian.Uint32(v)) * time.Second)
	return nil
}

// Duration converts the attribute back to a time.Duration.
func (l Lifetime) Duration() time.Duration { return time.Duration(l) }

// ChannelNumber is the CHANNEL-NUMBER attribute of CHANNEL-BIND requests.
type ChannelNumber uint16

// AddTo implements stun.Setter.
func (c ChannelNumber) AddTo(m *stun.Message) error {
	var buf [4]byte
	binary.BigEndian.PutUint16(buf[:2], uint16(c))
	m.Add(stun.AttrChannelNumber, buf[:])
	return nil
}

// GetFrom implements stun.Getter.
func (c *ChannelNumber) GetFrom(m *stun.Message) error {
	v, err := m.Get(stun.AttrChannelNumber)
	if err != nil {
		return err
	}
	if len(v) != 4 {
		return fmt.Errorf("CHANNEL-NUMBER: invalid length %d", len(v))
	}
	*c = ChannelNumber(binary.BigEndian.Uint16(v[:2]))
	return nil
}

// Channel-data framing (RFC 5766 section 11.4): a 4-byte header of channel
// number and payload length, both big-endian, followed by the payload.
const (
	// ChannelDataHeaderSize is the fixed TURN channel-data header length.
	ChannelDataHeaderSize = 4

	// FirstChannel and LastChannel bound the valid TURN channel range.
	FirstChannel uint16 = 0x4000
	LastChannel  uint16 = 0x4FFF
)

var (
	// ErrShortChannelData is returned when a datagram is too short to hold
	// a channel-data header or its declared payload.
	ErrShortChannelData = errors.New("short channel-data message")

	// ErrInvalidChannelNumber is returned when the header's channel number
	// is outside the TURN range.
	ErrInvalidChannelNumber = errors.New("channel number out of range")
)

// EncodeChannelDataHeader writes the channel-data header for payloadLen
// bytes into the first four bytes of buf.
func EncodeChannelDataHeader(number uint16, payloadLen int, buf []byte) {
	binary.BigEndian.PutUint16(buf[:2], number)
	binary.BigEndian.PutUint16(buf[2:4], uint16(payloadLen))
}

// ParseChannelData splits a channel-data message into its channel number
// and payload. The payload aliases buf.
func ParseChannelData(buf []byte) (uint16, []byte, error) {
	if len(buf) < ChannelDataHeaderSize {
		return 0, nil, ErrShortChannelData
	}
	number := binary.BigEndian.Uint16(buf[:2])
	if number < FirstChannel || number > LastChannel {
		return 0, nil, ErrInvalidChannelNumber
	}
	length := int(binary.BigEndian.Uint16(buf[2:4]))
	if len(buf) < ChannelDataHeaderSize+length {
		return 0, nil, ErrShortChannelData
	}
	return number, buf[ChannelDataHeaderSize : ChannelDataHeaderSize+length], nil
}

// First-byte classification of multiplexed datagrams: STUN messages start
// with 0b000000xx, channel-data with 0b01xxxxxx (RFC 7983 style).
func IsSTUN(b byte) bool        { return b <= 3 }
func IsChannelData(b byte) bool { return b >= 64 && b <= 79 }

var magicCookie = [4]byte{0x21, 0x12, 0xA4, 0x42}

// ParseXORAddress decodes one XOR-encoded address attribute value
// (RFC 8489 section 14.2). pion/stun's getter only reads the first
// occurrence of an attribute type, but a dual-stack ALLOCATE response
// carries two XOR-RELAY-ADDRESS attributes, so responses are walked
// attribute by attribute and decoded with this.
func ParseXORAddress(value []byte, transactionID [stun.TransactionIDSize]byte) (netip.AddrPort, error) {
	if len(value) < 8 {
		return netip.AddrPort{}, fmt.Errorf("XOR address: short value (%d bytes)", len(value))
	}
	family := value[1]
	port := binary.BigEndian.Uint16(value[2:4]) ^ binary.BigEndian.Uint16(magicCookie[:2])

	switch family {
	case FamilyIPv4:
		var ip [4]byte
		for i := range ip {
			ip[i] = value[4+i] ^ magicCookie[i]
		}
		return netip.AddrPortFrom(netip.AddrFrom4(ip), port), nil
	case FamilyIPv6:
		if len(value) < 20 {
			return netip.AddrPort{}, fmt.Errorf("XOR address: short IPv6 value (%d bytes)", len(value))
		}
		var key [16]byte
		copy(key[:4], magicCookie[:])
		copy(key[4:], transactionID[:])
		var ip [16]byte
		for i := range ip {
			ip[i] = value[4+i] ^ key[i]
		}
		return netip.AddrPortFrom(netip.AddrFrom16(ip), port), nil
	default:
		return netip.AddrPort{}, fmt.Errorf("XOR address: unknown family %#x", family)
	}
}
