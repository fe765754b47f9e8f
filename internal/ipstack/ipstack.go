// Package ipstack provides a zero-copy view over raw IPv4/IPv6 packets:
// header access, destination/source rewriting with checksum fixups, UDP
// payload extraction and construction, and the ICMP unreachable messages
// the policy layer cares about.
package ipstack

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
)

// IP protocol numbers.
const (
	ProtoICMP   = 1
	ProtoTCP    = 6
	ProtoUDP    = 17
	ProtoICMPv6 = 58
)

var (
	// ErrTooShort is returned for buffers smaller than their headers
	// declare.
	ErrTooShort = errors.New("packet too short")

	// ErrUnknownVersion is returned when the version nibble is neither 4
	// nor 6.
	ErrUnknownVersion = errors.New("unknown IP version")
)

// Packet is a mutable view over a raw IP packet. The underlying buffer is
// shared, not copied.
type Packet struct {
	buf []byte
	v4  bool
}

// Parse validates the fixed header and returns a view.
func Parse(buf []byte) (Packet, error) {
	if len(buf) < 1 {
		return Packet{}, ErrTooShort
	}
	switch buf[0] >> 4 {
	case 4:
		if len(buf) < 20 || len(buf) < int(buf[0]&0x0f)*4 {
			return Packet{}, ErrTooShort
		}
		return Packet{buf: buf, v4: true}, nil
	case 6:
		if len(buf) < 40 {
			return Packet{}, ErrTooShort
		}
		return Packet{buf: buf}, nil
	default:
		return Packet{}, ErrUnknownVersion
	}
}

// IsIPv4 reports the packet's version.
func (p Packet) IsIPv4() bool { return p.v4 }

// Source returns the source address.
func (p Packet) Source() netip.Addr {
	if p.v4 {
		return netip.AddrFrom4([4]byte(p.buf[12:16]))
	}
	return netip.AddrFrom16([16]byte(p.buf[8:24]))
}

// Destination returns the destination address.
func (p Packet) Destination() netip.Addr {
	if p.v4 {
		return netip.AddrFrom4([4]byte(p.buf[16:20]))
	}
	return netip.AddrFrom16([16]byte(p.buf[24:40]))
}

// Protocol returns the transport protocol (IPv4 protocol field, IPv6
// next-header; extension headers are not walked).
func (p Packet) Protocol() uint8 {
	if p.v4 {
		return p.buf[9]
	}
	return p.buf[6]
}

func (p Packet) headerLen() int {
	if p.v4 {
		return int(p.buf[0]&0x0f) * 4
	}
	return 40
}

// Payload returns the transport header and payload.
func (p Packet) Payload() []byte { return p.buf[p.headerLen():] }

// Raw returns the underlying buffer.
func (p Packet) Raw() []byte { return p.buf }

// UDP returns the UDP ports and payload, if the packet is UDP.
func (p Packet) UDP() (src, dst uint16, payload []byte, ok bool) {
	if p.Protocol() != ProtoUDP {
		return 0, 0, nil, false
	}
	t := p.Payload()
	if len(t) < 8 {
		return 0, 0, nil, false
	}
	return binary.BigEndian.Uint16(t[0:2]), binary.BigEndian.Uint16(t[2:4]), t[8:], true
}

// TCP returns the TCP ports and payload, if the packet is TCP.
func (p Packet) TCP() (src, dst uint16, payload []byte, ok bool) {
	if p.Protocol() != ProtoTCP {
		return 0, 0, nil, false
	}
	t := p.Payload()
	if len(t) < 20 {
		return 0, 0, nil, false
	}
	dataOff := int(t[12]>>4) * 4
	if len(t) < dataOff {
		return 0, 0, nil, false
	}
	return binary.BigEndian.Uint16(t[0:2]), binary.BigEndian.Uint16(t[2:4]), t[dataOff:], true
}

// SetDestination rewrites the destination address, fixing the IPv4 header
// checksum and the transport checksum incrementally.
func (p Packet) SetDestination(addr netip.Addr) error {
	if p.v4 != addr.Is4() {
		return fmt.Errorf("address family mismatch: packet v4=%v, addr %v", p.v4, addr)
	}
	if p.v4 {
		old := [4]byte(p.buf[16:20])
		replaced := addr.As4()
		copy(p.buf[16:20], replaced[:])
		p.fixupChecksums(old[:], replaced[:])
		return nil
	}
	old := [16]byte(p.buf[24:40])
	replaced := addr.As16()
	copy(p.buf[24:40], replaced[:])
	p.fixupChecksums(old[:], replaced[:])
	return nil
}

// SetSource rewrites the source address with the same checksum fixups.
func (p Packet) SetSource(addr netip.Addr) error {
	if p.v4 != addr.Is4() {
		return fmt.Errorf("address family mismatch: packet v4=%v, addr %v", p.v4, addr)
	}
	if p.v4 {
		old := [4]byte(p.buf[12:16])
		replaced := addr.As4()
		copy(p.buf[12:16], replaced[:])
		p.fixupChecksums(old[:], replaced[:])
		return nil
	}
	old := [16]byte(p.buf[8:24])
	replaced := addr.As16()
	copy(p.buf[8:24], replaced[:])
	p.fixupChecksums(old[:], replaced[:])
	return nil
}

// fixupChecksums applies the RFC 1624 incremental update for a changed
// address to the IPv4 header checksum and the transport checksum, which
// both cover the addresses (the latter via the pseudo header).
func (p Packet) fixupChecksums(old, replaced []byte) {
	if p.v4 {
		updateChecksum(p.buf[10:12], old, replaced)
	}

	t := p.Payload()
	switch p.Protocol() {
	case ProtoUDP:
		if len(t) >= 8 && binary.BigEndian.Uint16(t[6:8]) != 0 {
			updateChecksum(t[6:8], old, replaced)
		}
	case ProtoTCP:
		if len(t) >= 18 {
			updateChecksum(t[16:18], old, replaced)
		}
	}
}

// updateChecksum folds the difference between old and replaced bytes into
// a ones-complement checksum field.
func updateChecksum(field []byte, old, replaced []byte) {
	sum := uint32(^binary.BigEndian.Uint16(field)) & 0xffff
	for i := 0; i+1 < len(old); i += 2 {
		sum += uint32(^binary.BigEndian.Uint16(old[i:i+2])) & 0xffff
		sum += uint32(binary.BigEndian.Uint16(replaced[i : i+2]))
	}
	for sum>>16 != 0 {
		sum = sum&0xffff + sum>>16
	}
	binary.BigEndian.PutUint16(field, ^uint16(sum))
}

func onesComplementSum(data []byte, initial uint32) uint32 {
	sum := initial
	for i := 0; i+1 < len(data); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(data[i : i+2]))
	}
	if len(data)%2 == 1 {
		sum += uint32(data[len(data)-1]) << 8
	}
	return sum
}

func foldChecksum(sum uint32) uint16 {
	for sum>>16 != 0 {
		sum = sum&0xffff + sum>>16
	}
	return ^uint16(sum)
}

// transportChecksum computes the full transport checksum including the
// pseudo header.
func transportChecksum(src, dst netip.Addr, proto uint8, segment []byte) uint16 {
	var sum uint32
	srcBytes := src.AsSlice()
	dstBytes := dst.AsSlice()
	sum = onesComplementSum(srcBytes, sum)
	sum = onesComplementSum(dstBytes, sum)
	sum += uint32(proto)
	sum += uint32(len(segment))
	sum = onesComplementSum(segment, sum)
	cs := foldChecksum(sum)
	if cs == 0 && proto == ProtoUDP {
		cs = 0xffff
	}
	return cs
}

// MakeUDPPacket builds a complete IP+UDP packet. Source and destination
// must share an address family.
func MakeUDPPacket(src, dst netip.AddrPort, payload []byte) ([]byte, error) {
	if src.Addr().Is4() != dst.Addr().Is4() {
		return nil, fmt.Errorf("address family mismatch: %v -> %v", src, dst)
	}

	udpLen := 8 + len(payload)
	udp := make([]byte, udpLen)
	binary.BigEndian.PutUint16(udp[0:2], src.Port())
	binary.BigEndian.PutUint16(udp[2:4], dst.Port())
	binary.BigEndian.PutUint16(udp[4:6], uint16(udpLen))
	copy(udp[8:], payload)
	binary.BigEndian.PutUint16(udp[6:8], transportChecksum(src.Addr(), dst.Addr(), ProtoUDP, udp))

	if src.Addr().Is4() {
		packet := make([]byte, 20+udpLen)
		packet[0] = 0x45
		binary.BigEndian.PutUint16(packet[2:4], uint16(20+udpLen))
		packet[8] = 64 // TTL
		packet[9] = ProtoUDP
		srcAddr, dstAddr := src.Addr().As4(), dst.Addr().As4()
		copy(packet[12:16], srcAddr[:])
		copy(packet[16:20], dstAddr[:])
		binary.BigEndian.PutUint16(packet[10:12], foldChecksum(onesComplementSum(packet[:20], 0)))
		copy(packet[20:], udp)
		return packet, nil
	}

	packet := make([]byte, 40+udpLen)
	packet[0] = 0x60
	binary.BigEndian.PutUint16(packet[4:6], uint16(udpLen))
	packet[6] = ProtoUDP
	packet[7] = 64 // Hop limit
	srcAddr, dstAddr := src.Addr().As16(), dst.Addr().As16()
	copy(packet[8:24], srcAddr[:])
	copy(packet[24:40], dstAddr[:])
	copy(packet[40:], udp)
	return packet, nil
}

// ICMP unreachable with the administratively-prohibited code is how a
// gateway tells the client a flow was rejected by filters.
const (
	icmp4TypeDestUnreachable = 3
	icmp4CodeAdminProhibited = 13
	icmp6TypeDestUnreachable = 1
	icmp6CodeAdminProhibited = 1
)

// IsICMPAdminProhibited reports whether the packet is an ICMP
// destination-unreachable / administratively-prohibited error, and if so
// returns the embedded original packet.
func (p Packet) IsICMPAdminProhibited() ([]byte, bool) {
	t := p.Payload()
	if p.v4 {
		if p.Protocol() != ProtoICMP || len(t) < 8 {
			return nil, false
		}
		if t[0] != icmp4TypeDestUnreachable || t[1] != icmp4CodeAdminProhibited {
			return nil, false
		}
		return t[8:], true
	}
	if p.Protocol() != ProtoICMPv6 || len(t) < 8 {
		return nil, false
	}
	if t[0] != icmp6TypeDestUnreachable || t[1] != icmp6CodeAdminProhibited {
		return nil, false
	}
	return t[8:], true
}

// MakeICMPAdminProhibited builds the ICMP error for a rejected packet,
// addressed back to its sender. The original IP header plus the first
// eight payload bytes are embedded per RFC 792 / RFC 4443.
func MakeICMPAdminProhibited(rejected Packet) ([]byte, error) {
	embedLen := rejected.headerLen() + 8
	if embedLen > len(rejected.buf) {
		embedLen = len(rejected.buf)
	}

	if rejected.v4 {
		icmp := make([]byte, 8+embedLen)
		icmp[0] = icmp4TypeDestUnreachable
		icmp[1] = icmp4CodeAdminProhibited
		copy(icmp[8:], rejected.buf[:embedLen])
		binary.BigEndian.PutUint16(icmp[2:4], foldChecksum(onesComplementSum(icmp, 0)))

		packet := make([]byte, 20+len(icmp))
		packet[0] = 0x45
		binary.BigEndian.PutUint16(packet[2:4], uint16(len(packet)))
		packet[8] = 64
		packet[9] = ProtoICMP
		dst := rejected.Source().As4()
		src := rejected.Destination().As4()
		copy(packet[12:16], src[:])
		copy(packet[16:20], dst[:])
		binary.BigEndian.PutUint16(packet[10:12], foldChecksum(onesComplementSum(packet[:20], 0)))
		copy(packet[20:], icmp)
		return packet, nil
	}

	icmp := make([]byte, 8+embedLen)
	icmp[0] = icmp6TypeDestUnreachable
	icmp[1] = icmp6CodeAdminProhibited
	copy(icmp[8:], rejected.buf[:embedLen])

	src := rejected.Destination()
	dst := rejected.Source()
	binary.BigEndian.PutUint16(icmp[2:4], transportChecksum(src, dst, ProtoICMPv6, icmp))

	packet := make([]byte, 40+len(icmp))
	packet[0] = 0x60
	binary.BigEndian.PutUint16(packet[4:6], uint16(len(icmp)))
	packet[6] = ProtoICMPv6
	packet[7] = 64
	srcA, dstA := src.As16(), dst.As16()
	copy(packet[8:24], srcA[:])
	copy(packet[24:40], dstA[:])
	copy(packet[40:], icmp)
	return packet, nil
}
