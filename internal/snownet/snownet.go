// Package snownet is the sans-I/O connection core: TURN allocations, ICE
// driven peer connections secured by Noise_IK sessions, and the node that
// multiplexes datagrams between them.
//
// Nothing in this package performs I/O or owns a goroutine. State advances
// only through the explicit entry points (HandleInput, Encapsulate,
// Decapsulate, HandleTimeout and the mutators); outputs are staged in
// queues drained via PollTransmit, PollEvent and PollTimeout. The embedding
// event loop reads sockets and the TUN device, feeds bytes in, and writes
// the staged transmits back out.
package snownet

import (
	"crypto/sha256"
	"encoding/hex"
	"net/netip"

	"github.com/google/uuid"

	"github.com/floegate/floegate/internal/config"
)

// ConnID identifies a peer connection. It is assigned by the caller; for
// the client embedding it is the gateway id handed out by the portal.
type ConnID = uuid.UUID

// RelayID identifies a TURN relay, assigned by the portal.
type RelayID = uuid.UUID

// SessionID derives the identifier embedded in the SOFTWARE attribute of
// every STUN message. It is the hex-encoded SHA-256 of a fixed prefix and
// the node's public key, so relays can correlate traffic of one session
// without learning anything beyond the public key.
func SessionID(public config.Key) string {
	h := sha256.New()
	h.Write([]byte("SESSION-ID"))
	h.Write(public[:])
	return hex.EncodeToString(h.Sum(nil))
}

// RelaySocket is the address of a relay: IPv4, IPv6, or both.
type RelaySocket struct {
	V4 netip.AddrPort
	V6 netip.AddrPort
}

// RelaySocketFrom builds a RelaySocket from a single address.
func RelaySocketFrom(addr netip.AddrPort) RelaySocket {
	if addr.Addr().Is4() || addr.Addr().Is4In6() {
		return RelaySocket{V4: addr}
	}
	return RelaySocket{V6: addr}
}

// Matches reports whether addr is one of the relay's addresses.
func (s RelaySocket) Matches(addr netip.AddrPort) bool {
	return (s.V4.IsValid() && s.V4 == addr) || (s.V6.IsValid() && s.V6 == addr)
}

// Addrs returns the known addresses of the relay, IPv4 first.
func (s RelaySocket) Addrs() []netip.AddrPort {
	var out []netip.AddrPort
	if s.V4.IsValid() {
		out = append(out, s.V4)
	}
	if s.V6.IsValid() {
		out = append(out, s.V6)
	}
	return out
}

// matchesFamily reports whether the relay has an address of the same
// family as addr.
func (s RelaySocket) matchesFamily(addr netip.AddrPort) bool {
	if addr.Addr().Is4() || addr.Addr().Is4In6() {
		return s.V4.IsValid()
	}
	return s.V6.IsValid()
}

func sameFamily(a, b netip.AddrPort) bool {
	return a.Addr().Is4() == b.Addr().Is4()
}
