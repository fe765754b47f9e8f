package agent

import (
	"context"
	"net/netip"

	"github.com/floegate/floegate/internal/portal"
	"github.com/floegate/floegate/internal/snownet"
)

// PortalClient abstracts the portal WebSocket connection for testability.
type PortalClient interface {
	Connect(ctx context.Context) error
	Send(ctx context.Context, msg portal.Message) error
	Messages() <-chan portal.Message
	Close() error
}

// Datagram is one UDP datagram received from the network.
type Datagram struct {
	Local   netip.AddrPort
	From    netip.AddrPort
	Payload []byte
}

// PacketSocket abstracts the UDP sockets the node's transmits leave
// through. Implementations own the real sockets; in tests it is a pair
// of channels.
type PacketSocket interface {
	Datagrams() <-chan Datagram
	Send(t snownet.Transmit) error
	Close() error
}

// TunDevice abstracts the host TUN device and its configuration. The OS
// specifics (device creation, route programming, DNS takeover) live
// behind this interface; the agent only reads packets, writes packets
// and pushes the desired state.
type TunDevice interface {
	Packets() <-chan []byte
	Write(packet []byte) error
	SetAddresses(v4, v6 netip.Addr) error
	SetRoutes(routes []netip.Prefix) error
	SetDNS(servers []netip.Addr) error
	Close() error
}

// DNSTransport abstracts host-stack DNS recursion for queries that must
// not travel through the tunnel.
type DNSTransport interface {
	Send(upstream netip.AddrPort, query []byte) error
	Responses() <-chan []byte
	Close() error
}
