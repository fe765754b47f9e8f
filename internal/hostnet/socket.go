// Package hostnet provides the real-socket implementations of the
// agent's network dependencies: the UDP sockets the node's datagrams
// travel through, and the host-stack DNS transport for queries that must
// not enter the tunnel.
package hostnet

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/floegate/floegate/internal/agent"
	"github.com/floegate/floegate/internal/snownet"
)

// Socket is a dual-stack UDP socket pair implementing agent.PacketSocket.
type Socket struct {
	log *slog.Logger

	v4 *net.UDPConn
	v6 *net.UDPConn

	local4 netip.AddrPort
	local6 netip.AddrPort

	datagrams chan agent.Datagram

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Listen opens one IPv4 and one IPv6 UDP socket on ephemeral ports and
// starts the read pumps. IPv6 failures are tolerated on v4-only hosts.
func Listen(logger *slog.Logger) (*Socket, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Socket{
		log:       logger.With("component", "hostnet"),
		datagrams: make(chan agent.Datagram, 256),
	}

	v4, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		return nil, fmt.Errorf("listening on UDP4: %w", err)
	}
	s.v4 = v4
	s.local4 = v4.LocalAddr().(*net.UDPAddr).AddrPort()

	v6, err := net.ListenUDP("udp6", &net.UDPAddr{})
	if err != nil {
		s.log.Warn("IPv6 socket unavailable", "error", err)
	} else {
		s.v6 = v6
		s.local6 = v6.LocalAddr().(*net.UDPAddr).AddrPort()
	}

	s.wg.Add(1)
	go s.readLoop(s.v4, s.local4)
	if s.v6 != nil {
		s.wg.Add(1)
		go s.readLoop(s.v6, s.local6)
	}
	return s, nil
}

// Datagrams implements agent.PacketSocket.
func (s *Socket) Datagrams() <-chan agent.Datagram { return s.datagrams }

func (s *Socket) readLoop(conn *net.UDPConn, local netip.AddrPort) {
	defer s.wg.Done()

	buf := make([]byte, 65535)
	for {
		n, from, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.log.Error("UDP read failed", "error", err)
			}
			return
		}
		payload := make([]byte, n)
		copy(payload, buf[:n])
		s.datagrams <- agent.Datagram{
			Local:   local,
			From:    netip.AddrPortFrom(from.Addr().Unmap(), from.Port()),
			Payload: payload,
		}
	}
}

// Send implements agent.PacketSocket. The transmit's source is advisory:
// both node sockets are bound to the wildcard address, so family selects
// the socket.
func (s *Socket) Send(t snownet.Transmit) error {
	conn := s.v4
	if t.Dst.Addr().Is6() {
		conn = s.v6
	}
	if conn == nil {
		return fmt.Errorf("no socket for destination %v", t.Dst)
	}
	if _, err := conn.WriteToUDPAddrPort(t.Payload, t.Dst); err != nil {
		return fmt.Errorf("sending to %v: %w", t.Dst, err)
	}
	return nil
}

// Close stops the pumps and closes both sockets.
func (s *Socket) Close() error {
	s.closeOnce.Do(func() {
		_ = s.v4.Close()
		if s.v6 != nil {
			_ = s.v6.Close()
		}
		go func() {
			s.wg.Wait()
			close(s.datagrams)
		}()
	})
	return nil
}

// DNS is the host-stack DNS transport: one ephemeral UDP exchange per
// query.
type DNS struct {
	log       *slog.Logger
	timeout   time.Duration
	responses chan []byte

	closeOnce sync.Once
	closed    chan struct{}
}

// NewDNS creates the transport. timeout bounds each exchange, defaulting
// to five seconds.
func NewDNS(timeout time.Duration, logger *slog.Logger) *DNS {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &DNS{
		log:       logger.With("component", "hostdns"),
		timeout:   timeout,
		responses: make(chan []byte, 64),
		closed:    make(chan struct{}),
	}
}

// Send implements agent.DNSTransport: fire the query and deliver the
// response asynchronously.
func (d *DNS) Send(upstream netip.AddrPort, query []byte) error {
	payload := append([]byte(nil), query...)
	go func() {
		conn, err := net.DialUDP("udp", nil, net.UDPAddrFromAddrPort(upstream))
		if err != nil {
			d.log.Debug("dialing upstream failed", "upstream", upstream, "error", err)
			return
		}
		defer conn.Close()

		_ = conn.SetDeadline(time.Now().Add(d.timeout))
		if _, err := conn.Write(payload); err != nil {
			d.log.Debug("sending query failed", "upstream", upstream, "error", err)
			return
		}
		buf := make([]byte, 65535)
		n, err := conn.Read(buf)
		if err != nil {
			d.log.Debug("upstream did not answer", "upstream", upstream, "error", err)
			return
		}
		select {
		case d.responses <- buf[:n:n]:
		case <-d.closed:
		}
	}()
	return nil
}

// Responses implements agent.DNSTransport.
func (d *DNS) Responses() <-chan []byte { return d.responses }

// Close implements agent.DNSTransport.
func (d *DNS) Close() error {
	d.closeOnce.Do(func() { close(d.closed) })
	return nil
}
