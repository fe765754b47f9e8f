package agent

import (
	"context"
	"net/netip"
	"sync"

	"github.com/floegate/floegate/internal/portal"
	"github.com/floegate/floegate/internal/snownet"
)

// fakePortal records sent messages and lets tests inject inbound ones.
type fakePortal struct {
	mu    sync.Mutex
	sent  []portal.Message
	msgCh chan portal.Message
}

func newFakePortal() *fakePortal {
	return &fakePortal{msgCh: make(chan portal.Message, 16)}
}

func (f *fakePortal) Connect(context.Context) error { return nil }

func (f *fakePortal) Send(_ context.Context, msg portal.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakePortal) Messages() <-chan portal.Message { return f.msgCh }

func (f *fakePortal) Close() error { return nil }

func (f *fakePortal) sentMessages() []portal.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]portal.Message(nil), f.sent...)
}

// fakeSocket records transmits and lets tests inject datagrams.
type fakeSocket struct {
	mu     sync.Mutex
	sent   []snownet.Transmit
	dataCh chan Datagram
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{dataCh: make(chan Datagram, 16)}
}

func (f *fakeSocket) Datagrams() <-chan Datagram { return f.dataCh }

func (f *fakeSocket) Send(t snownet.Transmit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, t)
	return nil
}

func (f *fakeSocket) Close() error { return nil }

func (f *fakeSocket) transmits() []snownet.Transmit {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]snownet.Transmit(nil), f.sent...)
}

// fakeTun records configuration pushes and written packets.
type fakeTun struct {
	mu       sync.Mutex
	packets  chan []byte
	written  [][]byte
	routes   []netip.Prefix
	dns      []netip.Addr
	v4, v6   netip.Addr
	closedCh chan struct{}
}

func newFakeTun() *fakeTun {
	return &fakeTun{packets: make(chan []byte, 16), closedCh: make(chan struct{})}
}

func (f *fakeTun) Packets() <-chan []byte { return f.packets }

func (f *fakeTun) Write(packet []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, append([]byte(nil), packet...))
	return nil
}

func (f *fakeTun) SetAddresses(v4, v6 netip.Addr) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.v4, f.v6 = v4, v6
	return nil
}

func (f *fakeTun) SetRoutes(routes []netip.Prefix) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routes = append([]netip.Prefix(nil), routes...)
	return nil
}

func (f *fakeTun) SetDNS(servers []netip.Addr) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dns = append([]netip.Addr(nil), servers...)
	return nil
}

func (f *fakeTun) Close() error {
	select {
	case <-f.closedCh:
	default:
		close(f.closedCh)
	}
	return nil
}

func (f *fakeTun) currentRoutes() []netip.Prefix {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]netip.Prefix(nil), f.routes...)
}

// fakeDNS records host-stack queries.
type fakeDNS struct {
	mu        sync.Mutex
	queries   []netip.AddrPort
	responses chan []byte
}

func newFakeDNS() *fakeDNS {
	return &fakeDNS{responses: make(chan []byte, 16)}
}

func (f *fakeDNS) Send(upstream netip.AddrPort, _ []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, upstream)
	return nil
}

func (f *fakeDNS) Responses() <-chan []byte { return f.responses }

func (f *fakeDNS) Close() error { return nil }
