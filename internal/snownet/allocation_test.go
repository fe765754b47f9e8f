package snownet

import (
	"net/netip"
	"testing"
	"time"

	"github.com/pion/ice/v4"
	"github.com/pion/stun/v3"

	"github.com/floegate/floegate/internal/stunattr"
)

var (
	relayV4    = netip.MustParseAddrPort("127.0.0.1:3478")
	relayV6    = netip.MustParseAddrPort("[::1]:3478")
	relayAddr4 = netip.MustParseAddrPort("127.0.0.1:9999")
	localV4    = netip.MustParseAddrPort("127.0.0.1:10000")
	peer1      = netip.MustParseAddrPort("127.0.0.1:20000")

	allocEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
)

const (
	testUsername = "foobar"
	testPassword = "baz"
	testRealm    = "firezone"

	testLifetime = 600 * time.Second
)

func testAllocation(server RelaySocket, now time.Time) *Allocation {
	return newAllocation(nil, server, testUsername, testPassword, testRealm, "deadbeef", now)
}

// nextMessage drains the next staged transmit and decodes it.
func nextMessage(t *testing.T, a *Allocation) (*stun.Message, netip.AddrPort) {
	t.Helper()
	tr, ok := a.PollTransmit()
	if !ok {
		t.Fatal("no transmit staged")
	}
	msg := &stun.Message{Raw: tr.Payload}
	if err := msg.Decode(); err != nil {
		t.Fatalf("decoding transmit: %v", err)
	}
	return msg, tr.Dst
}

// nextMessageOfMethod drains transmits until one of the given method
// appears.
func nextMessageOfMethod(t *testing.T, a *Allocation, method stun.Method) *stun.Message {
	t.Helper()
	for {
		tr, ok := a.PollTransmit()
		if !ok {
			t.Fatalf("no %v transmit staged", method)
		}
		msg := &stun.Message{Raw: tr.Payload}
		if err := msg.Decode(); err != nil {
			t.Fatalf("decoding transmit: %v", err)
		}
		if msg.Type.Method == method {
			return msg
		}
	}
}

func testIntegrity() stun.MessageIntegrity {
	return stun.NewLongTermIntegrity(testUsername, testRealm, testPassword)
}

type xorRelayAddr netip.AddrPort

func (x xorRelayAddr) AddTo(m *stun.Message) error {
	addr := netip.AddrPort(x)
	xa := stun.XORMappedAddress{IP: addr.Addr().Unmap().AsSlice(), Port: int(addr.Port())}
	return xa.AddToAs(m, stun.AttrXORRelayedAddress)
}

func bindingResponse(t *testing.T, req *stun.Message, mapped netip.AddrPort) *stun.Message {
	t.Helper()
	resp, err := stun.Build(
		stun.NewTransactionIDSetter(req.TransactionID),
		stun.NewType(stun.MethodBinding, stun.ClassSuccessResponse),
		&stun.XORMappedAddress{IP: mapped.Addr().Unmap().AsSlice(), Port: int(mapped.Port())},
	)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func allocateResponse(t *testing.T, req *stun.Message, relays ...netip.AddrPort) *stun.Message {
	t.Helper()
	setters := []stun.Setter{
		stun.NewTransactionIDSetter(req.TransactionID),
		stun.NewType(stun.MethodAllocate, stun.ClassSuccessResponse),
		stunattr.Lifetime(testLifetime),
	}
	for _, addr := range relays {
		setters = append(setters, xorRelayAddr(addr))
	}
	setters = append(setters, testIntegrity())
	resp, err := stun.Build(setters...)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func errorResponse(t *testing.T, req *stun.Message, code stun.ErrorCode, extra ...stun.Setter) *stun.Message {
	t.Helper()
	setters := []stun.Setter{
		stun.NewTransactionIDSetter(req.TransactionID),
		stun.NewType(req.Type.Method, stun.ClassErrorResponse),
		stun.ErrorCodeAttribute{Code: code},
	}
	setters = append(setters, extra...)
	setters = append(setters, testIntegrity())
	resp, err := stun.Build(setters...)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

// decodeOwn re-decodes a built message so attribute getters work.
func decodeOwn(t *testing.T, msg *stun.Message) *stun.Message {
	t.Helper()
	decoded := &stun.Message{Raw: append([]byte(nil), msg.Raw...)}
	if err := decoded.Decode(); err != nil {
		t.Fatal(err)
	}
	return decoded
}

// allocatedV4 drives a fresh allocation through BINDING and ALLOCATE on
// the IPv4 relay.
func allocatedV4(t *testing.T, now time.Time) *Allocation {
	t.Helper()
	a := testAllocation(RelaySocketFrom(relayV4), now)

	binding, dst := nextMessage(t, a)
	if binding.Type.Method != stun.MethodBinding || dst != relayV4 {
		t.Fatalf("first transmit: method=%v dst=%v", binding.Type.Method, dst)
	}
	if !a.HandleInput(relayV4, localV4, decodeOwn(t, bindingResponse(t, binding, peer1)), now) {
		t.Fatal("binding response not accepted")
	}

	allocate := nextMessageOfMethod(t, a, stun.MethodAllocate)
	if !a.HandleInput(relayV4, localV4, decodeOwn(t, allocateResponse(t, allocate, relayAddr4)), now) {
		t.Fatal("allocate response not accepted")
	}
	return a
}

func TestBindingThenAllocate(t *testing.T) {
	t.Parallel()

	now := allocEpoch
	a := testAllocation(RelaySocketFrom(relayV4), now)

	binding, dst := nextMessage(t, a)
	if binding.Type.Method != stun.MethodBinding {
		t.Fatalf("first transmit method: %v", binding.Type.Method)
	}
	if dst != relayV4 {
		t.Fatalf("first transmit dst: %v", dst)
	}

	a.HandleInput(relayV4, localV4, decodeOwn(t, bindingResponse(t, binding, peer1)), now)

	allocate, dst := nextMessage(t, a)
	if allocate.Type.Method != stun.MethodAllocate {
		t.Fatalf("second transmit method: %v", allocate.Type.Method)
	}
	if dst != relayV4 {
		t.Fatalf("allocate dst: %v", dst)
	}
	transport, err := allocate.Get(stun.AttrRequestedTransport)
	if err != nil || transport[0] != 17 {
		t.Errorf("REQUESTED-TRANSPORT: %v %v", transport, err)
	}
	family, err := allocate.Get(stunattr.AttrAdditionalAddressFamily)
	if err != nil || family[0] != stunattr.FamilyIPv6 {
		t.Errorf("ADDITIONAL-ADDRESS-FAMILY: %v %v", family, err)
	}

	a.HandleInput(relayV4, localV4, decodeOwn(t, allocateResponse(t, allocate, relayAddr4)), now)

	var kinds []ice.CandidateType
	for {
		ev, ok := a.pollCandidateEvent()
		if !ok {
			break
		}
		if ev.invalid {
			t.Errorf("unexpected invalidation: %v", ev.candidate)
		}
		kinds = append(kinds, ev.candidate.Type())
	}
	if len(kinds) != 2 || kinds[0] != ice.CandidateTypeServerReflexive || kinds[1] != ice.CandidateTypeRelay {
		t.Errorf("candidate events: got %v, want [srflx relay]", kinds)
	}

	// The allocation refreshes at half its lifetime.
	timeout, ok := a.PollTimeout()
	if !ok {
		t.Fatal("no timeout armed")
	}
	if timeout.After(now.Add(testLifetime / 2)) {
		t.Errorf("timeout: got %v, want at most %v", timeout, now.Add(testLifetime/2))
	}
	now = now.Add(testLifetime / 2)
	a.HandleTimeout(now)
	refresh := nextMessageOfMethod(t, a, stun.MethodRefresh)
	if refresh == nil {
		t.Fatal("no refresh queued at half lifetime")
	}
}

func TestDualStackFirstResponseWins(t *testing.T) {
	t.Parallel()

	now := allocEpoch
	a := testAllocation(RelaySocket{V4: relayV4, V6: relayV6}, now)

	first, firstDst := nextMessage(t, a)
	second, secondDst := nextMessage(t, a)
	if firstDst != relayV4 || secondDst != relayV6 {
		t.Fatalf("binding destinations: %v, %v", firstDst, secondDst)
	}

	// IPv4 answers first and wins.
	a.HandleInput(relayV4, localV4, decodeOwn(t, bindingResponse(t, first, peer1)), now)

	allocate, dst := nextMessage(t, a)
	if allocate.Type.Method != stun.MethodAllocate || dst != relayV4 {
		t.Fatalf("allocate: method=%v dst=%v", allocate.Type.Method, dst)
	}

	// The late IPv6 response must not displace the active socket.
	localV6 := netip.MustParseAddrPort("[::1]:10000")
	mapped6 := netip.MustParseAddrPort("[::1]:20000")
	a.HandleInput(relayV6, localV6, decodeOwn(t, bindingResponse(t, second, mapped6)), now)

	a.HandleInput(relayV4, localV4, decodeOwn(t, allocateResponse(t, allocate, relayAddr4)), now)
	a.Refresh(now)
	refresh := nextMessageOfMethod(t, a, stun.MethodRefresh)
	_ = refresh

	if a.active == nil || a.active.addr != relayV4 {
		t.Errorf("active socket: got %v, want %v", a.active, relayV4)
	}
}

func TestStaleNonceReauthentication(t *testing.T) {
	t.Parallel()

	now := allocEpoch
	a := testAllocation(RelaySocketFrom(relayV4), now)

	binding, _ := nextMessage(t, a)
	a.HandleInput(relayV4, localV4, decodeOwn(t, bindingResponse(t, binding, peer1)), now)

	allocate := nextMessageOfMethod(t, a, stun.MethodAllocate)
	if _, err := allocate.Get(stun.AttrNonce); err == nil {
		t.Fatal("first ALLOCATE must not carry a nonce")
	}

	// 401 with a fresh nonce: the request is retried with exactly that
	// nonce and the configured realm.
	resp := errorResponse(t, allocate, stun.CodeUnauthorized, stun.NewNonce("nonce1"), stun.NewRealm(testRealm))
	a.HandleInput(relayV4, localV4, decodeOwn(t, resp), now)

	retry := nextMessageOfMethod(t, a, stun.MethodAllocate)
	var nonce stun.Nonce
	if err := nonce.GetFrom(retry); err != nil || string(nonce) != "nonce1" {
		t.Fatalf("retry nonce: got %q (%v), want nonce1", nonce, err)
	}
	var realm stun.Realm
	if err := realm.GetFrom(retry); err != nil || string(realm) != testRealm {
		t.Fatalf("retry realm: got %q (%v)", realm, err)
	}

	// A second 401 against the nonce'd request invalidates the
	// credentials for good.
	resp = errorResponse(t, retry, stun.CodeUnauthorized, stun.NewNonce("nonce1"), stun.NewRealm(testRealm))
	a.HandleInput(relayV4, localV4, decodeOwn(t, resp), now)

	if _, ok := a.PollTransmit(); ok {
		t.Fatal("gave up credentials but still transmitting")
	}
	for {
		if _, ok := a.pollCandidateEvent(); !ok {
			break
		}
	}
	if reason := a.CanBeFreed(); reason != FreeReasonAuthenticationError {
		t.Errorf("free reason: got %v, want authentication error", reason)
	}
}

func TestMismatchedRealmIsRefused(t *testing.T) {
	t.Parallel()

	now := allocEpoch
	a := testAllocation(RelaySocketFrom(relayV4), now)

	binding, _ := nextMessage(t, a)
	a.HandleInput(relayV4, localV4, decodeOwn(t, bindingResponse(t, binding, peer1)), now)
	allocate := nextMessageOfMethod(t, a, stun.MethodAllocate)

	resp := errorResponse(t, allocate, stun.CodeUnauthorized, stun.NewNonce("nonce1"), stun.NewRealm("evil"))
	a.HandleInput(relayV4, localV4, decodeOwn(t, resp), now)

	if _, ok := a.PollTransmit(); ok {
		t.Error("request retried against a mismatched realm")
	}
}

func TestAllocationMismatchOnRefreshTriggersAllocate(t *testing.T) {
	t.Parallel()

	now := allocEpoch
	a := allocatedV4(t, now)

	a.Refresh(now)
	refresh := nextMessageOfMethod(t, a, stun.MethodRefresh)

	resp := errorResponse(t, refresh, stun.CodeAllocMismatch)
	a.HandleInput(relayV4, localV4, decodeOwn(t, resp), now)

	allocate := nextMessageOfMethod(t, a, stun.MethodAllocate)
	if allocate == nil {
		t.Fatal("no ALLOCATE after allocation mismatch")
	}
}

func TestBindChannelIsIdempotent(t *testing.T) {
	t.Parallel()

	now := allocEpoch
	a := allocatedV4(t, now)

	a.BindChannel(peer1, now)
	a.BindChannel(peer1, now)

	bind := nextMessageOfMethod(t, a, stun.MethodChannelBind)
	var number stunattr.ChannelNumber
	if err := number.GetFrom(bind); err != nil {
		t.Fatalf("CHANNEL-NUMBER missing: %v", err)
	}
	if uint16(number) < stunattr.FirstChannel || uint16(number) > stunattr.LastChannel {
		t.Errorf("channel number %#x out of range", uint16(number))
	}

	if _, ok := a.PollTransmit(); ok {
		t.Error("second bind produced a second CHANNEL-BIND")
	}
}

func TestChannelDataRoundTrip(t *testing.T) {
	t.Parallel()

	now := allocEpoch
	a := allocatedV4(t, now)

	a.BindChannel(peer1, now)
	bind := nextMessageOfMethod(t, a, stun.MethodChannelBind)
	var number stunattr.ChannelNumber
	if err := number.GetFrom(bind); err != nil {
		t.Fatal(err)
	}

	confirm, err := stun.Build(
		stun.NewTransactionIDSetter(bind.TransactionID),
		stun.NewType(stun.MethodChannelBind, stun.ClassSuccessResponse),
		testIntegrity(),
	)
	if err != nil {
		t.Fatal(err)
	}
	a.HandleInput(relayV4, localV4, decodeOwn(t, confirm), now)

	// Encode an outbound header, then decode it as the remote would.
	payload := []byte("tunnelled bytes")
	buf := make([]byte, stunattr.ChannelDataHeaderSize+len(payload))
	copy(buf[stunattr.ChannelDataHeaderSize:], payload)
	relayDst, ok := a.EncodeChannelDataHeader(peer1, buf, now)
	if !ok {
		t.Fatal("no channel to encode against")
	}
	if relayDst != relayV4 {
		t.Errorf("channel data dst: got %v, want %v", relayDst, relayV4)
	}

	gotNumber, gotPayload, err := stunattr.ParseChannelData(buf)
	if err != nil {
		t.Fatal(err)
	}
	if gotNumber != uint16(number) {
		t.Errorf("channel number: got %#x, want %#x", gotNumber, uint16(number))
	}
	if string(gotPayload) != string(payload) {
		t.Errorf("payload mismatch: %q", gotPayload)
	}

	// And the inbound direction resolves back to the peer.
	peer, inner, ourSocket, ok := a.Decapsulate(relayV4, gotNumber, gotPayload, now)
	if !ok {
		t.Fatal("decapsulate failed")
	}
	if peer != peer1 || string(inner) != string(payload) || ourSocket != relayAddr4 {
		t.Errorf("decapsulate: peer=%v payload=%q socket=%v", peer, inner, ourSocket)
	}
}

func TestBindChannelBuffersWithoutAllocation(t *testing.T) {
	t.Parallel()

	now := allocEpoch
	a := testAllocation(RelaySocketFrom(relayV4), now)

	binding, _ := nextMessage(t, a)
	a.BindChannel(peer1, now)
	if _, ok := a.PollTransmit(); ok {
		t.Fatal("CHANNEL-BIND sent without an allocation")
	}

	a.HandleInput(relayV4, localV4, decodeOwn(t, bindingResponse(t, binding, peer1)), now)
	allocate := nextMessageOfMethod(t, a, stun.MethodAllocate)
	a.HandleInput(relayV4, localV4, decodeOwn(t, allocateResponse(t, allocate, relayAddr4)), now)

	// The buffered binding is replayed once the allocation exists.
	bind := nextMessageOfMethod(t, a, stun.MethodChannelBind)
	if bind == nil {
		t.Fatal("buffered channel binding was not replayed")
	}
}

func TestKeepaliveBindingAfterInterval(t *testing.T) {
	t.Parallel()

	now := allocEpoch
	a := allocatedV4(t, now)

	now = now.Add(bindingInterval)
	a.HandleTimeout(now)

	keepalive := nextMessageOfMethod(t, a, stun.MethodBinding)
	if keepalive == nil {
		t.Fatal("no keepalive BINDING after the interval")
	}
}

func TestUnknownAttributeIsTerminal(t *testing.T) {
	t.Parallel()

	now := allocEpoch
	a := testAllocation(RelaySocketFrom(relayV4), now)

	binding, _ := nextMessage(t, a)
	a.HandleInput(relayV4, localV4, decodeOwn(t, bindingResponse(t, binding, peer1)), now)
	allocate := nextMessageOfMethod(t, a, stun.MethodAllocate)

	resp := errorResponse(t, allocate, stun.CodeUnknownAttribute)
	a.HandleInput(relayV4, localV4, decodeOwn(t, resp), now)

	if reason := a.CanBeFreed(); reason != FreeReasonProtocolFailure {
		t.Errorf("free reason: got %v, want protocol failure", reason)
	}
}

func TestInputFromForeignAddressIsIgnored(t *testing.T) {
	t.Parallel()

	now := allocEpoch
	a := testAllocation(RelaySocketFrom(relayV4), now)
	binding, _ := nextMessage(t, a)

	foreign := netip.MustParseAddrPort("192.0.2.1:3478")
	if a.HandleInput(foreign, localV4, decodeOwn(t, bindingResponse(t, binding, peer1)), now) {
		t.Error("accepted a response from a foreign address")
	}
}
