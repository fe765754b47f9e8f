package snownet

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pion/stun/v3"

	"github.com/floegate/floegate/internal/config"
	"github.com/floegate/floegate/internal/iceagent"
)

var nodeEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func testKey(t *testing.T) config.Key {
	t.Helper()
	k, err := config.GeneratePrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	return k
}

func testClientNode(t *testing.T) *Node {
	t.Helper()
	return NewClientNode(testKey(t), nil)
}

var (
	testRelayID = uuid.MustParse("00000000-0000-0000-0000-000000000001")
	testConnID  = uuid.MustParse("10000000-0000-0000-0000-000000000001")
)

func addTestRelay(n *Node, now time.Time) {
	n.UpdateRelays(nil, []RelayConfig{{
		ID:       testRelayID,
		Socket:   RelaySocketFrom(relayV4),
		Username: testUsername,
		Password: testPassword,
		Realm:    testRealm,
	}}, now)
}

func upsertArgs(t *testing.T) (iceagent.Credentials, iceagent.Credentials, config.Key, config.Key) {
	t.Helper()
	local := iceagent.Credentials{UFrag: "localuf", Pwd: "localpwd0123456789012345"}
	remote := iceagent.Credentials{UFrag: "remoteuf", Pwd: "remotepwd012345678901234"}
	return local, remote, config.PublicKey(testKey(t)), config.Key{9}
}

func TestConnectionCreationRequiresRelay(t *testing.T) {
	t.Parallel()

	n := testClientNode(t)
	local, remote, pub, psk := upsertArgs(t)

	err := n.UpsertConnection(testConnID, local, remote, pub, psk, nodeEpoch)
	if err != ErrNoTURNServers {
		t.Fatalf("upsert without relays: got %v, want ErrNoTURNServers", err)
	}
	if _, err := n.NewConnection(testConnID, nodeEpoch); err != ErrNoTURNServers {
		t.Fatalf("new connection without relays: got %v, want ErrNoTURNServers", err)
	}
}

func TestRelaysWithEmptyCredentialsAreRejected(t *testing.T) {
	t.Parallel()

	n := testClientNode(t)
	n.UpdateRelays(nil, []RelayConfig{{
		ID:     testRelayID,
		Socket: RelaySocketFrom(relayV4),
		Realm:  testRealm, // no username
	}}, nodeEpoch)

	if len(n.allocations) != 0 {
		t.Error("allocation created despite missing username")
	}
}

func TestUpsertReusesIdenticalConnection(t *testing.T) {
	t.Parallel()

	n := testClientNode(t)
	addTestRelay(n, nodeEpoch)
	local, remote, pub, psk := upsertArgs(t)

	if err := n.UpsertConnection(testConnID, local, remote, pub, psk, nodeEpoch); err != nil {
		t.Fatal(err)
	}
	first := n.conns.established[testConnID]

	if err := n.UpsertConnection(testConnID, local, remote, pub, psk, nodeEpoch.Add(time.Second)); err != nil {
		t.Fatal(err)
	}
	if n.conns.established[testConnID] != first {
		t.Error("identical upsert replaced the connection")
	}
	if first.index != 1 {
		t.Errorf("session index: got %d, want 1 (no re-allocation)", first.index)
	}
}

func TestUpsertWithDifferentIdentityReplaces(t *testing.T) {
	t.Parallel()

	n := testClientNode(t)
	addTestRelay(n, nodeEpoch)
	local, remote, pub, psk := upsertArgs(t)

	if err := n.UpsertConnection(testConnID, local, remote, pub, psk, nodeEpoch); err != nil {
		t.Fatal(err)
	}
	first := n.conns.established[testConnID]

	other := iceagent.Credentials{UFrag: "fresh", Pwd: "freshpwd0123456789012345"}
	if err := n.UpsertConnection(testConnID, other, remote, pub, psk, nodeEpoch); err != nil {
		t.Fatal(err)
	}
	second := n.conns.established[testConnID]
	if second == first {
		t.Fatal("different identity did not replace the connection")
	}
	if second.index == first.index {
		t.Error("replacement connection reused the session index")
	}
	if _, ok := n.conns.bySessionIndex(first.index); ok {
		t.Error("stale session index still resolves")
	}
}

func TestRelayDisappearanceFailsRelayedConnections(t *testing.T) {
	t.Parallel()

	n := testClientNode(t)
	addTestRelay(n, nodeEpoch)
	local, remote, pub, psk := upsertArgs(t)

	if err := n.UpsertConnection(testConnID, local, remote, pub, psk, nodeEpoch); err != nil {
		t.Fatal(err)
	}
	conn := n.conns.established[testConnID]

	// Force the connection onto a relayed path.
	conn.state = stateConnected
	conn.peerSocket = PeerSocket{Kind: RelayToPeer, Src: relayAddr4, Dst: peer1}

	n.UpdateRelays([]RelayID{testRelayID}, nil, nodeEpoch.Add(time.Second))
	n.HandleTimeout(nodeEpoch.Add(time.Second))

	var failed bool
	for {
		ev, ok := n.PollEvent()
		if !ok {
			break
		}
		if f, ok := ev.(ConnectionFailed); ok && f.Conn == testConnID {
			failed = true
		}
	}
	if !failed {
		t.Fatal("no ConnectionFailed after relay removal")
	}
	if _, ok := n.conns.established[testConnID]; ok {
		t.Error("failed connection was not garbage collected")
	}
}

func TestRelayDisappearanceClearsConnectingRelay(t *testing.T) {
	t.Parallel()

	n := testClientNode(t)
	addTestRelay(n, nodeEpoch)
	local, remote, pub, psk := upsertArgs(t)

	if err := n.UpsertConnection(testConnID, local, remote, pub, psk, nodeEpoch); err != nil {
		t.Fatal(err)
	}
	conn := n.conns.established[testConnID]

	n.UpdateRelays([]RelayID{testRelayID}, nil, nodeEpoch.Add(time.Second))

	if conn.hasRelay {
		t.Error("connecting connection kept its vanished relay")
	}
	if conn.state != stateConnecting {
		t.Errorf("state: got %v, want connecting", conn.state)
	}
}

func TestInitialConnectionTimesOut(t *testing.T) {
	t.Parallel()

	n := testClientNode(t)
	addTestRelay(n, nodeEpoch)

	if _, err := n.NewConnection(testConnID, nodeEpoch); err != nil {
		t.Fatal(err)
	}

	n.HandleTimeout(nodeEpoch.Add(HandshakeTimeout))

	var failed bool
	for {
		ev, ok := n.PollEvent()
		if !ok {
			break
		}
		if f, ok := ev.(ConnectionFailed); ok && f.Conn == testConnID {
			failed = true
		}
	}
	if !failed {
		t.Fatal("initial connection did not fail after the handshake timeout")
	}
}

func TestDecapsulateRejectsGarbage(t *testing.T) {
	t.Parallel()

	n := testClientNode(t)

	_, _, err := n.Decapsulate(localV4, peer1, []byte{0xff, 0x00, 0x01}, nodeEpoch)
	if err == nil {
		t.Fatal("garbage accepted")
	}
}

func TestCloseConnectionEmitsClosed(t *testing.T) {
	t.Parallel()

	n := testClientNode(t)
	addTestRelay(n, nodeEpoch)
	local, remote, pub, psk := upsertArgs(t)
	if err := n.UpsertConnection(testConnID, local, remote, pub, psk, nodeEpoch); err != nil {
		t.Fatal(err)
	}

	if err := n.CloseConnection(testConnID, nil, nodeEpoch); err != nil {
		t.Fatal(err)
	}
	if err := n.CloseConnection(testConnID, nil, nodeEpoch); err != ErrUnknownConnection {
		t.Errorf("double close: got %v, want ErrUnknownConnection", err)
	}

	var closed bool
	for {
		ev, ok := n.PollEvent()
		if !ok {
			break
		}
		if c, ok := ev.(ConnectionClosed); ok && c.Conn == testConnID {
			closed = true
		}
	}
	if !closed {
		t.Error("no ConnectionClosed event")
	}
}

func TestResetRollsIdentity(t *testing.T) {
	t.Parallel()

	n := testClientNode(t)
	addTestRelay(n, nodeEpoch)
	oldKey := n.PublicKey()
	oldSession := n.sessionID

	if err := n.Reset(nodeEpoch); err != nil {
		t.Fatal(err)
	}

	if n.PublicKey() == oldKey {
		t.Error("public key unchanged after reset")
	}
	if n.sessionID == oldSession {
		t.Error("session id unchanged after reset")
	}
	if len(n.allocations) != 0 {
		t.Error("allocations survived reset")
	}
}

func TestOptimisticCandidateSynthesis(t *testing.T) {
	t.Parallel()

	n := testClientNode(t)
	addTestRelay(n, nodeEpoch)
	local, remote, pub, psk := upsertArgs(t)
	if err := n.UpsertConnection(testConnID, local, remote, pub, psk, nodeEpoch); err != nil {
		t.Fatal(err)
	}
	conn := n.conns.established[testConnID]

	// A remote host candidate followed by a srflx candidate at a
	// different IP: the srflx IP with the host's port is a plausible
	// port-preserving NAT mapping.
	host := "0 1 udp 2130706431 192.168.1.7 52000 typ host"
	if err := n.AddRemoteCandidate(testConnID, host, nodeEpoch); err != nil {
		t.Fatal(err)
	}
	srflx := "1 1 udp 1694498815 203.0.113.5 60000 typ srflx raddr 0.0.0.0 rport 52000"
	if err := n.AddRemoteCandidate(testConnID, srflx, nodeEpoch); err != nil {
		t.Fatal(err)
	}

	var synthesized bool
	for _, c := range conn.agent.RemoteCandidates() {
		addr := candidateAddr(c)
		if addr.Addr().String() == "203.0.113.5" && addr.Port() == 52000 {
			synthesized = true
		}
	}
	if !synthesized {
		t.Error("no optimistic candidate at srflx IP with host port")
	}
}

// establishRelayCandidates walks the node's allocation through BINDING
// and ALLOCATE so that real candidates exist.
func establishRelayCandidates(t *testing.T, n *Node, now time.Time) {
	t.Helper()

	binding, ok := n.PollTransmit()
	if !ok {
		t.Fatal("no BINDING request staged")
	}
	req := decodeTransmit(t, binding.Payload)
	resp := bindingResponse(t, req, peer1)
	if _, _, err := n.Decapsulate(localV4, relayV4, resp.Raw, now); err != nil {
		t.Fatalf("feeding binding response: %v", err)
	}

	allocate, ok := n.PollTransmit()
	if !ok {
		t.Fatal("no ALLOCATE request staged")
	}
	req = decodeTransmit(t, allocate.Payload)
	resp = allocateResponse(t, req, relayAddr4)
	if _, _, err := n.Decapsulate(localV4, relayV4, resp.Raw, now); err != nil {
		t.Fatalf("feeding allocate response: %v", err)
	}
}

func decodeTransmit(t *testing.T, payload []byte) *stun.Message {
	t.Helper()
	msg := &stun.Message{Raw: payload}
	if err := msg.Decode(); err != nil {
		t.Fatalf("decoding transmit: %v", err)
	}
	return msg
}

func countNewCandidates(n *Node) int {
	count := 0
	for {
		ev, ok := n.PollEvent()
		if !ok {
			return count
		}
		if _, ok := ev.(NewIceCandidate); ok {
			count++
		}
	}
}

func TestUpsertResignalsCandidatesAndSuppressesHandshakes(t *testing.T) {
	t.Parallel()

	n := testClientNode(t)
	addTestRelay(n, nodeEpoch)
	establishRelayCandidates(t, n, nodeEpoch)
	local, remote, pub, psk := upsertArgs(t)

	// First upsert signals the srflx and relayed candidates.
	if err := n.UpsertConnection(testConnID, local, remote, pub, psk, nodeEpoch); err != nil {
		t.Fatal(err)
	}
	if got := countNewCandidates(n); got != 2 {
		t.Fatalf("candidates on create: got %d, want 2 (srflx, relay)", got)
	}

	// An identical upsert re-signals all of them and proactively starts
	// one WireGuard handshake (buffered: nothing is nominated yet).
	conn := n.conns.established[testConnID]
	if err := n.UpsertConnection(testConnID, local, remote, pub, psk, nodeEpoch.Add(time.Second)); err != nil {
		t.Fatal(err)
	}
	if got := countNewCandidates(n); got != 2 {
		t.Errorf("candidates on identical upsert: got %d, want 2", got)
	}
	if conn.wgBuffer.Len() != 1 {
		t.Fatalf("proactive handshakes after upsert: got %d, want 1", conn.wgBuffer.Len())
	}

	// Another upsert inside the 20 s window must not add a second one.
	if err := n.UpsertConnection(testConnID, local, remote, pub, psk, nodeEpoch.Add(2*time.Second)); err != nil {
		t.Fatal(err)
	}
	if conn.wgBuffer.Len() != 1 {
		t.Errorf("handshake not suppressed inside the window: got %d", conn.wgBuffer.Len())
	}
}
