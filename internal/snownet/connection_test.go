package snownet

import (
	"bytes"
	"log/slog"
	"net/netip"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/floegate/floegate/internal/config"
	"github.com/floegate/floegate/internal/iceagent"
	"github.com/floegate/floegate/internal/noiseik"
)

var (
	connEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	clientAddr      = netip.MustParseAddrPort("192.168.1.2:51000")
	gatewayAddr     = netip.MustParseAddrPort("203.0.113.10:52000")
	remoteRelayAddr = netip.MustParseAddrPort("198.51.100.7:60000")

	connTestID = uuid.MustParse("60000000-0000-0000-0000-000000000001")
)

// testConnection builds a Connection plus the remote end's Noise session,
// so handshakes and data can be driven through the real crypto.
func testConnection(t *testing.T, controlling bool) (*Connection, *noiseik.Session) {
	t.Helper()

	localKey := testKey(t)
	remoteKey := testKey(t)
	psk := config.Key{7}

	agent := iceagent.New(iceagent.Config{
		Controlling: controlling,
		Local:       iceagent.NewCredentials(),
	})
	agent.SetRemoteCredentials(iceagent.Credentials{UFrag: "remote", Pwd: "remotepwd012345678901234"})

	session := noiseik.NewSession(1, localKey, config.PublicKey(remoteKey), psk)
	remote := noiseik.NewSession(2, remoteKey, config.PublicKey(localKey), psk)

	conn := newConnection(slog.Default(), connTestID, agent, session, RelayID{}, false, connEpoch)
	return conn, remote
}

func drainTransmits(c *Connection) []Transmit {
	var out []Transmit
	for {
		tr, ok := c.pollTransmit()
		if !ok {
			return out
		}
		out = append(out, tr)
	}
}

func fakeIPPacket(seq byte) []byte {
	packet := make([]byte, 28)
	packet[0] = 0x45
	packet[19] = seq // last destination byte, keeps packets distinct
	copy(packet[20:], []byte{'p', 'k', 't', seq})
	return packet
}

// completeHandshake feeds every staged WireGuard message into the remote
// session and loops its answers back until transport keys exist on both
// ends. Non-WireGuard transmits are returned untouched.
func completeHandshake(t *testing.T, conn *Connection, remote *noiseik.Session, now time.Time) {
	t.Helper()

	buf := make([]byte, 2048)
	for _, tr := range drainTransmits(conn) {
		res, err := remote.Decapsulate(tr.Payload, buf, now)
		if err != nil {
			continue // Retransmitted initiations fail the timestamp check.
		}
		if res.Kind != noiseik.ResultWriteToNetwork {
			continue
		}
		response := append([]byte(nil), res.Data...)
		if _, err := conn.decapsulate(response, nil, now); err != nil {
			t.Fatalf("consuming handshake response: %v", err)
		}
	}
	if !remote.HasTransportKeys() {
		t.Fatal("remote session has no transport keys after handshake")
	}
}

// decryptAtRemote unwraps one data transmit with the remote session.
func decryptAtRemote(t *testing.T, remote *noiseik.Session, payload []byte, now time.Time) []byte {
	t.Helper()
	buf := make([]byte, 2048)
	res, err := remote.Decapsulate(payload, buf, now)
	if err != nil {
		t.Fatalf("remote decapsulate: %v", err)
	}
	if res.Kind != noiseik.ResultWriteToTunnelV4 {
		t.Fatalf("remote decapsulate kind: %v", res.Kind)
	}
	return append([]byte(nil), res.Data...)
}

func TestBufferedPacketsReplayInOrderAfterNomination(t *testing.T) {
	t.Parallel()

	conn, remote := testConnection(t, true)
	allocs := map[RelayID]*Allocation{}

	packets := [][]byte{fakeIPPacket(1), fakeIPPacket(2), fakeIPPacket(3)}
	for _, p := range packets {
		if err := conn.encapsulate(p, allocs, connEpoch); err != nil {
			t.Fatalf("encapsulate while connecting: %v", err)
		}
	}
	if conn.ipBuffer.Len() != 3 {
		t.Fatalf("buffered packets: got %d, want 3", conn.ipBuffer.Len())
	}
	if trs := drainTransmits(conn); len(trs) != 0 {
		t.Fatalf("transmits before nomination: %d", len(trs))
	}

	conn.handleNomination(iceagent.NominatedSend{Source: clientAddr, Destination: gatewayAddr}, allocs, connEpoch)
	if conn.state != stateConnected {
		t.Fatalf("state after nomination: %v", conn.state)
	}
	if conn.peerSocket.Kind != PeerToPeer {
		t.Fatalf("peer socket: %v", conn.peerSocket.Kind)
	}

	// The flush triggers the handshake; completing it releases the
	// queued packets as encrypted transmits.
	completeHandshake(t, conn, remote, connEpoch)

	transmits := drainTransmits(conn)
	if len(transmits) != len(packets) {
		t.Fatalf("data transmits: got %d, want %d", len(transmits), len(packets))
	}
	for i, tr := range transmits {
		if tr.Src != clientAddr || tr.Dst != gatewayAddr {
			t.Errorf("transmit %d addressing: %v -> %v", i, tr.Src, tr.Dst)
		}
		plain := decryptAtRemote(t, remote, tr.Payload, connEpoch)
		if !bytes.Equal(plain, packets[i]) {
			t.Errorf("packet %d out of order or corrupted", i)
		}
	}
}

func TestControlledSideDropsWhileConnecting(t *testing.T) {
	t.Parallel()

	conn, _ := testConnection(t, false)
	allocs := map[RelayID]*Allocation{}

	if err := conn.encapsulate(fakeIPPacket(1), allocs, connEpoch); err != nil {
		t.Fatalf("encapsulate: %v", err)
	}
	if conn.ipBuffer.Len() != 0 {
		t.Errorf("controlled side buffered %d packets, want 0", conn.ipBuffer.Len())
	}
	if trs := drainTransmits(conn); len(trs) != 0 {
		t.Errorf("controlled side transmitted %d packets while connecting", len(trs))
	}
}

func TestPeerSocketClassification(t *testing.T) {
	t.Parallel()

	conn, _ := testConnection(t, true)
	conn.relay = testRelayID
	conn.hasRelay = true

	// An allocation whose relayed socket is relayAddr4, and a remote
	// relay candidate at remoteRelayAddr.
	allocs := map[RelayID]*Allocation{testRelayID: allocatedV4(t, connEpoch)}
	remoteRelay, err := relayCandidate(remoteRelayAddr, gatewayAddr)
	if err != nil {
		t.Fatal(err)
	}
	conn.agent.AddRemoteCandidate(remoteRelay)

	cases := []struct {
		name string
		src  netip.AddrPort
		dst  netip.AddrPort
		want PeerSocketKind
	}{
		{"direct", clientAddr, gatewayAddr, PeerToPeer},
		{"their relay", clientAddr, remoteRelayAddr, PeerToRelay},
		{"our relay", relayAddr4, gatewayAddr, RelayToPeer},
		{"both relays", relayAddr4, remoteRelayAddr, RelayToRelay},
	}
	for _, tc := range cases {
		conn.handleNomination(iceagent.NominatedSend{Source: tc.src, Destination: tc.dst}, allocs, connEpoch)
		if conn.peerSocket.Kind != tc.want {
			t.Errorf("%s: got %v, want %v", tc.name, conn.peerSocket.Kind, tc.want)
		}
		if conn.peerSocket.Src != tc.src || conn.peerSocket.Dst != tc.dst {
			t.Errorf("%s: sockets %v -> %v", tc.name, conn.peerSocket.Src, conn.peerSocket.Dst)
		}
	}

	// Re-nominating the current socket must not disturb the state.
	last := cases[len(cases)-1]
	before := conn.peerSocket
	conn.handleNomination(iceagent.NominatedSend{Source: last.src, Destination: last.dst}, allocs, connEpoch)
	if conn.peerSocket != before {
		t.Error("identical re-nomination changed the peer socket")
	}
	if conn.state != stateConnected {
		t.Errorf("state after re-nomination: %v", conn.state)
	}
}

func TestProactiveHandshakeIsSuppressedWithinWindow(t *testing.T) {
	t.Parallel()

	conn, remote := testConnection(t, true)
	allocs := map[RelayID]*Allocation{}

	conn.handleNomination(iceagent.NominatedSend{Source: clientAddr, Destination: gatewayAddr}, allocs, connEpoch)
	completeHandshake(t, conn, remote, connEpoch)
	if conn.lastProactiveHandshakeAt.IsZero() {
		t.Fatal("nomination did not initiate a handshake")
	}

	// Within the 20 s window: suppressed.
	conn.initiateHandshake(allocs, connEpoch.Add(time.Second))
	if trs := drainTransmits(conn); len(trs) != 0 {
		t.Fatalf("handshake initiated inside the suppression window: %d transmits", len(trs))
	}

	// At the window boundary: a fresh initiation goes out.
	later := connEpoch.Add(proactiveHandshakeInterval)
	conn.initiateHandshake(allocs, later)
	trs := drainTransmits(conn)
	if len(trs) != 1 || len(trs[0].Payload) != noiseik.MessageInitiationSize {
		t.Fatalf("expected one initiation after the window, got %d transmits", len(trs))
	}
	if !conn.lastProactiveHandshakeAt.Equal(later) {
		t.Errorf("suppression clock not advanced: %v", conn.lastProactiveHandshakeAt)
	}
}

func TestCandidateTimeoutFailsConnection(t *testing.T) {
	t.Parallel()

	conn, _ := testConnection(t, true)
	allocs := map[RelayID]*Allocation{}

	conn.handleTimeout(allocs, connEpoch.Add(candidateTimeout-time.Second))
	if conn.state == stateFailed {
		t.Fatal("failed before the candidate timeout")
	}

	conn.handleTimeout(allocs, connEpoch.Add(candidateTimeout))
	if conn.state != stateFailed {
		t.Errorf("state: got %v, want failed (no remote candidates in %v)", conn.state, candidateTimeout)
	}
}

func TestPollTimeoutTracksDeadlines(t *testing.T) {
	t.Parallel()

	conn, remote := testConnection(t, true)
	allocs := map[RelayID]*Allocation{}

	// While connecting, the Noise timer cadence is the earliest deadline.
	deadline, ok := conn.pollTimeout()
	if !ok {
		t.Fatal("no timeout on a fresh connection")
	}
	if deadline.After(connEpoch.Add(wgTimerCadence)) {
		t.Errorf("deadline %v beyond the Noise cadence", deadline)
	}

	// Once connected, the idle transition bounds it.
	conn.handleNomination(iceagent.NominatedSend{Source: clientAddr, Destination: gatewayAddr}, allocs, connEpoch)
	completeHandshake(t, conn, remote, connEpoch)
	deadline, ok = conn.pollTimeout()
	if !ok {
		t.Fatal("no timeout on a connected connection")
	}
	if deadline.After(conn.lastActivity.Add(maxIdle)) {
		t.Errorf("deadline %v beyond the idle transition", deadline)
	}

	// A failed connection has nothing left to wait for.
	conn.state = stateFailed
	if _, ok := conn.pollTimeout(); ok {
		t.Error("failed connection still reports a timeout")
	}
}

func TestStatsCountTransportTraffic(t *testing.T) {
	t.Parallel()

	conn, remote := testConnection(t, true)
	allocs := map[RelayID]*Allocation{}

	conn.handleNomination(iceagent.NominatedSend{Source: clientAddr, Destination: gatewayAddr}, allocs, connEpoch)
	completeHandshake(t, conn, remote, connEpoch)
	received := conn.Stats().PacketsReceived // Handshake response counts as inbound.

	for i := byte(1); i <= 2; i++ {
		if err := conn.encapsulate(fakeIPPacket(i), allocs, connEpoch); err != nil {
			t.Fatal(err)
		}
	}
	stats := conn.Stats()
	if stats.PacketsSent != 2 {
		t.Errorf("packets sent: got %d, want 2", stats.PacketsSent)
	}
	if stats.BytesSent == 0 {
		t.Error("bytes sent not counted")
	}

	// A data packet from the remote increments the receive side.
	buf := make([]byte, 2048)
	enc, err := remote.Encapsulate(fakeIPPacket(9), buf, connEpoch)
	if err != nil {
		t.Fatal(err)
	}
	payload, err := conn.decapsulate(enc.Data, allocs, connEpoch)
	if err != nil {
		t.Fatal(err)
	}
	if payload == nil {
		t.Fatal("no payload decapsulated")
	}
	if got := conn.Stats().PacketsReceived; got != received+1 {
		t.Errorf("packets received: got %d, want %d", got, received+1)
	}
}
