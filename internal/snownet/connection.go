package snownet

import (
	"log/slog"
	"net/netip"
	"time"

	"github.com/pion/ice/v4"

	"github.com/floegate/floegate/internal/config"
	"github.com/floegate/floegate/internal/iceagent"
	"github.com/floegate/floegate/internal/noiseik"
)

const (
	// HandshakeTimeout bounds how long an initial connection waits for
	// the remote answer.
	HandshakeTimeout = 20 * time.Second

	// candidateTimeout fails a connection that received no remote
	// candidates after signalling completed.
	candidateTimeout = 10 * time.Second

	// disconnectTimeout is the grace period for ICE to recover before
	// the connection is failed.
	disconnectTimeout = 2 * time.Second

	// maxIdle is how long a connection may carry no application traffic
	// before switching to relaxed STUN timings. Longer than the ICE
	// timeout so a failed connection is still detected first.
	maxIdle = 20 * time.Second

	// proactiveHandshakeInterval suppresses repeated proactive WireGuard
	// handshakes: at most one per window.
	proactiveHandshakeInterval = 20 * time.Second

	// wgTimerCadence is the default Noise timer tick; the session can
	// pull the next tick forward via NextTimerUpdate.
	wgTimerCadence = time.Second

	// packetBufferCapacity bounds the per-connection buffers holding
	// traffic while ICE negotiates.
	packetBufferCapacity = 128
)

// PeerSocketKind classifies which combination of local-or-relay and
// remote-or-relay sockets a connection uses.
type PeerSocketKind int

const (
	PeerToPeer PeerSocketKind = iota
	PeerToRelay
	RelayToPeer
	RelayToRelay
)

func (k PeerSocketKind) String() string {
	switch k {
	case PeerToPeer:
		return "peer-to-peer"
	case PeerToRelay:
		return "peer-to-relay"
	case RelayToPeer:
		return "relay-to-peer"
	case RelayToRelay:
		return "relay-to-relay"
	default:
		return "unknown"
	}
}

// sendsViaRelay reports whether outbound traffic flows through our TURN
// allocation.
func (k PeerSocketKind) sendsViaRelay() bool {
	return k == RelayToPeer || k == RelayToRelay
}

// PeerSocket is the nominated path of a connection. Src is our side (a
// local socket, or our relayed socket for RelayTo*), Dst the address we
// send towards. The relay to use for RelayTo* is carried on the
// connection itself.
type PeerSocket struct {
	Kind PeerSocketKind
	Src  netip.AddrPort
	Dst  netip.AddrPort
}

// connState is the lifecycle state of an established connection.
type connState int

const (
	stateConnecting connState = iota
	stateConnected
	stateIdle
	stateFailed
)

func (s connState) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateConnected:
		return "connected"
	case stateIdle:
		return "idle"
	case stateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ConnectionStats counts transport activity for observability.
type ConnectionStats struct {
	PacketsSent     uint64
	PacketsReceived uint64
	BytesSent       uint64
	BytesReceived   uint64
}

// Connection composes the ICE agent and the Noise session for one peer.
type Connection struct {
	log *slog.Logger
	id  ConnID

	agent   *iceagent.Agent
	session *noiseik.Session
	index   uint32

	relay    RelayID
	hasRelay bool

	state      connState
	peerSocket PeerSocket

	wgBuffer *ringBuffer[[]byte] // Noise network output awaiting nomination.
	ipBuffer *ringBuffer[[]byte] // plaintext IP packets awaiting nomination.

	remotePubKey config.Key
	preshared    config.Key

	lastActivity   time.Time
	disconnectedAt time.Time // zero unless ICE reported disconnected

	nextWGTimer time.Time

	intentSentAt             time.Time
	signallingCompletedAt    time.Time
	firstHandshakeAt         time.Time
	lastProactiveHandshakeAt time.Time

	stats ConnectionStats

	transmits []Transmit
}

func newConnection(log *slog.Logger, id ConnID, agent *iceagent.Agent, session *noiseik.Session, relay RelayID, hasRelay bool, now time.Time) *Connection {
	return &Connection{
		log:                   log.With("component", "connection", "cid", id),
		id:                    id,
		agent:                 agent,
		session:               session,
		index:                 session.LocalIndex(),
		relay:                 relay,
		hasRelay:              hasRelay,
		state:                 stateConnecting,
		wgBuffer:              newRingBuffer[[]byte](packetBufferCapacity),
		ipBuffer:              newRingBuffer[[]byte](packetBufferCapacity),
		remotePubKey:          session.RemotePublicKey(),
		lastActivity:          now,
		signallingCompletedAt: now,
		nextWGTimer:           now.Add(wgTimerCadence),
	}
}

// Stats returns the transport counters.
func (c *Connection) Stats() ConnectionStats { return c.stats }

// recordActivity refreshes the idle clock; activity on an idle connection
// restores the initial STUN timings.
func (c *Connection) recordActivity(now time.Time) {
	c.lastActivity = now
	if c.state == stateIdle {
		c.state = stateConnected
		if c.agent.Controlling() {
			c.agent.SetTiming(iceagent.ControllingTiming)
		} else {
			c.agent.SetTiming(iceagent.ControlledTiming)
		}
	}
}

// identityMatches reports whether the connection was created from exactly
// these parameters; Upsert reuses it then.
func (c *Connection) identityMatches(localCreds, remoteCreds iceagent.Credentials, remotePub, preshared config.Key) bool {
	return c.agent.LocalCredentials() == localCreds &&
		c.agent.RemoteCredentials() == remoteCreds &&
		c.remotePubKey == remotePub &&
		c.preshared == preshared
}

// encapsulate encrypts one IP packet towards the peer. While ICE is still
// connecting the packet is buffered; once a socket is nominated it goes
// out classified by the peer socket.
func (c *Connection) encapsulate(packet []byte, allocs map[RelayID]*Allocation, now time.Time) error {
	switch c.state {
	case stateFailed:
		return ErrConnectionFailed
	case stateConnecting:
		// The controlling side buffers and replays after nomination; the
		// controlled side drops, its peer will retransmit anyway.
		if c.agent.Controlling() {
			c.ipBuffer.Push(append([]byte(nil), packet...))
		}
		return nil
	}

	c.recordActivity(now)

	// Sending through a relay requires a channel to the peer; without
	// one the packet would be dropped by the relay anyway.
	if c.peerSocket.Kind.sendsViaRelay() {
		alloc, ok := allocs[c.relay]
		if !ok {
			return nil
		}
		return c.encapsulateViaRelay(packet, alloc, now)
	}

	buf := getBuffer()
	defer putBuffer(buf)

	res, err := c.session.Encapsulate(packet, (*buf)[:0:pooledBufferSize], now)
	if err != nil {
		return err
	}
	if res.Kind != noiseik.ResultWriteToNetwork {
		return nil
	}
	c.stats.PacketsSent++
	c.stats.BytesSent += uint64(len(res.Data))
	c.transmits = append(c.transmits, Transmit{
		Src:     c.peerSocket.Src,
		Dst:     c.peerSocket.Dst,
		ECN:     ecnBits(packet),
		Payload: append([]byte(nil), res.Data...),
	})
	return nil
}

func (c *Connection) encapsulateViaRelay(packet []byte, alloc *Allocation, now time.Time) error {
	buf := getBuffer()
	defer putBuffer(buf)

	// Leave room for the 4-byte TURN channel-data header.
	scratch := (*buf)[4:4:pooledBufferSize]
	res, err := c.session.Encapsulate(packet, scratch, now)
	if err != nil {
		return err
	}
	if res.Kind != noiseik.ResultWriteToNetwork {
		return nil
	}

	framed := (*buf)[:4+len(res.Data)]
	relayAddr, ok := alloc.EncodeChannelDataHeader(c.peerSocket.Dst, framed, now)
	if !ok {
		return nil
	}
	c.stats.PacketsSent++
	c.stats.BytesSent += uint64(len(res.Data))
	c.transmits = append(c.transmits, Transmit{
		Dst:     relayAddr,
		ECN:     ecnBits(packet),
		Payload: append([]byte(nil), framed...),
	})
	return nil
}

// sendRaw transmits an already-encrypted payload through the nominated
// peer socket.
func (c *Connection) sendRaw(payload []byte, allocs map[RelayID]*Allocation, now time.Time) {
	if c.peerSocket.Kind.sendsViaRelay() {
		alloc, ok := allocs[c.relay]
		if !ok {
			return
		}
		buf := getBuffer()
		defer putBuffer(buf)
		framed := (*buf)[:4+len(payload)]
		copy(framed[4:], payload)
		relayAddr, ok := alloc.EncodeChannelDataHeader(c.peerSocket.Dst, framed, now)
		if !ok {
			return
		}
		c.transmits = append(c.transmits, Transmit{Dst: relayAddr, Payload: append([]byte(nil), framed...)})
		return
	}
	c.transmits = append(c.transmits, Transmit{
		Src:     c.peerSocket.Src,
		Dst:     c.peerSocket.Dst,
		Payload: append([]byte(nil), payload...),
	})
}

// decapsulate feeds one WireGuard datagram into the Noise session and
// returns a decrypted IP packet if one was produced. Handshake responses
// produced before nomination are buffered.
func (c *Connection) decapsulate(packet []byte, allocs map[RelayID]*Allocation, now time.Time) ([]byte, error) {
	if c.state == stateFailed {
		return nil, ErrConnectionFailed
	}

	c.recordActivity(now)
	c.stats.PacketsReceived++
	c.stats.BytesReceived += uint64(len(packet))

	buf := getBuffer()
	defer putBuffer(buf)

	var tunnelled []byte

	res, err := c.session.Decapsulate(packet, (*buf)[:0:pooledBufferSize], now)
	for {
		if err != nil {
			return nil, err
		}
		switch res.Kind {
		case noiseik.ResultWriteToNetwork:
			c.dispatchNetworkOutput(res.Data, allocs, now)
		case noiseik.ResultWriteToTunnelV4, noiseik.ResultWriteToTunnelV6:
			tunnelled = append([]byte(nil), res.Data...)
		case noiseik.ResultDone:
			return tunnelled, nil
		}
		res, err = c.session.Decapsulate(nil, (*buf)[:0:pooledBufferSize], now)
	}
}

// dispatchNetworkOutput routes Noise output (handshake responses, queued
// data) to the network, buffering while no socket is nominated.
func (c *Connection) dispatchNetworkOutput(payload []byte, allocs map[RelayID]*Allocation, now time.Time) {
	if c.state == stateConnecting {
		c.wgBuffer.Push(append([]byte(nil), payload...))
		return
	}
	c.sendRaw(payload, allocs, now)
}

// initiateHandshake proactively starts a WireGuard handshake unless one
// was initiated within the suppression window.
func (c *Connection) initiateHandshake(allocs map[RelayID]*Allocation, now time.Time) {
	if !c.lastProactiveHandshakeAt.IsZero() && now.Sub(c.lastProactiveHandshakeAt) < proactiveHandshakeInterval {
		return
	}
	buf := getBuffer()
	defer putBuffer(buf)
	res, err := c.session.FormatHandshakeInitiation((*buf)[:0:pooledBufferSize], now)
	if err != nil {
		c.log.Debug("handshake initiation failed", "error", err)
		return
	}
	if res.Kind == noiseik.ResultWriteToNetwork {
		c.lastProactiveHandshakeAt = now
		c.dispatchNetworkOutput(res.Data, allocs, now)
	}
}

// handleNomination classifies the nominated pair into a peer socket and
// flushes buffers on the first nomination.
func (c *Connection) handleNomination(n iceagent.NominatedSend, allocs map[RelayID]*Allocation, now time.Time) {
	kind := PeerToPeer

	// Source is ours: if it is one of our relayed sockets we send
	// through the relay.
	for _, alloc := range allocs {
		if alloc.hasSocket(n.Source) {
			kind = RelayToPeer
			break
		}
	}

	// Destination is theirs: a remote relay candidate means the peer
	// receives through its own relay.
	for _, addr := range c.agent.RemoteCandidateAddrs(ice.CandidateTypeRelay) {
		if addr == n.Destination {
			if kind == RelayToPeer {
				kind = RelayToRelay
			} else {
				kind = PeerToRelay
			}
			break
		}
	}

	socket := PeerSocket{Kind: kind, Src: n.Source, Dst: n.Destination}

	switch c.state {
	case stateConnecting:
		c.peerSocket = socket
		c.state = stateConnected
		c.lastActivity = now
		c.log.Info("connection established path", "socket", kind.String(), "src", n.Source, "dst", n.Destination)

		for _, payload := range c.wgBuffer.Drain() {
			c.sendRaw(payload, allocs, now)
		}
		for _, packet := range c.ipBuffer.Drain() {
			if err := c.encapsulate(packet, allocs, now); err != nil {
				c.log.Debug("flushing buffered packet failed", "error", err)
			}
		}

		if c.agent.Controlling() {
			c.initiateHandshake(allocs, now)
		}

	case stateConnected, stateIdle:
		if c.peerSocket == socket {
			return
		}
		c.log.Info("migrating connection path", "socket", kind.String(), "src", n.Source, "dst", n.Destination)
		c.peerSocket = socket
	}
}

// handleTimeout drives all per-connection timers.
func (c *Connection) handleTimeout(allocs map[RelayID]*Allocation, now time.Time) {
	if c.state == stateFailed {
		return
	}

	c.agent.HandleTimeout(now)
	c.drainAgent(allocs, now)
	if c.state == stateFailed {
		return
	}

	// Candidate timeout: signalling completed but the remote never sent
	// a single candidate.
	if !c.agent.HasRemoteCandidates() && now.Sub(c.signallingCompletedAt) >= candidateTimeout {
		c.log.Info("no remote candidates in time, failing connection")
		c.state = stateFailed
		return
	}

	// ICE disconnect grace.
	if !c.disconnectedAt.IsZero() && now.Sub(c.disconnectedAt) >= disconnectTimeout {
		c.log.Info("ICE disconnected beyond grace period, failing connection")
		c.state = stateFailed
		return
	}

	// Noise timers.
	if !now.Before(c.nextWGTimer) {
		c.tickSession(allocs, now)
		if c.state == stateFailed {
			return
		}
		c.nextWGTimer = now.Add(wgTimerCadence)
		if next := c.session.NextTimerUpdate(now); !next.IsZero() && next.Before(c.nextWGTimer) && next.After(now) {
			c.nextWGTimer = next
		}
	}

	// Idle transition.
	if c.state == stateConnected && c.agent.State() == iceagent.StateConnected &&
		now.Sub(c.lastActivity) >= maxIdle {
		c.log.Debug("connection idle, relaxing STUN timings")
		c.state = stateIdle
		if c.agent.Controlling() {
			c.agent.SetTiming(iceagent.IdleControllingTiming)
		} else {
			c.agent.SetTiming(iceagent.IdleControlledTiming)
		}
	}
}

func (c *Connection) tickSession(allocs map[RelayID]*Allocation, now time.Time) {
	buf := getBuffer()
	defer putBuffer(buf)

	res, err := c.session.UpdateTimers((*buf)[:0:pooledBufferSize], now)
	if err != nil {
		c.log.Info("session expired, failing connection", "error", err)
		c.state = stateFailed
		return
	}
	if res.Kind == noiseik.ResultWriteToNetwork {
		c.dispatchNetworkOutput(res.Data, allocs, now)
	}
}

// drainAgent pulls events and transmits out of the ICE agent.
func (c *Connection) drainAgent(allocs map[RelayID]*Allocation, now time.Time) {
	for {
		ev, ok := c.agent.PollEvent()
		if !ok {
			break
		}
		switch ev := ev.(type) {
		case iceagent.NominatedSend:
			c.handleNomination(ev, allocs, now)
		case iceagent.StateChanged:
			switch ev.State {
			case iceagent.StateDisconnected:
				if c.disconnectedAt.IsZero() {
					c.disconnectedAt = now
				}
			case iceagent.StateConnected:
				c.disconnectedAt = time.Time{}
			case iceagent.StateFailed:
				c.log.Info("ICE failed, failing connection")
				c.state = stateFailed
			}
		case iceagent.DiscoveredRecv:
			// Receiving checks is activity as far as idling goes.
			if c.state == stateConnected || c.state == stateIdle {
				c.recordActivity(now)
			}
		}
	}

	for {
		tr, ok := c.agent.PollTransmit()
		if !ok {
			break
		}
		c.dispatchAgentTransmit(tr, allocs, now)
	}
}

// dispatchAgentTransmit sends one STUN check. Checks sourced from a
// relayed address travel inside channel-data through the allocation.
func (c *Connection) dispatchAgentTransmit(tr iceagent.Transmit, allocs map[RelayID]*Allocation, now time.Time) {
	for _, alloc := range allocs {
		if !alloc.hasSocket(tr.Src) {
			continue
		}
		alloc.BindChannel(tr.Dst, now)
		buf := getBuffer()
		framed := (*buf)[:4+len(tr.Payload)]
		copy(framed[4:], tr.Payload)
		relayAddr, ok := alloc.EncodeChannelDataHeader(tr.Dst, framed, now)
		if ok {
			c.transmits = append(c.transmits, Transmit{Dst: relayAddr, Payload: append([]byte(nil), framed...)})
		}
		putBuffer(buf)
		return
	}
	c.transmits = append(c.transmits, Transmit{Src: tr.Src, Dst: tr.Dst, Payload: tr.Payload})
}

// pollTransmit drains one staged datagram.
func (c *Connection) pollTransmit() (Transmit, bool) {
	if len(c.transmits) == 0 {
		return Transmit{}, false
	}
	t := c.transmits[0]
	c.transmits = c.transmits[1:]
	return t, true
}

// pollTimeout computes the earliest of the ICE timeout, the Noise timer,
// the candidate timeout, the disconnect deadline and the idle transition.
func (c *Connection) pollTimeout() (time.Time, bool) {
	if c.state == stateFailed {
		return time.Time{}, false
	}

	var earliest time.Time
	consider := func(t time.Time) {
		if t.IsZero() {
			return
		}
		if earliest.IsZero() || t.Before(earliest) {
			earliest = t
		}
	}

	if t, ok := c.agent.PollTimeout(); ok {
		consider(t)
	}
	consider(c.nextWGTimer)
	if !c.agent.HasRemoteCandidates() {
		consider(c.signallingCompletedAt.Add(candidateTimeout))
	}
	if !c.disconnectedAt.IsZero() {
		consider(c.disconnectedAt.Add(disconnectTimeout))
	}
	if c.state == stateConnected {
		consider(c.lastActivity.Add(maxIdle))
	}

	return earliest, !earliest.IsZero()
}

// ecnBits extracts the two ECN bits from an IP packet's traffic class.
func ecnBits(packet []byte) uint8 {
	if len(packet) < 2 {
		return 0
	}
	switch packet[0] >> 4 {
	case 4:
		return packet[1] & 0b11
	case 6:
		return (packet[1] >> 4) & 0b11
	default:
		return 0
	}
}
