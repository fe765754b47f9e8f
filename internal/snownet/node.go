package snownet

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"slices"
	"strings"
	"time"

	"github.com/pion/ice/v4"
	"github.com/pion/stun/v3"
	"golang.org/x/time/rate"

	"github.com/floegate/floegate/internal/config"
	"github.com/floegate/floegate/internal/iceagent"
	"github.com/floegate/floegate/internal/noiseik"
	"github.com/floegate/floegate/internal/stunattr"
)

// turnPort is the well-known TURN port. Only datagrams from this source
// port are considered relay traffic; some NATs rewrite source ports and
// misclassifying direct STUN as relay traffic would break connectivity.
const turnPort = 3478

// handshakeRateLimit bounds how many handshake messages per second the
// node processes across all connections.
const handshakeRateLimit = 100

var (
	// ErrNoTURNServers is returned when a connection is created while no
	// usable relay is known.
	ErrNoTURNServers = errors.New("no TURN servers available")

	// ErrUnknownConnection is returned by operations referencing a
	// connection id the node does not hold.
	ErrUnknownConnection = errors.New("unknown connection")

	// ErrConnectionFailed is returned by operations on a connection that
	// has already failed and awaits garbage collection.
	ErrConnectionFailed = errors.New("connection failed")

	// ErrNotWireGuard is returned when a datagram matches no allocation,
	// no ICE agent and no WireGuard session.
	ErrNotWireGuard = errors.New("not a WireGuard packet")
)

// Offer carries the client's half of the legacy offer/answer exchange.
type Offer struct {
	SessionKey  config.Key
	Credentials iceagent.Credentials
}

// Answer carries the gateway's half.
type Answer struct {
	Credentials iceagent.Credentials
}

// RelayConfig describes one relay as learned from the portal.
type RelayConfig struct {
	ID       RelayID
	Socket   RelaySocket
	Username string
	Password string
	Realm    string
}

// Node is the sans-I/O engine owning allocations, connections and the
// queues between them and the embedding event loop.
type Node struct {
	log         *slog.Logger
	controlling bool

	privateKey config.Key
	publicKey  config.Key
	sessionID  string

	allocations map[RelayID]*Allocation
	staleRelays map[netip.AddrPort]struct{}

	conns *connections

	limiter          *rate.Limiter
	nextLimiterReset time.Time

	nextIndex uint32

	transmits []Transmit
	events    []Event
}

// NewClientNode creates a node in the controlling (client) role.
func NewClientNode(privateKey config.Key, log *slog.Logger) *Node {
	return newNode(privateKey, true, log)
}

// NewGatewayNode creates a node in the controlled (gateway) role.
func NewGatewayNode(privateKey config.Key, log *slog.Logger) *Node {
	return newNode(privateKey, false, log)
}

func newNode(privateKey config.Key, controlling bool, log *slog.Logger) *Node {
	if log == nil {
		log = slog.Default()
	}
	public := config.PublicKey(privateKey)
	return &Node{
		log:         log.With("component", "node"),
		controlling: controlling,
		privateKey:  privateKey,
		publicKey:   public,
		sessionID:   SessionID(public),
		allocations: make(map[RelayID]*Allocation),
		staleRelays: make(map[netip.AddrPort]struct{}),
		conns:       newConnections(),
		limiter:     rate.NewLimiter(rate.Limit(handshakeRateLimit), handshakeRateLimit),
	}
}

// PublicKey returns the node's Noise static public key.
func (n *Node) PublicKey() config.Key { return n.publicKey }

// sampleRelay picks a relay for a new connection: the lowest relay id
// whose allocation still has credentials, so repeated calls spread
// nothing but stay deterministic for a given relay set.
func (n *Node) sampleRelay() (RelayID, bool) {
	ids := make([]RelayID, 0, len(n.allocations))
	for id, alloc := range n.allocations {
		if alloc.creds == nil {
			continue
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return RelayID{}, false
	}
	slices.SortFunc(ids, func(a, b RelayID) int {
		return strings.Compare(a.String(), b.String())
	})
	return ids[0], true
}

func (n *Node) newAgent(local iceagent.Credentials) *iceagent.Agent {
	return iceagent.New(iceagent.Config{
		Controlling: n.controlling,
		Local:       local,
		Logger:      n.log,
	})
}

func (n *Node) allocateIndex() uint32 {
	n.nextIndex++
	return n.nextIndex
}

// NewConnection creates an initial (pre-answer) connection and returns
// the offer to signal. Client role only.
func (n *Node) NewConnection(id ConnID, now time.Time) (Offer, error) {
	relay, hasRelay := n.sampleRelay()
	if !hasRelay {
		return Offer{}, ErrNoTURNServers
	}

	sessionKey, err := config.GeneratePrivateKey()
	if err != nil {
		return Offer{}, fmt.Errorf("generating session key: %w", err)
	}

	agent := n.newAgent(iceagent.NewCredentials())
	initial := &InitialConnection{
		agent:      agent,
		sessionKey: sessionKey,
		relay:      relay,
		hasRelay:   hasRelay,
		createdAt:  now,
	}
	n.conns.initial[id] = initial
	n.seedAgent(id, agent, relay, hasRelay)

	return Offer{SessionKey: sessionKey, Credentials: agent.LocalCredentials()}, nil
}

// AcceptAnswer upgrades an initial connection to established once the
// remote answered.
func (n *Node) AcceptAnswer(id ConnID, remotePub config.Key, answer Answer, now time.Time) error {
	initial, ok := n.conns.initial[id]
	if !ok {
		return ErrUnknownConnection
	}
	delete(n.conns.initial, id)

	initial.agent.SetRemoteCredentials(answer.Credentials)

	session := noiseik.NewSession(n.allocateIndex(), n.privateKey, remotePub, initial.sessionKey)
	conn := newConnection(n.log, id, initial.agent, session, initial.relay, initial.hasRelay, now)
	conn.preshared = initial.sessionKey
	conn.intentSentAt = initial.intentSentAt
	n.conns.addEstablished(conn)
	n.bindRemoteChannels(conn, now)
	return nil
}

// AcceptConnection responds to an offer. Gateway role only.
func (n *Node) AcceptConnection(id ConnID, offer Offer, remotePub config.Key, now time.Time) (Answer, error) {
	relay, hasRelay := n.sampleRelay()
	if !hasRelay {
		return Answer{}, ErrNoTURNServers
	}

	agent := n.newAgent(iceagent.NewCredentials())
	agent.SetRemoteCredentials(offer.Credentials)

	session := noiseik.NewSession(n.allocateIndex(), n.privateKey, remotePub, offer.SessionKey)
	conn := newConnection(n.log, id, agent, session, relay, hasRelay, now)
	conn.preshared = offer.SessionKey
	n.conns.addEstablished(conn)
	n.seedConnection(conn)

	return Answer{Credentials: agent.LocalCredentials()}, nil
}

// UpsertConnection creates or reuses a connection with full identity:
// matching local and remote ICE credentials, remote public key and
// preshared key reuse the existing connection; anything else replaces it.
func (n *Node) UpsertConnection(id ConnID, local, remote iceagent.Credentials, remotePub, preshared config.Key, now time.Time) error {
	if existing, ok := n.conns.established[id]; ok &&
		existing.state != stateFailed &&
		existing.identityMatches(local, remote, remotePub, preshared) {
		n.log.Debug("reusing connection on upsert", "cid", id)

		// Re-signal every current local candidate; the remote may have
		// lost earlier signalling.
		n.seedConnection(existing)
		existing.recordActivity(now)
		if n.controlling {
			existing.initiateHandshake(n.allocations, now)
		}
		return nil
	}

	relay, hasRelay := n.sampleRelay()
	if !hasRelay {
		return ErrNoTURNServers
	}

	agent := n.newAgent(local)
	agent.SetRemoteCredentials(remote)

	session := noiseik.NewSession(n.allocateIndex(), n.privateKey, remotePub, preshared)
	conn := newConnection(n.log, id, agent, session, relay, hasRelay, now)
	conn.preshared = preshared
	n.conns.addEstablished(conn)
	n.seedConnection(conn)
	return nil
}

// seedConnection feeds all current local candidates to a connection's
// agent and signals them to the remote.
func (n *Node) seedConnection(conn *Connection) {
	n.seedAgent(conn.id, conn.agent, conn.relay, conn.hasRelay)
}

// seedAgent signals host, server-reflexive and (for the sampled relay)
// relayed candidates. Server-reflexive candidates are signalled only: we
// always send from the base socket, so the agent never pairs from them.
func (n *Node) seedAgent(id ConnID, agent *iceagent.Agent, relay RelayID, hasRelay bool) {
	for _, alloc := range n.allocations {
		for _, candidate := range alloc.hostAndServerReflexiveCandidates() {
			if candidate.Type() == ice.CandidateTypeHost {
				agent.AddLocalCandidate(candidate)
			}
			n.events = append(n.events, NewIceCandidate{Conn: id, Candidate: candidate.Marshal()})
		}
	}
	if !hasRelay {
		return
	}
	if alloc, ok := n.allocations[relay]; ok {
		for _, candidate := range alloc.currentRelayCandidates() {
			agent.AddLocalCandidate(candidate)
			n.events = append(n.events, NewIceCandidate{Conn: id, Candidate: candidate.Marshal()})
		}
	}
}

// AddRemoteCandidate feeds a candidate received via the portal to the
// connection's agent, synthesising optimistic server-reflexive guesses
// and binding relay channels towards the new address.
func (n *Node) AddRemoteCandidate(id ConnID, raw string, now time.Time) error {
	agent, ok := n.agentForConn(id)
	if !ok {
		return ErrUnknownConnection
	}

	candidate, err := ice.UnmarshalCandidate(raw)
	if err != nil {
		return fmt.Errorf("parsing candidate: %w", err)
	}

	for _, synthesized := range optimisticSrflxCandidates(candidate, agent.RemoteCandidates()) {
		agent.AddRemoteCandidate(synthesized)
	}
	agent.AddRemoteCandidate(candidate)

	if conn, ok := n.conns.established[id]; ok {
		n.bindRemoteChannels(conn, now)
		conn.recordActivity(now)
	}
	return nil
}

// RemoveRemoteCandidate invalidates a previously signalled remote
// candidate.
func (n *Node) RemoveRemoteCandidate(id ConnID, raw string, now time.Time) error {
	agent, ok := n.agentForConn(id)
	if !ok {
		return ErrUnknownConnection
	}
	candidate, err := ice.UnmarshalCandidate(raw)
	if err != nil {
		return fmt.Errorf("parsing candidate: %w", err)
	}
	agent.RemoveRemoteCandidate(candidate)
	return nil
}

func (n *Node) agentForConn(id ConnID) (*iceagent.Agent, bool) {
	if conn, ok := n.conns.established[id]; ok {
		return conn.agent, true
	}
	if initial, ok := n.conns.initial[id]; ok {
		return initial.agent, true
	}
	return nil, false
}

// optimisticSrflxCandidates guesses additional server-reflexive
// candidates: NATs frequently preserve ports, so for each remote
// server-reflexive IP and each remote host candidate of the same family
// the combination (srflx IP, host port) is worth probing. IPv4 only,
// capped at two guesses per added candidate.
func optimisticSrflxCandidates(added ice.Candidate, existing []ice.Candidate) []ice.Candidate {
	const maxGuesses = 2

	var srflxIPs []netip.Addr
	var hostPorts []int

	collect := func(c ice.Candidate) {
		addr := candidateAddr(c)
		if !addr.Addr().Is4() {
			return
		}
		switch c.Type() {
		case ice.CandidateTypeServerReflexive:
			srflxIPs = append(srflxIPs, addr.Addr())
		case ice.CandidateTypeHost:
			hostPorts = append(hostPorts, int(addr.Port()))
		}
	}
	for _, c := range existing {
		collect(c)
	}
	collect(added)

	var out []ice.Candidate
	for _, ip := range srflxIPs {
		for _, port := range hostPorts {
			if len(out) == maxGuesses {
				return out
			}
			guess, err := ice.NewCandidateServerReflexive(&ice.CandidateServerReflexiveConfig{
				Network:   "udp",
				Address:   ip.String(),
				Port:      port,
				Component: ice.ComponentRTP,
			})
			if err != nil {
				continue
			}
			exists := false
			for _, c := range existing {
				if candidateAddr(c) == candidateAddr(guess) {
					exists = true
					break
				}
			}
			if !exists {
				out = append(out, guess)
			}
		}
	}
	return out
}

// bindRemoteChannels opens relay channels towards every remote candidate
// so relayed sending works the moment ICE nominates such a path.
func (n *Node) bindRemoteChannels(conn *Connection, now time.Time) {
	if !conn.hasRelay {
		return
	}
	alloc, ok := n.allocations[conn.relay]
	if !ok {
		return
	}
	for _, candidate := range conn.agent.RemoteCandidates() {
		if addr := candidateAddr(candidate); addr.IsValid() {
			alloc.BindChannel(addr, now)
		}
	}
}

// Encapsulate encrypts one outbound IP packet onto the connection.
func (n *Node) Encapsulate(id ConnID, packet []byte, now time.Time) error {
	conn, ok := n.conns.established[id]
	if !ok {
		return ErrUnknownConnection
	}
	return conn.encapsulate(packet, n.allocations, now)
}

// Decapsulate demultiplexes one inbound datagram: TURN traffic to the
// allocations, STUN to the ICE agents, WireGuard to the sessions. The
// returned payload (if any) is a decrypted IP packet, tagged with the
// connection it came from.
func (n *Node) Decapsulate(local, from netip.AddrPort, packet []byte, now time.Time) (ConnID, []byte, error) {
	if len(packet) == 0 {
		return ConnID{}, nil, ErrNotWireGuard
	}

	// Step 1: relay traffic, identified by source port.
	if from.Port() == turnPort {
		switch {
		case stunattr.IsSTUN(packet[0]):
			msg := &stun.Message{Raw: packet}
			if err := msg.Decode(); err == nil {
				for _, alloc := range n.allocations {
					if alloc.HandleInput(from, local, msg, now) {
						return ConnID{}, nil, nil
					}
				}
				if _, stale := n.staleRelays[from]; stale {
					return ConnID{}, nil, nil
				}
			}
		case stunattr.IsChannelData(packet[0]):
			number, payload, err := stunattr.ParseChannelData(packet)
			if err != nil {
				return ConnID{}, nil, fmt.Errorf("parsing channel data: %w", err)
			}
			for _, alloc := range n.allocations {
				peer, inner, ourRelaySocket, ok := alloc.Decapsulate(from, number, payload, now)
				if !ok {
					continue
				}
				// Recurse with the unwrapped datagram; the local socket
				// is our relayed address the peer addressed.
				return n.Decapsulate(ourRelaySocket, peer, inner, now)
			}
		}
	}

	// Step 2: STUN connectivity checks to the ICE agents.
	if stunattr.IsSTUN(packet[0]) {
		msg := &stun.Message{Raw: packet}
		if err := msg.Decode(); err == nil && stun.IsMessage(packet) {
			for _, conn := range n.conns.established {
				if conn.agent.HandleInput(from, local, msg, now) {
					conn.drainAgent(n.allocations, now)
					n.drainConnection(conn)
					return ConnID{}, nil, nil
				}
			}
			for id, initial := range n.conns.initial {
				if initial.agent.HandleInput(from, local, msg, now) {
					n.drainInitialAgent(id, initial, now)
					return ConnID{}, nil, nil
				}
			}
		}
	}

	// Step 3: WireGuard to the connections.
	conn, err := n.connForWireGuardPacket(packet, now)
	if err != nil {
		return ConnID{}, nil, err
	}

	payload, err := conn.decapsulate(packet, n.allocations, now)
	n.drainConnection(conn)
	if err != nil {
		return conn.id, nil, err
	}

	if conn.firstHandshakeAt.IsZero() && conn.session.HasTransportKeys() {
		conn.firstHandshakeAt = now
		n.events = append(n.events, ConnectionEstablished{Conn: conn.id})
	}

	if payload == nil {
		return conn.id, nil, nil
	}
	return conn.id, payload, nil
}

func (n *Node) connForWireGuardPacket(packet []byte, now time.Time) (*Connection, error) {
	msgType, err := noiseik.MessageType(packet)
	if err != nil {
		return nil, ErrNotWireGuard
	}

	if msgType == noiseik.MessageTypeInitiation {
		if !n.limiter.AllowN(now, 1) {
			return nil, fmt.Errorf("handshake rate limit exceeded")
		}
		remote, err := noiseik.ParseInitiationPublicKey(n.privateKey, packet)
		if err != nil {
			return nil, ErrNotWireGuard
		}
		conn, ok := n.conns.byRemoteKey(remote)
		if !ok {
			return nil, ErrNotWireGuard
		}
		return conn, nil
	}

	if msgType == noiseik.MessageTypeResponse && !n.limiter.AllowN(now, 1) {
		return nil, fmt.Errorf("handshake rate limit exceeded")
	}

	index, err := noiseik.ReceiverIndex(packet)
	if err != nil {
		return nil, ErrNotWireGuard
	}
	conn, ok := n.conns.bySessionIndex(index)
	if !ok {
		return nil, ErrNotWireGuard
	}
	return conn, nil
}

// UpdateRelays applies a relay set change: removals first, then new
// relays, then a refresh pass over unchanged ones so their allocations
// outlive the portal's update cadence.
func (n *Node) UpdateRelays(toRemove []RelayID, toAdd []RelayConfig, now time.Time) {
	for _, id := range toRemove {
		n.removeRelay(id)
	}

	for _, relayCfg := range toAdd {
		if relayCfg.Username == "" || relayCfg.Realm == "" {
			n.log.Warn("ignoring relay with incomplete credentials", "rid", relayCfg.ID)
			continue
		}

		if existing, ok := n.allocations[relayCfg.ID]; ok {
			if existing.matchesSocket(relayCfg.Socket) && existing.matchesCredentials(relayCfg.Username, relayCfg.Password) {
				existing.Refresh(now)
				continue
			}
			// Same id, different socket or credentials: replace.
			n.removeRelay(relayCfg.ID)
		}

		n.log.Info("creating allocation", "rid", relayCfg.ID)
		n.allocations[relayCfg.ID] = newAllocation(n.log, relayCfg.Socket, relayCfg.Username, relayCfg.Password, relayCfg.Realm, n.sessionID, now)
		for _, addr := range relayCfg.Socket.Addrs() {
			delete(n.staleRelays, addr)
		}
	}

	n.conns.checkRelaysAvailable(n.allocations, n.sampleRelay)
}

func (n *Node) removeRelay(id RelayID) {
	alloc, ok := n.allocations[id]
	if !ok {
		return
	}
	// Candidates signalled from this allocation are no longer valid.
	alloc.invalidateAllocation()
	n.drainAllocationEvents(id, alloc)
	for _, addr := range alloc.server.Addrs() {
		n.staleRelays[addr] = struct{}{}
	}
	delete(n.allocations, id)
}

// drainAllocationEvents fans an allocation's candidate changes out to the
// connections and the portal.
func (n *Node) drainAllocationEvents(rid RelayID, alloc *Allocation) {
	for {
		ev, ok := alloc.pollCandidateEvent()
		if !ok {
			return
		}

		isRelayCandidate := ev.candidate.Type() == ice.CandidateTypeRelay
		isSrflx := ev.candidate.Type() == ice.CandidateTypeServerReflexive

		forEachConn := func(f func(id ConnID, agent *iceagent.Agent, usesRelay bool)) {
			for id, conn := range n.conns.established {
				f(id, conn.agent, conn.hasRelay && conn.relay == rid)
			}
			for id, initial := range n.conns.initial {
				f(id, initial.agent, initial.hasRelay && initial.relay == rid)
			}
		}

		if ev.invalid {
			forEachConn(func(id ConnID, agent *iceagent.Agent, usesRelay bool) {
				if isRelayCandidate && !usesRelay {
					return
				}
				agent.RemoveLocalCandidate(ev.candidate)
				n.events = append(n.events, InvalidateIceCandidate{Conn: id, Candidate: ev.candidate.Marshal()})
			})
			continue
		}

		forEachConn(func(id ConnID, agent *iceagent.Agent, usesRelay bool) {
			if isRelayCandidate && !usesRelay {
				return
			}
			// Server-reflexive candidates are signalled but never added
			// locally: we always send from the base socket.
			if !isSrflx {
				agent.AddLocalCandidate(ev.candidate)
			}
			n.events = append(n.events, NewIceCandidate{Conn: id, Candidate: ev.candidate.Marshal()})
		})
	}
}

// HandleTimeout advances every timer in the node.
func (n *Node) HandleTimeout(now time.Time) {
	// Allocations tick first so fresh candidates reach connections in
	// the same call; their events drain before connection events per the
	// ordering contract.
	for rid, alloc := range n.allocations {
		alloc.HandleTimeout(now)
		n.drainAllocationEvents(rid, alloc)
	}

	// Rate limiter window: replenished while any connection works.
	if n.conns.anyNonIdle() && !now.Before(n.nextLimiterReset) {
		n.limiter = rate.NewLimiter(rate.Limit(handshakeRateLimit), handshakeRateLimit)
		n.nextLimiterReset = now.Add(time.Second)
	}

	// Free dead allocations.
	for rid, alloc := range n.allocations {
		reason := alloc.CanBeFreed()
		if reason == FreeReasonNone {
			continue
		}
		n.log.Info("freeing allocation", "rid", rid, "reason", reason.String())
		n.removeRelay(rid)
	}

	// Initial connections: the answer must arrive within the handshake
	// timeout.
	for id, initial := range n.conns.initial {
		initial.agent.HandleTimeout(now)
		n.drainInitialAgent(id, initial, now)
		if !initial.failed && now.Sub(initial.createdAt) >= HandshakeTimeout {
			initial.failed = true
		}
		if initial.failed {
			n.events = append(n.events, ConnectionFailed{Conn: id})
			delete(n.conns.initial, id)
		}
	}

	// Established connections.
	for _, conn := range n.conns.established {
		conn.handleTimeout(n.allocations, now)
		n.drainConnection(conn)
	}

	// GC failed connections, emitting the failure event first.
	for id, conn := range n.conns.established {
		if conn.state != stateFailed {
			continue
		}
		n.events = append(n.events, ConnectionFailed{Conn: id})
		n.conns.removeEstablished(id)
	}

	n.conns.checkRelaysAvailable(n.allocations, n.sampleRelay)
}

func (n *Node) drainConnection(conn *Connection) {
	for {
		t, ok := conn.pollTransmit()
		if !ok {
			return
		}
		n.transmits = append(n.transmits, t)
	}
}

func (n *Node) drainInitialAgent(id ConnID, initial *InitialConnection, now time.Time) {
	for {
		tr, ok := initial.agent.PollTransmit()
		if !ok {
			break
		}
		n.transmits = append(n.transmits, Transmit{Src: tr.Src, Dst: tr.Dst, Payload: tr.Payload})
	}
	for {
		if _, ok := initial.agent.PollEvent(); !ok {
			break
		}
		// Initial connections have no nominated path yet; events only
		// matter once the answer arrives.
	}
}

// CloseConnection tears one connection down, first pushing a goodbye
// packet through the tunnel so the peer can clean up immediately.
func (n *Node) CloseConnection(id ConnID, goodbye []byte, now time.Time) error {
	if _, ok := n.conns.initial[id]; ok {
		delete(n.conns.initial, id)
		n.events = append(n.events, ConnectionClosed{Conn: id})
		return nil
	}

	conn, ok := n.conns.established[id]
	if !ok {
		return ErrUnknownConnection
	}
	if len(goodbye) > 0 {
		if err := conn.encapsulate(goodbye, n.allocations, now); err != nil {
			n.log.Debug("sending goodbye failed", "cid", id, "error", err)
		}
		n.drainConnection(conn)
	}
	n.conns.removeEstablished(id)
	n.events = append(n.events, ConnectionClosed{Conn: id})
	return nil
}

// CloseAll closes every connection, goodbye included.
func (n *Node) CloseAll(goodbye []byte, now time.Time) {
	for id := range n.conns.initial {
		_ = n.CloseConnection(id, nil, now)
	}
	for id := range n.conns.established {
		_ = n.CloseConnection(id, goodbye, now)
	}
}

// Reset rolls the node's identity: a fresh private key and session id,
// all connections closed, all allocations dropped.
func (n *Node) Reset(now time.Time) error {
	privateKey, err := config.GeneratePrivateKey()
	if err != nil {
		return fmt.Errorf("rolling private key: %w", err)
	}

	n.CloseAll(nil, now)

	n.privateKey = privateKey
	n.publicKey = config.PublicKey(privateKey)
	n.sessionID = SessionID(n.publicKey)

	for rid := range n.allocations {
		n.removeRelay(rid)
	}
	n.transmits = nil
	return nil
}

// PollTransmit drains the next outbound datagram. Relay-allocation
// transmits take precedence over connection transmits.
func (n *Node) PollTransmit() (Transmit, bool) {
	for _, alloc := range n.allocations {
		if t, ok := alloc.PollTransmit(); ok {
			return t, true
		}
	}
	if len(n.transmits) == 0 {
		return Transmit{}, false
	}
	t := n.transmits[0]
	n.transmits = n.transmits[1:]
	return t, true
}

// PollEvent drains the next event.
func (n *Node) PollEvent() (Event, bool) {
	if len(n.events) == 0 {
		return nil, false
	}
	e := n.events[0]
	n.events = n.events[1:]
	return e, true
}

// PollTimeout returns the earliest pending timer across allocations and
// connections.
func (n *Node) PollTimeout() (time.Time, bool) {
	var earliest time.Time
	consider := func(t time.Time) {
		if t.IsZero() {
			return
		}
		if earliest.IsZero() || t.Before(earliest) {
			earliest = t
		}
	}

	for _, alloc := range n.allocations {
		if t, ok := alloc.PollTimeout(); ok {
			consider(t)
		}
	}
	for _, conn := range n.conns.established {
		if t, ok := conn.pollTimeout(); ok {
			consider(t)
		}
	}
	for _, initial := range n.conns.initial {
		consider(initial.createdAt.Add(HandshakeTimeout))
		if t, ok := initial.agent.PollTimeout(); ok {
			consider(t)
		}
	}

	return earliest, !earliest.IsZero()
}

// MarkIntentSent records when the connection intent for a connection was
// issued, for observability.
func (n *Node) MarkIntentSent(id ConnID, now time.Time) {
	if initial, ok := n.conns.initial[id]; ok {
		initial.intentSentAt = now
	}
	if conn, ok := n.conns.established[id]; ok {
		conn.intentSentAt = now
	}
}

// ConnectionInfo is a read-only snapshot of one connection for status
// reporting.
type ConnectionInfo struct {
	ID         ConnID
	State      string
	PeerSocket string
	Stats      ConnectionStats
}

// Connections snapshots every established connection.
func (n *Node) Connections() []ConnectionInfo {
	out := make([]ConnectionInfo, 0, len(n.conns.established))
	for id, conn := range n.conns.established {
		info := ConnectionInfo{ID: id, State: conn.state.String(), Stats: conn.stats}
		if conn.state == stateConnected || conn.state == stateIdle {
			info.PeerSocket = conn.peerSocket.Kind.String()
		}
		out = append(out, info)
	}
	return out
}

// ConnectionStatsFor returns the transport counters of a connection.
func (n *Node) ConnectionStatsFor(id ConnID) (ConnectionStats, bool) {
	conn, ok := n.conns.established[id]
	if !ok {
		return ConnectionStats{}, false
	}
	return conn.Stats(), true
}
