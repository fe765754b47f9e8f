package snownet

import (
	"log/slog"
	"net/netip"
	"time"

	"github.com/pion/ice/v4"
	"github.com/pion/stun/v3"

	"github.com/floegate/floegate/internal/backoff"
	"github.com/floegate/floegate/internal/stunattr"
)

const (
	// bindingInterval is the keepalive cadence towards the relay once an
	// allocation exists; it keeps the NAT binding of the active socket
	// alive.
	bindingInterval = 25 * time.Second

	// defaultBufferedBindings bounds how many channel-bind requests are
	// held while no allocation exists. Binds beyond the bound drop the
	// oldest entry; DroppedBindings counts them.
	defaultBufferedBindings = 100
)

// FreeReason says why an allocation is no longer useful and can be
// removed.
type FreeReason int

const (
	// FreeReasonNone means the allocation is still in use.
	FreeReasonNone FreeReason = iota

	// FreeReasonNoResponse: the relay never answered a single BINDING.
	FreeReasonNoResponse

	// FreeReasonAuthenticationError: the relay rejected our credentials.
	FreeReasonAuthenticationError

	// FreeReasonProtocolFailure: the relay did not understand one of our
	// requests; retrying will not help.
	FreeReasonProtocolFailure
)

func (r FreeReason) String() string {
	switch r {
	case FreeReasonNoResponse:
		return "no response received"
	case FreeReasonAuthenticationError:
		return "authentication error"
	case FreeReasonProtocolFailure:
		return "protocol failure"
	default:
		return "none"
	}
}

// candidateEvent is an allocation-level candidate change, drained by the
// node and fanned out to connections and the portal.
type candidateEvent struct {
	candidate ice.Candidate
	invalid   bool // true: candidate is gone; false: candidate is new
}

// credentials is the long-term credential state for one relay. A nil
// credentials pointer on the allocation means authentication failed
// permanently.
type credentials struct {
	username string
	password string
	realm    string
	nonce    string
	hasNonce bool
}

// request is the decoded intent behind an in-flight TURN message, kept so
// the request can be rebuilt with fresh authentication attributes.
type request struct {
	method      stun.Method
	channel     uint16         // CHANNEL_BIND only
	peer        netip.AddrPort // CHANNEL_BIND only
	deleteAlloc bool           // REFRESH carrying LIFETIME=0
	hasNonce    bool           // the encoded message carried a NONCE
}

// transactionID keys the in-flight request table.
type transactionID = [stun.TransactionIDSize]byte

// sentRequest is one entry of the in-flight table, keyed by transaction
// id.
type sentRequest struct {
	dst     netip.AddrPort
	req     request
	raw     []byte
	backoff *backoff.Backoff
	sentAt  time.Time
}

// activeSocket is the relay address elected by the first BINDING response.
// All authenticated traffic for the allocation flows through it.
type activeSocket struct {
	addr        netip.AddrPort
	nextBinding time.Time
}

func (s *activeSocket) sameFamilyAs(dst netip.AddrPort) bool {
	return sameFamily(s.addr, dst)
}

// handleTimeout returns true when a keepalive BINDING is due, re-arming
// the schedule.
func (s *activeSocket) handleTimeout(now time.Time) bool {
	if now.Before(s.nextBinding) {
		return false
	}
	s.nextBinding = now.Add(bindingInterval)
	return true
}

// allocationLifetime is the (receivedAt, duration) pair from the last
// ALLOCATE or REFRESH response.
type allocationLifetime struct {
	receivedAt time.Time
	duration   time.Duration
}

// Allocation is the TURN client state machine for one relay. It elects an
// active socket via BINDING, maintains the relayed addresses via ALLOCATE
// and REFRESH, and manages channel bindings to peers. All I/O is staged:
// outbound datagrams appear on PollTransmit, candidate changes on
// pollCandidateEvent.
type Allocation struct {
	log    *slog.Logger
	server RelaySocket

	active *activeSocket

	ip4Host  ice.Candidate
	ip6Host  ice.Candidate
	ip4Srflx ice.Candidate
	ip6Srflx ice.Candidate
	ip4Relay ice.Candidate
	ip6Relay ice.Candidate

	creds    *credentials
	lifetime *allocationLifetime

	sentRequests map[transactionID]*sentRequest

	channels *channelBindings

	bufferedBindings *ringBuffer[netip.AddrPort]

	// DroppedBindings counts peers evicted from the buffered channel-bind
	// FIFO under relay outage; BindRetries counts re-queues after an
	// allocation-mismatch response.
	DroppedBindings int
	BindRetries     int

	transmits []Transmit
	events    []candidateEvent

	software string

	failure FreeReason

	lastRTT time.Duration
}

// newAllocation creates the state machine for one relay and immediately
// queues a BINDING request per known address family.
func newAllocation(log *slog.Logger, server RelaySocket, username, password, realm, sessionID string, now time.Time) *Allocation {
	if log == nil {
		log = slog.Default()
	}
	a := &Allocation{
		log:    log.With("component", "allocation"),
		server: server,
		creds: &credentials{
			username: username,
			password: password,
			realm:    realm,
		},
		sentRequests:     make(map[transactionID]*sentRequest),
		channels:         newChannelBindings(),
		bufferedBindings: newRingBuffer[netip.AddrPort](defaultBufferedBindings),
		software:         "snownet; session=" + sessionID,
	}
	a.sendBindingRequests(now)
	return a
}

// hostAndServerReflexiveCandidates returns the candidates learned from
// BINDING responses, for re-seeding connections.
func (a *Allocation) hostAndServerReflexiveCandidates() []ice.Candidate {
	return nonNil(a.ip4Host, a.ip6Host, a.ip4Srflx, a.ip6Srflx)
}

// currentRelayCandidates returns the relayed candidates of the current
// allocation.
func (a *Allocation) currentRelayCandidates() []ice.Candidate {
	return nonNil(a.ip4Relay, a.ip6Relay)
}

func nonNil(cs ...ice.Candidate) []ice.Candidate {
	var out []ice.Candidate
	for _, c := range cs {
		if c != nil {
			out = append(out, c)
		}
	}
	return out
}

// Refresh proactively refreshes the allocation, making a new one if the
// previous attempt failed or expired.
func (a *Allocation) Refresh(now time.Time) {
	if !a.hasAllocation() && a.allocateInFlight() {
		a.log.Debug("not refreshing, ALLOCATE already in flight")
		return
	}

	if a.isSuspended() {
		a.log.Debug("allocation suspended, re-issuing BINDING requests")
		a.active = nil
		a.sendBindingRequests(now)
		return
	}

	// A proactive refresh uses the fast schedule: a single attempt. If
	// the relay is gone we find out via the regular keepalives instead of
	// hammering it for eight seconds.
	a.authenticateAndQueue(request{method: stun.MethodRefresh}, backoff.NewFast(now), now)
}

// HandleInput processes a STUN message received from the relay. It
// returns true iff the message belonged to this allocation; false means
// no state was touched.
func (a *Allocation) HandleInput(from, local netip.AddrPort, msg *stun.Message, now time.Time) bool {
	if !a.server.Matches(from) {
		return false
	}

	sent, ok := a.sentRequests[msg.TransactionID]
	if !ok {
		return false
	}

	passedIntegrity := a.checkMessageIntegrity(msg)

	if sent.req.method != stun.MethodBinding && !passedIntegrity {
		a.log.Warn("message integrity check failed", "method", sent.req.method)
		return true // Still ours.
	}

	delete(a.sentRequests, msg.TransactionID)

	a.lastRTT = now.Sub(sent.sentAt)

	if msg.Type.Class == stun.ClassErrorResponse {
		a.handleErrorResponse(sent, msg, now)
		return true
	}

	if msg.Type.Class != stun.ClassSuccessResponse {
		a.log.Warn("ignoring non-response message", "class", msg.Type.Class)
		return true
	}

	switch sent.req.method {
	case stun.MethodBinding:
		a.handleBindingSuccess(sent, local, msg, now)
	case stun.MethodAllocate:
		a.handleAllocateSuccess(local, msg, now)
	case stun.MethodRefresh:
		a.handleRefreshSuccess(msg, now)
	case stun.MethodChannelBind:
		if !a.channels.setConfirmed(sent.req.channel, now) {
			a.log.Warn("confirmation for unknown channel", "channel", sent.req.channel)
		}
	}
	return true
}

func (a *Allocation) handleErrorResponse(sent *sentRequest, msg *stun.Message, now time.Time) {
	var code stun.ErrorCodeAttribute
	if err := code.GetFrom(msg); err != nil {
		a.log.Warn("error response without ERROR-CODE", "method", sent.req.method)
		return
	}

	switch code.Code {
	case stun.CodeUnauthorized:
		// A 401 to a request that already carried a nonce means the
		// credentials themselves are wrong. Retrying cannot help.
		if sent.req.hasNonce {
			a.log.Warn("invalid credentials, refusing to re-authenticate", "method", sent.req.method)
			a.creds = nil
			a.invalidateAllocation()
			return
		}
		a.adoptNonceAndRetry(sent, msg, now)

	case stun.CodeStaleNonce:
		a.adoptNonceAndRetry(sent, msg, now)

	case stun.CodeAllocMismatch:
		a.invalidateAllocation()

		switch sent.req.method {
		case stun.MethodAllocate:
			// The relay thinks we already have an allocation. Delete it
			// to re-sync.
			a.authenticateAndQueue(request{method: stun.MethodRefresh, deleteAlloc: true}, nil, now)
		case stun.MethodRefresh:
			a.authenticateAndQueue(request{method: stun.MethodAllocate}, nil, now)
		case stun.MethodChannelBind:
			a.authenticateAndQueue(request{method: stun.MethodAllocate}, nil, now)
			a.BindRetries++
			a.bufferBinding(sent.req.peer)
		}

	case stun.CodeUnknownAttribute:
		a.log.Warn("relay did not understand our request", "method", sent.req.method)
		a.failure = FreeReasonProtocolFailure

	default:
		switch sent.req.method {
		case stun.MethodAllocate:
			// A failed allocation cannot serve the buffered bindings.
			a.bufferedBindings = newRingBuffer[netip.AddrPort](defaultBufferedBindings)
		case stun.MethodChannelBind:
			a.channels.handleFailedBinding(sent.req.channel)
			a.log.Warn("channel bind failed", "code", code.Code, "channel", sent.req.channel, "peer", sent.req.peer)
			return
		}
		a.log.Warn("TURN request failed", "code", code.Code, "reason", string(code.Reason), "method", sent.req.method)
	}
}

// adoptNonceAndRetry picks up the NONCE from a 401/438 response and
// re-queues the original request with fresh authentication.
func (a *Allocation) adoptNonceAndRetry(sent *sentRequest, msg *stun.Message, now time.Time) {
	if a.creds == nil {
		return
	}

	var nonce stun.Nonce
	if err := nonce.GetFrom(msg); err == nil {
		a.creds.nonce = string(nonce)
		a.creds.hasNonce = true
	}

	var realm stun.Realm
	if err := realm.GetFrom(msg); err == nil && string(realm) != a.creds.realm {
		a.log.Warn("refusing to authenticate with server", "allowed_realm", a.creds.realm, "server_realm", string(realm))
		return
	}

	a.authenticateAndQueue(sent.req, nil, now)
}

func (a *Allocation) handleBindingSuccess(sent *sentRequest, local netip.AddrPort, msg *stun.Message, now time.Time) {
	// First, the host candidate derived from the local socket. Loopback
	// sockets are never useful to a remote peer and are not signalled.
	if !local.Addr().IsLoopback() {
		if host, err := hostCandidate(local); err == nil {
			if local.Addr().Is4() || local.Addr().Is4In6() {
				a.updateCandidate(host, &a.ip4Host)
			} else {
				a.updateCandidate(host, &a.ip6Host)
			}
		}
	}

	// Second, the server-reflexive candidate from XOR-MAPPED-ADDRESS.
	var mapped stun.XORMappedAddress
	if err := mapped.GetFrom(msg); err == nil {
		observed, ok := netip.AddrFromSlice(mapped.IP)
		if ok {
			srflx, err := serverReflexiveCandidate(netip.AddrPortFrom(observed.Unmap(), uint16(mapped.Port)), local)
			if err == nil {
				if sent.dst.Addr().Is4() || sent.dst.Addr().Is4In6() {
					a.updateCandidate(srflx, &a.ip4Srflx)
				} else {
					a.updateCandidate(srflx, &a.ip6Srflx)
				}
			}
		}
	}

	// Third, elect the active socket. We sent one BINDING per address
	// family; the first response wins and later ones only refresh
	// candidates.
	if a.active != nil {
		return
	}
	a.active = &activeSocket{addr: sent.dst, nextBinding: now.Add(bindingInterval)}
	a.log.Debug("elected active socket", "addr", sent.dst)

	if a.hasAllocation() {
		a.authenticateAndQueue(request{method: stun.MethodRefresh}, nil, now)
	} else {
		a.authenticateAndQueue(request{method: stun.MethodAllocate}, nil, now)
	}
}

func (a *Allocation) handleAllocateSuccess(local netip.AddrPort, msg *stun.Message, now time.Time) {
	var lifetime stunattr.Lifetime
	if err := lifetime.GetFrom(msg); err != nil {
		a.log.Warn("ALLOCATE response without LIFETIME")
		return
	}

	relays := relayedAddresses(msg)
	if len(relays) == 0 {
		a.log.Warn("ALLOCATE response without relayed addresses")
		return
	}

	a.lifetime = &allocationLifetime{receivedAt: now, duration: lifetime.Duration()}

	for _, addr := range relays {
		candidate, err := relayCandidate(addr, local)
		if err != nil {
			continue
		}
		if addr.Addr().Is4() {
			a.updateCandidate(candidate, &a.ip4Relay)
		} else {
			a.updateCandidate(candidate, &a.ip6Relay)
		}
	}

	for _, peer := range a.bufferedBindings.Drain() {
		a.BindChannel(peer, now)
	}
}

func (a *Allocation) handleRefreshSuccess(msg *stun.Message, now time.Time) {
	var lifetime stunattr.Lifetime
	if err := lifetime.GetFrom(msg); err != nil {
		a.log.Warn("REFRESH response without LIFETIME")
		return
	}

	// A zero lifetime confirms a delete; follow up with a fresh
	// allocation.
	if lifetime.Duration() == 0 {
		a.authenticateAndQueue(request{method: stun.MethodAllocate}, nil, now)
		return
	}

	a.lifetime = &allocationLifetime{receivedAt: now, duration: lifetime.Duration()}
}

// relayedAddresses extracts every XOR-RELAY-ADDRESS from a message. A
// dual-stack allocation carries one per family, so each occurrence is
// decoded individually.
func relayedAddresses(msg *stun.Message) []netip.AddrPort {
	var out []netip.AddrPort
	for _, attr := range msg.Attributes {
		if attr.Type != stun.AttrXORRelayedAddress {
			continue
		}
		addr, err := stunattr.ParseXORAddress(attr.Value, msg.TransactionID)
		if err != nil {
			continue
		}
		out = append(out, addr)
	}
	return out
}

// updateCandidate replaces *current with next if it differs, emitting the
// corresponding candidate events.
func (a *Allocation) updateCandidate(next ice.Candidate, current *ice.Candidate) {
	switch {
	case *current == nil:
		*current = next
		a.events = append(a.events, candidateEvent{candidate: next})
	case !candidatesEqual(next, *current):
		a.events = append(a.events, candidateEvent{candidate: next})
		a.events = append(a.events, candidateEvent{candidate: *current, invalid: true})
		*current = next
	}
}

// Decapsulate unwraps an inbound channel-data message. It returns the
// original sender, the payload and our relay socket the peer addressed —
// the remote has no idea a relay is involved, it just sends to a socket.
func (a *Allocation) Decapsulate(from netip.AddrPort, number uint16, payload []byte, now time.Time) (netip.AddrPort, []byte, netip.AddrPort, bool) {
	if !a.server.Matches(from) {
		return netip.AddrPort{}, nil, netip.AddrPort{}, false
	}

	peer, ok := a.channels.tryHandlePacket(number, now)
	if !ok {
		return netip.AddrPort{}, nil, netip.AddrPort{}, false
	}

	// If the remote sent from an IPv4 address it was received on our
	// IPv4 allocation, and likewise for IPv6.
	var ourSocket netip.AddrPort
	if peer.Addr().Is4() {
		if a.ip4Relay == nil {
			return netip.AddrPort{}, nil, netip.AddrPort{}, false
		}
		ourSocket = candidateAddr(a.ip4Relay)
	} else {
		if a.ip6Relay == nil {
			return netip.AddrPort{}, nil, netip.AddrPort{}, false
		}
		ourSocket = candidateAddr(a.ip6Relay)
	}

	return peer, payload, ourSocket, true
}

// HandleTimeout drives the allocation's timers: expiry, keepalive
// BINDINGs, request retransmits, allocation refresh and channel refresh.
func (a *Allocation) HandleTimeout(now time.Time) {
	if exp, ok := a.allocationExpiresAt(); ok && !now.Before(exp) {
		a.log.Debug("allocation expired")
		a.invalidateAllocation()
	}

	if a.hasAllocation() && a.active != nil && a.active.handleTimeout(now) {
		a.queue(a.active.addr, request{method: stun.MethodBinding}, nil, now)
	}

	a.retransmitDueRequests(now)

	if refreshAt, ok := a.refreshAllocationAt(); ok && !now.Before(refreshAt) && !a.refreshInFlight() {
		a.log.Debug("allocation due for refresh")
		a.authenticateAndQueue(request{method: stun.MethodRefresh}, nil, now)
	}

	// Snapshot before queuing: queuing mutates sentRequests which the
	// in-flight check reads.
	refreshes := a.channels.channelsToRefresh(now, a.channelBindInFlightByNumber)
	for _, r := range refreshes {
		a.authenticateAndQueue(request{method: stun.MethodChannelBind, channel: r.number, peer: r.peer}, nil, now)
	}
}

func (a *Allocation) retransmitDueRequests(now time.Time) {
	var due []transactionID
	for id, sent := range a.sentRequests {
		if !now.Before(sent.backoff.NextTrigger()) {
			due = append(due, id)
		}
	}

	for _, id := range due {
		sent := a.sentRequests[id]
		delete(a.sentRequests, id)

		sent.backoff.HandleTimeout(now)

		a.log.Debug("request timed out, re-sending", "method", sent.req.method, "dst", sent.dst)

		var queued bool
		if sent.req.method == stun.MethodBinding {
			// BINDING retransmits keep their transaction id so a late
			// response still matches; authenticated requests are rebuilt
			// because the nonce may have changed.
			queued = a.requeueRaw(id, sent, now)
		} else {
			queued = a.authenticateAndQueue(sent.req, sent.backoff, now)
		}

		// A request that ran out of retries on the family of our active
		// socket means the relay is unreachable from here.
		if !queued && a.active != nil && a.active.sameFamilyAs(sent.dst) {
			a.active = nil
			a.invalidateAllocation()
		}
	}
}

// requeueRaw re-inserts an already-encoded request under its original
// transaction id and stages a retransmit.
func (a *Allocation) requeueRaw(id transactionID, sent *sentRequest, now time.Time) bool {
	if sent.backoff.IsExpired(now) {
		a.log.Debug("backoff expired, giving up", "method", sent.req.method, "dst", sent.dst)
		return false
	}
	a.sentRequests[id] = sent
	a.transmits = append(a.transmits, Transmit{
		Dst:     sent.dst,
		Payload: append([]byte(nil), sent.raw...),
	})
	return true
}

// pollCandidateEvent drains one candidate change, or ok=false.
func (a *Allocation) pollCandidateEvent() (candidateEvent, bool) {
	if len(a.events) == 0 {
		return candidateEvent{}, false
	}
	ev := a.events[0]
	a.events = a.events[1:]
	return ev, true
}

// PollTransmit drains one staged outbound datagram, or ok=false.
func (a *Allocation) PollTransmit() (Transmit, bool) {
	if len(a.transmits) == 0 {
		return Transmit{}, false
	}
	t := a.transmits[0]
	a.transmits = a.transmits[1:]
	return t, true
}

// PollTimeout returns the earliest instant HandleTimeout must be invoked
// at, or ok=false when no timers are pending.
func (a *Allocation) PollTimeout() (time.Time, bool) {
	var earliest time.Time
	consider := func(t time.Time) {
		if earliest.IsZero() || t.Before(earliest) {
			earliest = t
		}
	}

	if refreshAt, ok := a.refreshAllocationAt(); ok && !a.refreshInFlight() {
		consider(refreshAt)
	}
	if a.hasAllocation() && a.active != nil {
		consider(a.active.nextBinding)
	}
	for _, sent := range a.sentRequests {
		consider(sent.backoff.NextTrigger())
	}

	return earliest, !earliest.IsZero()
}

// BindChannel ensures a channel to peer exists or is being established.
// It is idempotent: a bound or in-flight channel makes it a no-op.
func (a *Allocation) BindChannel(peer netip.AddrPort, now time.Time) {
	if a.isSuspended() {
		a.log.Debug("allocation suspended, ignoring bind", "peer", peer)
		return
	}

	if _, ok := a.channels.connectedChannelToPeer(peer, now); ok {
		return
	}

	if a.channelBindInFlightByPeer(peer) {
		return
	}

	if !a.hasAllocation() {
		a.log.Debug("no allocation yet, buffering channel binding", "peer", peer)
		a.bufferBinding(peer)
		return
	}

	if !a.canRelayTo(peer) {
		a.log.Debug("allocation cannot relay to this address family", "peer", peer)
		return
	}

	number, ok := a.channels.newChannelToPeer(peer, now)
	if !ok {
		a.log.Warn("all channels exhausted")
		return
	}

	a.authenticateAndQueue(request{method: stun.MethodChannelBind, channel: number, peer: peer}, nil, now)
}

func (a *Allocation) bufferBinding(peer netip.AddrPort) {
	if a.bufferedBindings.Len() == defaultBufferedBindings {
		a.DroppedBindings++
	}
	a.bufferedBindings.Push(peer)
}

// EncodeChannelDataHeader writes the channel-data header for the payload
// occupying buf[4:] into buf[:4] and returns the relay socket to address
// the datagram to. Channels that are merely in flight are used
// optimistically; if no channel exists one is requested lazily and the
// packet is dropped.
func (a *Allocation) EncodeChannelDataHeader(peer netip.AddrPort, buf []byte, now time.Time) (netip.AddrPort, bool) {
	if a.active == nil {
		return netip.AddrPort{}, false
	}

	number, ok := a.channels.connectedChannelToPeer(peer, now)
	if !ok {
		number, ok = a.channels.inflightChannelToPeer(peer, now)
	}
	if !ok {
		a.BindChannel(peer, now)
		return netip.AddrPort{}, false
	}

	stunattr.EncodeChannelDataHeader(number, len(buf)-stunattr.ChannelDataHeaderSize, buf)
	return a.active.addr, true
}

// CanBeFreed reports whether the allocation serves no further purpose and
// why.
func (a *Allocation) CanBeFreed() FreeReason {
	if a.failure != FreeReasonNone {
		reason := a.failure
		a.failure = FreeReasonNone
		return reason
	}

	pendingWork := len(a.events) > 0 || len(a.transmits) > 0 || len(a.sentRequests) > 0
	if pendingWork {
		return FreeReasonNone
	}

	if a.active == nil {
		return FreeReasonNoResponse
	}
	if a.creds == nil {
		return FreeReasonAuthenticationError
	}
	return FreeReasonNone
}

// LastRTT returns the round-trip time of the most recent request/response
// pair, for observability.
func (a *Allocation) LastRTT() time.Duration { return a.lastRTT }

func (a *Allocation) receivedAnyResponse() bool { return a.active != nil }

func (a *Allocation) matchesCredentials(username, password string) bool {
	return a.creds != nil && a.creds.username == username && a.creds.password == password
}

func (a *Allocation) matchesSocket(socket RelaySocket) bool { return a.server == socket }

func (a *Allocation) refreshAllocationAt() (time.Time, bool) {
	if a.lifetime == nil {
		return time.Time{}, false
	}
	return a.lifetime.receivedAt.Add(a.lifetime.duration / 2), true
}

func (a *Allocation) allocationExpiresAt() (time.Time, bool) {
	if a.lifetime == nil {
		return time.Time{}, false
	}
	return a.lifetime.receivedAt.Add(a.lifetime.duration), true
}

func (a *Allocation) invalidateAllocation() {
	if a.ip4Relay != nil {
		a.events = append(a.events, candidateEvent{candidate: a.ip4Relay, invalid: true})
		a.ip4Relay = nil
	}
	if a.ip6Relay != nil {
		a.events = append(a.events, candidateEvent{candidate: a.ip6Relay, invalid: true})
		a.ip6Relay = nil
	}
	a.channels.clear()
	a.lifetime = nil
	a.sentRequests = make(map[transactionID]*sentRequest)
}

// hasSocket reports whether socket is one of our relayed addresses.
func (a *Allocation) hasSocket(socket netip.AddrPort) bool {
	return (a.ip4Relay != nil && candidateAddr(a.ip4Relay) == socket) ||
		(a.ip6Relay != nil && candidateAddr(a.ip6Relay) == socket)
}

func (a *Allocation) hasAllocation() bool {
	return a.ip4Relay != nil || a.ip6Relay != nil
}

func (a *Allocation) canRelayTo(socket netip.AddrPort) bool {
	if socket.Addr().Is4() {
		return a.ip4Relay != nil
	}
	return a.ip6Relay != nil
}

func (a *Allocation) channelBindInFlightByNumber(number uint16) bool {
	for _, sent := range a.sentRequests {
		if sent.req.method == stun.MethodChannelBind && sent.req.channel == number {
			return true
		}
	}
	return false
}

func (a *Allocation) channelBindInFlightByPeer(peer netip.AddrPort) bool {
	for _, sent := range a.sentRequests {
		if sent.req.method == stun.MethodChannelBind && sent.req.peer == peer {
			return true
		}
	}
	for _, buffered := range a.bufferedBindings.items {
		if buffered == peer {
			return true
		}
	}
	return false
}

func (a *Allocation) allocateInFlight() bool {
	for _, sent := range a.sentRequests {
		if sent.req.method == stun.MethodAllocate {
			return true
		}
	}
	return false
}

func (a *Allocation) refreshInFlight() bool {
	for _, sent := range a.sentRequests {
		if sent.req.method == stun.MethodRefresh {
			return true
		}
	}
	return false
}

// isSuspended reports whether we have given up on this relay: no
// allocation, nothing in flight, nothing buffered and no timer armed.
func (a *Allocation) isSuspended() bool {
	_, waiting := a.PollTimeout()
	return !a.hasAllocation() && len(a.sentRequests) == 0 && len(a.transmits) == 0 && !waiting
}

func (a *Allocation) sendBindingRequests(now time.Time) {
	a.log.Debug("sending BINDING requests to elect active socket")

	if a.server.V4.IsValid() {
		a.queue(a.server.V4, request{method: stun.MethodBinding}, nil, now)
	}
	if a.server.V6.IsValid() {
		a.queue(a.server.V6, request{method: stun.MethodBinding}, nil, now)
	}
}

// authenticateAndQueue encodes req with the current credentials and
// queues it towards the active socket. Returns false when no socket has
// been elected, credentials are gone, or the backoff has expired.
func (a *Allocation) authenticateAndQueue(req request, bo *backoff.Backoff, now time.Time) bool {
	if a.active == nil {
		a.log.Debug("no active socket yet, cannot queue", "method", req.method)
		return false
	}
	if a.creds == nil {
		a.log.Debug("no credentials, cannot queue", "method", req.method)
		return false
	}
	req.hasNonce = a.creds.hasNonce
	return a.queue(a.active.addr, req, bo, now)
}

// queue encodes req and stages the datagram. Every entry of the in-flight
// table carries a backoff whose deadline exceeds now; otherwise the
// message is dropped.
func (a *Allocation) queue(dst netip.AddrPort, req request, bo *backoff.Backoff, now time.Time) bool {
	if bo == nil {
		bo = backoff.NewStandard(now)
	}

	if bo.IsExpired(now) {
		a.log.Debug("backoff expired, giving up", "method", req.method, "dst", dst)
		return false
	}

	msg, err := a.encodeRequest(req)
	if err != nil {
		a.log.Warn("encoding request failed", "method", req.method, "error", err)
		return false
	}

	a.sentRequests[msg.TransactionID] = &sentRequest{
		dst:     dst,
		req:     req,
		raw:     msg.Raw,
		backoff: bo,
		sentAt:  now,
	}

	a.transmits = append(a.transmits, Transmit{
		Dst:     dst,
		Payload: append([]byte(nil), msg.Raw...),
	})
	return true
}

// encodeRequest builds the STUN message for req, authenticating all
// non-BINDING methods with the long-term credential mechanism.
func (a *Allocation) encodeRequest(req request) (*stun.Message, error) {
	setters := []stun.Setter{
		stun.TransactionID,
		stun.NewType(req.method, stun.ClassRequest),
	}

	switch req.method {
	case stun.MethodAllocate:
		setters = append(setters, stunattr.RequestedTransportUDP{}, stunattr.AdditionalAddressFamilyIPv6{})
	case stun.MethodRefresh:
		setters = append(setters, stunattr.RequestedTransportUDP{}, stunattr.AdditionalAddressFamilyIPv6{})
		if req.deleteAlloc {
			setters = append(setters, stunattr.Lifetime(0))
		}
	case stun.MethodChannelBind:
		setters = append(setters,
			xorPeerAddress(req.peer),
			stunattr.ChannelNumber(req.channel),
		)
	}

	setters = append(setters, stun.NewSoftware(a.software))

	if req.method != stun.MethodBinding {
		creds := a.creds
		setters = append(setters, stun.NewUsername(creds.username), stun.NewRealm(creds.realm))
		if creds.hasNonce {
			setters = append(setters, stun.NewNonce(creds.nonce))
		}
		setters = append(setters, stun.NewLongTermIntegrity(creds.username, creds.realm, creds.password))
	}

	return stun.Build(setters...)
}

// checkMessageIntegrity verifies the long-term credential MESSAGE-INTEGRITY
// of a response.
func (a *Allocation) checkMessageIntegrity(msg *stun.Message) bool {
	if a.creds == nil {
		return false
	}
	integrity := stun.NewLongTermIntegrity(a.creds.username, a.creds.realm, a.creds.password)
	return integrity.Check(msg) == nil
}

// xorPeerAddress adapts stun.XORMappedAddress to the XOR-PEER-ADDRESS
// attribute type.
type xorPeerAddress netip.AddrPort

// AddTo implements stun.Setter.
func (x xorPeerAddress) AddTo(m *stun.Message) error {
	addr := netip.AddrPort(x)
	xa := stun.XORMappedAddress{IP: addr.Addr().Unmap().AsSlice(), Port: int(addr.Port())}
	return xa.AddToAs(m, stun.AttrXORPeerAddress)
}
