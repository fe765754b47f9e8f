// Package iceagent implements a sans-I/O ICE agent: candidate pairing,
// connectivity checks, nomination and consent keepalives per RFC 8445,
// with STUN messages built and parsed via pion/stun and the ICE control
// attributes from pion/ice.
//
// The agent owns no sockets. Inbound STUN messages are offered through
// HandleInput; outbound checks appear on PollTransmit, tagged with the
// local candidate address they must be sent from (for relayed candidates
// that is the relayed address, and the caller routes the datagram through
// the TURN allocation).
package iceagent

import (
	"crypto/rand"
	"encoding/binary"
	"log/slog"
	"net/netip"
	"slices"
	"strings"
	"time"

	"github.com/pion/ice/v4"
	"github.com/pion/stun/v3"
)

// State is the coarse connection state of the agent.
type State int

const (
	StateNew State = iota
	StateChecking
	StateConnected
	StateDisconnected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateChecking:
		return "checking"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Credentials are one side's ICE username fragment and password.
type Credentials struct {
	UFrag string
	Pwd   string
}

// NewCredentials generates random ICE credentials.
func NewCredentials() Credentials {
	return Credentials{
		UFrag: randomString(8),
		Pwd:   randomString(24),
	}
}

const credentialAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

func randomString(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic(err) // The kernel CSPRNG does not fail.
	}
	for i, b := range buf {
		buf[i] = credentialAlphabet[int(b)%len(credentialAlphabet)]
	}
	return string(buf)
}

// Event is the interface implemented by agent events.
type Event interface {
	isEvent()
}

// StateChanged reports a transition of the agent's connection state.
type StateChanged struct {
	State State
}

// NominatedSend reports the pair to use for data: send from Source (a
// local candidate address) to Destination (a remote candidate address).
type NominatedSend struct {
	Source      netip.AddrPort
	Destination netip.AddrPort
}

// DiscoveredRecv reports that a connectivity check from the peer arrived
// from Source, i.e. we are receiving on this path.
type DiscoveredRecv struct {
	Source netip.AddrPort
}

func (StateChanged) isEvent()   {}
func (NominatedSend) isEvent()  {}
func (DiscoveredRecv) isEvent() {}

// Transmit is an outbound STUN datagram. Src is the local candidate
// address to send from.
type Transmit struct {
	Src     netip.AddrPort
	Dst     netip.AddrPort
	Payload []byte
}

// checkPacing spaces out new connectivity checks (RFC 8445 Ta).
const checkPacing = 50 * time.Millisecond

// inflightCheck tracks one outstanding binding request.
type inflightCheck struct {
	pair       *candidatePair
	nominating bool
	keepalive  bool
	sentAt     time.Time
}

// Config parameterises a new Agent.
type Config struct {
	Controlling bool
	Local       Credentials
	Timing      TimingConfig
	Logger      *slog.Logger
}

// Agent is a single ICE session towards one peer.
type Agent struct {
	log         *slog.Logger
	controlling bool
	tieBreaker  uint64

	local  Credentials
	remote Credentials

	timing TimingConfig

	localCandidates  []ice.Candidate
	remoteCandidates []ice.Candidate

	pairs     []*candidatePair
	nominated *candidatePair

	inflight map[[stun.TransactionIDSize]byte]*inflightCheck

	state State

	nextCheckAt   time.Time
	nextKeepalive time.Time

	transmits []Transmit
	events    []Event
}

// New creates an agent with the given role and local credentials.
func New(cfg Config) *Agent {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	timing := cfg.Timing
	if timing.MaxRetransmits == 0 {
		if cfg.Controlling {
			timing = ControllingTiming
		} else {
			timing = ControlledTiming
		}
	}
	var tb [8]byte
	_, _ = rand.Read(tb[:])
	return &Agent{
		log:         log.With("component", "iceagent"),
		controlling: cfg.Controlling,
		tieBreaker:  binary.BigEndian.Uint64(tb[:]),
		local:       cfg.Local,
		timing:      timing,
		inflight:    make(map[[stun.TransactionIDSize]byte]*inflightCheck),
	}
}

// Controlling reports the agent's role.
func (a *Agent) Controlling() bool { return a.controlling }

// LocalCredentials returns the local ufrag and password.
func (a *Agent) LocalCredentials() Credentials { return a.local }

// RemoteCredentials returns the peer's credentials as last set.
func (a *Agent) RemoteCredentials() Credentials { return a.remote }

// State returns the current connection state.
func (a *Agent) State() State { return a.state }

// SetTiming swaps the STUN timing profile, e.g. when the connection goes
// idle.
func (a *Agent) SetTiming(t TimingConfig) { a.timing = t }

// SetRemoteCredentials installs the peer's ufrag and password. Checks
// only start once these are known.
func (a *Agent) SetRemoteCredentials(c Credentials) {
	a.remote = c
}

// AddLocalCandidate registers a local candidate and pairs it with every
// known same-family remote.
func (a *Agent) AddLocalCandidate(c ice.Candidate) {
	for _, existing := range a.localCandidates {
		if sameCandidate(existing, c) {
			return
		}
	}
	a.localCandidates = append(a.localCandidates, c)
	for _, remote := range a.remoteCandidates {
		a.formPair(c, remote)
	}
}

// AddRemoteCandidate registers a remote candidate and pairs it with every
// known same-family local.
func (a *Agent) AddRemoteCandidate(c ice.Candidate) {
	for _, existing := range a.remoteCandidates {
		if sameCandidate(existing, c) {
			return
		}
	}
	a.remoteCandidates = append(a.remoteCandidates, c)
	for _, local := range a.localCandidates {
		a.formPair(local, c)
	}
}

// RemoveLocalCandidate drops a local candidate and fails all pairs using
// it.
func (a *Agent) RemoveLocalCandidate(c ice.Candidate) {
	a.localCandidates = slices.DeleteFunc(a.localCandidates, func(existing ice.Candidate) bool {
		return sameCandidate(existing, c)
	})
	for _, p := range a.pairs {
		if sameCandidate(p.local, c) {
			p.state = pairFailed
		}
	}
}

// RemoveRemoteCandidate drops a remote candidate and fails all pairs
// using it.
func (a *Agent) RemoveRemoteCandidate(c ice.Candidate) {
	a.remoteCandidates = slices.DeleteFunc(a.remoteCandidates, func(existing ice.Candidate) bool {
		return sameCandidate(existing, c)
	})
	for _, p := range a.pairs {
		if sameCandidate(p.remote, c) {
			p.state = pairFailed
		}
	}
}

// RemoteCandidateAddrs returns the transport addresses of all remote
// candidates of the given type.
func (a *Agent) RemoteCandidateAddrs(t ice.CandidateType) []netip.AddrPort {
	var out []netip.AddrPort
	for _, c := range a.remoteCandidates {
		if c.Type() == t {
			out = append(out, mustAddr(c))
		}
	}
	return out
}

// RemoteCandidates returns all remote candidates.
func (a *Agent) RemoteCandidates() []ice.Candidate { return a.remoteCandidates }

// HasRemoteCandidates reports whether any remote candidate arrived yet.
func (a *Agent) HasRemoteCandidates() bool { return len(a.remoteCandidates) > 0 }

func (a *Agent) formPair(local, remote ice.Candidate) {
	if local.NetworkType().IsIPv4() != remote.NetworkType().IsIPv4() {
		return
	}
	for _, p := range a.pairs {
		if sameCandidate(p.local, local) && sameCandidate(p.remote, remote) {
			return
		}
	}

	var prio uint64
	if a.controlling {
		prio = pairPriority(local.Priority(), remote.Priority())
	} else {
		prio = pairPriority(remote.Priority(), local.Priority())
	}

	p := &candidatePair{local: local, remote: remote, priority: prio}
	a.pairs = append(a.pairs, p)
	slices.SortFunc(a.pairs, func(x, y *candidatePair) int {
		switch {
		case x.priority > y.priority:
			return -1
		case x.priority < y.priority:
			return 1
		default:
			return 0
		}
	})

	if a.state == StateNew {
		a.setState(StateChecking)
	}
}

func (a *Agent) setState(s State) {
	if a.state == s {
		return
	}
	a.state = s
	a.events = append(a.events, StateChanged{State: s})
}

// HandleInput offers a STUN message to the agent. It returns true iff the
// message belonged to this agent (a check addressed to our ufrag, or a
// response to one of our in-flight checks).
func (a *Agent) HandleInput(from, local netip.AddrPort, msg *stun.Message, now time.Time) bool {
	switch msg.Type.Class {
	case stun.ClassRequest:
		return a.handleBindingRequest(from, local, msg, now)
	case stun.ClassSuccessResponse, stun.ClassErrorResponse:
		check, ok := a.inflight[msg.TransactionID]
		if !ok {
			return false
		}
		delete(a.inflight, msg.TransactionID)
		a.handleCheckResponse(check, from, msg, now)
		return true
	default:
		return false
	}
}

func (a *Agent) handleBindingRequest(from, local netip.AddrPort, msg *stun.Message, now time.Time) bool {
	var username stun.Username
	if err := username.GetFrom(msg); err != nil {
		return false
	}
	// The USERNAME of a check towards us is "ourUfrag:theirUfrag".
	parts := strings.SplitN(string(username), ":", 2)
	if len(parts) != 2 || parts[0] != a.local.UFrag {
		return false
	}

	integrity := stun.NewShortTermIntegrity(a.local.Pwd)
	if err := integrity.Check(msg); err != nil {
		a.log.Debug("check with bad integrity", "from", from)
		return false
	}

	// The message is ours from here on: respond, learn the path, maybe
	// adopt the nomination.
	a.events = append(a.events, DiscoveredRecv{Source: from})

	resp, err := stun.Build(
		stun.NewTransactionIDSetter(msg.TransactionID),
		stun.NewType(stun.MethodBinding, stun.ClassSuccessResponse),
		&stun.XORMappedAddress{IP: from.Addr().Unmap().AsSlice(), Port: int(from.Port())},
		integrity,
		stun.Fingerprint,
	)
	if err == nil {
		a.transmits = append(a.transmits, Transmit{Src: local, Dst: from, Payload: resp.Raw})
	}

	pair := a.pairForRequest(from, local, msg, now)
	if pair == nil {
		return true
	}

	// A triggered check on the reverse direction validates the path for
	// our own sending too.
	if pair.state == pairWaiting || pair.state == pairFailed {
		pair.state = pairWaiting
		pair.nextCheck = now
	}

	if !a.controlling && useCandidateSet(msg) {
		a.nominatePair(pair, now)
	}
	return true
}

// pairForRequest finds the pair matching an incoming check, creating a
// peer-reflexive remote candidate when the source is unknown.
func (a *Agent) pairForRequest(from, local netip.AddrPort, msg *stun.Message, now time.Time) *candidatePair {
	var localCandidate ice.Candidate
	for _, c := range a.localCandidates {
		if mustAddr(c) == local {
			localCandidate = c
			break
		}
	}
	if localCandidate == nil {
		return nil
	}

	var remoteCandidate ice.Candidate
	for _, c := range a.remoteCandidates {
		if mustAddr(c) == from {
			remoteCandidate = c
			break
		}
	}

	if remoteCandidate == nil {
		var prio ice.PriorityAttr
		_ = prio.GetFrom(msg)
		prflx, err := ice.NewCandidatePeerReflexive(&ice.CandidatePeerReflexiveConfig{
			Network:   "udp",
			Address:   from.Addr().Unmap().String(),
			Port:      int(from.Port()),
			Component: ice.ComponentRTP,
			RelAddr:   local.Addr().Unmap().String(),
			RelPort:   int(local.Port()),
		})
		if err != nil {
			return nil
		}
		a.log.Debug("discovered peer-reflexive candidate", "addr", from)
		a.remoteCandidates = append(a.remoteCandidates, prflx)
		remoteCandidate = prflx
	}

	for _, p := range a.pairs {
		if sameCandidate(p.local, localCandidate) && sameCandidate(p.remote, remoteCandidate) {
			return p
		}
	}
	a.formPair(localCandidate, remoteCandidate)
	for _, p := range a.pairs {
		if sameCandidate(p.local, localCandidate) && sameCandidate(p.remote, remoteCandidate) {
			return p
		}
	}
	return nil
}

func (a *Agent) handleCheckResponse(check *inflightCheck, from netip.AddrPort, msg *stun.Message, now time.Time) {
	pair := check.pair

	if msg.Type.Class == stun.ClassErrorResponse {
		var code stun.ErrorCodeAttribute
		if err := code.GetFrom(msg); err == nil && code.Code == stun.CodeRoleConflict {
			a.controlling = !a.controlling
			a.log.Debug("role conflict, switching role", "controlling", a.controlling)
			pair.state = pairWaiting
			pair.nextCheck = now
			return
		}
		pair.state = pairFailed
		a.updateGlobalState()
		return
	}

	integrity := stun.NewShortTermIntegrity(a.remote.Pwd)
	if err := integrity.Check(msg); err != nil {
		a.log.Debug("response with bad integrity", "from", from)
		return
	}

	pair.state = pairSucceeded
	pair.everSucceeded = true
	pair.retries = 0
	pair.lastResponse = now

	// Any other in-flight check for this pair is a retransmit duplicate,
	// except a nomination that has not been answered yet.
	for id, other := range a.inflight {
		if other.pair == pair && !other.nominating {
			delete(a.inflight, id)
		}
	}

	if check.nominating || (pair == a.nominated && check.keepalive) {
		pair.nominating = false
		a.nominatePair(pair, now)
		return
	}

	if a.controlling {
		a.maybeNominate(now)
	}
	a.updateGlobalState()
}

// maybeNominate starts nomination of the best succeeded pair (regular
// nomination: a repeat check carrying USE-CANDIDATE).
func (a *Agent) maybeNominate(now time.Time) {
	if a.nominated != nil || !a.controlling {
		return
	}
	for _, p := range a.pairs {
		if p.nominating {
			return
		}
	}
	for _, p := range a.pairs { // Sorted by priority.
		if p.state == pairSucceeded {
			p.nominating = true
			a.sendCheck(p, true, false, now)
			return
		}
	}
}

// nominatePair installs pair as the selected pair and announces it.
// Re-nomination of the identical pair is a no-op; a different pair simply
// replaces the previous one.
func (a *Agent) nominatePair(pair *candidatePair, now time.Time) {
	pair.state = pairSucceeded
	pair.everSucceeded = true
	pair.lastResponse = now

	alreadyNominated := a.nominated == pair
	a.nominated = pair
	pair.nominated = true

	a.setState(StateConnected)

	if !alreadyNominated {
		a.events = append(a.events, NominatedSend{
			Source:      pair.localAddr(),
			Destination: pair.remoteAddr(),
		})
		a.nextKeepalive = now.Add(a.timing.KeepaliveInterval)
	}
}

func (a *Agent) updateGlobalState() {
	if a.nominated != nil {
		switch a.nominated.state {
		case pairFailed:
			a.setState(StateDisconnected)
		default:
			a.setState(StateConnected)
		}
		return
	}

	if len(a.pairs) == 0 {
		return
	}
	allFailed := true
	for _, p := range a.pairs {
		if p.state != pairFailed {
			allFailed = false
			break
		}
	}
	if allFailed {
		a.setState(StateFailed)
	}
}

// sendCheck queues one binding request for pair.
func (a *Agent) sendCheck(pair *candidatePair, nominate, keepalive bool, now time.Time) {
	if a.remote.UFrag == "" {
		return
	}

	setters := []stun.Setter{
		stun.TransactionID,
		stun.NewType(stun.MethodBinding, stun.ClassRequest),
		stun.NewUsername(a.remote.UFrag + ":" + a.local.UFrag),
		ice.PriorityAttr(pair.local.Priority()),
	}
	if a.controlling {
		setters = append(setters, ice.AttrControlling(a.tieBreaker))
		if nominate {
			setters = append(setters, ice.UseCandidate())
		}
	} else {
		setters = append(setters, ice.AttrControlled(a.tieBreaker))
	}
	setters = append(setters, stun.NewShortTermIntegrity(a.remote.Pwd), stun.Fingerprint)

	msg, err := stun.Build(setters...)
	if err != nil {
		a.log.Warn("building check failed", "error", err)
		return
	}

	a.inflight[msg.TransactionID] = &inflightCheck{
		pair:       pair,
		nominating: nominate,
		keepalive:  keepalive,
		sentAt:     now,
	}
	pair.state = pairInProgress
	pair.nextCheck = now.Add(a.timing.rto(pair.retries))

	a.transmits = append(a.transmits, Transmit{
		Src:     pair.localAddr(),
		Dst:     pair.remoteAddr(),
		Payload: msg.Raw,
	})
}

// HandleTimeout drives check pacing, retransmits and keepalives.
func (a *Agent) HandleTimeout(now time.Time) {
	if a.remote.UFrag == "" {
		return
	}

	// Retransmit or fail in-progress checks.
	for _, p := range a.pairs {
		if p.state != pairInProgress || now.Before(p.nextCheck) {
			continue
		}
		if p.retries >= a.timing.MaxRetransmits {
			p.state = pairFailed
			a.dropInflightFor(p)
			if p == a.nominated {
				a.setState(StateDisconnected)
				// Allow every pair another go so ICE can recover.
				for _, q := range a.pairs {
					if q.state == pairFailed {
						q.state = pairWaiting
						q.nextCheck = now
						q.retries = 0
					}
				}
			}
			a.updateGlobalState()
			continue
		}
		p.retries++
		a.dropInflightFor(p) // The retransmit replaces any outstanding check.
		a.sendCheck(p, p.nominating, false, now)
	}

	// Start one waiting check per pacing interval.
	if !now.Before(a.nextCheckAt) {
		for _, p := range a.pairs {
			if p.state != pairWaiting {
				continue
			}
			if !p.nextCheck.IsZero() && now.Before(p.nextCheck) {
				continue
			}
			a.sendCheck(p, false, false, now)
			a.nextCheckAt = now.Add(checkPacing)
			break
		}
	}

	// Consent keepalive on the nominated pair.
	if a.nominated != nil && !a.nextKeepalive.IsZero() && !now.Before(a.nextKeepalive) {
		if a.nominated.state == pairSucceeded {
			a.sendCheck(a.nominated, false, true, now)
		}
		a.nextKeepalive = now.Add(a.timing.KeepaliveInterval)
	}
}

func (a *Agent) dropInflightFor(p *candidatePair) {
	for id, check := range a.inflight {
		if check.pair == p {
			delete(a.inflight, id)
		}
	}
}

// PollTransmit drains one outbound datagram, or ok=false.
func (a *Agent) PollTransmit() (Transmit, bool) {
	if len(a.transmits) == 0 {
		return Transmit{}, false
	}
	t := a.transmits[0]
	a.transmits = a.transmits[1:]
	return t, true
}

// PollEvent drains one event, or ok=false.
func (a *Agent) PollEvent() (Event, bool) {
	if len(a.events) == 0 {
		return nil, false
	}
	e := a.events[0]
	a.events = a.events[1:]
	return e, true
}

// PollTimeout returns the next instant HandleTimeout should run at.
func (a *Agent) PollTimeout() (time.Time, bool) {
	var earliest time.Time
	consider := func(t time.Time) {
		if t.IsZero() {
			return
		}
		if earliest.IsZero() || t.Before(earliest) {
			earliest = t
		}
	}

	for _, p := range a.pairs {
		switch p.state {
		case pairInProgress:
			consider(p.nextCheck)
		case pairWaiting:
			if p.nextCheck.IsZero() {
				consider(a.nextCheckAt)
			} else {
				consider(p.nextCheck)
			}
		}
	}
	if a.nominated != nil {
		consider(a.nextKeepalive)
	}

	return earliest, !earliest.IsZero()
}

func useCandidateSet(msg *stun.Message) bool {
	return msg.Contains(stun.AttrUseCandidate)
}
