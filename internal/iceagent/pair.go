package iceagent

import (
	"net/netip"
	"time"

	"github.com/pion/ice/v4"
)

// pairState is the RFC 8445 checklist state of a candidate pair.
type pairState int

const (
	pairWaiting pairState = iota
	pairInProgress
	pairSucceeded
	pairFailed
)

// candidatePair is one local/remote combination under connectivity checks.
type candidatePair struct {
	local  ice.Candidate
	remote ice.Candidate

	state    pairState
	priority uint64

	nominated     bool
	nominating    bool // a check with USE-CANDIDATE is in flight
	retries       int
	nextCheck     time.Time
	lastResponse  time.Time
	everSucceeded bool
}

// pairPriority computes the RFC 8445 section 6.1.2.3 pair priority.
func pairPriority(controlling, controlled uint32) uint64 {
	g, d := uint64(controlling), uint64(controlled)
	minP, maxP := g, d
	if d < g {
		minP, maxP = d, g
	}
	var gWins uint64
	if g > d {
		gWins = 1
	}
	return minP<<32 + maxP<<1 + gWins
}

// localAddr and remoteAddr are the transport addresses checks flow
// between. For relayed local candidates the check is sent through the
// relay, so the source the peer sees is the relayed address.
func (p *candidatePair) localAddr() netip.AddrPort  { return mustAddr(p.local) }
func (p *candidatePair) remoteAddr() netip.AddrPort { return mustAddr(p.remote) }

// base is the socket we physically send from: the candidate's base for
// host/srflx candidates, the relayed address for relay candidates.
func (p *candidatePair) base() netip.AddrPort {
	if p.local.Type() == ice.CandidateTypeServerReflexive {
		rel := p.local.RelatedAddress()
		if rel != nil {
			if addr, err := netip.ParseAddr(rel.Address); err == nil {
				return netip.AddrPortFrom(addr.Unmap(), uint16(rel.Port))
			}
		}
	}
	return mustAddr(p.local)
}

func mustAddr(c ice.Candidate) netip.AddrPort {
	addr, err := netip.ParseAddr(c.Address())
	if err != nil {
		return netip.AddrPort{}
	}
	return netip.AddrPortFrom(addr.Unmap(), uint16(c.Port()))
}

func sameCandidate(a, b ice.Candidate) bool {
	return a.Equal(b)
}

func sameFamily(a, b netip.AddrPort) bool {
	return a.Addr().Is4() == b.Addr().Is4()
}
