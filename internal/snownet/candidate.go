package snownet

import (
	"fmt"
	"net/netip"

	"github.com/pion/ice/v4"
)

// Candidates are represented with pion/ice's types end to end: the
// constructors compute foundation and priority per RFC 8445, and
// Marshal/UnmarshalCandidate give us the SDP attribute format used at the
// portal boundary.

func hostCandidate(addr netip.AddrPort) (ice.Candidate, error) {
	c, err := ice.NewCandidateHost(&ice.CandidateHostConfig{
		Network:   "udp",
		Address:   addr.Addr().Unmap().String(),
		Port:      int(addr.Port()),
		Component: ice.ComponentRTP,
	})
	if err != nil {
		return nil, fmt.Errorf("building host candidate: %w", err)
	}
	return c, nil
}

func serverReflexiveCandidate(observed, base netip.AddrPort) (ice.Candidate, error) {
	c, err := ice.NewCandidateServerReflexive(&ice.CandidateServerReflexiveConfig{
		Network:   "udp",
		Address:   observed.Addr().Unmap().String(),
		Port:      int(observed.Port()),
		Component: ice.ComponentRTP,
		RelAddr:   base.Addr().Unmap().String(),
		RelPort:   int(base.Port()),
	})
	if err != nil {
		return nil, fmt.Errorf("building server-reflexive candidate: %w", err)
	}
	return c, nil
}

func relayCandidate(relayed, base netip.AddrPort) (ice.Candidate, error) {
	c, err := ice.NewCandidateRelay(&ice.CandidateRelayConfig{
		Network:   "udp",
		Address:   relayed.Addr().Unmap().String(),
		Port:      int(relayed.Port()),
		Component: ice.ComponentRTP,
		RelAddr:   base.Addr().Unmap().String(),
		RelPort:   int(base.Port()),
	})
	if err != nil {
		return nil, fmt.Errorf("building relay candidate: %w", err)
	}
	return c, nil
}

// candidateAddr returns the candidate's transport address as a
// netip.AddrPort.
func candidateAddr(c ice.Candidate) netip.AddrPort {
	addr, err := netip.ParseAddr(c.Address())
	if err != nil {
		return netip.AddrPort{}
	}
	return netip.AddrPortFrom(addr.Unmap(), uint16(c.Port()))
}

func candidatesEqual(a, b ice.Candidate) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(b)
}
