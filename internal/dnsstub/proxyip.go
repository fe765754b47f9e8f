package dnsstub

import (
	"errors"
	"net/netip"

	"github.com/google/uuid"
)

// ResourceID identifies a DNS resource, assigned by the portal.
type ResourceID = uuid.UUID

// ErrProxyIPExhausted is terminal: the client has burned through an
// entire reserved range and must reset.
var ErrProxyIPExhausted = errors.New("proxy IP range exhausted")

// allocator hands out addresses sequentially from one prefix, skipping
// the excluded sub-prefixes.
type allocator struct {
	pool     netip.Prefix
	excluded []netip.Prefix
	cursor   netip.Addr
}

func newAllocator(pool netip.Prefix, excluded ...netip.Prefix) *allocator {
	return &allocator{
		pool:     pool,
		excluded: excluded,
		cursor:   pool.Addr().Next(), // Skip the network address.
	}
}

func (a *allocator) next() (netip.Addr, error) {
	for a.pool.Contains(a.cursor) {
		addr := a.cursor
		a.cursor = a.cursor.Next()

		excluded := false
		for _, p := range a.excluded {
			if p.Contains(addr) {
				excluded = true
				break
			}
		}
		if !excluded {
			return addr, nil
		}
	}
	return netip.Addr{}, ErrProxyIPExhausted
}

// mapping is the client-side NAT entry behind one proxy IP.
type mapping struct {
	resource ResourceID
	domain   string
	realIP   netip.Addr // zero until the gateway reports resolution
}

// proxyKey identifies the (resource, domain) pair a set of proxy IPs
// belongs to.
type proxyKey struct {
	resource ResourceID
	domain   string
}

// assignment is the pair of proxy IPs handed to one (resource, domain).
type assignment struct {
	V4 netip.Addr
	V6 netip.Addr
}

// ProxyNAT owns the proxy-IP pools and the proxy IP -> (resource, domain,
// real IP) table.
type ProxyNAT struct {
	v4 *allocator
	v6 *allocator

	byProxy map[netip.Addr]*mapping
	byKey   map[proxyKey]assignment
}

// NewProxyNAT creates the table with the product's reserved pools,
// excluding the DNS sentinel carve-outs.
func NewProxyNAT() *ProxyNAT {
	return &ProxyNAT{
		v4:      newAllocator(IPv4Resources, IPv4Sentinels),
		v6:      newAllocator(IPv6Resources, IPv6Sentinels),
		byProxy: make(map[netip.Addr]*mapping),
		byKey:   make(map[proxyKey]assignment),
	}
}

// Assign returns the proxy IPs for (resource, domain), allocating them on
// first use. A repeated call for the same pair refreshes nothing and
// returns the same addresses.
func (n *ProxyNAT) Assign(resource ResourceID, domain string) (assignment, error) {
	key := proxyKey{resource: resource, domain: domain}
	if existing, ok := n.byKey[key]; ok {
		return existing, nil
	}

	v4, err := n.v4.next()
	if err != nil {
		return assignment{}, err
	}
	v6, err := n.v6.next()
	if err != nil {
		return assignment{}, err
	}

	assigned := assignment{V4: v4, V6: v6}
	n.byKey[key] = assigned
	n.byProxy[v4] = &mapping{resource: resource, domain: domain}
	n.byProxy[v6] = &mapping{resource: resource, domain: domain}
	return assigned, nil
}

// SetResolved records the real address behind a proxy IP, as reported by
// the gateway's domain-status synchronisation. If the proxy IP now
// belongs to a different (resource, domain) pair the stale entry is reset
// entirely.
func (n *ProxyNAT) SetResolved(proxy netip.Addr, resource ResourceID, domain string, real netip.Addr) {
	m, ok := n.byProxy[proxy]
	if !ok {
		return
	}
	if m.resource != resource || m.domain != domain {
		// Re-assigned to someone else: drop everything we believed
		// about this address.
		n.release(proxyKey{resource: m.resource, domain: m.domain})
		return
	}
	m.realIP = real
}

// Lookup resolves a destination proxy IP to its NAT entry.
func (n *ProxyNAT) Lookup(proxy netip.Addr) (ResourceID, string, netip.Addr, bool) {
	m, ok := n.byProxy[proxy]
	if !ok {
		return ResourceID{}, "", netip.Addr{}, false
	}
	return m.resource, m.domain, m.realIP, true
}

// ReverseLookup finds the domain behind a proxy IP, for PTR answers.
func (n *ProxyNAT) ReverseLookup(proxy netip.Addr) (string, bool) {
	m, ok := n.byProxy[proxy]
	if !ok {
		return "", false
	}
	return m.domain, true
}

// RemoveResource drops every mapping of a removed resource.
func (n *ProxyNAT) RemoveResource(resource ResourceID) {
	for key := range n.byKey {
		if key.resource == resource {
			n.release(key)
		}
	}
}

func (n *ProxyNAT) release(key proxyKey) {
	assigned, ok := n.byKey[key]
	if !ok {
		return
	}
	delete(n.byKey, key)
	delete(n.byProxy, assigned.V4)
	delete(n.byProxy, assigned.V6)
}
