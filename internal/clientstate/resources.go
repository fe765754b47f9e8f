package clientstate

import (
	"net/netip"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/floegate/floegate/internal/dnsstub"
)

// Portal-assigned identifiers.
type (
	ResourceID = uuid.UUID
	GatewayID  = uuid.UUID
	SiteID     = uuid.UUID
)

// ResourceKind discriminates the resource variants.
type ResourceKind int

const (
	ResourceCIDR ResourceKind = iota
	ResourceDNS
	ResourceInternet
)

func (k ResourceKind) String() string {
	switch k {
	case ResourceCIDR:
		return "cidr"
	case ResourceDNS:
		return "dns"
	case ResourceInternet:
		return "internet"
	default:
		return "unknown"
	}
}

// FilterProtocol is the protocol dimension of a traffic filter.
type FilterProtocol int

const (
	FilterTCP FilterProtocol = iota
	FilterUDP
	FilterICMP
)

// Filter permits a protocol and, for TCP/UDP, a port range.
type Filter struct {
	Protocol  FilterProtocol
	PortStart uint16
	PortEnd   uint16
}

// Resource is one entry of the catalogue: shared metadata plus the
// kind-specific payload.
type Resource struct {
	ID    ResourceID
	Kind  ResourceKind
	Sites []SiteID

	// Network is set for CIDR resources.
	Network netip.Prefix

	// Pattern is set for DNS resources.
	Pattern string

	Filters []Filter

	// ExpiresAt removes the resource when reached; zero means no expiry.
	ExpiresAt time.Time
}

func (r *Resource) expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// SiteStatus tracks reachability per site, as reported by the portal.
type SiteStatus int

const (
	SiteUnknown SiteStatus = iota
	SiteOnline
	SiteOffline
)

// cidrEntry backs the longest-prefix-match over CIDR resources.
type cidrEntry struct {
	prefix   netip.Prefix
	resource ResourceID
}

// matchCIDR returns the resource of the longest prefix containing addr.
func matchCIDR(entries []cidrEntry, addr netip.Addr) (ResourceID, bool) {
	best := -1
	var found ResourceID
	for _, e := range entries {
		if !e.prefix.Contains(addr) {
			continue
		}
		if e.prefix.Bits() > best {
			best = e.prefix.Bits()
			found = e.resource
		}
	}
	return found, best >= 0
}

var (
	defaultRoute4 = netip.MustParsePrefix("0.0.0.0/0")
	defaultRoute6 = netip.MustParsePrefix("::/0")
)

// Routes derives the route set to install on the TUN interface: the
// active CIDR networks, both tunnel ranges, both DNS sentinel ranges and,
// iff the Internet resource is active, the default routes. The result is
// sorted and de-duplicated so callers can diff successive calls.
func (s *ClientState) Routes() []netip.Prefix {
	set := map[netip.Prefix]struct{}{
		dnsstub.IPv4Tunnel:    {},
		dnsstub.IPv6Tunnel:    {},
		dnsstub.IPv4Sentinels: {},
		dnsstub.IPv6Sentinels: {},
	}
	for _, e := range s.cidrIndex {
		set[e.prefix] = struct{}{}
	}
	if s.internetActive() {
		set[defaultRoute4] = struct{}{}
		set[defaultRoute6] = struct{}{}
	}

	routes := make([]netip.Prefix, 0, len(set))
	for p := range set {
		routes = append(routes, p)
	}
	slices.SortFunc(routes, func(a, b netip.Prefix) int {
		if c := a.Addr().Compare(b.Addr()); c != 0 {
			return c
		}
		return a.Bits() - b.Bits()
	})
	return routes
}
