// Package dnsstub implements the client's stub resolver and the proxy-IP
// machinery for DNS resources: queries for permitted domains are answered
// with synthetic addresses from reserved ranges, and the mapping back to
// the real addresses travels to the gateway.
package dnsstub

import "net/netip"

// Reserved ranges. These are part of the product's wire contract and must
// not change.
var (
	// IPv4Resources / IPv6Resources hold proxy IPs for DNS resources.
	IPv4Resources = netip.MustParsePrefix("100.96.0.0/11")
	IPv6Resources = netip.MustParsePrefix("fd00:2021:1111:8000::/107")

	// IPv4Sentinels / IPv6Sentinels are the addresses the stub resolver
	// listens on; they are carved out of the resource ranges.
	IPv4Sentinels = netip.MustParsePrefix("100.100.111.0/24")
	IPv6Sentinels = netip.MustParsePrefix("fd00:2021:1111:8000:100:100:111:0/120")

	// IPv4Tunnel / IPv6Tunnel are the ranges the portal assigns device
	// tunnel addresses from.
	IPv4Tunnel = netip.MustParsePrefix("100.64.0.0/11")
	IPv6Tunnel = netip.MustParsePrefix("fd00:2021:1111::/107")
)

// SentinelAddrs enumerates the resolver addresses for the given number of
// upstreams, one sentinel per configured upstream resolver.
func SentinelAddrs(n int) []netip.Addr {
	var out []netip.Addr
	v4 := IPv4Sentinels.Addr().Next() // .0 is reserved
	v6 := IPv6Sentinels.Addr().Next()
	for i := 0; i < n; i++ {
		out = append(out, v4, v6)
		v4 = v4.Next()
		v6 = v6.Next()
	}
	return out
}
