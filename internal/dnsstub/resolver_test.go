package dnsstub

import (
	"net/netip"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/miekg/dns"
)

var (
	resolverEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	gitlabRes     = uuid.MustParse("20000000-0000-0000-0000-000000000001")
)

func newTestResolver() (*Resolver, *ProxyNAT) {
	nat := NewProxyNAT()
	r := NewResolver(nat, nil)
	r.AddResource(gitlabRes, "gitlab.company.com")
	return r, nat
}

func packQuery(t *testing.T, name string, qtype uint16) []byte {
	t.Helper()
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), qtype)
	packed, err := msg.Pack()
	if err != nil {
		t.Fatal(err)
	}
	return packed
}

func unpack(t *testing.T, raw []byte) *dns.Msg {
	t.Helper()
	msg := new(dns.Msg)
	if err := msg.Unpack(raw); err != nil {
		t.Fatal(err)
	}
	return msg
}

func TestDNSResourceQueryGetsProxyIP(t *testing.T) {
	t.Parallel()

	r, nat := newTestResolver()

	resp, err := r.HandleQuery(packQuery(t, "gitlab.company.com", dns.TypeA), resolverEpoch)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Strategy != LocalResponse {
		t.Fatalf("strategy: got %v, want local", resp.Strategy)
	}

	answer := unpack(t, resp.Answer)
	if len(answer.Answer) != 1 {
		t.Fatalf("answers: got %d", len(answer.Answer))
	}
	a, ok := answer.Answer[0].(*dns.A)
	if !ok {
		t.Fatalf("answer type: %T", answer.Answer[0])
	}
	proxy, _ := netip.AddrFromSlice(a.A.To4())
	if !IPv4Resources.Contains(proxy) {
		t.Errorf("proxy IP %v outside resource range", proxy)
	}
	if IPv4Sentinels.Contains(proxy) {
		t.Errorf("proxy IP %v inside sentinel range", proxy)
	}
	if a.Hdr.Ttl != uint32(DNSTTL/time.Second) {
		t.Errorf("TTL: got %d", a.Hdr.Ttl)
	}

	// The NAT table knows the mapping.
	res, domain, _, ok := nat.Lookup(proxy)
	if !ok || res != gitlabRes || domain != "gitlab.company.com" {
		t.Errorf("NAT lookup: %v %q ok=%v", res, domain, ok)
	}

	// A repeat query returns the identical address.
	resp2, err := r.HandleQuery(packQuery(t, "gitlab.company.com", dns.TypeA), resolverEpoch)
	if err != nil {
		t.Fatal(err)
	}
	a2 := unpack(t, resp2.Answer).Answer[0].(*dns.A)
	if !a2.A.Equal(a.A) {
		t.Errorf("proxy IP changed across queries: %v vs %v", a2.A, a.A)
	}
}

func TestWildcardPatterns(t *testing.T) {
	t.Parallel()

	cases := []struct {
		pattern string
		domain  string
		want    bool
	}{
		{"gitlab.company.com", "gitlab.company.com", true},
		{"gitlab.company.com", "x.gitlab.company.com", false},
		{"*.company.com", "gitlab.company.com", true},
		{"*.company.com", "a.b.company.com", false},
		{"*.company.com", "company.com", false},
		{"**.company.com", "gitlab.company.com", true},
		{"**.company.com", "a.b.company.com", true},
		{"**.company.com", "company.com", false},
		{"**.company.com", "evilcompany.com", false},
	}
	for _, tc := range cases {
		if got := ParsePattern(tc.pattern).Matches(tc.domain); got != tc.want {
			t.Errorf("%q.Matches(%q) = %v, want %v", tc.pattern, tc.domain, got, tc.want)
		}
	}
}

func TestPTRForProxyIP(t *testing.T) {
	t.Parallel()

	r, nat := newTestResolver()
	assigned, err := nat.Assign(gitlabRes, "gitlab.company.com")
	if err != nil {
		t.Fatal(err)
	}

	reverse, err := dns.ReverseAddr(assigned.V4.String())
	if err != nil {
		t.Fatal(err)
	}
	resp, err := r.HandleQuery(packQuery(t, reverse, dns.TypePTR), resolverEpoch)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Strategy != LocalResponse {
		t.Fatalf("strategy: %v", resp.Strategy)
	}
	ptr, ok := unpack(t, resp.Answer).Answer[0].(*dns.PTR)
	if !ok || ptr.Ptr != "gitlab.company.com." {
		t.Errorf("PTR answer: %v", ptr)
	}
}

func TestSRVQueriesRecurseToSite(t *testing.T) {
	t.Parallel()

	r, _ := newTestResolver()

	resp, err := r.HandleQuery(packQuery(t, "gitlab.company.com", dns.TypeSRV), resolverEpoch)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Strategy != RecurseSite || resp.Resource != gitlabRes {
		t.Errorf("strategy=%v resource=%v", resp.Strategy, resp.Resource)
	}
}

func TestUnmatchedQueriesRecurseLocally(t *testing.T) {
	t.Parallel()

	r, _ := newTestResolver()

	resp, err := r.HandleQuery(packQuery(t, "example.org", dns.TypeA), resolverEpoch)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Strategy != RecurseLocal {
		t.Errorf("strategy: %v", resp.Strategy)
	}
}

func TestServFailIsCached(t *testing.T) {
	t.Parallel()

	r, _ := newTestResolver()
	query := packQuery(t, "example.org", dns.TypeA)

	failed, err := r.ServFail(query, resolverEpoch)
	if err != nil {
		t.Fatal(err)
	}
	if rcode := unpack(t, failed).Rcode; rcode != dns.RcodeServerFailure {
		t.Fatalf("rcode: %d", rcode)
	}

	// The failure is served from cache while fresh...
	resp, err := r.HandleQuery(query, resolverEpoch.Add(time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if resp.Strategy != LocalResponse {
		t.Fatalf("strategy after cached servfail: %v", resp.Strategy)
	}
	if rcode := unpack(t, resp.Answer).Rcode; rcode != dns.RcodeServerFailure {
		t.Errorf("cached rcode: %d", rcode)
	}

	// ...and recursed again once it expired.
	resp, err = r.HandleQuery(query, resolverEpoch.Add(upstreamCacheTTL+time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if resp.Strategy != RecurseLocal {
		t.Errorf("strategy after expiry: %v", resp.Strategy)
	}
}

func TestProxyIPReassignmentResetsEntry(t *testing.T) {
	t.Parallel()

	nat := NewProxyNAT()
	assigned, err := nat.Assign(gitlabRes, "gitlab.company.com")
	if err != nil {
		t.Fatal(err)
	}

	real := netip.MustParseAddr("172.16.0.9")
	nat.SetResolved(assigned.V4, gitlabRes, "gitlab.company.com", real)
	_, _, got, ok := nat.Lookup(assigned.V4)
	if !ok || got != real {
		t.Fatalf("resolved IP: %v ok=%v", got, ok)
	}

	// A domain-status update claiming the proxy IP belongs to a
	// different pair resets the whole entry.
	other := uuid.MustParse("20000000-0000-0000-0000-000000000002")
	nat.SetResolved(assigned.V4, other, "jira.company.com", real)
	if _, _, _, ok := nat.Lookup(assigned.V4); ok {
		t.Error("stale mapping survived re-assignment")
	}
}

func TestAllocatorSkipsSentinelsAndExhausts(t *testing.T) {
	t.Parallel()

	// A tiny pool with an exclusion: /30 has 4 addresses, minus network
	// and one excluded leaves 2.
	pool := netip.MustParsePrefix("192.0.2.0/30")
	excluded := netip.MustParsePrefix("192.0.2.2/32")
	a := newAllocator(pool, excluded)

	first, err := a.next()
	if err != nil || first != netip.MustParseAddr("192.0.2.1") {
		t.Fatalf("first: %v %v", first, err)
	}
	second, err := a.next()
	if err != nil || second != netip.MustParseAddr("192.0.2.3") {
		t.Fatalf("second: %v %v", second, err)
	}
	if _, err := a.next(); err != ErrProxyIPExhausted {
		t.Errorf("exhaustion: got %v", err)
	}
}
