package dnsstub

import (
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// DNSTTL is the TTL on answers synthesised for DNS resources. Proxy IPs
// stay stable for the lifetime of the client session, so a long TTL keeps
// chatty applications off the stub resolver.
const DNSTTL = 24 * time.Hour

// upstreamCacheTTL bounds how long recursed answers (including SERVFAIL)
// are served from cache.
const upstreamCacheTTL = 30 * time.Second

// Strategy says how a query must be handled.
type Strategy int

const (
	// LocalResponse: the stub resolver produced the answer itself.
	LocalResponse Strategy = iota

	// RecurseLocal: forward to the configured upstream resolver.
	RecurseLocal

	// RecurseSite: forward through the tunnel to the gateway owning the
	// matched DNS resource.
	RecurseSite
)

// Response is the outcome of handling one query.
type Response struct {
	Strategy Strategy

	// Answer is the packed DNS response for LocalResponse.
	Answer []byte

	// Resource is the matched DNS resource for RecurseSite.
	Resource ResourceID
}

type dnsResource struct {
	id      ResourceID
	pattern Pattern
}

type cacheKey struct {
	name  string
	qtype uint16
}

type cacheEntry struct {
	msg       *dns.Msg
	expiresAt time.Time
}

// Resolver is the sans-I/O stub resolver: it decides per query whether to
// answer locally (DNS resources, PTR of proxy IPs, cached answers) or to
// have the caller recurse.
type Resolver struct {
	log *slog.Logger
	nat *ProxyNAT

	resources []dnsResource

	cache map[cacheKey]cacheEntry
}

// NewResolver creates a resolver backed by the given NAT table.
func NewResolver(nat *ProxyNAT, log *slog.Logger) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{
		log:   log.With("component", "dnsstub"),
		nat:   nat,
		cache: make(map[cacheKey]cacheEntry),
	}
}

// AddResource registers a DNS resource pattern.
func (r *Resolver) AddResource(id ResourceID, pattern string) {
	for i, existing := range r.resources {
		if existing.id == id {
			r.resources[i].pattern = ParsePattern(pattern)
			return
		}
	}
	r.resources = append(r.resources, dnsResource{id: id, pattern: ParsePattern(pattern)})
}

// RemoveResource drops a resource and all proxy IPs handed out for it.
func (r *Resolver) RemoveResource(id ResourceID) {
	kept := r.resources[:0]
	for _, res := range r.resources {
		if res.id != id {
			kept = append(kept, res)
		}
	}
	r.resources = kept
	r.nat.RemoveResource(id)
}

// MatchResource returns the DNS resource covering domain, if any.
func (r *Resolver) MatchResource(domain string) (ResourceID, bool) {
	for _, res := range r.resources {
		if res.pattern.Matches(domain) {
			return res.id, true
		}
	}
	return ResourceID{}, false
}

// HandleQuery processes one query received on a sentinel address.
func (r *Resolver) HandleQuery(query []byte, now time.Time) (Response, error) {
	msg := new(dns.Msg)
	if err := msg.Unpack(query); err != nil {
		return Response{}, fmt.Errorf("unpacking query: %w", err)
	}
	if len(msg.Question) != 1 {
		return r.servFail(msg, now)
	}
	q := msg.Question[0]
	name := strings.TrimSuffix(strings.ToLower(q.Name), ".")

	// PTR queries for proxy IPs answer with the mapped domain.
	if q.Qtype == dns.TypePTR {
		if addr, ok := addrFromReverseName(q.Name); ok {
			if domain, ok := r.nat.ReverseLookup(addr); ok {
				return r.answerPTR(msg, domain)
			}
			if IPv4Resources.Contains(addr) || IPv6Resources.Contains(addr) {
				// Unmapped proxy IP: NXDOMAIN, never recursed.
				reply := new(dns.Msg)
				reply.SetRcode(msg, dns.RcodeNameError)
				return packResponse(reply)
			}
		}
		return Response{Strategy: RecurseLocal}, nil
	}

	resource, matched := r.MatchResource(name)
	if matched {
		switch q.Qtype {
		case dns.TypeA, dns.TypeAAAA:
			return r.answerWithProxyIPs(msg, q, resource, name)
		case dns.TypeHTTPS, dns.TypeSVCB:
			// Answering these would leak real addresses around the
			// proxy IPs; an empty answer makes clients fall back to
			// A/AAAA.
			reply := new(dns.Msg)
			reply.SetReply(msg)
			return packResponse(reply)
		default:
			// SRV, TXT and friends are answered authoritatively by the
			// site's own resolver.
			return Response{Strategy: RecurseSite, Resource: resource}, nil
		}
	}

	if entry, ok := r.cache[cacheKey{name: name, qtype: q.Qtype}]; ok && now.Before(entry.expiresAt) {
		reply := entry.msg.Copy()
		reply.Id = msg.Id
		return packResponse(reply)
	}

	return Response{Strategy: RecurseLocal}, nil
}

// HandleUpstreamResponse caches a recursed answer and returns the bytes
// to hand back to the querier.
func (r *Resolver) HandleUpstreamResponse(response []byte, now time.Time) ([]byte, error) {
	msg := new(dns.Msg)
	if err := msg.Unpack(response); err != nil {
		return nil, fmt.Errorf("unpacking upstream response: %w", err)
	}
	if len(msg.Question) == 1 {
		q := msg.Question[0]
		key := cacheKey{name: strings.TrimSuffix(strings.ToLower(q.Name), "."), qtype: q.Qtype}
		r.cache[key] = cacheEntry{msg: msg.Copy(), expiresAt: now.Add(upstreamCacheTTL)}
	}
	return response, nil
}

// ServFail synthesises (and caches) a SERVFAIL for a query whose
// recursion failed.
func (r *Resolver) ServFail(query []byte, now time.Time) ([]byte, error) {
	msg := new(dns.Msg)
	if err := msg.Unpack(query); err != nil {
		return nil, fmt.Errorf("unpacking query: %w", err)
	}
	resp, err := r.servFail(msg, now)
	if err != nil {
		return nil, err
	}
	return resp.Answer, nil
}

func (r *Resolver) servFail(query *dns.Msg, now time.Time) (Response, error) {
	reply := new(dns.Msg)
	reply.SetRcode(query, dns.RcodeServerFailure)
	if len(query.Question) == 1 {
		q := query.Question[0]
		key := cacheKey{name: strings.TrimSuffix(strings.ToLower(q.Name), "."), qtype: q.Qtype}
		r.cache[key] = cacheEntry{msg: reply.Copy(), expiresAt: now.Add(upstreamCacheTTL)}
	}
	return packResponse(reply)
}

func (r *Resolver) answerWithProxyIPs(query *dns.Msg, q dns.Question, resource ResourceID, domain string) (Response, error) {
	assigned, err := r.nat.Assign(resource, domain)
	if err != nil {
		return Response{}, err
	}

	reply := new(dns.Msg)
	reply.SetReply(query)
	hdr := dns.RR_Header{
		Name:   q.Name,
		Class:  dns.ClassINET,
		Ttl:    uint32(DNSTTL / time.Second),
		Rrtype: q.Qtype,
	}
	switch q.Qtype {
	case dns.TypeA:
		reply.Answer = append(reply.Answer, &dns.A{Hdr: hdr, A: net.IP(assigned.V4.AsSlice())})
	case dns.TypeAAAA:
		reply.Answer = append(reply.Answer, &dns.AAAA{Hdr: hdr, AAAA: net.IP(assigned.V6.AsSlice())})
	}
	return packResponse(reply)
}

func (r *Resolver) answerPTR(query *dns.Msg, domain string) (Response, error) {
	reply := new(dns.Msg)
	reply.SetReply(query)
	reply.Answer = append(reply.Answer, &dns.PTR{
		Hdr: dns.RR_Header{
			Name:   query.Question[0].Name,
			Rrtype: dns.TypePTR,
			Class:  dns.ClassINET,
			Ttl:    uint32(DNSTTL / time.Second),
		},
		Ptr: dns.Fqdn(domain),
	})
	return packResponse(reply)
}

func packResponse(reply *dns.Msg) (Response, error) {
	packed, err := reply.Pack()
	if err != nil {
		return Response{}, fmt.Errorf("packing response: %w", err)
	}
	return Response{Strategy: LocalResponse, Answer: packed}, nil
}

// addrFromReverseName parses an in-addr.arpa / ip6.arpa name back into an
// address.
func addrFromReverseName(name string) (netip.Addr, bool) {
	name = strings.TrimSuffix(strings.ToLower(name), ".")

	if suffix, ok := strings.CutSuffix(name, ".in-addr.arpa"); ok {
		parts := strings.Split(suffix, ".")
		if len(parts) != 4 {
			return netip.Addr{}, false
		}
		// Octets appear reversed.
		addr, err := netip.ParseAddr(parts[3] + "." + parts[2] + "." + parts[1] + "." + parts[0])
		if err != nil {
			return netip.Addr{}, false
		}
		return addr, true
	}

	if suffix, ok := strings.CutSuffix(name, ".ip6.arpa"); ok {
		nibbles := strings.Split(suffix, ".")
		if len(nibbles) != 32 {
			return netip.Addr{}, false
		}
		var hexed strings.Builder
		for i := len(nibbles) - 1; i >= 0; i-- {
			if len(nibbles[i]) != 1 {
				return netip.Addr{}, false
			}
			hexed.WriteString(nibbles[i])
			if i%4 == 0 && i != 0 {
				hexed.WriteByte(':')
			}
		}
		addr, err := netip.ParseAddr(hexed.String())
		if err != nil {
			return netip.Addr{}, false
		}
		return addr, true
	}

	return netip.Addr{}, false
}
