// Package clientstate is the client's sans-I/O policy layer: the resource
// catalogue, the flow-authorization pipeline, DNS hand-off to the stub
// resolver and the routing decision for every outbound TUN packet.
package clientstate

import (
	"log/slog"
	"net/netip"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/miekg/dns"

	"github.com/floegate/floegate/internal/dnsstub"
	"github.com/floegate/floegate/internal/ipstack"
	"github.com/floegate/floegate/pkg/p2pcontrol"
)

const (
	// dnsPort is where sentinel queries and in-tunnel recursion go.
	dnsPort = 53

	// llmnrPort is the LLMNR service port.
	llmnrPort = 5355

	// flowPacketBufferCapacity bounds packets buffered per pending flow;
	// overflow drops the oldest.
	flowPacketBufferCapacity = 128
)

// Multicast destinations that are definitely not resources: IGMPv3
// membership reports and the IPv6 all-routers group.
var (
	igmpV3Addr     = netip.MustParseAddr("224.0.0.22")
	allRoutersAddr = netip.MustParseAddr("ff02::2")

	llmnrAddr4 = netip.MustParseAddr("224.0.0.252")
	llmnrAddr6 = netip.MustParseAddr("ff02::1:3")
)

// Event is the interface implemented by policy events.
type Event interface {
	isEvent()
}

// ConnectionIntent asks the embedding to request a flow for a resource
// from the portal.
type ConnectionIntent struct {
	Resource          ResourceID
	PreferredGateways []GatewayID
}

// GatewayUnused fires when a gateway serves no routable resource any
// more; the embedding may close its connection.
type GatewayUnused struct {
	Gateway GatewayID
}

func (ConnectionIntent) isEvent() {}
func (GatewayUnused) isEvent()    {}

// GatewayPacket is an IP packet to encapsulate towards a gateway.
type GatewayPacket struct {
	Gateway GatewayID
	Packet  []byte
}

// UpstreamQuery is a DNS query to send via the host stack.
type UpstreamQuery struct {
	Upstream netip.AddrPort
	Payload  []byte
}

// pendingFlow buffers traffic for a resource while the portal authorizes
// the flow.
type pendingFlow struct {
	packets      [][]byte
	intentSentAt time.Time
}

func (f *pendingFlow) push(packet []byte) {
	if len(f.packets) == flowPacketBufferCapacity {
		f.packets = f.packets[1:]
	}
	f.packets = append(f.packets, append([]byte(nil), packet...))
}

// inflightQuery tracks one recursed DNS query so the response finds its
// way back to the querier.
type inflightQuery struct {
	querier  netip.AddrPort // TUN-side source
	sentinel netip.AddrPort // sentinel the query was addressed to
}

type queryKey struct {
	id   uint16
	name string
}

// FlowAuthorization is the portal's answer to a connection intent, from
// the policy layer's perspective. ICE credentials and keys travel to the
// node separately.
type FlowAuthorization struct {
	Resource ResourceID
	Gateway  GatewayID
	Site     SiteID

	// GatewayTunnel4/6 are the gateway's in-tunnel addresses; site
	// recursion and peer-to-gateway DNS go there.
	GatewayTunnel4 netip.Addr
	GatewayTunnel6 netip.Addr
}

// ClientState drives the policy side of the client. All outputs are
// staged in queues drained via the Poll methods.
type ClientState struct {
	log *slog.Logger

	tun4 netip.Addr
	tun6 netip.Addr

	resources   map[ResourceID]*Resource
	cidrIndex   []cidrEntry
	internetID  ResourceID
	internetSet bool

	gatewayByResource map[ResourceID]GatewayID
	gatewayTunnel     map[GatewayID][2]netip.Addr
	gatewaysBySite    map[SiteID][]GatewayID
	siteStatus        map[SiteID]SiteStatus
	peers             map[netip.Addr]GatewayID

	pendingFlows map[ResourceID]*pendingFlow

	nat      *dnsstub.ProxyNAT
	resolver *dnsstub.Resolver

	upstreams         []netip.AddrPort
	sentinelToUpstream map[netip.Addr]netip.AddrPort

	inflight map[queryKey]inflightQuery

	tunPackets     [][]byte
	gatewayPackets []GatewayPacket
	hostQueries    []UpstreamQuery
	events         []Event

	nextExpiry time.Time
}

// New creates an empty client state.
func New(log *slog.Logger) *ClientState {
	if log == nil {
		log = slog.Default()
	}
	nat := dnsstub.NewProxyNAT()
	return &ClientState{
		log:                log.With("component", "clientstate"),
		resources:          make(map[ResourceID]*Resource),
		gatewayByResource:  make(map[ResourceID]GatewayID),
		gatewayTunnel:      make(map[GatewayID][2]netip.Addr),
		gatewaysBySite:     make(map[SiteID][]GatewayID),
		siteStatus:         make(map[SiteID]SiteStatus),
		peers:              make(map[netip.Addr]GatewayID),
		pendingFlows:       make(map[ResourceID]*pendingFlow),
		nat:                nat,
		resolver:           dnsstub.NewResolver(nat, log),
		sentinelToUpstream: make(map[netip.Addr]netip.AddrPort),
		inflight:           make(map[queryKey]inflightQuery),
	}
}

// SetTunAddresses installs the device's tunnel addresses as assigned by
// the portal.
func (s *ClientState) SetTunAddresses(v4, v6 netip.Addr) {
	s.tun4 = v4
	s.tun6 = v6
}

// SetUpstreamResolvers maps one DNS sentinel per address family to each
// upstream resolver.
func (s *ClientState) SetUpstreamResolvers(upstreams []netip.AddrPort) {
	s.upstreams = upstreams
	s.sentinelToUpstream = make(map[netip.Addr]netip.AddrPort)
	sentinels := dnsstub.SentinelAddrs(len(upstreams))
	for i, upstream := range upstreams {
		s.sentinelToUpstream[sentinels[2*i]] = upstream
		s.sentinelToUpstream[sentinels[2*i+1]] = upstream
	}
}

// Sentinels returns the resolver addresses to advertise to the host.
func (s *ClientState) Sentinels() []netip.Addr {
	return dnsstub.SentinelAddrs(len(s.upstreams))
}

// AddResource installs or replaces a resource.
func (s *ClientState) AddResource(res Resource) {
	s.resources[res.ID] = &res

	switch res.Kind {
	case ResourceCIDR:
		s.rebuildCIDRIndex()
	case ResourceDNS:
		s.resolver.AddResource(res.ID, res.Pattern)
	case ResourceInternet:
		s.internetID = res.ID
		s.internetSet = true
	}
	if !res.ExpiresAt.IsZero() && (s.nextExpiry.IsZero() || res.ExpiresAt.Before(s.nextExpiry)) {
		s.nextExpiry = res.ExpiresAt
	}
}

// RemoveResource drops a resource, its pending flow and its NAT state,
// and reports gateways left without any resource.
func (s *ClientState) RemoveResource(id ResourceID) {
	res, ok := s.resources[id]
	if !ok {
		return
	}
	delete(s.resources, id)
	delete(s.pendingFlows, id)

	switch res.Kind {
	case ResourceCIDR:
		s.rebuildCIDRIndex()
	case ResourceDNS:
		s.resolver.RemoveResource(id)
	case ResourceInternet:
		s.internetSet = false
	}

	gateway, had := s.gatewayByResource[id]
	delete(s.gatewayByResource, id)
	if had && !s.gatewayStillUsed(gateway) {
		s.events = append(s.events, GatewayUnused{Gateway: gateway})
	}
}

func (s *ClientState) gatewayStillUsed(gw GatewayID) bool {
	for _, other := range s.gatewayByResource {
		if other == gw {
			return true
		}
	}
	return false
}

func (s *ClientState) rebuildCIDRIndex() {
	s.cidrIndex = s.cidrIndex[:0]
	for _, res := range s.resources {
		if res.Kind == ResourceCIDR {
			s.cidrIndex = append(s.cidrIndex, cidrEntry{prefix: res.Network, resource: res.ID})
		}
	}
}

func (s *ClientState) internetActive() bool { return s.internetSet }

// SetSiteGateways records which gateways serve a site.
func (s *ClientState) SetSiteGateways(site SiteID, gateways []GatewayID) {
	s.gatewaysBySite[site] = gateways
}

// SetSiteStatus records a site's reachability.
func (s *ClientState) SetSiteStatus(site SiteID, status SiteStatus) {
	s.siteStatus[site] = status
}

// AddPeer maps another device's TUN address to the gateway fronting it.
func (s *ClientState) AddPeer(tunAddr netip.Addr, gw GatewayID) {
	s.peers[tunAddr] = gw
}

// HandleFlowCreated installs an authorized flow and replays everything
// buffered against it.
func (s *ClientState) HandleFlowCreated(auth FlowAuthorization, now time.Time) {
	s.gatewayByResource[auth.Resource] = auth.Gateway
	s.gatewayTunnel[auth.Gateway] = [2]netip.Addr{auth.GatewayTunnel4, auth.GatewayTunnel6}

	flow, ok := s.pendingFlows[auth.Resource]
	if !ok {
		return
	}
	delete(s.pendingFlows, auth.Resource)

	for _, packet := range flow.packets {
		s.gatewayPackets = append(s.gatewayPackets, GatewayPacket{Gateway: auth.Gateway, Packet: packet})
	}
}

// HandleTunInput is the outbound pipeline: every packet read from the TUN
// device goes through here.
func (s *ClientState) HandleTunInput(packet []byte, now time.Time) {
	p, err := ipstack.Parse(packet)
	if err != nil {
		s.log.Debug("dropping unparsable packet", "error", err)
		return
	}

	dst := p.Destination()

	// Step 1: multicast noise and spoofed sources.
	if dst == igmpV3Addr || dst == allRoutersAddr {
		return
	}
	if src := p.Source(); src != s.tun4 && src != s.tun6 {
		s.log.Debug("dropping packet with foreign source", "src", src)
		return
	}

	// Step 2: LLMNR.
	if dst == llmnrAddr4 || dst == llmnrAddr6 {
		s.handleLLMNR(p, now)
		return
	}

	// Step 3: DNS sentinels.
	if upstream, ok := s.sentinelToUpstream[dst]; ok {
		s.handleSentinelQuery(p, upstream, now)
		return
	}

	// Step 4: peer devices behind a gateway.
	if gw, ok := s.peers[dst]; ok {
		s.sendOrBuffer(gw, packet, now)
		return
	}

	// Step 5: resource match, most specific first.
	if id, ok := matchCIDR(s.cidrIndex, dst); ok {
		s.routeToResource(id, packet, now)
		return
	}
	if id, _, _, ok := s.nat.Lookup(dst); ok {
		s.routeToResource(id, packet, now)
		return
	}
	if s.internetActive() {
		s.routeToResource(s.internetID, packet, now)
		return
	}

	s.log.Debug("dropping packet for non-resource destination", "dst", dst)
}

// routeToResource forwards a packet to the gateway owning the resource,
// or buffers it and raises a connection intent.
func (s *ClientState) routeToResource(id ResourceID, packet []byte, now time.Time) {
	if gw, ok := s.gatewayByResource[id]; ok {
		s.gatewayPackets = append(s.gatewayPackets, GatewayPacket{Gateway: gw, Packet: append([]byte(nil), packet...)})
		return
	}
	s.bufferAndIntend(id, packet, now)
}

func (s *ClientState) sendOrBuffer(gw GatewayID, packet []byte, now time.Time) {
	s.gatewayPackets = append(s.gatewayPackets, GatewayPacket{Gateway: gw, Packet: append([]byte(nil), packet...)})
}

func (s *ClientState) bufferAndIntend(id ResourceID, packet []byte, now time.Time) {
	flow, ok := s.pendingFlows[id]
	if !ok {
		flow = &pendingFlow{}
		s.pendingFlows[id] = flow
	}
	if packet != nil {
		flow.push(packet)
	}
	if !flow.intentSentAt.IsZero() {
		return
	}
	flow.intentSentAt = now
	s.events = append(s.events, ConnectionIntent{
		Resource:          id,
		PreferredGateways: s.preferredGateways(id),
	})
}

// preferredGateways lists gateways of the resource's sites, online sites
// first.
func (s *ClientState) preferredGateways(id ResourceID) []GatewayID {
	res, ok := s.resources[id]
	if !ok {
		return nil
	}
	var online, unknown []GatewayID
	for _, site := range res.Sites {
		gws := s.gatewaysBySite[site]
		switch s.siteStatus[site] {
		case SiteOffline:
			continue
		case SiteOnline:
			online = append(online, gws...)
		default:
			unknown = append(unknown, gws...)
		}
	}
	return append(online, unknown...)
}

// handleSentinelQuery feeds a UDP DNS query into the resolver pipeline.
func (s *ClientState) handleSentinelQuery(p ipstack.Packet, upstream netip.AddrPort, now time.Time) {
	srcPort, dstPort, payload, ok := p.UDP()
	if !ok || dstPort != dnsPort {
		// TCP DNS is not terminated locally; the gateway-side resolver
		// serves those through the tunnel instead.
		s.log.Debug("dropping non-UDP sentinel traffic")
		return
	}

	resp, err := s.resolver.HandleQuery(payload, now)
	if err != nil {
		s.log.Debug("resolver failed", "error", err)
		if failed, ferr := s.resolver.ServFail(payload, now); ferr == nil {
			s.respondToQuerier(p, srcPort, failed)
		}
		return
	}

	switch resp.Strategy {
	case dnsstub.LocalResponse:
		s.respondToQuerier(p, srcPort, resp.Answer)

	case dnsstub.RecurseLocal:
		s.trackInflight(p, srcPort, payload)
		s.recurseUpstream(upstream, payload, now)

	case dnsstub.RecurseSite:
		s.trackInflight(p, srcPort, payload)
		s.recurseViaSite(resp.Resource, payload, now)
	}
}

func (s *ClientState) trackInflight(p ipstack.Packet, srcPort uint16, query []byte) {
	id, name, ok := queryIdentity(query)
	if !ok {
		return
	}
	s.inflight[queryKey{id: id, name: name}] = inflightQuery{
		querier:  netip.AddrPortFrom(p.Source(), srcPort),
		sentinel: netip.AddrPortFrom(p.Destination(), dnsPort),
	}
}

// recurseUpstream forwards a query to the upstream resolver, through the
// tunnel when the upstream itself is a resource.
func (s *ClientState) recurseUpstream(upstream netip.AddrPort, query []byte, now time.Time) {
	routed := false
	if id, ok := matchCIDR(s.cidrIndex, upstream.Addr()); ok {
		s.tunnelQueryTo(id, upstream, query, now)
		routed = true
	} else if s.internetActive() {
		s.tunnelQueryTo(s.internetID, upstream, query, now)
		routed = true
	}
	if !routed {
		s.hostQueries = append(s.hostQueries, UpstreamQuery{Upstream: upstream, Payload: query})
	}
}

// recurseViaSite forwards a query to the gateway owning the DNS resource.
func (s *ClientState) recurseViaSite(resource ResourceID, query []byte, now time.Time) {
	gw, ok := s.gatewayByResource[resource]
	if !ok {
		// No flow yet: raise the intent; retried by the client.
		s.bufferAndIntend(resource, nil, now)
		return
	}
	tunnels := s.gatewayTunnel[gw]
	target := tunnels[0]
	if !target.IsValid() {
		target = tunnels[1]
	}
	if !target.IsValid() {
		s.log.Warn("gateway has no tunnel address for site recursion", "gateway", gw)
		return
	}
	s.tunnelQueryToGateway(gw, netip.AddrPortFrom(target, dnsPort), query)
}

func (s *ClientState) tunnelQueryTo(resource ResourceID, upstream netip.AddrPort, query []byte, now time.Time) {
	src := s.tun4
	if upstream.Addr().Is6() {
		src = s.tun6
	}
	packet, err := ipstack.MakeUDPPacket(netip.AddrPortFrom(src, ephemeralDNSPort(query)), upstream, query)
	if err != nil {
		s.log.Debug("building recursed query failed", "error", err)
		return
	}
	s.routeToResource(resource, packet, now)
}

func (s *ClientState) tunnelQueryToGateway(gw GatewayID, target netip.AddrPort, query []byte) {
	src := s.tun4
	if target.Addr().Is6() {
		src = s.tun6
	}
	packet, err := ipstack.MakeUDPPacket(netip.AddrPortFrom(src, ephemeralDNSPort(query)), target, query)
	if err != nil {
		s.log.Debug("building site query failed", "error", err)
		return
	}
	s.gatewayPackets = append(s.gatewayPackets, GatewayPacket{Gateway: gw, Packet: packet})
}

// ephemeralDNSPort derives a stable source port for a recursed query so
// the response can be matched without per-query socket state.
func ephemeralDNSPort(query []byte) uint16 {
	id, _, _ := queryIdentity(query)
	return 49152 + id%16384
}

// respondToQuerier writes a DNS answer back to the TUN, swapping the
// original addressing.
func (s *ClientState) respondToQuerier(query ipstack.Packet, querierPort uint16, answer []byte) {
	packet, err := ipstack.MakeUDPPacket(
		netip.AddrPortFrom(query.Destination(), dnsPort),
		netip.AddrPortFrom(query.Source(), querierPort),
		answer,
	)
	if err != nil {
		s.log.Debug("building DNS response failed", "error", err)
		return
	}
	s.tunPackets = append(s.tunPackets, packet)
}

// handleLLMNR answers multicast name queries for domains we control and
// drops everything else.
func (s *ClientState) handleLLMNR(p ipstack.Packet, now time.Time) {
	srcPort, dstPort, payload, ok := p.UDP()
	if !ok || dstPort != llmnrPort {
		return
	}
	resp, err := s.resolver.HandleQuery(payload, now)
	if err != nil || resp.Strategy != dnsstub.LocalResponse {
		return // Never recurse LLMNR.
	}
	packet, err := ipstack.MakeUDPPacket(
		netip.AddrPortFrom(p.Destination(), llmnrPort),
		netip.AddrPortFrom(p.Source(), srcPort),
		resp.Answer,
	)
	if err != nil {
		return
	}
	s.tunPackets = append(s.tunPackets, packet)
}

// HandleUpstreamResponse completes a query recursed via the host stack.
func (s *ClientState) HandleUpstreamResponse(response []byte, now time.Time) {
	cached, err := s.resolver.HandleUpstreamResponse(response, now)
	if err != nil {
		s.log.Debug("discarding unparsable upstream response", "error", err)
		return
	}
	s.deliverRecursedAnswer(cached)
}

func (s *ClientState) deliverRecursedAnswer(answer []byte) {
	id, name, ok := queryIdentity(answer)
	if !ok {
		return
	}
	key := queryKey{id: id, name: name}
	inflight, ok := s.inflight[key]
	if !ok {
		return
	}
	delete(s.inflight, key)

	packet, err := ipstack.MakeUDPPacket(inflight.sentinel, inflight.querier, answer)
	if err != nil {
		s.log.Debug("building recursed response failed", "error", err)
		return
	}
	s.tunPackets = append(s.tunPackets, packet)
}

// HandleGatewayInput is the inbound pipeline for decrypted packets from a
// gateway: control frames, recursed DNS answers, ICMP rejections, and
// plain tunnelled traffic.
func (s *ClientState) HandleGatewayInput(gw GatewayID, packet []byte, now time.Time) {
	if event, payload, err := p2pcontrol.Decode(packet); err == nil {
		s.handleControlFrame(gw, event, payload, now)
		return
	}

	p, err := ipstack.Parse(packet)
	if err != nil {
		s.log.Debug("dropping unparsable gateway packet", "error", err)
		return
	}

	// ICMP administratively-prohibited tears the flow down and asks the
	// portal again.
	if embedded, ok := p.IsICMPAdminProhibited(); ok {
		s.handleFlowRejected(gw, embedded, now)
		return
	}

	// Recursed DNS answers are intercepted before hitting the TUN.
	if srcPort, _, payload, ok := p.UDP(); ok && srcPort == dnsPort {
		if id, name, ok := queryIdentity(payload); ok {
			if _, tracked := s.inflight[queryKey{id: id, name: name}]; tracked {
				if cached, err := s.resolver.HandleUpstreamResponse(payload, now); err == nil {
					s.deliverRecursedAnswer(cached)
					return
				}
			}
		}
	}

	s.tunPackets = append(s.tunPackets, append([]byte(nil), packet...))
}

func (s *ClientState) handleControlFrame(gw GatewayID, event byte, payload []byte, now time.Time) {
	switch event {
	case p2pcontrol.GoodbyeEvent:
		s.log.Info("gateway said goodbye", "gateway", gw)
		for id, other := range s.gatewayByResource {
			if other == gw {
				delete(s.gatewayByResource, id)
			}
		}
		s.events = append(s.events, GatewayUnused{Gateway: gw})

	case p2pcontrol.DomainStatusEvent:
		status, err := p2pcontrol.DecodeDomainStatus(payload)
		if err != nil {
			s.log.Debug("bad domain status", "error", err)
			return
		}
		s.applyDomainStatus(status)

	default:
		s.log.Debug("unknown control event", "event", event)
	}
}

// applyDomainStatus records the gateway's authoritative resolution of a
// DNS resource domain against our proxy IPs.
func (s *ClientState) applyDomainStatus(status p2pcontrol.DomainStatus) {
	resource, err := uuid.Parse(status.ResourceID)
	if err != nil {
		return
	}
	assigned, err := s.nat.Assign(resource, status.Domain)
	if err != nil {
		return
	}
	for _, raw := range status.Addresses {
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			continue
		}
		if addr.Is4() {
			s.nat.SetResolved(assigned.V4, resource, status.Domain, addr)
		} else {
			s.nat.SetResolved(assigned.V6, resource, status.Domain, addr)
		}
	}
}

// handleFlowRejected processes an ICMP prohibited error: the flow is torn
// down and a fresh intent raised for the same resource.
func (s *ClientState) handleFlowRejected(gw GatewayID, embedded []byte, now time.Time) {
	rejected, err := ipstack.Parse(embedded)
	if err != nil {
		return
	}
	dst := rejected.Destination()

	var resource ResourceID
	var found bool
	if id, ok := matchCIDR(s.cidrIndex, dst); ok {
		resource, found = id, true
	} else if id, _, _, ok := s.nat.Lookup(dst); ok {
		resource, found = id, true
	} else if s.internetActive() {
		resource, found = s.internetID, true
	}
	if !found {
		return
	}

	s.log.Info("gateway rejected flow, re-requesting", "resource", resource, "gateway", gw)
	delete(s.gatewayByResource, resource)
	delete(s.pendingFlows, resource) // Reset the intent clock.
	s.bufferAndIntend(resource, nil, now)
}

// HandleTimeout expires resources.
func (s *ClientState) HandleTimeout(now time.Time) {
	s.nextExpiry = time.Time{}
	var expired []ResourceID
	for id, res := range s.resources {
		if res.expired(now) {
			expired = append(expired, id)
			continue
		}
		if !res.ExpiresAt.IsZero() && (s.nextExpiry.IsZero() || res.ExpiresAt.Before(s.nextExpiry)) {
			s.nextExpiry = res.ExpiresAt
		}
	}
	for _, id := range expired {
		s.log.Info("resource expired", "resource", id)
		s.RemoveResource(id)
	}
}

// PollTimeout returns the next resource expiry, if any.
func (s *ClientState) PollTimeout() (time.Time, bool) {
	return s.nextExpiry, !s.nextExpiry.IsZero()
}

// PollTunPacket drains one packet destined for the TUN device.
func (s *ClientState) PollTunPacket() ([]byte, bool) {
	if len(s.tunPackets) == 0 {
		return nil, false
	}
	p := s.tunPackets[0]
	s.tunPackets = s.tunPackets[1:]
	return p, true
}

// PollGatewayPacket drains one packet to encapsulate towards a gateway.
func (s *ClientState) PollGatewayPacket() (GatewayPacket, bool) {
	if len(s.gatewayPackets) == 0 {
		return GatewayPacket{}, false
	}
	p := s.gatewayPackets[0]
	s.gatewayPackets = s.gatewayPackets[1:]
	return p, true
}

// PollHostQuery drains one DNS query to send via the host stack.
func (s *ClientState) PollHostQuery() (UpstreamQuery, bool) {
	if len(s.hostQueries) == 0 {
		return UpstreamQuery{}, false
	}
	q := s.hostQueries[0]
	s.hostQueries = s.hostQueries[1:]
	return q, true
}

// PollEvent drains one policy event.
func (s *ClientState) PollEvent() (Event, bool) {
	if len(s.events) == 0 {
		return nil, false
	}
	e := s.events[0]
	s.events = s.events[1:]
	return e, true
}

// queryIdentity extracts the message id and first question name from a
// packed DNS message.
func queryIdentity(msg []byte) (uint16, string, bool) {
	parsed := new(dns.Msg)
	if err := parsed.Unpack(msg); err != nil || len(parsed.Question) != 1 {
		return 0, "", false
	}
	name := strings.ToLower(strings.TrimSuffix(parsed.Question[0].Name, "."))
	return parsed.Id, name, true
}
