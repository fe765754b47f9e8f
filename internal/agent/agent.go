// Package agent is the host embedding of the connection core: a single
// event loop that feeds the sans-I/O node and client state from the
// portal, the UDP sockets and the TUN device, and drains their queues
// back out.
//
// The cores never block and never do I/O; everything observable happens
// here. One goroutine owns both state machines, so no locking is needed
// around them.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/floegate/floegate/internal/clientstate"
	"github.com/floegate/floegate/internal/config"
	"github.com/floegate/floegate/internal/control"
	"github.com/floegate/floegate/internal/iceagent"
	"github.com/floegate/floegate/internal/portal"
	"github.com/floegate/floegate/internal/snownet"
	"github.com/floegate/floegate/pkg/p2pcontrol"
)

// maxTimerSleep caps the event loop's sleep so external clock jumps
// (suspend/resume) are noticed reasonably fast.
const maxTimerSleep = time.Minute

// Agent wires the portal, the node and the client state together.
type Agent struct {
	cfg *config.Config
	log *slog.Logger

	portal PortalClient
	sock   PacketSocket
	tun    TunDevice
	dns    DNSTransport

	node  *snownet.Node
	state *clientstate.ClientState

	startedAt time.Time

	statusMu sync.Mutex
	status   control.Status
}

// New creates an agent over the given collaborators.
func New(cfg *config.Config, portalClient PortalClient, sock PacketSocket, tun TunDevice, dns DNSTransport, logger *slog.Logger) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{
		cfg:    cfg,
		log:    logger.With("component", "agent"),
		portal: portalClient,
		sock:   sock,
		tun:    tun,
		dns:    dns,
		node:   snownet.NewClientNode(cfg.Device.PrivateKey, logger),
		state:  clientstate.New(logger),
	}
}

// Run connects to the portal and drives the event loop until the context
// is cancelled or a fatal error occurs.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.portal.Connect(ctx); err != nil {
		return fmt.Errorf("connecting to portal: %w", err)
	}
	defer a.portal.Close()

	a.log.Info("agent started", "device", a.cfg.Device.Name)
	a.startedAt = time.Now()

	timer := time.NewTimer(maxTimerSleep)
	defer timer.Stop()

	for {
		a.flush(ctx)
		a.armTimer(timer)

		select {
		case <-ctx.Done():
			a.shutdown()
			return ctx.Err()

		case msg, ok := <-a.portal.Messages():
			if !ok {
				a.shutdown()
				return errors.New("portal connection closed")
			}
			a.handlePortalMessage(ctx, msg, time.Now())

		case d, ok := <-a.sock.Datagrams():
			if !ok {
				return errors.New("packet socket closed")
			}
			a.handleNetworkInput(d, time.Now())

		case packet, ok := <-a.tun.Packets():
			if !ok {
				return errors.New("TUN device closed")
			}
			a.state.HandleTunInput(packet, time.Now())

		case response, ok := <-a.dns.Responses():
			if !ok {
				return errors.New("DNS transport closed")
			}
			a.state.HandleUpstreamResponse(response, time.Now())

		case <-timer.C:
			now := time.Now()
			a.node.HandleTimeout(now)
			a.state.HandleTimeout(now)
		}
	}
}

// armTimer programs the loop timer to the earliest pending deadline.
func (a *Agent) armTimer(timer *time.Timer) {
	sleep := maxTimerSleep
	now := time.Now()
	if deadline, ok := a.node.PollTimeout(); ok {
		if d := deadline.Sub(now); d < sleep {
			sleep = d
		}
	}
	if deadline, ok := a.state.PollTimeout(); ok {
		if d := deadline.Sub(now); d < sleep {
			sleep = d
		}
	}
	if sleep < 0 {
		sleep = 0
	}
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	timer.Reset(sleep)
}

// handleNetworkInput demultiplexes one datagram through the node.
func (a *Agent) handleNetworkInput(d Datagram, now time.Time) {
	cid, payload, err := a.node.Decapsulate(d.Local, d.From, d.Payload, now)
	if err != nil {
		a.log.Debug("dropping datagram", "from", d.From, "error", err)
		return
	}
	if payload == nil {
		return
	}
	// Decrypted packets go through the policy layer: control frames and
	// recursed DNS are intercepted, everything else reaches the TUN
	// queue.
	a.state.HandleGatewayInput(cid, payload, now)
}

// handlePortalMessage applies one control-plane message.
func (a *Agent) handlePortalMessage(ctx context.Context, msg portal.Message, now time.Time) {
	switch msg := msg.(type) {
	case *portal.InitMessage:
		a.applyInit(msg, now)

	case *portal.ResourceUpdatedMessage:
		if res, err := parseResource(msg.Resource); err == nil {
			a.state.AddResource(res)
			a.applySites(msg.Resource.Sites)
			a.pushTunState()
		} else {
			a.log.Warn("ignoring malformed resource", "error", err)
		}

	case *portal.ResourceDeletedMessage:
		if id, err := uuid.Parse(msg.ID); err == nil {
			a.state.RemoveResource(id)
			a.pushTunState()
		}

	case *portal.RelaysPresenceMessage:
		a.applyRelays(msg.DisconnectedIDs, msg.Connected, now)

	case *portal.FlowCreatedMessage:
		a.applyFlowCreated(msg, now)

	case *portal.FlowFailedMessage:
		a.log.Warn("portal rejected flow", "resource", msg.ResourceID, "reason", msg.Reason)

	case *portal.ICECandidatesMessage:
		for _, rawID := range msg.GatewayIDs {
			gw, err := uuid.Parse(rawID)
			if err != nil {
				continue
			}
			for _, candidate := range msg.Candidates {
				if err := a.node.AddRemoteCandidate(gw, candidate, now); err != nil {
					a.log.Debug("adding remote candidate failed", "error", err)
				}
			}
		}

	case *portal.InvalidateICECandidatesMessage:
		for _, rawID := range msg.GatewayIDs {
			gw, err := uuid.Parse(rawID)
			if err != nil {
				continue
			}
			for _, candidate := range msg.Candidates {
				if err := a.node.RemoveRemoteCandidate(gw, candidate, now); err != nil {
					a.log.Debug("removing remote candidate failed", "error", err)
				}
			}
		}

	default:
		a.log.Debug("ignoring portal message", "type", msg.MessageType())
	}
}

func (a *Agent) applyInit(msg *portal.InitMessage, now time.Time) {
	v4, err4 := netip.ParseAddr(msg.Interface.IPv4)
	v6, err6 := netip.ParseAddr(msg.Interface.IPv6)
	if err4 != nil || err6 != nil {
		a.log.Error("portal init carries invalid interface addresses", "ipv4", msg.Interface.IPv4, "ipv6", msg.Interface.IPv6)
		return
	}
	a.state.SetTunAddresses(v4, v6)

	var upstreams []netip.AddrPort
	for _, raw := range msg.Resolvers {
		if addr, err := netip.ParseAddr(raw); err == nil {
			upstreams = append(upstreams, netip.AddrPortFrom(addr, 53))
		} else if ap, err := netip.ParseAddrPort(raw); err == nil {
			upstreams = append(upstreams, ap)
		}
	}
	for _, raw := range a.cfg.DNS.UpstreamResolvers {
		if ap, err := netip.ParseAddrPort(raw); err == nil {
			upstreams = append(upstreams, ap)
		}
	}
	a.state.SetUpstreamResolvers(upstreams)

	for _, res := range msg.Resources {
		parsed, err := parseResource(res)
		if err != nil {
			a.log.Warn("ignoring malformed resource", "error", err)
			continue
		}
		a.state.AddResource(parsed)
		a.applySites(res.Sites)
	}

	a.applyRelays(nil, msg.Relays, now)

	if err := a.tun.SetAddresses(v4, v6); err != nil {
		a.log.Error("configuring TUN addresses failed", "error", err)
	}
	a.pushTunState()
}

func (a *Agent) applySites(sites []portal.Site) {
	// Site membership of gateways arrives lazily via flow authorization;
	// sites themselves default to unknown status.
	for _, site := range sites {
		if id, err := uuid.Parse(site.ID); err == nil {
			a.state.SetSiteStatus(id, clientstate.SiteUnknown)
		}
	}
}

func (a *Agent) applyRelays(disconnected []string, connected []portal.Relay, now time.Time) {
	var toRemove []snownet.RelayID
	for _, raw := range disconnected {
		if id, err := uuid.Parse(raw); err == nil {
			toRemove = append(toRemove, id)
		}
	}

	var toAdd []snownet.RelayConfig
	for _, relay := range connected {
		id, err := uuid.Parse(relay.ID)
		if err != nil {
			continue
		}
		var socket snownet.RelaySocket
		if relay.AddrV4 != "" {
			if ap, err := netip.ParseAddrPort(relay.AddrV4); err == nil {
				socket.V4 = ap
			}
		}
		if relay.AddrV6 != "" {
			if ap, err := netip.ParseAddrPort(relay.AddrV6); err == nil {
				socket.V6 = ap
			}
		}
		toAdd = append(toAdd, snownet.RelayConfig{
			ID:       id,
			Socket:   socket,
			Username: relay.Username,
			Password: relay.Password,
			Realm:    relay.Realm,
		})
	}

	a.node.UpdateRelays(toRemove, toAdd, now)
}

func (a *Agent) applyFlowCreated(msg *portal.FlowCreatedMessage, now time.Time) {
	resource, err := uuid.Parse(msg.ResourceID)
	if err != nil {
		return
	}
	gateway, err := uuid.Parse(msg.GatewayID)
	if err != nil {
		return
	}
	site, _ := uuid.Parse(msg.SiteID)

	gatewayKey, err := config.ParseKey(msg.GatewayPublicKey)
	if err != nil {
		a.log.Warn("flow with invalid gateway key", "error", err)
		return
	}
	psk, err := config.ParseKey(msg.PresharedKey)
	if err != nil {
		a.log.Warn("flow with invalid preshared key", "error", err)
		return
	}

	local := iceagent.Credentials{UFrag: msg.ClientICEUsername, Pwd: msg.ClientICEPassword}
	remote := iceagent.Credentials{UFrag: msg.GatewayICEUsername, Pwd: msg.GatewayICEPassword}
	if err := a.node.UpsertConnection(gateway, local, remote, gatewayKey, psk, now); err != nil {
		a.log.Error("upserting connection failed", "gateway", gateway, "error", err)
		return
	}
	a.node.MarkIntentSent(gateway, now)

	gw4, _ := netip.ParseAddr(msg.GatewayIPv4)
	gw6, _ := netip.ParseAddr(msg.GatewayIPv6)
	a.state.SetSiteGateways(site, []clientstate.GatewayID{gateway})
	a.state.HandleFlowCreated(clientstate.FlowAuthorization{
		Resource:       resource,
		Gateway:        gateway,
		Site:           site,
		GatewayTunnel4: gw4,
		GatewayTunnel6: gw6,
	}, now)
}

// flush drains every staged output queue.
func (a *Agent) flush(ctx context.Context) {
	now := time.Now()

	// Policy layer first: its gateway packets feed the node.
	for {
		gp, ok := a.state.PollGatewayPacket()
		if !ok {
			break
		}
		if err := a.node.Encapsulate(gp.Gateway, gp.Packet, now); err != nil {
			a.log.Debug("encapsulating packet failed", "gateway", gp.Gateway, "error", err)
		}
	}
	for {
		packet, ok := a.state.PollTunPacket()
		if !ok {
			break
		}
		if err := a.tun.Write(packet); err != nil {
			a.log.Debug("writing to TUN failed", "error", err)
		}
	}
	for {
		q, ok := a.state.PollHostQuery()
		if !ok {
			break
		}
		if err := a.dns.Send(q.Upstream, q.Payload); err != nil {
			a.log.Debug("host DNS query failed", "error", err)
		}
	}
	for {
		ev, ok := a.state.PollEvent()
		if !ok {
			break
		}
		a.handleStateEvent(ctx, ev, now)
	}

	for {
		ev, ok := a.node.PollEvent()
		if !ok {
			break
		}
		a.handleNodeEvent(ctx, ev)
	}
	for {
		t, ok := a.node.PollTransmit()
		if !ok {
			break
		}
		if err := a.sock.Send(t); err != nil {
			a.log.Debug("sending datagram failed", "dst", t.Dst, "error", err)
		}
	}

	a.updateStatus(now)
}

// updateStatus refreshes the snapshot served over the control socket.
// Only the event loop writes it; Status reads it from any goroutine.
func (a *Agent) updateStatus(now time.Time) {
	routes := a.state.Routes()
	rawRoutes := make([]string, 0, len(routes))
	for _, r := range routes {
		rawRoutes = append(rawRoutes, r.String())
	}

	conns := a.node.Connections()
	gateways := make([]control.GatewayStatus, 0, len(conns))
	for _, c := range conns {
		gateways = append(gateways, control.GatewayStatus{
			ID:              c.ID.String(),
			State:           c.State,
			PeerSocket:      c.PeerSocket,
			PacketsSent:     c.Stats.PacketsSent,
			PacketsReceived: c.Stats.PacketsReceived,
			BytesSent:       c.Stats.BytesSent,
			BytesReceived:   c.Stats.BytesReceived,
		})
	}

	a.statusMu.Lock()
	a.status = control.Status{
		Device:        a.cfg.Device.Name,
		PortalURL:     a.cfg.Portal.URL,
		Routes:        rawRoutes,
		UptimeSeconds: now.Sub(a.startedAt).Seconds(),
		Gateways:      gateways,
	}
	a.statusMu.Unlock()
}

// Status returns the latest agent snapshot for the control server.
func (a *Agent) Status() control.Status {
	a.statusMu.Lock()
	defer a.statusMu.Unlock()
	return a.status
}

func (a *Agent) handleStateEvent(ctx context.Context, ev clientstate.Event, now time.Time) {
	switch ev := ev.(type) {
	case clientstate.ConnectionIntent:
		ids := make([]string, 0, len(ev.PreferredGateways))
		for _, gw := range ev.PreferredGateways {
			ids = append(ids, gw.String())
		}
		err := a.portal.Send(ctx, &portal.CreateFlowMessage{
			ResourceID:          ev.Resource.String(),
			ConnectedGatewayIDs: ids,
		})
		if err != nil {
			a.log.Warn("sending connection intent failed", "resource", ev.Resource, "error", err)
		}

	case clientstate.GatewayUnused:
		a.log.Info("closing unused gateway connection", "gateway", ev.Gateway)
		if err := a.node.CloseConnection(ev.Gateway, goodbyePacket(), now); err != nil {
			a.log.Debug("closing connection failed", "error", err)
		}
	}
}

func (a *Agent) handleNodeEvent(ctx context.Context, ev snownet.Event) {
	switch ev := ev.(type) {
	case snownet.NewIceCandidate:
		err := a.portal.Send(ctx, &portal.ICECandidatesMessage{
			GatewayIDs: []string{ev.Conn.String()},
			Candidates: []string{ev.Candidate},
		})
		if err != nil {
			a.log.Debug("signalling candidate failed", "error", err)
		}

	case snownet.InvalidateIceCandidate:
		err := a.portal.Send(ctx, &portal.InvalidateICECandidatesMessage{
			GatewayIDs: []string{ev.Conn.String()},
			Candidates: []string{ev.Candidate},
		})
		if err != nil {
			a.log.Debug("invalidating candidate failed", "error", err)
		}

	case snownet.ConnectionEstablished:
		a.log.Info("tunnel established", "gateway", ev.Conn)

	case snownet.ConnectionFailed:
		a.log.Warn("tunnel failed", "gateway", ev.Conn)

	case snownet.ConnectionClosed:
		a.log.Info("tunnel closed", "gateway", ev.Conn)
	}
}

// pushTunState reconciles routes and DNS servers onto the TUN device.
func (a *Agent) pushTunState() {
	if err := a.tun.SetRoutes(a.state.Routes()); err != nil {
		a.log.Error("installing routes failed", "error", err)
	}
	if err := a.tun.SetDNS(a.state.Sentinels()); err != nil {
		a.log.Error("installing DNS servers failed", "error", err)
	}
}

func (a *Agent) shutdown() {
	a.node.CloseAll(goodbyePacket(), time.Now())
	a.flush(context.Background())
	_ = a.tun.Close()
	_ = a.sock.Close()
	_ = a.dns.Close()
}

// goodbyePacket builds the in-tunnel control frame asking the peer to
// drop the connection immediately.
func goodbyePacket() []byte {
	return p2pcontrol.EncodeGoodbye()
}
