package agent

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/google/uuid"

	"github.com/floegate/floegate/internal/clientstate"
	"github.com/floegate/floegate/internal/portal"
)

// parseResource converts the portal's resource encoding into the policy
// layer's representation.
func parseResource(res portal.Resource) (clientstate.Resource, error) {
	id, err := uuid.Parse(res.ID)
	if err != nil {
		return clientstate.Resource{}, fmt.Errorf("resource id: %w", err)
	}

	out := clientstate.Resource{ID: id}

	for _, site := range res.Sites {
		siteID, err := uuid.Parse(site.ID)
		if err != nil {
			return clientstate.Resource{}, fmt.Errorf("site id: %w", err)
		}
		out.Sites = append(out.Sites, siteID)
	}

	for _, f := range res.Filters {
		filter, err := parseFilter(f)
		if err != nil {
			return clientstate.Resource{}, err
		}
		out.Filters = append(out.Filters, filter)
	}

	if res.ExpiresAt != "" {
		expires, err := time.Parse(time.RFC3339, res.ExpiresAt)
		if err != nil {
			return clientstate.Resource{}, fmt.Errorf("expiry: %w", err)
		}
		out.ExpiresAt = expires
	}

	switch res.Type {
	case "cidr":
		prefix, err := netip.ParsePrefix(res.Address)
		if err != nil {
			return clientstate.Resource{}, fmt.Errorf("cidr address: %w", err)
		}
		out.Kind = clientstate.ResourceCIDR
		out.Network = prefix
	case "dns":
		if res.Address == "" {
			return clientstate.Resource{}, fmt.Errorf("dns resource %s without address", res.ID)
		}
		out.Kind = clientstate.ResourceDNS
		out.Pattern = res.Address
	case "internet":
		out.Kind = clientstate.ResourceInternet
	default:
		return clientstate.Resource{}, fmt.Errorf("unknown resource type %q", res.Type)
	}

	return out, nil
}

func parseFilter(f portal.Filter) (clientstate.Filter, error) {
	out := clientstate.Filter{PortStart: f.PortStart, PortEnd: f.PortEnd}
	switch f.Protocol {
	case "tcp":
		out.Protocol = clientstate.FilterTCP
	case "udp":
		out.Protocol = clientstate.FilterUDP
	case "icmp":
		out.Protocol = clientstate.FilterICMP
	default:
		return clientstate.Filter{}, fmt.Errorf("unknown filter protocol %q", f.Protocol)
	}
	if out.PortEnd != 0 && out.PortEnd < out.PortStart {
		return clientstate.Filter{}, fmt.Errorf("inverted port range %d-%d", f.PortStart, f.PortEnd)
	}
	return out, nil
}
