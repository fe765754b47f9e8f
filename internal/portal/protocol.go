// Package portal implements the control-plane client: the message types
// exchanged with the portal and a reconnecting WebSocket transport. The
// portal is a collaborator of the connection core; everything here is a
// thin, typed pipe.
package portal

import (
	"encoding/json"
	"fmt"
)

// Message is implemented by all portal protocol messages. Every message
// is a JSON object with a "type" discriminator.
type Message interface {
	MessageType() string
}

// Interface describes the device's tunnel addresses as assigned by the
// portal.
type Interface struct {
	IPv4 string `json:"ipv4"`
	IPv6 string `json:"ipv6"`
}

// Site is a logical grouping of gateways.
type Site struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Filter is a traffic filter on a resource.
type Filter struct {
	Protocol  string `json:"protocol"` // "tcp", "udp" or "icmp"
	PortStart uint16 `json:"portRangeStart,omitempty"`
	PortEnd   uint16 `json:"portRangeEnd,omitempty"`
}

// Resource is the portal's encoding of one resource.
type Resource struct {
	ID      string   `json:"id"`
	Type    string   `json:"type"` // "cidr", "dns" or "internet"
	Address string   `json:"address,omitempty"`
	Filters []Filter `json:"filters,omitempty"`
	Sites   []Site   `json:"sites,omitempty"`

	// ExpiresAt is RFC 3339, empty for no expiry.
	ExpiresAt string `json:"expiresAt,omitempty"`
}

// Relay describes one TURN relay with its long-term credentials.
type Relay struct {
	ID       string `json:"id"`
	AddrV4   string `json:"addrV4,omitempty"`
	AddrV6   string `json:"addrV6,omitempty"`
	Username string `json:"username"`
	Password string `json:"password"`
	Realm    string `json:"realm"`
}

// InitMessage is the first message after connecting: full configuration.
type InitMessage struct {
	Interface Interface  `json:"interface"`
	Resources []Resource `json:"resources"`
	Relays    []Relay    `json:"relays"`
	Resolvers []string   `json:"upstreamResolvers,omitempty"`
}

func (InitMessage) MessageType() string { return "init" }

// ResourceUpdatedMessage adds or replaces one resource.
type ResourceUpdatedMessage struct {
	Resource Resource `json:"resource"`
}

func (ResourceUpdatedMessage) MessageType() string { return "resource-updated" }

// ResourceDeletedMessage removes a resource by id.
type ResourceDeletedMessage struct {
	ID string `json:"id"`
}

func (ResourceDeletedMessage) MessageType() string { return "resource-deleted" }

// RelaysPresenceMessage replaces relays: the listed ids disconnected, the
// listed relays joined.
type RelaysPresenceMessage struct {
	DisconnectedIDs []string `json:"disconnectedIds"`
	Connected       []Relay  `json:"connected"`
}

func (RelaysPresenceMessage) MessageType() string { return "relays-presence" }

// CreateFlowMessage is the client's connection intent.
type CreateFlowMessage struct {
	ResourceID          string   `json:"resourceId"`
	ConnectedGatewayIDs []string `json:"connectedGatewayIds,omitempty"`
}

func (CreateFlowMessage) MessageType() string { return "create-flow" }

// FlowCreatedMessage authorizes a flow: everything needed to reach the
// gateway.
type FlowCreatedMessage struct {
	ResourceID       string `json:"resourceId"`
	GatewayID        string `json:"gatewayId"`
	SiteID           string `json:"siteId"`
	GatewayPublicKey string `json:"gatewayPublicKey"`
	GatewayIPv4      string `json:"gatewayIpv4"`
	GatewayIPv6      string `json:"gatewayIpv6"`
	PresharedKey     string `json:"presharedKey"`

	ClientICEUsername  string `json:"clientIceUsername"`
	ClientICEPassword  string `json:"clientIcePassword"`
	GatewayICEUsername string `json:"gatewayIceUsername"`
	GatewayICEPassword string `json:"gatewayIcePassword"`
}

func (FlowCreatedMessage) MessageType() string { return "flow-created" }

// FlowFailedMessage reports that the portal could not authorize a flow.
type FlowFailedMessage struct {
	ResourceID string `json:"resourceId"`
	Reason     string `json:"reason"`
}

func (FlowFailedMessage) MessageType() string { return "flow-failed" }

// ICECandidatesMessage carries trickle candidates in either direction.
type ICECandidatesMessage struct {
	GatewayIDs []string `json:"gatewayIds"`
	Candidates []string `json:"candidates"`
}

func (ICECandidatesMessage) MessageType() string { return "ice-candidates" }

// InvalidateICECandidatesMessage withdraws previously signalled
// candidates.
type InvalidateICECandidatesMessage struct {
	GatewayIDs []string `json:"gatewayIds"`
	Candidates []string `json:"candidates"`
}

func (InvalidateICECandidatesMessage) MessageType() string { return "invalidate-ice-candidates" }

// messageTypes maps the wire discriminator to a factory.
var messageTypes = map[string]func() Message{
	"init":                      func() Message { return &InitMessage{} },
	"resource-updated":          func() Message { return &ResourceUpdatedMessage{} },
	"resource-deleted":          func() Message { return &ResourceDeletedMessage{} },
	"relays-presence":           func() Message { return &RelaysPresenceMessage{} },
	"create-flow":               func() Message { return &CreateFlowMessage{} },
	"flow-created":              func() Message { return &FlowCreatedMessage{} },
	"flow-failed":               func() Message { return &FlowFailedMessage{} },
	"ice-candidates":            func() Message { return &ICECandidatesMessage{} },
	"invalidate-ice-candidates": func() Message { return &InvalidateICECandidatesMessage{} },
}

// envelope is the wire format: the discriminator plus the message fields
// inline.
type envelope struct {
	Type string `json:"type"`
}

// Marshal encodes a message with its type discriminator.
func Marshal(msg Message) ([]byte, error) {
	inner, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", msg.MessageType(), err)
	}
	// Splice the discriminator into the object.
	if string(inner) == "{}" {
		return []byte(fmt.Sprintf(`{"type":%q}`, msg.MessageType())), nil
	}
	out := append([]byte(fmt.Sprintf(`{"type":%q,`, msg.MessageType())), inner[1:]...)
	return out, nil
}

// Unmarshal decodes a message by its discriminator.
func Unmarshal(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decoding envelope: %w", err)
	}
	factory, ok := messageTypes[env.Type]
	if !ok {
		return nil, fmt.Errorf("unknown message type %q", env.Type)
	}
	msg := factory()
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", env.Type, err)
	}
	return msg, nil
}
