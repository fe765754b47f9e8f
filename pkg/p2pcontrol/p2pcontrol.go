// Package p2pcontrol defines the in-tunnel control framing exchanged
// between client and gateway: small IP-carried messages with an event
// type byte and a JSON payload. It is deliberately dependency-free so
// both ends can share it.
package p2pcontrol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Magic identifies a control frame; the version byte allows evolving the
// payload encoding.
var magic = [2]byte{'F', 'G'}

// Version is the current framing version.
const Version = 1

// HeaderSize is the fixed frame header length: magic, version, event and
// four reserved bytes.
const HeaderSize = 8

// Event types.
const (
	// GoodbyeEvent tells the peer to remove its side of the connection
	// immediately instead of waiting for timeouts.
	GoodbyeEvent byte = 0x01

	// DomainStatusEvent carries proxy-IP NAT synchronisation from the
	// gateway: which real addresses a DNS resource's domain resolved to.
	DomainStatusEvent byte = 0x02
)

var (
	// ErrNotControl is returned when a buffer does not start with the
	// control magic.
	ErrNotControl = errors.New("not a p2p control frame")

	// ErrUnsupportedVersion is returned for frames from a newer client.
	ErrUnsupportedVersion = errors.New("unsupported control frame version")
)

// DomainStatus is the payload of DomainStatusEvent.
type DomainStatus struct {
	ResourceID string   `json:"resourceId"`
	Domain     string   `json:"domain"`
	Addresses  []string `json:"addresses"`
}

// Encode builds a control frame.
func Encode(event byte, payload []byte) []byte {
	frame := make([]byte, HeaderSize+len(payload))
	frame[0], frame[1] = magic[0], magic[1]
	frame[2] = Version
	frame[3] = event
	copy(frame[HeaderSize:], payload)
	return frame
}

// EncodeGoodbye builds the goodbye frame.
func EncodeGoodbye() []byte {
	return Encode(GoodbyeEvent, nil)
}

// EncodeDomainStatus builds a domain-status frame.
func EncodeDomainStatus(status DomainStatus) ([]byte, error) {
	payload, err := json.Marshal(status)
	if err != nil {
		return nil, fmt.Errorf("encoding domain status: %w", err)
	}
	return Encode(DomainStatusEvent, payload), nil
}

// Decode splits a frame into event and payload. Buffers that are not
// control frames return ErrNotControl so callers can fall through to
// normal packet handling.
func Decode(frame []byte) (byte, []byte, error) {
	if len(frame) < HeaderSize || frame[0] != magic[0] || frame[1] != magic[1] {
		return 0, nil, ErrNotControl
	}
	if frame[2] > Version {
		return 0, nil, ErrUnsupportedVersion
	}
	return frame[3], frame[HeaderSize:], nil
}

// DecodeDomainStatus parses a DomainStatusEvent payload.
func DecodeDomainStatus(payload []byte) (DomainStatus, error) {
	var status DomainStatus
	if err := json.Unmarshal(payload, &status); err != nil {
		return DomainStatus{}, fmt.Errorf("decoding domain status: %w", err)
	}
	return status, nil
}
