package control

import (
	"path/filepath"
	"testing"
	"time"
)

func TestStatusRoundTrip(t *testing.T) {
	t.Parallel()

	socket := filepath.Join(t.TempDir(), "control.sock")
	want := Status{
		Device:    "laptop",
		PortalURL: "wss://portal.example.com/client",
		Routes:    []string{"10.0.0.0/24"},
		Gateways: []GatewayStatus{{
			ID:          "50000000-0000-0000-0000-000000000001",
			State:       "connected",
			PeerSocket:  "peer-to-peer",
			PacketsSent: 42,
		}},
	}

	srv := NewServer(socket, func() Status { return want }, nil)
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer srv.Stop()

	got, err := QueryStatus(socket, 2*time.Second)
	if err != nil {
		t.Fatalf("QueryStatus: %v", err)
	}
	if got.Device != want.Device || got.PortalURL != want.PortalURL {
		t.Errorf("status mismatch: %+v", got)
	}
	if len(got.Gateways) != 1 || got.Gateways[0].PacketsSent != 42 {
		t.Errorf("gateways: %+v", got.Gateways)
	}
}

func TestQueryStatusWithoutAgent(t *testing.T) {
	t.Parallel()

	if _, err := QueryStatus(filepath.Join(t.TempDir(), "missing.sock"), time.Second); err == nil {
		t.Error("expected an error when no agent is listening")
	}
}
