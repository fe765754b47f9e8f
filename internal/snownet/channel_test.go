package snownet

import (
	"fmt"
	"net/netip"
	"testing"
	"time"

	"github.com/floegate/floegate/internal/stunattr"
)

var channelEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func peerN(n int) netip.AddrPort {
	return netip.MustParseAddrPort(fmt.Sprintf("10.0.%d.%d:1000", n/256, n%256))
}

func TestChannelNumbersStayInRange(t *testing.T) {
	t.Parallel()

	c := newChannelBindings()
	seen := make(map[uint16]netip.AddrPort)

	for i := 0; i < 4096; i++ {
		number, ok := c.newChannelToPeer(peerN(i), channelEpoch)
		if !ok {
			t.Fatalf("bind %d failed", i)
		}
		if number < stunattr.FirstChannel || number > stunattr.LastChannel {
			t.Fatalf("channel %#x out of range", number)
		}
		if other, dup := seen[number]; dup {
			t.Fatalf("channel %#x assigned to both %v and %v", number, other, peerN(i))
		}
		seen[number] = peerN(i)
	}
}

func TestChannelExhaustionAndRecycling(t *testing.T) {
	t.Parallel()

	c := newChannelBindings()
	for i := 0; i < 4096; i++ {
		if _, ok := c.newChannelToPeer(peerN(i), channelEpoch); !ok {
			t.Fatalf("bind %d failed", i)
		}
	}

	// 4097th distinct peer: every number is taken and none can be
	// rebound yet.
	if _, ok := c.newChannelToPeer(peerN(5000), channelEpoch); ok {
		t.Fatal("bind succeeded with all channels occupied")
	}

	// After the lifetime plus the rebind grace, with no activity on any
	// channel, the first number is recycled.
	later := channelEpoch.Add(channelLifetime + channelRebindTimeout)
	number, ok := c.newChannelToPeer(peerN(5000), later)
	if !ok {
		t.Fatal("bind after expiry failed")
	}
	if number != stunattr.FirstChannel {
		t.Errorf("recycled channel: got %#x, want %#x", number, stunattr.FirstChannel)
	}
}

func TestBoundChannelWithActivityIsNotRecycled(t *testing.T) {
	t.Parallel()

	c := newChannelBindings()
	number, _ := c.newChannelToPeer(peerN(1), channelEpoch)
	c.setConfirmed(number, channelEpoch)

	// Record traffic: the channel must then never be handed to another
	// peer, no matter how old it is.
	if _, ok := c.tryHandlePacket(number, channelEpoch.Add(time.Minute)); !ok {
		t.Fatal("bound channel did not accept a packet")
	}

	later := channelEpoch.Add(2 * (channelLifetime + channelRebindTimeout))
	got, ok := c.nextChannelNumber(later)
	if !ok {
		t.Fatal("no channel number available")
	}
	if got == number {
		t.Errorf("active channel %#x was offered for rebinding", number)
	}
}

func TestChannelRefreshRules(t *testing.T) {
	t.Parallel()

	c := newChannelBindings()
	active, _ := c.newChannelToPeer(peerN(1), channelEpoch)
	c.setConfirmed(active, channelEpoch)
	idle, _ := c.newChannelToPeer(peerN(2), channelEpoch)
	c.setConfirmed(idle, channelEpoch)

	// Only the channel with received traffic needs refreshing.
	c.tryHandlePacket(active, channelEpoch.Add(time.Minute))

	at := channelEpoch.Add(channelLifetime / 2)
	refreshes := c.channelsToRefresh(at, func(uint16) bool { return false })
	if len(refreshes) != 1 || refreshes[0].number != active {
		t.Errorf("refreshes: got %v, want exactly channel %#x", refreshes, active)
	}

	// In-flight channels are skipped.
	refreshes = c.channelsToRefresh(at, func(n uint16) bool { return n == active })
	if len(refreshes) != 0 {
		t.Errorf("in-flight channel still scheduled: %v", refreshes)
	}
}

func TestUnconfirmedChannelDropsPackets(t *testing.T) {
	t.Parallel()

	c := newChannelBindings()
	number, _ := c.newChannelToPeer(peerN(1), channelEpoch)

	if _, ok := c.tryHandlePacket(number, channelEpoch); ok {
		t.Error("unbound channel accepted a packet")
	}
}
