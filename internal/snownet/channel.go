package snownet

import (
	"net/netip"
	"time"

	"github.com/floegate/floegate/internal/stunattr"
)

const (
	// channelLifetime is how long a relay keeps a channel binding alive
	// without a refresh (RFC 5766 section 11).
	channelLifetime = 10 * time.Minute

	// channelRebindTimeout is the additional wait before a channel number
	// may be bound to a different peer.
	channelRebindTimeout = 5 * time.Minute
)

// channel tracks one TURN channel binding. bound is false while the
// CHANNEL-BIND request is in flight.
type channel struct {
	peer    netip.AddrPort
	bound   bool
	boundAt time.Time

	lastReceived time.Time
}

// connectedToPeer reports whether data can currently be sent to peer on
// this channel. Past its lifetime the relay has de-allocated the channel.
func (c *channel) connectedToPeer(peer netip.AddrPort, now time.Time) bool {
	return c.peer == peer && c.age(now) < channelLifetime && c.bound
}

// inflightToPeer reports whether this channel is bound or being bound to
// peer.
func (c *channel) inflightToPeer(peer netip.AddrPort, now time.Time) bool {
	return c.peer == peer && c.age(now) < channelLifetime
}

func (c *channel) boundToPeer(peer netip.AddrPort, now time.Time) bool {
	return c.peer == peer && c.age(now) < channelLifetime+channelRebindTimeout && c.bound
}

// canRebind reports whether the channel number may be reused for a new
// peer: no data was ever received and the full lifetime plus the rebind
// grace period have passed.
func (c *channel) canRebind(now time.Time) bool {
	return c.noActivity() && c.age(now) >= channelLifetime+channelRebindTimeout
}

// needsRefresh reports whether the channel should be re-bound to keep it
// alive: it is past half its lifetime and has seen traffic since binding.
func (c *channel) needsRefresh(now time.Time) bool {
	if c.age(now) < channelLifetime/2 {
		return false
	}
	return !c.noActivity()
}

func (c *channel) noActivity() bool {
	return c.lastReceived.Equal(c.boundAt)
}

func (c *channel) age(now time.Time) time.Duration {
	return now.Sub(c.boundAt)
}

func (c *channel) setConfirmed(now time.Time) {
	c.bound = true
	c.boundAt = now
	c.lastReceived = now
}

// channelBindings is the per-allocation table of channel numbers. Channel
// numbers are handed out round-robin from the TURN range and never reuse a
// live entry.
type channelBindings struct {
	inner       map[uint16]*channel
	nextChannel uint16
}

func newChannelBindings() *channelBindings {
	return &channelBindings{
		inner:       make(map[uint16]*channel),
		nextChannel: stunattr.FirstChannel,
	}
}

// tryHandlePacket resolves an inbound channel-data message to the bound
// peer and records the activity. Returns an invalid peer if the channel is
// unknown or not yet confirmed.
func (c *channelBindings) tryHandlePacket(number uint16, now time.Time) (netip.AddrPort, bool) {
	ch, ok := c.inner[number]
	if !ok || !ch.bound {
		return netip.AddrPort{}, false
	}
	ch.lastReceived = now
	return ch.peer, true
}

// newChannelToPeer returns the channel number to use for peer, creating an
// unconfirmed entry if none exists. Returns false when all 4096 numbers
// are occupied by channels that cannot be rebound yet.
func (c *channelBindings) newChannelToPeer(peer netip.AddrPort, now time.Time) (uint16, bool) {
	if number, ok := c.boundChannelToPeer(peer, now); ok {
		return number, ok
	}

	number, ok := c.nextChannelNumber(now)
	if !ok {
		return 0, false
	}

	if number == stunattr.LastChannel {
		c.nextChannel = stunattr.FirstChannel
	} else {
		c.nextChannel = number + 1
	}

	c.inner[number] = &channel{
		peer:         peer,
		boundAt:      now,
		lastReceived: now,
	}
	return number, true
}

// nextChannelNumber cycles through the channel range starting at
// nextChannel, returning the first number that is free or whose existing
// binding can be rebound.
func (c *channelBindings) nextChannelNumber(now time.Time) (uint16, bool) {
	span := int(stunattr.LastChannel-stunattr.FirstChannel) + 1
	for i := 0; i < span; i++ {
		number := stunattr.FirstChannel + uint16((int(c.nextChannel-stunattr.FirstChannel)+i)%span)
		ch, ok := c.inner[number]
		if !ok || ch.canRebind(now) {
			return number, true
		}
	}
	return 0, false
}

// channelRefresh is a (number, peer) pair due for a refresh, snapshotted
// before queuing so the bindings table is not mutated mid-iteration.
type channelRefresh struct {
	number uint16
	peer   netip.AddrPort
}

// channelsToRefresh collects the channels due for a refresh, skipping
// those with a CHANNEL-BIND already in flight.
func (c *channelBindings) channelsToRefresh(now time.Time, isInflight func(uint16) bool) []channelRefresh {
	var out []channelRefresh
	for number, ch := range c.inner {
		if !ch.needsRefresh(now) || isInflight(number) {
			continue
		}
		out = append(out, channelRefresh{number: number, peer: ch.peer})
	}
	return out
}

func (c *channelBindings) connectedChannelToPeer(peer netip.AddrPort, now time.Time) (uint16, bool) {
	for number, ch := range c.inner {
		if ch.connectedToPeer(peer, now) {
			return number, true
		}
	}
	return 0, false
}

func (c *channelBindings) inflightChannelToPeer(peer netip.AddrPort, now time.Time) (uint16, bool) {
	for number, ch := range c.inner {
		if ch.inflightToPeer(peer, now) {
			return number, true
		}
	}
	return 0, false
}

func (c *channelBindings) boundChannelToPeer(peer netip.AddrPort, now time.Time) (uint16, bool) {
	for number, ch := range c.inner {
		if ch.boundToPeer(peer, now) {
			return number, true
		}
	}
	return 0, false
}

func (c *channelBindings) handleFailedBinding(number uint16) {
	delete(c.inner, number)
}

func (c *channelBindings) setConfirmed(number uint16, now time.Time) bool {
	ch, ok := c.inner[number]
	if !ok {
		return false
	}
	ch.setConfirmed(now)
	return true
}

func (c *channelBindings) clear() {
	c.inner = make(map[uint16]*channel)
}
