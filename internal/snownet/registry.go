package snownet

import (
	"time"

	"github.com/floegate/floegate/internal/config"
	"github.com/floegate/floegate/internal/iceagent"
)

// InitialConnection is the client-side pre-answer holder: the ICE agent
// and session key exist, the remote answer does not yet.
type InitialConnection struct {
	agent      *iceagent.Agent
	sessionKey config.Key

	relay    RelayID
	hasRelay bool

	createdAt    time.Time
	intentSentAt time.Time
	failed       bool

	transmits []Transmit
}

// connections is the two-tier registry: initial connections by id, and
// established connections by id with secondary indices by session index
// and by remote static key for O(1) lookups on inbound data and
// handshake-initiation packets.
type connections struct {
	initial     map[ConnID]*InitialConnection
	established map[ConnID]*Connection

	byIndex map[uint32]ConnID
	byKey   map[config.Key]ConnID
}

func newConnections() *connections {
	return &connections{
		initial:     make(map[ConnID]*InitialConnection),
		established: make(map[ConnID]*Connection),
		byIndex:     make(map[uint32]ConnID),
		byKey:       make(map[config.Key]ConnID),
	}
}

func (c *connections) addEstablished(conn *Connection) {
	delete(c.initial, conn.id)
	if previous, ok := c.established[conn.id]; ok {
		delete(c.byIndex, previous.index)
		delete(c.byKey, previous.remotePubKey)
	}
	c.established[conn.id] = conn
	c.byIndex[conn.index] = conn.id
	c.byKey[conn.remotePubKey] = conn.id
}

func (c *connections) removeEstablished(id ConnID) {
	conn, ok := c.established[id]
	if !ok {
		return
	}
	delete(c.established, id)
	delete(c.byIndex, conn.index)
	delete(c.byKey, conn.remotePubKey)
}

func (c *connections) bySessionIndex(index uint32) (*Connection, bool) {
	id, ok := c.byIndex[index]
	if !ok {
		return nil, false
	}
	conn, ok := c.established[id]
	return conn, ok
}

func (c *connections) byRemoteKey(key config.Key) (*Connection, bool) {
	id, ok := c.byKey[key]
	if !ok {
		return nil, false
	}
	conn, ok := c.established[id]
	return conn, ok
}

func (c *connections) isEmpty() bool {
	return len(c.initial) == 0 && len(c.established) == 0
}

// anyNonIdle reports whether at least one established connection is doing
// work; the handshake rate limiter only resets then.
func (c *connections) anyNonIdle() bool {
	for _, conn := range c.established {
		if conn.state != stateIdle {
			return true
		}
	}
	return false
}

// checkRelaysAvailable reconciles connections with the current allocation
// table after relays changed.
func (c *connections) checkRelaysAvailable(allocs map[RelayID]*Allocation, sample func() (RelayID, bool)) {
	for _, initial := range c.initial {
		if !initial.hasRelay {
			continue
		}
		if _, ok := allocs[initial.relay]; ok {
			continue
		}
		// The relay backing this pending connection disappeared;
		// re-sample so the eventual answer still has relay coverage.
		initial.relay, initial.hasRelay = sample()
	}

	for _, conn := range c.established {
		if !conn.hasRelay {
			continue
		}
		if _, ok := allocs[conn.relay]; ok {
			continue
		}

		switch conn.state {
		case stateConnecting:
			// ICE may still succeed through direct candidates.
			conn.hasRelay = false
		case stateConnected, stateIdle:
			if conn.peerSocket.Kind.sendsViaRelay() {
				conn.log.Info("relay of nominated path disappeared, failing connection")
				conn.state = stateFailed
			} else {
				conn.hasRelay = false
			}
		}
	}
}
