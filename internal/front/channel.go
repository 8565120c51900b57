package front

import (
	"net"
	"sync"

	"github.com/google/uuid"
)

// connState is a Channel's three-state "connected" attribute (spec.md §3).
type connState int

const (
	connUnknown connState = iota
	connEstablished
	connFailed
)

// MaxChannelBufferBytes bounds the bytes in flight per channel before local
// reads pause (spec.md §4.3: "implementation-defined, e.g. 256 KiB").
const MaxChannelBufferBytes = 256 * 1024

// readChunkBytes is the unit pump() reads and forwards per DATA message; the
// semaphore below has MaxChannelBufferBytes/readChunkBytes permits so total
// unacknowledged reads never exceed the cap.
const readChunkBytes = 4 * 1024

// channel is one Front-level Channel (spec.md §3): a local socket tunneled
// through a PeerSession, identified by a UUID allocated by the originator.
type channel struct {
	id             uuid.UUID
	sessionID      uuid.UUID
	connectionName string

	mu        sync.Mutex
	conn      net.Conn
	connected connState
	buffer    []byte // bytes received from the peer before the local dial completed
	closed    bool

	permits chan struct{}
}

func newChannel(id, sessionID uuid.UUID, connectionName string) *channel {
	permits := make(chan struct{}, MaxChannelBufferBytes/readChunkBytes)
	for i := 0; i < cap(permits); i++ {
		permits <- struct{}{}
	}
	return &channel{id: id, sessionID: sessionID, connectionName: connectionName, permits: permits}
}

// attach binds the now-connected local socket and flushes anything buffered
// while the dial was in flight (spec.md §3: "buffer drains atomically on
// CONNECT→OPEN transition").
func (c *channel) attach(conn net.Conn) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = conn
	c.connected = connEstablished
	pending := c.buffer
	c.buffer = nil
	return pending
}

// bufferFromPeer appends bytes arriving from the peer before the local
// socket is connected yet (connector side, OPEN received but dial pending).
func (c *channel) bufferFromPeer(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected == connEstablished {
		return
	}
	c.buffer = append(c.buffer, data...)
}

func (c *channel) isConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected == connEstablished
}

func (c *channel) localConn() net.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// markClosed returns false if the channel was already closed, enforcing
// close idempotence (spec.md §3, §8).
func (c *channel) markClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	return true
}
