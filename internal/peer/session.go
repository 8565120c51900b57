package peer

import (
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
)

// sessionState is PeerSession's state machine (spec.md §4.4):
// NEW → HANDSHAKING → VERIFYING → ESTABLISHED → CLOSING → CLOSED.
type sessionState int

const (
	stateNew sessionState = iota
	stateHandshaking
	stateVerifying
	stateEstablished
	stateClosing
	stateClosed
)

// role records which side of the handshake this session played.
type role int

const (
	roleInbound role = iota
	roleOutbound
)

// bindTimeout tears down a session that never learns its connection name
// (spec.md §4.4 "e.g. 30 s").
const bindTimeout = 30 * time.Second

// byeLinger is how long CLOSING waits before closing the UTP stream, to
// let the peer log the rejection (spec.md §4.4).
const byeLinger = 3 * time.Second

// peerSession is one PeerSession (spec.md §3).
type peerSession struct {
	id   uuid.UUID
	conn net.Conn
	role role

	writeCh chan []byte

	mu             sync.Mutex
	state          sessionState
	connectionName string
	verified       bool
	accepted       bool
	peerName       string
	encrypted      bool
	mutualSent     bool

	bindTimer *time.Timer
	closeOnce sync.Once
	doneCh    chan struct{}
}

func newPeerSession(id uuid.UUID, conn net.Conn, r role) *peerSession {
	return &peerSession{
		id:      id,
		conn:    conn,
		role:    r,
		state:   stateNew,
		writeCh: make(chan []byte, 64),
		doneCh:  make(chan struct{}),
	}
}

func (s *peerSession) setState(st sessionState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *peerSession) getState() sessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// bind records the connection name the first time it is learned, rejecting
// a later mismatch (spec.md §4.4 "Session binding").
func (s *peerSession) bind(name string) (ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connectionName == "" {
		s.connectionName = name
		return true
	}
	return s.connectionName == name
}

func (s *peerSession) name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectionName
}

func (s *peerSession) setEncrypted(v bool) {
	s.mu.Lock()
	s.encrypted = v
	s.mu.Unlock()
}

func (s *peerSession) encryptedFlag() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.encrypted
}

// markMutualSent reports whether this call is the first to claim the
// mutual-authentication ConnectRequest send, so the server-role
// verification path issues it at most once per session.
func (s *peerSession) markMutualSent() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mutualSent {
		return false
	}
	s.mutualSent = true
	return true
}

func (s *peerSession) setVerified(peerName string) {
	s.mu.Lock()
	s.verified = true
	s.peerName = peerName
	s.mu.Unlock()
}

func (s *peerSession) setAccepted() {
	s.mu.Lock()
	s.accepted = true
	s.mu.Unlock()
}

// establishedReady reports whether both verified and accepted are true
// (spec.md §3 invariant "established ⇔ verified ∧ accepted").
func (s *peerSession) establishedReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.verified && s.accepted
}

func (s *peerSession) isClosed() bool {
	select {
	case <-s.doneCh:
		return true
	default:
		return false
	}
}

func (s *peerSession) closeLocal() {
	s.closeOnce.Do(func() {
		close(s.doneCh)
		s.conn.Close()
		if s.bindTimer != nil {
			s.bindTimer.Stop()
		}
	})
}
