// Package tracker implements the C5 Tracker subsystem (spec.md §4.5):
// persistent TCP connections to configured tracker hosts, request/reply
// correlation by messageId, token storage, and NAT-traversal coordination
// toward Peer.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"bhid/application"
	"bhid/internal/atomicfile"
	"bhid/internal/config"
	"bhid/internal/wire"
)

var (
	ErrNoTracker = errors.New("tracker: not connected")
	ErrTimeout   = errors.New("tracker: request timed out")
)

// requestTimeout is spec.md §4.5's per-request wait: "expiry fires TIMEOUT
// back to the caller and removes the waiter."
const requestTimeout = 60 * time.Second

// server is one TrackerServer (spec.md §3): the live state for a single
// configured tracker host.
type server struct {
	name string
	addr string

	mu          sync.Mutex
	conn        net.Conn
	registered  bool
	daemonToken string
	masterToken string

	waitersMu sync.Mutex
	waiters   map[uuid.UUID]chan *wire.ServerMessage
}

func newServer(name string) *server {
	return &server{name: name, waiters: make(map[uuid.UUID]chan *wire.ServerMessage)}
}

func (s *server) addWaiter(id uuid.UUID, ch chan *wire.ServerMessage) {
	s.waitersMu.Lock()
	s.waiters[id] = ch
	s.waitersMu.Unlock()
}

func (s *server) takeWaiter(id uuid.UUID) (chan *wire.ServerMessage, bool) {
	s.waitersMu.Lock()
	defer s.waitersMu.Unlock()
	ch, ok := s.waiters[id]
	if ok {
		delete(s.waiters, id)
	}
	return ch, ok
}

func (s *server) failAllWaiters() {
	s.waitersMu.Lock()
	defer s.waitersMu.Unlock()
	for id, ch := range s.waiters {
		close(ch)
		delete(s.waiters, id)
	}
}

// Tracker implements application.Tracker: one server per configured
// tracker name, each independently reconnecting.
type Tracker struct {
	logger application.Logger
	paths  *config.Paths
	events application.TrackerEvents

	mu      sync.RWMutex
	servers map[string]*server
}

func New(logger application.Logger, paths *config.Paths) *Tracker {
	return &Tracker{logger: logger, paths: paths, servers: make(map[string]*server)}
}

func (t *Tracker) SetEvents(events application.TrackerEvents) { t.events = events }

func (t *Tracker) serverFor(name string) *server {
	t.mu.RLock()
	s, ok := t.servers[name]
	t.mu.RUnlock()
	if ok {
		return s
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.servers[name]; ok {
		return s
	}
	s = newServer(name)
	t.servers[name] = s
	return s
}

// Run dials tracker at addr with exponential backoff (0.5s→30s, jittered —
// spec.md §4.5) until ctx is cancelled, re-registering and firing
// Registered/Deregistered on every connect/disconnect (spec.md §8
// scenario 3: "after tracker restart, within 30 s the daemon re-registers").
func (t *Tracker) Run(ctx context.Context, trackerName, addr string) error {
	s := t.serverFor(trackerName)
	s.addr = addr
	s.daemonToken = t.loadDaemonToken(trackerName)
	s.masterToken = t.loadMasterToken(trackerName)

	for ctx.Err() == nil {
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = 500 * time.Millisecond
		bo.MaxInterval = 30 * time.Second
		bo.MaxElapsedTime = 0
		boCtx := backoff.WithContext(bo, ctx)

		var dialer net.Dialer
		var conn net.Conn
		err := backoff.Retry(func() error {
			c, dialErr := dialer.DialContext(ctx, "tcp", addr)
			if dialErr != nil {
				return dialErr
			}
			conn = c
			return nil
		}, boCtx)
		if err != nil {
			return nil // ctx cancelled before a dial succeeded
		}

		t.runConnection(ctx, s, conn)
	}
	return nil
}

func (t *Tracker) runConnection(ctx context.Context, s *server, conn net.Conn) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.conn = nil
		wasRegistered := s.registered
		s.registered = false
		s.mu.Unlock()
		conn.Close()
		s.failAllWaiters()
		if wasRegistered && t.events != nil {
			t.events.Deregistered(s.name)
		}
	}()

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-connCtx.Done()
		conn.Close()
	}()

	if err := t.register(ctx, s); err != nil {
		t.logger.Printf("tracker %s: register failed: %v", s.name, err)
		return
	}
	if t.events != nil {
		t.events.Registered(s.name)
	}

	for {
		payload, err := wire.ReadFrame(conn)
		if err != nil {
			return
		}
		msg, err := wire.UnmarshalServerMessage(payload)
		if err != nil {
			t.logger.Printf("tracker %s: malformed server message: %v", s.name, err)
			continue
		}
		t.dispatch(s, msg)
	}
}

func (t *Tracker) register(ctx context.Context, s *server) error {
	req := &wire.ClientMessage{ID: uuid.New(), Type: wire.MsgRegisterDaemon, Tracker: s.name, DaemonToken: s.daemonToken}
	reply, err := t.sendAndWait(ctx, s, req)
	if err != nil {
		return err
	}
	if reply.Result != wire.ResultAccepted {
		return fmt.Errorf("registration rejected: %v", reply.Result)
	}
	s.mu.Lock()
	s.registered = true
	if reply.DaemonToken != "" {
		s.daemonToken = reply.DaemonToken
	}
	token := s.daemonToken
	s.mu.Unlock()
	if token != "" {
		if err := t.persistDaemonToken(s.name, token); err != nil {
			t.logger.Printf("tracker %s: persist daemon token: %v", s.name, err)
		}
	}
	return nil
}

// dispatch routes an incoming ServerMessage to its waiting caller by
// messageId, or, if nothing is waiting, to the matching push event — those
// are the only message types the tracker originates unprompted (spec.md
// §4.5 "Events exposed upward").
func (t *Tracker) dispatch(s *server, msg *wire.ServerMessage) {
	if ch, ok := s.takeWaiter(msg.ID); ok {
		ch <- msg
		return
	}
	if t.events == nil {
		return
	}
	switch msg.Type {
	case wire.MsgConnectionsList:
		// Unsolicited connections_list push shares its wire type with the
		// request's own reply (spec.md §4.5); reaching here with no waiter
		// means the tracker, not a prior request, originated it.
		t.events.ConnectionsList(s.name, msg.Connections)
	case wire.MsgAddress:
		t.events.AddressRequest(s.name, msg.ConnectionName, msg.RequestID)
	case wire.MsgPunch:
		serverAddr := udpAddr(msg.ServerAddress, msg.ServerPort)
		clientAddr := udpAddr(msg.ClientAddress, msg.ClientPort)
		t.events.PunchRequest(s.name, msg.ConnectionName, serverAddr, clientAddr, msg.Parent)
	default:
		t.logger.Printf("tracker %s: unsolicited server message (type %v) with no waiter dropped", s.name, msg.Type)
	}
}

func udpAddr(host string, port uint32) *net.UDPAddr {
	if host == "" {
		return nil
	}
	return &net.UDPAddr{IP: net.ParseIP(host), Port: int(port)}
}

// Send implements application.Tracker.
func (t *Tracker) Send(ctx context.Context, trackerName string, req *wire.ClientMessage) (*wire.ServerMessage, error) {
	return t.sendAndWait(ctx, t.serverFor(trackerName), req)
}

func (t *Tracker) sendAndWait(ctx context.Context, s *server, req *wire.ClientMessage) (*wire.ServerMessage, error) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return nil, ErrNoTracker
	}

	if req.ID == uuid.Nil {
		req.ID = uuid.New()
	}
	ch := make(chan *wire.ServerMessage, 1)
	s.addWaiter(req.ID, ch)

	if err := wire.WriteFrame(conn, req.Marshal()); err != nil {
		s.takeWaiter(req.ID)
		return nil, fmt.Errorf("tracker %s: write request: %w", s.name, err)
	}

	timer := time.NewTimer(requestTimeout)
	defer timer.Stop()
	select {
	case reply, ok := <-ch:
		if !ok {
			return nil, ErrNoTracker
		}
		return reply, nil
	case <-timer.C:
		s.takeWaiter(req.ID)
		return nil, ErrTimeout
	case <-ctx.Done():
		s.takeWaiter(req.ID)
		return nil, ctx.Err()
	}
}

// StatusUpdate implements application.SessionStatusSink. Best-effort: if
// the tracker is disconnected the update is simply dropped rather than
// queued (spec.md §7 partial-failure rule).
func (t *Tracker) StatusUpdate(connectionName string, liveSessions int) {
	trackerName := trackerFromName(connectionName)
	s := t.serverFor(trackerName)
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return
	}
	msg := &wire.ClientMessage{
		ID:             uuid.New(),
		Type:           wire.MsgStatus,
		Tracker:        trackerName,
		ConnectionName: connectionName,
		SessionCount:   uint32(liveSessions),
	}
	_ = wire.WriteFrame(conn, msg.Marshal())
}

func trackerFromName(name string) string {
	if idx := strings.IndexByte(name, '#'); idx >= 0 {
		return name[:idx]
	}
	return name
}

// LookupIdentity implements application.IdentityResolver for Crypter
// (spec.md §4.1 step 2).
func (t *Tracker) LookupIdentity(ctx context.Context, trackerName, identity string) (string, []byte, error) {
	req := &wire.ClientMessage{ID: uuid.New(), Type: wire.MsgLookupIdentity, Tracker: trackerName, Identity: identity}
	reply, err := t.Send(ctx, trackerName, req)
	if err != nil {
		return "", nil, err
	}
	if reply.Result != wire.ResultAccepted {
		return "", nil, fmt.Errorf("tracker %s: identity %q not found", trackerName, identity)
	}
	return reply.PeerName, reply.PeerKey, nil
}

func (t *Tracker) GetToken(trackerName string) string {
	s := t.serverFor(trackerName)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.daemonToken
}

// Connected reports whether trackerName currently has a live registered
// connection (spec.md §9).
func (t *Tracker) Connected(trackerName string) bool {
	s := t.serverFor(trackerName)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registered
}

func (t *Tracker) GetMasterToken(trackerName string) string {
	s := t.serverFor(trackerName)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.masterToken
}

func (t *Tracker) SetMasterToken(trackerName, token string) error {
	s := t.serverFor(trackerName)
	s.mu.Lock()
	s.masterToken = token
	s.mu.Unlock()
	return t.persistMasterToken(trackerName, token)
}

func (t *Tracker) SetDaemonToken(trackerName, token string) error {
	s := t.serverFor(trackerName)
	s.mu.Lock()
	s.daemonToken = token
	s.mu.Unlock()
	return t.persistDaemonToken(trackerName, token)
}

func (t *Tracker) persistMasterToken(trackerName, token string) error {
	path := t.paths.MasterTokenPath(trackerName)
	mode := atomicfile.ModeOrDefault(path, 0o600)
	return atomicfile.Write(path, []byte(token), mode)
}

func (t *Tracker) persistDaemonToken(trackerName, token string) error {
	path := t.paths.DaemonTokenPath(trackerName)
	mode := atomicfile.ModeOrDefault(path, 0o600)
	return atomicfile.Write(path, []byte(token), mode)
}

func (t *Tracker) loadDaemonToken(trackerName string) string {
	b, err := os.ReadFile(t.paths.DaemonTokenPath(trackerName))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}

func (t *Tracker) loadMasterToken(trackerName string) string {
	b, err := os.ReadFile(t.paths.MasterTokenPath(trackerName))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}

var _ application.Tracker = (*Tracker)(nil)
