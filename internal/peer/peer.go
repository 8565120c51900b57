package peer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"bhid/application"
	"bhid/internal/wire"
)

var (
	ErrSessionNotFound = errors.New("peer: unknown session")
	ErrSessionClosed   = errors.New("peer: session closed")
)

// Peer implements application.Peer: UTP session establishment, the
// RSA/NaCl handshake, and inner-message dispatch to Front (spec.md §4.4).
type Peer struct {
	logger    application.Logger
	transport application.PeerTransport
	roleInfo  application.ConnectionRoleInfo

	front      application.Front
	crypter    application.Crypter
	statusSink application.SessionStatusSink

	mu       sync.RWMutex
	sessions map[uuid.UUID]*peerSession
}

func New(logger application.Logger, transport application.PeerTransport, roleInfo application.ConnectionRoleInfo) *Peer {
	return &Peer{
		logger:    logger,
		transport: transport,
		roleInfo:  roleInfo,
		sessions:  make(map[uuid.UUID]*peerSession),
	}
}

func (p *Peer) SetFront(f application.Front)               { p.front = f }
func (p *Peer) SetCrypter(c application.Crypter)            { p.crypter = c }
func (p *Peer) SetStatusSink(s application.SessionStatusSink) { p.statusSink = s }

// trackerFromName extracts the tracker prefix from a connection's full
// name (spec.md §3: name = "tracker#email/path").
func trackerFromName(name string) string {
	if idx := strings.IndexByte(name, '#'); idx >= 0 {
		return name[:idx]
	}
	return name
}

// Run accepts inbound UTP sessions until ctx is cancelled (spec.md §4.4
// "one shared [socket] per daemon... supports both accept-style and
// connect-style").
func (p *Peer) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		p.transport.Close()
	}()
	for {
		conn, err := p.transport.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			return fmt.Errorf("peer: accept: %w", err)
		}
		go p.handleInbound(conn)
	}
}

func (p *Peer) handleInbound(conn net.Conn) {
	sess := newPeerSession(uuid.New(), conn, roleInbound)
	p.addSession(sess)
	sess.bindTimer = time.AfterFunc(bindTimeout, func() {
		if sess.name() == "" {
			p.teardown(sess, "bind timeout")
		}
	})
	sess.setState(stateHandshaking)
	go p.writeLoop(sess)
	p.readLoop(sess)
}

// Connect originates an outbound session (client-role dialing per spec.md
// §4.4 "Rules per role").
func (p *Peer) Connect(ctx context.Context, conn application.Connection, remoteAddr string) (uuid.UUID, error) {
	netConn, err := p.transport.DialContext(ctx, remoteAddr)
	if err != nil {
		return uuid.Nil, fmt.Errorf("peer: dial %s: %w", remoteAddr, err)
	}

	sess := newPeerSession(uuid.New(), netConn, roleOutbound)
	sess.bind(conn.Name)
	sess.setEncrypted(conn.Encrypted)
	p.addSession(sess)

	if !p.crypter.Create(sess.id, conn.Name) {
		p.teardown(sess, "failed to create crypter session")
		return uuid.Nil, fmt.Errorf("peer: create crypter session for %s", conn.Name)
	}
	myPub, _ := p.crypter.MyPublicKey(sess.id)
	sig, err := p.crypter.Sign(myPub)
	if err != nil {
		p.teardown(sess, "sign failed")
		return uuid.Nil, fmt.Errorf("peer: sign connect request: %w", err)
	}

	sess.setState(stateHandshaking)
	go p.writeLoop(sess)
	go p.readLoop(sess)

	req := &wire.OuterMessage{
		Type:           wire.OuterConnectRequest,
		Identity:       p.crypter.Identity(),
		PublicKey:      myPub,
		Signature:      []byte(sig),
		Encrypted:      conn.Encrypted,
		ConnectionName: conn.Name,
	}
	if err := p.sendOuter(sess, req); err != nil {
		return uuid.Nil, err
	}
	return sess.id, nil
}

// Punch sends hole-punch UDP packets at remoteAddr on the shared socket
// (spec.md §4.5).
func (p *Peer) Punch(remoteAddr *net.UDPAddr) error {
	for i := 0; i < 3; i++ {
		if err := p.transport.WriteUDP([]byte{0}, remoteAddr); err != nil {
			return fmt.Errorf("peer: hole punch to %s: %w", remoteAddr, err)
		}
	}
	return nil
}

// SendAddressResponse transmits a framed ClientMessage{MsgAddress,
// RequestID} UDP datagram to trackerAddr, so the tracker can learn this
// daemon's externally observed (ip, port) (spec.md §4.5).
func (p *Peer) SendAddressResponse(trackerAddr *net.UDPAddr, requestID string) error {
	msg := &wire.ClientMessage{ID: uuid.New(), Type: wire.MsgAddress, RequestID: requestID}
	framed, err := wire.Frame(msg.Marshal())
	if err != nil {
		return fmt.Errorf("peer: frame address response: %w", err)
	}
	if err := p.transport.WriteUDP(framed, trackerAddr); err != nil {
		return fmt.Errorf("peer: send address response to %s: %w", trackerAddr, err)
	}
	return nil
}

func (p *Peer) readLoop(sess *peerSession) {
	for {
		payload, err := wire.ReadFrame(sess.conn)
		if err != nil {
			p.teardown(sess, "read error")
			return
		}
		outer, err := wire.UnmarshalOuter(payload)
		if err != nil {
			p.teardown(sess, "malformed outer message")
			return
		}
		p.handleOuter(sess, outer)
	}
}

func (p *Peer) writeLoop(sess *peerSession) {
	for {
		select {
		case b := <-sess.writeCh:
			if err := wire.WriteFrame(sess.conn, b); err != nil {
				p.teardown(sess, "write error")
				return
			}
		case <-sess.doneCh:
			return
		}
	}
}

func (p *Peer) sendOuter(sess *peerSession, outer *wire.OuterMessage) error {
	select {
	case sess.writeCh <- outer.Marshal():
		return nil
	case <-sess.doneCh:
		return ErrSessionClosed
	}
}

func (p *Peer) handleOuter(sess *peerSession, msg *wire.OuterMessage) {
	switch msg.Type {
	case wire.OuterConnectRequest:
		p.handleConnectRequest(sess, msg)
	case wire.OuterConnectResponse:
		if msg.Result != wire.ConnectAccepted {
			p.teardown(sess, "peer rejected connect request")
			return
		}
		sess.setAccepted()
		p.maybeEstablish(sess)
	case wire.OuterMessage_:
		p.deliverInner(sess, msg.Payload)
	case wire.OuterEncryptedMessage:
		p.handleEncrypted(sess, msg)
	case wire.OuterBye:
		p.teardown(sess, "bye received")
	}
}

func (p *Peer) handleConnectRequest(sess *peerSession, msg *wire.OuterMessage) {
	wasHandshaking := sess.getState() == stateHandshaking
	if !sess.bind(msg.ConnectionName) {
		p.logger.Printf("session %s: connection name mismatch, rejecting", sess.id)
		p.scheduleBye(sess)
		return
	}
	if sess.bindTimer != nil {
		sess.bindTimer.Stop()
	}
	sess.setEncrypted(msg.Encrypted)

	if sess.role == roleInbound && wasHandshaking {
		if !p.crypter.Create(sess.id, sess.name()) {
			p.teardown(sess, "failed to create crypter session")
			return
		}
	}
	sess.setState(stateVerifying)
	go p.verify(sess, msg)
}

func (p *Peer) handleEncrypted(sess *peerSession, msg *wire.OuterMessage) {
	if len(msg.Nonce) != 24 {
		p.teardown(sess, "bad nonce length")
		return
	}
	var nonce [24]byte
	copy(nonce[:], msg.Nonce)
	plain, err := p.crypter.Decrypt(sess.id, nonce, msg.Payload)
	if err != nil {
		p.logger.Printf("session %s: decrypt failed: %v", sess.id, err)
		p.teardown(sess, "decrypt failed")
		return
	}
	p.deliverInner(sess, plain)
}

func (p *Peer) verify(sess *peerSession, req *wire.OuterMessage) {
	tracker := trackerFromName(sess.name())
	verified, peerName := p.crypter.Verify(context.Background(), sess.id, tracker, sess.name(), req.Identity, req.PublicKey, string(req.Signature), false)
	if !verified {
		p.logger.Printf("session %s: verification failed for %s", sess.id, sess.name())
		p.sendOuter(sess, &wire.OuterMessage{Type: wire.OuterConnectResponse, Result: wire.ConnectRejected})
		p.scheduleBye(sess)
		return
	}
	sess.setVerified(peerName)
	if err := p.sendOuter(sess, &wire.OuterMessage{Type: wire.OuterConnectResponse, Result: wire.ConnectAccepted}); err != nil {
		return
	}

	if sess.role == roleInbound {
		isServer, _, ok := p.roleInfo.RoleAndEncryption(tracker, sess.name())
		if ok && isServer && sess.markMutualSent() {
			p.sendMutualAuth(sess)
			return // accepted becomes true on the peer's ConnectResponse
		}
		sess.setAccepted()
	}
	p.maybeEstablish(sess)
}

// sendMutualAuth issues our own ConnectRequest toward an inbound peer so a
// server-role connection authenticates in both directions (spec.md §4.4
// "Rules per role").
func (p *Peer) sendMutualAuth(sess *peerSession) {
	myPub, _ := p.crypter.MyPublicKey(sess.id)
	sig, err := p.crypter.Sign(myPub)
	if err != nil {
		p.logger.Printf("session %s: failed to sign mutual auth request: %v", sess.id, err)
		return
	}
	p.sendOuter(sess, &wire.OuterMessage{
		Type:           wire.OuterConnectRequest,
		Identity:       p.crypter.Identity(),
		PublicKey:      myPub,
		Signature:      []byte(sig),
		Encrypted:      sess.encryptedFlag(),
		ConnectionName: sess.name(),
	})
}

func (p *Peer) deliverInner(sess *peerSession, payload []byte) {
	inner, err := wire.UnmarshalInner(payload)
	if err != nil {
		p.logger.Printf("session %s: malformed inner message: %v", sess.id, err)
		return
	}
	if p.front != nil {
		p.front.HandleInner(sess.id, sess.name(), inner)
	}
}

func (p *Peer) maybeEstablish(sess *peerSession) {
	if !sess.establishedReady() || sess.getState() == stateEstablished {
		return
	}
	if !p.enforceCapacity(sess) {
		p.logger.Printf("session %s: capacity exceeded for %s, rejecting", sess.id, sess.name())
		p.scheduleBye(sess)
		return
	}
	sess.setState(stateEstablished)
	if p.front != nil {
		p.front.SessionEstablished(sess.id, sess.name())
	}
	p.reportStatus(sess.name())
}

// enforceCapacity implements spec.md §4.4's per-connection capacity rule:
// server-role keeps every verified session, client-role keeps at most one.
func (p *Peer) enforceCapacity(sess *peerSession) bool {
	isServer := true
	if p.roleInfo != nil {
		if is, _, ok := p.roleInfo.RoleAndEncryption(trackerFromName(sess.name()), sess.name()); ok {
			isServer = is
		}
	}
	if isServer {
		return true
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	for id, other := range p.sessions {
		if id == sess.id {
			continue
		}
		if other.name() == sess.name() && other.getState() == stateEstablished {
			return false
		}
	}
	return true
}

func (p *Peer) SessionCount(connectionName string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	n := 0
	for _, s := range p.sessions {
		if s.name() == connectionName && s.getState() == stateEstablished {
			n++
		}
	}
	return n
}

func (p *Peer) reportStatus(connectionName string) {
	if p.statusSink != nil && connectionName != "" {
		p.statusSink.StatusUpdate(connectionName, p.SessionCount(connectionName))
	}
}

func (p *Peer) scheduleBye(sess *peerSession) {
	p.sendOuter(sess, &wire.OuterMessage{Type: wire.OuterBye})
	time.AfterFunc(byeLinger, func() {
		p.teardown(sess, "bye sent")
	})
}

func (p *Peer) teardown(sess *peerSession, reason string) {
	name := sess.name()
	p.removeSession(sess)
	sess.closeLocal()
	p.logger.Printf("session %s (%s) closing: %s", sess.id, name, reason)
	if p.front != nil {
		p.front.SessionClosed(sess.id)
	}
	if p.crypter != nil {
		p.crypter.Close(sess.id)
	}
	sess.setState(stateClosed)
	p.reportStatus(name)
}

func (p *Peer) addSession(sess *peerSession) {
	p.mu.Lock()
	p.sessions[sess.id] = sess
	p.mu.Unlock()
}

func (p *Peer) removeSession(sess *peerSession) {
	p.mu.Lock()
	delete(p.sessions, sess.id)
	p.mu.Unlock()
}

func (p *Peer) session(id uuid.UUID) (*peerSession, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.sessions[id]
	return s, ok
}

// SendInner implements application.PeerSessionSink for Front: wrap an
// inner message as an outer MESSAGE or ENCRYPTED_MESSAGE depending on the
// connection's encrypted flag (spec.md §4.4).
func (p *Peer) SendInner(sessionID uuid.UUID, msg *wire.InnerMessage) error {
	sess, ok := p.session(sessionID)
	if !ok {
		return ErrSessionNotFound
	}
	payload := msg.Marshal()
	if sess.encryptedFlag() {
		nonce, ciphertext, err := p.crypter.Encrypt(sessionID, payload)
		if err != nil {
			return fmt.Errorf("peer: encrypt inner message: %w", err)
		}
		return p.sendOuter(sess, &wire.OuterMessage{Type: wire.OuterEncryptedMessage, Nonce: nonce[:], Payload: ciphertext})
	}
	return p.sendOuter(sess, &wire.OuterMessage{Type: wire.OuterMessage_, Payload: payload})
}

var _ application.Peer = (*Peer)(nil)
