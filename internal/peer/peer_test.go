package peer

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"

	"bhid/application"
	"bhid/internal/wire"
)

type nullLogger struct{}

func (nullLogger) Printf(string, ...any)       {}
func (nullLogger) With(string) application.Logger { return nullLogger{} }

// pipeTransport adapts a net.Pipe() pair to application.PeerTransport: one
// Accept() delivers the server half, DialContext ignores addr and returns
// the client half. Good enough to drive the handshake state machine
// without a real UTP socket.
type pipeTransport struct {
	accepted chan net.Conn
	dialed   net.Conn
}

func newPipeTransportPair() (a, b application.PeerTransport) {
	serverSide, clientSide := net.Pipe()
	pa := &pipeTransport{accepted: make(chan net.Conn, 1)}
	pa.accepted <- serverSide
	pb := &pipeTransport{dialed: clientSide}
	return pa, pb
}

func (t *pipeTransport) Accept() (net.Conn, error) {
	c, ok := <-t.accepted
	if !ok {
		return nil, context.Canceled
	}
	return c, nil
}
func (t *pipeTransport) DialContext(ctx context.Context, addr string) (net.Conn, error) {
	return t.dialed, nil
}
func (t *pipeTransport) WriteUDP(payload []byte, addr *net.UDPAddr) error { return nil }
func (t *pipeTransport) LocalAddr() net.Addr                             { return nil }
func (t *pipeTransport) Close() error                                    { return nil }

// fakeCrypter is a minimal application.Crypter stand-in: no real
// cryptography, just enough bookkeeping for the handshake to complete.
type fakeCrypter struct {
	identity string
	rejectAll bool
}

func (c *fakeCrypter) Init(string, string) error { return nil }
func (c *fakeCrypter) Identity() string          { return c.identity }
func (c *fakeCrypter) Create(uuid.UUID, string) bool { return true }
func (c *fakeCrypter) Close(uuid.UUID)           {}
func (c *fakeCrypter) Sign(data []byte) (string, error) { return "sig", nil }
func (c *fakeCrypter) Verify(ctx context.Context, sessionID uuid.UUID, tracker, connectionName, peerIdentity string, naclPublicKey []byte, signatureB64 string, strict bool) (bool, string) {
	if c.rejectAll {
		return false, ""
	}
	return true, peerIdentity
}
func (c *fakeCrypter) MyPublicKey(uuid.UUID) ([]byte, bool) {
	k := make([]byte, 32)
	rand.Read(k)
	return k, true
}
func (c *fakeCrypter) Encrypt(sessionID uuid.UUID, plaintext []byte) ([24]byte, []byte, error) {
	var n [24]byte
	return n, plaintext, nil
}
func (c *fakeCrypter) Decrypt(sessionID uuid.UUID, nonce [24]byte, ciphertext []byte) ([]byte, error) {
	return ciphertext, nil
}
func (c *fakeCrypter) SetConnectionLookup(application.ConnectionLookup) {}
func (c *fakeCrypter) SetIdentityResolver(application.IdentityResolver) {}

var _ application.Crypter = (*fakeCrypter)(nil)

type fakeRoleInfo struct {
	isServer  bool
	encrypted bool
}

func (f fakeRoleInfo) RoleAndEncryption(tracker, connectionName string) (bool, bool, bool) {
	return f.isServer, f.encrypted, true
}

type recordingFront struct {
	established chan uuid.UUID
	closed      chan uuid.UUID
	inner       chan *wire.InnerMessage
}

func newRecordingFront() *recordingFront {
	return &recordingFront{
		established: make(chan uuid.UUID, 8),
		closed:      make(chan uuid.UUID, 8),
		inner:       make(chan *wire.InnerMessage, 8),
	}
}

func (f *recordingFront) SetPeerSink(application.PeerSessionSink) {}
func (f *recordingFront) StartListener(application.Connection) error { return nil }
func (f *recordingFront) StopListener(string)                        {}
func (f *recordingFront) BindConnector(application.Connection)       {}
func (f *recordingFront) UnbindConnector(string)                     {}
func (f *recordingFront) SessionEstablished(sessionID uuid.UUID, connectionName string) {
	f.established <- sessionID
}
func (f *recordingFront) SessionClosed(sessionID uuid.UUID) { f.closed <- sessionID }
func (f *recordingFront) HandleInner(sessionID uuid.UUID, connectionName string, msg *wire.InnerMessage) {
	f.inner <- msg
}

var _ application.Front = (*recordingFront)(nil)

func newTestPeer(transport application.PeerTransport, roleInfo application.ConnectionRoleInfo, identity string) (*Peer, *recordingFront) {
	p := New(nullLogger{}, transport, roleInfo)
	p.SetCrypter(&fakeCrypter{identity: identity})
	front := newRecordingFront()
	p.SetFront(front)
	return p, front
}

func TestHandshakeEstablishesBothSides(t *testing.T) {
	serverTransport, clientTransport := newPipeTransportPair()
	roleInfo := fakeRoleInfo{isServer: true, encrypted: false}

	serverPeer, serverFront := newTestPeer(serverTransport, roleInfo, "server-identity")
	clientPeer, clientFront := newTestPeer(clientTransport, roleInfo, "client-identity")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go serverPeer.Run(ctx)

	conn := application.Connection{Name: "tracker1#a/b", Encrypted: false}
	if _, err := clientPeer.Connect(ctx, conn, "unused"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	select {
	case <-clientFront.established:
	case <-time.After(2 * time.Second):
		t.Fatal("client side never established")
	}
	select {
	case <-serverFront.established:
	case <-time.After(2 * time.Second):
		t.Fatal("server side never established")
	}
}

func TestClientRoleRejectsSecondSession(t *testing.T) {
	roleInfo := fakeRoleInfo{isServer: false, encrypted: false}
	p := New(nullLogger{}, nil, roleInfo)
	p.SetCrypter(&fakeCrypter{identity: "me"})
	front := newRecordingFront()
	p.SetFront(front)

	first := newPeerSession(uuid.New(), &discardConn{}, roleOutbound)
	first.bind("tracker1#x/y")
	first.setVerified("peer")
	first.setAccepted()
	p.addSession(first)
	if !p.enforceCapacity(first) {
		t.Fatal("first session on a client-role connection must be allowed")
	}
	first.setState(stateEstablished)

	second := newPeerSession(uuid.New(), &discardConn{}, roleOutbound)
	second.bind("tracker1#x/y")
	second.setVerified("peer")
	second.setAccepted()
	p.addSession(second)
	if p.enforceCapacity(second) {
		t.Fatal("client-role connection must reject a second established session")
	}
}

func TestServerRoleAllowsMultipleSessions(t *testing.T) {
	roleInfo := fakeRoleInfo{isServer: true, encrypted: false}
	p := New(nullLogger{}, nil, roleInfo)

	first := newPeerSession(uuid.New(), &discardConn{}, roleInbound)
	first.bind("tracker1#x/y")
	p.addSession(first)
	first.setState(stateEstablished)

	second := newPeerSession(uuid.New(), &discardConn{}, roleInbound)
	second.bind("tracker1#x/y")
	p.addSession(second)

	if !p.enforceCapacity(second) {
		t.Fatal("server-role connection should keep every verified session")
	}
}

func TestSessionCountOnlyCountsEstablished(t *testing.T) {
	roleInfo := fakeRoleInfo{isServer: true, encrypted: false}
	p := New(nullLogger{}, nil, roleInfo)

	s1 := newPeerSession(uuid.New(), &discardConn{}, roleInbound)
	s1.bind("tracker1#x/y")
	s1.setState(stateEstablished)
	p.addSession(s1)

	s2 := newPeerSession(uuid.New(), &discardConn{}, roleInbound)
	s2.bind("tracker1#x/y")
	s2.setState(stateVerifying)
	p.addSession(s2)

	if got := p.SessionCount("tracker1#x/y"); got != 1 {
		t.Fatalf("SessionCount() = %d, want 1", got)
	}
}

// recordingUDPTransport captures the last payload/address passed to
// WriteUDP, standing in for the shared UTP socket in unit tests.
type recordingUDPTransport struct {
	pipeTransport
	lastPayload []byte
	lastAddr    *net.UDPAddr
}

func (t *recordingUDPTransport) WriteUDP(payload []byte, addr *net.UDPAddr) error {
	t.lastPayload = append([]byte(nil), payload...)
	t.lastAddr = addr
	return nil
}

func TestSendAddressResponseSendsFramedClientMessage(t *testing.T) {
	transport := &recordingUDPTransport{}
	p := New(nullLogger{}, transport, fakeRoleInfo{isServer: true})

	addr := &net.UDPAddr{IP: net.ParseIP("203.0.113.5"), Port: 4000}
	if err := p.SendAddressResponse(addr, "req-42"); err != nil {
		t.Fatalf("SendAddressResponse() error = %v", err)
	}

	if transport.lastAddr != addr {
		t.Fatalf("WriteUDP addr = %v, want %v", transport.lastAddr, addr)
	}
	if len(transport.lastPayload) < 4 {
		t.Fatalf("payload too short to contain a frame length prefix: %v", transport.lastPayload)
	}
	n := binary.BigEndian.Uint32(transport.lastPayload[:4])
	if int(n) != len(transport.lastPayload)-4 {
		t.Fatalf("frame length prefix = %d, want %d", n, len(transport.lastPayload)-4)
	}
	msg, err := wire.UnmarshalClientMessage(transport.lastPayload[4:])
	if err != nil {
		t.Fatalf("UnmarshalClientMessage: %v", err)
	}
	if msg.Type != wire.MsgAddress {
		t.Fatalf("msg.Type = %v, want MsgAddress", msg.Type)
	}
	if msg.RequestID != "req-42" {
		t.Fatalf("msg.RequestID = %q, want req-42", msg.RequestID)
	}
}

func TestTrackerFromName(t *testing.T) {
	if got := trackerFromName("tracker1#a/b"); got != "tracker1" {
		t.Fatalf("trackerFromName() = %q, want %q", got, "tracker1")
	}
	if got := trackerFromName("no-hash"); got != "no-hash" {
		t.Fatalf("trackerFromName() = %q, want unchanged", got)
	}
}

// discardConn is a minimal net.Conn for session bookkeeping tests that
// never touch the wire.
type discardConn struct{ net.Conn }

func (discardConn) Close() error { return nil }
