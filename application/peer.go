package application

import (
	"context"
	"net"

	"github.com/google/uuid"
)

// PeerTransport is the C4 UTP socket port (spec.md §4.4): one endpoint
// shared by the whole daemon, supporting both accept-style (server-role)
// and connect-style (client-role) session establishment, plus raw UDP
// writes for hole-punching and tracker address discovery (spec.md §4.5).
type PeerTransport interface {
	Accept() (net.Conn, error)
	DialContext(ctx context.Context, addr string) (net.Conn, error)
	WriteUDP(payload []byte, addr *net.UDPAddr) error
	LocalAddr() net.Addr
	Close() error
}

// ConnectionRoleInfo lets Peer learn a connection's role/encryption flag
// without importing ConnectionsList directly (spec.md §9's "typed handles
// obtained lazily" pattern, same as ConnectionLookup for Crypter).
type ConnectionRoleInfo interface {
	RoleAndEncryption(tracker, connectionName string) (isServer, encrypted bool, ok bool)
}

// SessionStatusSink lets Peer report live-session counts to Tracker
// (spec.md §4.5 StatusUpdate: "sent on session established, session
// closed, and on every tracker registration event").
type SessionStatusSink interface {
	StatusUpdate(connectionName string, liveSessions int)
}

// Peer is the C4 port: UTP session establishment, RSA/NaCl handshake, and
// framed inner-message transport (spec.md §4.4).
type Peer interface {
	SetFront(Front)
	SetCrypter(Crypter)
	SetStatusSink(SessionStatusSink)

	// Run accepts inbound UTP connections until ctx is cancelled.
	Run(ctx context.Context) error

	// Connect originates an outbound session for conn (client-role dials;
	// a server-role connection's mutual authentication runs on the
	// accepted inbound session, not through Connect — spec.md §4.4 "Rules
	// per role"). remoteAddr is the hole-punched endpoint Tracker resolved
	// for this connection.
	Connect(ctx context.Context, conn Connection, remoteAddr string) (sessionID uuid.UUID, err error)

	// Punch sends hole-punch UDP packets at remoteAddr on the shared
	// socket (spec.md §4.5).
	Punch(remoteAddr *net.UDPAddr) error

	// SendAddressResponse answers a tracker's AddressRequest by sending a
	// framed ClientMessage{MsgAddress, RequestID: requestID} UDP datagram
	// to trackerAddr, letting the tracker observe this daemon's public
	// (ip, port) as seen on the wire (spec.md §4.5).
	SendAddressResponse(trackerAddr *net.UDPAddr, requestID string) error

	SessionCount(connectionName string) int

	PeerSessionSink
}
