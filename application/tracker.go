package application

import (
	"context"
	"net"

	"bhid/internal/wire"
)

// TrackerEvents is how Tracker notifies its owner of asynchronous events
// (spec.md §4.5 "Events exposed upward"). Reply correlation for requests
// issued via Send happens separately, by messageId.
type TrackerEvents interface {
	Registered(tracker string)
	Deregistered(tracker string)
	ConnectionsList(tracker string, list []*wire.ConnectionRecord)
	AddressRequest(tracker, connectionName, requestID string)
	PunchRequest(tracker, connectionName string, serverAddr, clientAddr *net.UDPAddr, parent string)
}

// Tracker is the C5 port: one persistent TCP connection per configured
// tracker host, request/response correlation by messageId, token storage,
// and NAT-traversal coordination toward Peer (spec.md §4.5).
type Tracker interface {
	SetEvents(TrackerEvents)

	// Run dials tracker at addr, reconnecting with backoff, until ctx is
	// cancelled. Re-registers and replays every live connection's
	// StatusUpdate on every successful (re)connection.
	Run(ctx context.Context, tracker, addr string) error

	// Send issues req toward tracker and waits up to 60s for the reply
	// correlated by req.ID, or returns ErrTimeout/ErrNoTracker.
	Send(ctx context.Context, tracker string, req *wire.ClientMessage) (*wire.ServerMessage, error)

	GetToken(tracker string) string
	GetMasterToken(tracker string) string
	SetMasterToken(tracker, token string) error
	SetDaemonToken(tracker, token string) error

	// Connected reports whether tracker currently has a live registered
	// connection (spec.md §9: local connection updates are gated on the
	// named tracker's connectivity, the safer of the two documented
	// behaviors).
	Connected(tracker string) bool

	IdentityResolver
	SessionStatusSink
}
