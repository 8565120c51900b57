package application

import (
	"github.com/google/uuid"

	"bhid/internal/wire"
)

// PeerSessionSink is how Front pushes channel-level inner messages onto an
// established PeerSession (spec.md §4.3: "request Peer to send an OPEN{…}
// inner message"). Peer implements this; Front never imports Peer directly.
type PeerSessionSink interface {
	SendInner(sessionID uuid.UUID, msg *wire.InnerMessage) error
}

// Front is the C3 port: terminates/originates local TCP (or UNIX, if the
// configured address begins with '/') and pumps channel bytes in and out of
// Peer (spec.md §4.3).
type Front interface {
	SetPeerSink(sink PeerSessionSink)

	// StartListener binds a client-role connection's downstream listen
	// address and begins accepting. Re-calling with a name that is already
	// listening returns an error and leaves the existing listener in place.
	StartListener(conn Connection) error
	StopListener(name string)

	// BindConnector registers a server-role connection's dial target so
	// an incoming OPEN can originate a local connect.
	BindConnector(conn Connection)
	UnbindConnector(name string)

	// SessionEstablished marks sessionID as the live carrier for
	// connectionName's channels (spec.md §4.4 ESTABLISHED transition);
	// SessionClosed tears down every channel that belonged to it.
	SessionEstablished(sessionID uuid.UUID, connectionName string)
	SessionClosed(sessionID uuid.UUID)

	// HandleInner dispatches one inner message Peer received on sessionID.
	HandleInner(sessionID uuid.UUID, connectionName string, msg *wire.InnerMessage)
}
