// Package peer implements the C4 Peer subsystem (spec.md §4.4): UTP
// session establishment, the RSA/NaCl handshake, and the channel-level
// inner message dispatch handed off to Front.
package peer

import (
	"context"
	"fmt"
	"net"

	"github.com/anacrolix/utp"

	"bhid/application"
)

// utpTransport adapts *utp.Socket to application.PeerTransport, keeping
// the anacrolix/utp import out of the session state machine — the same
// adapter-boundary idiom the teacher uses between domain logic and
// concrete transports (application.ConnectionAdapter/TcpListener).
type utpTransport struct {
	socket *utp.Socket
}

// NewTransport binds the shared UTP socket for this daemon (spec.md §4.4
// "one shared per daemon").
func NewTransport(listenAddr string) (application.PeerTransport, error) {
	socket, err := utp.NewSocket("udp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("peer: bind utp socket on %s: %w", listenAddr, err)
	}
	return &utpTransport{socket: socket}, nil
}

func (t *utpTransport) Accept() (net.Conn, error) {
	return t.socket.Accept()
}

func (t *utpTransport) DialContext(ctx context.Context, addr string) (net.Conn, error) {
	return t.socket.DialContext(ctx, "utp", addr)
}

func (t *utpTransport) WriteUDP(payload []byte, addr *net.UDPAddr) error {
	_, err := t.socket.WriteTo(payload, addr)
	if err != nil {
		return fmt.Errorf("peer: write udp to %s: %w", addr, err)
	}
	return nil
}

func (t *utpTransport) LocalAddr() net.Addr { return t.socket.Addr() }

func (t *utpTransport) Close() error { return t.socket.Close() }

var _ application.PeerTransport = (*utpTransport)(nil)
