package front

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"

	"bhid/application"
	"bhid/internal/logging"
	"bhid/internal/wire"
)

// bridgeSink forwards SendInner calls from one Front instance straight into
// another's HandleInner, simulating an established PeerSession without a
// real UTP transport underneath.
type bridgeSink struct {
	target         *Front
	sessionID      uuid.UUID
	connectionName string
}

func (b *bridgeSink) SendInner(_ uuid.UUID, msg *wire.InnerMessage) error {
	go b.target.HandleInner(b.sessionID, b.connectionName, msg)
	return nil
}

func startEchoServer(t *testing.T) net.Addr {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen echo: %v", err)
	}
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				io.Copy(c, c)
			}(c)
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return ln.Addr()
}

// TestLoopbackTunnel covers spec.md §8 scenario 1: bytes written to the
// listener-side socket arrive, round-tripped, back at the same socket via
// two independently-wired Front instances and a downstream echo service.
func TestLoopbackTunnel(t *testing.T) {
	const connName = "tracker1#a/svc"

	echoAddr := startEchoServer(t).(*net.TCPAddr)

	frontA := New(logging.New("frontA"))
	frontB := New(logging.New("frontB"))

	sessionIDA := uuid.New()
	sessionIDB := uuid.New()

	frontA.SetPeerSink(&bridgeSink{target: frontB, sessionID: sessionIDB, connectionName: connName})
	frontB.SetPeerSink(&bridgeSink{target: frontA, sessionID: sessionIDA, connectionName: connName})

	if err := frontA.StartListener(application.Connection{
		Name:          connName,
		ListenAddress: "127.0.0.1",
		ListenPort:    0,
	}); err != nil {
		t.Fatalf("start listener: %v", err)
	}
	frontA.SessionEstablished(sessionIDA, connName)

	frontB.BindConnector(application.Connection{
		Name:           connName,
		ConnectAddress: echoAddr.IP.String(),
		ConnectPort:    uint32(echoAddr.Port),
	})

	listenerAddr, ok := frontA.ListenerAddr(connName)
	if !ok {
		t.Fatalf("expected listener address")
	}

	client, err := net.Dial("tcp", listenerAddr.String())
	if err != nil {
		t.Fatalf("dial listener: %v", err)
	}
	defer client.Close()

	client.SetDeadline(time.Now().Add(2 * time.Second))
	if _, err := client.Write([]byte("ping")); err != nil {
		t.Fatalf("write: %v", err)
	}

	buf := make([]byte, 4)
	if _, err := io.ReadFull(client, buf); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if string(buf) != "ping" {
		t.Fatalf("expected ping round-trip, got %q", buf)
	}
}

func TestHandleAcceptedWithNoSessionClosesSocket(t *testing.T) {
	const connName = "tracker1#a/svc"
	f := New(logging.New("front"))
	if err := f.StartListener(application.Connection{
		Name:          connName,
		ListenAddress: "127.0.0.1",
		ListenPort:    0,
	}); err != nil {
		t.Fatalf("start listener: %v", err)
	}
	addr, _ := f.ListenerAddr(connName)

	client, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	client.SetDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if _, err := client.Read(buf); err == nil {
		t.Fatalf("expected connection to be closed without an established session")
	}
}

type countingSink struct {
	closeCount int
}

func (c *countingSink) SendInner(_ uuid.UUID, msg *wire.InnerMessage) error {
	if msg.Type == wire.InnerClose {
		c.closeCount++
	}
	return nil
}

func TestCloseChannelLocalIdempotent(t *testing.T) {
	f := New(logging.New("front"))
	sink := &countingSink{}
	f.SetPeerSink(sink)

	ch := newChannel(uuid.New(), uuid.New(), "tracker1#a/svc")
	if !f.addChannel(ch) {
		t.Fatalf("expected channel to be added")
	}

	f.closeChannelLocal(ch.id, true)
	f.closeChannelLocal(ch.id, true)

	if sink.closeCount != 1 {
		t.Fatalf("expected exactly one CLOSE notification, got %d", sink.closeCount)
	}
}

func TestDataForUnknownChannelIsDropped(t *testing.T) {
	f := New(logging.New("front"))
	sink := &countingSink{}
	f.SetPeerSink(sink)

	// Should not panic and should not send anything back.
	f.HandleInner(uuid.New(), "tracker1#a/svc", &wire.InnerMessage{Type: wire.InnerData, ID: uuid.New(), Data: []byte("x")})
	if sink.closeCount != 0 {
		t.Fatalf("expected no CLOSE sent for unknown channel DATA")
	}
}

func TestNewChannelPermitCapacityMatchesBackpressureBudget(t *testing.T) {
	ch := newChannel(uuid.New(), uuid.New(), "tracker1#a/svc")
	if cap(ch.permits) != MaxChannelBufferBytes/readChunkBytes {
		t.Fatalf("expected %d permits, got %d", MaxChannelBufferBytes/readChunkBytes, cap(ch.permits))
	}
	if len(ch.permits) != cap(ch.permits) {
		t.Fatalf("expected all permits available initially")
	}
}
