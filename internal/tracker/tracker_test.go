package tracker

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"

	"bhid/application"
	"bhid/internal/config"
	"bhid/internal/wire"
)

type nullLogger struct{}

func (nullLogger) Printf(string, ...any)          {}
func (nullLogger) With(string) application.Logger { return nullLogger{} }

type recordingEvents struct {
	registered      chan string
	deregistered    chan string
	connectionsList chan []*wire.ConnectionRecord
	addressRequest  chan string
	punchRequest    chan string
}

func newRecordingEvents() *recordingEvents {
	return &recordingEvents{
		registered:      make(chan string, 4),
		deregistered:    make(chan string, 4),
		connectionsList: make(chan []*wire.ConnectionRecord, 4),
		addressRequest:  make(chan string, 4),
		punchRequest:    make(chan string, 4),
	}
}

func (e *recordingEvents) Registered(tracker string)   { e.registered <- tracker }
func (e *recordingEvents) Deregistered(tracker string) { e.deregistered <- tracker }
func (e *recordingEvents) ConnectionsList(tracker string, list []*wire.ConnectionRecord) {
	e.connectionsList <- list
}
func (e *recordingEvents) AddressRequest(tracker, connectionName, requestID string) {
	e.addressRequest <- connectionName
}
func (e *recordingEvents) PunchRequest(tracker, connectionName string, serverAddr, clientAddr *net.UDPAddr, parent string) {
	e.punchRequest <- connectionName
}

var _ application.TrackerEvents = (*recordingEvents)(nil)

// fakeTrackerHost accepts one connection and lets the test drive the
// protocol directly, standing in for a real tracker host.
func fakeTrackerHost(t *testing.T) (addr string, conns chan net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	conns = make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		conns <- c
	}()
	t.Cleanup(func() { ln.Close() })
	return ln.Addr().String(), conns
}

func newTestTracker(t *testing.T) (*Tracker, *recordingEvents) {
	t.Helper()
	dir := t.TempDir()
	paths := config.New(dir, "")
	tr := New(nullLogger{}, paths)
	events := newRecordingEvents()
	tr.SetEvents(events)
	return tr, events
}

func TestRegisterAndPushEvents(t *testing.T) {
	addr, conns := fakeTrackerHost(t)
	tr, events := newTestTracker(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tr.Run(ctx, "tracker1", addr)

	conn := <-conns
	defer conn.Close()

	registerReq := readClientMessage(t, conn)
	if registerReq.Type != wire.MsgRegisterDaemon {
		t.Fatalf("expected MsgRegisterDaemon, got %v", registerReq.Type)
	}
	writeServerMessage(t, conn, &wire.ServerMessage{ID: registerReq.ID, Result: wire.ResultAccepted, DaemonToken: "tok"})

	select {
	case name := <-events.registered:
		if name != "tracker1" {
			t.Fatalf("Registered(%q), want tracker1", name)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Registered never fired")
	}

	push := &wire.ServerMessage{ID: uuid.Nil, Type: wire.MsgPunch, ConnectionName: "tracker1#a/b", ServerAddress: "1.2.3.4", ServerPort: 1111, ClientAddress: "5.6.7.8", ClientPort: 2222}
	writeServerMessage(t, conn, push)

	select {
	case name := <-events.punchRequest:
		if name != "tracker1#a/b" {
			t.Fatalf("PunchRequest connectionName = %q", name)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("PunchRequest never dispatched")
	}
}

func TestSendWithoutConnectionReturnsNoTracker(t *testing.T) {
	tr, _ := newTestTracker(t)
	_, err := tr.Send(context.Background(), "tracker1", &wire.ClientMessage{Type: wire.MsgLookupIdentity})
	if err != ErrNoTracker {
		t.Fatalf("Send() error = %v, want ErrNoTracker", err)
	}
}

func TestLookupIdentityRoundTrip(t *testing.T) {
	addr, conns := fakeTrackerHost(t)
	tr, _ := newTestTracker(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tr.Run(ctx, "tracker1", addr)

	conn := <-conns
	defer conn.Close()

	registerReq := readClientMessage(t, conn)
	writeServerMessage(t, conn, &wire.ServerMessage{ID: registerReq.ID, Result: wire.ResultAccepted})

	done := make(chan struct{})
	var name string
	var key []byte
	var lookupErr error
	go func() {
		name, key, lookupErr = tr.LookupIdentity(context.Background(), "tracker1", "someone@example.com")
		close(done)
	}()

	lookupReq := readClientMessage(t, conn)
	if lookupReq.Type != wire.MsgLookupIdentity || lookupReq.Identity != "someone@example.com" {
		t.Fatalf("unexpected lookup request: %+v", lookupReq)
	}
	writeServerMessage(t, conn, &wire.ServerMessage{ID: lookupReq.ID, Result: wire.ResultAccepted, PeerName: "peer-1", PeerKey: []byte{1, 2, 3}})

	<-done
	if lookupErr != nil {
		t.Fatalf("LookupIdentity() error = %v", lookupErr)
	}
	if name != "peer-1" || string(key) != string([]byte{1, 2, 3}) {
		t.Fatalf("LookupIdentity() = (%q, %v)", name, key)
	}
}

func TestAddressRequestPushDispatchesEvent(t *testing.T) {
	addr, conns := fakeTrackerHost(t)
	tr, events := newTestTracker(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tr.Run(ctx, "tracker1", addr)

	conn := <-conns
	defer conn.Close()

	registerReq := readClientMessage(t, conn)
	writeServerMessage(t, conn, &wire.ServerMessage{ID: registerReq.ID, Result: wire.ResultAccepted})

	push := &wire.ServerMessage{ID: uuid.Nil, Type: wire.MsgAddress, ConnectionName: "tracker1#a/b", RequestID: "req-1"}
	writeServerMessage(t, conn, push)

	select {
	case name := <-events.addressRequest:
		if name != "tracker1#a/b" {
			t.Fatalf("AddressRequest connectionName = %q", name)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("AddressRequest never dispatched")
	}
}

func TestTrackerFromName(t *testing.T) {
	if got := trackerFromName("tracker1#a/b"); got != "tracker1" {
		t.Fatalf("trackerFromName() = %q", got)
	}
}

func readClientMessage(t *testing.T, conn net.Conn) *wire.ClientMessage {
	t.Helper()
	payload, err := wire.ReadFrame(conn)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	msg, err := wire.UnmarshalClientMessage(payload)
	if err != nil {
		t.Fatalf("UnmarshalClientMessage: %v", err)
	}
	return msg
}

func writeServerMessage(t *testing.T, conn net.Conn, msg *wire.ServerMessage) {
	t.Helper()
	if err := wire.WriteFrame(conn, msg.Marshal()); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
}
