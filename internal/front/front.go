// Package front implements the C3 Front subsystem (spec.md §4.3):
// terminating local TCP/UNIX sockets on the listener side, originating them
// on the connector side, and pumping channel bytes in and out of Peer.
package front

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/google/uuid"

	"bhid/application"
	"bhid/internal/wire"
)

var (
	ErrAlreadyListening = errors.New("front: already listening for this connection")
	ErrUnknownConnector = errors.New("front: no connector bound for this connection")
)

type listenerBinding struct {
	ln   net.Listener
	name string
}

// Front implements application.Front.
type Front struct {
	logger application.Logger
	sink   application.PeerSessionSink

	mu          sync.Mutex
	listeners   map[string]*listenerBinding
	connectors  map[string]application.Connection
	established map[string]uuid.UUID // connectionName -> current sessionID

	channelsMu      sync.Mutex
	channels        map[uuid.UUID]*channel
	sessionChannels map[uuid.UUID]map[uuid.UUID]struct{}
}

func New(logger application.Logger) *Front {
	return &Front{
		logger:          logger,
		listeners:       make(map[string]*listenerBinding),
		connectors:      make(map[string]application.Connection),
		established:     make(map[string]uuid.UUID),
		channels:        make(map[uuid.UUID]*channel),
		sessionChannels: make(map[uuid.UUID]map[uuid.UUID]struct{}),
	}
}

func (f *Front) SetPeerSink(sink application.PeerSessionSink) { f.sink = sink }

// ListenerAddr reports the bound address of an active listener, useful when
// ListenPort is 0 and the kernel assigns an ephemeral port.
func (f *Front) ListenerAddr(name string) (net.Addr, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.listeners[name]
	if !ok {
		return nil, false
	}
	return b.ln.Addr(), true
}

// StartListener binds conn's listenAddress:listenPort and accepts downstream
// clients for as long as the connection exists (client-role, spec.md §4.3).
func (f *Front) StartListener(conn application.Connection) error {
	f.mu.Lock()
	if _, exists := f.listeners[conn.Name]; exists {
		f.mu.Unlock()
		return ErrAlreadyListening
	}
	f.mu.Unlock()

	network, addr := dialTarget(conn.ListenAddress, conn.ListenPort)
	ln, err := net.Listen(network, addr)
	if err != nil {
		return fmt.Errorf("front: listen %s %s: %w", network, addr, err)
	}

	binding := &listenerBinding{ln: ln, name: conn.Name}
	f.mu.Lock()
	f.listeners[conn.Name] = binding
	f.mu.Unlock()

	go f.acceptLoop(conn.Name, ln)
	return nil
}

func (f *Front) StopListener(name string) {
	f.mu.Lock()
	binding, ok := f.listeners[name]
	if ok {
		delete(f.listeners, name)
	}
	f.mu.Unlock()
	if ok {
		binding.ln.Close()
	}
}

func (f *Front) acceptLoop(name string, ln net.Listener) {
	for {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		go f.handleAccepted(name, c)
	}
}

func (f *Front) handleAccepted(connectionName string, c net.Conn) {
	sessionID, ok := f.currentSession(connectionName)
	if !ok {
		f.logger.Printf("no established session for %s, dropping inbound connection", connectionName)
		c.Close()
		return
	}

	channelID := uuid.New()
	ch := newChannel(channelID, sessionID, connectionName)
	ch.attach(c)
	if !f.addChannel(ch) {
		f.logger.Printf("channel id collision for %s, closing", connectionName)
		c.Close()
		return
	}

	if err := f.sink.SendInner(sessionID, &wire.InnerMessage{Type: wire.InnerOpen, ID: channelID}); err != nil {
		f.logger.Printf("failed to send OPEN for channel %s: %v", channelID, err)
		f.closeChannelLocal(channelID, false)
		return
	}
	f.pump(ch)
}

func (f *Front) BindConnector(conn application.Connection) {
	f.mu.Lock()
	f.connectors[conn.Name] = conn
	f.mu.Unlock()
}

func (f *Front) UnbindConnector(name string) {
	f.mu.Lock()
	delete(f.connectors, name)
	f.mu.Unlock()
}

func (f *Front) SessionEstablished(sessionID uuid.UUID, connectionName string) {
	f.mu.Lock()
	f.established[connectionName] = sessionID
	f.mu.Unlock()
}

func (f *Front) currentSession(connectionName string) (uuid.UUID, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.established[connectionName]
	return id, ok
}

func (f *Front) connector(connectionName string) (application.Connection, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.connectors[connectionName]
	return c, ok
}

// SessionClosed closes every channel belonging to sessionID (spec.md §4.3
// "a session teardown closes every channel belonging to it").
func (f *Front) SessionClosed(sessionID uuid.UUID) {
	f.channelsMu.Lock()
	ids := f.sessionChannels[sessionID]
	delete(f.sessionChannels, sessionID)
	f.channelsMu.Unlock()

	for id := range ids {
		f.closeChannelLocal(id, false)
	}

	f.mu.Lock()
	for name, sid := range f.established {
		if sid == sessionID {
			delete(f.established, name)
		}
	}
	f.mu.Unlock()
}

// HandleInner dispatches one inner message from Peer (spec.md §4.3 policy).
func (f *Front) HandleInner(sessionID uuid.UUID, connectionName string, msg *wire.InnerMessage) {
	switch msg.Type {
	case wire.InnerOpen:
		f.handleOpen(sessionID, connectionName, msg.ID)
	case wire.InnerData:
		f.handleData(msg.ID, msg.Data)
	case wire.InnerClose:
		f.closeChannelLocal(msg.ID, false)
	}
}

func (f *Front) handleOpen(sessionID uuid.UUID, connectionName string, channelID uuid.UUID) {
	connCfg, ok := f.connector(connectionName)
	if !ok {
		f.logger.Printf("OPEN for unbound connector %s, sending CLOSE", connectionName)
		f.sink.SendInner(sessionID, &wire.InnerMessage{Type: wire.InnerClose, ID: channelID})
		return
	}

	ch := newChannel(channelID, sessionID, connectionName)
	if !f.addChannel(ch) {
		f.logger.Printf("channel id collision on OPEN for %s", connectionName)
		return
	}
	go f.dialConnector(ch, connCfg)
}

func (f *Front) dialConnector(ch *channel, connCfg application.Connection) {
	network, addr := dialTarget(connCfg.ConnectAddress, connCfg.ConnectPort)
	conn, err := net.Dial(network, addr)
	if err != nil {
		f.logger.Printf("connector dial %s %s failed: %v", network, addr, err)
		f.sink.SendInner(ch.sessionID, &wire.InnerMessage{Type: wire.InnerClose, ID: ch.id})
		f.removeChannel(ch.id)
		return
	}

	pending := ch.attach(conn)
	if len(pending) > 0 {
		if _, err := conn.Write(pending); err != nil {
			f.closeChannelLocal(ch.id, true)
			return
		}
	}
	f.pump(ch)
}

func (f *Front) handleData(channelID uuid.UUID, data []byte) {
	ch := f.getChannel(channelID)
	if ch == nil {
		return // silently dropped per spec.md §4.3
	}
	if !ch.isConnected() {
		ch.bufferFromPeer(data)
		return
	}
	conn := ch.localConn()
	if conn == nil {
		return
	}
	if _, err := conn.Write(data); err != nil {
		f.closeChannelLocal(channelID, true)
	}
}

// pump reads the local socket and forwards DATA inner messages upstream
// until EOF/error, then emits CLOSE (spec.md §4.3).
func (f *Front) pump(ch *channel) {
	conn := ch.localConn()
	buf := make([]byte, readChunkBytes)
	for {
		<-ch.permits
		n, err := conn.Read(buf)
		if n > 0 {
			payload := make([]byte, n)
			copy(payload, buf[:n])
			sendErr := f.sink.SendInner(ch.sessionID, &wire.InnerMessage{Type: wire.InnerData, ID: ch.id, Data: payload})
			ch.permits <- struct{}{}
			if sendErr != nil {
				f.closeChannelLocal(ch.id, true)
				return
			}
		} else {
			ch.permits <- struct{}{}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				f.logger.Printf("channel %s local read error: %v", ch.id, err)
			}
			f.closeChannelLocal(ch.id, true)
			return
		}
	}
}

func (f *Front) addChannel(ch *channel) bool {
	f.channelsMu.Lock()
	defer f.channelsMu.Unlock()
	if _, exists := f.channels[ch.id]; exists {
		return false
	}
	f.channels[ch.id] = ch
	set, ok := f.sessionChannels[ch.sessionID]
	if !ok {
		set = make(map[uuid.UUID]struct{})
		f.sessionChannels[ch.sessionID] = set
	}
	set[ch.id] = struct{}{}
	return true
}

func (f *Front) getChannel(id uuid.UUID) *channel {
	f.channelsMu.Lock()
	defer f.channelsMu.Unlock()
	return f.channels[id]
}

func (f *Front) removeChannel(id uuid.UUID) {
	f.channelsMu.Lock()
	ch, ok := f.channels[id]
	if ok {
		delete(f.channels, id)
		if set, exists := f.sessionChannels[ch.sessionID]; exists {
			delete(set, id)
		}
	}
	f.channelsMu.Unlock()
}

// closeChannelLocal closes a channel's local socket and, when notifyPeer is
// true (the local side observed the failure first), sends CLOSE upstream.
// Idempotent (spec.md §3, §8).
func (f *Front) closeChannelLocal(id uuid.UUID, notifyPeer bool) {
	f.channelsMu.Lock()
	ch, ok := f.channels[id]
	if ok {
		delete(f.channels, id)
		if set, exists := f.sessionChannels[ch.sessionID]; exists {
			delete(set, id)
		}
	}
	f.channelsMu.Unlock()
	if !ok {
		return
	}
	if !ch.markClosed() {
		return
	}
	if conn := ch.localConn(); conn != nil {
		conn.Close()
	}
	if notifyPeer && f.sink != nil {
		f.sink.SendInner(ch.sessionID, &wire.InnerMessage{Type: wire.InnerClose, ID: id})
	}
}

var _ application.Front = (*Front)(nil)
