// Package registry wires C1-C6 into one running daemon (spec.md §9's
// central-registry design note): components hold typed handles obtained
// through small port interfaces rather than importing each other
// directly, which keeps the Peer<->Tracker<->Front<->Crypter circular
// dependency out of the Go import graph.
package registry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"bhid/application"
	"bhid/internal/config"
	"bhid/internal/connections"
	"bhid/internal/control"
	"bhid/internal/crypter"
	"bhid/internal/front"
	"bhid/internal/logging"
	"bhid/internal/peer"
	"bhid/internal/tracker"
	"bhid/internal/wire"
)

// defaultUTPBind is the shared Peer UTP socket's local bind address. bhid
// runs one socket per daemon regardless of how many trackers/connections
// are configured (spec.md §4.4 "one shared per daemon"); spec.md leaves
// the exact port unspecified, so Registry picks a stable default rather
// than an ephemeral one, so NAT/firewall rules configured for this daemon
// survive a restart.
const defaultUTPBind = ":44000"

// Registry owns one instance of every C1-C6 component and implements
// application.TrackerEvents to route Tracker's pushes to the right owner.
type Registry struct {
	logger application.Logger
	paths  *config.Paths

	Connections *connections.Store
	Crypter     *crypter.Crypter
	Front       *front.Front
	Peer        *peer.Peer
	Tracker     *tracker.Tracker
	Control     *control.Server

	trackersMu sync.RWMutex
	trackerAddrs map[string]string
}

// New builds every component and wires their port dependencies, but starts
// nothing — call Start to run the daemon.
func New(configDir, suffix string) (*Registry, error) {
	paths := config.New(configDir, suffix)
	logger := logging.New("bhid")

	store := connections.New(paths.ConnectionsConf())
	if err := store.Load(); err != nil {
		return nil, fmt.Errorf("registry: load %s: %w", paths.ConnectionsConf(), err)
	}

	cr := crypter.New(paths.ConfigDir, logger.With("crypter"))
	if err := cr.Init(paths.PrivateRSA(), paths.PublicRSA()); err != nil {
		return nil, fmt.Errorf("registry: init identity: %w", err)
	}
	cr.SetConnectionLookup(store)

	trk := tracker.New(logger.With("tracker"), paths)
	cr.SetIdentityResolver(trk)

	fr := front.New(logger.With("front"))

	transport, err := peer.NewTransport(defaultUTPBind)
	if err != nil {
		return nil, fmt.Errorf("registry: bind utp socket: %w", err)
	}
	pr := peer.New(logger.With("peer"), transport, store)
	pr.SetFront(fr)
	pr.SetCrypter(cr)
	pr.SetStatusSink(trk)
	fr.SetPeerSink(pr)

	ctl := control.New(logger.With("control"), store, trk)

	r := &Registry{
		logger:       logger,
		paths:        paths,
		Connections:  store,
		Crypter:      cr,
		Front:        fr,
		Peer:         pr,
		Tracker:      trk,
		Control:      ctl,
		trackerAddrs: make(map[string]string),
	}
	trk.SetEvents(r)
	return r, nil
}

// Start runs Peer's accept loop, a Tracker connection per configured
// tracker host, and ControlServer, until ctx is cancelled.
func (r *Registry) Start(ctx context.Context, trackerAddrs map[string]string) error {
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := r.Peer.Run(ctx); err != nil {
			r.logger.Printf("peer: %v", err)
		}
	}()

	for name, addr := range trackerAddrs {
		r.trackersMu.Lock()
		r.trackerAddrs[name] = addr
		r.trackersMu.Unlock()

		name, addr := name, addr
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.Tracker.Run(ctx, name, addr); err != nil {
				r.logger.Printf("tracker %s: %v", name, err)
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := r.Control.Run(ctx, r.paths.ControlSocket()); err != nil && ctx.Err() == nil {
			r.logger.Printf("control: %v", err)
		}
	}()

	<-ctx.Done()
	wg.Wait()
	return nil
}

// Reload re-reads bhid.conf, and rebinds listeners/connectors for every
// connection that survived the reload (spec.md §6 SIGHUP handling).
func (r *Registry) Reload() error {
	if err := r.Connections.Load(); err != nil {
		return fmt.Errorf("registry: reload connections: %w", err)
	}
	r.bindAllListenersAndConnectors()
	return nil
}

func (r *Registry) bindAllListenersAndConnectors() {
	for _, c := range r.Connections.GetAll() {
		if c.IsServer {
			r.Front.BindConnector(c)
			continue
		}
		// StartListener rejects a connection that is already bound; Registered
		// and Reload both replay this over the full connection set, so a
		// repeat bind is the common case rather than a fault.
		if err := r.Front.StartListener(c); err != nil && !errors.Is(err, front.ErrAlreadyListening) {
			r.logger.Printf("front: start listener for %s: %v", c.Name, err)
		}
	}
}

// Registered implements application.TrackerEvents: binds every known
// connection's listener/connector and replays StatusUpdate for each live
// connection (spec.md §4.5/§8 scenario 3's post-reconnect resynchronization).
func (r *Registry) Registered(trackerName string) {
	r.logger.Printf("tracker %s: registered", trackerName)
	r.bindAllListenersAndConnectors()
	for _, c := range r.Connections.GetAll() {
		if c.Tracker != trackerName {
			continue
		}
		r.Tracker.StatusUpdate(c.Name, r.Peer.SessionCount(c.Name))
	}
}

func (r *Registry) Deregistered(trackerName string) {
	r.logger.Printf("tracker %s: deregistered", trackerName)
}

// ConnectionsList implements application.TrackerEvents: each record in an
// incoming push replaces the stored record with the same name and role
// (spec.md §4.2); stored connections the push does not mention are kept.
func (r *Registry) ConnectionsList(trackerName string, list []*wire.ConnectionRecord) {
	for _, rec := range list {
		r.Connections.Update(trackerName, rec.Name, rec.Role == wire.RoleServer, application.Connection{
			ConnectAddress: rec.ConnectAddress,
			ConnectPort:    rec.ConnectPort,
			ListenAddress:  rec.ListenAddress,
			ListenPort:     rec.ListenPort,
			Encrypted:      rec.Encrypted,
			Fixed:          rec.Fixed,
			Peers:          rec.Peers,
		})
	}
	if err := r.Connections.Save(); err != nil {
		r.logger.Printf("tracker %s: persist connections_list push: %v", trackerName, err)
	}
	r.bindAllListenersAndConnectors()
}

// AddressRequest implements application.TrackerEvents (spec.md §4.5): send
// a framed ClientMessage{MsgAddress, RequestID: requestID} UDP datagram to
// the tracker host's address over the shared Peer socket, so the tracker
// observes this daemon's NAT-mapped public endpoint and can correlate the
// reply with requestID.
func (r *Registry) AddressRequest(trackerName, connectionName, requestID string) {
	r.trackersMu.RLock()
	addr := r.trackerAddrs[trackerName]
	r.trackersMu.RUnlock()

	udpAddr, err := resolveUDPAddr(addr)
	if err != nil {
		r.logger.Printf("tracker %s: address_request: resolve %s: %v", trackerName, addr, err)
		return
	}
	if err := r.Peer.SendAddressResponse(udpAddr, requestID); err != nil {
		r.logger.Printf("tracker %s: address_request send failed: %v", trackerName, err)
	}
}

// PunchRequest implements application.TrackerEvents (spec.md §4.5): hole-
// punch toward the peer's endpoint, then, if this daemon is client-role for
// connectionName, originate the UTP connect (the server-role side merely
// accepts on the already-listening shared socket).
func (r *Registry) PunchRequest(trackerName, connectionName string, serverAddr, clientAddr *net.UDPAddr, parent string) {
	isServer, _, ok := r.Connections.RoleAndEncryption(trackerName, connectionName)
	if !ok {
		r.logger.Printf("tracker %s: punch_request for unknown connection %s", trackerName, connectionName)
		return
	}

	// peerAddr is the far end of this hole-punch: a server-role daemon
	// punches toward the client's observed endpoint, and vice versa.
	peerAddr := serverAddr
	if isServer {
		peerAddr = clientAddr
	}
	if peerAddr == nil {
		return
	}
	if err := r.Peer.Punch(peerAddr); err != nil {
		r.logger.Printf("tracker %s: punch toward %s failed: %v", trackerName, peerAddr, err)
		return
	}
	if isServer {
		return // server-role accepts the inbound UTP dial; nothing to originate
	}

	var conn application.Connection
	for _, c := range r.Connections.GetAll() {
		if c.Name == connectionName {
			conn = c
			break
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if _, err := r.Peer.Connect(ctx, conn, peerAddr.String()); err != nil {
		r.logger.Printf("tracker %s: connect to %s for %s failed: %v", trackerName, peerAddr, connectionName, err)
	}
}

const connectTimeout = 10 * time.Second

func resolveUDPAddr(hostPort string) (*net.UDPAddr, error) {
	return net.ResolveUDPAddr("udp", strings.TrimSpace(hostPort))
}

var _ application.TrackerEvents = (*Registry)(nil)
