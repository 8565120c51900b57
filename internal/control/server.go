// Package control implements the C6 ControlServer subsystem (spec.md
// §4.6): the UNIX-domain-socket request/response surface local CLI tools
// use to drive the daemon.
package control

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"bhid/application"
	"bhid/internal/tracker"
	"bhid/internal/wire"
)

// Server implements application.ControlServer.
type Server struct {
	logger      application.Logger
	connections application.ConnectionsList
	tracker     application.Tracker
}

func New(logger application.Logger, connections application.ConnectionsList, trk application.Tracker) *Server {
	return &Server{logger: logger, connections: connections, tracker: trk}
}

// Run binds socketPath and serves ClientMessage requests, one goroutine per
// accepted client (spec.md §4.6), until ctx is cancelled.
func (s *Server) Run(ctx context.Context, socketPath string) error {
	_ = os.Remove(socketPath) // stale socket from a prior unclean shutdown
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("control: listen on %s: %w", socketPath, err)
	}
	if err := chmodSocket(socketPath); err != nil {
		ln.Close()
		return fmt.Errorf("control: chmod %s: %w", socketPath, err)
	}

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			return fmt.Errorf("control: accept: %w", err)
		}
		go s.serveClient(ctx, conn)
	}
}

// chmodSocket sets the control socket file's mode to 0600 by path, right
// after bind. fchmod on the listener's descriptor would change the socket's
// own inode, not the file bind created, so the path is used. Until this
// call returns, the file carries the umask-derived default mode.
func chmodSocket(socketPath string) error {
	if err := unix.Chmod(socketPath, 0o600); err != nil {
		return fmt.Errorf("chmod %s: %w", socketPath, err)
	}
	return nil
}

func (s *Server) serveClient(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	for {
		payload, err := wire.ReadFrame(conn)
		if err != nil {
			return
		}
		req, err := wire.UnmarshalClientMessage(payload)
		if err != nil {
			s.logger.Printf("control: malformed request: %v", err)
			return
		}
		reply := s.dispatch(ctx, req)
		reply.ID = req.ID
		reply.Type = req.Type
		if err := wire.WriteFrame(conn, reply.Marshal()); err != nil {
			return
		}
	}
}

// dispatch answers local-only operations directly (spec.md §4.6: set_token,
// get_connections, update_connections, tree never leave the host) and
// relays everything else to Tracker, correlating the reply back to req.ID.
func (s *Server) dispatch(ctx context.Context, req *wire.ClientMessage) *wire.ServerMessage {
	switch req.Type {
	case wire.MsgSetToken:
		return s.handleSetToken(req)
	case wire.MsgGetConnections:
		return s.handleGetConnections(req)
	case wire.MsgSetConnections, wire.MsgUpdateConnections, wire.MsgImportConnections:
		return s.handleUpdateConnections(req)
	case wire.MsgTree:
		return s.handleTree(req)
	default:
		return s.relayToTracker(ctx, req)
	}
}

func (s *Server) handleSetToken(req *wire.ClientMessage) *wire.ServerMessage {
	if req.MasterToken != "" {
		if err := s.tracker.SetMasterToken(req.Tracker, req.MasterToken); err != nil {
			s.logger.Printf("control: set master token: %v", err)
			return &wire.ServerMessage{Result: wire.ResultRejected}
		}
	}
	if req.DaemonToken != "" {
		if err := s.tracker.SetDaemonToken(req.Tracker, req.DaemonToken); err != nil {
			s.logger.Printf("control: set daemon token: %v", err)
			return &wire.ServerMessage{Result: wire.ResultRejected}
		}
	}
	return &wire.ServerMessage{Result: wire.ResultAccepted}
}

func (s *Server) handleGetConnections(req *wire.ClientMessage) *wire.ServerMessage {
	servers, clients := s.connections.Get(req.Tracker)
	imported := s.connections.GetImported(req.Tracker)

	records := make([]*wire.ConnectionRecord, 0, len(servers)+len(clients)+len(imported))
	for _, c := range servers {
		records = append(records, toRecord(c))
	}
	for _, c := range clients {
		records = append(records, toRecord(c))
	}
	for _, c := range imported {
		records = append(records, toRecord(c))
	}
	return &wire.ServerMessage{Result: wire.ResultAccepted, Connections: records}
}

// handleTree is the local post-processing spec.md §4.6 names: every known
// connection across every tracker, flattened for the CLI to render as a
// tree (tracker → connection name → role).
func (s *Server) handleTree(req *wire.ClientMessage) *wire.ServerMessage {
	all := s.connections.GetAll()
	records := make([]*wire.ConnectionRecord, 0, len(all))
	for _, c := range all {
		records = append(records, toRecord(c))
	}
	return &wire.ServerMessage{Result: wire.ResultAccepted, Connections: records}
}

func (s *Server) handleUpdateConnections(req *wire.ClientMessage) *wire.ServerMessage {
	name := req.ConnectionName
	if name == "" {
		return &wire.ServerMessage{Result: wire.ResultInvalidArgument}
	}
	// spec.md §9: gate local connection updates on the named tracker being
	// connected, the safer of the two documented behaviors.
	if req.Tracker != "" && !s.tracker.Connected(req.Tracker) {
		return &wire.ServerMessage{Result: wire.ResultNoTracker}
	}
	isServer := req.Role == wire.RoleServer
	record := application.Connection{
		ConnectAddress: req.ConnectAddress,
		ConnectPort:    req.ConnectPort,
		ListenAddress:  req.ListenAddress,
		ListenPort:     req.ListenPort,
		Encrypted:      req.Encrypted,
		Fixed:          req.Fixed,
		Peers:          req.Peers,
		Imported:       req.Type == wire.MsgImportConnections,
	}
	s.connections.Update(req.Tracker, name, isServer, record)
	if err := s.connections.Save(); err != nil {
		s.logger.Printf("control: save connections: %v", err)
		return &wire.ServerMessage{Result: wire.ResultRejected}
	}
	return &wire.ServerMessage{Result: wire.ResultAccepted}
}

// relayToTracker forwards req toward its tracker with a freshly generated
// messageId (spec.md §4.6), then translates the reply/timeout back to the
// caller.
func (s *Server) relayToTracker(ctx context.Context, req *wire.ClientMessage) *wire.ServerMessage {
	forwarded := *req
	forwarded.ID = uuid.New()

	reply, err := s.tracker.Send(ctx, req.Tracker, &forwarded)
	if err == nil {
		return reply
	}
	switch {
	case errors.Is(err, tracker.ErrTimeout):
		return &wire.ServerMessage{Result: wire.ResultTimeout}
	case errors.Is(err, tracker.ErrNoTracker):
		return &wire.ServerMessage{Result: wire.ResultNoTracker}
	default:
		s.logger.Printf("control: relay to tracker %s failed: %v", req.Tracker, err)
		return &wire.ServerMessage{Result: wire.ResultRejected}
	}
}

func toRecord(c application.Connection) *wire.ConnectionRecord {
	role := wire.RoleClient
	if c.IsServer {
		role = wire.RoleServer
	}
	return &wire.ConnectionRecord{
		Name:           c.Name,
		Role:           role,
		ConnectAddress: c.ConnectAddress,
		ConnectPort:    c.ConnectPort,
		ListenAddress:  c.ListenAddress,
		ListenPort:     c.ListenPort,
		Encrypted:      c.Encrypted,
		Fixed:          c.Fixed,
		Peers:          c.Peers,
		Tracker:        c.Tracker,
		SessionCount:   uint32(len(c.SessionIDs)),
	}
}

var _ application.ControlServer = (*Server)(nil)
