package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Role mirrors the Connection.role enum (spec.md §3).
type Role int32

const (
	RoleNotConnected Role = iota
	RoleServer
	RoleClient
)

const (
	crFieldName           = 1
	crFieldRole           = 2
	crFieldConnectAddress = 3
	crFieldConnectPort    = 4
	crFieldListenAddress  = 5
	crFieldListenPort     = 6
	crFieldEncrypted      = 7
	crFieldFixed          = 8
	crFieldPeers          = 9
	crFieldTracker        = 10
	crFieldSessionCount   = 11
)

// ConnectionRecord is the wire shape of a Connection (spec.md §3), used by
// ControlServer responses (get-connections, tree) and by the tracker's
// connections_list push. ConnectionsList's on-disk representation is
// handled separately by internal/connections (INI, not protobuf-wire).
type ConnectionRecord struct {
	Name           string
	Role           Role
	ConnectAddress string
	ConnectPort    uint32
	ListenAddress  string
	ListenPort     uint32
	Encrypted      bool
	Fixed          bool
	Peers          []string
	Tracker        string
	SessionCount   uint32
}

func (r *ConnectionRecord) Marshal() []byte {
	var b []byte
	b = appendStringField(b, crFieldName, r.Name)
	b = appendVarintField(b, crFieldRole, uint64(r.Role))
	b = appendStringField(b, crFieldConnectAddress, r.ConnectAddress)
	b = appendUint32Field(b, crFieldConnectPort, r.ConnectPort)
	b = appendStringField(b, crFieldListenAddress, r.ListenAddress)
	b = appendUint32Field(b, crFieldListenPort, r.ListenPort)
	b = appendBoolField(b, crFieldEncrypted, r.Encrypted)
	b = appendBoolField(b, crFieldFixed, r.Fixed)
	for _, p := range r.Peers {
		b = appendStringField(b, crFieldPeers, p)
	}
	b = appendStringField(b, crFieldTracker, r.Tracker)
	b = appendUint32Field(b, crFieldSessionCount, r.SessionCount)
	return b
}

func UnmarshalConnectionRecord(data []byte) (*ConnectionRecord, error) {
	r := &ConnectionRecord{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("wire: connection record: bad tag: %w", protowire.ParseError(n))
		}
		data = data[n:]
		switch num {
		case crFieldName:
			s, rest, err := consumeString(data)
			if err != nil {
				return nil, err
			}
			r.Name = s
			data = rest
		case crFieldRole:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, errInvalidField("connection.role")
			}
			r.Role = Role(v)
			data = data[n:]
		case crFieldConnectAddress:
			s, rest, err := consumeString(data)
			if err != nil {
				return nil, err
			}
			r.ConnectAddress = s
			data = rest
		case crFieldConnectPort:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, errInvalidField("connection.connect_port")
			}
			r.ConnectPort = uint32(v)
			data = data[n:]
		case crFieldListenAddress:
			s, rest, err := consumeString(data)
			if err != nil {
				return nil, err
			}
			r.ListenAddress = s
			data = rest
		case crFieldListenPort:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, errInvalidField("connection.listen_port")
			}
			r.ListenPort = uint32(v)
			data = data[n:]
		case crFieldEncrypted:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, errInvalidField("connection.encrypted")
			}
			r.Encrypted = v != 0
			data = data[n:]
		case crFieldFixed:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, errInvalidField("connection.fixed")
			}
			r.Fixed = v != 0
			data = data[n:]
		case crFieldPeers:
			s, rest, err := consumeString(data)
			if err != nil {
				return nil, err
			}
			r.Peers = append(r.Peers, s)
			data = rest
		case crFieldTracker:
			s, rest, err := consumeString(data)
			if err != nil {
				return nil, err
			}
			r.Tracker = s
			data = rest
		case crFieldSessionCount:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, errInvalidField("connection.session_count")
			}
			r.SessionCount = uint32(v)
			data = data[n:]
		default:
			rest, err := skipField(data, typ)
			if err != nil {
				return nil, err
			}
			data = rest
		}
	}
	return r, nil
}
