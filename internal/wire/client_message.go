package wire

import (
	"fmt"

	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"
)

// ClientMessageType enumerates every request the CLI→ControlServer and
// ControlServer→Tracker legs exchange (spec.md §6). ControlServer and
// Tracker share one catalog: a control request not bound for the tracker
// (set_token, get_connections, update_connections, tree post-processing) is
// answered locally without ever touching the wire to a tracker host.
type ClientMessageType int32

const (
	MsgInit ClientMessageType = iota
	MsgConfirm
	MsgCreateDaemon
	MsgRegisterDaemon
	MsgDeleteDaemon
	MsgSetToken
	MsgCreate
	MsgDelete
	MsgImport
	MsgAttach
	MsgDetach
	MsgRemoteAttach
	MsgRemoteDetach
	MsgTree
	MsgConnectionsList
	MsgDaemonsList
	MsgGetConnections
	MsgStatus
	MsgPunch
	MsgAddress
	MsgLookupIdentity
	MsgRedeemMaster
	MsgRedeemDaemon
	MsgRedeemPath
	// local-only control operations (never leave the host, spec.md §4.6)
	MsgSetConnections
	MsgUpdateConnections
	MsgImportConnections
)

const (
	cmFieldID              = 1
	cmFieldType            = 2
	cmFieldTracker         = 3
	cmFieldEmail           = 4
	cmFieldPassword        = 5
	cmFieldConfirmCode     = 6
	cmFieldMasterToken     = 7
	cmFieldDaemonToken     = 8
	cmFieldConnectionToken = 9
	cmFieldPath            = 10
	cmFieldRole            = 11
	cmFieldConnectAddress  = 12
	cmFieldConnectPort     = 13
	cmFieldListenAddress   = 14
	cmFieldListenPort      = 15
	cmFieldEncrypted       = 16
	cmFieldFixed           = 17
	cmFieldPeers           = 18
	cmFieldIdentity        = 19
	cmFieldRequestID       = 20
	cmFieldParent          = 21
	cmFieldServerAddress   = 22
	cmFieldServerPort      = 23
	cmFieldClientAddress   = 24
	cmFieldClientPort      = 25
	cmFieldSessionCount    = 26
	cmFieldRaw             = 27
	cmFieldConnectionName  = 28
)

// ClientMessage is a single request (spec.md §6). Every request carries a
// fresh MessageID (UUID); responses echo it. Only the fields relevant to
// Type are populated — the flattened-message idiom also used by
// OuterMessage.
type ClientMessage struct {
	ID             uuid.UUID
	Type           ClientMessageType
	Tracker        string
	Email          string
	Password       string
	ConfirmCode    string
	MasterToken    string
	DaemonToken    string
	ConnectionToken string
	Path           string
	Role           Role
	ConnectAddress string
	ConnectPort    uint32
	ListenAddress  string
	ListenPort     uint32
	Encrypted      bool
	Fixed          bool
	Peers          []string
	Identity       string
	RequestID      string
	Parent         string
	ServerAddress  string
	ServerPort     uint32
	ClientAddress  string
	ClientPort     uint32
	SessionCount   uint32
	Raw            []byte
	ConnectionName string
}

func (m *ClientMessage) Marshal() []byte {
	var b []byte
	b = appendBytesField(b, cmFieldID, m.ID[:])
	b = appendVarintField(b, cmFieldType, uint64(m.Type))
	b = appendStringField(b, cmFieldTracker, m.Tracker)
	b = appendStringField(b, cmFieldEmail, m.Email)
	b = appendStringField(b, cmFieldPassword, m.Password)
	b = appendStringField(b, cmFieldConfirmCode, m.ConfirmCode)
	b = appendStringField(b, cmFieldMasterToken, m.MasterToken)
	b = appendStringField(b, cmFieldDaemonToken, m.DaemonToken)
	b = appendStringField(b, cmFieldConnectionToken, m.ConnectionToken)
	b = appendStringField(b, cmFieldPath, m.Path)
	b = appendVarintField(b, cmFieldRole, uint64(m.Role))
	b = appendStringField(b, cmFieldConnectAddress, m.ConnectAddress)
	b = appendUint32Field(b, cmFieldConnectPort, m.ConnectPort)
	b = appendStringField(b, cmFieldListenAddress, m.ListenAddress)
	b = appendUint32Field(b, cmFieldListenPort, m.ListenPort)
	b = appendBoolField(b, cmFieldEncrypted, m.Encrypted)
	b = appendBoolField(b, cmFieldFixed, m.Fixed)
	for _, p := range m.Peers {
		b = appendStringField(b, cmFieldPeers, p)
	}
	b = appendStringField(b, cmFieldIdentity, m.Identity)
	b = appendStringField(b, cmFieldRequestID, m.RequestID)
	b = appendStringField(b, cmFieldParent, m.Parent)
	b = appendStringField(b, cmFieldServerAddress, m.ServerAddress)
	b = appendUint32Field(b, cmFieldServerPort, m.ServerPort)
	b = appendStringField(b, cmFieldClientAddress, m.ClientAddress)
	b = appendUint32Field(b, cmFieldClientPort, m.ClientPort)
	b = appendUint32Field(b, cmFieldSessionCount, m.SessionCount)
	b = appendBytesField(b, cmFieldRaw, m.Raw)
	b = appendStringField(b, cmFieldConnectionName, m.ConnectionName)
	return b
}

func UnmarshalClientMessage(data []byte) (*ClientMessage, error) {
	m := &ClientMessage{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("wire: client message: bad tag: %w", protowire.ParseError(n))
		}
		data = data[n:]
		switch num {
		case cmFieldID:
			v, rest, err := consumeBytes(data)
			if err != nil {
				return nil, err
			}
			if len(v) != 16 {
				return nil, errInvalidField("client_message.id")
			}
			copy(m.ID[:], v)
			data = rest
		case cmFieldType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, errInvalidField("client_message.type")
			}
			m.Type = ClientMessageType(v)
			data = data[n:]
		case cmFieldTracker:
			v, rest, err := consumeString(data)
			if err != nil {
				return nil, err
			}
			m.Tracker, data = v, rest
		case cmFieldEmail:
			v, rest, err := consumeString(data)
			if err != nil {
				return nil, err
			}
			m.Email, data = v, rest
		case cmFieldPassword:
			v, rest, err := consumeString(data)
			if err != nil {
				return nil, err
			}
			m.Password, data = v, rest
		case cmFieldConfirmCode:
			v, rest, err := consumeString(data)
			if err != nil {
				return nil, err
			}
			m.ConfirmCode, data = v, rest
		case cmFieldMasterToken:
			v, rest, err := consumeString(data)
			if err != nil {
				return nil, err
			}
			m.MasterToken, data = v, rest
		case cmFieldDaemonToken:
			v, rest, err := consumeString(data)
			if err != nil {
				return nil, err
			}
			m.DaemonToken, data = v, rest
		case cmFieldConnectionToken:
			v, rest, err := consumeString(data)
			if err != nil {
				return nil, err
			}
			m.ConnectionToken, data = v, rest
		case cmFieldPath:
			v, rest, err := consumeString(data)
			if err != nil {
				return nil, err
			}
			m.Path, data = v, rest
		case cmFieldRole:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, errInvalidField("client_message.role")
			}
			m.Role = Role(v)
			data = data[n:]
		case cmFieldConnectAddress:
			v, rest, err := consumeString(data)
			if err != nil {
				return nil, err
			}
			m.ConnectAddress, data = v, rest
		case cmFieldConnectPort:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, errInvalidField("client_message.connect_port")
			}
			m.ConnectPort = uint32(v)
			data = data[n:]
		case cmFieldListenAddress:
			v, rest, err := consumeString(data)
			if err != nil {
				return nil, err
			}
			m.ListenAddress, data = v, rest
		case cmFieldListenPort:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, errInvalidField("client_message.listen_port")
			}
			m.ListenPort = uint32(v)
			data = data[n:]
		case cmFieldEncrypted:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, errInvalidField("client_message.encrypted")
			}
			m.Encrypted = v != 0
			data = data[n:]
		case cmFieldFixed:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, errInvalidField("client_message.fixed")
			}
			m.Fixed = v != 0
			data = data[n:]
		case cmFieldPeers:
			var s string
			var err error
			s, data, err = consumeString(data)
			if err != nil {
				return nil, err
			}
			m.Peers = append(m.Peers, s)
		case cmFieldIdentity:
			v, rest, err := consumeString(data)
			if err != nil {
				return nil, err
			}
			m.Identity, data = v, rest
		case cmFieldRequestID:
			v, rest, err := consumeString(data)
			if err != nil {
				return nil, err
			}
			m.RequestID, data = v, rest
		case cmFieldParent:
			v, rest, err := consumeString(data)
			if err != nil {
				return nil, err
			}
			m.Parent, data = v, rest
		case cmFieldServerAddress:
			v, rest, err := consumeString(data)
			if err != nil {
				return nil, err
			}
			m.ServerAddress, data = v, rest
		case cmFieldServerPort:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, errInvalidField("client_message.server_port")
			}
			m.ServerPort = uint32(v)
			data = data[n:]
		case cmFieldClientAddress:
			v, rest, err := consumeString(data)
			if err != nil {
				return nil, err
			}
			m.ClientAddress, data = v, rest
		case cmFieldClientPort:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, errInvalidField("client_message.client_port")
			}
			m.ClientPort = uint32(v)
			data = data[n:]
		case cmFieldSessionCount:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, errInvalidField("client_message.session_count")
			}
			m.SessionCount = uint32(v)
			data = data[n:]
		case cmFieldRaw:
			v, rest, err := consumeBytes(data)
			if err != nil {
				return nil, err
			}
			m.Raw = v
			data = rest
		case cmFieldConnectionName:
			v, rest, err := consumeString(data)
			if err != nil {
				return nil, err
			}
			m.ConnectionName, data = v, rest
		default:
			rest, err := skipField(data, typ)
			if err != nil {
				return nil, err
			}
			data = rest
		}
	}
	return m, nil
}
