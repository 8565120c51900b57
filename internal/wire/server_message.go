package wire

import (
	"fmt"

	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"
)

// Result is the outcome enum carried on every ServerMessage (spec.md §6,
// §7). The CLI front translates it to a human phrase and an exit code.
type Result int32

const (
	ResultAccepted Result = iota
	ResultRejected
	ResultTimeout
	ResultNotFound
	ResultNoTracker
	ResultCancelled
	ResultAlreadyExists
	ResultInvalidArgument
)

const (
	smFieldID            = 1
	smFieldType          = 2
	smFieldResult        = 3
	smFieldMasterToken   = 4
	smFieldDaemonToken   = 5
	smFieldConnectionTok = 6
	smFieldConnections   = 7 // repeated, each a marshaled ConnectionRecord
	smFieldPeerName      = 8
	smFieldPeerKey       = 9
	smFieldTree          = 10
	smFieldDaemons       = 11
	smFieldServerAddress = 12
	smFieldServerPort    = 13
	smFieldClientAddress = 14
	smFieldClientPort    = 15
	smFieldParent         = 16
	smFieldRequestID      = 17
	smFieldRaw            = 18
	smFieldConnectionName = 19
)

// ServerMessage is the reply to a ClientMessage, echoing its ID (spec.md §6).
type ServerMessage struct {
	ID              uuid.UUID
	Type            ClientMessageType
	Result          Result
	MasterToken     string
	DaemonToken     string
	ConnectionToken string
	Connections     []*ConnectionRecord
	PeerName        string
	PeerKey         []byte
	Tree            []byte
	Daemons         []byte
	ServerAddress   string
	ServerPort      uint32
	ClientAddress   string
	ClientPort      uint32
	Parent          string
	RequestID       string
	Raw             []byte
	ConnectionName  string
}

func (m *ServerMessage) Marshal() []byte {
	var b []byte
	b = appendBytesField(b, smFieldID, m.ID[:])
	b = appendVarintField(b, smFieldType, uint64(m.Type))
	b = appendVarintField(b, smFieldResult, uint64(m.Result))
	b = appendStringField(b, smFieldMasterToken, m.MasterToken)
	b = appendStringField(b, smFieldDaemonToken, m.DaemonToken)
	b = appendStringField(b, smFieldConnectionTok, m.ConnectionToken)
	for _, c := range m.Connections {
		b = appendBytesField(b, smFieldConnections, c.Marshal())
	}
	b = appendStringField(b, smFieldPeerName, m.PeerName)
	b = appendBytesField(b, smFieldPeerKey, m.PeerKey)
	b = appendBytesField(b, smFieldTree, m.Tree)
	b = appendBytesField(b, smFieldDaemons, m.Daemons)
	b = appendStringField(b, smFieldServerAddress, m.ServerAddress)
	b = appendUint32Field(b, smFieldServerPort, m.ServerPort)
	b = appendStringField(b, smFieldClientAddress, m.ClientAddress)
	b = appendUint32Field(b, smFieldClientPort, m.ClientPort)
	b = appendStringField(b, smFieldParent, m.Parent)
	b = appendStringField(b, smFieldRequestID, m.RequestID)
	b = appendBytesField(b, smFieldRaw, m.Raw)
	b = appendStringField(b, smFieldConnectionName, m.ConnectionName)
	return b
}

func UnmarshalServerMessage(data []byte) (*ServerMessage, error) {
	m := &ServerMessage{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("wire: server message: bad tag: %w", protowire.ParseError(n))
		}
		data = data[n:]
		switch num {
		case smFieldID:
			v, rest, err := consumeBytes(data)
			if err != nil {
				return nil, err
			}
			if len(v) != 16 {
				return nil, errInvalidField("server_message.id")
			}
			copy(m.ID[:], v)
			data = rest
		case smFieldType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, errInvalidField("server_message.type")
			}
			m.Type = ClientMessageType(v)
			data = data[n:]
		case smFieldResult:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, errInvalidField("server_message.result")
			}
			m.Result = Result(v)
			data = data[n:]
		case smFieldMasterToken:
			v, rest, err := consumeString(data)
			if err != nil {
				return nil, err
			}
			m.MasterToken, data = v, rest
		case smFieldDaemonToken:
			v, rest, err := consumeString(data)
			if err != nil {
				return nil, err
			}
			m.DaemonToken, data = v, rest
		case smFieldConnectionTok:
			v, rest, err := consumeString(data)
			if err != nil {
				return nil, err
			}
			m.ConnectionToken, data = v, rest
		case smFieldConnections:
			v, rest, err := consumeBytes(data)
			if err != nil {
				return nil, err
			}
			rec, err := UnmarshalConnectionRecord(v)
			if err != nil {
				return nil, err
			}
			m.Connections = append(m.Connections, rec)
			data = rest
		case smFieldPeerName:
			v, rest, err := consumeString(data)
			if err != nil {
				return nil, err
			}
			m.PeerName, data = v, rest
		case smFieldPeerKey:
			v, rest, err := consumeBytes(data)
			if err != nil {
				return nil, err
			}
			m.PeerKey, data = v, rest
		case smFieldTree:
			v, rest, err := consumeBytes(data)
			if err != nil {
				return nil, err
			}
			m.Tree, data = v, rest
		case smFieldDaemons:
			v, rest, err := consumeBytes(data)
			if err != nil {
				return nil, err
			}
			m.Daemons, data = v, rest
		case smFieldServerAddress:
			v, rest, err := consumeString(data)
			if err != nil {
				return nil, err
			}
			m.ServerAddress, data = v, rest
		case smFieldServerPort:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, errInvalidField("server_message.server_port")
			}
			m.ServerPort = uint32(v)
			data = data[n:]
		case smFieldClientAddress:
			v, rest, err := consumeString(data)
			if err != nil {
				return nil, err
			}
			m.ClientAddress, data = v, rest
		case smFieldClientPort:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, errInvalidField("server_message.client_port")
			}
			m.ClientPort = uint32(v)
			data = data[n:]
		case smFieldParent:
			v, rest, err := consumeString(data)
			if err != nil {
				return nil, err
			}
			m.Parent, data = v, rest
		case smFieldRequestID:
			v, rest, err := consumeString(data)
			if err != nil {
				return nil, err
			}
			m.RequestID, data = v, rest
		case smFieldRaw:
			v, rest, err := consumeBytes(data)
			if err != nil {
				return nil, err
			}
			m.Raw, data = v, rest
		case smFieldConnectionName:
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
