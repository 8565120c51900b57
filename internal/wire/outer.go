package wire

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// OuterType is the OuterMessage.type enum (spec.md §4.4).
type OuterType int32

const (
	OuterConnectRequest OuterType = iota
	OuterConnectResponse
	OuterMessage_
	OuterEncryptedMessage
	OuterBye
)

// ConnectResult is OuterMessage.result, carried on CONNECT_RESPONSE.
type ConnectResult int32

const (
	ConnectAccepted ConnectResult = iota
	ConnectRejected
)

// field numbers shared by every OuterMessage variant.
const (
	outerFieldType           = 1
	outerFieldIdentity       = 2
	outerFieldPublicKey      = 3
	outerFieldSignature      = 4
	outerFieldEncrypted      = 5
	outerFieldConnectionName = 6
	outerFieldResult         = 7
	outerFieldNonce          = 8
	outerFieldPayload        = 9
)

// OuterMessage is the outer wire envelope framed on the UTP session
// (spec.md §4.4). Only the fields relevant to Type are populated; this
// mirrors a flattened (non-oneof) protobuf message.
type OuterMessage struct {
	Type           OuterType
	Identity       string
	PublicKey      []byte
	Signature      []byte
	Encrypted      bool
	ConnectionName string
	Result         ConnectResult
	Nonce          []byte
	Payload        []byte
}

func (m *OuterMessage) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, outerFieldType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Type))

	switch m.Type {
	case OuterConnectRequest:
		b = appendStringField(b, outerFieldIdentity, m.Identity)
		b = appendBytesField(b, outerFieldPublicKey, m.PublicKey)
		b = appendBytesField(b, outerFieldSignature, m.Signature)
		if m.Encrypted {
			b = protowire.AppendTag(b, outerFieldEncrypted, protowire.VarintType)
			b = protowire.AppendVarint(b, 1)
		}
		b = appendStringField(b, outerFieldConnectionName, m.ConnectionName)
	case OuterConnectResponse:
		b = protowire.AppendTag(b, outerFieldResult, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.Result))
	case OuterMessage_:
		b = appendBytesField(b, outerFieldPayload, m.Payload)
	case OuterEncryptedMessage:
		b = appendBytesField(b, outerFieldNonce, m.Nonce)
		b = appendBytesField(b, outerFieldPayload, m.Payload)
	case OuterBye:
		// no body
	}
	return b
}

func UnmarshalOuter(data []byte) (*OuterMessage, error) {
	m := &OuterMessage{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("wire: outer: bad tag: %w", protowire.ParseError(n))
		}
		data = data[n:]
		switch num {
		case outerFieldType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, errInvalidField("outer.type")
			}
			m.Type = OuterType(v)
			data = data[n:]
		case outerFieldIdentity:
			s, rest, err := consumeString(data)
			if err != nil {
				return nil, err
			}
			m.Identity = s
			data = rest
		case outerFieldPublicKey:
			v, rest, err := consumeBytes(data)
			if err != nil {
				return nil, err
			}
			m.PublicKey = v
			data = rest
		case outerFieldSignature:
			v, rest, err := consumeBytes(data)
			if err != nil {
				return nil, err
			}
			m.Signature = v
			data = rest
		case outerFieldEncrypted:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, errInvalidField("outer.encrypted")
			}
			m.Encrypted = v != 0
			data = data[n:]
		case outerFieldConnectionName:
			s, rest, err := consumeString(data)
			if err != nil {
				return nil, err
			}
			m.ConnectionName = s
			data = rest
		case outerFieldResult:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, errInvalidField("outer.result")
			}
			m.Result = ConnectResult(v)
			data = data[n:]
		case outerFieldNonce:
			v, rest, err := consumeBytes(data)
			if err != nil {
				return nil, err
			}
			m.Nonce = v
			data = rest
		case outerFieldPayload:
			v, rest, err := consumeBytes(data)
			if err != nil {
				return nil, err
			}
			m.Payload = v
			data = rest
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

var errFieldBase = errors.New("wire: invalid field")

func errInvalidField(name string) error {
	return fmt.Errorf("%w: %s", errFieldBase, name)
}
