package wire

import (
	"fmt"

	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"
)

// InnerType is the InnerMessage.type enum (spec.md §4.3/§4.4): the
// channel-level protocol carried inside an outer MESSAGE/ENCRYPTED_MESSAGE.
type InnerType int32

const (
	InnerOpen InnerType = iota
	InnerData
	InnerClose
)

const (
	innerFieldType = 1
	innerFieldID   = 2
	innerFieldData = 3
)

// InnerMessage is one channel-level OPEN/DATA/CLOSE frame (spec.md §3 Channel,
// §4.3 Front).
type InnerMessage struct {
	Type InnerType
	ID   uuid.UUID
	Data []byte
}

func (m *InnerMessage) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, innerFieldType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Type))
	b = appendBytesField(b, innerFieldID, m.ID[:])
	if m.Type == InnerData {
		b = appendBytesField(b, innerFieldData, m.Data)
	}
	return b
}

func UnmarshalInner(data []byte) (*InnerMessage, error) {
	m := &InnerMessage{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("wire: inner: bad tag: %w", protowire.ParseError(n))
		}
		data = data[n:]
		switch num {
		case innerFieldType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, errInvalidField("inner.type")
			}
			m.Type = InnerType(v)
			data = data[n:]
		case innerFieldID:
			v, rest, err := consumeBytes(data)
			if err != nil {
				return nil, err
			}
			if len(v) != 16 {
				return nil, errInvalidField("inner.id")
			}
			copy(m.ID[:], v)
			data = rest
		case innerFieldData:
			v, rest, err := consumeBytes(data)
			if err != nil {
				return nil, err
			}
			m.Data = v
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
