package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

func appendStringField(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendUint32Field(b []byte, num protowire.Number, v uint32) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

func appendBoolField(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, 1)
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func consumeString(data []byte) (string, []byte, error) {
	v, n := protowire.ConsumeBytes(data)
	if n < 0 {
		return "", nil, fmt.Errorf("wire: bad length-delimited field: %w", protowire.ParseError(n))
	}
	return string(v), data[n:], nil
}

func consumeBytes(data []byte) ([]byte, []byte, error) {
	v, n := protowire.ConsumeBytes(data)
	if n < 0 {
		return nil, nil, fmt.Errorf("wire: bad length-delimited field: %w", protowire.ParseError(n))
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, data[n:], nil
}

func skipField(data []byte, typ protowire.Type) ([]byte, error) {
	n := protowire.ConsumeFieldValue(0, typ, data)
	if n < 0 {
		return nil, fmt.Errorf("wire: bad field value: %w", protowire.ParseError(n))
	}
	return data[n:], nil
}
