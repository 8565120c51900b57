// Package wire implements bhid's length-prefixed message framing.
//
// Every socket in the daemon — the UTP peer session, the tracker TCP
// connection, and the local control-server UNIX socket — speaks the same
// wire shape: a 4-byte big-endian length prefix followed by a protobuf-wire
// encoded payload (spec.md §6). Message bodies are hand-encoded with
// google.golang.org/protobuf/encoding/protowire rather than generated from
// .proto files.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxFrameBytes bounds a single frame to guard against a peer announcing an
// absurd length and exhausting memory before the read fails.
const MaxFrameBytes = 16 * 1024 * 1024

var ErrFrameTooLarge = errors.New("wire: frame exceeds MaxFrameBytes")

// WriteFrame writes a length-prefixed payload to w.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameBytes {
		return ErrFrameTooLarge
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("wire: write length prefix: %w", err)
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("wire: write payload: %w", err)
	}
	return nil
}

// Frame returns payload with its 4-byte big-endian length prefix, for
// callers that need the framed bytes as a value rather than writing them
// to an io.Writer (e.g. a single UDP datagram, spec.md §4.5 AddressRequest).
func Frame(payload []byte) ([]byte, error) {
	if len(payload) > MaxFrameBytes {
		return nil, ErrFrameTooLarge
	}
	framed := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(framed[:4], uint32(len(payload)))
	copy(framed[4:], payload)
	return framed, nil
}

// ReadFrame reads one length-prefixed payload from r.
func ReadFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > MaxFrameBytes {
		return nil, ErrFrameTooLarge
	}
	if n == 0 {
		return []byte{}, nil
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("wire: read payload: %w", err)
	}
	return payload, nil
}
