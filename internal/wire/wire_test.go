package wire

import (
	"bytes"
	"testing"

	"github.com/google/uuid"
)

func TestOuterMessageRoundTrip(t *testing.T) {
	cases := []*OuterMessage{
		{
			Type:           OuterConnectRequest,
			Identity:       "deadbeef",
			PublicKey:      []byte("pubkey-bytes"),
			Signature:      []byte("sig-bytes"),
			Encrypted:      true,
			ConnectionName: "tracker#a@b.com/path",
		},
		{Type: OuterConnectResponse, Result: ConnectRejected},
		{Type: OuterMessage_, Payload: []byte("inner-bytes")},
		{Type: OuterEncryptedMessage, Nonce: bytes.Repeat([]byte{7}, 24), Payload: []byte("ciphertext")},
		{Type: OuterBye},
	}
	for _, c := range cases {
		data := c.Marshal()
		got, err := UnmarshalOuter(data)
		if err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if got.Type != c.Type || got.ConnectionName != c.ConnectionName || got.Encrypted != c.Encrypted ||
			!bytes.Equal(got.PublicKey, c.PublicKey) || !bytes.Equal(got.Signature, c.Signature) ||
			got.Result != c.Result || !bytes.Equal(got.Nonce, c.Nonce) || !bytes.Equal(got.Payload, c.Payload) {
			t.Fatalf("round trip mismatch: got %+v, want %+v", got, c)
		}
	}
}

func TestInnerMessageRoundTrip(t *testing.T) {
	id := uuid.New()
	cases := []*InnerMessage{
		{Type: InnerOpen, ID: id},
		{Type: InnerData, ID: id, Data: []byte("payload")},
		{Type: InnerClose, ID: id},
	}
	for _, c := range cases {
		got, err := UnmarshalInner(c.Marshal())
		if err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if got.Type != c.Type || got.ID != c.ID || !bytes.Equal(got.Data, c.Data) {
			t.Fatalf("round trip mismatch: got %+v, want %+v", got, c)
		}
	}
}

func TestClientMessageRoundTrip(t *testing.T) {
	msg := &ClientMessage{
		ID:             uuid.New(),
		Type:           MsgCreate,
		Tracker:        "example.com:8000",
		Path:           "/svc/sub",
		Role:           RoleServer,
		ConnectAddress: "127.0.0.1",
		ConnectPort:    9001,
		Encrypted:      true,
		Fixed:          true,
		Peers:          []string{"a@b.com", "c@d.com"},
	}
	data := msg.Marshal()
	got, err := UnmarshalClientMessage(data)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.ID != msg.ID || got.Type != msg.Type || got.Tracker != msg.Tracker || got.Path != msg.Path ||
		got.Role != msg.Role || got.ConnectAddress != msg.ConnectAddress || got.ConnectPort != msg.ConnectPort ||
		got.Encrypted != msg.Encrypted || got.Fixed != msg.Fixed || len(got.Peers) != 2 {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, msg)
	}
}

func TestServerMessageRoundTripWithConnections(t *testing.T) {
	msg := &ServerMessage{
		ID:     uuid.New(),
		Type:   MsgConnectionsList,
		Result: ResultAccepted,
		Connections: []*ConnectionRecord{
			{Name: "t#a/path", Role: RoleServer, ConnectAddress: "127.0.0.1", ConnectPort: 9001},
			{Name: "t#b/path2", Role: RoleClient, ListenAddress: "127.0.0.1", ListenPort: 9000, Fixed: true, Peers: []string{"x"}},
		},
	}
	got, err := UnmarshalServerMessage(msg.Marshal())
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.ID != msg.ID || got.Result != msg.Result || len(got.Connections) != 2 {
		t.Fatalf("round trip mismatch: got %+v", got)
	}
	if got.Connections[1].Fixed != true || len(got.Connections[1].Peers) != 1 {
		t.Fatalf("nested connection record mismatch: %+v", got.Connections[1])
	}
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("hello frame")
	if err := WriteFrame(&buf, payload); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("got %q, want %q", got, payload)
	}
}
