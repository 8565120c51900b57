package logging

import (
	"bytes"
	"log"
	"strings"
	"testing"
)

func TestStdLogger_Printf_WritesFormattedMessage(t *testing.T) {
	var buf bytes.Buffer
	l := &StdLogger{component: "peer", std: log.New(&buf, "", 0)}

	l.Printf("session %s established", "abc")

	if !strings.Contains(buf.String(), "[peer] session abc established") {
		t.Fatalf("expected tagged message, got %q", buf.String())
	}
}

func TestStdLogger_With_NestsComponentTag(t *testing.T) {
	l := New("peer").With("handshake")
	sl, ok := l.(*StdLogger)
	if !ok {
		t.Fatalf("expected *StdLogger, got %T", l)
	}
	if sl.component != "peer.handshake" {
		t.Fatalf("expected nested component tag, got %q", sl.component)
	}
}
