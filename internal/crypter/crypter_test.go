package crypter

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	"bhid/internal/logging"
)

func genRSAFiles(t *testing.T, dir string) (privPath, pubPath string, pub *rsa.PublicKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate rsa key: %v", err)
	}
	privPath = filepath.Join(dir, "private.rsa")
	pubPath = filepath.Join(dir, "public.rsa")
	if err := os.WriteFile(privPath, x509.MarshalPKCS1PrivateKey(key), 0o600); err != nil {
		t.Fatalf("write priv: %v", err)
	}
	if err := os.WriteFile(pubPath, x509.MarshalPKCS1PublicKey(&key.PublicKey), 0o644); err != nil {
		t.Fatalf("write pub: %v", err)
	}
	return privPath, pubPath, &key.PublicKey
}

func TestInitGeneratesIdentityOnFirstRun(t *testing.T) {
	dir := t.TempDir()
	privPath := filepath.Join(dir, "id", "private.rsa")
	pubPath := filepath.Join(dir, "id", "public.rsa")

	c := New(dir, logging.New("test"))
	if err := c.Init(privPath, pubPath); err != nil {
		t.Fatalf("init: %v", err)
	}
	if c.Identity() == "" {
		t.Fatal("expected a non-empty identity after first-run generation")
	}
	if _, err := os.Stat(privPath); err != nil {
		t.Fatalf("expected private key to be written: %v", err)
	}
	if _, err := os.Stat(pubPath); err != nil {
		t.Fatalf("expected public key to be written: %v", err)
	}

	// A second Init against the same files must reuse them, not regenerate.
	c2 := New(dir, logging.New("test"))
	if err := c2.Init(privPath, pubPath); err != nil {
		t.Fatalf("second init: %v", err)
	}
	if c2.Identity() != c.Identity() {
		t.Fatalf("identity changed across reload: %s != %s", c2.Identity(), c.Identity())
	}
}

func TestSignVerifyRoundTrip(t *testing.T) {
	dir := t.TempDir()
	privPath, pubPath, pub := genRSAFiles(t, dir)

	c := New(dir, logging.New("test"))
	if err := c.Init(privPath, pubPath); err != nil {
		t.Fatalf("init: %v", err)
	}

	msg := []byte("nacl-public-key-bytes-placeholder")
	sig, err := c.Sign(msg)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if !verifySignature(pub, msg, sig) {
		t.Fatalf("expected signature to verify")
	}
	if verifySignature(pub, []byte("tampered"), sig) {
		t.Fatalf("expected signature over different data to fail")
	}
}

func TestEncryptDecryptRoundTripSharedKey(t *testing.T) {
	idA := uuid.New()
	idB := uuid.New()

	sessA, err := newCryptoSession(idA, "t#a/path")
	if err != nil {
		t.Fatalf("new session a: %v", err)
	}
	sessB, err := newCryptoSession(idB, "t#a/path")
	if err != nil {
		t.Fatalf("new session b: %v", err)
	}

	if err := sessA.setPeerKey(sessB.publicKey[:]); err != nil {
		t.Fatalf("bind peer key a: %v", err)
	}
	if err := sessB.setPeerKey(sessA.publicKey[:]); err != nil {
		t.Fatalf("bind peer key b: %v", err)
	}

	plaintext := []byte("ping")
	nonce, ciphertext, err := sessA.encrypt(plaintext)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	got, err := sessB.decrypt(nonce, ciphertext)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if string(got) != "ping" {
		t.Fatalf("expected ping, got %q", got)
	}
}

func TestDecryptFailsWithoutPeerKey(t *testing.T) {
	sess, err := newCryptoSession(uuid.New(), "t#a/path")
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if _, err := sess.decrypt([24]byte{}, []byte("x")); err != ErrNoPeerKey {
		t.Fatalf("expected ErrNoPeerKey, got %v", err)
	}
}

type stubLookup struct {
	fixed bool
	peers []string
	ok    bool
}

func (s stubLookup) FixedPeers(tracker, connectionName string) (bool, []string, bool) {
	return s.fixed, s.peers, s.ok
}

type stubResolver struct {
	name string
	der  []byte
	err  error
}

func (s stubResolver) LookupIdentity(ctx context.Context, tracker, identity string) (string, []byte, error) {
	return s.name, s.der, s.err
}

func TestVerifyRejectsPeerNotInFixedList(t *testing.T) {
	dir := t.TempDir()
	privPath, pubPath, _ := genRSAFiles(t, dir)
	peerDir := t.TempDir()
	_, peerPubPath, peerPub := genRSAFiles(t, peerDir)
	peerDER, err := os.ReadFile(peerPubPath)
	if err != nil {
		t.Fatalf("read peer pub: %v", err)
	}
	_ = peerPub

	c := New(dir, logging.New("test"))
	if err := c.Init(privPath, pubPath); err != nil {
		t.Fatalf("init: %v", err)
	}
	c.SetConnectionLookup(stubLookup{fixed: true, peers: []string{"someone-else"}, ok: true})
	c.SetIdentityResolver(stubResolver{name: "peer-a", der: peerDER})

	sessionID := uuid.New()
	if !c.Create(sessionID, "tracker#me/path") {
		t.Fatalf("create session failed")
	}

	naclKey, ok := c.MyPublicKey(sessionID)
	if !ok {
		t.Fatalf("expected my public key to be set")
	}

	// sign with the peer's RSA key to produce a cryptographically valid
	// signature the verifier must still reject on fixed-peer grounds.
	peerPriv, err := x509.ParsePKCS1PrivateKey(mustReadPrivate(t, peerDir))
	if err != nil {
		t.Fatalf("parse peer priv: %v", err)
	}
	peerCrypter := New(peerDir, logging.New("test"))
	peerCrypter.priv = peerPriv
	sig, err := peerCrypter.Sign(naclKey)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	verified, name := c.Verify(context.Background(), sessionID, "tracker", "tracker#me/path", "peer-identity", naclKey, sig, false)
	if verified {
		t.Fatalf("expected verification to fail for non-allow-listed peer, got name=%q", name)
	}
}

func mustReadPrivate(t *testing.T, dir string) []byte {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, "private.rsa"))
	if err != nil {
		t.Fatalf("read private: %v", err)
	}
	return data
}
