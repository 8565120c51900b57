package application

import (
	"context"

	"github.com/google/uuid"
)

// ConnectionLookup lets Crypter consult a connection's fixed-peer allow
// list without importing the connections package directly (spec.md §9:
// "components hold typed handles obtained lazily on first use").
type ConnectionLookup interface {
	// FixedPeers reports whether connectionName is a known, fixed
	// connection and its allow-listed peer full-names. ok is false if the
	// connection is unknown.
	FixedPeers(tracker, connectionName string) (fixed bool, peers []string, ok bool)
}

// IdentityResolver issues LookupIdentityRequest to a tracker (spec.md
// §4.1 step 2).
type IdentityResolver interface {
	LookupIdentity(ctx context.Context, tracker, identity string) (name string, rsaPublicKeyDER []byte, err error)
}

// Crypter is the C1 port: RSA identity, per-session NaCl keys, peer-key
// resolution and tunnel encryption (spec.md §4.1).
type Crypter interface {
	Init(privPath, pubPath string) error
	Identity() string

	Create(sessionID uuid.UUID, connectionName string) bool
	Close(sessionID uuid.UUID)

	Sign(data []byte) (string, error)

	// Verify resolves peerIdentity's RSA public key (cache, then tracker),
	// checks sig over naclPublicKey, enforces the fixed-peer allow list,
	// and on success binds naclPublicKey into the session as the peer's
	// NaCl key. Returns the verified peer's full name.
	Verify(ctx context.Context, sessionID uuid.UUID, tracker, connectionName, peerIdentity string, naclPublicKey []byte, signatureB64 string, strict bool) (verified bool, peerName string)

	MyPublicKey(sessionID uuid.UUID) (key []byte, ok bool)

	Encrypt(sessionID uuid.UUID, plaintext []byte) (nonce [24]byte, ciphertext []byte, err error)
	Decrypt(sessionID uuid.UUID, nonce [24]byte, ciphertext []byte) (plaintext []byte, err error)

	SetConnectionLookup(ConnectionLookup)
	SetIdentityResolver(IdentityResolver)
}
