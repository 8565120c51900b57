// Package crypter implements the C1 Crypter subsystem (spec.md §4.1):
// RSA identity, per-session NaCl keys, peer-key resolution, and tunnel
// encryption.
package crypter

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"bhid/application"
	"bhid/internal/atomicfile"
	"bhid/internal/crypter/keycache"
)

const rsaKeyBits = 2048

// identityLookupTimeout bounds a LookupIdentityRequest round-trip
// (spec.md §4.1 step 2, §5).
const identityLookupTimeout = 2 * time.Second

var ErrNotInitialized = errors.New("crypter: identity not initialized")

type Crypter struct {
	logger application.Logger
	cache  *keycache.Store

	mu   sync.RWMutex
	priv *rsa.PrivateKey
	pub  *rsa.PublicKey
	pubDER []byte
	identity string

	connLookup application.ConnectionLookup
	resolver   application.IdentityResolver

	sessionsMu sync.RWMutex
	sessions   map[uuid.UUID]*cryptoSession
}

func New(configDir string, logger application.Logger) *Crypter {
	return &Crypter{
		logger:   logger,
		cache:    keycache.New(configDir),
		sessions: make(map[uuid.UUID]*cryptoSession),
	}
}

// Init loads this daemon's RSA identity from privPath/pubPath, generating
// a fresh 2048-bit key pair (overwriting pubPath) when privPath does not
// exist yet (spec.md §4.1 names the identity as a precondition but leaves
// provisioning to the daemon, since the CLI front is out of scope).
func (c *Crypter) Init(privPath, pubPath string) error {
	if _, err := os.Stat(privPath); os.IsNotExist(err) {
		if err := generateIdentity(privPath, pubPath); err != nil {
			return fmt.Errorf("crypter: generate identity: %w", err)
		}
	}

	privDER, err := os.ReadFile(privPath)
	if err != nil {
		return fmt.Errorf("crypter: read private key %s: %w", privPath, err)
	}
	pubDER, err := os.ReadFile(pubPath)
	if err != nil {
		return fmt.Errorf("crypter: read public key %s: %w", pubPath, err)
	}
	priv, err := x509.ParsePKCS1PrivateKey(privDER)
	if err != nil {
		return fmt.Errorf("crypter: parse private key: %w", err)
	}
	pub, err := x509.ParsePKCS1PublicKey(pubDER)
	if err != nil {
		return fmt.Errorf("crypter: parse public key: %w", err)
	}

	c.mu.Lock()
	c.priv = priv
	c.pub = pub
	c.pubDER = pubDER
	c.identity = identityFromDER(pubDER)
	c.mu.Unlock()
	return nil
}

func generateIdentity(privPath, pubPath string) error {
	priv, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return fmt.Errorf("generate rsa key: %w", err)
	}
	privDER := x509.MarshalPKCS1PrivateKey(priv)
	pubDER := x509.MarshalPKCS1PublicKey(&priv.PublicKey)

	if err := atomicfile.Write(privPath, privDER, 0o600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}
	if err := atomicfile.Write(pubPath, pubDER, 0o644); err != nil {
		return fmt.Errorf("write public key: %w", err)
	}
	return nil
}

func identityFromDER(der []byte) string {
	sum := sha256.Sum256([]byte(base64.StdEncoding.EncodeToString(der)))
	return hex.EncodeToString(sum[:])
}

func (c *Crypter) Identity() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.identity
}

func (c *Crypter) SetConnectionLookup(l application.ConnectionLookup) { c.connLookup = l }
func (c *Crypter) SetIdentityResolver(r application.IdentityResolver) { c.resolver = r }

func (c *Crypter) Create(sessionID uuid.UUID, connectionName string) bool {
	sess, err := newCryptoSession(sessionID, connectionName)
	if err != nil {
		c.logger.Printf("failed to create session %s: %v", sessionID, err)
		return false
	}
	c.sessionsMu.Lock()
	c.sessions[sessionID] = sess
	c.sessionsMu.Unlock()
	return true
}

func (c *Crypter) Close(sessionID uuid.UUID) {
	c.sessionsMu.Lock()
	delete(c.sessions, sessionID)
	c.sessionsMu.Unlock()
}

func (c *Crypter) session(sessionID uuid.UUID) (*cryptoSession, error) {
	c.sessionsMu.RLock()
	defer c.sessionsMu.RUnlock()
	s, ok := c.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

func (c *Crypter) MyPublicKey(sessionID uuid.UUID) ([]byte, bool) {
	s, err := c.session(sessionID)
	if err != nil {
		return nil, false
	}
	return s.publicKey[:], true
}

// Sign signs hex(SHA-256(data)) with the RSA identity key (spec.md §4.1).
func (c *Crypter) Sign(data []byte) (string, error) {
	c.mu.RLock()
	priv := c.priv
	c.mu.RUnlock()
	if priv == nil {
		return "", ErrNotInitialized
	}
	hashed := hashOfHexDigest(data)
	sig, err := rsa.SignPKCS1v15(rand.Reader, priv, crypto.SHA256, hashed[:])
	if err != nil {
		return "", fmt.Errorf("crypter: sign: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

func hashOfHexDigest(data []byte) [32]byte {
	digest := sha256.Sum256(data)
	hexDigest := []byte(hex.EncodeToString(digest[:]))
	return sha256.Sum256(hexDigest)
}

func verifySignature(pub *rsa.PublicKey, data []byte, sigB64 string) bool {
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return false
	}
	hashed := hashOfHexDigest(data)
	return rsa.VerifyPKCS1v15(pub, crypto.SHA256, hashed[:], sig) == nil
}

// Verify implements the peer-key resolution policy of spec.md §4.1.
func (c *Crypter) Verify(
	ctx context.Context,
	sessionID uuid.UUID,
	tracker, connectionName, peerIdentity string,
	naclPublicKey []byte,
	signatureB64 string,
	strict bool,
) (bool, string) {
	cachedName, cachedDER, cachedFound, err := c.cache.FindByIdentity(tracker, peerIdentity)
	if err != nil {
		c.logger.Printf("peer key cache lookup failed for %s/%s: %v", tracker, peerIdentity, err)
	}

	resolvedName, resolvedDER := cachedName, cachedDER

	if (!cachedFound || !strict) && c.resolver != nil {
		lctx, cancel := context.WithTimeout(ctx, identityLookupTimeout)
		trackerName, trackerDER, lookupErr := c.resolver.LookupIdentity(lctx, tracker, peerIdentity)
		cancel()
		if lookupErr == nil && len(trackerDER) > 0 {
			differs := !cachedFound || trackerName != cachedName || !bytes.Equal(trackerDER, cachedDER)
			if differs && cachedFound && c.isForgeryAttempt(tracker, connectionName, cachedName) {
				c.logger.Printf("rejecting tracker identity answer for %s: fixed peer %s is cached and allow-listed", peerIdentity, cachedName)
				return false, ""
			}
			if differs {
				if saveErr := c.cache.Save(tracker, trackerName, trackerDER); saveErr != nil {
					c.logger.Printf("failed to cache peer key for %s: %v", trackerName, saveErr)
				}
			}
			resolvedName, resolvedDER = trackerName, trackerDER
		}
	}

	if len(resolvedDER) == 0 {
		return false, ""
	}
	pub, err := x509.ParsePKCS1PublicKey(resolvedDER)
	if err != nil {
		c.logger.Printf("cached/resolved peer key for %s is not a valid RSA public key: %v", resolvedName, err)
		return false, ""
	}
	if !verifySignature(pub, naclPublicKey, signatureB64) {
		return false, ""
	}

	if fixed, peers, ok := c.fixedPeers(tracker, connectionName); ok && fixed && !containsString(peers, resolvedName) {
		c.logger.Printf("rejecting peer %s: not in fixed peer list for %s", resolvedName, connectionName)
		return false, ""
	}

	sess, err := c.session(sessionID)
	if err != nil {
		return false, ""
	}
	sess.peerName = resolvedName
	if err := sess.setPeerKey(naclPublicKey); err != nil {
		c.logger.Printf("failed to bind peer key for session %s: %v", sessionID, err)
		return false, ""
	}
	return true, resolvedName
}

func (c *Crypter) isForgeryAttempt(tracker, connectionName, cachedPeerName string) bool {
	fixed, peers, ok := c.fixedPeers(tracker, connectionName)
	return ok && fixed && containsString(peers, cachedPeerName)
}

func (c *Crypter) fixedPeers(tracker, connectionName string) (fixed bool, peers []string, ok bool) {
	if c.connLookup == nil {
		return false, nil, false
	}
	return c.connLookup.FixedPeers(tracker, connectionName)
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

func (c *Crypter) Encrypt(sessionID uuid.UUID, plaintext []byte) ([24]byte, []byte, error) {
	s, err := c.session(sessionID)
	if err != nil {
		return [24]byte{}, nil, err
	}
	return s.encrypt(plaintext)
}

func (c *Crypter) Decrypt(sessionID uuid.UUID, nonce [24]byte, ciphertext []byte) ([]byte, error) {
	s, err := c.session(sessionID)
	if err != nil {
		return nil, err
	}
	return s.decrypt(nonce, ciphertext)
}

var _ application.Crypter = (*Crypter)(nil)
