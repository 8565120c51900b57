package crypter

import (
	"crypto/rand"
	"errors"
	"io"
	"sync"

	"golang.org/x/crypto/nacl/box"

	"github.com/google/uuid"
)

var ErrSessionNotFound = errors.New("crypter: unknown session")
var ErrNoPeerKey = errors.New("crypter: peer key not set")
var ErrDecryptFailed = errors.New("crypter: decrypt failed")

// cryptoSession is one CrypterSession (spec.md §3).
type cryptoSession struct {
	id             uuid.UUID
	connectionName string
	publicKey      *[32]byte
	privateKey     *[32]byte
	peerKey        *[32]byte
	peerName       string

	mu        sync.Mutex
	sharedKey *[32]byte
}

func newCryptoSession(id uuid.UUID, connectionName string) (*cryptoSession, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &cryptoSession{id: id, connectionName: connectionName, publicKey: pub, privateKey: priv}, nil
}

func (s *cryptoSession) setPeerKey(key []byte) error {
	if len(key) != 32 {
		return errors.New("crypter: peer key must be 32 bytes")
	}
	var k [32]byte
	copy(k[:], key)
	s.mu.Lock()
	s.peerKey = &k
	s.sharedKey = nil
	s.mu.Unlock()
	return nil
}

// shared lazily computes and caches box.Precompute(peerKey, priv).
func (s *cryptoSession) shared() (*[32]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.peerKey == nil {
		return nil, ErrNoPeerKey
	}
	if s.sharedKey == nil {
		var shared [32]byte
		box.Precompute(&shared, s.peerKey, s.privateKey)
		s.sharedKey = &shared
	}
	return s.sharedKey, nil
}

func (s *cryptoSession) encrypt(plaintext []byte) (nonce [24]byte, ciphertext []byte, err error) {
	shared, err := s.shared()
	if err != nil {
		return nonce, nil, err
	}
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nonce, nil, err
	}
	ciphertext = box.SealAfterPrecomputation(nil, plaintext, &nonce, shared)
	return nonce, ciphertext, nil
}

func (s *cryptoSession) decrypt(nonce [24]byte, ciphertext []byte) ([]byte, error) {
	shared, err := s.shared()
	if err != nil {
		return nil, err
	}
	plaintext, ok := box.OpenAfterPrecomputation(nil, ciphertext, &nonce, shared)
	if !ok {
		return nil, ErrDecryptFailed
	}
	return plaintext, nil
}
