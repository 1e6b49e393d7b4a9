// Package keystore loads, generates and persists the server's RSA key pair
// and exposes the decryption used by the handshake.
package keystore

import (
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/phcnguyen/seclink/seclink/crypto"
	"github.com/phcnguyen/seclink/seclink/identity"
	"github.com/phcnguyen/seclink/seclink/notify"
	"github.com/phcnguyen/seclink/seclink/protocol"
)

var (
	ErrDecryption      = errors.New("keystore: decryption failed")
	ErrPayloadTooLarge = errors.New("keystore: payload too large for key")
	ErrNotLoaded       = errors.New("keystore: key pair not loaded")
)

// KeyIOError reports a failure to read, generate or write key material.
type KeyIOError struct {
	Op   string
	Path string
	Err  error
}

func (e *KeyIOError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("keystore: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("keystore: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *KeyIOError) Unwrap() error { return e.Err }

// Paths locates the two persisted key files.
type Paths struct {
	Public  string
	Private string
}

type Option func(*Store)

// WithKeyBits sets the modulus size for newly generated keys.
func WithKeyBits(bits int) Option {
	return func(s *Store) { s.bits = bits }
}

// WithRandom overrides the entropy source used for key generation.
func WithRandom(r io.Reader) Option {
	return func(s *Store) { s.random = r }
}

func WithNotifier(n notify.Notifier) Option {
	return func(s *Store) { s.notifier = n }
}

// Store owns the server key pair. After EnsureKeyPair succeeds the pair is
// immutable and every method is safe for concurrent use.
type Store struct {
	paths    Paths
	bits     int
	random   io.Reader
	notifier notify.Notifier

	mu     sync.RWMutex
	keys   identity.KeyPair
	loaded bool
}

func New(paths Paths, opts ...Option) *Store {
	s := &Store{
		paths:    paths,
		bits:     identity.DefaultKeyBits,
		random:   rand.Reader,
		notifier: notify.Nop{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// FromKeyPair wraps an in-memory key pair that is never persisted.
func FromKeyPair(kp identity.KeyPair) *Store {
	s := New(Paths{})
	s.keys = kp
	s.loaded = true
	return s
}

func (s *Store) Paths() Paths { return s.paths }

// EnsureKeyPair loads both key files when both exist, otherwise generates a
// fresh pair and persists both together. Failures are *KeyIOError.
func (s *Store) EnsureKeyPair() (identity.KeyPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loaded {
		return s.keys, nil
	}

	pubExists, err := fileExists(s.paths.Public)
	if err != nil {
		return identity.KeyPair{}, &KeyIOError{Op: "stat", Path: s.paths.Public, Err: err}
	}
	privExists, err := fileExists(s.paths.Private)
	if err != nil {
		return identity.KeyPair{}, &KeyIOError{Op: "stat", Path: s.paths.Private, Err: err}
	}

	var kp identity.KeyPair
	if pubExists && privExists {
		kp, err = load(s.paths)
		if err != nil {
			return identity.KeyPair{}, err
		}
		s.notifier.Notify("Loaded key pair " + kp.Fingerprint().Short())
	} else {
		kp, err = identity.GenerateKeyPair(s.random, s.bits)
		if err != nil {
			return identity.KeyPair{}, &KeyIOError{Op: "generate", Err: err}
		}
		if err := persist(s.paths, kp); err != nil {
			return identity.KeyPair{}, err
		}
		s.notifier.Notify("Generated key pair " + kp.Fingerprint().Short())
	}

	s.keys = kp
	s.loaded = true
	return kp, nil
}

func (s *Store) pair() (identity.KeyPair, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.keys, s.loaded
}

// KeyPair returns the loaded pair, or a zero KeyPair before EnsureKeyPair.
func (s *Store) KeyPair() identity.KeyPair {
	kp, _ := s.pair()
	return kp
}

func (s *Store) PublicKey() *rsa.PublicKey {
	return s.KeyPair().PublicKey
}

// EncodePublicKey returns the PEM form embedded in every handshake response.
func (s *Store) EncodePublicKey() string {
	kp, ok := s.pair()
	if !ok {
		return ""
	}
	return kp.EncodePublicKey()
}

// Decrypt reverses Encrypt with the server's private key.
func (s *Store) Decrypt(ciphertext []byte) ([]byte, error) {
	kp, ok := s.pair()
	if !ok {
		return nil, ErrNotLoaded
	}
	pt, err := crypto.DecryptBlock(kp.PrivateKey, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	return pt, nil
}

// Open decrypts a handshake frame payload according to its type.
func (s *Store) Open(kind protocol.MessageType, payload []byte) ([]byte, error) {
	switch kind {
	case protocol.MessageTypeHandshake:
		return s.Decrypt(payload)
	case protocol.MessageTypeSealed:
		kp, ok := s.pair()
		if !ok {
			return nil, ErrNotLoaded
		}
		pt, err := crypto.OpenEnvelope(kp.PrivateKey, payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
		}
		return pt, nil
	default:
		return nil, fmt.Errorf("%w: unexpected frame type %s", ErrDecryption, kind)
	}
}

// Encrypt encrypts plaintext for the holder of pub as a single block.
func Encrypt(pub *rsa.PublicKey, plaintext []byte) ([]byte, error) {
	ct, err := crypto.EncryptBlock(rand.Reader, pub, plaintext)
	if errors.Is(err, crypto.ErrPayloadTooLarge) {
		return nil, fmt.Errorf("%w: %d > %d bytes", ErrPayloadTooLarge, len(plaintext), MaxPlaintext(pub))
	}
	return ct, err
}

// MaxPlaintext is the largest plaintext Encrypt accepts for pub.
func MaxPlaintext(pub *rsa.PublicKey) int {
	return crypto.MaxBlockPlaintext(pub)
}
