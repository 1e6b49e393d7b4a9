package crypto

import (
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

var (
	ErrCiphertextTooShort = errors.New("crypto: ciphertext too short")
	ErrDecryptionFailed   = errors.New("crypto: decryption failed")
	ErrInvalidKeySize     = errors.New("crypto: invalid key size for ChaCha20-Poly1305")
)

// AEAD is ChaCha20-Poly1305 (RFC 8439) with the nonce carried in front of
// every sealed message. Nonces are random, so a key must not seal more than
// a few billion messages; envelope keys seal exactly one.
type AEAD struct {
	aead   cipher.AEAD
	random io.Reader
}

// NewAEAD creates an AEAD from a 32-byte key.
func NewAEAD(key []byte) (*AEAD, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, ErrInvalidKeySize
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	return &AEAD{aead: aead, random: rand.Reader}, nil
}

// Seal returns nonce || ciphertext || tag.
func (a *AEAD) Seal(plaintext, additionalData []byte) ([]byte, error) {
	n := a.aead.NonceSize()
	out := make([]byte, n, n+len(plaintext)+a.aead.Overhead())
	if _, err := io.ReadFull(a.random, out); err != nil {
		return nil, err
	}
	return a.aead.Seal(out, out[:n], plaintext, additionalData), nil
}

// Open verifies and decrypts the output of Seal.
func (a *AEAD) Open(sealed, additionalData []byte) ([]byte, error) {
	n := a.aead.NonceSize()
	if len(sealed) < n+a.aead.Overhead() {
		return nil, ErrCiphertextTooShort
	}
	plaintext, err := a.aead.Open(nil, sealed[:n], sealed[n:], additionalData)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

func (a *AEAD) Overhead() int { return a.aead.Overhead() }

func (a *AEAD) NonceSize() int { return a.aead.NonceSize() }
