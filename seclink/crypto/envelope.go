package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	envelopeSeedSize = 32
	envelopeInfo     = "seclink-envelope"
)

var envelopeLabel = []byte(envelopeInfo)

var ErrEnvelopeMalformed = errors.New("crypto: malformed envelope")

// SealEnvelope encrypts plaintext of any size for the holder of pub.
// Format:
//
//	2 bytes: wrapped seed length (big endian)
//	N bytes: RSA-OAEP(seed)
//	rest:    AEAD(plaintext) keyed by HKDF(seed), wrapped seed as additional data
func SealEnvelope(random io.Reader, pub *rsa.PublicKey, plaintext []byte) ([]byte, error) {
	if random == nil {
		random = rand.Reader
	}
	seed := make([]byte, envelopeSeedSize)
	if _, err := io.ReadFull(random, seed); err != nil {
		return nil, err
	}
	wrapped, err := rsa.EncryptOAEP(sha256.New(), random, pub, seed, envelopeLabel)
	if err != nil {
		return nil, err
	}
	aead, err := envelopeAEAD(seed)
	if err != nil {
		return nil, err
	}
	aead.random = random
	body, err := aead.Seal(plaintext, wrapped)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 2+len(wrapped)+len(body))
	binary.BigEndian.PutUint16(out[:2], uint16(len(wrapped)))
	copy(out[2:], wrapped)
	copy(out[2+len(wrapped):], body)
	return out, nil
}

// OpenEnvelope reverses SealEnvelope.
func OpenEnvelope(priv *rsa.PrivateKey, envelope []byte) ([]byte, error) {
	if len(envelope) < 2 {
		return nil, ErrEnvelopeMalformed
	}
	wrappedLen := int(binary.BigEndian.Uint16(envelope[:2]))
	if wrappedLen != priv.Size() || len(envelope) < 2+wrappedLen+chacha20poly1305.NonceSize+chacha20poly1305.Overhead {
		return nil, ErrEnvelopeMalformed
	}
	wrapped := envelope[2 : 2+wrappedLen]
	seed, err := rsa.DecryptOAEP(sha256.New(), nil, priv, wrapped, envelopeLabel)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	aead, err := envelopeAEAD(seed)
	if err != nil {
		return nil, err
	}
	return aead.Open(envelope[2+wrappedLen:], wrapped)
}

func envelopeAEAD(seed []byte) (*AEAD, error) {
	key, err := DeriveKey(seed, nil, []byte(envelopeInfo), chacha20poly1305.KeySize)
	if err != nil {
		return nil, err
	}
	return NewAEAD(key)
}
