package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"errors"
	"io"
)

var ErrPayloadTooLarge = errors.New("crypto: payload exceeds RSA block capacity")

// MaxBlockPlaintext is the largest plaintext EncryptBlock accepts for pub.
func MaxBlockPlaintext(pub *rsa.PublicKey) int {
	return pub.Size() - 2*sha256.Size - 2
}

// EncryptBlock encrypts plaintext as a single RSA-OAEP (SHA-256) block.
func EncryptBlock(random io.Reader, pub *rsa.PublicKey, plaintext []byte) ([]byte, error) {
	if len(plaintext) > MaxBlockPlaintext(pub) {
		return nil, ErrPayloadTooLarge
	}
	if random == nil {
		random = rand.Reader
	}
	return rsa.EncryptOAEP(sha256.New(), random, pub, plaintext, nil)
}

// DecryptBlock reverses EncryptBlock. Every failure collapses into
// ErrDecryptionFailed so callers cannot tell padding from key errors.
func DecryptBlock(priv *rsa.PrivateKey, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) != priv.Size() {
		return nil, ErrDecryptionFailed
	}
	plaintext, err := rsa.DecryptOAEP(sha256.New(), nil, priv, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}
