package crypto

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"sync"
	"testing"
)

var (
	testKeyOnce sync.Once
	testKey     *rsa.PrivateKey
)

func rsaKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	testKeyOnce.Do(func() {
		k, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
		testKey = k
	})
	return testKey
}

func TestAEADRoundTrip(t *testing.T) {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	aead, err := NewAEAD(key)
	if err != nil {
		t.Fatalf("NewAEAD: %v", err)
	}

	plaintext := []byte("hello seclink handshake")
	ad := []byte("additional data")

	ciphertext, err := aead.Seal(plaintext, ad)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if len(ciphertext) != len(plaintext)+aead.NonceSize()+aead.Overhead() {
		t.Fatalf("unexpected ciphertext length")
	}

	decrypted, err := aead.Open(ciphertext, ad)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !bytes.Equal(decrypted, plaintext) {
		t.Fatalf("decrypted != plaintext")
	}

	ciphertext[len(ciphertext)-1] ^= 0xff
	if _, err := aead.Open(ciphertext, ad); !errors.Is(err, ErrDecryptionFailed) {
		t.Fatalf("expected ErrDecryptionFailed, got %v", err)
	}
}

func TestAEADRejectsShortKey(t *testing.T) {
	if _, err := NewAEAD(make([]byte, 16)); !errors.Is(err, ErrInvalidKeySize) {
		t.Fatalf("expected ErrInvalidKeySize, got %v", err)
	}
}

func TestDeriveKeyDeterministic(t *testing.T) {
	secret := []byte("shared secret")
	a, err := DeriveKey(secret, nil, []byte("info"), 32)
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	b, err := DeriveKey(secret, nil, []byte("info"), 32)
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Fatalf("same inputs produced different keys")
	}
	c, err := DeriveKey(secret, nil, []byte("other"), 32)
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	if bytes.Equal(a, c) {
		t.Fatalf("different info produced the same key")
	}
}

func TestBlockRoundTrip(t *testing.T) {
	priv := rsaKey(t)
	plaintext := []byte(`{"action":"Unknown"}`)

	ct, err := EncryptBlock(nil, &priv.PublicKey, plaintext)
	if err != nil {
		t.Fatalf("EncryptBlock: %v", err)
	}
	pt, err := DecryptBlock(priv, ct)
	if err != nil {
		t.Fatalf("DecryptBlock: %v", err)
	}
	if !bytes.Equal(pt, plaintext) {
		t.Fatalf("plaintext mismatch")
	}

	ct[10] ^= 0x01
	if _, err := DecryptBlock(priv, ct); !errors.Is(err, ErrDecryptionFailed) {
		t.Fatalf("expected ErrDecryptionFailed, got %v", err)
	}
	if _, err := DecryptBlock(priv, ct[:20]); !errors.Is(err, ErrDecryptionFailed) {
		t.Fatalf("expected ErrDecryptionFailed for short input, got %v", err)
	}
}

func TestBlockRejectsOversizedPlaintext(t *testing.T) {
	priv := rsaKey(t)
	tooBig := make([]byte, MaxBlockPlaintext(&priv.PublicKey)+1)
	if _, err := EncryptBlock(nil, &priv.PublicKey, tooBig); !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	priv := rsaKey(t)
	plaintext := bytes.Repeat([]byte("pem-encoded client key "), 64)

	env, err := SealEnvelope(nil, &priv.PublicKey, plaintext)
	if err != nil {
		t.Fatalf("SealEnvelope: %v", err)
	}
	pt, err := OpenEnvelope(priv, env)
	if err != nil {
		t.Fatalf("OpenEnvelope: %v", err)
	}
	if !bytes.Equal(pt, plaintext) {
		t.Fatalf("plaintext mismatch")
	}
}

func TestEnvelopeTamper(t *testing.T) {
	priv := rsaKey(t)
	env, err := SealEnvelope(nil, &priv.PublicKey, []byte("hello"))
	if err != nil {
		t.Fatalf("SealEnvelope: %v", err)
	}

	body := append([]byte(nil), env...)
	body[len(body)-1] ^= 0xff
	if _, err := OpenEnvelope(priv, body); !errors.Is(err, ErrDecryptionFailed) {
		t.Fatalf("tampered body: expected ErrDecryptionFailed, got %v", err)
	}

	wrapped := append([]byte(nil), env...)
	wrapped[5] ^= 0xff
	if _, err := OpenEnvelope(priv, wrapped); !errors.Is(err, ErrDecryptionFailed) {
		t.Fatalf("tampered seed: expected ErrDecryptionFailed, got %v", err)
	}

	if _, err := OpenEnvelope(priv, env[:40]); !errors.Is(err, ErrEnvelopeMalformed) {
		t.Fatalf("truncated: expected ErrEnvelopeMalformed, got %v", err)
	}
}
