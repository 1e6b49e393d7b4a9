package identity

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
)

const (
	// MinKeyBits is the smallest RSA modulus crypto/rsa will generate.
	MinKeyBits = 1024
	// DefaultKeyBits is used when no size is configured.
	DefaultKeyBits = 2048

	publicBlockType  = "RSA PUBLIC KEY"
	privateBlockType = "RSA PRIVATE KEY"
)

var (
	ErrKeyTooSmall   = errors.New("identity: RSA modulus too small")
	ErrKeyMismatch   = errors.New("identity: public key does not match private key")
	ErrNoPEMBlock    = errors.New("identity: no PEM block found")
	ErrNotRSAKey     = errors.New("identity: not an RSA key")
	ErrUnknownPEMKey = errors.New("identity: unsupported PEM block type")
)

// KeyPair holds the RSA key pair a server answers handshakes with.
// It is loaded once at startup and never mutated afterwards.
type KeyPair struct {
	PublicKey  *rsa.PublicKey
	PrivateKey *rsa.PrivateKey
}

// GenerateKeyPair creates a bits-sized RSA key pair. A nil random uses crypto/rand.
func GenerateKeyPair(random io.Reader, bits int) (KeyPair, error) {
	if bits < MinKeyBits {
		return KeyPair{}, fmt.Errorf("%w: %d < %d bits", ErrKeyTooSmall, bits, MinKeyBits)
	}
	if random == nil {
		random = rand.Reader
	}
	priv, err := rsa.GenerateKey(random, bits)
	if err != nil {
		return KeyPair{}, err
	}
	return KeyPair{PublicKey: &priv.PublicKey, PrivateKey: priv}, nil
}

// NewKeyPair pairs a public and private key, rejecting halves that do not belong together.
func NewKeyPair(pub *rsa.PublicKey, priv *rsa.PrivateKey) (KeyPair, error) {
	if pub == nil || priv == nil {
		return KeyPair{}, ErrNotRSAKey
	}
	if !pub.Equal(&priv.PublicKey) {
		return KeyPair{}, ErrKeyMismatch
	}
	return KeyPair{PublicKey: pub, PrivateKey: priv}, nil
}

func (kp KeyPair) Fingerprint() Fingerprint {
	return FingerprintFromPublicKey(kp.PublicKey)
}

// EncodePublicKey returns the PEM form sent to clients in every handshake response.
func (kp KeyPair) EncodePublicKey() string {
	return string(EncodePublicKey(kp.PublicKey))
}

// EncodePublicKey encodes pub as a PKCS#1 "RSA PUBLIC KEY" PEM block.
func EncodePublicKey(pub *rsa.PublicKey) []byte {
	return pem.EncodeToMemory(&pem.Block{
		Type:  publicBlockType,
		Bytes: x509.MarshalPKCS1PublicKey(pub),
	})
}

// EncodePrivateKey encodes priv as a PKCS#1 "RSA PRIVATE KEY" PEM block.
func EncodePrivateKey(priv *rsa.PrivateKey) []byte {
	return pem.EncodeToMemory(&pem.Block{
		Type:  privateBlockType,
		Bytes: x509.MarshalPKCS1PrivateKey(priv),
	})
}

// DecodePublicKey parses a PKCS#1 or PKIX public key PEM block.
func DecodePublicKey(data []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, ErrNoPEMBlock
	}
	switch block.Type {
	case publicBlockType:
		return x509.ParsePKCS1PublicKey(block.Bytes)
	case "PUBLIC KEY":
		pub, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		rsaPub, ok := pub.(*rsa.PublicKey)
		if !ok {
			return nil, ErrNotRSAKey
		}
		return rsaPub, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownPEMKey, block.Type)
	}
}

// DecodePrivateKey parses a PKCS#1 or PKCS#8 private key PEM block.
func DecodePrivateKey(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, ErrNoPEMBlock
	}
	switch block.Type {
	case privateBlockType:
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, ErrNotRSAKey
		}
		return rsaKey, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownPEMKey, block.Type)
	}
}
