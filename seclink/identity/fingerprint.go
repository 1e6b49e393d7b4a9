package identity

import (
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"errors"
)

// Fingerprint is the stable identifier for an RSA public key.
// It is defined as: Fingerprint = SHA-256(PKCS#1 DER of the public key).
type Fingerprint [32]byte

func FingerprintFromPublicKey(pub *rsa.PublicKey) Fingerprint {
	return Fingerprint(sha256.Sum256(x509.MarshalPKCS1PublicKey(pub)))
}

func ParseFingerprintHex(s string) (Fingerprint, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Fingerprint{}, err
	}
	if len(b) != len(Fingerprint{}) {
		return Fingerprint{}, errors.New("identity: invalid fingerprint length")
	}
	var fp Fingerprint
	copy(fp[:], b)
	return fp, nil
}

func (fp Fingerprint) String() string {
	return hex.EncodeToString(fp[:])
}

// Short is the first 10 bytes in hex, for log lines.
func (fp Fingerprint) Short() string {
	return hex.EncodeToString(fp[:10])
}
