package identity

import (
	"crypto/rsa"
	"strings"
)

// Comparer decides whether a key representation claimed by a peer names own.
type Comparer interface {
	SameKey(own *rsa.PublicKey, claimed string) bool
}

// ComparerFunc adapts a function to Comparer.
type ComparerFunc func(own *rsa.PublicKey, claimed string) bool

func (f ComparerFunc) SameKey(own *rsa.PublicKey, claimed string) bool { return f(own, claimed) }

// DefaultComparer accepts a PEM encoded key or a hex fingerprint.
var DefaultComparer Comparer = ComparerFunc(MatchKey)

// MatchKey reports whether claimed is own, given either as PEM (PKCS#1 or
// PKIX) or as the hex fingerprint. Anything unparseable never matches.
func MatchKey(own *rsa.PublicKey, claimed string) bool {
	if own == nil {
		return false
	}
	claimed = strings.TrimSpace(claimed)
	if claimed == "" {
		return false
	}
	if strings.HasPrefix(claimed, "-----BEGIN") {
		pub, err := DecodePublicKey([]byte(claimed))
		if err != nil {
			return false
		}
		return own.Equal(pub)
	}
	fp, err := ParseFingerprintHex(claimed)
	if err != nil {
		return false
	}
	return fp == FingerprintFromPublicKey(own)
}
