package handshake

import (
	"crypto/rand"
	"crypto/rsa"

	"github.com/phcnguyen/seclink/seclink/crypto"
	"github.com/phcnguyen/seclink/seclink/protocol"
)

// NewRequest encrypts msg for the server key pub. Messages that fit one
// RSA block are sent as MessageTypeHandshake, larger ones as a sealed
// envelope.
func NewRequest(pub *rsa.PublicKey, msg protocol.HandshakeMessage) (protocol.Frame, error) {
	plaintext, err := msg.Marshal()
	if err != nil {
		return protocol.Frame{}, err
	}
	return EncryptRequest(pub, plaintext)
}

// EncryptRequest is NewRequest for an already encoded body.
func EncryptRequest(pub *rsa.PublicKey, plaintext []byte) (protocol.Frame, error) {
	if len(plaintext) <= crypto.MaxBlockPlaintext(pub) {
		ct, err := crypto.EncryptBlock(rand.Reader, pub, plaintext)
		if err != nil {
			return protocol.Frame{}, err
		}
		return protocol.Frame{Type: protocol.MessageTypeHandshake, Payload: ct}, nil
	}
	env, err := crypto.SealEnvelope(rand.Reader, pub, plaintext)
	if err != nil {
		return protocol.Frame{}, err
	}
	return protocol.Frame{Type: protocol.MessageTypeSealed, Payload: env}, nil
}
