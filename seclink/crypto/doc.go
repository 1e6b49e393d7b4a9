// Package crypto provides the primitives behind the seclink handshake.
//
// Contents:
//   - RSA-OAEP (SHA-256) single-block encryption, the classic handshake payload
//   - ChaCha20-Poly1305 AEAD with the nonce prefixed to each message
//   - HKDF-SHA256 key derivation
//   - Sealed envelopes: an RSA-wrapped seed plus an AEAD body, for handshake
//     payloads too large for one RSA block
package crypto
