// Package handshake implements the key handshake a server runs for every
// request frame: decrypt, validate, and always answer with a response the
// client can inspect.
package handshake

import (
	"crypto/rsa"
	"fmt"

	"github.com/phcnguyen/seclink/seclink/identity"
	"github.com/phcnguyen/seclink/seclink/protocol"
)

// KeySource is the part of the key store the handshake needs.
type KeySource interface {
	Open(kind protocol.MessageType, payload []byte) ([]byte, error)
	PublicKey() *rsa.PublicKey
	EncodePublicKey() string
}

type Option func(*Handler)

// WithComparer replaces the collaborator that decides whether a claimed
// server key is the server's own.
func WithComparer(c identity.Comparer) Option {
	return func(h *Handler) { h.comparer = c }
}

// Handler answers handshake requests. It holds no per-connection state and
// is safe for concurrent use.
type Handler struct {
	keys     KeySource
	comparer identity.Comparer
}

func NewHandler(keys KeySource, opts ...Option) *Handler {
	h := &Handler{keys: keys, comparer: identity.DefaultComparer}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Result describes how one request was answered.
type Result struct {
	// Response is the frame payload to send back. Never empty.
	Response []byte
	// Status is the status of a generated response, or of the echoed
	// object for a passthrough.
	Status bool
	// Passthrough is set when the request already carried a status field
	// and Response is the decrypted request itself.
	Passthrough bool
	// Action is the request action, or protocol.Unknown.
	Action string
	// ClientKey is set when the client's public key was confirmed.
	ClientKey *rsa.PublicKey
	// Err is the decryption or validation failure behind a status:false
	// response, if any.
	Err error
}

// Handle answers a single-block handshake request.
func (h *Handler) Handle(raw []byte) []byte {
	return h.HandleMessage(protocol.MessageTypeHandshake, raw).Response
}

// HandleMessage answers a request carried in a frame of the given type.
func (h *Handler) HandleMessage(kind protocol.MessageType, raw []byte) Result {
	plaintext, err := h.keys.Open(kind, raw)
	if err != nil {
		return h.fail(protocol.Unknown, err)
	}
	msg, err := protocol.ParseHandshakeMessage(plaintext)
	if err != nil {
		return h.fail(protocol.Unknown, err)
	}

	if msg.Finalized {
		return Result{
			Response:    plaintext,
			Status:      msg.Status != nil && *msg.Status,
			Passthrough: true,
			Action:      msg.Action,
		}
	}

	if msg.Action == protocol.Unknown || !h.comparer.SameKey(h.keys.PublicKey(), msg.PubKeyServer) {
		return h.respond(msg.Action, true, protocol.MessagePublicKey)
	}

	switch msg.Action {
	case protocol.ActionConfirm:
		clientKey, err := identity.DecodePublicKey([]byte(msg.PubKeyClient))
		if err != nil {
			return h.fail(msg.Action, fmt.Errorf("%w: pub_key_client: %v", protocol.ErrMalformedPayload, err))
		}
		res := h.respond(msg.Action, true, protocol.MessageConfirmed)
		res.ClientKey = clientKey
		return res
	default:
		return h.respond(msg.Action, false, "unsupported action: "+msg.Action)
	}
}

// Reject builds the status:false response for a request that never reached
// the handshake, such as a frame of an unexpected type.
func (h *Handler) Reject(err error) Result {
	return h.fail(protocol.Unknown, err)
}

func (h *Handler) respond(action string, status bool, message string) Result {
	resp := protocol.HandshakeResponse{
		Status:       status,
		PubKeyServer: h.keys.EncodePublicKey(),
		Message:      message,
	}
	return Result{Response: resp.Encode(), Status: status, Action: action}
}

func (h *Handler) fail(action string, err error) Result {
	res := h.respond(action, false, err.Error())
	res.Err = err
	return res
}
