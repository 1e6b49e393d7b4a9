package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"
)

// Unknown is the value of every handshake field the peer left out.
const Unknown = "Unknown"

const (
	MessagePublicKey = "This is your Public Key"
	MessageConfirmed = "Public key confirmed"

	ActionConfirm = "confirm"
)

var ErrMalformedPayload = errors.New("protocol: malformed handshake payload")

// HandshakeMessage is the decrypted JSON body of a handshake request.
type HandshakeMessage struct {
	Action       string `json:"action,omitempty"`
	Message      string `json:"message,omitempty"`
	PubKeyClient string `json:"pub_key_client,omitempty"`
	PubKeyServer string `json:"pub_key_server,omitempty"`
	Status       *bool  `json:"status,omitempty"`

	// Finalized is set by ParseHandshakeMessage when the object carried a
	// status field of any type.
	Finalized bool `json:"-"`
}

// ParseHandshakeMessage decodes a decrypted payload. Missing string fields
// default to Unknown. The payload must be UTF-8 and a single JSON object.
func ParseHandshakeMessage(data []byte) (HandshakeMessage, error) {
	if !utf8.Valid(data) {
		return HandshakeMessage{}, fmt.Errorf("%w: payload is not valid UTF-8", ErrMalformedPayload)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return HandshakeMessage{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if fields == nil {
		return HandshakeMessage{}, fmt.Errorf("%w: payload is not a JSON object", ErrMalformedPayload)
	}

	var (
		m   HandshakeMessage
		err error
	)
	if m.Action, err = stringField(fields, "action"); err != nil {
		return HandshakeMessage{}, err
	}
	if m.Message, err = stringField(fields, "message"); err != nil {
		return HandshakeMessage{}, err
	}
	if m.PubKeyClient, err = stringField(fields, "pub_key_client"); err != nil {
		return HandshakeMessage{}, err
	}
	if m.PubKeyServer, err = stringField(fields, "pub_key_server"); err != nil {
		return HandshakeMessage{}, err
	}
	if raw, ok := fields["status"]; ok {
		m.Finalized = true
		var status bool
		if json.Unmarshal(raw, &status) == nil {
			m.Status = &status
		}
	}
	return m, nil
}

func stringField(fields map[string]json.RawMessage, name string) (string, error) {
	raw, ok := fields[name]
	if !ok || bytes.Equal(raw, []byte("null")) {
		return Unknown, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", fmt.Errorf("%w: field %q is not a string", ErrMalformedPayload, name)
	}
	return s, nil
}

// Marshal encodes the message for encryption by a client.
func (m HandshakeMessage) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// HandshakeResponse is sent in the clear so a client can learn the server key
// before it trusts it.
type HandshakeResponse struct {
	Status       bool   `json:"status"`
	PubKeyServer string `json:"pub_key_server"`
	Message      string `json:"message"`
}

// Encode returns the JSON form, fields in declaration order.
func (r HandshakeResponse) Encode() []byte {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	// Encoding a struct of strings and a bool cannot fail.
	_ = enc.Encode(r)
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n"))
}

// ParseHandshakeResponse decodes a response frame payload.
func ParseHandshakeResponse(data []byte) (HandshakeResponse, error) {
	var r HandshakeResponse
	if err := json.Unmarshal(data, &r); err != nil {
		return HandshakeResponse{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return r, nil
}
