package protocol

type MessageType uint8

const (
	// MessageTypeHandshake carries a handshake message encrypted as one RSA-OAEP block.
	MessageTypeHandshake MessageType = 1
	// MessageTypeSealed carries a handshake message in a sealed envelope.
	MessageTypeSealed MessageType = 2
	// MessageTypeResponse carries a plaintext JSON response, server to client.
	MessageTypeResponse MessageType = 3
	MessageTypeClose    MessageType = 4
)

func (t MessageType) String() string {
	switch t {
	case MessageTypeHandshake:
		return "HANDSHAKE"
	case MessageTypeSealed:
		return "SEALED"
	case MessageTypeResponse:
		return "RESPONSE"
	case MessageTypeClose:
		return "CLOSE"
	default:
		return "UNKNOWN"
	}
}

// IsRequest reports whether frames of this type are answered by the handshake handler.
func (t MessageType) IsRequest() bool {
	return t == MessageTypeHandshake || t == MessageTypeSealed
}
