package seclink

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/phcnguyen/seclink/seclink/handshake"
	"github.com/phcnguyen/seclink/seclink/identity"
	"github.com/phcnguyen/seclink/seclink/protocol"
	"github.com/phcnguyen/seclink/seclink/transport"
	"github.com/phcnguyen/seclink/seclink/transport/tcp"
)

var (
	ErrNoServerKey      = errors.New("seclink: server key unknown, call Bootstrap first")
	ErrRejected         = errors.New("seclink: handshake rejected")
	ErrUnexpectedFrame  = errors.New("seclink: unexpected frame from server")
	ErrServerKeyChanged = errors.New("seclink: server presented a different key")
)

type ClientOption func(*Client)

// WithDialFunc replaces the TCP transport.
func WithDialFunc(fn transport.DialFunc) ClientOption {
	return func(c *Client) { c.dial = fn }
}

// WithServerKey pins the server key instead of learning it with Bootstrap.
func WithServerKey(pub *rsa.PublicKey) ClientOption {
	return func(c *Client) { c.serverKey = pub }
}

// Client drives the handshake from the connecting side. Calls are
// serialized; one request is in flight at a time.
type Client struct {
	dial      transport.DialFunc
	conn      transport.Conn
	br        *bufio.Reader
	serverKey *rsa.PublicKey

	mu sync.Mutex
}

// Dial connects to a server at addr.
func Dial(ctx context.Context, addr string, opts ...ClientOption) (*Client, error) {
	c := &Client{dial: tcp.Dial}
	for _, opt := range opts {
		opt(c)
	}
	conn, err := c.dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	c.conn = conn
	c.br = bufio.NewReader(conn)
	return c, nil
}

// NewClient wraps an established connection.
func NewClient(conn transport.Conn, opts ...ClientOption) *Client {
	c := &Client{conn: conn, br: bufio.NewReader(conn)}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) ServerKey() *rsa.PublicKey {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverKey
}

// Bootstrap learns the server key. The server answers any request it cannot
// decrypt with a plaintext failure response carrying its public key, so a
// random payload is enough. If a key was pinned, the learned key must match.
func (c *Client) Bootstrap(ctx context.Context) (*rsa.PublicKey, error) {
	probe := make([]byte, 32)
	if _, err := rand.Read(probe); err != nil {
		return nil, err
	}
	resp, err := c.exchange(ctx, protocol.Frame{Type: protocol.MessageTypeHandshake, Payload: probe})
	if err != nil {
		return nil, err
	}
	pub, err := identity.DecodePublicKey([]byte(resp.PubKeyServer))
	if err != nil {
		return nil, fmt.Errorf("seclink: server key: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.serverKey != nil && !c.serverKey.Equal(pub) {
		return nil, ErrServerKeyChanged
	}
	c.serverKey = pub
	return pub, nil
}

// Handshake encrypts msg to the server key and returns the response.
func (c *Client) Handshake(ctx context.Context, msg protocol.HandshakeMessage) (protocol.HandshakeResponse, error) {
	pub := c.ServerKey()
	if pub == nil {
		return protocol.HandshakeResponse{}, ErrNoServerKey
	}
	f, err := handshake.NewRequest(pub, msg)
	if err != nil {
		return protocol.HandshakeResponse{}, err
	}
	return c.exchange(ctx, f)
}

// Confirm presents clientKey together with the server key the client
// trusts. Any answer other than a confirmation is returned along with
// ErrRejected.
func (c *Client) Confirm(ctx context.Context, clientKey *rsa.PublicKey) (protocol.HandshakeResponse, error) {
	pub := c.ServerKey()
	if pub == nil {
		return protocol.HandshakeResponse{}, ErrNoServerKey
	}
	resp, err := c.Handshake(ctx, protocol.HandshakeMessage{
		Action:       protocol.ActionConfirm,
		PubKeyServer: string(identity.EncodePublicKey(pub)),
		PubKeyClient: string(identity.EncodePublicKey(clientKey)),
	})
	if err != nil {
		return resp, err
	}
	if !resp.Status || resp.Message != protocol.MessageConfirmed {
		return resp, fmt.Errorf("%w: %s", ErrRejected, resp.Message)
	}
	return resp, nil
}

// Exchange sends a raw frame and returns the raw response frame.
func (c *Client) Exchange(ctx context.Context, f protocol.Frame) (protocol.Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stop := context.AfterFunc(ctx, func() {
		past := time.Unix(1, 0)
		_ = c.conn.SetReadDeadline(past)
		_ = c.conn.SetWriteDeadline(past)
	})
	defer stop()
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetReadDeadline(deadline)
		_ = c.conn.SetWriteDeadline(deadline)
		defer func() {
			_ = c.conn.SetReadDeadline(time.Time{})
			_ = c.conn.SetWriteDeadline(time.Time{})
		}()
	}

	if err := protocol.WriteFrame(c.conn, f); err != nil {
		return protocol.Frame{}, ctxErr(ctx, err)
	}
	resp, err := protocol.ReadFrame(c.br)
	if err != nil {
		return protocol.Frame{}, ctxErr(ctx, err)
	}
	return resp, nil
}

func (c *Client) exchange(ctx context.Context, f protocol.Frame) (protocol.HandshakeResponse, error) {
	resp, err := c.Exchange(ctx, f)
	if err != nil {
		return protocol.HandshakeResponse{}, err
	}
	if resp.Type != protocol.MessageTypeResponse {
		return protocol.HandshakeResponse{}, fmt.Errorf("%w: %s", ErrUnexpectedFrame, resp.Type)
	}
	return protocol.ParseHandshakeResponse(resp.Payload)
}

// Close tells the server the client is done and closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = protocol.WriteFrame(c.conn, protocol.Frame{Type: protocol.MessageTypeClose})
	return c.conn.Close()
}

func ctxErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}
