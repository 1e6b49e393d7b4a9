// Package session runs one admitted connection: a blocking, framed read
// loop that answers handshake requests until the peer leaves, the
// connection idles out or the session is closed.
package session

import (
	"bufio"
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/phcnguyen/seclink/seclink/handshake"
	"github.com/phcnguyen/seclink/seclink/protocol"
	"github.com/phcnguyen/seclink/seclink/transport"
)

const (
	DefaultIdleTimeout  = 5 * time.Minute
	DefaultWriteTimeout = 10 * time.Second
)

var (
	ErrClosed       = errors.New("session: closed")
	ErrIdleTimeout  = errors.New("session: idle timeout")
	ErrNotConnected = errors.New("session: not active")
)

type State int32

const (
	StateConnecting State = iota
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Handler answers request frames. *handshake.Handler implements it.
type Handler interface {
	HandleMessage(kind protocol.MessageType, raw []byte) handshake.Result
	Reject(err error) handshake.Result
}

type Option func(*Session)

// WithIdleTimeout closes the session after d without a complete frame.
// Zero disables the timeout.
func WithIdleTimeout(d time.Duration) Option {
	return func(s *Session) { s.idleTimeout = d }
}

func WithWriteTimeout(d time.Duration) Option {
	return func(s *Session) { s.writeTimeout = d }
}

// WithDatabase attaches an opaque handle the session carries but never reads.
func WithDatabase(db any) Option {
	return func(s *Session) { s.db = db }
}

// WithResultHook is called after every answered request.
func WithResultHook(fn func(*Session, handshake.Result)) Option {
	return func(s *Session) { s.onResult = fn }
}

// Session is the state of one connection from admission to cleanup. It owns
// its connection: nothing else reads from or writes to it.
type Session struct {
	id           uuid.UUID
	conn         transport.Conn
	br           *bufio.Reader
	handler      Handler
	idleTimeout  time.Duration
	writeTimeout time.Duration
	db           any
	onResult     func(*Session, handshake.Result)

	state   atomic.Int32
	peerKey atomic.Pointer[rsa.PublicKey]

	wmu       sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

// New wraps conn in a Session in the Connecting state.
func New(conn transport.Conn, handler Handler, opts ...Option) *Session {
	s := &Session{
		id:           uuid.New(),
		conn:         conn,
		br:           bufio.NewReader(conn),
		handler:      handler,
		idleTimeout:  DefaultIdleTimeout,
		writeTimeout: DefaultWriteTimeout,
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Session) ID() uuid.UUID { return s.id }

func (s *Session) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }

func (s *Session) State() State { return State(s.state.Load()) }

// Connected reports whether the session is Active.
func (s *Session) Connected() bool { return s.State() == StateActive }

// PeerKey returns the client public key once a confirm request succeeded.
func (s *Session) PeerKey() *rsa.PublicKey { return s.peerKey.Load() }

func (s *Session) Database() any { return s.db }

// Done is closed when the session reaches Closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Activate moves a Connecting session to Active. It fails if the session
// was closed first.
func (s *Session) Activate() bool {
	return s.state.CompareAndSwap(int32(StateConnecting), int32(StateActive))
}

// Run serves frames until the session ends and always leaves it Closed.
// A peer hanging up or an explicit Close returns nil.
func (s *Session) Run(ctx context.Context) error {
	s.Activate()
	if !s.Connected() {
		_ = s.Close()
		return ErrNotConnected
	}
	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()
	defer s.Close()

	for {
		if s.idleTimeout > 0 {
			_ = s.conn.SetReadDeadline(time.Now().Add(s.idleTimeout))
		}
		f, err := protocol.ReadFrame(s.br)
		if err != nil {
			return s.readError(ctx, err)
		}

		switch {
		case f.Type.IsRequest():
			res := s.handler.HandleMessage(f.Type, f.Payload)
			if res.ClientKey != nil {
				s.peerKey.Store(res.ClientKey)
			}
			if s.onResult != nil {
				s.onResult(s, res)
			}
			if err := s.writeResponse(res.Response); err != nil {
				return err
			}
		case f.Type == protocol.MessageTypeClose:
			return nil
		default:
			res := s.handler.Reject(fmt.Errorf("%w: unexpected %s frame", protocol.ErrInvalidType, f.Type))
			if err := s.writeResponse(res.Response); err != nil {
				return err
			}
		}
	}
}

func (s *Session) readError(ctx context.Context, err error) error {
	if s.State() == StateClosed {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return nil
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return ErrIdleTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ErrIdleTimeout
	}
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (s *Session) writeResponse(payload []byte) error {
	return s.WriteFrame(protocol.Frame{Type: protocol.MessageTypeResponse, Payload: payload})
}

// WriteFrame sends f to the peer. Writes are serialized.
func (s *Session) WriteFrame(f protocol.Frame) error {
	if s.State() == StateClosed {
		return ErrClosed
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if s.writeTimeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	}
	return protocol.WriteFrame(s.conn, f)
}

// Close moves the session to Closed and closes its connection. Only the
// first call has any effect; later calls return nil.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosed))
		err = s.conn.Close()
		close(s.done)
	})
	return err
}
