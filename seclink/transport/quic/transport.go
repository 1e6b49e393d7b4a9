// Package quic carries seclink sessions over the first bidirectional stream
// of a QUIC connection.
package quic

import (
	"context"
	"crypto"
	"net"
	"sync"
	"time"

	q "github.com/quic-go/quic-go"

	"github.com/phcnguyen/seclink/seclink/transport"
)

const (
	// streamAcceptTimeout bounds how long a connected peer may take to open
	// its stream.
	streamAcceptTimeout = 10 * time.Second

	codeNoError  q.ApplicationErrorCode = 0
	codeNoStream q.ApplicationErrorCode = 1
)

func quicConfig() *q.Config {
	return &q.Config{
		MaxIdleTimeout:  time.Minute,
		KeepAlivePeriod: 15 * time.Second,
	}
}

// Conn is a QUIC connection together with its session stream.
type Conn struct {
	conn   q.Connection
	stream q.Stream
	once   sync.Once
}

var _ transport.Conn = (*Conn)(nil)

func (c *Conn) Read(p []byte) (int, error)  { return c.stream.Read(p) }
func (c *Conn) Write(p []byte) (int, error) { return c.stream.Write(p) }

func (c *Conn) SetReadDeadline(t time.Time) error  { return c.stream.SetReadDeadline(t) }
func (c *Conn) SetWriteDeadline(t time.Time) error { return c.stream.SetWriteDeadline(t) }

func (c *Conn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// Close tears down the whole QUIC connection.
func (c *Conn) Close() error {
	var err error
	c.once.Do(func() {
		_ = c.stream.Close()
		err = c.conn.CloseWithError(codeNoError, "")
	})
	return err
}

type Listener struct {
	inner  *q.Listener
	conns  chan *Conn
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

var _ transport.Listener = (*Listener)(nil)

// Listen binds addr. signer is the TLS certificate key; nil uses a fresh one.
func Listen(ctx context.Context, addr string, signer crypto.Signer) (*Listener, error) {
	tlsConf, err := NewTLSConfig(signer)
	if err != nil {
		return nil, err
	}
	ln, err := q.ListenAddr(addr, tlsConf, quicConfig())
	if err != nil {
		return nil, err
	}
	lctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	l := &Listener{
		inner:  ln,
		conns:  make(chan *Conn),
		done:   make(chan struct{}),
		ctx:    lctx,
		cancel: cancel,
	}
	go l.run()
	return l, nil
}

// ListenFunc adapts Listen to transport.ListenFunc.
func ListenFunc(signer crypto.Signer) transport.ListenFunc {
	return func(ctx context.Context, addr string) (transport.Listener, error) {
		return Listen(ctx, addr, signer)
	}
}

func (l *Listener) run() {
	defer close(l.done)
	for {
		c, err := l.inner.Accept(l.ctx)
		if err != nil {
			return
		}
		l.wg.Add(1)
		go l.awaitStream(c)
	}
}

func (l *Listener) awaitStream(c q.Connection) {
	defer l.wg.Done()
	ctx, cancel := context.WithTimeout(l.ctx, streamAcceptTimeout)
	defer cancel()

	st, err := c.AcceptStream(ctx)
	if err != nil {
		_ = c.CloseWithError(codeNoStream, "no stream")
		return
	}
	conn := &Conn{conn: c, stream: st}
	select {
	case l.conns <- conn:
	case <-l.ctx.Done():
		_ = conn.Close()
	}
}

func (l *Listener) Accept(ctx context.Context) (transport.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.done:
		return nil, transport.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *Listener) Addr() net.Addr { return l.inner.Addr() }

func (l *Listener) Close() error {
	var err error
	l.once.Do(func() {
		l.cancel()
		err = l.inner.Close()
		<-l.done
		l.wg.Wait()
	})
	return err
}

// Dial connects to addr and opens the session stream.
func Dial(ctx context.Context, addr string) (transport.Conn, error) {
	tlsConf, err := NewTLSConfig(nil)
	if err != nil {
		return nil, err
	}
	c, err := q.DialAddr(ctx, addr, tlsConf, quicConfig())
	if err != nil {
		return nil, err
	}
	st, err := c.OpenStreamSync(ctx)
	if err != nil {
		_ = c.CloseWithError(codeNoStream, "open stream failed")
		return nil, err
	}
	return &Conn{conn: c, stream: st}, nil
}
