// Package tcp provides the TCP transport.
package tcp

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/phcnguyen/seclink/seclink/transport"
)

const keepAlivePeriod = 30 * time.Second

type Listener struct {
	inner net.Listener
}

var _ transport.Listener = (*Listener)(nil)

func Listen(ctx context.Context, addr string) (transport.Listener, error) {
	lc := net.ListenConfig{KeepAlive: keepAlivePeriod}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Listener{inner: ln}, nil
}

// Accept returns the next connection. Closing the listener unblocks it.
func (l *Listener) Accept(ctx context.Context) (transport.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c, err := l.inner.Accept()
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return nil, transport.ErrClosed
		}
		return nil, err
	}
	return c, nil
}

func (l *Listener) Addr() net.Addr { return l.inner.Addr() }

func (l *Listener) Close() error { return l.inner.Close() }

func Dial(ctx context.Context, addr string) (transport.Conn, error) {
	d := net.Dialer{KeepAlive: keepAlivePeriod}
	return d.DialContext(ctx, "tcp", addr)
}
