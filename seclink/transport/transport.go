// Package transport abstracts the stream connections sessions run over.
//
// The server only needs an ordered, reliable byte stream per peer with read
// and write deadlines. transport/tcp provides it over TCP and transport/quic
// over the first bidirectional stream of a QUIC connection.
package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"net/netip"
	"time"
)

var ErrClosed = errors.New("transport: listener closed")

// Conn is one peer's byte stream. net.Conn satisfies it.
type Conn interface {
	io.ReadWriteCloser
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	RemoteAddr() net.Addr
}

type Listener interface {
	// Accept blocks until a peer connects, ctx is done or the listener is
	// closed, in which case it returns ErrClosed.
	Accept(ctx context.Context) (Conn, error)
	Addr() net.Addr
	Close() error
}

type ListenFunc func(ctx context.Context, addr string) (Listener, error)

type DialFunc func(ctx context.Context, addr string) (Conn, error)

// RemoteIP extracts the peer IP from addr, unmapping IPv4-in-IPv6.
func RemoteIP(addr net.Addr) (netip.Addr, bool) {
	switch a := addr.(type) {
	case *net.TCPAddr:
		ip, ok := netip.AddrFromSlice(a.IP)
		return ip.Unmap(), ok
	case *net.UDPAddr:
		ip, ok := netip.AddrFromSlice(a.IP)
		return ip.Unmap(), ok
	case nil:
		return netip.Addr{}, false
	}
	ap, err := netip.ParseAddrPort(addr.String())
	if err != nil {
		ip, err := netip.ParseAddr(addr.String())
		if err != nil {
			return netip.Addr{}, false
		}
		return ip.Unmap(), true
	}
	return ap.Addr().Unmap(), true
}
