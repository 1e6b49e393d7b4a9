// Package firewall defines the blocklist collaborator consulted on every
// accepted connection. The server only asks whether an address is blocked
// and runs the auto-unblock task; it never changes the blocklist.
package firewall

import (
	"context"
	"errors"
	"net/netip"
)

var ErrInvalidEntry = errors.New("firewall: invalid blocklist entry")

type Firewall interface {
	IsBlocked(ip netip.Addr) bool
	// AutoUnblock lifts expired blocks until ctx is done.
	AutoUnblock(ctx context.Context) error
}

// Open blocks nothing.
type Open struct{}

func (Open) IsBlocked(netip.Addr) bool { return false }

func (Open) AutoUnblock(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

// ParseEntry accepts a single address or a CIDR prefix.
func ParseEntry(s string) (netip.Prefix, error) {
	if p, err := netip.ParsePrefix(s); err == nil {
		return p.Masked(), nil
	}
	ip, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, errors.Join(ErrInvalidEntry, err)
	}
	ip = ip.Unmap()
	return netip.PrefixFrom(ip, ip.BitLen()), nil
}
