// Package memory is an in-process firewall: timed blocks set by the
// operator, a static blocklist loaded from a watched file, and an LZ4
// snapshot so timed blocks survive restarts.
package memory

import (
	"context"
	"net/netip"
	"slices"
	"sync"
	"time"

	"github.com/phcnguyen/seclink/seclink/firewall"
	"github.com/phcnguyen/seclink/seclink/notify"
)

const DefaultUnblockInterval = time.Minute

// Entry is one timed block. A zero Until never expires.
type Entry struct {
	Addr  netip.Addr `json:"addr"`
	Until time.Time  `json:"until,omitzero"`
}

func (e Entry) expired(now time.Time) bool {
	return !e.Until.IsZero() && !now.Before(e.Until)
}

type Option func(*Store)

// WithUnblockInterval sets how often AutoUnblock sweeps expired blocks.
func WithUnblockInterval(d time.Duration) Option {
	return func(s *Store) { s.interval = d }
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func WithNotifier(n notify.Notifier) Option {
	return func(s *Store) { s.notifier = n }
}

// Store implements firewall.Firewall.
type Store struct {
	interval time.Duration
	now      func() time.Time
	notifier notify.Notifier

	mu      sync.RWMutex
	blocked map[netip.Addr]Entry
	static  []netip.Prefix
}

var _ firewall.Firewall = (*Store)(nil)

func New(opts ...Option) *Store {
	s := &Store{
		interval: DefaultUnblockInterval,
		now:      time.Now,
		notifier: notify.Nop{},
		blocked:  map[netip.Addr]Entry{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Block denies ip for ttl. A ttl <= 0 blocks until Unblock.
func (s *Store) Block(ip netip.Addr, ttl time.Duration) {
	ip = ip.Unmap()
	e := Entry{Addr: ip}
	if ttl > 0 {
		e.Until = s.now().Add(ttl)
	}
	s.mu.Lock()
	s.blocked[ip] = e
	s.mu.Unlock()
}

// Unblock lifts a timed block and reports whether one existed.
func (s *Store) Unblock(ip netip.Addr) bool {
	ip = ip.Unmap()
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blocked[ip]; !ok {
		return false
	}
	delete(s.blocked, ip)
	return true
}

func (s *Store) IsBlocked(ip netip.Addr) bool {
	ip = ip.Unmap()
	s.mu.RLock()
	defer s.mu.RUnlock()
	if e, ok := s.blocked[ip]; ok && !e.expired(s.now()) {
		return true
	}
	for _, p := range s.static {
		if p.Contains(ip) {
			return true
		}
	}
	return false
}

// SetStatic replaces the static blocklist.
func (s *Store) SetStatic(prefixes []netip.Prefix) {
	s.mu.Lock()
	s.static = slices.Clone(prefixes)
	s.mu.Unlock()
}

func (s *Store) Static() []netip.Prefix {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.static)
}

// Entries returns the timed blocks ordered by address.
func (s *Store) Entries() []Entry {
	s.mu.RLock()
	out := make([]Entry, 0, len(s.blocked))
	for _, e := range s.blocked {
		out = append(out, e)
	}
	s.mu.RUnlock()
	slices.SortFunc(out, func(a, b Entry) int { return a.Addr.Compare(b.Addr) })
	return out
}

// Expire removes blocks that have run out and returns their addresses.
func (s *Store) Expire() []netip.Addr {
	now := s.now()
	var lifted []netip.Addr
	s.mu.Lock()
	for ip, e := range s.blocked {
		if e.expired(now) {
			delete(s.blocked, ip)
			lifted = append(lifted, ip)
		}
	}
	s.mu.Unlock()
	slices.SortFunc(lifted, netip.Addr.Compare)
	return lifted
}

// AutoUnblock sweeps expired blocks every interval until ctx is done.
func (s *Store) AutoUnblock(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for _, ip := range s.Expire() {
				s.notifier.Notify("Unblocked " + ip.String())
			}
		}
	}
}
