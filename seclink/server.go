package seclink

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/phcnguyen/seclink/seclink/config"
	"github.com/phcnguyen/seclink/seclink/firewall"
	"github.com/phcnguyen/seclink/seclink/handshake"
	"github.com/phcnguyen/seclink/seclink/identity"
	"github.com/phcnguyen/seclink/seclink/keystore"
	"github.com/phcnguyen/seclink/seclink/metrics"
	"github.com/phcnguyen/seclink/seclink/notify"
	"github.com/phcnguyen/seclink/seclink/registry"
	"github.com/phcnguyen/seclink/seclink/session"
	"github.com/phcnguyen/seclink/seclink/transport"
	"github.com/phcnguyen/seclink/seclink/transport/tcp"
)

var ErrAlreadyRunning = errors.New("seclink: server already running")

// BindError is returned by Start when the listener could not be bound
// after every retry.
type BindError struct {
	Addr     string
	Attempts int
	Err      error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("seclink: bind %s failed after %d attempts: %v", e.Addr, e.Attempts, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

type Option func(*Server)

func WithFirewall(fw firewall.Firewall) Option {
	return func(s *Server) { s.firewall = fw }
}

func WithNotifier(n notify.Notifier) Option {
	return func(s *Server) { s.notifier = n }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithListenFunc replaces the TCP transport.
func WithListenFunc(fn transport.ListenFunc) Option {
	return func(s *Server) { s.listen = fn }
}

// WithDatabase hands an opaque handle to every session.
func WithDatabase(db any) Option {
	return func(s *Server) { s.db = db }
}

// WithComparer replaces the collaborator that matches claimed server keys.
func WithComparer(c identity.Comparer) Option {
	return func(s *Server) { s.comparer = c }
}

// Server accepts connections, admits them into sessions and supervises
// the auto-unblock task. Start and Stop may be called from any goroutine.
type Server struct {
	cfg      *config.Configuration
	keys     *keystore.Store
	handler  *handshake.Handler
	registry *registry.Registry
	firewall firewall.Firewall
	notifier notify.Notifier
	metrics  *metrics.Metrics
	listen   transport.ListenFunc
	comparer identity.Comparer
	db       any

	mu       sync.Mutex
	running  bool
	starting bool
	ln      transport.Listener
	cancel  context.CancelFunc
	done    chan struct{}
	err     error

	sessions sync.WaitGroup
}

// NewServer builds a server around a loaded key store.
func NewServer(cfg *config.Configuration, keys *keystore.Store, opts ...Option) *Server {
	s := &Server{
		cfg:      cfg,
		keys:     keys,
		registry: registry.New(cfg.MaxConnections),
		firewall: firewall.Open{},
		notifier: notify.Nop{},
		listen:   tcp.Listen,
		comparer: identity.DefaultComparer,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.handler = handshake.NewHandler(keys, handshake.WithComparer(s.comparer))
	return s
}

// Start binds the listener and serves in the background until Stop. ctx
// bounds binding only. While binding, a concurrent Start returns
// ErrAlreadyRunning and Stop is a no-op.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running || s.starting {
		s.mu.Unlock()
		s.notifier.Notify("Server is already running.")
		return ErrAlreadyRunning
	}
	s.starting = true
	s.mu.Unlock()

	addr := s.cfg.Address()
	s.notifier.Notify("Starting server at " + addr)
	ln, err := s.bind(ctx, addr)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.starting = false
	if err != nil {
		return err
	}

	serveCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	g, gctx := errgroup.WithContext(serveCtx)
	g.Go(func() error { return s.acceptLoop(gctx, ln) })
	g.Go(func() error { return s.firewall.AutoUnblock(gctx) })

	done := make(chan struct{})
	go func() {
		err := g.Wait()
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(done)
	}()

	s.running = true
	s.ln = ln
	s.cancel = cancel
	s.done = done
	s.notifier.Notify("Listening on " + ln.Addr().String())
	return nil
}

func (s *Server) bind(ctx context.Context, addr string) (transport.Listener, error) {
	attempts := s.cfg.BindRetries + 1
	var lastErr error
	for i := 1; i <= attempts; i++ {
		ln, err := s.listen(ctx, addr)
		if err == nil {
			return ln, nil
		}
		lastErr = err
		s.notifier.NotifyError(fmt.Sprintf("Bind %s failed (attempt %d/%d): %v", addr, i, attempts, err))
		if i == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, &BindError{Addr: addr, Attempts: i, Err: ctx.Err()}
		case <-time.After(s.cfg.RetryBackoff.Std()):
		}
	}
	return nil, &BindError{Addr: addr, Attempts: attempts, Err: lastErr}
}

// acceptLoop runs until the listener is closed. Other accept errors are
// reported and retried after the backoff.
func (s *Server) acceptLoop(ctx context.Context, ln transport.Listener) error {
	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, transport.ErrClosed) {
				return nil
			}
			s.metrics.AcceptFailed()
			s.notifier.NotifyError("Accept failed: " + err.Error())
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(s.cfg.RetryBackoff.Std()):
			}
			continue
		}
		s.admit(ctx, conn)
	}
}

func (s *Server) admit(ctx context.Context, conn transport.Conn) {
	peer := conn.RemoteAddr()
	if ip, ok := transport.RemoteIP(peer); ok && s.firewall.IsBlocked(ip) {
		s.metrics.ConnectionRejected(metrics.ReasonBlocked)
		_ = conn.Close()
		return
	}

	sess := session.New(conn, s.handler,
		session.WithIdleTimeout(s.cfg.IdleTimeout.Std()),
		session.WithWriteTimeout(s.cfg.WriteTimeout.Std()),
		session.WithDatabase(s.db),
		session.WithResultHook(s.observe),
	)
	if !s.registry.Admit(sess) {
		s.metrics.ConnectionRejected(metrics.ReasonCapacity)
		s.notifier.NotifyError("Connection limit exceeded. Refusing connection from " + addrString(peer))
		_ = sess.Close()
		return
	}
	sess.Activate()
	s.metrics.ConnectionAccepted()
	s.notifier.Notify("Client connected from " + addrString(peer))

	s.sessions.Add(1)
	go s.serve(ctx, sess)
}

// serve is the single cleanup path of an admitted session.
func (s *Server) serve(ctx context.Context, sess *session.Session) {
	defer s.sessions.Done()
	start := time.Now()

	err := sess.Run(ctx)

	s.registry.Remove(sess)
	_ = sess.Close()
	s.metrics.SessionClosed(start)

	peer := addrString(sess.RemoteAddr())
	if err != nil && !errors.Is(err, context.Canceled) {
		s.notifier.NotifyError(fmt.Sprintf("Session %s with %s ended: %v", sess.ID(), peer, err))
	}
	s.notifier.Notify(fmt.Sprintf("Connection with %s closed.", peer))
}

func (s *Server) observe(sess *session.Session, res handshake.Result) {
	s.metrics.HandshakeAnswered(res.Status, res.Passthrough)
	if res.ClientKey != nil {
		fp := identity.FingerprintFromPublicKey(res.ClientKey)
		s.notifier.Notify(fmt.Sprintf("Client key %s confirmed for %s", fp.Short(), addrString(sess.RemoteAddr())))
	}
}

// Stop closes the listener, closes every session and waits for their
// goroutines. Stopping a server that is not running is a no-op.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	ln, cancel, done := s.ln, s.cancel, s.done
	s.mu.Unlock()

	_ = ln.Close()
	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	err := s.registry.CloseAll(ctx)

	drained := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.notifier.Notify("Server stopped.")
	return err
}

// Wait blocks until the current run stops and returns its error.
func (s *Server) Wait() error {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done == nil {
		return nil
	}
	<-done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Server) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Addr is the bound address, or nil when not running.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	return s.ln.Addr()
}

// Sessions returns the admitted sessions in admission order.
func (s *Server) Sessions() []*session.Session {
	return s.registry.Sessions()
}

func addrString(a net.Addr) string {
	if a == nil {
		return "unknown"
	}
	return a.String()
}
