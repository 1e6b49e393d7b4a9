package seclink

import (
	"context"
	"crypto/rsa"
	"errors"
	"net"
	"net/netip"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/phcnguyen/seclink/seclink/config"
	"github.com/phcnguyen/seclink/seclink/firewall/memory"
	"github.com/phcnguyen/seclink/seclink/identity"
	"github.com/phcnguyen/seclink/seclink/keystore"
	"github.com/phcnguyen/seclink/seclink/metrics"
	"github.com/phcnguyen/seclink/seclink/notify"
	"github.com/phcnguyen/seclink/seclink/protocol"
	"github.com/phcnguyen/seclink/seclink/transport"
	"github.com/phcnguyen/seclink/seclink/transport/quic"
)

var (
	keysOnce   sync.Once
	serverKeys identity.KeyPair
	clientKeys identity.KeyPair
)

func loadKeys(t *testing.T) {
	t.Helper()
	keysOnce.Do(func() {
		var err error
		if serverKeys, err = identity.GenerateKeyPair(nil, identity.MinKeyBits); err != nil {
			panic(err)
		}
		if clientKeys, err = identity.GenerateKeyPair(nil, identity.MinKeyBits); err != nil {
			panic(err)
		}
	})
}

func testConfig() *config.Configuration {
	cfg := config.Default()
	cfg.Port = 0
	cfg.MaxConnections = 8
	cfg.RetryBackoff = config.Duration(5 * time.Millisecond)
	cfg.IdleTimeout = config.Duration(10 * time.Second)
	return cfg
}

func startServer(t *testing.T, cfg *config.Configuration, opts ...Option) (*Server, *notify.Recorder) {
	t.Helper()
	loadKeys(t)
	rec := &notify.Recorder{}
	opts = append([]Option{WithNotifier(rec)}, opts...)
	srv := NewServer(cfg, keystore.FromKeyPair(serverKeys), opts...)
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = srv.Stop(context.Background()) })
	return srv, rec
}

func dial(t *testing.T, srv *Server) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, srv.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func expectClosedWithoutData(t *testing.T, addr string) {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	n, err := conn.Read(make([]byte, 16))
	if n != 0 || err == nil {
		t.Fatalf("expected close without data, got n=%d err=%v", n, err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		t.Fatalf("connection left open")
	}
}

func TestHandshakeEndToEnd(t *testing.T) {
	srv, rec := startServer(t, testConfig(), WithDatabase("sessions-db"))
	c := dial(t, srv)
	ctx := testCtx(t)

	pub, err := c.Bootstrap(ctx)
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if !pub.Equal(serverKeys.PublicKey) {
		t.Fatalf("bootstrap learned the wrong key")
	}

	resp, err := c.Handshake(ctx, protocol.HandshakeMessage{Action: protocol.Unknown})
	if err != nil {
		t.Fatalf("Handshake: %v", err)
	}
	if !resp.Status || resp.Message != protocol.MessagePublicKey {
		t.Fatalf("unexpected response: %+v", resp)
	}

	if _, err := c.Confirm(ctx, clientKeys.PublicKey); err != nil {
		t.Fatalf("Confirm: %v", err)
	}

	sessions := srv.Sessions()
	if len(sessions) != 1 {
		t.Fatalf("sessions = %d", len(sessions))
	}
	sess := sessions[0]
	if sess.PeerKey() == nil || !sess.PeerKey().Equal(clientKeys.PublicKey) {
		t.Fatalf("client key not recorded on session")
	}
	if sess.Database() != "sessions-db" {
		t.Fatalf("database handle not passed to session")
	}

	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	waitFor(t, func() bool { return len(srv.Sessions()) == 0 })
	waitFor(t, func() bool {
		for _, e := range rec.Entries() {
			if strings.HasSuffix(e.Message, "closed.") {
				return true
			}
		}
		return false
	})
}

func TestTamperedRequestKeepsConnectionOpen(t *testing.T) {
	srv, _ := startServer(t, testConfig())
	c := dial(t, srv)
	ctx := testCtx(t)

	if _, err := c.Bootstrap(ctx); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	garbage := make([]byte, serverKeys.PublicKey.Size())
	f, err := c.Exchange(ctx, protocol.Frame{Type: protocol.MessageTypeHandshake, Payload: garbage})
	if err != nil {
		t.Fatalf("Exchange: %v", err)
	}
	resp, err := protocol.ParseHandshakeResponse(f.Payload)
	if err != nil {
		t.Fatalf("ParseHandshakeResponse: %v", err)
	}
	if resp.Status || resp.Message == "" || resp.PubKeyServer != serverKeys.EncodePublicKey() {
		t.Fatalf("unexpected failure response: %+v", resp)
	}

	if _, err := c.Handshake(ctx, protocol.HandshakeMessage{}); err != nil {
		t.Fatalf("connection closed after a bad request: %v", err)
	}
}

func TestBlockedPeerClosedWithoutResponse(t *testing.T) {
	fw := memory.New()
	fw.Block(netip.MustParseAddr("127.0.0.1"), 0)
	m := metrics.New(nil)
	srv, _ := startServer(t, testConfig(), WithFirewall(fw), WithMetrics(m))

	expectClosedWithoutData(t, srv.Addr().String())

	if n := len(srv.Sessions()); n != 0 {
		t.Fatalf("blocked peer got a session: %d", n)
	}
	waitFor(t, func() bool {
		return testutil.ToFloat64(m.Rejected.WithLabelValues(metrics.ReasonBlocked)) == 1
	})
	if got := testutil.ToFloat64(m.Accepted); got != 0 {
		t.Fatalf("accepted = %v", got)
	}
}

func TestCapacityRejection(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConnections = 1
	m := metrics.New(nil)
	srv, rec := startServer(t, cfg, WithMetrics(m))

	first := dial(t, srv)
	if _, err := first.Bootstrap(testCtx(t)); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	expectClosedWithoutData(t, srv.Addr().String())

	waitFor(t, func() bool {
		for _, msg := range rec.Errors() {
			if strings.HasPrefix(msg, "Connection limit exceeded") {
				return true
			}
		}
		return false
	})
	if n := len(srv.Sessions()); n != 1 {
		t.Fatalf("sessions = %d, want 1", n)
	}
	if got := testutil.ToFloat64(m.Rejected.WithLabelValues(metrics.ReasonCapacity)); got != 1 {
		t.Fatalf("capacity rejections = %v", got)
	}

	if _, err := first.Handshake(testCtx(t), protocol.HandshakeMessage{}); err != nil {
		t.Fatalf("admitted session disturbed by rejection: %v", err)
	}
}

func TestStartTwice(t *testing.T) {
	srv, rec := startServer(t, testConfig())
	if err := srv.Start(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
	found := false
	for _, e := range rec.Entries() {
		if e.Message == "Server is already running." {
			found = true
		}
	}
	if !found {
		t.Fatalf("second Start not reported")
	}
}

func TestStopClosesSessionsAndIsIdempotent(t *testing.T) {
	srv, rec := startServer(t, testConfig())
	ctx := testCtx(t)

	var clients []*Client
	for i := 0; i < 3; i++ {
		c := dial(t, srv)
		if _, err := c.Bootstrap(ctx); err != nil {
			t.Fatalf("Bootstrap: %v", err)
		}
		clients = append(clients, c)
	}
	sessions := srv.Sessions()
	if len(sessions) != 3 {
		t.Fatalf("sessions = %d", len(sessions))
	}

	if err := srv.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := srv.Stop(ctx); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if srv.Running() || srv.Addr() != nil {
		t.Fatalf("server still running")
	}
	if n := len(srv.Sessions()); n != 0 {
		t.Fatalf("sessions after Stop = %d", n)
	}
	for _, s := range sessions {
		if s.Connected() {
			t.Fatalf("session %s still connected", s.ID())
		}
	}
	for _, c := range clients {
		if _, err := c.Exchange(ctx, protocol.Frame{Type: protocol.MessageTypeHandshake, Payload: []byte("x")}); err == nil {
			t.Fatalf("exchange succeeded after Stop")
		}
	}

	stopped := 0
	for _, e := range rec.Entries() {
		if e.Message == "Server stopped." {
			stopped++
		}
	}
	if stopped != 1 {
		t.Fatalf("Server stopped. notified %d times", stopped)
	}
	if err := srv.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

func TestStopWhenNotRunning(t *testing.T) {
	loadKeys(t)
	srv := NewServer(testConfig(), keystore.FromKeyPair(serverKeys))
	if err := srv.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := srv.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

func TestBindRetriesThenBindError(t *testing.T) {
	loadKeys(t)
	cfg := testConfig()
	cfg.BindRetries = 2
	rec := &notify.Recorder{}

	var calls atomic.Int32
	bindErr := errors.New("address in use")
	listen := func(context.Context, string) (transport.Listener, error) {
		calls.Add(1)
		return nil, bindErr
	}
	srv := NewServer(cfg, keystore.FromKeyPair(serverKeys), WithListenFunc(listen), WithNotifier(rec))

	err := srv.Start(context.Background())
	var be *BindError
	if !errors.As(err, &be) {
		t.Fatalf("expected *BindError, got %v", err)
	}
	if be.Attempts != 3 || calls.Load() != 3 || !errors.Is(err, bindErr) {
		t.Fatalf("attempts = %d, calls = %d, err = %v", be.Attempts, calls.Load(), err)
	}
	if len(rec.Errors()) != 3 {
		t.Fatalf("bind failures notified %d times", len(rec.Errors()))
	}
	if srv.Running() {
		t.Fatalf("server running after bind failure")
	}
}

func TestBindDoesNotHoldServerLock(t *testing.T) {
	loadKeys(t)
	release := make(chan struct{})
	entered := make(chan struct{})
	var once sync.Once
	listen := func(ctx context.Context, addr string) (transport.Listener, error) {
		once.Do(func() { close(entered) })
		<-release
		return nil, errors.New("address in use")
	}
	cfg := testConfig()
	cfg.BindRetries = 0
	srv := NewServer(cfg, keystore.FromKeyPair(serverKeys), WithListenFunc(listen))

	startErr := make(chan error, 1)
	go func() { startErr <- srv.Start(context.Background()) }()
	<-entered

	returned := make(chan struct{})
	go func() {
		defer close(returned)
		_ = srv.Running()
		_ = srv.Addr()
		_ = srv.Stop(context.Background())
		_ = srv.Wait()
	}()
	select {
	case <-returned:
	case <-time.After(5 * time.Second):
		close(release)
		t.Fatalf("server accessors blocked while binding")
	}
	if err := srv.Start(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("concurrent Start: expected ErrAlreadyRunning, got %v", err)
	}

	close(release)
	var be *BindError
	if err := <-startErr; !errors.As(err, &be) {
		t.Fatalf("expected *BindError, got %v", err)
	}
	if srv.Running() {
		t.Fatalf("server running after bind failure")
	}
}

// flakyListener fails a few accepts before behaving like a closed-on-demand listener.
type flakyListener struct {
	failures atomic.Int32
	closed   chan struct{}
	once     sync.Once
}

func (l *flakyListener) Accept(ctx context.Context) (transport.Conn, error) {
	if l.failures.Add(-1) >= 0 {
		return nil, errors.New("too many open files")
	}
	select {
	case <-l.closed:
		return nil, transport.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *flakyListener) Addr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1}
}

func (l *flakyListener) Close() error {
	l.once.Do(func() { close(l.closed) })
	return nil
}

func TestAcceptErrorsAreRetried(t *testing.T) {
	ln := &flakyListener{closed: make(chan struct{})}
	ln.failures.Store(2)
	m := metrics.New(nil)
	listen := func(context.Context, string) (transport.Listener, error) { return ln, nil }
	srv, rec := startServer(t, testConfig(), WithListenFunc(listen), WithMetrics(m))

	waitFor(t, func() bool { return testutil.ToFloat64(m.AcceptErrors) == 2 })
	waitFor(t, func() bool { return len(rec.Errors()) == 2 })
	if !srv.Running() {
		t.Fatalf("server stopped after transient accept errors")
	}
}

func TestClientRequiresServerKey(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	c := NewClient(client)
	defer client.Close()
	if _, err := c.Handshake(context.Background(), protocol.HandshakeMessage{}); !errors.Is(err, ErrNoServerKey) {
		t.Fatalf("expected ErrNoServerKey, got %v", err)
	}
	if _, err := c.Confirm(context.Background(), clientPublicKey(t)); !errors.Is(err, ErrNoServerKey) {
		t.Fatalf("expected ErrNoServerKey, got %v", err)
	}
}

func clientPublicKey(t *testing.T) *rsa.PublicKey {
	t.Helper()
	loadKeys(t)
	return clientKeys.PublicKey
}

func TestHandshakeOverQUIC(t *testing.T) {
	loadKeys(t)
	cfg := testConfig()
	cfg.Transport = config.TransportQUIC
	srv, _ := startServer(t, cfg, WithListenFunc(quic.ListenFunc(serverKeys.PrivateKey)))
	ctx := testCtx(t)

	c, err := Dial(ctx, srv.Addr().String(), WithDialFunc(quic.Dial))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	if _, err := c.Bootstrap(ctx); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if _, err := c.Confirm(ctx, clientKeys.PublicKey); err != nil {
		t.Fatalf("Confirm: %v", err)
	}
}
