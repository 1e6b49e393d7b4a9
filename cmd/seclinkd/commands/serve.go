package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/phcnguyen/seclink/seclink"
	"github.com/phcnguyen/seclink/seclink/config"
	"github.com/phcnguyen/seclink/seclink/firewall/memory"
	"github.com/phcnguyen/seclink/seclink/metrics"
	"github.com/phcnguyen/seclink/seclink/transport/quic"
)

const shutdownTimeout = 10 * time.Second

func serveCmd() *cobra.Command {
	var (
		host      string
		port      int
		maxConns  int
		transport string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the handshake server",
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			if flags.Changed("host") {
				cfg.Host = host
			}
			if flags.Changed("port") {
				cfg.Port = port
			}
			if flags.Changed("max-connections") {
				cfg.MaxConnections = maxConns
			}
			if flags.Changed("transport") {
				cfg.Transport = transport
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "listen host")
	cmd.Flags().IntVar(&port, "port", 0, "listen port")
	cmd.Flags().IntVar(&maxConns, "max-connections", 0, "maximum concurrent sessions")
	cmd.Flags().StringVar(&transport, "transport", "", "transport: tcp or quic")
	return cmd
}

func serve(ctx context.Context, cfg *config.Configuration) error {
	n, flush := newNotifier()
	defer flush()

	keys := keyStore(n)
	kp, err := keys.EnsureKeyPair()
	if err != nil {
		return err
	}

	fw := memory.New(
		memory.WithUnblockInterval(cfg.UnblockInterval.Std()),
		memory.WithNotifier(n),
	)
	if cfg.SnapshotFile != "" {
		if err := fw.LoadSnapshot(cfg.SnapshotFile); err != nil {
			return err
		}
		defer func() {
			if err := fw.SaveSnapshot(cfg.SnapshotFile); err != nil {
				n.NotifyError(fmt.Sprintf("Saving firewall snapshot failed: %v", err))
			}
		}()
	}

	opts := []seclink.Option{
		seclink.WithNotifier(n),
		seclink.WithFirewall(fw),
	}
	if cfg.Transport == config.TransportQUIC {
		opts = append(opts, seclink.WithListenFunc(quic.ListenFunc(kp.PrivateKey)))
	}
	var m *metrics.Metrics
	if cfg.MetricsAddress != "" {
		m = metrics.New(prometheus.NewRegistry())
		opts = append(opts, seclink.WithMetrics(m))
	}

	srv := seclink.NewServer(cfg, keys, opts...)
	if err := srv.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if cfg.BlocklistFile != "" {
		g.Go(func() error {
			return fw.WatchFile(gctx, cfg.BlocklistFile, cfg.UnblockInterval.Std())
		})
	}
	if m != nil {
		g.Go(func() error { return serveMetrics(gctx, cfg.MetricsAddress, m) })
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Stop(shutdownCtx)
	})
	return g.Wait()
}

func serveMetrics(ctx context.Context, addr string, m *metrics.Metrics) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	hs := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = hs.Shutdown(shutdownCtx)
	}()
	if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
