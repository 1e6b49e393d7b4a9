package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/phcnguyen/seclink/seclink"
	"github.com/phcnguyen/seclink/seclink/config"
	"github.com/phcnguyen/seclink/seclink/identity"
	"github.com/phcnguyen/seclink/seclink/transport/quic"
)

func probeCmd() *cobra.Command {
	var (
		addr    string
		timeout time.Duration
		expect  string
	)
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Handshake with a running server and report its key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				addr = cfg.Address()
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			var opts []seclink.ClientOption
			if cfg.Transport == config.TransportQUIC {
				opts = append(opts, seclink.WithDialFunc(quic.Dial))
			}
			c, err := seclink.Dial(ctx, addr, opts...)
			if err != nil {
				return err
			}
			defer c.Close()

			pub, err := c.Bootstrap(ctx)
			if err != nil {
				return err
			}
			fp := identity.FingerprintFromPublicKey(pub)
			fmt.Printf("Server:      %s\nFingerprint: %s\n", addr, fp)
			if expect != "" && !identity.MatchKey(pub, expect) {
				return fmt.Errorf("server fingerprint %s does not match %s", fp, expect)
			}

			// Throwaway key: the probe only checks that the server confirms.
			kp, err := identity.GenerateKeyPair(nil, identity.MinKeyBits)
			if err != nil {
				return err
			}
			resp, err := c.Confirm(ctx, kp.PublicKey)
			if err != nil {
				return err
			}
			fmt.Printf("Response:    %s\n", resp.Message)
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "server address (default from configuration)")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "overall probe timeout")
	cmd.Flags().StringVar(&expect, "expect", "", "expected server fingerprint (hex)")
	return cmd
}
