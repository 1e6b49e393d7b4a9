package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/phcnguyen/seclink/seclink/identity"
)

func fingerprintCmd() *cobra.Command {
	var pemOut bool
	cmd := &cobra.Command{
		Use:   "fingerprint",
		Short: "Print the server key fingerprint",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(cfg.Keys.Public)
			if err != nil {
				return err
			}
			pub, err := identity.DecodePublicKey(data)
			if err != nil {
				return err
			}
			fmt.Printf("Fingerprint: %s\n", identity.FingerprintFromPublicKey(pub))
			if pemOut {
				fmt.Print(string(identity.EncodePublicKey(pub)))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&pemOut, "pem", false, "also print the PEM public key")
	return cmd
}
