package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func keygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Create the server key pair if it does not exist",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, flush := newNotifier()
			defer flush()
			kp, err := keyStore(n).EnsureKeyPair()
			if err != nil {
				return err
			}
			fmt.Printf("Public key:  %s\nPrivate key: %s\nFingerprint: %s\n", cfg.Keys.Public, cfg.Keys.Private, kp.Fingerprint())
			return nil
		},
	}
}
