package commands

import (
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/opd-ai/mjnet/crypto"
)

// keygenCmd generates a long-term identity key for use as P2P_SECRET_KEY.
func keygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate a new identity key",
		RunE: func(cmd *cobra.Command, args []string) error {
			keys, err := crypto.GenerateKeyPair()
			if err != nil {
				return fmt.Errorf("generating key: %w", err)
			}

			fmt.Printf("peer ID:    %s\n", crypto.PeerIDFromPublicKey(keys.Public))
			fmt.Printf("secret key: %s\n", hex.EncodeToString(keys.Private[:]))
			fmt.Println("\nExport the secret key as P2P_SECRET_KEY to keep a stable identity.")
			return nil
		},
	}
}
