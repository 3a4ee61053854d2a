package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vaultctl/walletctl/internal/crypto"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a raw wallet key",
	Long:  `Print a random 32 byte key in the base58 form accepted by --method raw.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := crypto.NewEngine(nil).GenerateRawKey()
		if err != nil {
			return err
		}
		fmt.Println(key)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(keygenCmd)
}
