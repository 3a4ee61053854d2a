package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var unlockCmd = &cobra.Command{
	Use:   "unlock",
	Short: "Unlock the wallet",
	Long: `Unlock the wallet by providing its passphrase. The derived master key is
cached in an encrypted session file until the session timeout passes.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openService()
		if err != nil {
			return err
		}
		if sessionMgr.HasActiveSession(cmd.Context()) {
			fmt.Println("Wallet is already unlocked")
			return nil
		}
		if _, err := unlockWallet(cmd, s); err != nil {
			return fmt.Errorf("failed to unlock wallet: %w", err)
		}
		fmt.Printf("Wallet unlocked for %s\n", cfg.SessionTimeout)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(unlockCmd)
}
