package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var lockCmd = &cobra.Command{
	Use:   "lock",
	Short: "Lock the wallet and clear session",
	Long:  `Lock the wallet by clearing the session. You will need to unlock again to use the wallet.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if svc != nil {
			svc.Close()
		}
		if err := sessionMgr.ClearSession(); err != nil {
			return fmt.Errorf("failed to clear session: %w", err)
		}

		fmt.Println("Wallet locked successfully")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(lockCmd)
}
