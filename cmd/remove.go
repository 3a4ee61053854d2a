package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var removeCmd = &cobra.Command{
	Use:   "remove <type> <name>",
	Short: "Remove a record",
	Long:  `Remove a record and all of its tags from the wallet.`,
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		w, err := ensureOpen(cmd)
		if err != nil {
			return err
		}

		if err := requireRecord(cmd, args[0], args[1]); err != nil {
			return err
		}
		if err := w.DeleteRecord(cmd.Context(), args[0], args[1]); err != nil {
			return fmt.Errorf("failed to remove record: %w", err)
		}

		fmt.Printf("Record '%s/%s' removed successfully\n", args[0], args[1])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(removeCmd)
}
