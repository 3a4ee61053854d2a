package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var updateValue string

var updateCmd = &cobra.Command{
	Use:   "update <type> <name>",
	Short: "Update the value of a record",
	Long:  `Replace the value of an existing record. Tags are left as they are; use 'walletctl tags' to change them.`,
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		w, err := ensureOpen(cmd)
		if err != nil {
			return err
		}

		if err := requireRecord(cmd, args[0], args[1]); err != nil {
			return err
		}

		value := updateValue
		if !cmd.Flags().Changed("value") {
			if value, err = readHidden("Enter new value: "); err != nil {
				return err
			}
		}

		if err := w.UpdateRecordValue(cmd.Context(), args[0], args[1], value); err != nil {
			return fmt.Errorf("failed to update record: %w", err)
		}

		fmt.Printf("Record '%s/%s' updated successfully\n", args[0], args[1])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(updateCmd)
	updateCmd.Flags().StringVar(&updateValue, "value", "", "New value (prompted if omitted)")
}
