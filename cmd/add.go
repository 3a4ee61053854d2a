package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vaultctl/walletctl/internal/record"
	"github.com/vaultctl/walletctl/internal/wallet"
)

var (
	addValue string
	addTags  []string
)

var addCmd = &cobra.Command{
	Use:   "add <type> <name>",
	Short: "Add a new record",
	Long: `Add a new record to the wallet. The value is prompted for unless --value is
given. Tags are name=value pairs; prefix the name with ~ to keep the value
unencrypted.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		tags, err := parseTags(addTags)
		if err != nil {
			return err
		}
		w, err := ensureOpen(cmd)
		if err != nil {
			return err
		}

		value := addValue
		if !cmd.Flags().Changed("value") {
			if value, err = readHidden("Enter value: "); err != nil {
				return err
			}
		}

		err = w.AddRecord(cmd.Context(), record.New(args[0], args[1], value, tags...))
		if errors.Is(err, wallet.ErrDuplicateRecord) {
			return fmt.Errorf("record %s/%s already exists", args[0], args[1])
		}
		if err != nil {
			return fmt.Errorf("failed to add record: %w", err)
		}

		fmt.Printf("Record '%s/%s' added successfully\n", args[0], args[1])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(addCmd)
	addCmd.Flags().StringVar(&addValue, "value", "", "Record value (prompted if omitted)")
	addCmd.Flags().StringArrayVarP(&addTags, "tag", "t", nil, "Tag as name=value, repeatable (~name keeps the value unencrypted)")
}
