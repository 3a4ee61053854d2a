package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var tagsCmd = &cobra.Command{
	Use:   "tags",
	Short: "Manage the tags of a record",
}

var tagsAddCmd = &cobra.Command{
	Use:   "add <type> <name> <tag=value>...",
	Short: "Add or overwrite tags",
	Args:  cobra.MinimumNArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		tags, err := parseTags(args[2:])
		if err != nil {
			return err
		}
		w, err := ensureOpen(cmd)
		if err != nil {
			return err
		}
		if err := requireRecord(cmd, args[0], args[1]); err != nil {
			return err
		}
		if err := w.AddRecordTags(cmd.Context(), args[0], args[1], tags...); err != nil {
			return fmt.Errorf("failed to add tags: %w", err)
		}
		fmt.Printf("Tags of '%s/%s' updated\n", args[0], args[1])
		return nil
	},
}

var tagsSetCmd = &cobra.Command{
	Use:   "set <type> <name> [tag=value]...",
	Short: "Replace all tags",
	Long:  `Replace the whole tag set of a record. With no tags the record is left untagged.`,
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		tags, err := parseTags(args[2:])
		if err != nil {
			return err
		}
		w, err := ensureOpen(cmd)
		if err != nil {
			return err
		}
		if err := requireRecord(cmd, args[0], args[1]); err != nil {
			return err
		}
		if err := w.UpdateRecordTags(cmd.Context(), args[0], args[1], tags...); err != nil {
			return fmt.Errorf("failed to set tags: %w", err)
		}
		fmt.Printf("Tags of '%s/%s' replaced\n", args[0], args[1])
		return nil
	},
}

var tagsDeleteCmd = &cobra.Command{
	Use:   "delete <type> <name> <tag>...",
	Short: "Delete tags by name",
	Long:  `Delete tags by name. Use ~name for an unencrypted tag.`,
	Args:  cobra.MinimumNArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		w, err := ensureOpen(cmd)
		if err != nil {
			return err
		}
		if err := requireRecord(cmd, args[0], args[1]); err != nil {
			return err
		}
		if err := w.DeleteRecordTags(cmd.Context(), args[0], args[1], args[2:]...); err != nil {
			return fmt.Errorf("failed to delete tags: %w", err)
		}
		fmt.Printf("Tags of '%s/%s' deleted\n", args[0], args[1])
		return nil
	},
}

// requireRecord turns the silent no-op on a missing record into a CLI error
func requireRecord(cmd *cobra.Command, typ, name string) error {
	w, err := ensureOpen(cmd)
	if err != nil {
		return err
	}
	rec, err := w.FindRecord(cmd.Context(), typ, name)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("record not found: %s/%s", typ, name)
	}
	return nil
}

func init() {
	rootCmd.AddCommand(tagsCmd)
	tagsCmd.AddCommand(tagsAddCmd, tagsSetCmd, tagsDeleteCmd)
}
