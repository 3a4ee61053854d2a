package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var getJSON bool

var getCmd = &cobra.Command{
	Use:   "get <type> <name>",
	Short: "Get a record",
	Long:  `Get and display a record with its value and tags.`,
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		w, err := ensureOpen(cmd)
		if err != nil {
			return err
		}

		rec, err := w.FindRecord(cmd.Context(), args[0], args[1])
		if err != nil {
			return fmt.Errorf("failed to get record: %w", err)
		}
		if rec == nil {
			return fmt.Errorf("record not found: %s/%s", args[0], args[1])
		}

		if getJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{
				"type":  rec.Type,
				"name":  rec.Name,
				"value": rec.Value,
				"tags":  rec.TagMap(),
			})
		}
		printRecord(*rec, true)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(getCmd)
	getCmd.Flags().BoolVar(&getJSON, "json", false, "Print the record as JSON")
}
