package cmd

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/vaultctl/walletctl/internal/record"
)

var listCmd = &cobra.Command{
	Use:   "list [type]",
	Short: "List records",
	Long:  `List records in the wallet, optionally of one type (without showing values).`,
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		w, err := ensureOpen(cmd)
		if err != nil {
			return err
		}

		var recs []record.WalletRecord
		if len(args) == 1 {
			recs, err = w.FindRecords(cmd.Context(), args[0])
		} else {
			recs, err = w.FindAllRecords(cmd.Context())
		}
		if err != nil && len(recs) == 0 {
			return fmt.Errorf("failed to list records: %w", err)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: some records could not be decrypted: %v\n", err)
		}

		if len(recs) == 0 {
			fmt.Println("No records found")
			return nil
		}

		sort.Slice(recs, func(i, j int) bool {
			if recs[i].Type != recs[j].Type {
				return recs[i].Type < recs[j].Type
			}
			return recs[i].Name < recs[j].Name
		})

		tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "TYPE\tNAME\tTAGS")
		for _, rec := range recs {
			names := make([]string, 0, len(rec.Tags))
			for _, t := range rec.Tags {
				names = append(names, t.WireName())
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\n", rec.Type, rec.Name, strings.Join(names, ","))
		}
		return tw.Flush()
	},
}

func init() {
	rootCmd.AddCommand(listCmd)
}
