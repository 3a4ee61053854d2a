package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/vaultctl/walletctl/internal/backup"
	"github.com/vaultctl/walletctl/internal/storage"
)

var (
	pushName            string
	pushExpectedVersion int64
	pullOutput          string
)

var pushCmd = &cobra.Command{
	Use:   "push <backup_path>",
	Short: "Archive a backup in DynamoDB",
	Long: `Upload an encrypted backup file to the DynamoDB archive. The archive only
ever sees the encrypted file. Without --expected-version the current remote
version is looked up first; a concurrent push still fails with a conflict.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		header, err := backup.InspectFile(args[0])
		if err != nil {
			return fmt.Errorf("not a wallet backup: %w", err)
		}
		blob, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read backup: %w", err)
		}

		archive, err := newArchive(cmd)
		if err != nil {
			return err
		}

		name := pushName
		if name == "" {
			name = filepath.Base(args[0])
		}
		expected := pushExpectedVersion
		if !cmd.Flags().Changed("expected-version") {
			current, err := archive.Pull(ctx, name)
			switch {
			case errors.Is(err, storage.ErrBackupNotFound):
				expected = 0
			case err != nil:
				return err
			default:
				expected = current.Version
			}
		}

		version, err := archive.Push(ctx, name, blob, expected)
		if err != nil {
			return err
		}
		logger.Info().Str("name", name).Int64("version", version).Time("created", header.Timestamp).Msg("backup archived")
		fmt.Printf("Backup '%s' archived (version %d)\n", name, version)
		return nil
	},
}

var pullCmd = &cobra.Command{
	Use:   "pull [name]",
	Short: "Fetch an archived backup from DynamoDB",
	Long:  `Download an archived backup into the backup directory. Without a name, lists the archived backups.`,
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		archive, err := newArchive(cmd)
		if err != nil {
			return err
		}

		if len(args) == 0 {
			entries, err := archive.List(ctx)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Println("No archived backups found")
				return nil
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tVERSION\tSIZE\tMODIFIED\tDEVICE")
			for _, e := range entries {
				fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\n", e.Name, e.Version, formatFileSize(e.Size), e.ModifiedAt, e.DeviceID)
			}
			return tw.Flush()
		}

		entry, err := archive.Pull(ctx, args[0])
		if err != nil {
			return err
		}

		output := pullOutput
		if output == "" {
			if err := os.MkdirAll(cfg.BackupDir, 0700); err != nil {
				return fmt.Errorf("failed to create backup directory: %w", err)
			}
			output = filepath.Join(cfg.BackupDir, filepath.Base(entry.Name))
		}
		if err := os.WriteFile(output, entry.Blob, 0600); err != nil {
			return fmt.Errorf("failed to write backup: %w", err)
		}
		if _, err := backup.InspectFile(output); err != nil {
			return fmt.Errorf("archived backup is not readable: %w", err)
		}

		fmt.Printf("Backup '%s' (version %d) written to %s\n", entry.Name, entry.Version, output)
		return nil
	},
}

func newArchive(cmd *cobra.Command) (*storage.BackupArchive, error) {
	archive, err := storage.NewBackupArchive(cmd.Context(), cfg.AWSRegion, cfg.TableName, cfg.UserID)
	if err != nil {
		return nil, fmt.Errorf("DynamoDB not configured: %w", err)
	}
	return archive, nil
}

func init() {
	rootCmd.AddCommand(pushCmd, pullCmd)
	pushCmd.Flags().StringVar(&pushName, "name", "", "Archive name (defaults to the file name)")
	pushCmd.Flags().Int64Var(&pushExpectedVersion, "expected-version", 0, "Remote version this push replaces")
	pullCmd.Flags().StringVarP(&pullOutput, "output", "o", "", "Output path (defaults to the backup directory)")
}
