package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/vaultctl/walletctl/internal/backup"
	"github.com/vaultctl/walletctl/internal/crypto"
)

// backupExt marks files written by 'walletctl backup'
const backupExt = ".backup"

var (
	backupMethod    string
	backupChunkSize int
)

var backupCmd = &cobra.Command{
	Use:   "backup [output_path]",
	Short: "Create an encrypted backup of the wallet",
	Long: `Export every record to an encrypted backup file. The backup is keyed by
its own passphrase, independent of the wallet's.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		method, err := crypto.ParseMethod(backupMethod)
		if err != nil {
			return err
		}
		if _, err := ensureOpen(cmd); err != nil {
			return err
		}

		var outputPath string
		if len(args) > 0 {
			outputPath = args[0]
		} else {
			if err := os.MkdirAll(cfg.BackupDir, 0700); err != nil {
				return fmt.Errorf("failed to create backup directory: %w", err)
			}
			timestamp := time.Now().UTC().Format("2006-01-02T15-04-05Z")
			outputPath = filepath.Join(cfg.BackupDir, fmt.Sprintf("wallet-%s%s", timestamp, backupExt))
		}

		passphrase, err := readNewPassphrase("Enter backup passphrase: ")
		if err != nil {
			return err
		}

		p, err := waitProgress(svc.Export(cmd.Context(), outputPath, passphrase,
			backup.WithMethod(method),
			backup.WithChunkSize(backupChunkSize),
		), "Exported")
		if err != nil {
			return fmt.Errorf("failed to write backup: %w", err)
		}

		fmt.Printf("Backup of %d records created at: %s\n", p.Processed, outputPath)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(backupCmd)
	backupCmd.Flags().StringVar(&backupMethod, "method", "argon2m", "Key derivation method for the backup passphrase (argon2m, argon2i, raw)")
	backupCmd.Flags().IntVar(&backupChunkSize, "chunk-size", backup.DefaultChunkSize, "Plaintext bytes per encrypted chunk")
}
