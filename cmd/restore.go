package cmd

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/vaultctl/walletctl/internal/backup"
)

var restoreMode string

var restoreCmd = &cobra.Command{
	Use:   "restore [backup_path]",
	Short: "Restore records from a backup",
	Long: `Add the records of an encrypted backup to the wallet.
If no backup path is provided, lists available backups for selection.

Modes: empty-only (default) restores into an empty wallet only. merge fails
on any existing record before writing anything. skip-duplicates keeps the
records already in the wallet.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mode, err := backup.ParseMode(restoreMode)
		if err != nil {
			return err
		}

		var backupPath string
		if len(args) > 0 {
			backupPath = args[0]
			if _, err := os.Stat(backupPath); os.IsNotExist(err) {
				return fmt.Errorf("backup file not found: %s", backupPath)
			}
		} else {
			backupPath, err = selectBackup(cfg.BackupDir)
			if err != nil {
				return err
			}
		}

		if _, err := ensureOpen(cmd); err != nil {
			return err
		}
		passphrase, err := readPassphrase("Enter backup passphrase: ")
		if err != nil {
			return err
		}

		p, err := waitProgress(svc.Restore(cmd.Context(), backupPath, passphrase, backup.WithMode(mode)), "Restored")
		if err != nil {
			return fmt.Errorf("failed to restore backup: %w", err)
		}

		fmt.Printf("Restored %d records from: %s\n", p.Processed-p.Skipped, filepath.Base(backupPath))
		if p.Skipped > 0 {
			fmt.Printf("Skipped %d records already in the wallet\n", p.Skipped)
		}
		return nil
	},
}

// selectBackup lists the backups in backupDir and prompts for one
func selectBackup(backupDir string) (string, error) {
	if _, err := os.Stat(backupDir); os.IsNotExist(err) {
		return "", fmt.Errorf("no backup directory found at %s. Create a backup first with 'walletctl backup'", backupDir)
	}

	backups, err := findBackups(backupDir)
	if err != nil {
		return "", fmt.Errorf("failed to list backups: %w", err)
	}
	if len(backups) == 0 {
		return "", fmt.Errorf("no backup files found in %s", backupDir)
	}

	fmt.Println("Available backups:")
	fmt.Println()
	for i, b := range backups {
		fmt.Printf("  %d. %s\n", i+1, filepath.Base(b.Path))
		fmt.Printf("     Created: %s\n", b.CreatedAt.Local().Format("2006-01-02 15:04:05"))
		fmt.Printf("     Key derivation: %s\n", b.Method)
		fmt.Printf("     Size: %s\n", formatFileSize(b.Size))
		fmt.Println()
	}

	reader := bufio.NewReader(os.Stdin)
	fmt.Print("Select backup to restore (enter number): ")
	input, err := reader.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("failed to read input: %w", err)
	}

	input = strings.TrimSpace(input)
	selection, err := strconv.Atoi(input)
	if err != nil || selection < 1 || selection > len(backups) {
		return "", fmt.Errorf("invalid selection: %s", input)
	}

	path := backups[selection-1].Path
	fmt.Printf("Selected: %s\n", filepath.Base(path))
	return path, nil
}

// BackupInfo holds information about a backup file
type BackupInfo struct {
	Path      string
	CreatedAt time.Time
	Method    string
	Size      int64
}

// findBackups finds all readable backup files in the backup directory,
// newest first by the timestamp in their header
func findBackups(backupDir string) ([]BackupInfo, error) {
	entries, err := os.ReadDir(backupDir)
	if err != nil {
		return nil, err
	}

	var backups []BackupInfo
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), backupExt) {
			continue
		}

		path := filepath.Join(backupDir, entry.Name())
		info, err := entry.Info()
		if err != nil {
			continue
		}
		header, err := backup.InspectFile(path)
		if err != nil {
			logger.Debug().Err(err).Str("path", path).Msg("skipping unreadable backup")
			continue
		}

		backups = append(backups, BackupInfo{
			Path:      path,
			CreatedAt: header.Timestamp,
			Method:    header.Method.String(),
			Size:      info.Size(),
		})
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].CreatedAt.After(backups[j].CreatedAt)
	})

	return backups, nil
}

// formatFileSize formats file size in human-readable format
func formatFileSize(size int64) string {
	const unit = 1024
	if size < unit {
		return fmt.Sprintf("%d B", size)
	}
	div, exp := int64(unit), 0
	for n := size / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(size)/float64(div), "KMGTPE"[exp])
}

func init() {
	rootCmd.AddCommand(restoreCmd)
	restoreCmd.Flags().StringVar(&restoreMode, "mode", backup.ModeEmptyOnly.String(), "Restore mode (empty-only, merge, skip-duplicates)")
}
