package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/vaultctl/walletctl/internal/crypto"
)

var rotateMethod string

var rotateMasterCmd = &cobra.Command{
	Use:   "rotate-master",
	Short: "Change the wallet passphrase",
	Long: `Change the wallet passphrase by re-sealing the key ring under a new master
key. Records are not re-encrypted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		method := cfg.KDFMethod
		if cmd.Flags().Changed("method") {
			method = rotateMethod
		}
		next, err := crypto.ParseMethod(method)
		if err != nil {
			return err
		}

		s, err := openService()
		if err != nil {
			return err
		}

		current, err := readPassphrase("Enter current wallet passphrase: ")
		if err != nil {
			return err
		}
		var passphrase string
		if next == crypto.MethodRaw {
			passphrase, err = readHidden("Enter new raw key: ")
		} else {
			passphrase, err = readConfirmed("Enter new wallet passphrase: ")
		}
		if err != nil {
			return err
		}

		if err := s.Rekey(cmd.Context(), current, passphrase, next); err != nil {
			return fmt.Errorf("failed to rotate passphrase: %w", err)
		}

		// cached master keys belong to the old passphrase
		if err := sessionMgr.ClearSession(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to clear session: %v\n", err)
		}
		cfg.KDFMethod = next.String()
		if err := cfg.SaveConfig(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to save config: %v\n", err)
		}

		fmt.Println("Wallet passphrase rotated successfully")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(rotateMasterCmd)
	rotateMasterCmd.Flags().StringVar(&rotateMethod, "method", "", "Key derivation method for the new passphrase (defaults to the configured one)")
}
