package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/vaultctl/walletctl/internal/crypto"
)

var (
	initMethod   string
	initGenerate bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a new wallet",
	Long: `Initialize a new encrypted wallet. The passphrase is stretched with
Argon2id (argon2m or argon2i), or taken as a base58 raw key (raw).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		method, err := crypto.ParseMethod(initMethod)
		if err != nil {
			return err
		}

		s, err := openService()
		if err != nil {
			return err
		}
		initialized, err := s.Initialized(cmd.Context())
		if err != nil {
			return err
		}
		if initialized {
			return fmt.Errorf("wallet already exists at %s. Use 'walletctl unlock' to access it", cfg.WalletPath)
		}

		var passphrase string
		switch {
		case method == crypto.MethodRaw && initGenerate:
			passphrase, err = crypto.NewEngine(nil).GenerateRawKey()
			if err != nil {
				return err
			}
			fmt.Printf("Raw key (store it safely, it cannot be recovered): %s\n", passphrase)
		case method == crypto.MethodRaw:
			passphrase, err = readPassphrase("Enter raw key: ")
		default:
			passphrase, err = readNewPassphrase("Enter wallet passphrase: ")
		}
		if err != nil {
			return err
		}

		if err := s.Create(cmd.Context(), passphrase, method); err != nil {
			return fmt.Errorf("failed to create wallet: %w", err)
		}

		cfg.KDFMethod = method.String()
		if err := cfg.SaveConfig(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to save config: %v\n", err)
		}

		fmt.Printf("Wallet initialized at %s\n", cfg.WalletPath)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().StringVar(&initMethod, "method", "argon2m", "Key derivation method (argon2m, argon2i, raw)")
	initCmd.Flags().BoolVar(&initGenerate, "generate", false, "Generate a raw key (with --method raw)")
}
