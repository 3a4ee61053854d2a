package cmd

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/vaultctl/walletctl/internal/backup"
	"github.com/vaultctl/walletctl/internal/config"
	"github.com/vaultctl/walletctl/internal/crypto"
	"github.com/vaultctl/walletctl/internal/record"
	"github.com/vaultctl/walletctl/internal/session"
	"github.com/vaultctl/walletctl/internal/wallet"
)

// passphraseEnv lets scripts supply the passphrase instead of the terminal
const passphraseEnv = config.EnvPrefix + "_PASSPHRASE"

// readPassphrase returns the passphrase from the environment, or prompts
func readPassphrase(prompt string) (string, error) {
	if p, ok := os.LookupEnv(passphraseEnv); ok {
		return p, nil
	}
	return readHidden(prompt)
}

// readHidden prompts on the terminal without echo
func readHidden(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	raw, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read input: %w", err)
	}
	defer crypto.Wipe(raw)
	return string(raw), nil
}

// readNewPassphrase prompts twice and requires both entries to match
func readNewPassphrase(prompt string) (string, error) {
	if p, ok := os.LookupEnv(passphraseEnv); ok {
		return p, nil
	}
	return readConfirmed(prompt)
}

// readConfirmed prompts twice on the terminal
func readConfirmed(prompt string) (string, error) {
	first, err := readHidden(prompt)
	if err != nil {
		return "", err
	}
	second, err := readHidden("Confirm " + strings.TrimPrefix(prompt, "Enter "))
	if err != nil {
		return "", err
	}
	if !crypto.ConstantTimeCompare([]byte(first), []byte(second)) {
		return "", fmt.Errorf("passphrases do not match")
	}
	return first, nil
}

// ensureOpen returns an open wallet session, resuming a cached unlock
// session when there is one and prompting otherwise
func ensureOpen(cmd *cobra.Command) (*wallet.Wallet, error) {
	s, err := openService()
	if err != nil {
		return nil, err
	}
	if w, err := s.Wallet(); err == nil {
		return w, nil
	}

	ctx := cmd.Context()
	walletID, masterKey, err := sessionMgr.LoadSession(ctx)
	switch {
	case err == nil:
		w, openErr := s.OpenWithMasterKey(ctx, masterKey)
		crypto.Wipe(masterKey)
		if openErr == nil && w.ID() == walletID {
			return w, nil
		}
		// stale session from another or rekeyed wallet
		s.Close()
		logger.Debug().Err(openErr).Msg("discarding unlock session")
		_ = sessionMgr.ClearSession()
	case errors.Is(err, session.ErrNoSession), errors.Is(err, session.ErrExpired):
	default:
		logger.Warn().Err(err).Msg("failed to load unlock session")
	}
	return unlockWallet(cmd, s)
}

// unlockWallet prompts for the passphrase, opens the wallet and caches the
// master key for later commands
func unlockWallet(cmd *cobra.Command, s *wallet.Service) (*wallet.Wallet, error) {
	ctx := cmd.Context()
	passphrase, err := readPassphrase("Enter wallet passphrase: ")
	if err != nil {
		return nil, err
	}
	w, masterKey, err := s.Unlock(ctx, passphrase)
	if err != nil {
		return nil, err
	}
	defer crypto.Wipe(masterKey)
	if err := sessionMgr.SaveSession(ctx, w.ID(), masterKey); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to save session: %v\n", err)
	}
	return w, nil
}

// parseTags turns name=value pairs into tags. A leading "~" on the name
// keeps the value unencrypted.
func parseTags(pairs []string) ([]record.Tag, error) {
	tags := make([]record.Tag, 0, len(pairs))
	for _, p := range pairs {
		name, value, ok := strings.Cut(p, "=")
		if !ok || name == "" || name == record.PlaintextPrefix {
			return nil, fmt.Errorf("invalid tag %q, expected name=value", p)
		}
		tags = append(tags, record.ParseTag(name, value))
	}
	return tags, nil
}

// printRecord writes a record in the same layout get and list use
func printRecord(rec record.WalletRecord, showValue bool) {
	fmt.Printf("Type: %s\n", rec.Type)
	fmt.Printf("Name: %s\n", rec.Name)
	if showValue {
		fmt.Printf("Value: %s\n", rec.Value)
	}
	if len(rec.Tags) > 0 {
		fmt.Println("Tags:")
		for _, t := range rec.Tags {
			fmt.Printf("  %s = %s\n", t.WireName(), t.Value)
		}
	}
}

// waitProgress drains an export or restore stream, reporting progress on
// stderr when attached to a terminal
func waitProgress(ch <-chan backup.Progress, verb string) (backup.Progress, error) {
	interactive := term.IsTerminal(int(os.Stderr.Fd()))
	var last backup.Progress
	for p := range ch {
		last = p
		if interactive && p.Total > 0 && !p.Done {
			fmt.Fprintf(os.Stderr, "\r%s %d/%d records", verb, p.Processed, p.Total)
		}
	}
	if interactive && last.Total > 0 {
		fmt.Fprintln(os.Stderr)
	}
	if last.Err != nil {
		return last, last.Err
	}
	if !last.Done {
		return last, backup.ErrIncomplete
	}
	return last, nil
}
