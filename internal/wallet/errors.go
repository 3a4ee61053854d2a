package wallet

import (
	"errors"

	"github.com/vaultctl/walletctl/internal/crypto"
	"github.com/vaultctl/walletctl/internal/storage"
)

var (
	// ErrAuthenticationFailed is returned by Open when the key ring cannot be
	// decrypted. It does not say whether the passphrase or the store is bad.
	ErrAuthenticationFailed = errors.New("wrong passphrase or corrupted wallet")

	// ErrDecryptionFailed is returned for a record or tag that fails
	// authentication
	ErrDecryptionFailed = crypto.ErrDecryptionFailed

	// ErrDuplicateRecord is returned when adding a (type, name) that exists
	ErrDuplicateRecord = storage.ErrDuplicate

	// ErrInvalidKeyMaterial is returned for a malformed raw key
	ErrInvalidKeyMaterial = crypto.ErrInvalidKeyMaterial

	// ErrNotOpen is returned by every operation on a closed wallet
	ErrNotOpen = errors.New("wallet is not open")

	// ErrAlreadyInitialized is returned by Create on an initialized store
	ErrAlreadyInitialized = errors.New("wallet is already initialized")

	// ErrNotInitialized is returned by Open on an empty store
	ErrNotInitialized = errors.New("wallet is not initialized")
)
