package crypto

import "errors"

var (
	// ErrDecryptionFailed is returned for any authentication failure: wrong
	// key, tampered ciphertext or truncated input.
	ErrDecryptionFailed = errors.New("decryption failed")

	// ErrInvalidKeyMaterial is returned for malformed raw keys and key rings.
	ErrInvalidKeyMaterial = errors.New("invalid key material")
)
