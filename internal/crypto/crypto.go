package crypto

import (
	"crypto/subtle"
	"fmt"

	"github.com/awnumar/memguard"
)

// Engine applies the wallet's encryption modes on top of a Provider.
type Engine struct {
	provider Provider
}

// NewEngine wraps p. A nil provider selects Default().
func NewEngine(p Provider) *Engine {
	if p == nil {
		p = Default()
	}
	return &Engine{provider: p}
}

// Provider returns the underlying primitive provider
func (e *Engine) Provider() Provider {
	return e.provider
}

// EncryptSearchable encrypts deterministically: the nonce is the leading
// bytes of HMAC(plaintext, macKey), so equal inputs give equal outputs and
// the ciphertext can be matched with a plain equality lookup. Never use it
// for values an attacker could guess.
func (e *Engine) EncryptSearchable(plaintext, key, macKey []byte) ([]byte, error) {
	mac := e.provider.MAC(plaintext, macKey)
	nonce := mac[:NonceSize]
	return e.seal(plaintext, nonce, key)
}

// EncryptOpaque encrypts under a fresh random nonce
func (e *Engine) EncryptOpaque(plaintext, key []byte) ([]byte, error) {
	nonce, err := e.provider.RandomBytes(NonceSize)
	if err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return e.seal(plaintext, nonce, key)
}

// seal returns nonce || ciphertext || tag
func (e *Engine) seal(plaintext, nonce, key []byte) ([]byte, error) {
	ciphertext, err := e.provider.AEADEncrypt(key, nonce, plaintext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt: %w", err)
	}
	merged := make([]byte, 0, len(nonce)+len(ciphertext))
	merged = append(merged, nonce...)
	return append(merged, ciphertext...), nil
}

// DecryptMerged reverses both EncryptSearchable and EncryptOpaque
func (e *Engine) DecryptMerged(data, key []byte) ([]byte, error) {
	if len(data) < NonceSize+TagSize {
		return nil, ErrDecryptionFailed
	}
	plaintext, err := e.provider.AEADDecrypt(key, data[:NonceSize], data[NonceSize:], nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// Encrypt seals a single chunk under an explicit nonce without prepending it
func (e *Engine) Encrypt(plaintext, nonce, key []byte) ([]byte, error) {
	ciphertext, err := e.provider.AEADEncrypt(key, nonce, plaintext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt: %w", err)
	}
	return ciphertext, nil
}

// Decrypt opens a chunk produced by Encrypt
func (e *Engine) Decrypt(ciphertext, nonce, key []byte) ([]byte, error) {
	if len(ciphertext) < TagSize {
		return nil, ErrDecryptionFailed
	}
	plaintext, err := e.provider.AEADDecrypt(key, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// SealValue encrypts value under a fresh per-record key and wraps that key
// with valueKey.
func (e *Engine) SealValue(value, valueKey []byte) (sealed, wrappedKey []byte, err error) {
	recordKey, err := e.provider.RandomBytes(KeySize)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate record key: %w", err)
	}
	defer Wipe(recordKey)

	sealed, err = e.EncryptOpaque(value, recordKey)
	if err != nil {
		return nil, nil, err
	}
	wrappedKey, err = e.EncryptOpaque(recordKey, valueKey)
	if err != nil {
		return nil, nil, err
	}
	return sealed, wrappedKey, nil
}

// OpenValue unwraps the record key and decrypts the value with it
func (e *Engine) OpenValue(sealed, wrappedKey, valueKey []byte) ([]byte, error) {
	recordKey, err := e.DecryptMerged(wrappedKey, valueKey)
	if err != nil {
		return nil, err
	}
	defer Wipe(recordKey)
	return e.DecryptMerged(sealed, recordKey)
}

// Hash returns the provider's digest of data
func (e *Engine) Hash(data []byte) []byte {
	return e.provider.Hash(data)
}

// RandomBytes returns n bytes from the provider's RNG
func (e *Engine) RandomBytes(n int) ([]byte, error) {
	return e.provider.RandomBytes(n)
}

// IncrementNonce adds one to nonce, read as a little-endian integer
func IncrementNonce(nonce []byte) {
	for i := range nonce {
		nonce[i]++
		if nonce[i] != 0 {
			return
		}
	}
}

// ConstantTimeCompare performs constant-time comparison
func ConstantTimeCompare(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// Wipe overwrites sensitive bytes
func Wipe(data []byte) {
	if len(data) > 0 {
		memguard.WipeBytes(data)
	}
}
