package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// KeySize is the AEAD and MAC key size
	KeySize = chacha20poly1305.KeySize

	// NonceSize for ChaCha20-Poly1305 (IETF)
	NonceSize = chacha20poly1305.NonceSize

	// TagSize is the Poly1305 authenticator size
	TagSize = chacha20poly1305.Overhead

	// MACSize is the HMAC-SHA256 output size
	MACSize = sha256.Size

	// HashSize is the SHA-256 digest size
	HashSize = sha256.Size
)

// Provider supplies the low level primitives the wallet is built on.
type Provider interface {
	AEADEncrypt(key, nonce, plaintext, aad []byte) ([]byte, error)
	AEADDecrypt(key, nonce, ciphertext, aad []byte) ([]byte, error)
	MAC(data, key []byte) []byte
	KDF(passphrase, salt []byte, params KDFParams) []byte
	RandomBytes(n int) ([]byte, error)
	Hash(data []byte) []byte
}

// Default returns the stock provider: ChaCha20-Poly1305 IETF, HMAC-SHA256,
// Argon2id and SHA-256.
func Default() Provider {
	return chachaProvider{}
}

type chachaProvider struct{}

func (chachaProvider) AEADEncrypt(key, nonce, plaintext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	if len(nonce) != NonceSize {
		return nil, fmt.Errorf("invalid nonce size %d", len(nonce))
	}
	return aead.Seal(nil, nonce, plaintext, aad), nil
}

func (chachaProvider) AEADDecrypt(key, nonce, ciphertext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	if len(nonce) != NonceSize {
		return nil, fmt.Errorf("invalid nonce size %d", len(nonce))
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

func (chachaProvider) MAC(data, key []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

func (chachaProvider) KDF(passphrase, salt []byte, params KDFParams) []byte {
	return argon2.IDKey(passphrase, salt, params.Iterations, params.Memory, params.Parallelism, KeySize)
}

func (chachaProvider) RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("failed to read random bytes: %w", err)
	}
	return b, nil
}

func (chachaProvider) Hash(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}
