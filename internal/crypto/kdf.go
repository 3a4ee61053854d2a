package crypto

import (
	"fmt"
	"strings"

	"github.com/mr-tron/base58"
)

// Method selects how a passphrase becomes a master key. The numeric values
// are written into key ring metadata and backup headers and must not change.
type Method uint8

const (
	MethodArgon2Moderate    Method = 0
	MethodArgon2Interactive Method = 1
	MethodRaw               Method = 2
)

const (
	// SaltSize for master key derivation
	SaltSize = 32

	// Argon2id parameters, matching libsodium's crypto_pwhash presets
	ModerateMemory        = 256 * 1024 // 256 MB
	ModerateIterations    = 3
	InteractiveMemory     = 64 * 1024 // 64 MB
	InteractiveIterations = 2
	DefaultParallelism    = 1
)

// KDFParams holds Argon2id parameters
type KDFParams struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
}

// Params returns the cost parameters for the method. Raw has none.
func (m Method) Params() KDFParams {
	switch m {
	case MethodArgon2Interactive:
		return KDFParams{Memory: InteractiveMemory, Iterations: InteractiveIterations, Parallelism: DefaultParallelism}
	case MethodArgon2Moderate:
		return KDFParams{Memory: ModerateMemory, Iterations: ModerateIterations, Parallelism: DefaultParallelism}
	}
	return KDFParams{}
}

// Valid reports whether m is a known method
func (m Method) Valid() bool {
	return m <= MethodRaw
}

func (m Method) String() string {
	switch m {
	case MethodArgon2Moderate:
		return "argon2m"
	case MethodArgon2Interactive:
		return "argon2i"
	case MethodRaw:
		return "raw"
	}
	return fmt.Sprintf("method(%d)", uint8(m))
}

// ParseMethod accepts the names printed by Method.String
func ParseMethod(s string) (Method, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "argon2m", "moderate", "":
		return MethodArgon2Moderate, nil
	case "argon2i", "interactive":
		return MethodArgon2Interactive, nil
	case "raw":
		return MethodRaw, nil
	}
	return 0, fmt.Errorf("unknown key derivation method %q", s)
}

// DerivationData pairs a method with the salt it runs over.
type DerivationData struct {
	Method Method
	Salt   []byte
}

// NewDerivationData draws a fresh salt for method. Raw keys take no salt.
func (e *Engine) NewDerivationData(method Method) (DerivationData, error) {
	if !method.Valid() {
		return DerivationData{}, fmt.Errorf("unknown key derivation method %d", method)
	}
	if method == MethodRaw {
		return DerivationData{Method: method}, nil
	}
	salt, err := e.provider.RandomBytes(SaltSize)
	if err != nil {
		return DerivationData{}, fmt.Errorf("failed to generate salt: %w", err)
	}
	return DerivationData{Method: method, Salt: salt}, nil
}

// DeriveMasterKey turns a passphrase into a 32 byte master key. The same
// passphrase and derivation data always produce the same key.
func (e *Engine) DeriveMasterKey(passphrase string, data DerivationData) ([]byte, error) {
	switch data.Method {
	case MethodRaw:
		key, err := base58.Decode(passphrase)
		if err != nil || len(key) != KeySize {
			Wipe(key)
			return nil, ErrInvalidKeyMaterial
		}
		return key, nil
	case MethodArgon2Moderate, MethodArgon2Interactive:
		if len(data.Salt) == 0 {
			return nil, fmt.Errorf("missing salt for %s derivation", data.Method)
		}
		return e.provider.KDF([]byte(passphrase), data.Salt, data.Method.Params()), nil
	}
	return nil, fmt.Errorf("unknown key derivation method %d", data.Method)
}

// GenerateRawKey returns a random key in the base58 form accepted by MethodRaw
func (e *Engine) GenerateRawKey() (string, error) {
	key, err := e.provider.RandomBytes(KeySize)
	if err != nil {
		return "", fmt.Errorf("failed to generate raw key: %w", err)
	}
	defer Wipe(key)
	return EncodeRawKey(key), nil
}

// EncodeRawKey encodes key in base58
func EncodeRawKey(key []byte) string {
	return base58.Encode(key)
}
