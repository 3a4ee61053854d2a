package crypto

import (
	"fmt"
	"sync"

	"github.com/awnumar/memguard"

	"github.com/vaultctl/walletctl/internal/codec"
)

// KeyRingSize is the number of purpose-bound keys in a KeyRing
const KeyRingSize = 7

const (
	slotType = iota
	slotName
	slotValue
	slotItemHMAC
	slotTagName
	slotTagValue
	slotTagsHMAC
)

// KeyRing holds the seven keys generated when a wallet is created. All keys
// live in a single guarded buffer that is wiped by Destroy.
type KeyRing struct {
	mu  sync.RWMutex
	buf *memguard.LockedBuffer
}

// NewKeyRing generates seven independent random keys
func (e *Engine) NewKeyRing() (*KeyRing, error) {
	raw, err := e.provider.RandomBytes(KeyRingSize * KeySize)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key ring: %w", err)
	}
	return newKeyRing(raw), nil
}

// newKeyRing moves raw into guarded memory and wipes the source
func newKeyRing(raw []byte) *KeyRing {
	return &KeyRing{buf: memguard.NewBufferFromBytes(raw)}
}

func (k *KeyRing) slot(i int) []byte {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.buf == nil || !k.buf.IsAlive() {
		return nil
	}
	b := k.buf.Bytes()
	return b[i*KeySize : (i+1)*KeySize]
}

func (k *KeyRing) TypeKey() []byte     { return k.slot(slotType) }
func (k *KeyRing) NameKey() []byte     { return k.slot(slotName) }
func (k *KeyRing) ValueKey() []byte    { return k.slot(slotValue) }
func (k *KeyRing) ItemHMACKey() []byte { return k.slot(slotItemHMAC) }
func (k *KeyRing) TagNameKey() []byte  { return k.slot(slotTagName) }
func (k *KeyRing) TagValueKey() []byte { return k.slot(slotTagValue) }
func (k *KeyRing) TagsHMACKey() []byte { return k.slot(slotTagsHMAC) }

// Alive reports whether the keys are still available
func (k *KeyRing) Alive() bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.buf != nil && k.buf.IsAlive()
}

// Destroy wipes the keys. Safe to call more than once.
func (k *KeyRing) Destroy() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.buf != nil {
		k.buf.Destroy()
		k.buf = nil
	}
}

// SealKeyRing serializes the keys as a msgpack array of binaries and encrypts the
// result under masterKey.
func (e *Engine) SealKeyRing(k *KeyRing, masterKey []byte) ([]byte, error) {
	if !k.Alive() {
		return nil, ErrInvalidKeyMaterial
	}
	keys := make([][]byte, KeyRingSize)
	for i := range keys {
		keys[i] = k.slot(i)
	}
	packed, err := codec.Encode(keys)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize key ring: %w", err)
	}
	defer Wipe(packed)

	sealed, err := e.EncryptOpaque(packed, masterKey)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt key ring: %w", err)
	}
	return sealed, nil
}

// OpenKeyRing decrypts a sealed key ring. A wrong master key surfaces as
// ErrDecryptionFailed, a malformed ring as ErrInvalidKeyMaterial.
func (e *Engine) OpenKeyRing(sealed, masterKey []byte) (*KeyRing, error) {
	packed, err := e.DecryptMerged(sealed, masterKey)
	if err != nil {
		return nil, err
	}
	defer Wipe(packed)

	var keys [][]byte
	if err := codec.Decode(packed, &keys); err != nil {
		return nil, ErrInvalidKeyMaterial
	}
	defer func() {
		for _, key := range keys {
			Wipe(key)
		}
	}()
	if len(keys) != KeyRingSize {
		return nil, ErrInvalidKeyMaterial
	}

	raw := make([]byte, 0, KeyRingSize*KeySize)
	for _, key := range keys {
		if len(key) != KeySize {
			Wipe(raw)
			return nil, ErrInvalidKeyMaterial
		}
		raw = append(raw, key...)
	}
	return newKeyRing(raw), nil
}
