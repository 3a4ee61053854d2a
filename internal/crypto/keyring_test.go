package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaultctl/walletctl/internal/codec"
)

func TestKeyRingKeysAreDistinct(t *testing.T) {
	e := NewEngine(nil)
	ring, err := e.NewKeyRing()
	require.NoError(t, err)
	defer ring.Destroy()

	keys := [][]byte{
		ring.TypeKey(), ring.NameKey(), ring.ValueKey(), ring.ItemHMACKey(),
		ring.TagNameKey(), ring.TagValueKey(), ring.TagsHMACKey(),
	}
	seen := map[string]bool{}
	for _, key := range keys {
		require.Len(t, key, KeySize)
		assert.False(t, seen[string(key)], "key reused across purposes")
		seen[string(key)] = true
	}
}

func TestKeyRingSealOpen(t *testing.T) {
	e := NewEngine(nil)
	ring, err := e.NewKeyRing()
	require.NoError(t, err)
	defer ring.Destroy()

	masterKey := randomKey(t, e)
	sealed, err := e.SealKeyRing(ring, masterKey)
	require.NoError(t, err)

	opened, err := e.OpenKeyRing(sealed, masterKey)
	require.NoError(t, err)
	defer opened.Destroy()

	assert.Equal(t, ring.TypeKey(), opened.TypeKey())
	assert.Equal(t, ring.NameKey(), opened.NameKey())
	assert.Equal(t, ring.ValueKey(), opened.ValueKey())
	assert.Equal(t, ring.ItemHMACKey(), opened.ItemHMACKey())
	assert.Equal(t, ring.TagNameKey(), opened.TagNameKey())
	assert.Equal(t, ring.TagValueKey(), opened.TagValueKey())
	assert.Equal(t, ring.TagsHMACKey(), opened.TagsHMACKey())

	_, err = e.OpenKeyRing(sealed, randomKey(t, e))
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestOpenKeyRingRejectsMalformedRing(t *testing.T) {
	e := NewEngine(nil)
	masterKey := randomKey(t, e)

	short := make([][]byte, KeyRingSize-1)
	for i := range short {
		short[i] = make([]byte, KeySize)
	}
	badLen := make([][]byte, KeyRingSize)
	for i := range badLen {
		badLen[i] = make([]byte, KeySize)
	}
	badLen[3] = make([]byte, 16)

	for _, keys := range [][][]byte{short, badLen} {
		packed, err := codec.Encode(keys)
		require.NoError(t, err)
		sealed, err := e.EncryptOpaque(packed, masterKey)
		require.NoError(t, err)

		_, err = e.OpenKeyRing(sealed, masterKey)
		assert.ErrorIs(t, err, ErrInvalidKeyMaterial)
	}
}

func TestKeyRingDestroy(t *testing.T) {
	e := NewEngine(nil)
	ring, err := e.NewKeyRing()
	require.NoError(t, err)
	assert.True(t, ring.Alive())

	ring.Destroy()
	ring.Destroy()
	assert.False(t, ring.Alive())
	assert.Nil(t, ring.TypeKey())

	_, err = e.SealKeyRing(ring, randomKey(t, e))
	assert.ErrorIs(t, err, ErrInvalidKeyMaterial)
}
