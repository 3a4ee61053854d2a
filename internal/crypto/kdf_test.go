package crypto

import (
	"testing"

	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveMasterKeyIsDeterministic(t *testing.T) {
	e := NewEngine(nil)
	data, err := e.NewDerivationData(MethodArgon2Interactive)
	require.NoError(t, err)
	assert.Len(t, data.Salt, SaltSize)

	first, err := e.DeriveMasterKey("correct-horse", data)
	require.NoError(t, err)
	second, err := e.DeriveMasterKey("correct-horse", data)
	require.NoError(t, err)
	assert.Len(t, first, KeySize)
	assert.Equal(t, first, second)

	wrong, err := e.DeriveMasterKey("wrong", data)
	require.NoError(t, err)
	assert.NotEqual(t, first, wrong)

	other, err := e.NewDerivationData(MethodArgon2Interactive)
	require.NoError(t, err)
	assert.NotEqual(t, data.Salt, other.Salt)
	salted, err := e.DeriveMasterKey("correct-horse", other)
	require.NoError(t, err)
	assert.NotEqual(t, first, salted)
}

func TestDeriveMasterKeyRaw(t *testing.T) {
	e := NewEngine(nil)
	data, err := e.NewDerivationData(MethodRaw)
	require.NoError(t, err)
	assert.Nil(t, data.Salt)

	raw, err := e.GenerateRawKey()
	require.NoError(t, err)

	key, err := e.DeriveMasterKey(raw, data)
	require.NoError(t, err)
	decoded, err := base58.Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, decoded, key)
	assert.Equal(t, raw, EncodeRawKey(key))
}

func TestDeriveMasterKeyRawRejectsBadKeys(t *testing.T) {
	e := NewEngine(nil)
	data := DerivationData{Method: MethodRaw}

	for _, passphrase := range []string{
		"",
		"not base58 0OIl",
		base58.Encode(make([]byte, KeySize-1)),
		base58.Encode(make([]byte, KeySize+1)),
	} {
		_, err := e.DeriveMasterKey(passphrase, data)
		assert.ErrorIs(t, err, ErrInvalidKeyMaterial, passphrase)
	}
}

func TestDeriveMasterKeyRequiresSalt(t *testing.T) {
	e := NewEngine(nil)
	_, err := e.DeriveMasterKey("pass", DerivationData{Method: MethodArgon2Interactive})
	assert.Error(t, err)

	_, err = e.DeriveMasterKey("pass", DerivationData{Method: Method(9), Salt: []byte("salt")})
	assert.Error(t, err)
}

func TestMethodParams(t *testing.T) {
	moderate := MethodArgon2Moderate.Params()
	interactive := MethodArgon2Interactive.Params()
	assert.Greater(t, moderate.Memory, interactive.Memory)
	assert.Greater(t, moderate.Iterations, interactive.Iterations)
	assert.Equal(t, KDFParams{}, MethodRaw.Params())
}

func TestParseMethod(t *testing.T) {
	for _, m := range []Method{MethodArgon2Moderate, MethodArgon2Interactive, MethodRaw} {
		parsed, err := ParseMethod(m.String())
		require.NoError(t, err)
		assert.Equal(t, m, parsed)
	}

	parsed, err := ParseMethod("")
	require.NoError(t, err)
	assert.Equal(t, MethodArgon2Moderate, parsed)

	_, err = ParseMethod("scrypt")
	assert.Error(t, err)
	assert.False(t, Method(3).Valid())
}
