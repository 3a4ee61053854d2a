package session

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticKey []byte

func (k staticKey) WrappingKey(context.Context) ([]byte, error) {
	return bytes.Clone(k), nil
}

type failingKey struct{}

func (failingKey) WrappingKey(context.Context) ([]byte, error) {
	return nil, errors.New("secrets manager unreachable")
}

func newManager(t *testing.T, keys KeySource) *SessionManager {
	t.Helper()
	return NewSessionManager(filepath.Join(t.TempDir(), "session.json"), time.Minute, keys)
}

func TestSaveAndLoad(t *testing.T) {
	sm := newManager(t, staticKey(bytes.Repeat([]byte{7}, 32)))
	ctx := context.Background()
	master := bytes.Repeat([]byte{42}, 32)

	require.NoError(t, sm.SaveSession(ctx, "wallet-1", master))

	info, err := os.Stat(sm.GetSessionPath())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(SessionFileMode), info.Mode().Perm())

	raw, err := os.ReadFile(sm.GetSessionPath())
	require.NoError(t, err)
	assert.False(t, bytes.Contains(raw, master))

	id, key, err := sm.LoadSession(ctx)
	require.NoError(t, err)
	assert.Equal(t, "wallet-1", id)
	assert.Equal(t, master, key)
	assert.True(t, sm.HasActiveSession(ctx))
}

func TestNoSession(t *testing.T) {
	sm := newManager(t, staticKey(bytes.Repeat([]byte{7}, 32)))
	_, _, err := sm.LoadSession(context.Background())
	assert.ErrorIs(t, err, ErrNoSession)
	assert.NoError(t, sm.ClearSession())
}

func TestExpiredSessionIsRemoved(t *testing.T) {
	sm := newManager(t, staticKey(bytes.Repeat([]byte{7}, 32)))
	ctx := context.Background()
	require.NoError(t, sm.SaveSession(ctx, "wallet-1", bytes.Repeat([]byte{1}, 32)))

	sm.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	_, _, err := sm.LoadSession(ctx)
	assert.ErrorIs(t, err, ErrExpired)

	_, err = os.Stat(sm.GetSessionPath())
	assert.True(t, os.IsNotExist(err))
}

func TestWrongWrappingKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	ctx := context.Background()
	require.NoError(t, NewSessionManager(path, time.Minute, staticKey(bytes.Repeat([]byte{7}, 32))).
		SaveSession(ctx, "wallet-1", bytes.Repeat([]byte{1}, 32)))

	other := NewSessionManager(path, time.Minute, staticKey(bytes.Repeat([]byte{8}, 32)))
	_, _, err := other.LoadSession(ctx)
	assert.Error(t, err)
	assert.False(t, other.HasActiveSession(ctx))
}

func TestKeySourceFailure(t *testing.T) {
	sm := newManager(t, failingKey{})
	assert.Error(t, sm.SaveSession(context.Background(), "wallet-1", bytes.Repeat([]byte{1}, 32)))
	_, err := os.Stat(sm.GetSessionPath())
	assert.True(t, os.IsNotExist(err))
}

func TestClearSession(t *testing.T) {
	sm := newManager(t, staticKey(bytes.Repeat([]byte{7}, 32)))
	ctx := context.Background()
	require.NoError(t, sm.SaveSession(ctx, "wallet-1", bytes.Repeat([]byte{1}, 32)))
	require.NoError(t, sm.ClearSession())
	assert.False(t, sm.HasActiveSession(ctx))
}

func TestHostKeySourceIsStable(t *testing.T) {
	var h HostKeySource
	a, err := h.WrappingKey(context.Background())
	require.NoError(t, err)
	b, err := h.WrappingKey(context.Background())
	require.NoError(t, err)
	assert.Len(t, a, 32)
	assert.Equal(t, a, b)
}
