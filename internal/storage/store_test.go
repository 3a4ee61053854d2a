package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStores(t *testing.T) map[string]Store {
	t.Helper()
	stores := map[string]Store{}
	for _, backend := range []string{BackendSQLite, BackendBolt} {
		s, err := Open(backend, filepath.Join(t.TempDir(), "wallet."+backend))
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		stores[backend] = s
	}
	return stores
}

func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	for name, s := range openStores(t) {
		s := s
		t.Run(name, func(t *testing.T) { fn(t, s) })
	}
}

func TestOpenUnknownBackend(t *testing.T) {
	_, err := Open("mongo", filepath.Join(t.TempDir(), "x"))
	assert.Error(t, err)
}

func TestMetadataWrittenOnce(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, err := s.LoadMetadata(ctx)
		assert.ErrorIs(t, err, ErrNoMetadata)

		md := &Metadata{WalletID: "w1", Method: 1, EncryptedKeyRing: []byte("ring"), MasterKeySalt: []byte("salt")}
		require.NoError(t, s.SaveMetadata(ctx, md))
		assert.ErrorIs(t, s.SaveMetadata(ctx, md), ErrMetadataExists)

		loaded, err := s.LoadMetadata(ctx)
		require.NoError(t, err)
		assert.Equal(t, md, loaded)
	})
}

func TestReplaceMetadata(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		md := &Metadata{WalletID: "w1", Method: 1, EncryptedKeyRing: []byte("ring"), MasterKeySalt: []byte("salt")}
		assert.ErrorIs(t, s.ReplaceMetadata(ctx, md), ErrNoMetadata)

		require.NoError(t, s.SaveMetadata(ctx, md))
		rekeyed := &Metadata{WalletID: "w1", Method: 2, EncryptedKeyRing: []byte("ring2")}
		require.NoError(t, s.ReplaceMetadata(ctx, rekeyed))

		loaded, err := s.LoadMetadata(ctx)
		require.NoError(t, err)
		assert.Equal(t, uint8(2), loaded.Method)
		assert.Equal(t, []byte("ring2"), loaded.EncryptedKeyRing)
		assert.Empty(t, loaded.MasterKeySalt)
	})
}

func TestInsertAndFind(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		item := &Item{Type: []byte("t1"), Name: []byte("n1"), Value: []byte("v1"), Key: []byte("k1")}
		tags := []Tag{
			{Name: []byte("a"), Value: []byte("1")},
			{Name: []byte("b"), Value: []byte("2"), Plaintext: true},
		}
		id, err := s.InsertItem(ctx, item, tags)
		require.NoError(t, err)
		assert.Equal(t, id, item.ID)

		found, err := s.FindItem(ctx, []byte("t1"), []byte("n1"))
		require.NoError(t, err)
		assert.Equal(t, *item, found.Item)
		require.Len(t, found.Tags, 2)
		byName := map[string]Tag{}
		for _, tag := range found.Tags {
			byName[string(tag.Name)] = tag
		}
		assert.Equal(t, []byte("1"), byName["a"].Value)
		assert.False(t, byName["a"].Plaintext)
		assert.Equal(t, []byte("2"), byName["b"].Value)
		assert.True(t, byName["b"].Plaintext)

		_, err = s.FindItem(ctx, []byte("t1"), []byte("missing"))
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.FindItem(ctx, []byte("t2"), []byte("n1"))
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestInsertDuplicate(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, err := s.InsertItem(ctx, &Item{Type: []byte("t"), Name: []byte("n"), Value: []byte("v"), Key: []byte("k")}, nil)
		require.NoError(t, err)

		_, err = s.InsertItem(ctx, &Item{Type: []byte("t"), Name: []byte("n"), Value: []byte("other"), Key: []byte("k")}, nil)
		assert.ErrorIs(t, err, ErrDuplicate)

		n, err := s.CountItems(ctx)
		require.NoError(t, err)
		assert.EqualValues(t, 1, n)
	})
}

func TestFindItemsByType(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for _, row := range []struct{ typ, name string }{
			{"cred", "a"}, {"cred", "b"}, {"did", "a"}, {"credx", "c"},
		} {
			_, err := s.InsertItem(ctx, &Item{Type: []byte(row.typ), Name: []byte(row.name), Value: []byte("v"), Key: []byte("k")},
				[]Tag{{Name: []byte("tag"), Value: []byte(row.name)}})
			require.NoError(t, err)
		}

		creds, err := s.FindItemsByType(ctx, []byte("cred"))
		require.NoError(t, err)
		require.Len(t, creds, 2)
		for _, c := range creds {
			assert.Equal(t, []byte("cred"), c.Item.Type)
			require.Len(t, c.Tags, 1)
			assert.Equal(t, c.Item.Name, c.Tags[0].Value)
		}

		none, err := s.FindItemsByType(ctx, []byte("nope"))
		require.NoError(t, err)
		assert.Empty(t, none)

		all, err := s.AllItems(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 4)
	})
}

func TestUpdateAndReplaceTags(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		id, err := s.InsertItem(ctx, &Item{Type: []byte("t"), Name: []byte("n"), Value: []byte("v"), Key: []byte("k")},
			[]Tag{{Name: []byte("old"), Value: []byte("x")}})
		require.NoError(t, err)

		require.NoError(t, s.UpdateItemValue(ctx, id, []byte("v2"), []byte("k2")))
		require.NoError(t, s.ReplaceTags(ctx, id, []Tag{{Name: []byte("new"), Value: []byte("y"), Plaintext: true}}))

		found, err := s.FindItem(ctx, []byte("t"), []byte("n"))
		require.NoError(t, err)
		assert.Equal(t, []byte("v2"), found.Item.Value)
		assert.Equal(t, []byte("k2"), found.Item.Key)
		require.Len(t, found.Tags, 1)
		assert.Equal(t, []byte("new"), found.Tags[0].Name)
		assert.True(t, found.Tags[0].Plaintext)

		require.NoError(t, s.ReplaceTags(ctx, id, nil))
		found, err = s.FindItem(ctx, []byte("t"), []byte("n"))
		require.NoError(t, err)
		assert.Empty(t, found.Tags)

		assert.ErrorIs(t, s.UpdateItemValue(ctx, id+100, []byte("v"), []byte("k")), ErrNotFound)
		assert.ErrorIs(t, s.ReplaceTags(ctx, id+100, nil), ErrNotFound)
	})
}

func TestUpdateTags(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		id, err := s.InsertItem(ctx, &Item{Type: []byte("t"), Name: []byte("n"), Value: []byte("v"), Key: []byte("k")},
			[]Tag{{Name: []byte("a"), Value: []byte("1")}})
		require.NoError(t, err)

		require.NoError(t, s.UpdateTags(ctx, id, func(existing []Tag) ([]Tag, error) {
			require.Len(t, existing, 1)
			assert.Equal(t, []byte("a"), existing[0].Name)
			return append(existing, Tag{Name: []byte("b"), Value: []byte("2"), Plaintext: true}), nil
		}))
		found, err := s.FindItem(ctx, []byte("t"), []byte("n"))
		require.NoError(t, err)
		assert.Len(t, found.Tags, 2)

		// a failing update leaves the tags untouched
		boom := errors.New("boom")
		err = s.UpdateTags(ctx, id, func([]Tag) ([]Tag, error) { return nil, boom })
		assert.ErrorIs(t, err, boom)
		found, err = s.FindItem(ctx, []byte("t"), []byte("n"))
		require.NoError(t, err)
		assert.Len(t, found.Tags, 2)

		called := false
		err = s.UpdateTags(ctx, id+100, func([]Tag) ([]Tag, error) {
			called = true
			return nil, nil
		})
		assert.ErrorIs(t, err, ErrNotFound)
		assert.False(t, called)
	})
}

func TestConcurrentUpdateTags(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		id, err := s.InsertItem(ctx, &Item{Type: []byte("t"), Name: []byte("n"), Value: []byte("v"), Key: []byte("k")}, nil)
		require.NoError(t, err)

		const writers = 50
		var wg sync.WaitGroup
		errs := make(chan error, writers)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				errs <- s.UpdateTags(ctx, id, func(existing []Tag) ([]Tag, error) {
					return append(existing, Tag{Name: []byte(fmt.Sprintf("tag-%d", i)), Value: []byte("x")}), nil
				})
			}(i)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		found, err := s.FindItem(ctx, []byte("t"), []byte("n"))
		require.NoError(t, err)
		assert.Len(t, found.Tags, writers)
	})
}

func TestSQLiteNotNullIsNotDuplicate(t *testing.T) {
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "wallet.sqlite"))
	require.NoError(t, err)
	defer s.Close()

	_, err = s.InsertItem(context.Background(), &Item{Type: []byte("t"), Value: []byte("v"), Key: []byte("k")}, nil)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrDuplicate)
}

func TestDeleteItem(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		id, err := s.InsertItem(ctx, &Item{Type: []byte("t"), Name: []byte("n"), Value: []byte("v"), Key: []byte("k")},
			[]Tag{{Name: []byte("a"), Value: []byte("1")}})
		require.NoError(t, err)

		require.NoError(t, s.DeleteItem(ctx, id))
		assert.ErrorIs(t, s.DeleteItem(ctx, id), ErrNotFound)

		_, err = s.FindItem(ctx, []byte("t"), []byte("n"))
		assert.ErrorIs(t, err, ErrNotFound)

		// the name is free again
		_, err = s.InsertItem(ctx, &Item{Type: []byte("t"), Name: []byte("n"), Value: []byte("v"), Key: []byte("k")}, nil)
		require.NoError(t, err)

		n, err := s.CountItems(ctx)
		require.NoError(t, err)
		assert.EqualValues(t, 1, n)
	})
}

func TestReopenKeepsData(t *testing.T) {
	for _, backend := range []string{BackendSQLite, BackendBolt} {
		t.Run(backend, func(t *testing.T) {
			ctx := context.Background()
			path := filepath.Join(t.TempDir(), "wallet.db")
			s, err := Open(backend, path)
			require.NoError(t, err)
			_, err = s.InsertItem(ctx, &Item{Type: []byte("t"), Name: []byte("n"), Value: []byte("v"), Key: []byte("k")}, nil)
			require.NoError(t, err)
			require.NoError(t, s.Close())

			s, err = Open(backend, path)
			require.NoError(t, err)
			defer s.Close()
			n, err := s.CountItems(ctx)
			require.NoError(t, err)
			assert.EqualValues(t, 1, n)
		})
	}
}
