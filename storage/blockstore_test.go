package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"veilnet/core/types"
)

func exerciseBlockStore(t *testing.T, store BlockStore) {
	t.Helper()
	data := []byte("immutable block")
	key := types.NewKey(data)

	require.False(t, store.Contains(key))
	_, err := store.Get(key)
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.Put(key, data))
	require.True(t, store.Contains(key))
	got, err := store.Get(key)
	require.NoError(t, err)
	require.Equal(t, data, got)

	require.ErrorIs(t, store.Put(key, []byte("other")), ErrKeyMismatch)
	require.ErrorIs(t, store.Put(types.Key{}, data), ErrInvalidKey)
}

func TestMemBlockStore(t *testing.T) {
	store := NewMemBlockStore()
	exerciseBlockStore(t, store)

	key := types.NewKey([]byte("immutable block"))
	store.Lock(key)
	store.Lock(key)
	require.False(t, store.Delete(key))
	store.Unlock(key)
	require.True(t, store.Locked(key))
	store.Unlock(key)
	require.False(t, store.Locked(key))
	require.True(t, store.Delete(key))
	require.Equal(t, 0, store.Len())
}

func TestBoltBlockStorePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blocks.db")
	store, err := OpenBoltBlockStore(path, nil)
	require.NoError(t, err)
	exerciseBlockStore(t, store)
	require.NoError(t, store.Close())

	reopened, err := OpenBoltBlockStore(path, nil)
	require.NoError(t, err)
	defer reopened.Close()

	key := types.NewKey([]byte("immutable block"))
	require.True(t, reopened.Contains(key))
	require.Equal(t, 1, reopened.Len())

	reopened.Lock(key)
	removed, err := reopened.Delete(key)
	require.NoError(t, err)
	require.False(t, removed)
	reopened.Unlock(key)
	removed, err = reopened.Delete(key)
	require.NoError(t, err)
	require.True(t, removed)
}
