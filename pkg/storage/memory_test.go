package storage

import (
	"context"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runStoreSuite exercises the Store contract against any backend.
func runStoreSuite(t *testing.T, store Store) {
	ctx := context.Background()

	t.Run("save and load", func(t *testing.T) {
		require.NoError(t, store.Save(ctx, "suite", "a", []byte("alpha")))
		value, err := store.Load(ctx, "suite", "a")
		require.NoError(t, err)
		assert.Equal(t, []byte("alpha"), value)
	})

	t.Run("overwrite", func(t *testing.T) {
		require.NoError(t, store.Save(ctx, "suite", "a", []byte("alpha-2")))
		value, err := store.Load(ctx, "suite", "a")
		require.NoError(t, err)
		assert.Equal(t, []byte("alpha-2"), value)
	})

	t.Run("missing key", func(t *testing.T) {
		_, err := store.Load(ctx, "suite", "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("namespace isolation", func(t *testing.T) {
		require.NoError(t, store.Save(ctx, "other", "a", []byte("other")))
		value, err := store.Load(ctx, "suite", "a")
		require.NoError(t, err)
		assert.Equal(t, []byte("alpha-2"), value)
	})

	t.Run("keys and load all", func(t *testing.T) {
		require.NoError(t, store.Save(ctx, "suite", "b", []byte("beta")))

		keys, err := store.Keys(ctx, "suite")
		require.NoError(t, err)
		sort.Strings(keys)
		assert.Equal(t, []string{"a", "b"}, keys)

		all, err := store.LoadAll(ctx, "suite")
		require.NoError(t, err)
		assert.Equal(t, map[string][]byte{
			"a": []byte("alpha-2"),
			"b": []byte("beta"),
		}, all)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, store.Delete(ctx, "suite", "a"))
		_, err := store.Load(ctx, "suite", "a")
		assert.ErrorIs(t, err, ErrNotFound)
		// Deleting again is not an error.
		assert.NoError(t, store.Delete(ctx, "suite", "a"))
	})

	t.Run("clear", func(t *testing.T) {
		require.NoError(t, store.Clear(ctx, "suite"))
		all, err := store.LoadAll(ctx, "suite")
		require.NoError(t, err)
		assert.Empty(t, all)
		// The other namespace is untouched.
		value, err := store.Load(ctx, "other", "a")
		require.NoError(t, err)
		assert.Equal(t, []byte("other"), value)
	})
}

func TestMemoryStoreSuite(t *testing.T) {
	store := NewMemoryStore()
	defer func() { _ = store.Close() }()
	runStoreSuite(t, store)
}

func TestMemoryStoreCopiesValues(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	original := []byte("immutable")
	require.NoError(t, store.Save(ctx, "ns", "k", original))
	original[0] = 'X'

	loaded, err := store.Load(ctx, "ns", "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("immutable"), loaded)

	// Mutating the loaded copy must not change the stored value either.
	loaded[0] = 'Y'
	again, err := store.Load(ctx, "ns", "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("immutable"), again)
}
