package memory

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(Config{
		DBPath: filepath.Join(t.TempDir(), "memory.db"),
		Logger: zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestNewStore_RequiresPath(t *testing.T) {
	_, err := NewStore(Config{Logger: zerolog.Nop()})
	assert.Error(t, err)
}

func TestStore_SetGet(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)

	t.Run("should store with default category", func(t *testing.T) {
		require.NoError(t, store.Set(ctx, Entry{Key: "user.name", Value: "Harun"}))

		entry, err := store.Get(ctx, "user.name")
		require.NoError(t, err)
		assert.Equal(t, "Harun", entry.Value)
		assert.Equal(t, CategoryGeneral, entry.Category)
		assert.False(t, entry.CreatedAt.IsZero())
	})

	t.Run("should replace existing key", func(t *testing.T) {
		require.NoError(t, store.Set(ctx, Entry{Key: "user.name", Value: "H", Category: CategoryCore}))

		entry, err := store.Get(ctx, "user.name")
		require.NoError(t, err)
		assert.Equal(t, "H", entry.Value)
		assert.Equal(t, CategoryCore, entry.Category)

		n, err := store.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("should reject invalid input", func(t *testing.T) {
		assert.Error(t, store.Set(ctx, Entry{Key: " ", Value: "v"}))
		assert.Error(t, store.Set(ctx, Entry{Key: "k"}))
		assert.Error(t, store.Set(ctx, Entry{Key: "k", Value: "v", Category: "Bad Category"}))
	})

	t.Run("should report missing key", func(t *testing.T) {
		_, err := store.Get(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_Delete(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)

	require.NoError(t, store.Set(ctx, Entry{Key: "k", Value: "v"}))
	require.NoError(t, store.Delete(ctx, "k"))
	assert.ErrorIs(t, store.Delete(ctx, "k"), ErrNotFound)
}

func TestStore_Search(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)

	require.NoError(t, store.Set(ctx, Entry{Key: "user.timezone", Value: "Asia/Jakarta", Category: CategoryCore}))
	require.NoError(t, store.Set(ctx, Entry{Key: "project.deadline", Value: "Friday for the timezone migration", Category: CategoryDaily}))
	require.NoError(t, store.Set(ctx, Entry{Key: "pet", Value: "a cat named 100%", Category: CategoryGeneral}))

	t.Run("should rank key matches first", func(t *testing.T) {
		results, err := store.Search(ctx, "timezone", SearchOptions{})
		require.NoError(t, err)
		require.Len(t, results, 2)
		assert.Equal(t, "user.timezone", results[0].Key)
		assert.Greater(t, results[0].Score, results[1].Score)
	})

	t.Run("should filter by category", func(t *testing.T) {
		results, err := store.Search(ctx, "timezone", SearchOptions{Category: CategoryDaily})
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, "project.deadline", results[0].Key)
	})

	t.Run("should be case insensitive", func(t *testing.T) {
		results, err := store.Search(ctx, "JAKARTA", SearchOptions{})
		require.NoError(t, err)
		assert.Len(t, results, 1)
	})

	t.Run("should escape wildcards", func(t *testing.T) {
		results, err := store.Search(ctx, "%", SearchOptions{})
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, "pet", results[0].Key)
	})

	t.Run("should respect limit", func(t *testing.T) {
		results, err := store.Search(ctx, "a", SearchOptions{Limit: 1})
		require.NoError(t, err)
		assert.Len(t, results, 1)
	})

	t.Run("should require a query", func(t *testing.T) {
		_, err := store.Search(ctx, "  ", SearchOptions{})
		assert.Error(t, err)
	})
}

func TestStore_ListAndCategories(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)

	require.NoError(t, store.Set(ctx, Entry{Key: "a", Value: "1", Category: CategoryCore}))
	require.NoError(t, store.Set(ctx, Entry{Key: "b", Value: "2", Category: CategoryCore}))
	require.NoError(t, store.Set(ctx, Entry{Key: "c", Value: "3", Category: CategoryDaily}))

	core, err := store.List(ctx, CategoryCore, 0)
	require.NoError(t, err)
	assert.Len(t, core, 2)

	all, err := store.List(ctx, "", 2)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	cats, err := store.Categories(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{CategoryCore: 2, CategoryDaily: 1}, cats)
}

func TestStore_Snapshot(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)

	empty, err := store.Snapshot(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, empty)

	require.NoError(t, store.Set(ctx, Entry{Key: "user.name", Value: "Harun", Category: CategoryCore}))
	require.NoError(t, store.Set(ctx, Entry{Key: "scratch", Value: "ignore", Category: CategoryDaily}))

	snap, err := store.Snapshot(ctx, 10)
	require.NoError(t, err)
	assert.Contains(t, snap, "## Memory")
	assert.Contains(t, snap, "- user.name: Harun")
	assert.NotContains(t, snap, "scratch")
}

func TestStore_Persists(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "memory.db")

	store, err := NewStore(Config{DBPath: path, Logger: zerolog.Nop()})
	require.NoError(t, err)
	require.NoError(t, store.Set(ctx, Entry{Key: "k", Value: "v"}))
	require.NoError(t, store.Close())

	reopened, err := NewStore(Config{DBPath: path, Logger: zerolog.Nop()})
	require.NoError(t, err)
	defer reopened.Close()

	entry, err := reopened.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", entry.Value)
}
