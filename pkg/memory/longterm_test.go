package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewline/crewline/pkg/models"
	"github.com/crewline/crewline/pkg/storage"
)

func newTestLongTerm(t *testing.T, store storage.Store) *LongTerm {
	t.Helper()
	lt, err := NewLongTerm(context.Background(), LongTermOptions{
		Namespace: "test",
		Store:     store,
	})
	require.NoError(t, err)
	return lt
}

func TestLongTermSaveAndGet(t *testing.T) {
	lt := newTestLongTerm(t, storage.NewMemoryStore())

	stored, replaced, err := lt.Save(context.Background(), models.MemoryEntry{
		Content: "postgres connection pool exhausted during deploy",
	})
	require.NoError(t, err)
	assert.False(t, replaced)
	assert.NotEmpty(t, stored.ID)

	got, ok := lt.Get(stored.ID)
	require.True(t, ok)
	assert.Equal(t, stored.Content, got.Content)
	assert.Equal(t, 1, got.AccessCount)
}

func TestLongTermSaveReportsReplacement(t *testing.T) {
	lt := newTestLongTerm(t, storage.NewMemoryStore())
	ctx := context.Background()

	_, replaced, err := lt.Save(ctx, models.MemoryEntry{ID: "x", Content: "first"})
	require.NoError(t, err)
	assert.False(t, replaced)

	_, replaced, err = lt.Save(ctx, models.MemoryEntry{ID: "x", Content: "second"})
	require.NoError(t, err)
	assert.True(t, replaced)
	assert.Equal(t, 1, lt.Len())
}

func TestLongTermIndexesRebuiltOnLoad(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()

	first := newTestLongTerm(t, store)
	_, _, err := first.Save(ctx, models.MemoryEntry{
		ID:       "persisted",
		Content:  "kubernetes node drained unexpectedly",
		Metadata: map[string]any{"cluster": "prod"},
	})
	require.NoError(t, err)

	// A fresh instance over the same store must see and index the entry.
	second := newTestLongTerm(t, store)
	assert.Equal(t, 1, second.Len())

	results := second.Search(SearchOptions{Query: "kubernetes node"})
	require.Len(t, results, 1)
	assert.Equal(t, "persisted", results[0].ID)

	filtered := second.Search(SearchOptions{Metadata: map[string]any{"cluster": "prod"}})
	assert.Len(t, filtered, 1)
	assert.Empty(t, second.Search(SearchOptions{Metadata: map[string]any{"cluster": "staging"}}))
}

func TestLongTermSearchRanking(t *testing.T) {
	lt := newTestLongTerm(t, storage.NewMemoryStore())
	ctx := context.Background()
	now := time.Now()

	// Full recall, recent.
	_, _, err := lt.Save(ctx, models.MemoryEntry{
		ID: "best", Content: "database migration failed", CreatedAt: now,
	})
	require.NoError(t, err)
	// Partial recall, recent.
	_, _, err = lt.Save(ctx, models.MemoryEntry{
		ID: "partial", Content: "migration scheduled for tomorrow", CreatedAt: now,
	})
	require.NoError(t, err)
	// Full recall but very old: recall still dominates recency 0.7 to 0.3.
	_, _, err = lt.Save(ctx, models.MemoryEntry{
		ID: "old-full", Content: "database migration failed last quarter",
		CreatedAt: now.Add(-60 * 24 * time.Hour),
	})
	require.NoError(t, err)

	results := lt.Search(SearchOptions{Query: "database migration failed"})
	require.Len(t, results, 3)
	assert.Equal(t, "best", results[0].ID)
	assert.Equal(t, "old-full", results[1].ID, "full recall outweighs lost recency")
	assert.Equal(t, "partial", results[2].ID)
}

func TestLongTermSearchWithoutQueryIsPureRecency(t *testing.T) {
	lt := newTestLongTerm(t, storage.NewMemoryStore())
	ctx := context.Background()

	_, _, err := lt.Save(ctx, models.MemoryEntry{
		ID: "old", Content: "a", CreatedAt: time.Now().Add(-time.Hour),
	})
	require.NoError(t, err)
	_, _, err = lt.Save(ctx, models.MemoryEntry{
		ID: "new", Content: "b", CreatedAt: time.Now(),
	})
	require.NoError(t, err)

	results := lt.Search(SearchOptions{})
	require.Len(t, results, 2)
	assert.Equal(t, "new", results[0].ID)
}

func TestLongTermSearchIgnoresShortWords(t *testing.T) {
	lt := newTestLongTerm(t, storage.NewMemoryStore())
	_, _, err := lt.Save(context.Background(), models.MemoryEntry{
		ID: "x", Content: "it is an ok DB",
	})
	require.NoError(t, err)

	// Words of length <= 2 are not indexed.
	assert.Empty(t, lt.Search(SearchOptions{Query: "ok"}))
}

func TestLongTermDeleteUpdatesIndexes(t *testing.T) {
	lt := newTestLongTerm(t, storage.NewMemoryStore())
	ctx := context.Background()

	_, _, err := lt.Save(ctx, models.MemoryEntry{ID: "x", Content: "searchable phrase"})
	require.NoError(t, err)

	removed, err := lt.Delete(ctx, "x")
	require.NoError(t, err)
	assert.True(t, removed)
	assert.Empty(t, lt.Search(SearchOptions{Query: "searchable phrase"}))

	removed, err = lt.Delete(ctx, "x")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestLongTermClearDropsBackendAndIndexes(t *testing.T) {
	store := storage.NewMemoryStore()
	lt := newTestLongTerm(t, store)
	ctx := context.Background()

	_, _, err := lt.Save(ctx, models.MemoryEntry{ID: "x", Content: "phrase"})
	require.NoError(t, err)
	require.NoError(t, lt.Clear(ctx))

	assert.Equal(t, 0, lt.Len())
	fresh := newTestLongTerm(t, store)
	assert.Equal(t, 0, fresh.Len())
}

func TestLongTermArchiveOld(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()
	lt, err := NewLongTerm(ctx, LongTermOptions{
		Namespace:  "test",
		Store:      store,
		ArchiveAge: time.Hour,
	})
	require.NoError(t, err)

	_, _, err = lt.Save(ctx, models.MemoryEntry{
		ID: "stale", Content: "a", CreatedAt: time.Now().Add(-2 * time.Hour),
	})
	require.NoError(t, err)
	_, _, err = lt.Save(ctx, models.MemoryEntry{
		ID: "fresh", Content: "b", CreatedAt: time.Now(),
	})
	require.NoError(t, err)

	count, err := lt.ArchiveOld(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Equal(t, 1, lt.Len())
	_, ok := lt.Get("fresh")
	assert.True(t, ok)
}

func TestLongTermLoadSkipsCorruptEntries(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, "test", "item:bad", []byte("{not json")))

	lt := newTestLongTerm(t, store)
	assert.Equal(t, 0, lt.Len())
}
